package samplers

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"math"
	"slices"
	"strings"
)

// Policy selects the next token of each sequence given the logits of the model.
//
// Implementations must be deterministic: the same logits and key must always produce the same tokens.
type Policy interface {
	// Select takes the float32[batchSize, 1, vocabSize] logits and returns one token id per sequence.
	Select(logits *tensors.Tensor, key Key) ([]int, error)
}

// logitsRows returns the logits of each example, as float64, after checking its shape.
func logitsRows(logits *tensors.Tensor) ([][]float64, error) {
	shape := logits.Shape()
	if logits.DType() != dtypes.Float32 || shape.Rank() != 3 || shape.Dim(1) != 1 {
		return nil, errors.Errorf("logits must be shaped float32[batchSize, 1, vocabSize], got %s", shape)
	}
	batchSize, vocabSize := shape.Dim(0), shape.Dim(2)
	rows := make([][]float64, batchSize)
	tensors.ConstFlatData[float32](logits, func(flat []float32) {
		for exampleIdx := range batchSize {
			row := make([]float64, vocabSize)
			for ii, v := range flat[exampleIdx*vocabSize : (exampleIdx+1)*vocabSize] {
				row[ii] = float64(v)
			}
			rows[exampleIdx] = row
		}
	})
	return rows, nil
}

// argMax returns the index of the largest value, the first one on ties.
func argMax(values []float64) int {
	best := 0
	for ii, v := range values {
		if v > values[best] {
			best = ii
		}
	}
	return best
}

// Greedy always selects the token with the largest logit.
type Greedy struct{}

// Select implements Policy.
func (Greedy) Select(logits *tensors.Tensor, _ Key) ([]int, error) {
	rows, err := logitsRows(logits)
	if err != nil {
		return nil, err
	}
	tokens := make([]int, len(rows))
	for ii, row := range rows {
		tokens[ii] = argMax(row)
	}
	return tokens, nil
}

// RandomSampling samples from softmax(logits/Temperature), using the Gumbel-max trick.
type RandomSampling struct {
	Temperature float64
}

// Select implements Policy.
func (p RandomSampling) Select(logits *tensors.Tensor, key Key) ([]int, error) {
	if p.Temperature <= 0 {
		return nil, errors.Errorf("RandomSampling.Temperature must be > 0, got %g", p.Temperature)
	}
	rows, err := logitsRows(logits)
	if err != nil {
		return nil, err
	}
	return gumbelArgMax(rows, p.Temperature, key), nil
}

// gumbelArgMax samples one token per row: argmax(logits/temperature + gumbel noise).
// Tokens with -Inf logits are never selected, unless all of a row is -Inf.
func gumbelArgMax(rows [][]float64, temperature float64, key Key) []int {
	rng := key.Rand()
	tokens := make([]int, len(rows))
	for exampleIdx, row := range rows {
		noisy := make([]float64, len(row))
		for ii, logit := range row {
			uniform := max(rng.Float64(), 1e-10)
			noisy[ii] = logit/temperature - math.Log(-math.Log(uniform))
		}
		tokens[exampleIdx] = argMax(noisy)
	}
	return tokens
}

// TopK samples with temperature among the K tokens with the largest logits.
type TopK struct {
	K           int
	Temperature float64
}

// Select implements Policy.
func (p TopK) Select(logits *tensors.Tensor, key Key) ([]int, error) {
	if p.K <= 0 || p.Temperature <= 0 {
		return nil, errors.Errorf("TopK requires K > 0 and Temperature > 0, got K=%d, Temperature=%g", p.K, p.Temperature)
	}
	rows, err := logitsRows(logits)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if p.K >= len(row) {
			continue
		}
		sorted := slices.Clone(row)
		slices.Sort(sorted)
		threshold := sorted[len(sorted)-p.K]
		// Ties at the threshold are resolved keeping the lowest indices, so that exactly K are kept.
		kept := 0
		for _, v := range row {
			if v > threshold {
				kept++
			}
		}
		for ii, v := range row {
			switch {
			case v > threshold:
			case v == threshold && kept < p.K:
				kept++
			default:
				row[ii] = math.Inf(-1)
			}
		}
	}
	return gumbelArgMax(rows, p.Temperature, key), nil
}

// TopP (nucleus sampling) samples with temperature among the smallest set of most likely tokens whose
// probabilities add up to at least P.
type TopP struct {
	P           float64
	Temperature float64
}

// Select implements Policy.
func (p TopP) Select(logits *tensors.Tensor, key Key) ([]int, error) {
	if p.P <= 0 || p.P > 1 || p.Temperature <= 0 {
		return nil, errors.Errorf("TopP requires 0 < P <= 1 and Temperature > 0, got P=%g, Temperature=%g", p.P, p.Temperature)
	}
	rows, err := logitsRows(logits)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		probs := softmax(row)
		order := make([]int, len(row))
		for ii := range order {
			order[ii] = ii
		}
		slices.SortStableFunc(order, func(a, b int) int {
			switch {
			case probs[a] > probs[b]:
				return -1
			case probs[a] < probs[b]:
				return 1
			default:
				return 0
			}
		})
		var cumulative float64
		cutoff := len(order)
		for rank, idx := range order {
			cumulative += probs[idx]
			if cumulative >= p.P {
				cutoff = rank + 1
				break
			}
		}
		for _, idx := range order[cutoff:] {
			row[idx] = math.Inf(-1)
		}
	}
	return gumbelArgMax(rows, p.Temperature, key), nil
}

// softmax of a row of logits. Rows with only -Inf values return all zeros.
func softmax(row []float64) []float64 {
	maxLogit := math.Inf(-1)
	for _, v := range row {
		maxLogit = max(maxLogit, v)
	}
	probs := make([]float64, len(row))
	if math.IsInf(maxLogit, -1) {
		return probs
	}
	var total float64
	for ii, v := range row {
		probs[ii] = math.Exp(v - maxLogit)
		total += probs[ii]
	}
	for ii := range probs {
		probs[ii] /= total
	}
	return probs
}

// PolicyConfig describes a Policy by name and parameters, e.g. as read from a configuration file.
type PolicyConfig struct {
	// Name is one of "greedy", "temperature", "top_k" or "top_p".
	Name        string  `yaml:"name"`
	Temperature float64 `yaml:"temperature"`
	TopK        int     `yaml:"top_k"`
	TopP        float64 `yaml:"top_p"`
}

// PolicyFromConfig creates the Policy described by config. A zero Temperature defaults to 1.0.
func PolicyFromConfig(config PolicyConfig) (Policy, error) {
	temperature := config.Temperature
	if temperature == 0 {
		temperature = 1.0
	}
	switch strings.ToLower(config.Name) {
	case "", "greedy":
		return Greedy{}, nil
	case "temperature", "random":
		return RandomSampling{Temperature: temperature}, nil
	case "top_k", "topk":
		if config.TopK <= 0 {
			return nil, errors.Errorf("policy %q requires top_k > 0", config.Name)
		}
		return TopK{K: config.TopK, Temperature: temperature}, nil
	case "top_p", "topp":
		if config.TopP <= 0 || config.TopP > 1 {
			return nil, errors.Errorf("policy %q requires 0 < top_p <= 1", config.Name)
		}
		return TopP{P: config.TopP, Temperature: temperature}, nil
	default:
		return nil, errors.Errorf("unknown sampling policy %q", config.Name)
	}
}
