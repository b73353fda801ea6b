package samplers

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// GraphGreedy is the Greedy policy executed as a computation graph on a GoMLX backend.
type GraphGreedy struct {
	exec *graph.Exec
}

// NewGraphGreedy creates a GraphGreedy policy for the given backend.
func NewGraphGreedy(backend backends.Backend) *GraphGreedy {
	return &GraphGreedy{
		exec: graph.NewExec(backend, func(logits *graph.Node) *graph.Node {
			return graph.ArgMax(logits, -1, dtypes.Int32)
		}),
	}
}

// Select implements Policy.
func (p *GraphGreedy) Select(logits *tensors.Tensor, _ Key) ([]int, error) {
	if _, err := logitsRows(logits); err != nil {
		return nil, err
	}
	return execSelection(p.exec, logits)
}

// GraphRandomSampling is the RandomSampling policy executed as a computation graph on a GoMLX backend.
//
// The uniform noise is generated on the host from the key, so results are reproducible across backends.
type GraphRandomSampling struct {
	Temperature float64
	exec        *graph.Exec
}

// NewGraphRandomSampling creates a GraphRandomSampling policy for the given backend and temperature.
func NewGraphRandomSampling(backend backends.Backend, temperature float64) *GraphRandomSampling {
	return &GraphRandomSampling{
		Temperature: temperature,
		exec: graph.NewExec(backend, func(logits, uniform *graph.Node) *graph.Node {
			if temperature != 1.0 {
				logits = graph.DivScalar(logits, temperature)
			}
			uniform = graph.Max(uniform, graph.ConstAs(uniform, 1e-10))
			gumbel := graph.Neg(graph.Log(graph.Neg(graph.Log(uniform))))
			return graph.ArgMax(graph.Add(logits, gumbel), -1, dtypes.Int32)
		}),
	}
}

// Select implements Policy.
func (p *GraphRandomSampling) Select(logits *tensors.Tensor, key Key) ([]int, error) {
	if p.Temperature <= 0 {
		return nil, errors.Errorf("GraphRandomSampling.Temperature must be > 0, got %g", p.Temperature)
	}
	if _, err := logitsRows(logits); err != nil {
		return nil, err
	}
	rng := key.Rand()
	uniform := make([]float32, logits.Shape().Size())
	for ii := range uniform {
		uniform[ii] = rng.Float32()
	}
	return execSelection(p.exec, logits,
		tensors.FromFlatDataAndDimensions(uniform, logits.Shape().Dimensions...))
}

// execSelection executes a selection graph, converting its int32[batchSize, 1] output to token ids.
func execSelection(exec *graph.Exec, args ...any) (tokens []int, err error) {
	err = exceptions.TryCatch[error](func() {
		selected := exec.Call(args...)[0]
		tokens = xslices.Map(tensors.CopyFlatData[int32](selected), func(id int32) int { return int(id) })
	})
	if err != nil {
		err = errors.WithMessage(err, "while executing sampling graph")
	}
	return
}
