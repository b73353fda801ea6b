package samplers

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"math"
	"slices"
	"time"
)

// Step executes one decoding step: it feeds the last accepted token of each sequence to the model, selects the
// next token with policy and appends it to the token buffer.
//
// While a sequence is still inside its prompt, the selected token is discarded and the next prompt token is
// used instead, so the prompt is processed by the same step as the generation. Sequences that are already done
// get "pad" instead of the selected token.
//
// Errors from the model are returned as is. The returned State supersedes state.
func (s *Sampler) Step(state *State, policy Policy) (*State, error) {
	start := time.Now()
	step := state.DecodingStep
	batchSize, bufferLength := state.BatchSize(), state.BufferLength()
	if step >= state.TotalSamplingSteps {
		exceptions.Panicf("Step called with DecodingStep=%d, but TotalSamplingSteps=%d", step, state.TotalSamplingSteps)
	}
	pad, eos := int32(s.Vocab.PadId()), int32(s.Vocab.EndOfSentenceId())

	// Last tokens, their positions and the non-padding mask of the whole buffer.
	lastTokens := make([]int32, batchSize)
	stepPositions := make([]int32, batchSize)
	inputMask := make([]bool, batchSize*bufferLength)
	tensors.ConstFlatData[int32](state.TokenBuffer, func(flat []int32) {
		for exampleIdx := range batchSize {
			lastTokens[exampleIdx] = flat[exampleIdx*bufferLength+step]
		}
		for ii, token := range flat {
			inputMask[ii] = token != pad
		}
	})
	tensors.ConstFlatData[int32](state.Positions, func(flat []int32) {
		for exampleIdx := range batchSize {
			stepPositions[exampleIdx] = flat[exampleIdx*bufferLength+step]
		}
	})
	attentionMask := ComputeAttentionMasks(step, s.CacheLength,
		tensors.FromFlatDataAndDimensions(inputMask, batchSize, bufferLength))

	logits, newCache, err := s.Model.Forward(s.Params,
		tensors.FromFlatDataAndDimensions(lastTokens, batchSize, 1),
		tensors.FromFlatDataAndDimensions(stepPositions, batchSize, 1),
		state.Cache, attentionMask)
	if err != nil {
		return nil, err
	}
	if err := state.Cache.CheckCompatible(newCache); err != nil {
		exceptions.Panicf("model returned an incompatible cache at step %d: %+v", step, err)
	}
	logitsShape := logits.Shape()
	if logits.DType() != dtypes.Float32 || logitsShape.Rank() != 3 || logitsShape.Dim(0) != batchSize ||
		logitsShape.Dim(1) != 1 || logitsShape.Dim(2) != s.Model.VocabularySize() {
		exceptions.Panicf("model returned logits shaped %s, expected float32[%d, 1, %d]",
			logitsShape, batchSize, s.Model.VocabularySize())
	}
	vocabSize := logitsShape.Dim(2)

	if len(state.ForbiddenTokenIds) > 0 {
		negInf := float32(math.Inf(-1))
		tensors.MutableFlatData(logits, func(flat []float32) {
			for exampleIdx := range batchSize {
				for _, id := range state.ForbiddenTokenIds {
					flat[exampleIdx*vocabSize+id] = negInf
				}
			}
		})
	}

	nextKey, currentKey := state.RNG.Split()
	candidates, err := policy.Select(logits, currentKey)
	if err != nil {
		return nil, errors.WithMessagef(err, "sampling policy failed at step %d", step)
	}
	if len(candidates) != batchSize {
		exceptions.Panicf("sampling policy returned %d tokens for a batch of %d", len(candidates), batchSize)
	}

	next := *state
	next.Done = slices.Clone(state.Done)
	tensors.MutableFlatData(state.TokenBuffer, func(flat []int32) {
		for exampleIdx, candidate := range candidates {
			idx := exampleIdx*bufferLength + step + 1
			var token int32
			switch {
			case step < state.NumInputTokens[exampleIdx]-1:
				// Prompt replay: the next token is already in the buffer.
				token = flat[idx]
			case state.Done[exampleIdx]:
				token = pad
			default:
				token = int32(candidate)
			}
			flat[idx] = token
			next.Done[exampleIdx] = next.Done[exampleIdx] || token == eos
		}
	})
	if state.LogitsBuffer != nil {
		tensors.ConstFlatData[float32](logits, func(stepLogits []float32) {
			tensors.MutableFlatData(state.LogitsBuffer, func(flat []float32) {
				for exampleIdx := range batchSize {
					offset := (exampleIdx*bufferLength + step + 1) * vocabSize
					copy(flat[offset:offset+vocabSize], stepLogits[exampleIdx*vocabSize:(exampleIdx+1)*vocabSize])
				}
			})
		})
	}
	next.DecodingStep = step + 1
	next.Cache = newCache
	next.RNG = nextKey

	elapsed := time.Since(start)
	metricDecodeSteps.Inc()
	metricStepDuration.Observe(elapsed.Seconds())
	if klog.V(2).Enabled() {
		klog.Infof("decoding step %d/%d: candidates=%v, done=%v (%s)",
			step+1, state.TotalSamplingSteps, candidates, next.Done, elapsed)
	}
	return &next, nil
}

// Decode runs Step until all sequences are done or TotalSamplingSteps is reached.
//
// If onStep is not nil, it is called with the new state after each step.
func (s *Sampler) Decode(state *State, policy Policy, onStep func(*State)) (*State, error) {
	for state.ShouldContinue() {
		next, err := s.Step(state, policy)
		if err != nil {
			return nil, err
		}
		state = next
		if onStep != nil {
			onStep(state)
		}
	}
	return state, nil
}
