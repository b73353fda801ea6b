package samplers

import (
	"github.com/Akash4467/gemma/transformers"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"slices"
)

// State of the sampling of a batch of sequences, threaded through the decoding steps.
//
// The token and logits buffers are owned by one Generate call and are updated in place by each step, so a State
// returned by Step supersedes its input. Done is copied at every step, and Cache is replaced by the one returned
// by the model.
type State struct {
	// DecodingStep is the position in the buffers of the last accepted token.
	DecodingStep int

	// NumInputTokens is the number of prompt tokens (including "bos") of each sequence.
	NumInputTokens []int

	// TokenBuffer is an int32 tensor shaped [batchSize, TotalSamplingSteps+1], initialized with the prompts
	// and padding.
	TokenBuffer *tensors.Tensor

	// Positions is an int32 tensor shaped like TokenBuffer with the logical position of each token, ignoring
	// padding in the prompts.
	Positions *tensors.Tensor

	// Cache of the model, conditioning it autoregressively.
	Cache *transformers.Cache

	// Done is set for the sequences that generated an "eos" token.
	Done []bool

	// TotalSamplingSteps is the maximum number of steps, including the prompt.
	TotalSamplingSteps int

	// LogitsBuffer is a float32 tensor shaped [batchSize, TotalSamplingSteps+1, vocabSize] with the logits used
	// to select each token. It is nil unless logits were requested.
	LogitsBuffer *tensors.Tensor

	// ForbiddenTokenIds are never generated.
	ForbiddenTokenIds []int

	// RNG is the key for the next step.
	RNG Key
}

// BatchSize is the number of sequences being sampled.
func (s *State) BatchSize() int { return len(s.NumInputTokens) }

// BufferLength is the length of the token buffer: TotalSamplingSteps+1.
func (s *State) BufferLength() int { return s.TotalSamplingSteps + 1 }

// ShouldContinue returns whether another step is needed: the step budget is not exhausted and at least one
// sequence is not done.
func (s *State) ShouldContinue() bool {
	return s.DecodingStep < s.TotalSamplingSteps && slices.Contains(s.Done, false)
}

// Tokens returns a copy of the token buffer, one slice per sequence.
func (s *State) Tokens() [][]int {
	bufferLength := s.BufferLength()
	rows := make([][]int, s.BatchSize())
	tensors.ConstFlatData[int32](s.TokenBuffer, func(flat []int32) {
		for exampleIdx := range rows {
			row := make([]int, bufferLength)
			for ii, token := range flat[exampleIdx*bufferLength : (exampleIdx+1)*bufferLength] {
				row[ii] = int(token)
			}
			rows[exampleIdx] = row
		}
	})
	return rows
}

// InitState creates the initial sampling state for the given prompts, already tokenized (see Tokenize).
//
// The prompts are written left-aligned in the token buffer; the remaining slots are filled with "pad".
// totalSamplingSteps must be at least the length of the longest prompt.
func (s *Sampler) InitState(allInputIds [][]int, totalSamplingSteps int, includeLogits bool,
	forbiddenTokenIds []int) (*State, error) {
	batchSize := len(allInputIds)
	if batchSize == 0 {
		return nil, errors.New("no prompts given")
	}
	vocabSize := s.Model.VocabularySize()
	for _, id := range forbiddenTokenIds {
		if id < 0 || id >= vocabSize {
			return nil, errors.Errorf("forbidden token id %d out of the model vocabulary (size %d)", id, vocabSize)
		}
	}
	bufferLength := totalSamplingSteps + 1
	numInputTokens := make([]int, batchSize)
	for exampleIdx, inputIds := range allInputIds {
		if len(inputIds) == 0 || len(inputIds) > totalSamplingSteps {
			return nil, errors.Errorf("prompt #%d has %d tokens, it must have between 1 and totalSamplingSteps=%d",
				exampleIdx, len(inputIds), totalSamplingSteps)
		}
		numInputTokens[exampleIdx] = len(inputIds)
	}

	// Token buffer and the mask of non-padding tokens: only padding inside the prompts is masked out, so positions
	// keep counting into the region to be generated.
	pad := int32(s.Vocab.PadId())
	tokenBuffer := tensors.FromScalarAndDimensions(pad, batchSize, bufferLength)
	inputMask := make([]bool, batchSize*bufferLength)
	for ii := range inputMask {
		inputMask[ii] = true
	}
	tensors.MutableFlatData(tokenBuffer, func(flat []int32) {
		for exampleIdx, inputIds := range allInputIds {
			offset := exampleIdx * bufferLength
			for ii, id := range inputIds {
				flat[offset+ii] = int32(id)
				inputMask[offset+ii] = int32(id) != pad
			}
		}
	})
	positions, err := s.buildPositions(tensors.FromFlatDataAndDimensions(inputMask, batchSize, bufferLength))
	if err != nil {
		return nil, err
	}

	cache, err := s.Model.InitCache(batchSize, s.CacheLength)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to initialize the model cache")
	}
	if cache.BatchSize != batchSize || cache.Length != s.CacheLength {
		exceptions.Panicf("model created cache with [batch=%d, length=%d], but [batch=%d, length=%d] was requested",
			cache.BatchSize, cache.Length, batchSize, s.CacheLength)
	}

	var logitsBuffer *tensors.Tensor
	if includeLogits {
		logitsBuffer = tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, bufferLength, vocabSize))
	}
	klog.V(1).Infof("sampling state: batchSize=%d, bufferLength=%d, cache=%s, logits=%v",
		batchSize, bufferLength, humanize.Bytes(cache.Memory()), includeLogits)

	return &State{
		DecodingStep:       0,
		NumInputTokens:     numInputTokens,
		TokenBuffer:        tokenBuffer,
		Positions:          positions,
		Cache:              cache,
		Done:               make([]bool, batchSize),
		TotalSamplingSteps: totalSamplingSteps,
		LogitsBuffer:       logitsBuffer,
		ForbiddenTokenIds:  slices.Clone(forbiddenTokenIds),
		RNG:                s.key,
	}, nil
}

// buildPositions uses the backend, if one was configured, or the host otherwise.
func (s *Sampler) buildPositions(inputMask *tensors.Tensor) (positions *tensors.Tensor, err error) {
	if s.Backend == nil {
		return transformers.PositionsFromMask(inputMask), nil
	}
	err = exceptions.TryCatch[error](func() {
		positions = transformers.BuildPositionsFromMask(s.Backend, inputMask)
	})
	if err != nil {
		err = errors.WithMessage(err, "failed to build positions on the backend")
	}
	return
}
