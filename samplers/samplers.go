// Package samplers uses a transformer model to generate sentences based on prompts.
//
// Generation is batched and fixed-shape: all prompts are decoded in lock-step, one token per step, with the
// prompts themselves replayed through the same step. Sequences that generate "eos" keep being stepped until the
// whole batch is done, and their output is cut after the "eos".
package samplers

import (
	"github.com/Akash4467/gemma/transformers"
	"github.com/Akash4467/gemma/trees"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"slices"
	"sync"
	"time"
)

// Vocabulary converts text to token ids and back, and defines the special ids for the model.
// It's implemented by sentencepiece.Processor.
type Vocabulary interface {
	// EncodeAsIds returns the ids of text, without a "bos" token.
	EncodeAsIds(text string) []int
	DecodeIds(ids []int) string

	// The methods below define the special ids for the model.

	BeginningOfSentenceId() int
	EndOfSentenceId() int
	UnknownId() int
	PadId() int
}

// Model executes the transformer one step at a time. It's implemented by transformers.Model.
//
// Forward must be a pure function of its inputs: everything that carries over from one step to the next is in
// the returned cache, which must have the same structure and shapes as the input one.
type Model interface {
	InitCache(batchSize, cacheLength int) (*transformers.Cache, error)
	VocabularySize() int
	Forward(params *trees.Tree[*tensors.Tensor], tokens, positions *tensors.Tensor, cache *transformers.Cache,
		attentionMask *tensors.Tensor) (logits *tensors.Tensor, newCache *transformers.Cache, err error)
}

var _ Model = (*transformers.Model)(nil)

// ErrInvalidForbiddenToken is returned when a forbidden token doesn't map to exactly one token id.
var ErrInvalidForbiddenToken = errors.New("forbidden tokens must map to single token ids in the vocab")

// Sampler has a transformer (LLM) model and a vocabulary (sentencepiece) configured and generates
// sentences based on prompts.
//
// Calls to Generate are serialized: each call starts from the random key left by the previous one.
type Sampler struct {
	Vocab  Vocabulary
	Model  Model
	Params *trees.Tree[*tensors.Tensor]

	// CacheLength is the number of steps held by the model cache. Defaults to 1024.
	CacheLength int

	// MaxGeneratedTokens is the number of steps generated by Sample. Defaults to 512.
	MaxGeneratedTokens int

	// Backend, if set, is used to build the positions of the prompts.
	Backend backends.Backend

	mu  sync.Mutex
	key Key
}

// New creates a new sampler with the registered vocabulary, model and params. The seed initializes the random
// key used by the sampling policies.
func New(vocab Vocabulary, model Model, params *trees.Tree[*tensors.Tensor], seed uint64) *Sampler {
	return &Sampler{
		Vocab:              vocab,
		Model:              model,
		Params:             params,
		CacheLength:        1024,
		MaxGeneratedTokens: 512,
		key:                NewKey(seed),
	}
}

// WithCacheLength sets the length of the model cache.
func (s *Sampler) WithCacheLength(cacheLength int) *Sampler {
	s.CacheLength = cacheLength
	return s
}

// WithMaxGeneratedTokens sets the number of tokens generated by Sample.
func (s *Sampler) WithMaxGeneratedTokens(maxTokens int) *Sampler {
	s.MaxGeneratedTokens = maxTokens
	return s
}

// WithBackend sets a backend to build the prompts positions with.
func (s *Sampler) WithBackend(backend backends.Backend) *Sampler {
	s.Backend = backend
	return s
}

// Key returns the random key the next call will start with.
func (s *Sampler) Key() Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// Options of a Generate call.
type Options struct {
	// TotalGenerationSteps is the number of tokens to generate, counted from the end of the longest prompt.
	TotalGenerationSteps int

	// Echo includes the prompt in the output.
	Echo bool

	// ReturnLogits includes in the output the logits used to select each token.
	ReturnLogits bool

	// ForbiddenTokens are never generated. Each one must map to exactly one token id.
	ForbiddenTokens []string

	// Policy selects the next tokens. Defaults to Greedy.
	Policy Policy

	// OnStep, if set, is called after every decoding step.
	OnStep func(state *State)
}

// Tokenize returns the ids of text, prefixed with the "bos" token.
func (s *Sampler) Tokenize(text string) []int {
	return append([]int{s.Vocab.BeginningOfSentenceId()}, s.Vocab.EncodeAsIds(text)...)
}

// Sample the continuation from the given prompts, greedily generating MaxGeneratedTokens tokens.
func (s *Sampler) Sample(prompts []string) ([]string, error) {
	return s.SampleMaxTokens(prompts, s.MaxGeneratedTokens)
}

// SampleMaxTokens is like Sample, but instead of using the default MaxGenerateTokens, uses the given maxTokens instead.
func (s *Sampler) SampleMaxTokens(prompts []string, maxTokens int) ([]string, error) {
	output, err := s.Generate(prompts, Options{TotalGenerationSteps: maxTokens})
	if err != nil {
		return nil, err
	}
	return output.Text, nil
}

// Generate samples a completion for each of the prompts.
//
// Configuration errors (no prompts, invalid forbidden tokens, negative number of steps) are returned before the
// model is executed. Errors from the model abort the whole call and are returned unmodified.
func (s *Sampler) Generate(prompts []string, opts Options) (*Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	output, err := s.generate(prompts, opts)
	if err != nil {
		metricCalls.WithLabelValues("error").Inc()
		return nil, err
	}
	metricCalls.WithLabelValues("ok").Inc()
	return output, nil
}

func (s *Sampler) generate(prompts []string, opts Options) (*Output, error) {
	if len(prompts) == 0 {
		return nil, errors.New("Sampler.Generate: no prompts given")
	}
	if opts.TotalGenerationSteps < 0 {
		return nil, errors.Errorf("Sampler.Generate: TotalGenerationSteps must be >= 0, got %d", opts.TotalGenerationSteps)
	}
	if s.Model == nil || s.Vocab == nil {
		return nil, errors.New("Sampler.Generate: sampler has no model or vocabulary")
	}
	forbiddenTokenIds, err := s.forbiddenTokenIds(opts.ForbiddenTokens)
	if err != nil {
		return nil, err
	}
	policy := opts.Policy
	if policy == nil {
		policy = Greedy{}
	}

	allInputIds := xslices.Map(prompts, s.Tokenize)
	maxInputLength := slices.Max(xslices.Map(allInputIds, func(ids []int) int { return len(ids) }))
	totalSamplingSteps := maxInputLength + opts.TotalGenerationSteps
	state, err := s.InitState(allInputIds, totalSamplingSteps, opts.ReturnLogits, forbiddenTokenIds)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	state, err = s.Decode(state, policy, opts.OnStep)
	if err != nil {
		return nil, err
	}
	output := s.extract(state, opts.Echo, opts.ReturnLogits)

	// Update the key for the next call.
	s.key = state.RNG

	s.recordFinished(state, output, opts.Echo)
	klog.V(1).Infof("Sampler.Generate: %d prompts, %d steps of %d in %s", len(prompts),
		state.DecodingStep, state.TotalSamplingSteps, time.Since(start))
	return output, nil
}

// forbiddenTokenIds converts the forbidden tokens to ids, checking that each maps to exactly one id.
func (s *Sampler) forbiddenTokenIds(forbiddenTokens []string) ([]int, error) {
	if len(forbiddenTokens) == 0 {
		return nil, nil
	}
	ids := make([]int, 0, len(forbiddenTokens))
	for _, token := range forbiddenTokens {
		tokenIds := s.Vocab.EncodeAsIds(token)
		if len(tokenIds) != 1 {
			return nil, errors.Wrapf(ErrInvalidForbiddenToken, "%q maps to %d token ids %v", token, len(tokenIds), tokenIds)
		}
		ids = append(ids, tokenIds[0])
	}
	return ids, nil
}

// recordFinished updates the metrics of finished sequences and generated tokens.
func (s *Sampler) recordFinished(state *State, output *Output, echo bool) {
	pad := s.Vocab.PadId()
	for exampleIdx, tokens := range output.Tokens {
		if state.Done[exampleIdx] {
			metricFinishedSequences.WithLabelValues("eos").Inc()
		} else {
			metricFinishedSequences.WithLabelValues("budget").Inc()
		}
		if echo {
			tokens = tokens[min(state.NumInputTokens[exampleIdx], len(tokens)):]
		}
		for _, token := range tokens {
			if token != pad {
				metricGeneratedTokens.Inc()
			}
		}
	}
}
