package samplers

import (
	"github.com/Akash4467/gemma/transformers"
	"github.com/Akash4467/gemma/trees"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"math"
	"slices"
	"strconv"
	"strings"
	"testing"
)

const (
	testPadId     = 0
	testEOSId     = 1
	testBOSId     = 2
	testUnknownId = 3
	testVocabSize = 128
)

// testVocab encodes whitespace separated integers as their ids, and a few known words.
type testVocab struct{}

var testWords = map[string][]int{
	"Hello": {72, 101},
}

func (testVocab) EncodeAsIds(text string) []int {
	var ids []int
	for _, field := range strings.Fields(text) {
		if word, found := testWords[field]; found {
			ids = append(ids, word...)
			continue
		}
		id, err := strconv.Atoi(field)
		if err != nil || id < 0 || id >= testVocabSize {
			id = testUnknownId
		}
		ids = append(ids, id)
	}
	return ids
}

func (testVocab) DecodeIds(ids []int) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == testPadId || id == testEOSId || id == testBOSId {
			continue
		}
		parts = append(parts, strconv.Itoa(id))
	}
	return strings.Join(parts, " ")
}

func (testVocab) BeginningOfSentenceId() int { return testBOSId }
func (testVocab) EndOfSentenceId() int       { return testEOSId }
func (testVocab) UnknownId() int             { return testUnknownId }
func (testVocab) PadId() int                 { return testPadId }

// testModel returns logits that grow with the token id (so greedy selects the last id), and records its inputs.
type testModel struct {
	config *transformers.Config

	initCacheCalls int
	tokens         [][]int32
	positions      [][]int32
	masks          [][]bool

	// failAt, if > 0, makes the failAt-th call to Forward (1-based) return err.
	failAt int
	err    error

	// wrongCache makes Forward return a cache with a different batch size.
	wrongCache bool
}

func newTestModel() *testModel {
	return &testModel{config: transformers.NewTinyConfig(testVocabSize)}
}

func (m *testModel) VocabularySize() int { return testVocabSize }

func (m *testModel) InitCache(batchSize, cacheLength int) (*transformers.Cache, error) {
	m.initCacheCalls++
	return transformers.NewCache(m.config, batchSize, cacheLength)
}

func (m *testModel) Forward(_ *trees.Tree[*tensors.Tensor], tokens, positions *tensors.Tensor, cache *transformers.Cache,
	attentionMask *tensors.Tensor) (*tensors.Tensor, *transformers.Cache, error) {
	m.tokens = append(m.tokens, tensors.CopyFlatData[int32](tokens))
	m.positions = append(m.positions, tensors.CopyFlatData[int32](positions))
	m.masks = append(m.masks, tensors.CopyFlatData[bool](attentionMask))
	if m.failAt > 0 && len(m.tokens) == m.failAt {
		return nil, nil, m.err
	}
	batchSize := cache.BatchSize
	logits := make([]float32, batchSize*testVocabSize)
	for exampleIdx := range batchSize {
		for v := range testVocabSize {
			logits[exampleIdx*testVocabSize+v] = 0.01 * float32(v)
		}
	}
	newCache := cache.Clone()
	if m.wrongCache {
		var err error
		newCache, err = transformers.NewCache(m.config, batchSize+1, cache.Length)
		if err != nil {
			return nil, nil, err
		}
	}
	return tensors.FromFlatDataAndDimensions(logits, batchSize, 1, testVocabSize), newCache, nil
}

// policyFunc converts a function to a Policy.
type policyFunc func(logits *tensors.Tensor, key Key) ([]int, error)

func (f policyFunc) Select(logits *tensors.Tensor, key Key) ([]int, error) { return f(logits, key) }

// constantPolicy always selects the given token for every sequence.
func constantPolicy(token int) Policy {
	return policyFunc(func(logits *tensors.Tensor, _ Key) ([]int, error) {
		tokens := make([]int, logits.Shape().Dim(0))
		for ii := range tokens {
			tokens[ii] = token
		}
		return tokens, nil
	})
}

func newTestSampler(model Model) *Sampler {
	return New(testVocab{}, model, nil, 42).WithCacheLength(16)
}

func TestTokenize(t *testing.T) {
	s := newTestSampler(newTestModel())
	require.Equal(t, []int{testBOSId, 72, 101}, s.Tokenize("Hello"))
	require.Equal(t, []int{testBOSId}, s.Tokenize(""))
}

func TestGenerateConstantPolicy(t *testing.T) {
	model := newTestModel()
	s := newTestSampler(model)
	var doneFlags [][]bool
	output, err := s.Generate([]string{"Hello"}, Options{
		TotalGenerationSteps: 3,
		Policy:               constantPolicy(5),
		OnStep:               func(state *State) { doneFlags = append(doneFlags, slices.Clone(state.Done)) },
	})
	require.NoError(t, err)
	require.Equal(t, [][]int{{5, 5, 5}}, output.Tokens)
	require.Equal(t, []string{"5 5 5"}, output.Text)
	require.Nil(t, output.Logits)
	for _, done := range doneFlags {
		require.Equal(t, []bool{false}, done)
	}

	// The prompt is replayed through the model, followed by the generated tokens.
	require.Len(t, model.tokens, 6)
	require.Equal(t, [][]int32{{testBOSId}, {72}, {101}, {5}, {5}, {5}}, model.tokens)
	require.Equal(t, [][]int32{{0}, {1}, {2}, {3}, {4}, {5}}, model.positions)
	require.Equal(t, 1, model.initCacheCalls)

	// Causal mask: at step 2 only the first 3 slots can be attended.
	require.Equal(t, []bool{true, true, true, false}, model.masks[2][:4])
}

func TestGenerateStopsAtEOS(t *testing.T) {
	model := newTestModel()
	s := newTestSampler(model)
	calls := 0
	policy := policyFunc(func(logits *tensors.Tensor, _ Key) ([]int, error) {
		calls++
		// The 4th call selects the 2nd generated token.
		if calls == 4 {
			return []int{testEOSId}, nil
		}
		return []int{5}, nil
	})
	var doneFlags []bool
	output, err := s.Generate([]string{"Hello"}, Options{
		TotalGenerationSteps: 3,
		Policy:               policy,
		OnStep:               func(state *State) { doneFlags = append(doneFlags, state.Done[0]) },
	})
	require.NoError(t, err)
	require.Equal(t, [][]int{{5, testEOSId, testPadId}}, output.Tokens)
	require.Equal(t, []string{"5"}, output.Text)

	// Decoding stops as soon as the whole batch is done.
	require.Len(t, model.tokens, 4)
	require.Equal(t, []bool{false, false, false, true}, doneFlags)
}

func TestGenerateBatchOfDifferentLengths(t *testing.T) {
	// The first sequence always generates 5, the second one always generates "eos".
	policy := policyFunc(func(logits *tensors.Tensor, _ Key) ([]int, error) {
		return []int{5, testEOSId}, nil
	})
	prompts := []string{"Hello", "7"}
	promptIds := [][]int{{testBOSId, 72, 101}, {testBOSId, 7}}

	for _, echo := range []bool{false, true} {
		model := newTestModel()
		s := newTestSampler(model)
		var states []*State
		var done [][]bool
		output, err := s.Generate(prompts, Options{
			TotalGenerationSteps: 2,
			Echo:                 echo,
			Policy:               policy,
			OnStep: func(state *State) {
				states = append(states, state)
				done = append(done, slices.Clone(state.Done))
			},
		})
		require.NoError(t, err)
		require.Len(t, model.tokens, 5)
		if echo {
			require.Equal(t, [][]int{{testBOSId, 72, 101, 5, 5}, {testBOSId, 7, testEOSId, testPadId, testPadId}}, output.Tokens)
		} else {
			require.Equal(t, [][]int{{5, 5}, {testEOSId, testPadId, testPadId}}, output.Tokens)
		}

		// Prompt fidelity: the prompts are never overwritten.
		for _, state := range states {
			for exampleIdx, tokens := range state.Tokens() {
				require.Equal(t, promptIds[exampleIdx], tokens[:len(promptIds[exampleIdx])])
			}
		}

		// Done flags are monotonic.
		for ii := 1; ii < len(done); ii++ {
			for exampleIdx := range done[ii] {
				if done[ii-1][exampleIdx] {
					require.Truef(t, done[ii][exampleIdx], "done flag of sequence %d reset at step %d", exampleIdx, ii)
				}
			}
		}
		require.Equal(t, []bool{false, true}, done[len(done)-1])

		// Once done, the second sequence only gets "pad", even if the policy selects "eos".
		final := states[len(states)-1].Tokens()
		require.Equal(t, []int{testBOSId, 7, testEOSId, testPadId, testPadId, testPadId}, final[1])
	}
}

func TestGenerateTerminationBound(t *testing.T) {
	model := newTestModel()
	s := newTestSampler(model)
	output, err := s.Generate([]string{"Hello", "7"}, Options{TotalGenerationSteps: 4})
	require.NoError(t, err)
	// Longest prompt has 3 tokens: at most 3+4 steps.
	require.Len(t, model.tokens, 7)
	require.Len(t, output.Tokens[0], 4)
	require.Len(t, output.Tokens[1], 5)

	// No generation steps: only the prompt is processed, and nothing is returned for the longest prompt.
	model = newTestModel()
	s = newTestSampler(model)
	output, err = s.Generate([]string{"Hello"}, Options{TotalGenerationSteps: 0})
	require.NoError(t, err)
	require.Len(t, model.tokens, 3)
	require.Empty(t, output.Tokens[0])
	require.Equal(t, "", output.Text[0])
}

func TestGenerateForbiddenTokens(t *testing.T) {
	// Greedy selects the largest id, unless it's forbidden.
	s := newTestSampler(newTestModel())
	output, err := s.Generate([]string{"Hello"}, Options{
		TotalGenerationSteps: 3,
		ForbiddenTokens:      []string{"127"},
		ReturnLogits:         true,
	})
	require.NoError(t, err)
	require.Equal(t, [][]int{{126, 126, 126}}, output.Tokens)
	require.Len(t, output.Logits[0], 3)
	for _, stepLogits := range output.Logits[0] {
		require.Len(t, stepLogits, testVocabSize)
		require.True(t, math.IsInf(float64(stepLogits[127]), -1), "captured logits should be masked")
	}

	// Random sampling: the forbidden ids are never selected.
	forbidden := make([]string, 0, 64)
	forbiddenIds := make(map[int]bool)
	for id := 64; id < testVocabSize; id++ {
		forbidden = append(forbidden, strconv.Itoa(id))
		forbiddenIds[id] = true
	}
	s = newTestSampler(newTestModel())
	output, err = s.Generate([]string{"Hello", "7 8 9"}, Options{
		TotalGenerationSteps: 20,
		ForbiddenTokens:      forbidden,
		Policy:               RandomSampling{Temperature: 1.0},
	})
	require.NoError(t, err)
	for exampleIdx, tokens := range output.Tokens {
		for _, token := range tokens {
			require.Falsef(t, forbiddenIds[token], "sequence %d generated forbidden token %d", exampleIdx, token)
		}
	}
}

func TestGenerateInvalidForbiddenToken(t *testing.T) {
	model := newTestModel()
	s := newTestSampler(model)
	keyBefore := s.Key()
	_, err := s.Generate([]string{"Hello"}, Options{
		TotalGenerationSteps: 3,
		ForbiddenTokens:      []string{"5", "6 7"},
	})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidForbiddenToken)
	require.Equal(t, 0, model.initCacheCalls)
	require.Empty(t, model.tokens)
	require.Equal(t, keyBefore, s.Key())

	// Empty strings map to no ids.
	_, err = s.Generate([]string{"Hello"}, Options{ForbiddenTokens: []string{""}})
	require.ErrorIs(t, err, ErrInvalidForbiddenToken)
}

func TestGenerateConfigurationErrors(t *testing.T) {
	model := newTestModel()
	s := newTestSampler(model)
	_, err := s.Generate(nil, Options{TotalGenerationSteps: 3})
	require.Error(t, err)
	_, err = s.Generate([]string{"Hello"}, Options{TotalGenerationSteps: -1})
	require.Error(t, err)
	require.Empty(t, model.tokens)
}

func TestGenerateModelError(t *testing.T) {
	errBoom := errors.New("boom")
	model := newTestModel()
	model.failAt = 2
	model.err = errBoom
	s := newTestSampler(model)
	keyBefore := s.Key()
	output, err := s.Generate([]string{"Hello"}, Options{TotalGenerationSteps: 3})
	require.Nil(t, output)
	require.Equal(t, errBoom, err)
	require.Len(t, model.tokens, 2)
	require.Equal(t, keyBefore, s.Key())
}

func TestStepIncompatibleCache(t *testing.T) {
	model := newTestModel()
	s := newTestSampler(model)
	state, err := s.InitState([][]int{s.Tokenize("Hello")}, 5, false, nil)
	require.NoError(t, err)
	model.wrongCache = true
	require.Panics(t, func() { _, _ = s.Step(state, Greedy{}) })
}

func TestInitState(t *testing.T) {
	s := newTestSampler(newTestModel())
	state, err := s.InitState([][]int{{testBOSId, 72, 101}, {testBOSId, 7}}, 5, true, []int{4})
	require.NoError(t, err)
	require.Equal(t, 0, state.DecodingStep)
	require.Equal(t, []int{3, 2}, state.NumInputTokens)
	require.Equal(t, 6, state.BufferLength())
	require.Equal(t, [][]int{{2, 72, 101, 0, 0, 0}, {2, 7, 0, 0, 0, 0}}, state.Tokens())
	// Positions keep counting over the region to be generated.
	require.Equal(t, []int32{0, 1, 2, 3, 4, 5, 0, 1, 2, 3, 4, 5}, tensors.CopyFlatData[int32](state.Positions))
	require.Equal(t, []bool{false, false}, state.Done)
	require.Equal(t, []int{2, 6, testVocabSize}, state.LogitsBuffer.Shape().Dimensions)
	require.Equal(t, 16, state.Cache.Length)
	require.True(t, state.ShouldContinue())

	// Prompt longer than the total number of steps.
	_, err = s.InitState([][]int{{testBOSId, 72, 101}}, 2, false, nil)
	require.Error(t, err)

	// Forbidden id out of the vocabulary.
	_, err = s.InitState([][]int{{testBOSId}}, 2, false, []int{testVocabSize})
	require.Error(t, err)
}

func TestGenerateDeterminism(t *testing.T) {
	opts := Options{
		TotalGenerationSteps: 10,
		ReturnLogits:         true,
		Policy:               RandomSampling{Temperature: 1.0},
	}
	prompts := []string{"Hello", "7 8 9 10"}

	output1, err := newTestSampler(newTestModel()).Generate(prompts, opts)
	require.NoError(t, err)
	output2, err := newTestSampler(newTestModel()).Generate(prompts, opts)
	require.NoError(t, err)
	require.Equal(t, output1.Tokens, output2.Tokens)
	require.Equal(t, output1.Logits, output2.Logits)

	// Consecutive calls on the same sampler start from different keys.
	s := newTestSampler(newTestModel())
	key0 := s.Key()
	_, err = s.Generate(prompts, opts)
	require.NoError(t, err)
	key1 := s.Key()
	assert.NotEqual(t, key0, key1)
	_, err = s.Generate(prompts, opts)
	require.NoError(t, err)
	assert.NotEqual(t, key1, s.Key())
}

func TestSample(t *testing.T) {
	s := newTestSampler(newTestModel()).WithMaxGeneratedTokens(2)
	texts, err := s.Sample([]string{"Hello"})
	require.NoError(t, err)
	require.Equal(t, []string{"127 127"}, texts)

	texts, err = s.SampleMaxTokens([]string{"Hello"}, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"127"}, texts)
}

func TestMaskTokensAfterEOS(t *testing.T) {
	buffer := tensors.FromFlatDataAndDimensions([]int32{
		2, 5, 1, 7, 1,
		2, 5, 6, 7, 8,
		1, 5, 6, 7, 8,
	}, 3, 5)
	masked := MaskTokensAfterEOS(buffer, testEOSId, testPadId)
	require.Equal(t, []int32{
		2, 5, 1, 0, 0,
		2, 5, 6, 7, 8,
		1, 0, 0, 0, 0,
	}, tensors.CopyFlatData[int32](masked))
	// Input is not modified.
	require.Equal(t, int32(7), tensors.CopyFlatData[int32](buffer)[3])
}

func TestGenerateWithTransformerModel(t *testing.T) {
	config := transformers.NewTinyConfig(testVocabSize)
	model, err := transformers.NewModel(config)
	require.NoError(t, err)
	params, err := model.InitParams(7)
	require.NoError(t, err)

	generate := func() *Output {
		s := New(testVocab{}, model, params, 1).WithCacheLength(32)
		output, err := s.Generate([]string{"Hello", "7 8 9"}, Options{
			TotalGenerationSteps: 6,
			ReturnLogits:         true,
			Echo:                 true,
		})
		require.NoError(t, err)
		return output
	}
	output := generate()
	require.Len(t, output.Tokens, 2)
	for exampleIdx, tokens := range output.Tokens {
		// Longest prompt ("7 8 9" with "bos") has 4 tokens.
		require.Len(t, tokens, 4+6)
		require.Len(t, output.Logits[exampleIdx], 4+6)
		for _, token := range tokens {
			require.True(t, token >= 0 && token < testVocabSize)
		}
	}
	require.Equal(t, []int{testBOSId, 72, 101}, output.Tokens[0][:3])
	require.Equal(t, []int{testBOSId, 7, 8, 9}, output.Tokens[1][:4])
	require.Equal(t, output.Tokens, generate().Tokens)
}
