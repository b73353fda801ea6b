package transformers

import (
	"github.com/Akash4467/gemma/trees"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"
	"math"
	"slices"
	"testing"
)

func TestPositionsFromMask(t *testing.T) {
	mask := tensors.FromFlatDataAndDimensions([]bool{
		true, true, false, false,
		true, true, true, false,
		false, true, false, true,
	}, 3, 4)
	positions := PositionsFromMask(mask)
	require.Equal(t, []int32{
		0, 1, 1, 1,
		0, 1, 2, 2,
		0, 0, 0, 1,
	}, tensors.CopyFlatData[int32](positions))

	// Same result on a backend, if one is available.
	var backend backends.Backend
	err := exceptions.TryCatch[error](func() { backend = backends.New() })
	if err != nil || backend == nil {
		t.Logf("skipping BuildPositionsFromMask: no backend available (%v)", err)
		return
	}
	require.Equal(t, tensors.CopyFlatData[int32](positions),
		tensors.CopyFlatData[int32](BuildPositionsFromMask(backend, mask)))
}

func TestConfig(t *testing.T) {
	config := NewTinyConfig(100)
	require.NoError(t, config.Validate())
	require.Equal(t, []AttentionType{AttentionTypeLocalSliding, AttentionTypeGlobal}, config.AttentionTypes)
	require.Equal(t, "local_sliding", AttentionTypeLocalSliding.String())
	require.Equal(t, "layer_1", LayerScope(1))

	config.HeadDim = 3
	require.Error(t, config.Validate())
}

func TestCache(t *testing.T) {
	config := NewTinyConfig(100)
	cache, err := NewCache(config, 2, 8)
	require.NoError(t, err)
	require.Equal(t, config.NumLayers*3, cache.Data.NumLeaves())
	k, err := cache.Data.Get(trees.Path{"layer_0", "k"})
	require.NoError(t, err)
	require.Equal(t, []int{2, 8, config.NumHeads, config.HeadDim}, k.Shape().Dimensions)
	require.Equal(t, 0, cache.EndIndex(1))
	// 2 layers x (k, v) x float32 + 2 int32 scalars.
	require.Equal(t, uint64(2*2*4*2*8*2*16+2*4), cache.Memory())

	clone := cache.Clone()
	require.NoError(t, cache.CheckCompatible(clone))
	tensors.MutableFlatData[float32](k, func(flat []float32) { flat[0] = 1 })
	cloneK, _ := clone.Data.Get(trees.Path{"layer_0", "k"})
	require.Equal(t, float32(0), tensors.CopyFlatData[float32](cloneK)[0])

	other, err := NewCache(config, 3, 8)
	require.NoError(t, err)
	require.Error(t, cache.CheckCompatible(other))
	other, err = NewCache(NewTinyConfig(100), 2, 8)
	require.NoError(t, err)
	require.NoError(t, cache.CheckCompatible(other))
	require.NoError(t, other.Data.Set(trees.Path{"layer_9", "end_index"}, tensors.FromScalar(int32(0))))
	require.Error(t, cache.CheckCompatible(other))
	require.Error(t, cache.CheckCompatible(nil))

	_, err = NewCache(config, 0, 8)
	require.Error(t, err)
}

func TestModelForward(t *testing.T) {
	const vocabSize = 50
	config := NewTinyConfig(vocabSize)
	model, err := NewModel(config)
	require.NoError(t, err)
	params, err := model.InitParams(3)
	require.NoError(t, err)
	require.NoError(t, model.CheckParams(params))

	const batchSize, cacheLength = 2, 8
	cache, err := model.InitCache(batchSize, cacheLength)
	require.NoError(t, err)

	tokens := tensors.FromFlatDataAndDimensions([]int32{2, 2}, batchSize, 1)
	positions := tensors.FromFlatDataAndDimensions([]int32{0, 0}, batchSize, 1)
	maskValues := make([]bool, batchSize*cacheLength)
	maskValues[0], maskValues[cacheLength] = true, true
	mask := tensors.FromFlatDataAndDimensions(maskValues, batchSize, 1, cacheLength)

	logits, newCache, err := model.Forward(params, tokens, positions, cache, mask)
	require.NoError(t, err)
	require.Equal(t, []int{batchSize, 1, vocabSize}, logits.Shape().Dimensions)
	require.NoError(t, cache.CheckCompatible(newCache))
	require.Equal(t, 0, cache.EndIndex(0), "input cache must not be modified")
	require.Equal(t, 1, newCache.EndIndex(0))
	require.Equal(t, 1, newCache.EndIndex(1))

	// Same input tokens: same logits for both examples, all finite and soft-capped.
	flat := tensors.CopyFlatData[float32](logits)
	require.Equal(t, flat[:vocabSize], flat[vocabSize:])
	for _, v := range flat {
		require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
		require.Less(t, math.Abs(float64(v)), config.FinalLogitSoftCap)
	}

	// Pure function of its inputs.
	logits2, _, err := model.Forward(params, tokens, positions, cache, mask)
	require.NoError(t, err)
	require.Equal(t, flat, tensors.CopyFlatData[float32](logits2))

	// The first slot of the new cache was written.
	k, _ := newCache.Data.Get(trees.Path{"layer_0", "k"})
	var norm float64
	for _, v := range tensors.CopyFlatData[float32](k)[:config.NumHeads*config.HeadDim] {
		norm += float64(v) * float64(v)
	}
	require.Greater(t, norm, 0.0)

	// Invalid inputs.
	_, _, err = model.Forward(params, tensors.FromFlatDataAndDimensions([]int32{2}, 1, 1), positions, cache, mask)
	require.Error(t, err)
	_, _, err = model.Forward(params, tensors.FromFlatDataAndDimensions([]int32{2, vocabSize}, batchSize, 1),
		positions, cache, mask)
	require.Error(t, err)
}

func TestInitParamsAndConfigFromWeights(t *testing.T) {
	config := NewTinyConfig(64)
	model, err := NewModel(config)
	require.NoError(t, err)
	params1, err := model.InitParams(11)
	require.NoError(t, err)
	params2, err := model.InitParams(11)
	require.NoError(t, err)
	require.True(t, trees.Equal(params1, params2, func(_ trees.Path, t1, t2 *tensors.Tensor) bool {
		return t1.Shape().Equal(t2.Shape()) &&
			slices.Equal(tensors.CopyFlatData[float32](t1), tensors.CopyFlatData[float32](t2))
	}))
	require.Equal(t, 2+4*config.NumLayers, params1.NumLeaves())

	inferred, err := NewConfigFromWeights(params1)
	require.NoError(t, err)
	require.Equal(t, config.NumLayers, inferred.NumLayers)
	require.Equal(t, config.VocabularySize, inferred.VocabularySize)
	require.Equal(t, config.EmbedDim, inferred.EmbedDim)
	require.Equal(t, config.NumHeads, inferred.NumHeads)
	require.Equal(t, config.HeadDim, inferred.HeadDim)

	// Wrong shapes and missing params are reported.
	require.NoError(t, params1.Set(trees.Path{"layer_0", "attn", "q_einsum", "w"},
		tensors.FromFlatDataAndDimensions([]float32{1}, 1, 1, 1)))
	require.Error(t, model.CheckParams(params1))
	require.Error(t, model.CheckParams(trees.New[*tensors.Tensor]()))
}
