package transformers

import (
	"github.com/Akash4467/gemma/trees"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"math"
	"math/rand/v2"
	"sync"
)

// Model is the host implementation of the transformer, executing one decoding step at a time.
//
// It holds no decoding state: everything that changes from one step to the next is in the Cache, which is
// never modified in place. Forward is safe for concurrent use.
type Model struct {
	Config *Config

	muHost     sync.Mutex
	hostFor    *trees.Tree[*tensors.Tensor]
	hostParams *hostParams
}

// hostParams is a flat copy of the params, indexed by layer.
type hostParams struct {
	embedding      []float32 // [V, D]
	finalNormScale []float32 // [D]
	layers         []attentionLayer
}

// NewModel creates a model for the given configuration.
func NewModel(config *Config) (*Model, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Model{Config: config}, nil
}

// VocabularySize returns the size of the logits returned by Forward.
func (m *Model) VocabularySize() int { return m.Config.VocabularySize }

// InitCache creates a zero cache for batchSize sequences and cacheLength steps.
func (m *Model) InitCache(batchSize, cacheLength int) (*Cache, error) {
	return NewCache(m.Config, batchSize, cacheLength)
}

// paramShapes returns the path and shape of each of the model parameters.
func (m *Model) paramShapes() map[string]shapes.Shape {
	cfg := m.Config
	dtype := cfg.DType
	result := map[string]shapes.Shape{
		"embedder/input_embedding": shapes.Make(dtype, cfg.VocabularySize, cfg.EmbedDim),
		"final_norm/scale":         shapes.Make(dtype, cfg.EmbedDim),
	}
	for layerIdx := range cfg.NumLayers {
		scope := LayerScope(layerIdx)
		result[scope+"/pre_attention_norm/scale"] = shapes.Make(dtype, cfg.EmbedDim)
		result[scope+"/attn/q_einsum/w"] = shapes.Make(dtype, cfg.NumHeads, cfg.EmbedDim, cfg.HeadDim)
		result[scope+"/attn/kv_einsum/w"] = shapes.Make(dtype, 2, cfg.NumHeads, cfg.EmbedDim, cfg.HeadDim)
		result[scope+"/attn/attn_vec_einsum/w"] = shapes.Make(dtype, cfg.NumHeads, cfg.HeadDim, cfg.EmbedDim)
	}
	return result
}

// InitParams creates randomly initialized params for the model, deterministically from seed.
//
// Projections are initialized with a normal distribution scaled by 1/sqrt(fan_in); norm scales are zero
// (which means identity, since scales are centered on 1.0).
func (m *Model) InitParams(seed uint64) (*trees.Tree[*tensors.Tensor], error) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15))
	params := trees.New[*tensors.Tensor]()
	paramShapes := m.paramShapes()
	for _, name := range xslices.SortedKeys(paramShapes) {
		shape := paramShapes[name]
		values := make([]float32, shape.Size())
		path := trees.ParsePath(name)
		if path[len(path)-1] != "scale" {
			fanIn := m.Config.EmbedDim
			if path[len(path)-2] == "attn_vec_einsum" {
				fanIn = m.Config.NumHeads * m.Config.HeadDim
			}
			std := 1.0 / math.Sqrt(float64(fanIn))
			for ii := range values {
				values[ii] = float32(rng.NormFloat64() * std)
			}
		}
		if err := params.Set(path, tensors.FromFlatDataAndDimensions(values, shape.Dimensions...)); err != nil {
			return nil, errors.WithMessagef(err, "while initializing param %q", name)
		}
	}
	return params, nil
}

// CheckParams returns an error if params doesn't have all the model parameters with the expected shapes.
func (m *Model) CheckParams(params *trees.Tree[*tensors.Tensor]) error {
	for name, shape := range m.paramShapes() {
		t, err := params.Get(trees.ParsePath(name))
		if err != nil {
			return errors.WithMessage(err, "missing model parameter")
		}
		if !t.Shape().Equal(shape) {
			return errors.Errorf("param %q shaped %s, expected %s", name, t.Shape(), shape)
		}
	}
	return nil
}

// host returns the flat version of params, converting it only when params changes.
func (m *Model) host(params *trees.Tree[*tensors.Tensor]) (*hostParams, error) {
	m.muHost.Lock()
	defer m.muHost.Unlock()
	if m.hostFor == params && m.hostParams != nil {
		return m.hostParams, nil
	}
	if err := m.CheckParams(params); err != nil {
		return nil, err
	}
	get := func(name string) []float32 {
		t, _ := params.Get(trees.ParsePath(name))
		return tensors.CopyFlatData[float32](t)
	}
	hp := &hostParams{
		embedding:      get("embedder/input_embedding"),
		finalNormScale: get("final_norm/scale"),
		layers:         make([]attentionLayer, m.Config.NumLayers),
	}
	for layerIdx := range m.Config.NumLayers {
		scope := LayerScope(layerIdx) + "/"
		hp.layers[layerIdx] = attentionLayer{
			attentionType: m.Config.AttentionTypes[layerIdx],
			preNormScale:  get(scope + "pre_attention_norm/scale"),
			query:         get(scope + "attn/q_einsum/w"),
			keyValue:      get(scope + "attn/kv_einsum/w"),
			output:        get(scope + "attn/attn_vec_einsum/w"),
		}
	}
	klog.V(1).Infof("transformers.Model: converted %d params to host", params.NumLeaves())
	m.hostFor, m.hostParams = params, hp
	return hp, nil
}

// Forward executes one decoding step.
//
//   - tokens: int32[batchSize, 1], the last token of each sequence.
//   - positions: int32[batchSize, 1], the logical position of each token (ignoring padding).
//   - cache: the current cache, not modified.
//   - attentionMask: bool[batchSize, 1, cache.Length], which cache slots each sequence can attend to.
//
// It returns the float32[batchSize, 1, vocabularySize] logits of the next token and the updated cache.
func (m *Model) Forward(params *trees.Tree[*tensors.Tensor], tokens, positions *tensors.Tensor, cache *Cache,
	attentionMask *tensors.Tensor) (logits *tensors.Tensor, newCache *Cache, err error) {
	cfg := m.Config
	batchSize, length := cache.BatchSize, cache.Length
	if !tokens.Shape().Equal(shapes.Make(dtypes.Int32, batchSize, 1)) {
		return nil, nil, errors.Errorf("Forward: tokens should be shaped int32[%d, 1], got %s", batchSize, tokens.Shape())
	}
	if !positions.Shape().Equal(shapes.Make(dtypes.Int32, batchSize, 1)) {
		return nil, nil, errors.Errorf("Forward: positions should be shaped int32[%d, 1], got %s", batchSize, positions.Shape())
	}
	if !attentionMask.Shape().Equal(shapes.Make(dtypes.Bool, batchSize, 1, length)) {
		return nil, nil, errors.Errorf("Forward: attentionMask should be shaped bool[%d, 1, %d], got %s",
			batchSize, length, attentionMask.Shape())
	}
	hp, err := m.host(params)
	if err != nil {
		return nil, nil, err
	}

	tokenIds := tensors.CopyFlatData[int32](tokens)
	tokenPositions := tensors.CopyFlatData[int32](positions)
	mask := tensors.CopyFlatData[bool](attentionMask)
	embedDim, vocabSize := cfg.EmbedDim, cfg.VocabularySize

	// Embed.
	hidden := make([][]float32, batchSize)
	for exampleIdx, token := range tokenIds {
		if token < 0 || int(token) >= vocabSize {
			return nil, nil, errors.Errorf("Forward: token %d of example %d out of vocabulary (size %d)", token, exampleIdx, vocabSize)
		}
		x := make([]float32, embedDim)
		copy(x, hp.embedding[int(token)*embedDim:(int(token)+1)*embedDim])
		if cfg.NormalizeEmbedding {
			normalizer := float32(math.Sqrt(float64(embedDim)))
			for d := range x {
				x[d] *= normalizer
			}
		}
		hidden[exampleIdx] = x
	}

	// Attention layers, writing to a copy of the cache.
	newCache = cache.Clone()
	exampleCacheSize := length * cfg.NumHeads * cfg.HeadDim
	for layerIdx := range cfg.NumLayers {
		scope := LayerScope(layerIdx)
		endIndex := newCache.EndIndex(layerIdx)
		kTensor, _ := newCache.Data.Get(trees.Path{scope, "k"})
		vTensor, _ := newCache.Data.Get(trees.Path{scope, "v"})
		tensors.MutableFlatData[float32](kTensor, func(kFlat []float32) {
			tensors.MutableFlatData[float32](vTensor, func(vFlat []float32) {
				for exampleIdx := range batchSize {
					cacheRange := kFlat[exampleIdx*exampleCacheSize : (exampleIdx+1)*exampleCacheSize]
					valueRange := vFlat[exampleIdx*exampleCacheSize : (exampleIdx+1)*exampleCacheSize]
					m.attend(&hp.layers[layerIdx], hidden[exampleIdx], int(tokenPositions[exampleIdx]), endIndex,
						cacheRange, valueRange, mask[exampleIdx*length:(exampleIdx+1)*length])
				}
			})
		})
		err = newCache.Data.Set(trees.Path{scope, "end_index"}, tensors.FromScalar(int32(endIndex+1)))
		if err != nil {
			return nil, nil, err
		}
	}

	// Final norm and tied-embedding logits.
	flatLogits := make([]float32, batchSize*vocabSize)
	normed := make([]float32, embedDim)
	for exampleIdx, x := range hidden {
		rmsNorm(x, hp.finalNormScale, normed)
		exampleLogits := flatLogits[exampleIdx*vocabSize : (exampleIdx+1)*vocabSize]
		for v := range vocabSize {
			row := hp.embedding[v*embedDim : (v+1)*embedDim]
			var dot float64
			for d, e := range row {
				dot += float64(normed[d]) * float64(e)
			}
			exampleLogits[v] = float32(softCap(dot, cfg.FinalLogitSoftCap))
		}
	}
	logits = tensors.FromFlatDataAndDimensions(flatLogits, batchSize, 1, vocabSize)
	return logits, newCache, nil
}
