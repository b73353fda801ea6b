package transformers

import (
	"fmt"
	"github.com/Akash4467/gemma/trees"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"maps"
	"strings"
)

// AttentionType of a transformer layer.
type AttentionType int

const (
	AttentionTypeUnknown AttentionType = iota
	AttentionTypeGlobal
	AttentionTypeLocalSliding
)

func (t AttentionType) String() string {
	switch t {
	case AttentionTypeGlobal:
		return "global"
	case AttentionTypeLocalSliding:
		return "local_sliding"
	default:
		return fmt.Sprintf("AttentionType(%d)", int(t))
	}
}

// Config of the transformer model.
//
// The layout follows Gemma2: layers alternate between local sliding-window attention and global attention,
// attention logits and final logits are soft-capped, and the output projection is tied to the input embedding.
type Config struct {
	DType              dtypes.DType
	NumLayers          int
	VocabularySize     int
	EmbedDim           int
	NumHeads, HeadDim  int
	MaxCacheLength     int
	AttentionTypes     []AttentionType
	SlidingWindowSize  int
	FinalLogitSoftCap  float64
	AttentionSoftCap   float64
	RoPEBaseFrequency  float64
	NormalizeEmbedding bool
}

// NewTinyConfig returns the configuration of a small model, suitable to run on the CPU for demos and tests.
func NewTinyConfig(vocabSize int) *Config {
	c := &Config{
		DType:              dtypes.Float32,
		NumLayers:          2,
		VocabularySize:     vocabSize,
		EmbedDim:           32,
		NumHeads:           2,
		HeadDim:            16,
		MaxCacheLength:     1024,
		SlidingWindowSize:  128,
		FinalLogitSoftCap:  30.0,
		AttentionSoftCap:   50.0,
		RoPEBaseFrequency:  10_000,
		NormalizeEmbedding: true,
	}
	c.setAlternatingAttention()
	return c
}

func (c *Config) setAlternatingAttention() {
	c.AttentionTypes = make([]AttentionType, c.NumLayers)
	for ii := range c.AttentionTypes {
		if ii%2 == 0 {
			c.AttentionTypes[ii] = AttentionTypeLocalSliding
		} else {
			c.AttentionTypes[ii] = AttentionTypeGlobal
		}
	}
}

// Validate returns an error if the configuration is not usable by Model.
func (c *Config) Validate() error {
	if c.DType != dtypes.Float32 {
		return errors.Errorf("transformers.Config: only Float32 is supported, got %s", c.DType)
	}
	if c.NumLayers <= 0 || c.VocabularySize <= 0 || c.EmbedDim <= 0 || c.NumHeads <= 0 || c.HeadDim <= 0 {
		return errors.Errorf("transformers.Config: dimensions must be positive: %+v", *c)
	}
	if c.HeadDim%2 != 0 {
		return errors.Errorf("transformers.Config: HeadDim must be even for rotary embeddings, got %d", c.HeadDim)
	}
	if len(c.AttentionTypes) != c.NumLayers {
		return errors.Errorf("transformers.Config: %d attention types given for %d layers", len(c.AttentionTypes), c.NumLayers)
	}
	return nil
}

// LayerScope returns the name of the layer in the params and cache trees.
func LayerScope(layerIdx int) string {
	return fmt.Sprintf("layer_%d", layerIdx)
}

// NewConfigFromWeights creates a transformers config model, based on the structure of the loaded model weights.
//
// The dimensions are read from the shapes of the embedding and of the first layer's projections. The non-structural
// parameters (soft-caps, sliding window) take the values of NewTinyConfig.
func NewConfigFromWeights(weights *trees.Tree[*tensors.Tensor]) (*Config, error) {
	c := &Config{}
	for _, w := range weights.Leaves() {
		if c.DType == dtypes.InvalidDType {
			c.DType = w.DType()
			continue
		}
		if c.DType != w.DType() {
			return nil, errors.New("can't infer dtype, different parameters have different dtypes")
		}
	}
	if weights.IsLeaf() {
		return nil, errors.New("weights tree has no structure")
	}

	// Find number of layers:
	for key := range maps.Keys(weights.Map) {
		if strings.HasPrefix(key, "layer_") {
			c.NumLayers++
		}
	}

	embedding, err := weights.Get(trees.Path{"embedder", "input_embedding"})
	if err != nil {
		return nil, errors.WithMessage(err, "in NewConfigFromWeights()")
	}
	if embedding.Shape().Rank() != 2 {
		return nil, errors.Errorf("embedding should be shaped [vocab, embed], got %s", embedding.Shape())
	}
	c.VocabularySize, c.EmbedDim = embedding.Shape().Dim(0), embedding.Shape().Dim(1)

	query, err := weights.Get(trees.Path{LayerScope(0), "attn", "q_einsum", "w"})
	if err != nil {
		return nil, errors.WithMessage(err, "in NewConfigFromWeights()")
	}
	if query.Shape().Rank() != 3 {
		return nil, errors.Errorf("query projection should be shaped [heads, embed, head_dim], got %s", query.Shape())
	}
	c.NumHeads, c.HeadDim = query.Shape().Dim(0), query.Shape().Dim(2)

	tiny := NewTinyConfig(c.VocabularySize)
	c.MaxCacheLength = tiny.MaxCacheLength
	c.SlidingWindowSize = tiny.SlidingWindowSize
	c.FinalLogitSoftCap = tiny.FinalLogitSoftCap
	c.AttentionSoftCap = tiny.AttentionSoftCap
	c.RoPEBaseFrequency = tiny.RoPEBaseFrequency
	c.NormalizeEmbedding = tiny.NormalizeEmbedding
	c.setAlternatingAttention()
	if err = c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
