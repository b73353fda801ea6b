package transformers

import (
	"github.com/Akash4467/gemma/trees"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Cache is a state cache of a (batch of) sequence being encoded/decoded.
//
// It has a fixed size (so typical cached values with be prefixed with the dimensions [BatchSize, Cache.Length],
// and current position (where each decode step is stored) is rotating: CurrentStep = (CurrentStep+1)%Cache.Length).
//
// It's stored as a trees.Tree[*tensor.Tensor]: the first level of the tree being the layer names,
// and the second level hold the "k" and "v" embedding caches and the "end_index" for each transformer layer.
//
// A Cache is never modified once handed over to the sampler: Model.Forward returns a new one.
type Cache struct {
	// BatchSize for this cache.
	BatchSize int

	// Length (in number of steps) of the cache. The cache itself is rotating on this size.
	Length int

	// Data holds the cached data, organized as a trees.Tree[*tensors.Tensor].
	Data *trees.Tree[*tensors.Tensor]
}

// NewCache creates a zero-initialized cache for the model described by config, for the given batch size
// and cacheLength.
func NewCache(config *Config, batchSize, cacheLength int) (*Cache, error) {
	if batchSize <= 0 || cacheLength <= 0 {
		return nil, errors.Errorf("invalid cache dimensions: batchSize=%d, cacheLength=%d", batchSize, cacheLength)
	}
	c := &Cache{
		BatchSize: batchSize,
		Length:    cacheLength,
		Data:      trees.New[*tensors.Tensor](),
	}
	for layerIdx := range config.NumLayers {
		treePath := trees.Path{LayerScope(layerIdx)}
		err := createAttentionCache(c.Data, treePath, config.DType, batchSize, cacheLength,
			config.NumHeads, config.HeadDim)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Clone returns a deep copy of the cache: no tensor is shared with the original.
func (c *Cache) Clone() *Cache {
	return &Cache{
		BatchSize: c.BatchSize,
		Length:    c.Length,
		Data:      trees.Map(c.Data, func(_ trees.Path, t *tensors.Tensor) *tensors.Tensor { return cloneTensor(t) }),
	}
}

// CheckCompatible returns an error if other doesn't have the same batch size, length, tree structure and
// tensor shapes as c.
func (c *Cache) CheckCompatible(other *Cache) error {
	if other == nil {
		return errors.New("cache is nil")
	}
	if c.BatchSize != other.BatchSize || c.Length != other.Length {
		return errors.Errorf("cache dimensions changed from [batch=%d, length=%d] to [batch=%d, length=%d]",
			c.BatchSize, c.Length, other.BatchSize, other.Length)
	}
	sameShape := func(_ trees.Path, t1, t2 *tensors.Tensor) bool {
		return t1 != nil && t2 != nil && t1.Shape().Equal(t2.Shape())
	}
	if !trees.Equal(c.Data, other.Data, sameShape) {
		return errors.Errorf("cache structure or shapes changed:\nbefore:\n%safter:\n%s", c.Data, other.Data)
	}
	return nil
}

// Memory used by the cache tensors, in bytes.
func (c *Cache) Memory() uint64 {
	var total uint64
	for _, t := range c.Data.Leaves() {
		total += uint64(t.Shape().Memory())
	}
	return total
}

// EndIndex returns the number of steps already written to the cache of the given layer.
// The next step is written at EndIndex % Length.
func (c *Cache) EndIndex(layerIdx int) int {
	t, err := c.Data.Get(trees.Path{LayerScope(layerIdx), "end_index"})
	if err != nil {
		panic(err)
	}
	return int(tensors.CopyFlatData[int32](t)[0])
}

// cloneTensor makes a local copy of t. Only the dtypes used by the cache and the params are supported.
func cloneTensor(t *tensors.Tensor) *tensors.Tensor {
	dims := t.Shape().Dimensions
	switch t.DType() {
	case dtypes.Float32:
		return tensors.FromFlatDataAndDimensions(tensors.CopyFlatData[float32](t), dims...)
	case dtypes.Int32:
		return tensors.FromFlatDataAndDimensions(tensors.CopyFlatData[int32](t), dims...)
	case dtypes.Bool:
		return tensors.FromFlatDataAndDimensions(tensors.CopyFlatData[bool](t), dims...)
	default:
		exceptions.Panicf("cloneTensor: dtype %s not supported", t.DType())
		return nil
	}
}
