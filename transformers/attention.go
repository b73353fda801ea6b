package transformers

import (
	"github.com/Akash4467/gemma/trees"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"math"
)

// createAttentionCache creates the attention cache for the attention layer under treePath.
func createAttentionCache(data *trees.Tree[*tensors.Tensor], treePath trees.Path, dtype dtypes.DType,
	batchSize, maxCacheLength, numHeads, headDim int) error {
	// Value cache:
	err := data.Set(append(treePath, "v"),
		tensors.FromShape(shapes.Make(dtype, batchSize, maxCacheLength, numHeads, headDim)))
	if err != nil {
		return errors.WithMessage(err, "in createAttentionCache()")
	}

	// Keys cache:
	err = data.Set(append(treePath, "k"),
		tensors.FromShape(shapes.Make(dtype, batchSize, maxCacheLength, numHeads, headDim)))
	if err != nil {
		return errors.WithMessage(err, "in createAttentionCache()")
	}

	// Index where to insert new values, in a rotating cache.
	err = data.Set(append(treePath, "end_index"), tensors.FromScalar(int32(0)))
	if err != nil {
		return errors.WithMessage(err, "in createAttentionCache()")
	}
	return nil
}

// attentionLayer holds the flat (host) params of one attention layer.
type attentionLayer struct {
	attentionType AttentionType
	preNormScale  []float32 // [D]
	query         []float32 // [N, D, H]
	keyValue      []float32 // [2, N, D, H]
	output        []float32 // [N, H, D]
}

// attend runs one attention layer for one example of the batch, for a single new token.
//
// x is the example's hidden state [D], updated in place with the residual. kCache and vCache are the example's
// slices of the layer cache, shaped [Length, N, H], and are updated in place at slot endIndex % Length.
// mask [Length] selects the cache slots the token may attend to.
func (m *Model) attend(layer *attentionLayer, x []float32, position, endIndex int,
	kCache, vCache []float32, mask []bool) {
	cfg := m.Config
	numHeads, headDim, embedDim := cfg.NumHeads, cfg.HeadDim, cfg.EmbedDim
	length := len(mask)
	headStride := numHeads * headDim

	normed := make([]float32, embedDim)
	rmsNorm(x, layer.preNormScale, normed)

	// Projections: for each head, einsum "D,NDH->NH".
	query := make([]float32, headStride)
	slot := endIndex % length
	for n := range numHeads {
		q := query[n*headDim : (n+1)*headDim]
		project(normed, layer.query[n*embedDim*headDim:], 0, headDim, q)
		applyRoPE(q, position, cfg.RoPEBaseFrequency)

		k := kCache[slot*headStride+n*headDim : slot*headStride+(n+1)*headDim]
		project(normed, layer.keyValue[n*embedDim*headDim:], 0, headDim, k)
		applyRoPE(k, position, cfg.RoPEBaseFrequency)

		v := vCache[slot*headStride+n*headDim : slot*headStride+(n+1)*headDim]
		project(normed, layer.keyValue[(numHeads+n)*embedDim*headDim:], 0, headDim, v)
	}

	// Slots this layer may attend to.
	allowed := make([]bool, length)
	for j := range length {
		allowed[j] = mask[j]
		if allowed[j] && layer.attentionType == AttentionTypeLocalSliding && endIndex < length {
			// Slots map to steps only before the cache wraps around.
			allowed[j] = endIndex-j < cfg.SlidingWindowSize
		}
	}

	scale := 1.0 / math.Sqrt(float64(headDim))
	attended := make([]float32, headStride)
	logits := make([]float64, length)
	for n := range numHeads {
		q := query[n*headDim : (n+1)*headDim]
		maxLogit := math.Inf(-1)
		for j := range length {
			if !allowed[j] {
				continue
			}
			k := kCache[j*headStride+n*headDim : j*headStride+(n+1)*headDim]
			var dot float64
			for h, qv := range q {
				dot += float64(qv) * float64(k[h])
			}
			logits[j] = softCap(dot*scale, cfg.AttentionSoftCap)
			maxLogit = max(maxLogit, logits[j])
		}
		if math.IsInf(maxLogit, -1) {
			// Nothing to attend to.
			continue
		}
		var total float64
		for j := range length {
			if allowed[j] {
				logits[j] = math.Exp(logits[j] - maxLogit)
				total += logits[j]
			}
		}
		out := attended[n*headDim : (n+1)*headDim]
		for j := range length {
			if !allowed[j] {
				continue
			}
			weight := float32(logits[j] / total)
			v := vCache[j*headStride+n*headDim : j*headStride+(n+1)*headDim]
			for h, vv := range v {
				out[h] += weight * vv
			}
		}
	}

	// Output projection "NH,NHD->D" and residual.
	delta := make([]float32, embedDim)
	project(attended, layer.output, 0, embedDim, delta)
	for d := range x {
		x[d] += delta[d]
	}
}
