// Package transformers implements a small Gemma-like decoder-only transformer, its configuration and its
// rotating KV cache.
//
// The model runs on the host (float32) and is meant to drive the samplers package end-to-end: it follows the
// structure of https://github.com/google-deepmind/gemma/blob/main/gemma/transformer.py (RMSNorm, rotary
// embeddings, alternating local/global attention, soft-capping, tied embeddings), at a size that runs on a CPU.
package transformers

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// BuildPositionsFromMask where inputMask is true for non-padded tokens.
//
// It returns the indices to use for RoPE (Rotary Position Embedding), computed on the given backend.
// See PositionsFromMask for the host version.
//
// Example:
//
//	BuildPositionFromMask([[True, True, False, False],
//						   [True, True, True, False]])
//	> [0, 1, 1, 1], [0, 1, 2, 2]
func BuildPositionsFromMask(backend backends.Backend, inputMask *tensors.Tensor) *tensors.Tensor {
	return NewExec(backend, func(mask *Node) *Node {
		g := mask.Graph()
		positions := CumSum(ConvertDType(mask, dtypes.Int32), -1)
		// Make it 0-based (as opposed to starting with 1), for rows that are not empty (all zeros).
		nonZero := GreaterThan(positions, ScalarZero(g, dtypes.Int32))
		positions = Sub(positions, ConvertDType(nonZero, dtypes.Int32))
		return positions
	}).Call(inputMask)[0]
}

// PositionsFromMask is the host version of BuildPositionsFromMask: inputMask is a bool tensor shaped
// [batchSize, length], and it returns an int32 tensor of the same shape with the position of each token,
// not counting the masked out (padding) ones.
func PositionsFromMask(inputMask *tensors.Tensor) *tensors.Tensor {
	if inputMask.DType() != dtypes.Bool || inputMask.Shape().Rank() != 2 {
		exceptions.Panicf("PositionsFromMask: inputMask must be a bool[batch, length] tensor, got %s", inputMask.Shape())
	}
	batchSize, length := inputMask.Shape().Dim(0), inputMask.Shape().Dim(1)
	mask := tensors.CopyFlatData[bool](inputMask)
	positions := make([]int32, len(mask))
	for exampleIdx := range batchSize {
		var count int32
		for ii := range length {
			idx := exampleIdx*length + ii
			if mask[idx] {
				count++
			}
			positions[idx] = max(count-1, 0)
		}
	}
	return tensors.FromFlatDataAndDimensions(positions, batchSize, length)
}
