package samplers

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// ComputeAttentionMasks returns the causal attention mask for the given decoding step.
//
// The inputMask is a bool[batchSize, bufferLength] tensor, true for the non-padding tokens. The returned mask is
// shaped bool[batchSize, 1, cacheLength]: slot j can be attended to if j <= step and the corresponding token of
// the window of inputMask ending at step is not padding.
//
// The window starts at max(step-cacheLength+1, 0), clamped so that it fits in the buffer. If the buffer is
// shorter than the cache, the slots beyond the buffer are considered valid (the causal mask still excludes them).
func ComputeAttentionMasks(step, cacheLength int, inputMask *tensors.Tensor) *tensors.Tensor {
	if inputMask.DType() != dtypes.Bool || inputMask.Shape().Rank() != 2 {
		exceptions.Panicf("ComputeAttentionMasks: inputMask must be bool[batchSize, bufferLength], got %s",
			inputMask.Shape())
	}
	if cacheLength <= 0 || step < 0 {
		exceptions.Panicf("ComputeAttentionMasks: invalid step=%d or cacheLength=%d", step, cacheLength)
	}
	batchSize, bufferLength := inputMask.Shape().Dim(0), inputMask.Shape().Dim(1)
	windowLength := min(bufferLength, cacheLength)
	windowStart := max(step-cacheLength+1, 0)
	windowStart = min(windowStart, bufferLength-windowLength)

	mask := make([]bool, batchSize*cacheLength)
	tensors.ConstFlatData[bool](inputMask, func(input []bool) {
		for exampleIdx := range batchSize {
			row := input[exampleIdx*bufferLength : (exampleIdx+1)*bufferLength]
			out := mask[exampleIdx*cacheLength : (exampleIdx+1)*cacheLength]
			for j := range cacheLength {
				valid := true
				if j < windowLength {
					valid = row[windowStart+j]
				}
				out[j] = valid && j <= step
			}
		}
	})
	return tensors.FromFlatDataAndDimensions(mask, batchSize, 1, cacheLength)
}
