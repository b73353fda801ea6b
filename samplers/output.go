package samplers

import (
	"github.com/gomlx/gomlx/types/tensors"
)

// Output of Sampler.Generate, one entry per prompt.
type Output struct {
	// Text decoded from Tokens.
	Text []string

	// Tokens generated, or prompt and generated if Options.Echo was set. Tokens after the first "eos" are
	// replaced by "pad".
	Tokens [][]int

	// Logits used to select each of the Tokens, shaped [numTokens][vocabSize]. Only set if Options.ReturnLogits.
	Logits [][][]float32
}

// MaskTokensAfterEOS returns a copy of the int32[batchSize, length] tokenBuffer where every token after the
// first eosId of each row is replaced by padId. The "eos" itself is kept.
func MaskTokensAfterEOS(tokenBuffer *tensors.Tensor, eosId, padId int) *tensors.Tensor {
	batchSize, length := tokenBuffer.Shape().Dim(0), tokenBuffer.Shape().Dim(1)
	masked := tensors.CopyFlatData[int32](tokenBuffer)
	eos, pad := int32(eosId), int32(padId)
	for exampleIdx := range batchSize {
		row := masked[exampleIdx*length : (exampleIdx+1)*length]
		foundEOS := false
		for ii, token := range row {
			if foundEOS {
				row[ii] = pad
			} else if token == eos {
				foundEOS = true
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(masked, batchSize, length)
}

// extract the output from the final state: for each sequence the tokens from the start of the buffer (echo) or
// from the end of the prompt, up to TotalSamplingSteps.
func (s *Sampler) extract(state *State, echo, includeLogits bool) *Output {
	batchSize, bufferLength := state.BatchSize(), state.BufferLength()
	masked := tensors.CopyFlatData[int32](
		MaskTokensAfterEOS(state.TokenBuffer, s.Vocab.EndOfSentenceId(), s.Vocab.PadId()))

	output := &Output{
		Text:   make([]string, batchSize),
		Tokens: make([][]int, batchSize),
	}
	if includeLogits && state.LogitsBuffer != nil {
		output.Logits = make([][][]float32, batchSize)
	}
	for exampleIdx := range batchSize {
		startIdx := 0
		if !echo {
			startIdx = state.NumInputTokens[exampleIdx]
		}
		endIdx := state.TotalSamplingSteps
		row := masked[exampleIdx*bufferLength : (exampleIdx+1)*bufferLength]
		tokens := make([]int, 0, endIdx-startIdx)
		for _, token := range row[startIdx:endIdx] {
			tokens = append(tokens, int(token))
		}
		output.Tokens[exampleIdx] = tokens
		output.Text[exampleIdx] = s.Vocab.DecodeIds(tokens)
	}
	if output.Logits != nil {
		vocabSize := state.LogitsBuffer.Shape().Dim(2)
		tensors.ConstFlatData[float32](state.LogitsBuffer, func(flat []float32) {
			for exampleIdx := range batchSize {
				startIdx := 0
				if !echo {
					startIdx = state.NumInputTokens[exampleIdx]
				}
				stepsLogits := make([][]float32, 0, state.TotalSamplingSteps-startIdx)
				for step := startIdx; step < state.TotalSamplingSteps; step++ {
					offset := (exampleIdx*bufferLength + step) * vocabSize
					stepsLogits = append(stepsLogits, append([]float32(nil), flat[offset:offset+vocabSize]...))
				}
				output.Logits[exampleIdx] = stepsLogits
			}
		})
	}
	return output
}
