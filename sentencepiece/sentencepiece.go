// Package sentencepiece adapts github.com/eliben/go-sentencepiece to the samplers.Vocabulary interface, and
// fills in the special token ids used by Gemma.
package sentencepiece

import (
	"github.com/Akash4467/gemma/samplers"
	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Gemma special token ids.
const (
	PadId                 = 0
	EndOfSentenceId       = 1
	BeginningOfSentenceId = 2
	UnknownId             = 3
)

// Processor implements samplers.Vocabulary with a sentencepiece model.
type Processor struct {
	*esentencepiece.Processor
}

var _ samplers.Vocabulary = (*Processor)(nil)

// NewFromPath loads the sentencepiece model (usually "tokenizer.model") from vocabPath.
// A "~" prefix in the path is replaced by the user's home directory.
func NewFromPath(vocabPath string) (*Processor, error) {
	vocabPath = data.ReplaceTildeInDir(vocabPath)
	proc, err := esentencepiece.NewProcessorFromPath(vocabPath)
	if err != nil {
		return nil, errors.Wrapf(err, "can't create sentencepiece from %q", vocabPath)
	}
	klog.V(1).Infof("loaded sentencepiece vocabulary from %q", vocabPath)
	return &Processor{
		Processor: proc,
	}, nil
}

type Token = esentencepiece.Token

// EncodeAsIds returns the text encoded into a sequence of ids, without the "bos" token.
func (p *Processor) EncodeAsIds(text string) []int {
	tokens := p.Processor.Encode(text)
	return xslices.Map(tokens, func(t Token) int { return t.ID })
}

// DecodeIds returns the text from a sequence of ids.
func (p *Processor) DecodeIds(ids []int) string {
	return p.Processor.Decode(ids)
}

// BeginningOfSentenceId returns the corresponding token, aka "bos".
//
// TODO: read the special ids from the tokenizer model instead.
func (p *Processor) BeginningOfSentenceId() int {
	return BeginningOfSentenceId
}

// EndOfSentenceId returns the corresponding token, aka "eos".
func (p *Processor) EndOfSentenceId() int {
	return EndOfSentenceId
}

// UnknownId returns the corresponding token, aka "unk".
func (p *Processor) UnknownId() int {
	return UnknownId
}

// PadId returns the corresponding token, aka "pad".
func (p *Processor) PadId() int {
	return PadId
}
