// Package tokens estimates token counts for usage metering.
package tokens

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Counter counts the tokens of a text.
type Counter interface {
	Count(text string) int
}

// Tiktoken counts with the o200k or cl100k encodings. Claude models have no
// public tokenizer; their counts use o200k as an estimate.
type Tiktoken struct {
	encoding tokenizer.Encoding

	once  sync.Once
	codec tokenizer.Codec
	err   error
}

// ForModel picks the encoding for a model name.
func ForModel(model string) *Tiktoken {
	return &Tiktoken{encoding: encodingFor(model)}
}

func encodingFor(model string) tokenizer.Encoding {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-4.1"), strings.HasPrefix(model, "gpt-5"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}

func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	t.once.Do(func() {
		t.codec, t.err = tokenizer.Get(t.encoding)
	})
	if t.err != nil {
		return Approximate(text)
	}
	ids, _, err := t.codec.Encode(text)
	if err != nil {
		return Approximate(text)
	}
	return len(ids)
}

// Approximate is the four-characters-per-token rule of thumb.
func Approximate(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
