// Package tokenizer counts model-consumable tokens for budget decisions.
package tokenizer

import (
	"fmt"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens for a fixed model identity. Construct once at
// startup; Count never fails afterwards.
type Counter struct {
	enc *tiktoken.Tiktoken
}

// New resolves the BPE encoding for the given model name. An unrecognized
// model is a configuration error and must abort startup, not surface per
// request.
func New(model string) (*Counter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: no encoding for model %q: %w", model, err)
	}
	return &Counter{enc: enc}, nil
}

// Count returns the number of tokens in s. Deterministic for a fixed model.
// Counts are not additive across concatenation; always count the final
// string, never sum the parts.
func (c *Counter) Count(s string) int {
	return len(c.enc.Encode(s, nil, nil))
}
