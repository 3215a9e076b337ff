// Package tokens provides tiktoken-based token counting for prompt budget
// accounting and transcript truncation.
package tokens

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// Counter provides token counting for prompt material. All supported
// providers are approximated with the GPT-4 encoding, which is close enough
// for budget decisions.
type Counter struct {
	codec tokenizer.Codec
}

// NewCounter creates a token counter.
func NewCounter() (*Counter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("create tokenizer codec: %w", err)
	}
	return &Counter{codec: codec}, nil
}

// Count returns the number of tokens in the given text. Falls back to a
// 4-chars-per-token estimate if the codec is unavailable.
func (c *Counter) Count(text string) int {
	if c == nil || c.codec == nil {
		return len(text) / 4
	}
	count, err := c.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// WithinLimit reports whether text fits the token limit.
func (c *Counter) WithinLimit(text string, limit int) bool {
	return c.Count(text) <= limit
}

// TruncateHead drops text from the front until it fits the limit, keeping
// the most recent material. Approximate: truncation is by characters, not
// exact token boundaries.
func (c *Counter) TruncateHead(text string, limit int) string {
	currentTokens := c.Count(text)
	if currentTokens <= limit {
		return text
	}
	ratio := float64(limit) / float64(currentTokens)
	keep := int(float64(len(text)) * ratio * 0.9)
	if keep >= len(text) {
		return text
	}
	return "..." + text[len(text)-keep:]
}
