// Package utils holds small helpers shared across packages: token estimation and
// typed access to loosely-typed tool arguments.
package utils

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter estimates token counts. Every provider is approximated with the GPT-4
// encoding; the numbers are for display and budgeting, not billing.
type TokenCounter struct {
	codec tokenizer.Codec
}

var (
	sharedOnce    sync.Once
	sharedCounter *TokenCounter
)

// NewTokenCounter creates a counter backed by the GPT-4 encoding.
func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in text, falling back to len/4.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// EstimateTokens counts with a process-wide counter.
func EstimateTokens(text string) int {
	sharedOnce.Do(func() {
		sharedCounter, _ = NewTokenCounter()
	})
	return sharedCounter.CountTokens(text)
}

// FitsContext reports whether the texts together fit in window tokens.
func FitsContext(window int, texts ...string) bool {
	total := 0
	for _, t := range texts {
		total += EstimateTokens(t)
		if total > window {
			return false
		}
	}
	return true
}
