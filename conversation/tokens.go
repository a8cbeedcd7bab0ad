// ABOUTME: Token counting for conversation messages via tiktoken.
// ABOUTME: Encodings are cached per model; unknown models fall back to cl100k_base.

package conversation

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens for a specific model's encoding.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache   = make(map[string]*tiktoken.Tiktoken)
	encodingCacheMu sync.RWMutex
)

// NewTokenCounter creates a counter for the model, reusing cached
// encodings.
func NewTokenCounter(model string) (*TokenCounter, error) {
	encodingCacheMu.RLock()
	cached, ok := encodingCache[model]
	encodingCacheMu.RUnlock()
	if ok {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("loading token encoding: %w", err)
		}
	}

	encodingCacheMu.Lock()
	encodingCache[model] = encoding
	encodingCacheMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count for a text.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.encoding == nil {
		return len(text) / 4
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessages counts tokens across messages, including the per-message
// framing overhead chat APIs charge.
func (tc *TokenCounter) CountMessages(msgs []Message) int {
	const tokensPerMessage = 3
	total := 0
	for _, m := range msgs {
		total += tokensPerMessage
		total += tc.Count(string(m.From))
		total += tc.Count(m.Content)
	}
	// Reply priming.
	total += 3
	return total
}

// Model returns the model this counter was built for.
func (tc *TokenCounter) Model() string { return tc.model }
