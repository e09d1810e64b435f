package embedding

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts BPE tokens for chunk metadata. A nil *TokenCounter is
// valid and always reports zero.
type TokenCounter struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTokenCounter loads the named encoding (e.g. "cl100k_base"). An empty
// name disables counting and returns a nil counter.
func NewTokenCounter(encoding string) (*TokenCounter, error) {
	if encoding == "" {
		return nil, nil
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load token encoding %q: %w", encoding, err)
	}
	return &TokenCounter{enc: enc}, nil
}

// Count returns the number of tokens in text.
func (t *TokenCounter) Count(text string) int {
	if t == nil || t.enc == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enc.Encode(text, nil, nil))
}
