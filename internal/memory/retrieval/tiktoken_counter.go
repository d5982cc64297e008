package retrieval

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TiktokenCounter is the precise upgrade path over EstimateCounter: it
// tokenizes with a real BPE encoding instead of assuming 4 chars/token.
// Construction can fail (missing encoding, no network on first use if the
// vocab isn't cached), so callers get an error back and can fall back to
// EstimateCounter rather than crash the retrieval path over it.
type TiktokenCounter struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the named encoding (e.g. "cl100k_base").
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.enc.Encode(text, nil, nil))
}
