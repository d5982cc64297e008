// Package librarian implements the Librarian pipeline: a
// throttled batch extractor that turns buffered conversation exchanges into
// atoms and thread assignments.
package librarian

import (
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/atomicfile"
)

// MaxBufferSize is the exchange buffer's back-pressure cap; overflow trims
// the oldest entries.
const MaxBufferSize = 100

// Exchange is one buffered user/assistant turn awaiting extraction.
type Exchange struct {
	SessionID        string    `json:"session_id"`
	UserMessage      string    `json:"user_message"`
	AssistantMessage string    `json:"assistant_message"`
	Timestamp        time.Time `json:"timestamp"`
}

type bufferFile struct {
	Version   int        `json:"version"`
	Exchanges []Exchange `json:"exchanges"`
}

const currentBufferSchemaVersion = 1

// Buffer is the append-capped, atomically-drainable exchange queue.
type Buffer struct {
	path string
}

func NewBuffer(path string) *Buffer {
	return &Buffer{path: path}
}

// Append adds ex to the buffer, trimming the oldest entries if the cap is
// exceeded.
func (b *Buffer) Append(ex Exchange) error {
	return atomicfile.Update(b.path, bufferFile{Version: currentBufferSchemaVersion}, func(cur bufferFile) (bufferFile, error) {
		cur.Exchanges = append(cur.Exchanges, ex)
		if len(cur.Exchanges) > MaxBufferSize {
			cur.Exchanges = cur.Exchanges[len(cur.Exchanges)-MaxBufferSize:]
		}
		cur.Version = currentBufferSchemaVersion
		return cur, nil
	})
}

// List returns a snapshot of the buffered exchanges without draining them.
func (b *Buffer) List() ([]Exchange, error) {
	var f bufferFile
	if err := atomicfile.Load(b.path, &f); err != nil {
		return nil, err
	}
	return f.Exchanges, nil
}

// Drain atomically empties the buffer and returns what was in it, so the
// caller can process a consistent batch even if writers append concurrently.
func (b *Buffer) Drain() ([]Exchange, error) {
	var drained []Exchange
	err := atomicfile.Update(b.path, bufferFile{Version: currentBufferSchemaVersion}, func(cur bufferFile) (bufferFile, error) {
		drained = cur.Exchanges
		cur.Exchanges = nil
		cur.Version = currentBufferSchemaVersion
		return cur, nil
	})
	return drained, err
}
