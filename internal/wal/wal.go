// Package wal implements the write-ahead log: crash-safe
// tracking of in-flight messages and in-progress streaming responses, both
// protected by a single in-process mutex so callers never observe a torn
// pair of on-disk files. An in-memory cache backs both files so streaming
// content can accumulate between checkpoints without a disk write per
// append.
package wal

import (
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/apperr"
	"github.com/nextlevelbuilder/goclaw/internal/atomicfile"
)

// PendingStatus is the lifecycle state of a pending message.
type PendingStatus string

const (
	StatusReceived   PendingStatus = "received"
	StatusProcessing PendingStatus = "processing"
	StatusFailed     PendingStatus = "failed"
)

// PendingMessage tracks one user message from receipt to completion.
type PendingMessage struct {
	MsgID     string        `json:"msg_id"`
	SessionID string        `json:"session_id"`
	ChatID    string        `json:"chat_id,omitempty"`
	Content   string        `json:"content"`
	Status    PendingStatus `json:"status"`
	AckSent   bool          `json:"ack_sent"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ContentSegment is one run of appended streaming text between tool calls.
type ContentSegment struct {
	Text string `json:"text"`
}

// StreamingResponse tracks one in-progress assistant response.
type StreamingResponse struct {
	SessionID      string           `json:"session_id"`
	ChatID         string           `json:"chat_id"`
	MsgID          string           `json:"msg_id"`
	Segments       []ContentSegment `json:"segments"`
	ToolInProgress string           `json:"tool_in_progress,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	LastCheckpoint time.Time        `json:"last_checkpoint"`
}

// CheckpointInterval is the minimum elapsed time between forced flushes of
// a streaming segment to disk ("≥ 5 s").
const CheckpointInterval = 5 * time.Second

// DefaultMaxAge is clear_old_entries's default retention window.
const DefaultMaxAge = 24 * time.Hour

type pendingFile struct {
	Version  int                       `json:"version"`
	Messages map[string]PendingMessage `json:"messages"`
}

type streamingFile struct {
	Version int                          `json:"version"`
	Streams map[string]StreamingResponse `json:"streams"`
}

const currentSchemaVersion = 1

// WAL wraps the two on-disk files behind a single mutex: every operation
// holds it for the duration of its read-modify-write.
type WAL struct {
	mu            sync.Mutex
	pendingPath   string
	streamingPath string

	pending       *pendingFile
	streaming     *streamingFile
}

func New(pendingPath, streamingPath string) *WAL {
	return &WAL{pendingPath: pendingPath, streamingPath: streamingPath}
}

func (w *WAL) pendingCache() (*pendingFile, error) {
	if w.pending != nil {
		return w.pending, nil
	}
	var f pendingFile
	if err := atomicfile.Load(w.pendingPath, &f); err != nil {
		return nil, err
	}
	if f.Messages == nil {
		f.Messages = map[string]PendingMessage{}
	}
	w.pending = &f
	return w.pending, nil
}

func (w *WAL) savePending() error {
	w.pending.Version = currentSchemaVersion
	return atomicfile.Save(w.pendingPath, *w.pending)
}

func (w *WAL) streamingCache() (*streamingFile, error) {
	if w.streaming != nil {
		return w.streaming, nil
	}
	var f streamingFile
	if err := atomicfile.Load(w.streamingPath, &f); err != nil {
		return nil, err
	}
	if f.Streams == nil {
		f.Streams = map[string]StreamingResponse{}
	}
	w.streaming = &f
	return w.streaming, nil
}

func (w *WAL) saveStreaming() error {
	w.streaming.Version = currentSchemaVersion
	return atomicfile.Save(w.streamingPath, *w.streaming)
}

// WriteMessage records a newly received user message.
func (w *WAL) WriteMessage(msgID, sessionID, content string) (PendingMessage, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := w.pendingCache()
	if err != nil {
		return PendingMessage{}, err
	}
	now := time.Now().UTC()
	msg := PendingMessage{MsgID: msgID, SessionID: sessionID, Content: content, Status: StatusReceived, CreatedAt: now, UpdatedAt: now}
	f.Messages[msgID] = msg
	if err := w.savePending(); err != nil {
		return PendingMessage{}, err
	}
	return msg, nil
}

// AckMessage marks a pending message as acknowledged to the client.
func (w *WAL) AckMessage(msgID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mutatePending(msgID, func(m *PendingMessage) { m.AckSent = true })
}

// StartProcessing transitions a message to processing and binds chatID.
func (w *WAL) StartProcessing(msgID, chatID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mutatePending(msgID, func(m *PendingMessage) { m.Status = StatusProcessing; m.ChatID = chatID })
}

// CompleteMessage removes a message from the pending set.
func (w *WAL) CompleteMessage(msgID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := w.pendingCache()
	if err != nil {
		return err
	}
	delete(f.Messages, msgID)
	return w.savePending()
}

// FailMessage marks a message failed, retaining it for diagnosis.
func (w *WAL) FailMessage(msgID, errMsg string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mutatePending(msgID, func(m *PendingMessage) { m.Status = StatusFailed; m.Error = errMsg })
}

func (w *WAL) mutatePending(msgID string, mutate func(*PendingMessage)) error {
	f, err := w.pendingCache()
	if err != nil {
		return err
	}
	m, ok := f.Messages[msgID]
	if !ok {
		return apperr.NotFound("wal.mutatePending", "pending message "+msgID+" not found")
	}
	mutate(&m)
	m.UpdatedAt = time.Now().UTC()
	f.Messages[msgID] = m
	return w.savePending()
}

// GetPending returns a pending message by id.
func (w *WAL) GetPending(msgID string) (PendingMessage, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := w.pendingCache()
	if err != nil {
		return PendingMessage{}, err
	}
	m, ok := f.Messages[msgID]
	if !ok {
		return PendingMessage{}, apperr.NotFound("wal.GetPending", "pending message "+msgID+" not found")
	}
	return m, nil
}

// StartStreaming begins a new streaming response record.
func (w *WAL) StartStreaming(sessionID, chatID, msgID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := w.streamingCache()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	f.Streams[sessionID] = StreamingResponse{SessionID: sessionID, ChatID: chatID, MsgID: msgID, StartedAt: now, LastCheckpoint: now}
	return w.saveStreaming()
}

// AppendContent appends text to the current segment, flushing to disk only
// if forceCheckpoint is set or CheckpointInterval has elapsed since the
// last flush; otherwise the append lives only in the
// in-memory cache until the next checkpoint.
func (w *WAL) AppendContent(sessionID, text string, forceCheckpoint bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := w.streamingCache()
	if err != nil {
		return err
	}
	s, ok := f.Streams[sessionID]
	if !ok {
		return apperr.NotFound("wal.AppendContent", "streaming response "+sessionID+" not found")
	}
	if len(s.Segments) == 0 {
		s.Segments = append(s.Segments, ContentSegment{})
	}
	last := len(s.Segments) - 1
	s.Segments[last].Text += text

	now := time.Now().UTC()
	shouldCheckpoint := forceCheckpoint || now.Sub(s.LastCheckpoint) >= CheckpointInterval
	if shouldCheckpoint {
		s.LastCheckpoint = now
	}
	f.Streams[sessionID] = s

	if shouldCheckpoint {
		return w.saveStreaming()
	}
	return nil
}

// NewSegment starts a fresh content segment (e.g. between tool calls).
func (w *WAL) NewSegment(sessionID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := w.streamingCache()
	if err != nil {
		return err
	}
	s, ok := f.Streams[sessionID]
	if !ok {
		return apperr.NotFound("wal.NewSegment", "streaming response "+sessionID+" not found")
	}
	s.Segments = append(s.Segments, ContentSegment{})
	f.Streams[sessionID] = s
	return w.saveStreaming()
}

// SetToolInProgress persists the currently-running tool name (or clears it
// with an empty string) immediately, bypassing the checkpoint throttle.
func (w *WAL) SetToolInProgress(sessionID, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := w.streamingCache()
	if err != nil {
		return err
	}
	s, ok := f.Streams[sessionID]
	if !ok {
		return apperr.NotFound("wal.SetToolInProgress", "streaming response "+sessionID+" not found")
	}
	s.ToolInProgress = name
	f.Streams[sessionID] = s
	return w.saveStreaming()
}

// CompleteStreaming pops and returns the full streaming record.
func (w *WAL) CompleteStreaming(sessionID string) (StreamingResponse, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := w.streamingCache()
	if err != nil {
		return StreamingResponse{}, err
	}
	s, ok := f.Streams[sessionID]
	if !ok {
		return StreamingResponse{}, apperr.NotFound("wal.CompleteStreaming", "streaming response "+sessionID+" not found")
	}
	delete(f.Streams, sessionID)
	if err := w.saveStreaming(); err != nil {
		return StreamingResponse{}, err
	}
	return s, nil
}

// ClearStaleOnRestart deletes every pending entry in received/processing
// state (evidence of dropped client-visible work from a dead process) and
// every streaming record, retaining failed pending entries for diagnosis.
// Returns the cleared pending entries so the caller can notify reconnecting
// sessions with a restart marker. Call this once at startup, before New's
// cache has been populated by any other call.
func (w *WAL) ClearStaleOnRestart() ([]PendingMessage, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := w.pendingCache()
	if err != nil {
		return nil, err
	}
	var cleared []PendingMessage
	for id, m := range f.Messages {
		if m.Status == StatusReceived || m.Status == StatusProcessing {
			cleared = append(cleared, m)
			delete(f.Messages, id)
		}
	}
	if err := w.savePending(); err != nil {
		return nil, err
	}

	sf, err := w.streamingCache()
	if err != nil {
		return nil, err
	}
	sf.Streams = map[string]StreamingResponse{}
	if err := w.saveStreaming(); err != nil {
		return nil, err
	}

	return cleared, nil
}

// ClearOldEntries is the periodic GC pass: drops failed pending entries
// older than maxAge (0 means DefaultMaxAge).
func (w *WAL) ClearOldEntries(maxAge time.Duration) error {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := w.pendingCache()
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-maxAge)
	for id, m := range f.Messages {
		if m.Status == StatusFailed && m.UpdatedAt.Before(cutoff) {
			delete(f.Messages, id)
		}
	}
	return w.savePending()
}
