package wal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newHarness(t *testing.T) *WAL {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "pending.json"), filepath.Join(dir, "streaming.json"))
}

func TestWriteMessageThenAckThenComplete(t *testing.T) {
	w := newHarness(t)

	msg, err := w.WriteMessage("m1", "s1", "hello")
	require.NoError(t, err)
	require.Equal(t, StatusReceived, msg.Status)
	require.False(t, msg.AckSent)

	require.NoError(t, w.AckMessage("m1"))
	got, err := w.GetPending("m1")
	require.NoError(t, err)
	require.True(t, got.AckSent)

	require.NoError(t, w.StartProcessing("m1", "chat-1"))
	got, err = w.GetPending("m1")
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, got.Status)
	require.Equal(t, "chat-1", got.ChatID)

	require.NoError(t, w.CompleteMessage("m1"))
	_, err = w.GetPending("m1")
	require.Error(t, err)
}

func TestFailMessageRetainsEntry(t *testing.T) {
	w := newHarness(t)
	_, err := w.WriteMessage("m1", "s1", "hello")
	require.NoError(t, err)

	require.NoError(t, w.FailMessage("m1", "boom"))
	got, err := w.GetPending("m1")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, "boom", got.Error)
}

func TestGetPendingMissingReturnsError(t *testing.T) {
	w := newHarness(t)
	_, err := w.GetPending("nope")
	require.Error(t, err)
}

func TestAppendContentDoesNotFlushBeforeCheckpoint(t *testing.T) {
	w := newHarness(t)
	require.NoError(t, w.StartStreaming("s1", "chat-1", "m1"))
	require.NoError(t, w.AppendContent("s1", "hello ", false))

	// Reload a fresh WAL pointed at the same files to see what actually hit disk.
	fresh := New(w.pendingPath, w.streamingPath)
	f, err := fresh.streamingCache()
	require.NoError(t, err)
	s, ok := f.Streams["s1"]
	require.True(t, ok)
	require.Empty(t, s.Segments, "append without checkpoint should not have flushed to disk yet")

	// But the in-process cache reflects the appended text immediately.
	cached, err := w.streamingCache()
	require.NoError(t, err)
	require.Equal(t, "hello ", cached.Streams["s1"].Segments[0].Text)
}

func TestAppendContentForceCheckpointFlushesImmediately(t *testing.T) {
	w := newHarness(t)
	require.NoError(t, w.StartStreaming("s1", "chat-1", "m1"))
	require.NoError(t, w.AppendContent("s1", "hello", true))

	fresh := New(w.pendingPath, w.streamingPath)
	f, err := fresh.streamingCache()
	require.NoError(t, err)
	require.Equal(t, "hello", f.Streams["s1"].Segments[0].Text)
}

func TestAppendContentFlushesAfterCheckpointInterval(t *testing.T) {
	w := newHarness(t)
	require.NoError(t, w.StartStreaming("s1", "chat-1", "m1"))

	w.streaming.Streams["s1"] = StreamingResponse{
		SessionID:      "s1",
		ChatID:         "chat-1",
		MsgID:          "m1",
		StartedAt:      time.Now().UTC().Add(-time.Hour),
		LastCheckpoint: time.Now().UTC().Add(-CheckpointInterval - time.Second),
	}

	require.NoError(t, w.AppendContent("s1", "late", false))

	fresh := New(w.pendingPath, w.streamingPath)
	f, err := fresh.streamingCache()
	require.NoError(t, err)
	require.Equal(t, "late", f.Streams["s1"].Segments[0].Text)
}

func TestNewSegmentStartsFreshSegment(t *testing.T) {
	w := newHarness(t)
	require.NoError(t, w.StartStreaming("s1", "chat-1", "m1"))
	require.NoError(t, w.AppendContent("s1", "first", true))
	require.NoError(t, w.NewSegment("s1"))
	require.NoError(t, w.AppendContent("s1", "second", true))

	rec, err := w.CompleteStreaming("s1")
	require.NoError(t, err)
	require.Len(t, rec.Segments, 2)
	require.Equal(t, "first", rec.Segments[0].Text)
	require.Equal(t, "second", rec.Segments[1].Text)
}

func TestSetToolInProgressPersistsImmediately(t *testing.T) {
	w := newHarness(t)
	require.NoError(t, w.StartStreaming("s1", "chat-1", "m1"))
	require.NoError(t, w.SetToolInProgress("s1", "search"))

	fresh := New(w.pendingPath, w.streamingPath)
	f, err := fresh.streamingCache()
	require.NoError(t, err)
	require.Equal(t, "search", f.Streams["s1"].ToolInProgress)

	require.NoError(t, w.SetToolInProgress("s1", ""))
	fresh2 := New(w.pendingPath, w.streamingPath)
	f2, err := fresh2.streamingCache()
	require.NoError(t, err)
	require.Empty(t, f2.Streams["s1"].ToolInProgress)
}

func TestCompleteStreamingPopsRecord(t *testing.T) {
	w := newHarness(t)
	require.NoError(t, w.StartStreaming("s1", "chat-1", "m1"))
	require.NoError(t, w.AppendContent("s1", "done", true))

	rec, err := w.CompleteStreaming("s1")
	require.NoError(t, err)
	require.Equal(t, "done", rec.Segments[0].Text)

	_, err = w.CompleteStreaming("s1")
	require.Error(t, err)
}

func TestClearStaleOnRestartDropsReceivedAndProcessingKeepsFailed(t *testing.T) {
	w := newHarness(t)
	_, err := w.WriteMessage("received-1", "s1", "a")
	require.NoError(t, err)
	_, err = w.WriteMessage("processing-1", "s1", "b")
	require.NoError(t, err)
	require.NoError(t, w.StartProcessing("processing-1", "chat-1"))
	_, err = w.WriteMessage("failed-1", "s1", "c")
	require.NoError(t, err)
	require.NoError(t, w.FailMessage("failed-1", "oops"))

	require.NoError(t, w.StartStreaming("s1", "chat-1", "m1"))
	require.NoError(t, w.AppendContent("s1", "partial", true))

	cleared, err := w.ClearStaleOnRestart()
	require.NoError(t, err)
	require.Len(t, cleared, 2)

	_, err = w.GetPending("received-1")
	require.Error(t, err)
	_, err = w.GetPending("processing-1")
	require.Error(t, err)
	got, err := w.GetPending("failed-1")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)

	f, err := w.streamingCache()
	require.NoError(t, err)
	require.Empty(t, f.Streams)
}

func TestClearOldEntriesRemovesOnlyOldFailedMessages(t *testing.T) {
	w := newHarness(t)
	_, err := w.WriteMessage("old-fail", "s1", "a")
	require.NoError(t, err)
	require.NoError(t, w.FailMessage("old-fail", "stale"))
	w.pending.Messages["old-fail"] = func() PendingMessage {
		m := w.pending.Messages["old-fail"]
		m.UpdatedAt = time.Now().UTC().Add(-48 * time.Hour)
		return m
	}()
	require.NoError(t, w.savePending())

	_, err = w.WriteMessage("recent-fail", "s1", "b")
	require.NoError(t, err)
	require.NoError(t, w.FailMessage("recent-fail", "fresh"))

	require.NoError(t, w.ClearOldEntries(DefaultMaxAge))

	_, err = w.GetPending("old-fail")
	require.Error(t, err)
	got, err := w.GetPending("recent-fail")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
}
