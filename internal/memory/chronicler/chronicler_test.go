package chronicler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goclaw/internal/memory/atom"
	"github.com/nextlevelbuilder/goclaw/internal/memory/embedding"
	"github.com/nextlevelbuilder/goclaw/internal/memory/thread"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

type fakeEncoder struct{ dims int }

func (f *fakeEncoder) Dimensions() int { return f.dims }
func (f *fakeEncoder) Encode(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, f.dims)
	for i, r := range text {
		v[i%f.dims] += float32(r%97) + 1
	}
	return v, nil
}

type fakeProvider struct{ response string }

func (p *fakeProvider) Chat(_ context.Context, _ providers.ChatRequest) (*providers.ChatResponse, error) {
	return &providers.ChatResponse{Content: p.response, FinishReason: "stop"}, nil
}
func (p *fakeProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}
func (p *fakeProvider) DefaultModel() string { return "fake" }
func (p *fakeProvider) Name() string         { return "fake" }

func newHarness(t *testing.T, response string) (*Chronicler, *thread.Store, *atom.Store) {
	t.Helper()
	dir := t.TempDir()
	idx, err := embedding.New(dir, &fakeEncoder{dims: 8})
	require.NoError(t, err)
	atoms := atom.New(filepath.Join(dir, "atoms.json"), idx)
	threads := thread.New(filepath.Join(dir, "threads.json"), idx, atoms)
	state := NewState(filepath.Join(dir, "chronicler_state.json"))
	return New(threads, atoms, state, &fakeProvider{response: response}), threads, atoms
}

func TestRunTargetedModeUpdatesDescription(t *testing.T) {
	response := `{"summaries": [{"thread_id": "", "summary": "The user talked about cats twice."}]}`
	c, threads, atoms := newHarness(t, response)
	ctx := context.Background()

	a, err := atoms.Create(ctx, "the user has a cat", "", "", nil)
	require.NoError(t, err)
	th, err := threads.Create(ctx, "Pets", "initial description", []string{a.ID}, "", "", thread.TypeConversation)
	require.NoError(t, err)

	response = `{"summaries": [{"thread_id": "` + th.ID + `", "summary": "The user talked about cats twice."}]}`
	c.Provider = &fakeProvider{response: response}

	result, err := c.Run(ctx, []string{th.ID}, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, result.ThreadsSummarized)

	updated, err := threads.Get(th.ID)
	require.NoError(t, err)
	require.Equal(t, "The user talked about cats twice.", updated.Description)
}

func TestRunScanModeOnlyTargetsConversationThreadsUpdatedSinceLastRun(t *testing.T) {
	c, threads, _ := newHarness(t, `{"summaries": []}`)
	ctx := context.Background()

	require.NoError(t, c.State.RecordRun(time.Now().Add(-time.Hour)))

	_, err := threads.Create(ctx, "topical", "d", nil, "", "", thread.TypeTopical)
	require.NoError(t, err)
	convo, err := threads.Create(ctx, "convo", "d", nil, thread.RoomScope("r"), "", thread.TypeConversation)
	require.NoError(t, err)

	targets, err := c.resolveTargets(nil, time.Now())
	require.NoError(t, err)
	require.Len(t, targets, 1)
	require.Equal(t, convo.ID, targets[0].ID)
}

func TestRunRecordsStartTimeNotEndTime(t *testing.T) {
	c, _, _ := newHarness(t, `{"summaries": []}`)
	start := time.Now().UTC()
	_, err := c.Run(context.Background(), nil, start)
	require.NoError(t, err)

	got, err := c.State.LastRun()
	require.NoError(t, err)
	require.WithinDuration(t, start, got, time.Second)
}
