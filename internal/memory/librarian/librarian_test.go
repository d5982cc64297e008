package librarian

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

type fakeProvider struct {
	response string
	err      error
	calls    int
}

func (p *fakeProvider) Chat(_ context.Context, _ providers.ChatRequest) (*providers.ChatResponse, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return &providers.ChatResponse{Content: p.response, FinishReason: "stop"}, nil
}

func (p *fakeProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}
func (p *fakeProvider) DefaultModel() string { return "fake" }
func (p *fakeProvider) Name() string         { return "fake" }

func newHarness(t *testing.T, response string) (*Librarian, *atom.Store, *thread.Store) {
	t.Helper()
	dir := t.TempDir()
	idx, err := embedding.New(dir, &fakeEncoder{dims: 8})
	require.NoError(t, err)
	atoms := atom.New(filepath.Join(dir, "atoms.json"), idx)
	threads := thread.New(filepath.Join(dir, "threads.json"), idx, atoms)
	buf := NewBuffer(filepath.Join(dir, "buffer.json"))
	state := NewState(filepath.Join(dir, "state.json"))
	lib := New(buf, state, atoms, threads, &fakeProvider{response: response})
	return lib, atoms, threads
}

func TestRunCycleReportsEmptyBuffer(t *testing.T) {
	lib, _, _ := newHarness(t, "{}")
	result, err := lib.RunCycle(context.Background(), time.Now())
	require.NoError(t, err)
	require.Equal(t, StatusEmptyBuffer, result.Status)
}

func TestRunCycleThrottles(t *testing.T) {
	lib, _, _ := newHarness(t, "{}")
	now := time.Now().UTC()
	require.NoError(t, lib.Buffer.Append(Exchange{SessionID: "s1", UserMessage: "hi", AssistantMessage: "hello", Timestamp: now}))
	require.NoError(t, lib.State.RecordRun(now))

	result, err := lib.RunCycle(context.Background(), now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, StatusThrottled, result.Status)
	require.Greater(t, result.ThrottledMinutesRemaining, 0.0)
}

func TestRunCycleExtractsAndCreatesAtomsAndThreads(t *testing.T) {
	response := `{"atomic_memories":[{"content":"the user owns a cat named Whiskers","thread_names":["Pets"]}],"new_threads":[{"name":"Pets","description":"facts about the user's pets"}]}`
	lib, atoms, threads := newHarness(t, response)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, lib.Buffer.Append(Exchange{SessionID: "s1", UserMessage: "I have a cat named Whiskers", AssistantMessage: "Nice!", Timestamp: now.Add(-time.Hour)}))

	result, err := lib.RunCycle(ctx, now)
	require.NoError(t, err)
	require.Equal(t, StatusOK, result.Status)
	require.Equal(t, 1, result.AtomsCreated)
	require.Len(t, result.NewAtomIDs, 1)

	a, err := atoms.Get(result.NewAtomIDs[0])
	require.NoError(t, err)
	require.Equal(t, "the user owns a cat named Whiskers", a.Content)
	require.WithinDuration(t, now.Add(-time.Hour), a.CreatedAt, time.Second)

	all, err := threads.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "Pets", all[0].Name)
	require.Equal(t, []string{a.ID}, all[0].MemoryIDs)

	pending, err := lib.Buffer.List()
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestRunCycleDedupsAgainstExistingAtom(t *testing.T) {
	response := `{"atomic_memories":[{"content":"the user prefers dark mode","thread_names":["Preferences"]}]}`
	lib, atoms, _ := newHarness(t, response)
	ctx := context.Background()

	_, err := atoms.Create(ctx, "the user prefers dark mode", "", "", nil)
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, lib.Buffer.Append(Exchange{SessionID: "s1", UserMessage: "dark mode please", AssistantMessage: "ok", Timestamp: now}))

	result, err := lib.RunCycle(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 0, result.AtomsCreated)
	require.Equal(t, 1, result.AtomsDeduped)
}

func TestRunCycleHonorsSkippedReason(t *testing.T) {
	response := `{"atomic_memories":[],"skipped_reason":"nothing noteworthy"}`
	lib, _, _ := newHarness(t, response)
	now := time.Now().UTC()
	require.NoError(t, lib.Buffer.Append(Exchange{SessionID: "s1", UserMessage: "ok", AssistantMessage: "ok", Timestamp: now}))

	result, err := lib.RunCycle(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, StatusOK, result.Status)
	require.Equal(t, 0, result.AtomsCreated)
}
