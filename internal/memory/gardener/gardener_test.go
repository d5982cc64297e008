package gardener

import (
	"context"
	"path/filepath"
	"testing"

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

func newHarness(t *testing.T, response string) (*Gardener, *atom.Store, *thread.Store) {
	t.Helper()
	dir := t.TempDir()
	idx, err := embedding.New(dir, &fakeEncoder{dims: 8})
	require.NoError(t, err)
	atoms := atom.New(filepath.Join(dir, "atoms.json"), idx)
	threads := thread.New(filepath.Join(dir, "threads.json"), idx, atoms)
	return New(atoms, threads, &fakeProvider{response: response}), atoms, threads
}

func TestRunAssignsAtomToExistingThread(t *testing.T) {
	ctx := context.Background()
	g, atoms, threads := newHarness(t, "")
	a, err := atoms.Create(ctx, "the user likes espresso", "", "", nil)
	require.NoError(t, err)
	th, err := threads.Create(ctx, "Coffee", "facts about coffee preferences", nil, "", "", thread.TypeTopical)
	require.NoError(t, err)

	g.Provider = &fakeProvider{response: `{"decisions":[{"atom_id":"` + a.ID + `","action":"assign","thread_name":"Coffee","confidence":"high"}]}`}

	stats, err := g.Run(ctx, []string{a.ID}, false)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Assigned)

	got, err := threads.Get(th.ID)
	require.NoError(t, err)
	require.Equal(t, []string{a.ID}, got.MemoryIDs)

	gotAtom, err := atoms.Get(a.ID)
	require.NoError(t, err)
	require.Equal(t, atom.ConfidenceHigh, gotAtom.AssignmentConfidence[th.ID])
}

func TestRunCreateAndAssignMakesNewThread(t *testing.T) {
	ctx := context.Background()
	g, atoms, threads := newHarness(t, "")
	a, err := atoms.Create(ctx, "the user enjoys hiking", "", "", nil)
	require.NoError(t, err)

	g.Provider = &fakeProvider{response: `{"decisions":[{"atom_id":"` + a.ID + `","action":"create_and_assign","new_thread_name":"Hobbies"}]}`}

	stats, err := g.Run(ctx, []string{a.ID}, false)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Created)
	require.Equal(t, 1, stats.Assigned)

	all, err := threads.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "Hobbies", all[0].Name)
}

func TestRunAssignBlockedBySizeCapIsRecorded(t *testing.T) {
	ctx := context.Background()
	g, atoms, threads := newHarness(t, "")
	a, err := atoms.Create(ctx, "one more fact", "", "", nil)
	require.NoError(t, err)

	ids := make([]string, thread.HardCap)
	for i := range ids {
		ids[i] = "filler"
	}
	th, err := threads.Create(ctx, "Full", "a thread at capacity", ids, "", "", thread.TypeTopical)
	require.NoError(t, err)

	g.Provider = &fakeProvider{response: `{"decisions":[{"atom_id":"` + a.ID + `","action":"assign","thread_name":"Full"}]}`}
	stats, err := g.Run(ctx, []string{a.ID}, false)
	require.NoError(t, err)
	require.Equal(t, 1, stats.BlockedBySize)
	require.Equal(t, 0, stats.Assigned)

	got, err := threads.Get(th.ID)
	require.NoError(t, err)
	require.Len(t, got.MemoryIDs, thread.HardCap)
}

func TestRunSupersedeReplacesContent(t *testing.T) {
	ctx := context.Background()
	g, atoms, _ := newHarness(t, "")
	a, err := atoms.Create(ctx, "the user lives in Austin", "", "", nil)
	require.NoError(t, err)

	g.Provider = &fakeProvider{response: `{"decisions":[{"atom_id":"` + a.ID + `","action":"supersede","supersede_content":"the user now lives in Denver","supersede_reason":"moved"}]}`}
	stats, err := g.Run(ctx, []string{a.ID}, false)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Superseded)

	got, err := atoms.Get(a.ID)
	require.NoError(t, err)
	require.Equal(t, "the user now lives in Denver", got.Content)
	require.Len(t, got.PreviousVersions, 1)
}

func TestRunSkipIsNoOp(t *testing.T) {
	ctx := context.Background()
	g, atoms, _ := newHarness(t, "")
	a, err := atoms.Create(ctx, "ambiguous fact", "", "", nil)
	require.NoError(t, err)

	g.Provider = &fakeProvider{response: `{"decisions":[{"atom_id":"` + a.ID + `","action":"skip","skip_reason":"not enough context"}]}`}
	stats, err := g.Run(ctx, []string{a.ID}, false)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Skipped)
}

func TestRunMaintenanceRefusesConversationThreadMerge(t *testing.T) {
	ctx := context.Background()
	g, atoms, threads := newHarness(t, "")
	a, err := atoms.Create(ctx, "atom", "", "", nil)
	require.NoError(t, err)
	t1, err := threads.Create(ctx, "topical", "d", []string{a.ID}, "", "", thread.TypeTopical)
	require.NoError(t, err)
	convo, err := threads.Create(ctx, "convo", "d", nil, thread.RoomScope("r"), "", thread.TypeConversation)
	require.NoError(t, err)

	g.Provider = &fakeProvider{response: `{"thread_maintenance":[{"action":"merge","thread_ids":["` + t1.ID + `","` + convo.ID + `"],"new_name":"merged"}]}`}
	stats, err := g.Run(ctx, []string{a.ID}, false)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Merged)
	require.NotEmpty(t, stats.Errors)
}

func TestRunIncludesTriageQueue(t *testing.T) {
	ctx := context.Background()
	g, atoms, _ := newHarness(t, "")
	a, err := atoms.Create(ctx, "low confidence atom", "", "", nil)
	require.NoError(t, err)
	require.NoError(t, atoms.SetThreadConfidence(a.ID, "some-thread", atom.ConfidenceLow))

	g.Provider = &fakeProvider{response: `{"decisions":[{"atom_id":"` + a.ID + `","action":"skip"}]}`}
	stats, err := g.Run(ctx, nil, true)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Skipped)
}
