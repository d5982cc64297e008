package retrieval

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goclaw/internal/memory/atom"
	"github.com/nextlevelbuilder/goclaw/internal/memory/embedding"
	"github.com/nextlevelbuilder/goclaw/internal/memory/thread"
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

func newTestEngine(t *testing.T) (*Engine, *atom.Store, *thread.Store) {
	t.Helper()
	dir := t.TempDir()
	idx, err := embedding.New(dir, &fakeEncoder{dims: 8})
	require.NoError(t, err)
	atoms := atom.New(filepath.Join(dir, "atoms.json"), idx)
	threads := thread.New(filepath.Join(dir, "threads.json"), idx, atoms)
	return NewEngine(atoms, threads), atoms, threads
}

func TestEstimateTokensRoughlyFourCharsPerToken(t *testing.T) {
	require.Equal(t, 0, EstimateTokens(""))
	require.Equal(t, 1, EstimateTokens("abcd"))
	require.Equal(t, 2, EstimateTokens("abcde"))
}

func TestRecencyLabelBuckets(t *testing.T) {
	now := time.Date(2026, 7, 31, 15, 0, 0, 0, time.UTC)
	require.Equal(t, "Just now", RecencyLabel(now.Add(-1*time.Minute), now))
	require.Equal(t, "Earlier this morning", RecencyLabel(time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC), now))
	require.Equal(t, "Yesterday evening", RecencyLabel(time.Date(2026, 7, 30, 20, 0, 0, 0, time.UTC), now))
	require.Equal(t, "Last week", RecencyLabel(now.AddDate(0, 0, -3), now))
	require.Equal(t, "In December", RecencyLabel(time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC), time.Date(2027, 1, 5, 0, 0, 0, 0, time.UTC)))
}

func TestRetrieveSkipsThreadsBelowMinScore(t *testing.T) {
	eng, atoms, threads := newTestEngine(t)
	ctx := context.Background()

	a, err := atoms.Create(ctx, "completely unrelated filler content", "", "", nil)
	require.NoError(t, err)
	_, err = threads.Create(ctx, "random thread", "nothing to do with the query", []string{a.ID}, "", "", thread.TypeTopical)
	require.NoError(t, err)

	mc, err := eng.Retrieve(ctx, Params{Query: "xyzzy plugh quux", MinScore: 0.95})
	require.NoError(t, err)
	require.Empty(t, mc.SelectedThreads)
}

func TestRetrieveIncludesWholeMatchingThread(t *testing.T) {
	eng, atoms, threads := newTestEngine(t)
	ctx := context.Background()

	a1, err := atoms.Create(ctx, "the user prefers dark mode", "", "", nil)
	require.NoError(t, err)
	a2, err := atoms.Create(ctx, "the user prefers dark mode everywhere", "", "", nil)
	require.NoError(t, err)
	th, err := threads.Create(ctx, "preferences", "the user prefers dark mode", []string{a1.ID, a2.ID}, "", "", thread.TypeTopical)
	require.NoError(t, err)

	mc, err := eng.Retrieve(ctx, Params{Query: "the user prefers dark mode", MinScore: 0.5})
	require.NoError(t, err)
	require.Len(t, mc.SelectedThreads, 1)
	require.Equal(t, th.ID, mc.SelectedThreads[0].Thread.ID)
	require.Len(t, mc.SelectedThreads[0].Atoms, 2)
	require.NotEmpty(t, mc.FormattedBlock)
}

func TestRetrieveExcludesCurrentSessionAtomsWithoutCompactionBoundary(t *testing.T) {
	eng, atoms, threads := newTestEngine(t)
	ctx := context.Background()

	a, err := atoms.Create(ctx, "the user prefers dark mode", "chatX", "chatX", nil)
	require.NoError(t, err)
	_, err = threads.Create(ctx, "preferences", "the user prefers dark mode", []string{a.ID}, "", "", thread.TypeTopical)
	require.NoError(t, err)

	mc, err := eng.Retrieve(ctx, Params{Query: "the user prefers dark mode", MinScore: 0.5, ExcludeSessionID: "chatX"})
	require.NoError(t, err)
	require.Empty(t, mc.SelectedThreads)
}

func TestRetrieveIncludesCompactedSessionAtoms(t *testing.T) {
	eng, atoms, threads := newTestEngine(t)
	ctx := context.Background()

	a, err := atoms.Create(ctx, "the user prefers dark mode", "chatX", "chatX", nil)
	require.NoError(t, err)
	cutoff := a.CreatedAt.Add(time.Hour)
	_, err = threads.Create(ctx, "preferences", "the user prefers dark mode", []string{a.ID}, "", "", thread.TypeTopical)
	require.NoError(t, err)

	mc, err := eng.Retrieve(ctx, Params{
		Query: "the user prefers dark mode", MinScore: 0.5,
		ExcludeSessionID: "chatX", SessionUncompactedAfter: &cutoff,
	})
	require.NoError(t, err)
	require.Len(t, mc.SelectedThreads, 1)
}

func TestRetrieveBudgetSmallerThanSmallestThreadReturnsEmpty(t *testing.T) {
	eng, atoms, threads := newTestEngine(t)
	ctx := context.Background()

	a, err := atoms.Create(ctx, "the user prefers dark mode across every single application on every device they own", "", "", nil)
	require.NoError(t, err)
	_, err = threads.Create(ctx, "preferences", "the user prefers dark mode", []string{a.ID}, "", "", thread.TypeTopical)
	require.NoError(t, err)

	mc, err := eng.Retrieve(ctx, Params{Query: "the user prefers dark mode", MinScore: 0.5, Budget: 1})
	require.NoError(t, err)
	require.Empty(t, mc.SelectedThreads)
}

func TestBuildRecentMemoryBlockExcludesCurrentRoomAndOldThreads(t *testing.T) {
	eng, atoms, threads := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a1, err := atoms.Create(ctx, "said hello", "", "", nil)
	require.NoError(t, err)
	recentRoom, err := threads.Create(ctx, "room chat", "conversation", []string{a1.ID}, thread.RoomScope("other"), "", thread.TypeConversation)
	require.NoError(t, err)

	a2, err := atoms.Create(ctx, "current room message", "", "", nil)
	require.NoError(t, err)
	currentRoom, err := threads.Create(ctx, "current room", "conversation", []string{a2.ID}, thread.RoomScope("current"), "", thread.TypeConversation)
	require.NoError(t, err)

	a3, err := atoms.Create(ctx, "ancient message", "", "", nil)
	require.NoError(t, err)
	oldRoom, err := threads.Create(ctx, "stale room", "conversation", []string{a3.ID}, thread.RoomScope("stale"), "", thread.TypeConversation)
	require.NoError(t, err)

	allThreads, err := threads.List()
	require.NoError(t, err)
	// Force the stale room's LastUpdated far in the past.
	for i, tt := range allThreads {
		if tt.ID == oldRoom.ID {
			allThreads[i].LastUpdated = now.Add(-72 * time.Hour)
		}
	}

	result, err := eng.BuildRecentMemoryBlock(allThreads, RecentBlockParams{
		Now:                 now,
		CurrentRoomThreadID: currentRoom.ID,
	})
	require.NoError(t, err)
	require.True(t, result.IncludedThreadIDs[recentRoom.ID])
	require.False(t, result.IncludedThreadIDs[currentRoom.ID])
	require.False(t, result.IncludedThreadIDs[oldRoom.ID])
}

func TestRewriteQueryFallsBackWithoutProvider(t *testing.T) {
	queries := RewriteQuery(context.Background(), nil, "hello world", nil)
	require.Len(t, queries, 1)
	require.Equal(t, "hello world", queries[0].Text)
	require.Equal(t, 1.0, queries[0].Weight)
}
