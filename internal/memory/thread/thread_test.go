package thread

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goclaw/internal/apperr"
	"github.com/nextlevelbuilder/goclaw/internal/memory/atom"
	"github.com/nextlevelbuilder/goclaw/internal/memory/embedding"
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

func newTestStores(t *testing.T) (*Store, *atom.Store) {
	t.Helper()
	dir := t.TempDir()
	idx, err := embedding.New(dir, &fakeEncoder{dims: 8})
	require.NoError(t, err)
	atoms := atom.New(filepath.Join(dir, "atoms.json"), idx)
	threads := New(filepath.Join(dir, "threads.json"), idx, atoms)
	return threads, atoms
}

func TestCreateGetThread(t *testing.T) {
	threads, _ := newTestStores(t)
	ctx := context.Background()

	th, err := threads.Create(ctx, "Go tips", "things learned about Go", nil, "", "", TypeTopical)
	require.NoError(t, err)
	require.NotEmpty(t, th.ID)
	require.NotEmpty(t, th.EmbeddingID)

	got, err := threads.Get(th.ID)
	require.NoError(t, err)
	require.Equal(t, "Go tips", got.Name)
}

func TestConversationThreadScopedByRoom(t *testing.T) {
	threads, _ := newTestStores(t)
	ctx := context.Background()

	_, err := threads.Create(ctx, "room chat", "conversation for room 42", nil, RoomScope("42"), "", TypeConversation)
	require.NoError(t, err)

	found, err := threads.GetConversationThreadForRoom("42")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, TypeConversation, found.ThreadType)

	missing, err := threads.GetConversationThreadForRoom("99")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestCanAssignToThreadRespectsCaps(t *testing.T) {
	threads, _ := newTestStores(t)
	ctx := context.Background()

	ids := make([]string, HardCap)
	for i := range ids {
		ids[i] = "atom-id"
	}
	th, err := threads.Create(ctx, "big thread", "desc", ids[:SoftCap], "", "", TypeTopical)
	require.NoError(t, err)
	ok, reason := threads.CanAssignToThread(th.ID)
	require.True(t, ok)
	require.NotEmpty(t, reason)

	th2, err := threads.Create(ctx, "full thread", "desc", ids, "", "", TypeTopical)
	require.NoError(t, err)
	ok, reason = threads.CanAssignToThread(th2.ID)
	require.False(t, ok)
	require.NotEmpty(t, reason)

	convo, err := threads.Create(ctx, "convo", "desc", nil, RoomScope("x"), "", TypeConversation)
	require.NoError(t, err)
	ok, _ = threads.CanAssignToThread(convo.ID)
	require.False(t, ok)
}

func TestAddMemoryToThreadIsIdempotent(t *testing.T) {
	threads, _ := newTestStores(t)
	ctx := context.Background()
	th, err := threads.Create(ctx, "thread", "desc", nil, "", "", TypeTopical)
	require.NoError(t, err)

	require.NoError(t, threads.AddMemoryToThread(th.ID, "atom-1"))
	require.NoError(t, threads.AddMemoryToThread(th.ID, "atom-1"))

	got, err := threads.Get(th.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"atom-1"}, got.MemoryIDs)
}

func TestSplitThreadMovesAtomsAndRecordsLineage(t *testing.T) {
	threads, atoms := newTestStores(t)
	ctx := context.Background()

	a1, err := atoms.Create(ctx, "fact one", "", "", nil)
	require.NoError(t, err)
	a2, err := atoms.Create(ctx, "fact two", "", "", nil)
	require.NoError(t, err)

	source, err := threads.Create(ctx, "mixed thread", "desc", []string{a1.ID, a2.ID}, "", "", TypeTopical)
	require.NoError(t, err)
	require.NoError(t, atoms.SetThreadConfidence(a1.ID, source.ID, atom.ConfidenceHigh))
	require.NoError(t, atoms.SetThreadConfidence(a2.ID, source.ID, atom.ConfidenceHigh))

	children, err := threads.SplitThread(ctx, source.ID, []SplitSpec{
		{Name: "child one", Description: "d1", AtomIDs: []string{a1.ID}},
		{Name: "child two", Description: "d2", AtomIDs: []string{a2.ID}},
	}, true)
	require.NoError(t, err)
	require.Len(t, children, 2)

	_, err = threads.Get(source.ID)
	require.Error(t, err)
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	child1, err := threads.Get(children[0].ID)
	require.NoError(t, err)
	require.Equal(t, source.ID, child1.SplitFrom)
	require.Equal(t, []string{a1.ID}, child1.MemoryIDs)
}

func TestSplitThreadRejectsAtomNotInSource(t *testing.T) {
	threads, atoms := newTestStores(t)
	ctx := context.Background()

	a1, err := atoms.Create(ctx, "fact one", "", "", nil)
	require.NoError(t, err)
	stray, err := atoms.Create(ctx, "not in source", "", "", nil)
	require.NoError(t, err)

	source, err := threads.Create(ctx, "thread", "desc", []string{a1.ID}, "", "", TypeTopical)
	require.NoError(t, err)

	_, err = threads.SplitThread(ctx, source.ID, []SplitSpec{
		{Name: "child", Description: "d", AtomIDs: []string{stray.ID}},
	}, false)
	require.Error(t, err)
	require.Equal(t, apperr.KindInvalid, apperr.KindOf(err))

	still, err := threads.Get(source.ID)
	require.NoError(t, err)
	require.Equal(t, []string{a1.ID}, still.MemoryIDs)
}

func TestMergeCombinesAtomsAndDeletesSources(t *testing.T) {
	threads, atoms := newTestStores(t)
	ctx := context.Background()

	a1, err := atoms.Create(ctx, "fact one", "", "", nil)
	require.NoError(t, err)
	a2, err := atoms.Create(ctx, "fact two", "", "", nil)
	require.NoError(t, err)

	t1, err := threads.Create(ctx, "thread one", "d", []string{a1.ID}, "", "", TypeTopical)
	require.NoError(t, err)
	t2, err := threads.Create(ctx, "thread two", "d", []string{a2.ID}, "", "", TypeTopical)
	require.NoError(t, err)

	merged, err := threads.Merge(ctx, "combined", "merged desc", []string{t1.ID, t2.ID})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{a1.ID, a2.ID}, merged.MemoryIDs)

	_, err = threads.Get(t1.ID)
	require.Error(t, err)
	_, err = threads.Get(t2.ID)
	require.Error(t, err)
}

func TestMergeRejectsConversationThread(t *testing.T) {
	threads, _ := newTestStores(t)
	ctx := context.Background()

	t1, err := threads.Create(ctx, "topical", "d", nil, "", "", TypeTopical)
	require.NoError(t, err)
	convo, err := threads.Create(ctx, "convo", "d", nil, RoomScope("r"), "", TypeConversation)
	require.NoError(t, err)

	_, err = threads.Merge(ctx, "x", "y", []string{t1.ID, convo.ID})
	require.Error(t, err)
	require.Equal(t, apperr.KindInvalid, apperr.KindOf(err))
}
