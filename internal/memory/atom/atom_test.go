package atom

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goclaw/internal/apperr"
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

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	idx, err := embedding.New(dir, &fakeEncoder{dims: 8})
	require.NoError(t, err)
	return New(filepath.Join(dir, "atoms.json"), idx)
}

func TestCreateGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Create(ctx, "the sky is blue", "exch-1", "sess-1", []string{"weather"})
	require.NoError(t, err)
	require.NotEmpty(t, a.ID)
	require.NotEmpty(t, a.EmbeddingID)

	got, err := s.Get(a.ID)
	require.NoError(t, err)
	require.Equal(t, a.Content, got.Content)
	require.Equal(t, []string{"weather"}, got.Tags)
}

func TestCreateRejectsEmptyContent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(context.Background(), "", "", "", nil)
	require.Error(t, err)
	require.Equal(t, apperr.KindInvalid, apperr.KindOf(err))
}

func TestUpdateContentPushesPreviousVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Create(ctx, "v1 content", "", "", nil)
	require.NoError(t, err)
	oldEmbID := a.EmbeddingID

	newContent := "v2 content"
	updated, err := s.Update(ctx, a.ID, UpdateOpts{Content: &newContent, SupersededReason: "corrected"})
	require.NoError(t, err)

	require.Equal(t, "v2 content", updated.Content)
	require.Len(t, updated.PreviousVersions, 1)
	require.Equal(t, "v1 content", updated.PreviousVersions[0].Content)
	require.Equal(t, "corrected", updated.PreviousVersions[0].SupersededReason)
	require.NotEqual(t, oldEmbID, updated.EmbeddingID)
}

func TestUpdateWithoutContentChangeLeavesHistoryAlone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, err := s.Create(ctx, "stable content", "", "", nil)
	require.NoError(t, err)

	tags := []string{"new-tag"}
	updated, err := s.Update(ctx, a.ID, UpdateOpts{Tags: tags})
	require.NoError(t, err)
	require.Empty(t, updated.PreviousVersions)
	require.Equal(t, tags, updated.Tags)
}

func TestDeleteRemovesAtomAndEmbedding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, err := s.Create(ctx, "to be deleted", "", "", nil)
	require.NoError(t, err)

	require.NoError(t, s.Delete(a.ID))
	_, err = s.Get(a.ID)
	require.Error(t, err)
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	require.Equal(t, 0, s.index.Size())
}

func TestThreadConfidenceSetAndRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, err := s.Create(ctx, "assigned fact", "", "", nil)
	require.NoError(t, err)

	require.NoError(t, s.SetThreadConfidence(a.ID, "thread-1", ConfidenceLow))
	got, err := s.Get(a.ID)
	require.NoError(t, err)
	require.Equal(t, ConfidenceLow, got.AssignmentConfidence["thread-1"])

	low, err := s.GetLowConfidenceAtoms()
	require.NoError(t, err)
	require.Len(t, low, 1)
	require.Equal(t, a.ID, low[0].ID)

	require.NoError(t, s.RemoveThreadConfidence(a.ID, "thread-1"))
	got, err = s.Get(a.ID)
	require.NoError(t, err)
	_, ok := got.AssignmentConfidence["thread-1"]
	require.False(t, ok)
}

func TestFindSimilarReturnsNilBelowThreshold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, "completely unrelated sentence", "", "", nil)
	require.NoError(t, err)

	match, err := s.FindSimilar(ctx, "totally different words entirely", 0.999)
	require.NoError(t, err)
	require.Nil(t, match)
}

func TestFindSimilarMatchesIdenticalContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, err := s.Create(ctx, "the user prefers dark mode", "", "", nil)
	require.NoError(t, err)

	match, err := s.FindSimilar(ctx, "the user prefers dark mode", 0.88)
	require.NoError(t, err)
	require.NotNil(t, match)
	require.Equal(t, a.ID, match.ID)
}

func TestRecentFirstOrdersNewestFirstAndLimits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a1, err := s.Create(ctx, "first", "", "", nil)
	require.NoError(t, err)
	a2, err := s.Create(ctx, "second", "", "", nil)
	require.NoError(t, err)
	a2.CreatedAt = a1.CreatedAt.Add(1)

	sorted := RecentFirst([]Atom{a1, a2}, 1)
	require.Len(t, sorted, 1)
	require.Equal(t, a2.ID, sorted[0].ID)
}
