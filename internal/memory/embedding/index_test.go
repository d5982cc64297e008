package embedding

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeEncoder struct{ dims int }

func (f *fakeEncoder) Dimensions() int { return f.dims }

// Encode produces a deterministic pseudo-embedding from the text so tests
// are reproducible without a real model.
func (f *fakeEncoder) Encode(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, f.dims)
	for i, r := range text {
		v[i%f.dims] += float32(r%97) + 1
	}
	return v, nil
}

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := New(t.TempDir(), &fakeEncoder{dims: 8})
	require.NoError(t, err)
	return ix
}

func TestEmbedVectorsAreUnitLength(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	_, err := ix.Embed(ctx, "hello world", nil, "")
	require.NoError(t, err)

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	require.Len(t, ix.vectors, 1)
	var sumSq float64
	for _, x := range ix.vectors[0] {
		sumSq += float64(x) * float64(x)
	}
	require.InDelta(t, 1.0, sumSq, 1e-6)
}

func TestEmbedDeleteReembedCacheHitSameVector(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	id1, err := ix.Embed(ctx, "remember the milk", nil, ContentMemory)
	require.NoError(t, err)

	ix.mu.RLock()
	first := append([]float32(nil), ix.vectors[0]...)
	ix.mu.RUnlock()

	require.NoError(t, ix.DeleteByID(id1))
	require.Equal(t, 0, ix.Size())

	_, err = ix.Embed(ctx, "remember the milk", nil, ContentMemory)
	require.NoError(t, err)

	ix.mu.RLock()
	second := ix.vectors[0]
	ix.mu.RUnlock()

	require.Equal(t, first, second)
}

func TestRetrieveFiltersByThresholdAndContentType(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	ct := ContentMemory
	_, err := ix.Embed(ctx, "apples and oranges", map[string]any{"memory_id": "a1"}, ContentMemory)
	require.NoError(t, err)
	_, err = ix.Embed(ctx, "apples and oranges", map[string]any{"thread_id": "t1"}, ContentThread)
	require.NoError(t, err)

	matches, err := ix.Retrieve(ctx, "apples and oranges", 5, 0.99, &ct)
	require.NoError(t, err)
	for _, m := range matches {
		require.Equal(t, ContentMemory, m.Entry.ContentType)
	}
}

func TestClearDropsCacheAndEntries(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()
	_, err := ix.Embed(ctx, "something", nil, "")
	require.NoError(t, err)
	require.NoError(t, ix.Clear())
	require.Equal(t, 0, ix.Size())

	entries, err := filepathGlob(t, ix.cacheDir())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func filepathGlob(t *testing.T, dir string) ([]string, error) {
	t.Helper()
	return filepath.Glob(filepath.Join(dir, "*.vec"))
}
