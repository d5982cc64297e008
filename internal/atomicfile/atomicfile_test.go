package atomicfile

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.json")
	want := sample{Name: "atom-1", Count: 3}

	require.NoError(t, Save(path, want))

	var got sample
	require.NoError(t, Load(path, &got))
	require.Equal(t, want, got)
}

func TestLoadMissingFileLeavesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	got := sample{Name: "default"}
	require.NoError(t, Load(path, &got))
	require.Equal(t, "default", got.Name)
}

func TestLoadCorruptFileLeavesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	got := sample{Name: "default"}
	err := Load(path, &got)
	require.NoError(t, err)
	require.Equal(t, "default", got.Name)
}

func TestConcurrentSavesSerialize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter.json")
	require.NoError(t, Save(path, sample{Count: 0}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := Update(path, sample{}, func(cur sample) (sample, error) {
				cur.Count++
				return cur, nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	var got sample
	require.NoError(t, Load(path, &got))
	require.Equal(t, 20, got.Count)
}
