package process

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterThenDeregister(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "registry.json"))
	id, err := r.Register("librarian", "ingest batch", nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	entries, err := r.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "librarian", entries[0].Agent)

	require.NoError(t, r.Deregister(id))
	entries, err = r.List()
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRegisterDisambiguatesDuplicateAgentNames(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "registry.json"))
	_, err := r.Register("gardener", "a", nil)
	require.NoError(t, err)
	_, err = r.Register("gardener", "b", nil)
	require.NoError(t, err)
	_, err = r.Register("gardener", "c", nil)
	require.NoError(t, err)

	entries, err := r.List()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Agent] = true
	}
	require.True(t, names["gardener"])
	require.True(t, names["gardener_1"])
	require.True(t, names["gardener_2"])
}

func TestListPrunesDeadPidsButKeepsManagedEntries(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "registry.json"))

	deadPid := 999999 // vanishingly unlikely to be a live pid in any test sandbox
	_, err := r.Register("worker", "dead", &deadPid)
	require.NoError(t, err)

	_, err = r.Register("worker", "managed", nil)
	require.NoError(t, err)

	entries, err := r.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Nil(t, entries[0].PID)
}

func TestListKeepsLiveOwnPid(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "registry.json"))
	pid := os.Getpid()
	_, err := r.Register("self", "alive", &pid)
	require.NoError(t, err)

	entries, err := r.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestExecutionLogAppendAndCap(t *testing.T) {
	log := NewExecutionLog(filepath.Join(t.TempDir(), "exec.json"))
	for i := 0; i < MaxExecutionLogEntries+10; i++ {
		require.NoError(t, log.Append(Entry{ID: "x", Agent: "a"}, map[string]string{"status": "success"}))
	}
	entries, err := log.List()
	require.NoError(t, err)
	require.Len(t, entries, MaxExecutionLogEntries)
}
