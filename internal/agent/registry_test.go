package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeAgent(t *testing.T, dir, name, configJSON string) {
	t.Helper()
	agentDir := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(agentDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(agentDir, configFileName), []byte(configJSON), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(agentDir, promptFileName), []byte("# "+name), 0o644))
}

func TestScanLoadsValidAgent(t *testing.T) {
	dir := t.TempDir()
	writeAgent(t, dir, "librarian", `{"model":"sonnet","tools":["bash","mcp:search/run"]}`)

	agents, errs := NewRegistry(dir).Scan()
	require.Empty(t, errs)
	require.Contains(t, agents, "librarian")
	require.Equal(t, "sonnet", agents["librarian"].Model)
}

func TestScanRejectsUnknownModel(t *testing.T) {
	dir := t.TempDir()
	writeAgent(t, dir, "bad-model", `{"model":"gpt-5"}`)

	agents, errs := NewRegistry(dir).Scan()
	require.NotEmpty(t, errs)
	require.NotContains(t, agents, "bad-model")
}

func TestScanRejectsForbiddenTool(t *testing.T) {
	dir := t.TempDir()
	writeAgent(t, dir, "spawner", `{"model":"opus","tools":["spawn"]}`)

	agents, errs := NewRegistry(dir).Scan()
	require.NotEmpty(t, errs)
	require.NotContains(t, agents, "spawner")
}

func TestScanRejectsUnknownNonMCPTool(t *testing.T) {
	dir := t.TempDir()
	writeAgent(t, dir, "unknown-tool", `{"model":"haiku","tools":["frobnicate"]}`)

	_, errs := NewRegistry(dir).Scan()
	require.NotEmpty(t, errs)
}

func TestScanRequiresPromptFile(t *testing.T) {
	dir := t.TempDir()
	agentDir := filepath.Join(dir, "no-prompt")
	require.NoError(t, os.MkdirAll(agentDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(agentDir, configFileName), []byte(`{"model":"sonnet"}`), 0o644))

	_, errs := NewRegistry(dir).Scan()
	require.NotEmpty(t, errs)
}

func TestScanSkipsOneBadAgentButKeepsOthers(t *testing.T) {
	dir := t.TempDir()
	writeAgent(t, dir, "good", `{"model":"sonnet"}`)
	writeAgent(t, dir, "bad", `{"model":"not-a-model"}`)

	agents, errs := NewRegistry(dir).Scan()
	require.Len(t, errs, 1)
	require.Contains(t, agents, "good")
	require.NotContains(t, agents, "bad")
}
