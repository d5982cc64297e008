package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goclaw/internal/process"
)

const fakeSubprocessScript = `#!/bin/sh
cat <<'EOF'
{"type":"SystemMessage","subtype":"init","session_id":"s1"}
{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello "}}
{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"world"}}
{"type":"ResultMessage","session_id":"s1","num_turns":1}
EOF
`

const fakeFailingScript = `#!/bin/sh
echo '{"type":"ResultMessage","is_error":true,"error":"boom"}'
`

func writeFakeScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-agent-sdk.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func newTestInvoker(t *testing.T, scriptBody string) (*Invoker, string) {
	t.Helper()
	base := t.TempDir()
	agentsDir := filepath.Join(base, "agents")
	writeAgent(t, agentsDir, "worker", `{"model":"sonnet"}`)

	script := writeFakeScript(t, base, scriptBody)
	registry := NewRegistry(agentsDir)
	processes := process.New(filepath.Join(base, "registry.json"))
	execLog := process.NewExecutionLog(filepath.Join(base, "exec.json"))

	inv := NewInvoker(registry, processes, execLog, nil, base, WithCommand(script), WithTimeout(5*time.Second))
	return inv, base
}

func TestInvokeAgentForegroundReturnsCollectedResponse(t *testing.T) {
	inv, _ := newTestInvoker(t, fakeSubprocessScript)

	result, err := inv.InvokeAgent(context.Background(), "worker", "do the thing", ModeForeground, "", "", "")
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, result.Status)
	require.Equal(t, "hello world", result.Response)
}

func TestInvokeAgentUnknownNameReturnsNotFound(t *testing.T) {
	inv, _ := newTestInvoker(t, fakeSubprocessScript)

	_, err := inv.InvokeAgent(context.Background(), "ghost", "hi", ModeForeground, "", "", "")
	require.Error(t, err)
}

func TestInvokeAgentSurfacesResultMessageError(t *testing.T) {
	inv, _ := newTestInvoker(t, fakeFailingScript)

	result, err := inv.InvokeAgent(context.Background(), "worker", "do the thing", ModeForeground, "", "", "")
	require.Error(t, err)
	require.Equal(t, StatusError, result.Status)
	require.Equal(t, "boom", result.Error)
}

func TestInvokeAgentRejectsUnknownModelOverride(t *testing.T) {
	inv, _ := newTestInvoker(t, fakeSubprocessScript)

	_, err := inv.InvokeAgent(context.Background(), "worker", "hi", ModeForeground, "", "gpt-5", "")
	require.Error(t, err)
}

type fakeNotifier struct {
	notified chan Result
}

func (f *fakeNotifier) NotifyPing(_ string, result Result) error {
	f.notified <- result
	return nil
}

func TestInvokeAgentPingModeNotifiesOnCompletion(t *testing.T) {
	inv, _ := newTestInvoker(t, fakeSubprocessScript)
	notifier := &fakeNotifier{notified: make(chan Result, 1)}
	inv.notifier = notifier

	_, err := inv.InvokeAgent(context.Background(), "worker", "hi", ModePing, "chat-1", "", "")
	require.NoError(t, err)

	select {
	case result := <-notifier.notified:
		require.Equal(t, StatusSuccess, result.Status)
		require.Equal(t, "hello world", result.Response)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ping notification")
	}
}
