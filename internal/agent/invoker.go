package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/agentsdk"
	"github.com/nextlevelbuilder/goclaw/internal/apperr"
	"github.com/nextlevelbuilder/goclaw/internal/process"
)

// Mode selects how an invocation's caller waits for (or ignores) its result.
type Mode string

const (
	ModeForeground Mode = "foreground"
	ModePing       Mode = "ping"
	ModeTrust      Mode = "trust"
	ModeScheduled  Mode = "scheduled"
)

// Status is an invocation's terminal outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Result is the outcome of one invoke_agent call.
type Result struct {
	Agent       string    `json:"agent"`
	Status      Status    `json:"status"`
	Response    string    `json:"response,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Error       string    `json:"error,omitempty"`
}

// PendingNotifier delivers a ping-mode invocation's result to the chat that
// requested it once the work completes, surfaced to the primary agent as a
// notification it must acknowledge on its next turn.
type PendingNotifier interface {
	NotifyPing(sourceChatID string, result Result) error
}

// DefaultTimeout bounds a single invocation before it is killed and
// reported as a timeout.
const DefaultTimeout = 180 * time.Second

// DefaultCommand is the Agent SDK subprocess binary invoked for each
// invocation; override via InvokerOption for testing or alternate builds.
const DefaultCommand = "claude"

// Invoker runs named agents from a Registry through the Agent SDK
// subprocess, bookkeeping each run through the process registry and
// execution log.
type Invoker struct {
	registry    *Registry
	processes   *process.Registry
	execLog     *process.ExecutionLog
	notifier    PendingNotifier
	command     string
	timeout     time.Duration
	runDir      string // scratch directory for isolated per-invocation config dirs
}

type InvokerOption func(*Invoker)

func WithCommand(cmd string) InvokerOption { return func(i *Invoker) { i.command = cmd } }
func WithTimeout(d time.Duration) InvokerOption {
	return func(i *Invoker) { i.timeout = d }
}

func NewInvoker(registry *Registry, processes *process.Registry, execLog *process.ExecutionLog, notifier PendingNotifier, runDir string, opts ...InvokerOption) *Invoker {
	inv := &Invoker{
		registry:  registry,
		processes: processes,
		execLog:   execLog,
		notifier:  notifier,
		command:   DefaultCommand,
		timeout:   DefaultTimeout,
		runDir:    runDir,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// InvokeAgent dispatches to name per mode. foreground blocks for the result;
// ping/trust/scheduled launch the run in the background and return a
// Result with Status left empty (the caller should not inspect it — the
// real result arrives later via notification, for ping, or only in the
// execution log, for trust/scheduled).
func (inv *Invoker) InvokeAgent(ctx context.Context, name, prompt string, mode Mode, sourceChatID, modelOverride, project string) (Result, error) {
	agents, errs := inv.registry.Scan()
	cfg, ok := agents[name]
	if !ok {
		if len(errs) > 0 {
			return Result{}, apperr.Wrap(apperr.KindNotFound, "agent.Invoker.InvokeAgent", "agent "+name+" not found or invalid", errs[0])
		}
		return Result{}, apperr.NotFound("agent.Invoker.InvokeAgent", "agent "+name+" not found")
	}
	if modelOverride != "" {
		if !AllowedModels[modelOverride] {
			return Result{}, apperr.Invalid("agent.Invoker.InvokeAgent", "unknown model override "+modelOverride)
		}
		cfg.Model = modelOverride
	}
	if project != "" {
		cfg.Project = project
	}

	if mode == ModeForeground {
		return inv.run(ctx, cfg, prompt)
	}

	go func() {
		bgCtx := context.Background()
		result, err := inv.run(bgCtx, cfg, prompt)
		if err != nil && result.Status == "" {
			result = Result{Agent: name, Status: StatusError, Error: err.Error(), StartedAt: time.Now().UTC(), CompletedAt: time.Now().UTC()}
		}
		if mode == ModePing && inv.notifier != nil && sourceChatID != "" {
			_ = inv.notifier.NotifyPing(sourceChatID, result)
		}
	}()
	return Result{Agent: name}, nil
}

// run performs one synchronous invocation: process registration, isolated
// config dir setup (when applicable), subprocess spawn, event consumption,
// execution logging, and process deregistration — in that order, with
// deregistration and cleanup always running via defer regardless of outcome.
func (inv *Invoker) run(ctx context.Context, cfg Config, prompt string) (Result, error) {
	started := time.Now().UTC()
	result := Result{Agent: cfg.Name, StartedAt: started}

	regID, err := inv.processes.Register(cfg.Name, truncateForLog(prompt), nil)
	if err != nil {
		return result, err
	}
	defer func() { _ = inv.processes.Deregister(regID) }()

	workDir := cfg.Dir
	if cfg.SkillAccess && hasProjectConfig(cfg) {
		dir, cleanup, err := inv.buildIsolatedConfigDir(cfg, regID)
		if err != nil {
			return result, err
		}
		defer cleanup()
		workDir = dir
	}

	runCtx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, inv.command, "--print", "--output-format", "stream-json", "--model", cfg.Model, prompt)
	cmd.Dir = workDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return inv.finish(result, cfg, StatusError, "", err.Error())
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return inv.finish(result, cfg, StatusError, "", err.Error())
	}

	var response strings.Builder
	handler := &collectingHandler{response: &response}
	consumeErr := agentsdk.Consume(stdout, handler)
	waitErr := cmd.Wait()

	switch {
	case runCtx.Err() != nil:
		return inv.finish(result, cfg, StatusTimeout, response.String(), "invocation exceeded timeout")
	case waitErr != nil:
		return inv.finish(result, cfg, StatusError, response.String(), fmt.Sprintf("%v: %s", waitErr, stderr.String()))
	case consumeErr != nil:
		return inv.finish(result, cfg, StatusError, response.String(), consumeErr.Error())
	case handler.resultMsg.IsError:
		return inv.finish(result, cfg, StatusError, response.String(), handler.resultMsg.Error)
	default:
		return inv.finish(result, cfg, StatusSuccess, response.String(), "")
	}
}

func (inv *Invoker) finish(result Result, cfg Config, status Status, response, errMsg string) (Result, error) {
	result.Status = status
	result.Response = response
	result.Error = errMsg
	result.CompletedAt = time.Now().UTC()

	logErr := inv.execLog.Append(process.Entry{Agent: cfg.Name, Started: result.StartedAt}, result)

	var err error
	if status != StatusSuccess {
		err = apperr.New(apperr.KindExternal, "agent.Invoker.run", errMsg)
	}
	if logErr != nil && err == nil {
		err = logErr
	}
	return result, err
}

// collectingHandler accumulates streamed text into a single final response.
type collectingHandler struct {
	response  *strings.Builder
	resultMsg agentsdk.ResultMessage
}

func (h *collectingHandler) OnContentDelta(_ int, kind agentsdk.DeltaType, text string) {
	if kind == agentsdk.DeltaText {
		h.response.WriteString(text)
	}
}
func (h *collectingHandler) OnToolUse(agentsdk.ToolUseBlock)       {}
func (h *collectingHandler) OnToolResult(agentsdk.ToolResultBlock) {}
func (h *collectingHandler) OnSessionInit(string)                  {}
func (h *collectingHandler) OnResult(r agentsdk.ResultMessage)     { h.resultMsg = r }

func truncateForLog(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

func hasProjectConfig(cfg Config) bool {
	if cfg.Project == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(cfg.Dir, "project.json"))
	return err == nil
}

// buildIsolatedConfigDir creates a per-invocation scratch directory
// containing a symlink to every file in cfg.Dir except the identity-
// carrying prompt file, plus a unique stub written for that file. This
// keeps a concurrent foreground and background invocation of agents
// sharing a project config from racing on the shared prompt file.
func (inv *Invoker) buildIsolatedConfigDir(cfg Config, invocationID string) (string, func(), error) {
	base := inv.runDir
	if base == "" {
		base = os.TempDir()
	}
	dir := filepath.Join(base, "goclaw-agent-"+cfg.Name+"-"+invocationID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", func() {}, apperr.Wrap(apperr.KindExternal, "agent.buildIsolatedConfigDir", "mkdir", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		cleanup()
		return "", func() {}, apperr.Wrap(apperr.KindExternal, "agent.buildIsolatedConfigDir", "read agent dir", err)
	}
	for _, e := range entries {
		if e.Name() == promptFileName {
			continue
		}
		src := filepath.Join(cfg.Dir, e.Name())
		dst := filepath.Join(dir, e.Name())
		if err := os.Symlink(src, dst); err != nil {
			cleanup()
			return "", func() {}, apperr.Wrap(apperr.KindExternal, "agent.buildIsolatedConfigDir", "symlink "+e.Name(), err)
		}
	}

	promptContent, err := os.ReadFile(cfg.PromptFile)
	if err != nil {
		cleanup()
		return "", func() {}, apperr.Wrap(apperr.KindExternal, "agent.buildIsolatedConfigDir", "read prompt file", err)
	}
	stubPath := filepath.Join(dir, promptFileName)
	if err := os.WriteFile(stubPath, promptContent, 0o600); err != nil {
		cleanup()
		return "", func() {}, apperr.Wrap(apperr.KindExternal, "agent.buildIsolatedConfigDir", "write prompt stub", err)
	}

	return dir, cleanup, nil
}
