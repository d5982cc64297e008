// Package process implements the agent-invocation process registry:
// register/deregister of in-flight agent invocations under an exclusive
// file lock, suffix-disambiguated names, and liveness pruning of entries
// left behind by a crashed process.
package process

import (
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw/internal/apperr"
	"github.com/nextlevelbuilder/goclaw/internal/atomicfile"
)

// Entry is one registered in-flight invocation.
type Entry struct {
	ID      string    `json:"id"`
	PID     *int      `json:"pid,omitempty"`
	Agent   string    `json:"agent"`
	Task    string    `json:"task"`
	Started time.Time `json:"started"`
}

type registryFile struct {
	Version int              `json:"version"`
	Entries map[string]Entry `json:"entries"`
}

const currentSchemaVersion = 1

// Registry is the atomically-persisted process registry.
type Registry struct {
	path string
}

func New(path string) *Registry {
	return &Registry{path: path}
}

// Register appends a new entry, disambiguating agent name collisions with
// `_1`, `_2`, ... suffixes, and returns the registration id.
// pid is nil for managed (non-OS-process) work.
func (r *Registry) Register(agent, task string, pid *int) (string, error) {
	id := uuid.NewString()
	entry := Entry{ID: id, PID: pid, Agent: agent, Task: task, Started: time.Now().UTC()}

	err := atomicfile.Update(r.path, registryFile{Version: currentSchemaVersion}, func(f registryFile) (registryFile, error) {
		if f.Entries == nil {
			f.Entries = map[string]Entry{}
		}
		entry.Agent = disambiguate(f.Entries, agent)
		f.Entries[id] = entry
		f.Version = currentSchemaVersion
		return f, nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Deregister removes an entry by registration id, on success or failure.
func (r *Registry) Deregister(id string) error {
	return atomicfile.Update(r.path, registryFile{Version: currentSchemaVersion}, func(f registryFile) (registryFile, error) {
		if f.Entries == nil {
			f.Entries = map[string]Entry{}
		}
		delete(f.Entries, id)
		f.Version = currentSchemaVersion
		return f, nil
	})
}

// List returns every live entry, pruning (and persisting the prune of) any
// entry whose OS pid is no longer alive. Entries with a nil pid are
// managed processes and are always kept.
func (r *Registry) List() ([]Entry, error) {
	var pruned []Entry
	err := atomicfile.Update(r.path, registryFile{Version: currentSchemaVersion}, func(f registryFile) (registryFile, error) {
		if f.Entries == nil {
			f.Entries = map[string]Entry{}
		}
		for id, e := range f.Entries {
			if e.PID != nil && !pidAlive(*e.PID) {
				delete(f.Entries, id)
				continue
			}
			pruned = append(pruned, e)
		}
		f.Version = currentSchemaVersion
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	return pruned, nil
}

func disambiguate(existing map[string]Entry, agent string) string {
	taken := make(map[string]bool, len(existing))
	for _, e := range existing {
		taken[e.Agent] = true
	}
	if !taken[agent] {
		return agent
	}
	for i := 1; ; i++ {
		candidate := agent + "_" + itoa(i)
		if !taken[candidate] {
			return candidate
		}
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// pidAlive reports whether pid names a live OS process. On POSIX systems
// FindProcess always succeeds, so liveness is tested with signal 0.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// ExecutionLogEntry is one bounded execution-log record.
type ExecutionLogEntry struct {
	Invocation Entry       `json:"invocation"`
	Result     interface{} `json:"result"`
}

type executionLogFile struct {
	Version int                 `json:"version"`
	Entries []ExecutionLogEntry `json:"entries"`
}

// MaxExecutionLogEntries bounds the execution log to the last 100 entries.
const MaxExecutionLogEntries = 100

// ExecutionLog is the bounded, atomically-persisted invocation history.
type ExecutionLog struct {
	path string
}

func NewExecutionLog(path string) *ExecutionLog {
	return &ExecutionLog{path: path}
}

// Append adds one invocation/result pair, trimming the oldest entry if the
// log would exceed MaxExecutionLogEntries.
func (l *ExecutionLog) Append(invocation Entry, result interface{}) error {
	return atomicfile.Update(l.path, executionLogFile{Version: currentSchemaVersion}, func(f executionLogFile) (executionLogFile, error) {
		f.Entries = append(f.Entries, ExecutionLogEntry{Invocation: invocation, Result: result})
		if len(f.Entries) > MaxExecutionLogEntries {
			f.Entries = f.Entries[len(f.Entries)-MaxExecutionLogEntries:]
		}
		f.Version = currentSchemaVersion
		return f, nil
	})
}

// List returns every entry currently in the execution log.
func (l *ExecutionLog) List() ([]ExecutionLogEntry, error) {
	var f executionLogFile
	if err := atomicfile.Load(l.path, &f); err != nil {
		return nil, apperr.Wrap(apperr.KindExternal, "process.ExecutionLog.List", "load", err)
	}
	return f.Entries, nil
}
