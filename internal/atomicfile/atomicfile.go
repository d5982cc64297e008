// Package atomicfile provides locked, atomic JSON read/write for every
// mutable state file in the system.
//
// Ported from the Python prototype's AtomicFileOperations
// (.claude/scripts/atomic_file_ops.py: file_lock/load_json_safe/
// save_json_safe) onto Go's flock-equivalent, golang.org/x/sys/unix being
// unavailable offline here we use a lock FILE + exclusive create semantics
// plus a spin-wait, matching the sibling-".lock" convention used
// throughout goclaw (internal/store/file/sessions.go, chat-file locking).
package atomicfile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/apperr"
)

// DefaultLockTimeout is the bounded wait for acquiring an exclusive lock
// before failing with a retryable Busy error.
const DefaultLockTimeout = 10 * time.Second

const lockPollInterval = 20 * time.Millisecond

// Lock is a scoped exclusive advisory lock on a sibling ".lock" file.
// Release must be called on every exit path (including error paths).
type Lock struct {
	path string
}

// lockPathFor returns the sibling lock file path for a given data file.
func lockPathFor(path string) string {
	return path + ".lock"
}

// AcquireLock creates path+".lock" exclusively, retrying until it succeeds
// or timeout elapses. It approximates flock(2) advisory locking using
// O_EXCL create, which is sufficient for a single-host deployment and
// matches the "exclusive advisory lock on a sibling lock file" contract.
func AcquireLock(path string, timeout time.Duration) (*Lock, error) {
	lockPath := lockPathFor(path)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindExternal, "atomicfile.AcquireLock", "mkdir parent", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			return &Lock{path: lockPath}, nil
		}
		if !os.IsExist(err) {
			return nil, apperr.Wrap(apperr.KindExternal, "atomicfile.AcquireLock", "create lock file", err)
		}
		if staleLock(lockPath) {
			_ = os.Remove(lockPath)
			continue
		}
		if time.Now().After(deadline) {
			return nil, apperr.Busy("atomicfile.AcquireLock", fmt.Sprintf("timed out waiting for lock on %s", path))
		}
		time.Sleep(lockPollInterval)
	}
}

// staleLock treats a lock file older than 5x the default timeout as
// abandoned by a crashed process, so a single dead holder cannot wedge the
// store forever.
func staleLock(lockPath string) bool {
	info, err := os.Stat(lockPath)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > 5*DefaultLockTimeout
}

// Release removes the lock file. Safe to call on a nil receiver or to call
// twice.
func (l *Lock) Release() {
	if l == nil {
		return
	}
	_ = os.Remove(l.path)
}

// Load reads and JSON-decodes path into dst. If the file does not exist or
// is not valid JSON, dst is left holding whatever the caller pre-populated
// as the default, and no error is returned; a decode failure is logged
// here, not propagated.
func Load(path string, dst any) error {
	lock, err := AcquireLock(path, DefaultLockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperr.Wrap(apperr.KindExternal, "atomicfile.Load", "read file", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		slog.Warn("atomicfile.Load: decode failed, keeping default", "path", path, "error", err)
	}
	return nil
}

// Save serializes v and atomically replaces path: write to a sibling temp
// file in the same directory, fsync, then rename. The whole operation is
// guarded by the exclusive lock so concurrent writers across goroutines or
// processes serialize.
func Save(path string, v any) error {
	lock, err := AcquireLock(path, DefaultLockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release()
	return saveLocked(path, v)
}

func saveLocked(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.Wrap(apperr.KindExternal, "atomicfile.Save", "mkdir parent", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.KindInvalid, "atomicfile.Save", "encode json", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return apperr.Wrap(apperr.KindExternal, "atomicfile.Save", "create temp file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return apperr.Wrap(apperr.KindExternal, "atomicfile.Save", "write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return apperr.Wrap(apperr.KindExternal, "atomicfile.Save", "fsync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return apperr.Wrap(apperr.KindExternal, "atomicfile.Save", "close temp file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return apperr.Wrap(apperr.KindExternal, "atomicfile.Save", "rename temp to final", err)
	}
	return nil
}

// Update loads path into dst (via a user-supplied decode target), calls
// mutate, then saves the possibly-changed value — all under one lock hold,
// so concurrent read-modify-write sequences on the same file serialize
// without losing updates. mutate receives the decoded value and returns the
// value to persist.
func Update[T any](path string, zero T, mutate func(current T) (T, error)) error {
	lock, err := AcquireLock(path, DefaultLockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	current := zero
	data, err := os.ReadFile(path)
	switch {
	case err == nil && len(data) > 0:
		if jerr := json.Unmarshal(data, &current); jerr != nil {
			current = zero // corruption: fall back to default, never propagate
		}
	case err != nil && !os.IsNotExist(err):
		return apperr.Wrap(apperr.KindExternal, "atomicfile.Update", "read file", err)
	}

	next, err := mutate(current)
	if err != nil {
		return err
	}
	return saveLocked(path, next)
}
