package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goclaw/internal/atomicfile"
)

type recordingDispatcher struct {
	agentCalls  []Output
	promptCalls []Output
	failNext    bool
}

func (d *recordingDispatcher) InvokeAgent(_ context.Context, out Output, _ time.Time) error {
	if d.failNext {
		d.failNext = false
		return context.DeadlineExceeded
	}
	d.agentCalls = append(d.agentCalls, out)
	return nil
}

func (d *recordingDispatcher) DispatchPrompt(_ context.Context, out Output, _ time.Time) error {
	d.promptCalls = append(d.promptCalls, out)
	return nil
}

func newHarness(t *testing.T) (*Scheduler, *Store, *recordingDispatcher) {
	t.Helper()
	store := NewStore(filepath.Join(t.TempDir(), "tasks.json"))
	d := &recordingDispatcher{}
	return New(store, d), store, d
}

func TestTickFiresDueAgentTaskAndRecordsLastRun(t *testing.T) {
	ctx := context.Background()
	sched, store, d := newHarness(t)

	task, err := store.Create(Task{Type: TypeAgent, Schedule: "every 1 hour", Agent: "librarian"})
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, sched.Tick(ctx, now))
	require.Len(t, d.agentCalls, 1)
	require.Equal(t, task.ID, d.agentCalls[0].ID)

	got, err := store.Get(task.ID)
	require.NoError(t, err)
	require.WithinDuration(t, now, got.LastRun, time.Second)
	require.Empty(t, got.LastError)
}

func TestTickSkipsInactiveTask(t *testing.T) {
	ctx := context.Background()
	sched, store, d := newHarness(t)

	task, err := store.Create(Task{Type: TypeAgent, Schedule: "every 1 minute"})
	require.NoError(t, err)
	require.NoError(t, store.SetActive(task.ID, false))

	require.NoError(t, sched.Tick(ctx, time.Now()))
	require.Empty(t, d.agentCalls)
}

func TestTickRecordsDispatchErrorWithoutAdvancingLastRun(t *testing.T) {
	ctx := context.Background()
	sched, store, d := newHarness(t)
	d.failNext = true

	task, err := store.Create(Task{Type: TypeAgent, Schedule: "every 1 minute"})
	require.NoError(t, err)

	require.NoError(t, sched.Tick(ctx, time.Now()))
	got, err := store.Get(task.ID)
	require.NoError(t, err)
	require.True(t, got.LastRun.IsZero())
	require.NotEmpty(t, got.LastError)
	require.True(t, got.Active, "a dispatch failure must not disable the task")
}

func TestTickDeactivatesOnceTaskAfterFiring(t *testing.T) {
	ctx := context.Background()
	sched, store, d := newHarness(t)

	past := time.Now().Add(-time.Hour).Format(time.RFC3339)
	task, err := store.Create(Task{Type: TypePrompt, Schedule: "once at " + past, Prompt: "do the thing"})
	require.NoError(t, err)

	require.NoError(t, sched.Tick(ctx, time.Now()))
	require.Len(t, d.promptCalls, 1)

	got, err := store.Get(task.ID)
	require.NoError(t, err)
	require.False(t, got.Active)
}

func TestTickRecordsParseErrorForMalformedSchedule(t *testing.T) {
	ctx := context.Background()
	store := NewStore(filepath.Join(t.TempDir(), "tasks.json"))
	// Bypass Create's eager validation to simulate a task whose schedule
	// became malformed after being edited out-of-band.
	err := atomicfile.Update(store.path, tasksFile{Version: currentSchemaVersion}, func(f tasksFile) (tasksFile, error) {
		if f.Tasks == nil {
			f.Tasks = map[string]Task{}
		}
		f.Tasks["bad-1"] = Task{ID: "bad-1", Type: TypeAgent, Schedule: "not a schedule", Active: true}
		f.Version = currentSchemaVersion
		return f, nil
	})
	require.NoError(t, err)

	sched := New(store, &recordingDispatcher{})
	require.NoError(t, sched.Tick(ctx, time.Now()))

	got, err := store.Get("bad-1")
	require.NoError(t, err)
	require.NotEmpty(t, got.LastError)
}

func TestFormatAutomatedPromptIncludesProjectMetadata(t *testing.T) {
	out := Output{ID: "t1", Prompt: "summarize the week", Project: "proj-x", Agent: "librarian"}
	text := FormatAutomatedPrompt(out)
	require.Contains(t, text, AutomatedPromptPrefix)
	require.Contains(t, text, "summarize the week")
	require.Contains(t, text, "PROJECT METADATA")
	require.Contains(t, text, "project: proj-x")
	require.Contains(t, text, "task_id: t1")
}

func TestFormatAutomatedPromptOmitsMetadataWithoutProject(t *testing.T) {
	out := Output{ID: "t1", Prompt: "ping"}
	text := FormatAutomatedPrompt(out)
	require.NotContains(t, text, "PROJECT METADATA")
}
