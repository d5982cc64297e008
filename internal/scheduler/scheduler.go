package scheduler

import (
	"context"
	"fmt"
	"time"
)

// DefaultPollInterval is the scheduler's single poll-loop cadence
// ("a single poll loop running every minute").
const DefaultPollInterval = time.Minute

// Output is the descriptor written for a fired task and handed to the
// dispatcher.
type Output struct {
	ID      string
	Type    TaskType
	Silent  bool
	RoomID  string
	Project string
	Prompt  string
	Agent   string
}

// Dispatcher routes a fired task's Output to the agent invoker (type=agent)
// or inserts a formatted prompt into the target chat (type=prompt).
type Dispatcher interface {
	InvokeAgent(ctx context.Context, out Output, firedAt time.Time) error
	DispatchPrompt(ctx context.Context, out Output, firedAt time.Time) error
}

// Scheduler owns the task store and drives one poll tick at a time.
type Scheduler struct {
	Tasks      *Store
	Dispatcher Dispatcher
}

func New(tasks *Store, dispatcher Dispatcher) *Scheduler {
	return &Scheduler{Tasks: tasks, Dispatcher: dispatcher}
}

// Tick runs exactly one poll iteration: load tasks, evaluate each active
// one's schedule, fire due tasks, and persist last_run/last_error.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	tasks, err := s.Tasks.List()
	if err != nil {
		return err
	}

	for _, t := range tasks {
		if !t.Active {
			continue
		}
		s.evaluate(ctx, t, now)
	}
	return nil
}

func (s *Scheduler) evaluate(ctx context.Context, t Task, now time.Time) {
	sched, err := Parse(t.Schedule)
	if err != nil {
		_ = s.Tasks.recordParseError(t.ID, err)
		return
	}

	fire, _, err := sched.ShouldFire(now, t.LastRun)
	if err != nil {
		_ = s.Tasks.recordParseError(t.ID, err)
		return
	}
	if !fire {
		return
	}

	out := Output{ID: t.ID, Type: t.Type, Silent: t.Silent, RoomID: t.RoomID, Project: t.Project, Prompt: t.Prompt, Agent: t.Agent}

	var dispatchErr error
	switch t.Type {
	case TypeAgent:
		dispatchErr = s.Dispatcher.InvokeAgent(ctx, out, now)
	case TypePrompt:
		dispatchErr = s.Dispatcher.DispatchPrompt(ctx, out, now)
	default:
		dispatchErr = fmt.Errorf("scheduler: unknown task type %q", t.Type)
	}

	_ = s.Tasks.recordRun(t.ID, now, dispatchErr)

	if sched.Kind == KindOnce && dispatchErr == nil {
		_ = s.Tasks.deactivate(t.ID)
	}
}

// AutomatedPromptPrefix marks a dispatched prompt as scheduler-originated
// rather than user-typed.
const AutomatedPromptPrefix = "[scheduled]"

// FormatAutomatedPrompt prefixes a task's prompt text and, if the task
// carries a project, appends the project metadata block.
func FormatAutomatedPrompt(out Output) string {
	text := AutomatedPromptPrefix + " " + out.Prompt
	if out.Project == "" {
		return text
	}
	return text + "\n\n" + ProjectMetadataBlock(out.Project, out.Agent, out.ID)
}

// ProjectMetadataBlock is the fixed instructional block appended to a
// prompt when an invocation carries a project. The core
// does not enforce frontmatter post-hoc; this text is the only mechanism —
// it relies on the agent's adherence.
func ProjectMetadataBlock(project, agent, taskID string) string {
	return fmt.Sprintf(`PROJECT METADATA
Any file you produce for this task must begin with YAML frontmatter:

---
agent: %s
project: %s
date: %s
task_id: %s
---

Name the file accordingly.`, agent, project, time.Now().UTC().Format("2006-01-02"), taskID)
}
