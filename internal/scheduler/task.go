package scheduler

import (
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw/internal/apperr"
	"github.com/nextlevelbuilder/goclaw/internal/atomicfile"
)

// TaskType selects the dispatcher path a fired task takes.
type TaskType string

const (
	TypeAgent  TaskType = "agent"
	TypePrompt TaskType = "prompt"
)

// Task is one scheduled job.
type Task struct {
	ID        string   `json:"id"`
	Type      TaskType `json:"type"`
	Schedule  string   `json:"schedule"`
	Active    bool     `json:"active"`
	Silent    bool     `json:"silent,omitempty"`
	RoomID    string   `json:"room_id,omitempty"`
	Project   string   `json:"project,omitempty"`
	Prompt    string   `json:"prompt,omitempty"`
	Agent     string   `json:"agent,omitempty"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string   `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type tasksFile struct {
	Version int            `json:"version"`
	Tasks   map[string]Task `json:"tasks"`
}

const currentSchemaVersion = 1

// Store is the atomically-persisted task list.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) load() (tasksFile, error) {
	var f tasksFile
	if err := atomicfile.Load(s.path, &f); err != nil {
		return tasksFile{}, err
	}
	if f.Tasks == nil {
		f.Tasks = map[string]Task{}
	}
	return f, nil
}

// List returns every task, in no particular order.
func (s *Store) List() ([]Task, error) {
	f, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(f.Tasks))
	for _, t := range f.Tasks {
		out = append(out, t)
	}
	return out, nil
}

// Get returns one task by id.
func (s *Store) Get(id string) (Task, error) {
	f, err := s.load()
	if err != nil {
		return Task{}, err
	}
	t, ok := f.Tasks[id]
	if !ok {
		return Task{}, apperr.NotFound("scheduler.Get", "task "+id+" not found")
	}
	return t, nil
}

// Create validates the schedule grammar eagerly (so a caller gets
// immediate feedback), then persists the new active task.
func (s *Store) Create(t Task) (Task, error) {
	if _, err := Parse(t.Schedule); err != nil {
		return Task{}, err
	}
	t.ID = uuid.NewString()
	t.Active = true
	t.CreatedAt = time.Now().UTC()

	err := atomicfile.Update(s.path, tasksFile{Version: currentSchemaVersion}, func(f tasksFile) (tasksFile, error) {
		if f.Tasks == nil {
			f.Tasks = map[string]Task{}
		}
		f.Tasks[t.ID] = t
		f.Version = currentSchemaVersion
		return f, nil
	})
	if err != nil {
		return Task{}, err
	}
	return t, nil
}

// SetActive toggles whether a task is eligible to fire.
func (s *Store) SetActive(id string, active bool) error {
	return s.mutate(id, func(t *Task) { t.Active = active })
}

// Delete removes a task.
func (s *Store) Delete(id string) error {
	return atomicfile.Update(s.path, tasksFile{Version: currentSchemaVersion}, func(f tasksFile) (tasksFile, error) {
		if f.Tasks == nil {
			f.Tasks = map[string]Task{}
		}
		delete(f.Tasks, id)
		f.Version = currentSchemaVersion
		return f, nil
	})
}

// recordRun persists last_run and clears last_error after a successful
// fire, or sets last_error (parse/dispatch failure) without touching
// last_run — a failed fire leaves the task active rather than disabling it.
func (s *Store) recordRun(id string, firedAt time.Time, dispatchErr error) error {
	return s.mutate(id, func(t *Task) {
		if dispatchErr != nil {
			t.LastError = dispatchErr.Error()
			return
		}
		t.LastRun = firedAt
		t.LastError = ""
	})
}

func (s *Store) recordParseError(id string, parseErr error) error {
	return s.mutate(id, func(t *Task) { t.LastError = parseErr.Error() })
}

func (s *Store) deactivate(id string) error {
	return s.mutate(id, func(t *Task) { t.Active = false })
}

func (s *Store) mutate(id string, fn func(*Task)) error {
	return atomicfile.Update(s.path, tasksFile{Version: currentSchemaVersion}, func(f tasksFile) (tasksFile, error) {
		t, ok := f.Tasks[id]
		if !ok {
			return f, apperr.NotFound("scheduler.mutate", "task "+id+" not found")
		}
		fn(&t)
		f.Tasks[id] = t
		f.Version = currentSchemaVersion
		return f, nil
	})
}
