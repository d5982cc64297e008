package librarian

import (
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/atomicfile"
)

// DefaultThrottle is the minimum spacing between Librarian cycles.
const DefaultThrottle = 20 * time.Minute

type stateFile struct {
	Version           int       `json:"version"`
	LastLibrarianRun  time.Time `json:"last_librarian_run"`
	CycleCount        int       `json:"cycle_count"`
}

const currentStateSchemaVersion = 1

// State persists last-run-time and cycle counters across process restarts.
type State struct {
	path string
}

func NewState(path string) *State {
	return &State{path: path}
}

func (s *State) load() (stateFile, error) {
	var f stateFile
	if err := atomicfile.Load(s.path, &f); err != nil {
		return stateFile{}, err
	}
	return f, nil
}

// MinutesUntilDue reports how long, in minutes, until a cycle may run
// again given throttle; zero or negative means it may run now.
func (s *State) MinutesUntilDue(now time.Time, throttle time.Duration) (float64, error) {
	f, err := s.load()
	if err != nil {
		return 0, err
	}
	if f.LastLibrarianRun.IsZero() {
		return 0, nil
	}
	elapsed := now.Sub(f.LastLibrarianRun)
	if elapsed >= throttle {
		return 0, nil
	}
	return (throttle - elapsed).Minutes(), nil
}

// RecordRun bumps LastLibrarianRun to now and increments the cycle counter.
func (s *State) RecordRun(now time.Time) error {
	return atomicfile.Update(s.path, stateFile{Version: currentStateSchemaVersion}, func(cur stateFile) (stateFile, error) {
		cur.LastLibrarianRun = now
		cur.CycleCount++
		cur.Version = currentStateSchemaVersion
		return cur, nil
	})
}
