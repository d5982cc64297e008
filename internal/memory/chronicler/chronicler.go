// Package chronicler implements the Chronicler: thread
// summarization that rewrites a thread's description (re-embedding it) from
// its member atoms' content.
package chronicler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/atomicfile"
	"github.com/nextlevelbuilder/goclaw/internal/memory/atom"
	"github.com/nextlevelbuilder/goclaw/internal/memory/thread"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

type stateFile struct {
	Version          int       `json:"version"`
	LastChroniclerRun time.Time `json:"last_chronicler_run"`
}

const currentStateSchemaVersion = 1

// State persists last_chronicler_run across restarts.
type State struct {
	path string
}

func NewState(path string) *State {
	return &State{path: path}
}

func (s *State) LastRun() (time.Time, error) {
	var f stateFile
	if err := atomicfile.Load(s.path, &f); err != nil {
		return time.Time{}, err
	}
	return f.LastChroniclerRun, nil
}

// RecordRun persists startedAt (the cycle's *start* time, not its end) as
// the new last_chronicler_run, so work arriving mid-run is not lost to the
// next cycle's lookback window.
func (s *State) RecordRun(startedAt time.Time) error {
	return atomicfile.Update(s.path, stateFile{Version: currentStateSchemaVersion}, func(cur stateFile) (stateFile, error) {
		cur.LastChroniclerRun = startedAt
		cur.Version = currentStateSchemaVersion
		return cur, nil
	})
}

// Summary is one thread's generated 2-3 sentence summary.
type Summary struct {
	ThreadID string `json:"thread_id"`
	Summary  string `json:"summary"`
}

type summarizeResponse struct {
	Summaries []Summary `json:"summaries"`
}

// Chronicler updates thread descriptions from LLM-generated summaries.
type Chronicler struct {
	Threads  *thread.Store
	Atoms    *atom.Store
	State    *State
	Provider providers.Provider
}

func New(threads *thread.Store, atoms *atom.Store, state *State, provider providers.Provider) *Chronicler {
	return &Chronicler{Threads: threads, Atoms: atoms, State: state, Provider: provider}
}

// Result reports what one Run call did.
type Result struct {
	ThreadsSummarized int
	ThreadIDs         []string
}

const chroniclerSystemPrompt = `You summarize a conversation thread's accumulated memories into a 2-3 sentence description.
Be concrete; name specific facts rather than describing the thread abstractly.
Respond with JSON only, matching: {"summaries": [{"thread_id": "...", "summary": "..."}]}`

// Run executes one Chronicler cycle. If threadIDs is non-empty, it runs in
// targeted mode over exactly those threads; otherwise it runs in scan mode
// over every conversation thread updated since the last run.
func (c *Chronicler) Run(ctx context.Context, threadIDs []string, now time.Time) (*Result, error) {
	targets, err := c.resolveTargets(threadIDs, now)
	if err != nil {
		return nil, err
	}
	if err := c.State.RecordRun(now); err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return &Result{}, nil
	}

	summaries, err := c.summarize(ctx, targets)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, s := range summaries {
		desc := s.Summary
		if _, err := c.Threads.Update(ctx, s.ThreadID, thread.UpdateOpts{Description: &desc}); err != nil {
			continue // thread may have been deleted between listing and applying
		}
		result.ThreadsSummarized++
		result.ThreadIDs = append(result.ThreadIDs, s.ThreadID)
	}
	return result, nil
}

func (c *Chronicler) resolveTargets(threadIDs []string, now time.Time) ([]thread.Thread, error) {
	all, err := c.Threads.List()
	if err != nil {
		return nil, err
	}
	byID := make(map[string]thread.Thread, len(all))
	for _, t := range all {
		byID[t.ID] = t
	}

	if len(threadIDs) > 0 {
		var targets []thread.Thread
		for _, id := range threadIDs {
			if t, ok := byID[id]; ok {
				targets = append(targets, t)
			}
		}
		return targets, nil
	}

	lastRun, err := c.State.LastRun()
	if err != nil {
		return nil, err
	}
	var targets []thread.Thread
	for _, t := range all {
		if t.ThreadType == thread.TypeConversation && t.LastUpdated.After(lastRun) {
			targets = append(targets, t)
		}
	}
	return targets, nil
}

func (c *Chronicler) summarize(ctx context.Context, targets []thread.Thread) ([]Summary, error) {
	prompt := ""
	for _, t := range targets {
		prompt += fmt.Sprintf("Thread %s (%s):\n", t.ID, t.Name)
		for _, aid := range t.MemoryIDs {
			a, err := c.Atoms.Get(aid)
			if err != nil {
				continue
			}
			prompt += "- " + a.Content + "\n"
		}
		prompt += "\n"
	}

	resp, err := c.Provider.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: chroniclerSystemPrompt},
			{Role: "user", Content: prompt},
		},
		Options: map[string]interface{}{
			"response_format": map[string]interface{}{"type": "json_object"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chronicler summarize call: %w", err)
	}

	var parsed summarizeResponse
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		return nil, fmt.Errorf("chronicler summarize response: %w", err)
	}
	return parsed.Summaries, nil
}
