// Package gardener implements the Gardener: assigns atoms to
// topical threads, creates threads on demand, supersedes stale atoms, and
// performs thread-maintenance splits/merges, all under size-cap
// enforcement delegated to the thread store.
package gardener

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/nextlevelbuilder/goclaw/internal/memory/atom"
	"github.com/nextlevelbuilder/goclaw/internal/memory/thread"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

// CandidatesPerAtom is how many top-scoring topical threads are
// precomputed and shown to the model per atom.
const CandidatesPerAtom = 5

// ThreadOverviewLimit caps how many topical threads are listed in the
// prompt, by size descending ("top 50 by size").
const ThreadOverviewLimit = 50

// DefaultAssignConfidence is used when the model omits a confidence value
// on an assign/create_and_assign decision.
const DefaultAssignConfidence = "medium"

// Gardener applies thread-organization decisions to the atom/thread graph.
type Gardener struct {
	Atoms    *atom.Store
	Threads  *thread.Store
	Provider providers.Provider
}

func New(atoms *atom.Store, threads *thread.Store, provider providers.Provider) *Gardener {
	return &Gardener{Atoms: atoms, Threads: threads, Provider: provider}
}

// Stats reports what one Run call did.
type Stats struct {
	Assigned        int
	Created         int
	Superseded      int
	Skipped         int
	Split           int
	Merged          int
	BlockedBySize   int
	Errors          []string
}

// Run processes atomIDs (plus the low-confidence triage queue, if
// includeTriage is set) through the Gardener cycle.
func (g *Gardener) Run(ctx context.Context, atomIDs []string, includeTriage bool) (*Stats, error) {
	targetIDs := dedupIDs(atomIDs)
	if includeTriage {
		triage, err := g.Atoms.GetLowConfidenceAtoms()
		if err != nil {
			return nil, err
		}
		for _, a := range triage {
			targetIDs = appendIfMissing(targetIDs, a.ID)
		}
	}

	var targets []atom.Atom
	for _, id := range targetIDs {
		a, err := g.Atoms.Get(id)
		if err != nil {
			continue
		}
		targets = append(targets, a)
	}
	if len(targets) == 0 {
		return &Stats{}, nil
	}

	allThreads, err := g.Threads.List()
	if err != nil {
		return nil, err
	}
	threadByID := make(map[string]thread.Thread, len(allThreads))
	threadByName := make(map[string]thread.Thread, len(allThreads))
	for _, t := range allThreads {
		threadByID[t.ID] = t
		if t.ThreadType == thread.TypeTopical {
			threadByName[t.Name] = t
		}
	}

	candidates := make(map[string][]candidateThread, len(targets))
	for _, a := range targets {
		matches, err := g.Threads.Search(ctx, a.Content, CandidatesPerAtom)
		if err != nil {
			return nil, err
		}
		var cs []candidateThread
		for _, m := range matches {
			tid, _ := m.Entry.Metadata["thread_id"].(string)
			t, ok := threadByID[tid]
			if !ok || t.ThreadType != thread.TypeTopical {
				continue
			}
			cs = append(cs, candidateThread{thread: t, score: m.Score})
		}
		candidates[a.ID] = cs
	}

	result, err := g.decide(ctx, targets, allThreads, candidates)
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	for _, d := range result.Decisions {
		g.applyDecision(ctx, d, threadByName, stats)
	}
	for _, m := range result.ThreadMaintenance {
		g.applyMaintenance(ctx, m, threadByID, stats)
	}
	return stats, nil
}

type candidateThread struct {
	thread thread.Thread
	score  float32
}

func (g *Gardener) applyDecision(ctx context.Context, d Decision, threadByName map[string]thread.Thread, stats *Stats) {
	switch d.Action {
	case ActionSkip:
		stats.Skipped++

	case ActionSupersede:
		_, err := g.Atoms.Update(ctx, d.AtomID, atom.UpdateOpts{
			Content:          &d.SupersedeContent,
			SupersededReason: d.SupersedeReason,
		})
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("supersede %s: %v", d.AtomID, err))
			return
		}
		stats.Superseded++

	case ActionAssign:
		target, ok := threadByName[d.ThreadName]
		if !ok {
			stats.Errors = append(stats.Errors, fmt.Sprintf("assign %s: thread %q not found", d.AtomID, d.ThreadName))
			return
		}
		g.assign(ctx, d.AtomID, target, confidenceOr(d.Confidence), stats)

	case ActionCreateAndAssign:
		target, ok := threadByName[d.NewThreadName]
		if !ok {
			created, err := g.Threads.Create(ctx, d.NewThreadName, "", nil, d.NewThreadScope, "", thread.TypeTopical)
			if err != nil {
				stats.Errors = append(stats.Errors, fmt.Sprintf("create_and_assign %s: %v", d.AtomID, err))
				return
			}
			threadByName[d.NewThreadName] = created
			target = created
			stats.Created++
		}
		g.assign(ctx, d.AtomID, target, confidenceOr(d.Confidence), stats)

	default:
		stats.Errors = append(stats.Errors, fmt.Sprintf("unknown decision action %q for atom %s", d.Action, d.AtomID))
	}
}

func (g *Gardener) assign(ctx context.Context, atomID string, target thread.Thread, confidence atom.Confidence, stats *Stats) {
	ok, reason := g.Threads.CanAssignToThread(target.ID)
	if !ok {
		stats.BlockedBySize++
		stats.Errors = append(stats.Errors, fmt.Sprintf("assign %s to %s blocked: %s", atomID, target.Name, reason))
		return
	}
	if err := g.Threads.AddMemoryToThread(target.ID, atomID); err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("assign %s to %s: %v", atomID, target.Name, err))
		return
	}
	if err := g.Atoms.SetThreadConfidence(atomID, target.ID, confidence); err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("set confidence %s/%s: %v", atomID, target.ID, err))
		return
	}
	stats.Assigned++
}

func (g *Gardener) applyMaintenance(ctx context.Context, m MaintenanceItem, threadByID map[string]thread.Thread, stats *Stats) {
	switch m.Action {
	case MaintenanceSplit:
		if t, ok := threadByID[m.ThreadID]; ok && t.ThreadType == thread.TypeConversation {
			stats.Errors = append(stats.Errors, fmt.Sprintf("split %s refused: conversation thread", m.ThreadID))
			return
		}
		var specs []thread.SplitSpec
		for _, sg := range m.NewSplits {
			specs = append(specs, thread.SplitSpec{Name: sg.Name, Description: sg.Description, AtomIDs: sg.AtomIDs})
		}
		if _, err := g.Threads.SplitThread(ctx, m.ThreadID, specs, true); err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("split %s: %v", m.ThreadID, err))
			return
		}
		stats.Split++

	case MaintenanceMerge:
		for _, id := range m.ThreadIDs {
			if t, ok := threadByID[id]; ok && t.ThreadType == thread.TypeConversation {
				stats.Errors = append(stats.Errors, fmt.Sprintf("merge %v refused: %s is a conversation thread", m.ThreadIDs, id))
				return
			}
		}
		if _, err := g.Threads.Merge(ctx, m.NewName, "", m.ThreadIDs); err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("merge %v: %v", m.ThreadIDs, err))
			return
		}
		stats.Merged++
	}
}

func confidenceOr(c string) atom.Confidence {
	if c == "" {
		return DefaultAssignConfidence
	}
	return atom.Confidence(c)
}

const gardenerSystemPrompt = `You organize atomic memories into topical threads.
For each atom, decide one action: assign (to an existing candidate thread), create_and_assign (a new thread), supersede (the atom is outdated/contradicted, replace its content), or skip.
You may also propose thread_maintenance: split an oversized or multi-topic thread, or merge redundant ones. Never target a conversation thread with split or merge.
Respond with JSON only, matching:
{"decisions": [{"atom_id": "...", "action": "assign|create_and_assign|supersede|skip", "thread_name": "...", "confidence": "high|medium|low", "new_thread_name": "...", "new_thread_scope": "...", "supersede_content": "...", "supersede_reason": "...", "skip_reason": "..."}],
 "thread_maintenance": [{"action": "split|merge", "thread_id": "...", "thread_ids": ["..."], "new_name": "...", "new_splits": [{"name": "...", "description": "...", "atom_ids": ["..."]}]}]}`

func (g *Gardener) decide(ctx context.Context, targets []atom.Atom, allThreads []thread.Thread, candidates map[string][]candidateThread) (*GardenResult, error) {
	prompt := buildGardenerPrompt(targets, allThreads, candidates)

	resp, err := g.Provider.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: gardenerSystemPrompt},
			{Role: "user", Content: prompt},
		},
		Options: map[string]interface{}{
			"response_format": map[string]interface{}{"type": "json_object"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gardener decide call: %w", err)
	}

	var parsed GardenResult
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		return nil, fmt.Errorf("gardener decide response: %w", err)
	}
	return &parsed, nil
}

func buildGardenerPrompt(targets []atom.Atom, allThreads []thread.Thread, candidates map[string][]candidateThread) string {
	var topical []thread.Thread
	for _, t := range allThreads {
		if t.ThreadType == thread.TypeTopical {
			topical = append(topical, t)
		}
	}
	sort.SliceStable(topical, func(i, j int) bool { return len(topical[i].MemoryIDs) > len(topical[j].MemoryIDs) })
	if len(topical) > ThreadOverviewLimit {
		topical = topical[:ThreadOverviewLimit]
	}

	out := "Thread overview (topical, by size):\n"
	for _, t := range topical {
		out += fmt.Sprintf("- %s (%d atoms): %s\n", t.Name, len(t.MemoryIDs), t.Description)
	}

	out += "\nAtoms to process:\n"
	for _, a := range targets {
		out += fmt.Sprintf("- atom_id=%s: %q\n", a.ID, a.Content)
		for _, c := range candidates[a.ID] {
			out += fmt.Sprintf("    candidate: %s (score %.3f)\n", c.thread.Name, c.score)
		}
	}
	return out
}

func dedupIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func appendIfMissing(ids []string, id string) []string {
	for _, x := range ids {
		if x == id {
			return ids
		}
	}
	return append(ids, id)
}
