// Package retrieval implements the hybrid retrieval engine:
// query rewriting, thread-first-then-bonus-atom assembly under a token
// budget, current-conversation dedup, and a separate recent-memory block.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/memory/atom"
	"github.com/nextlevelbuilder/goclaw/internal/memory/thread"
)

// MinSemanticScore is the default floor below which a thread or bonus atom
// is not worth surfacing. Model-specific (tuned for e5-base-v2); re-tune if
// the embedding model changes.
const MinSemanticScore = 0.65

const (
	DefaultBudget       = 20000
	DefaultRecentBudget = 4000
	DefaultLookback     = 24 * time.Hour
	BonusBudgetFraction = 0.25
	ThreadSearchK       = 20
	AtomOverfetchK      = 100
)

// SelectedThread is a whole thread included in a retrieval result, with its
// atoms already filtered and ordered chronologically.
type SelectedThread struct {
	Thread thread.Thread
	Atoms  []atom.Atom
	Score  float32
}

// BonusAtom is an individually-surfaced atom from a thread that did not
// make the cut as a whole.
type BonusAtom struct {
	Atom             atom.Atom
	SourceThreadName string
	Score            float32
}

// MemoryContext is the output of Retrieve: everything selected, plus the
// rendered prompt block ready to inject.
type MemoryContext struct {
	SelectedThreads []SelectedThread
	BonusAtoms      []BonusAtom
	FormattedBlock  string
}

// Params configures one Retrieve call.
type Params struct {
	Query                   string
	Now                     time.Time
	Budget                  int // tokens; 0 means DefaultBudget
	MinScore                float32
	ExcludeSessionID        string
	SessionUncompactedAfter *time.Time // nil means "exclude everything from ExcludeSessionID"
	ExcludeThreadIDs        map[string]bool
	Counter                 Counter
}

func (p Params) resolve() Params {
	if p.Budget <= 0 {
		p.Budget = DefaultBudget
	}
	if p.MinScore <= 0 {
		p.MinScore = MinSemanticScore
	}
	if p.Counter == nil {
		p.Counter = EstimateCounter{}
	}
	if p.Now.IsZero() {
		p.Now = time.Now().UTC()
	}
	return p
}

// Engine wires the atom and thread stores together for retrieval.
type Engine struct {
	Atoms   *atom.Store
	Threads *thread.Store
}

func NewEngine(atoms *atom.Store, threads *thread.Store) *Engine {
	return &Engine{Atoms: atoms, Threads: threads}
}

type candidateThread struct {
	thread thread.Thread
	score  float32
}

// Retrieve runs the hybrid retrieval pass.
func (e *Engine) Retrieve(ctx context.Context, p Params) (*MemoryContext, error) {
	p = p.resolve()

	allThreads, err := e.Threads.List()
	if err != nil {
		return nil, err
	}
	threadByID := make(map[string]thread.Thread, len(allThreads))
	for _, t := range allThreads {
		threadByID[t.ID] = t
	}

	// Step 1: direct thread hits + implied ownership via high-scoring atoms.
	directMatches, err := e.Threads.Search(ctx, p.Query, ThreadSearchK)
	if err != nil {
		return nil, err
	}
	atomMatches, err := e.Atoms.Search(ctx, p.Query, AtomOverfetchK, p.MinScore)
	if err != nil {
		return nil, err
	}

	scoreByThread := make(map[string]float32)
	for _, m := range directMatches {
		tid, _ := m.Entry.Metadata["thread_id"].(string)
		if tid == "" {
			continue
		}
		if m.Score > scoreByThread[tid] {
			scoreByThread[tid] = m.Score
		}
	}

	atomScoreByID := make(map[string]float32, len(atomMatches))
	for _, m := range atomMatches {
		aid, _ := m.Entry.Metadata["memory_id"].(string)
		if aid == "" {
			continue
		}
		atomScoreByID[aid] = m.Score
	}

	for _, t := range allThreads {
		best := float32(-2)
		for _, aid := range t.MemoryIDs {
			if s, ok := atomScoreByID[aid]; ok && s > best {
				best = s
			}
		}
		if best > -2 && best > scoreByThread[t.ID] {
			scoreByThread[t.ID] = best
		}
	}

	var candidates []candidateThread
	for tid, score := range scoreByThread {
		if score < p.MinScore {
			continue
		}
		if p.ExcludeThreadIDs != nil && p.ExcludeThreadIDs[tid] {
			continue
		}
		t, ok := threadByID[tid]
		if !ok || t.ThreadType == thread.TypeConversation {
			continue
		}
		candidates = append(candidates, candidateThread{thread: t, score: score})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	// Step 3: fill budget with whole threads, all-or-nothing.
	remaining := p.Budget
	selectedIDs := make(map[string]bool)
	var selected []SelectedThread

	for _, c := range candidates {
		atoms, tokenCost, err := e.loadThreadAtoms(c.thread, p)
		if err != nil {
			return nil, err
		}
		if len(atoms) == 0 {
			continue
		}
		headerCost := p.Counter.Count(c.thread.Name + ": " + c.thread.Description)
		total := tokenCost + headerCost
		if total > remaining {
			continue
		}
		remaining -= total
		selectedIDs[c.thread.ID] = true
		selected = append(selected, SelectedThread{Thread: c.thread, Atoms: atoms, Score: c.score})
	}

	// Step 4: bonus atoms from non-selected threads, capped at 25% of total budget.
	bonusBudget := remaining
	if cap := int(float64(p.Budget) * BonusBudgetFraction); bonusBudget > cap {
		bonusBudget = cap
	}

	type scoredAtom struct {
		id    string
		score float32
	}
	var bonusCandidates []scoredAtom
	for aid, score := range atomScoreByID {
		owningThreads := atomOwners(aid, allThreads)
		ownedBySelected := false
		for _, tid := range owningThreads {
			if selectedIDs[tid] {
				ownedBySelected = true
				break
			}
		}
		if ownedBySelected {
			continue
		}
		bonusCandidates = append(bonusCandidates, scoredAtom{id: aid, score: score})
	}
	sort.SliceStable(bonusCandidates, func(i, j int) bool { return bonusCandidates[i].score > bonusCandidates[j].score })

	var bonusAtoms []BonusAtom
	for _, sc := range bonusCandidates {
		a, err := e.Atoms.Get(sc.id)
		if err != nil {
			continue
		}
		if isExcludedBySession(a, p) {
			continue
		}
		cost := p.Counter.Count(a.Content)
		if cost > bonusBudget {
			continue
		}
		bonusBudget -= cost
		sourceName := ""
		if owners := atomOwners(sc.id, allThreads); len(owners) > 0 {
			if t, ok := threadByID[owners[0]]; ok {
				sourceName = t.Name
			}
		}
		bonusAtoms = append(bonusAtoms, BonusAtom{Atom: a, SourceThreadName: sourceName, Score: sc.score})
	}

	mc := &MemoryContext{SelectedThreads: selected, BonusAtoms: bonusAtoms}
	mc.FormattedBlock = formatMemoryBlock(mc, p.Now)
	return mc, nil
}

func (e *Engine) loadThreadAtoms(t thread.Thread, p Params) ([]atom.Atom, int, error) {
	var atoms []atom.Atom
	total := 0
	for _, aid := range t.MemoryIDs {
		a, err := e.Atoms.Get(aid)
		if err != nil {
			continue // atom may have been deleted since thread membership was recorded
		}
		if isExcludedBySession(a, p) {
			continue
		}
		atoms = append(atoms, a)
		total += p.Counter.Count(a.Content)
	}
	sort.SliceStable(atoms, func(i, j int) bool { return atoms[i].CreatedAt.Before(atoms[j].CreatedAt) })
	return atoms, total, nil
}

// isExcludedBySession implements the current-conversation dedup rule: an
// atom sourced from the session being retrieved for is not surfaced back to
// it, unless SessionUncompactedAfter is set and the atom was created before
// that cutoff.
func isExcludedBySession(a atom.Atom, p Params) bool {
	if p.ExcludeSessionID == "" || a.SourceSessionID != p.ExcludeSessionID {
		return false
	}
	if p.SessionUncompactedAfter == nil {
		return true
	}
	return !a.CreatedAt.Before(*p.SessionUncompactedAfter)
}

func atomOwners(atomID string, threads []thread.Thread) []string {
	var owners []string
	for _, t := range threads {
		for _, aid := range t.MemoryIDs {
			if aid == atomID {
				owners = append(owners, t.ID)
				break
			}
		}
	}
	return owners
}

const memoryPreamble = "I recall the following from our history together:"

func formatMemoryBlock(mc *MemoryContext, now time.Time) string {
	if len(mc.SelectedThreads) == 0 && len(mc.BonusAtoms) == 0 {
		return ""
	}
	out := "<memory>\n" + memoryPreamble + "\n\n"
	for _, st := range mc.SelectedThreads {
		out += fmt.Sprintf("## %s\n", st.Thread.Name)
		for _, a := range st.Atoms {
			out += fmt.Sprintf("- [%s] %s\n", RecencyLabel(a.CreatedAt, now), a.Content)
		}
		out += "\n"
	}
	if len(mc.BonusAtoms) > 0 {
		out += "## Other relevant notes\n"
		for _, b := range mc.BonusAtoms {
			label := RecencyLabel(b.Atom.CreatedAt, now)
			if b.SourceThreadName != "" {
				out += fmt.Sprintf("- [%s, from %s] %s\n", label, b.SourceThreadName, b.Atom.Content)
			} else {
				out += fmt.Sprintf("- [%s] %s\n", label, b.Atom.Content)
			}
		}
	}
	out += "</memory>"
	return out
}
