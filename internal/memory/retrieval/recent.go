package retrieval

import (
	"fmt"
	"sort"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/memory/atom"
	"github.com/nextlevelbuilder/goclaw/internal/memory/thread"
)

// RecentBlockParams configures BuildRecentMemoryBlock.
type RecentBlockParams struct {
	Now                     time.Time
	Lookback                time.Duration // 0 means DefaultLookback
	Budget                  int           // tokens; 0 means DefaultRecentBudget
	CurrentRoomThreadID     string
	ExcludeSessionID        string
	SessionUncompactedAfter *time.Time
	Counter                 Counter
}

func (p RecentBlockParams) resolve() RecentBlockParams {
	if p.Lookback <= 0 {
		p.Lookback = DefaultLookback
	}
	if p.Budget <= 0 {
		p.Budget = DefaultRecentBudget
	}
	if p.Counter == nil {
		p.Counter = EstimateCounter{}
	}
	if p.Now.IsZero() {
		p.Now = time.Now().UTC()
	}
	return p
}

// RecentMemoryResult is the recent-memory block plus the thread ids it drew
// from, so a caller can pass them as ExcludeThreadIDs to Engine.Retrieve.
type RecentMemoryResult struct {
	FormattedBlock    string
	IncludedThreadIDs map[string]bool
}

// BuildRecentMemoryBlock assembles the separate recent-memory block: every
// conversation-type thread updated within the lookback window, excluding
// the current room, included whole if it fits a smaller budget, otherwise
// trimmed to the most recent atoms that fit with an omission marker.
func (e *Engine) BuildRecentMemoryBlock(threadsList []thread.Thread, p RecentBlockParams) (*RecentMemoryResult, error) {
	p = p.resolve()
	cutoff := p.Now.Add(-p.Lookback)

	var candidates []thread.Thread
	for _, t := range threadsList {
		if t.ThreadType != thread.TypeConversation {
			continue
		}
		if t.ID == p.CurrentRoomThreadID {
			continue
		}
		if t.LastUpdated.Before(cutoff) {
			continue
		}
		candidates = append(candidates, t)
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].LastUpdated.After(candidates[j].LastUpdated) })

	result := &RecentMemoryResult{IncludedThreadIDs: make(map[string]bool)}
	out := ""

	for _, t := range candidates {
		var atoms []atom.Atom
		for _, aid := range t.MemoryIDs {
			a, err := e.Atoms.Get(aid)
			if err != nil {
				continue
			}
			if isExcludedBySession(a, Params{ExcludeSessionID: p.ExcludeSessionID, SessionUncompactedAfter: p.SessionUncompactedAfter}) {
				continue
			}
			atoms = append(atoms, a)
		}
		if len(atoms) == 0 {
			continue
		}
		sort.SliceStable(atoms, func(i, j int) bool { return atoms[i].CreatedAt.Before(atoms[j].CreatedAt) })

		block, ok := fitThread(t, atoms, p.Budget, p.Counter, p.Now)
		if !ok {
			continue
		}
		out += block
		result.IncludedThreadIDs[t.ID] = true
	}

	if out != "" {
		out = "<recent-memory>\n" + out + "</recent-memory>"
	}
	result.FormattedBlock = out
	return result, nil
}

// fitThread renders t's atoms (oldest-first) within budget tokens, keeping
// the most recent ones and marking how many earlier entries were dropped
// when it doesn't all fit.
func fitThread(t thread.Thread, atoms []atom.Atom, budget int, counter Counter, now time.Time) (string, bool) {
	header := fmt.Sprintf("## %s\n", t.Name)
	headerCost := counter.Count(t.Name)

	full := header
	total := headerCost
	for _, a := range atoms {
		total += counter.Count(a.Content)
		full += fmt.Sprintf("- [%s] %s\n", RecencyLabel(a.CreatedAt, now), a.Content)
	}
	if total <= budget {
		return full + "\n", true
	}

	// Doesn't fit whole: keep the most recent atoms (from the tail, since
	// atoms are sorted oldest-first) that fit, with an omission marker.
	remaining := budget - headerCost
	kept := 0
	var lines []string
	for i := len(atoms) - 1; i >= 0; i-- {
		cost := counter.Count(atoms[i].Content)
		if cost > remaining {
			break
		}
		remaining -= cost
		kept++
		lines = append([]string{fmt.Sprintf("- [%s] %s\n", RecencyLabel(atoms[i].CreatedAt, now), atoms[i].Content)}, lines...)
	}
	omitted := len(atoms) - kept
	block := header
	if omitted > 0 {
		block += fmt.Sprintf("… %d earlier entries omitted …\n", omitted)
	}
	for _, l := range lines {
		block += l
	}
	block += "\n"
	if kept == 0 {
		return "", false
	}
	return block, true
}
