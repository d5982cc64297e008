package librarian

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/memory/atom"
	"github.com/nextlevelbuilder/goclaw/internal/memory/thread"
	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

// DedupThreshold is the cosine-similarity floor used when deciding a
// proposed atom duplicates an existing one ("≈0.88").
const DedupThreshold = 0.88

// RecentAtomsForDedup is how many of the most recent atoms are shown to the
// model as dedup context ("last ~100 atoms").
const RecentAtomsForDedup = 100

// Status is the outcome of one RunCycle call.
type Status string

const (
	StatusEmptyBuffer Status = "empty_buffer"
	StatusThrottled   Status = "throttled"
	StatusOK          Status = "ok"
)

// CycleResult reports what one Librarian cycle did.
type CycleResult struct {
	Status                    Status
	ThrottledMinutesRemaining float64
	ExchangeCount             int
	AtomsCreated              int
	AtomsDeduped              int
	ThreadsCreated            int
	AffectedConversationIDs   []string
	NewAtomIDs                []string
}

// Librarian runs the extraction cycle over the buffered exchanges.
type Librarian struct {
	Buffer   *Buffer
	State    *State
	Atoms    *atom.Store
	Threads  *thread.Store
	Provider providers.Provider
	Throttle time.Duration
}

func New(buffer *Buffer, state *State, atoms *atom.Store, threads *thread.Store, provider providers.Provider) *Librarian {
	return &Librarian{Buffer: buffer, State: state, Atoms: atoms, Threads: threads, Provider: provider, Throttle: DefaultThrottle}
}

// RunCycle executes one Librarian cycle.
func (l *Librarian) RunCycle(ctx context.Context, now time.Time) (*CycleResult, error) {
	pending, err := l.Buffer.List()
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return &CycleResult{Status: StatusEmptyBuffer}, nil
	}

	throttle := l.Throttle
	if throttle <= 0 {
		throttle = DefaultThrottle
	}
	remaining, err := l.State.MinutesUntilDue(now, throttle)
	if err != nil {
		return nil, err
	}
	if remaining > 0 {
		return &CycleResult{Status: StatusThrottled, ThrottledMinutesRemaining: remaining}, nil
	}

	drained, err := l.Buffer.Drain()
	if err != nil {
		return nil, err
	}
	if len(drained) == 0 {
		// Race: another cycle drained it first. No throttle update.
		return &CycleResult{Status: StatusEmptyBuffer}, nil
	}
	if err := l.State.RecordRun(now); err != nil {
		return nil, err
	}

	result := &CycleResult{Status: StatusOK, ExchangeCount: len(drained)}

	extraction, err := l.extract(ctx, drained)
	if err != nil {
		return nil, err
	}
	if extraction.SkippedReason != "" {
		return result, nil
	}

	earliest := earliestTimestamp(drained)
	affected := make(map[string]bool)

	for _, proposed := range extraction.AtomicMemories {
		existing, err := l.Atoms.FindSimilar(ctx, proposed.Content, DedupThreshold)
		if err != nil {
			return nil, err
		}
		var a atom.Atom
		if existing != nil {
			result.AtomsDeduped++
			a = *existing
		} else {
			sessionID := sessionForContext(drained, proposed.SourceContext)
			a, err = l.Atoms.CreateAt(ctx, proposed.Content, "", sessionID, proposed.Tags, earliest)
			if err != nil {
				return nil, err
			}
			result.AtomsCreated++
			result.NewAtomIDs = append(result.NewAtomIDs, a.ID)
		}

		for _, name := range proposed.ThreadNames {
			th, err := l.findOrCreateTopicalThread(ctx, name, extraction.NewThreads)
			if err != nil {
				return nil, err
			}
			if err := l.Threads.AddMemoryToThread(th.ID, a.ID); err != nil {
				return nil, err
			}
		}

		if a.SourceSessionID != "" {
			if convo, err := l.Threads.GetConversationThreadForRoom(a.SourceSessionID); err == nil && convo != nil {
				if err := l.Threads.AddMemoryToThread(convo.ID, a.ID); err != nil {
					return nil, err
				}
				affected[convo.ID] = true
			}
		}
	}

	for id := range affected {
		result.AffectedConversationIDs = append(result.AffectedConversationIDs, id)
	}

	return result, nil
}

func (l *Librarian) findOrCreateTopicalThread(ctx context.Context, name string, proposedThreads []ProposedThread) (thread.Thread, error) {
	all, err := l.Threads.List()
	if err != nil {
		return thread.Thread{}, err
	}
	for _, t := range all {
		if t.ThreadType == thread.TypeTopical && t.Name == name {
			return t, nil
		}
	}
	description := ""
	for _, pt := range proposedThreads {
		if pt.Name == name {
			description = pt.Description
			break
		}
	}
	return l.Threads.Create(ctx, name, description, nil, "", "", thread.TypeTopical)
}

const librarianSystemPrompt = `You extract durable, atomic memories from a batch of conversation exchanges.
For each standalone fact worth remembering long-term, emit one atomic memory with 2-4 recommended thread names it belongs to.
Avoid duplicating facts already listed under "Existing atoms". Prefer reusing an existing thread name over inventing a new one.
Respond with JSON only, matching: {"atomic_memories": [{"content": "...", "thread_names": ["..."], "tags": ["..."], "source_context": "..."}], "new_threads": [{"name": "...", "description": "..."}], "skipped_reason": "..."}
If nothing is worth extracting, return empty atomic_memories and set skipped_reason.`

func (l *Librarian) extract(ctx context.Context, exchanges []Exchange) (*ExtractionResult, error) {
	recentAtoms, err := l.Atoms.List()
	if err != nil {
		return nil, err
	}
	recentAtoms = atom.RecentFirst(recentAtoms, RecentAtomsForDedup)

	threads, err := l.Threads.List()
	if err != nil {
		return nil, err
	}

	userPrompt := buildExtractionPrompt(exchanges, recentAtoms, threads)

	resp, err := l.Provider.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: librarianSystemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Options: map[string]interface{}{
			"response_format": map[string]interface{}{"type": "json_object"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("librarian extraction call: %w", err)
	}

	var parsed ExtractionResult
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		return nil, fmt.Errorf("librarian extraction response: %w", err)
	}
	return &parsed, nil
}

func buildExtractionPrompt(exchanges []Exchange, recentAtoms []atom.Atom, threads []thread.Thread) string {
	out := "Exchanges:\n"
	for _, ex := range exchanges {
		out += fmt.Sprintf("[%s] user: %s\nassistant: %s\n\n", ex.SessionID, ex.UserMessage, ex.AssistantMessage)
	}
	out += "\nExisting atoms (for dedup, newest first):\n"
	for _, a := range recentAtoms {
		out += "- " + a.Content + "\n"
	}
	out += "\nExisting threads:\n"
	for _, t := range threads {
		if t.ThreadType == thread.TypeTopical {
			out += "- " + t.Name + ": " + t.Description + "\n"
		}
	}
	return out
}

func earliestTimestamp(exchanges []Exchange) time.Time {
	earliest := exchanges[0].Timestamp
	for _, ex := range exchanges[1:] {
		if ex.Timestamp.Before(earliest) {
			earliest = ex.Timestamp
		}
	}
	return earliest
}

func sessionForContext(exchanges []Exchange, sourceContext string) string {
	if len(exchanges) == 0 {
		return ""
	}
	for _, ex := range exchanges {
		if sourceContext != "" && (ex.UserMessage == sourceContext || ex.AssistantMessage == sourceContext) {
			return ex.SessionID
		}
	}
	return exchanges[len(exchanges)-1].SessionID
}
