// Package atom implements the Atom Store: CRUD over standalone
// memories, version history on edit, per-thread assignment confidence, and
// the low-confidence triage queue the Gardener consumes.
package atom

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw/internal/apperr"
	"github.com/nextlevelbuilder/goclaw/internal/atomicfile"
	"github.com/nextlevelbuilder/goclaw/internal/memory/embedding"
)

// Confidence is the assignment confidence of an atom within a thread.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// PreviousVersion is one entry in an atom's append-only edit history.
type PreviousVersion struct {
	Content          string    `json:"content"`
	Timestamp        time.Time `json:"timestamp"`
	SupersededReason string    `json:"superseded_reason,omitempty"`
}

// Atom represents one standalone fact.
type Atom struct {
	ID                   string                `json:"id"`
	Content              string                `json:"content"`
	CreatedAt            time.Time             `json:"created_at"`
	LastModified         time.Time             `json:"last_modified"`
	SourceExchangeID     string                `json:"source_exchange_id,omitempty"`
	SourceSessionID      string                `json:"source_session_id,omitempty"`
	EmbeddingID          string                `json:"embedding_id,omitempty"`
	Tags                 []string              `json:"tags,omitempty"`
	PreviousVersions     []PreviousVersion     `json:"previous_versions,omitempty"`
	AssignmentConfidence map[string]Confidence `json:"assignment_confidence,omitempty"`
}

// Store persists atoms via the atomic file store; reads load the file each
// time, and every mutation reloads-mutates-saves under the file lock so
// concurrent writers never lose entries.
type Store struct {
	path  string
	index *embedding.Index
}

type fileShape struct {
	Version int    `json:"version"`
	Atoms   []Atom `json:"atoms"`
}

const currentSchemaVersion = 1

// New opens the atom store backed by path, embedding new/changed content
// into idx.
func New(path string, idx *embedding.Index) *Store {
	return &Store{path: path, index: idx}
}

func newID() string {
	return fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102T150405.000000Z"), uuid.NewString()[:8])
}

// List returns every atom, in no particular order (callers sort as needed).
func (s *Store) List() ([]Atom, error) {
	var f fileShape
	if err := atomicfile.Load(s.path, &f); err != nil {
		return nil, err
	}
	return f.Atoms, nil
}

// Get returns one atom by ID.
func (s *Store) Get(id string) (Atom, error) {
	atoms, err := s.List()
	if err != nil {
		return Atom{}, err
	}
	for _, a := range atoms {
		if a.ID == id {
			return a, nil
		}
	}
	return Atom{}, apperr.NotFound("atom.Get", "atom "+id+" not found")
}

// Create stores a new atom and embeds its content as ContentMemory. content
// must be non-empty. CreatedAt is set to the current
// time; use CreateAt to backdate it (the Librarian does this to attribute
// an atom to the batch's earliest exchange rather than extraction time).
func (s *Store) Create(ctx context.Context, content string, sourceExchangeID, sourceSessionID string, tags []string) (Atom, error) {
	return s.CreateAt(ctx, content, sourceExchangeID, sourceSessionID, tags, time.Now().UTC())
}

// CreateAt is Create with an explicit CreatedAt.
func (s *Store) CreateAt(ctx context.Context, content string, sourceExchangeID, sourceSessionID string, tags []string, createdAt time.Time) (Atom, error) {
	if content == "" {
		return Atom{}, apperr.Invalid("atom.Create", "content must not be empty")
	}

	now := createdAt
	a := Atom{
		ID:               newID(),
		Content:          content,
		CreatedAt:        now,
		LastModified:     now,
		SourceExchangeID: sourceExchangeID,
		SourceSessionID:  sourceSessionID,
		Tags:             tags,
	}

	embID, err := s.index.Embed(ctx, content, map[string]any{"memory_id": a.ID}, embedding.ContentMemory)
	if err != nil {
		return Atom{}, err
	}
	a.EmbeddingID = embID

	err = atomicfile.Update(s.path, fileShape{Version: currentSchemaVersion}, func(cur fileShape) (fileShape, error) {
		cur.Atoms = append(cur.Atoms, a)
		cur.Version = currentSchemaVersion
		return cur, nil
	})
	if err != nil {
		return Atom{}, err
	}
	return a, nil
}

// UpdateOpts are the optional fields Update may change.
type UpdateOpts struct {
	Content          *string
	Tags             []string
	SupersededReason string
}

// Update mutates an atom. If Content changes, the old content is pushed
// onto PreviousVersions with SupersededReason, the old embedding is deleted,
// and the new content is re-embedded.
func (s *Store) Update(ctx context.Context, id string, opts UpdateOpts) (Atom, error) {
	var result Atom
	err := atomicfile.Update(s.path, fileShape{Version: currentSchemaVersion}, func(cur fileShape) (fileShape, error) {
		idx := indexOf(cur.Atoms, id)
		if idx < 0 {
			return cur, apperr.NotFound("atom.Update", "atom "+id+" not found")
		}
		a := cur.Atoms[idx]

		if opts.Content != nil && *opts.Content != a.Content {
			a.PreviousVersions = append(a.PreviousVersions, PreviousVersion{
				Content:          a.Content,
				Timestamp:        time.Now().UTC(),
				SupersededReason: opts.SupersededReason,
			})
			if a.EmbeddingID != "" {
				_ = s.index.DeleteByID(a.EmbeddingID)
			}
			embID, err := s.index.Embed(ctx, *opts.Content, map[string]any{"memory_id": a.ID}, embedding.ContentMemory)
			if err != nil {
				return cur, err
			}
			a.Content = *opts.Content
			a.EmbeddingID = embID
		}
		if opts.Tags != nil {
			a.Tags = opts.Tags
		}
		a.LastModified = time.Now().UTC()

		cur.Atoms[idx] = a
		result = a
		return cur, nil
	})
	return result, err
}

// Delete removes an atom and its embedding.
func (s *Store) Delete(id string) error {
	return atomicfile.Update(s.path, fileShape{Version: currentSchemaVersion}, func(cur fileShape) (fileShape, error) {
		idx := indexOf(cur.Atoms, id)
		if idx < 0 {
			return cur, apperr.NotFound("atom.Delete", "atom "+id+" not found")
		}
		a := cur.Atoms[idx]
		if a.EmbeddingID != "" {
			_ = s.index.DeleteByID(a.EmbeddingID)
		}
		cur.Atoms = append(cur.Atoms[:idx], cur.Atoms[idx+1:]...)
		return cur, nil
	})
}

// SetThreadConfidence sets or clears confidence for (atomID, threadID).
// Enforces the invariant that assignment_confidence keys are a subset of
// the threads actually referencing the atom — callers (thread store) are
// responsible for calling this only for threads the atom is a member of;
// RemoveThreadConfidence is used on unassignment.
func (s *Store) SetThreadConfidence(atomID, threadID string, c Confidence) error {
	return atomicfile.Update(s.path, fileShape{Version: currentSchemaVersion}, func(cur fileShape) (fileShape, error) {
		idx := indexOf(cur.Atoms, atomID)
		if idx < 0 {
			return cur, apperr.NotFound("atom.SetThreadConfidence", "atom "+atomID+" not found")
		}
		a := cur.Atoms[idx]
		if a.AssignmentConfidence == nil {
			a.AssignmentConfidence = map[string]Confidence{}
		}
		a.AssignmentConfidence[threadID] = c
		cur.Atoms[idx] = a
		return cur, nil
	})
}

// RemoveThreadConfidence drops the confidence entry for threadID, called
// when an atom is removed from a thread.
func (s *Store) RemoveThreadConfidence(atomID, threadID string) error {
	return atomicfile.Update(s.path, fileShape{Version: currentSchemaVersion}, func(cur fileShape) (fileShape, error) {
		idx := indexOf(cur.Atoms, atomID)
		if idx < 0 {
			return cur, nil // already gone; no-op
		}
		a := cur.Atoms[idx]
		delete(a.AssignmentConfidence, threadID)
		cur.Atoms[idx] = a
		return cur, nil
	})
}

// FindSimilar returns the first atom scoring >= threshold against content
// among ContentMemory embeddings (a threshold <= 0 selects the default 0.92;
// the Librarian calls this at ~0.88).
func (s *Store) FindSimilar(ctx context.Context, content string, threshold float32) (*Atom, error) {
	if threshold <= 0 {
		threshold = 0.92
	}
	ct := embedding.ContentMemory
	matches, err := s.index.Retrieve(ctx, content, 1, threshold, &ct)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	memID, _ := matches[0].Entry.Metadata["memory_id"].(string)
	if memID == "" {
		return nil, nil
	}
	a, err := s.Get(memID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// Search delegates to the embedding index filtered to ContentMemory,
// over-fetching up to k results at or above threshold (the retrieval engine
// calls this with AtomOverfetchK to maximize thread-ownership candidates).
func (s *Store) Search(ctx context.Context, query string, k int, threshold float32) ([]embedding.Match, error) {
	ct := embedding.ContentMemory
	return s.index.Retrieve(ctx, query, k, threshold, &ct)
}

// GetLowConfidenceAtoms returns every atom with at least one "low" value in
// AssignmentConfidence — the Gardener's triage queue.
func (s *Store) GetLowConfidenceAtoms() ([]Atom, error) {
	atoms, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []Atom
	for _, a := range atoms {
		for _, c := range a.AssignmentConfidence {
			if c == ConfidenceLow {
				out = append(out, a)
				break
			}
		}
	}
	return out, nil
}

// RecentFirst returns atoms sorted newest-first by CreatedAt; used by the
// Librarian for dedup context ("last ~100 atoms").
func RecentFirst(atoms []Atom, limit int) []Atom {
	sorted := append([]Atom(nil), atoms...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.After(sorted[j].CreatedAt) })
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

func indexOf(atoms []Atom, id string) int {
	for i, a := range atoms {
		if a.ID == id {
			return i
		}
	}
	return -1
}
