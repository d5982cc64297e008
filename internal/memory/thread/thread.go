// Package thread implements the Thread Store: topical and
// conversation threads, size-cap enforcement, split/merge with lineage.
package thread

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw/internal/apperr"
	"github.com/nextlevelbuilder/goclaw/internal/atomicfile"
	"github.com/nextlevelbuilder/goclaw/internal/memory/atom"
	"github.com/nextlevelbuilder/goclaw/internal/memory/embedding"
)

// Type distinguishes topical threads (Gardener-maintained, size-capped)
// from conversation threads (Librarian-owned, unbounded, never split or
// merged).
type Type string

const (
	TypeTopical      Type = "topical"
	TypeConversation Type = "conversation"
)

// Size-cap thresholds.
const (
	SoftCap = 50
	HardCap = 75
)

// Thread is a named collection of atoms.
type Thread struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Scope       string    `json:"scope,omitempty"`
	MemoryIDs   []string  `json:"memory_ids"`
	ThreadType  Type      `json:"thread_type"`
	SplitFrom   string    `json:"split_from,omitempty"`
	SplitInto   []string  `json:"split_into,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
	EmbeddingID string    `json:"embedding_id,omitempty"`
}

// Store persists threads and enforces size caps / lineage.
type Store struct {
	path  string
	index *embedding.Index
	atoms *atom.Store
}

type fileShape struct {
	Version int      `json:"version"`
	Threads []Thread `json:"threads"`
}

const currentSchemaVersion = 1

// New opens the thread store.
func New(path string, idx *embedding.Index, atoms *atom.Store) *Store {
	return &Store{path: path, index: idx, atoms: atoms}
}

func newID() string {
	return fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102T150405.000000Z"), uuid.NewString()[:8])
}

// List returns every thread.
func (s *Store) List() ([]Thread, error) {
	var f fileShape
	if err := atomicfile.Load(s.path, &f); err != nil {
		return nil, err
	}
	return f.Threads, nil
}

// Get returns one thread by ID.
func (s *Store) Get(id string) (Thread, error) {
	threads, err := s.List()
	if err != nil {
		return Thread{}, err
	}
	for _, t := range threads {
		if t.ID == id {
			return t, nil
		}
	}
	return Thread{}, apperr.NotFound("thread.Get", "thread "+id+" not found")
}

// RoomScope builds the canonical scope string for a conversation thread
// (`"room:{chat-id}"`).
func RoomScope(chatID string) string { return "room:" + chatID }

// GetConversationThreadForRoom linear-scans for the conversation thread
// owning roomID.
func (s *Store) GetConversationThreadForRoom(roomID string) (*Thread, error) {
	threads, err := s.List()
	if err != nil {
		return nil, err
	}
	wantScope := RoomScope(roomID)
	for _, t := range threads {
		if t.ThreadType == TypeConversation && t.Scope == wantScope {
			tt := t
			return &tt, nil
		}
	}
	return nil, nil
}

// Create embeds "{name}: {description}" as ContentThread and persists a new
// thread.
func (s *Store) Create(ctx context.Context, name, description string, memoryIDs []string, scope string, splitFrom string, threadType Type) (Thread, error) {
	now := time.Now().UTC()
	t := Thread{
		ID:          newID(),
		Name:        name,
		Description: description,
		Scope:       scope,
		MemoryIDs:   append([]string(nil), memoryIDs...),
		ThreadType:  threadType,
		SplitFrom:   splitFrom,
		CreatedAt:   now,
		LastUpdated: now,
	}

	embID, err := s.index.Embed(ctx, name+": "+description, map[string]any{"thread_id": t.ID}, embedding.ContentThread)
	if err != nil {
		return Thread{}, err
	}
	t.EmbeddingID = embID

	err = atomicfile.Update(s.path, fileShape{Version: currentSchemaVersion}, func(cur fileShape) (fileShape, error) {
		cur.Threads = append(cur.Threads, t)
		cur.Version = currentSchemaVersion
		return cur, nil
	})
	if err != nil {
		return Thread{}, err
	}
	return t, nil
}

// MemberAction selects how UpdateMemoryIDs combines the given IDs with the
// existing list.
type MemberAction string

const (
	ActionOverwrite MemberAction = "overwrite"
	ActionAppend    MemberAction = "append"
	ActionRemove    MemberAction = "remove"
)

// UpdateOpts are the optional fields Update may change.
type UpdateOpts struct {
	Name        *string
	Description *string
	MemoryIDs   []string
	Action      MemberAction
}

// Update mutates a thread, re-embedding name/description changes (delete
// old embedding, create new).4.
func (s *Store) Update(ctx context.Context, id string, opts UpdateOpts) (Thread, error) {
	var result Thread
	err := atomicfile.Update(s.path, fileShape{Version: currentSchemaVersion}, func(cur fileShape) (fileShape, error) {
		idx := indexOf(cur.Threads, id)
		if idx < 0 {
			return cur, apperr.NotFound("thread.Update", "thread "+id+" not found")
		}
		t := cur.Threads[idx]

		nameChanged := opts.Name != nil && *opts.Name != t.Name
		descChanged := opts.Description != nil && *opts.Description != t.Description
		if nameChanged {
			t.Name = *opts.Name
		}
		if descChanged {
			t.Description = *opts.Description
		}
		if nameChanged || descChanged {
			if t.EmbeddingID != "" {
				_ = s.index.DeleteByID(t.EmbeddingID)
			}
			embID, err := s.index.Embed(ctx, t.Name+": "+t.Description, map[string]any{"thread_id": t.ID}, embedding.ContentThread)
			if err != nil {
				return cur, err
			}
			t.EmbeddingID = embID
		}

		if opts.MemoryIDs != nil {
			switch opts.Action {
			case ActionAppend:
				t.MemoryIDs = appendUnique(t.MemoryIDs, opts.MemoryIDs...)
			case ActionRemove:
				t.MemoryIDs = removeAll(t.MemoryIDs, opts.MemoryIDs)
			default: // overwrite
				t.MemoryIDs = append([]string(nil), opts.MemoryIDs...)
			}
		}

		t.LastUpdated = time.Now().UTC()
		cur.Threads[idx] = t
		result = t
		return cur, nil
	})
	return result, err
}

// Delete removes a thread (and its embedding). Conversation threads are
// never deleted by maintenance; this
// primitive itself performs the delete unconditionally (used by split's
// empty-parent cleanup, which only ever targets topical threads).
func (s *Store) Delete(id string) error {
	return atomicfile.Update(s.path, fileShape{Version: currentSchemaVersion}, func(cur fileShape) (fileShape, error) {
		idx := indexOf(cur.Threads, id)
		if idx < 0 {
			return cur, apperr.NotFound("thread.Delete", "thread "+id+" not found")
		}
		t := cur.Threads[idx]
		if t.EmbeddingID != "" {
			_ = s.index.DeleteByID(t.EmbeddingID)
		}
		cur.Threads = append(cur.Threads[:idx], cur.Threads[idx+1:]...)
		return cur, nil
	})
}

// AddMemoryToThread idempotently appends aid to tid.MemoryIDs and bumps
// last_updated.
func (s *Store) AddMemoryToThread(tid, aid string) error {
	return atomicfile.Update(s.path, fileShape{Version: currentSchemaVersion}, func(cur fileShape) (fileShape, error) {
		idx := indexOf(cur.Threads, tid)
		if idx < 0 {
			return cur, apperr.NotFound("thread.AddMemoryToThread", "thread "+tid+" not found")
		}
		t := cur.Threads[idx]
		before := len(t.MemoryIDs)
		t.MemoryIDs = appendUnique(t.MemoryIDs, aid)
		if len(t.MemoryIDs) != before {
			t.LastUpdated = time.Now().UTC()
		}
		cur.Threads[idx] = t
		return cur, nil
	})
}

// CanAssignToThread reports whether the Gardener may assign an atom to tid:
// conversation threads are never Gardener targets; threads at or above
// HardCap are blocked; threads at or above SoftCap log a warning via the
// returned reason but are still allowed.
func (s *Store) CanAssignToThread(tid string) (bool, string) {
	t, err := s.Get(tid)
	if err != nil {
		return false, "thread not found"
	}
	if t.ThreadType == TypeConversation {
		return false, "cannot assign to a conversation thread"
	}
	size := len(t.MemoryIDs)
	if size >= HardCap {
		return false, fmt.Sprintf("thread at hard cap (%d/%d)", size, HardCap)
	}
	if size >= SoftCap {
		return true, fmt.Sprintf("thread at or above soft cap (%d/%d), consider split", size, SoftCap)
	}
	return true, ""
}

// SplitSpec describes one child thread to create from a split.
type SplitSpec struct {
	Name        string
	Description string
	AtomIDs     []string
}

// SplitThread validates that every atom in every SplitSpec belongs to
// sourceID, creates each child with SplitFrom=sourceID, removes the moved
// atoms from the source, records SplitInto on the source, and optionally
// deletes the source if it ends up empty. Any failure rolls back any
// already-created children.
func (s *Store) SplitThread(ctx context.Context, sourceID string, specs []SplitSpec, deleteSourceIfEmpty bool) ([]Thread, error) {
	source, err := s.Get(sourceID)
	if err != nil {
		return nil, err
	}
	if source.ThreadType == TypeConversation {
		return nil, apperr.Invalid("thread.SplitThread", "cannot split a conversation thread")
	}

	memberSet := make(map[string]bool, len(source.MemoryIDs))
	for _, id := range source.MemoryIDs {
		memberSet[id] = true
	}

	var validationErrs []string
	seen := make(map[string]bool)
	for _, spec := range specs {
		for _, aid := range spec.AtomIDs {
			if seen[aid] {
				validationErrs = append(validationErrs, fmt.Sprintf("atom %s assigned to more than one split target", aid))
				continue
			}
			seen[aid] = true
			if !memberSet[aid] {
				validationErrs = append(validationErrs, fmt.Sprintf("atom %s is not a member of source thread %s", aid, sourceID))
				continue
			}
			if _, err := s.atoms.Get(aid); err != nil {
				validationErrs = append(validationErrs, fmt.Sprintf("atom %s does not exist", aid))
			}
		}
	}
	if len(validationErrs) > 0 {
		return nil, apperr.Invalid("thread.SplitThread", joinErrs(validationErrs))
	}

	var created []Thread
	rollback := func() {
		for _, c := range created {
			_ = s.Delete(c.ID)
		}
	}

	for _, spec := range specs {
		child, err := s.Create(ctx, spec.Name, spec.Description, spec.AtomIDs, "", sourceID, TypeTopical)
		if err != nil {
			rollback()
			return nil, err
		}
		created = append(created, child)
		for _, aid := range spec.AtomIDs {
			if err := s.atoms.RemoveThreadConfidence(aid, sourceID); err != nil {
				rollback()
				return nil, err
			}
			if err := s.atoms.SetThreadConfidence(aid, child.ID, "high"); err != nil {
				rollback()
				return nil, err
			}
		}
	}

	remaining := removeAll(source.MemoryIDs, flattenAtomIDs(specs))
	childIDs := make([]string, len(created))
	for i, c := range created {
		childIDs[i] = c.ID
	}

	_, err = s.Update(ctx, sourceID, UpdateOpts{MemoryIDs: remaining, Action: ActionOverwrite})
	if err != nil {
		rollback()
		return nil, err
	}
	if err := s.setSplitInto(sourceID, childIDs); err != nil {
		rollback()
		return nil, err
	}

	if deleteSourceIfEmpty && len(remaining) == 0 {
		if err := s.Delete(sourceID); err != nil {
			rollback()
			return nil, err
		}
	}

	return created, nil
}

func (s *Store) setSplitInto(sourceID string, childIDs []string) error {
	return atomicfile.Update(s.path, fileShape{Version: currentSchemaVersion}, func(cur fileShape) (fileShape, error) {
		idx := indexOf(cur.Threads, sourceID)
		if idx < 0 {
			return cur, apperr.NotFound("thread.setSplitInto", "thread "+sourceID+" not found")
		}
		t := cur.Threads[idx]
		t.SplitInto = append(t.SplitInto, childIDs...)
		cur.Threads[idx] = t
		return cur, nil
	})
}

// Merge combines sourceIDs into one new thread, moving all their atoms, and
// deletes the sources. Conversation threads are rejected (caller also
// enforces this at the Gardener layer.8).
func (s *Store) Merge(ctx context.Context, name, description string, sourceIDs []string) (Thread, error) {
	var allAtoms []string
	seen := make(map[string]bool)
	for _, id := range sourceIDs {
		t, err := s.Get(id)
		if err != nil {
			return Thread{}, err
		}
		if t.ThreadType == TypeConversation {
			return Thread{}, apperr.Invalid("thread.Merge", "cannot merge a conversation thread")
		}
		for _, aid := range t.MemoryIDs {
			if !seen[aid] {
				seen[aid] = true
				allAtoms = append(allAtoms, aid)
			}
		}
	}

	merged, err := s.Create(ctx, name, description, allAtoms, "", "", TypeTopical)
	if err != nil {
		return Thread{}, err
	}

	for _, aid := range allAtoms {
		for _, srcID := range sourceIDs {
			_ = s.atoms.RemoveThreadConfidence(aid, srcID)
		}
		_ = s.atoms.SetThreadConfidence(aid, merged.ID, "medium")
	}

	for _, id := range sourceIDs {
		if err := s.Delete(id); err != nil {
			return merged, err
		}
	}

	return merged, nil
}

// Search delegates to the embedding index filtered to ContentThread.
func (s *Store) Search(ctx context.Context, query string, k int) ([]embedding.Match, error) {
	ct := embedding.ContentThread
	return s.index.Retrieve(ctx, query, k, -1, &ct)
}

func indexOf(threads []Thread, id string) int {
	for i, t := range threads {
		if t.ID == id {
			return i
		}
	}
	return -1
}

func appendUnique(list []string, items ...string) []string {
	set := make(map[string]bool, len(list))
	for _, x := range list {
		set[x] = true
	}
	out := append([]string(nil), list...)
	for _, it := range items {
		if !set[it] {
			set[it] = true
			out = append(out, it)
		}
	}
	return out
}

func removeAll(list []string, remove []string) []string {
	removeSet := make(map[string]bool, len(remove))
	for _, r := range remove {
		removeSet[r] = true
	}
	out := make([]string, 0, len(list))
	for _, x := range list {
		if !removeSet[x] {
			out = append(out, x)
		}
	}
	return out
}

func flattenAtomIDs(specs []SplitSpec) []string {
	var out []string
	for _, s := range specs {
		out = append(out, s.AtomIDs...)
	}
	return out
}

func joinErrs(errs []string) string {
	out := ""
	for i, e := range errs {
		if i > 0 {
			out += "; "
		}
		out += e
	}
	return out
}

var _ = context.Background
