// Package conversation implements the Conversation Store:
// one JSON file per chat, atomic save under a sibling lock file, and a small
// "chat meta" sidecar index so listings don't have to read every chat file.
package conversation

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw/internal/apperr"
	"github.com/nextlevelbuilder/goclaw/internal/atomicfile"
)

// Message is one entry in a chat's transcript. Role follows the provider
// convention ("system", "user", "assistant", "tool") plus the hidden
// "tool_call" role used by the tool-call serializer.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is the full persisted record for one chat.
type Conversation struct {
	ChatID       string     `json:"chat_id"`
	Title        string     `json:"title,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	Messages     []Message  `json:"messages"`
}

type conversationFile struct {
	Version int `json:"version"`
	Conversation
}

const currentSchemaVersion = 1

// ChatMeta is the sidecar listing entry for one chat.
type ChatMeta struct {
	ChatID        string    `json:"chat_id"`
	Title         string    `json:"title,omitempty"`
	LastMessageAt time.Time `json:"last_message_at"`
}

type metaFile struct {
	Version int                 `json:"version"`
	Chats   map[string]ChatMeta `json:"chats"`
}

// Store manages one JSON file per chat under dir, plus dir/_meta.json.
type Store struct {
	dir string
}

func New(dir string) *Store {
	return &Store{dir: dir}
}

func sanitizeChatID(chatID string) string {
	return strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(chatID)
}

func (s *Store) pathFor(chatID string) string {
	return filepath.Join(s.dir, sanitizeChatID(chatID)+".json")
}

func (s *Store) metaPath() string {
	return filepath.Join(s.dir, "_meta.json")
}

// Get loads a conversation, or apperr.NotFound if it doesn't exist.
func (s *Store) Get(chatID string) (Conversation, error) {
	path := s.pathFor(chatID)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return Conversation{}, apperr.NotFound("conversation.Get", "chat "+chatID+" not found")
		}
		return Conversation{}, apperr.Wrap(apperr.KindExternal, "conversation.Get", "stat chat file", err)
	}
	var f conversationFile
	if err := atomicfile.Load(path, &f); err != nil {
		return Conversation{}, err
	}
	return s.inferLastMessageAt(path, f.Conversation), nil
}

// inferLastMessageAt fills LastMessageAt using (in order): the persisted
// explicit field, the maximum message timestamp, or the file's mtime
// as a last resort.
func (s *Store) inferLastMessageAt(path string, c Conversation) Conversation {
	if c.LastMessageAt != nil {
		return c
	}
	if len(c.Messages) > 0 {
		max := c.Messages[0].CreatedAt
		for _, m := range c.Messages[1:] {
			if m.CreatedAt.After(max) {
				max = m.CreatedAt
			}
		}
		c.LastMessageAt = &max
		return c
	}
	if info, err := os.Stat(path); err == nil {
		mt := info.ModTime()
		c.LastMessageAt = &mt
	}
	return c
}

// Create makes a new (empty) conversation, failing if one already exists.
func (s *Store) Create(chatID, title string) (Conversation, error) {
	path := s.pathFor(chatID)
	if _, err := os.Stat(path); err == nil {
		return Conversation{}, apperr.Invalid("conversation.Create", "chat "+chatID+" already exists")
	}
	now := time.Now().UTC()
	conv := Conversation{ChatID: chatID, Title: title, CreatedAt: now, UpdatedAt: now, Messages: []Message{}}
	if err := s.save(conv); err != nil {
		return Conversation{}, err
	}
	if err := s.updateMeta(conv); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// AppendMessage appends a message to chatID's transcript, auto-creating the
// conversation if it does not yet exist, and refreshes the meta sidecar.
func (s *Store) AppendMessage(chatID string, role, content string) (Message, error) {
	path := s.pathFor(chatID)
	msg := Message{ID: uuid.NewString(), Role: role, Content: content, CreatedAt: time.Now().UTC()}

	var saved Conversation
	err := atomicfile.Update(path, conversationFile{Version: currentSchemaVersion}, func(f conversationFile) (conversationFile, error) {
		if f.ChatID == "" {
			f.ChatID = chatID
			f.CreatedAt = msg.CreatedAt
		}
		f.Messages = append(f.Messages, msg)
		f.UpdatedAt = msg.CreatedAt
		lm := msg.CreatedAt
		f.LastMessageAt = &lm
		f.Version = currentSchemaVersion
		saved = f.Conversation
		return f, nil
	})
	if err != nil {
		return Message{}, err
	}
	if err := s.updateMeta(saved); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// SetTitle updates a conversation's title and refreshes the meta sidecar.
func (s *Store) SetTitle(chatID, title string) error {
	path := s.pathFor(chatID)
	var saved Conversation
	err := atomicfile.Update(path, conversationFile{Version: currentSchemaVersion}, func(f conversationFile) (conversationFile, error) {
		if f.ChatID == "" {
			return f, apperr.NotFound("conversation.SetTitle", "chat "+chatID+" not found")
		}
		f.Title = title
		f.UpdatedAt = time.Now().UTC()
		saved = f.Conversation
		return f, nil
	})
	if err != nil {
		return err
	}
	return s.updateMeta(saved)
}

// Delete removes a conversation's file and its meta sidecar entry.
func (s *Store) Delete(chatID string) error {
	path := s.pathFor(chatID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return apperr.Wrap(apperr.KindExternal, "conversation.Delete", "remove chat file", err)
	}
	_ = os.Remove(path + ".lock")

	return atomicfile.Update(s.metaPath(), metaFile{Version: currentSchemaVersion}, func(f metaFile) (metaFile, error) {
		if f.Chats == nil {
			f.Chats = map[string]ChatMeta{}
		}
		delete(f.Chats, chatID)
		f.Version = currentSchemaVersion
		return f, nil
	})
}

func (s *Store) updateMeta(c Conversation) error {
	lastMessageAt := time.Now().UTC()
	if c.LastMessageAt != nil {
		lastMessageAt = *c.LastMessageAt
	}
	return atomicfile.Update(s.metaPath(), metaFile{Version: currentSchemaVersion}, func(f metaFile) (metaFile, error) {
		if f.Chats == nil {
			f.Chats = map[string]ChatMeta{}
		}
		f.Chats[c.ChatID] = ChatMeta{ChatID: c.ChatID, Title: c.Title, LastMessageAt: lastMessageAt}
		f.Version = currentSchemaVersion
		return f, nil
	})
}

// List returns every chat's meta entry, newest-by-last-message-at first.
// It reads only the sidecar index, never the individual chat files.
func (s *Store) List() ([]ChatMeta, error) {
	var f metaFile
	if err := atomicfile.Load(s.metaPath(), &f); err != nil {
		return nil, err
	}
	out := make([]ChatMeta, 0, len(f.Chats))
	for _, m := range f.Chats {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	return out, nil
}

func (s *Store) save(c Conversation) error {
	return atomicfile.Save(s.pathFor(c.ChatID), conversationFile{Version: currentSchemaVersion, Conversation: c})
}
