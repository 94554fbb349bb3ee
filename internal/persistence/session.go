// Package persistence saves and loads a session's conversation buffer to
// disk, generalizing the page store's write-then-rename durability
// (internal/page) to a two-file {messages, meta} layout, plus a repair
// pass over messages loaded from a possibly-interrupted prior run.
package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ngoclaw/gro/internal/apperr"
	"github.com/ngoclaw/gro/internal/entity"
)

// SessionMeta is the small, frequently-rewritten record describing a
// session: who it's with, which model last served it, and when.
type SessionMeta struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Session is the full persisted unit: the message buffer plus its meta.
type Session struct {
	ID       string           `json:"-"`
	Messages []entity.Message `json:"messages"`
	Meta     SessionMeta      `json:"meta"`
}

// Store is a directory-backed session store: one subdirectory per session
// id, holding messages.json and meta.json.
type Store struct {
	rootDir string
}

// NewStore opens (creating if necessary) a session store rooted at dir,
// the context/ directory under gro's working-dir layout.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindSession, "create session store directory", err)
	}
	return &Store{rootDir: dir}, nil
}

func (s *Store) sessionDir(id string) string {
	return filepath.Join(s.rootDir, id)
}

// Save writes sess's messages and meta to disk via write-then-rename, the
// same durability discipline the page store uses — this runs once per
// completed turn, so a crash mid-write never leaves a half-updated file
// visible to the next load.
func (s *Store) Save(sess *Session) error {
	dir := s.sessionDir(sess.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.Wrap(apperr.KindSession, "create session directory", err)
	}

	if err := writeAtomicJSON(filepath.Join(dir, "messages.json"), sess.Messages); err != nil {
		return err
	}
	if err := writeAtomicJSON(filepath.Join(dir, "meta.json"), sess.Meta); err != nil {
		return err
	}
	return nil
}

// Load reads a session's messages and meta, then runs sanitizeToolPairs
// over the messages before returning them — a session saved mid-turn (the
// process was killed between an assistant tool-use and its tool-role
// result) must never be handed to a driver as-is, since every provider
// rejects a tool_use with no matching tool_result.
func (s *Store) Load(id string) (*Session, error) {
	dir := s.sessionDir(id)

	var messages []entity.Message
	if err := readJSON(filepath.Join(dir, "messages.json"), &messages); err != nil {
		return nil, err
	}
	var meta SessionMeta
	if err := readJSON(filepath.Join(dir, "meta.json"), &meta); err != nil {
		return nil, err
	}

	return &Session{
		ID:       id,
		Messages: sanitizeToolPairs(messages),
		Meta:     meta,
	}, nil
}

// ListSessions returns every session id under the store, sorted by
// meta.json's modification time (most recently touched last), the order
// `gro --continue`/`--resume` pickers expect.
func (s *Store) ListSessions() ([]string, error) {
	entries, err := os.ReadDir(s.rootDir)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSession, "list session directory", err)
	}

	type idTime struct {
		id string
		t  time.Time
	}
	var ids []idTime
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		metaPath := filepath.Join(s.rootDir, e.Name(), "meta.json")
		info, err := os.Stat(metaPath)
		if err != nil {
			continue
		}
		ids = append(ids, idTime{id: e.Name(), t: info.ModTime()})
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i].t.Before(ids[j].t) })

	out := make([]string, len(ids))
	for i, e := range ids {
		out[i] = e.id
	}
	return out, nil
}

// sanitizeToolPairs repairs a possibly-interrupted message history in two
// passes: drop tool-role messages whose tool-use vanished (compaction or a
// manual edit removed the assistant message that issued it), then inject a
// synthetic tool-result for every remaining orphan tool-use, so the
// downstream driver's own repair logic (each provider driver patches
// dangling tool_use blocks before sending, per §4.E) never has to start
// from an impossible state — it sees a history that already round-trips.
func sanitizeToolPairs(messages []entity.Message) []entity.Message {
	toolUseIDs := make(map[string]bool)
	answeredIDs := make(map[string]bool)

	for _, m := range messages {
		if m.Role == entity.RoleAssistant {
			for _, tc := range m.ToolCalls {
				toolUseIDs[tc.ID] = true
			}
		}
		if m.Role == entity.RoleTool && m.ToolCallID != "" {
			answeredIDs[m.ToolCallID] = true
		}
	}

	repaired := make([]entity.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == entity.RoleTool && m.ToolCallID != "" && !toolUseIDs[m.ToolCallID] {
			continue
		}
		repaired = append(repaired, m)

		if m.Role == entity.RoleAssistant {
			for _, tc := range m.ToolCalls {
				if answeredIDs[tc.ID] {
					continue
				}
				repaired = append(repaired, entity.Message{
					Role:       entity.RoleTool,
					Content:    "[Session interrupted — tool call was not completed]",
					ToolCallID: tc.ID,
					ToolName:   tc.Name,
				})
				answeredIDs[tc.ID] = true
			}
		}
	}

	return repaired
}

func writeAtomicJSON(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apperr.Wrap(apperr.KindSession, "marshal session file", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperr.Wrap(apperr.KindSession, "write session temp file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return apperr.Wrap(apperr.KindSession, "rename session temp file", err)
	}
	return nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return apperr.New(apperr.KindSession, "session file "+path+" not found")
		}
		return apperr.Wrap(apperr.KindSession, "read session file", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Wrap(apperr.KindSession, "parse session file", err)
	}
	return nil
}
