// Package page implements the content-addressed page store: directory-
// backed, file-per-page, write-then-rename durability, and deterministic
// ids so structurally identical compactions dedupe automatically.
package page

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ngoclaw/gro/internal/apperr"
)

// Lane is the swimlane a page's source messages were drawn from.
type Lane string

const (
	LaneUser      Lane = "user"
	LaneAssistant Lane = "assistant"
	LaneSystem    Lane = "system"
	LaneTool      Lane = "tool"
)

// Page is one immutable (save for its Summary field) compaction artifact.
type Page struct {
	ID            string  `json:"id"`
	Label         string  `json:"label"`
	Body          string  `json:"content"`
	CreatedAt     int64   `json:"createdAt"`
	SourceCount   int     `json:"messageCount"`
	TokenEstimate int     `json:"tokens"`
	Lane          Lane    `json:"lane,omitempty"`
	Summary       string  `json:"summary,omitempty"`
	MaxImportance float64 `json:"maxImportance,omitempty"`
}

// ID derives a page's content-addressed id: structurally identical bodies
// always produce the same id, so repeated compactions of the same messages
// dedupe without any coordination.
func ID(body string) string {
	sum := sha256.Sum256([]byte(body))
	return "pg_" + hex.EncodeToString(sum[:])[:12]
}

// Store is a directory-backed, file-per-page store. Writes are
// write-then-rename; reads are lazy (no index held beyond directory
// listing, callers that want ranked listing should layer a persistence
// index on top — see internal/persistence).
type Store struct {
	mu  sync.Mutex
	dir string
}

// NewStore opens (creating if necessary) a page store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindSession, "create page store directory", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Create writes a new page derived from body, returning its id. Creating a
// page whose content already exists is a silent no-op: the existing id is
// returned and the file is left untouched.
func (s *Store) Create(label string, body string, lane Lane, sourceCount int, tokenEstimate int, maxImportance float64) (string, error) {
	id := ID(body)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path(id)); err == nil {
		return id, nil
	}

	p := Page{
		ID:            id,
		Label:         label,
		Body:          body,
		CreatedAt:     time.Now().UTC().UnixNano(),
		SourceCount:   sourceCount,
		TokenEstimate: tokenEstimate,
		Lane:          lane,
		MaxImportance: maxImportance,
	}

	if err := s.writeAtomic(id, &p); err != nil {
		return "", err
	}
	return id, nil
}

// Read loads a page by id.
func (s *Store) Read(id string) (*Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(id)
}

func (s *Store) readLocked(id string) (*Page, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.New(apperr.KindSession, fmt.Sprintf("page %s not found", id))
		}
		return nil, apperr.Wrap(apperr.KindSession, "read page", err)
	}
	var p Page
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, apperr.Wrap(apperr.KindSession, "parse page", err)
	}
	return &p, nil
}

// UpdateSummary rewrites only a page's Summary field, atomically. This is
// the one mutation pages permit after creation (append-only otherwise),
// used by synchronous and batch summarization (§4.G/§4.H) to fill in the
// eventual summary text.
func (s *Store) UpdateSummary(id string, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.readLocked(id)
	if err != nil {
		return err
	}
	p.Summary = summary
	return s.writeAtomic(id, p)
}

func (s *Store) writeAtomic(id string, p *Page) error {
	data, err := json.Marshal(p)
	if err != nil {
		return apperr.Wrap(apperr.KindSession, "marshal page", err)
	}

	tmp := s.path(id) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperr.Wrap(apperr.KindSession, "write page temp file", err)
	}
	if err := os.Rename(tmp, s.path(id)); err != nil {
		os.Remove(tmp)
		return apperr.Wrap(apperr.KindSession, "rename page temp file", err)
	}
	return nil
}

// List returns every page's id and label, sorted by CreatedAt ascending.
func (s *Store) List() ([]Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSession, "list page directory", err)
	}

	var pages []Page
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		p, err := s.readLocked(id)
		if err != nil {
			continue
		}
		pages = append(pages, *p)
	}

	sort.Slice(pages, func(i, j int) bool { return pages[i].CreatedAt < pages[j].CreatedAt })
	return pages, nil
}

// Delete removes a page file. Deleting a page that doesn't exist is not an
// error.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return apperr.Wrap(apperr.KindSession, "delete page", err)
	}
	return nil
}
