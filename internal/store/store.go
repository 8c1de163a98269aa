// Package store persists session transcripts as JSON files on disk.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stratos/relay/internal/history"
	"github.com/stratos/relay/internal/types"
)

// Record is the on-disk shape of one persisted session. LogEntries and Todos
// are carried as raw JSON: the engine never interprets them, it only keeps
// them intact across save/load cycles.
type Record struct {
	ID         string          `json:"id"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Messages   []types.Message `json:"messages"`
	LogEntries json.RawMessage `json:"log_entries,omitempty"`
	Todos      json.RawMessage `json:"todos,omitempty"`
}

// Info summarizes a persisted session for listings.
type Info struct {
	ID        string
	UpdatedAt time.Time
	Messages  int
}

// Store reads and writes session records under one directory.
type Store struct {
	dir    string
	logger *zap.Logger
}

// New creates a store rooted at dir, creating it if needed.
func New(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

func (s *Store) path(id string) (string, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("invalid session id %q", id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

// Save writes the record, stamping UpdatedAt. CreatedAt is preserved from an
// existing record when the caller leaves it zero.
func (s *Store) Save(rec Record) error {
	path, err := s.path(rec.ID)
	if err != nil {
		return err
	}

	now := time.Now()
	rec.UpdatedAt = now
	if rec.CreatedAt.IsZero() {
		if existing, err := s.Load(rec.ID); err == nil {
			rec.CreatedAt = existing.CreatedAt
		} else {
			rec.CreatedAt = now
		}
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", rec.ID, err)
	}

	// Write-then-rename so a crash mid-write never corrupts the record.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write session %s: %w", rec.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename session %s: %w", rec.ID, err)
	}

	s.logger.Debug("session saved",
		zap.String("session_id", rec.ID),
		zap.Int("messages", len(rec.Messages)))
	return nil
}

// Load reads a record and repairs its message history: tool results whose
// calls are missing (e.g. the file was written by an older build or edited by
// hand) are dropped rather than poisoning the next provider request.
func (s *Store) Load(id string) (Record, error) {
	path, err := s.path(id)
	if err != nil {
		return Record{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, fmt.Errorf("read session %s: %w", id, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("parse session %s: %w", id, err)
	}

	repaired, dropped := history.Repair(rec.Messages)
	if len(dropped) > 0 {
		s.logger.Warn("dropped orphaned tool messages from persisted session",
			zap.String("session_id", id),
			zap.Ints("indices", dropped))
	}
	rec.Messages = repaired
	return rec, nil
}

// List returns summaries of all persisted sessions, most recently updated
// first.
func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var infos []Info
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		rec, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			s.logger.Warn("skipping unreadable session file",
				zap.String("file", name), zap.Error(err))
			continue
		}
		infos = append(infos, Info{
			ID:        rec.ID,
			UpdatedAt: rec.UpdatedAt,
			Messages:  len(rec.Messages),
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
	return infos, nil
}

// Delete removes a persisted session. Deleting a session that does not exist
// is an error.
func (s *Store) Delete(id string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// Exists reports whether a persisted session is present.
func (s *Store) Exists(id string) bool {
	path, err := s.path(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}
