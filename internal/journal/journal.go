// Package journal keeps the agent's append-only log of observations,
// actions, errors, insights, and corrections in a single JSON file.
// The file is read whole and rewritten whole on every append.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// EntryType classifies a journal entry.
type EntryType string

// Entry types.
const (
	Observation EntryType = "Observation"
	Action      EntryType = "Action"
	Error       EntryType = "Error"
	Insight     EntryType = "Insight"
	Correction  EntryType = "Correction"
)

// Types lists every valid entry type.
var Types = []EntryType{Observation, Action, Error, Insight, Correction}

// Sentinel errors.
var (
	ErrInvalidEntry     = errors.New("invalid journal entry")
	ErrMissingReference = errors.New("correction entries must reference a prior entry")
	ErrUnexpectedRef    = errors.New("only correction entries may reference a prior entry")
	ErrUnknownReference = errors.New("referenced journal entry does not exist")
)

// Entry is one journal line.
type Entry struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Type        EntryType `json:"type" validate:"required,oneof=Observation Action Error Insight Correction"`
	Details     string    `json:"details" validate:"required,max=8000"`
	ChefID      *int64    `json:"chef_id,omitempty" validate:"omitempty,gt=0"`
	Season      *int      `json:"season,omitempty" validate:"omitempty,gte=0"`
	ReferenceID string    `json:"reference_id,omitempty" validate:"omitempty,uuid"`
}

// Filter narrows Recent.
type Filter struct {
	ChefID *int64
	Type   EntryType
	Limit  int
}

// Store is a JSON-file journal. Appends are serialized by a mutex and
// written atomically through a temp file and rename.
type Store struct {
	path     string
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time

	mu sync.Mutex
}

// NewStore returns a journal backed by path. The file and its parent
// directory are created on first append.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:     path,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Validate checks an entry without storing it. Referential integrity is
// checked by Append.
func (s *Store) Validate(e Entry) error {
	if err := s.validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	switch {
	case e.Type == Correction && e.ReferenceID == "":
		return ErrMissingReference
	case e.Type != Correction && e.ReferenceID != "":
		return ErrUnexpectedRef
	}
	return nil
}

// Append validates e, assigns its id and timestamp, and rewrites the
// journal with e at the end. The stored entry is returned.
func (s *Store) Append(ctx context.Context, e Entry) (Entry, error) {
	if err := s.Validate(e); err != nil {
		return Entry{}, err
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.read()
	if err != nil {
		return Entry{}, err
	}

	if e.ReferenceID != "" {
		found := false
		for _, prev := range entries {
			if prev.ID == e.ReferenceID {
				found = true
				break
			}
		}
		if !found {
			return Entry{}, fmt.Errorf("%w: %s", ErrUnknownReference, e.ReferenceID)
		}
	}

	e.ID = uuid.NewString()
	e.Timestamp = s.now()
	entries = append(entries, e)

	if err := s.write(entries); err != nil {
		return Entry{}, err
	}
	s.logger.Debug("journal entry appended", "id", e.ID, "type", e.Type)
	return e, nil
}

// Load returns every entry in append order. A missing file is an empty
// journal.
func (s *Store) Load(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// Recent returns the newest entries matching f, oldest first. A zero
// Limit means no limit.
func (s *Store) Recent(ctx context.Context, f Filter) ([]Entry, error) {
	all, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.ChefID != nil && (e.ChefID == nil || *e.ChefID != *f.ChefID) {
			continue
		}
		out = append(out, e)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

func (s *Store) read() ([]Entry, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	if len(data) == 0 {
		return []Entry{}, nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse journal %s: %w", s.path, err)
	}
	return entries, nil
}

func (s *Store) write(entries []Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode journal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".journal-*.json")
	if err != nil {
		return fmt.Errorf("create temp journal: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp journal: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace journal: %w", err)
	}
	return nil
}

// ParseType maps a case-insensitive type name onto an EntryType.
func ParseType(s string) (EntryType, bool) {
	for _, t := range Types {
		if strings.EqualFold(string(t), strings.TrimSpace(s)) {
			return t, true
		}
	}
	return "", false
}
