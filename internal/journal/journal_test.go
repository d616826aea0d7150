package journal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "data", "journal.json"), nil)
}

func TestLoadMissingFile(t *testing.T) {
	s := newTestStore(t)
	entries, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if entries == nil || len(entries) != 0 {
		t.Errorf("Load on missing file = %#v, want empty slice", entries)
	}
}

func TestAppendIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, typ := range []EntryType{Observation, Action, Insight} {
		before, _ := s.Load(ctx)
		got, err := s.Append(ctx, Entry{Type: typ, Details: "entry"})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		if _, err := uuid.Parse(got.ID); err != nil {
			t.Errorf("id %q is not a UUID", got.ID)
		}
		if got.Timestamp.Location().String() != "UTC" {
			t.Errorf("timestamp location = %v, want UTC", got.Timestamp.Location())
		}

		after, err := s.Load(ctx)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(after) != len(before)+1 {
			t.Fatalf("len after = %d, want %d", len(after), len(before)+1)
		}
		if after[len(after)-1].ID != got.ID {
			t.Errorf("last id = %s, want %s", after[len(after)-1].ID, got.ID)
		}
	}
}

func TestAppendAssignsOwnID(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Append(context.Background(), Entry{ID: "caller-supplied", Type: Action, Details: "x"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got.ID == "caller-supplied" {
		t.Error("Append should generate the id")
	}
}

func TestCorrectionRules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	orig, err := s.Append(ctx, Entry{Type: Observation, Details: "Address looks stale"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	tests := []struct {
		name  string
		entry Entry
		want  error
	}{
		{"correction without reference", Entry{Type: Correction, Details: "x"}, ErrMissingReference},
		{"observation with reference", Entry{Type: Observation, Details: "x", ReferenceID: orig.ID}, ErrUnexpectedRef},
		{"dangling reference", Entry{Type: Correction, Details: "x", ReferenceID: uuid.NewString()}, ErrUnknownReference},
		{"malformed reference", Entry{Type: Correction, Details: "x", ReferenceID: "not-a-uuid"}, ErrInvalidEntry},
		{"bad type", Entry{Type: "Musing", Details: "x"}, ErrInvalidEntry},
		{"empty details", Entry{Type: Action}, ErrInvalidEntry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Append(ctx, tt.entry); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	entries, _ := s.Load(ctx)
	if len(entries) != 1 {
		t.Fatalf("rejected entries were stored: %d entries", len(entries))
	}

	fix, err := s.Append(ctx, Entry{Type: Correction, Details: "Address was right", ReferenceID: orig.ID})
	if err != nil {
		t.Fatalf("valid correction: %v", err)
	}
	if fix.ReferenceID != orig.ID {
		t.Errorf("reference = %s, want %s", fix.ReferenceID, orig.ID)
	}
}

func TestRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seven := int64(7)
	eight := int64(8)

	for _, e := range []Entry{
		{Type: Observation, Details: "a", ChefID: &seven},
		{Type: Action, Details: "b", ChefID: &eight},
		{Type: Action, Details: "c", ChefID: &seven},
		{Type: Error, Details: "d"},
	} {
		if _, err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.Recent(ctx, Filter{ChefID: &seven})
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].Details != "a" || got[1].Details != "c" {
		t.Errorf("chef 7 entries = %+v", got)
	}

	got, _ = s.Recent(ctx, Filter{Type: Action, Limit: 1})
	if len(got) != 1 || got[0].Details != "c" {
		t.Errorf("latest action = %+v", got)
	}

	got, _ = s.Recent(ctx, Filter{Limit: 2})
	if len(got) != 2 || got[1].Details != "d" {
		t.Errorf("last two = %+v", got)
	}
}

func TestConcurrentAppend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Append(ctx, Entry{Type: Action, Details: "parallel"}); err != nil {
				t.Errorf("Append: %v", err)
			}
		}()
	}
	wg.Wait()

	entries, _ := s.Load(ctx)
	if len(entries) != 20 {
		t.Errorf("entries = %d, want 20", len(entries))
	}
}

func TestCorruptFile(t *testing.T) {
	s := newTestStore(t)
	if err := os.MkdirAll(filepath.Dir(s.Path()), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.Path(), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(context.Background(), Entry{Type: Action, Details: "x"}); err == nil {
		t.Error("Append over corrupt file should fail rather than overwrite it")
	}
}

func TestParseType(t *testing.T) {
	if got, ok := ParseType(" correction "); !ok || got != Correction {
		t.Errorf("ParseType = %q, %v", got, ok)
	}
	if _, ok := ParseType("musing"); ok {
		t.Error("ParseType accepted unknown type")
	}
}
