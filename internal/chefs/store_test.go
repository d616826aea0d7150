package chefs

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Options{
		DSN:        filepath.Join(t.TempDir(), "chefs.db"),
		RetryDelay: time.Millisecond,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seededStore(t *testing.T) *Store {
	t.Helper()
	s := newTestStore(t)
	if _, err := s.Seed(context.Background()); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	return s
}

func idByName(t *testing.T, s *Store, name string) int64 {
	t.Helper()
	recs, err := s.All(context.Background())
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	for _, r := range recs {
		if r.Name() == name {
			return r.ID()
		}
	}
	t.Fatalf("no record named %q", name)
	return 0
}

func TestOpenAppliesMigrations(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "chefs.db")
	ctx := context.Background()

	for range 2 {
		s, err := Open(ctx, Options{DSN: dsn})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		v, err := s.SchemaVersion(ctx)
		if err != nil {
			t.Fatalf("SchemaVersion: %v", err)
		}
		if v != len(migrations) {
			t.Errorf("schema version = %d, want %d", v, len(migrations))
		}
		s.Close()
	}
}

func TestColumnsAfterMigration(t *testing.T) {
	s := newTestStore(t)
	cols, err := s.Columns(context.Background())
	if err != nil {
		t.Fatalf("Columns: %v", err)
	}
	have := make(map[string]bool)
	for _, c := range cols {
		have[c.Name] = true
	}
	for _, want := range []string{"id", "name", "season", "latitude", "longitude", "bio", "perplexity_data", "last_updated", "major_fields_updated_at"} {
		if !have[want] {
			t.Errorf("missing column %q", want)
		}
	}
}

func TestSeed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.Seed(ctx)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if n != 3 {
		t.Errorf("Seed added %d, want 3", n)
	}
	n, err = s.Seed(ctx)
	if err != nil {
		t.Fatalf("second Seed: %v", err)
	}
	if n != 0 {
		t.Errorf("second Seed added %d, want 0", n)
	}

	recs, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	var names []string
	for _, r := range recs {
		names = append(names, r.Name())
	}
	want := []string{"Jean Dupont", "Pierre Martin", "Marie Dubois"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("All order = %v, want %v", names, want)
	}
	if got := recs[0]["season"]; got != int64(1) {
		t.Errorf("season = %#v, want int64(1)", got)
	}
	if recs[0].String("last_updated") == "" {
		t.Error("seeded record should have last_updated")
	}
}

func TestSeasons(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()

	seasons, err := s.Seasons(ctx)
	if err != nil {
		t.Fatalf("Seasons: %v", err)
	}
	if !reflect.DeepEqual(seasons, []int{1, 2}) {
		t.Errorf("Seasons = %v, want [1 2]", seasons)
	}

	recs, err := s.BySeason(ctx, 2)
	if err != nil {
		t.Fatalf("BySeason: %v", err)
	}
	if len(recs) != 1 || recs[0].Name() != "Marie Dubois" {
		t.Errorf("BySeason(2) = %v", recs)
	}

	recs, err = s.BySeason(ctx, 99)
	if err != nil {
		t.Fatalf("BySeason(99): %v", err)
	}
	if recs == nil || len(recs) != 0 {
		t.Errorf("BySeason(99) = %#v, want empty non-nil slice", recs)
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), 42); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing: err = %v, want ErrNotFound", err)
	}
}

func TestAdd(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Add(ctx, Record{"name": "Hélène Darroze", "season": 3, "status": "Judge"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Name() != "Hélène Darroze" || rec.String("status") != "Judge" {
		t.Errorf("record = %v", rec)
	}
	if rec.String("major_fields_updated_at") == "" {
		t.Error("season is a major field; timestamp should be set")
	}

	if _, err := s.Add(ctx, Record{"name": "  "}); !errors.Is(err, ErrNameRequired) {
		t.Errorf("blank name: err = %v, want ErrNameRequired", err)
	}
	if _, err := s.Add(ctx, Record{"name": "X", "latitude": 1.0}); !errors.Is(err, ErrCoordinatePair) {
		t.Errorf("lone latitude: err = %v, want ErrCoordinatePair", err)
	}
}

func TestUpdate(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()
	id := idByName(t, s, "Pierre Martin")

	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	if err := s.Update(ctx, id, map[string]any{"notes": "Moved to Bordeaux"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	rec, _ := s.Get(ctx, id)
	if rec.String("notes") != "Moved to Bordeaux" {
		t.Errorf("notes = %q", rec.String("notes"))
	}
	if got, _ := rec.Time("last_updated"); !got.Equal(fixed) {
		t.Errorf("last_updated = %v, want %v", got, fixed)
	}
	if got, _ := rec.Time("major_fields_updated_at"); got.Equal(fixed) {
		t.Error("notes is not a major field; major timestamp should not move")
	}

	if err := s.Update(ctx, id, map[string]any{"address": "12 Quai des Chartrons, Bordeaux"}); err != nil {
		t.Fatalf("Update address: %v", err)
	}
	rec, _ = s.Get(ctx, id)
	if got, _ := rec.Time("major_fields_updated_at"); !got.Equal(fixed) {
		t.Errorf("major_fields_updated_at = %v, want %v", got, fixed)
	}
}

func TestUpdateRejections(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()
	id := idByName(t, s, "Jean Dupont")
	before, _ := s.Get(ctx, id)

	tests := []struct {
		name   string
		fields map[string]any
		want   error
	}{
		{"empty", map[string]any{}, ErrNoFields},
		{"id", map[string]any{"id": 5}, ErrFieldNotAllowed},
		{"timestamp", map[string]any{"last_updated": "x"}, ErrFieldNotAllowed},
		{"unknown", map[string]any{"favorite_color": "blue"}, ErrFieldNotAllowed},
		{"bare prefix", map[string]any{"custom_": "x"}, ErrFieldNotAllowed},
		{"lone latitude", map[string]any{"latitude": 48.8}, ErrCoordinatePair},
		{"lone longitude", map[string]any{"longitude": 2.3}, ErrCoordinatePair},
		{"null latitude with longitude", map[string]any{"latitude": nil, "longitude": 2.40}, ErrCoordinatePair},
		{"latitude with null longitude", map[string]any{"latitude": 48.8, "longitude": nil}, ErrCoordinatePair},
		{"blank name", map[string]any{"name": ""}, ErrNameRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Update(ctx, id, tt.fields); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	after, _ := s.Get(ctx, id)
	if !reflect.DeepEqual(before, after) {
		t.Errorf("record changed by rejected updates:\nbefore %v\nafter  %v", before, after)
	}

	if err := s.Update(ctx, 9999, map[string]any{"notes": "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing id: err = %v, want ErrNotFound", err)
	}
}

func TestSetCoordinates(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()
	id := idByName(t, s, "Jean Dupont")

	if err := s.SetCoordinates(ctx, id, 48.86, 2.36); err != nil {
		t.Fatalf("SetCoordinates: %v", err)
	}
	rec, _ := s.Get(ctx, id)
	lat, _ := rec.Float("latitude")
	lon, _ := rec.Float("longitude")
	if lat != 48.86 || lon != 2.36 {
		t.Errorf("coords = (%v, %v), want (48.86, 2.36)", lat, lon)
	}

	if err := s.SetCoordinates(ctx, id, 91, 0); !errors.Is(err, ErrCoordinateRange) {
		t.Errorf("lat 91: err = %v, want ErrCoordinateRange", err)
	}
	rec, _ = s.Get(ctx, id)
	if !rec.HasCoordinates() {
		t.Error("rejected write should leave prior coordinates intact")
	}
}

func TestAddRemoveColumn(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()

	created, err := s.AddColumn(ctx, "custom_michelin_stars", "INTEGER")
	if err != nil || !created {
		t.Fatalf("AddColumn = %v, %v; want true, nil", created, err)
	}
	created, err = s.AddColumn(ctx, "custom_michelin_stars", "INTEGER")
	if err != nil || created {
		t.Errorf("AddColumn existing = %v, %v; want false, nil", created, err)
	}

	id := idByName(t, s, "Marie Dubois")
	if err := s.Update(ctx, id, map[string]any{"custom_michelin_stars": 2}); err != nil {
		t.Fatalf("Update custom column: %v", err)
	}
	rec, _ := s.Get(ctx, id)
	if rec["custom_michelin_stars"] != int64(2) {
		t.Errorf("custom_michelin_stars = %#v", rec["custom_michelin_stars"])
	}

	removed, err := s.RemoveColumn(ctx, "custom_michelin_stars")
	if err != nil || !removed {
		t.Fatalf("RemoveColumn = %v, %v; want true, nil", removed, err)
	}
	removed, err = s.RemoveColumn(ctx, "custom_michelin_stars")
	if err != nil || removed {
		t.Errorf("RemoveColumn missing = %v, %v; want false, nil", removed, err)
	}
}

func TestSchemaRaceErrorsCountAsDone(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()

	// Replay what a writer that lost the race would see from SQLite.
	_, dupErr := s.DB().ExecContext(ctx, `ALTER TABLE chefs ADD COLUMN name TEXT`)
	if dupErr == nil || !isDuplicateColumn(dupErr) {
		t.Errorf("isDuplicateColumn(%v) = false", dupErr)
	}
	_, goneErr := s.DB().ExecContext(ctx, `ALTER TABLE chefs DROP COLUMN custom_never_added`)
	if goneErr == nil || !isMissingColumn(goneErr) {
		t.Errorf("isMissingColumn(%v) = false", goneErr)
	}

	tests := []struct {
		name      string
		err       error
		duplicate bool
		missing   bool
	}{
		{"postgres duplicate", fmt.Errorf("add column: %w", &pgconn.PgError{Code: "42701"}), true, false},
		{"postgres undefined", &pgconn.PgError{Code: "42703"}, false, true},
		{"postgres other", &pgconn.PgError{Code: "42P01"}, false, false},
		{"unrelated", errors.New("disk I/O error"), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isDuplicateColumn(tt.err); got != tt.duplicate {
				t.Errorf("isDuplicateColumn = %v, want %v", got, tt.duplicate)
			}
			if got := isMissingColumn(tt.err); got != tt.missing {
				t.Errorf("isMissingColumn = %v, want %v", got, tt.missing)
			}
		})
	}
}

func TestBaseColumnsSurviveRemoval(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()
	id := idByName(t, s, "Jean Dupont")

	for _, col := range []string{"season", "last_updated", "major_fields_updated_at", "latitude"} {
		if removed, err := s.RemoveColumn(ctx, col); removed || !errors.Is(err, ErrProtectedColumn) {
			t.Errorf("RemoveColumn(%q) = %v, %v", col, removed, err)
		}
	}
	if err := s.Update(ctx, id, map[string]any{"bio": "Chef à Lyon", "season": 9}); err != nil {
		t.Fatalf("Update after refused removals: %v", err)
	}
	if _, err := s.BySeason(ctx, 9); err != nil {
		t.Errorf("BySeason: %v", err)
	}
}

func TestSchemaValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		col     string
		colType string
		want    error
	}{
		{"injection in name", "x; DROP TABLE chefs", "TEXT", ErrInvalidIdentifier},
		{"leading digit", "1col", "TEXT", ErrInvalidIdentifier},
		{"dash", "my-col", "TEXT", ErrInvalidIdentifier},
		{"semicolon in type", "ok_col", "TEXT; DROP TABLE chefs", ErrInvalidColumnType},
		{"comment in type", "ok_col", "TEXT --", ErrInvalidColumnType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.AddColumn(ctx, tt.col, tt.colType); !errors.Is(err, tt.want) {
				t.Errorf("AddColumn err = %v, want %v", err, tt.want)
			}
		})
	}

	for _, col := range []string{"id", "name", "NAME", "season", "last_updated", "major_fields_updated_at", "address"} {
		if _, err := s.RemoveColumn(ctx, col); !errors.Is(err, ErrProtectedColumn) {
			t.Errorf("RemoveColumn(%q) err = %v, want ErrProtectedColumn", col, err)
		}
	}

	if created, err := s.AddColumn(ctx, "custom_plain", ""); err != nil || !created {
		t.Errorf("AddColumn default type = %v, %v", created, err)
	}
}

func TestHeader(t *testing.T) {
	recs := []Record{
		{"id": int64(1), "name": "A", "address": "x", "status": "s", "zeta": 1},
		{"id": int64(2), "name": "B", "bio": "b", "custom_tv": "y"},
	}
	want := []string{"id", "name", "bio", "status", "address", "custom_tv", "zeta"}
	if got := Header(recs); !reflect.DeepEqual(got, want) {
		t.Errorf("Header = %v, want %v", got, want)
	}
	if got := Header(nil); len(got) != 0 {
		t.Errorf("Header(nil) = %v, want empty", got)
	}
}

func TestFieldAllowed(t *testing.T) {
	tests := map[string]bool{
		"address":       true,
		"latitude":      true,
		"custom_tv":     true,
		"custom_":       false,
		"custom_bad-id": false,
		"id":            false,
		"last_updated":  false,
	}
	for field, want := range tests {
		if got := FieldAllowed(field); got != want {
			t.Errorf("FieldAllowed(%q) = %v, want %v", field, got, want)
		}
	}
}

func TestRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	calls := 0
	err := s.retry(ctx, "flaky", func() error {
		calls++
		return driver.ErrBadConn
	})
	if !errors.Is(err, driver.ErrBadConn) {
		t.Errorf("err = %v, want wrapped ErrBadConn", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}

	calls = 0
	err = s.retry(ctx, "recovers", func() error {
		calls++
		if calls < 2 {
			return driver.ErrBadConn
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Errorf("recovering op: err = %v, calls = %d", err, calls)
	}

	calls = 0
	bad := errors.New("syntax error")
	if err := s.retry(ctx, "broken", func() error { calls++; return bad }); !errors.Is(err, bad) || calls != 1 {
		t.Errorf("non-connection error: err = %v, calls = %d; want no retry", err, calls)
	}
}

func TestRebind(t *testing.T) {
	q := `UPDATE chefs SET a = ?, b = ? WHERE id = ?`
	if got := sqliteDialect.rebind(q); got != q {
		t.Errorf("sqlite rebind changed query: %s", got)
	}
	want := `UPDATE chefs SET a = $1, b = $2 WHERE id = $3`
	if got := postgresDialect.rebind(q); got != want {
		t.Errorf("postgres rebind = %s, want %s", got, want)
	}
}

func TestRecordAccessors(t *testing.T) {
	r := Record{"id": int64(7), "name": "N", "latitude": "48.5", "longitude": 2.0, "season": int64(4)}
	if r.ID() != 7 {
		t.Errorf("ID = %d", r.ID())
	}
	if !r.HasCoordinates() {
		t.Error("HasCoordinates should accept numeric strings")
	}
	if r.String("season") != "4" || r.String("missing") != "" {
		t.Errorf("String conversions wrong: %q %q", r.String("season"), r.String("missing"))
	}
}
