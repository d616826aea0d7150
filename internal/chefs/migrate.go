package chefs

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// migration is one versioned step of the base schema. Steps that add
// columns skip the ones already present, so databases created before
// schema_migrations existed upgrade cleanly.
type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, tx *sql.Tx, d dialect) error
}

var migrations = []migration{
	{
		version: 1,
		name:    "create chefs",
		apply: func(ctx context.Context, tx *sql.Tx, d dialect) error {
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS chefs (
				id              %s,
				name            TEXT NOT NULL,
				restaurant_name TEXT,
				address         TEXT,
				season          INTEGER,
				status          TEXT,
				notes           TEXT
			)`, d.idColumn))
			return err
		},
	},
	{
		version: 2,
		name:    "add profile and location columns",
		apply: func(ctx context.Context, tx *sql.Tx, d dialect) error {
			return addMissingColumns(ctx, tx, d, []Column{
				{Name: "latitude", Type: d.realType},
				{Name: "longitude", Type: d.realType},
				{Name: "bio", Type: "TEXT"},
				{Name: "image_url", Type: "TEXT"},
				{Name: "perplexity_data", Type: "TEXT"},
				{Name: "last_updated", Type: "TEXT"},
			})
		},
	},
	{
		version: 3,
		name:    "add major field timestamp",
		apply: func(ctx context.Context, tx *sql.Tx, d dialect) error {
			return addMissingColumns(ctx, tx, d, []Column{
				{Name: "major_fields_updated_at", Type: "TEXT"},
			})
		},
	},
}

func addMissingColumns(ctx context.Context, tx *sql.Tx, d dialect, cols []Column) error {
	existing, err := listColumns(ctx, tx, d)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, c := range existing {
		have[strings.ToLower(c.Name)] = true
	}
	for _, c := range cols {
		if have[c.Name] {
			continue
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE chefs ADD COLUMN %s %s`, c.Name, c.Type)); err != nil {
			return fmt.Errorf("add column %s: %w", c.Name, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		s.logger.Info("applied schema migration", "version", m.version, "name", m.name)
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := m.apply(ctx, tx, s.dialect); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		s.dialect.rebind(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`),
		m.version, m.name, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	return int(v.Int64), nil
}

// seedRecords populate an empty table on first start.
var seedRecords = []Record{
	{"name": "Jean Dupont", "restaurant_name": "Le Petit Bistro", "address": "1 Rue de la Paix, Paris", "season": 1, "status": "Candidate", "notes": "Specializes in classic French cuisine."},
	{"name": "Marie Dubois", "address": "Lyon", "season": 2, "status": "Winner", "notes": ""},
	{"name": "Pierre Martin", "restaurant_name": "La Belle Assiette", "season": 1, "status": "Finalist", "notes": "Known for modern techniques."},
}

// Seed inserts the sample records when the table is empty and returns
// how many were added.
func (s *Store) Seed(ctx context.Context) (int, error) {
	n, err := s.Count(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, nil
	}
	for _, rec := range seedRecords {
		if _, err := s.Add(ctx, rec); err != nil {
			return 0, fmt.Errorf("seed %s: %w", rec.Name(), err)
		}
	}
	s.logger.Info("seeded chef table", "records", len(seedRecords))
	return len(seedRecords), nil
}
