package chefs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Column describes one column of the chefs table.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func listColumns(ctx context.Context, q queryer, d dialect) ([]Column, error) {
	var query string
	switch d.name {
	case DriverPostgres:
		query = `SELECT column_name, data_type FROM information_schema.columns
		         WHERE table_name = 'chefs' AND table_schema = current_schema()
		         ORDER BY ordinal_position`
	default:
		query = `SELECT name, type FROM pragma_table_info('chefs') ORDER BY cid`
	}

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// Columns returns the current column set in table order.
func (s *Store) Columns(ctx context.Context) ([]Column, error) {
	var cols []Column
	err := s.retry(ctx, "list columns", func() error {
		var err error
		cols, err = listColumns(ctx, s.db, s.dialect)
		return err
	})
	return cols, err
}

func (s *Store) hasColumn(ctx context.Context, name string) (bool, error) {
	cols, err := s.Columns(ctx)
	if err != nil {
		return false, err
	}
	for _, c := range cols {
		if strings.EqualFold(c.Name, name) {
			return true, nil
		}
	}
	return false, nil
}

// AddColumn adds a column of the given SQL type, defaulting to TEXT.
// Adding a column that already exists succeeds with created false.
func (s *Store) AddColumn(ctx context.Context, name, colType string) (bool, error) {
	if !ValidIdentifier(name) {
		return false, fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	colType = strings.TrimSpace(colType)
	if colType == "" {
		colType = "TEXT"
	}
	if strings.Contains(colType, ";") || !typeRe.MatchString(colType) {
		return false, fmt.Errorf("%w: %q", ErrInvalidColumnType, colType)
	}

	exists, err := s.hasColumn(ctx, name)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	stmt := fmt.Sprintf(`ALTER TABLE chefs ADD COLUMN %s %s`, name, colType)
	if err := s.retry(ctx, "add column", func() error {
		_, err := s.db.ExecContext(ctx, stmt)
		return err
	}); err != nil {
		if isDuplicateColumn(err) {
			return false, nil
		}
		return false, fmt.Errorf("add column %s: %w", name, err)
	}
	s.logger.Info("added column", "column", name, "type", colType)
	return true, nil
}

// RemoveColumn drops a column. Base schema columns are protected. Removing a
// column that does not exist succeeds with removed false.
func (s *Store) RemoveColumn(ctx context.Context, name string) (bool, error) {
	if !ValidIdentifier(name) {
		return false, fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	if protectedColumns[strings.ToLower(name)] {
		return false, fmt.Errorf("%w: %s", ErrProtectedColumn, name)
	}

	exists, err := s.hasColumn(ctx, name)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	stmt := fmt.Sprintf(`ALTER TABLE chefs DROP COLUMN %s`, name)
	if err := s.retry(ctx, "remove column", func() error {
		_, err := s.db.ExecContext(ctx, stmt)
		return err
	}); err != nil {
		if isMissingColumn(err) {
			return false, nil
		}
		return false, fmt.Errorf("remove column %s: %w", name, err)
	}
	s.logger.Info("removed column", "column", name)
	return true, nil
}

// isDuplicateColumn reports an ADD COLUMN that lost a race with another
// writer adding the same column.
func isDuplicateColumn(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42701" // duplicate_column
	}
	return strings.Contains(err.Error(), "duplicate column name")
}

// isMissingColumn reports a DROP COLUMN whose column is already gone.
func isMissingColumn(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42703" // undefined_column
	}
	return strings.Contains(err.Error(), "no such column")
}
