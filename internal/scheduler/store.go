package scheduler

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// storeVersion is recorded in PRAGMA user_version. Bump it with a new
// entry in storeMigrations.
const storeVersion = 1

var storeMigrations = []string{
	// 1: execution history, times as Unix milliseconds.
	`CREATE TABLE IF NOT EXISTS executions (
		id           TEXT PRIMARY KEY,
		task         TEXT NOT NULL,
		count        INTEGER NOT NULL,
		scheduled_ms INTEGER NOT NULL,
		started_ms   INTEGER,
		completed_ms INTEGER,
		status       TEXT NOT NULL,
		result       TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_executions_task_scheduled ON executions(task, scheduled_ms);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);`,
}

const executionColumns = `id, task, count, scheduled_ms, started_ms, completed_ms, status, result`

// Store persists execution history in SQLite so job counters and the
// jobs view survive restarts.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the execution database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open execution store: %w", err)
	}
	// One writer; the jobs view reads between firings.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate execution store: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return err
	}
	if version > storeVersion {
		return fmt.Errorf("execution store is version %d, this build knows %d", version, storeVersion)
	}
	for v := version; v < len(storeMigrations); v++ {
		if _, err := s.db.Exec(storeMigrations[v]); err != nil {
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		if _, err := s.db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, v+1)); err != nil {
			return err
		}
	}
	return nil
}

// NewID returns a time-ordered UUIDv7 string.
func NewID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func toMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64).UTC()
	return &t
}

// CreateExecution inserts e, assigning an ID when it has none.
func (s *Store) CreateExecution(e *Execution) error {
	if e.ID == "" {
		e.ID = NewID()
	}
	_, err := s.db.Exec(`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Task, e.Count, e.ScheduledAt.UnixMilli(),
		toMillis(e.StartedAt), toMillis(e.CompletedAt), e.Status, e.Result)
	return err
}

// UpdateExecution writes the mutable fields of e.
func (s *Store) UpdateExecution(e *Execution) error {
	res, err := s.db.Exec(`UPDATE executions SET started_ms = ?, completed_ms = ?, status = ?, result = ? WHERE id = ?`,
		toMillis(e.StartedAt), toMillis(e.CompletedAt), e.Status, e.Result, e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %s: %w", e.ID, sql.ErrNoRows)
	}
	return nil
}

func (s *Store) GetExecution(id string) (*Execution, error) {
	return scanExecution(s.db.QueryRow(`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
}

// ListExecutions returns up to limit executions, newest first. An empty
// task lists every task; limit <= 0 means 100.
func (s *Store) ListExecutions(task string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if task == "" {
		rows, err = s.db.Query(`SELECT `+executionColumns+` FROM executions
			ORDER BY scheduled_ms DESC, id DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(`SELECT `+executionColumns+` FROM executions WHERE task = ?
			ORDER BY scheduled_ms DESC, id DESC LIMIT ?`, task, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastCount returns the highest firing count recorded for task, or 0.
// Pruning keeps the newest rows, so the maximum survives.
func (s *Store) LastCount(task string) (int, error) {
	var n sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(count) FROM executions WHERE task = ?`, task).Scan(&n); err != nil {
		return 0, err
	}
	return int(n.Int64), nil
}

// MarkInterrupted closes out executions still marked running. Only a
// previous process can leave those behind. It returns the rows changed.
func (s *Store) MarkInterrupted(now time.Time) (int, error) {
	res, err := s.db.Exec(`UPDATE executions SET status = ?, completed_ms = ?, result = ? WHERE status = ?`,
		StatusInterrupted, now.UnixMilli(), "process exited before completion", StatusRunning)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Prune deletes all but the newest keep executions of task and returns
// how many were removed.
func (s *Store) Prune(task string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.db.Exec(`DELETE FROM executions WHERE task = ? AND id NOT IN (
		SELECT id FROM executions WHERE task = ? ORDER BY scheduled_ms DESC, id DESC LIMIT ?)`,
		task, task, keep)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*Execution, error) {
	var (
		e                  Execution
		scheduled          int64
		started, completed sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.Task, &e.Count, &scheduled, &started, &completed, &e.Status, &e.Result); err != nil {
		return nil, err
	}
	e.ScheduledAt = time.UnixMilli(scheduled).UTC()
	e.StartedAt = fromMillis(started)
	e.CompletedAt = fromMillis(completed)
	return &e, nil
}
