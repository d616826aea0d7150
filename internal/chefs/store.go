package chefs

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Options configures Open.
type Options struct {
	Driver     string
	DSN        string
	Retries    int
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Store is the chef record table. Every method runs its own short-lived
// statement; concurrent writers to the same row are last-writer-wins.
type Store struct {
	db         *sql.DB
	dialect    dialect
	retries    int
	retryDelay time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// dialect isolates the few SQL differences between the two backends.
type dialect struct {
	name       string
	idColumn   string
	realType   string
	dollarArgs bool
}

var (
	sqliteDialect   = dialect{name: DriverSQLite, idColumn: "INTEGER PRIMARY KEY AUTOINCREMENT", realType: "REAL"}
	postgresDialect = dialect{name: DriverPostgres, idColumn: "SERIAL PRIMARY KEY", realType: "DOUBLE PRECISION", dollarArgs: true}
)

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (d dialect) rebind(query string) string {
	if !d.dollarArgs {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Open connects to the database and applies pending migrations.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}

	d := sqliteDialect
	dsn := opts.DSN
	switch opts.Driver {
	case "", DriverSQLite:
		if !strings.Contains(dsn, "?") {
			dsn += "?_busy_timeout=5000&_journal_mode=WAL"
		}
	case DriverPostgres:
		d = postgresDialect
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}

	db, err := sql.Open(d.name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{
		db:         db,
		dialect:    d,
		retries:    opts.Retries,
		retryDelay: opts.RetryDelay,
		logger:     opts.Logger,
		now:        func() time.Time { return time.Now().UTC() },
	}

	if err := s.retry(ctx, "ping", func() error { return db.PingContext(ctx) }); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for components sharing the database.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Driver returns the driver name in use.
func (s *Store) Driver() string {
	return s.dialect.name
}

// retry runs fn up to s.retries times while it fails with a
// connection-loss error, sleeping a fixed delay between attempts.
func (s *Store) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.retries; attempt++ {
		err = fn()
		if err == nil || !isConnectionLoss(err) {
			return err
		}
		s.logger.Warn("database connection lost",
			"op", op,
			"attempt", attempt,
			"max_attempts", s.retries,
			"error", err,
		)
		if attempt == s.retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retryDelay):
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", op, s.retries, err)
}

// isConnectionLoss reports whether err means the database was
// unreachable rather than that the statement was wrong.
func isConnectionLoss(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exception.
		return strings.HasPrefix(pgErr.Code, "08")
	}
	return pgconn.SafeToRetry(err)
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) query(ctx context.Context, op, query string, args ...any) ([]Record, error) {
	var out []Record
	err := s.retry(ctx, op, func() error {
		rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
		if err != nil {
			return err
		}
		out, err = scanRecords(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	records := []Record{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(Record, len(cols))
		for i, c := range cols {
			rec[c] = normalize(vals[i])
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// normalize maps driver-specific value types onto the small set the
// rest of the program handles: nil, int64, float64, string, bool.
func normalize(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case int32:
		return int64(x)
	case int16:
		return int64(x)
	case int:
		return int64(x)
	case float32:
		return float64(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	}
	return v
}

// All returns every record ordered by season, then name.
func (s *Store) All(ctx context.Context) ([]Record, error) {
	return s.query(ctx, "load chefs", `SELECT * FROM chefs ORDER BY season, name`)
}

// BySeason returns the records of one season ordered by name.
func (s *Store) BySeason(ctx context.Context, season int) ([]Record, error) {
	return s.query(ctx, "load season", `SELECT * FROM chefs WHERE season = ? ORDER BY name`, season)
}

// Seasons returns the distinct non-null seasons in ascending order.
func (s *Store) Seasons(ctx context.Context) ([]int, error) {
	var seasons []int
	err := s.retry(ctx, "list seasons", func() error {
		rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT season FROM chefs WHERE season IS NOT NULL ORDER BY season`)
		if err != nil {
			return err
		}
		defer rows.Close()
		seasons = seasons[:0]
		for rows.Next() {
			var n int
			if err := rows.Scan(&n); err != nil {
				return err
			}
			seasons = append(seasons, n)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list seasons: %w", err)
	}
	return seasons, nil
}

// Get returns one record by id.
func (s *Store) Get(ctx context.Context, id int64) (Record, error) {
	recs, err := s.query(ctx, "get chef", `SELECT * FROM chefs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("chef %d: %w", id, ErrNotFound)
	}
	return recs[0], nil
}

// Count returns the number of records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.retry(ctx, "count chefs", func() error {
		return s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chefs`).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("count chefs: %w", err)
	}
	return n, nil
}

// Add inserts a new record and returns its id. The id key, if present,
// is ignored.
func (s *Store) Add(ctx context.Context, rec Record) (int64, error) {
	if strings.TrimSpace(rec.Name()) == "" {
		return 0, ErrNameRequired
	}
	fields := make(map[string]any, len(rec))
	for k, v := range rec {
		if k == "id" {
			continue
		}
		fields[k] = v
	}
	if err := checkFields(fields); err != nil {
		return 0, err
	}

	now := s.now().Format(time.RFC3339)
	fields["last_updated"] = now
	if touchesMajor(fields) {
		fields["major_fields_updated_at"] = now
	}

	cols := sortedKeys(fields)
	args := make([]any, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		args[i] = fields[c]
		marks[i] = "?"
	}
	query := s.dialect.rebind(fmt.Sprintf(`INSERT INTO chefs (%s) VALUES (%s) RETURNING id`,
		strings.Join(cols, ", "), strings.Join(marks, ", ")))

	var id int64
	err := s.retry(ctx, "add chef", func() error {
		return s.db.QueryRowContext(ctx, query, args...).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("add chef: %w", err)
	}
	return id, nil
}

// Update sets the given fields on one record. Field names must be on
// the allow-list or carry CustomPrefix. Latitude and longitude must be
// supplied together; use SetCoordinates for geocoded pairs.
func (s *Store) Update(ctx context.Context, id int64, fields map[string]any) error {
	if len(fields) == 0 {
		return ErrNoFields
	}
	if err := checkFields(fields); err != nil {
		return err
	}
	if name, ok := fields["name"]; ok && strings.TrimSpace(fmt.Sprint(name)) == "" {
		return ErrNameRequired
	}

	now := s.now().Format(time.RFC3339)
	set := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		set[k] = v
	}
	set["last_updated"] = now
	if touchesMajor(fields) {
		set["major_fields_updated_at"] = now
	}

	cols := sortedKeys(set)
	assigns := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		assigns[i] = c + " = ?"
		args = append(args, set[c])
	}
	args = append(args, id)
	query := s.dialect.rebind(fmt.Sprintf(`UPDATE chefs SET %s WHERE id = ?`, strings.Join(assigns, ", ")))

	var affected int64
	err := s.retry(ctx, "update chef", func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update chef %d: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("chef %d: %w", id, ErrNotFound)
	}
	return nil
}

// SetCoordinates writes latitude and longitude in a single statement.
func (s *Store) SetCoordinates(ctx context.Context, id int64, lat, lon float64) error {
	if math.IsNaN(lat) || math.IsNaN(lon) || !validLatitude(lat) || !validLongitude(lon) {
		return fmt.Errorf("%w: (%v, %v)", ErrCoordinateRange, lat, lon)
	}
	return s.Update(ctx, id, map[string]any{"latitude": lat, "longitude": lon})
}

func checkFields(fields map[string]any) error {
	for k := range fields {
		if !FieldAllowed(k) {
			return fmt.Errorf("%w: %s", ErrFieldNotAllowed, k)
		}
	}
	lat, hasLat := fields["latitude"]
	lon, hasLon := fields["longitude"]
	if hasLat != hasLon {
		return ErrCoordinatePair
	}
	// Clearing both is allowed; clearing one is not.
	if hasLat && (lat == nil) != (lon == nil) {
		return ErrCoordinatePair
	}
	return nil
}

func touchesMajor(fields map[string]any) bool {
	for _, f := range MajorFields {
		if _, ok := fields[f]; ok {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
