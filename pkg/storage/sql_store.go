package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	_ "modernc.org/sqlite"             // registers the "sqlite" database/sql driver
)

// Dialect identifies the SQL flavour spoken by a store.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore is a relational backend for intermediate tables. Statements issued
// through one store are serialized; independent stores run independently.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	url     string
	logger  *slog.Logger

	mu sync.Mutex
}

// OpenSQL opens a store from a URL of the form sqlite://<path>,
// sqlite::memory:, postgres://... or postgresql://...
func OpenSQL(ctx context.Context, url string, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		driver  string
		dsn     string
		dialect Dialect
	)
	switch {
	case url == "sqlite::memory:":
		driver, dsn, dialect = "sqlite", ":memory:", DialectSQLite
	case strings.HasPrefix(url, "sqlite://"):
		driver, dsn, dialect = "sqlite", strings.TrimPrefix(url, "sqlite://"), DialectSQLite
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		driver, dsn, dialect = "pgx", url, DialectPostgres
	default:
		return nil, fmt.Errorf("unsupported database url %q", redactURL(url))
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// A single connection keeps :memory: databases coherent and matches
		// sqlite's single-writer model.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", dialect, err)
	}

	logger.Debug("sql store opened", "dialect", dialect, "url", redactURL(url))
	return &SQLStore{db: db, dialect: dialect, url: url, logger: logger}, nil
}

// Dialect reports the store's SQL flavour.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// DB exposes the underlying pool. Callers that bypass the store's methods are
// responsible for their own statement ordering.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Exec runs a single statement.
func (s *SQLStore) Exec(ctx context.Context, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// InTx runs fn inside a transaction, committing on success and rolling back
// on error or panic.
func (s *SQLStore) InTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// CreateTable creates name with one column per entry in columns and loads rows.
// Column types are inferred from the values.
func (s *SQLStore) CreateTable(ctx context.Context, name string, columns []string, rows [][]any) error {
	if len(columns) == 0 {
		return fmt.Errorf("create table %s: no columns", name)
	}

	defs := make([]string, len(columns))
	for i, col := range columns {
		defs[i] = QuoteIdent(col) + " " + s.columnType(inferColumn(rows, i))
	}
	create := fmt.Sprintf("CREATE TABLE %s (%s)", QuoteIdent(name), strings.Join(defs, ", "))

	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = QuoteIdent(col)
	}
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		QuoteIdent(name), strings.Join(quoted, ", "), s.placeholders(len(columns)))

	return s.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, create); err != nil {
			return fmt.Errorf("create table %s: %w", name, err)
		}
		if len(rows) == 0 {
			return nil
		}
		stmt, err := tx.PrepareContext(ctx, insert)
		if err != nil {
			return fmt.Errorf("prepare insert into %s: %w", name, err)
		}
		defer stmt.Close()

		for i, row := range rows {
			if len(row) != len(columns) {
				return fmt.Errorf("insert into %s: row %d has %d values, want %d", name, i, len(row), len(columns))
			}
			if _, err := stmt.ExecContext(ctx, row...); err != nil {
				return fmt.Errorf("insert into %s row %d: %w", name, i, err)
			}
		}
		return nil
	})
}

// ReadTable returns every row of name. Byte slices are returned as strings.
func (s *SQLStore) ReadTable(ctx context.Context, name string) ([]string, [][]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+QuoteIdent(name))
	if err != nil {
		return nil, nil, fmt.Errorf("read table %s: %w", name, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("read table %s columns: %w", name, err)
	}

	var out [][]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("scan %s: %w", name, err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		out = append(out, values)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate %s: %w", name, err)
	}
	return columns, out, nil
}

// TableExists reports whether name is a table in the current schema.
func (s *SQLStore) TableExists(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var query string
	switch s.dialect {
	case DialectPostgres:
		query = "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1"
	default:
		query = "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?"
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, name).Scan(&n); err != nil {
		return false, fmt.Errorf("lookup table %s: %w", name, err)
	}
	return n > 0, nil
}

// DropTable removes name if it exists.
func (s *SQLStore) DropTable(ctx context.Context, name string) error {
	return s.Exec(ctx, "DROP TABLE IF EXISTS "+QuoteIdent(name))
}

// Close closes the underlying pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// TempTableName returns a collision-resistant table name.
func TempTableName() string {
	return "upsg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// QuoteIdent quotes an identifier for both supported dialects.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (s *SQLStore) placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		if s.dialect == DialectPostgres {
			parts[i] = "$" + strconv.Itoa(i+1)
		} else {
			parts[i] = "?"
		}
	}
	return strings.Join(parts, ", ")
}

type columnKind int

const (
	columnText columnKind = iota
	columnInteger
	columnReal
	columnBool
)

func inferColumn(rows [][]any, idx int) columnKind {
	kind := columnKind(-1)
	for _, row := range rows {
		if idx >= len(row) || row[idx] == nil {
			continue
		}
		var k columnKind
		switch row[idx].(type) {
		case int, int8, int16, int32, int64, uint8, uint16, uint32:
			k = columnInteger
		case float32, float64:
			k = columnReal
		case bool:
			k = columnBool
		default:
			return columnText
		}
		switch {
		case kind == -1:
			kind = k
		case kind == k:
		case (kind == columnInteger && k == columnReal) || (kind == columnReal && k == columnInteger):
			kind = columnReal
		default:
			return columnText
		}
	}
	if kind == -1 {
		return columnText
	}
	return kind
}

func (s *SQLStore) columnType(kind columnKind) string {
	switch kind {
	case columnInteger:
		if s.dialect == DialectPostgres {
			return "BIGINT"
		}
		return "INTEGER"
	case columnReal:
		if s.dialect == DialectPostgres {
			return "DOUBLE PRECISION"
		}
		return "REAL"
	case columnBool:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		return scheme + "://***@" + rest[at+1:]
	}
	return raw
}
