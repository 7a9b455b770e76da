package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// LocalTable holds per-database properties such as the GUID. It is never
// tracked or diffed.
const LocalTable = "rowsync_local"

const guidProperty = "db_guid"

// Conn is the statement surface shared by *sql.DB, *sql.Tx and *sql.Conn.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps a single-connection SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and assigns a GUID if the file has none.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// TEMP objects are per connection; keep exactly one alive for the
	// lifetime of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the file the store was opened from.
func (s *Store) Path() string {
	return s.path
}

// Exec runs a statement on the store's connection.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

// Query executes a query and returns the resulting rows.
// Callers are responsible for closing the returned rows.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates the property table and assigns the database GUID.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + LocalTable + ` (
		name TEXT PRIMARY KEY NOT NULL,
		val  BLOB
	)`); err != nil {
		return fmt.Errorf("create %s: %w", LocalTable, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate guid: %w", err)
	}
	if _, err := db.Exec(`INSERT INTO `+LocalTable+` (name, val) VALUES (?, ?)
		ON CONFLICT(name) DO NOTHING`, guidProperty, id.String()); err != nil {
		return fmt.Errorf("assign guid: %w", err)
	}
	return nil
}

// ErrNoGUID is returned when a schema has no rowsync GUID.
var ErrNoGUID = errors.New("database has no guid")

// GUID returns the identifier of the database attached as schema.
func GUID(ctx context.Context, c Conn, schema string) (string, error) {
	var guid string
	err := c.QueryRowContext(ctx,
		`SELECT val FROM `+QuoteIdent(schema)+`.`+LocalTable+` WHERE name = ?`, guidProperty,
	).Scan(&guid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoGUID
	}
	if err != nil {
		return "", fmt.Errorf("read guid of %s: %w", schema, err)
	}
	return guid, nil
}

// SetGUID overwrites the identifier of the main database. Copies of a
// database share a GUID; use this to give a copy its own identity.
func (s *Store) SetGUID(ctx context.Context, guid string) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO `+LocalTable+` (name, val) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET val = excluded.val`, guidProperty, guid); err != nil {
		return fmt.Errorf("set guid: %w", err)
	}
	return nil
}

// GUID returns the identifier of the main database.
func (s *Store) GUID(ctx context.Context) (string, error) {
	return GUID(ctx, s.db, "main")
}

// Attach attaches the database file at path under alias.
func Attach(ctx context.Context, c Conn, path, alias string) error {
	if _, err := c.ExecContext(ctx, `ATTACH DATABASE ? AS `+QuoteIdent(alias), path); err != nil {
		return fmt.Errorf("attach %s as %s: %w", path, alias, err)
	}
	return nil
}

// Detach detaches the database attached under alias.
func Detach(ctx context.Context, c Conn, alias string) error {
	if _, err := c.ExecContext(ctx, `DETACH DATABASE `+QuoteIdent(alias)); err != nil {
		return fmt.Errorf("detach %s: %w", alias, err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
