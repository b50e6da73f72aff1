// Package db provides the embedded SQLite store behind the local-first cache.
//
// The store mirrors seven backend collections so that reads work without a
// network connection. It is a cache, not a source of truth: rows fetched from
// the backend overwrite whatever is stored under the same id.
//
// Architecture:
//   - Database file: ~/.medaid/cache.db (configurable)
//   - WAL mode: concurrent readers during writes
//   - One table per collection: id TEXT PRIMARY KEY, doc TEXT (JSON)
//   - Declared secondary fields are generated columns over doc, each indexed
//
// There is no eviction and no cross-collection transaction.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/medaid/medaid/internal/cache/schema"
)

var (
	// ErrNotFound is returned when a point lookup or update finds no row.
	ErrNotFound = errors.New("record not found")

	// ErrUndeclaredField is returned when a lookup uses a field the
	// collection does not index.
	ErrUndeclaredField = errors.New("field is not declared for collection")
)

// DB wraps the SQLite connection used as the local cache.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened in WAL mode with a busy timeout so readers are not
// blocked by the background reconciler. The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open(filepath.Join(home, ".medaid", "cache.db"))
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	path = strings.TrimPrefix(path, "file:")

	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates one table per cached collection if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	for _, c := range schema.Collections() {
		if _, err := db.conn.ExecContext(ctx, tableDDL(c)); err != nil {
			return fmt.Errorf("failed to initialize schema for %s: %w", c.Name, err)
		}
	}
	return nil
}

// tableDDL renders the table and indexes for a collection. Every declared
// field becomes a virtual generated column over the JSON document.
func tableDDL(c schema.Collection) string {
	var b strings.Builder

	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", c.Name)
	b.WriteString("\tid TEXT PRIMARY KEY,\n")
	b.WriteString("\tdoc TEXT NOT NULL CHECK (json_valid(doc)),\n")
	b.WriteString("\tcached_at TEXT NOT NULL")
	for _, f := range c.Fields {
		fmt.Fprintf(&b, ",\n\t%s GENERATED ALWAYS AS (json_extract(doc, '$.%s')) VIRTUAL", f, f)
	}
	b.WriteString("\n);\n")

	for _, f := range c.Fields {
		fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s(%s);\n", c.Name, f, c.Name, f)
	}

	return b.String()
}

// sqlValue adapts lookup values to how json_extract surfaces them.
// JSON booleans come back as integers.
func sqlValue(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}

func checkField(c schema.Collection, field string) error {
	if !c.Declares(field) {
		return fmt.Errorf("%w: %s.%s", ErrUndeclaredField, c.Name, field)
	}
	return nil
}
