package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/medaid/medaid/internal/cache/schema"
)

// QueryOptions configures Query.
type QueryOptions struct {
	// OrderBy is a declared field to sort on (empty = by id)
	OrderBy string
	// Descending reverses the OrderBy direction
	Descending bool
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// Get returns the first record of c whose field equals value.
// Returns ErrNotFound if there is none.
func (db *DB) Get(c schema.Collection, field string, value any) (json.RawMessage, error) {
	return db.GetContext(context.Background(), c, field, value)
}

// GetContext returns a single record with context support.
func (db *DB) GetContext(ctx context.Context, c schema.Collection, field string, value any) (json.RawMessage, error) {
	if err := checkField(c, field); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT doc FROM %s WHERE %s = ? ORDER BY id LIMIT 1`, c.Name, field)

	var doc string
	err := db.conn.QueryRowContext(ctx, query, sqlValue(value)).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s.%s=%v", ErrNotFound, c.Name, field, value)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", c.Name, err)
	}

	return json.RawMessage(doc), nil
}

// Query returns every record of c whose field equals value.
// An empty slice (not an error) is returned when nothing matches.
func (db *DB) Query(c schema.Collection, field string, value any, opts QueryOptions) ([]json.RawMessage, error) {
	return db.QueryContext(context.Background(), c, field, value, opts)
}

// QueryContext runs Query with context support.
func (db *DB) QueryContext(ctx context.Context, c schema.Collection, field string, value any, opts QueryOptions) ([]json.RawMessage, error) {
	if err := checkField(c, field); err != nil {
		return nil, err
	}

	order := "id"
	if opts.OrderBy != "" {
		if err := checkField(c, opts.OrderBy); err != nil {
			return nil, err
		}
		order = opts.OrderBy
		if opts.Descending {
			order += " DESC"
		}
		order += ", id"
	}

	query := fmt.Sprintf(`SELECT doc FROM %s WHERE %s = ? ORDER BY %s`, c.Name, field, order)
	args := []any{sqlValue(value)}

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", c.Name, err)
	}
	defer rows.Close()

	return scanDocs(rows)
}

// All returns every record of c ordered by id.
func (db *DB) All(c schema.Collection) ([]json.RawMessage, error) {
	return db.AllContext(context.Background(), c)
}

// AllContext returns every record with context support.
func (db *DB) AllContext(ctx context.Context, c schema.Collection) ([]json.RawMessage, error) {
	rows, err := db.conn.QueryContext(ctx, fmt.Sprintf(`SELECT doc FROM %s ORDER BY id`, c.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", c.Name, err)
	}
	defer rows.Close()

	return scanDocs(rows)
}

// Put inserts or replaces a record by its primary key.
func (db *DB) Put(rec schema.Record) error {
	return db.PutContext(context.Background(), rec)
}

// PutContext upserts a record with context support.
func (db *DB) PutContext(ctx context.Context, rec schema.Record) error {
	return db.put(ctx, db.conn, rec)
}

// BulkPut upserts many records in one transaction.
//
// Records that fail validation or whose write fails are skipped; the rest
// are still committed. The returned error joins every per-record failure.
func (db *DB) BulkPut(recs []schema.Record) error {
	return db.BulkPutContext(context.Background(), recs)
}

// BulkPutContext upserts many records with context support.
func (db *DB) BulkPutContext(ctx context.Context, recs []schema.Record) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var errs []error
	for _, rec := range recs {
		if err := db.put(ctx, tx, rec); err != nil {
			errs = append(errs, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("bulk put: %d of %d records failed: %w", len(errs), len(recs), errors.Join(errs...))
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (db *DB) put(ctx context.Context, ex execer, rec schema.Record) error {
	c := rec.Collection()
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid %s record: %w", c.Name, err)
	}

	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal %s %s: %w", c.Name, rec.RecordID(), err)
	}

	query := fmt.Sprintf(`
	INSERT INTO %s (id, doc, cached_at) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		doc = excluded.doc,
		cached_at = excluded.cached_at
	`, c.Name)

	if _, err := ex.ExecContext(ctx, query, rec.RecordID(), string(doc), now()); err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", c.Name, rec.RecordID(), err)
	}
	return nil
}

// Update applies a JSON merge patch to an existing record.
// Returns ErrNotFound if no record has the given id.
func (db *DB) Update(c schema.Collection, id string, patch map[string]any) error {
	return db.UpdateContext(context.Background(), c, id, patch)
}

// UpdateContext merge-patches a record with context support.
func (db *DB) UpdateContext(ctx context.Context, c schema.Collection, id string, patch map[string]any) error {
	if _, ok := patch["id"]; ok {
		return fmt.Errorf("cannot patch primary key of %s %s", c.Name, id)
	}

	data, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to marshal patch: %w", err)
	}

	query := fmt.Sprintf(`UPDATE %s SET doc = json_patch(doc, ?), cached_at = ? WHERE id = ?`, c.Name)
	res, err := db.conn.ExecContext(ctx, query, string(data), now(), id)
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", c.Name, id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", c.Name, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s.id=%s", ErrNotFound, c.Name, id)
	}
	return nil
}

// Count returns the number of cached records in c.
func (db *DB) Count(c schema.Collection) (int, error) {
	return db.CountContext(context.Background(), c)
}

// CountContext returns the record count with context support.
func (db *DB) CountContext(ctx context.Context, c schema.Collection) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", c.Name)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", c.Name, err)
	}
	return count, nil
}

// Counts returns the record count of every collection keyed by name.
func (db *DB) Counts(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	for _, c := range schema.Collections() {
		n, err := db.CountContext(ctx, c)
		if err != nil {
			return nil, err
		}
		counts[c.Name] = n
	}
	return counts, nil
}

// scanDocs collects the doc column of every row.
func scanDocs(rows *sql.Rows) ([]json.RawMessage, error) {
	docs := []json.RawMessage{}

	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		docs = append(docs, json.RawMessage(doc))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return docs, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
