// Package postgres implements remote.Store directly against Postgres.
//
// Every collection is a table of JSONB documents:
//
//	CREATE TABLE <collection> (id TEXT PRIMARY KEY, doc JSONB NOT NULL)
//
// Filters and ordering address top-level document fields, and embeds are
// rendered as correlated subqueries building a JSON object of the related
// row's fields.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"go.uber.org/zap"

	"github.com/medaid/medaid/internal/remote"
)

var _ remote.Store = (*Store)(nil)

// Store is a remote.Store backed by a *sql.DB.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open connects to Postgres using the pgx driver and verifies the
// connection.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres: dsn required")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return New(db, logger), nil
}

// New wraps an existing connection pool.
func New(db *sql.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureTables creates the document table of each named collection if it
// does not exist yet.
func (s *Store) EnsureTables(ctx context.Context, collections ...string) error {
	for _, name := range collections {
		if !remote.ValidIdent(name) {
			return fmt.Errorf("invalid collection name %q", name)
		}
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, doc JSONB NOT NULL)`, name)
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create table %s: %w", name, err)
		}
	}
	return nil
}

// Select implements remote.Store.
func (s *Store) Select(ctx context.Context, q remote.Query) ([]json.RawMessage, error) {
	query, args, err := buildSelect(q)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Warn("remote select failed", zap.String("collection", q.Collection), zap.Error(err))
		return nil, fmt.Errorf("select %s: %w", q.Collection, err)
	}
	defer rows.Close()

	docs := []json.RawMessage{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("select %s: failed to scan row: %w", q.Collection, err)
		}
		docs = append(docs, json.RawMessage(doc))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select %s: %w", q.Collection, err)
	}

	return docs, nil
}

// Single implements remote.Store. More than one match is an error.
func (s *Store) Single(ctx context.Context, q remote.Query) (json.RawMessage, error) {
	q.Limit = 2
	rows, err := s.Select(ctx, q)
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, fmt.Errorf("single %s: %w", q.Collection, remote.ErrNotFound)
	case 1:
		return rows[0], nil
	default:
		return nil, fmt.Errorf("single %s: multiple rows matched", q.Collection)
	}
}

// MaybeSingle implements remote.Store.
func (s *Store) MaybeSingle(ctx context.Context, q remote.Query) (json.RawMessage, bool, error) {
	q.Limit = 1
	rows, err := s.Select(ctx, q)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

// Insert implements remote.Store. A payload without an id is assigned a
// fresh UUID.
func (s *Store) Insert(ctx context.Context, collection string, payload any) (json.RawMessage, error) {
	if !remote.ValidIdent(collection) {
		return nil, fmt.Errorf("invalid collection name %q", collection)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("insert %s: failed to marshal payload: %w", collection, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("insert %s: payload must be a JSON object: %w", collection, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	id, _ := doc["id"].(string)
	if id == "" {
		id = uuid.NewString()
		doc["id"] = id
	}
	if _, ok := doc["created_at"]; !ok {
		doc["created_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	data, err = json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("insert %s: failed to marshal document: %w", collection, err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, doc) VALUES ($1, $2::jsonb) RETURNING doc`, collection)

	var stored []byte
	if err := s.db.QueryRowContext(ctx, query, id, string(data)).Scan(&stored); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("insert %s: backend returned no row", collection)
		}
		return nil, fmt.Errorf("insert %s: %w", collection, err)
	}

	s.logger.Info("remote insert", zap.String("collection", collection), zap.String("id", id))
	return json.RawMessage(stored), nil
}

// buildSelect renders q as a single SELECT returning one JSONB doc per row.
func buildSelect(q remote.Query) (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}

	var b strings.Builder
	var args []any

	b.WriteString("SELECT ")
	if len(q.Embeds) == 0 {
		b.WriteString("t.doc")
	} else {
		b.WriteString("t.doc || jsonb_build_object(")
		for i, e := range q.Embeds {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(embedExpr(e, i))
		}
		b.WriteString(")")
	}
	fmt.Fprintf(&b, " FROM %s t", q.Collection)

	for i, f := range q.Filters {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		args = append(args, textValue(f.Value))
		fmt.Fprintf(&b, "t.doc->>'%s' = $%d", f.Field, len(args))
	}

	if q.Order != nil {
		fmt.Fprintf(&b, " ORDER BY t.doc->>'%s'", q.Order.Field)
		if q.Order.Descending {
			b.WriteString(" DESC")
		}
		b.WriteString(", t.id")
	} else {
		b.WriteString(" ORDER BY t.id")
	}

	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}

	return b.String(), args, nil
}

// embedExpr renders 'alias', (SELECT jsonb_build_object(...) FROM coll eN
// WHERE eN.id = t.doc->>'on').
func embedExpr(e remote.Embed, n int) string {
	alias := fmt.Sprintf("e%d", n)
	fields := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		fields = append(fields, fmt.Sprintf("'%s', %s.doc->'%s'", f, alias, f))
	}
	return fmt.Sprintf("'%s', (SELECT jsonb_build_object(%s) FROM %s %s WHERE %s.id = t.doc->>'%s')",
		e.Alias, strings.Join(fields, ", "), e.Collection, alias, alias, e.On)
}

// textValue renders a filter value the way ->> renders the stored field.
func textValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(x)
	}
}
