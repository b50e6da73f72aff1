// Package remote defines the request/response contract the cache uses to
// reach the hosted backend.
//
// The backend is a black box reachable through four calls: Select, Single,
// MaybeSingle and Insert. Two drivers implement it: rest (PostgREST-style
// HTTP, as served by hosted backends) and postgres (a direct connection to
// JSONB document tables).
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// ErrNotFound is returned by Single when no row matches.
var ErrNotFound = errors.New("remote: not found")

// Eq is an equality filter.
type Eq struct {
	Field string
	Value any
}

// Embed pulls fields of a related row into each result under Alias.
// The related row is the one in Collection whose id equals the result's
// On column.
type Embed struct {
	Alias      string
	Collection string
	On         string
	// Hint disambiguates the relation for the REST driver (a foreign key
	// column or constraint name). Empty means On.
	Hint   string
	Fields []string
}

// Order sorts results by a field.
type Order struct {
	Field      string
	Descending bool
}

// Query is a single-collection read.
type Query struct {
	Collection string
	Filters    []Eq
	Embeds     []Embed
	Order      *Order
	Limit      int
}

// Where appends an equality filter and returns the query.
func (q Query) Where(field string, value any) Query {
	q.Filters = append(append([]Eq(nil), q.Filters...), Eq{Field: field, Value: value})
	return q
}

// Store is the remote backend.
type Store interface {
	// Select returns every matching row, possibly none.
	Select(ctx context.Context, q Query) ([]json.RawMessage, error)

	// Single returns exactly one row or an error wrapping ErrNotFound.
	Single(ctx context.Context, q Query) (json.RawMessage, error)

	// MaybeSingle returns the matching row if there is one.
	MaybeSingle(ctx context.Context, q Query) (json.RawMessage, bool, error)

	// Insert creates a row and returns it as stored by the backend.
	Insert(ctx context.Context, collection string, payload any) (json.RawMessage, error)
}

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidIdent reports whether s is safe to use as a collection or field name.
func ValidIdent(s string) bool {
	return identRe.MatchString(s)
}

// Validate checks every identifier in the query.
func (q Query) Validate() error {
	if !ValidIdent(q.Collection) {
		return fmt.Errorf("invalid collection name %q", q.Collection)
	}
	for _, f := range q.Filters {
		if !ValidIdent(f.Field) {
			return fmt.Errorf("invalid filter field %q", f.Field)
		}
	}
	for _, e := range q.Embeds {
		for _, s := range append([]string{e.Alias, e.Collection, e.On}, e.Fields...) {
			if !ValidIdent(s) {
				return fmt.Errorf("invalid embed identifier %q", s)
			}
		}
		if e.Hint != "" && !ValidIdent(e.Hint) {
			return fmt.Errorf("invalid embed hint %q", e.Hint)
		}
	}
	if q.Order != nil && !ValidIdent(q.Order.Field) {
		return fmt.Errorf("invalid order field %q", q.Order.Field)
	}
	if q.Limit < 0 {
		return fmt.Errorf("negative limit %d", q.Limit)
	}
	return nil
}

// RowID extracts the "id" of a backend row. Returns "" when absent.
func RowID(row json.RawMessage) string {
	var v struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal(row, &v); err != nil || v.ID == nil {
		return ""
	}
	switch id := v.ID.(type) {
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	default:
		return fmt.Sprint(id)
	}
}
