package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medaid/medaid/internal/remote"
)

type captured struct {
	method string
	path   string
	query  url.Values
	header http.Header
	body   []byte
}

func newTestClient(t *testing.T, status int, body string) (*Client, *captured) {
	t.Helper()

	got := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.query = r.URL.Query()
		got.header = r.Header.Clone()
		got.body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL, APIKey: "anon-key", Timeout: 2 * time.Second}, nil)
	require.NoError(t, err)
	return c, got
}

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}

func TestSelect_RendersQuery(t *testing.T) {
	c, got := newTestClient(t, http.StatusOK, `[{"id":"f1"},{"id":"f2"}]`)

	q := remote.Query{
		Collection: "family_members",
		Embeds: []remote.Embed{{
			Alias:      "member",
			Collection: "health_ids",
			On:         "member_health_id",
			Fields:     []string{"health_id_number", "full_name"},
		}},
		Order: &remote.Order{Field: "created_at", Descending: true},
		Limit: 50,
	}.Where("primary_health_id", "h1")

	rows, err := c.Select(context.Background(), q)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	assert.Equal(t, http.MethodGet, got.method)
	assert.Equal(t, "/rest/v1/family_members", got.path)
	assert.Equal(t, "*,member:health_ids!member_health_id(health_id_number,full_name)", got.query.Get("select"))
	assert.Equal(t, "eq.h1", got.query.Get("primary_health_id"))
	assert.Equal(t, "created_at.desc", got.query.Get("order"))
	assert.Equal(t, "50", got.query.Get("limit"))
	assert.Equal(t, "anon-key", got.header.Get("apikey"))
	assert.Equal(t, "Bearer anon-key", got.header.Get("Authorization"))
}

func TestSelect_BoolFilter(t *testing.T) {
	c, got := newTestClient(t, http.StatusOK, `[]`)

	rows, err := c.Select(context.Background(), remote.Query{Collection: "health_ids"}.Where("is_active", true))
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
	assert.Equal(t, "eq.true", got.query.Get("is_active"))
}

func TestSelect_InvalidQueryNeverSent(t *testing.T) {
	c, got := newTestClient(t, http.StatusOK, `[]`)

	_, err := c.Select(context.Background(), remote.Query{Collection: "bad name"})
	assert.Error(t, err)
	assert.Empty(t, got.method)
}

func TestSelect_APIError(t *testing.T) {
	c, _ := newTestClient(t, http.StatusBadRequest, `{"code":"42703","message":"column does not exist"}`)

	_, err := c.Select(context.Background(), remote.Query{Collection: "vaccinations"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "42703", apiErr.Code)
}

func TestSingle_Found(t *testing.T) {
	c, got := newTestClient(t, http.StatusOK, `{"id":"h1","health_id_number":"MH-1234-5678-9012"}`)

	row, err := c.Single(context.Background(), remote.Query{Collection: "health_ids"}.Where("health_id_number", "MH-1234-5678-9012"))
	require.NoError(t, err)
	assert.Equal(t, "h1", remote.RowID(row))
	assert.Equal(t, objectMediaType, got.header.Get("Accept"))
}

func TestSingle_NotFound(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero rows", `{"code":"PGRST116","message":"JSON object requested, multiple (or no) rows returned","details":"The result contains 0 rows"}`},
		{"no details", `{"code":"PGRST116","message":"JSON object requested, multiple (or no) rows returned"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, http.StatusNotAcceptable, tt.body)

			_, err := c.Single(context.Background(), remote.Query{Collection: "health_ids"}.Where("health_id_number", "nope"))
			assert.ErrorIs(t, err, remote.ErrNotFound)
		})
	}
}

func TestSingle_MultipleRowsIsNotNotFound(t *testing.T) {
	c, _ := newTestClient(t, http.StatusNotAcceptable, `{"code":"PGRST116","message":"JSON object requested, multiple (or no) rows returned","details":"The result contains 2 rows"}`)

	_, err := c.Single(context.Background(), remote.Query{Collection: "health_ids"}.Where("health_id_number", "27-1234-5678-9012"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, remote.ErrNotFound)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotAcceptable, apiErr.Status)
	assert.Equal(t, "PGRST116", apiErr.Code)
	assert.Contains(t, err.Error(), "2 rows match")
}

func TestMaybeSingle(t *testing.T) {
	c, got := newTestClient(t, http.StatusOK, `[{"id":"srv-1"}]`)

	row, ok, err := c.MaybeSingle(context.Background(), remote.Query{Collection: "health_ids"}.Where("health_id_number", "x"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "srv-1", remote.RowID(row))
	assert.Equal(t, "1", got.query.Get("limit"))

	empty, _ := newTestClient(t, http.StatusOK, `[]`)
	_, ok, err = empty.MaybeSingle(context.Background(), remote.Query{Collection: "health_ids"}.Where("health_id_number", "x"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInsert(t *testing.T) {
	c, got := newTestClient(t, http.StatusCreated, `[{"id":"srv-99","health_id_number":"KA-1111-2222-3333"}]`)

	row, err := c.Insert(context.Background(), "health_ids", map[string]any{"health_id_number": "KA-1111-2222-3333"})
	require.NoError(t, err)
	assert.Equal(t, "srv-99", remote.RowID(row))

	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/rest/v1/health_ids", got.path)
	assert.Equal(t, "return=representation", got.header.Get("Prefer"))

	var sent map[string]any
	require.NoError(t, json.Unmarshal(got.body, &sent))
	assert.Equal(t, "KA-1111-2222-3333", sent["health_id_number"])
}

func TestInsert_Conflict(t *testing.T) {
	c, _ := newTestClient(t, http.StatusConflict, `{"code":"23505","message":"duplicate key value"}`)

	_, err := c.Insert(context.Background(), "health_ids", map[string]any{"health_id_number": "x"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "23505", apiErr.Code)
}

func TestInsert_EmptyRepresentation(t *testing.T) {
	c, _ := newTestClient(t, http.StatusCreated, `[]`)

	_, err := c.Insert(context.Background(), "health_ids", map[string]any{})
	assert.Error(t, err)
}

func TestSelect_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Timeout: 5 * time.Second}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = c.Select(ctx, remote.Query{Collection: "vaccinations"})
	assert.Error(t, err)
}
