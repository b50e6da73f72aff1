// Package rest implements remote.Store against a PostgREST-compatible HTTP
// API, the query surface exposed by hosted Postgres backends.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/medaid/medaid/internal/remote"
)

const (
	restPrefix = "/rest/v1/"

	// objectMediaType asks PostgREST for exactly one row; it answers 406
	// when zero (or several) rows match.
	objectMediaType = "application/vnd.pgrst.object+json"
)

var _ remote.Store = (*Client)(nil)

// Config holds client construction parameters.
type Config struct {
	// BaseURL is the project URL, e.g. https://xyz.example.co
	BaseURL string
	// APIKey is sent as the apikey header and as the bearer token
	APIKey string
	// Timeout bounds each HTTP exchange (default 10s)
	Timeout time.Duration
	// Retries is the retry count for reads. Inserts never retry.
	Retries int
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("remote: %d %s", e.Status, e.Message)
}

// Client talks to the backend's REST endpoint.
type Client struct {
	read   *resty.Client
	write  *resty.Client
	logger *zap.Logger
}

// New creates a REST client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("rest: base url required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("rest: invalid base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	base := strings.TrimRight(cfg.BaseURL, "/") + restPrefix

	read := newResty(base, cfg).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second)
	write := newResty(base, cfg)

	return &Client{read: read, write: write, logger: logger}, nil
}

func newResty(base string, cfg Config) *resty.Client {
	c := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		c.SetHeader("apikey", cfg.APIKey).SetAuthToken(cfg.APIKey)
	}
	return c
}

// Select implements remote.Store.
func (c *Client) Select(ctx context.Context, q remote.Query) ([]json.RawMessage, error) {
	params, err := queryParams(q)
	if err != nil {
		return nil, err
	}

	resp, err := c.read.R().
		SetContext(ctx).
		SetQueryParamsFromValues(params).
		Get(q.Collection)
	if err != nil {
		c.logger.Warn("remote select failed", zap.String("collection", q.Collection), zap.Error(err))
		return nil, fmt.Errorf("select %s: %w", q.Collection, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("select %s: %w", q.Collection, apiError(resp))
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(resp.Body(), &rows); err != nil {
		return nil, fmt.Errorf("select %s: failed to decode rows: %w", q.Collection, err)
	}
	if rows == nil {
		rows = []json.RawMessage{}
	}

	c.logger.Debug("remote select",
		zap.String("collection", q.Collection),
		zap.Int("rows", len(rows)),
	)
	return rows, nil
}

// Single implements remote.Store.
func (c *Client) Single(ctx context.Context, q remote.Query) (json.RawMessage, error) {
	params, err := queryParams(q)
	if err != nil {
		return nil, err
	}

	resp, err := c.read.R().
		SetContext(ctx).
		SetHeader("Accept", objectMediaType).
		SetQueryParamsFromValues(params).
		Get(q.Collection)
	if err != nil {
		return nil, fmt.Errorf("single %s: %w", q.Collection, err)
	}
	if resp.StatusCode() == http.StatusNotAcceptable {
		apiErr := apiError(resp)
		if n, ok := matchedRows(apiErr); ok && n > 0 {
			return nil, fmt.Errorf("single %s: %d rows match: %w", q.Collection, n, apiErr)
		}
		return nil, fmt.Errorf("single %s: %w: %s", q.Collection, remote.ErrNotFound, apiErr.Message)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("single %s: %w", q.Collection, apiError(resp))
	}

	return json.RawMessage(resp.Body()), nil
}

// MaybeSingle implements remote.Store.
func (c *Client) MaybeSingle(ctx context.Context, q remote.Query) (json.RawMessage, bool, error) {
	q.Limit = 1
	rows, err := c.Select(ctx, q)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

// Insert implements remote.Store.
func (c *Client) Insert(ctx context.Context, collection string, payload any) (json.RawMessage, error) {
	if !remote.ValidIdent(collection) {
		return nil, fmt.Errorf("invalid collection name %q", collection)
	}

	resp, err := c.write.R().
		SetContext(ctx).
		SetHeader("Prefer", "return=representation").
		SetBody(payload).
		Post(collection)
	if err != nil {
		c.logger.Warn("remote insert failed", zap.String("collection", collection), zap.Error(err))
		return nil, fmt.Errorf("insert %s: %w", collection, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("insert %s: %w", collection, apiError(resp))
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(resp.Body(), &rows); err != nil {
		return nil, fmt.Errorf("insert %s: failed to decode response: %w", collection, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("insert %s: backend returned no row", collection)
	}

	c.logger.Info("remote insert",
		zap.String("collection", collection),
		zap.String("id", remote.RowID(rows[0])),
	)
	return rows[0], nil
}

// queryParams renders q in PostgREST query syntax.
func queryParams(q remote.Query) (url.Values, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("select", selectClause(q.Embeds))

	for _, f := range q.Filters {
		params.Add(f.Field, "eq."+formatValue(f.Value))
	}

	if q.Order != nil {
		dir := "asc"
		if q.Order.Descending {
			dir = "desc"
		}
		params.Set("order", q.Order.Field+"."+dir)
	}

	if q.Limit > 0 {
		params.Set("limit", fmt.Sprint(q.Limit))
	}

	return params, nil
}

// selectClause renders "*" plus one alias:collection!hint(fields) per embed.
func selectClause(embeds []remote.Embed) string {
	parts := []string{"*"}
	for _, e := range embeds {
		hint := e.Hint
		if hint == "" {
			hint = e.On
		}
		parts = append(parts, fmt.Sprintf("%s:%s!%s(%s)", e.Alias, e.Collection, hint, strings.Join(e.Fields, ",")))
	}
	return strings.Join(parts, ",")
}

func formatValue(v any) string {
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

// rowCountRe reads the row count from a PGRST116 details string such as
// "The result contains 2 rows".
var rowCountRe = regexp.MustCompile(`contains (\d+) rows?`)

// matchedRows reports how many rows a 406 single-object response matched.
func matchedRows(e *APIError) (int, bool) {
	m := rowCountRe.FindStringSubmatch(e.Details)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func apiError(resp *resty.Response) *APIError {
	e := &APIError{Status: resp.StatusCode()}
	if err := json.Unmarshal(resp.Body(), e); err != nil || e.Message == "" {
		e.Message = strings.TrimSpace(string(resp.Body()))
		if e.Message == "" {
			e.Message = http.StatusText(resp.StatusCode())
		}
	}
	return e
}
