package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/medaid/medaid/internal/cache/db"
	"github.com/medaid/medaid/internal/cache/schema"
	"github.com/medaid/medaid/internal/remote"
)

// fakeRemote is an in-memory remote.Store with call counting and fault
// injection.
type fakeRemote struct {
	mu sync.Mutex

	// rows returned by Select, keyed by collection
	rows map[string][]json.RawMessage
	// health_ids rows keyed by health_id_number
	identities map[string]json.RawMessage

	selectErr error
	singleErr error
	insertErr error
	// lookupErr and lookupPanic fault MaybeSingle for one number
	lookupErr   map[string]error
	lookupPanic map[string]bool
	// hang makes every call wait for ctx to end
	hang bool
	// gate, when set, is waited on by MaybeSingle
	gate chan struct{}

	calls    map[string]int
	queries  []remote.Query
	inserted []map[string]any
	nextID   int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		rows:        map[string][]json.RawMessage{},
		identities:  map[string]json.RawMessage{},
		lookupErr:   map[string]error{},
		lookupPanic: map[string]bool{},
		calls:       map[string]int{},
	}
}

func (f *fakeRemote) record(op string, q *remote.Query) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if q != nil {
		f.queries = append(f.queries, *q)
	}
}

func (f *fakeRemote) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeRemote) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeRemote) lastQuery() remote.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[len(f.queries)-1]
}

func (f *fakeRemote) Select(ctx context.Context, q remote.Query) ([]json.RawMessage, error) {
	f.record("select", &q)
	if f.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]json.RawMessage{}, f.rows[q.Collection]...), nil
}

func (f *fakeRemote) Single(ctx context.Context, q remote.Query) (json.RawMessage, error) {
	f.record("single", &q)
	if f.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.singleErr != nil {
		return nil, f.singleErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.identities[fmt.Sprint(filterValue(q, "health_id_number"))]
	if !ok {
		return nil, fmt.Errorf("single %s: %w", q.Collection, remote.ErrNotFound)
	}
	return row, nil
}

func (f *fakeRemote) MaybeSingle(ctx context.Context, q remote.Query) (json.RawMessage, bool, error) {
	f.record("maybe_single", &q)
	number := fmt.Sprint(filterValue(q, "health_id_number"))

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	if f.hang {
		<-ctx.Done()
		return nil, false, ctx.Err()
	}
	if f.lookupPanic[number] {
		panic("corrupt row for " + number)
	}
	if err := f.lookupErr[number]; err != nil {
		return nil, false, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.identities[number]
	return row, ok, nil
}

func (f *fakeRemote) Insert(ctx context.Context, collection string, payload any) (json.RawMessage, error) {
	f.record("insert", nil)
	if f.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.insertErr != nil {
		return nil, f.insertErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	body, _ := payload.(map[string]any)
	f.inserted = append(f.inserted, body)

	row := map[string]any{}
	for k, v := range body {
		row[k] = v
	}
	f.nextID++
	if f.nextID == 1 {
		row["id"] = "srv-99"
	} else {
		row["id"] = fmt.Sprintf("srv-%d", 98+f.nextID)
	}

	data, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	if number, ok := row["health_id_number"].(string); ok {
		f.identities[number] = data
	}
	return data, nil
}

func (f *fakeRemote) insertedPayloads() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any{}, f.inserted...)
}

func filterValue(q remote.Query, field string) any {
	for _, eq := range q.Filters {
		if eq.Field == field {
			return eq.Value
		}
	}
	return nil
}

// flakyLocal wraps a real store and injects failures.
type flakyLocal struct {
	*db.DB
	bulkErr    error
	queryErr   error
	queryPanic bool
}

func (f *flakyLocal) BulkPutContext(ctx context.Context, recs []schema.Record) error {
	if f.bulkErr != nil {
		return f.bulkErr
	}
	return f.DB.BulkPutContext(ctx, recs)
}

func (f *flakyLocal) QueryContext(ctx context.Context, c schema.Collection, field string, value any, opts db.QueryOptions) ([]json.RawMessage, error) {
	if f.queryPanic {
		panic("store corrupted")
	}
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.DB.QueryContext(ctx, c, field, value, opts)
}

// setupTestDB creates a temporary, initialized local store.
func setupTestDB(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return database
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ItemDelay = 0
	return cfg
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

type recordingObserver struct {
	mu     sync.Mutex
	events []LookupEvent
}

func (o *recordingObserver) OnLookup(ev LookupEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func (o *recordingObserver) results() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.events))
	for _, ev := range o.events {
		out = append(out, ev.Result)
	}
	return out
}
