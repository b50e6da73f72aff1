package sync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/medaid/medaid/internal/cache/db"
	"github.com/medaid/medaid/internal/cache/schema"
	"github.com/medaid/medaid/internal/metrics"
	"github.com/medaid/medaid/internal/remote"
)

// LocalStore is the subset of *db.DB the service needs.
type LocalStore interface {
	GetContext(ctx context.Context, c schema.Collection, field string, value any) (json.RawMessage, error)
	QueryContext(ctx context.Context, c schema.Collection, field string, value any, opts db.QueryOptions) ([]json.RawMessage, error)
	PutContext(ctx context.Context, rec schema.Record) error
	BulkPutContext(ctx context.Context, recs []schema.Record) error
	UpdateContext(ctx context.Context, c schema.Collection, id string, patch map[string]any) error
}

var _ LocalStore = (*db.DB)(nil)

// LookupEvent describes one accessor call.
type LookupEvent struct {
	Collection string
	Key        string
	Result     string // one of the metrics.Result* values
	Count      int
	Time       time.Time
}

// Observer receives accessor outcomes. Implementations must not block.
type Observer interface {
	OnLookup(LookupEvent)
}

// Config holds service settings.
type Config struct {
	// RemoteTimeout bounds every backend call (default 3s)
	RemoteTimeout time.Duration

	// ItemDelay is a pause between pending records during reconciliation
	ItemDelay time.Duration

	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Observer Observer
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{
		RemoteTimeout: 3 * time.Second,
		ItemDelay:     20 * time.Millisecond,
	}
}

// Service implements the read-through accessors and reconciliation.
// It is safe for concurrent use.
type Service struct {
	local  LocalStore
	remote remote.Store
	cfg    Config
	logger *zap.Logger

	flight singleflight.Group
	// passMu guards current, the in-flight reconcile pass
	passMu  sync.Mutex
	current *pass
	now     func() time.Time
}

// New creates a Service over an opened, initialized local store.
func New(local LocalStore, rs remote.Store, cfg Config) *Service {
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = DefaultConfig().RemoteTimeout
	}
	if cfg.ItemDelay < 0 {
		cfg.ItemDelay = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		local:  local,
		remote: rs,
		cfg:    cfg,
		logger: logger.Named("sync"),
		now:    time.Now,
	}
}

// withRemoteTimeout derives the context for one backend call.
func (s *Service) withRemoteTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.RemoteTimeout)
}

func (s *Service) observe(ev LookupEvent) {
	s.cfg.Metrics.Lookup(ev.Collection, ev.Result)
	if s.cfg.Observer != nil {
		ev.Time = s.now()
		s.cfg.Observer.OnLookup(ev)
	}
}
