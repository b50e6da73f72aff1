package dashboard

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	cachesync "github.com/medaid/medaid/internal/cache/sync"
)

// LookupData is the payload of a lookup message.
type LookupData struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
	Result     string `json:"result"`
	Count      int    `json:"count"`
}

// StatsData holds running lookup statistics.
type StatsData struct {
	Lookups       int                       `json:"lookups"`
	ByResult      map[string]int            `json:"by_result"`
	ByCollection  map[string]map[string]int `json:"by_collection"`
	LastReconcile *ReportData               `json:"last_reconcile,omitempty"`
}

type statsSource struct {
	mu    sync.Mutex
	stats StatsData
}

func newStatsSource() *statsSource {
	return &statsSource{stats: StatsData{
		ByResult:     make(map[string]int),
		ByCollection: make(map[string]map[string]int),
	}}
}

func (s *statsSource) recordLookup(ev cachesync.LookupEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Lookups++
	s.stats.ByResult[ev.Result]++
	byResult := s.stats.ByCollection[ev.Collection]
	if byResult == nil {
		byResult = make(map[string]int)
		s.stats.ByCollection[ev.Collection] = byResult
	}
	byResult[ev.Result]++
}

func (s *statsSource) recordReconcile(r *ReportData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.LastReconcile = r
}

// snapshot returns a deep copy safe to marshal outside the lock.
func (s *statsSource) snapshot() StatsData {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := StatsData{
		Lookups:       s.stats.Lookups,
		ByResult:      make(map[string]int, len(s.stats.ByResult)),
		ByCollection:  make(map[string]map[string]int, len(s.stats.ByCollection)),
		LastReconcile: s.stats.LastReconcile,
	}
	for k, v := range s.stats.ByResult {
		out.ByResult[k] = v
	}
	for c, m := range s.stats.ByCollection {
		cp := make(map[string]int, len(m))
		for k, v := range m {
			cp[k] = v
		}
		out.ByCollection[c] = cp
	}
	return out
}

// Handler turns cache events into dashboard messages. It implements both
// the service lookup observer and the daemon reconcile observer.
type Handler struct {
	server *Server
	logger *zap.Logger
	stats  *statsSource
}

// NewHandler creates an event handler connected to server.
func NewHandler(server *Server, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		server: server,
		logger: logger.Named("dashboard"),
		stats:  newStatsSource(),
	}
	server.stats = h.stats
	return h
}

// OnLookup handles an accessor outcome.
func (h *Handler) OnLookup(ev cachesync.LookupEvent) {
	h.stats.recordLookup(ev)
	h.send(MessageTypeLookup, ev.Time, LookupData{
		Collection: ev.Collection,
		Key:        ev.Key,
		Result:     ev.Result,
		Count:      ev.Count,
	})
}

// OnReconcile handles a finished reconciliation pass.
func (h *Handler) OnReconcile(report *cachesync.Report) {
	if report == nil {
		return
	}
	data := NewReportData(report)
	h.stats.recordReconcile(data)
	h.send(MessageTypeReconcile, time.Now(), data)
	h.send(MessageTypeStats, time.Now(), h.stats.snapshot())
}

// Stats returns the current statistics.
func (h *Handler) Stats() StatsData {
	return h.stats.snapshot()
}

func (h *Handler) send(typ MessageType, at time.Time, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("failed to marshal message", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: at, Data: data})
}
