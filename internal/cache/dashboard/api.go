package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/medaid/medaid/internal/cache/schema"
	cachesync "github.com/medaid/medaid/internal/cache/sync"
	"github.com/medaid/medaid/internal/remote"
)

// Service is the cache surface the API serves. *sync.Service implements it.
type Service interface {
	IdentityByNumber(ctx context.Context, number string) (*schema.HealthIdentity, error)
	VerifyIdentity(ctx context.Context, number string) (cachesync.Verification, error)
	FamilyMembers(ctx context.Context, primaryHealthID string) ([]*schema.FamilyMember, error)
	Vaccinations(ctx context.Context, healthID string) ([]*schema.Vaccination, error)
	MedicalRecords(ctx context.Context, healthID string) ([]*schema.MedicalRecord, error)
	InsurancePolicies(ctx context.Context, healthID string) ([]*schema.InsurancePolicy, error)
	Consultations(ctx context.Context, patientID string) ([]*schema.Consultation, error)
	Appointments(ctx context.Context, patientID string) ([]*schema.Appointment, error)
	PendingIdentities(ctx context.Context) ([]*schema.HealthIdentity, error)
	ReconcilePending(ctx context.Context) *cachesync.Report
}

var _ Service = (*cachesync.Service)(nil)

// ItemData is one reconciled or skipped record in ReportData.
type ItemData struct {
	LocalID        string `json:"local_id"`
	HealthIDNumber string `json:"health_id_number,omitempty"`
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"`
	ServerID       string `json:"server_id,omitempty"`
	AlreadyRemote  bool   `json:"already_remote,omitempty"`
	Error          string `json:"error,omitempty"`
}

// ReportData is the JSON form of a reconciliation report.
type ReportData struct {
	Reconciled int        `json:"reconciled"`
	Skipped    int        `json:"skipped"`
	Items      []ItemData `json:"items"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	DurationMS int64      `json:"duration_ms"`
}

// NewReportData converts a report for JSON output.
func NewReportData(r *cachesync.Report) *ReportData {
	out := &ReportData{
		Reconciled: r.Reconciled,
		Skipped:    r.Skipped(),
		Items:      make([]ItemData, 0, len(r.Items)),
		StartedAt:  r.StartedAt,
		DurationMS: r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	for _, it := range r.Items {
		item := ItemData{
			LocalID:        it.LocalID,
			HealthIDNumber: it.HealthIDNumber,
			Status:         string(it.Status),
			Reason:         it.Reason,
			ServerID:       it.ServerID,
			AlreadyRemote:  it.AlreadyRemote,
		}
		if it.Err != nil {
			item.Error = it.Err.Error()
		}
		out.Items = append(out.Items, item)
	}
	return out
}

func (s *Server) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/identities/{number}", s.withService(func(svc Service, w http.ResponseWriter, r *http.Request) {
		id, err := svc.IdentityByNumber(r.Context(), r.PathValue("number"))
		s.respond(w, id, err)
	}))
	mux.HandleFunc("GET /api/v1/identities/{number}/verify", s.withService(func(svc Service, w http.ResponseWriter, r *http.Request) {
		v, err := svc.VerifyIdentity(r.Context(), r.PathValue("number"))
		s.respond(w, verificationData(v), err)
	}))
	mux.HandleFunc("GET /api/v1/identities/{id}/family", s.withService(func(svc Service, w http.ResponseWriter, r *http.Request) {
		list, err := svc.FamilyMembers(r.Context(), r.PathValue("id"))
		s.respond(w, list, err)
	}))
	mux.HandleFunc("GET /api/v1/identities/{id}/vaccinations", s.withService(func(svc Service, w http.ResponseWriter, r *http.Request) {
		list, err := svc.Vaccinations(r.Context(), r.PathValue("id"))
		s.respond(w, list, err)
	}))
	mux.HandleFunc("GET /api/v1/identities/{id}/medical-records", s.withService(func(svc Service, w http.ResponseWriter, r *http.Request) {
		list, err := svc.MedicalRecords(r.Context(), r.PathValue("id"))
		s.respond(w, list, err)
	}))
	mux.HandleFunc("GET /api/v1/identities/{id}/insurance", s.withService(func(svc Service, w http.ResponseWriter, r *http.Request) {
		list, err := svc.InsurancePolicies(r.Context(), r.PathValue("id"))
		s.respond(w, list, err)
	}))
	mux.HandleFunc("GET /api/v1/patients/{id}/consultations", s.withService(func(svc Service, w http.ResponseWriter, r *http.Request) {
		list, err := svc.Consultations(r.Context(), r.PathValue("id"))
		s.respond(w, list, err)
	}))
	mux.HandleFunc("GET /api/v1/patients/{id}/appointments", s.withService(func(svc Service, w http.ResponseWriter, r *http.Request) {
		list, err := svc.Appointments(r.Context(), r.PathValue("id"))
		s.respond(w, list, err)
	}))
	mux.HandleFunc("GET /api/v1/pending", s.withService(func(svc Service, w http.ResponseWriter, r *http.Request) {
		list, err := svc.PendingIdentities(r.Context())
		s.respond(w, list, err)
	}))
	mux.HandleFunc("POST /api/v1/reconcile", s.withService(func(svc Service, w http.ResponseWriter, r *http.Request) {
		report := svc.ReconcilePending(r.Context())
		data := NewReportData(report)
		if s.stats != nil {
			s.stats.recordReconcile(data)
		}
		s.Broadcast(Message{Type: MessageTypeReconcile, Timestamp: time.Now(), Data: marshalOrNil(data)})
		writeJSON(w, http.StatusOK, data)
	}))
	mux.HandleFunc("GET /api/v1/stats", func(w http.ResponseWriter, r *http.Request) {
		if s.stats == nil {
			writeJSON(w, http.StatusOK, StatsData{})
			return
		}
		writeJSON(w, http.StatusOK, s.stats.snapshot())
	})
}

type verification struct {
	Valid    bool                   `json:"valid"`
	Exists   bool                   `json:"exists"`
	Active   bool                   `json:"active"`
	Pending  bool                   `json:"pending"`
	Reason   string                 `json:"reason,omitempty"`
	Identity *schema.HealthIdentity `json:"identity,omitempty"`
}

func verificationData(v cachesync.Verification) verification {
	return verification{
		Valid:    v.Valid,
		Exists:   v.Exists,
		Active:   v.Active,
		Pending:  v.Pending,
		Reason:   v.Reason,
		Identity: v.Identity,
	}
}

func (s *Server) withService(fn func(Service, http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc := s.currentService()
		if svc == nil {
			writeError(w, http.StatusServiceUnavailable, "cache service not attached")
			return
		}
		fn(svc, w, r)
	}
}

func (s *Server) respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.logger.Warn("request failed", zap.Int("status", status), zap.Error(err))
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// statusFor maps accessor errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, remote.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func marshalOrNil(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
