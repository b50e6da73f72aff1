package sync

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/medaid/medaid/internal/cache/db"
	"github.com/medaid/medaid/internal/cache/schema"
	"github.com/medaid/medaid/internal/metrics"
	"github.com/medaid/medaid/internal/remote"
)

// Backend result caps for list accessors.
const (
	RecordLimit = 100
	VisitLimit  = 200
)

// listQuery describes how one list accessor reads locally and remotely.
type listQuery struct {
	collection schema.Collection
	keyField   string
	// orderBy is a declared date field sorted newest first; empty means by id
	orderBy string
	limit   int
	extra   []remote.Eq
	embeds  []remote.Embed
}

func (q listQuery) remoteQuery(key string) remote.Query {
	rq := remote.Query{
		Collection: q.collection.Name,
		Embeds:     q.embeds,
		Limit:      q.limit,
	}.Where(q.keyField, key)
	for _, f := range q.extra {
		rq = rq.Where(f.Field, f.Value)
	}
	if q.orderBy != "" {
		rq.Order = &remote.Order{Field: q.orderBy, Descending: true}
	}
	return rq
}

func (q listQuery) localOptions() db.QueryOptions {
	return db.QueryOptions{OrderBy: q.orderBy, Descending: q.orderBy != ""}
}

var (
	familyQuery = listQuery{
		collection: schema.FamilyMembers,
		keyField:   "primary_health_id",
		embeds: []remote.Embed{{
			Alias:      "member",
			Collection: schema.HealthIDs.Name,
			On:         "member_health_id",
			Fields:     []string{"health_id_number", "full_name", "date_of_birth", "blood_group"},
		}},
	}
	vaccinationQuery = listQuery{
		collection: schema.Vaccinations,
		keyField:   "health_id",
		orderBy:    "administered_date",
		limit:      RecordLimit,
	}
	medicalRecordQuery = listQuery{
		collection: schema.MedicalRecords,
		keyField:   "health_id",
		orderBy:    "diagnosis_date",
		limit:      RecordLimit,
	}
	insuranceQuery = listQuery{
		collection: schema.InsurancePolicies,
		keyField:   "health_id",
		extra:      []remote.Eq{{Field: "status", Value: schema.PolicyStatusActive}},
	}
	consultationQuery = listQuery{
		collection: schema.Consultations,
		keyField:   "patient_id",
		orderBy:    "created_at",
		limit:      VisitLimit,
		embeds:     []remote.Embed{patientEmbed("consultations_patient_id_fkey")},
	}
	appointmentQuery = listQuery{
		collection: schema.Appointments,
		keyField:   "patient_id",
		orderBy:    "appointment_date",
		limit:      VisitLimit,
		embeds:     []remote.Embed{patientEmbed("appointments_patient_id_fkey")},
	}
)

func patientEmbed(hint string) remote.Embed {
	return remote.Embed{
		Alias:      "profiles",
		Collection: "profiles",
		On:         "patient_id",
		Hint:       hint,
		Fields:     []string{"full_name", "health_id"},
	}
}

// IdentityByNumber returns the health identity with the given number.
//
// An empty number returns nil, nil. A backend miss is an error wrapping
// remote.ErrNotFound, and a backend call that runs past the configured
// timeout is an error wrapping context.DeadlineExceeded.
func (s *Service) IdentityByNumber(ctx context.Context, number string) (*schema.HealthIdentity, error) {
	if number == "" {
		return nil, nil
	}
	c := schema.HealthIDs

	doc, err := s.local.GetContext(ctx, c, "health_id_number", number)
	switch {
	case err == nil:
		id, derr := schema.Decode[schema.HealthIdentity](doc)
		if derr == nil {
			s.observe(LookupEvent{Collection: c.Name, Key: number, Result: metrics.ResultHit, Count: 1})
			return id, nil
		}
		s.logger.Warn("unreadable local record", zap.String("collection", c.Name), zap.Error(derr))
	case errors.Is(err, db.ErrNotFound):
	default:
		s.logger.Warn("local read failed", zap.String("collection", c.Name), zap.Error(err))
	}

	rctx, cancel := s.withRemoteTimeout(ctx)
	defer cancel()

	row, err := s.remote.Single(rctx, remote.Query{Collection: c.Name}.Where("health_id_number", number))
	if err != nil {
		if s.remoteFailed(ctx, rctx, c, "single", number, err) {
			return nil, fmt.Errorf("identity %s: backend did not answer within %s: %w", number, s.cfg.RemoteTimeout, context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("identity %s: %w", number, err)
	}

	id, err := schema.Decode[schema.HealthIdentity](row)
	if err != nil {
		return nil, fmt.Errorf("identity %s: %w", number, err)
	}

	s.writeBack(ctx, c, []schema.Record{id})
	s.observe(LookupEvent{Collection: c.Name, Key: number, Result: metrics.ResultFilled, Count: 1})
	return id, nil
}

// FamilyMembers returns the family links of a primary identity, each with
// the linked member's identity snapshot.
func (s *Service) FamilyMembers(ctx context.Context, primaryHealthID string) ([]*schema.FamilyMember, error) {
	return readThrough[schema.FamilyMember](ctx, s, familyQuery, primaryHealthID, nil)
}

// Vaccinations returns doses for an identity, newest first.
func (s *Service) Vaccinations(ctx context.Context, healthID string) ([]*schema.Vaccination, error) {
	return readThrough[schema.Vaccination](ctx, s, vaccinationQuery, healthID, nil)
}

// MedicalRecords returns diagnoses for an identity, newest first.
func (s *Service) MedicalRecords(ctx context.Context, healthID string) ([]*schema.MedicalRecord, error) {
	return readThrough[schema.MedicalRecord](ctx, s, medicalRecordQuery, healthID, nil)
}

// InsurancePolicies returns the active policies of an identity.
func (s *Service) InsurancePolicies(ctx context.Context, healthID string) ([]*schema.InsurancePolicy, error) {
	return readThrough[schema.InsurancePolicy](ctx, s, insuranceQuery, healthID, func(p *schema.InsurancePolicy) bool {
		return p.Status == schema.PolicyStatusActive
	})
}

// Consultations returns a patient's consultations, newest first.
func (s *Service) Consultations(ctx context.Context, patientID string) ([]*schema.Consultation, error) {
	return readThrough[schema.Consultation](ctx, s, consultationQuery, patientID, nil)
}

// Appointments returns a patient's appointments, latest date first.
func (s *Service) Appointments(ctx context.Context, patientID string) ([]*schema.Appointment, error) {
	return readThrough[schema.Appointment](ctx, s, appointmentQuery, patientID, nil)
}

type recordPtr[T any] interface {
	*T
	schema.Record
}

// readThrough is the shared list accessor policy:
//
//   - empty key: empty result, neither store touched
//   - any local match: returned as is, backend not called
//   - local miss: backend query, rows written back, rows returned
//   - backend error: returned
//   - backend timeout: empty result
//
// keep, when set, drops local rows the backend query would not return.
func readThrough[T any, P recordPtr[T]](ctx context.Context, s *Service, q listQuery, key string, keep func(*T) bool) ([]*T, error) {
	if key == "" {
		return []*T{}, nil
	}
	c := q.collection

	if items := localList[T](ctx, s, q, key, keep); len(items) > 0 {
		s.observe(LookupEvent{Collection: c.Name, Key: key, Result: metrics.ResultHit, Count: len(items)})
		return items, nil
	}

	rctx, cancel := s.withRemoteTimeout(ctx)
	defer cancel()

	rows, err := s.remote.Select(rctx, q.remoteQuery(key))
	if err != nil {
		if s.remoteFailed(ctx, rctx, c, "select", key, err) {
			s.observe(LookupEvent{Collection: c.Name, Key: key, Result: metrics.ResultFallback})
			return []*T{}, nil
		}
		return nil, fmt.Errorf("fetch %s for %s: %w", c.Name, key, err)
	}

	items, err := schema.DecodeAll[T](rows)
	if err != nil {
		return nil, fmt.Errorf("fetch %s for %s: %w", c.Name, key, err)
	}

	if len(items) == 0 {
		s.observe(LookupEvent{Collection: c.Name, Key: key, Result: metrics.ResultMiss})
		return items, nil
	}

	recs := make([]schema.Record, 0, len(items))
	for _, item := range items {
		recs = append(recs, P(item))
	}
	s.writeBack(ctx, c, recs)

	s.observe(LookupEvent{Collection: c.Name, Key: key, Result: metrics.ResultFilled, Count: len(items)})
	return items, nil
}

// localList reads and decodes local matches. A failed local read counts as
// a miss.
func localList[T any](ctx context.Context, s *Service, q listQuery, key string, keep func(*T) bool) []*T {
	docs, err := s.local.QueryContext(ctx, q.collection, q.keyField, key, q.localOptions())
	if err != nil {
		s.logger.Warn("local read failed", zap.String("collection", q.collection.Name), zap.Error(err))
		return nil
	}

	items := make([]*T, 0, len(docs))
	for _, doc := range docs {
		item, err := schema.Decode[T](doc)
		if err != nil {
			s.logger.Warn("unreadable local record", zap.String("collection", q.collection.Name), zap.Error(err))
			continue
		}
		if keep != nil && !keep(item) {
			continue
		}
		items = append(items, item)
	}
	return items
}

// writeBack stores backend rows locally. Failures are logged and dropped:
// the caller already holds the backend data. The write is detached from
// ctx cancellation so a caller that stops waiting still fills the cache.
func (s *Service) writeBack(ctx context.Context, c schema.Collection, recs []schema.Record) {
	if len(recs) == 0 {
		return
	}
	if err := s.local.BulkPutContext(context.WithoutCancel(ctx), recs); err != nil {
		s.cfg.Metrics.WritebackFailure(c.Name)
		s.logger.Warn("local write-back failed",
			zap.String("collection", c.Name),
			zap.Int("records", len(recs)),
			zap.Error(err),
		)
	}
}

// remoteFailed records a failed backend call and reports whether it failed
// because the service's own timeout expired (rather than the caller's
// context or the backend itself).
func (s *Service) remoteFailed(ctx, rctx context.Context, c schema.Collection, op, key string, err error) bool {
	s.cfg.Metrics.RemoteError(c.Name, op)

	timedOut := ctx.Err() == nil && errors.Is(rctx.Err(), context.DeadlineExceeded)
	s.logger.Warn("remote call failed",
		zap.String("collection", c.Name),
		zap.String("op", op),
		zap.String("key", key),
		zap.Bool("timed_out", timedOut),
		zap.Error(err),
	)
	return timedOut
}
