package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/medaid/medaid/internal/cache/db"
	"github.com/medaid/medaid/internal/cache/schema"
	"github.com/medaid/medaid/internal/remote"
)

// ItemStatus is the outcome of reconciling one pending record.
type ItemStatus string

const (
	StatusReconciled ItemStatus = "reconciled"
	StatusSkipped    ItemStatus = "skipped"
)

// Skip reasons.
const (
	ReasonUnreadable   = "unreadable local record"
	ReasonInvalid      = "invalid local record"
	ReasonLookupFailed = "backend lookup failed"
	ReasonInsertFailed = "backend insert failed"
	ReasonUpdateFailed = "local update failed"
	ReasonPanic        = "unexpected failure"
)

// ItemResult records what happened to one pending record.
type ItemResult struct {
	LocalID        string
	HealthIDNumber string
	Status         ItemStatus
	// Reason is set for skipped records
	Reason string
	// ServerID is the backend id attached to the local record, if any
	ServerID string
	// AlreadyRemote is set when the backend already held the number
	AlreadyRemote bool
	Err           error
}

// Report summarizes one reconciliation pass.
type Report struct {
	// Reconciled counts records whose pending flag was cleared
	Reconciled int
	Items      []ItemResult
	// Err is set when the pass could not run at all (Reconciled is then 0)
	// or when it was canceled partway
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// Skipped returns the number of records left pending.
func (r *Report) Skipped() int {
	n := 0
	for _, it := range r.Items {
		if it.Status == StatusSkipped {
			n++
		}
	}
	return n
}

// ReconcilePending uploads locally created health identities that the
// backend has not confirmed yet, and clears their pending flag.
//
// Records are processed one at a time. For each, the backend is first
// asked whether the number already exists; if so the local record is
// only marked reconciled, without a server_id, otherwise it is inserted
// and linked to the created row. Any failure on one record leaves it
// pending for the next pass and moves on. Failures never surface as a
// panic or error return; see Report.Err.
//
// Concurrent calls share a single pass and receive the same Report, which
// must be treated as read-only. The pass runs on its own context and is
// canceled only when every caller waiting on it has gone. A caller whose
// ctx ends while others still wait returns at once with a Report holding
// only its ctx error; the last caller to leave cancels the pass and gets
// its partial Report.
func (s *Service) ReconcilePending(ctx context.Context) *Report {
	if err := ctx.Err(); err != nil {
		return &Report{StartedAt: s.now(), Items: []ItemResult{}, Err: err}
	}

	s.passMu.Lock()
	if s.current == nil {
		pctx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
		s.current = &pass{ctx: pctx, cancel: cancel}
	}
	p := s.current
	p.waiters++
	ch := s.flight.DoChan(reconcileKey, func() (any, error) {
		return s.runPass(p), nil
	})
	s.passMu.Unlock()

	select {
	case res := <-ch:
		return res.Val.(*Report)
	case <-ctx.Done():
	}

	s.passMu.Lock()
	p.waiters--
	last := p.waiters == 0
	if last {
		p.cancel(ctx.Err())
	}
	s.passMu.Unlock()

	if !last {
		return &Report{StartedAt: s.now(), Items: []ItemResult{}, Err: ctx.Err()}
	}
	res := <-ch
	return res.Val.(*Report)
}

const reconcileKey = "reconcile"

// pass is a reconcile run shared by every caller waiting on it.
type pass struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	waiters int
}

// runPass runs p and detaches it, so the next caller starts a fresh pass.
func (s *Service) runPass(p *pass) *Report {
	defer func() {
		s.passMu.Lock()
		if s.current == p {
			s.current = nil
		}
		s.flight.Forget(reconcileKey)
		s.passMu.Unlock()
		p.cancel(nil)
	}()
	return s.reconcile(p.ctx)
}

func (s *Service) reconcile(ctx context.Context) *Report {
	report := &Report{StartedAt: s.now(), Items: []ItemResult{}}
	start := time.Now()
	defer func() {
		report.Duration = time.Since(start)
		s.cfg.Metrics.ReconcilePass(report.Duration)
	}()

	pending, err := s.pending(ctx)
	if err != nil {
		s.logger.Error("reconcile pass failed", zap.Error(err))
		report.Err = err
		return report
	}
	if len(pending) == 0 {
		return report
	}

	s.logger.Info("reconcile pass started", zap.Int("pending", len(pending)))

	for i, doc := range pending {
		if i > 0 && !s.pause(ctx) {
			report.Err = context.Cause(ctx)
			break
		}
		if ctx.Err() != nil {
			report.Err = context.Cause(ctx)
			break
		}

		res := s.reconcileItem(ctx, doc)
		report.Items = append(report.Items, res)
		s.cfg.Metrics.ReconcileItem(string(res.Status))

		if res.Status == StatusReconciled {
			report.Reconciled++
			s.logger.Info("reconciled pending identity",
				zap.String("local_id", res.LocalID),
				zap.String("server_id", res.ServerID),
				zap.Bool("already_remote", res.AlreadyRemote),
			)
		} else {
			s.logger.Warn("pending identity skipped",
				zap.String("local_id", res.LocalID),
				zap.String("reason", res.Reason),
				zap.Error(res.Err),
			)
		}
	}

	s.logger.Info("reconcile pass finished",
		zap.Int("reconciled", report.Reconciled),
		zap.Int("skipped", report.Skipped()),
		zap.Error(report.Err),
	)
	return report
}

// pending lists the raw documents of pending identities.
func (s *Service) pending(ctx context.Context) (docs []json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			docs, err = nil, fmt.Errorf("failed to list pending identities: panic: %v", r)
		}
	}()

	docs, err = s.local.QueryContext(ctx, schema.HealthIDs, "pending_verification", true, db.QueryOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending identities: %w", err)
	}
	return docs, nil
}

// pause waits ItemDelay between records. Returns false if ctx ended.
func (s *Service) pause(ctx context.Context) bool {
	if s.cfg.ItemDelay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(s.cfg.ItemDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// reconcileItem processes one pending document. It never panics.
func (s *Service) reconcileItem(ctx context.Context, doc json.RawMessage) (res ItemResult) {
	defer func() {
		if r := recover(); r != nil {
			res.Status = StatusSkipped
			res.Reason = ReasonPanic
			res.Err = fmt.Errorf("panic: %v", r)
		}
	}()

	id, err := schema.Decode[schema.HealthIdentity](doc)
	if err != nil {
		return skipped(res, ReasonUnreadable, err)
	}
	res.LocalID = id.ID
	res.HealthIDNumber = id.HealthIDNumber

	if err := id.Validate(); err != nil {
		return skipped(res, ReasonInvalid, err)
	}

	existing, found, err := s.lookupNumber(ctx, id.HealthIDNumber)
	if err != nil {
		return skipped(res, ReasonLookupFailed, err)
	}

	// A row already holding the number may belong to someone else, since
	// offline numbers are only checked optimistically. It is not linked.
	var serverID string
	if found {
		res.AlreadyRemote = true
		s.logger.Warn("pending number already on backend, not linking",
			zap.String("local_id", id.ID),
			zap.String("health_id_number", id.HealthIDNumber),
			zap.String("remote_id", remote.RowID(existing)),
		)
	} else {
		payload, err := id.InsertPayload()
		if err != nil {
			return skipped(res, ReasonInvalid, err)
		}

		rctx, cancel := s.withRemoteTimeout(ctx)
		row, err := s.remote.Insert(rctx, schema.HealthIDs.Name, payload)
		cancel()
		if err != nil {
			s.cfg.Metrics.RemoteError(schema.HealthIDs.Name, "insert")
			return skipped(res, ReasonInsertFailed, err)
		}
		serverID = remote.RowID(row)
	}

	patch := schema.ReconciledPatch(s.now(), serverID)
	if err := s.local.UpdateContext(context.WithoutCancel(ctx), schema.HealthIDs, id.ID, patch); err != nil {
		return skipped(res, ReasonUpdateFailed, err)
	}

	res.Status = StatusReconciled
	res.ServerID = serverID
	return res
}

// lookupNumber asks the backend for a row with the given number.
func (s *Service) lookupNumber(ctx context.Context, number string) (json.RawMessage, bool, error) {
	rctx, cancel := s.withRemoteTimeout(ctx)
	defer cancel()

	row, found, err := s.remote.MaybeSingle(rctx, remote.Query{Collection: schema.HealthIDs.Name}.Where("health_id_number", number))
	if err != nil {
		s.cfg.Metrics.RemoteError(schema.HealthIDs.Name, "maybe_single")
		return nil, false, err
	}
	return row, found, nil
}

func skipped(res ItemResult, reason string, err error) ItemResult {
	res.Status = StatusSkipped
	res.Reason = reason
	res.Err = err
	return res
}
