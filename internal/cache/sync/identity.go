package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medaid/medaid/internal/cache/db"
	"github.com/medaid/medaid/internal/cache/schema"
	"github.com/medaid/medaid/internal/healthid"
	"github.com/medaid/medaid/internal/remote"
)

// ErrInvalidDraft is returned by CreateIdentity for unusable input.
var ErrInvalidDraft = errors.New("invalid identity draft")

// CreateIdentity assigns a new health ID number to draft and stores it.
//
// The number is generated with a bounded uniqueness check against both
// stores. The identity is then inserted on the backend. If the check could
// not reach the backend, or the insert fails, the identity is kept locally
// under a provisional id with PendingVerification set, to be uploaded by
// ReconcilePending. Only a failure to persist anywhere is an error.
func (s *Service) CreateIdentity(ctx context.Context, draft schema.HealthIdentity) (*schema.HealthIdentity, error) {
	if draft.FullName == "" {
		return nil, fmt.Errorf("%w: full_name is required", ErrInvalidDraft)
	}
	if draft.BloodGroup != "" && !healthid.IsValidBloodGroup(draft.BloodGroup) {
		return nil, fmt.Errorf("%w: unknown blood group %q", ErrInvalidDraft, draft.BloodGroup)
	}
	if draft.StateCode == "" {
		draft.StateCode = healthid.DefaultStateCode
	}

	gen := healthid.NewGenerator(healthid.CheckerFunc(s.numberTaken))
	gen.Timeout = s.cfg.RemoteTimeout
	gen.Attempts = 10

	res, err := gen.Generate(ctx, draft.StateCode)
	if err != nil {
		return nil, fmt.Errorf("failed to generate health ID: %w", err)
	}

	draft.ID = ""
	draft.HealthIDNumber = res.Number
	draft.IsActive = true
	draft.PendingVerification = false
	draft.SyncedAt = nil
	draft.ServerID = ""
	if draft.CreatedAt == "" {
		draft.CreatedAt = s.now().UTC().Format(time.RFC3339)
	}

	if !res.Unchecked {
		created, err := s.insertIdentity(ctx, &draft)
		if err == nil {
			return created, nil
		}
		s.logger.Warn("identity insert failed, keeping it pending",
			zap.String("health_id_number", draft.HealthIDNumber),
			zap.Error(err),
		)
	} else {
		s.logger.Warn("number uniqueness unconfirmed, keeping identity pending",
			zap.String("health_id_number", draft.HealthIDNumber),
			zap.Bool("timed_out", res.TimedOut),
		)
	}

	draft.ID = schema.LocalIDPrefix + uuid.NewString()
	draft.PendingVerification = true
	if err := s.local.PutContext(context.WithoutCancel(ctx), &draft); err != nil {
		return nil, fmt.Errorf("failed to store pending identity: %w", err)
	}
	return &draft, nil
}

func (s *Service) insertIdentity(ctx context.Context, draft *schema.HealthIdentity) (*schema.HealthIdentity, error) {
	payload, err := draft.InsertPayload()
	if err != nil {
		return nil, err
	}

	rctx, cancel := s.withRemoteTimeout(ctx)
	defer cancel()

	row, err := s.remote.Insert(rctx, schema.HealthIDs.Name, payload)
	if err != nil {
		s.cfg.Metrics.RemoteError(schema.HealthIDs.Name, "insert")
		return nil, err
	}

	created, err := schema.Decode[schema.HealthIdentity](row)
	if err != nil {
		return nil, err
	}
	if err := created.Validate(); err != nil {
		return nil, fmt.Errorf("backend returned an unusable identity: %w", err)
	}

	s.writeBack(ctx, schema.HealthIDs, []schema.Record{created})
	return created, nil
}

// numberTaken reports whether either store already holds number.
func (s *Service) numberTaken(ctx context.Context, number string) (bool, error) {
	if _, err := s.local.GetContext(ctx, schema.HealthIDs, "health_id_number", number); err == nil {
		return true, nil
	}
	_, found, err := s.remote.MaybeSingle(ctx, remote.Query{Collection: schema.HealthIDs.Name}.Where("health_id_number", number))
	return found, err
}

// Verification is the result of VerifyIdentity.
type Verification struct {
	Valid    bool
	Exists   bool
	Active   bool
	Pending  bool
	Identity *schema.HealthIdentity
	Reason   string
}

// VerifyIdentity checks that number is well formed and names a known
// identity, reporting whether it is active. A backend miss is a negative
// result, not an error; transport failures are returned.
func (s *Service) VerifyIdentity(ctx context.Context, number string) (Verification, error) {
	if !healthid.IsValid(number) {
		return Verification{Reason: "invalid health ID format"}, nil
	}

	id, err := s.IdentityByNumber(ctx, number)
	if errors.Is(err, remote.ErrNotFound) {
		return Verification{Valid: true, Reason: "health ID not found"}, nil
	}
	if err != nil {
		return Verification{Valid: true}, err
	}

	return Verification{
		Valid:    true,
		Exists:   true,
		Active:   id.IsActive,
		Pending:  id.PendingVerification,
		Identity: id,
	}, nil
}

// PendingIdentities lists local identities awaiting reconciliation.
func (s *Service) PendingIdentities(ctx context.Context) ([]*schema.HealthIdentity, error) {
	docs, err := s.local.QueryContext(ctx, schema.HealthIDs, "pending_verification", true, db.QueryOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending identities: %w", err)
	}
	return schema.DecodeAll[schema.HealthIdentity](docs)
}
