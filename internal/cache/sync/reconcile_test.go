package sync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medaid/medaid/internal/cache/schema"
)

func putPending(t *testing.T, svc *Service, id, number string) {
	t.Helper()
	rec := &schema.HealthIdentity{
		ID:                  id,
		HealthIDNumber:      number,
		FullName:            "Pending " + id,
		IsActive:            true,
		PendingVerification: true,
	}
	if err := svc.local.PutContext(context.Background(), rec); err != nil {
		t.Fatalf("PutContext() failed: %v", err)
	}
}

func loadIdentity(t *testing.T, svc *Service, id string) *schema.HealthIdentity {
	t.Helper()
	doc, err := svc.local.GetContext(context.Background(), schema.HealthIDs, "id", id)
	require.NoError(t, err)
	rec, err := schema.Decode[schema.HealthIdentity](doc)
	require.NoError(t, err)
	return rec
}

func TestReconcilePending_NothingPending(t *testing.T) {
	rs := newFakeRemote()
	svc := New(setupTestDB(t), rs, testConfig())

	report := svc.ReconcilePending(context.Background())
	require.NotNil(t, report)
	assert.Equal(t, 0, report.Reconciled)
	assert.Empty(t, report.Items)
	assert.NoError(t, report.Err)
	assert.Equal(t, 0, rs.total())
}

func TestReconcilePending_InsertsAndAttachesServerID(t *testing.T) {
	rs := newFakeRemote()
	svc := New(setupTestDB(t), rs, testConfig())
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	putPending(t, svc, "local-1", "27-1234-5678-9012")

	report := svc.ReconcilePending(context.Background())
	require.NoError(t, report.Err)
	assert.Equal(t, 1, report.Reconciled)
	require.Len(t, report.Items, 1)
	assert.Equal(t, StatusReconciled, report.Items[0].Status)
	assert.Equal(t, "srv-99", report.Items[0].ServerID)
	assert.False(t, report.Items[0].AlreadyRemote)

	got := loadIdentity(t, svc, "local-1")
	assert.False(t, got.PendingVerification)
	require.NotNil(t, got.SyncedAt)
	assert.True(t, fixed.Equal(*got.SyncedAt))
	assert.Equal(t, "srv-99", got.ServerID)
	assert.Equal(t, "27-1234-5678-9012", got.HealthIDNumber)
}

func TestReconcilePending_PayloadStripsLocalFields(t *testing.T) {
	rs := newFakeRemote()
	svc := New(setupTestDB(t), rs, testConfig())
	putPending(t, svc, "local-1", "27-1234-5678-9012")

	svc.ReconcilePending(context.Background())

	payloads := rs.insertedPayloads()
	require.Len(t, payloads, 1)
	for _, f := range []string{"id", "pending_verification", "synced_at", "server_id"} {
		assert.NotContains(t, payloads[0], f)
	}
	assert.Equal(t, "27-1234-5678-9012", payloads[0]["health_id_number"])
	assert.Equal(t, "Pending local-1", payloads[0]["full_name"])
}

func TestReconcilePending_Idempotent(t *testing.T) {
	rs := newFakeRemote()
	svc := New(setupTestDB(t), rs, testConfig())
	putPending(t, svc, "local-1", "27-1234-5678-9012")
	putPending(t, svc, "local-2", "27-2222-3333-4444")

	first := svc.ReconcilePending(context.Background())
	assert.Equal(t, 2, first.Reconciled)

	second := svc.ReconcilePending(context.Background())
	assert.Equal(t, 0, second.Reconciled)
	assert.Empty(t, second.Items)
	assert.Equal(t, 2, rs.count("insert"))
}

func TestReconcilePending_ExistingRemoteIsNotReinserted(t *testing.T) {
	rs := newFakeRemote()
	rs.identities["27-1234-5678-9012"] = json.RawMessage(`{"id":"srv-7","health_id_number":"27-1234-5678-9012"}`)
	svc := New(setupTestDB(t), rs, testConfig())
	putPending(t, svc, "local-1", "27-1234-5678-9012")

	report := svc.ReconcilePending(context.Background())
	assert.Equal(t, 1, report.Reconciled)
	assert.Equal(t, 0, rs.count("insert"))
	require.Len(t, report.Items, 1)
	assert.True(t, report.Items[0].AlreadyRemote)
	assert.Empty(t, report.Items[0].ServerID)

	got := loadIdentity(t, svc, "local-1")
	assert.False(t, got.PendingVerification)
	assert.NotNil(t, got.SyncedAt)
	assert.Empty(t, got.ServerID, "existing backend row must not be linked")
}

func TestReconcilePending_PerItemIsolation(t *testing.T) {
	rs := newFakeRemote()
	rs.lookupErr["27-1111-1111-1111"] = errors.New("connection reset")
	svc := New(setupTestDB(t), rs, testConfig())
	putPending(t, svc, "local-a", "27-1111-1111-1111")
	putPending(t, svc, "local-b", "27-2222-2222-2222")

	report := svc.ReconcilePending(context.Background())
	assert.NoError(t, report.Err)
	assert.Equal(t, 1, report.Reconciled)
	assert.Equal(t, 1, report.Skipped())
	require.Len(t, report.Items, 2)
	assert.Equal(t, StatusSkipped, report.Items[0].Status)
	assert.Equal(t, ReasonLookupFailed, report.Items[0].Reason)
	assert.Error(t, report.Items[0].Err)
	assert.Equal(t, StatusReconciled, report.Items[1].Status)

	assert.True(t, loadIdentity(t, svc, "local-a").PendingVerification)
	assert.False(t, loadIdentity(t, svc, "local-b").PendingVerification)
}

func TestReconcilePending_InsertFailureLeavesPending(t *testing.T) {
	rs := newFakeRemote()
	rs.insertErr = errors.New("409 conflict")
	svc := New(setupTestDB(t), rs, testConfig())
	putPending(t, svc, "local-1", "27-1234-5678-9012")

	report := svc.ReconcilePending(context.Background())
	assert.Equal(t, 0, report.Reconciled)
	require.Len(t, report.Items, 1)
	assert.Equal(t, ReasonInsertFailed, report.Items[0].Reason)
	assert.True(t, loadIdentity(t, svc, "local-1").PendingVerification)

	rs.insertErr = nil
	retry := svc.ReconcilePending(context.Background())
	assert.Equal(t, 1, retry.Reconciled)
}

func TestReconcilePending_PanicIsContained(t *testing.T) {
	rs := newFakeRemote()
	rs.lookupPanic["27-1111-1111-1111"] = true
	svc := New(setupTestDB(t), rs, testConfig())
	putPending(t, svc, "local-a", "27-1111-1111-1111")
	putPending(t, svc, "local-b", "27-2222-2222-2222")

	var report *Report
	require.NotPanics(t, func() { report = svc.ReconcilePending(context.Background()) })
	assert.Equal(t, 1, report.Reconciled)
	assert.Equal(t, ReasonPanic, report.Items[0].Reason)
	assert.Equal(t, "local-a", report.Items[0].LocalID)
}

func TestReconcilePending_PassLevelFailure(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		local := &flakyLocal{DB: setupTestDB(t), queryErr: errors.New("no such table")}
		rs := newFakeRemote()
		svc := New(local, rs, testConfig())

		report := svc.ReconcilePending(context.Background())
		assert.Equal(t, 0, report.Reconciled)
		assert.Error(t, report.Err)
		assert.Equal(t, 0, rs.total())
	})

	t.Run("panic", func(t *testing.T) {
		local := &flakyLocal{DB: setupTestDB(t), queryPanic: true}
		svc := New(local, newFakeRemote(), testConfig())

		var report *Report
		require.NotPanics(t, func() { report = svc.ReconcilePending(context.Background()) })
		assert.Equal(t, 0, report.Reconciled)
		assert.Error(t, report.Err)
	})
}

func TestReconcilePending_InvalidRecordSkipped(t *testing.T) {
	database := setupTestDB(t)
	_, err := database.RawDB().Exec(`INSERT INTO health_ids (id, doc, cached_at) VALUES ('local-x', '{"id":"local-x","pending_verification":true}', '2024-01-01T00:00:00Z')`)
	require.NoError(t, err)

	rs := newFakeRemote()
	svc := New(database, rs, testConfig())
	putPending(t, svc, "local-y", "27-2222-2222-2222")

	report := svc.ReconcilePending(context.Background())
	assert.Equal(t, 1, report.Reconciled)
	require.Len(t, report.Items, 2)
	assert.Equal(t, ReasonInvalid, report.Items[0].Reason)
	assert.Equal(t, 1, rs.count("maybe_single"))
}

func TestReconcilePending_CanceledBeforeStart(t *testing.T) {
	rs := newFakeRemote()
	svc := New(setupTestDB(t), rs, testConfig())
	putPending(t, svc, "local-1", "27-1234-5678-9012")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := svc.ReconcilePending(ctx)
	assert.Equal(t, 0, report.Reconciled)
	assert.ErrorIs(t, report.Err, context.Canceled)
}

func TestReconcilePending_ItemDelayHonorsCancel(t *testing.T) {
	rs := newFakeRemote()
	cfg := testConfig()
	cfg.ItemDelay = time.Hour
	svc := New(setupTestDB(t), rs, cfg)
	putPending(t, svc, "local-1", "27-1111-1111-1111")
	putPending(t, svc, "local-2", "27-2222-2222-2222")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	report := svc.ReconcilePending(ctx)
	assert.Equal(t, 1, report.Reconciled)
	assert.ErrorIs(t, report.Err, context.DeadlineExceeded)
	assert.True(t, loadIdentity(t, svc, "local-2").PendingVerification)
}

func TestReconcilePending_ConcurrentCallsInsertOnce(t *testing.T) {
	rs := newFakeRemote()
	rs.gate = make(chan struct{})
	svc := New(setupTestDB(t), rs, testConfig())
	putPending(t, svc, "local-1", "27-1234-5678-9012")

	var wg sync.WaitGroup
	reports := make([]*Report, 4)
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i] = svc.ReconcilePending(context.Background())
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(rs.gate)
	wg.Wait()

	assert.Equal(t, 1, rs.count("insert"))
	total := 0
	for _, r := range reports {
		require.NotNil(t, r)
		total += r.Reconciled
	}
	assert.GreaterOrEqual(t, total, 1)
	assert.False(t, loadIdentity(t, svc, "local-1").PendingVerification)
}

func TestReconcilePending_CallerCancelKeepsSharedPassRunning(t *testing.T) {
	rs := newFakeRemote()
	rs.gate = make(chan struct{})
	svc := New(setupTestDB(t), rs, testConfig())
	putPending(t, svc, "local-1", "27-1111-1111-1111")
	putPending(t, svc, "local-2", "27-2222-2222-2222")

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()

	first := make(chan *Report, 1)
	go func() { first <- svc.ReconcilePending(ctxA) }()
	require.Eventually(t, func() bool { return rs.count("maybe_single") == 1 }, time.Second, 5*time.Millisecond)

	second := make(chan *Report, 1)
	go func() { second <- svc.ReconcilePending(context.Background()) }()
	require.Eventually(t, func() bool { return passWaiters(svc) == 2 }, time.Second, 5*time.Millisecond)

	cancelA()
	a := waitReport(t, first)
	assert.ErrorIs(t, a.Err, context.Canceled)
	assert.Equal(t, 0, a.Reconciled)

	close(rs.gate)
	b := waitReport(t, second)
	assert.NoError(t, b.Err)
	assert.Equal(t, 2, b.Reconciled)
	assert.Equal(t, 2, rs.count("insert"))
	assert.False(t, loadIdentity(t, svc, "local-1").PendingVerification)
	assert.False(t, loadIdentity(t, svc, "local-2").PendingVerification)

	// the finished pass is detached; a later call runs a fresh one
	assert.Equal(t, 0, passWaiters(svc))
	third := svc.ReconcilePending(context.Background())
	assert.NoError(t, third.Err)
	assert.Empty(t, third.Items)
}

func passWaiters(svc *Service) int {
	svc.passMu.Lock()
	defer svc.passMu.Unlock()
	if svc.current == nil {
		return 0
	}
	return svc.current.waiters
}

func waitReport(t *testing.T, ch <-chan *Report) *Report {
	t.Helper()
	select {
	case r := <-ch:
		require.NotNil(t, r)
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("ReconcilePending did not return")
		return nil
	}
}

func TestPendingIdentities(t *testing.T) {
	svc := New(setupTestDB(t), newFakeRemote(), testConfig())
	putPending(t, svc, "local-1", "27-1234-5678-9012")
	require.NoError(t, svc.local.PutContext(context.Background(), &schema.HealthIdentity{ID: "srv-1", HealthIDNumber: "27-0000-0000-0001"}))

	pending, err := svc.PendingIdentities(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "local-1", pending[0].ID)
}
