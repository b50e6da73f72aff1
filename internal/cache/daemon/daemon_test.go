package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	cachesync "github.com/medaid/medaid/internal/cache/sync"
)

type countingReconciler struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *countingReconciler) ReconcilePending(ctx context.Context) *cachesync.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return &cachesync.Report{Reconciled: 1, Err: r.err, StartedAt: time.Now()}
}

func (r *countingReconciler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type reportCollector struct {
	mu      sync.Mutex
	reports []*cachesync.Report
}

func (c *reportCollector) OnReconcile(report *cachesync.Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, report)
}

func (c *reportCollector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reports)
}

// startDaemon runs d.Start in the background and returns a func that
// cancels it and waits for Start to return.
func startDaemon(t *testing.T, d *Daemon) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("daemon did not stop")
		}
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		rec     Reconciler
		config  *Config
		wantErr bool
	}{
		{name: "defaults", rec: &countingReconciler{}, config: nil},
		{name: "nil reconciler", rec: nil, config: nil, wantErr: true},
		{name: "zero interval", rec: &countingReconciler{}, config: &Config{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.rec, tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if d != nil {
				require.NoError(t, d.Stop())
			}
		})
	}
}

func TestDaemon_RunsOnStartAndInterval(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &countingReconciler{}
	obs := &reportCollector{}
	cfg := DefaultConfig()
	cfg.Interval = 20 * time.Millisecond
	cfg.Observer = obs

	d, err := New(rec, cfg)
	require.NoError(t, err)
	stop := startDaemon(t, d)

	require.Eventually(t, func() bool { return rec.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.GreaterOrEqual(t, obs.len(), 3)
	assert.Equal(t, int64(rec.count()), d.Passes())
}

func TestDaemon_Trigger(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &countingReconciler{}
	cfg := DefaultConfig()
	cfg.Interval = time.Hour

	d, err := New(rec, cfg)
	require.NoError(t, err)
	stop := startDaemon(t, d)
	defer stop()

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	d.Trigger()
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestDaemon_TriggerFile(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	rec := &countingReconciler{}
	cfg := DefaultConfig()
	cfg.Interval = time.Hour
	cfg.TriggerFile = filepath.Join(dir, "reconcile.trigger")
	cfg.Debounce = 10 * time.Millisecond

	d, err := New(rec, cfg)
	require.NoError(t, err)
	stop := startDaemon(t, d)
	defer stop()

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	// unrelated files are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0600))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())

	require.NoError(t, Touch(cfg.TriggerFile))
	require.Eventually(t, func() bool { return rec.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestDaemon_TriggerFileMissingDir(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := DefaultConfig()
	cfg.TriggerFile = filepath.Join(t.TempDir(), "missing", "reconcile.trigger")

	d, err := New(&countingReconciler{}, cfg)
	require.NoError(t, err)

	err = d.Start(context.Background())
	assert.Error(t, err)
}

func TestDaemon_FailedPassKeepsRunning(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &countingReconciler{err: errors.New("no such table: health_ids")}
	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond

	d, err := New(rec, cfg)
	require.NoError(t, err)
	stop := startDaemon(t, d)

	require.Eventually(t, func() bool { return rec.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	stop()
}

func TestDaemon_StartTwice(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := DefaultConfig()
	d, err := New(&countingReconciler{}, cfg)
	require.NoError(t, err)
	stop := startDaemon(t, d)

	require.Eventually(t, func() bool { return d.Passes() == 1 }, time.Second, 5*time.Millisecond)
	assert.Error(t, d.Start(context.Background()))
	stop()

	assert.Error(t, d.Start(context.Background()), "stopped daemon must not restart")
}

func TestTouch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reconcile.trigger")
	require.NoError(t, Touch(path))
	require.NoError(t, Touch(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	_, err = time.Parse(time.RFC3339Nano, string(data))
	assert.NoError(t, err)
}
