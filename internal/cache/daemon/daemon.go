// Package daemon runs pending-record reconciliation in the background.
//
// A pass runs when the daemon starts, on every Interval tick, whenever
// Trigger is called, and when the optional trigger file is created or
// written. Triggers that arrive while a pass is running collapse into one
// follow-up pass.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	cachesync "github.com/medaid/medaid/internal/cache/sync"
)

// Reconciler runs one reconciliation pass.
type Reconciler interface {
	ReconcilePending(ctx context.Context) *cachesync.Report
}

// Observer is notified after every pass.
type Observer interface {
	OnReconcile(report *cachesync.Report)
}

// Config holds configuration for the daemon.
type Config struct {
	// Interval between scheduled passes
	Interval time.Duration

	// TriggerFile, when set, requests a pass whenever it is created or
	// written. Its directory must exist.
	TriggerFile string

	// Debounce batches rapid trigger file events into one pass
	Debounce time.Duration

	Logger   *zap.Logger
	Observer Observer
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval: 5 * time.Minute,
		Debounce: 250 * time.Millisecond,
		Logger:   zap.NewNop(),
	}
}

// Daemon schedules reconciliation passes.
type Daemon struct {
	rec    Reconciler
	config *Config
	logger *zap.Logger

	watcher *fsnotify.Watcher
	trigger chan struct{}
	passes  atomic.Int64

	mu      sync.Mutex
	running bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a daemon. Call Start to begin scheduling passes.
func New(rec Reconciler, config *Config) (*Daemon, error) {
	if rec == nil {
		return nil, errors.New("reconciler cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", config.Interval)
	}
	if config.Debounce <= 0 {
		config.Debounce = DefaultConfig().Debounce
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Daemon{
		rec:     rec,
		config:  config,
		logger:  logger.Named("daemon"),
		trigger: make(chan struct{}, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	if config.TriggerFile != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			d.cancel()
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		d.watcher = watcher
	}
	return d, nil
}

// Start begins scheduling passes, running the first one immediately.
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("daemon already running")
	}
	if d.ctx.Err() != nil {
		d.mu.Unlock()
		return errors.New("daemon stopped")
	}
	d.running = true
	d.mu.Unlock()

	if d.watcher != nil {
		dir := filepath.Dir(d.config.TriggerFile)
		if err := d.watcher.Add(dir); err != nil {
			d.Stop()
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		d.wg.Add(1)
		go d.watchTriggerFile()
		d.logger.Info("watching trigger file", zap.String("path", d.config.TriggerFile))
	}

	d.wg.Add(1)
	go d.loop()

	d.logger.Info("daemon started", zap.Duration("interval", d.config.Interval))

	select {
	case <-ctx.Done():
		d.logger.Info("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop shuts the daemon down and waits for a running pass to finish.
func (d *Daemon) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.cancel()
		if d.watcher != nil {
			if cerr := d.watcher.Close(); cerr != nil {
				err = fmt.Errorf("failed to close watcher: %w", cerr)
			}
		}
		d.wg.Wait()

		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		d.logger.Info("daemon stopped", zap.Int64("passes", d.passes.Load()))
	})
	return err
}

// Trigger requests a pass as soon as possible. It never blocks.
func (d *Daemon) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Passes returns the number of completed passes.
func (d *Daemon) Passes() int64 {
	return d.passes.Load()
}

func (d *Daemon) loop() {
	defer d.wg.Done()

	d.runPass("startup")

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.runPass("interval")
		case <-d.trigger:
			d.runPass("trigger")
		}
	}
}

func (d *Daemon) runPass(reason string) {
	if d.ctx.Err() != nil {
		return
	}

	report := d.rec.ReconcilePending(d.ctx)
	d.passes.Add(1)
	if report == nil {
		return
	}

	fields := []zap.Field{
		zap.String("reason", reason),
		zap.Int("reconciled", report.Reconciled),
		zap.Int("skipped", report.Skipped()),
		zap.Duration("duration", report.Duration),
	}
	switch {
	case report.Err != nil && !errors.Is(report.Err, context.Canceled):
		d.logger.Warn("reconcile pass failed", append(fields, zap.Error(report.Err))...)
	case len(report.Items) > 0:
		d.logger.Info("reconcile pass complete", fields...)
	default:
		d.logger.Debug("nothing to reconcile", fields...)
	}

	if d.config.Observer != nil {
		d.config.Observer.OnReconcile(report)
	}
}

// watchTriggerFile turns create and write events on the trigger file into
// debounced Trigger calls.
func (d *Daemon) watchTriggerFile() {
	defer d.wg.Done()

	target := filepath.Clean(d.config.TriggerFile)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			d.logger.Debug("trigger file event", zap.String("op", event.Op.String()))
			timer.Reset(d.config.Debounce)

		case <-timer.C:
			d.Trigger()

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// Touch creates or updates path so a daemon watching it runs a pass.
func Touch(path string) error {
	// #nosec G304 - controlled path from config
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to touch trigger file: %w", err)
	}
	if _, err := f.WriteString(time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		f.Close()
		return fmt.Errorf("failed to touch trigger file: %w", err)
	}
	return f.Close()
}
