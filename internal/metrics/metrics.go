// Package metrics exposes Prometheus collectors for the cache.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "medaid"

// Lookup results.
const (
	ResultHit      = "hit"
	ResultMiss     = "miss"
	ResultFilled   = "filled"
	ResultFallback = "fallback"
)

// Metrics holds the cache's collectors.
type Metrics struct {
	lookups          *prometheus.CounterVec
	remoteErrors     *prometheus.CounterVec
	writebackFailure *prometheus.CounterVec
	reconcileItems   *prometheus.CounterVec
	reconcilePass    prometheus.Histogram
}

// New creates the collectors and registers them with reg.
// A nil reg uses a fresh private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Accessor lookups by collection and result.",
		}, []string{"collection", "result"}),
		remoteErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_errors_total",
			Help:      "Failed remote calls by collection and operation.",
		}, []string{"collection", "op"}),
		writebackFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writeback_failures_total",
			Help:      "Remote results that could not be written to the local store.",
		}, []string{"collection"}),
		reconcileItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_items_total",
			Help:      "Pending records processed by reconciliation, by outcome.",
		}, []string{"outcome"}),
		reconcilePass: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_pass_seconds",
			Help:      "Duration of reconciliation passes.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}

	reg.MustRegister(m.lookups, m.remoteErrors, m.writebackFailure, m.reconcileItems, m.reconcilePass)
	return m
}

// Lookup counts an accessor call.
func (m *Metrics) Lookup(collection, result string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(collection, result).Inc()
}

// RemoteError counts a failed remote call.
func (m *Metrics) RemoteError(collection, op string) {
	if m == nil {
		return
	}
	m.remoteErrors.WithLabelValues(collection, op).Inc()
}

// WritebackFailure counts a failed local write of remote results.
func (m *Metrics) WritebackFailure(collection string) {
	if m == nil {
		return
	}
	m.writebackFailure.WithLabelValues(collection).Inc()
}

// ReconcileItem counts one processed pending record.
func (m *Metrics) ReconcileItem(outcome string) {
	if m == nil {
		return
	}
	m.reconcileItems.WithLabelValues(outcome).Inc()
}

// ReconcilePass observes the duration of a pass.
func (m *Metrics) ReconcilePass(d time.Duration) {
	if m == nil {
		return
	}
	m.reconcilePass.Observe(d.Seconds())
}
