package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Lookup("vaccinations", ResultHit)
	m.Lookup("vaccinations", ResultHit)
	m.Lookup("vaccinations", ResultFilled)
	m.RemoteError("health_ids", "insert")
	m.WritebackFailure("family_members")
	m.ReconcileItem("reconciled")
	m.ReconcilePass(150 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.lookups.WithLabelValues("vaccinations", ResultHit)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lookups.WithLabelValues("vaccinations", ResultFilled)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.remoteErrors.WithLabelValues("health_ids", "insert")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.writebackFailure.WithLabelValues("family_members")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconcileItems.WithLabelValues("reconciled")))

	n, err := testutil.GatherAndCount(reg, "medaid_reconcile_pass_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Lookup("x", ResultMiss)
		m.RemoteError("x", "select")
		m.WritebackFailure("x")
		m.ReconcileItem("skipped")
		m.ReconcilePass(time.Second)
	})
}

func TestNew_NilRegistry(t *testing.T) {
	a := New(nil)
	b := New(nil)
	assert.NotSame(t, a, b)
}
