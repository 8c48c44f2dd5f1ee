package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("privilege", "teleconsultation"),
		attribute.String("subscription_id", "456"),
		attribute.String("outcome", "accepted"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != "privilege" && attrs[1].Key != "privilege" {
		t.Fatalf("expected privilege to be retained")
	}
	if attrs[0].Key != "outcome" && attrs[1].Key != "outcome" {
		t.Fatalf("expected outcome to be retained")
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.RecordConsume(context.Background(), "chat", OutcomeAccepted, 1)
	m.RecordReset(context.Background(), "chat")

	var em *EnforcementMetrics
	em.ObserveLockWait("local", time.Millisecond)
	em.IncRollover()
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "telecare"}, noop.NewMeterProvider())
	require.NoError(t, err)
	m.RecordConsume(context.Background(), "chat", OutcomeAccepted, 2)
}

func TestEnforcementMetricsObservations(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newEnforcementMetrics(registry, Config{ServiceName: "telecare", Environment: "test"})

	m.ObserveLockWait("local", 3*time.Millisecond)
	m.ObserveLockWait("local", 5*time.Millisecond)
	m.ObserveCriticalSection("accepted", 2*time.Millisecond)
	m.IncRollover()
	m.IncTransientFailure(TransientCauseLockTimeout)
	m.IncTransientFailure("")

	metric := &dto.Metric{}
	hist, ok := m.lockWait.WithLabelValues("local").(prometheus.Histogram)
	require.True(t, ok)
	require.NoError(t, hist.Write(metric))
	assert.Equal(t, uint64(2), metric.GetHistogram().GetSampleCount())

	assert.Equal(t, float64(1), testutil.ToFloat64(m.rollovers))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.transientFailures.WithLabelValues(TransientCauseLockTimeout)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.transientFailures.WithLabelValues(TransientCauseUnknown)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.criticalSection))
}
