package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	TransientCauseDeadlineExceeded     = "deadline_exceeded"
	TransientCauseLockTimeout          = "lock_timeout"
	TransientCauseSerializationFailure = "serialization_failure"
	TransientCauseDBLockTimeout        = "db_lock_timeout"
	TransientCauseUnknown              = "unknown"
)

// EnforcementMetrics captures contention on the per-ledger critical section.
type EnforcementMetrics struct {
	lockWait          *prometheus.HistogramVec
	criticalSection   *prometheus.HistogramVec
	rollovers         prometheus.Counter
	transientFailures *prometheus.CounterVec
}

var (
	enforcementMetricsOnce sync.Once
	enforcementMetrics     *EnforcementMetrics
)

// Enforcement returns the singleton enforcement metrics registry.
func Enforcement() *EnforcementMetrics {
	return EnforcementWithConfig(Config{})
}

// EnforcementWithConfig returns the singleton enforcement metrics registry using config labels.
func EnforcementWithConfig(cfg Config) *EnforcementMetrics {
	enforcementMetricsOnce.Do(func() {
		enforcementMetrics = newEnforcementMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return enforcementMetrics
}

func newEnforcementMetrics(registerer prometheus.Registerer, cfg Config) *EnforcementMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "telecare"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	lockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "telecare_enforcement_lock_wait_seconds",
		Help:        "Time spent queueing for a subscription privilege ledger lock.",
		Buckets:     []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		ConstLabels: constLabels,
	}, []string{"backend"})
	criticalSection := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "telecare_enforcement_critical_section_seconds",
		Help:        "Time the ledger lock was held, by outcome.",
		Buckets:     []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		ConstLabels: constLabels,
	}, []string{"outcome"})
	rollovers := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "telecare_enforcement_ledger_rollovers_total",
		Help:        "Usage ledgers closed because their period ended.",
		ConstLabels: constLabels,
	})
	transientFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "telecare_enforcement_transient_failures_total",
		Help:        "Requests answered with transient_failure, by low-cardinality cause.",
		ConstLabels: constLabels,
	}, []string{"cause"})

	registerer.MustRegister(lockWait, criticalSection, rollovers, transientFailures)

	return &EnforcementMetrics{
		lockWait:          lockWait,
		criticalSection:   criticalSection,
		rollovers:         rollovers,
		transientFailures: transientFailures,
	}
}

func (m *EnforcementMetrics) ObserveLockWait(backend string, d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.WithLabelValues(normalizeLabel(backend)).Observe(d.Seconds())
}

func (m *EnforcementMetrics) ObserveCriticalSection(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.criticalSection.WithLabelValues(normalizeLabel(outcome)).Observe(d.Seconds())
}

func (m *EnforcementMetrics) IncRollover() {
	if m == nil {
		return
	}
	m.rollovers.Inc()
}

func (m *EnforcementMetrics) IncTransientFailure(cause string) {
	if m == nil {
		return
	}
	m.transientFailures.WithLabelValues(normalizeLabel(cause)).Inc()
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return TransientCauseUnknown
	}
	return value
}
