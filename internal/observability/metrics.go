package observability

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report workflow activity.
type Metrics struct {
	stepDuration *prometheus.HistogramVec
	attempts     *prometheus.CounterVec
	verdicts     *prometheus.CounterVec
	outcomes     *prometheus.CounterVec
	items        *prometheus.CounterVec
	runsActive   prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the instance registered with the global registry.
// The collectors are created once so repeated pipelines do not panic on
// duplicate registration.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs Metrics on reg. Registration errors other than
// an identical collector already being present panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay",
			Subsystem: "workflow",
			Name:      "step_duration_seconds",
			Help:      "Duration of each step execution.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step", "status"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "workflow",
			Name:      "attempts_total",
			Help:      "Attempts made by the iteration controller.",
		}, []string{"step"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "workflow",
			Name:      "verdicts_total",
			Help:      "Evaluator verdicts by kind.",
		}, []string{"step", "verdict"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "workflow",
			Name:      "runs_total",
			Help:      "Finished runs by pipeline and terminal state.",
		}, []string{"pipeline", "state"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "workflow",
			Name:      "fanout_items_total",
			Help:      "Fan-out items by terminal status.",
		}, []string{"stage", "status"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Subsystem: "workflow",
			Name:      "runs_active",
			Help:      "Runs currently in flight.",
		}),
	}

	m.stepDuration = register(reg, m.stepDuration)
	m.attempts = register(reg, m.attempts)
	m.verdicts = register(reg, m.verdicts)
	m.outcomes = register(reg, m.outcomes)
	m.items = register(reg, m.items)
	m.runsActive = register(reg, m.runsActive)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveStep records the time spent in a step with the given status.
func (m *Metrics) ObserveStep(step, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step, status).Observe(took.Seconds())
}

// IncAttempt counts one controller attempt.
func (m *Metrics) IncAttempt(step string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(step).Inc()
}

// IncVerdict counts an evaluator verdict.
func (m *Metrics) IncVerdict(step, verdict string) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(step, verdict).Inc()
}

// IncOutcome counts a finished run.
func (m *Metrics) IncOutcome(pipeline, state string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(pipeline, state).Inc()
}

// AddItems counts fan-out items that reached status.
func (m *Metrics) AddItems(stage, status string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.items.WithLabelValues(stage, status).Add(float64(n))
}

// RunStarted marks a run as active.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsActive.Inc()
}

// RunFinished marks a run as done.
func (m *Metrics) RunFinished() {
	if m == nil {
		return
	}
	m.runsActive.Dec()
}
