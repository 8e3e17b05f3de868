package preview

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/previewd/internal/domain"
)

// Metrics records lifecycle counters for the registry.
type Metrics struct {
	transitions   *prometheus.CounterVec
	failures      *prometheus.CounterVec
	running       prometheus.Gauge
	startDuration prometheus.Histogram
}

// NewMetrics registers the lifecycle collectors with reg, reusing any that
// are already registered. A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "previewd",
			Subsystem: "deployments",
			Name:      "transitions_total",
			Help:      "Deployment state transitions",
		}, []string{"from", "to"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "previewd",
			Subsystem: "deployments",
			Name:      "failures_total",
			Help:      "Deployments that ended in Error or were refused a port",
		}, []string{"reason"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "previewd",
			Subsystem: "deployments",
			Name:      "running",
			Help:      "Deployments currently in the Running state",
		}),
		startDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "previewd",
			Subsystem: "deployments",
			Name:      "start_duration_seconds",
			Help:      "Time from create request to Running",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60, 120},
		}),
	}

	if err := reg.Register(m.transitions); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				m.transitions = existing
			}
		}
	}
	if err := reg.Register(m.failures); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				m.failures = existing
			}
		}
	}
	if err := reg.Register(m.running); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				m.running = existing
			}
		}
	}
	if err := reg.Register(m.startDuration); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				m.startDuration = existing
			}
		}
	}
	return m
}

func (m *Metrics) transition(from, to domain.State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
	if to == domain.StateRunning {
		m.running.Inc()
	}
	if from == domain.StateRunning {
		m.running.Dec()
	}
}

func (m *Metrics) failure(reason string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(reason).Inc()
}

func (m *Metrics) started(d time.Duration) {
	if m == nil {
		return
	}
	m.startDuration.Observe(d.Seconds())
}
