package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dreamware/freshroute/internal/circuit"
	"github.com/dreamware/freshroute/internal/cluster"
	"github.com/dreamware/freshroute/internal/health"
	"github.com/dreamware/freshroute/internal/router"
)

const namespace = "freshroute"

// Metrics holds the Prometheus instruments fed by the Recorder.
type Metrics struct {
	decisions   *prometheus.CounterVec
	fallbacks   *prometheus.CounterVec
	observedLag *prometheus.HistogramVec
	transitions *prometheus.CounterVec
	sinkDropped prometheus.Counter
}

// NewMetrics registers the routing instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Routing decisions by class, outcome and chosen tier",
			},
			[]string{"class", "outcome", "tier"},
		),
		fallbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fallbacks_total",
				Help:      "Decisions that went past the first acceptable tier or were rerouted",
			},
			[]string{"class"},
		),
		observedLag: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "observed_lag_seconds",
				Help:      "Lag estimate of the chosen backend at decision time",
				Buckets:   []float64{0, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300, 900},
			},
			[]string{"tier"},
		),
		transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_transitions_total",
				Help:      "Circuit breaker transitions by backend and target state",
			},
			[]string{"backend", "to"},
		),
		sinkDropped: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_dropped_total",
				Help:      "Decisions dropped because an audit sink was full",
			},
		),
	}
}

// Observe counts one decision.
func (m *Metrics) Observe(d router.Decision) {
	tier := string(d.Tier())
	m.decisions.WithLabelValues(d.Class, string(d.Outcome), tier).Inc()
	if d.Fallback() {
		m.fallbacks.WithLabelValues(d.Class).Inc()
	}
	if d.Selected() && d.ObservedLag.Known {
		m.observedLag.WithLabelValues(tier).Observe(d.ObservedLag.Lag.Seconds())
	}
}

// ObserveTransition has the shape of health.TransitionFunc.
func (m *Metrics) ObserveTransition(id cluster.BackendID, _, to circuit.State) {
	m.transitions.WithLabelValues(string(id), to.String()).Inc()
}

// SnapshotSource supplies backend state at scrape time.
type SnapshotSource interface {
	Snapshots() map[cluster.BackendID]health.Snapshot
}

// BackendCollector exports per-backend health and lag on every scrape.
type BackendCollector struct {
	src      SnapshotSource
	lag      *prometheus.Desc
	lagKnown *prometheus.Desc
	state    *prometheus.Desc
	failures *prometheus.Desc
	samples  *prometheus.Desc
}

func NewBackendCollector(src SnapshotSource) *BackendCollector {
	labels := []string{"backend", "tier"}
	return &BackendCollector{
		src: src,
		lag: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "backend", "lag_seconds"),
			"Current lag estimate; absent while unknown", labels, nil),
		lagKnown: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "backend", "lag_known"),
			"1 if the lag estimate is known", labels, nil),
		state: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "backend", "circuit_state"),
			"1 for the current circuit state", append(labels, "state"), nil),
		failures: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "backend", "consecutive_failures"),
			"Consecutive probe or query failures", labels, nil),
		samples: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "backend", "lag_samples"),
			"Lag samples retained", labels, nil),
	}
}

func (c *BackendCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.lag
	ch <- c.lagKnown
	ch <- c.state
	ch <- c.failures
	ch <- c.samples
}

func (c *BackendCollector) Collect(ch chan<- prometheus.Metric) {
	for id, s := range c.src.Snapshots() {
		b, t := string(id), string(s.Backend.Tier)
		known := 0.0
		if s.Lag.Known {
			known = 1
			ch <- prometheus.MustNewConstMetric(c.lag, prometheus.GaugeValue, s.Lag.Lag.Seconds(), b, t)
		}
		ch <- prometheus.MustNewConstMetric(c.lagKnown, prometheus.GaugeValue, known, b, t)
		for _, st := range []circuit.State{circuit.Closed, circuit.Open, circuit.HalfOpen} {
			v := 0.0
			if s.Circuit.State == st {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, v, b, t, st.String())
		}
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.GaugeValue, float64(s.Circuit.ConsecutiveFailures), b, t)
		ch <- prometheus.MustNewConstMetric(c.samples, prometheus.GaugeValue, float64(s.Samples), b, t)
	}
}
