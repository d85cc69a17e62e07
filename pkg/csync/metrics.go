package csync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks Prometheus observability for one App. It is always safe to
// pass a nil *Metrics (the default when Options.Metrics.Enabled is false);
// every method is a nil-receiver no-op.
type Metrics struct {
	Registry *prometheus.Registry

	OperationsQueued   *prometheus.CounterVec
	OperationsFinished *prometheus.CounterVec
	QueueDepth         prometheus.Gauge
	TransportReconnects prometheus.Counter
	TransportState     *prometheus.GaugeVec
	DeliveryLatency    prometheus.Histogram
	ListenersActive    prometheus.Gauge
}

// NewMetrics builds a Metrics bound to a fresh, App-private registry so that
// multiple Apps in one process never collide on metric names.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		OperationsQueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "operations_queued_total",
			Help:      "Total number of operations enqueued, by kind.",
		}, []string{"kind"}),

		OperationsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "operations_finished_total",
			Help:      "Total number of operations finished, by kind and outcome.",
		}, []string{"kind", "outcome"}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Current number of operations in the queue.",
		}),

		TransportReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Total number of transport reconnect attempts.",
		}),

		TransportState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "state",
			Help:      "Current transport state (1 for the active state, 0 otherwise), by state name.",
		}, []string{"state"}),

		DeliveryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "delivery_latency_seconds",
			Help:      "Latency from value arrival to listener callback invocation.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),

		ListenersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "listeners_active",
			Help:      "Current number of active listener registrations.",
		}),
	}
}

func (m *Metrics) operationQueued(kind operationKind) {
	if m == nil {
		return
	}
	m.OperationsQueued.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) operationFinished(kind operationKind, outcome string) {
	if m == nil {
		return
	}
	m.OperationsFinished.WithLabelValues(kind.String(), outcome).Inc()
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.TransportReconnects.Inc()
}

func (m *Metrics) setTransportState(s transportState) {
	if m == nil {
		return
	}
	for _, candidate := range []transportState{stateIdle, stateConnecting, stateOpen, stateClosing} {
		v := 0.0
		if candidate == s {
			v = 1.0
		}
		m.TransportState.WithLabelValues(candidate.String()).Set(v)
	}
}

func (m *Metrics) observeDelivery(seconds float64) {
	if m == nil {
		return
	}
	m.DeliveryLatency.Observe(seconds)
}

func (m *Metrics) setListenersActive(n int) {
	if m == nil {
		return
	}
	m.ListenersActive.Set(float64(n))
}
