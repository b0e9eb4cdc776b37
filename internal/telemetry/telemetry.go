// Package telemetry exposes queue metrics for Prometheus scraping.
//
// Metrics are pull-only: they are served from the local /metrics endpoint and
// never transmitted anywhere by this process.
package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kimhsiao/offlinesync/internal/sync/queue"
)

const namespace = "offlinesync"

// Metrics holds the collectors. Each Metrics owns its registry so several
// instances can coexist, e.g. in tests.
type Metrics struct {
	registry *prometheus.Registry

	queueLength  prometheus.Gauge
	deadLetters  prometheus.Gauge
	connected    prometheus.Gauge
	added        prometheus.Counter
	processed    *prometheus.CounterVec
	failed       *prometheus.CounterVec
	evicted      *prometheus.CounterVec
	conflicts    *prometheus.CounterVec
	drains       *prometheus.CounterVec
	mutations    *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Records currently held in the offline queue",
		}),
		deadLetters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dead_letters",
			Help:      "Evicted records kept in the dead-letter list",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while the remote service is reachable, 0 otherwise",
		}),
		added: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_items_added_total",
			Help:      "Mutations appended to the offline queue",
		}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_items_processed_total",
			Help:      "Queued mutations replayed successfully",
		}, []string{"entity_type"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_items_failed_total",
			Help:      "Failed replay attempts",
		}, []string{"entity_type", "permanent"}),
		evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_items_evicted_total",
			Help:      "Records moved to the dead-letter list",
		}, []string{"entity_type"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Client/server conflicts by resolution",
		}, []string{"entity_type", "resolution"}),
		drains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_drains_total",
			Help:      "Completed drain passes",
		}, []string{"aborted"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Facade calls by outcome (direct, queued, rejected, failed)",
		}, []string{"outcome", "entity_type"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "executor_call_duration_seconds",
			Help:      "Latency of replayed remote calls",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.queueLength, m.deadLetters, m.connected, m.added,
		m.processed, m.failed, m.evicted, m.conflicts,
		m.drains, m.mutations, m.callDuration,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// =====================================================
// Feeds
// =====================================================

// HandleEvent updates metrics from a queue event. Pass it to Manager.Subscribe.
func (m *Metrics) HandleEvent(ev queue.Event) {
	switch ev.Type {
	case queue.EventItemAdded:
		m.added.Inc()
	case queue.EventItemProcessed:
		m.processed.WithLabelValues(ev.EntityType).Inc()
		m.callDuration.WithLabelValues("success").Observe(ev.Duration.Seconds())
	case queue.EventItemFailed:
		m.failed.WithLabelValues(ev.EntityType, strconv.FormatBool(ev.Permanent)).Inc()
		m.callDuration.WithLabelValues("failure").Observe(ev.Duration.Seconds())
		if ev.Evicted {
			m.evicted.WithLabelValues(ev.EntityType).Inc()
			m.deadLetters.Inc()
		}
	case queue.EventQueueProcessed:
		if ev.Summary != nil {
			m.drains.WithLabelValues(strconv.FormatBool(ev.Summary.Aborted)).Inc()
		}
	}

	if ev.ConflictLog != nil {
		m.conflicts.WithLabelValues(ev.ConflictLog.EntityType, ev.ConflictLog.Resolution).Inc()
	}
	m.queueLength.Set(float64(ev.QueueLength))
}

// SetDeadLetters overrides the dead-letter gauge, e.g. after a requeue or purge.
func (m *Metrics) SetDeadLetters(n int) {
	m.deadLetters.Set(float64(n))
}

// ObserveMutation counts a facade outcome.
func (m *Metrics) ObserveMutation(outcome, entityType string) {
	m.mutations.WithLabelValues(outcome, entityType).Inc()
}

// ObserveConnectivity tracks reachability. Its signature matches connectivity.Listener.
func (m *Metrics) ObserveConnectivity(connected bool) {
	if connected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}
