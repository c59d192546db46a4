package flow

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/msageha/agentflow/internal/model"
)

// Metrics holds the flow counters. Each Metrics owns its registry so several
// engines (and tests) can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	sessionsRegistered prometheus.Counter
	deliveries         *prometheus.CounterVec
	messagesQueued     *prometheus.CounterVec
	messagesDeleted    prometheus.Counter
	cleanupRemoved     *prometheus.CounterVec
	clears             prometheus.Counter
	waitDuration       *prometheus.HistogramVec
	waitingSessions    prometheus.Gauge
	pendingMessages    prometheus.Gauge
	conversations      prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentflow_sessions_registered_total",
			Help: "Total number of waiting sessions registered",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentflow_deliveries_total",
			Help: "Total number of waiting sessions flipped to delivered",
		}, []string{"kind"}),
		messagesQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentflow_messages_queued_total",
			Help: "Total number of messages enqueued",
		}, []string{"source"}),
		messagesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentflow_messages_deleted_total",
			Help: "Total number of messages deleted by the controller",
		}),
		cleanupRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentflow_cleanup_removed_total",
			Help: "Total number of records removed by age-based cleanup",
		}, []string{"collection"}),
		clears: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentflow_clear_all_total",
			Help: "Total number of full store resets",
		}),
		waitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentflow_wait_duration_seconds",
			Help:    "Time agents spent blocked waiting for delivery",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
		}, []string{"outcome"}),
		waitingSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentflow_waiting_sessions",
			Help: "Sessions still waiting at the last controller snapshot",
		}),
		pendingMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentflow_pending_messages",
			Help: "Messages not yet delivered to every target at the last controller snapshot",
		}),
		conversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentflow_active_conversations",
			Help: "Active conversations at the last controller snapshot",
		}),
	}
	m.registry.MustRegister(
		m.sessionsRegistered,
		m.deliveries,
		m.messagesQueued,
		m.messagesDeleted,
		m.cleanupRemoved,
		m.clears,
		m.waitDuration,
		m.waitingSessions,
		m.pendingMessages,
		m.conversations,
	)
	return m
}

// Registry exposes the underlying registry for embedding in another handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// The record helpers accept a nil receiver so an engine built without
// metrics needs no special casing.

func (m *Metrics) recordRegistered() {
	if m == nil {
		return
	}
	m.sessionsRegistered.Inc()
}

func (m *Metrics) recordDeliveries(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.deliveries.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) recordQueued(source string) {
	if m == nil {
		return
	}
	if source == "" {
		source = string(model.SourceAgent)
	}
	m.messagesQueued.WithLabelValues(source).Inc()
}

func (m *Metrics) recordDeleted(n int) {
	if m == nil {
		return
	}
	m.messagesDeleted.Add(float64(n))
}

func (m *Metrics) recordCleanup(r CleanupResult) {
	if m == nil {
		return
	}
	m.cleanupRemoved.WithLabelValues("waiting_sessions").Add(float64(r.Sessions))
	m.cleanupRemoved.WithLabelValues("message_queue").Add(float64(r.Messages))
	m.cleanupRemoved.WithLabelValues("conversation_flow").Add(float64(r.Conversations))
}

func (m *Metrics) recordClear() {
	if m == nil {
		return
	}
	m.clears.Inc()
}

func (m *Metrics) recordWait(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.waitDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) recordSnapshot(s Snapshot) {
	if m == nil {
		return
	}
	waiting := 0
	for _, sess := range s.WaitingSessions {
		if sess.Status == model.SessionWaiting {
			waiting++
		}
	}
	pending := 0
	for _, msg := range s.PendingMessages {
		if !msg.DeliveredAll {
			pending++
		}
	}
	m.waitingSessions.Set(float64(waiting))
	m.pendingMessages.Set(float64(pending))
	m.conversations.Set(float64(len(s.Conversations)))
}
