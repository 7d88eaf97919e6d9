package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// LND RPC metrics
	lndRequestsTotal   *prometheus.CounterVec
	lndRequestDuration *prometheus.HistogramVec

	// Reconciliation metrics
	reconcileEventsTotal      *prometheus.CounterVec
	staleTransitionsTotal     *prometheus.CounterVec
	ledgerIncrementsTotal     *prometheus.CounterVec
	subscriberReconnectsTotal prometheus.Counter

	// Payment metrics
	paymentsTotal *prometheus.CounterVec

	// Broadcast metrics
	broadcastSubscribers  prometheus.Gauge
	broadcastEventsSent   *prometheus.CounterVec
	broadcastDroppedTotal prometheus.Counter

	// HTTP metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		lndRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lnd_requests_total",
				Help: "Total number of LND REST calls by method, node and status",
			},
			[]string{"method", "node", "status"},
		),
		lndRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lnd_request_duration_seconds",
				Help:    "Duration of LND REST calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"method", "node"},
		),

		reconcileEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconcile_events_total",
				Help: "Total number of events processed by the reconciler, by tag and outcome",
			},
			[]string{"tag", "outcome"},
		),
		staleTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconcile_stale_transitions_total",
				Help: "Total number of transition attempts against already-terminal transactions",
			},
			[]string{"kind"},
		),
		ledgerIncrementsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_increments_total",
				Help: "Total number of balance ledger increments, by transaction kind",
			},
			[]string{"kind"},
		),
		subscriberReconnectsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "subscriber_reconnects_total",
				Help: "Total number of invoice stream reconnect attempts",
			},
		),

		paymentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payments_total",
				Help: "Total number of outbound payment attempts by result",
			},
			[]string{"result"},
		),

		broadcastSubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "broadcast_subscribers",
				Help: "Number of live event stream subscribers",
			},
		),
		broadcastEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcast_events_sent_total",
				Help: "Total number of events delivered to subscriber buffers",
			},
			[]string{"tag"},
		),
		broadcastDroppedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "broadcast_events_dropped_total",
				Help: "Total number of events dropped from full subscriber buffers",
			},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// RecordLNDRequest records an LND REST call with duration.
func (m *Metrics) RecordLNDRequest(method, node, status string, duration float64) {
	m.lndRequestsTotal.WithLabelValues(method, node, status).Inc()
	m.lndRequestDuration.WithLabelValues(method, node).Observe(duration)
}

// RecordReconcileEvent records a reconciled event and its outcome
// ("applied", "ignored" or "error").
func (m *Metrics) RecordReconcileEvent(tag, outcome string) {
	m.reconcileEventsTotal.WithLabelValues(tag, outcome).Inc()
}

// RecordStaleTransition records a transition attempt against a transaction
// that is already in a terminal state.
func (m *Metrics) RecordStaleTransition(kind string) {
	m.staleTransitionsTotal.WithLabelValues(kind).Inc()
}

// RecordLedgerIncrement records a balance ledger increment.
func (m *Metrics) RecordLedgerIncrement(kind string) {
	m.ledgerIncrementsTotal.WithLabelValues(kind).Inc()
}

// RecordSubscriberReconnect records an invoice stream reconnect attempt.
func (m *Metrics) RecordSubscriberReconnect() {
	m.subscriberReconnectsTotal.Inc()
}

// RecordPayment records an outbound payment attempt result
// ("succeeded", "failed", "duplicate" or "invalid").
func (m *Metrics) RecordPayment(result string) {
	m.paymentsTotal.WithLabelValues(result).Inc()
}

// RecordSubscriberChange records a change in live subscriber count.
func (m *Metrics) RecordSubscriberChange(delta float64) {
	m.broadcastSubscribers.Add(delta)
}

// RecordEventSent records an event offered to a subscriber buffer.
func (m *Metrics) RecordEventSent(tag string) {
	m.broadcastEventsSent.WithLabelValues(tag).Inc()
}

// RecordEventDropped records an event dropped from a full subscriber buffer.
func (m *Metrics) RecordEventDropped() {
	m.broadcastDroppedTotal.Inc()
}

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
