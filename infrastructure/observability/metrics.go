package observability

import (
	"net/http"
	"time"

	"heartledger/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records domain, NATS and HTTP counters in its own registry.
// It implements service.MetricsRecorder.
type Metrics struct {
	registry *prometheus.Registry

	claimsTotal          *prometheus.CounterVec
	ledgerAppendsTotal   *prometheus.CounterVec
	cacheLookupsTotal    *prometheus.CounterVec
	natsPublishedTotal   *prometheus.CounterVec
	natsReceivedTotal    *prometheus.CounterVec
	requestsTotal        *prometheus.CounterVec
	requestDuration      *prometheus.HistogramVec
	workerRunsTotal      *prometheus.CounterVec
	workerItemsProcessed *prometheus.CounterVec
}

// NewMetrics builds the collectors. When disabled every recording method is
// a no-op and Handler serves 404.
func NewMetrics(enabled bool) *Metrics {
	if !enabled {
		return &Metrics{}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		claimsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "_daily_claims_total",
			Help: "Daily claim attempts by outcome",
		}, []string{LabelOutcome}),

		ledgerAppendsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "_ledger_appends_total",
			Help: "Ledger append attempts by entry kind and result",
		}, []string{LabelKind, LabelResult}),

		cacheLookupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "_leaderboard_cache_lookups_total",
			Help: "Leaderboard cache lookups by period and result",
		}, []string{LabelPeriod, LabelResult}),

		natsPublishedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "_nats_messages_published_total",
			Help: "Events published to NATS",
		}, []string{LabelEventType}),

		natsReceivedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "_nats_messages_received_total",
			Help: "Messages received from NATS",
		}, []string{LabelEventType}),

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "_http_requests_total",
			Help: "HTTP requests by route, method and status class",
		}, []string{LabelRoute, LabelMethod, LabelStatus}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricPrefix + "_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{LabelRoute, LabelMethod}),

		workerRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "_worker_runs_total",
			Help: "Background worker runs by worker and result",
		}, []string{"worker", LabelResult}),

		workerItemsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "_worker_items_total",
			Help: "Items repaired or reconciled by background workers",
		}, []string{"worker"}),
	}
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// ClaimOutcome counts a daily claim by outcome
func (m *Metrics) ClaimOutcome(outcome string) {
	if !m.enabled() {
		return
	}
	m.claimsTotal.WithLabelValues(outcome).Inc()
}

// LedgerAppend counts an append attempt
func (m *Metrics) LedgerAppend(kind models.EntryKind, result string) {
	if !m.enabled() {
		return
	}
	m.ledgerAppendsTotal.WithLabelValues(string(kind), result).Inc()
}

// LeaderboardCacheLookup counts a cache hit or miss
func (m *Metrics) LeaderboardCacheLookup(period models.Period, hit bool) {
	if !m.enabled() {
		return
	}
	result := CacheMiss
	if hit {
		result = CacheHit
	}
	m.cacheLookupsTotal.WithLabelValues(string(period), result).Inc()
}

// NATSMessagePublished counts an event sent to NATS
func (m *Metrics) NATSMessagePublished(eventType string) {
	if !m.enabled() {
		return
	}
	m.natsPublishedTotal.WithLabelValues(eventType).Inc()
}

// NATSMessageReceived counts a message taken from NATS
func (m *Metrics) NATSMessageReceived(eventType string) {
	if !m.enabled() {
		return
	}
	m.natsReceivedTotal.WithLabelValues(eventType).Inc()
}

// WorkerRun counts a background worker pass and the items it handled
func (m *Metrics) WorkerRun(worker string, items int, err error) {
	if !m.enabled() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.workerRunsTotal.WithLabelValues(worker, result).Inc()
	m.workerItemsProcessed.WithLabelValues(worker).Add(float64(items))
}

// ObserveRequest records one HTTP request
func (m *Metrics) ObserveRequest(route, method string, status int, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, httpStatusBucket(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, nil when disabled
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func httpStatusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
