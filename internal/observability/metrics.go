package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reconciliation outcomes recorded by the webhook reconciler.
const (
	OutcomeReconciled   = "reconciled"
	OutcomeDuplicate    = "duplicate"
	OutcomeIgnored      = "ignored"
	OutcomeInvalidSig   = "invalid_signature"
	OutcomePermanentErr = "permanent_error"
	OutcomeTransientErr = "transient_error"

	// paid, but the entry was already settled by another payment
	OutcomeUnmatchedPayment = "unmatched_payment"
)

// Metrics collects the Prometheus metrics exposed on /metrics.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	webhookEvents   *prometheus.CounterVec
	ledgerWrites    *prometheus.CounterVec
}

// NewMetrics initialises the registry and the service metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clubledger_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clubledger_http_request_duration_seconds",
		Help:    "HTTP request duration by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	webhook := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clubledger_webhook_events_total",
		Help: "Payment webhook deliveries by outcome.",
	}, []string{"outcome"})
	writes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clubledger_ledger_writes_total",
		Help: "Ledger entry writes by operation.",
	}, []string{"operation"})
	registry.MustRegister(requests, duration, webhook, writes)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		webhookEvents:   webhook,
		ledgerWrites:    writes,
	}
}

// Handler returns the /metrics handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request count and latency per route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// WebhookOutcome counts one webhook delivery.
func (m *Metrics) WebhookOutcome(outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(outcome).Inc()
}

// LedgerWrite counts one ledger entry write.
func (m *Metrics) LedgerWrite(operation string) {
	if m == nil {
		return
	}
	m.ledgerWrites.WithLabelValues(operation).Inc()
}
