package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	paymentTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_transitions_total",
			Help: "Total number of applied payment order status transitions",
		},
		[]string{"to"},
	)

	ledgerEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_entries_total",
			Help: "Total number of ledger entries recorded",
		},
		[]string{"type"},
	)

	webhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Total number of PSP webhook deliveries by acknowledgement",
		},
		[]string{"provider", "ack"},
	)

	refundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refunds_total",
			Help: "Total number of refund outcomes",
		},
		[]string{"status"},
	)

	pspRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "psp_request_duration_seconds",
			Help:    "PSP call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "operation", "outcome"},
	)

	ledgerBalanceDrift = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_balance_drift",
			Help: "Absolute sum of per-currency ledger imbalance at the last verification",
		},
	)

	reconciliationDiscrepancies = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reconciliation_discrepancies",
			Help: "Discrepancies found by the last reconciliation run",
		},
		[]string{"provider"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(paymentTransitionsTotal)
	prometheus.MustRegister(ledgerEntriesTotal)
	prometheus.MustRegister(webhookDeliveriesTotal)
	prometheus.MustRegister(refundsTotal)
	prometheus.MustRegister(pspRequestDuration)
	prometheus.MustRegister(ledgerBalanceDrift)
	prometheus.MustRegister(reconciliationDiscrepancies)
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func RecordPaymentTransition(to string) {
	paymentTransitionsTotal.WithLabelValues(to).Inc()
}

func RecordLedgerEntry(entryType string) {
	ledgerEntriesTotal.WithLabelValues(entryType).Inc()
}

func RecordWebhookDelivery(provider, ack string) {
	webhookDeliveriesTotal.WithLabelValues(provider, ack).Inc()
}

func RecordRefund(status string) {
	refundsTotal.WithLabelValues(status).Inc()
}

func ObservePSPCall(provider, operation, outcome string, started time.Time) {
	pspRequestDuration.WithLabelValues(provider, operation, outcome).Observe(time.Since(started).Seconds())
}

func SetLedgerDrift(drift float64) {
	ledgerBalanceDrift.Set(drift)
}

func SetReconciliationDiscrepancies(provider string, count int) {
	reconciliationDiscrepancies.WithLabelValues(provider).Set(float64(count))
}
