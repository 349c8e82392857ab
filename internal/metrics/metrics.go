package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soundswap_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "soundswap_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	LedgerOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soundswap_ledger_operations_total",
			Help: "Ledger operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	CreditsMovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soundswap_credits_moved_total",
			Help: "Credits added or deducted by credit type",
		},
		[]string{"kind", "credit_type"},
	)

	TxRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "soundswap_db_tx_retries_total",
			Help: "Serializable transaction retries after conflicts",
		},
	)

	PaymentEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soundswap_payment_events_total",
			Help: "Payment completed events by outcome",
		},
		[]string{"outcome"},
	)
)

func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

func RecordLedgerOperation(operation, result string) {
	LedgerOperationsTotal.WithLabelValues(operation, result).Inc()
}

func RecordCreditsMoved(kind, creditType string, amount int64) {
	CreditsMovedTotal.WithLabelValues(kind, creditType).Add(float64(amount))
}

func RecordTxRetry() {
	TxRetriesTotal.Inc()
}

func RecordPaymentEvent(outcome string) {
	PaymentEventsTotal.WithLabelValues(outcome).Inc()
}
