package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btcledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "btcledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "route"})

	// LedgerOperations counts service calls by operation and outcome
	// ("ok", "replay", or the error class).
	LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btcledger_operations_total",
		Help: "Ledger service operations, labeled by outcome",
	}, []string{"operation", "outcome"})

	ReservationTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btcledger_reservation_transitions_total",
		Help: "Reservation state transitions",
	}, []string{"state"})

	IntegrityHolds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "btcledger_integrity_holds_total",
		Help: "Accounts placed in integrity hold after a replay mismatch",
	})

	StoreRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "btcledger_store_retries_total",
		Help: "Transient storage failures retried by the Postgres adapter",
	})
)
