// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Deposit metrics
	DepositsProcessed *prometheus.CounterVec
	DepositAmount     *prometheus.CounterVec
	DepositErrors     *prometheus.CounterVec
	DepositsDuplicate prometheus.Counter

	// Indexer metrics
	IndexerSweepsTotal    prometheus.Counter
	IndexerSweepDuration  prometheus.Histogram
	IndexerSignaturesSeen prometheus.Counter
	IndexerAddressErrors  prometheus.Counter
	LastProcessedSlot     prometheus.Gauge

	// Withdrawal metrics
	WithdrawalsTotal   *prometheus.CounterVec
	WithdrawalDuration prometheus.Histogram
	WithdrawalErrors   *prometheus.CounterVec
	SponsorBalance     prometheus.Gauge

	// Reconciliation metrics
	ReconcileSweepsTotal   prometheus.Counter
	ReconcileDiscrepancies prometheus.Gauge
	ReconcileAccountErrors prometheus.Counter
	LastReconcileSweep     prometheus.Gauge

	// RPC metrics
	RPCCallLatency *prometheus.HistogramVec
	RPCCallErrors  *prometheus.CounterVec

	// Event delivery metrics
	EventsEmitted   *prometheus.CounterVec
	EventEmitErrors *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "custody_engine"
	}

	return &Metrics{
		DepositsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deposit",
			Name:      "processed_total",
			Help:      "Total number of deposits credited, by asset",
		}, []string{"asset"}),
		DepositAmount: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deposit",
			Name:      "amount_total",
			Help:      "Total deposited amount in smallest units, by asset",
		}, []string{"asset"}),
		DepositErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deposit",
			Name:      "errors_total",
			Help:      "Total number of deposit processing errors by error code",
		}, []string{"code"}),
		DepositsDuplicate: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deposit",
			Name:      "duplicates_total",
			Help:      "Total number of already-processed signatures skipped",
		}),

		IndexerSweepsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "indexer",
			Name:      "sweeps_total",
			Help:      "Total number of indexer sweeps completed",
		}),
		IndexerSweepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "indexer",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of a full indexer sweep",
			Buckets:   prometheus.DefBuckets,
		}),
		IndexerSignaturesSeen: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "indexer",
			Name:      "signatures_seen_total",
			Help:      "Total number of signatures fetched across all addresses",
		}),
		IndexerAddressErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "indexer",
			Name:      "address_errors_total",
			Help:      "Total number of per-address sweep failures",
		}),
		LastProcessedSlot: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "indexer",
			Name:      "last_processed_slot",
			Help:      "Highest slot observed by the indexer",
		}),

		WithdrawalsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "withdrawal",
			Name:      "total",
			Help:      "Total number of withdrawals by terminal status",
		}, []string{"status"}),
		WithdrawalDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "withdrawal",
			Name:      "duration_seconds",
			Help:      "Time from request to terminal state",
			Buckets:   []float64{1, 5, 10, 30, 60, 90, 120, 180},
		}),
		WithdrawalErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "withdrawal",
			Name:      "errors_total",
			Help:      "Total number of withdrawal failures by error code",
		}, []string{"code"}),
		SponsorBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "withdrawal",
			Name:      "sponsor_balance_lamports",
			Help:      "Last observed sponsor fee-payer balance",
		}),

		ReconcileSweepsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "sweeps_total",
			Help:      "Total number of reconciliation sweeps completed",
		}),
		ReconcileDiscrepancies: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "discrepancies",
			Help:      "Discrepancies found in the most recent sweep",
		}),
		ReconcileAccountErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "account_errors_total",
			Help:      "Total number of per-account reconciliation failures",
		}),
		LastReconcileSweep: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "last_sweep_timestamp",
			Help:      "Unix timestamp of the last completed reconciliation sweep",
		}),

		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "RPC call latency by method",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		RPCCallErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "call_errors_total",
			Help:      "RPC call failures by method",
		}, []string{"method"}),

		EventsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Events delivered to side channels by type",
		}, []string{"type"}),
		EventEmitErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "emit_errors_total",
			Help:      "Event delivery failures by type",
		}, []string{"type"}),

		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Database query latency by database and operation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "query_errors_total",
			Help:      "Database query failures by database and operation",
		}, []string{"database", "operation"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordDeposit records a credited deposit.
func RecordDeposit(asset string, amount int64) {
	DefaultMetrics.DepositsProcessed.WithLabelValues(asset).Inc()
	DefaultMetrics.DepositAmount.WithLabelValues(asset).Add(float64(amount))
}

// RecordDepositError records a deposit processing failure.
func RecordDepositError(code string) {
	DefaultMetrics.DepositErrors.WithLabelValues(code).Inc()
}

// RecordWithdrawal records a withdrawal reaching a terminal status.
func RecordWithdrawal(status string, durationSeconds float64) {
	DefaultMetrics.WithdrawalsTotal.WithLabelValues(status).Inc()
	DefaultMetrics.WithdrawalDuration.Observe(durationSeconds)
}

// RecordWithdrawalError records a withdrawal failure.
func RecordWithdrawalError(code string) {
	DefaultMetrics.WithdrawalErrors.WithLabelValues(code).Inc()
}

// RecordSweep records a completed indexer sweep.
func RecordSweep(durationSeconds float64, lastSlot int64) {
	DefaultMetrics.IndexerSweepsTotal.Inc()
	DefaultMetrics.IndexerSweepDuration.Observe(durationSeconds)
	DefaultMetrics.LastProcessedSlot.Set(float64(lastSlot))
}

// RecordReconcileSweep records a completed reconciliation sweep.
func RecordReconcileSweep(discrepancies, accountErrors int, unixSeconds float64) {
	DefaultMetrics.ReconcileSweepsTotal.Inc()
	DefaultMetrics.ReconcileDiscrepancies.Set(float64(discrepancies))
	DefaultMetrics.ReconcileAccountErrors.Add(float64(accountErrors))
	DefaultMetrics.LastReconcileSweep.Set(unixSeconds)
}

// RecordRPCCall records RPC call latency.
func RecordRPCCall(method string, seconds float64, err error) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(seconds)
	if err != nil {
		DefaultMetrics.RPCCallErrors.WithLabelValues(method).Inc()
	}
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
