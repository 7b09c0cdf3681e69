package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the agent's Prometheus instruments. One instance is shared
// by both controllers and registered on the default registry.
type Metrics struct {
	OrdersSeen        prometheus.Counter
	OrdersFulfilled   prometheus.Counter
	Broadcasts        prometheus.Counter
	RBFAttempts       prometheus.Counter
	FailuresByStage   *prometheus.CounterVec
	ActiveTxs         prometheus.Gauge
	UnconfirmedTxs    prometheus.Gauge
	RunDuration       prometheus.Histogram
	MaintenanceRuns   prometheus.Counter
	OrdersRelisted    prometheus.Counter
	MaintenanceErrors prometheus.Counter
}

// New registers and returns the agent's metrics.
func New() *Metrics {
	return &Metrics{
		OrdersSeen: promauto.NewCounter(prometheus.CounterOpts{
			Name: "xcpfolio_orders_seen_total",
			Help: "Filled orders observed on the ledger",
		}),
		OrdersFulfilled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "xcpfolio_orders_fulfilled_total",
			Help: "Orders whose transfer reached broadcast or confirmation",
		}),
		Broadcasts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "xcpfolio_broadcasts_total",
			Help: "Transactions submitted to the network",
		}),
		RBFAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "xcpfolio_rbf_attempts_total",
			Help: "Replace-by-fee escalations attempted",
		}),
		FailuresByStage: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "xcpfolio_failures_total",
			Help: "Per-order failures by pipeline stage",
		}, []string{"stage"}),
		ActiveTxs: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "xcpfolio_active_transactions",
			Help: "Broadcast transfers not yet known confirmed",
		}),
		UnconfirmedTxs: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "xcpfolio_unconfirmed_transactions",
			Help: "Our address's mempool transaction count at last check",
		}),
		RunDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "xcpfolio_run_duration_seconds",
			Help:    "Duration of fulfillment runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		MaintenanceRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "xcpfolio_maintenance_runs_total",
			Help: "Maintenance ticks that acquired the lock",
		}),
		OrdersRelisted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "xcpfolio_orders_relisted_total",
			Help: "Expired listings re-created by maintenance",
		}),
		MaintenanceErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "xcpfolio_maintenance_errors_total",
			Help: "Failed listing attempts during maintenance",
		}),
	}
}
