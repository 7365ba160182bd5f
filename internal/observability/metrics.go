package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the trading core.
type Metrics struct {
	// Orders and matching.
	OrdersSubmitted *prometheus.CounterVec
	OrdersRejected  *prometheus.CounterVec
	TradesExecuted  *prometheus.CounterVec
	MatchDuration   *prometheus.HistogramVec

	// Ledger.
	LedgerEntries         *prometheus.CounterVec
	IdempotencyDuplicates prometheus.Counter
	ClampedDebits         prometheus.Counter

	// Futures.
	PositionsOpened    *prometheus.CounterVec
	PositionsClosed    *prometheus.CounterVec
	LiquidationsTotal  *prometheus.CounterVec
	FundingSettlements prometheus.Counter
	OpenPositionsGauge prometheus.Gauge
	PendingOrdersGauge prometheus.Gauge

	// Persistence.
	PersistWrites    prometheus.Counter
	PersistErrors    *prometheus.CounterVec
	PersistBatchDur  prometheus.Histogram
	PersistBatchSize prometheus.Histogram

	// Outbound notifications.
	PublishDrops prometheus.Counter
}

// NewMetrics creates and registers every instrument on the default
// registry.
func NewMetrics() *Metrics {
	matchBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025,
	}

	return &Metrics{
		OrdersSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_orders_submitted_total",
			Help: "Orders accepted, by symbol and kind.",
		}, []string{"symbol", "kind"}),
		OrdersRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_orders_rejected_total",
			Help: "Orders rejected, by reason.",
		}, []string{"reason"}),
		TradesExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_trades_executed_total",
			Help: "Spot trades executed, by symbol.",
		}, []string{"symbol"}),
		MatchDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tradecore_match_duration_seconds",
			Help:    "Time spent in one matching pass.",
			Buckets: matchBuckets,
		}, []string{"symbol"}),

		LedgerEntries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_ledger_entries_total",
			Help: "Ledger entries appended, by type.",
		}, []string{"type"}),
		IdempotencyDuplicates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_idempotency_duplicates_total",
			Help: "Mutations answered from the applied index without re-applying.",
		}),
		ClampedDebits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_clamped_debits_total",
			Help: "Periodic charges clamped to the available balance.",
		}),

		PositionsOpened: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_positions_opened_total",
			Help: "Futures positions opened, by symbol and side.",
		}, []string{"symbol", "side"}),
		PositionsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_positions_closed_total",
			Help: "Futures positions closed, by symbol and outcome.",
		}, []string{"symbol", "outcome"}),
		LiquidationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_liquidations_total",
			Help: "Forced position closes, by symbol.",
		}, []string{"symbol"}),
		FundingSettlements: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_funding_settlements_total",
			Help: "Per-position funding payments applied.",
		}),
		OpenPositionsGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tradecore_open_positions",
			Help: "Open futures positions currently held in memory.",
		}),
		PendingOrdersGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tradecore_pending_futures_orders",
			Help: "Pending futures limit orders awaiting the sweep.",
		}),

		PersistWrites: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_persist_writes_total",
			Help: "Rows written by the persistence worker.",
		}),
		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_persist_errors_total",
			Help: "Persistence failures, by stage.",
		}, []string{"stage"}),
		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradecore_persist_batch_duration_seconds",
			Help:    "Time to flush one persistence batch.",
			Buckets: prometheus.DefBuckets,
		}),
		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradecore_persist_batch_size",
			Help:    "Mutations per flushed batch.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2500},
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_publish_drops_total",
			Help: "Outbound notifications dropped because the buffer was full.",
		}),
	}
}
