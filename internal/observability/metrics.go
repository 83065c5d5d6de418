package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the mirror.
type Metrics struct {
	// --- Event processing ---
	EventsProcessed    *prometheus.CounterVec
	EventsSkipped      *prometheus.CounterVec
	EventApplyDuration *prometheus.HistogramVec

	// --- Deduplication ---
	DedupDuplicates *prometheus.CounterVec
	DedupLRUSize    prometheus.Gauge

	// --- Chain RPC ---
	RPCErrors *prometheus.CounterVec

	// --- Historical sync ---
	SyncBatches       *prometheus.CounterVec
	SyncBatchDuration prometheus.Histogram
	SyncLastBlock     prometheus.Gauge

	// --- Live tracking ---
	LiveEventsReceived *prometheus.CounterVec
	LiveReconnects     prometheus.Counter
	LivePushMode       prometheus.Gauge

	// --- Liquidation ---
	LiquidationChecks    prometheus.Counter
	LiquidationCheckDur  prometheus.Histogram
	LiquidatableAccounts prometheus.Gauge
	LiquidationPublishes prometheus.Counter

	// --- Notification fanout ---
	NotifyPublished *prometheus.CounterVec
	NotifyErrors    *prometheus.CounterVec
	WSClients       prometheus.Gauge

	// --- Query API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	applyBuckets := []float64{
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5,
	}

	return &Metrics{
		EventsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lendmirror_events_processed_total",
			Help: "Events fully applied to the mirror",
		}, []string{"kind"}),

		EventsSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lendmirror_events_skipped_total",
			Help: "Events skipped (duplicate, undecodable, unknown market, missing position)",
		}, []string{"kind", "reason"}),

		EventApplyDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lendmirror_event_apply_duration_seconds",
			Help:    "Time to apply one event, including chain balance reads",
			Buckets: applyBuckets,
		}, []string{"kind"}),

		DedupDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lendmirror_dedup_duplicates_total",
			Help: "Duplicate tx hashes caught (lru/postgres)",
		}, []string{"kind", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lendmirror_dedup_lru_size",
			Help: "Current dedup LRU occupancy",
		}),

		RPCErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lendmirror_rpc_errors_total",
			Help: "Chain RPC call failures",
		}, []string{"method"}),

		SyncBatches: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lendmirror_sync_batches_total",
			Help: "Historical sync batches per kind and outcome",
		}, []string{"kind", "status"}),

		SyncBatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lendmirror_sync_batch_duration_seconds",
			Help:    "Time to fetch and apply one block batch",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		}),

		SyncLastBlock: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lendmirror_sync_last_block",
			Help: "Highest block fully synced",
		}),

		LiveEventsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lendmirror_live_events_received_total",
			Help: "Events received by the live tracker",
		}, []string{"kind"}),

		LiveReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lendmirror_live_reconnects_total",
			Help: "Live subscription reconnect attempts",
		}),

		LivePushMode: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lendmirror_live_push_mode",
			Help: "1 when tracking via push subscriptions, 0 when polling",
		}),

		LiquidationChecks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lendmirror_liquidation_checks_total",
			Help: "Full liquidatable-set recomputations",
		}),

		LiquidationCheckDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lendmirror_liquidation_check_duration_seconds",
			Help:    "Time to recompute the liquidatable set",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 15.0},
		}),

		LiquidatableAccounts: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lendmirror_liquidatable_accounts",
			Help: "Accounts currently in the liquidatable set",
		}),

		LiquidationPublishes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lendmirror_liquidation_publishes_total",
			Help: "Liquidatable-set changes published",
		}),

		NotifyPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lendmirror_notify_published_total",
			Help: "Notifications delivered per channel",
		}, []string{"channel"}),

		NotifyErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lendmirror_notify_errors_total",
			Help: "Notification delivery failures per channel",
		}, []string{"channel"}),

		WSClients: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lendmirror_ws_clients",
			Help: "Connected websocket subscribers",
		}),

		APIRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lendmirror_api_requests_total",
			Help: "HTTP API requests",
		}, []string{"endpoint", "status"}),

		APIDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lendmirror_api_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}, []string{"endpoint"}),
	}
}
