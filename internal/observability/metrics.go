package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for LendLedger.
type Metrics struct {
	// --- Chain ingestion ---
	BlocksCommitted   prometheus.Counter
	BlocksReverted    prometheus.Counter
	RollbackDepth     prometheus.Histogram
	EventsDecoded     *prometheus.CounterVec
	EventsDropped     prometheus.Counter
	NotificationDepth prometheus.Gauge

	// --- Reconciler ---
	EventApplyDuration *prometheus.HistogramVec
	BlockApplyDuration prometheus.Histogram
	CheckpointBlock    prometheus.Gauge
	FinishedHeight     prometheus.Gauge
	AcksEmitted        prometheus.Counter
	StreamRedeliveries prometheus.Counter
	StreamGaps         prometheus.Counter

	// --- Risk engine ---
	RiskClassifications *prometheus.CounterVec
	RiskSkipped         prometheus.Counter
	RiskSweepDuration   prometheus.Histogram

	// --- Prices ---
	PriceObservations prometheus.Counter

	// --- Storage ---
	StoreRetries prometheus.Counter
	StoreErrors  *prometheus.CounterVec

	// --- Outputs ---
	ProjectionDrops prometheus.Counter
	PublishDrops    prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	applyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	blockBuckets := []float64{
		0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1.0,
	}

	return &Metrics{
		// Chain ingestion
		BlocksCommitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_blocks_committed_total",
			Help: "Blocks fully applied to the ledger",
		}),

		BlocksReverted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_blocks_reverted_total",
			Help: "Blocks undone by reorg rollbacks",
		}),

		RollbackDepth: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_rollback_depth_blocks",
			Help:    "Blocks covered per revert notification",
			Buckets: []float64{1, 2, 3, 5, 10, 20, 50, 100},
		}),

		EventsDecoded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_events_decoded_total",
			Help: "Protocol events decoded from logs",
		}, []string{"event_type"}),

		EventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_events_dropped_total",
			Help: "Monitored-contract logs that failed to decode",
		}),

		NotificationDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_notification_channel_depth",
			Help: "Commit/revert notifications queued ahead of the reconciler",
		}),

		// Reconciler
		EventApplyDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_event_apply_duration_seconds",
			Help:    "Time to apply a single event",
			Buckets: applyBuckets,
		}, []string{"event_type"}),

		BlockApplyDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_block_apply_duration_seconds",
			Help:    "Time to commit one block's transaction",
			Buckets: blockBuckets,
		}),

		CheckpointBlock: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_checkpoint_block",
			Help: "Highest fully committed block",
		}),

		FinishedHeight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_finished_height",
			Help: "Last height acknowledged to the driver",
		}),

		AcksEmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_acks_emitted_total",
			Help: "Finished-height acknowledgments emitted",
		}),

		StreamRedeliveries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_stream_redeliveries_total",
			Help: "Blocks skipped as already checkpointed",
		}),

		StreamGaps: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_stream_gaps_total",
			Help: "Commit ranges rejected for leaving a gap",
		}),

		// Risk engine
		RiskClassifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_risk_classifications_total",
			Help: "Position classifications emitted",
		}, []string{"severity"}),

		RiskSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_risk_skipped_total",
			Help: "Candidates skipped as division-undefined",
		}),

		RiskSweepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_risk_sweep_duration_seconds",
			Help:    "Per-block risk sweep duration",
			Buckets: blockBuckets,
		}),

		// Prices
		PriceObservations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_price_observations_total",
			Help: "Oracle price observations recorded",
		}),

		// Storage
		StoreRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_store_retries_total",
			Help: "Storage transactions retried after transient failure",
		}),

		StoreErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_store_errors_total",
			Help: "Storage errors by operation",
		}, []string{"op"}),

		// Outputs
		ProjectionDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_projection_drops_total",
			Help: "Assessments dropped on a full projection channel",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_publish_drops_total",
			Help: "Assessments dropped on a full publish channel",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}
