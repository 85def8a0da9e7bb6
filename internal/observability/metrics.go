package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors shared by the services.
type Metrics struct {
	// --- Bid admission ---
	BidsPlaced           *prometheus.CounterVec
	BidsRejected         *prometheus.CounterVec
	BidsRetracted        *prometheus.CounterVec
	BidDuplicates        *prometheus.CounterVec
	BidDuration          *prometheus.HistogramVec
	ConcurrencyConflicts *prometheus.CounterVec

	// --- Rules ---
	RuleViolations   *prometheus.CounterVec
	RuleEscalations  prometheus.Counter
	RuleEvalDuration prometheus.Histogram

	// --- Settlement ---
	Settlements        *prometheus.CounterVec
	SettlementDuration prometheus.Histogram

	// --- Outbox relay ---
	OutboxPublished       *prometheus.CounterVec
	OutboxFailures        *prometheus.CounterVec
	OutboxDeadLettered    *prometheus.CounterVec
	OutboxPending         prometheus.Gauge
	OutboxPublishDuration prometheus.Histogram
	OutboxLeaseLost       prometheus.Counter

	// --- Projection ---
	CacheRequests      *prometheus.CounterVec
	CacheInvalidations *prometheus.CounterVec
	ConsumerDuplicates prometheus.Counter
}

// NewMetrics registers every collector on reg. A nil reg gets a private
// registry so tests can build several instances.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	fastBuckets := []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	return &Metrics{
		BidsPlaced: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_bids_placed_total",
			Help: "Bids accepted and committed",
		}, []string{"mechanism"}),

		BidsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_bids_rejected_total",
			Help: "Bids rejected by validation or blocking rules",
		}, []string{"mechanism", "code"}),

		BidsRetracted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_bids_retracted_total",
			Help: "Bids retracted by their bidder",
		}, []string{"mechanism"}),

		BidDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_bid_duplicates_total",
			Help: "Idempotent replays answered from cache or store",
		}, []string{"tier"}),

		BidDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "auction_bid_duration_seconds",
			Help:    "End-to-end bid admission latency",
			Buckets: fastBuckets,
		}, []string{"mechanism"}),

		ConcurrencyConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_concurrency_conflicts_total",
			Help: "Optimistic version conflicts by operation",
		}, []string{"operation"}),

		RuleViolations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_rule_violations_total",
			Help: "Rule violations recorded",
		}, []string{"rule_code", "severity"}),

		RuleEscalations: f.NewCounter(prometheus.CounterOpts{
			Name: "auction_rule_escalations_total",
			Help: "Violations promoted by the escalation sweep",
		}),

		RuleEvalDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "auction_rule_eval_duration_seconds",
			Help:    "Time to evaluate applicable rules for one bid",
			Buckets: fastBuckets,
		}),

		Settlements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_settlements_total",
			Help: "Auctions settled by mechanism and result",
		}, []string{"mechanism", "result"}),

		SettlementDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "auction_settlement_duration_seconds",
			Help:    "Time to resolve and persist a settlement",
			Buckets: fastBuckets,
		}),

		OutboxPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_outbox_published_total",
			Help: "Outbox events delivered to the bus",
		}, []string{"event_type"}),

		OutboxFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_outbox_failures_total",
			Help: "Failed outbox publish attempts",
		}, []string{"event_type"}),

		OutboxDeadLettered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_outbox_dead_lettered_total",
			Help: "Outbox events moved to the dead-letter table",
		}, []string{"event_type"}),

		OutboxLeaseLost: f.NewCounter(prometheus.CounterOpts{
			Name: "auction_outbox_lease_lost_total",
			Help: "Times the relay lost its outbox lease while running",
		}),

		OutboxPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "auction_outbox_pending",
			Help: "Pending outbox events seen by the last poll",
		}),

		OutboxPublishDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "auction_outbox_publish_duration_seconds",
			Help:    "Bus publish latency including retries",
			Buckets: fastBuckets,
		}),

		CacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_cache_requests_total",
			Help: "Projection cache lookups by result (hit/miss/error)",
		}, []string{"view", "result"}),

		CacheInvalidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_cache_invalidations_total",
			Help: "Projection invalidations by outcome",
		}, []string{"outcome"}),

		ConsumerDuplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "auction_consumer_duplicates_total",
			Help: "Redelivered events dropped by the consumer",
		}),
	}
}
