package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the floor manager service.
//
// Naming convention: namespace_subsystem_name
// - namespace: floor_manager (application-level grouping)
// - subsystem: floor, router, status, stream (feature-level grouping)
// - name: specific metric (grants_total, queue_depth, etc.)
//
// Metric Types:
// - Gauge: Current state (conversations, subscribers, queue depth)
// - Counter: Cumulative events (grants, revocations, deliveries)
// - Histogram: Latency distributions (delivery time)

var (
	// ActiveConversations tracks conversations with live floor state
	ActiveConversations = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "floor_manager",
		Subsystem: "floor",
		Name:      "conversations_active",
		Help:      "Current number of conversations with floor state",
	})

	// FloorGrants counts floor grant transitions
	FloorGrants = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "floor_manager",
		Subsystem: "floor",
		Name:      "grants_total",
		Help:      "Total floor grants",
	})

	// FloorRevocations counts involuntary revocations by reason token
	FloorRevocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "floor_manager",
		Subsystem: "floor",
		Name:      "revocations_total",
		Help:      "Total floor revocations by reason",
	}, []string{"reason"})

	// FloorQueueDepth tracks pending floor requests per conversation
	FloorQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "floor_manager",
		Subsystem: "floor",
		Name:      "queue_depth",
		Help:      "Pending floor requests per conversation",
	}, []string{"conversation_id"})

	// FloorQueueOverflows counts refused requests due to a full queue
	FloorQueueOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "floor_manager",
		Subsystem: "floor",
		Name:      "queue_overflows_total",
		Help:      "Floor requests refused because the queue was at capacity",
	})

	// EnvelopesProcessed counts envelopes through the manager by outcome
	EnvelopesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "floor_manager",
		Subsystem: "router",
		Name:      "envelopes_total",
		Help:      "Total envelopes processed",
	}, []string{"status"})

	// RouterDeliveries counts per-recipient handler invocations by outcome
	RouterDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "floor_manager",
		Subsystem: "router",
		Name:      "deliveries_total",
		Help:      "Handler deliveries by status",
	}, []string{"status"})

	// DeliveryDuration tracks handler invocation latency
	DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "floor_manager",
		Subsystem: "router",
		Name:      "delivery_seconds",
		Help:      "Time spent delivering an envelope to one handler",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// ActiveSubscriptions tracks live status-stream subscriptions
	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "floor_manager",
		Subsystem: "status",
		Name:      "subscriptions_active",
		Help:      "Current number of transition subscriptions",
	})

	// DroppedTransitions counts records dropped for lagging subscribers
	DroppedTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "floor_manager",
		Subsystem: "status",
		Name:      "dropped_transitions_total",
		Help:      "Transition records dropped due to slow subscribers",
	})

	// ActiveStreamConnections tracks open SSE and WebSocket streams
	ActiveStreamConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "floor_manager",
		Subsystem: "stream",
		Name:      "connections_active",
		Help:      "Current number of open stream connections",
	}, []string{"transport"})

	// RateLimitExceeded counts rejected requests per endpoint and key type
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "floor_manager",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests rejected by rate limiting",
	}, []string{"endpoint", "limit_type"})

	// RateLimitRequests counts requests that passed rate limiting
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "floor_manager",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Requests checked by rate limiting",
	}, []string{"endpoint"})

	// CircuitBreakerState reflects breaker state (0 closed, 1 open, 2 half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "floor_manager",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})

	// CircuitBreakerFailures counts operations rejected by an open breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "floor_manager",
		Subsystem: "breaker",
		Name:      "failures_total",
		Help:      "Operations rejected by an open circuit breaker",
	}, []string{"name"})

	// DirectoryManifests tracks stored manifest count
	DirectoryManifests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "floor_manager",
		Subsystem: "directory",
		Name:      "manifests_stored",
		Help:      "Current number of stored manifests",
	})
)
