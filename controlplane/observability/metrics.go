// Package observability holds EdgeMesh's Prometheus metrics (spec.md §2
// item 9, "Metrics & Summary"). Gauges are derived from Store state on
// demand; counters and histograms are updated from the Event Bus and the
// hot paths that feed it.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of queued tasks, by priority.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edgemesh_queue_depth",
		Help: "Current number of tasks in the queued state",
	}, []string{"priority"})

	// ActiveTasks tracks tasks currently claimed or running, by node.
	ActiveTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edgemesh_active_tasks",
		Help: "Current number of claimed or running tasks",
	}, []string{"node_id"})

	// DlqDepth tracks the number of parked DLQ entries.
	DlqDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgemesh_dlq_depth",
		Help: "Current number of entries in the dead-letter queue",
	})

	// NodeFreshness tracks the computed freshness state per node (1=healthy,
	// 0.5=degraded, 0=offline), so dashboards can alert on fleet liveness.
	NodeFreshness = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edgemesh_node_freshness",
		Help: "Computed freshness of a node (1=healthy, 0.5=degraded, 0=offline)",
	}, []string{"node_id"})

	// ClaimLatencySeconds is the task.enqueued -> task.claimed latency,
	// paired by taskId in the Event Bus ring buffer (spec.md §4.9).
	ClaimLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "edgemesh_claim_latency_seconds",
		Help:    "Time from task.enqueued to task.claimed",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
	})

	// ClaimsTotal counts successful claims, by node.
	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgemesh_claims_total",
		Help: "Total number of successful task claims",
	}, []string{"node_id"})

	// RetriesTotal counts retry-vs-dlq decisions made by the Retry Policy.
	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgemesh_retries_total",
		Help: "Total number of retry decisions",
	}, []string{"outcome"}) // requeued, dlq

	// ReaperSweeps counts Timeout Reaper ticks and what they found.
	ReaperSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgemesh_reaper_sweeps_total",
		Help: "Total number of Timeout Reaper ticks, by outcome",
	}, []string{"outcome"}) // clean, requeued, dlq

	// EventsTotal mirrors the Event Bus counter plugin (spec.md §4.7).
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgemesh_events_total",
		Help: "Total number of events emitted, by type",
	}, []string{"type"})

	// LiveSubscribers tracks the number of connected events.stream
	// subscribers (internal/wshub).
	LiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgemesh_live_subscribers",
		Help: "Current number of connected live event subscribers",
	})

	// LeaderStatus is 1 if this instance holds leadership, else 0.
	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgemesh_leader_status",
		Help: "Current leader status (1 = leader, 0 = follower)",
	})

	// LeaderEpoch tracks the current fencing epoch.
	LeaderEpoch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgemesh_leader_epoch",
		Help: "Current fencing epoch held by the leader",
	})

	// RateLimited counts requests rejected by the per-node/per-caller token
	// buckets (internal/ratelimit), mirroring the teacher's storm-protection
	// metric.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgemesh_rate_limited_total",
		Help: "Requests rejected by rate limiting",
	}, []string{"surface"}) // node.heartbeat, node.claim

	// RedisOpLatency tracks RedisStore operation roundtrip latency.
	RedisOpLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "edgemesh_redis_op_latency_seconds",
		Help:    "RedisStore operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// IdempotencyReplays counts task.submit calls served from the
	// idempotency-key replay cache instead of double-enqueuing.
	IdempotencyReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgemesh_idempotency_replays_total",
		Help: "Total number of task.submit calls served from the idempotency replay cache",
	})

	// AdmissionMode tracks the current store-wide admission mode (1 = active
	// mode; one series per mode name, only one set to 1 at a time).
	AdmissionModeMetric = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edgemesh_admission_mode",
		Help: "Current admission mode (1 = active)",
	}, []string{"mode"})

	// CircuitBreakerState tracks the submit-path circuit breaker's state (1 =
	// active state; one series per state name, only one set to 1 at a time).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edgemesh_circuit_breaker_state",
		Help: "Current task.submit circuit breaker state (1 = active)",
	}, []string{"state"})

	// LeadershipTransitions counts leader-election state changes, by node
	// and outcome (acquired, lost, epoch_drift).
	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgemesh_leadership_transitions_total",
		Help: "Total number of leader-election transitions, by node and outcome",
	}, []string{"node_id", "outcome"})

	// LeadershipTransitionDuration tracks how long a follower waited before
	// becoming leader again.
	LeadershipTransitionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "edgemesh_leadership_transition_duration_seconds",
		Help:    "Time a node spent as a follower before regaining leadership",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// LeadershipEpoch tracks the fencing epoch last observed by each node.
	LeadershipEpoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edgemesh_leadership_epoch",
		Help: "Fencing epoch last observed by a node's LeaderElector",
	}, []string{"node_id"})

	// LateResultsIgnored counts task.result calls arriving for a task that
	// is already terminal (spec.md §9 open question 3 — cancelled or
	// reaper-failed tasks ignore late results rather than erroring).
	LateResultsIgnored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgemesh_late_results_ignored_total",
		Help: "Total number of task.result calls ignored because the task was already terminal",
	})
)
