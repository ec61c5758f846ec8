package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_http_requests_total",
			Help: "Total number of requests by route, outcome and error code",
		},
		[]string{"route", "outcome", "code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_http_request_duration_seconds",
			Help:    "Time taken to serve requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	PipelineRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_pipeline_rejections_total",
			Help: "Requests short-circuited by a pipeline stage",
		},
		[]string{"stage"},
	)

	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_rate_limit_decisions_total",
			Help: "Rate limiter admissions by route class and decision",
		},
		[]string{"class", "decision"},
	)

	RateLimitBackendErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_rate_limit_backend_errors_total",
			Help: "Shared limiter failures that fell back to local buckets",
		},
	)

	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_events_ingested_total",
			Help: "Total number of events ingested",
		},
		[]string{"source"},
	)

	RuleMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_rule_matches_total",
			Help: "Rule matches by rule id and mode (live or simulation)",
		},
		[]string{"rule_id", "mode"},
	)

	ConditionEvaluations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_condition_evaluations_total",
			Help: "Total number of conditions evaluated",
		},
	)

	RuleEvaluationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_rule_evaluation_errors_total",
			Help: "Condition faults contained as non-matches",
		},
		[]string{"rule_id"},
	)

	RuleSetVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_rule_set_version",
			Help: "Version of the active rule set snapshot",
		},
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_evaluation_duration_seconds",
			Help:    "Time taken to evaluate one event against the active rule set",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
	)

	AlertsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_alerts_generated_total",
			Help: "Total number of alerts generated",
		},
		[]string{"severity"},
	)

	AlertPersistence = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_alert_persistence_total",
			Help: "Alert persistence outcomes",
		},
		[]string{"outcome"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_notifications_total",
			Help: "Notification attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	SimulationRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_simulation_runs_total",
			Help: "Simulation runs by outcome",
		},
		[]string{"outcome"},
	)

	SimulationEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_simulation_events_total",
			Help: "Events evaluated by simulation runs",
		},
	)

	RegexTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_regex_timeouts_total",
			Help: "Regex conditions aborted by the match timeout",
		},
	)

	WorkerPoolActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_worker_pool_active_workers",
			Help: "Number of running workers per pool",
		},
		[]string{"pool"},
	)

	WorkerPoolQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_worker_pool_queue_size",
			Help: "Tasks waiting in the pool queue",
		},
		[]string{"pool"},
	)

	WorkerPoolTasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_worker_pool_tasks_processed_total",
			Help: "Tasks completed per pool",
		},
		[]string{"pool"},
	)
)
