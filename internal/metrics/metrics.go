package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RecordsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ruleflow_records_enqueued_total",
		Help: "Total number of records placed on the evaluation queue.",
	})

	RecordsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ruleflow_records_processed_total",
		Help: "Total number of records fully processed by the engine.",
	})

	RecordsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ruleflow_records_dropped_total",
		Help: "Total number of records rejected due to a full queue.",
	})

	RulesMatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleflow_rules_matched_total",
		Help: "Total number of rule matches, labelled by rule ID.",
	}, []string{"rule_id"})

	RuleExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleflow_rule_executions_total",
		Help: "Total number of recorded rule executions, labelled by outcome.",
	}, []string{"outcome"})

	RulesThrottled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleflow_rules_throttled_total",
		Help: "Matches dropped by a rule's hourly execution limit.",
	}, []string{"rule_id"})

	EvaluationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleflow_evaluation_errors_total",
		Help: "Rules skipped for a record because evaluation failed.",
	}, []string{"rule_id"})

	ActionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ruleflow_actions_executed_total",
		Help: "Total number of actions handled, labelled by type and status.",
	}, []string{"action_type", "status"})

	AuditWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ruleflow_audit_write_errors_total",
		Help: "Execution records the audit sink failed to store.",
	})

	RecordProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ruleflow_record_processing_duration_ms",
		Help:    "End-to-end record processing latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ruleflow_queue_utilization_ratio",
		Help: "Current record queue utilization (0–1).",
	})

	DelayedPipelines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ruleflow_delayed_pipelines",
		Help: "Action pipelines currently suspended by a delay action.",
	})

	SchedulerTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ruleflow_scheduler_ticks_total",
		Help: "Periodic re-scan ticks run by the scheduler.",
	})

	RulesLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ruleflow_rules_loaded",
		Help: "Number of rules in the current snapshot.",
	})
)
