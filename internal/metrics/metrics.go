package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// WorkerMetrics is the observability surface of the consumption core. Every
// failure mode the operators care about is a countable metric here, never
// only a log line.
type WorkerMetrics struct {
	Received           *prometheus.CounterVec
	Duplicates         *prometheus.CounterVec
	Takeovers          *prometheus.CounterVec
	Completed          *prometheus.CounterVec
	Abandoned          *prometheus.CounterVec
	DeadLettered       *prometheus.CounterVec
	HandlerFailures    *prometheus.CounterVec
	TimeoutRisk        *prometheus.CounterVec
	DeletionFailed     *prometheus.CounterVec
	DeletionRetries    *prometheus.CounterVec
	LedgerFailOpen     *prometheus.CounterVec
	RelayEnqueued      *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	Utilization        *prometheus.HistogramVec
	QueueDepth         *prometheus.GaugeVec
	WorkerExit         *prometheus.CounterVec
}

// NewWorkerMetrics registers against the default registry.
func NewWorkerMetrics() *WorkerMetrics {
	return NewWorkerMetricsOn(prometheus.DefaultRegisterer)
}

// NewWorkerMetricsOn registers against a caller-supplied registry; tests use
// a fresh one to avoid duplicate-registration panics.
func NewWorkerMetricsOn(reg prometheus.Registerer) *WorkerMetrics {
	m := &WorkerMetrics{
		Received: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_messages_received_total",
				Help: "Messages delivered to this worker",
			},
			[]string{"stage"},
		),
		Duplicates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_duplicates_total",
				Help: "Deliveries suppressed by the dedup ledger, by reason",
			},
			[]string{"stage", "reason"},
		),
		Takeovers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_takeovers_total",
				Help: "Stale in-progress claims taken over from a presumed-dead worker",
			},
			[]string{"stage"},
		),
		Completed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_processing_completed_total",
				Help: "Messages processed to success",
			},
			[]string{"stage"},
		),
		Abandoned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_abandoned_total",
				Help: "Deliveries abandoned for natural redelivery",
			},
			[]string{"stage"},
		),
		DeadLettered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_dead_lettered_total",
				Help: "Messages moved to the dead-letter store",
			},
			[]string{"stage"},
		),
		HandlerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_handler_failures_total",
				Help: "Handler outcomes that were not success, by kind",
			},
			[]string{"stage", "kind"},
		),
		TimeoutRisk: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_timeout_risk_total",
				Help: "Processed messages whose duration exceeded 80% of the visibility budget",
			},
			[]string{"stage"},
		),
		DeletionFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_deletion_failed_total",
				Help: "Messages whose delete never verified; left for redelivery",
			},
			[]string{"stage"},
		),
		DeletionRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_deletion_retries_total",
				Help: "Individual delete attempts beyond the first",
			},
			[]string{"stage"},
		),
		LedgerFailOpen: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_ledger_failopen_total",
				Help: "Messages processed without a ledger claim because the ledger was unreachable",
			},
			[]string{"stage"},
		),
		RelayEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_relay_enqueued_total",
				Help: "Downstream work items enqueued by the relay",
			},
			[]string{"stage"},
		),
		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_processing_duration_seconds",
				Help:    "End-to-end handler duration",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"stage"},
		),
		Utilization: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_visibility_utilization_ratio",
				Help:    "Handler duration divided by visibility budget",
				Buckets: prometheus.LinearBuckets(0.1, 0.1, 12),
			},
			[]string{"stage"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeline_queue_depth",
				Help: "Messages ready for delivery on the stage queue",
			},
			[]string{"stage"},
		),
		WorkerExit: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_worker_exit_total",
				Help: "Worker exits, by reason",
			},
			[]string{"stage", "reason"},
		),
	}

	reg.MustRegister(
		m.Received,
		m.Duplicates,
		m.Takeovers,
		m.Completed,
		m.Abandoned,
		m.DeadLettered,
		m.HandlerFailures,
		m.TimeoutRisk,
		m.DeletionFailed,
		m.DeletionRetries,
		m.LedgerFailOpen,
		m.RelayEnqueued,
		m.ProcessingDuration,
		m.Utilization,
		m.QueueDepth,
		m.WorkerExit,
	)

	return m
}
