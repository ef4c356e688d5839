// Package observability provides Prometheus metrics instrumentation for the stage graph engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// RUN METRICS
// =============================================================================

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagegraph_runs_total",
			Help: "Total number of graph runs by outcome",
		},
		[]string{"pipeline", "outcome"}, // outcome: clean, review_required, failed, cancelled
	)

	runDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stagegraph_run_duration_seconds",
			Help:    "Graph run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"pipeline"},
	)

	runsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stagegraph_runs_in_flight",
			Help: "Number of runs currently executing",
		},
	)
)

// =============================================================================
// STAGE METRICS
// =============================================================================

var (
	stageExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagegraph_stage_executions_total",
			Help: "Total number of stage invocations",
		},
		[]string{"stage", "status"}, // status: completed, failed, skipped
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stagegraph_stage_duration_seconds",
			Help:    "Stage invocation duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"stage"},
	)

	batchItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagegraph_batch_items_total",
			Help: "Total number of batch items processed by outcome",
		},
		[]string{"stage", "status"}, // status: success, error
	)
)

// =============================================================================
// GATE METRICS
// =============================================================================

var (
	gateEvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagegraph_gate_evaluations_total",
			Help: "Total number of gate evaluations by outcome",
		},
		[]string{"gate", "outcome"}, // outcome: valid, invalid, disabled, fault
	)

	gateRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagegraph_gate_retries_total",
			Help: "Total number of retry back-edges taken",
		},
		[]string{"gate"},
	)

	manualReviewsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagegraph_manual_reviews_total",
			Help: "Total number of runs flagged for manual review by gate",
		},
		[]string{"gate"},
	)
)

// =============================================================================
// BUS METRICS
// =============================================================================

var (
	progressEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagegraph_progress_events_total",
			Help: "Total number of progress events published",
		},
		[]string{"status"},
	)

	observerFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stagegraph_observer_failures_total",
			Help: "Total number of observer deliveries that failed or panicked",
		},
	)

	checkpointWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagegraph_checkpoint_writes_total",
			Help: "Total number of advisory checkpoint writes",
		},
		[]string{"backend", "status"}, // status: success, error
	)
)

// =============================================================================
// GRPC METRICS
// =============================================================================

var (
	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagegraph_grpc_requests_total",
			Help: "Total gRPC requests",
		},
		[]string{"method", "status"}, // status: OK, InvalidArgument, Internal, etc.
	)

	grpcRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stagegraph_grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordRun records a finished run.
func RecordRun(pipeline string, outcome string, durationMS int64) {
	runsTotal.WithLabelValues(pipeline, outcome).Inc()
	runDurationSeconds.WithLabelValues(pipeline).Observe(float64(durationMS) / 1000.0)
}

// RunStarted increments the in-flight gauge. Pair with RunFinished.
func RunStarted() { runsInFlight.Inc() }

// RunFinished decrements the in-flight gauge.
func RunFinished() { runsInFlight.Dec() }

// RecordStageExecution records one stage invocation.
func RecordStageExecution(stage string, status string, durationMS int64) {
	stageExecutionsTotal.WithLabelValues(stage, status).Inc()
	stageDurationSeconds.WithLabelValues(stage).Observe(float64(durationMS) / 1000.0)
}

// RecordBatchItem records one batch item outcome.
func RecordBatchItem(stage string, status string) {
	batchItemsTotal.WithLabelValues(stage, status).Inc()
}

// RecordGateEvaluation records a gate evaluation outcome.
func RecordGateEvaluation(gate string, outcome string) {
	gateEvaluationsTotal.WithLabelValues(gate, outcome).Inc()
}

// RecordGateRetry records a retry back-edge.
func RecordGateRetry(gate string) {
	gateRetriesTotal.WithLabelValues(gate).Inc()
}

// RecordManualReview records a manual-review escalation.
func RecordManualReview(gate string) {
	manualReviewsTotal.WithLabelValues(gate).Inc()
}

// RecordProgressEvent records a published progress event.
func RecordProgressEvent(status string) {
	progressEventsTotal.WithLabelValues(status).Inc()
}

// RecordObserverFailures adds failed observer deliveries.
func RecordObserverFailures(n int) {
	if n > 0 {
		observerFailuresTotal.Add(float64(n))
	}
}

// RecordCheckpointWrite records an advisory checkpoint write.
func RecordCheckpointWrite(backend string, status string) {
	checkpointWritesTotal.WithLabelValues(backend, status).Inc()
}

// RecordGRPCRequest records gRPC request metrics.
// This should be called from gRPC interceptors.
func RecordGRPCRequest(method string, status string, durationMS int) {
	grpcRequestsTotal.WithLabelValues(method, status).Inc()
	grpcRequestDurationSeconds.WithLabelValues(method).Observe(float64(durationMS) / 1000.0)
}
