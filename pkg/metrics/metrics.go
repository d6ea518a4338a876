// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assay_operations_total",
		Help: "Orchestrated mutating operations by kind and outcome",
	}, []string{"kind", "outcome"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "assay_operation_duration_seconds",
		Help:    "Duration of orchestrated operations, lock wait included",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"kind"})

	rowsChangedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assay_rows_changed_total",
		Help: "Rows changed by orchestrated operations",
	}, []string{"kind"})

	lockWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "assay_project_lock_wait_seconds",
		Help:    "Time spent waiting for the per-project write lock",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1, 10},
	})

	optimizerElementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assay_optimizer_elements_total",
		Help: "Elements searched by the blank/scale optimizer by winning model",
	}, []string{"model"})

	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assay_jobs_total",
		Help: "Background job attempts by kind and resulting job state",
	}, []string{"kind", "state"})

	jobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "assay_jobs_running",
		Help: "Background jobs currently executing",
	})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assay_http_requests_total",
		Help: "Requests served by the worker endpoints by path and status",
	}, []string{"path", "status"})
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// ObserveOperation records one orchestrated operation.
func ObserveOperation(kind string, start time.Time, rowsChanged int, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	operationsTotal.WithLabelValues(kind, outcome).Inc()
	operationDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err == nil && rowsChanged > 0 {
		rowsChangedTotal.WithLabelValues(kind).Add(float64(rowsChanged))
	}
}

// ObserveLockWait records how long a writer waited for a project lock.
func ObserveLockWait(d time.Duration) {
	lockWaitDuration.Observe(d.Seconds())
}

// ObserveOptimizerWinner counts the winning model of one element.
func ObserveOptimizerWinner(model string) {
	optimizerElementsTotal.WithLabelValues(model).Inc()
}

// JobStarted and JobFinished bracket one job attempt.
func JobStarted() {
	jobsRunning.Inc()
}

func JobFinished(kind, state string) {
	jobsRunning.Dec()
	jobsTotal.WithLabelValues(kind, state).Inc()
}

// ObserveHTTPRequest counts one request to a worker endpoint.
func ObserveHTTPRequest(path string, status int) {
	httpRequestsTotal.WithLabelValues(path, strconv.Itoa(status)).Inc()
}
