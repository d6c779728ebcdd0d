package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	recordsAppended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "evolset",
			Subsystem: "store",
			Name:      "records_appended_total",
			Help:      "Number of records appended to the dataset store.",
		},
	)
	checkpoints = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evolset",
			Subsystem: "store",
			Name:      "checkpoints_total",
			Help:      "Number of checkpoint saves by trigger reason and result.",
		}, []string{"reason", "result"},
	)
	checkpointDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "evolset",
			Subsystem: "store",
			Name:      "checkpoint_duration_seconds",
			Help:      "Time spent writing a checkpoint.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"reason"},
	)
	taskLaunches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evolset",
			Subsystem: "task",
			Name:      "launches_total",
			Help:      "Number of background task launches by result.",
		}, []string{"name", "result"},
	)
	taskExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "evolset",
			Subsystem: "task",
			Name:      "exits_total",
			Help:      "Number of observed task exits by result (success, failure, killed).",
		}, []string{"name", "result"},
	)
	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "evolset",
			Subsystem: "task",
			Name:      "run_duration_seconds",
			Help:      "Wall time between launch and exit of a task.",
			Buckets:   []float64{0.1, 1, 10, 60, 300, 900, 3600, 14400},
		}, []string{"name"},
	)
	runningTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "evolset",
			Subsystem: "task",
			Name:      "running",
			Help:      "Number of background tasks currently running.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{recordsAppended, checkpoints, checkpointDuration, taskLaunches, taskExits, taskDuration, runningTasks}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func AddRecords(n int) {
	if regOK.Load() && n > 0 {
		recordsAppended.Add(float64(n))
	}
}

func ObserveCheckpoint(reason string, seconds float64, ok bool) {
	if !regOK.Load() {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	checkpoints.WithLabelValues(reason, result).Inc()
	checkpointDuration.WithLabelValues(reason).Observe(seconds)
}

func IncLaunch(name string, ok bool) {
	if !regOK.Load() {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	taskLaunches.WithLabelValues(name, result).Inc()
	if ok {
		runningTasks.Inc()
	}
}

// ObserveExit records a terminal transition; result is success, failure or killed.
func ObserveExit(name, result string, seconds float64) {
	if !regOK.Load() {
		return
	}
	taskExits.WithLabelValues(name, result).Inc()
	taskDuration.WithLabelValues(name).Observe(seconds)
	runningTasks.Dec()
}
