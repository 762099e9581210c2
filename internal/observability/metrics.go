package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opshub",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "opshub",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	jobTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opshub",
			Subsystem: "hub",
			Name:      "job_transitions_total",
			Help:      "Hub job state transitions by audit kind.",
		},
		[]string{"kind"},
	)
	policyDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opshub",
			Subsystem: "policy",
			Name:      "decisions_total",
			Help:      "Policy decisions by permission stage and outcome.",
		},
		[]string{"stage", "ok", "reason"},
	)
	executorOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opshub",
			Subsystem: "executor",
			Name:      "jobs_total",
			Help:      "Executor per-job outcomes.",
		},
		[]string{"outcome"},
	)
	executorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "opshub",
			Subsystem: "executor",
			Name:      "action_duration_seconds",
			Help:      "Executor action duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"job_type", "ok"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			jobTransitions,
			policyDecisions,
			executorOutcomes,
			executorDuration,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordJobTransition(kind string) {
	RegisterMetrics()
	jobTransitions.WithLabelValues(kind).Inc()
}

func RecordPolicyDecision(stage int, ok bool, reason string) {
	RegisterMetrics()
	policyDecisions.WithLabelValues(strconv.Itoa(stage), strconv.FormatBool(ok), reason).Inc()
}

func RecordExecutorOutcome(outcome string) {
	RegisterMetrics()
	executorOutcomes.WithLabelValues(outcome).Inc()
}

func RecordAction(jobType string, ok bool, duration time.Duration) {
	RegisterMetrics()
	executorDuration.WithLabelValues(jobType, strconv.FormatBool(ok)).Observe(duration.Seconds())
}
