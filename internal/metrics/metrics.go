// Package metrics holds the Prometheus collectors of the rules service.
// Collectors are registered on the default registry; /metrics serves them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rules"

var (
	EvaluationCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evaluations_total",
		Help:      "Rule set evaluations, by category.",
	}, []string{"category"})

	EvaluationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "evaluation_duration_seconds",
		Help:      "Latency of a full rule set evaluation.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"category"})

	RuleOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rule_outcomes_total",
		Help:      "Per-rule outcomes: matched, skipped or failed.",
	}, []string{"category", "outcome"})

	RuleFetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rule_fetch_failures_total",
		Help:      "Rule fetches that failed and were answered with no rules.",
	})

	DispatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_failures_total",
		Help:      "Side effect actions that could not be dispatched.",
	}, []string{"action_type"})

	RecorderQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "recorder_queue_depth",
		Help:      "Execution results waiting to be recorded.",
	})

	RecorderDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recorder_dropped_total",
		Help:      "Execution results dropped because the recorder queue was full or closed.",
	})

	RecorderWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recorder_write_errors_total",
		Help:      "Execution results that could not be written after retries.",
	})
)

var (
	LogMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "log_messages_total",
		Help:      "Warnings and errors logged, counted before sampling.",
	}, []string{"level"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route pattern and status class.",
	}, []string{"route", "status"})

	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route pattern.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})
)
