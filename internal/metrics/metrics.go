// Package metrics exposes the control plane's Prometheus instrumentation.
// Collectors are registered on the default registry; the API serves them at
// /metrics via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsExecuted counts finished jobs by type and outcome.
	JobsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "discobot",
		Subsystem: "jobs",
		Name:      "executed_total",
		Help:      "Jobs executed, labeled by job type and outcome.",
	}, []string{"type", "outcome"})

	// JobDuration observes job execution time by type.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "discobot",
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Job execution time by job type.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"type"})

	// DispatcherLeader is 1 while this instance holds the lease.
	DispatcherLeader = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "discobot",
		Subsystem: "dispatcher",
		Name:      "leader",
		Help:      "Whether this instance is the dispatcher leader.",
	})

	// EventsPublished counts project events written to the log.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "discobot",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Project events published, labeled by event type.",
	}, []string{"type"})

	// EventsDropped counts events shed from slow subscriber buffers.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "discobot",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events dropped from full subscriber buffers.",
	})

	// EventSubscribers tracks live project event subscribers.
	EventSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "discobot",
		Subsystem: "events",
		Name:      "subscribers",
		Help:      "Currently connected project event subscribers.",
	})

	// CompletionsStarted counts chat completions by how they ended.
	CompletionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "discobot",
		Subsystem: "completions",
		Name:      "started_total",
		Help:      "Chat completions started.",
	})

	// CompletionsFinished counts completion outcomes.
	CompletionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "discobot",
		Subsystem: "completions",
		Name:      "finished_total",
		Help:      "Chat completions finished, labeled by outcome.",
	}, []string{"outcome"})

	// CompletionsActive tracks in-flight completions.
	CompletionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "discobot",
		Subsystem: "completions",
		Name:      "active",
		Help:      "Completions currently streaming from agents.",
	})

	// HTTPRequests counts API requests by route and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "discobot",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "API requests, labeled by method, route and status.",
	}, []string{"method", "route", "status"})

	// SandboxOps counts sandbox provider operations by outcome.
	SandboxOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "discobot",
		Subsystem: "sandbox",
		Name:      "operations_total",
		Help:      "Sandbox provider operations, labeled by op and outcome.",
	}, []string{"op", "outcome"})
)
