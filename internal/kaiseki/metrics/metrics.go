// Package metrics declares the Prometheus instruments exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionOps counts completed session operations by outcome
	// (ok, busy, cancelled, error).
	SessionOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kaiseki",
		Subsystem: "session",
		Name:      "operations_total",
		Help:      "Completed session operations by outcome.",
	}, []string{"outcome"})

	// ResourceBuilds counts resource constructions and teardowns.
	ResourceBuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kaiseki",
		Subsystem: "session",
		Name:      "resource_events_total",
		Help:      "Session resource builds and teardowns.",
	}, []string{"event"})

	// PersistFailures counts best-effort persistence failures. These are
	// logged, never escalated, so the counter is the only aggregate signal.
	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kaiseki",
		Subsystem: "session",
		Name:      "persist_failures_total",
		Help:      "Failed session state persistence attempts.",
	})

	// SandboxExecutions counts sandbox code executions by outcome
	// (ok, failed, syntax, timeout, decode).
	SandboxExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kaiseki",
		Subsystem: "sandbox",
		Name:      "executions_total",
		Help:      "Sandbox code executions by outcome.",
	}, []string{"outcome"})
)
