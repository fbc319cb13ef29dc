// Copyright (C) 2026 Parley Labs (dev@parleyhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the coordinator.
//
// Metrics are exposed via the /metrics endpoint. All operations are
// thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all coordinator metrics.
const metricsNamespace = "parley"

// Subsystem for session coordination metrics.
const coordinatorSubsystem = "coordinator"

// CoordinatorMetrics holds the Prometheus instruments for session
// coordination. Initialize once at startup via NewCoordinatorMetrics;
// handlers use the Default singleton.
type CoordinatorMetrics struct {
	// ConnectionsActive tracks currently open realtime connections.
	ConnectionsActive prometheus.Gauge

	// ConnectionsTotal counts connections ever opened.
	ConnectionsTotal prometheus.Counter

	// BroadcastsTotal counts broadcast fan-outs by message type.
	BroadcastsTotal *prometheus.CounterVec

	// SendFailuresTotal counts transport send errors that pruned a connection.
	SendFailuresTotal prometheus.Counter

	// PatchesTotal counts applied control patches by result.
	// Labels: result (applied, rejected, invalid)
	PatchesTotal *prometheus.CounterVec

	// ResponsesTotal counts response submissions by tool and result.
	// Labels: tool, result (accepted, replayed, rejected)
	ResponsesTotal *prometheus.CounterVec

	// RejectionsTotal counts typed rejections by fault code.
	RejectionsTotal *prometheus.CounterVec

	// SessionsActive tracks live session state records.
	SessionsActive prometheus.Gauge

	// BroadcastDurationSeconds measures full fan-out duration.
	BroadcastDurationSeconds prometheus.Histogram
}

// Default is the singleton instance registered on the default registry.
var Default = NewCoordinatorMetrics(nil)

// NewCoordinatorMetrics creates and registers the metric set. A nil
// registerer uses the default Prometheus registry.
func NewCoordinatorMetrics(reg prometheus.Registerer) *CoordinatorMetrics {
	factory := promauto.With(reg)
	if reg == nil {
		factory = promauto.With(prometheus.DefaultRegisterer)
	}

	return &CoordinatorMetrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: coordinatorSubsystem,
			Name:      "connections_active",
			Help:      "Currently open realtime connections.",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: coordinatorSubsystem,
			Name:      "connections_total",
			Help:      "Realtime connections opened since process start.",
		}),
		BroadcastsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: coordinatorSubsystem,
			Name:      "broadcasts_total",
			Help:      "Broadcast fan-outs by message type.",
		}, []string{"type"}),
		SendFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: coordinatorSubsystem,
			Name:      "send_failures_total",
			Help:      "Transport send errors that pruned a connection.",
		}),
		PatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: coordinatorSubsystem,
			Name:      "patches_total",
			Help:      "Control patches by result.",
		}, []string{"result"}),
		ResponsesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: coordinatorSubsystem,
			Name:      "responses_total",
			Help:      "Response submissions by tool and result.",
		}, []string{"tool", "result"}),
		RejectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: coordinatorSubsystem,
			Name:      "rejections_total",
			Help:      "Typed rejections by fault code.",
		}, []string{"code"}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: coordinatorSubsystem,
			Name:      "sessions_active",
			Help:      "Live session state records.",
		}),
		BroadcastDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: coordinatorSubsystem,
			Name:      "broadcast_duration_seconds",
			Help:      "Duration of one full broadcast fan-out.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}
}
