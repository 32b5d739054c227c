// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package usage

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics
var (
	promBufferDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hadrian_usage_buffer_dropped_total",
			Help: "Usage entries dropped because the buffer was full",
		},
	)
	promBatchesFlushed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hadrian_usage_batches_flushed_total",
			Help: "Usage batches flushed by outcome",
		},
		[]string{"status"},
	)
	promEntriesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hadrian_usage_entries_written_total",
			Help: "Usage entries written per sink",
		},
		[]string{"sink"},
	)
	promSinkErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hadrian_usage_sink_errors_total",
			Help: "Sink write failures per sink",
		},
		[]string{"sink"},
	)
	promDLQPushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hadrian_usage_dlq_pushed_total",
			Help: "Usage entries diverted to the dead letter queue",
		},
	)
	promDLQErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hadrian_usage_dlq_errors_total",
			Help: "Failures while pushing usage entries to the dead letter queue",
		},
	)
)

func init() {
	// Register Prometheus metrics
	prometheus.MustRegister(promBufferDropped)
	prometheus.MustRegister(promBatchesFlushed)
	prometheus.MustRegister(promEntriesWritten)
	prometheus.MustRegister(promSinkErrors)
	prometheus.MustRegister(promDLQPushed)
	prometheus.MustRegister(promDLQErrors)
}
