// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowarr_job_runs_total",
		Help: "Scheduled job executions by job id and result",
	}, []string{"job", "result"})

	JobDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowarr_job_dropped_total",
		Help: "Job fires dropped because the job was already running",
	}, []string{"job"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowarr_job_duration_seconds",
		Help:    "Time spent running scheduled jobs",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})

	GateRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowarr_gate_requests_total",
		Help: "Outbound site requests by domain and outcome",
	}, []string{"domain", "outcome"})

	DownloaderAdds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowarr_downloader_adds_total",
		Help: "Torrents submitted to downloaders",
	}, []string{"downloader", "result"})

	Transfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowarr_transfers_total",
		Help: "Organized files by mode and status",
	}, []string{"mode", "status"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowarr_events_published_total",
		Help: "Events published on the in-process bus",
	}, []string{"kind"})

	EventHandlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowarr_event_handler_errors_total",
		Help: "Event handler failures by kind",
	}, []string{"kind"})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowarr_subscriptions_running",
		Help: "Subscriptions in the running state",
	})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
