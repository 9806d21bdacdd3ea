/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transition metrics.
var (
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skald_automix_transitions_total",
		Help: "Crossfades performed, by planner strategy.",
	}, []string{"strategy"})

	TransitionsAborted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skald_automix_transitions_aborted_total",
		Help: "Crossfades aborted mid-fade (user skip, engine failure).",
	})

	HardCuts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skald_automix_hard_cuts_total",
		Help: "Track boundaries degraded to a hard cut.",
	})

	PlannerRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skald_automix_planner_rejections_total",
		Help: "Planner invocations that produced no plan.",
	})

	CrossfadeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "skald_automix_crossfade_seconds",
		Help:    "Executed crossfade durations.",
		Buckets: []float64{0.5, 1, 2, 4, 8, 16, 32, 64},
	})
)

// Analyser metrics.
var (
	AnalyzerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skald_analyzer_calls_total",
		Help: "Analyser worker invocations, by operation.",
	}, []string{"op"})

	AnalyzerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skald_analyzer_failures_total",
		Help: "Analyser worker failures, by operation.",
	}, []string{"op"})

	AnalyzerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "skald_analyzer_seconds",
		Help:    "Analyser worker wall-clock time, by operation.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"op"})
)

// Cache metrics.
var (
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skald_analysis_cache_hits_total",
		Help: "Analysis cache hits.",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skald_analysis_cache_misses_total",
		Help: "Analysis cache misses.",
	})
)

// Scheduler metrics.
var (
	SchedulerJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skald_scheduler_jobs",
		Help: "Jobs currently queued in the audio-clock scheduler.",
	})

	SchedulerActionPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skald_scheduler_action_panics_total",
		Help: "Scheduler actions that raised and were discarded.",
	})
)

// Cache store metrics.
var (
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "skald_db_query_seconds",
		Help:    "Cache store query latency, by operation and table.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skald_db_errors_total",
		Help: "Cache store errors, by operation.",
	}, []string{"operation"})
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
