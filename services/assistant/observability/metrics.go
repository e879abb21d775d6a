// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the assistant
// pipeline.
//
// # Description
//
// Metrics cover every stage of a request:
//   - Request outcomes (ai_answer, cached, fallback, low_confidence, rate_limited)
//   - Inference attempts and their latency
//   - Admission denials and cache lookups
//   - Breaker states and transitions per dependency
//   - Fallback reasons and usage ledger write failures
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every method is a no-op on a nil *Metrics, so components can run without
// metrics in tests.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/projecthub/services/assistant/resilience"
)

const (
	metricsNamespace = "projecthub"
	metricsSubsystem = "assistant"
)

// Metrics holds the assistant's collectors.
type Metrics struct {
	// RequestsTotal counts finished Ask calls.
	// Labels: outcome
	RequestsTotal *prometheus.CounterVec

	// InferenceAttemptsTotal counts calls to the inference service.
	// Labels: result (success, error, rejected, throttled)
	InferenceAttemptsTotal *prometheus.CounterVec

	// InferenceLatencySeconds measures single attempts.
	InferenceLatencySeconds prometheus.Histogram

	// RateLimitDenialsTotal counts denied admissions.
	// Labels: reason (minute_limit, monthly_limit)
	RateLimitDenialsTotal *prometheus.CounterVec

	// RateLimitErrorsTotal counts fail-open admissions.
	// Labels: source (window, quota)
	RateLimitErrorsTotal *prometheus.CounterVec

	// CacheLookupsTotal counts cache lookups.
	// Labels: result (hit, miss)
	CacheLookupsTotal *prometheus.CounterVec

	// BreakerState is 0 closed, 1 open, 2 half open.
	// Labels: dependency
	BreakerState *prometheus.GaugeVec

	// BreakerTransitionsTotal counts state changes.
	// Labels: dependency, to
	BreakerTransitionsTotal *prometheus.CounterVec

	// FallbacksTotal counts non-AI answers.
	// Labels: reason (circuit_open, retries_exhausted, low_confidence, deadline)
	FallbacksTotal *prometheus.CounterVec

	// UsageWriteFailuresTotal counts ledger appends that failed.
	UsageWriteFailuresTotal prometheus.Counter
}

// NewMetrics creates and registers the collectors with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
//
// # Limitations
//
//   - Panics if the same registerer is used twice (duplicate registration).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "requests_total",
				Help:      "Assistant requests by outcome",
			},
			[]string{"outcome"},
		),

		InferenceAttemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "inference_attempts_total",
				Help:      "Inference attempts by result",
			},
			[]string{"result"},
		),

		InferenceLatencySeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "inference_latency_seconds",
				Help:      "Latency of single inference attempts in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
			},
		),

		RateLimitDenialsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "rate_limit_denials_total",
				Help:      "Denied admissions by reason",
			},
			[]string{"reason"},
		),

		RateLimitErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "rate_limit_errors_total",
				Help:      "Admissions allowed because a limiter backend failed",
			},
			[]string{"source"},
		),

		CacheLookupsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "cache_lookups_total",
				Help:      "Response cache lookups by result",
			},
			[]string{"result"},
		),

		BreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "breaker_state",
				Help:      "Circuit breaker state per dependency (0 closed, 1 open, 2 half open)",
			},
			[]string{"dependency"},
		),

		BreakerTransitionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "breaker_transitions_total",
				Help:      "Circuit breaker transitions by dependency and target state",
			},
			[]string{"dependency", "to"},
		),

		FallbacksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "fallbacks_total",
				Help:      "Fallback answers by reason",
			},
			[]string{"reason"},
		),

		UsageWriteFailuresTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "usage_write_failures_total",
				Help:      "Usage records that could not be written",
			},
		),
	}
}

// RecordRequest counts a finished request.
func (m *Metrics) RecordRequest(outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(outcome).Inc()
}

// RecordInferenceAttempt counts one attempt and observes its latency.
// Rejected attempts never reached the service and are not timed.
func (m *Metrics) RecordInferenceAttempt(result string, seconds float64) {
	if m == nil {
		return
	}
	m.InferenceAttemptsTotal.WithLabelValues(result).Inc()
	if result != "rejected" && result != "throttled" {
		m.InferenceLatencySeconds.Observe(seconds)
	}
}

// RecordDenial counts a denied admission.
func (m *Metrics) RecordDenial(reason string) {
	if m == nil {
		return
	}
	m.RateLimitDenialsTotal.WithLabelValues(reason).Inc()
}

// RecordLimiterError counts a fail-open admission.
func (m *Metrics) RecordLimiterError(source string, _ error) {
	if m == nil {
		return
	}
	m.RateLimitErrorsTotal.WithLabelValues(source).Inc()
}

// RecordCacheLookup counts a hit or a miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordFallback counts a non-AI answer.
func (m *Metrics) RecordFallback(reason string) {
	if m == nil {
		return
	}
	m.FallbacksTotal.WithLabelValues(reason).Inc()
}

// RecordUsageWriteFailure counts a failed ledger append.
func (m *Metrics) RecordUsageWriteFailure() {
	if m == nil {
		return
	}
	m.UsageWriteFailuresTotal.Inc()
}

// ObserveBreaker has the signature of resilience.StateChangeFunc and is
// registered with resilience.WithStateChangeHook.
func (m *Metrics) ObserveBreaker(dependency string, _, to resilience.State) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(dependency).Set(float64(to))
	m.BreakerTransitionsTotal.WithLabelValues(dependency, to.String()).Inc()
}
