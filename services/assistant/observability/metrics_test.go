// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/AleutianAI/projecthub/services/assistant/resilience"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return NewMetrics(prometheus.NewRegistry())
}

func TestRecordRequest(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordRequest("ai_answer")
	m.RecordRequest("ai_answer")
	m.RecordRequest("fallback")

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("ai_answer")); got != 2 {
		t.Errorf("ai_answer = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("fallback")); got != 1 {
		t.Errorf("fallback = %v, want 1", got)
	}
}

func TestRecordInferenceAttempt(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordInferenceAttempt("success", 0.4)
	m.RecordInferenceAttempt("error", 15)
	m.RecordInferenceAttempt("rejected", 0)
	m.RecordInferenceAttempt("throttled", 0)

	if got := testutil.ToFloat64(m.InferenceAttemptsTotal.WithLabelValues("rejected")); got != 1 {
		t.Errorf("rejected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.InferenceAttemptsTotal.WithLabelValues("throttled")); got != 1 {
		t.Errorf("throttled = %v, want 1", got)
	}
	// rejected attempts are not timed
	if got := testutil.CollectAndCount(m.InferenceLatencySeconds); got != 1 {
		t.Errorf("latency series = %d, want 1", got)
	}
}

func TestCacheDenialFallbackCounters(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordCacheLookup(true)
	m.RecordCacheLookup(false)
	m.RecordCacheLookup(false)
	m.RecordDenial("minute_limit")
	m.RecordLimiterError("quota", errors.New("db down"))
	m.RecordFallback("circuit_open")
	m.RecordUsageWriteFailure()

	if got := testutil.ToFloat64(m.CacheLookupsTotal.WithLabelValues("miss")); got != 2 {
		t.Errorf("miss = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RateLimitDenialsTotal.WithLabelValues("minute_limit")); got != 1 {
		t.Errorf("denials = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RateLimitErrorsTotal.WithLabelValues("quota")); got != 1 {
		t.Errorf("limiter errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.FallbacksTotal.WithLabelValues("circuit_open")); got != 1 {
		t.Errorf("fallbacks = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.UsageWriteFailuresTotal); got != 1 {
		t.Errorf("usage failures = %v, want 1", got)
	}
}

func TestObserveBreaker_ThroughRegistryHook(t *testing.T) {
	m := newTestMetrics(t)
	reg := resilience.NewRegistry(resilience.BreakerConfig{FailureThreshold: 1},
		resilience.WithStateChangeHook(m.ObserveBreaker))

	done, err := reg.Get(resilience.DependencyInference).Allow()
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	done(errors.New("boom"))

	if got := testutil.ToFloat64(m.BreakerState.WithLabelValues("inference")); got != 1 {
		t.Errorf("breaker_state = %v, want 1 (open)", got)
	}
	if got := testutil.ToFloat64(m.BreakerTransitionsTotal.WithLabelValues("inference", "OPEN")); got != 1 {
		t.Errorf("transitions to OPEN = %v, want 1", got)
	}
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	m.RecordRequest("x")
	m.RecordInferenceAttempt("success", 1)
	m.RecordDenial("x")
	m.RecordLimiterError("x", nil)
	m.RecordCacheLookup(true)
	m.RecordFallback("x")
	m.RecordUsageWriteFailure()
	m.ObserveBreaker("x", resilience.StateClosed, resilience.StateOpen)
}
