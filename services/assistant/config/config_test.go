// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "assistant.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.RateLimit.PerMinute)
	assert.Equal(t, 1000, cfg.RateLimit.Monthly)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.RecoveryTimeout)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 0.4, cfg.Orchestrator.MinConfidence)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeYAML(t, `
rate_limit:
  per_minute: 20
  backend: memory
breaker:
  recovery_timeout: 45s
cache:
  ttl: 10m
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.RateLimit.PerMinute)
	assert.Equal(t, 45*time.Second, cfg.Breaker.RecoveryTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL)
	// untouched sections keep defaults
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeYAML(t, "rate_limit:\n  per_minute: 20\n")
	t.Setenv("ASSISTANT_RATE_LIMIT_PER_MINUTE", "7")
	t.Setenv("ASSISTANT_INFERENCE_API_KEY", "sk-test")
	t.Setenv("ASSISTANT_CACHE_TTL", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.RateLimit.PerMinute)
	assert.Equal(t, "sk-test", cfg.Inference.APIKey)
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL)
}

func TestLoad_EmbeddingBreakerOverride(t *testing.T) {
	path := writeYAML(t, `
breaker:
  failure_threshold: 8
  embedding:
    failure_threshold: 2
knowledge:
  watch: false
  debounce: 1s
`)
	t.Setenv("ASSISTANT_BREAKER_EMBEDDING_RECOVERY_TIMEOUT", "2m")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Breaker.Embedding.FailureThreshold)
	assert.Equal(t, 2*time.Minute, cfg.Breaker.Embedding.RecoveryTimeout)
	assert.False(t, cfg.Knowledge.Watch)
	assert.Equal(t, time.Second, cfg.Knowledge.Debounce)

	emb := cfg.Breaker.Apply(cfg.Breaker.Embedding)
	assert.Equal(t, 2, emb.FailureThreshold)
	assert.Equal(t, 2*time.Minute, emb.RecoveryTimeout)
	// unset override fields inherit the shared settings
	assert.Equal(t, cfg.Breaker.MonitoringPeriod, emb.MonitoringPeriod)
	assert.Equal(t, cfg.Breaker.HalfOpenMaxCalls, emb.HalfOpenMaxCalls)
	assert.Equal(t, BreakerOverride{}, emb.Embedding)
	assert.Equal(t, 8, cfg.Breaker.FailureThreshold)
}

func TestDefault_KnowledgeWatchAndEmbeddingBreaker(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.Knowledge.Watch)
	assert.Equal(t, 200*time.Millisecond, cfg.Knowledge.Debounce)
	assert.Equal(t, 3, cfg.Breaker.Apply(cfg.Breaker.Embedding).FailureThreshold)
	assert.Equal(t, cfg.Breaker.FailureThreshold, cfg.Breaker.Apply(BreakerOverride{}).FailureThreshold)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero per minute", "rate_limit:\n  per_minute: 0\n"},
		{"unknown backend", "rate_limit:\n  backend: memcached\n"},
		{"redis without url", "rate_limit:\n  backend: redis\n"},
		{"confidence above one", "orchestrator:\n  min_confidence: 1.5\n"},
		{"backoff cap below initial", "retry:\n  initial_backoff: 2s\n  max_backoff: 1s\n"},
		{"default model not allowed", "inference:\n  default_model: other\n"},
		{"http backend without url", "inference:\n  backend: http\n"},
		{"review below min", "orchestrator:\n  min_confidence: 0.5\n  review_confidence: 0.3\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeYAML(t, tt.body))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestModelAllowed(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.ModelAllowed("gpt-4o"))
	assert.False(t, cfg.ModelAllowed("gpt-2"))

	cfg.Inference.AllowedModels = nil
	assert.True(t, cfg.ModelAllowed(cfg.Inference.DefaultModel))
	assert.False(t, cfg.ModelAllowed("gpt-4o"))
}
