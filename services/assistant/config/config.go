// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the assistant service configuration.
//
// # Description
//
// Configuration is layered:
//
//  1. Built-in defaults (Default).
//  2. An optional YAML file. Durations are written as strings ("15s").
//  3. Environment variables with the ASSISTANT_ prefix, for example
//     ASSISTANT_INFERENCE_API_KEY or ASSISTANT_RATE_LIMIT_REDIS_URL.
//
// The merged result is validated with go-playground/validator. An invalid
// configuration is a startup error; nothing in the service tries to repair it.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/projecthub/pkg/logging"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "ASSISTANT"

// ErrInvalidConfig wraps every validation failure returned by Load.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete service configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server" envconfig:"SERVER"`
	Inference    InferenceConfig    `yaml:"inference" envconfig:"INFERENCE"`
	Embedding    EmbeddingConfig    `yaml:"embedding" envconfig:"EMBEDDING"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" envconfig:"ORCHESTRATOR"`
	Retry        RetryConfig        `yaml:"retry" envconfig:"RETRY"`
	Breaker      BreakerConfig      `yaml:"breaker" envconfig:"BREAKER"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	Cache        CacheConfig        `yaml:"cache" envconfig:"CACHE"`
	Context      ContextConfig      `yaml:"context" envconfig:"CONTEXT"`
	Storage      StorageConfig      `yaml:"storage" envconfig:"STORAGE"`
	Knowledge    KnowledgeConfig    `yaml:"knowledge" envconfig:"KNOWLEDGE"`
	Telemetry    TelemetryConfig    `yaml:"telemetry" envconfig:"TELEMETRY"`
	Logging      logging.Config     `yaml:"logging" envconfig:"LOGGING"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" envconfig:"ADDR" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
}

// InferenceConfig selects and tunes the external inference backend.
type InferenceConfig struct {
	// Backend is "openai" (any OpenAI-compatible API) or "http".
	Backend       string        `yaml:"backend" envconfig:"BACKEND" validate:"required,oneof=openai http"`
	BaseURL       string        `yaml:"base_url" envconfig:"BASE_URL" validate:"omitempty,url"`
	APIKey        string        `yaml:"api_key" envconfig:"API_KEY"`
	DefaultModel  string        `yaml:"default_model" envconfig:"DEFAULT_MODEL" validate:"required"`
	AllowedModels []string      `yaml:"allowed_models" envconfig:"ALLOWED_MODELS" validate:"dive,required"`
	Timeout       time.Duration `yaml:"timeout" envconfig:"TIMEOUT" validate:"gt=0"`
	// RequestsPerSecond smooths outbound calls. Zero disables smoothing.
	RequestsPerSecond float64 `yaml:"requests_per_second" envconfig:"REQUESTS_PER_SECOND" validate:"gte=0"`
	Burst             int     `yaml:"burst" envconfig:"BURST" validate:"gte=0"`
}

// EmbeddingConfig points at the embedding service. An empty BaseURL
// disables semantic ranking of fallback knowledge.
type EmbeddingConfig struct {
	BaseURL string        `yaml:"base_url" envconfig:"BASE_URL" validate:"omitempty,url"`
	Timeout time.Duration `yaml:"timeout" envconfig:"TIMEOUT" validate:"gt=0"`
}

// OrchestratorConfig holds the decision thresholds of the pipeline.
type OrchestratorConfig struct {
	MinConfidence    float64       `yaml:"min_confidence" envconfig:"MIN_CONFIDENCE" validate:"gte=0,lte=1"`
	ReviewConfidence float64       `yaml:"review_confidence" envconfig:"REVIEW_CONFIDENCE" validate:"gte=0,lte=1"`
	RequestDeadline  time.Duration `yaml:"request_deadline" envconfig:"REQUEST_DEADLINE" validate:"gt=0"`
	CoalesceMisses   bool          `yaml:"coalesce_misses" envconfig:"COALESCE_MISSES"`
	RecordTurns      bool          `yaml:"record_turns" envconfig:"RECORD_TURNS"`
}

// RetryConfig tunes the bounded retry loop around inference calls.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS" validate:"gte=1,lte=10"`
	InitialBackoff time.Duration `yaml:"initial_backoff" envconfig:"INITIAL_BACKOFF" validate:"gt=0"`
	MaxBackoff     time.Duration `yaml:"max_backoff" envconfig:"MAX_BACKOFF" validate:"gt=0"`
	BackoffFactor  float64       `yaml:"backoff_factor" envconfig:"BACKOFF_FACTOR" validate:"gte=1"`
	JitterFactor   float64       `yaml:"jitter_factor" envconfig:"JITTER_FACTOR" validate:"gte=0,lte=1"`
}

// BreakerConfig applies to every dependency breaker. Embedding adjusts it
// for the embedding service.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" envconfig:"FAILURE_THRESHOLD" validate:"gte=1"`
	MonitoringPeriod time.Duration `yaml:"monitoring_period" envconfig:"MONITORING_PERIOD" validate:"gt=0"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" envconfig:"RECOVERY_TIMEOUT" validate:"gt=0"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls" envconfig:"HALF_OPEN_MAX_CALLS" validate:"gte=1"`

	Embedding BreakerOverride `yaml:"embedding" envconfig:"EMBEDDING"`
}

// BreakerOverride replaces shared breaker settings for one dependency.
// Zero fields inherit.
type BreakerOverride struct {
	FailureThreshold int           `yaml:"failure_threshold" envconfig:"FAILURE_THRESHOLD" validate:"gte=0"`
	MonitoringPeriod time.Duration `yaml:"monitoring_period" envconfig:"MONITORING_PERIOD" validate:"gte=0"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" envconfig:"RECOVERY_TIMEOUT" validate:"gte=0"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls" envconfig:"HALF_OPEN_MAX_CALLS" validate:"gte=0"`
}

// Apply returns c with the non-zero fields of o. The result carries no
// overrides of its own.
func (c BreakerConfig) Apply(o BreakerOverride) BreakerConfig {
	out := c
	out.Embedding = BreakerOverride{}
	if o.FailureThreshold > 0 {
		out.FailureThreshold = o.FailureThreshold
	}
	if o.MonitoringPeriod > 0 {
		out.MonitoringPeriod = o.MonitoringPeriod
	}
	if o.RecoveryTimeout > 0 {
		out.RecoveryTimeout = o.RecoveryTimeout
	}
	if o.HalfOpenMaxCalls > 0 {
		out.HalfOpenMaxCalls = o.HalfOpenMaxCalls
	}
	return out
}

// RateLimitConfig controls admission.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute" envconfig:"PER_MINUTE" validate:"gte=1"`
	Monthly   int `yaml:"monthly" envconfig:"MONTHLY" validate:"gte=1"`
	// Backend is "memory" (single instance) or "redis" (shared windows).
	Backend       string        `yaml:"backend" envconfig:"BACKEND" validate:"required,oneof=memory redis"`
	RedisURL      string        `yaml:"redis_url" envconfig:"REDIS_URL" validate:"required_if=Backend redis"`
	QuotaCacheTTL time.Duration `yaml:"quota_cache_ttl" envconfig:"QUOTA_CACHE_TTL" validate:"gte=0"`
}

// CacheConfig sizes the response cache.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl" envconfig:"TTL" validate:"gt=0"`
	MaxEntries int           `yaml:"max_entries" envconfig:"MAX_ENTRIES" validate:"gte=1"`
}

// ContextConfig bounds what the context builder derives.
type ContextConfig struct {
	RecentMessages      int `yaml:"recent_messages" envconfig:"RECENT_MESSAGES" validate:"gte=1"`
	MaxTopics           int `yaml:"max_topics" envconfig:"MAX_TOPICS" validate:"gte=1"`
	MaxKeyTerms         int `yaml:"max_key_terms" envconfig:"MAX_KEY_TERMS" validate:"gte=1"`
	MaxQuestions        int `yaml:"max_questions" envconfig:"MAX_QUESTIONS" validate:"gte=0"`
	MaxSummaryChars     int `yaml:"max_summary_chars" envconfig:"MAX_SUMMARY_CHARS" validate:"gte=16"`
	MaxContextChars     int `yaml:"max_context_chars" envconfig:"MAX_CONTEXT_CHARS" validate:"gte=64"`
	ExpectedProjectDays int `yaml:"expected_project_days" envconfig:"EXPECTED_PROJECT_DAYS" validate:"gte=1"`
}

// StorageConfig locates the embedded stores.
type StorageConfig struct {
	// BadgerPath holds conversations. Ignored when InMemory is set.
	BadgerPath string `yaml:"badger_path" envconfig:"BADGER_PATH" validate:"required_without=InMemory"`
	InMemory   bool   `yaml:"in_memory" envconfig:"IN_MEMORY"`
	// UsageDBPath is the SQLite file of the usage ledger.
	UsageDBPath string `yaml:"usage_db_path" envconfig:"USAGE_DB_PATH" validate:"required"`
}

// KnowledgeConfig points at the fallback template file. Empty uses the
// built-in templates. With Watch set, edits to the file are picked up
// without a restart.
type KnowledgeConfig struct {
	TemplatesPath string        `yaml:"templates_path" envconfig:"TEMPLATES_PATH"`
	Watch         bool          `yaml:"watch" envconfig:"WATCH"`
	Debounce      time.Duration `yaml:"debounce" envconfig:"DEBOUNCE" validate:"gte=0"`
}

// TelemetryConfig configures trace and OTel metric export.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name" envconfig:"SERVICE_NAME" validate:"required"`
	Environment    string `yaml:"environment" envconfig:"ENVIRONMENT"`
	TraceExporter  string `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER" validate:"oneof=otlp stdout none"`
	MetricExporter string `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER" validate:"oneof=prometheus stdout none"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" envconfig:"OTLP_ENDPOINT"`
	OTLPInsecure   bool   `yaml:"otlp_insecure" envconfig:"OTLP_INSECURE"`
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Inference: InferenceConfig{
			Backend:           "openai",
			DefaultModel:      "gpt-4o-mini",
			AllowedModels:     []string{"gpt-4o-mini", "gpt-4o"},
			Timeout:           15 * time.Second,
			RequestsPerSecond: 5,
			Burst:             10,
		},
		Embedding: EmbeddingConfig{
			Timeout: 5 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			MinConfidence:    0.4,
			ReviewConfidence: 0.6,
			RequestDeadline:  20 * time.Second,
			RecordTurns:      true,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     4 * time.Second,
			BackoffFactor:  2.0,
			JitterFactor:   0.2,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			MonitoringPeriod: 60 * time.Second,
			RecoveryTimeout:  30 * time.Second,
			HalfOpenMaxCalls: 1,
			// embedding only improves fallback ranking, so give up on it sooner
			Embedding: BreakerOverride{
				FailureThreshold: 3,
				RecoveryTimeout:  60 * time.Second,
			},
		},
		RateLimit: RateLimitConfig{
			PerMinute:     10,
			Monthly:       1000,
			Backend:       "memory",
			QuotaCacheTTL: 10 * time.Second,
		},
		Cache: CacheConfig{
			TTL:        time.Hour,
			MaxEntries: 1000,
		},
		Context: ContextConfig{
			RecentMessages:      10,
			MaxTopics:           5,
			MaxKeyTerms:         10,
			MaxQuestions:        3,
			MaxSummaryChars:     500,
			MaxContextChars:     2000,
			ExpectedProjectDays: 120,
		},
		Storage: StorageConfig{
			BadgerPath:  "data/conversations",
			UsageDBPath: "data/usage.db",
		},
		Knowledge: KnowledgeConfig{
			Watch:    true,
			Debounce: 200 * time.Millisecond,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "projecthub-assistant",
			Environment:    "development",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
			OTLPInsecure:   true,
		},
		Logging: logging.Config{
			Level:   "info",
			JSON:    true,
			Service: "assistant",
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load builds the configuration from defaults, the optional YAML file at
// path, and the environment, then validates it.
//
// # Inputs
//
//   - path: YAML file. Empty skips the file layer. A missing file is an error.
//
// # Outputs
//
//   - Config: The merged, validated configuration.
//   - error: Read, parse, env or validation failure. Validation failures
//     wrap ErrInvalidConfig.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("apply environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and the cross-field rules the struct
// tags cannot express.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		return fmt.Errorf("%w: retry.max_backoff %s is below retry.initial_backoff %s",
			ErrInvalidConfig, c.Retry.MaxBackoff, c.Retry.InitialBackoff)
	}
	if c.Orchestrator.ReviewConfidence < c.Orchestrator.MinConfidence {
		return fmt.Errorf("%w: orchestrator.review_confidence must be >= min_confidence", ErrInvalidConfig)
	}
	if len(c.Inference.AllowedModels) > 0 && !c.ModelAllowed(c.Inference.DefaultModel) {
		return fmt.Errorf("%w: default model %q is not in allowed_models", ErrInvalidConfig, c.Inference.DefaultModel)
	}
	if c.Inference.Backend == "http" && c.Inference.BaseURL == "" {
		return fmt.Errorf("%w: inference.base_url is required for the http backend", ErrInvalidConfig)
	}
	return nil
}

// ModelAllowed reports whether model may be requested by callers. An empty
// allow list permits only the default model.
func (c Config) ModelAllowed(model string) bool {
	if len(c.Inference.AllowedModels) == 0 {
		return model == c.Inference.DefaultModel
	}
	for _, m := range c.Inference.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}
