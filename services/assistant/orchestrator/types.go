// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/AleutianAI/projecthub/services/assistant/conversation"
	"github.com/AleutianAI/projecthub/services/assistant/ratelimit"
	"github.com/AleutianAI/projecthub/services/assistant/resilience"
	"github.com/AleutianAI/projecthub/services/assistant/usage"
)

var (
	// ErrEmptyQuery is returned by Ask for blank questions.
	ErrEmptyQuery = errors.New("query must not be empty")

	// ErrModelNotAllowed is returned by Ask when the requested model is not
	// in the allow list.
	ErrModelNotAllowed = errors.New("model not allowed")

	// errMissingDependency is returned by New.
	errMissingDependency = errors.New("orchestrator: missing dependency")
)

// Outcome is the terminal state of one Ask.
type Outcome string

const (
	OutcomeAIAnswer      Outcome = "ai_answer"
	OutcomeCached        Outcome = "cached"
	OutcomeFallback      Outcome = "fallback"
	OutcomeLowConfidence Outcome = "low_confidence"
	OutcomeRateLimited   Outcome = "rate_limited"
)

// Fallback reasons, also used as metric labels.
const (
	ReasonCircuitOpen      = "circuit_open"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonDependencyError  = "dependency_error"
	ReasonDeadline         = "deadline_exceeded"
	ReasonLowConfidence    = "low_confidence"
)

// languagePreference is the conversation preference holding the answer
// language.
const languagePreference = "language"

// DefaultLanguage is reported when neither the request nor the
// conversation preferences name one.
const DefaultLanguage = "en"

// Request is one question.
type Request struct {
	Query          string `json:"query" binding:"required"`
	ConversationID string `json:"conversation_id,omitempty"`
	CallerID       string `json:"caller_id,omitempty"`
	// Model overrides the default model; it must be allowed.
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`
}

// Metadata describes how an answer was produced.
type Metadata struct {
	ProcessingTimeMs    int64  `json:"processing_time_ms"`
	Model               string `json:"model"`
	Language            string `json:"language"`
	RequiresHumanReview bool   `json:"requires_human_review"`
	ContextUsed         bool   `json:"context_used"`
	Cached              bool   `json:"cached"`
	Attempts            int    `json:"attempts"`
}

// Answer is the caller-facing response. Response is never empty, and
// EscalationSuggestion is set whenever FromAI is false.
type Answer struct {
	Response             string   `json:"response"`
	FromAI               bool     `json:"from_ai"`
	ConfidenceScore      float64  `json:"confidence_score"`
	Sources              []string `json:"sources"`
	Metadata             Metadata `json:"metadata"`
	EscalationSuggestion string   `json:"escalation_suggestion,omitempty"`
	SuggestedFollowUps   []string `json:"suggested_follow_ups,omitempty"`
}

// Denial tells a rate-limited caller when to come back.
type Denial struct {
	RemainingRequests int       `json:"remaining_requests"`
	ResetTime         time.Time `json:"reset_time"`
	Reason            string    `json:"reason"`
	MonthlyUsage      int64     `json:"monthly_usage"`
	MonthlyLimit      int       `json:"monthly_limit"`
}

// Result is exactly one of an Answer or a Denial.
type Result struct {
	Outcome Outcome `json:"outcome"`
	Answer  *Answer `json:"answer,omitempty"`
	Denial  *Denial `json:"denial,omitempty"`
	// FallbackReason is set for OutcomeFallback and OutcomeLowConfidence.
	FallbackReason string `json:"fallback_reason,omitempty"`
}

// Config holds the decision thresholds.
type Config struct {
	DefaultModel     string
	AllowedModels    []string
	MinConfidence    float64
	ReviewConfidence float64
	// RequestDeadline is the soft budget of one Ask. It is checked before
	// every inference attempt and before every backoff wait; an attempt
	// already running is bounded by AttemptTimeout instead.
	RequestDeadline time.Duration
	AttemptTimeout  time.Duration
	MaxContextChars int
	CoalesceMisses  bool
	RecordTurns     bool
	Retry           resilience.RetryConfig
}

// DefaultConfig mirrors the service defaults.
func DefaultConfig() Config {
	return Config{
		DefaultModel:     "gpt-4o-mini",
		AllowedModels:    []string{"gpt-4o-mini", "gpt-4o"},
		MinConfidence:    0.4,
		ReviewConfidence: 0.6,
		RequestDeadline:  20 * time.Second,
		AttemptTimeout:   15 * time.Second,
		MaxContextChars:  2000,
		RecordTurns:      true,
		Retry:            resilience.DefaultRetryConfig(),
	}
}

// Admitter is the admission controller. *ratelimit.Limiter satisfies it.
type Admitter interface {
	CheckAndConsume(ctx context.Context, callerID string) ratelimit.Decision
	RecordSuccess(callerID string)
}

// ContextBuilder derives conversation contexts and stores caller
// preferences. *conversation.Builder satisfies it.
type ContextBuilder interface {
	Build(ctx context.Context, conversationID string) (*conversation.Context, error)
	SetPreference(ctx context.Context, conversationID, key, value string) error
}

// Throttle paces outbound inference calls. *inference.Throttle satisfies it.
type Throttle interface {
	Wait(ctx context.Context) error
}

// ConversationWriter records turns and archives conversations.
// conversation.Store satisfies it.
type ConversationWriter interface {
	AppendMessage(ctx context.Context, msg *conversation.Message) error
	Archive(ctx context.Context, conversationID string) error
}

// UsageWriter appends usage records. usage.Ledger satisfies it.
type UsageWriter interface {
	Append(ctx context.Context, rec *usage.Record) error
}
