// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator turns a student question into an answer.
//
// # Description
//
// Ask runs a fixed sequence of stages:
//
//  1. Admission through the rate limiter. A denial ends the request.
//  2. Context build and cache lookup. A hit ends the request.
//  3. Inference through the "inference" breaker, one breaker call per attempt.
//  4. Bounded retry with exponential backoff for transient failures.
//  5. Fallback from the knowledge provider when no answer was obtained.
//  6. Confidence gate. Low-confidence answers are replaced by a fallback.
//  7. Commit of usage records, cache entry and conversation turns.
//
// The orchestrator is the error boundary. Dependency failures never reach
// the caller; they show up as fallback answers with FromAI false. Only
// invalid input returns an error, and a rate-limit denial is a Result
// with a Denial.
//
// # Thread Safety
//
// Orchestrator is safe for concurrent use.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/projecthub/services/assistant/cache"
	"github.com/AleutianAI/projecthub/services/assistant/conversation"
	"github.com/AleutianAI/projecthub/services/assistant/inference"
	"github.com/AleutianAI/projecthub/services/assistant/knowledge"
	"github.com/AleutianAI/projecthub/services/assistant/observability"
	"github.com/AleutianAI/projecthub/services/assistant/resilience"
	"github.com/AleutianAI/projecthub/services/assistant/telemetry"
	"github.com/AleutianAI/projecthub/services/assistant/usage"
)

const instrumentationName = "projecthub.assistant.orchestrator"

var tracer = otel.Tracer(instrumentationName)

// maxErrorMessage bounds ErrorMessage in usage records.
const maxErrorMessage = 500

// Dependencies are the collaborators of an Orchestrator. Throttle, Metrics
// and Logger are optional.
type Dependencies struct {
	Limiter   Admitter
	Builder   ContextBuilder
	Store     ConversationWriter
	Cache     *cache.ResponseCache
	Breakers  *resilience.Registry
	Inference inference.Client
	Throttle  Throttle
	Knowledge knowledge.Provider
	Usage     UsageWriter
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// Orchestrator runs the answer pipeline.
type Orchestrator struct {
	cfg      Config
	deps     Dependencies
	logger   *slog.Logger
	now      func() time.Time
	duration metric.Float64Histogram
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces time.Now for timestamps and latencies.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator.
//
// # Outputs
//
//   - error: A required dependency is nil or the retry config is invalid.
func New(cfg Config, deps Dependencies, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Limiter == nil:
		return nil, fmt.Errorf("%w: limiter", errMissingDependency)
	case deps.Builder == nil:
		return nil, fmt.Errorf("%w: context builder", errMissingDependency)
	case deps.Store == nil:
		return nil, fmt.Errorf("%w: conversation store", errMissingDependency)
	case deps.Cache == nil:
		return nil, fmt.Errorf("%w: cache", errMissingDependency)
	case deps.Breakers == nil:
		return nil, fmt.Errorf("%w: breaker registry", errMissingDependency)
	case deps.Inference == nil:
		return nil, fmt.Errorf("%w: inference client", errMissingDependency)
	case deps.Knowledge == nil:
		return nil, fmt.Errorf("%w: knowledge provider", errMissingDependency)
	case deps.Usage == nil:
		return nil, fmt.Errorf("%w: usage ledger", errMissingDependency)
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	duration, err := otel.Meter(instrumentationName).Float64Histogram(
		"assistant.ask.duration",
		metric.WithUnit("s"),
		metric.WithDescription("End-to-end duration of Ask by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}

	o := &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		now:      time.Now,
		duration: duration,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// modelAllowed reports whether model may be requested. An empty allow list
// permits only the default model.
func (o *Orchestrator) modelAllowed(model string) bool {
	if model == o.cfg.DefaultModel {
		return true
	}
	for _, m := range o.cfg.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// request carries the per-Ask state through the stages.
type request struct {
	Request
	query       string
	model       string
	start       time.Time
	convCtx     *conversation.Context
	contextUsed bool
	fingerprint string
	logger      *slog.Logger
}

// archived reports whether the conversation was archived when its context
// was built. Archived conversations still get answers but are not written to.
func (r *request) archived() bool {
	return r.convCtx != nil && r.convCtx.Archived
}

// Ask answers one question.
//
// # Outputs
//
//   - *Result: Always set when error is nil.
//   - error: ErrEmptyQuery or ErrModelNotAllowed. Dependency failures never
//     produce an error.
func (o *Orchestrator) Ask(ctx context.Context, req Request) (*Result, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	model := req.Model
	if model == "" {
		model = o.cfg.DefaultModel
	}
	if !o.modelAllowed(model) {
		return nil, fmt.Errorf("%w: %s", ErrModelNotAllowed, model)
	}

	ctx, span := tracer.Start(ctx, "orchestrator.Ask")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", req.ConversationID),
		attribute.Bool("caller.anonymous", req.CallerID == ""),
		attribute.String("model", model),
	)

	r := &request{
		Request: req,
		query:   query,
		model:   model,
		start:   o.now(),
		logger: telemetry.LoggerWithTrace(ctx, o.logger).With(
			slog.String("conversation_id", req.ConversationID)),
	}

	result := o.run(ctx, r)

	o.deps.Metrics.RecordRequest(string(result.Outcome))
	o.duration.Record(ctx, o.now().Sub(r.start).Seconds(),
		metric.WithAttributes(attribute.String("outcome", string(result.Outcome))))
	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
	if result.Answer != nil {
		span.SetAttributes(
			attribute.Bool("from_ai", result.Answer.FromAI),
			attribute.Int("attempts", result.Answer.Metadata.Attempts),
			attribute.Bool("context_used", result.Answer.Metadata.ContextUsed),
		)
	}
	if result.FallbackReason != "" {
		span.SetAttributes(attribute.String("fallback.reason", result.FallbackReason))
	}
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, r *request) *Result {
	// 1. admission
	d := o.deps.Limiter.CheckAndConsume(ctx, r.CallerID)
	if !d.Allowed {
		o.deps.Metrics.RecordDenial(d.Reason)
		r.logger.Info("request denied by rate limiter",
			slog.String("reason", d.Reason),
			slog.Time("reset_time", d.ResetTime()))
		return &Result{
			Outcome: OutcomeRateLimited,
			Denial: &Denial{
				RemainingRequests: d.RemainingInWindow,
				ResetTime:         d.ResetTime(),
				Reason:            d.Reason,
				MonthlyUsage:      d.MonthlyUsage,
				MonthlyLimit:      d.MonthlyLimit,
			},
		}
	}

	// 2. context and cache
	o.loadContext(ctx, r)
	if payload, ok := o.deps.Cache.Get(r.query, r.fingerprint, r.model); ok {
		o.deps.Metrics.RecordCacheLookup(true)
		return o.commitCached(ctx, r, payload)
	}
	o.deps.Metrics.RecordCacheLookup(false)

	// 3-4. guarded, retried inference
	out := o.infer(ctx, r)
	if out.err != nil {
		reason := o.fallbackReason(out)
		r.logger.Warn("inference unavailable, serving fallback",
			slog.String("reason", reason),
			slog.Int("attempts", out.attempts),
			slog.String("error", out.err.Error()))
		// 5. fallback
		return o.commitFallback(ctx, r, OutcomeFallback, reason, out.attempts, 0)
	}

	// 6. confidence gate
	if out.resp.Confidence < o.cfg.MinConfidence {
		r.logger.Info("answer below confidence threshold, serving fallback",
			slog.Float64("confidence", out.resp.Confidence),
			slog.Float64("threshold", o.cfg.MinConfidence))
		return o.commitFallback(ctx, r, OutcomeLowConfidence, ReasonLowConfidence, out.attempts, out.resp.Confidence)
	}

	// 7. commit
	return o.commitAnswer(ctx, r, out)
}

// loadContext builds the conversation context. Any failure degrades to an
// empty context.
func (o *Orchestrator) loadContext(ctx context.Context, r *request) {
	if r.ConversationID != "" {
		c, err := o.deps.Builder.Build(ctx, r.ConversationID)
		switch {
		case err == nil:
			r.convCtx = c
			r.contextUsed = !c.Empty()
			o.rememberLanguage(ctx, r)
		case errors.Is(err, conversation.ErrConversationNotFound):
		default:
			r.logger.Warn("context build failed, continuing without context",
				slog.String("error", err.Error()))
		}
	}
	r.fingerprint = r.convCtx.Fingerprint()
}

// rememberLanguage stores a requested language as the conversation's
// preference so later requests without one keep it. The built context is
// updated too, so this request's fingerprint already reflects it.
func (o *Orchestrator) rememberLanguage(ctx context.Context, r *request) {
	if r.Language == "" || r.archived() || r.convCtx.Preferences[languagePreference] == r.Language {
		return
	}
	if err := o.deps.Builder.SetPreference(ctx, r.ConversationID, languagePreference, r.Language); err != nil {
		r.logger.Warn("storing language preference failed", slog.String("error", err.Error()))
		return
	}
	prefs := make(map[string]string, len(r.convCtx.Preferences)+1)
	for k, v := range r.convCtx.Preferences {
		prefs[k] = v
	}
	prefs[languagePreference] = r.Language
	r.convCtx.Preferences = prefs
}

func (o *Orchestrator) language(r *request) string {
	if r.Language != "" {
		return r.Language
	}
	if r.convCtx != nil {
		if l := r.convCtx.Preferences[languagePreference]; l != "" {
			return l
		}
	}
	return DefaultLanguage
}

// category picks the knowledge template for a fallback: the question's
// own topic first, then the conversation's leading topic.
func (o *Orchestrator) category(r *request) string {
	if c := conversation.PrimaryTopic(r.query); c != "" {
		return c
	}
	if r.convCtx != nil && len(r.convCtx.RecentTopics) > 0 {
		return r.convCtx.RecentTopics[0]
	}
	return ""
}

func (o *Orchestrator) needsReview(fromAI bool, confidence float64) bool {
	return !fromAI || confidence < o.cfg.ReviewConfidence
}

func (o *Orchestrator) metadata(r *request, model string, attempts int) Metadata {
	return Metadata{
		ProcessingTimeMs: o.now().Sub(r.start).Milliseconds(),
		Model:            model,
		Language:         o.language(r),
		ContextUsed:      r.contextUsed,
		Attempts:         attempts,
	}
}

func (o *Orchestrator) commitCached(ctx context.Context, r *request, p cache.Payload) *Result {
	md := o.metadata(r, p.Model, 0)
	md.Cached = true
	md.RequiresHumanReview = o.needsReview(true, p.Confidence)
	if p.Language != "" {
		md.Language = p.Language
	}
	ans := &Answer{
		Response:           p.Response,
		FromAI:             true,
		ConfidenceScore:    p.Confidence,
		Sources:            nonNil(p.Sources),
		Metadata:           md,
		SuggestedFollowUps: p.SuggestedFollowUps,
	}

	rec := o.newRecord(r, usage.EndpointCache)
	rec.Model = p.Model
	rec.Success = true
	rec.ResponseTimeMs = md.ProcessingTimeMs
	o.appendUsage(ctx, rec)
	o.recordTurn(ctx, r, ans)
	return &Result{Outcome: OutcomeCached, Answer: ans}
}

func (o *Orchestrator) commitAnswer(ctx context.Context, r *request, out inferenceOutcome) *Result {
	model := out.resp.Model
	if model == "" {
		model = r.model
	}
	md := o.metadata(r, model, out.attempts)
	md.RequiresHumanReview = o.needsReview(true, out.resp.Confidence)
	ans := &Answer{
		Response:        out.resp.Answer,
		FromAI:          true,
		ConfidenceScore: out.resp.Confidence,
		Sources:         []string{},
		Metadata:        md,
	}

	// keyed by the requested model so later lookups for it hit
	if !r.archived() {
		o.deps.Cache.Set(r.ConversationID, r.query, r.fingerprint, r.model, cache.Payload{
			Response:   ans.Response,
			Confidence: ans.ConfidenceScore,
			Model:      model,
			Language:   md.Language,
			Sources:    ans.Sources,
		})
	}
	o.recordTurn(ctx, r, ans)
	return &Result{Outcome: OutcomeAIAnswer, Answer: ans}
}

// commitFallback builds the non-AI answer. confidence is the rejected AI
// score for low-confidence fallbacks and zero otherwise.
func (o *Orchestrator) commitFallback(ctx context.Context, r *request, outcome Outcome, reason string, attempts int, confidence float64) *Result {
	o.deps.Metrics.RecordFallback(reason)

	// ranking may call the embedding service; keep it inside the request
	// budget so the degraded path stays fast
	budget, cancel := o.budget(ctx, r)
	fb := o.deps.Knowledge.GetFallback(budget, o.category(r), r.query)
	cancel()
	md := o.metadata(r, r.model, attempts)
	md.RequiresHumanReview = true
	ans := &Answer{
		Response:             fb.Text,
		FromAI:               false,
		ConfidenceScore:      confidence,
		Sources:              nonNil(fb.Sources),
		Metadata:             md,
		EscalationSuggestion: fb.EscalationSuggestion,
		SuggestedFollowUps:   fb.SuggestedFollowUps,
	}
	if strings.TrimSpace(ans.Response) == "" {
		ans.Response = "The assistant cannot answer this question right now."
	}
	if strings.TrimSpace(ans.EscalationSuggestion) == "" {
		ans.EscalationSuggestion = "Contact your supervisor."
	}

	// attempts already wrote their own rows
	if attempts == 0 {
		rec := o.newRecord(r, usage.EndpointFallback)
		rec.Model = r.model
		rec.Success = false
		rec.ErrorMessage = reason
		rec.ResponseTimeMs = md.ProcessingTimeMs
		o.appendUsage(ctx, rec)
	}
	o.recordTurn(ctx, r, ans)
	return &Result{Outcome: outcome, Answer: ans, FallbackReason: reason}
}

func (o *Orchestrator) fallbackReason(out inferenceOutcome) string {
	switch {
	case errors.Is(out.err, resilience.ErrCircuitOpen):
		return ReasonCircuitOpen
	case out.deadline:
		return ReasonDeadline
	case !resilience.IsRetryable(out.err):
		return ReasonDependencyError
	default:
		return ReasonRetriesExhausted
	}
}

func (o *Orchestrator) newRecord(r *request, endpoint string) *usage.Record {
	rec := usage.NewRecord(endpoint, o.now())
	rec.CallerID = r.CallerID
	rec.ConversationID = r.ConversationID
	return rec
}

// appendUsage writes a ledger row. Failures are logged and counted, never
// returned.
func (o *Orchestrator) appendUsage(ctx context.Context, rec *usage.Record) {
	// the row must survive a caller that already went away
	ctx = context.WithoutCancel(ctx)
	if err := o.deps.Usage.Append(ctx, rec); err != nil {
		o.deps.Metrics.RecordUsageWriteFailure()
		o.logger.Error("usage record write failed",
			slog.String("endpoint", rec.Endpoint),
			slog.String("conversation_id", rec.ConversationID),
			slog.String("error", err.Error()))
	}
}

// recordTurn appends the question and the answer to the conversation
// history. Best effort.
func (o *Orchestrator) recordTurn(ctx context.Context, r *request, ans *Answer) {
	if !o.cfg.RecordTurns || r.ConversationID == "" || r.archived() {
		return
	}
	ctx = context.WithoutCancel(ctx)
	msgs := []*conversation.Message{
		{ConversationID: r.ConversationID, Role: conversation.RoleUser, Content: r.query},
		{ConversationID: r.ConversationID, Role: conversation.RoleAssistant, Content: ans.Response, FromAI: ans.FromAI},
	}
	for _, m := range msgs {
		if err := o.deps.Store.AppendMessage(ctx, m); err != nil {
			r.logger.Warn("recording conversation turn failed", slog.String("error", err.Error()))
			return
		}
	}
}

// InvalidateConversation drops every cached answer of conversationID and
// returns how many were dropped.
func (o *Orchestrator) InvalidateConversation(ctx context.Context, conversationID string) int {
	_, span := tracer.Start(ctx, "orchestrator.InvalidateConversation")
	defer span.End()
	n := o.deps.Cache.Invalidate(conversationID)
	span.SetAttributes(attribute.String("conversation.id", conversationID), attribute.Int("cache.removed", n))
	return n
}

// ClearCache drops every cached answer and returns how many were dropped.
func (o *Orchestrator) ClearCache(ctx context.Context) int {
	_, span := tracer.Start(ctx, "orchestrator.ClearCache")
	defer span.End()
	n := o.deps.Cache.Clear()
	span.SetAttributes(attribute.Int("cache.removed", n))
	o.logger.Info("response cache cleared", slog.Int("removed", n))
	return n
}

// ArchiveConversation archives conversationID and drops its cached answers.
func (o *Orchestrator) ArchiveConversation(ctx context.Context, conversationID string) error {
	ctx, span := tracer.Start(ctx, "orchestrator.ArchiveConversation")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", conversationID))

	if err := o.deps.Store.Archive(ctx, conversationID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "archive failed")
		return err
	}
	o.deps.Cache.Invalidate(conversationID)
	return nil
}

// RebuildContext forces a context rebuild and drops the cached answers of
// the conversation.
func (o *Orchestrator) RebuildContext(ctx context.Context, conversationID string) (*conversation.Context, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.RebuildContext")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", conversationID))

	c, err := o.deps.Builder.Build(ctx, conversationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rebuild failed")
		return nil, err
	}
	o.deps.Cache.Invalidate(conversationID)
	return c, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func truncateError(err error) string {
	return conversation.Truncate(err.Error(), maxErrorMessage)
}
