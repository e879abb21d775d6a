// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/projecthub/services/assistant/conversation"
	"github.com/AleutianAI/projecthub/services/assistant/middleware"
	"github.com/AleutianAI/projecthub/services/assistant/orchestrator"
	"github.com/AleutianAI/projecthub/services/assistant/resilience"
	"github.com/AleutianAI/projecthub/services/assistant/usage"
)

// Assistant is the orchestrator surface used by the handlers.
// *orchestrator.Orchestrator satisfies it.
type Assistant interface {
	Ask(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
	InvalidateConversation(ctx context.Context, conversationID string) int
	ArchiveConversation(ctx context.Context, conversationID string) error
	RebuildContext(ctx context.Context, conversationID string) (*conversation.Context, error)
	ClearCache(ctx context.Context) int
}

// UsageReporter reads the usage ledger. usage.Ledger satisfies it.
type UsageReporter interface {
	Summarize(ctx context.Context, since time.Time, callerID string) (usage.Summary, error)
	Count(ctx context.Context, f usage.Filter) (int64, error)
	List(ctx context.Context, f usage.Filter) ([]usage.Record, error)
}

// BreakerReporter lists and resets breakers. *resilience.Registry
// satisfies it.
type BreakerReporter interface {
	Snapshot() []resilience.BreakerStats
	ResetAll()
}

// AskResponse is the body of a successful ask.
type AskResponse struct {
	orchestrator.Answer
	Outcome        orchestrator.Outcome `json:"outcome"`
	FallbackReason string               `json:"fallback_reason,omitempty"`
}

// RateLimitResponse is the 429 body.
type RateLimitResponse struct {
	Error string `json:"error"`
	orchestrator.Denial
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleAsk answers one question.
//
// # Description
//
// The caller id resolved by middleware.CallerMiddleware takes precedence
// over caller_id in the body. Responses:
//
//   - 200: AskResponse, including fallback answers.
//   - 400: Malformed body, blank query, or a model outside the allow list.
//   - 429: RateLimitResponse with a Retry-After header in whole seconds.
func HandleAsk(a Assistant, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req orchestrator.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		if id := middleware.GetCallerID(c); id != "" {
			req.CallerID = id
		}

		res, err := a.Ask(c.Request.Context(), req)
		switch {
		case errors.Is(err, orchestrator.ErrEmptyQuery), errors.Is(err, orchestrator.ErrModelNotAllowed):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		case err != nil:
			logger.Error("ask failed", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		if res.Denial != nil {
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(res.Denial.ResetTime, time.Now())))
			c.JSON(http.StatusTooManyRequests, RateLimitResponse{
				Error:  "rate limit exceeded",
				Denial: *res.Denial,
			})
			return
		}

		c.JSON(http.StatusOK, AskResponse{
			Answer:         *res.Answer,
			Outcome:        res.Outcome,
			FallbackReason: res.FallbackReason,
		})
	}
}

// retryAfterSeconds rounds up and never returns less than one second.
func retryAfterSeconds(reset, now time.Time) int {
	secs := int(math.Ceil(reset.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// HandleArchiveConversation archives a conversation and drops its cached
// answers.
func HandleArchiveConversation(a Assistant) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("conversationId")
		if err := a.ArchiveConversation(c.Request.Context(), id); err != nil {
			if errors.Is(err, conversation.ErrConversationNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to archive conversation"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "archived", "conversation_id": id})
	}
}

// HandleInvalidateCache drops the cached answers of a conversation.
func HandleInvalidateCache(a Assistant) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("conversationId")
		n := a.InvalidateConversation(c.Request.Context(), id)
		c.JSON(http.StatusOK, gin.H{"conversation_id": id, "removed": n})
	}
}

// HandleRebuildContext rebuilds and returns the context of a conversation.
func HandleRebuildContext(a Assistant) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("conversationId")
		ctx, err := a.RebuildContext(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, conversation.ErrConversationNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to rebuild context"})
			return
		}
		c.JSON(http.StatusOK, ctx)
	}
}

// HandleUsage summarizes the usage ledger.
//
// Query parameters: caller_id (defaults to the resolved caller, empty for
// all callers) and since (RFC 3339, defaults to the start of the month).
// When monthlyQuota is positive the summary also reports the quota and what
// remains of it this month, counted the way admission counts it.
func HandleUsage(r UsageReporter, monthlyQuota int) gin.HandlerFunc {
	return func(c *gin.Context) {
		callerID := usageCaller(c)
		now := time.Now()

		since := usage.MonthStart(now)
		if s := c.Query("since"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC 3339"})
				return
			}
			since = t
		}

		ctx := c.Request.Context()
		summary, err := r.Summarize(ctx, since, callerID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to summarize usage"})
			return
		}
		if monthlyQuota > 0 {
			used, err := usage.MonthlyUsage(ctx, r, callerID, now)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count monthly usage"})
				return
			}
			summary.SetQuota(monthlyQuota, used)
		}
		c.JSON(http.StatusOK, summary)
	}
}

// HandleUsageRecords lists ledger rows, newest first.
//
// Query parameters: caller_id (as for HandleUsage), endpoint, since
// (RFC 3339, unbounded by default) and limit (1 to 1000, default 100).
func HandleUsageRecords(r UsageReporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		f := usage.Filter{
			CallerID: usageCaller(c),
			Endpoint: c.Query("endpoint"),
		}
		if s := c.Query("since"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC 3339"})
				return
			}
			f.Since = t
		}
		if s := c.Query("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 || n > 1000 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
				return
			}
			f.Limit = n
		}

		records, err := r.List(c.Request.Context(), f)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list usage records"})
			return
		}
		if records == nil {
			records = []usage.Record{}
		}
		c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
	}
}

func usageCaller(c *gin.Context) string {
	if id := c.Query("caller_id"); id != "" {
		return id
	}
	return middleware.GetCallerID(c)
}

// HandleBreakers lists circuit breaker statistics.
func HandleBreakers(r BreakerReporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"breakers": r.Snapshot()})
	}
}

// HandleResetBreakers forces every circuit breaker to CLOSED and returns the
// resulting statistics.
func HandleResetBreakers(r BreakerReporter, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		r.ResetAll()
		logger.Warn("circuit breakers reset by operator",
			slog.String("caller_id", middleware.GetCallerID(c)))
		c.JSON(http.StatusOK, gin.H{"status": "reset", "breakers": r.Snapshot()})
	}
}

// HandleClearCache drops every cached answer.
func HandleClearCache(a Assistant) gin.HandlerFunc {
	return func(c *gin.Context) {
		n := a.ClearCache(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"removed": n})
	}
}
