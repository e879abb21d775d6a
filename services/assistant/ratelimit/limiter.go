// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ratelimit admits or denies assistant requests per caller.
//
// Two limits apply together: a per-minute request window held in a
// WindowStore, and a monthly quota measured as successful inference records
// in the usage ledger since the first instant of the current UTC month.
// Every check consumes a window slot, including denied ones.
//
// Infrastructure failures fail open: if the window store or the ledger
// cannot be read, the request is admitted and the failure is logged.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/projecthub/services/assistant/usage"
)

// AnonymousKey is the bucket shared by callers without an id.
const AnonymousKey = "anonymous"

// Denial reasons.
const (
	ReasonMinuteLimit  = "minute_limit"
	ReasonMonthlyLimit = "monthly_limit"
)

// QuotaCounter counts ledger rows. usage.Ledger satisfies it.
type QuotaCounter interface {
	Count(ctx context.Context, f usage.Filter) (int64, error)
}

// Config sets the limits.
type Config struct {
	PerMinute     int
	Monthly       int
	Window        time.Duration
	QuotaCacheTTL time.Duration
}

// Decision is the result of an admission check.
type Decision struct {
	Allowed           bool
	Reason            string
	RemainingInWindow int
	WindowResetAt     time.Time
	MonthlyUsage      int64
	MonthlyLimit      int
	MonthlyResetAt    time.Time
}

// ResetTime is when the caller may retry: the window reset for minute
// denials, the next month for quota denials.
func (d Decision) ResetTime() time.Time {
	if d.Reason == ReasonMonthlyLimit {
		return d.MonthlyResetAt
	}
	return d.WindowResetAt
}

type quotaEntry struct {
	count     int64
	period    time.Time
	fetchedAt time.Time
}

// Limiter is the admission controller.
//
// Thread Safety: Safe for concurrent use.
type Limiter struct {
	cfg    Config
	store  WindowStore
	quota  QuotaCounter
	logger *slog.Logger
	now    func() time.Time
	onErr  func(source string, err error)

	mu         sync.Mutex
	quotaCache map[string]quotaEntry
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithErrorHook observes fail-open events. source is "window" or "quota".
func WithErrorHook(fn func(source string, err error)) Option {
	return func(l *Limiter) { l.onErr = fn }
}

// NewLimiter creates a limiter. Window defaults to one minute.
func NewLimiter(cfg Config, store WindowStore, quota QuotaCounter, opts ...Option) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	l := &Limiter{
		cfg:        cfg,
		store:      store,
		quota:      quota,
		logger:     slog.Default(),
		now:        time.Now,
		quotaCache: make(map[string]quotaEntry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func callerKey(callerID string) string {
	if callerID == "" {
		return AnonymousKey
	}
	return callerID
}

// CheckAndConsume consumes one window slot for callerID and decides whether
// the request may proceed.
func (l *Limiter) CheckAndConsume(ctx context.Context, callerID string) Decision {
	now := l.now()
	key := callerKey(callerID)

	d := Decision{
		MonthlyLimit:   l.cfg.Monthly,
		MonthlyResetAt: usage.NextMonthStart(now),
	}

	minuteAllowed := true
	w, err := l.store.Increment(ctx, key, now, l.cfg.Window)
	if err != nil {
		l.failOpen("window", key, err)
		d.RemainingInWindow = l.cfg.PerMinute
		d.WindowResetAt = now.Add(l.cfg.Window)
	} else {
		minuteAllowed = w.Count <= l.cfg.PerMinute
		d.RemainingInWindow = max(0, l.cfg.PerMinute-w.Count)
		d.WindowResetAt = w.ResetAt
	}

	monthlyAllowed := true
	used, err := l.monthlyUsage(ctx, callerID, now)
	if err != nil {
		l.failOpen("quota", key, err)
	} else {
		d.MonthlyUsage = used
		monthlyAllowed = used < int64(l.cfg.Monthly)
	}

	d.Allowed = minuteAllowed && monthlyAllowed
	switch {
	case !minuteAllowed:
		d.Reason = ReasonMinuteLimit
	case !monthlyAllowed:
		d.Reason = ReasonMonthlyLimit
	}
	return d
}

func (l *Limiter) monthlyUsage(ctx context.Context, callerID string, now time.Time) (int64, error) {
	period := usage.MonthStart(now)
	key := callerKey(callerID)

	if l.cfg.QuotaCacheTTL > 0 {
		l.mu.Lock()
		e, ok := l.quotaCache[key]
		l.mu.Unlock()
		if ok && e.period.Equal(period) && now.Sub(e.fetchedAt) < l.cfg.QuotaCacheTTL {
			return e.count, nil
		}
	}

	n, err := l.quota.Count(ctx, usage.Filter{
		Since:       period,
		CallerID:    callerID,
		Endpoint:    usage.EndpointInference,
		SuccessOnly: true,
	})
	if err != nil {
		return 0, err
	}

	if l.cfg.QuotaCacheTTL > 0 {
		l.mu.Lock()
		l.quotaCache[key] = quotaEntry{count: n, period: period, fetchedAt: now}
		l.mu.Unlock()
	}
	return n, nil
}

// RecordSuccess bumps the cached monthly count after a successful inference
// so the cache does not lag behind the ledger for its whole TTL.
func (l *Limiter) RecordSuccess(callerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := callerKey(callerID)
	if e, ok := l.quotaCache[key]; ok {
		e.count++
		l.quotaCache[key] = e
	}
}

func (l *Limiter) failOpen(source, key string, err error) {
	l.logger.Warn("rate limit check failed, admitting request",
		slog.String("source", source),
		slog.String("caller", key),
		slog.String("error", err.Error()))
	if l.onErr != nil {
		l.onErr(source, err)
	}
}
