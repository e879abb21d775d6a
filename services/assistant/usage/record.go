// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package usage is the append-only ledger of AI usage.
//
// One Record is written per inference attempt. Requests answered without an
// attempt (cache hits, fallback when the breaker is open) get a single record
// under their own endpoint so reporting sees every request. Monthly quota
// accounting counts only successful inference records.
package usage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Endpoint names used in Record.Endpoint.
const (
	EndpointInference = "inference"
	EndpointCache     = "cache"
	EndpointFallback  = "fallback"
	EndpointEmbedding = "embedding"
)

// Record is one immutable row of the ledger.
type Record struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	Endpoint       string    `gorm:"size:32;not null;index:idx_usage_caller_endpoint_created,priority:2" json:"endpoint"`
	Model          string    `gorm:"size:128" json:"model"`
	TokensUsed     int       `gorm:"not null;default:0" json:"tokens_used"`
	ResponseTimeMs int64     `gorm:"not null;default:0" json:"response_time_ms"`
	Success        bool      `gorm:"not null" json:"success"`
	ErrorMessage   string    `gorm:"size:512" json:"error_message,omitempty"`
	CallerID       string    `gorm:"size:128;index:idx_usage_caller_endpoint_created,priority:1" json:"caller_id,omitempty"`
	ConversationID string    `gorm:"size:128;index" json:"conversation_id,omitempty"`
	CreatedAt      time.Time `gorm:"not null;index:idx_usage_caller_endpoint_created,priority:3" json:"created_at"`
}

// TableName keeps the table name stable across struct renames.
func (Record) TableName() string {
	return "ai_usage_records"
}

// NewRecord returns a record with a fresh ID and the given timestamp.
func NewRecord(endpoint string, createdAt time.Time) *Record {
	return &Record{
		ID:        uuid.NewString(),
		Endpoint:  endpoint,
		CreatedAt: createdAt.UTC(),
	}
}

// MonthStart returns the first instant of t's calendar month in UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// NextMonthStart returns the first instant of the month after t, in UTC.
func NextMonthStart(t time.Time) time.Time {
	return MonthStart(t).AddDate(0, 1, 0)
}

// Filter selects ledger rows. Zero fields do not constrain.
type Filter struct {
	Since       time.Time
	CallerID    string
	Endpoint    string
	SuccessOnly bool
	Limit       int
}

// Summary aggregates ledger rows for reporting.
type Summary struct {
	Since          time.Time        `json:"since"`
	CallerID       string           `json:"caller_id,omitempty"`
	TotalRequests  int64            `json:"total_requests"`
	Successful     int64            `json:"successful"`
	Failed         int64            `json:"failed"`
	TokensUsed     int64            `json:"tokens_used"`
	AvgResponseMs  float64          `json:"avg_response_ms"`
	ByEndpoint     map[string]int64 `json:"by_endpoint"`
	ByModel        map[string]int64 `json:"by_model"`
	MonthlyQuota   int              `json:"monthly_quota,omitempty"`
	QuotaRemaining *int64           `json:"quota_remaining,omitempty"`
}

// SetQuota reports a monthly limit of which used calls are spent. A limit
// <= 0 means unlimited and leaves the quota fields empty.
func (s *Summary) SetQuota(limit int, used int64) {
	if limit <= 0 {
		return
	}
	remaining := max(int64(limit)-used, 0)
	s.MonthlyQuota = limit
	s.QuotaRemaining = &remaining
}

// Counter counts ledger rows. Ledger satisfies it.
type Counter interface {
	Count(ctx context.Context, f Filter) (int64, error)
}

// MonthlyUsage counts the successful inference calls of callerID in the
// calendar month containing now. This is the number monthly quotas are
// enforced against. An empty callerID counts every caller.
func MonthlyUsage(ctx context.Context, c Counter, callerID string, now time.Time) (int64, error) {
	return c.Count(ctx, Filter{
		Since:       MonthStart(now),
		CallerID:    callerID,
		Endpoint:    EndpointInference,
		SuccessOnly: true,
	})
}
