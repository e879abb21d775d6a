// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Ledger stores and queries usage records.
type Ledger interface {
	// Append writes one record. Records are never updated.
	Append(ctx context.Context, rec *Record) error

	// Count returns the number of rows matching f.
	Count(ctx context.Context, f Filter) (int64, error)

	// List returns rows matching f, newest first.
	List(ctx context.Context, f Filter) ([]Record, error)

	// Summarize aggregates rows created at or after since.
	Summarize(ctx context.Context, since time.Time, callerID string) (Summary, error)
}

// ErrInvalidRecord is returned by Append for records missing required fields.
var ErrInvalidRecord = errors.New("invalid usage record")

// GormLedger is a Ledger on SQLite through gorm.
//
// Thread Safety: Safe for concurrent use.
type GormLedger struct {
	db     *gorm.DB
	logger *slog.Logger
}

// OpenGormLedger opens (creating if needed) the SQLite ledger at path and
// migrates the schema. Use ":memory:" for an ephemeral ledger.
func OpenGormLedger(path string, log *slog.Logger) (*GormLedger, error) {
	if log == nil {
		log = slog.Default()
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create ledger directory: %w", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open usage ledger: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		sqlDB.SetMaxOpenConns(1)
	} else if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	log.Info("usage ledger opened", slog.String("path", path))
	return &GormLedger{db: db, logger: log}, nil
}

// Close releases the underlying connection pool.
func (l *GormLedger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append implements Ledger.
func (l *GormLedger) Append(ctx context.Context, rec *Record) error {
	if rec == nil || rec.ID == "" || rec.Endpoint == "" {
		return ErrInvalidRecord
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.ErrorMessage = truncateUTF8(rec.ErrorMessage, maxErrorBytes)
	if err := l.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("append usage record: %w", err)
	}
	return nil
}

// maxErrorBytes matches the size of the error_message column.
const maxErrorBytes = 512

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (l *GormLedger) scoped(ctx context.Context, f Filter) *gorm.DB {
	q := l.db.WithContext(ctx).Model(&Record{})
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since.UTC())
	}
	if f.CallerID != "" {
		q = q.Where("caller_id = ?", f.CallerID)
	}
	if f.Endpoint != "" {
		q = q.Where("endpoint = ?", f.Endpoint)
	}
	if f.SuccessOnly {
		q = q.Where("success = ?", true)
	}
	return q
}

// Count implements Ledger.
func (l *GormLedger) Count(ctx context.Context, f Filter) (int64, error) {
	var n int64
	if err := l.scoped(ctx, f).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count usage records: %w", err)
	}
	return n, nil
}

// List implements Ledger.
func (l *GormLedger) List(ctx context.Context, f Filter) ([]Record, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []Record
	err := l.scoped(ctx, f).Order("created_at DESC").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list usage records: %w", err)
	}
	return out, nil
}

type groupCount struct {
	Name  string
	Total int64
}

// Summarize implements Ledger.
func (l *GormLedger) Summarize(ctx context.Context, since time.Time, callerID string) (Summary, error) {
	f := Filter{Since: since, CallerID: callerID}
	s := Summary{
		Since:      since.UTC(),
		CallerID:   callerID,
		ByEndpoint: map[string]int64{},
		ByModel:    map[string]int64{},
	}

	var totals struct {
		Total      int64
		Successful int64
		Tokens     int64
		AvgMs      float64
	}
	err := l.scoped(ctx, f).
		Select("COUNT(*) AS total, " +
			"COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS successful, " +
			"COALESCE(SUM(tokens_used), 0) AS tokens, " +
			"COALESCE(AVG(response_time_ms), 0) AS avg_ms").
		Scan(&totals).Error
	if err != nil {
		return Summary{}, fmt.Errorf("summarize usage: %w", err)
	}
	s.TotalRequests = totals.Total
	s.Successful = totals.Successful
	s.Failed = totals.Total - totals.Successful
	s.TokensUsed = totals.Tokens
	s.AvgResponseMs = totals.AvgMs

	var byEndpoint []groupCount
	if err := l.scoped(ctx, f).Select("endpoint AS name, COUNT(*) AS total").
		Group("endpoint").Scan(&byEndpoint).Error; err != nil {
		return Summary{}, fmt.Errorf("summarize usage by endpoint: %w", err)
	}
	for _, g := range byEndpoint {
		s.ByEndpoint[g.Name] = g.Total
	}

	var byModel []groupCount
	if err := l.scoped(ctx, f).Where("model <> ''").Select("model AS name, COUNT(*) AS total").
		Group("model").Scan(&byModel).Error; err != nil {
		return Summary{}, fmt.Errorf("summarize usage by model: %w", err)
	}
	for _, g := range byModel {
		s.ByModel[g.Name] = g.Total
	}

	return s, nil
}
