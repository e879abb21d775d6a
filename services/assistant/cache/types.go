// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

const (
	// DefaultMaxEntries bounds the cache size.
	DefaultMaxEntries = 1000

	// DefaultTTL is how long an answer stays reusable.
	DefaultTTL = time.Hour
)

// Payload is a cached, accepted AI answer.
type Payload struct {
	Response           string   `json:"response"`
	Confidence         float64  `json:"confidence"`
	Model              string   `json:"model"`
	Language           string   `json:"language,omitempty"`
	Sources            []string `json:"sources,omitempty"`
	SuggestedFollowUps []string `json:"suggested_follow_ups,omitempty"`
}

// Entry is one cached answer.
type Entry struct {
	Key            string
	ConversationID string
	Value          Payload
	CreatedAt      time.Time
	TTL            time.Duration

	lruElement *list.Element
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Entries       int   `json:"entries"`
	Conversations int   `json:"conversations"`
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Evictions     int64 `json:"evictions"`
	Expirations   int64 `json:"expirations"`
	Invalidations int64 `json:"invalidations"`
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type cacheOptions struct {
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
}

// CacheOption configures a ResponseCache.
type CacheOption func(*cacheOptions)

// WithMaxEntries sets the capacity. Values below 1 are ignored.
func WithMaxEntries(n int) CacheOption {
	return func(o *cacheOptions) {
		if n > 0 {
			o.maxEntries = n
		}
	}
}

// WithTTL sets the entry lifetime. Values below 1ns are ignored.
func WithTTL(ttl time.Duration) CacheOption {
	return func(o *cacheOptions) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) CacheOption {
	return func(o *cacheOptions) { o.now = now }
}

func defaultCacheOptions() cacheOptions {
	return cacheOptions{
		maxEntries: DefaultMaxEntries,
		ttl:        DefaultTTL,
		now:        time.Now,
	}
}

// NormalizeQuery trims, case-folds and collapses internal whitespace.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// Key derives the cache key of a (query, context fingerprint, model) triple.
func Key(query, fingerprint, model string) string {
	h := sha256.New()
	h.Write([]byte(NormalizeQuery(query)))
	h.Write([]byte{0})
	h.Write([]byte(fingerprint))
	h.Write([]byte{0})
	h.Write([]byte(model))
	return hex.EncodeToString(h.Sum(nil))
}
