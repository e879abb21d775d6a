// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Window is the state of one caller's request window after an increment.
type Window struct {
	Count   int
	ResetAt time.Time
}

// WindowStore counts requests per key in fixed-length windows.
//
// Increment is atomic per key: a window that expired is replaced by a fresh
// one with Count 1 and ResetAt now+length, otherwise Count is incremented and
// ResetAt is kept.
type WindowStore interface {
	Increment(ctx context.Context, key string, now time.Time, length time.Duration) (Window, error)
}

// =============================================================================
// In-memory store
// =============================================================================

type memWindow struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
	// swept is set when Sweep removed the window from the map. Callers
	// still holding it must look the key up again.
	swept bool
}

// increment reports false if the window was swept after it was looked up.
func (w *memWindow) increment(now time.Time, length time.Duration) (Window, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.swept {
		return Window{}, false
	}
	if w.resetAt.IsZero() || !now.Before(w.resetAt) {
		w.count = 1
		w.resetAt = now.Add(length)
	} else {
		w.count++
	}
	return Window{Count: w.count, ResetAt: w.resetAt}, true
}

// MemoryWindowStore keeps windows in process memory. Suitable for a single
// service instance.
type MemoryWindowStore struct {
	mu      sync.RWMutex
	windows map[string]*memWindow

	stop chan struct{}
	done chan struct{}
}

// NewMemoryWindowStore creates a store. When sweepEvery is positive a
// background goroutine drops expired windows; call Close to stop it.
func NewMemoryWindowStore(sweepEvery time.Duration) *MemoryWindowStore {
	s := &MemoryWindowStore{windows: make(map[string]*memWindow)}
	if sweepEvery > 0 {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.sweepLoop(sweepEvery)
	}
	return s
}

func (s *MemoryWindowStore) window(key string) *memWindow {
	s.mu.RLock()
	w, ok := s.windows[key]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[key]; ok {
		return w
	}
	w = &memWindow{}
	s.windows[key] = w
	return w
}

// Increment implements WindowStore.
func (s *MemoryWindowStore) Increment(_ context.Context, key string, now time.Time, length time.Duration) (Window, error) {
	for {
		if win, ok := s.window(key).increment(now, length); ok {
			return win, nil
		}
	}
}

// Sweep removes windows that expired before now and returns how many.
func (s *MemoryWindowStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, w := range s.windows {
		w.mu.Lock()
		if !now.Before(w.resetAt) {
			w.swept = true
			delete(s.windows, key)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked windows.
func (s *MemoryWindowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.windows)
}

func (s *MemoryWindowStore) sweepLoop(every time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}

// Close stops the sweeper.
func (s *MemoryWindowStore) Close() error {
	if s.stop != nil {
		close(s.stop)
		<-s.done
		s.stop = nil
	}
	return nil
}

// =============================================================================
// Redis store
// =============================================================================

// incrementScript increments the counter, starts the expiry on the first hit,
// and returns {count, remaining ttl in ms}.
var incrementScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisWindowStore keeps windows in Redis so several service instances
// share one limit per caller.
type RedisWindowStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisWindowStore wraps an existing client. Keys are prefixed with
// prefix (default "assistant:ratelimit:").
func NewRedisWindowStore(client redis.UniversalClient, prefix string) *RedisWindowStore {
	if prefix == "" {
		prefix = "assistant:ratelimit:"
	}
	return &RedisWindowStore{client: client, prefix: prefix}
}

// DialRedis parses url, connects and pings.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// Increment implements WindowStore.
func (s *RedisWindowStore) Increment(ctx context.Context, key string, now time.Time, length time.Duration) (Window, error) {
	vals, err := incrementScript.Run(ctx, s.client, []string{s.prefix + key}, length.Milliseconds()).Int64Slice()
	if err != nil {
		return Window{}, fmt.Errorf("redis window increment: %w", err)
	}
	if len(vals) != 2 {
		return Window{}, fmt.Errorf("redis window increment: unexpected reply length %d", len(vals))
	}
	return Window{
		Count:   int(vals[0]),
		ResetAt: now.Add(time.Duration(vals[1]) * time.Millisecond),
	}, nil
}
