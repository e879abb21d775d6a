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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/projecthub/pkg/logging"
	"github.com/AleutianAI/projecthub/services/assistant/usage"
)

type fakeQuota struct {
	mu      sync.Mutex
	counts  map[string]int64
	err     error
	calls   int
	filters []usage.Filter
}

func (f *fakeQuota) Count(_ context.Context, filter usage.Filter) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.filters = append(f.filters, filter)
	if f.err != nil {
		return 0, f.err
	}
	return f.counts[filter.CallerID], nil
}

type failingStore struct{}

func (failingStore) Increment(context.Context, string, time.Time, time.Duration) (Window, error) {
	return Window{}, errors.New("store down")
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newClock() *clock {
	return &clock{t: time.Date(2026, time.May, 20, 10, 0, 0, 0, time.UTC)}
}

func newTestLimiter(c *clock, q *fakeQuota, cfg Config) *Limiter {
	return NewLimiter(cfg, NewMemoryWindowStore(0), q, WithClock(c.now), WithLogger(logging.Discard()))
}

// Ten requests in a window pass with decreasing remaining counts, the
// eleventh is denied with a reset inside the window.
func TestCheckAndConsume_PerMinuteScenario(t *testing.T) {
	c := newClock()
	l := newTestLimiter(c, &fakeQuota{}, Config{PerMinute: 10, Monthly: 1000})
	ctx := context.Background()
	windowStart := c.t

	for i := 1; i <= 10; i++ {
		d := l.CheckAndConsume(ctx, "alice")
		require.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, 10-i, d.RemainingInWindow)
		c.t = c.t.Add(time.Second)
	}

	d := l.CheckAndConsume(ctx, "alice")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonMinuteLimit, d.Reason)
	assert.Equal(t, 0, d.RemainingInWindow)
	assert.True(t, d.ResetTime().After(c.t))
	assert.False(t, d.ResetTime().After(windowStart.Add(time.Minute)))

	// a different caller is unaffected
	assert.True(t, l.CheckAndConsume(ctx, "bob").Allowed)

	// the window resets
	c.t = windowStart.Add(time.Minute)
	d = l.CheckAndConsume(ctx, "alice")
	assert.True(t, d.Allowed)
	assert.Equal(t, 9, d.RemainingInWindow)
}

func TestCheckAndConsume_MonthlyQuota(t *testing.T) {
	c := newClock()
	q := &fakeQuota{counts: map[string]int64{"alice": 1000, "bob": 999}}
	l := newTestLimiter(c, q, Config{PerMinute: 10, Monthly: 1000})
	ctx := context.Background()

	d := l.CheckAndConsume(ctx, "alice")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonMonthlyLimit, d.Reason)
	assert.Equal(t, int64(1000), d.MonthlyUsage)
	assert.Equal(t, time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC), d.ResetTime())

	assert.True(t, l.CheckAndConsume(ctx, "bob").Allowed)

	require.NotEmpty(t, q.filters)
	f := q.filters[0]
	assert.Equal(t, time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC), f.Since)
	assert.Equal(t, usage.EndpointInference, f.Endpoint)
	assert.True(t, f.SuccessOnly)
}

func TestCheckAndConsume_AnonymousSharesBucket(t *testing.T) {
	c := newClock()
	l := newTestLimiter(c, &fakeQuota{}, Config{PerMinute: 2, Monthly: 1000})
	ctx := context.Background()

	assert.True(t, l.CheckAndConsume(ctx, "").Allowed)
	assert.True(t, l.CheckAndConsume(ctx, "").Allowed)
	assert.False(t, l.CheckAndConsume(ctx, "").Allowed)
}

func TestCheckAndConsume_QuotaCache(t *testing.T) {
	c := newClock()
	q := &fakeQuota{counts: map[string]int64{"alice": 5}}
	l := newTestLimiter(c, q, Config{PerMinute: 100, Monthly: 6, QuotaCacheTTL: 10 * time.Second})
	ctx := context.Background()

	d := l.CheckAndConsume(ctx, "alice")
	assert.True(t, d.Allowed)
	l.CheckAndConsume(ctx, "alice")
	assert.Equal(t, 1, q.calls, "second check must hit the cache")

	l.RecordSuccess("alice")
	d = l.CheckAndConsume(ctx, "alice")
	assert.False(t, d.Allowed, "cached count bumped to the limit")
	assert.Equal(t, int64(6), d.MonthlyUsage)

	c.t = c.t.Add(11 * time.Second)
	l.CheckAndConsume(ctx, "alice")
	assert.Equal(t, 2, q.calls)
}

func TestCheckAndConsume_FailsOpen(t *testing.T) {
	c := newClock()
	var sources []string
	l := NewLimiter(Config{PerMinute: 1, Monthly: 1}, failingStore{}, &fakeQuota{err: errors.New("db down")},
		WithClock(c.now), WithLogger(logging.Discard()),
		WithErrorHook(func(source string, err error) { sources = append(sources, source) }))

	d := l.CheckAndConsume(context.Background(), "alice")
	assert.True(t, d.Allowed)
	assert.Equal(t, []string{"window", "quota"}, sources)
}

func TestMemoryWindowStore_ConcurrentIncrements(t *testing.T) {
	s := NewMemoryWindowStore(0)
	now := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Increment(context.Background(), "k", now, time.Minute)
		}()
	}
	wg.Wait()

	w, err := s.Increment(context.Background(), "k", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 101, w.Count)
}

func TestMemoryWindowStore_Sweep(t *testing.T) {
	s := NewMemoryWindowStore(0)
	now := time.Now()
	_, _ = s.Increment(context.Background(), "old", now.Add(-2*time.Minute), time.Minute)
	_, _ = s.Increment(context.Background(), "new", now, time.Minute)

	assert.Equal(t, 1, s.Sweep(now))
	assert.Equal(t, 1, s.Len())
}

func TestMemoryWindowStore_IncrementAfterSweepLandsOnLiveWindow(t *testing.T) {
	s := NewMemoryWindowStore(0)
	ctx := context.Background()
	now := time.Now()

	// An increment that looked the window up just before a sweep removed it.
	stale := s.window("k")
	assert.Equal(t, 1, s.Sweep(now))
	_, ok := stale.increment(now, time.Minute)
	assert.False(t, ok, "a swept window must not accept increments")

	w, err := s.Increment(ctx, "k", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, w.Count)
	w, err = s.Increment(ctx, "k", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, w.Count)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryWindowStore_ConcurrentSweepAndIncrement(t *testing.T) {
	s := NewMemoryWindowStore(0)
	ctx := context.Background()
	start := time.Now()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				// every window counts as expired for this sweep
				s.Sweep(start.Add(time.Hour))
			}
		}
	}()

	var incs sync.WaitGroup
	for i := 0; i < 50; i++ {
		incs.Add(1)
		go func() {
			defer incs.Done()
			for j := 0; j < 20; j++ {
				w, err := s.Increment(ctx, "k", start, time.Minute)
				if err != nil || w.Count < 1 {
					t.Errorf("increment = %+v, %v", w, err)
				}
			}
		}()
	}
	incs.Wait()
	close(stop)
	wg.Wait()

	// with sweeping stopped the live window keeps counting
	before, err := s.Increment(ctx, "k", start, time.Minute)
	require.NoError(t, err)
	after, err := s.Increment(ctx, "k", start, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, before.Count+1, after.Count)
}

func TestMemoryWindowStore_BackgroundSweeper(t *testing.T) {
	s := NewMemoryWindowStore(5 * time.Millisecond)
	defer s.Close()
	_, _ = s.Increment(context.Background(), "k", time.Now().Add(-time.Hour), time.Minute)

	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRedisWindowStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisWindowStore(client, "")
	ctx := context.Background()
	now := time.Now()

	w, err := s.Increment(ctx, "alice", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, w.Count)
	assert.WithinDuration(t, now.Add(time.Minute), w.ResetAt, time.Second)

	w, err = s.Increment(ctx, "alice", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, w.Count)
	assert.True(t, mr.Exists("assistant:ratelimit:alice"))

	mr.FastForward(61 * time.Second)
	w, err = s.Increment(ctx, "alice", now.Add(61*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, w.Count)
}

func TestRedisWindowStore_SharedAcrossLimiters(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client, err := DialRedis(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	c := newClock()
	cfg := Config{PerMinute: 3, Monthly: 100}
	a := NewLimiter(cfg, NewRedisWindowStore(client, ""), &fakeQuota{}, WithClock(c.now), WithLogger(logging.Discard()))
	b := NewLimiter(cfg, NewRedisWindowStore(client, ""), &fakeQuota{}, WithClock(c.now), WithLogger(logging.Discard()))
	ctx := context.Background()

	assert.True(t, a.CheckAndConsume(ctx, "alice").Allowed)
	assert.True(t, b.CheckAndConsume(ctx, "alice").Allowed)
	assert.True(t, a.CheckAndConsume(ctx, "alice").Allowed)
	d := b.CheckAndConsume(ctx, "alice")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonMinuteLimit, d.Reason)
}
