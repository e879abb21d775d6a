// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache holds accepted AI answers for reuse.
//
// # Description
//
// Entries are keyed by a hash of the normalized query, the conversation
// context fingerprint and the model. A context change therefore produces
// new keys without any purge. Entries expire after a TTL, the least recently
// used entry is evicted at capacity, and every entry is indexed by the
// conversation it was produced for so Invalidate can drop them all.
//
// Only accepted AI answers belong here; fallback text is never cached.
//
// # Thread Safety
//
// ResponseCache is safe for concurrent use.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// ResponseCache is an LRU cache with TTL and per-conversation invalidation.
type ResponseCache struct {
	mu             sync.Mutex
	entries        map[string]*Entry
	byConversation map[string]map[string]struct{}
	lru            *list.List
	options        cacheOptions

	inflight singleflight.Group

	hits          atomic.Int64
	misses        atomic.Int64
	evictions     atomic.Int64
	expirations   atomic.Int64
	invalidations atomic.Int64
}

// NewResponseCache creates an empty cache.
func NewResponseCache(opts ...CacheOption) *ResponseCache {
	o := defaultCacheOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &ResponseCache{
		entries:        make(map[string]*Entry),
		byConversation: make(map[string]map[string]struct{}),
		lru:            list.New(),
		options:        o,
	}
}

// Get returns the answer stored for (query, fingerprint, model). Expired
// entries are removed and reported as misses.
func (c *ResponseCache) Get(query, fingerprint, model string) (Payload, bool) {
	key := Key(query, fingerprint, model)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return Payload{}, false
	}
	if c.options.now().Sub(e.CreatedAt) >= e.TTL {
		c.removeEntryLocked(e)
		c.expirations.Add(1)
		c.misses.Add(1)
		return Payload{}, false
	}
	c.lru.MoveToFront(e.lruElement)
	c.hits.Add(1)
	return e.Value, true
}

// Set stores value for (query, fingerprint, model) on behalf of
// conversationID, replacing any previous entry with the same key.
func (c *ResponseCache) Set(conversationID, query, fingerprint, model string, value Payload) {
	key := Key(query, fingerprint, model)

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.removeEntryLocked(old)
	}

	e := &Entry{
		Key:            key,
		ConversationID: conversationID,
		Value:          value,
		CreatedAt:      c.options.now(),
		TTL:            c.options.ttl,
	}
	e.lruElement = c.lru.PushFront(e)
	c.entries[key] = e

	keys, ok := c.byConversation[conversationID]
	if !ok {
		keys = make(map[string]struct{})
		c.byConversation[conversationID] = keys
	}
	keys[key] = struct{}{}

	c.evictIfNeededLocked()
}

// Invalidate removes every entry produced for conversationID and returns
// how many were removed.
func (c *ResponseCache) Invalidate(conversationID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.byConversation[conversationID]
	n := 0
	for key := range keys {
		if e, ok := c.entries[key]; ok {
			c.removeEntryLocked(e)
			n++
		}
	}
	delete(c.byConversation, conversationID)
	if n > 0 {
		c.invalidations.Add(int64(n))
	}
	return n
}

// Coalesce runs fn once per key among concurrent callers and hands every
// caller the same result. shared reports whether the result came from
// another caller's call.
func (c *ResponseCache) Coalesce(key string, fn func() (any, error)) (v any, err error, shared bool) {
	return c.inflight.Do(key, fn)
}

// PurgeExpired drops all expired entries and returns how many.
func (c *ResponseCache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.options.now()
	n := 0
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*Entry)
		if now.Sub(e.CreatedAt) >= e.TTL {
			c.removeEntryLocked(e)
			n++
		}
		el = prev
	}
	c.expirations.Add(int64(n))
	return n
}

// Len returns the number of stored entries, including expired ones not yet
// removed.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns counters and sizes.
func (c *ResponseCache) Stats() CacheStats {
	c.mu.Lock()
	entries, convs := len(c.entries), len(c.byConversation)
	c.mu.Unlock()
	return CacheStats{
		Entries:       entries,
		Conversations: convs,
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
		Expirations:   c.expirations.Load(),
		Invalidations: c.invalidations.Load(),
	}
}

// Clear removes everything and returns how many entries were dropped.
func (c *ResponseCache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]*Entry)
	c.byConversation = make(map[string]map[string]struct{})
	c.lru.Init()
	return n
}

// removeEntryLocked must be called with c.mu held.
func (c *ResponseCache) removeEntryLocked(e *Entry) {
	delete(c.entries, e.Key)
	if e.lruElement != nil {
		c.lru.Remove(e.lruElement)
		e.lruElement = nil
	}
	if keys, ok := c.byConversation[e.ConversationID]; ok {
		delete(keys, e.Key)
		if len(keys) == 0 {
			delete(c.byConversation, e.ConversationID)
		}
	}
}

func (c *ResponseCache) evictIfNeededLocked() {
	for len(c.entries) > c.options.maxEntries {
		el := c.lru.Back()
		if el == nil {
			return
		}
		c.removeEntryLocked(el.Value.(*Entry))
		c.evictions.Add(1)
	}
}
