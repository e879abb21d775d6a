// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Dependency names guarded by the assistant.
const (
	DependencyInference = "inference"
	DependencyEmbedding = "embedding"
)

// Registry holds one CircuitBreaker per dependency name. Breakers are
// created lazily and are fully independent of each other.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	config    BreakerConfig
	overrides map[string]BreakerConfig
	hooks     []StateChangeFunc
	logger    *slog.Logger
	now       func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithBreakerConfigFor overrides the configuration of one dependency.
func WithBreakerConfigFor(name string, cfg BreakerConfig) RegistryOption {
	return func(r *Registry) { r.overrides[name] = cfg }
}

// WithStateChangeHook adds an observer of every breaker transition.
func WithStateChangeHook(fn StateChangeFunc) RegistryOption {
	return func(r *Registry) { r.hooks = append(r.hooks, fn) }
}

// WithRegistryLogger sets the logger used for transition logs.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithClock replaces time.Now for every breaker. Used by tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry whose breakers use cfg.
func NewRegistry(cfg BreakerConfig, opts ...RegistryOption) *Registry {
	r := &Registry{
		breakers:  make(map[string]*CircuitBreaker),
		config:    cfg,
		overrides: make(map[string]BreakerConfig),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cfg := r.config
	if o, ok := r.overrides[name]; ok {
		cfg = o
	}
	cb = NewCircuitBreaker(name, cfg)
	cb.now = r.now
	cb.onStateChange = r.dispatch
	r.breakers[name] = cb
	return cb
}

func (r *Registry) dispatch(name string, from, to State) {
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	r.logger.Log(context.Background(), level, "circuit breaker state change",
		slog.String("dependency", name),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
	for _, h := range r.hooks {
		h(name, from, to)
	}
}

// Execute runs fn through the breaker named name.
func (r *Registry) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return r.Get(name).Execute(ctx, fn)
}

// Snapshot returns stats for every breaker, sorted by name.
func (r *Registry) Snapshot() []BreakerStats {
	r.mu.RLock()
	out := make([]BreakerStats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.Stats())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResetAll forces every breaker to CLOSED.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	all := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		all = append(all, cb)
	}
	r.mu.RUnlock()
	for _, cb := range all {
		cb.Reset()
	}
}
