// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resilience isolates the assistant from unreliable dependencies.
//
// # Description
//
// A CircuitBreaker guards one named dependency ("inference", "embedding").
// It has three states:
//
//	CLOSED    calls flow; failures inside a rolling monitoring period are counted
//	OPEN      calls are rejected without reaching the dependency
//	HALF_OPEN a bounded number of probe calls test whether it recovered
//
// A Registry owns one breaker per dependency name, and Retry runs a bounded,
// deadline-aware retry loop whose attempts each pass through a breaker.
//
// # Thread Safety
//
// All exported types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the state of a circuit breaker.
type State int

const (
	// StateClosed allows all calls.
	StateClosed State = iota
	// StateOpen rejects all calls until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen admits a limited number of probe calls.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is matched by every rejection from a breaker.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitOpenError is returned when a breaker rejects a call.
type CircuitOpenError struct {
	// Name is the dependency name.
	Name string
	// State is OPEN, or HALF_OPEN when all probe slots are taken.
	State State
	// RetryAfter is the time left until the breaker admits a probe.
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is %s (retry after %s)", e.Name, e.State, e.RetryAfter.Round(time.Millisecond))
}

// Unwrap makes errors.Is(err, ErrCircuitOpen) true.
func (e *CircuitOpenError) Unwrap() error {
	return ErrCircuitOpen
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold is the number of failures within MonitoringPeriod
	// that opens the breaker.
	FailureThreshold int

	// MonitoringPeriod is the rolling window in which failures are counted.
	// A failure after the period elapsed starts a new period.
	MonitoringPeriod time.Duration

	// RecoveryTimeout is how long the breaker stays OPEN after the last
	// failure before admitting a probe.
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls is the number of concurrent probes in HALF_OPEN.
	HalfOpenMaxCalls int

	// IsFailure decides whether an error counts against the dependency.
	// Nil counts every error except context.Canceled.
	IsFailure func(error) bool
}

// DefaultBreakerConfig returns threshold 5, 60s monitoring, 30s recovery,
// one probe.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		MonitoringPeriod: 60 * time.Second,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = d.MonitoringPeriod
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	if c.IsFailure == nil {
		c.IsFailure = defaultIsFailure
	}
	return c
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// StateChangeFunc observes breaker transitions. It runs synchronously after
// the breaker lock is released, so it must not block.
type StateChangeFunc func(name string, from, to State)

// BreakerStats is a point-in-time view of a breaker.
type BreakerStats struct {
	Name             string    `json:"name"`
	State            string    `json:"state"`
	FailureCount     int       `json:"failure_count"`
	HalfOpenInFlight int       `json:"half_open_in_flight"`
	TotalCalls       int64     `json:"total_calls"`
	TotalFailures    int64     `json:"total_failures"`
	TotalRejected    int64     `json:"total_rejected"`
	LastFailureAt    time.Time `json:"last_failure_at,omitempty"`
	LastStateChange  time.Time `json:"last_state_change,omitempty"`
}

// CircuitBreaker guards one dependency.
type CircuitBreaker struct {
	name          string
	config        BreakerConfig
	now           func() time.Time
	onStateChange StateChangeFunc

	mu               sync.Mutex
	state            State
	failureCount     int
	windowStart      time.Time
	lastFailureAt    time.Time
	lastStateChange  time.Time
	halfOpenInFlight int
	// generation increments on every transition. Results of calls admitted
	// under an older generation are discarded.
	generation uint64

	totalCalls    int64
	totalFailures int64
	totalRejected int64
}

// NewCircuitBreaker creates a CLOSED breaker. Zero config fields take the
// defaults of DefaultBreakerConfig.
func NewCircuitBreaker(name string, config BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		config: config.withDefaults(),
		now:    time.Now,
		state:  StateClosed,
	}
}

// Name returns the dependency name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

type transition struct {
	from, to State
}

// Allow asks the breaker for permission to make one call.
//
// # Outputs
//
//   - func(error): Reports the call outcome. Must be called exactly once.
//   - error: *CircuitOpenError when the call must not be made.
func (cb *CircuitBreaker) Allow() (func(error), error) {
	cb.mu.Lock()
	now := cb.now()
	var changes []transition

	if cb.state == StateOpen && now.Sub(cb.lastFailureAt) >= cb.config.RecoveryTimeout {
		changes = append(changes, cb.transitionLocked(StateHalfOpen, now))
	}

	switch cb.state {
	case StateOpen:
		cb.totalRejected++
		retryAfter := cb.config.RecoveryTimeout - now.Sub(cb.lastFailureAt)
		cb.mu.Unlock()
		cb.notify(changes)
		return nil, &CircuitOpenError{Name: cb.name, State: StateOpen, RetryAfter: retryAfter}

	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.config.HalfOpenMaxCalls {
			cb.totalRejected++
			cb.mu.Unlock()
			cb.notify(changes)
			return nil, &CircuitOpenError{Name: cb.name, State: StateHalfOpen}
		}
		cb.halfOpenInFlight++
	}

	cb.totalCalls++
	gen := cb.generation
	cb.mu.Unlock()
	cb.notify(changes)

	var once sync.Once
	return func(err error) {
		once.Do(func() { cb.record(gen, err) })
	}, nil
}

func (cb *CircuitBreaker) record(gen uint64, err error) {
	failed := cb.config.IsFailure(err)

	cb.mu.Lock()
	now := cb.now()
	if failed {
		cb.totalFailures++
	}
	if gen != cb.generation {
		// Admitted before the last transition; its outcome describes a state
		// that no longer exists.
		cb.mu.Unlock()
		return
	}

	var changes []transition
	switch cb.state {
	case StateClosed:
		if !failed {
			if err == nil {
				cb.failureCount = 0
				cb.windowStart = time.Time{}
			}
			break
		}
		if cb.windowStart.IsZero() || now.Sub(cb.windowStart) > cb.config.MonitoringPeriod {
			cb.windowStart = now
			cb.failureCount = 0
		}
		cb.failureCount++
		cb.lastFailureAt = now
		if cb.failureCount >= cb.config.FailureThreshold {
			changes = append(changes, cb.transitionLocked(StateOpen, now))
		}

	case StateHalfOpen:
		cb.halfOpenInFlight--
		if failed {
			cb.lastFailureAt = now
			changes = append(changes, cb.transitionLocked(StateOpen, now))
		} else if err == nil {
			changes = append(changes, cb.transitionLocked(StateClosed, now))
		}
	}
	cb.mu.Unlock()
	cb.notify(changes)
}

// transitionLocked must be called with cb.mu held.
func (cb *CircuitBreaker) transitionLocked(to State, now time.Time) transition {
	from := cb.state
	cb.state = to
	cb.generation++
	cb.lastStateChange = now
	cb.halfOpenInFlight = 0
	if to == StateClosed {
		cb.failureCount = 0
		cb.windowStart = time.Time{}
	}
	return transition{from: from, to: to}
}

func (cb *CircuitBreaker) notify(changes []transition) {
	if cb.onStateChange == nil {
		return
	}
	for _, c := range changes {
		cb.onStateChange(cb.name, c.from, c.to)
	}
}

// Execute runs fn if the breaker allows it and records the outcome.
//
// Returns *CircuitOpenError without calling fn when the breaker rejects.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	done, err := cb.Allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	done(err)
	return err
}

// State returns the stored state. An OPEN breaker whose recovery timeout
// has elapsed still reports OPEN until the next Allow.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		Name:             cb.name,
		State:            cb.state.String(),
		FailureCount:     cb.failureCount,
		HalfOpenInFlight: cb.halfOpenInFlight,
		TotalCalls:       cb.totalCalls,
		TotalFailures:    cb.totalFailures,
		TotalRejected:    cb.totalRejected,
		LastFailureAt:    cb.lastFailureAt,
		LastStateChange:  cb.lastStateChange,
	}
}

// Reset forces the breaker back to CLOSED.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var changes []transition
	if cb.state != StateClosed {
		changes = append(changes, cb.transitionLocked(StateClosed, cb.now()))
	}
	cb.failureCount = 0
	cb.windowStart = time.Time{}
	cb.mu.Unlock()
	cb.notify(changes)
}
