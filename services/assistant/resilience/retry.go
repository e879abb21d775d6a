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
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"syscall"
	"time"
)

// ErrInvalidRetryConfig is returned by RetryConfig.Validate.
var ErrInvalidRetryConfig = errors.New("invalid retry config")

// RetryConfig configures retry behavior with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int

	// InitialBackoff is the wait before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps every wait.
	MaxBackoff time.Duration

	// BackoffFactor multiplies the wait after each retry.
	BackoffFactor float64

	// JitterFactor spreads each wait by up to ±JitterFactor of its length.
	JitterFactor float64
}

// DefaultRetryConfig returns 3 attempts, 500ms initial wait, 4s cap,
// factor 2 and 20% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     4 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
	}
}

// Validate checks if the retry configuration is usable.
func (c RetryConfig) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: max attempts must be >= 1", ErrInvalidRetryConfig)
	case c.InitialBackoff <= 0:
		return fmt.Errorf("%w: initial backoff must be positive", ErrInvalidRetryConfig)
	case c.MaxBackoff < c.InitialBackoff:
		return fmt.Errorf("%w: max backoff below initial backoff", ErrInvalidRetryConfig)
	case c.BackoffFactor < 1.0:
		return fmt.Errorf("%w: backoff factor must be >= 1", ErrInvalidRetryConfig)
	case c.JitterFactor < 0 || c.JitterFactor > 1:
		return fmt.Errorf("%w: jitter factor must be within [0, 1]", ErrInvalidRetryConfig)
	}
	return nil
}

// RetryResult describes a finished retry loop.
type RetryResult struct {
	// Attempts is the number of times fn was called.
	Attempts int

	// TotalDuration includes waits.
	TotalDuration time.Duration

	// LastError is the error of the last attempt, nil on success.
	LastError error

	// StoppedEarly is true when the loop gave up before MaxAttempts because
	// of a non-retryable error, cancellation, or an exhausted deadline.
	StoppedEarly bool
}

// RetryableFunc is one attempt. attempt starts at 1.
type RetryableFunc func(ctx context.Context, attempt int) error

// Retry calls fn until it succeeds, returns a non-retryable error, the
// attempts run out, or ctx is done.
//
// # Description
//
// The context is checked before every attempt. When ctx carries a deadline
// that would expire during the next wait, the loop stops instead of
// sleeping into it. A *CircuitOpenError from fn always stops the loop.
//
// # Outputs
//
//   - RetryResult: Attempt statistics.
//   - error: nil on success, otherwise the last attempt error or ctx.Err().
func Retry(ctx context.Context, config RetryConfig, fn RetryableFunc) (RetryResult, error) {
	start := time.Now()
	result := RetryResult{}
	backoff := config.InitialBackoff

	finish := func(err error, early bool) (RetryResult, error) {
		result.LastError = err
		result.StoppedEarly = early
		result.TotalDuration = time.Since(start)
		return result, err
	}

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if result.LastError != nil {
				return finish(result.LastError, true)
			}
			return finish(err, true)
		}

		result.Attempts = attempt
		err := fn(ctx, attempt)
		if err == nil {
			return finish(nil, false)
		}
		result.LastError = err

		if !IsRetryable(err) {
			return finish(err, attempt < config.MaxAttempts)
		}
		if attempt == config.MaxAttempts {
			break
		}

		wait := calculateBackoff(backoff, config.JitterFactor)
		if hint := retryAfterHint(err); hint > wait {
			wait = hint
		}
		if wait > config.MaxBackoff {
			wait = config.MaxBackoff
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= wait {
			return finish(err, true)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return finish(err, true)
		case <-timer.C:
		}

		backoff = nextBackoff(backoff, config.BackoffFactor, config.MaxBackoff)
	}

	return finish(result.LastError, false)
}

// calculateBackoff applies jitter in the range [base*(1-j), base*(1+j)].
func calculateBackoff(base time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return base
	}
	jitter := (rand.Float64()*2 - 1) * jitterFactor
	return time.Duration(float64(base) * (1.0 + jitter))
}

func nextBackoff(current time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}

// =============================================================================
// Error classification
// =============================================================================

// retryable is implemented by errors that know whether a retry may help,
// such as HTTP status errors.
type retryable interface {
	Retryable() bool
}

// retryAfterer is implemented by errors carrying a server wait hint.
type retryAfterer interface {
	RetryAfter() time.Duration
}

type transientError struct {
	err error
}

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() error   { return e.err }
func (e *transientError) Retryable() bool { return true }

// Transient marks err as retryable. Returns nil for a nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsRetryable reports whether err is a transient dependency failure.
//
// Retryable: per-attempt timeouts, network errors, connection resets,
// truncated responses, and errors that report Retryable() true (5xx, 429,
// malformed payloads). Not retryable: nil, caller cancellation, breaker
// rejections, and everything else.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}

	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

func retryAfterHint(err error) time.Duration {
	var ra retryAfterer
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	return 0
}
