// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package inference

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"
)

// ErrThrottled is returned by Throttle.Wait when no outbound token becomes
// available before ctx is done. It is a local condition, not a failure of
// the inference dependency, and is never retried.
var ErrThrottled = errors.New("outbound inference throttled")

// Throttle smooths outbound inference calls with a token bucket.
//
// # Description
//
// Callers take a token before entering the dependency's circuit breaker, so
// time spent queued here never counts against the endpoint. A nil *Throttle
// admits everything.
//
// # Thread Safety
//
// Safe for concurrent use.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle returns a throttle allowing rps calls per second with the given
// burst. rps <= 0 returns nil, which disables throttling.
func NewThrottle(rps float64, burst int) *Throttle {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until a token is available or ctx is done. A token that could
// not arrive before ctx's deadline fails immediately.
func (t *Throttle) Wait(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrThrottled, err)
	}
	return nil
}
