// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/projecthub/services/assistant/cache"
	"github.com/AleutianAI/projecthub/services/assistant/inference"
	"github.com/AleutianAI/projecthub/services/assistant/resilience"
	"github.com/AleutianAI/projecthub/services/assistant/usage"
)

// inferenceOutcome is the result of the retry loop.
type inferenceOutcome struct {
	resp inference.Response
	// attempts counts calls the breaker admitted.
	attempts int
	err      error
	// deadline is true when the request budget ran out before success.
	deadline bool
}

// infer runs the retry loop, sharing one loop between concurrent identical
// misses when coalescing is on.
func (o *Orchestrator) infer(ctx context.Context, r *request) inferenceOutcome {
	if !o.cfg.CoalesceMisses {
		return o.inferWithRetry(ctx, r)
	}
	key := cache.Key(r.query, r.fingerprint, r.model)
	v, _, shared := o.deps.Cache.Coalesce(key, func() (any, error) {
		return o.inferWithRetry(ctx, r), nil
	})
	if shared {
		r.logger.Debug("inference shared with a concurrent identical request")
	}
	return v.(inferenceOutcome)
}

func (o *Orchestrator) inferWithRetry(ctx context.Context, r *request) inferenceOutcome {
	ctx, span := tracer.Start(ctx, "orchestrator.infer")
	defer span.End()

	budget, cancel := o.budget(ctx, r)
	defer cancel()

	req := inference.Request{
		Question: r.query,
		Model:    r.model,
	}
	if r.contextUsed {
		req.Context = r.convCtx.Render(o.cfg.MaxContextChars)
	}

	var out inferenceOutcome
	res, err := resilience.Retry(budget, o.cfg.Retry, func(_ context.Context, attempt int) error {
		// Attempts run on the caller's context; the budget only gates
		// starting one.
		resp, err := o.attempt(ctx, budget, r, req)
		if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, inference.ErrThrottled) {
			return err
		}
		out.attempts++
		if err == nil {
			out.resp = resp
			return nil
		}
		r.logger.Warn("inference attempt failed",
			slog.Int("attempt", attempt),
			slog.Bool("retryable", resilience.IsRetryable(err)),
			slog.String("error", err.Error()))
		return err
	})

	out.err = err
	if err != nil {
		// Retry stops early on a retryable error only when the budget
		// cannot cover the next wait or has already run out.
		// A throttle wait that cannot finish inside the budget is a
		// deadline too.
		out.deadline = ctx.Err() == nil &&
			((res.StoppedEarly && resilience.IsRetryable(err)) || errors.Is(err, inference.ErrThrottled))
		span.RecordError(err)
		span.SetStatus(codes.Error, "inference failed")
	}
	span.SetAttributes(attribute.Int("attempts", out.attempts))
	return out
}

// budget bounds ctx by the request deadline measured from the start of Ask.
func (o *Orchestrator) budget(ctx context.Context, r *request) (context.Context, context.CancelFunc) {
	if o.cfg.RequestDeadline <= 0 {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, r.start.Add(o.cfg.RequestDeadline))
}

// attempt makes one breaker-guarded call and records it. The outbound
// token is taken against budget before the breaker is entered, so local
// throttling never counts as a dependency failure.
func (o *Orchestrator) attempt(ctx, budget context.Context, r *request, req inference.Request) (inference.Response, error) {
	var resp inference.Response
	if o.deps.Throttle != nil {
		if err := o.deps.Throttle.Wait(budget); err != nil {
			o.deps.Metrics.RecordInferenceAttempt("throttled", 0)
			return resp, err
		}
	}

	started := o.now()
	err := o.deps.Breakers.Execute(ctx, resilience.DependencyInference, func(ctx context.Context) error {
		if o.cfg.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, o.cfg.AttemptTimeout)
			defer cancel()
		}
		var err error
		resp, err = o.deps.Inference.Infer(ctx, req)
		return err
	})
	elapsed := o.now().Sub(started)

	if errors.Is(err, resilience.ErrCircuitOpen) {
		o.deps.Metrics.RecordInferenceAttempt("rejected", 0)
		return resp, err
	}

	rec := o.newRecord(r, usage.EndpointInference)
	rec.Model = r.model
	rec.ResponseTimeMs = elapsed.Milliseconds()
	if err != nil {
		o.deps.Metrics.RecordInferenceAttempt("error", elapsed.Seconds())
		rec.Success = false
		rec.ErrorMessage = truncateError(err)
		// malformed replies can still be billed
		rec.TokensUsed = resp.TokensUsed
	} else {
		o.deps.Metrics.RecordInferenceAttempt("success", elapsed.Seconds())
		rec.Success = true
		rec.TokensUsed = resp.TokensUsed
		if resp.Model != "" {
			rec.Model = resp.Model
		}
		o.deps.Limiter.RecordSuccess(r.CallerID)
	}
	o.appendUsage(ctx, rec)
	return resp, err
}
