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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/projecthub/services/assistant/resilience"
	"github.com/AleutianAI/projecthub/services/assistant/usage"
)

// MaxEmbedBatch is the largest number of texts the embedding service accepts
// in one call.
const MaxEmbedBatch = 100

// ErrEmbedBatch is returned for empty batches or batches above MaxEmbedBatch.
var ErrEmbedBatch = errors.New("embedding batch must hold 1 to 100 texts")

// Embedder turns texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// HTTPEmbedder calls the embedding service:
//
//	POST {base}/embed {"texts", "normalize"} -> {"embeddings", "model", "dimensions"}
//
// A 503 means the model is not loaded yet and is retryable.
type HTTPEmbedder struct {
	baseURL    string
	normalize  bool
	httpClient *http.Client
}

// NewHTTPEmbedder creates an embedder that requests normalized vectors.
func NewHTTPEmbedder(baseURL string, httpClient *http.Client) *HTTPEmbedder {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPEmbedder{
		baseURL:    strings.TrimRight(baseURL, "/"),
		normalize:  true,
		httpClient: httpClient,
	}
}

type embedRequest struct {
	Texts     []string `json:"texts"`
	Normalize bool     `json:"normalize"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Model      string      `json:"model"`
	Dimensions int         `json:"dimensions"`
}

// Embed implements Embedder. The result has one vector per text, in order.
func (e *HTTPEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 || len(texts) > MaxEmbedBatch {
		return nil, fmt.Errorf("%w: got %d", ErrEmbedBatch, len(texts))
	}
	body, err := json.Marshal(embedRequest{Texts: texts, Normalize: e.normalize})
	if err != nil {
		return nil, fmt.Errorf("encode embed request: %w", err)
	}

	var out embedResponse
	if err := postJSON(ctx, e.httpClient, e.baseURL+"/embed", body, &out); err != nil {
		return nil, err
	}
	if len(out.Embeddings) != len(texts) {
		return nil, resilience.Transient(fmt.Errorf("%w: %d embeddings for %d texts",
			ErrMalformedResponse, len(out.Embeddings), len(texts)))
	}
	for i, v := range out.Embeddings {
		if len(v) == 0 || (out.Dimensions > 0 && len(v) != out.Dimensions) {
			return nil, resilience.Transient(fmt.Errorf("%w: embedding %d has %d dimensions",
				ErrMalformedResponse, i, len(v)))
		}
	}
	return out.Embeddings, nil
}

// UsageWriter appends usage records. usage.Ledger satisfies it.
type UsageWriter interface {
	Append(ctx context.Context, rec *usage.Record) error
}

// GuardedEmbedder routes every call through a breaker of a registry and,
// when given a UsageWriter, records one embedding row per call the breaker
// admitted.
type GuardedEmbedder struct {
	next     Embedder
	breakers *resilience.Registry
	name     string
	usage    UsageWriter
	logger   *slog.Logger
	now      func() time.Time
}

// GuardedOption configures a GuardedEmbedder.
type GuardedOption func(*GuardedEmbedder)

// WithUsage records embedding calls in w. Write failures are logged.
func WithUsage(w UsageWriter, logger *slog.Logger) GuardedOption {
	return func(g *GuardedEmbedder) {
		g.usage = w
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGuardedEmbedder wraps next with the breaker called name.
func NewGuardedEmbedder(next Embedder, breakers *resilience.Registry, name string, opts ...GuardedOption) *GuardedEmbedder {
	g := &GuardedEmbedder{
		next:     next,
		breakers: breakers,
		name:     name,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Embed implements Embedder.
func (g *GuardedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	started := g.now()
	err := g.breakers.Execute(ctx, g.name, func(ctx context.Context) error {
		var err error
		out, err = g.next.Embed(ctx, texts)
		return err
	})
	if g.usage != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
		g.record(ctx, g.now().Sub(started), err)
	}
	return out, err
}

func (g *GuardedEmbedder) record(ctx context.Context, elapsed time.Duration, err error) {
	rec := usage.NewRecord(usage.EndpointEmbedding, g.now())
	rec.ResponseTimeMs = elapsed.Milliseconds()
	rec.Success = err == nil
	if err != nil {
		rec.ErrorMessage = err.Error()
	}
	if werr := g.usage.Append(context.WithoutCancel(ctx), rec); werr != nil {
		g.logger.Error("usage record write failed",
			slog.String("endpoint", rec.Endpoint),
			slog.String("error", werr.Error()))
	}
}
