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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/AleutianAI/projecthub/services/assistant/resilience"
)

// maxErrorBody bounds how much of an error reply is kept.
const maxErrorBody = 512

// HTTPClient posts questions to an internal inference endpoint:
//
//	POST {base}/infer {"question", "context", "model"}
//	-> {"answer", "confidence", "tokens_used", "model"}
type HTTPClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPClient creates an HTTPClient. A nil httpClient uses
// http.DefaultClient; per-attempt timeouts come from the context.
func NewHTTPClient(baseURL, model string, httpClient *http.Client, logger *slog.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: httpClient,
		logger:     logger,
	}
}

type inferRequest struct {
	Question string `json:"question"`
	Context  string `json:"context,omitempty"`
	Model    string `json:"model"`
}

type inferResponse struct {
	Answer     string   `json:"answer"`
	Confidence *float64 `json:"confidence"`
	TokensUsed int      `json:"tokens_used"`
	Model      string   `json:"model"`
}

// Infer implements Client.
func (c *HTTPClient) Infer(ctx context.Context, req Request) (Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	body, err := json.Marshal(inferRequest{Question: req.Question, Context: req.Context, Model: model})
	if err != nil {
		return Response{}, fmt.Errorf("encode inference request: %w", err)
	}

	var out inferResponse
	if err := postJSON(ctx, c.httpClient, c.baseURL+"/infer", body, &out); err != nil {
		return Response{}, err
	}

	answer, confidence, err := validateAnswer(out.Answer, out.Confidence)
	if err != nil {
		return Response{TokensUsed: out.TokensUsed, Model: model}, err
	}
	if out.Model != "" {
		model = out.Model
	}
	return Response{Answer: answer, Confidence: confidence, TokensUsed: out.TokensUsed, Model: model}, nil
}

// postJSON sends body and decodes a 2xx reply into out. Non-2xx replies
// become *StatusError; undecodable 2xx replies are malformed.
func postJSON(ctx context.Context, hc *http.Client, url string, body []byte, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(b)),
			Wait:       parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resilience.Transient(fmt.Errorf("%w: %v", ErrMalformedResponse, err))
	}
	return nil
}
