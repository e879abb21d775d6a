// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package inference talks to the external AI services: the metered answer
// endpoint and the embedding service.
//
// Clients do not retry and do not guard themselves with breakers. Both are
// the caller's job; errors returned here are classified so that
// resilience.IsRetryable can tell transient failures from permanent ones.
package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/projecthub/services/assistant/resilience"
)

// ErrMalformedResponse is returned when the service answered but the payload
// lacks an answer or a usable confidence. It is retryable.
var ErrMalformedResponse = errors.New("malformed inference response")

// Request is one question for the inference service.
type Request struct {
	Question string
	// Context is the rendered conversation context, possibly empty.
	Context string
	// Model overrides the client default when set.
	Model string
}

// Response is a well-formed inference answer.
type Response struct {
	Answer     string
	Confidence float64
	TokensUsed int
	Model      string
}

// Client answers questions.
type Client interface {
	Infer(ctx context.Context, req Request) (Response, error)
}

// StatusError is a non-2xx reply from a dependency.
type StatusError struct {
	StatusCode int
	Body       string
	Wait       time.Duration
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("dependency returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("dependency returned status %d: %s", e.StatusCode, e.Body)
}

// Retryable is true for 408, 429 and 5xx.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= 500
}

// RetryAfter returns the server's wait hint, zero when absent.
func (e *StatusError) RetryAfter() time.Duration {
	return e.Wait
}

// parseRetryAfter reads a Retry-After header in seconds form. HTTP-date
// values are ignored.
func parseRetryAfter(h string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

const systemPrompt = `You are an assistant for students working on academic projects.
Answer the student's question using the conversation context when it is relevant.
Reply with a single JSON object: {"answer": "<your answer>", "confidence": <number between 0 and 1>}.
The confidence is how sure you are that the answer is correct and helpful.`

// userPrompt combines the rendered context and the question.
func userPrompt(req Request) string {
	if strings.TrimSpace(req.Context) == "" {
		return "Question: " + req.Question
	}
	return "Context:\n" + req.Context + "\n\nQuestion: " + req.Question
}

type answerPayload struct {
	Answer     string   `json:"answer"`
	Confidence *float64 `json:"confidence"`
}

// parseAnswer decodes the {"answer", "confidence"} object. Missing or empty
// answers and confidences outside [0, 1] are malformed.
func parseAnswer(raw string) (string, float64, error) {
	raw = strings.TrimSpace(raw)
	// tolerate fenced output from chat models
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var p answerPayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &p); err != nil {
		return "", 0, resilience.Transient(fmt.Errorf("%w: %v", ErrMalformedResponse, err))
	}
	return validateAnswer(p.Answer, p.Confidence)
}

func validateAnswer(answer string, confidence *float64) (string, float64, error) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", 0, resilience.Transient(fmt.Errorf("%w: empty answer", ErrMalformedResponse))
	}
	if confidence == nil {
		return "", 0, resilience.Transient(fmt.Errorf("%w: missing confidence", ErrMalformedResponse))
	}
	if *confidence < 0 || *confidence > 1 {
		return "", 0, resilience.Transient(fmt.Errorf("%w: confidence %v outside [0, 1]", ErrMalformedResponse, *confidence))
	}
	return answer, *confidence, nil
}
