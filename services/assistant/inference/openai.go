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
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/projecthub/services/assistant/resilience"
)

// apiKeySecretPath is checked when no key is configured.
const apiKeySecretPath = "/run/secrets/openai_api_key"

// OpenAIClient answers through any OpenAI-compatible chat completion API.
type OpenAIClient struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// OpenAIConfig configures NewOpenAIClient.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewOpenAIClient creates a client. An empty APIKey falls back to the
// mounted secret; having neither is an error.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		b, err := os.ReadFile(apiKeySecretPath)
		if err != nil {
			return nil, fmt.Errorf("openai api key not configured and %s unreadable: %w", apiKeySecretPath, err)
		}
		apiKey = strings.TrimSpace(string(b))
		logger.Info("read openai api key from secret", slog.String("path", apiKeySecretPath))
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	oc := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}

	logger.Info("initializing openai inference client",
		slog.String("model", cfg.Model),
		slog.Bool("api_key_present", apiKey != ""),
		slog.Bool("custom_base_url", cfg.BaseURL != ""))

	return &OpenAIClient{
		client: openai.NewClientWithConfig(oc),
		model:  cfg.Model,
		logger: logger,
	}, nil
}

// Infer implements Client.
func (o *OpenAIClient) Infer(ctx context.Context, req Request) (Response, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(req)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return Response{}, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, resilience.Transient(fmt.Errorf("%w: no choices", ErrMalformedResponse))
	}

	o.logger.Debug("openai completion received",
		slog.String("model", resp.Model),
		slog.String("finish_reason", string(resp.Choices[0].FinishReason)),
		slog.Int("total_tokens", resp.Usage.TotalTokens))

	answer, confidence, err := parseAnswer(resp.Choices[0].Message.Content)
	if err != nil {
		return Response{TokensUsed: resp.Usage.TotalTokens, Model: model}, err
	}
	return Response{
		Answer:     answer,
		Confidence: confidence,
		TokensUsed: resp.Usage.TotalTokens,
		Model:      model,
	}, nil
}

// classifyOpenAIError maps go-openai errors onto StatusError so retry
// decisions use the HTTP status.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return fmt.Errorf("openai: %w", &StatusError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message})
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		body := ""
		if reqErr.Err != nil {
			body = reqErr.Err.Error()
		}
		return fmt.Errorf("openai: %w", &StatusError{StatusCode: reqErr.HTTPStatusCode, Body: body})
	}
	return fmt.Errorf("openai: %w", err)
}
