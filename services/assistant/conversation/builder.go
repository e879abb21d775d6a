// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("projecthub.assistant.conversation")

// BuilderConfig bounds the derived context.
type BuilderConfig struct {
	RecentMessages      int
	MaxTopics           int
	MaxKeyTerms         int
	MaxQuestions        int
	MaxSummaryChars     int
	ExpectedProjectDays int
}

// DefaultBuilderConfig returns 10 messages, 5 topics, 10 terms,
// 3 questions, 500 summary characters and a 120 day project.
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		RecentMessages:      10,
		MaxTopics:           5,
		MaxKeyTerms:         10,
		MaxQuestions:        3,
		MaxSummaryChars:     500,
		ExpectedProjectDays: 120,
	}
}

// Builder derives and persists conversation contexts.
type Builder struct {
	store  Store
	cfg    BuilderConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewBuilder creates a Builder. A nil logger uses slog.Default().
func NewBuilder(store Store, cfg BuilderConfig, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{store: store, cfg: cfg, logger: logger, now: time.Now}
}

// Build derives the context of conversationID from its recent messages and
// project state, and stores it on the conversation record.
//
// # Outputs
//
//   - *Context: The new context.
//   - error: ErrConversationNotFound for unknown ids, or a store failure.
//     A failure to persist the result is logged, not returned.
func (b *Builder) Build(ctx context.Context, conversationID string) (*Context, error) {
	ctx, span := tracer.Start(ctx, "conversation.Build")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", conversationID))

	conv, err := b.store.GetConversation(ctx, conversationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load conversation")
		return nil, err
	}

	msgs, err := b.store.RecentMessages(ctx, conversationID, b.cfg.RecentMessages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load messages")
		return nil, err
	}

	var project *Project
	var milestones []Milestone
	if conv.ProjectID != "" {
		project, err = b.store.GetProject(ctx, conv.ProjectID)
		if err != nil && !errors.Is(err, ErrProjectNotFound) {
			return nil, err
		}
		if project != nil {
			milestones, err = b.store.Milestones(ctx, project.ID)
			if err != nil {
				return nil, err
			}
		}
	}

	c := b.derive(conv, msgs, project, milestones)

	if err := b.store.SaveContext(ctx, conversationID, c); err != nil {
		b.logger.Warn("persist conversation context failed",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()))
	}

	span.SetAttributes(
		attribute.Int("context.messages", len(msgs)),
		attribute.StringSlice("context.topics", c.RecentTopics),
		attribute.String("context.phase", string(c.ProjectPhase)),
	)
	return c, nil
}

func (b *Builder) derive(conv *Conversation, msgs []Message, project *Project, milestones []Milestone) *Context {
	texts := make([]string, 0, len(msgs))
	var questions []string
	for _, m := range msgs {
		texts = append(texts, m.Content)
		if m.Role == RoleUser {
			questions = append(questions, m.Content)
		}
	}
	topics, terms := ExtractTopics(texts, b.cfg.MaxTopics, b.cfg.MaxKeyTerms)

	now := b.now()
	phase := InferPhase(project, milestones, now, b.cfg.ExpectedProjectDays)
	var prefs map[string]string
	if prev := conv.Context; prev != nil {
		phase = LaterPhase(phase, prev.ProjectPhase)
		if len(prev.Preferences) > 0 {
			prefs = make(map[string]string, len(prev.Preferences))
			for k, v := range prev.Preferences {
				prefs[k] = v
			}
		}
	}

	lastActivity := conv.UpdatedAt
	if len(msgs) > 0 {
		lastActivity = msgs[len(msgs)-1].CreatedAt
	}

	return &Context{
		RecentTopics: topics,
		KeyTerms:     terms,
		Summary:      b.summarize(topics, questions),
		ProjectPhase: phase,
		Preferences:  prefs,
		MessageCount: len(msgs),
		Archived:     conv.Archived,
		LastActivity: lastActivity,
	}
}

// summarize joins the top topics with the latest user questions and
// truncates the result.
func (b *Builder) summarize(topics, questions []string) string {
	if len(questions) > b.cfg.MaxQuestions {
		questions = questions[len(questions)-b.cfg.MaxQuestions:]
	}
	var parts []string
	if len(topics) > 0 {
		parts = append(parts, fmt.Sprintf("Topics: %s.", strings.Join(topics, ", ")))
	}
	if len(questions) > 0 {
		cleaned := make([]string, len(questions))
		for i, q := range questions {
			cleaned[i] = strings.Join(strings.Fields(q), " ")
		}
		parts = append(parts, "Recent questions: "+strings.Join(cleaned, " | "))
	}
	return Truncate(strings.Join(parts, " "), b.cfg.MaxSummaryChars)
}

// SetPreference records a caller preference on the stored context. It is
// folded into later builds and into the fingerprint.
func (b *Builder) SetPreference(ctx context.Context, conversationID, key, value string) error {
	conv, err := b.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	c := conv.Context
	if c == nil {
		c = &Context{}
	}
	if c.Preferences == nil {
		c.Preferences = make(map[string]string)
	}
	c.Preferences[key] = value
	return b.store.SaveContext(ctx, conversationID, c)
}
