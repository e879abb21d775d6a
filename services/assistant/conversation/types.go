// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation stores conversations and derives their bounded
// answer context.
//
// # Description
//
// The store is the source of truth for conversations, their append-only
// message history, projects and milestones. The Builder derives a Context
// from the most recent messages and the project state: deterministic topics
// and key terms, a truncated summary, and a project phase that never moves
// backwards. The derived Context is written back onto the conversation
// record; concurrent builds resolve last-write-wins.
package conversation

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"time"
)

// Sentinel errors.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrProjectNotFound      = errors.New("project not found")
	ErrInvalidMessage       = errors.New("invalid message")
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a conversation's history. Messages are never
// modified after AppendMessage.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	FromAI         bool      `json:"from_ai,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Conversation is the owning record of a message history.
type Conversation struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id,omitempty"`
	ProjectID    string    `json:"project_id,omitempty"`
	Title        string    `json:"title,omitempty"`
	Archived     bool      `json:"archived"`
	MessageCount int64     `json:"message_count"`
	Context      *Context  `json:"context,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Project is the academic project a conversation is about.
type Project struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Deadline    time.Time `json:"deadline,omitempty"`
}

// Milestone is a checkpoint of a project.
type Milestone struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Title       string    `json:"title"`
	DueDate     time.Time `json:"due_date,omitempty"`
	Completed   bool      `json:"completed"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Context is the derived, size-bounded context of a conversation.
type Context struct {
	RecentTopics []string          `json:"recent_topics"`
	KeyTerms     []string          `json:"key_terms"`
	Summary      string            `json:"summary"`
	ProjectPhase Phase             `json:"project_phase"`
	Preferences  map[string]string `json:"preferences,omitempty"`
	MessageCount int               `json:"message_count"`
	LastActivity time.Time         `json:"last_activity"`
	// Archived mirrors the conversation flag at build time. Not persisted.
	Archived bool `json:"-"`
}

// Empty reports whether the context carries nothing answer-relevant.
func (c *Context) Empty() bool {
	return c == nil || (len(c.RecentTopics) == 0 && c.Summary == "" && c.ProjectPhase == "")
}

// Fingerprint hashes the fields that change an answer. LastActivity and
// MessageCount are excluded so that idle rebuilds keep cache keys stable.
func (c *Context) Fingerprint() string {
	h := sha256.New()
	if c == nil {
		return hex.EncodeToString(h.Sum(nil))
	}
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}
	write("topics")
	write(c.RecentTopics...)
	write("terms")
	write(c.KeyTerms...)
	write("summary", c.Summary, "phase", string(c.ProjectPhase), "prefs")

	keys := make([]string, 0, len(c.Preferences))
	for k := range c.Preferences {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		write(k, c.Preferences[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Render formats the context for the inference prompt, truncated to at most
// maxChars runes.
func (c *Context) Render(maxChars int) string {
	if c.Empty() {
		return ""
	}
	var b strings.Builder
	if c.ProjectPhase != "" {
		b.WriteString("Project phase: ")
		b.WriteString(string(c.ProjectPhase))
		b.WriteString("\n")
	}
	if len(c.RecentTopics) > 0 {
		b.WriteString("Recent topics: ")
		b.WriteString(strings.Join(c.RecentTopics, ", "))
		b.WriteString("\n")
	}
	if len(c.KeyTerms) > 0 {
		b.WriteString("Key terms: ")
		b.WriteString(strings.Join(c.KeyTerms, ", "))
		b.WriteString("\n")
	}
	if len(c.Preferences) > 0 {
		keys := make([]string, 0, len(c.Preferences))
		for k := range c.Preferences {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Preferences: ")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(k + "=" + c.Preferences[k])
		}
		b.WriteString("\n")
	}
	if c.Summary != "" {
		b.WriteString("Summary: ")
		b.WriteString(c.Summary)
	}
	return Truncate(strings.TrimRight(b.String(), "\n"), maxChars)
}

// Ellipsis marks a truncated string.
const Ellipsis = "..."

// Truncate cuts s to at most maxChars runes, ending with Ellipsis when cut.
// The result depends only on its inputs.
func Truncate(s string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	if maxChars <= len(Ellipsis) {
		return string(runes[:maxChars])
	}
	cut := strings.TrimRight(string(runes[:maxChars-len(Ellipsis)]), " ")
	return cut + Ellipsis
}
