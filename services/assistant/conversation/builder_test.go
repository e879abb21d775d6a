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
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/projecthub/pkg/logging"
	"github.com/AleutianAI/projecthub/services/assistant/storage/badger"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewBadgerStore(db)
}

func appendUser(t *testing.T, s Store, convID, content string) {
	t.Helper()
	require.NoError(t, s.AppendMessage(context.Background(), &Message{
		ConversationID: convID, Role: RoleUser, Content: content,
	}))
}

func TestExtractTopics_OrderingAndCap(t *testing.T) {
	texts := []string{
		"How do I write the literature review? Which papers should I cite?",
		"My code has a bug, the prototype crashes with an error.",
		"Another error when I run the tests.",
	}
	topics, terms := ExtractTopics(texts, 3, 4)

	// literature_review and technical_issues tie at 3 and sort by name
	require.Len(t, topics, 3)
	assert.Equal(t, []string{TopicLiteratureReview, TopicTechnicalIssues, TopicImplementation}, topics)
	assert.Equal(t, "error", terms[0])
	assert.Len(t, terms, 4)
}

func TestExtractTopics_Deterministic(t *testing.T) {
	texts := []string{"deadline for my thesis draft", "supervisor feedback on the slides"}
	first, firstTerms := ExtractTopics(texts, 5, 10)
	for i := 0; i < 20; i++ {
		topics, terms := ExtractTopics(texts, 5, 10)
		assert.Equal(t, first, topics)
		assert.Equal(t, firstTerms, terms)
	}
}

func TestExtractTopics_NoMatches(t *testing.T) {
	topics, terms := ExtractTopics([]string{"hello there"}, 5, 10)
	assert.Empty(t, topics)
	assert.Empty(t, terms)
	assert.Equal(t, "", PrimaryTopic("hello"))
	assert.Equal(t, TopicDeadlines, PrimaryTopic("Can I get an extension on the deadline?"))
}

func TestExtractTopics_PhraseMatch(t *testing.T) {
	topics, _ := ExtractTopics([]string{"I need help with related work"}, 5, 10)
	assert.Equal(t, []string{TopicLiteratureReview}, topics)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "", Truncate("anything", 0))

	got := Truncate("abcdefghij", 8)
	assert.Equal(t, "abcde...", got)

	// multi-byte runes are never split
	s := strings.Repeat("é", 20)
	got = Truncate(s, 10)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 10, utf8.RuneCountInString(got))
	assert.Equal(t, got, Truncate(s, 10))
}

func TestInferPhase(t *testing.T) {
	now := time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)
	ms := func(done, total int) []Milestone {
		out := make([]Milestone, total)
		for i := 0; i < done; i++ {
			out[i].Completed = true
		}
		return out
	}

	assert.Equal(t, PhaseProposal, InferPhase(nil, nil, now, 120))
	assert.Equal(t, PhaseProposal, InferPhase(nil, ms(0, 5), now, 120))
	assert.Equal(t, PhaseResearch, InferPhase(nil, ms(1, 5), now, 120))
	assert.Equal(t, PhaseImplementation, InferPhase(nil, ms(2, 5), now, 120))
	assert.Equal(t, PhaseTesting, InferPhase(nil, ms(4, 5), now, 120))
	assert.Equal(t, PhaseSubmission, InferPhase(nil, ms(5, 5), now, 120))

	p := &Project{CreatedAt: now.AddDate(0, 0, -60)}
	assert.Equal(t, PhaseImplementation, InferPhase(p, nil, now, 120))
	future := &Project{CreatedAt: now.AddDate(0, 0, 5)}
	assert.Equal(t, PhaseProposal, InferPhase(future, nil, now, 120))
}

func TestLaterPhase(t *testing.T) {
	assert.Equal(t, PhaseTesting, LaterPhase(PhaseResearch, PhaseTesting))
	assert.Equal(t, PhaseTesting, LaterPhase(PhaseTesting, PhaseResearch))
	assert.Equal(t, PhaseResearch, LaterPhase(PhaseResearch, ""))
}

func TestBuild_DerivesAndPersists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveProject(ctx, &Project{ID: "p1", Title: "Thesis"}))
	for i := 0; i < 4; i++ {
		require.NoError(t, s.SaveMilestone(ctx, &Milestone{ProjectID: "p1", Title: fmt.Sprintf("m%d", i), Completed: i < 2}))
	}
	require.NoError(t, s.SaveConversation(ctx, &Conversation{ID: "c1", ProjectID: "p1"}))
	appendUser(t, s, "c1", "How should I structure my thesis introduction?")
	appendUser(t, s, "c1", "What evaluation method fits a user study?")

	b := NewBuilder(s, DefaultBuilderConfig(), logging.Discard())
	c, err := b.Build(ctx, "c1")
	require.NoError(t, err)

	assert.Equal(t, PhaseImplementation, c.ProjectPhase)
	assert.Contains(t, c.RecentTopics, TopicWriting)
	assert.Contains(t, c.RecentTopics, TopicTesting)
	assert.Contains(t, c.Summary, "Recent questions: How should I structure")
	assert.Equal(t, 2, c.MessageCount)

	stored, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, stored.Context)
	assert.Equal(t, c.Fingerprint(), stored.Context.Fingerprint())
}

func TestBuild_PhaseNeverRegresses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveProject(ctx, &Project{ID: "p1"}))
	m := &Milestone{ID: "m1", ProjectID: "p1", Completed: true}
	require.NoError(t, s.SaveMilestone(ctx, m))
	require.NoError(t, s.SaveConversation(ctx, &Conversation{ID: "c1", ProjectID: "p1"}))

	b := NewBuilder(s, DefaultBuilderConfig(), logging.Discard())
	c, err := b.Build(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, PhaseSubmission, c.ProjectPhase)

	// a new incomplete milestone would compute research, but the stored
	// phase stays
	require.NoError(t, s.SaveMilestone(ctx, &Milestone{ID: "m2", ProjectID: "p1"}))
	require.NoError(t, s.SaveMilestone(ctx, &Milestone{ID: "m3", ProjectID: "p1"}))
	c, err = b.Build(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, PhaseSubmission, c.ProjectPhase)
}

func TestBuild_SummaryBoundedAndStable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveConversation(ctx, &Conversation{ID: "c1"}))
	for i := 0; i < 30; i++ {
		appendUser(t, s, "c1", strings.Repeat("please explain the methodology chapter in detail ", 5))
	}

	cfg := DefaultBuilderConfig()
	cfg.MaxSummaryChars = 120
	b := NewBuilder(s, cfg, logging.Discard())

	first, err := b.Build(ctx, "c1")
	require.NoError(t, err)
	assert.LessOrEqual(t, utf8.RuneCountInString(first.Summary), 120)
	assert.True(t, strings.HasSuffix(first.Summary, Ellipsis))
	assert.Equal(t, 10, first.MessageCount)

	second, err := b.Build(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, first.Summary, second.Summary)
	assert.Equal(t, first.Fingerprint(), second.Fingerprint())
}

func TestBuild_UnknownConversation(t *testing.T) {
	b := NewBuilder(newTestStore(t), DefaultBuilderConfig(), logging.Discard())
	_, err := b.Build(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestSetPreference_ChangesFingerprint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveConversation(ctx, &Conversation{ID: "c1"}))
	appendUser(t, s, "c1", "help with my dataset analysis")

	b := NewBuilder(s, DefaultBuilderConfig(), logging.Discard())
	before, err := b.Build(ctx, "c1")
	require.NoError(t, err)

	require.NoError(t, b.SetPreference(ctx, "c1", "language", "de"))
	after, err := b.Build(ctx, "c1")
	require.NoError(t, err)

	assert.Equal(t, "de", after.Preferences["language"])
	assert.NotEqual(t, before.Fingerprint(), after.Fingerprint())
}

func TestBuild_ReportsArchived(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveConversation(ctx, &Conversation{ID: "c1"}))
	appendUser(t, s, "c1", "help with my dataset analysis")

	b := NewBuilder(s, DefaultBuilderConfig(), logging.Discard())
	c, err := b.Build(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, c.Archived)
	fp := c.Fingerprint()

	require.NoError(t, s.Archive(ctx, "c1"))
	c, err = b.Build(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, c.Archived)
	assert.Equal(t, fp, c.Fingerprint(), "archiving alone does not change answers")
}

func TestContext_RenderBounded(t *testing.T) {
	c := &Context{
		RecentTopics: []string{TopicWriting, TopicDeadlines},
		KeyTerms:     []string{"thesis", "deadline"},
		Summary:      strings.Repeat("x", 5000),
		ProjectPhase: PhaseResearch,
		Preferences:  map[string]string{"tone": "formal"},
	}
	out := c.Render(300)
	assert.LessOrEqual(t, utf8.RuneCountInString(out), 300)
	assert.True(t, strings.HasPrefix(out, "Project phase: research"))
	assert.Contains(t, out, "Preferences: tone=formal")

	var empty *Context
	assert.Equal(t, "", empty.Render(100))
	assert.NotEmpty(t, empty.Fingerprint())
}
