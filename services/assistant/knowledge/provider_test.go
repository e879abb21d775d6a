// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package knowledge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/projecthub/pkg/logging"
)

func builtin(t *testing.T) *Library {
	t.Helper()
	lib, err := LoadLibrary("")
	require.NoError(t, err)
	return lib
}

func TestLoadLibrary_Builtin(t *testing.T) {
	lib := builtin(t)
	assert.Len(t, lib.Templates, 10)
	assert.NotEmpty(t, lib.Entries)
	assert.NotEmpty(t, lib.Default.Escalation)
}

func TestLoadLibrary_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
default:
  text: Try again later.
  escalation: Ask a human.
templates:
  - category: writing
    text: Write every day.
`), 0o600))

	lib, err := LoadLibrary(path)
	require.NoError(t, err)
	fb := NewTemplateProvider(lib).GetFallback(context.Background(), "writing", "help")
	assert.Equal(t, "Write every day.", fb.Text)
	assert.Equal(t, "Ask a human.", fb.EscalationSuggestion)

	_, err = LoadLibrary(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseLibrary_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad yaml":           "default: [",
		"no default text":    "default:\n  escalation: x\n",
		"no escalation":      "default:\n  text: x\n",
		"duplicate category": "default: {text: x, escalation: y}\ntemplates:\n  - {category: a, text: t}\n  - {category: a, text: u}\n",
		"entry without id":   "default: {text: x, escalation: y}\nentries:\n  - {content: c}\n",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseLibrary([]byte(src))
			assert.ErrorIs(t, err, ErrInvalidLibrary)
		})
	}
}

func TestGetFallback_AlwaysWellFormed(t *testing.T) {
	p := NewTemplateProvider(builtin(t), WithLogger(logging.Discard()))
	categories := []string{"", "unknown", "methodology", "literature_review", "implementation", "testing",
		"data_analysis", "writing", "deadlines", "supervision", "presentation", "technical_issues"}
	for _, c := range categories {
		fb := p.GetFallback(context.Background(), c, "anything at all")
		if strings.TrimSpace(fb.Text) == "" {
			t.Errorf("category %q: empty text", c)
		}
		if strings.TrimSpace(fb.EscalationSuggestion) == "" {
			t.Errorf("category %q: empty escalation", c)
		}
		if len(fb.SuggestedFollowUps) == 0 {
			t.Errorf("category %q: no follow-ups", c)
		}
	}
}

func TestGetFallback_KeywordRanking(t *testing.T) {
	p := NewTemplateProvider(builtin(t), WithMaxEntries(1))
	fb := p.GetFallback(context.Background(), "literature_review", "which citation style should I use for my bibliography?")
	assert.Contains(t, fb.Text, "Citation styles")
	assert.Equal(t, []string{"Library guide to referencing"}, fb.Sources)
}

func TestGetFallback_NoCategorySearchesAll(t *testing.T) {
	p := NewTemplateProvider(builtin(t), WithMaxEntries(1))
	fb := p.GetFallback(context.Background(), "", "can I get an extension on the deadline")
	assert.Contains(t, fb.Text, "Extensions")

	fb = p.GetFallback(context.Background(), "", "zzz qqq")
	assert.Empty(t, fb.Sources)
}

// axisEmbedder maps texts onto fixed axes by keyword.
type axisEmbedder struct {
	calls atomic.Int32
	fail  bool
}

func (e *axisEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	if e.fail {
		return nil, errors.New("embedding service down")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		t = strings.ToLower(t)
		v := []float32{0.01, 0.01, 0.01}
		if strings.Contains(t, "sample") || strings.Contains(t, "participants") {
			v[0] = 1
		}
		if strings.Contains(t, "qualitative") {
			v[1] = 1
		}
		out[i] = v
	}
	return out, nil
}

func TestGetFallback_SemanticRanking(t *testing.T) {
	emb := &axisEmbedder{}
	p := NewTemplateProvider(builtin(t), WithEmbedder(emb), WithMaxEntries(1))

	fb := p.GetFallback(context.Background(), "methodology", "how many participants do I need?")
	assert.Contains(t, fb.Text, "Sample size")

	fb = p.GetFallback(context.Background(), "methodology", "is a qualitative study fine?")
	assert.Contains(t, fb.Text, "Choosing a method")

	// entry vectors are computed once, then one call per query
	assert.Equal(t, int32(3), emb.calls.Load())
}

func TestGetFallback_EmbedderFailureFallsBackToKeywords(t *testing.T) {
	emb := &axisEmbedder{fail: true}
	p := NewTemplateProvider(builtin(t), WithEmbedder(emb), WithMaxEntries(1), WithLogger(logging.Discard()))

	fb := p.GetFallback(context.Background(), "technical_issues", "my code crashes with an exception")
	assert.Contains(t, fb.Text, "Debugging")
	assert.NotEmpty(t, fb.EscalationSuggestion)
}

func TestGetFallback_DoneContextSkipsEmbedding(t *testing.T) {
	emb := &axisEmbedder{}
	p := NewTemplateProvider(builtin(t), WithEmbedder(emb), WithMaxEntries(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fb := p.GetFallback(ctx, "technical_issues", "my code crashes with an exception")

	assert.Contains(t, fb.Text, "Debugging")
	assert.Equal(t, int32(0), emb.calls.Load())
}

func TestReload_SwapsLibraryAndEmbeddings(t *testing.T) {
	emb := &axisEmbedder{}
	p := NewTemplateProvider(builtin(t), WithEmbedder(emb), WithMaxEntries(1))
	ctx := context.Background()

	p.GetFallback(ctx, "methodology", "how many participants do I need?")
	require.Equal(t, int32(2), emb.calls.Load())

	lib, err := ParseLibrary([]byte(`
default:
  text: Replaced default.
  escalation: Ask the module lead.
entries:
  - id: only
    title: Only entry
    content: Sample sizes for small studies.
`))
	require.NoError(t, err)
	p.Reload(lib)

	fb := p.GetFallback(ctx, "methodology", "how many participants do I need?")
	assert.True(t, strings.HasPrefix(fb.Text, "Replaced default."))
	assert.Contains(t, fb.Text, "Only entry")
	assert.Equal(t, "Ask the module lead.", fb.EscalationSuggestion)
	// the new entries are embedded again
	assert.Equal(t, int32(4), emb.calls.Load())
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, cosine([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, cosine([]float32{0, 0}, []float32{1, 2}))
}
