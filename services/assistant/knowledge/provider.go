// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package knowledge selects non-AI fallback answers.
//
// # Description
//
// A fallback is the template of the question's topic category plus the best
// matching knowledge entries. Entries are ranked by cosine similarity of
// embeddings when an embedder is configured and reachable, and by keyword
// overlap otherwise, so a fallback never depends on a healthy dependency.
//
// # Thread Safety
//
// TemplateProvider is safe for concurrent use.
package knowledge

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/projecthub/services/assistant/inference"
)

// DefaultMaxEntries is how many knowledge entries a fallback cites.
const DefaultMaxEntries = 2

// Fallback is a well-formed non-AI answer.
type Fallback struct {
	Text                 string
	SuggestedFollowUps   []string
	EscalationSuggestion string
	Sources              []string
}

// Provider produces fallback answers. It never fails: the worst case is the
// default template.
type Provider interface {
	GetFallback(ctx context.Context, category, query string) Fallback
}

// TemplateProvider is the Provider backed by a Library. The library can be
// swapped at runtime with Reload.
type TemplateProvider struct {
	embedder   inference.Embedder
	logger     *slog.Logger
	maxEntries int

	mu  sync.RWMutex
	cur *snapshot
	gen uint64

	vecGroup singleflight.Group
}

// snapshot is one loaded library with its lazily embedded entries.
type snapshot struct {
	gen        uint64
	lib        *Library
	byCategory map[string]Template

	mu        sync.RWMutex
	entryVecs [][]float32
}

func newSnapshot(gen uint64, lib *Library) *snapshot {
	s := &snapshot{gen: gen, lib: lib, byCategory: make(map[string]Template, len(lib.Templates))}
	for _, t := range lib.Templates {
		s.byCategory[t.Category] = t
	}
	return s
}

// Option configures a TemplateProvider.
type Option func(*TemplateProvider)

// WithEmbedder enables semantic ranking.
func WithEmbedder(e inference.Embedder) Option {
	return func(p *TemplateProvider) { p.embedder = e }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *TemplateProvider) { p.logger = logger }
}

// WithMaxEntries sets how many entries are attached. Zero attaches none.
func WithMaxEntries(n int) Option {
	return func(p *TemplateProvider) {
		if n >= 0 {
			p.maxEntries = n
		}
	}
}

// NewTemplateProvider creates a provider over lib.
func NewTemplateProvider(lib *Library, opts ...Option) *TemplateProvider {
	p := &TemplateProvider{
		logger:     slog.Default(),
		maxEntries: DefaultMaxEntries,
		cur:        newSnapshot(0, lib),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Reload replaces the library. Fallbacks already in progress finish with
// the previous one; entry embeddings are recomputed on next use.
func (p *TemplateProvider) Reload(lib *Library) {
	p.mu.Lock()
	p.gen++
	p.cur = newSnapshot(p.gen, lib)
	p.mu.Unlock()
}

func (p *TemplateProvider) snapshot() *snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cur
}

// GetFallback implements Provider. An unknown or empty category uses the
// default template.
func (p *TemplateProvider) GetFallback(ctx context.Context, category, query string) Fallback {
	snap := p.snapshot()
	lib := snap.lib

	tpl, ok := snap.byCategory[category]
	if !ok {
		tpl = lib.Default
	}

	fb := Fallback{
		Text:                 strings.TrimSpace(tpl.Text),
		EscalationSuggestion: tpl.Escalation,
		SuggestedFollowUps:   append([]string(nil), tpl.FollowUps...),
	}
	if fb.Text == "" {
		fb.Text = strings.TrimSpace(lib.Default.Text)
	}
	if fb.EscalationSuggestion == "" {
		fb.EscalationSuggestion = lib.Default.Escalation
	}
	if len(fb.SuggestedFollowUps) == 0 {
		fb.SuggestedFollowUps = append([]string(nil), lib.Default.FollowUps...)
	}

	for _, e := range p.rank(ctx, snap, category, query) {
		fb.Text += "\n\n" + e.Title + ": " + e.Content
		if e.Source != "" {
			fb.Sources = append(fb.Sources, e.Source)
		}
	}
	return fb
}

type scored struct {
	idx   int
	score float64
}

// rank returns at most maxEntries entries for the query. Entries of the
// category are preferred; without a category match the whole library is
// searched and only positive scores are kept.
//
// Semantic ranking is skipped once ctx is done, so a fallback served after
// the request budget ran out makes no embedding calls.
func (p *TemplateProvider) rank(ctx context.Context, snap *snapshot, category, query string) []Entry {
	lib := snap.lib
	if p.maxEntries == 0 || len(lib.Entries) == 0 {
		return nil
	}

	var candidates []int
	for i, e := range lib.Entries {
		if category != "" && e.Category == category {
			candidates = append(candidates, i)
		}
	}
	inCategory := len(candidates) > 0
	if !inCategory {
		for i := range lib.Entries {
			candidates = append(candidates, i)
		}
	}

	var results []scored
	if p.embedder != nil && ctx.Err() == nil {
		var err error
		results, err = p.semanticScores(ctx, snap, query, candidates)
		if err != nil {
			p.logger.Debug("semantic ranking unavailable, using keywords",
				slog.String("error", err.Error()))
			results = nil
		}
	}
	if results == nil {
		results = keywordScores(lib, query, candidates)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return lib.Entries[results[i].idx].ID < lib.Entries[results[j].idx].ID
	})

	out := make([]Entry, 0, p.maxEntries)
	for _, r := range results {
		if len(out) == p.maxEntries {
			break
		}
		if !inCategory && r.score <= 0 {
			break
		}
		out = append(out, lib.Entries[r.idx])
	}
	return out
}

func keywordScores(lib *Library, query string, candidates []int) []scored {
	q := tokens(query)
	out := make([]scored, 0, len(candidates))
	for _, i := range candidates {
		e := lib.Entries[i]
		words := tokens(e.Title)
		for _, k := range e.Keywords {
			words[strings.ToLower(k)] = struct{}{}
		}
		n := 0
		for w := range q {
			if _, ok := words[w]; ok {
				n++
			}
		}
		out = append(out, scored{idx: i, score: float64(n)})
	}
	return out
}

func (p *TemplateProvider) semanticScores(ctx context.Context, snap *snapshot, query string, candidates []int) ([]scored, error) {
	vecs, err := p.entryVectors(ctx, snap)
	if err != nil {
		return nil, err
	}
	qv, err := p.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	out := make([]scored, 0, len(candidates))
	for _, i := range candidates {
		out = append(out, scored{idx: i, score: cosine(qv[0], vecs[i])})
	}
	return out, nil
}

// entryVectors embeds every entry of snap once. Failures are not cached,
// so the next fallback tries again.
func (p *TemplateProvider) entryVectors(ctx context.Context, snap *snapshot) ([][]float32, error) {
	snap.mu.RLock()
	vecs := snap.entryVecs
	snap.mu.RUnlock()
	if vecs != nil {
		return vecs, nil
	}

	v, err, _ := p.vecGroup.Do(strconv.FormatUint(snap.gen, 10), func() (any, error) {
		texts := make([]string, len(snap.lib.Entries))
		for i, e := range snap.lib.Entries {
			texts[i] = e.embedText()
		}
		all := make([][]float32, 0, len(texts))
		for start := 0; start < len(texts); start += inference.MaxEmbedBatch {
			end := min(start+inference.MaxEmbedBatch, len(texts))
			batch, err := p.embedder.Embed(ctx, texts[start:end])
			if err != nil {
				return nil, err
			}
			all = append(all, batch...)
		}
		snap.mu.Lock()
		snap.entryVecs = all
		snap.mu.Unlock()
		return all, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([][]float32), nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func tokens(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	}) {
		out[f] = struct{}{}
	}
	return out
}
