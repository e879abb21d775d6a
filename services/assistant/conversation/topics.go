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
	"sort"
	"strings"
	"unicode"
)

// Topic categories of the fixed vocabulary.
const (
	TopicMethodology      = "methodology"
	TopicLiteratureReview = "literature_review"
	TopicImplementation   = "implementation"
	TopicTesting          = "testing"
	TopicDataAnalysis     = "data_analysis"
	TopicWriting          = "writing"
	TopicDeadlines        = "deadlines"
	TopicSupervision      = "supervision"
	TopicPresentation     = "presentation"
	TopicTechnicalIssues  = "technical_issues"
)

// vocabulary maps each category to its keywords. Single words match whole
// tokens; entries with a space match as phrases.
var vocabulary = map[string][]string{
	TopicMethodology:      {"methodology", "method", "approach", "research design", "qualitative", "quantitative", "framework", "hypothesis"},
	TopicLiteratureReview: {"literature", "citation", "cite", "reference", "references", "paper", "papers", "sources", "related work"},
	TopicImplementation:   {"implement", "implementation", "code", "coding", "prototype", "build", "architecture", "database", "api"},
	TopicTesting:          {"test", "tests", "testing", "evaluation", "evaluate", "validation", "benchmark", "user study"},
	TopicDataAnalysis:     {"data", "dataset", "analysis", "analyse", "analyze", "statistics", "regression", "survey", "results"},
	TopicWriting:          {"write", "writing", "report", "thesis", "dissertation", "chapter", "draft", "abstract", "introduction", "conclusion"},
	TopicDeadlines:        {"deadline", "deadlines", "due", "extension", "schedule", "timeline", "late", "submission"},
	TopicSupervision:      {"supervisor", "supervision", "meeting", "feedback", "advisor", "tutor"},
	TopicPresentation:     {"presentation", "present", "slides", "poster", "demo", "viva", "defense", "defence"},
	TopicTechnicalIssues:  {"error", "bug", "crash", "install", "installation", "compile", "exception", "broken", "not working"},
}

type match struct {
	name  string
	count int
}

// ExtractTopics counts vocabulary matches across texts.
//
// # Outputs
//
//   - topics: Categories with at least one match, by descending count then
//     name, at most maxTopics.
//   - terms: Matched keywords ordered the same way, at most maxTerms.
func ExtractTopics(texts []string, maxTopics, maxTerms int) (topics, terms []string) {
	categoryCounts := make(map[string]int)
	termCounts := make(map[string]int)

	for _, text := range texts {
		lowered := strings.ToLower(text)
		tokens := tokenize(lowered)
		for category, keywords := range vocabulary {
			for _, kw := range keywords {
				var n int
				if strings.Contains(kw, " ") {
					n = strings.Count(lowered, kw)
				} else {
					n = tokens[kw]
				}
				if n > 0 {
					categoryCounts[category] += n
					termCounts[kw] += n
				}
			}
		}
	}

	return rank(categoryCounts, maxTopics), rank(termCounts, maxTerms)
}

func tokenize(s string) map[string]int {
	out := make(map[string]int)
	for _, f := range strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		out[f]++
	}
	return out
}

func rank(counts map[string]int, limit int) []string {
	matches := make([]match, 0, len(counts))
	for name, c := range counts {
		matches = append(matches, match{name: name, count: c})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].count != matches[j].count {
			return matches[i].count > matches[j].count
		}
		return matches[i].name < matches[j].name
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.name
	}
	return out
}

// PrimaryTopic returns the best-ranked category for a single query, or "".
func PrimaryTopic(query string) string {
	topics, _ := ExtractTopics([]string{query}, 1, 0)
	if len(topics) == 0 {
		return ""
	}
	return topics[0]
}
