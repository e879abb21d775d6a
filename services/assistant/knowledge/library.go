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
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var builtinTemplates []byte

// ErrInvalidLibrary is returned when a template file is unusable.
var ErrInvalidLibrary = errors.New("invalid knowledge library")

// Template is the canned guidance for one topic category.
type Template struct {
	Category   string   `yaml:"category"`
	Text       string   `yaml:"text"`
	Escalation string   `yaml:"escalation"`
	FollowUps  []string `yaml:"follow_ups"`
}

// Entry is one knowledge-base article that can be attached to a fallback.
type Entry struct {
	ID       string   `yaml:"id"`
	Category string   `yaml:"category"`
	Title    string   `yaml:"title"`
	Content  string   `yaml:"content"`
	Keywords []string `yaml:"keywords"`
	Source   string   `yaml:"source"`
}

// embedText is what gets embedded for semantic ranking.
func (e Entry) embedText() string {
	return e.Title + ". " + e.Content
}

// Library is the parsed template file.
type Library struct {
	Default   Template   `yaml:"default"`
	Templates []Template `yaml:"templates"`
	Entries   []Entry    `yaml:"entries"`
}

// LoadLibrary reads templates from path, or the built-in set when path is
// empty.
func LoadLibrary(path string) (*Library, error) {
	if path == "" {
		return ParseLibrary(builtinTemplates)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge library %s: %w", path, err)
	}
	return ParseLibrary(b)
}

// ParseLibrary decodes and validates a YAML library. The default template
// must carry text and an escalation so every fallback is well formed.
func ParseLibrary(b []byte) (*Library, error) {
	var lib Library
	if err := yaml.Unmarshal(b, &lib); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLibrary, err)
	}
	if strings.TrimSpace(lib.Default.Text) == "" {
		return nil, fmt.Errorf("%w: default.text is empty", ErrInvalidLibrary)
	}
	if strings.TrimSpace(lib.Default.Escalation) == "" {
		return nil, fmt.Errorf("%w: default.escalation is empty", ErrInvalidLibrary)
	}

	seen := make(map[string]bool, len(lib.Templates))
	for i, t := range lib.Templates {
		if t.Category == "" {
			return nil, fmt.Errorf("%w: template %d has no category", ErrInvalidLibrary, i)
		}
		if seen[t.Category] {
			return nil, fmt.Errorf("%w: duplicate template for %q", ErrInvalidLibrary, t.Category)
		}
		seen[t.Category] = true
	}
	ids := make(map[string]bool, len(lib.Entries))
	for i, e := range lib.Entries {
		if e.ID == "" || strings.TrimSpace(e.Content) == "" {
			return nil, fmt.Errorf("%w: entry %d needs id and content", ErrInvalidLibrary, i)
		}
		if ids[e.ID] {
			return nil, fmt.Errorf("%w: duplicate entry id %q", ErrInvalidLibrary, e.ID)
		}
		ids[e.ID] = true
	}
	return &lib, nil
}
