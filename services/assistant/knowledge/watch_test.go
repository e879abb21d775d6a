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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/projecthub/pkg/logging"
)

// replaceFile writes body next to path and renames it into place, the way
// deploy tooling swaps config files.
func replaceFile(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(body), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

func writeLibrary(t *testing.T, path, text string) {
	t.Helper()
	replaceFile(t, path, "default:\n  text: "+text+"\n  escalation: Ask a human.\n")
}

func startWatcher(t *testing.T, path string, p *TemplateProvider) chan error {
	t.Helper()
	w, err := NewWatcher(path, p, 10*time.Millisecond, logging.Discard())
	require.NoError(t, err)

	reloads := make(chan error, 8)
	w.onReload = func(err error) { reloads <- err }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = w.Close()
		<-done
	})
	return reloads
}

func waitReload(t *testing.T, reloads chan error) error {
	t.Helper()
	select {
	case err := <-reloads:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after the template file changed")
		return nil
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	writeLibrary(t, path, "First version.")
	lib, err := LoadLibrary(path)
	require.NoError(t, err)
	p := NewTemplateProvider(lib)

	reloads := startWatcher(t, path, p)

	writeLibrary(t, path, "Second version.")
	require.NoError(t, waitReload(t, reloads))

	fb := p.GetFallback(context.Background(), "", "anything")
	assert.Equal(t, "Second version.", fb.Text)
}

func TestWatcher_KeepsLibraryOnBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	writeLibrary(t, path, "Good version.")
	lib, err := LoadLibrary(path)
	require.NoError(t, err)
	p := NewTemplateProvider(lib)

	reloads := startWatcher(t, path, p)

	// no escalation: rejected by ParseLibrary
	replaceFile(t, path, "default:\n  text: Broken.\n")
	assert.ErrorIs(t, waitReload(t, reloads), ErrInvalidLibrary)

	fb := p.GetFallback(context.Background(), "", "anything")
	assert.Equal(t, "Good version.", fb.Text)
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "templates.yaml")
	writeLibrary(t, path, "Stable.")
	lib, err := LoadLibrary(path)
	require.NoError(t, err)

	reloads := startWatcher(t, path, NewTemplateProvider(lib))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	select {
	case <-reloads:
		t.Errorf("reloaded after an unrelated file changed")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNewWatcher_MissingDirectory(t *testing.T) {
	lib, err := LoadLibrary("")
	require.NoError(t, err)
	_, err = NewWatcher("/nonexistent/dir/templates.yaml", NewTemplateProvider(lib), 0, nil)
	assert.Error(t, err)
}
