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
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for more events on the
// template file before reloading it.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads a TemplateProvider when its template file changes.
//
// # Description
//
// The parent directory is watched rather than the file itself, because
// editors and config management replace files by rename, which drops a
// watch on the old inode. Events for other files are ignored. Bursts of
// events are debounced into one reload. A file that fails to parse is
// logged and the provider keeps serving the previous library.
//
// # Thread Safety
//
// Run must be called once. Close is safe to call from any goroutine.
type Watcher struct {
	path     string
	provider *TemplateProvider
	logger   *slog.Logger
	debounce time.Duration
	watcher  *fsnotify.Watcher

	// onReload is called after every reload attempt. Used by tests.
	onReload func(error)
}

// NewWatcher starts watching the directory of path. A nil logger uses
// slog.Default(); debounce <= 0 uses DefaultDebounce.
func NewWatcher(path string, provider *TemplateProvider, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve template path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create template watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:     abs,
		provider: provider,
		logger:   logger.With(slog.String("templates_path", abs)),
		debounce: debounce,
		watcher:  fw,
	}, nil
}

// Run processes file events until ctx is done or Close is called.
func (w *Watcher) Run(ctx context.Context) {
	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer, timerC = nil, nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("template watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	lib, err := LoadLibrary(w.path)
	if err != nil {
		w.logger.Warn("template reload failed, keeping previous library",
			slog.String("error", err.Error()))
	} else {
		w.provider.Reload(lib)
		w.logger.Info("knowledge library reloaded",
			slog.Int("templates", len(lib.Templates)),
			slog.Int("entries", len(lib.Entries)))
	}
	if w.onReload != nil {
		w.onReload(err)
	}
}

// Close stops the underlying watcher. Run returns afterwards.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
