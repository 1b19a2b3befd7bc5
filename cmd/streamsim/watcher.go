// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watcherDebounce is how long the watcher waits for the edit burst to
// settle before triggering a reload. Editors write scenario files in
// several operations; one reload per save is enough.
const watcherDebounce = 200 * time.Millisecond

// ScenarioWatcher reloads the scenario library when files in the
// scenario directory change.
//
// Thread Safety: Start spawns the event and debounce goroutines; Stop
// may be called from any goroutine and is idempotent. The reload
// callback runs on the debounce goroutine, one call at a time.
type ScenarioWatcher struct {
	dir      string
	reload   func()
	debounce time.Duration
	log      *slog.Logger

	watcher  *fsnotify.Watcher
	changes  chan string
	done     chan struct{}
	stopOnce sync.Once
}

// NewScenarioWatcher creates a watcher for dir that calls reload after
// each debounced burst of scenario file changes.
func NewScenarioWatcher(dir string, reload func(), logger *slog.Logger) (*ScenarioWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &ScenarioWatcher{
		dir:      dir,
		reload:   reload,
		debounce: watcherDebounce,
		log:      logger,
		watcher:  watcher,
		changes:  make(chan string, 64),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching the scenario directory.
func (w *ScenarioWatcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}
	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	w.log.Info("watching scenario directory", "dir", w.dir)
	return nil
}

// Stop stops the watcher. Safe to call more than once.
func (w *ScenarioWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
}

// processEvents filters raw notifications down to scenario file
// changes and feeds them to the debouncer.
func (w *ScenarioWatcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isScenarioFile(filepath.Base(event.Name)) {
				continue
			}
			select {
			case w.changes <- event.Name:
			default:
				// A full buffer means a reload is already owed.
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("scenario watcher error", "error", err)
		}
	}
}

// debounceLoop collapses change bursts into single reload calls.
func (w *ScenarioWatcher) debounceLoop(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time
	pending := 0

	flush := func() {
		if pending > 0 {
			w.log.Debug("scenario changes settled, reloading", "changes", pending)
			w.reload()
			pending = 0
		}
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-w.changes:
			pending++
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			flush()
		}
	}
}
