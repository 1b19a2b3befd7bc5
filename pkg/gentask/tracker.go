// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gentask tracks media generation tasks from placeholder to
// completion and mirrors their lifecycle into the shared message list.
//
// The tracker subscribes to the generation topics of every media kind.
// A placeholder event inserts one loading part per task id under the
// parent message, creating the parent when absent, and starts a
// synthetic progress timer per task. Authoritative progress pushes
// clear the synthetic timer for that task and take over. A response
// event replaces loading parts with finished media parts and, when
// marked complete, schedules at most one persistence request per media
// kind per save window. An error event fails a single task without
// touching its siblings.
package gentask

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
	"github.com/AleutianAI/AleutianChat/pkg/events"
)

// Defaults for the synthetic progress timer and the per-kind save gate.
const (
	DefaultSyntheticTick = time.Second
	DefaultSaveWindow    = 800 * time.Millisecond
)

// =============================================================================
// Saver
// =============================================================================

// Saver receives the debounced persistence requests the tracker issues
// when a complete response arrives. The persistence coordinator
// implements it in production; tests substitute a recorder.
type Saver interface {
	RequestMediaSave(kind chat.GenerationKind)
}

// SaverFunc adapts a plain function to the Saver interface.
type SaverFunc func(kind chat.GenerationKind)

// RequestMediaSave calls f.
func (f SaverFunc) RequestMediaSave(kind chat.GenerationKind) {
	f(kind)
}

// =============================================================================
// Tracker
// =============================================================================

// Tracker owns the generation task lifecycle.
//
// # Description
//
// The tracker is the only writer of loading and generated media parts
// in the message list. Every task's synthetic timer lives in a side
// table keyed by task id so an authoritative update, completion, or
// error can cancel it the instant it arrives; a timer is never left
// running against a stale task. Writes target exactly the part carrying
// the event's task id, so sibling tasks under the same parent message
// are never disturbed.
//
// Thread Safety: safe for concurrent use. Handlers run on the bus
// dispatch goroutine; synthetic timers run on their own goroutines and
// both serialize on the tracker mutex.
type Tracker struct {
	list  *chat.MessageList
	bus   *events.Bus
	saver Saver
	log   *slog.Logger

	tick       time.Duration
	saveWindow time.Duration

	mu          sync.Mutex
	tasks       map[string]*GenerationTask
	timers      map[string]chan struct{}
	savePending map[chat.GenerationKind]bool
	unsubscribe []func()
	started     bool
}

// Options configure a Tracker.
type Options struct {
	// SyntheticTick is the interval between synthetic progress
	// increments. Zero selects DefaultSyntheticTick; a negative value
	// disables synthetic progress entirely.
	SyntheticTick time.Duration

	// SaveWindow bounds how often one media kind may schedule
	// persistence. Zero selects DefaultSaveWindow.
	SaveWindow time.Duration

	// Logger receives debug output. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewTracker creates a tracker with default options.
func NewTracker(list *chat.MessageList, bus *events.Bus, saver Saver) *Tracker {
	return NewTrackerWithOptions(list, bus, saver, Options{})
}

// NewTrackerWithOptions creates a tracker with explicit options.
func NewTrackerWithOptions(list *chat.MessageList, bus *events.Bus, saver Saver, opts Options) *Tracker {
	if opts.SyntheticTick == 0 {
		opts.SyntheticTick = DefaultSyntheticTick
	}
	if opts.SaveWindow == 0 {
		opts.SaveWindow = DefaultSaveWindow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Tracker{
		list:        list,
		bus:         bus,
		saver:       saver,
		log:         opts.Logger,
		tick:        opts.SyntheticTick,
		saveWindow:  opts.SaveWindow,
		tasks:       make(map[string]*GenerationTask),
		timers:      make(map[string]chan struct{}),
		savePending: make(map[chat.GenerationKind]bool),
	}
}

// Start subscribes to the generation topics of every media kind.
// Starting an already started tracker is a no-op.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true
	for _, kind := range []chat.GenerationKind{chat.KindImage, chat.KindVideo, chat.Kind3D} {
		k := kind
		t.unsubscribe = append(t.unsubscribe,
			t.bus.Subscribe(events.PlaceholderTopic(k), func(e events.Event) { t.onPlaceholder(k, e) }),
			t.bus.Subscribe(events.ProgressTopic(k), func(e events.Event) { t.onProgress(k, e) }),
			t.bus.Subscribe(events.ResponseTopic(k), func(e events.Event) { t.onResponse(k, e) }),
			t.bus.Subscribe(events.ErrorTopic(k), func(e events.Event) { t.onError(k, e) }),
		)
	}
}

// Stop removes the bus subscriptions and cancels every synthetic
// timer. Task records survive for inspection; a stopped tracker may be
// started again.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, unsubscribe := range t.unsubscribe {
		unsubscribe()
	}
	t.unsubscribe = nil
	for id, stop := range t.timers {
		close(stop)
		delete(t.timers, id)
	}
	t.started = false
}

// Task returns a snapshot of the tracked task with the given id.
func (t *Tracker) Task(id string) (GenerationTask, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[id]
	if !ok {
		return GenerationTask{}, false
	}
	return *task, true
}

// =============================================================================
// Event Handlers
// =============================================================================

// onPlaceholder registers the batch's tasks, inserts one loading part
// per id under the parent message, and starts their synthetic timers.
// The parent is created with the given id when no message carries it
// yet. Ids already tracked are ignored so a replayed placeholder cannot
// duplicate parts.
func (t *Tracker) onPlaceholder(kind chat.GenerationKind, event events.Event) {
	payload, ok := event.Payload.(*events.PlaceholderPayload)
	if !ok {
		t.log.Warn("placeholder event with unexpected payload", "topic", event.Topic)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	fresh := make([]string, 0, len(payload.IDs))
	for _, id := range payload.IDs {
		if id == "" {
			continue
		}
		if _, exists := t.tasks[id]; exists {
			t.log.Debug("placeholder for tracked task ignored", "task_id", id)
			continue
		}
		t.tasks[id] = &GenerationTask{
			ID:              id,
			ParentMessageID: payload.ParentMessageID,
			Kind:            kind,
			Status:          StatusFor(kind, 0),
			State:           StatePlaceholder,
		}
		fresh = append(fresh, id)
	}
	if len(fresh) == 0 {
		return
	}

	t.list.Update(func(messages []chat.Message) []chat.Message {
		parts := make([]chat.ContentPart, 0, len(fresh))
		for _, id := range fresh {
			part := chat.NewLoadingPart(kind, id)
			part.Status = StatusFor(kind, 0)
			parts = append(parts, part)
		}
		for i := range messages {
			if messages[i].ID == payload.ParentMessageID {
				messages[i].Parts = append(messages[i].Parts, parts...)
				return messages
			}
		}
		return append(messages, chat.Message{
			ID:        payload.ParentMessageID,
			Role:      chat.RoleAssistant,
			Parts:     parts,
			CreatedAt: time.Now().UnixMilli(),
		})
	})

	for _, id := range fresh {
		t.startSyntheticLocked(id, kind)
	}
	t.log.Debug("generation placeholders inserted",
		"kind", kind,
		"parent_id", payload.ParentMessageID,
		"count", len(fresh))
}

// onProgress applies an authoritative progress push. The synthetic
// timer for the task is cleared before anything else so the two
// progress sources never race. Progress never moves backward for a
// live task.
func (t *Tracker) onProgress(kind chat.GenerationKind, event events.Event) {
	payload, ok := event.Payload.(*events.ProgressPayload)
	if !ok {
		t.log.Warn("progress event with unexpected payload", "topic", event.Topic)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopSyntheticLocked(payload.PlaceholderID)

	task, ok := t.tasks[payload.PlaceholderID]
	if !ok {
		t.log.Warn("progress for unknown task", "kind", kind, "task_id", payload.PlaceholderID)
		return
	}
	if task.Terminal() {
		t.log.Debug("progress for terminal task dropped", "task_id", task.ID, "state", task.State)
		return
	}

	progress := payload.Progress
	if progress > 100 {
		progress = 100
	}
	if progress < task.Progress {
		progress = task.Progress
	}
	task.Progress = progress
	if payload.Status != "" {
		task.Status = payload.Status
	} else {
		task.Status = StatusFor(kind, progress)
	}
	if task.State == StatePlaceholder && progress > 0 {
		task.State = StateProgressing
	}
	t.writeTaskPartLocked(task)
	t.log.Debug("authoritative progress applied",
		"kind", kind,
		"task_id", task.ID,
		"progress", task.Progress)
}

// onResponse replaces each task's loading part with its finished media
// part and appends auxiliary parts after the primaries. A response
// marked complete schedules one persistence request for the kind
// unless a save is already pending.
func (t *Tracker) onResponse(kind chat.GenerationKind, event events.Event) {
	payload, ok := event.Payload.(*events.ResponsePayload)
	if !ok {
		t.log.Warn("response event with unexpected payload", "topic", event.Topic)
		return
	}

	type target struct {
		id    string
		index int
	}

	t.mu.Lock()
	targets := make([]target, 0, len(payload.IDs))
	for i, id := range payload.IDs {
		if id == "" {
			continue
		}
		t.stopSyntheticLocked(id)
		task, ok := t.tasks[id]
		if ok && task.Terminal() {
			t.log.Debug("response for terminal task dropped", "task_id", id, "state", task.State)
			continue
		}
		if !ok {
			task = &GenerationTask{ID: id, ParentMessageID: payload.ParentMessageID, Kind: kind}
			t.tasks[id] = task
			t.log.Warn("response for untracked task", "kind", kind, "task_id", id)
		}
		task.State = StateCompleted
		task.Progress = 100
		task.Status = ""
		targets = append(targets, target{id: id, index: i})
	}
	if len(targets) == 0 {
		t.mu.Unlock()
		return
	}

	t.list.Update(func(messages []chat.Message) []chat.Message {
		at := -1
		for i := range messages {
			if messages[i].ID == payload.ParentMessageID {
				at = i
				break
			}
		}
		if at < 0 {
			messages = append(messages, chat.Message{
				ID:        payload.ParentMessageID,
				Role:      chat.RoleAssistant,
				CreatedAt: time.Now().UnixMilli(),
			})
			at = len(messages) - 1
		}
		m := &messages[at]
		for _, tgt := range targets {
			part := generatedPart(kind, payload, tgt.index, len(payload.IDs))
			if idx := m.PartIndexByTaskID(tgt.id); idx >= 0 {
				m.Parts[idx] = part
			} else {
				m.Parts = append(m.Parts, part)
			}
		}
		if payload.Caption != "" {
			m.Parts = append(m.Parts, chat.NewTextPart(payload.Caption))
		}
		if len(payload.SourceURLs) > 0 {
			m.Parts = append(m.Parts, chat.NewSourceImagesPart(payload.SourceURLs))
		}
		return messages
	})

	requestSave := false
	if payload.IsComplete && !t.savePending[kind] {
		t.savePending[kind] = true
		requestSave = true
		time.AfterFunc(t.saveWindow, func() {
			t.mu.Lock()
			delete(t.savePending, kind)
			t.mu.Unlock()
		})
	}
	t.mu.Unlock()

	if requestSave && t.saver != nil {
		t.saver.RequestMediaSave(kind)
	}
	t.log.Debug("generation response applied",
		"kind", kind,
		"count", len(targets),
		"complete", payload.IsComplete)
}

// onError fails a single task: its synthetic timer stops, its status
// becomes the error message, and its progress resets to zero. Sibling
// tasks under the same parent are untouched and nothing is persisted.
func (t *Tracker) onError(kind chat.GenerationKind, event events.Event) {
	payload, ok := event.Payload.(*events.ErrorPayload)
	if !ok {
		t.log.Warn("error event with unexpected payload", "topic", event.Topic)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopSyntheticLocked(payload.PlaceholderID)

	task, ok := t.tasks[payload.PlaceholderID]
	if !ok {
		t.log.Warn("error for unknown task", "kind", kind, "task_id", payload.PlaceholderID)
		return
	}
	if task.Terminal() {
		t.log.Debug("error for terminal task dropped", "task_id", task.ID, "state", task.State)
		return
	}

	task.State = StateFailed
	task.Progress = 0
	task.Status = payload.Message
	t.writeTaskPartLocked(task)
	t.log.Warn("generation task failed",
		"kind", kind,
		"task_id", task.ID,
		"error", payload.Message)
}

// generatedPart builds the finished part for one task. Image URLs
// distribute index-aligned when the response carries exactly one URL
// per id; otherwise every image part receives the full set.
func generatedPart(kind chat.GenerationKind, payload *events.ResponsePayload, index, count int) chat.ContentPart {
	switch kind {
	case chat.KindVideo:
		return chat.NewGeneratedVideoPart(payload.URL, payload.RenderURLs)
	case chat.Kind3D:
		return chat.NewGenerated3DModelPart(payload.ModelURL, payload.RenderURLs, payload.PointCloudURL)
	default:
		urls := payload.URLs
		if len(urls) == count {
			urls = urls[index : index+1]
		}
		return chat.NewGeneratedImagePart(urls)
	}
}

// =============================================================================
// Synthetic Progress
// =============================================================================

// startSyntheticLocked registers a stop channel in the timer side table
// and launches the increment loop. Caller holds t.mu.
func (t *Tracker) startSyntheticLocked(id string, kind chat.GenerationKind) {
	if t.tick <= 0 {
		return
	}
	stop := make(chan struct{})
	t.timers[id] = stop
	go t.syntheticLoop(id, kind, stop)
}

// stopSyntheticLocked cancels the synthetic timer for the task, if any.
// Caller holds t.mu.
func (t *Tracker) stopSyntheticLocked(id string) {
	if stop, ok := t.timers[id]; ok {
		close(stop)
		delete(t.timers, id)
	}
}

// syntheticLoop drives one task's synthetic progress until stopped.
func (t *Tracker) syntheticLoop(id string, kind chat.GenerationKind, stop chan struct{}) {
	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !t.advanceSynthetic(id, kind, stop) {
				return
			}
		}
	}
}

// advanceSynthetic applies one synthetic increment. Returns false when
// the loop should exit: the timer was cleared or replaced, the task is
// gone or terminal, or progress reached the synthetic cap.
func (t *Tracker) advanceSynthetic(id string, kind chat.GenerationKind, stop chan struct{}) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	// An authoritative event may have cleared this timer between the
	// tick firing and the lock being acquired.
	if current, ok := t.timers[id]; !ok || current != stop {
		return false
	}
	task, ok := t.tasks[id]
	if !ok || task.Terminal() || task.Progress >= SyntheticProgressCap {
		delete(t.timers, id)
		return false
	}

	progress := task.Progress + syntheticMinStep + rand.Intn(syntheticStepSpread)
	if progress >= SyntheticProgressCap {
		progress = SyntheticProgressCap
	}
	task.Progress = progress
	task.Status = StatusFor(kind, progress)
	if task.State == StatePlaceholder {
		task.State = StateProgressing
	}
	t.writeTaskPartLocked(task)

	if progress >= SyntheticProgressCap {
		delete(t.timers, id)
		return false
	}
	return true
}

// writeTaskPartLocked mirrors the task's progress and status onto its
// loading part. Caller holds t.mu.
func (t *Tracker) writeTaskPartLocked(task *GenerationTask) {
	t.list.UpdateByID(task.ParentMessageID, func(m *chat.Message) {
		idx := m.PartIndexByTaskID(task.ID)
		if idx < 0 {
			return
		}
		m.Parts[idx].Progress = task.Progress
		m.Parts[idx].Status = task.Status
	})
}
