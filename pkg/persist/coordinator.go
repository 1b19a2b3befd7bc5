// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package persist debounces conversation saves and owns the local chat
// store. The coordinator turns the soft save triggers of a session
// (stream finished, user stopped, media completed) into at most one
// store write per debounce window, guards chat creation against
// duplicate triggers, and swallows store failures after logging them;
// the in-memory conversation stays authoritative for the session.
package persist

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
	"github.com/AleutianAI/AleutianChat/pkg/validation"
)

// Debounce and guard defaults. Text saves flush quickly; media saves
// wait longer because completions arrive in bursts. A chat create is
// followed by a cooldown and a delayed release of the exclusive flag to
// absorb trailing duplicate triggers.
const (
	DefaultTextDebounce   = 500 * time.Millisecond
	DefaultMediaDebounce  = 800 * time.Millisecond
	DefaultCreateCooldown = 2 * time.Second
	DefaultReleaseDelay   = time.Second
	DefaultSaveTimeout    = 10 * time.Second
)

// =============================================================================
// Triggers
// =============================================================================

// Trigger names the event that asked for a save.
type Trigger string

const (
	// TriggerStreamFinished fires when an exchange commits normally.
	TriggerStreamFinished Trigger = "stream-finished"

	// TriggerUserStopped fires when the user aborts an exchange and the
	// partial answer is kept.
	TriggerUserStopped Trigger = "user-stopped"

	// Media triggers fire when a generation task's final response
	// lands.
	TriggerMediaImage Trigger = "media-image"
	TriggerMediaVideo Trigger = "media-video"
	TriggerMedia3D    Trigger = "media-3d"
)

// MediaTrigger returns the trigger for a completed generation kind.
func MediaTrigger(kind chat.GenerationKind) Trigger {
	switch kind {
	case chat.KindVideo:
		return TriggerMediaVideo
	case chat.Kind3D:
		return TriggerMedia3D
	default:
		return TriggerMediaImage
	}
}

// Media returns the generation kind of a media trigger.
func (t Trigger) Media() (chat.GenerationKind, bool) {
	switch t {
	case TriggerMediaImage:
		return chat.KindImage, true
	case TriggerMediaVideo:
		return chat.KindVideo, true
	case TriggerMedia3D:
		return chat.Kind3D, true
	}
	return "", false
}

// String returns the trigger name.
func (t Trigger) String() string {
	return string(t)
}

// =============================================================================
// Coordinator
// =============================================================================

// saveRequest is the latest pending save. New triggers replace it; the
// debounce timer writes whatever is current when it fires.
type saveRequest struct {
	chatID   string
	messages []chat.Message
	trigger  Trigger
}

// Coordinator coalesces save triggers into debounced store writes.
//
// # Description
//
// RequestSave with a chat id schedules an update of that chat.
// RequestSave with an empty id schedules a create, which is guarded
// three ways: an exclusive in-flight flag drops concurrent creates, a
// cooldown drops creates attempted too soon after the last successful
// one, and the flag releases only after a delay so trailing duplicate
// triggers from fast-firing sources are absorbed. All soft triggers
// share one debounce timer; a new trigger resets it rather than
// stacking a second write. Store failures are logged and swallowed.
//
// Thread Safety: safe for concurrent use.
type Coordinator struct {
	store ChatStore
	log   *slog.Logger

	textDebounce  time.Duration
	mediaDebounce time.Duration
	releaseDelay  time.Duration
	saveTimeout   time.Duration
	createLimiter *rate.Limiter
	onSaveDone    func(trigger Trigger, chatID string)
	onSaveFailed  func(trigger Trigger, err error)

	mu             sync.Mutex
	pending        *saveRequest
	timer          *time.Timer
	chatID         string
	createInFlight bool
}

// Options configure a Coordinator.
type Options struct {
	// TextDebounce delays text-driven saves. Zero selects
	// DefaultTextDebounce.
	TextDebounce time.Duration

	// MediaDebounce delays media-driven saves. Zero selects
	// DefaultMediaDebounce.
	MediaDebounce time.Duration

	// CreateCooldown is the minimum spacing between successful chat
	// creates. Zero selects DefaultCreateCooldown.
	CreateCooldown time.Duration

	// ReleaseDelay holds the exclusive create flag after a create
	// resolves. Zero selects DefaultReleaseDelay.
	ReleaseDelay time.Duration

	// SaveTimeout bounds one store call. Zero selects
	// DefaultSaveTimeout.
	SaveTimeout time.Duration

	// Logger receives debug output. Defaults to slog.Default().
	Logger *slog.Logger

	// OnSaveDone observes successful writes, for metrics.
	OnSaveDone func(trigger Trigger, chatID string)

	// OnSaveFailed observes swallowed store failures, for metrics.
	OnSaveFailed func(trigger Trigger, err error)
}

// NewCoordinator creates a coordinator with default options.
func NewCoordinator(store ChatStore) *Coordinator {
	return NewCoordinatorWithOptions(store, Options{})
}

// NewCoordinatorWithOptions creates a coordinator with explicit
// options.
func NewCoordinatorWithOptions(store ChatStore, opts Options) *Coordinator {
	if opts.TextDebounce == 0 {
		opts.TextDebounce = DefaultTextDebounce
	}
	if opts.MediaDebounce == 0 {
		opts.MediaDebounce = DefaultMediaDebounce
	}
	if opts.CreateCooldown == 0 {
		opts.CreateCooldown = DefaultCreateCooldown
	}
	if opts.ReleaseDelay == 0 {
		opts.ReleaseDelay = DefaultReleaseDelay
	}
	if opts.SaveTimeout == 0 {
		opts.SaveTimeout = DefaultSaveTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		store:         store,
		log:           opts.Logger,
		textDebounce:  opts.TextDebounce,
		mediaDebounce: opts.MediaDebounce,
		releaseDelay:  opts.ReleaseDelay,
		saveTimeout:   opts.SaveTimeout,
		createLimiter: rate.NewLimiter(rate.Every(opts.CreateCooldown), 1),
		onSaveDone:    opts.OnSaveDone,
		onSaveFailed:  opts.OnSaveFailed,
	}
}

// RequestSave schedules a debounced save of the messages. A non-empty
// chatID updates that chat; an empty chatID attempts a guarded create.
// Requests whose messages are not relevant for the trigger are skipped
// outright.
func (c *Coordinator) RequestSave(chatID string, messages []chat.Message, trigger Trigger) {
	if !relevantFor(messages, trigger) {
		c.log.Debug("save skipped, messages not relevant for trigger",
			"trigger", trigger,
			"messages", len(messages))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = &saveRequest{chatID: chatID, messages: messages, trigger: trigger}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounceFor(trigger), c.flush)
	c.log.Debug("save scheduled",
		"trigger", trigger,
		"chat_id", chatID,
		"debounce", c.debounceFor(trigger))
}

// Flush writes any pending save immediately, bypassing the debounce.
// Used on session shutdown.
func (c *Coordinator) Flush() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	c.flush()
}

// ChatID returns the chat id of the last successful create or update.
func (c *Coordinator) ChatID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatID
}

// AdoptChat seeds the coordinator with an existing chat id so that
// later saves update that chat instead of creating a new one. The
// resume flow calls this after loading a stored conversation, before
// any save request is scheduled.
func (c *Coordinator) AdoptChat(chatID string) error {
	if err := validation.ValidateChatID(chatID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chatID = chatID
	return nil
}

// debounceFor picks the window for a trigger.
func (c *Coordinator) debounceFor(trigger Trigger) time.Duration {
	if _, media := trigger.Media(); media {
		return c.mediaDebounce
	}
	return c.textDebounce
}

// flush consumes the pending request and performs the store write.
func (c *Coordinator) flush() {
	c.mu.Lock()
	request := c.pending
	c.pending = nil
	if request == nil {
		c.mu.Unlock()
		return
	}

	if request.chatID != "" {
		c.mu.Unlock()
		c.update(request)
		return
	}

	if c.createInFlight {
		c.mu.Unlock()
		c.log.Debug("chat create dropped, another create is in flight",
			"trigger", request.trigger)
		return
	}
	reservation := c.createLimiter.Reserve()
	if !reservation.OK() || reservation.Delay() > 0 {
		reservation.Cancel()
		c.mu.Unlock()
		c.log.Debug("chat create dropped by cooldown", "trigger", request.trigger)
		return
	}
	c.createInFlight = true
	c.mu.Unlock()

	c.create(request, reservation)
}

// update writes an existing chat.
func (c *Coordinator) update(request *saveRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), c.saveTimeout)
	defer cancel()

	if err := c.store.Update(ctx, request.chatID, request.messages); err != nil {
		c.fail(request.trigger, err)
		return
	}

	c.mu.Lock()
	c.chatID = request.chatID
	c.mu.Unlock()
	c.log.Debug("chat updated",
		"chat_id", request.chatID,
		"messages", len(request.messages),
		"trigger", request.trigger)
	if c.onSaveDone != nil {
		c.onSaveDone(request.trigger, request.chatID)
	}
}

// create writes a new chat under the exclusive flag. A failed create
// returns its cooldown token and releases the flag immediately so the
// next trigger may retry; a successful create holds the flag for the
// release delay.
func (c *Coordinator) create(request *saveRequest, reservation *rate.Reservation) {
	ctx, cancel := context.WithTimeout(context.Background(), c.saveTimeout)
	defer cancel()

	chatID, err := c.store.Create(ctx, request.messages)
	if err != nil {
		reservation.Cancel()
		c.mu.Lock()
		c.createInFlight = false
		c.mu.Unlock()
		c.fail(request.trigger, err)
		return
	}

	c.mu.Lock()
	c.chatID = chatID
	c.mu.Unlock()
	c.log.Info("chat created",
		"chat_id", chatID,
		"messages", len(request.messages),
		"trigger", request.trigger)
	if c.onSaveDone != nil {
		c.onSaveDone(request.trigger, chatID)
	}

	time.AfterFunc(c.releaseDelay, func() {
		c.mu.Lock()
		c.createInFlight = false
		c.mu.Unlock()
	})
}

// fail logs and swallows a store failure. There is no retry queue; the
// in-memory conversation remains authoritative for the session.
func (c *Coordinator) fail(trigger Trigger, err error) {
	c.log.Error("chat save failed",
		"trigger", trigger,
		"error", err)
	if c.onSaveFailed != nil {
		c.onSaveFailed(trigger, err)
	}
}

// relevantFor reports whether the messages warrant persisting for the
// trigger: at least one user message plus at least one assistant
// message carrying trigger-relevant payload. Text triggers need
// non-empty assistant text; media triggers need a generated part of
// the matching kind.
func relevantFor(messages []chat.Message, trigger Trigger) bool {
	kind, media := trigger.Media()
	hasUser := false
	hasPayload := false
	for _, m := range messages {
		switch m.Role {
		case chat.RoleUser:
			hasUser = true
		case chat.RoleAssistant:
			if media {
				for _, p := range m.Parts {
					if p.Type == kind.GeneratedPartType() {
						hasPayload = true
						break
					}
				}
			} else if m.HasText() {
				hasPayload = true
			}
		}
		if hasUser && hasPayload {
			return true
		}
	}
	return false
}
