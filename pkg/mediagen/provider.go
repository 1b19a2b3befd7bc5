// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mediagen runs media generation and narrates it onto the
// event bus. A Provider announces its tasks with a placeholder event,
// optionally pushes authoritative progress, and ends every task with a
// response or an error event. The task tracker listens on the other
// side of the bus and turns those events into message parts; providers
// never touch the message list.
package mediagen

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
	"github.com/AleutianAI/AleutianChat/pkg/events"
)

// MaxImageCount caps the number of images one request may ask for.
const MaxImageCount = 4

var (
	// ErrUnsupportedKind reports a request for a media class the
	// provider does not serve.
	ErrUnsupportedKind = errors.New("unsupported generation kind")

	// ErrEmptyPrompt reports a request without an instruction.
	ErrEmptyPrompt = errors.New("prompt must not be empty")
)

// Request describes one generation ask.
type Request struct {
	// Kind selects the media class.
	Kind chat.GenerationKind

	// Prompt is the user's generation instruction.
	Prompt string

	// ParentMessageID names the assistant message the finished parts
	// land under. Empty generates a fresh id.
	ParentMessageID string

	// Count asks for this many assets. Only image providers honor
	// counts above one; zero means one.
	Count int

	// SourceURLs carries reference images for image-to-image flows.
	SourceURLs []string
}

// Provider runs one generation to completion.
//
// # Description
//
// Generate blocks until every task it announced reached a terminal
// event, so callers that must keep the conversation responsive run it
// on its own goroutine. Each announced id ends in exactly one response
// or error event even when the context is cancelled mid-flight; a
// task left without a terminal event would keep its placeholder
// animating forever.
//
// The returned error reports a run where nothing succeeded. Partial
// failures are scoped to their placeholder ids via error events and do
// not fail the run.
//
// # Thread Safety
//
// Implementations are safe for concurrent Generate calls.
type Provider interface {
	// Kind reports the media class this provider serves.
	Kind() chat.GenerationKind

	// Generate runs the request, publishing lifecycle events for it.
	Generate(ctx context.Context, req Request) error
}

// emitter publishes the lifecycle events of one run. It pins the kind
// and source so call sites stay short.
type emitter struct {
	bus    *events.Bus
	kind   chat.GenerationKind
	source string
}

func (e emitter) placeholder(ids []string, parent, prompt string) {
	e.bus.Publish(events.PlaceholderTopic(e.kind), &events.PlaceholderPayload{
		IDs:             ids,
		ParentMessageID: parent,
		Prompt:          prompt,
	}, e.source)
}

func (e emitter) progress(id, parent string, progress int) {
	e.bus.Publish(events.ProgressTopic(e.kind), &events.ProgressPayload{
		PlaceholderID:   id,
		ParentMessageID: parent,
		Progress:        progress,
	}, e.source)
}

func (e emitter) response(payload *events.ResponsePayload) {
	e.bus.Publish(events.ResponseTopic(e.kind), payload, e.source)
}

func (e emitter) fail(id, parent, message string) {
	e.bus.Publish(events.ErrorTopic(e.kind), &events.ErrorPayload{
		PlaceholderID:   id,
		ParentMessageID: parent,
		Message:         message,
	}, e.source)
}

// failAll ends every listed task with the same error message.
func (e emitter) failAll(ids []string, parent, message string) {
	for _, id := range ids {
		e.fail(id, parent, message)
	}
}

// newTaskIDs mints ids for a run.
func newTaskIDs(count int) []string {
	ids := make([]string, count)
	for i := range ids {
		ids[i] = uuid.New().String()
	}
	return ids
}

// parentOrNew returns the request's parent id, minting one when the
// request carries none.
func parentOrNew(req Request) string {
	if req.ParentMessageID != "" {
		return req.ParentMessageID
	}
	return uuid.New().String()
}
