// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stream decodes the framed assistant response protocol used by
// the chat transport.
//
// This file contains the event model. Events are the unit of work handed
// to the assembler: one JSON payload per protocol frame, typed by the
// "type" tag the server attaches to it.
package stream

import (
	"time"

	"github.com/google/uuid"
)

// DonePayload is the literal frame payload that terminates a response
// stream. It is not JSON and never reaches the JSON decoder.
const DonePayload = "[DONE]"

// =============================================================================
// Event Types
// =============================================================================

// EventType identifies the kind of a decoded stream event.
type EventType string

const (
	// EventTextStart opens a fresh assistant text segment.
	EventTextStart EventType = "text-start"

	// EventTextDelta carries an incremental text fragment in Delta.
	EventTextDelta EventType = "text-delta"

	// EventTextEnd carries the closing fragment of a segment in Text.
	EventTextEnd EventType = "text-end"

	// EventMetadata carries provider metadata observed mid-stream.
	EventMetadata EventType = "metadata"

	// EventResponseMetadata carries response-level metadata, typically
	// the document sources attached near the end of a stream.
	EventResponseMetadata EventType = "response-metadata"

	// EventToolResult carries the result payload of a server-side tool
	// invocation.
	EventToolResult EventType = "tool-result"

	// EventError reports a server-side failure for this response.
	EventError EventType = "error"

	// EventDone is synthesized by the decoder when the [DONE] payload
	// arrives. It never appears as a JSON "type" tag on the wire.
	EventDone EventType = "done"
)

// String returns the wire tag for the event type.
func (t EventType) String() string {
	return string(t)
}

// IsTerminal reports whether events of this type end the stream.
func (t EventType) IsTerminal() bool {
	return t == EventDone || t == EventError
}

// IsText reports whether events of this type feed the assistant text
// accumulator.
func (t EventType) IsText() bool {
	return t == EventTextStart || t == EventTextDelta || t == EventTextEnd
}

// =============================================================================
// Stream Event
// =============================================================================

// StreamEvent is a single decoded frame from the response stream.
//
// Id, Index, and CreatedAt are assigned locally when the frame is
// decoded; the remaining fields mirror the JSON payload. Only the
// fields matching Type are populated.
type StreamEvent struct {
	Id        string         `json:"id,omitempty"`
	Index     int            `json:"index,omitempty"`
	CreatedAt int64          `json:"createdAt,omitempty"`
	Type      EventType      `json:"type"`
	Delta     string         `json:"delta,omitempty"`
	Text      string         `json:"text,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// newEvent creates an event with a fresh Id and CreatedAt.
func newEvent(t EventType) StreamEvent {
	return StreamEvent{
		Id:        uuid.New().String(),
		CreatedAt: time.Now().UnixMilli(),
		Type:      t,
	}
}

// NewTextStartEvent creates a text-start event.
func NewTextStartEvent() StreamEvent {
	return newEvent(EventTextStart)
}

// NewTextDeltaEvent creates a text-delta event carrying one fragment.
func NewTextDeltaEvent(delta string) StreamEvent {
	event := newEvent(EventTextDelta)
	event.Delta = delta
	return event
}

// NewTextEndEvent creates a text-end event carrying the closing text.
func NewTextEndEvent(text string) StreamEvent {
	event := newEvent(EventTextEnd)
	event.Text = text
	return event
}

// NewMetadataEvent creates a metadata event.
func NewMetadataEvent(metadata map[string]any) StreamEvent {
	event := newEvent(EventMetadata)
	event.Metadata = metadata
	return event
}

// NewResponseMetadataEvent creates a response-metadata event.
func NewResponseMetadataEvent(metadata map[string]any) StreamEvent {
	event := newEvent(EventResponseMetadata)
	event.Metadata = metadata
	return event
}

// NewToolResultEvent creates a tool-result event.
func NewToolResultEvent(result map[string]any) StreamEvent {
	event := newEvent(EventToolResult)
	event.Result = result
	return event
}

// NewErrorEvent creates an error event with the given message.
func NewErrorEvent(message string) StreamEvent {
	event := newEvent(EventError)
	event.Error = message
	return event
}

// NewDoneEvent creates the synthetic terminal event.
func NewDoneEvent() StreamEvent {
	return newEvent(EventDone)
}

// IsTerminal reports whether this event ends the stream.
func (e StreamEvent) IsTerminal() bool {
	return e.Type.IsTerminal()
}

// CreatedAtTime returns CreatedAt as a time.Time.
func (e StreamEvent) CreatedAtTime() time.Time {
	return time.UnixMilli(e.CreatedAt)
}

// =============================================================================
// Stream Result
// =============================================================================

// StreamResult aggregates a fully consumed response stream.
//
// Answer is the raw concatenation of the text events in arrival order
// with no sanitation applied. Metadata holds the merged metadata and
// response-metadata payloads, and ToolResults collects every
// tool-result payload in order.
type StreamResult struct {
	Id           string
	CreatedAt    int64
	CompletedAt  int64
	FirstTokenAt int64
	TotalEvents  int
	TotalTokens  int
	Answer       string
	Metadata     map[string]any
	ToolResults  []map[string]any
	Error        string
	Terminated   bool
}

// NewStreamResult creates an empty result with Id and CreatedAt set.
func NewStreamResult() *StreamResult {
	return &StreamResult{
		Id:        uuid.New().String(),
		CreatedAt: time.Now().UnixMilli(),
	}
}

// HasError reports whether the stream ended with an error event.
func (r *StreamResult) HasError() bool {
	return r.Error != ""
}

// Duration returns the wall time between creation and completion, or 0
// when either timestamp is missing.
func (r *StreamResult) Duration() time.Duration {
	if r.CreatedAt == 0 || r.CompletedAt == 0 {
		return 0
	}
	return time.Duration(r.CompletedAt-r.CreatedAt) * time.Millisecond
}

// TimeToFirstToken returns the latency before the first text-delta, or
// 0 when no delta arrived.
func (r *StreamResult) TimeToFirstToken() time.Duration {
	if r.CreatedAt == 0 || r.FirstTokenAt == 0 {
		return 0
	}
	return time.Duration(r.FirstTokenAt-r.CreatedAt) * time.Millisecond
}

// TokensPerSecond returns the delta arrival rate over the stream
// duration, or 0 when the duration or token count is zero.
func (r *StreamResult) TokensPerSecond() float64 {
	duration := r.Duration()
	if duration <= 0 || r.TotalTokens == 0 {
		return 0
	}
	return float64(r.TotalTokens) / duration.Seconds()
}

// CreatedAtTime returns CreatedAt as a time.Time.
func (r *StreamResult) CreatedAtTime() time.Time {
	return time.UnixMilli(r.CreatedAt)
}

// CompletedAtTime returns CompletedAt as a time.Time.
func (r *StreamResult) CompletedAtTime() time.Time {
	return time.UnixMilli(r.CompletedAt)
}

// FirstTokenAtTime returns FirstTokenAt as a time.Time, or the zero
// time when no token arrived.
func (r *StreamResult) FirstTokenAtTime() time.Time {
	if r.FirstTokenAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(r.FirstTokenAt)
}
