// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianChat/pkg/events"
	"github.com/AleutianAI/AleutianChat/pkg/sanitize"
	"github.com/AleutianAI/AleutianChat/pkg/stream"
)

// ObserveBus counts side-channel traffic crossing the event bus.
//
// Description:
//
//	Subscribes to every topic and translates generation lifecycle
//	events into the GenerationTasksTotal counter (by kind and state)
//	and user media prompts into MediaPromptsTotal. The publishers and
//	the task tracker stay unaware of telemetry.
//
// Inputs:
//
//	bus - The event bus to observe.
//	metrics - Metrics to record into.
//
// Outputs:
//
//	stop - Removes the subscription. Safe to call more than once.
//
// Example:
//
//	stop := telemetry.ObserveBus(bus, metrics)
//	defer stop()
//
// Thread Safety: Safe for concurrent use.
func ObserveBus(bus *events.Bus, metrics *Metrics) (stop func()) {
	return bus.Subscribe(events.TopicWildcard, func(event events.Event) {
		kind, ok := event.Topic.Kind()
		if !ok {
			return
		}

		ctx := context.Background()
		name := event.Topic.String()
		switch {
		case strings.HasPrefix(name, "user-"):
			metrics.MediaPromptsTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("kind", string(kind)),
			))
		case strings.HasPrefix(name, "ai-"):
			state := name[strings.LastIndexByte(name, '-')+1:]
			metrics.RecordGenerationTask(ctx, string(kind), state)
		}
	})
}

// countingParser decorates a BlockParser with frame counters.
type countingParser struct {
	parser  stream.BlockParser
	metrics *Metrics
}

// NewCountingParser wraps a frame parser with decode counters.
//
// Description:
//
//	Returns a BlockParser that counts every decoded frame by event
//	type and every malformed frame, then delegates to the wrapped
//	parser unchanged. Plug it into the streaming client to meter the
//	wire without touching the decoder.
//
// Inputs:
//
//	parser - The parser to decorate. Nil falls back to stream.NewFrameParser().
//	metrics - Metrics to record into.
//
// Outputs:
//
//	stream.BlockParser - The decorated parser.
//
// Thread Safety: Safe for concurrent use when the wrapped parser is.
func NewCountingParser(parser stream.BlockParser, metrics *Metrics) stream.BlockParser {
	if parser == nil {
		parser = stream.NewFrameParser()
	}
	return &countingParser{parser: parser, metrics: metrics}
}

// ParseBlock delegates and counts the result.
func (p *countingParser) ParseBlock(block string) (*stream.StreamEvent, error) {
	event, err := p.parser.ParseBlock(block)
	switch {
	case err != nil:
		p.metrics.FrameParseFailuresTotal.Add(context.Background(), 1)
	case event != nil:
		p.metrics.FramesDecodedTotal.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("type", string(event.Type)),
		))
	}
	return event, err
}

// ParsePayload delegates without counting. Payload parsing outside a
// frame is a replay concern, not wire traffic.
func (p *countingParser) ParsePayload(payload string) (*stream.StreamEvent, error) {
	return p.parser.ParsePayload(payload)
}

// countingSanitizer decorates a Sanitizer with a rewrite counter.
type countingSanitizer struct {
	inner   sanitize.Sanitizer
	metrics *Metrics
}

// NewCountingSanitizer wraps a sanitizer with a rewrite counter.
//
// Description:
//
//	Returns a Sanitizer that counts every call whose output differs
//	from its input, then returns the wrapped sanitizer's result
//	unchanged. Plug it into the assembler to measure how often framing
//	actually leaks into visible text.
//
// Inputs:
//
//	inner - The sanitizer to decorate. Nil falls back to sanitize.NewSanitizer().
//	metrics - Metrics to record into.
//
// Outputs:
//
//	sanitize.Sanitizer - The decorated sanitizer.
//
// Thread Safety: Safe for concurrent use when the wrapped sanitizer is.
func NewCountingSanitizer(inner sanitize.Sanitizer, metrics *Metrics) sanitize.Sanitizer {
	if inner == nil {
		inner = sanitize.NewSanitizer()
	}
	return &countingSanitizer{inner: inner, metrics: metrics}
}

// Sanitize delegates and counts a changed output.
func (s *countingSanitizer) Sanitize(text string) string {
	out := s.inner.Sanitize(text)
	if out != text {
		s.metrics.SanitizerRewritesTotal.Add(context.Background(), 1)
	}
	return out
}

// =============================================================================
// COMPILE-TIME INTERFACE CHECKS
// =============================================================================

var (
	_ stream.BlockParser = (*countingParser)(nil)
	_ sanitize.Sanitizer = (*countingSanitizer)(nil)
)
