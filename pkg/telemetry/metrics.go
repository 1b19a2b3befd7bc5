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
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Exchange outcome label values for ExchangesTotal.
const (
	OutcomeCommitted      = "committed"
	OutcomePartial        = "partial"
	OutcomeServerError    = "server_error"
	OutcomeTransportError = "transport_error"
)

// Metrics contains pre-defined metrics for the chat client.
//
// Description:
//
//	Provides standard counters and histograms for the streaming
//	pipeline: wire frames, sanitizer activity, complete exchanges,
//	chat persistence, generation tasks, and outbound HTTP requests.
//	All metrics use the "chat_" prefix for consistent naming.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- Stream Metrics ---

	// FramesDecodedTotal counts decoded wire frames by event type.
	FramesDecodedTotal metric.Int64Counter

	// FrameParseFailuresTotal counts frames dropped as malformed.
	FrameParseFailuresTotal metric.Int64Counter

	// SanitizerRewritesTotal counts texts the sanitizer had to change.
	SanitizerRewritesTotal metric.Int64Counter

	// --- Exchange Metrics ---

	// ExchangesTotal counts completed exchanges by outcome.
	ExchangesTotal metric.Int64Counter

	// ExchangeDuration records full exchange duration in seconds.
	ExchangeDuration metric.Float64Histogram

	// ExchangeTokens records text tokens received per exchange.
	ExchangeTokens metric.Int64Histogram

	// --- Persistence Metrics ---

	// SavesTotal counts chat save attempts by trigger and outcome.
	SavesTotal metric.Int64Counter

	// --- Generation Metrics ---

	// GenerationTasksTotal counts generation lifecycle events by media
	// kind and state (placeholder, progress, response, error).
	GenerationTasksTotal metric.Int64Counter

	// MediaPromptsTotal counts user media prompts by kind.
	MediaPromptsTotal metric.Int64Counter

	// --- HTTP Client Metrics ---

	// HTTPRequestsTotal counts outbound HTTP requests by method, host, and status.
	HTTPRequestsTotal metric.Int64Counter

	// HTTPRequestDuration records time to response headers in seconds.
	HTTPRequestDuration metric.Float64Histogram

	// HTTPActiveRequests tracks currently active outbound requests.
	HTTPActiveRequests metric.Int64UpDownCounter

	// --- Error Metrics ---

	// ErrorsTotal counts errors by component.
	ErrorsTotal metric.Int64Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
//
// Description:
//
//	Registers all pre-defined metrics with the provided meter.
//	Returns an error if any metric registration fails.
//
// Inputs:
//
//	meter - The OTel meter to use for metric registration.
//
// Outputs:
//
//	*Metrics - The metrics instance with all counters and histograms initialized.
//	error - Non-nil if metric registration fails.
//
// Example:
//
//	meter := otel.Meter("aleutianchat")
//	metrics, err := telemetry.NewMetrics(meter)
//	if err != nil {
//	    return fmt.Errorf("create metrics: %w", err)
//	}
//	metrics.ExchangesTotal.Add(ctx, 1, ...)
//
// Thread Safety: Safe for concurrent use after creation.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	// --- Stream Metrics ---
	m.FramesDecodedTotal, err = meter.Int64Counter(
		"chat_frames_decoded_total",
		metric.WithDescription("Decoded wire frames by event type"),
		metric.WithUnit("{frame}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create frames_decoded_total: %w", err)
	}

	m.FrameParseFailuresTotal, err = meter.Int64Counter(
		"chat_frame_parse_failures_total",
		metric.WithDescription("Wire frames dropped as malformed"),
		metric.WithUnit("{frame}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create frame_parse_failures_total: %w", err)
	}

	m.SanitizerRewritesTotal, err = meter.Int64Counter(
		"chat_sanitizer_rewrites_total",
		metric.WithDescription("Texts changed by the framing sanitizer"),
		metric.WithUnit("{text}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sanitizer_rewrites_total: %w", err)
	}

	// --- Exchange Metrics ---
	m.ExchangesTotal, err = meter.Int64Counter(
		"chat_exchanges_total",
		metric.WithDescription("Completed exchanges by outcome"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create exchanges_total: %w", err)
	}

	m.ExchangeDuration, err = meter.Float64Histogram(
		"chat_exchange_duration_seconds",
		metric.WithDescription("Full exchange duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 90),
	)
	if err != nil {
		return nil, fmt.Errorf("create exchange_duration: %w", err)
	}

	m.ExchangeTokens, err = meter.Int64Histogram(
		"chat_exchange_tokens",
		metric.WithDescription("Text tokens received per exchange"),
		metric.WithUnit("{token}"),
		metric.WithExplicitBucketBoundaries(8, 32, 128, 512, 1024, 2048, 4096),
	)
	if err != nil {
		return nil, fmt.Errorf("create exchange_tokens: %w", err)
	}

	// --- Persistence Metrics ---
	m.SavesTotal, err = meter.Int64Counter(
		"chat_saves_total",
		metric.WithDescription("Chat save attempts by trigger and outcome"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create saves_total: %w", err)
	}

	// --- Generation Metrics ---
	m.GenerationTasksTotal, err = meter.Int64Counter(
		"chat_generation_tasks_total",
		metric.WithDescription("Generation lifecycle events by kind and state"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create generation_tasks_total: %w", err)
	}

	m.MediaPromptsTotal, err = meter.Int64Counter(
		"chat_media_prompts_total",
		metric.WithDescription("User media prompts by kind"),
		metric.WithUnit("{prompt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create media_prompts_total: %w", err)
	}

	// --- HTTP Client Metrics ---
	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"chat_http_requests_total",
		metric.WithDescription("Outbound HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_requests_total: %w", err)
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"chat_http_request_duration_seconds",
		metric.WithDescription("Time to response headers in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_request_duration: %w", err)
	}

	m.HTTPActiveRequests, err = meter.Int64UpDownCounter(
		"chat_http_active_requests",
		metric.WithDescription("Currently active outbound HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_active_requests: %w", err)
	}

	// --- Error Metrics ---
	m.ErrorsTotal, err = meter.Int64Counter(
		"chat_errors_total",
		metric.WithDescription("Errors by component"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create errors_total: %w", err)
	}

	return m, nil
}

// RecordExchange records one completed exchange.
//
// Description:
//
//	Increments the exchange counter for the outcome and records the
//	duration and token histograms in one call, so call sites stay a
//	single line.
//
// Inputs:
//
//	ctx - Context for the recordings.
//	outcome - One of the Outcome* label values.
//	duration - Wall time of the whole exchange.
//	tokens - Text tokens received.
func (m *Metrics) RecordExchange(ctx context.Context, outcome string, duration time.Duration, tokens int) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.ExchangesTotal.Add(ctx, 1, attrs)
	m.ExchangeDuration.Record(ctx, duration.Seconds(), attrs)
	m.ExchangeTokens.Record(ctx, int64(tokens))
}

// RecordSave records one chat save attempt.
//
// Inputs:
//
//	ctx - Context for the recording.
//	trigger - The save trigger name (stream-finished, user-stopped, ...).
//	outcome - "ok" or "failed".
func (m *Metrics) RecordSave(ctx context.Context, trigger, outcome string) {
	m.SavesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.String("outcome", outcome),
	))
}

// RecordGenerationTask records one generation lifecycle event.
//
// Inputs:
//
//	ctx - Context for the recording.
//	kind - Media kind (image, video, 3d).
//	state - Lifecycle state (placeholder, progress, response, error).
func (m *Metrics) RecordGenerationTask(ctx context.Context, kind, state string) {
	m.GenerationTasksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("state", state),
	))
}
