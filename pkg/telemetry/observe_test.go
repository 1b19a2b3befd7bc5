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
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/AleutianAI/AleutianChat/pkg/events"
	"github.com/AleutianAI/AleutianChat/pkg/stream"
)

// newTestMetrics builds a Metrics instance backed by a manual reader so
// tests can collect and assert recorded values.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	metrics, err := NewMetrics(provider.Meter("observe_test"))
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	return metrics, reader
}

// counterValue collects the reader and sums every data point of the
// named int64 counter.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s is not an int64 sum", name)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestObserveBus_CountsGenerationLifecycle(t *testing.T) {
	metrics, reader := newTestMetrics(t)

	bus := events.NewBus()
	defer bus.Close()

	stop := ObserveBus(bus, metrics)

	bus.PublishSync(events.TopicAIImagePlaceholder, nil, "test")
	bus.PublishSync(events.TopicAIImageResponse, nil, "test")
	bus.PublishSync(events.TopicAIVideoError, nil, "test")
	bus.PublishSync(events.TopicUserImageMessage, nil, "test")
	bus.PublishSync(events.Topic("custom-topic"), nil, "test")

	if got := counterValue(t, reader, "chat_generation_tasks_total"); got != 3 {
		t.Errorf("generation tasks = %d, want 3", got)
	}
	if got := counterValue(t, reader, "chat_media_prompts_total"); got != 1 {
		t.Errorf("media prompts = %d, want 1", got)
	}

	// After stop the subscription is gone.
	stop()
	bus.PublishSync(events.TopicAIImageResponse, nil, "test")

	if got := counterValue(t, reader, "chat_generation_tasks_total"); got != 3 {
		t.Errorf("generation tasks after stop = %d, want 3", got)
	}
}

func TestCountingParser_CountsFramesAndFailures(t *testing.T) {
	metrics, reader := newTestMetrics(t)
	parser := NewCountingParser(nil, metrics)

	event, err := parser.ParseBlock(`data: {"type":"text-delta","delta":"hi"}`)
	if err != nil {
		t.Fatalf("ParseBlock() error = %v", err)
	}
	if event == nil || event.Type != stream.EventTextDelta {
		t.Fatalf("ParseBlock() event = %+v, want text-delta", event)
	}

	if _, err := parser.ParseBlock(`data: {"type":`); err == nil {
		t.Fatal("ParseBlock() with broken JSON should fail")
	}

	if got := counterValue(t, reader, "chat_frames_decoded_total"); got != 1 {
		t.Errorf("frames decoded = %d, want 1", got)
	}
	if got := counterValue(t, reader, "chat_frame_parse_failures_total"); got != 1 {
		t.Errorf("parse failures = %d, want 1", got)
	}
}

func TestCountingParser_DelegatesParsePayload(t *testing.T) {
	metrics, reader := newTestMetrics(t)
	parser := NewCountingParser(nil, metrics)

	event, err := parser.ParsePayload("[DONE]")
	if err != nil {
		t.Fatalf("ParsePayload() error = %v", err)
	}
	if event == nil || event.Type != stream.EventDone {
		t.Fatalf("ParsePayload() event = %+v, want done", event)
	}

	// Payload parsing is not wire traffic and stays uncounted.
	if got := counterValue(t, reader, "chat_frames_decoded_total"); got != 0 {
		t.Errorf("frames decoded = %d, want 0", got)
	}
}

func TestCountingSanitizer_CountsRewrites(t *testing.T) {
	metrics, reader := newTestMetrics(t)
	sanitizer := NewCountingSanitizer(nil, metrics)

	if out := sanitizer.Sanitize("plain text"); out != "plain text" {
		t.Errorf("Sanitize(plain) = %q, want unchanged", out)
	}
	if got := counterValue(t, reader, "chat_sanitizer_rewrites_total"); got != 0 {
		t.Errorf("rewrites after clean text = %d, want 0", got)
	}

	dirty := `f:{"messageId":"m1"}` + "\n" + `0:"Hi"`
	if out := sanitizer.Sanitize(dirty); out != "Hi" {
		t.Errorf("Sanitize(dirty) = %q, want %q", out, "Hi")
	}
	if got := counterValue(t, reader, "chat_sanitizer_rewrites_total"); got != 1 {
		t.Errorf("rewrites after framing leak = %d, want 1", got)
	}
}
