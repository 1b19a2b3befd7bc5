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
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Transport is an instrumented http.RoundTripper for outbound requests.
//
// Description:
//
//	Wraps each request in a client span, propagates W3C trace context
//	to the backend, and records request count, duration, and active
//	request metrics. The span and the duration histogram cover the
//	time to response headers; reading a streamed body afterwards is
//	not included.
//
// Thread Safety: Safe for concurrent use.
type Transport struct {
	base    http.RoundTripper
	metrics *Metrics
	tracer  trace.Tracer
}

// NewTransport creates an instrumented transport around base.
//
// Description:
//
//	Builds a Transport delegating to base for the actual round trip.
//	Plug it into an http.Client to instrument every request the client
//	makes.
//
// Inputs:
//
//	base - The underlying transport. Nil falls back to http.DefaultTransport.
//	metrics - Metrics to record into. Nil disables metric recording;
//	tracing and propagation still apply.
//
// Outputs:
//
//	*Transport - The instrumented transport.
//
// Example:
//
//	httpClient := &http.Client{
//	    Transport: telemetry.NewTransport(nil, metrics),
//	    Timeout:   5 * time.Minute,
//	}
//
// Thread Safety: Safe for concurrent use.
func NewTransport(base http.RoundTripper, metrics *Metrics) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{
		base:    base,
		metrics: metrics,
		tracer:  otel.Tracer("chat.http"),
	}
}

// RoundTrip executes the request with tracing and metrics.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, span := t.tracer.Start(req.Context(), req.Method+" "+req.URL.Path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.url", req.URL.String()),
			attribute.String("http.host", req.URL.Host),
		),
	)
	defer span.End()

	// RoundTrippers must not mutate the caller's request.
	req = req.Clone(ctx)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	if t.metrics != nil {
		t.metrics.HTTPActiveRequests.Add(ctx, 1)
		defer t.metrics.HTTPActiveRequests.Add(ctx, -1)
	}

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start).Seconds()

	if err != nil {
		RecordError(span, err)
		t.record(ctx, req, 0, duration)
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	} else {
		span.SetStatus(codes.Ok, "")
	}

	t.record(ctx, req, resp.StatusCode, duration)
	return resp, nil
}

// record writes the request metrics. A zero status marks a transport
// failure that produced no response.
func (t *Transport) record(ctx context.Context, req *http.Request, status int, duration float64) {
	if t.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", req.Method),
		attribute.String("host", req.URL.Host),
		attribute.Int("status", status),
	)
	t.metrics.HTTPRequestsTotal.Add(ctx, 1, attrs)
	t.metrics.HTTPRequestDuration.Record(ctx, duration, attrs)
}

// =============================================================================
// COMPILE-TIME INTERFACE CHECKS
// =============================================================================

var _ http.RoundTripper = (*Transport)(nil)
