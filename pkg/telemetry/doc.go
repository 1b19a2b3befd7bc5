// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry provides OpenTelemetry-based observability for the
// chat client.
//
// This package initializes the OTel SDK with opinionated defaults for
// tracing and metrics, while allowing backend flexibility through
// exporter configuration.
//
// # Philosophy
//
// Be opinionated about the API, flexible about the backend.
// OpenTelemetry IS the abstraction layer. We use OTel APIs directly
// (no custom interfaces), and users swap backends by changing exporter
// configuration, not code.
//
// # Trace Backend (default: none)
//
// A terminal chat client should not dial a collector unless asked, so
// tracing is off by default. Setting OTEL_TRACES_EXPORTER=otlp sends
// spans to any OTLP-compatible backend over gRPC; "stdout" prints them
// for local debugging.
//
// # Metrics Backend (default: Prometheus)
//
// Prometheus is the default metrics backend. The exporter is pull
// based and stays inert until something serves the handler returned by
// MetricsHandler, so the default costs nothing in a plain CLI session.
//
// # Domain Instruments
//
// NewMetrics registers the instrument set for the streaming pipeline:
// frames decoded, frame parse failures, sanitizer rewrites, exchanges
// by outcome, chat saves by trigger and outcome, and generation tasks
// by kind and lifecycle state. The counting decorators in this package
// (NewCountingParser, NewCountingSanitizer, ObserveBus) feed the
// stream-level instruments without the instrumented packages knowing
// about telemetry.
//
// # Exchange Analytics
//
// InfluxRecorder writes one point per completed exchange to InfluxDB
// for long-term session analytics. NoopRecorder stands in when no
// InfluxDB is configured.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	shutdown, err := telemetry.Init(ctx, cfg)
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer shutdown(ctx)
//
//	// Now otel.Tracer() and otel.Meter() are configured
//	meter := otel.Meter("aleutianchat")
//	metrics, err := telemetry.NewMetrics(meter)
//
// # Environment Variables
//
// Standard OTel environment variables are supported:
//
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint (default: localhost:4317)
//   - OTEL_TRACES_EXPORTER: otlp, stdout, or none (default: none)
//   - OTEL_METRICS_EXPORTER: prometheus, stdout, or none (default: prometheus)
//   - ALEUTIAN_CHAT_ENV: environment name (default: development)
//
// # Thread Safety
//
// All exported functions are safe for concurrent use after Init() returns.
package telemetry
