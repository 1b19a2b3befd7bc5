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

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// ExchangeStats describes one completed exchange for analytics.
type ExchangeStats struct {
	// RequestID is the client-generated exchange id.
	RequestID string

	// ChatID is the persisted chat, empty before the first save.
	ChatID string

	// DataSpace scopes the exchange's retrieval corpus, if any.
	DataSpace string

	// Outcome is one of the Outcome* label values.
	Outcome string

	// Events is the number of decoded stream events.
	Events int

	// Tokens is the number of text tokens received.
	Tokens int

	// Duration is the wall time of the whole exchange.
	Duration time.Duration

	// StartedAt is when the exchange began. Zero falls back to now.
	StartedAt time.Time
}

// ExchangeRecorder persists per-exchange statistics for later analysis.
//
// Description:
//
//	Implementations receive one ExchangeStats per finished exchange,
//	whatever its outcome. Recording is best effort: callers log a
//	returned error and move on, an analytics sink must never block a
//	conversation.
type ExchangeRecorder interface {
	// RecordExchange writes one exchange record.
	RecordExchange(ctx context.Context, stats ExchangeStats) error

	// Close releases the underlying sink.
	Close()
}

// InfluxConfig locates the InfluxDB analytics sink.
type InfluxConfig struct {
	// URL is the InfluxDB base URL.
	URL string

	// Token authenticates writes.
	Token string

	// Org is the InfluxDB organization.
	Org string

	// Bucket receives the exchange points.
	Bucket string
}

// DefaultInfluxConfig returns the sink location from the environment.
//
// Environment variables:
//   - INFLUXDB_URL (default: http://localhost:8086)
//   - INFLUXDB_TOKEN
//   - INFLUXDB_ORG (default: aleutian-chat)
//   - INFLUXDB_BUCKET (default: chat-telemetry)
func DefaultInfluxConfig() InfluxConfig {
	return InfluxConfig{
		URL:    getEnvOr("INFLUXDB_URL", "http://localhost:8086"),
		Token:  getEnvOr("INFLUXDB_TOKEN", ""),
		Org:    getEnvOr("INFLUXDB_ORG", "aleutian-chat"),
		Bucket: getEnvOr("INFLUXDB_BUCKET", "chat-telemetry"),
	}
}

// InfluxRecorder writes exchange statistics to InfluxDB.
//
// Description:
//
//	Writes one point per exchange to the "chat_exchanges" measurement,
//	tagged by outcome and data space, with event, token, and duration
//	fields. Points are written synchronously; call RecordExchange off
//	the exchange path or accept the write latency.
//
// Thread Safety: Safe for concurrent use.
type InfluxRecorder struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

// NewInfluxRecorder creates a recorder writing to the configured sink.
//
// Description:
//
//	Builds the InfluxDB client and a blocking write API for the
//	configured org and bucket. The connection is lazy; use Health to
//	probe the server before trusting writes.
//
// Inputs:
//
//	cfg - Sink location. Use DefaultInfluxConfig() for environment defaults.
//
// Outputs:
//
//	*InfluxRecorder - The recorder. Call Close when done.
//
// Example:
//
//	recorder := telemetry.NewInfluxRecorder(telemetry.DefaultInfluxConfig())
//	defer recorder.Close()
//	if err := recorder.Health(ctx); err != nil {
//	    log.Warn("influx unavailable, exchange analytics disabled", "error", err)
//	}
func NewInfluxRecorder(cfg InfluxConfig) *InfluxRecorder {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxRecorder{
		client: client,
		write:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}
}

// Health probes the InfluxDB server.
func (r *InfluxRecorder) Health(ctx context.Context) error {
	health, err := r.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("influx health: %w", err)
	}
	if health.Status != "pass" {
		return fmt.Errorf("influx health: status %s", health.Status)
	}
	return nil
}

// RecordExchange writes one exchange point.
func (r *InfluxRecorder) RecordExchange(ctx context.Context, stats ExchangeStats) error {
	when := stats.StartedAt
	if when.IsZero() {
		when = time.Now()
	}

	tags := map[string]string{
		"outcome": stats.Outcome,
	}
	if stats.DataSpace != "" {
		tags["data_space"] = stats.DataSpace
	}

	p := influxdb2.NewPoint(
		"chat_exchanges",
		tags,
		map[string]interface{}{
			"events":           stats.Events,
			"tokens":           stats.Tokens,
			"duration_seconds": stats.Duration.Seconds(),
			"request_id":       stats.RequestID,
			"chat_id":          stats.ChatID,
		},
		when,
	)

	if err := r.write.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("write exchange point: %w", err)
	}
	return nil
}

// Close releases the InfluxDB client.
func (r *InfluxRecorder) Close() {
	r.client.Close()
}

// NoopRecorder discards exchange statistics.
//
// Stands in when no analytics sink is configured, so callers record
// unconditionally.
type NoopRecorder struct{}

// RecordExchange discards the stats.
func (NoopRecorder) RecordExchange(context.Context, ExchangeStats) error { return nil }

// Close does nothing.
func (NoopRecorder) Close() {}

// =============================================================================
// COMPILE-TIME INTERFACE CHECKS
// =============================================================================

var (
	_ ExchangeRecorder = (*InfluxRecorder)(nil)
	_ ExchangeRecorder = NoopRecorder{}
)
