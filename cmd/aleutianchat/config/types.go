// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// configValidate is the validator instance for loaded configs.
var configValidate = validator.New()

type ChatConfig struct {
	// Backend: the streaming chat server this client talks to
	Backend BackendConfig `yaml:"backend"`

	// Storage: where conversations are persisted locally
	Storage StorageConfig `yaml:"storage"`

	// Retrieval: optional document retrieval for context injection
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Events: optional server-side generation event socket
	Events EventsConfig `yaml:"events"`

	// Media: image/video/3d generation providers
	Media MediaConfig `yaml:"media"`

	// Assets: optional bucket mirror for generated media
	Assets AssetsConfig `yaml:"assets"`

	// Telemetry: traces, metrics, and exchange statistics
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Logging: level and optional log directory
	Logging LoggingConfig `yaml:"logging"`
}

type BackendConfig struct {
	BaseURL   string `yaml:"base_url" validate:"required,url"` // e.g. http://localhost:8080
	DataSpace string `yaml:"data_space"`                       // e.g. "public"

	// TimeoutSeconds caps a whole exchange. 0 uses the client default.
	TimeoutSeconds int `yaml:"timeout_seconds" validate:"gte=0"`
}

type StorageConfig struct {
	Path string `yaml:"path"` // chat store directory, ~ expands

	// Ephemeral keeps chats in memory only. Nothing survives exit.
	Ephemeral bool `yaml:"ephemeral"`
}

type RetrievalConfig struct {
	Enabled      bool    `yaml:"enabled"`
	URL          string  `yaml:"url" validate:"omitempty,url"` // Weaviate endpoint
	DataSpace    string  `yaml:"data_space"`
	Documents    int     `yaml:"documents" validate:"gte=0,lte=20"`
	MinCertainty float64 `yaml:"min_certainty" validate:"gte=0,lte=1"`
}

type EventsConfig struct {
	// SocketURL is the generation event WebSocket, e.g.
	// ws://localhost:8080/v1/events. Empty disables the bridge.
	SocketURL string `yaml:"socket_url" validate:"omitempty,url"`
}

type MediaConfig struct {
	// ImageProvider can be "auto", "openai", or "simulated". Auto picks
	// openai when OPENAI_API_KEY is set.
	ImageProvider string `yaml:"image_provider" validate:"oneof=auto openai simulated"`
	ImageModel    string `yaml:"image_model,omitempty"`
	ImageSize     string `yaml:"image_size,omitempty"`
}

type AssetsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket" validate:"required_if=Enabled true"`
	KeyPath string `yaml:"key_path"` // service account key, ~ expands
	Prefix  string `yaml:"prefix"`
}

type TelemetryConfig struct {
	Enabled        bool   `yaml:"enabled"`
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=otlp stdout none"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	PrometheusPort int    `yaml:"prometheus_port" validate:"gte=0,lte=65535"`

	// InfluxEnabled turns on the exchange statistics recorder.
	// Connection settings come from the INFLUXDB_* environment
	// variables so tokens stay out of the config file.
	InfluxEnabled bool `yaml:"influx_enabled"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"` // empty disables file logging, ~ expands
	JSON  bool   `yaml:"json"`
}

// Validate checks the loaded config against its constraints.
func (c *ChatConfig) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func DefaultConfig() ChatConfig {
	return ChatConfig{
		Backend: BackendConfig{
			BaseURL:   "http://localhost:8080",
			DataSpace: "public",
		},
		Storage: StorageConfig{
			Path: "~/.aleutian-chat/chats",
		},
		Retrieval: RetrievalConfig{
			Enabled:      false,
			URL:          "http://localhost:8081",
			DataSpace:    "public",
			Documents:    3,
			MinCertainty: 0.7,
		},
		Events: EventsConfig{},
		Media: MediaConfig{
			ImageProvider: "auto",
		},
		Assets: AssetsConfig{
			Prefix: "media",
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			TraceExporter:  "none",
			MetricExporter: "none",
			OTLPEndpoint:   "localhost:4317",
			PrometheusPort: 9464,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "~/.aleutian-chat/logs",
		},
	}
}
