// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command streamsim stands in for the chat backend during development.
// It replays yaml-scripted response streams over the chat wire
// protocol and pushes scripted generation lifecycle events over the
// event socket, so the client can be exercised against stream shapes
// that are hard to coax out of a live model: frames split inside a
// rune, malformed JSON, mid-stream errors, silent truncation.
//
// Point the client at it with backend.base_url http://localhost:8080
// and events.socket_url ws://localhost:8080/v1/events.
//
// Environment:
//   - STREAMSIM_PORT: listen port (default 8080)
//   - STREAMSIM_SCENARIO_DIR: directory of scenario yaml files,
//     hot-reloaded on change; unset serves the built-ins only
//   - STREAMSIM_SCENARIO: default scenario name (default "default")
//   - OTEL_TRACES_EXPORTER / OTEL_EXPORTER_OTLP_ENDPOINT: request
//     tracing, off unless set
package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianChat/pkg/telemetry"
)

func main() {
	port := os.Getenv("STREAMSIM_PORT")
	if port == "" {
		port = "8080"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.ServiceName = "streamsim"
	// Stream and socket counters are native Prometheus metrics on
	// /metrics; the otel meter provider would double-report them.
	telemetryCfg.MetricExporter = "none"
	shutdown, err := telemetry.Init(context.Background(), telemetryCfg)
	if err != nil {
		log.Fatalf("failed to set up telemetry: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			slog.Error("telemetry shutdown failed", "error", err)
		}
	}()

	metrics := NewMetrics()

	defaultScenario := os.Getenv("STREAMSIM_SCENARIO")
	if defaultScenario == "" {
		defaultScenario = "default"
	}
	library := NewLibrary(defaultScenario, logger)

	if dir := os.Getenv("STREAMSIM_SCENARIO_DIR"); dir != "" {
		reload := func() {
			n, err := library.LoadDir(dir)
			if err != nil {
				slog.Error("scenario reload failed", "dir", dir, "error", err)
				return
			}
			metrics.ReloadDone()
			slog.Info("scenarios reloaded", "dir", dir, "loaded", n)
		}
		reload()

		watcher, err := NewScenarioWatcher(dir, reload, logger)
		if err != nil {
			log.Fatalf("failed to create the scenario watcher: %v", err)
		}
		if err := watcher.Start(context.Background()); err != nil {
			log.Fatalf("failed to watch the scenario directory: %v", err)
		}
		defer watcher.Stop()
	} else {
		slog.Info("STREAMSIM_SCENARIO_DIR not set, serving built-in scenarios only")
	}

	if _, ok := library.Default(); !ok {
		// Not fatal: the file may land in the scenario directory later,
		// and named scenarios keep working meanwhile.
		slog.Warn("default scenario is not loaded, unselected requests will 404",
			"default", defaultScenario)
	}

	sim := NewSimulator(library, metrics, logger)

	router := gin.Default()
	router.Use(otelgin.Middleware("streamsim"))
	sim.RegisterRoutes(router)

	slog.Info("streamsim listening",
		"port", port,
		"scenarios", len(library.Names()),
		"default", defaultScenario)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
