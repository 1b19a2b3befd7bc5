// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Simulator serves scripted chat streams and generation events.
type Simulator struct {
	library *Library
	metrics *Metrics
	log     *slog.Logger
}

// NewSimulator creates a simulator over the given scenario library.
func NewSimulator(library *Library, metrics *Metrics, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{
		library: library,
		metrics: metrics,
		log:     logger,
	}
}

// RegisterRoutes mounts the simulator's endpoints on the router.
//
// Endpoints:
//   - POST /v1/chat/stream  - replay a scenario as an SSE stream
//   - GET  /v1/events       - generation lifecycle event socket
//   - GET  /v1/scenarios    - list the loaded scenarios
//   - GET  /healthz         - liveness probe
//   - GET  /metrics         - Prometheus exposition
func (s *Simulator) RegisterRoutes(router gin.IRouter) {
	router.POST("/v1/chat/stream", s.handleStream)
	router.GET("/v1/events", s.handleEventSocket)
	router.GET("/v1/scenarios", s.handleScenarios)
	router.GET("/healthz", s.handleHealthz)
	router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
}

// streamRequest is the body of one streaming exchange. Only the
// message is required; everything else is accepted and ignored so any
// client build can talk to the simulator.
type streamRequest struct {
	ID        string          `json:"id"`
	ChatID    string          `json:"chatId"`
	Message   string          `json:"message" binding:"required"`
	DataSpace string          `json:"dataSpace"`
	History   json.RawMessage `json:"history"`
}

// handleStream replays one scenario as the response stream.
func (s *Simulator) handleStream(c *gin.Context) {
	var req streamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	scenario, ok := s.pickScenario(c, req.Message)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":     "unknown scenario",
			"scenarios": s.library.Names(),
		})
		return
	}

	s.log.Info("replaying scenario",
		"scenario", scenario.Name,
		"request_id", req.ID,
		"chat_id", req.ChatID,
		"frames", len(scenario.Frames),
	)

	s.metrics.StreamStarted()
	setSSEHeaders(c.Writer)
	c.Status(http.StatusOK)

	outcome := s.replay(c.Request.Context(), c.Writer, scenario)
	s.metrics.StreamEnded(scenario.Name, outcome)

	if outcome != outcomeCompleted {
		s.log.Warn("stream replay cut short",
			"scenario", scenario.Name, "outcome", outcome)
	}
}

// pickScenario resolves which scenario a request asked for. Precedence:
// the X-Scenario header, the scenario query parameter, a message that
// matches a scenario name exactly, then the library default.
func (s *Simulator) pickScenario(c *gin.Context, message string) (*Scenario, bool) {
	if name := c.GetHeader("X-Scenario"); name != "" {
		return s.library.Get(name)
	}
	if name := c.Query("scenario"); name != "" {
		return s.library.Get(name)
	}
	if scenario, ok := s.library.Get(message); ok {
		return scenario, true
	}
	return s.library.Default()
}

// replay writes the scenario's frames, honoring per-frame delays and
// chunked writes, until the frames run out or the client goes away.
func (s *Simulator) replay(ctx context.Context, w gin.ResponseWriter, scenario *Scenario) string {
	for i := range scenario.Frames {
		frame := &scenario.Frames[i]

		if frame.DelayMs > 0 {
			select {
			case <-ctx.Done():
				return outcomeClientGone
			case <-time.After(time.Duration(frame.DelayMs) * time.Millisecond):
			}
		}

		wire, err := frame.WireBytes()
		if err != nil {
			// Validation catches this at load time; a frame that still
			// fails here ends the stream like a backend crash would.
			s.log.Error("unrenderable frame",
				"scenario", scenario.Name, "frame", i, "error", err)
			return outcomeWriteError
		}

		for _, chunk := range splitChunks(wire, frame.Chunks) {
			if ctx.Err() != nil {
				return outcomeClientGone
			}
			if _, err := w.Write(chunk); err != nil {
				return outcomeWriteError
			}
			w.Flush()
		}
		s.metrics.FrameWritten(scenario.Name)
	}
	return outcomeCompleted
}

// scenarioInfo is one entry of the scenario listing.
type scenarioInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Frames      int    `json:"frames"`
}

// handleScenarios lists the loaded scenarios.
func (s *Simulator) handleScenarios(c *gin.Context) {
	scenarios := s.library.Snapshot()
	infos := make([]scenarioInfo, 0, len(scenarios))
	for _, scenario := range scenarios {
		infos = append(infos, scenarioInfo{
			Name:        scenario.Name,
			Description: scenario.Description,
			Frames:      len(scenario.Frames),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"default":   s.library.DefaultName(),
		"scenarios": infos,
	})
}

// handleHealthz answers liveness probes.
func (s *Simulator) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"scenarios": len(s.library.Names()),
	})
}

// setSSEHeaders configures the response for event stream delivery.
// X-Accel-Buffering disables proxy buffering so frames reach the
// client as they are flushed.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}
