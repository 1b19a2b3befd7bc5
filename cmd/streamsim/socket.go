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
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
	"github.com/AleutianAI/AleutianChat/pkg/events"
	"github.com/AleutianAI/AleutianChat/pkg/mediagen"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wireFrame is the event socket frame format the client bridge decodes.
type wireFrame struct {
	Topic   events.Topic `json:"topic"`
	Payload any          `json:"payload"`
}

// generationScript describes one scripted media generation run.
type generationScript struct {
	kind     chat.GenerationKind
	interval time.Duration
	count    int
	fail     bool
	repeat   bool
}

// progressSteps is the scripted progress ladder: one push per step and
// task, with a status line the client shows verbatim.
var progressSteps = []struct {
	progress int
	status   string
}{
	{20, "queued"},
	{40, "rendering"},
	{60, "upscaling"},
	{80, "finalizing"},
}

// handleEventSocket upgrades the connection and pushes a scripted
// generation lifecycle: placeholder, progress ladder, then a response
// or an error. Query parameters shape the run:
//
//   - kind: image, video, or 3d (default image)
//   - interval_ms: delay between pushes (default 400)
//   - count: parallel tasks under one parent (default 1, max 4)
//   - fail: end with an error instead of a response
//   - repeat: start a fresh run after each one finishes
func (s *Simulator) handleEventSocket(c *gin.Context) {
	script, err := parseScript(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error("event socket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.metrics.SocketConnected()
	s.log.Info("event socket connected",
		"kind", script.kind, "count", script.count,
		"fail", script.fail, "repeat", script.repeat)

	// The client never sends data frames, but reading is what services
	// its keepalive pings and notices the disconnect.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		if !s.runScript(conn, readDone, script) {
			return
		}
		if !script.repeat {
			// Hold the connection so the bridge does not reconnect and
			// trigger another run.
			<-readDone
			s.log.Info("event socket disconnected")
			return
		}
		if !s.pause(readDone, 5*script.interval) {
			return
		}
	}
}

// parseScript reads the generation script from the query string.
func parseScript(c *gin.Context) (generationScript, error) {
	script := generationScript{
		kind:     chat.GenerationKind(c.DefaultQuery("kind", string(chat.KindImage))),
		interval: 400 * time.Millisecond,
		count:    1,
		fail:     parseBool(c.Query("fail")),
		repeat:   parseBool(c.Query("repeat")),
	}
	if !script.kind.Valid() {
		return script, fmt.Errorf("unknown generation kind %q", script.kind)
	}
	if raw := c.Query("interval_ms"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 1 || ms > 60000 {
			return script, fmt.Errorf("interval_ms must be between 1 and 60000")
		}
		script.interval = time.Duration(ms) * time.Millisecond
	}
	if raw := c.Query("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 4 {
			return script, fmt.Errorf("count must be between 1 and 4")
		}
		script.count = n
	}
	return script, nil
}

func parseBool(raw string) bool {
	return raw == "1" || strings.EqualFold(raw, "true")
}

// runScript pushes one full generation lifecycle. It returns false
// when the connection died mid-run.
func (s *Simulator) runScript(conn *websocket.Conn, readDone <-chan struct{}, script generationScript) bool {
	parentID := uuid.New().String()
	ids := make([]string, script.count)
	for i := range ids {
		ids[i] = uuid.New().String()
	}

	if err := s.sendFrame(conn, events.PlaceholderTopic(script.kind), &events.PlaceholderPayload{
		IDs:             ids,
		ParentMessageID: parentID,
		Prompt:          "scripted " + string(script.kind) + " generation",
	}); err != nil {
		return false
	}

	for _, step := range progressSteps {
		if !s.pause(readDone, script.interval) {
			return false
		}
		for _, id := range ids {
			if err := s.sendFrame(conn, events.ProgressTopic(script.kind), &events.ProgressPayload{
				PlaceholderID:   id,
				ParentMessageID: parentID,
				Progress:        step.progress,
				Status:          step.status,
			}); err != nil {
				return false
			}
		}
	}

	if !s.pause(readDone, script.interval) {
		return false
	}

	if script.fail {
		for _, id := range ids {
			if err := s.sendFrame(conn, events.ErrorTopic(script.kind), &events.ErrorPayload{
				PlaceholderID:   id,
				ParentMessageID: parentID,
				Message:         "scripted generation failure",
			}); err != nil {
				return false
			}
		}
		return true
	}

	payload := responsePayload(script.kind, ids, parentID)
	return s.sendFrame(conn, events.ResponseTopic(script.kind), payload) == nil
}

// responsePayload fabricates completion assets for the script's kind.
// The URL shapes match the simulated provider so downstream consumers
// cannot tell the two apart.
func responsePayload(kind chat.GenerationKind, ids []string, parentID string) *events.ResponsePayload {
	base := strings.TrimSuffix(mediagen.DefaultSimulatedBaseURL, "/")
	payload := &events.ResponsePayload{
		IDs:             ids,
		ParentMessageID: parentID,
		IsComplete:      true,
		Caption:         "Scripted " + string(kind) + " generation",
	}
	switch kind {
	case chat.KindVideo:
		payload.URL = base + "/" + ids[0] + ".mp4"
		payload.RenderURLs = []string{base + "/" + ids[0] + "-preview.mp4"}
	case chat.Kind3D:
		payload.ModelURL = base + "/" + ids[0] + ".glb"
		payload.RenderURLs = []string{base + "/" + ids[0] + "-turntable.mp4"}
		payload.PointCloudURL = base + "/" + ids[0] + ".ply"
	default:
		urls := make([]string, len(ids))
		for i, id := range ids {
			urls[i] = base + "/" + id + ".png"
		}
		payload.URLs = urls
	}
	return payload
}

// sendFrame writes one event frame and counts it.
func (s *Simulator) sendFrame(conn *websocket.Conn, topic events.Topic, payload any) error {
	if err := conn.WriteJSON(wireFrame{Topic: topic, Payload: payload}); err != nil {
		s.log.Warn("event socket write failed", "topic", topic, "error", err)
		return err
	}
	s.metrics.SocketFrame(topic.String())
	return nil
}

// pause waits out one script delay, returning false when the
// connection died first.
func (s *Simulator) pause(readDone <-chan struct{}, d time.Duration) bool {
	select {
	case <-readDone:
		return false
	case <-time.After(d):
		return true
	}
}
