// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package integration exercises the whole client pipeline over real
// HTTP and websocket connections: streaming exchange, sanitization,
// citation extraction, generation lifecycle events, and persistence.
// The backend is a scripted stand-in, so the tests are hermetic.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
	"github.com/AleutianAI/AleutianChat/pkg/client"
	"github.com/AleutianAI/AleutianChat/pkg/events"
	"github.com/AleutianAI/AleutianChat/pkg/gentask"
	"github.com/AleutianAI/AleutianChat/pkg/persist"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// =============================================================================
// Scripted Backend
// =============================================================================

// scriptedBackend speaks the backend wire protocol with canned content
// selected by keywords in the user message.
type scriptedBackend struct {
	upgrader websocket.Upgrader
}

func newBackendServer(t *testing.T) *httptest.Server {
	t.Helper()
	backend := &scriptedBackend{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	router := gin.New()
	router.POST("/v1/chat/stream", backend.handleStream)
	router.GET("/v1/events", backend.handleEvents)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func (b *scriptedBackend) handleStream(c *gin.Context) {
	var req struct {
		ID      string `json:"id"`
		ChatID  string `json:"chatId"`
		Message string `json:"message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	switch {
	case strings.Contains(req.Message, "fail"):
		b.streamFailure(c)
	case strings.Contains(req.Message, "trail off"):
		b.streamTruncated(c)
	case strings.Contains(req.Message, "slowly"):
		b.streamSlow(c)
	default:
		b.streamAnswer(c)
	}
}

func sse(c *gin.Context, event map[string]any) {
	payload, _ := json.Marshal(event)
	fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
	c.Writer.Flush()
}

func sseDelta(c *gin.Context, text string) {
	sse(c, map[string]any{"type": "text-delta", "delta": text})
}

func sseDone(c *gin.Context) {
	io.WriteString(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
}

// streamAnswer carries everything the client has to clean up: an
// inline citation marker, a leaked finish envelope, and a stray done
// sentinel inside the visible text.
func (b *scriptedBackend) streamAnswer(c *gin.Context) {
	marker := `useDocument({documentId: "is-2207", documentName: "island_survey.md", similarity: 0.87})`
	sse(c, map[string]any{"type": "text-start"})
	sse(c, map[string]any{"type": "metadata", "metadata": map[string]any{"model": "qwen2.5:32b"}})
	sseDelta(c, "Unimak is the largest island ")
	sseDelta(c, "in the chain "+marker+" and ")
	sseDelta(c, "hosts Shishaldin volcano.\n")
	sseDelta(c, "e:{\"finishReason\":\"stop\",\"usage\":{\"promptTokens\":42}}\n[DONE]")
	sse(c, map[string]any{"type": "text-end", "text": ""})
	sseDone(c)
}

func (b *scriptedBackend) streamFailure(c *gin.Context) {
	sse(c, map[string]any{"type": "text-start"})
	sseDelta(c, "The model got halfway ")
	sseDelta(c, "through this sentence ")
	sse(c, map[string]any{"type": "error", "error": "inference backend overloaded"})
}

func (b *scriptedBackend) streamTruncated(c *gin.Context) {
	sse(c, map[string]any{"type": "text-start"})
	sseDelta(c, "This answer stops ")
	sseDelta(c, "without warning")
}

func (b *scriptedBackend) streamSlow(c *gin.Context) {
	sse(c, map[string]any{"type": "text-start"})
	for _, word := range []string{"One ", "word ", "at ", "a ", "time ", "for ", "a ", "while."} {
		select {
		case <-c.Request.Context().Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
		sseDelta(c, word)
	}
	sseDone(c)
}

// handleEvents plays one image generation lifecycle and then holds the
// connection open so the client bridge does not reconnect.
func (b *scriptedBackend) handleEvents(c *gin.Context) {
	conn, err := b.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	type frame struct {
		Topic   events.Topic `json:"topic"`
		Payload any          `json:"payload"`
	}
	send := func(topic events.Topic, payload any) bool {
		return conn.WriteJSON(frame{Topic: topic, Payload: payload}) == nil
	}

	taskID := uuid.New().String()
	parentID := uuid.New().String()

	if !send(events.PlaceholderTopic(chat.KindImage), &events.PlaceholderPayload{
		IDs:             []string{taskID},
		ParentMessageID: parentID,
		Prompt:          "a lighthouse on a cliff",
	}) {
		return
	}
	for _, progress := range []int{30, 70} {
		time.Sleep(10 * time.Millisecond)
		if !send(events.ProgressTopic(chat.KindImage), &events.ProgressPayload{
			PlaceholderID:   taskID,
			ParentMessageID: parentID,
			Progress:        progress,
			Status:          "rendering",
		}) {
			return
		}
	}
	time.Sleep(10 * time.Millisecond)
	send(events.ResponseTopic(chat.KindImage), &events.ResponsePayload{
		IDs:             []string{taskID},
		ParentMessageID: parentID,
		IsComplete:      true,
		URLs:            []string{"https://assets.invalid/sim/" + taskID + ".png"},
		Caption:         "A lighthouse on a cliff",
	})

	<-readDone
}

// =============================================================================
// Session Wiring
// =============================================================================

// session assembles the client stack the way the application does:
// shared message list, badger-backed persistence, generation tracker,
// and the streaming service on top.
type session struct {
	list        *chat.MessageList
	store       *persist.BadgerStore
	coordinator *persist.Coordinator
	bus         *events.Bus
	tracker     *gentask.Tracker
	service     client.StreamingChatService
}

func newSession(t *testing.T, baseURL string) *session {
	t.Helper()

	store, err := persist.OpenBadgerStore(persist.InMemoryStoreConfig())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	list := chat.NewMessageList()
	coordinator := persist.NewCoordinator(store)
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	tracker := gentask.NewTracker(list, bus, client.NewMediaSaver(list, coordinator))

	service := client.NewService(client.ServiceConfig{
		BaseURL:     baseURL,
		List:        list,
		Coordinator: coordinator,
		Tracker:     tracker,
		Logger:      discardLogger(),
	})
	t.Cleanup(func() { service.Close() })

	return &session{
		list:        list,
		store:       store,
		coordinator: coordinator,
		bus:         bus,
		tracker:     tracker,
		service:     service,
	}
}

func findPart(messages []chat.Message, partType chat.PartType) (chat.ContentPart, bool) {
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if part.Type == partType {
				return part, true
			}
		}
	}
	return chat.ContentPart{}, false
}

func waitForPart(t *testing.T, list *chat.MessageList, partType chat.PartType) chat.ContentPart {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if part, ok := findPart(list.Snapshot(), partType); ok {
			return part
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("no %s part appeared within 5s", partType)
	return chat.ContentPart{}
}

// =============================================================================
// Streaming Exchange
// =============================================================================

func TestPipeline_CleanExchange(t *testing.T) {
	server := newBackendServer(t)
	s := newSession(t, server.URL)
	ctx := context.Background()

	result, err := s.service.SendMessage(ctx, "tell me about the islands")
	require.NoError(t, err)

	t.Run("Answer_Is_Sanitized", func(t *testing.T) {
		assert.True(t, result.Kept)
		assert.False(t, result.Partial)
		assert.Empty(t, result.ServerError)

		text := result.Message.PrimaryText()
		assert.Contains(t, text, "Unimak is the largest island")
		assert.Contains(t, text, "Shishaldin")
		assert.NotContains(t, text, "useDocument(")
		assert.NotContains(t, text, "finishReason")
		assert.NotContains(t, text, "[DONE]")
	})

	t.Run("Citation_Becomes_Document_Part", func(t *testing.T) {
		part, ok := findPart([]chat.Message{result.Message}, chat.PartTypeDocumentReference)
		require.True(t, ok, "assistant message has no document reference part")
		require.NotEmpty(t, part.Documents)
		assert.Equal(t, "is-2207", part.Documents[0].ID)
		assert.Equal(t, "island_survey.md", part.Documents[0].Name)
	})

	t.Run("Conversation_Is_Persisted", func(t *testing.T) {
		s.coordinator.Flush()
		chatID := s.coordinator.ChatID()
		require.NotEmpty(t, chatID)
		assert.Equal(t, chatID, s.service.ChatID())

		record, err := s.store.Load(ctx, chatID)
		require.NoError(t, err)
		require.Len(t, record.Messages, 2)
		assert.Equal(t, chat.RoleUser, record.Messages[0].Role)
		assert.Equal(t, chat.RoleAssistant, record.Messages[1].Role)
	})

	t.Run("Second_Exchange_Extends_Same_Chat", func(t *testing.T) {
		firstChatID := s.coordinator.ChatID()

		_, err := s.service.SendMessage(ctx, "tell me more")
		require.NoError(t, err)
		s.coordinator.Flush()

		assert.Equal(t, firstChatID, s.coordinator.ChatID())
		record, err := s.store.Load(ctx, firstChatID)
		require.NoError(t, err)
		assert.Len(t, record.Messages, 4)
	})
}

func TestPipeline_ServerErrorSurfaces(t *testing.T) {
	server := newBackendServer(t)
	s := newSession(t, server.URL)

	result, err := s.service.SendMessage(context.Background(), "please fail")
	require.NoError(t, err)

	assert.Equal(t, "inference backend overloaded", result.ServerError)
	assert.True(t, result.Kept)
	assert.True(t, result.Partial)
	assert.Contains(t, result.Message.PrimaryText(), "halfway")

	// The error bubble follows the partial answer.
	snapshot := s.list.Snapshot()
	require.NotEmpty(t, snapshot)
	assert.Equal(t, client.ErrorBubbleText, snapshot[len(snapshot)-1].PrimaryText())
}

func TestPipeline_TruncatedStreamKeepsPartial(t *testing.T) {
	server := newBackendServer(t)
	s := newSession(t, server.URL)

	result, err := s.service.SendMessage(context.Background(), "trail off for me")
	require.NoError(t, err)

	assert.True(t, result.Partial)
	assert.True(t, result.Kept)
	assert.Empty(t, result.ServerError)
	assert.Equal(t, "This answer stops without warning", result.Message.PrimaryText())
}

func TestPipeline_AbortMidStream(t *testing.T) {
	server := newBackendServer(t)
	s := newSession(t, server.URL)

	go func() {
		time.Sleep(250 * time.Millisecond)
		s.service.Abort()
	}()

	started := time.Now()
	result, err := s.service.SendMessage(context.Background(), "answer slowly")
	require.NoError(t, err)

	assert.True(t, result.Partial)
	assert.Less(t, time.Since(started), 3*time.Second, "abort did not cut the exchange short")
	assert.False(t, s.service.Streaming())
}

// =============================================================================
// Generation Lifecycle
// =============================================================================

func TestPipeline_GenerationLifecycle(t *testing.T) {
	server := newBackendServer(t)
	s := newSession(t, server.URL)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/events"
	bridge := events.NewWSBridge(wsURL, s.bus)
	defer bridge.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridge.Run(ctx)

	part := waitForPart(t, s.list, chat.PartTypeGeneratedImage)
	require.Len(t, part.URLs, 1)
	assert.True(t, strings.HasSuffix(part.URLs[0], ".png"))

	// The loading placeholder must be gone once the media arrived.
	_, loading := findPart(s.list.Snapshot(), chat.PartTypeLoadingImage)
	assert.False(t, loading, "loading part still present after completion")

	t.Run("Media_Completion_Is_Persisted", func(t *testing.T) {
		s.coordinator.Flush()
		chatID := s.coordinator.ChatID()
		require.NotEmpty(t, chatID, "media save did not create a chat")

		record, err := s.store.Load(context.Background(), chatID)
		require.NoError(t, err)
		saved, ok := findPart(record.Messages, chat.PartTypeGeneratedImage)
		require.True(t, ok, "generated part missing from the saved chat")
		assert.Equal(t, part.URLs, saved.URLs)
	})
}
