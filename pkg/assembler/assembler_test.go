// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assembler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
	"github.com/AleutianAI/AleutianChat/pkg/stream"
)

// newTestAssembler builds an assembler over a fresh list seeded with
// the given messages. The insecure accumulator fallback is enabled so
// tests run without an mlock budget.
func newTestAssembler(t *testing.T, opts Options, seed ...chat.Message) (*Assembler, *chat.MessageList) {
	t.Helper()
	t.Setenv("ALEUTIAN_INSECURE_MEMORY", "true")
	list := chat.NewMessageList(seed...)
	a := NewAssemblerWithOptions(list, opts)
	t.Cleanup(func() {
		if a.Active() {
			a.Abort()
		}
	})
	return a, list
}

// countMessages returns how many list entries carry the given id.
func countMessages(list *chat.MessageList, id string) int {
	n := 0
	for _, m := range list.Snapshot() {
		if m.ID == id {
			n++
		}
	}
	return n
}

// streamingText returns the text part of the streaming message.
func streamingText(t *testing.T, list *chat.MessageList) string {
	t.Helper()
	msg, ok := list.Get(chat.StreamingMessageID)
	require.True(t, ok, "streaming message should exist")
	for _, p := range msg.Parts {
		if p.Type == chat.PartTypeText {
			return p.Text
		}
	}
	return ""
}

// thinkingPlaceholder builds the pre-stream placeholder message.
func thinkingPlaceholder() chat.Message {
	return chat.Message{
		ID:        chat.ThinkingMessageID,
		Role:      chat.RoleAssistant,
		Parts:     []chat.ContentPart{chat.NewTextPart("Thinking")},
		CreatedAt: time.Now().UnixMilli(),
	}
}

// =============================================================================
// Assembly Sequence
// =============================================================================

// TestAssembler_HelloWorldSequence verifies the canonical delta
// sequence assembles exactly.
//
// # Description
//
// text-start, "Hello", " world", empty text-end must finalize into an
// assistant message whose content is exactly "Hello world", with the
// sentinels gone from the list.
func TestAssembler_HelloWorldSequence(t *testing.T) {
	a, list := newTestAssembler(t, Options{},
		chat.NewTextMessage(chat.RoleUser, "Hi"))

	require.NoError(t, a.Begin(context.Background()))
	require.NoError(t, a.OnEvent(stream.NewTextStartEvent()))
	require.NoError(t, a.OnEvent(stream.NewTextDeltaEvent("Hello")))
	require.NoError(t, a.OnEvent(stream.NewTextDeltaEvent(" world")))
	require.NoError(t, a.OnEvent(stream.NewTextEndEvent("")))

	final, err := a.Commit()
	require.NoError(t, err, "commit should succeed")

	assert.Equal(t, "Hello world", final.PrimaryText(), "content should be the exact concatenation")
	assert.Equal(t, chat.RoleAssistant, final.Role)
	assert.False(t, final.IsSentinel(), "final message should carry a permanent id")

	messages := list.Snapshot()
	require.Len(t, messages, 2, "list should hold the user message and the final answer")
	assert.Equal(t, final.ID, messages[1].ID, "final message should replace the sentinels in place")
	assert.Equal(t, 0, countMessages(list, chat.StreamingMessageID))
	assert.Equal(t, 0, countMessages(list, chat.ThinkingMessageID))
}

// TestAssembler_SingleStreamingMessage verifies the streaming sentinel
// never duplicates.
//
// # Description
//
// After every event the list must hold at most one streaming message,
// and the thinking placeholder must be gone from the first publish on.
func TestAssembler_SingleStreamingMessage(t *testing.T) {
	a, list := newTestAssembler(t, Options{},
		chat.NewTextMessage(chat.RoleUser, "Hi"),
		thinkingPlaceholder())

	require.NoError(t, a.Begin(context.Background()))

	events := []stream.StreamEvent{
		stream.NewTextStartEvent(),
		stream.NewTextDeltaEvent("The"),
		stream.NewTextDeltaEvent(" answer"),
		stream.NewMetadataEvent(map[string]any{
			"usedDocuments": []any{
				map[string]any{"id": "d1", "name": "Doc.pdf", "similarity": 0.5},
			},
		}),
		stream.NewTextDeltaEvent(" is 42."),
		stream.NewTextEndEvent(""),
	}
	for _, ev := range events {
		require.NoError(t, a.OnEvent(ev))
		assert.Equal(t, 1, countMessages(list, chat.StreamingMessageID),
			"exactly one streaming message after every event")
		assert.Equal(t, 0, countMessages(list, chat.ThinkingMessageID),
			"thinking placeholder should not survive a publish")
	}

	assert.Equal(t, "The answer is 42.", streamingText(t, list))
}

// TestAssembler_ThinkingPlaceholderDrops verifies the placeholder
// disappears with the first published token.
func TestAssembler_ThinkingPlaceholderDrops(t *testing.T) {
	a, list := newTestAssembler(t, Options{}, thinkingPlaceholder())

	require.NoError(t, a.Begin(context.Background()))
	require.Equal(t, 1, countMessages(list, chat.ThinkingMessageID),
		"placeholder should survive until the first event")

	require.NoError(t, a.OnEvent(stream.NewTextDeltaEvent("Hi")))

	assert.Equal(t, 0, countMessages(list, chat.ThinkingMessageID))
	assert.Equal(t, "Hi", streamingText(t, list))
}

// TestAssembler_TextStartRestartsAnswer verifies a mid-stream
// text-start discards the accumulated draft.
func TestAssembler_TextStartRestartsAnswer(t *testing.T) {
	a, list := newTestAssembler(t, Options{})

	require.NoError(t, a.Begin(context.Background()))
	require.NoError(t, a.OnEvent(stream.NewTextDeltaEvent("stale draft")))
	require.Equal(t, "stale draft", streamingText(t, list))

	require.NoError(t, a.OnEvent(stream.NewTextStartEvent()))
	assert.Equal(t, "", streamingText(t, list), "restart should clear the published text")

	require.NoError(t, a.OnEvent(stream.NewTextDeltaEvent("fresh")))

	final, err := a.Commit()
	require.NoError(t, err)
	assert.Equal(t, "fresh", final.PrimaryText(), "only post-restart text should survive")
}

// =============================================================================
// Sanitization During Assembly
// =============================================================================

// TestAssembler_StripsLeakedFraming verifies transport framing inside
// deltas never reaches the published text.
//
// # Description
//
// A proxy fault can deliver raw frames as delta text. The per-delta
// sanitize pass runs over the full accumulation, so an envelope in one
// delta and a chunk in the next are both recognized.
func TestAssembler_StripsLeakedFraming(t *testing.T) {
	a, list := newTestAssembler(t, Options{})

	require.NoError(t, a.Begin(context.Background()))
	require.NoError(t, a.OnEvent(stream.NewTextDeltaEvent(`f:{"messageId":"m1"}`)))
	require.NoError(t, a.OnEvent(stream.NewTextDeltaEvent("\n")))
	require.NoError(t, a.OnEvent(stream.NewTextDeltaEvent(`0:"Hi"`)))

	assert.Equal(t, "Hi", streamingText(t, list), "framing should be stripped, payload kept")

	final, err := a.Commit()
	require.NoError(t, err)
	assert.Equal(t, "Hi", final.PrimaryText())
}

// TestAssembler_SweepCleansLateArtifact verifies the background sweep
// removes artifacts that appear between events.
func TestAssembler_SweepCleansLateArtifact(t *testing.T) {
	a, list := newTestAssembler(t, Options{SweepInterval: 5 * time.Millisecond})

	require.NoError(t, a.Begin(context.Background()))
	require.NoError(t, a.OnEvent(stream.NewTextDeltaEvent("Hello")))

	// Corrupt the published text the way a lost frame boundary would.
	ok := list.UpdateByID(chat.StreamingMessageID, func(m *chat.Message) {
		m.Parts[0] = chat.NewTextPart(m.Parts[0].Text + " [DONE]")
	})
	require.True(t, ok, "streaming message should be updatable")

	assert.Eventually(t, func() bool {
		msg, ok := list.Get(chat.StreamingMessageID)
		return ok && len(msg.Parts) > 0 && msg.Parts[0].Text == "Hello"
	}, time.Second, 5*time.Millisecond, "sweep should remove the injected sentinel")

	_, err := a.Commit()
	require.NoError(t, err)
}

// =============================================================================
// Document References
// =============================================================================

// TestAssembler_InlineMarkerAcrossDeltas verifies a citation marker
// split across deltas resolves once complete.
//
// # Description
//
// While the marker is incomplete it stays visible as ordinary text.
// Once the closing parenthesis arrives, the marker vanishes from the
// text and the document lands in the reference part.
func TestAssembler_InlineMarkerAcrossDeltas(t *testing.T) {
	a, list := newTestAssembler(t, Options{})

	require.NoError(t, a.Begin(context.Background()))
	require.NoError(t, a.OnEvent(stream.NewTextDeltaEvent(
		`See useDocument({documentId:"d1", documentName:"Guide.pdf", `)))

	partial := streamingText(t, list)
	assert.Contains(t, partial, "useDocument(", "incomplete marker should stay visible")

	require.NoError(t, a.OnEvent(stream.NewTextDeltaEvent(`relevance:80}) now.`)))
	assert.Equal(t, "See now.", streamingText(t, list), "completed marker should vanish from text")

	final, err := a.Commit()
	require.NoError(t, err)

	require.Len(t, final.Parts, 2, "final message should carry text and references")
	refs := final.Parts[1]
	require.Equal(t, chat.PartTypeDocumentReference, refs.Type)
	require.Len(t, refs.Documents, 1)
	assert.Equal(t, "d1", refs.Documents[0].ID)
	assert.Equal(t, "Guide.pdf", refs.Documents[0].Name)
	assert.InDelta(t, 0.8, refs.Documents[0].Similarity, 1e-9, "relevance 80 should scale to 0.8")
	assert.True(t, refs.Documents[0].ExplicitlyReferenced)
}

// TestAssembler_MetadataAddsDocuments verifies out-of-band metadata
// contributes reference parts.
func TestAssembler_MetadataAddsDocuments(t *testing.T) {
	a, list := newTestAssembler(t, Options{})

	require.NoError(t, a.Begin(context.Background()))
	require.NoError(t, a.OnEvent(stream.NewTextDeltaEvent("Answer text")))
	require.NoError(t, a.OnEvent(stream.NewMetadataEvent(map[string]any{
		"usedDocuments": []any{
			map[string]any{"id": "m1", "name": "Meta.pdf", "similarity": 0.66},
		},
	})))

	msg, ok := list.Get(chat.StreamingMessageID)
	require.True(t, ok)
	require.Len(t, msg.Parts, 2)
	assert.Equal(t, "Answer text", msg.Parts[0].Text, "text should survive a metadata publish")

	refs := msg.Parts[1]
	require.Equal(t, chat.PartTypeDocumentReference, refs.Type)
	require.Len(t, refs.Documents, 1)
	assert.Equal(t, "m1", refs.Documents[0].ID)
	assert.InDelta(t, 0.66, refs.Documents[0].Similarity, 1e-9)
	assert.False(t, refs.Documents[0].ExplicitlyReferenced, "metadata references are not explicit")
}

// TestAssembler_ToolResultAddsDocuments verifies tool results
// contribute reference parts.
func TestAssembler_ToolResultAddsDocuments(t *testing.T) {
	a, list := newTestAssembler(t, Options{})

	require.NoError(t, a.Begin(context.Background()))
	require.NoError(t, a.OnEvent(stream.NewToolResultEvent(map[string]any{
		"usedDocuments": []any{
			map[string]any{"documentId": "t1", "filename": "Tool.md", "score": 40},
		},
	})))

	msg, ok := list.Get(chat.StreamingMessageID)
	require.True(t, ok)
	require.Len(t, msg.Parts, 2)

	refs := msg.Parts[1]
	require.Len(t, refs.Documents, 1)
	assert.Equal(t, "t1", refs.Documents[0].ID)
	assert.Equal(t, "Tool.md", refs.Documents[0].Name)
	assert.InDelta(t, 0.4, refs.Documents[0].Similarity, 1e-9, "score 40 should scale to 0.4")
}

// TestAssembler_DocumentDedupAcrossSources verifies one document seen
// through several channels yields one merged entry.
//
// # Description
//
// An inline marker and a later metadata entry for the same id must
// merge: latest similarity wins, the explicit flag sticks.
func TestAssembler_DocumentDedupAcrossSources(t *testing.T) {
	a, _ := newTestAssembler(t, Options{})

	require.NoError(t, a.Begin(context.Background()))
	require.NoError(t, a.OnEvent(stream.NewTextDeltaEvent(
		`Plan useDocument({documentId:"d1", documentName:"Plan.pdf", relevance:50}) here.`)))
	require.NoError(t, a.OnEvent(stream.NewMetadataEvent(map[string]any{
		"usedDocuments": []any{
			map[string]any{"id": "d1", "name": "Plan v2.pdf", "similarity": 0.9},
		},
	})))

	final, err := a.Commit()
	require.NoError(t, err)

	require.Len(t, final.Parts, 2)
	refs := final.Parts[1]
	require.Len(t, refs.Documents, 1, "same id through two channels should merge")
	assert.Equal(t, "Plan v2.pdf", refs.Documents[0].Name, "latest name should win")
	assert.InDelta(t, 0.9, refs.Documents[0].Similarity, 1e-9, "latest similarity should win")
	assert.True(t, refs.Documents[0].ExplicitlyReferenced, "explicit flag should stick")
}

// =============================================================================
// Media Part Carry-Over
// =============================================================================

// TestAssembler_CarriesMediaParts verifies parts attached by other
// writers survive republication and finalization.
//
// # Description
//
// Generation tasks attach loading parts to the streaming message. A
// later text publish rebuilds the message and must carry those parts
// over; Commit must move them into the permanent message.
func TestAssembler_CarriesMediaParts(t *testing.T) {
	a, list := newTestAssembler(t, Options{})

	require.NoError(t, a.Begin(context.Background()))
	require.NoError(t, a.OnEvent(stream.NewTextDeltaEvent("Generating an image")))

	ok := list.UpdateByID(chat.StreamingMessageID, func(m *chat.Message) {
		m.Parts = append(m.Parts, chat.NewLoadingPart(chat.KindImage, "task-1"))
	})
	require.True(t, ok)

	require.NoError(t, a.OnEvent(stream.NewTextDeltaEvent(" now")))

	msg, found := list.Get(chat.StreamingMessageID)
	require.True(t, found)
	require.Len(t, msg.Parts, 2, "loading part should survive the republish")
	assert.Equal(t, "Generating an image now", msg.Parts[0].Text)
	assert.Equal(t, chat.PartTypeLoadingImage, msg.Parts[1].Type)
	assert.Equal(t, "task-1", msg.Parts[1].ID)

	final, err := a.Commit()
	require.NoError(t, err)

	idx := final.PartIndexByTaskID("task-1")
	require.GreaterOrEqual(t, idx, 0, "loading part should move into the permanent message")
	assert.Equal(t, chat.PartTypeLoadingImage, final.Parts[idx].Type)
}

// =============================================================================
// Lifecycle
// =============================================================================

// TestAssembler_LifecycleErrors verifies operations outside an active
// exchange fail cleanly.
func TestAssembler_LifecycleErrors(t *testing.T) {
	a, _ := newTestAssembler(t, Options{})

	err := a.OnEvent(stream.NewTextDeltaEvent("early"))
	assert.ErrorIs(t, err, ErrNoExchange, "events before Begin should be rejected")

	_, err = a.Commit()
	assert.ErrorIs(t, err, ErrNoExchange, "commit before Begin should be rejected")

	_, kept := a.Abort()
	assert.False(t, kept, "abort before Begin should be a no-op")

	require.NoError(t, a.Begin(context.Background()))
	err = a.Begin(context.Background())
	assert.ErrorIs(t, err, ErrExchangeActive, "double Begin should be rejected")

	_, err = a.Commit()
	require.NoError(t, err)
}

// TestAssembler_ActiveTracksExchange verifies the Active flag follows
// the lifecycle.
func TestAssembler_ActiveTracksExchange(t *testing.T) {
	a, _ := newTestAssembler(t, Options{})

	assert.False(t, a.Active())
	require.NoError(t, a.Begin(context.Background()))
	assert.True(t, a.Active())

	_, err := a.Commit()
	require.NoError(t, err)
	assert.False(t, a.Active())
}

// TestAssembler_SecondExchange verifies the assembler is reusable
// across exchanges.
func TestAssembler_SecondExchange(t *testing.T) {
	a, list := newTestAssembler(t, Options{})

	require.NoError(t, a.Begin(context.Background()))
	require.NoError(t, a.OnEvent(stream.NewTextDeltaEvent("first answer")))
	first, err := a.Commit()
	require.NoError(t, err)

	require.NoError(t, a.Begin(context.Background()))
	require.NoError(t, a.OnEvent(stream.NewTextDeltaEvent("second answer")))
	second, err := a.Commit()
	require.NoError(t, err)

	messages := list.Snapshot()
	require.Len(t, messages, 2)
	assert.Equal(t, first.ID, messages[0].ID)
	assert.Equal(t, second.ID, messages[1].ID)
	assert.Equal(t, "second answer", messages[1].PrimaryText())

	require.Len(t, second.Parts, 1, "documents from the first exchange must not leak")
}

// TestAssembler_TerminalEventsIgnored verifies done and error events
// leave assembly state untouched.
func TestAssembler_TerminalEventsIgnored(t *testing.T) {
	a, list := newTestAssembler(t, Options{})

	require.NoError(t, a.Begin(context.Background()))
	require.NoError(t, a.OnEvent(stream.NewTextDeltaEvent("Text")))
	require.NoError(t, a.OnEvent(stream.NewDoneEvent()))
	require.NoError(t, a.OnEvent(stream.NewErrorEvent("boom")))

	assert.Equal(t, "Text", streamingText(t, list), "terminal events should not alter the text")
	assert.True(t, a.Active(), "ending the exchange is the caller's decision")

	_, err := a.Commit()
	require.NoError(t, err)
}

// =============================================================================
// Abort
// =============================================================================

// TestAssembler_AbortKeepsPartial verifies partial text survives an
// aborted exchange.
func TestAssembler_AbortKeepsPartial(t *testing.T) {
	a, list := newTestAssembler(t, Options{},
		chat.NewTextMessage(chat.RoleUser, "Hi"))

	require.NoError(t, a.Begin(context.Background()))
	require.NoError(t, a.OnEvent(stream.NewTextDeltaEvent("Partial thought")))

	final, kept := a.Abort()
	require.True(t, kept, "partial text should be kept")
	assert.Equal(t, "Partial thought", final.PrimaryText())

	messages := list.Snapshot()
	require.Len(t, messages, 2)
	assert.Equal(t, final.ID, messages[1].ID)
	assert.Equal(t, 0, countMessages(list, chat.StreamingMessageID))
	assert.False(t, a.Active())
}

// TestAssembler_AbortWithoutTextDropsSentinels verifies an empty abort
// leaves no trace.
func TestAssembler_AbortWithoutTextDropsSentinels(t *testing.T) {
	a, list := newTestAssembler(t, Options{},
		chat.NewTextMessage(chat.RoleUser, "Hi"),
		thinkingPlaceholder())

	require.NoError(t, a.Begin(context.Background()))

	_, kept := a.Abort()
	assert.False(t, kept, "nothing should be kept without text")

	messages := list.Snapshot()
	require.Len(t, messages, 1, "only the user message should remain")
	assert.Equal(t, chat.RoleUser, messages[0].Role)
}

// =============================================================================
// Overflow Degradation
// =============================================================================

// TestAssembler_OverflowSurfacesAndDropsSentinels verifies a runaway
// answer fails the exchange without stranding sentinels.
func TestAssembler_OverflowSurfacesAndDropsSentinels(t *testing.T) {
	a, list := newTestAssembler(t, Options{},
		chat.NewTextMessage(chat.RoleUser, "Hi"))

	require.NoError(t, a.Begin(context.Background()))

	err := a.OnEvent(stream.NewTextDeltaEvent(strings.Repeat("x", AccumulatorCapacity+1)))
	require.Error(t, err, "oversized delta should surface the overflow")

	_, err = a.Commit()
	require.Error(t, err, "commit after overflow should fail")

	assert.Equal(t, 0, countMessages(list, chat.StreamingMessageID), "no sentinel should remain")
	assert.False(t, a.Active())
}
