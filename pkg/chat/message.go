// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chat

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Roles and Sentinel Identifiers
// =============================================================================

// Role identifies the author of a message.
type Role string

const (
	// RoleUser marks messages typed (or uploaded) by the user.
	RoleUser Role = "user"

	// RoleAssistant marks messages produced by the model.
	RoleAssistant Role = "assistant"

	// RoleSystem marks synthetic status messages (error bubbles).
	RoleSystem Role = "system"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Sentinel message identifiers. During an exchange the in-progress
// assistant message carries StreamingMessageID and the pre-stream
// placeholder carries ThinkingMessageID. Both are removed when the
// exchange finalizes and the permanent message (UUID id) is inserted.
// The message list never holds two messages with the same sentinel id.
const (
	// ThinkingMessageID identifies the placeholder shown between request
	// submission and the first streamed token.
	ThinkingMessageID = "thinking"

	// StreamingMessageID identifies the in-progress assistant message
	// owned by the content assembler.
	StreamingMessageID = "streaming"
)

// IsSentinelID reports whether id is one of the reserved in-flight ids.
func IsSentinelID(id string) bool {
	return id == ThinkingMessageID || id == StreamingMessageID
}

// =============================================================================
// Message
// =============================================================================

// Message is one entry in a conversation.
//
// # Description
//
// A message carries either plain text (Content) or structured content
// parts (Parts). Parts take precedence when non-empty: assembled
// assistant messages and media messages always use Parts, simple user
// messages use Content. CreatedAt is Unix milliseconds (UTC).
//
// # Fields
//
//   - ID: Required. Either a permanent UUID or a sentinel id.
//   - Role: Required. One of user, assistant, system.
//   - Content: Plain text body, used when Parts is empty.
//   - Parts: Structured content parts, ordered.
//   - CreatedAt: Unix millis when the message was created.
type Message struct {
	ID        string        `json:"id" validate:"required"`
	Role      Role          `json:"role" validate:"required"`
	Content   string        `json:"content,omitempty" validate:"maxbytes"`
	Parts     []ContentPart `json:"parts,omitempty" validate:"max=128,dive"`
	CreatedAt int64         `json:"createdAt" validate:"required,gt=0"`
}

// NewTextMessage builds a plain text message with a fresh UUID.
func NewTextMessage(role Role, text string) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   text,
		CreatedAt: time.Now().UnixMilli(),
	}
}

// NewPartsMessage builds a structured message with a fresh UUID.
func NewPartsMessage(role Role, parts ...ContentPart) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Parts:     parts,
		CreatedAt: time.Now().UnixMilli(),
	}
}

// Validate checks the message against its constraints.
func (m *Message) Validate() error {
	if err := chatValidate.Struct(m); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}
	if !m.Role.Valid() {
		return fmt.Errorf("invalid message role: %q", m.Role)
	}
	return nil
}

// EnsureDefaults fills ID and CreatedAt if unset.
func (m *Message) EnsureDefaults() {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().UnixMilli()
	}
}

// Clone returns a copy of the message with its own Parts slice.
//
// Part payload slices (document lists, URL lists) are shared with the
// original; publishers treat parts as immutable once attached, so a
// one-level copy is sufficient for atomic replacement in the list.
func (m Message) Clone() Message {
	out := m
	if m.Parts != nil {
		out.Parts = make([]ContentPart, len(m.Parts))
		copy(out.Parts, m.Parts)
	}
	return out
}

// IsSentinel reports whether the message carries a sentinel id.
func (m Message) IsSentinel() bool {
	return IsSentinelID(m.ID)
}

// PrimaryText returns the message text: Content when Parts is empty,
// otherwise the concatenation of all text parts.
func (m Message) PrimaryText() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var text string
	for _, p := range m.Parts {
		if p.Type == PartTypeText {
			text += p.Text
		}
	}
	return text
}

// HasText reports whether the message carries any non-empty text.
func (m Message) HasText() bool {
	return m.PrimaryText() != ""
}

// HasGeneratedMedia reports whether any part is a finished media part.
func (m Message) HasGeneratedMedia() bool {
	for _, p := range m.Parts {
		if p.IsGeneratedMedia() {
			return true
		}
	}
	return false
}

// PartIndexByTaskID returns the index of the loading part carrying the
// given task id, or -1.
func (m Message) PartIndexByTaskID(taskID string) int {
	for i, p := range m.Parts {
		if p.IsLoading() && p.ID == taskID {
			return i
		}
	}
	return -1
}
