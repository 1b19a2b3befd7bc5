// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chat provides the shared conversation model for AleutianChat.
//
// This file contains the Chat record and validation plumbing. Messages and
// content parts live in message.go and part.go; the concurrent message list
// shared by the assembler and the generation tracker lives in list.go.
package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message text.
	// Streamed answers are capped well below this by the accumulator; the
	// limit guards persistence against a hostile or buggy upstream.
	MaxMessageContentBytes = 64 * 1024 // 64KB

	// MaxPartsPerMessage bounds the content parts attached to one message.
	MaxPartsPerMessage = 128

	// MaxMessagesPerChat bounds a persisted conversation.
	MaxMessagesPerChat = 500
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
	_ = chatValidate.RegisterValidation("parttype", validatePartType)
}

// validateMaxBytes checks byte length (not rune count) against
// MaxMessageContentBytes so oversized payloads cannot exhaust memory.
func validateMaxBytes(fl validator.FieldLevel) bool {
	content := fl.Field().String()
	return len(content) <= MaxMessageContentBytes
}

// validatePartType accepts only the known content part type tags.
func validatePartType(fl validator.FieldLevel) bool {
	return PartType(fl.Field().String()).Valid()
}

// =============================================================================
// Chat Record
// =============================================================================

// Chat is a persisted conversation.
//
// # Description
//
// Chat is the unit handed to the chat store: an identifier, a display
// title, and the full message history. CreatedAt and UpdatedAt are Unix
// timestamps in milliseconds (UTC).
//
// # Fields
//
//   - ID: Required. Unique identifier assigned by the store on create.
//   - Title: Display title, derived from the first user message when empty.
//   - Messages: Ordered message history, oldest first.
//   - CreatedAt: Unix millis when the chat was first persisted.
//   - UpdatedAt: Unix millis of the last successful write.
type Chat struct {
	ID        string    `json:"id" validate:"required"`
	Title     string    `json:"title,omitempty"`
	Messages  []Message `json:"messages" validate:"max=500,dive"`
	CreatedAt int64     `json:"createdAt" validate:"required,gt=0"`
	UpdatedAt int64     `json:"updatedAt" validate:"required,gt=0"`
}

// Validate checks the chat record against its constraints.
func (c *Chat) Validate() error {
	if err := chatValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid chat: %w", err)
	}
	return nil
}

// EnsureDefaults fills the ID and timestamps if unset and derives a title
// from the first user message.
func (c *Chat) EnsureDefaults() {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UnixMilli()
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	if c.UpdatedAt == 0 {
		c.UpdatedAt = now
	}
	if c.Title == "" {
		c.Title = DeriveTitle(c.Messages)
	}
}

// maxTitleRunes caps derived chat titles.
const maxTitleRunes = 60

// DeriveTitle builds a display title from the first user message with
// non-empty text. Runs of whitespace collapse to single spaces so
// multi-line prompts stay on one listing row. Returns "New chat" when
// nothing qualifies.
func DeriveTitle(messages []Message) string {
	for _, m := range messages {
		if m.Role != RoleUser {
			continue
		}
		text := strings.Join(strings.Fields(m.PrimaryText()), " ")
		if text == "" {
			continue
		}
		runes := []rune(text)
		if len(runes) > maxTitleRunes {
			return string(runes[:maxTitleRunes-1]) + "…"
		}
		return text
	}
	return "New chat"
}
