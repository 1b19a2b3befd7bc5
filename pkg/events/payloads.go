// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// eventsValidate is the validator instance for event payloads.
var eventsValidate = validator.New()

// =============================================================================
// User Media Prompts
// =============================================================================

// UserMediaPayload accompanies the user-{image,video,3d}-message
// topics: the user asked for media to be generated.
type UserMediaPayload struct {
	// Prompt is the user's generation instruction.
	Prompt string `json:"prompt" validate:"required"`

	// SourceURLs carries reference images for image-to-image and
	// similar flows.
	SourceURLs []string `json:"sourceUrls,omitempty" validate:"dive,required"`
}

// Validate checks the payload against its constraints.
func (p *UserMediaPayload) Validate() error {
	if err := eventsValidate.Struct(p); err != nil {
		return fmt.Errorf("invalid user media payload: %w", err)
	}
	return nil
}

// =============================================================================
// Generation Lifecycle
// =============================================================================

// PlaceholderPayload announces generation tasks starting under one
// parent message. Batched ids share the parent; each id becomes one
// loading part.
type PlaceholderPayload struct {
	IDs             []string `json:"ids" validate:"required,min=1,dive,required"`
	ParentMessageID string   `json:"parentMessageId" validate:"required"`

	// Prompt echoes the instruction the tasks were started for.
	Prompt string `json:"prompt,omitempty"`
}

// Validate checks the payload against its constraints.
func (p *PlaceholderPayload) Validate() error {
	if err := eventsValidate.Struct(p); err != nil {
		return fmt.Errorf("invalid placeholder payload: %w", err)
	}
	return nil
}

// ProgressPayload is an authoritative progress push for one task. It
// overrides the synthetic progress timer.
type ProgressPayload struct {
	PlaceholderID   string `json:"placeholderId" validate:"required"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
	Progress        int    `json:"progress" validate:"gte=0,lte=100"`

	// Status replaces the ladder-derived status text when present.
	Status string `json:"status,omitempty"`
}

// Validate checks the payload against its constraints.
func (p *ProgressPayload) Validate() error {
	if err := eventsValidate.Struct(p); err != nil {
		return fmt.Errorf("invalid progress payload: %w", err)
	}
	return nil
}

// ResponsePayload delivers finished media for one or more tasks. The
// kind-specific fields mirror the content part families: images use
// URLs, video uses URL plus auxiliary renders, 3D uses the model plus
// renders and point cloud. Caption and SourceURLs become auxiliary
// parts appended after the primary asset.
type ResponsePayload struct {
	IDs             []string `json:"ids" validate:"required,min=1,dive,required"`
	ParentMessageID string   `json:"parentMessageId" validate:"required"`

	// IsComplete marks the final response for these ids. Only a
	// complete response schedules persistence.
	IsComplete bool `json:"isComplete"`

	// Image results. With one URL per id they distribute
	// index-aligned; otherwise every part receives the full set.
	URLs []string `json:"urls,omitempty"`

	// Video results.
	URL        string   `json:"url,omitempty"`
	RenderURLs []string `json:"renderUrls,omitempty"`

	// 3D results.
	ModelURL      string `json:"modelUrl,omitempty"`
	PointCloudURL string `json:"pointCloudUrl,omitempty"`

	// Auxiliary attachments.
	Caption    string   `json:"caption,omitempty"`
	SourceURLs []string `json:"sourceUrls,omitempty"`
}

// Validate checks the payload against its constraints.
func (p *ResponsePayload) Validate() error {
	if err := eventsValidate.Struct(p); err != nil {
		return fmt.Errorf("invalid response payload: %w", err)
	}
	return nil
}

// ErrorPayload reports a failed task. The failure is scoped to the
// placeholder; sibling tasks and the exchange continue.
type ErrorPayload struct {
	PlaceholderID   string `json:"placeholderId" validate:"required"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
	Message         string `json:"message" validate:"required"`
}

// Validate checks the payload against its constraints.
func (p *ErrorPayload) Validate() error {
	if err := eventsValidate.Struct(p); err != nil {
		return fmt.Errorf("invalid error payload: %w", err)
	}
	return nil
}
