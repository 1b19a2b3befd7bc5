// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mediagen

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
	"github.com/AleutianAI/AleutianChat/pkg/events"
)

// simulatedSource tags events the simulated provider publishes.
const simulatedSource = "simulated"

// Simulated run defaults.
const (
	DefaultSimulatedSteps     = 4
	DefaultSimulatedStepDelay = 400 * time.Millisecond
	DefaultSimulatedBaseURL   = "https://assets.invalid/sim"
)

// SimulatedProvider fabricates a full generation lifecycle without any
// backend: placeholder, evenly spaced authoritative progress pushes,
// then a response whose asset URLs derive from the task ids. It stands
// in for video and 3D backends that have no local implementation and
// drives development and tests for all three kinds.
type SimulatedProvider struct {
	bus   *events.Bus
	kind  chat.GenerationKind
	opts  SimulatedOptions
	newID func() string
	log   *slog.Logger
}

// SimulatedOptions configures a simulated run.
type SimulatedOptions struct {
	// Steps is the number of progress pushes before the terminal
	// event. Zero selects DefaultSimulatedSteps.
	Steps int

	// StepDelay spaces the progress pushes. Zero selects
	// DefaultSimulatedStepDelay.
	StepDelay time.Duration

	// BaseURL roots the fabricated asset URLs.
	BaseURL string

	// FailWith, when non-empty, ends every task with this error
	// message instead of a response.
	FailWith string

	// NewID overrides the task id generator for fixed ids.
	NewID func() string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewSimulatedProvider builds a provider for one media kind.
func NewSimulatedProvider(bus *events.Bus, kind chat.GenerationKind, opts SimulatedOptions) *SimulatedProvider {
	if opts.Steps <= 0 {
		opts.Steps = DefaultSimulatedSteps
	}
	if opts.StepDelay <= 0 {
		opts.StepDelay = DefaultSimulatedStepDelay
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultSimulatedBaseURL
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return uuid.New().String() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &SimulatedProvider{
		bus:   bus,
		kind:  kind,
		opts:  opts,
		newID: newID,
		log:   opts.Logger,
	}
}

// Kind implements Provider.
func (p *SimulatedProvider) Kind() chat.GenerationKind {
	return p.kind
}

// Generate implements Provider.
//
// Image requests honor Count up to MaxImageCount; video and 3D runs
// are a single task because their response payload carries one asset.
// Progress lands at even fractions of 100 across the configured steps.
func (p *SimulatedProvider) Generate(ctx context.Context, req Request) error {
	if req.Kind != p.kind {
		return fmt.Errorf("%w: %s", ErrUnsupportedKind, req.Kind)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return ErrEmptyPrompt
	}

	count := 1
	if p.kind == chat.KindImage {
		count = req.Count
		if count < 1 {
			count = 1
		}
		if count > MaxImageCount {
			count = MaxImageCount
		}
	}

	parent := parentOrNew(req)
	ids := make([]string, count)
	for i := range ids {
		ids[i] = p.newID()
	}
	emit := emitter{bus: p.bus, kind: p.kind, source: simulatedSource}
	emit.placeholder(ids, parent, req.Prompt)
	p.log.Debug("simulated generation started",
		"kind", p.kind,
		"tasks", len(ids),
		"parent_message_id", parent)

	ticker := time.NewTicker(p.opts.StepDelay)
	defer ticker.Stop()
	for step := 1; step <= p.opts.Steps; step++ {
		select {
		case <-ctx.Done():
			emit.failAll(ids, parent, "generation cancelled")
			return ctx.Err()
		case <-ticker.C:
		}
		pct := step * 100 / (p.opts.Steps + 1)
		for _, id := range ids {
			emit.progress(id, parent, pct)
		}
	}

	if p.opts.FailWith != "" {
		emit.failAll(ids, parent, p.opts.FailWith)
		return fmt.Errorf("simulated failure: %s", p.opts.FailWith)
	}

	emit.response(p.responseFor(ids, parent, req))
	p.log.Debug("simulated generation finished",
		"kind", p.kind,
		"tasks", len(ids),
		"parent_message_id", parent)
	return nil
}

// responseFor fabricates the completion payload. Asset URLs derive
// from the first task id so repeated runs with a fixed id generator
// are byte-identical.
func (p *SimulatedProvider) responseFor(ids []string, parent string, req Request) *events.ResponsePayload {
	payload := &events.ResponsePayload{
		IDs:             ids,
		ParentMessageID: parent,
		IsComplete:      true,
		SourceURLs:      req.SourceURLs,
	}
	base := strings.TrimSuffix(p.opts.BaseURL, "/")
	switch p.kind {
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

// =============================================================================
// COMPILE-TIME INTERFACE CHECKS
// =============================================================================

var _ Provider = (*SimulatedProvider)(nil)
