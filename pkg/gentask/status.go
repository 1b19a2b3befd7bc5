// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gentask

import "github.com/AleutianAI/AleutianChat/pkg/chat"

// Synthetic progress tuning. Each tick adds between syntheticMinStep
// and syntheticMinStep+syntheticStepSpread-1 percent. The timer never
// pushes a task past SyntheticProgressCap; only authoritative events
// can move it further.
const (
	// SyntheticProgressCap is the highest progress the synthetic timer
	// may report.
	SyntheticProgressCap = 90

	syntheticMinStep    = 3
	syntheticStepSpread = 7
)

// Status ladders, one step per 10% of progress. Synthetic progress
// walks a ladder in order; authoritative pushes may override the text
// with their own status.
var (
	imageStatuses = [...]string{
		"Queued",
		"Sketching composition",
		"Blocking in shapes",
		"Laying base colors",
		"Adding detail",
		"Refining lighting",
		"Sharpening edges",
		"Balancing tones",
		"Final touches",
		"Almost ready",
	}

	videoStatuses = [...]string{
		"Queued",
		"Storyboarding",
		"Generating keyframes",
		"Interpolating motion",
		"Rendering frames",
		"Compositing layers",
		"Color grading",
		"Encoding preview",
		"Polishing playback",
		"Almost ready",
	}

	modelStatuses = [...]string{
		"Queued",
		"Analyzing prompt",
		"Forming base mesh",
		"Sculpting surfaces",
		"Projecting textures",
		"Baking materials",
		"Optimizing topology",
		"Building point cloud",
		"Preparing renders",
		"Almost ready",
	}
)

// StatusFor returns the ladder step for a kind at the given progress.
// Progress below zero clamps to the first step; progress at or beyond
// the last decade clamps to the final step.
func StatusFor(kind chat.GenerationKind, progress int) string {
	ladder := imageStatuses[:]
	switch kind {
	case chat.KindVideo:
		ladder = videoStatuses[:]
	case chat.Kind3D:
		ladder = modelStatuses[:]
	}
	if progress < 0 {
		progress = 0
	}
	step := progress / 10
	if step >= len(ladder) {
		step = len(ladder) - 1
	}
	return ladder[step]
}
