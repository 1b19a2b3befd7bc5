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

// =============================================================================
// Task States
// =============================================================================

// State names a generation task's position in its lifecycle. Tasks move
// strictly forward: Requested, Placeholder, Progressing, then exactly
// one of Completed or Failed. Terminal states accept no further
// transitions.
type State string

const (
	// StateRequested covers the gap between the user's submission and
	// the placeholder event that assigns task ids. The tracker's
	// registry never holds a task in this state because ids only exist
	// from the placeholder event onward.
	StateRequested State = "requested"

	// StatePlaceholder means a loading part exists for the task but no
	// progress has been recorded yet.
	StatePlaceholder State = "placeholder"

	// StateProgressing means progress is strictly between 0 and 100,
	// driven by the synthetic timer or by authoritative pushes.
	StateProgressing State = "progressing"

	// StateCompleted means the finished media replaced the loading
	// part. Terminal.
	StateCompleted State = "completed"

	// StateFailed means the task errored. Progress is reset to zero and
	// the status carries the error message. Terminal.
	StateFailed State = "failed"
)

// Valid reports whether the state is one of the known values.
func (s State) Valid() bool {
	switch s {
	case StateRequested, StatePlaceholder, StateProgressing, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether the state accepts no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// =============================================================================
// Task Record
// =============================================================================

// GenerationTask is the tracker's record of one in-flight generation.
//
// Progress is monotonically non-decreasing for a live task and resets
// to zero only on the transition to StateFailed. Status holds the
// human-readable ladder step, an authoritative status override, or the
// error message once the task fails. Multiple tasks may share a
// ParentMessageID (batch generation) but never an ID.
type GenerationTask struct {
	ID              string
	ParentMessageID string
	Kind            chat.GenerationKind
	Progress        int
	Status          string
	State           State
}

// Terminal reports whether the task reached a terminal state.
func (t GenerationTask) Terminal() bool {
	return t.State.Terminal()
}
