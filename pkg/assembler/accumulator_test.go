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
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestAccumulator returns an accumulator for tests, falling back to
// the insecure implementation when the environment has no usable mlock
// budget.
func newTestAccumulator(t *testing.T) TokenAccumulator {
	t.Helper()
	acc, err := NewTokenAccumulator()
	if err != nil {
		t.Logf("secure accumulator unavailable (%v), using insecure fallback", err)
		return newInsecureAccumulator()
	}
	return acc
}

// =============================================================================
// Append and Snapshot
// =============================================================================

// TestTokenAccumulator_AppendAndSnapshot verifies basic accumulation.
//
// # Description
//
// Appends two deltas and checks that Snapshot returns their
// concatenation and Len the byte count.
func TestTokenAccumulator_AppendAndSnapshot(t *testing.T) {
	acc := newTestAccumulator(t)
	defer acc.Destroy()

	require.NoError(t, acc.Append("Hello"), "first append should succeed")
	require.NoError(t, acc.Append(" world"), "second append should succeed")

	assert.Equal(t, "Hello world", acc.Snapshot(), "snapshot should concatenate deltas")
	assert.Equal(t, 11, acc.Len(), "length should count accumulated bytes")
}

// TestTokenAccumulator_EmptyAppend verifies empty deltas are accepted.
//
// # Description
//
// Streams deliver empty deltas on occasion; they must not error or
// change the accumulated state.
func TestTokenAccumulator_EmptyAppend(t *testing.T) {
	acc := newTestAccumulator(t)
	defer acc.Destroy()

	require.NoError(t, acc.Append(""), "empty append should succeed")
	assert.Equal(t, 0, acc.Len(), "length should remain zero")
	assert.Equal(t, "", acc.Snapshot(), "snapshot should remain empty")
}

// TestTokenAccumulator_MultibyteContent verifies byte-accurate handling
// of non-ASCII text.
//
// # Description
//
// Model output routinely contains multibyte UTF-8. The accumulator
// works in bytes and must reproduce the text exactly, even when a
// delta boundary would fall inside a rune on the wire.
func TestTokenAccumulator_MultibyteContent(t *testing.T) {
	acc := newTestAccumulator(t)
	defer acc.Destroy()

	content := "caf\u00e9 \u65e5\u672c\u8a9e \U0001f30d"
	require.NoError(t, acc.Append(content), "multibyte append should succeed")

	assert.Equal(t, content, acc.Snapshot(), "snapshot should reproduce multibyte text")
	assert.Equal(t, len(content), acc.Len(), "length should count bytes, not runes")
}

// TestTokenAccumulator_SnapshotMidStream verifies snapshots observe the
// accumulation at each point in time.
//
// # Description
//
// The sanitizer re-reads the full text after every delta, so Snapshot
// must be callable at any point without disturbing further appends.
func TestTokenAccumulator_SnapshotMidStream(t *testing.T) {
	acc := newTestAccumulator(t)
	defer acc.Destroy()

	require.NoError(t, acc.Append("one"))
	first := acc.Snapshot()

	require.NoError(t, acc.Append(" two"))
	second := acc.Snapshot()

	assert.Equal(t, "one", first, "first snapshot should hold only the first delta")
	assert.Equal(t, "one two", second, "second snapshot should hold both deltas")
}

// =============================================================================
// Reset
// =============================================================================

// TestTokenAccumulator_Reset verifies a reset discards prior text.
//
// # Description
//
// A text-start event mid-stream restarts the answer. After Reset the
// accumulator must behave as if freshly created.
func TestTokenAccumulator_Reset(t *testing.T) {
	acc := newTestAccumulator(t)
	defer acc.Destroy()

	require.NoError(t, acc.Append("discarded draft"))
	acc.Reset()

	assert.Equal(t, 0, acc.Len(), "length should be zero after reset")
	assert.Equal(t, "", acc.Snapshot(), "snapshot should be empty after reset")

	require.NoError(t, acc.Append("final"), "append after reset should succeed")
	assert.Equal(t, "final", acc.Snapshot(), "snapshot should hold only post-reset text")
}

// TestTokenAccumulator_ResetRestartsHash verifies the integrity hash
// covers only post-reset content.
//
// # Description
//
// The hash identifies the answer the user actually received. Text
// discarded by a reset must not contaminate it.
func TestTokenAccumulator_ResetRestartsHash(t *testing.T) {
	acc := newTestAccumulator(t)

	require.NoError(t, acc.Append("AAA"))
	acc.Reset()
	require.NoError(t, acc.Append("BBB"))

	answer, answerHash, err := acc.Finalize()
	require.NoError(t, err, "finalize should succeed")

	expected := sha256.Sum256([]byte("BBB"))
	assert.Equal(t, "BBB", answer, "answer should hold only post-reset text")
	assert.Equal(t, hex.EncodeToString(expected[:]), answerHash,
		"hash should cover only post-reset content")
}

// TestTokenAccumulator_ResetClearsOverflow verifies a reset recovers an
// overflowed accumulator.
//
// # Description
//
// Overflow normally poisons the accumulator, but a text-start event
// restarts the answer entirely, so Reset clears the overflow flag
// along with the data.
func TestTokenAccumulator_ResetClearsOverflow(t *testing.T) {
	acc := newTestAccumulator(t)
	defer acc.Destroy()

	huge := strings.Repeat("x", AccumulatorCapacity+1)
	require.Error(t, acc.Append(huge), "oversized append should overflow")

	acc.Reset()
	require.NoError(t, acc.Append("recovered"), "append after reset should succeed")
	assert.Equal(t, "recovered", acc.Snapshot())
}

// =============================================================================
// Finalization
// =============================================================================

// TestTokenAccumulator_FinalizeReturnsHash verifies the returned hash
// matches an independent SHA-256 of the content.
func TestTokenAccumulator_FinalizeReturnsHash(t *testing.T) {
	acc := newTestAccumulator(t)

	content := "The capital of France is Paris."
	require.NoError(t, acc.Append(content))

	answer, answerHash, err := acc.Finalize()
	require.NoError(t, err, "finalize should succeed")

	expected := sha256.Sum256([]byte(content))
	assert.Equal(t, content, answer, "answer should match appended content")
	assert.Equal(t, hex.EncodeToString(expected[:]), answerHash, "hash should match SHA-256 of content")
	assert.Len(t, answerHash, 64, "hash should be 64 hex characters")
}

// TestTokenAccumulator_FinalizeEmpty verifies finalizing with no
// content yields the empty-input hash.
func TestTokenAccumulator_FinalizeEmpty(t *testing.T) {
	acc := newTestAccumulator(t)

	answer, answerHash, err := acc.Finalize()
	require.NoError(t, err, "finalizing empty accumulator should succeed")

	expected := sha256.Sum256(nil)
	assert.Equal(t, "", answer, "answer should be empty")
	assert.Equal(t, hex.EncodeToString(expected[:]), answerHash, "hash should be the empty-input SHA-256")
}

// TestTokenAccumulator_IncrementalHashMatchesWhole verifies hashing
// delta by delta equals hashing the concatenation once.
func TestTokenAccumulator_IncrementalHashMatchesWhole(t *testing.T) {
	acc := newTestAccumulator(t)

	deltas := []string{"The", " answer", " arrives", " in", " pieces."}
	for _, d := range deltas {
		require.NoError(t, acc.Append(d))
	}

	answer, answerHash, err := acc.Finalize()
	require.NoError(t, err)

	whole := strings.Join(deltas, "")
	expected := sha256.Sum256([]byte(whole))
	assert.Equal(t, whole, answer)
	assert.Equal(t, hex.EncodeToString(expected[:]), answerHash,
		"incremental hash should equal whole-content hash")
}

// TestTokenAccumulator_FinalizeTwice verifies the second finalize
// fails.
func TestTokenAccumulator_FinalizeTwice(t *testing.T) {
	acc := newTestAccumulator(t)

	require.NoError(t, acc.Append("once"))
	_, _, err := acc.Finalize()
	require.NoError(t, err, "first finalize should succeed")

	_, _, err = acc.Finalize()
	require.Error(t, err, "second finalize should fail")
	assert.Contains(t, err.Error(), "destroyed", "error should mention destruction")
}

// TestTokenAccumulator_AppendAfterFinalize verifies the accumulator
// rejects appends once finalized.
func TestTokenAccumulator_AppendAfterFinalize(t *testing.T) {
	acc := newTestAccumulator(t)

	_, _, err := acc.Finalize()
	require.NoError(t, err)

	err = acc.Append("late delta")
	require.Error(t, err, "append after finalize should fail")
	assert.Contains(t, err.Error(), "destroyed")
}

// =============================================================================
// Destruction
// =============================================================================

// TestTokenAccumulator_AppendAfterDestroy verifies the accumulator
// rejects appends once destroyed.
func TestTokenAccumulator_AppendAfterDestroy(t *testing.T) {
	acc := newTestAccumulator(t)

	acc.Destroy()
	err := acc.Append("late delta")
	require.Error(t, err, "append after destroy should fail")
	assert.Contains(t, err.Error(), "destroyed")
}

// TestTokenAccumulator_DestroyIdempotent verifies repeated destruction
// is harmless.
func TestTokenAccumulator_DestroyIdempotent(t *testing.T) {
	acc := newTestAccumulator(t)

	require.NoError(t, acc.Append("content"))
	acc.Destroy()
	acc.Destroy()
	acc.Destroy()

	assert.Equal(t, "", acc.Snapshot(), "snapshot after destroy should be empty")
}

// TestTokenAccumulator_ResetAfterDestroy verifies reset on a destroyed
// accumulator is a no-op.
func TestTokenAccumulator_ResetAfterDestroy(t *testing.T) {
	acc := newTestAccumulator(t)

	acc.Destroy()
	acc.Reset()

	err := acc.Append("text")
	require.Error(t, err, "destroyed accumulator should stay destroyed through reset")
}

// =============================================================================
// Overflow
// =============================================================================

// TestTokenAccumulator_Overflow verifies capacity enforcement.
//
// # Description
//
// A single append beyond AccumulatorCapacity must fail, poison the
// accumulator for further appends, and make Finalize fail.
func TestTokenAccumulator_Overflow(t *testing.T) {
	acc := newTestAccumulator(t)
	defer acc.Destroy()

	huge := strings.Repeat("x", AccumulatorCapacity+1)
	err := acc.Append(huge)
	require.Error(t, err, "oversized append should fail")
	assert.Contains(t, err.Error(), "overflow")

	err = acc.Append("small")
	require.Error(t, err, "append after overflow should fail")

	_, _, err = acc.Finalize()
	require.Error(t, err, "finalize after overflow should fail")
}

// TestTokenAccumulator_GradualOverflow verifies the boundary is
// enforced across many small appends.
func TestTokenAccumulator_GradualOverflow(t *testing.T) {
	acc := newTestAccumulator(t)
	defer acc.Destroy()

	chunk := strings.Repeat("y", 1024)
	var overflowAt int
	for i := 0; i < AccumulatorCapacity/1024+2; i++ {
		if err := acc.Append(chunk); err != nil {
			overflowAt = i
			break
		}
	}

	assert.Equal(t, AccumulatorCapacity/1024, overflowAt,
		"overflow should occur exactly when capacity is exhausted")
}

// =============================================================================
// Identity
// =============================================================================

// TestTokenAccumulator_ID verifies each accumulator has a unique UUID.
func TestTokenAccumulator_ID(t *testing.T) {
	a := newTestAccumulator(t)
	defer a.Destroy()
	b := newTestAccumulator(t)
	defer b.Destroy()

	_, err := uuid.Parse(a.ID())
	require.NoError(t, err, "ID should be a valid UUID")
	assert.NotEqual(t, a.ID(), b.ID(), "accumulators should have distinct IDs")
}

// TestTokenAccumulator_CreatedAt verifies the creation timestamp is
// plausible.
func TestTokenAccumulator_CreatedAt(t *testing.T) {
	before := time.Now()
	acc := newTestAccumulator(t)
	defer acc.Destroy()
	after := time.Now()

	created := acc.CreatedAt()
	assert.False(t, created.Before(before), "creation time should not precede construction")
	assert.False(t, created.After(after), "creation time should not follow construction")
}

// =============================================================================
// Concurrency
// =============================================================================

// TestTokenAccumulator_ConcurrentAppends verifies appends from many
// goroutines are all accounted for.
func TestTokenAccumulator_ConcurrentAppends(t *testing.T) {
	acc := newTestAccumulator(t)

	const goroutines = 10
	const perGoroutine = 100

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				_ = acc.Append("x")
			}
		}()
	}
	wg.Wait()

	answer, _, err := acc.Finalize()
	require.NoError(t, err, "finalize after concurrent appends should succeed")
	assert.Len(t, answer, goroutines*perGoroutine, "every append should be accounted for")
}

// TestTokenAccumulator_ConcurrentSnapshotAndAppend verifies snapshots
// race safely with appends.
func TestTokenAccumulator_ConcurrentSnapshotAndAppend(t *testing.T) {
	acc := newTestAccumulator(t)
	defer acc.Destroy()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = acc.Append("z")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = acc.Snapshot()
			_ = acc.Len()
		}
	}()
	wg.Wait()

	assert.Equal(t, 200, acc.Len(), "all appends should land despite concurrent snapshots")
}

// =============================================================================
// Fallback Path
// =============================================================================

// TestInsecureAccumulator_FullCycle verifies the plain-memory fallback
// implements the same contract as the secure path.
//
// # Description
//
// Exercises the fallback directly so the full cycle is covered even on
// machines where the secure path is available.
func TestInsecureAccumulator_FullCycle(t *testing.T) {
	acc := newInsecureAccumulator()

	require.NoError(t, acc.Append("fallback "))
	require.NoError(t, acc.Append("content"))
	assert.Equal(t, "fallback content", acc.Snapshot())

	acc.Reset()
	require.NoError(t, acc.Append("after reset"))

	answer, answerHash, err := acc.Finalize()
	require.NoError(t, err)

	expected := sha256.Sum256([]byte("after reset"))
	assert.Equal(t, "after reset", answer)
	assert.Equal(t, hex.EncodeToString(expected[:]), answerHash)
}

// TestNewTokenAccumulator_FallbackEnv verifies construction succeeds
// with the insecure-memory escape hatch set.
func TestNewTokenAccumulator_FallbackEnv(t *testing.T) {
	t.Setenv("ALEUTIAN_INSECURE_MEMORY", "true")

	acc, err := NewTokenAccumulator()
	require.NoError(t, err, "construction should succeed with fallback enabled")
	defer acc.Destroy()

	require.NoError(t, acc.Append("works"))
	assert.Equal(t, "works", acc.Snapshot())
}

// TestMlockAvailable_Consistent verifies repeated queries agree.
func TestMlockAvailable_Consistent(t *testing.T) {
	ok1, limit1 := MlockAvailable()
	ok2, limit2 := MlockAvailable()

	assert.Equal(t, ok1, ok2, "availability should be stable")
	assert.Equal(t, limit1, limit2, "reported limit should be stable")
}
