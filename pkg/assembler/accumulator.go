// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package assembler owns the in-progress assistant message during a
// streamed exchange.
//
// This file implements the token accumulator backing the assembly.
// Answer text is held in mlocked memory so a partially streamed answer
// never swaps to disk, and is hashed incrementally for integrity
// verification at commit time. Systems without sufficient mlock limits
// fall back to ordinary memory when ALEUTIAN_INSECURE_MEMORY=true.
package assembler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	// AccumulatorCapacity bounds one streamed answer. 512 KB is roughly
	// 131,000 tokens at 4 bytes per token, far beyond any real answer.
	// The mlock limit must cover this size for the secure path.
	AccumulatorCapacity = 512 * 1024

	// minMlockLimitKB is the smallest mlock limit the secure path
	// accepts.
	minMlockLimitKB = 512
)

var (
	mlockCheckOnce  sync.Once
	mlockSufficient bool
	mlockLimitKB    int64
)

// =============================================================================
// TokenAccumulator Interface
// =============================================================================

// TokenAccumulator collects streamed answer text for one exchange.
//
// # Description
//
// Deltas are appended as they arrive and hashed incrementally. Unlike a
// write-once log, the accumulator supports mid-stream reads (Snapshot)
// because artifact stripping and marker extraction always run over the
// full accumulated text, and supports Reset because a text-start event
// restarts the answer.
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
type TokenAccumulator interface {
	// Append adds a delta to the accumulated answer.
	//
	// Returns an error when the capacity is exceeded or the
	// accumulator was already finalized or destroyed. Overflow is
	// unrecoverable: the buffer is considered compromised and only
	// Destroy remains valid.
	Append(delta string) error

	// Snapshot returns a copy of the text accumulated so far.
	Snapshot() string

	// Len returns the number of accumulated bytes.
	Len() int

	// Reset discards the accumulated text and restarts the hash,
	// keeping the accumulator usable. Wiped regions are zeroed first.
	Reset()

	// Finalize returns the full answer and its SHA-256 hash (hex,
	// 64 characters), then wipes the buffer. The accumulator cannot be
	// used afterwards.
	Finalize() (answer string, answerHash string, err error)

	// Destroy wipes the buffer without returning data. Idempotent.
	Destroy()

	// ID returns the unique identifier of this accumulator instance.
	ID() string

	// CreatedAt returns when the accumulator was created.
	CreatedAt() time.Time
}

// NewTokenAccumulator creates an accumulator for one exchange.
//
// The secure, mlocked implementation is used when the system's mlock
// limit allows it. Otherwise the call fails unless
// ALEUTIAN_INSECURE_MEMORY=true, which selects the plain-memory
// fallback with a logged warning.
func NewTokenAccumulator() (TokenAccumulator, error) {
	checkMlock()

	if !mlockSufficient {
		if os.Getenv("ALEUTIAN_INSECURE_MEMORY") == "true" {
			return newInsecureAccumulator(), nil
		}
		return nil, fmt.Errorf(
			"mlock limit insufficient: have %d KB, need %d KB; raise the limit or set ALEUTIAN_INSECURE_MEMORY=true",
			mlockLimitKB, minMlockLimitKB)
	}

	buf := memguard.NewBuffer(AccumulatorCapacity)
	if buf == nil {
		return nil, fmt.Errorf("allocate secure buffer of %d bytes", AccumulatorCapacity)
	}
	buf.Melt()

	a := &secureAccumulator{
		id:        uuid.New().String(),
		createdAt: time.Now(),
		buffer:    buf,
		hasher:    sha256.New(),
	}
	slog.Debug("created secure accumulator",
		"accumulator_id", a.id,
		"capacity", AccumulatorCapacity)
	return a, nil
}

// checkMlock queries the mlock resource limit once per process.
func checkMlock() {
	mlockCheckOnce.Do(func() {
		memguard.CatchInterrupt()

		var rlimit unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
			slog.Warn("could not determine mlock limit", "error", err)
			mlockSufficient, mlockLimitKB = true, -1
			return
		}
		if rlimit.Cur == unix.RLIM_INFINITY {
			mlockSufficient, mlockLimitKB = true, -1
			return
		}
		mlockLimitKB = int64(rlimit.Cur / 1024)
		mlockSufficient = mlockLimitKB >= minMlockLimitKB

		if !mlockSufficient {
			slog.Warn("mlock limit too low for secure accumulation",
				"current_limit_kb", mlockLimitKB,
				"required_kb", minMlockLimitKB)
		}
	})
}

// MlockAvailable reports whether the secure path is usable and the
// current mlock limit in KB (-1 when unlimited).
func MlockAvailable() (bool, int64) {
	checkMlock()
	return mlockSufficient, mlockLimitKB
}

// =============================================================================
// Secure Implementation
// =============================================================================

// secureAccumulator stores answer text in a memguard LockedBuffer:
// mlocked against swapping, guard pages against overruns, zeroed on
// teardown.
type secureAccumulator struct {
	id        string
	createdAt time.Time

	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func (a *secureAccumulator) Append(delta string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("accumulator overflow: answer too large")
	}
	if a.offset+len(delta) > AccumulatorCapacity {
		a.overflow = true
		return fmt.Errorf("accumulator overflow: need %d bytes, have %d remaining",
			len(delta), AccumulatorCapacity-a.offset)
	}

	copy(a.buffer.Bytes()[a.offset:], delta)
	a.offset += len(delta)
	a.hasher.Write([]byte(delta))
	return nil
}

func (a *secureAccumulator) Snapshot() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return ""
	}
	return string(a.buffer.Bytes()[:a.offset])
}

func (a *secureAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offset
}

func (a *secureAccumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}

	b := a.buffer.Bytes()
	for i := 0; i < a.offset; i++ {
		b[i] = 0
	}
	a.offset = 0
	a.hasher.Reset()
	a.overflow = false
}

func (a *secureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("accumulator overflowed during streaming")
	}

	answer := string(a.buffer.Bytes()[:a.offset])
	answerHash := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()

	slog.Debug("finalized secure accumulator",
		"accumulator_id", a.id,
		"answer_bytes", len(answer))
	return answer, answerHash, nil
}

func (a *secureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
}

func (a *secureAccumulator) ID() string { return a.id }

func (a *secureAccumulator) CreatedAt() time.Time { return a.createdAt }

// wipe destroys the locked buffer and marks the accumulator unusable.
// Callers must hold the mutex.
func (a *secureAccumulator) wipe() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

// =============================================================================
// Insecure Fallback Implementation
// =============================================================================

// insecureAccumulator is the plain-memory fallback for systems without
// usable mlock. Zeroing on teardown is best effort; the garbage
// collector may have copied the data elsewhere.
type insecureAccumulator struct {
	id        string
	createdAt time.Time

	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func newInsecureAccumulator() TokenAccumulator {
	a := &insecureAccumulator{
		id:        uuid.New().String(),
		createdAt: time.Now(),
		data:      make([]byte, 0, 4096),
		hasher:    sha256.New(),
	}
	slog.Warn("created INSECURE accumulator, answer text may swap to disk",
		"accumulator_id", a.id)
	return a
}

func (a *insecureAccumulator) Append(delta string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("accumulator overflow: answer too large")
	}
	if len(a.data)+len(delta) > AccumulatorCapacity {
		a.overflow = true
		return fmt.Errorf("accumulator overflow: need %d bytes, have %d remaining",
			len(delta), AccumulatorCapacity-len(a.data))
	}

	a.data = append(a.data, delta...)
	a.hasher.Write([]byte(delta))
	return nil
}

func (a *insecureAccumulator) Snapshot() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return string(a.data)
}

func (a *insecureAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.data)
}

func (a *insecureAccumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = a.data[:0]
	a.hasher.Reset()
	a.overflow = false
}

func (a *insecureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("accumulator overflowed during streaming")
	}

	answer := string(a.data)
	answerHash := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return answer, answerHash, nil
}

func (a *insecureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
}

func (a *insecureAccumulator) ID() string { return a.id }

func (a *insecureAccumulator) CreatedAt() time.Time { return a.createdAt }

func (a *insecureAccumulator) wipe() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

// =============================================================================
// Compile-time Interface Checks
// =============================================================================

var (
	_ TokenAccumulator = (*secureAccumulator)(nil)
	_ TokenAccumulator = (*insecureAccumulator)(nil)
)
