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
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
	"github.com/AleutianAI/AleutianChat/pkg/citations"
	"github.com/AleutianAI/AleutianChat/pkg/sanitize"
	"github.com/AleutianAI/AleutianChat/pkg/stream"
)

// DefaultSweepInterval is how often the background sweep re-sanitizes
// the published streaming text between events.
const DefaultSweepInterval = 150 * time.Millisecond

var (
	// ErrNoExchange is returned when an operation requires an active
	// exchange and none was begun.
	ErrNoExchange = errors.New("assembler: no active exchange")

	// ErrExchangeActive is returned by Begin when the previous exchange
	// was neither committed nor aborted.
	ErrExchangeActive = errors.New("assembler: exchange already active")
)

// =============================================================================
// Assembler
// =============================================================================

// Assembler turns decoded stream events into the visible streaming
// message and, at the end of the exchange, the permanent assistant
// message.
//
// # Description
//
// One Assembler serves one conversation. Begin starts an exchange,
// OnEvent consumes decoded events (it satisfies stream.EventCallback
// and can be handed to the decoder directly), and Commit or Abort ends
// the exchange. Between events a background sweep re-sanitizes the
// published text so framing that leaked mid-delta never lingers on
// screen for more than one sweep interval.
//
// Every publication is a full replacement of the streaming message in
// the list: text and citation parts are rebuilt from the accumulated
// state, and parts other writers attached to the message (generation
// placeholders, finished media) are carried over untouched.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Event processing, the
// sweep, and lifecycle transitions serialize on one mutex.
type Assembler struct {
	list      *chat.MessageList
	sanitizer sanitize.Sanitizer
	extractor citations.Extractor
	log       *slog.Logger

	sweepInterval time.Duration

	mu        sync.Mutex
	acc       TokenAccumulator
	collector *citations.Collector
	sweepStop chan struct{}
	active    bool
}

// Options configures optional collaborators of an Assembler.
type Options struct {
	// Sanitizer strips transport framing from accumulated text.
	// Defaults to sanitize.NewSanitizer().
	Sanitizer sanitize.Sanitizer

	// Extractor recognizes document reference markers and metadata.
	// Defaults to citations.NewExtractor().
	Extractor citations.Extractor

	// SweepInterval is the period of the background re-sanitization
	// sweep. Zero selects DefaultSweepInterval; a negative value
	// disables the sweep.
	SweepInterval time.Duration

	// Logger receives debug output. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewAssembler creates an assembler publishing into list with default
// options.
func NewAssembler(list *chat.MessageList) *Assembler {
	return NewAssemblerWithOptions(list, Options{})
}

// NewAssemblerWithOptions creates an assembler publishing into list.
func NewAssemblerWithOptions(list *chat.MessageList, opts Options) *Assembler {
	if opts.Sanitizer == nil {
		opts.Sanitizer = sanitize.NewSanitizer()
	}
	if opts.Extractor == nil {
		opts.Extractor = citations.NewExtractor()
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Assembler{
		list:          list,
		sanitizer:     opts.Sanitizer,
		extractor:     opts.Extractor,
		log:           opts.Logger,
		sweepInterval: opts.SweepInterval,
		collector:     citations.NewCollector(),
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Begin starts a new exchange.
//
// # Description
//
// Allocates a fresh token accumulator, clears collected document
// references, and starts the background sweep. The sweep goroutine
// exits when the exchange ends or ctx is cancelled.
//
// # Outputs
//
//   - error: ErrExchangeActive when an exchange is already running, or
//     the accumulator allocation error.
func (a *Assembler) Begin(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active {
		return ErrExchangeActive
	}

	acc, err := NewTokenAccumulator()
	if err != nil {
		return fmt.Errorf("begin exchange: %w", err)
	}

	a.acc = acc
	a.collector.Reset()
	a.active = true
	a.startSweepLocked(ctx)

	a.log.Debug("exchange started", "accumulator_id", acc.ID())
	return nil
}

// Active reports whether an exchange is in progress.
func (a *Assembler) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Commit finalizes the exchange into a permanent assistant message.
//
// # Description
//
// The accumulated text runs through the sanitizer and marker extractor
// one last time, the permanent message is built from the cleaned text,
// the collected document references, and any media parts attached to
// the streaming message, and the sentinel messages are replaced by it
// in one atomic list update.
//
// # Outputs
//
//   - chat.Message: the permanent assistant message.
//   - error: ErrNoExchange, or the accumulator finalization error. On
//     error the sentinels are dropped and the exchange ends.
func (a *Assembler) Commit() (chat.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active {
		return chat.Message{}, ErrNoExchange
	}

	answer, answerHash, err := a.acc.Finalize()
	if err != nil {
		a.list.DropSentinels()
		a.teardownLocked()
		return chat.Message{}, fmt.Errorf("finalize exchange: %w", err)
	}

	final := a.finalizeMessageLocked(answer)
	a.log.Debug("exchange committed",
		"message_id", final.ID,
		"answer_hash", answerHash[:16]+"...",
		"documents", a.collector.Len())

	a.teardownLocked()
	return final, nil
}

// Abort finalizes the exchange from whatever partial text arrived.
//
// # Description
//
// A cancelled or failed exchange still yields a permanent message when
// partial text exists, so the user keeps what they watched stream in.
// With no usable text the sentinels are simply dropped.
//
// # Outputs
//
//   - chat.Message: the permanent message built from the partial text.
//   - bool: false when nothing was kept.
func (a *Assembler) Abort() (chat.Message, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active {
		return chat.Message{}, false
	}

	answer, _, err := a.acc.Finalize()
	if err != nil || strings.TrimSpace(answer) == "" {
		if err != nil {
			a.log.Warn("discarding partial answer", "error", err)
		}
		a.list.DropSentinels()
		a.teardownLocked()
		return chat.Message{}, false
	}

	final := a.finalizeMessageLocked(answer)
	a.log.Debug("exchange aborted with partial answer",
		"message_id", final.ID,
		"answer_bytes", len(answer))

	a.teardownLocked()
	return final, true
}

// teardownLocked ends the exchange: sweep stopped, accumulator wiped,
// collector cleared. Callers must hold the mutex.
func (a *Assembler) teardownLocked() {
	a.stopSweepLocked()
	if a.acc != nil {
		a.acc.Destroy()
		a.acc = nil
	}
	a.collector.Reset()
	a.active = false
}

// =============================================================================
// Event Processing
// =============================================================================

// OnEvent consumes one decoded stream event.
//
// # Description
//
// Text events feed the accumulator; after each one the full
// accumulated text is re-sanitized and re-scanned for markers, and the
// streaming message is republished. Metadata and tool-result events
// contribute document references out of band. Terminal events are
// ignored here: committing or aborting is the caller's decision.
//
// The signature matches stream.EventCallback, so an Assembler method
// value wires directly into the decoder.
//
// # Outputs
//
//   - error: ErrNoExchange, or an accumulator append failure.
func (a *Assembler) OnEvent(event stream.StreamEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active {
		return ErrNoExchange
	}

	switch event.Type {
	case stream.EventTextStart:
		a.acc.Reset()
		a.publishLocked("")

	case stream.EventTextDelta:
		if err := a.acc.Append(event.Delta); err != nil {
			return fmt.Errorf("append delta: %w", err)
		}
		a.refreshLocked()

	case stream.EventTextEnd:
		if event.Text != "" {
			if err := a.acc.Append(event.Text); err != nil {
				return fmt.Errorf("append closing text: %w", err)
			}
		}
		a.refreshLocked()

	case stream.EventMetadata, stream.EventResponseMetadata:
		if docs := a.extractor.FromMetadata(event.Metadata); len(docs) > 0 {
			a.collector.Add(docs...)
			a.refreshLocked()
		}

	case stream.EventToolResult:
		if docs := a.extractor.FromToolResult(event.Result); len(docs) > 0 {
			a.collector.Add(docs...)
			a.refreshLocked()
		}

	case stream.EventDone, stream.EventError:
		// Terminal events end the read loop upstream.
	}
	return nil
}

// refreshLocked recomputes the visible text from the full accumulation
// and republishes. Markers and framing can span deltas, so the passes
// never run over the newest delta alone.
func (a *Assembler) refreshLocked() {
	clean := a.sanitizer.Sanitize(a.acc.Snapshot())
	visible, docs := a.extractor.Extract(clean)
	if len(docs) > 0 {
		a.collector.Add(docs...)
	}
	a.publishLocked(visible)
}

// publishLocked installs the streaming message as one atomic list
// update. The thinking placeholder disappears with the first publish;
// parts other writers attached to the streaming message survive the
// rebuild.
func (a *Assembler) publishLocked(visible string) {
	docs := a.collector.Documents()

	a.list.Update(func(messages []chat.Message) []chat.Message {
		var carried []chat.ContentPart
		var createdAt int64

		kept := messages[:0]
		for _, m := range messages {
			switch m.ID {
			case chat.ThinkingMessageID:
				// Dropped on first publish.
			case chat.StreamingMessageID:
				createdAt = m.CreatedAt
				carried = append(carried, mediaParts(m.Parts)...)
			default:
				kept = append(kept, m)
			}
		}
		if createdAt == 0 {
			createdAt = time.Now().UnixMilli()
		}

		parts := make([]chat.ContentPart, 0, len(carried)+2)
		parts = append(parts, chat.NewTextPart(visible))
		if len(docs) > 0 {
			parts = append(parts, chat.NewDocumentReferencePart(docs))
		}
		parts = append(parts, carried...)

		return append(kept, chat.Message{
			ID:        chat.StreamingMessageID,
			Role:      chat.RoleAssistant,
			Parts:     parts,
			CreatedAt: createdAt,
		})
	})
}

// finalizeMessageLocked builds the permanent assistant message from the
// finalized answer text and installs it in place of the sentinels.
// Callers must hold the mutex.
func (a *Assembler) finalizeMessageLocked(answer string) chat.Message {
	clean := a.sanitizer.Sanitize(answer)
	visible, docs := a.extractor.Extract(clean)
	for _, doc := range docs {
		// Markers were already collected when their closing delta
		// arrived. Re-adding them here would replay stale scores over
		// newer metadata for the same document.
		if !a.collector.Known(doc.ID) {
			a.collector.Add(doc)
		}
	}

	var carried []chat.ContentPart
	if current, ok := a.list.Get(chat.StreamingMessageID); ok {
		carried = mediaParts(current.Parts)
	}

	parts := make([]chat.ContentPart, 0, len(carried)+2)
	parts = append(parts, chat.NewTextPart(visible))
	if a.collector.Len() > 0 {
		parts = append(parts, chat.NewDocumentReferencePart(a.collector.Documents()))
	}
	parts = append(parts, carried...)

	final := chat.NewPartsMessage(chat.RoleAssistant, parts...)
	a.list.Finalize(final)
	return final
}

// mediaParts returns the parts the assembler does not own: everything
// except text and document references.
func mediaParts(parts []chat.ContentPart) []chat.ContentPart {
	var out []chat.ContentPart
	for _, p := range parts {
		if p.Type != chat.PartTypeText && p.Type != chat.PartTypeDocumentReference {
			out = append(out, p)
		}
	}
	return out
}

// =============================================================================
// Background Sweep
// =============================================================================

// startSweepLocked launches the periodic sweep goroutine. Callers must
// hold the mutex.
func (a *Assembler) startSweepLocked(ctx context.Context) {
	if a.sweepInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	a.sweepStop = stop
	go a.sweepLoop(ctx, stop)
}

// stopSweepLocked signals the sweep goroutine to exit. Callers must
// hold the mutex.
func (a *Assembler) stopSweepLocked() {
	if a.sweepStop != nil {
		close(a.sweepStop)
		a.sweepStop = nil
	}
}

// sweepLoop re-sanitizes the published streaming text on a fixed
// period until the exchange ends or ctx is cancelled.
func (a *Assembler) sweepLoop(ctx context.Context, stop chan struct{}) {
	ticker := time.NewTicker(a.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			a.sweepOnce()
		}
	}
}

// sweepOnce sanitizes the text part of the streaming message if
// artifacts slipped in since the last event. Clean text is a no-op.
func (a *Assembler) sweepOnce() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.active {
		return
	}
	msg, ok := a.list.Get(chat.StreamingMessageID)
	if !ok {
		return
	}

	for i, p := range msg.Parts {
		if p.Type != chat.PartTypeText {
			continue
		}
		clean := a.sanitizer.Sanitize(p.Text)
		if clean != p.Text {
			msg.Parts[i] = chat.NewTextPart(clean)
			a.list.Upsert(msg)
			a.log.Debug("sweep cleaned streaming text",
				"removed_bytes", len(p.Text)-len(clean))
		}
		return
	}
}
