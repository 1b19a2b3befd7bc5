// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stream decodes the framed assistant response protocol used by
// the chat transport.
//
// This file contains the frame decoder. The wire format is a byte
// stream of frames separated by blank lines:
//
//	data: {"type":"text-delta","delta":"Hel"}\n
//	\n
//	data: {"type":"text-delta","delta":"lo"}\n
//	\n
//	data: [DONE]\n
//	\n
//
// Within a frame, every line prefixed with "data:" contributes to the
// payload; the contributions concatenate without a separator. The
// literal payload [DONE] terminates the stream; anything else is a JSON
// event object.
//
// Single Responsibility:
//
//	The decoder handles buffering, framing, and character decoding. It
//	uses a BlockParser to turn payloads into events, and performs no
//	rendering or state management beyond its own buffers.
//
// Chunk Independence:
//
//	Decoding never depends on how the transport slices the byte stream.
//	Frames split mid-line, mid-rune, or delivered one byte at a time
//	produce the same event sequence as a single contiguous read. An
//	incomplete UTF-8 sequence at a chunk boundary is carried until its
//	remaining bytes arrive.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// =============================================================================
// Block Parser Interface
// =============================================================================

// BlockParser converts frame payloads into stream events.
//
// Thread Safety:
//
//	BlockParser implementations must be safe for concurrent use. The
//	default implementation is stateless and inherently thread-safe.
type BlockParser interface {
	// ParseBlock parses one complete frame: the text between two blank
	// lines, without the trailing separator.
	//
	// Parameters:
	//   - block: The raw frame text, possibly spanning multiple lines.
	//
	// Returns:
	//   - *StreamEvent: The parsed event, or nil when the frame carries
	//     no payload or an unknown event type.
	//   - error: Non-nil if a payload was present but not valid JSON.
	ParseBlock(block string) (*StreamEvent, error)

	// ParsePayload parses an extracted payload string.
	//
	// The [DONE] payload produces an EventDone event. Anything else is
	// decoded as a JSON event object; unknown "type" tags yield nil so
	// the protocol can grow without breaking older clients.
	ParsePayload(payload string) (*StreamEvent, error)
}

// =============================================================================
// Block Parser Implementation
// =============================================================================

// frameParser implements BlockParser for the data-prefixed frame format.
//
// This implementation is stateless and safe for concurrent use.
type frameParser struct{}

// NewFrameParser creates a parser for data-prefixed frames.
func NewFrameParser() BlockParser {
	return &frameParser{}
}

// ParseBlock extracts the payload from a frame and parses it.
//
// Line handling inside a frame:
//   - "data:" lines: prefix stripped, one optional following space
//     removed, remainder appended to the payload.
//   - Anything else (comments, field names, stray blanks): ignored.
//
// Multiple data lines concatenate without a separator, so a payload
// split across lines reassembles byte-for-byte.
func (p *frameParser) ParseBlock(block string) (*StreamEvent, error) {
	var payload strings.Builder

	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		rest := strings.TrimPrefix(line, "data:")
		rest = strings.TrimPrefix(rest, " ")
		payload.WriteString(rest)
	}

	if payload.Len() == 0 {
		return nil, nil
	}
	return p.ParsePayload(payload.String())
}

// ParsePayload parses a payload string into a StreamEvent.
//
// Example payloads:
//
//	{"type":"text-delta","delta":"Hello"}
//	{"type":"response-metadata","metadata":{"usedDocuments":[...]}}
//	[DONE]
func (p *frameParser) ParsePayload(payload string) (*StreamEvent, error) {
	if payload == DonePayload {
		event := NewDoneEvent()
		return &event, nil
	}

	// Decode into a temporary struct that matches the server format.
	var raw struct {
		Type     string         `json:"type"`
		Delta    string         `json:"delta"`
		Text     string         `json:"text"`
		Metadata map[string]any `json:"metadata"`
		Result   map[string]any `json:"result"`
		Error    string         `json:"error"`
		Message  string         `json:"message"`
	}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, fmt.Errorf("decode event payload: %w", err)
	}

	event := &StreamEvent{
		Id:        uuid.New().String(),
		CreatedAt: time.Now().UnixMilli(),
		Type:      EventType(raw.Type),
	}

	switch event.Type {
	case EventTextStart:
	case EventTextDelta:
		event.Delta = raw.Delta
	case EventTextEnd:
		event.Text = raw.Text
	case EventMetadata, EventResponseMetadata:
		event.Metadata = raw.Metadata
	case EventToolResult:
		event.Result = raw.Result
	case EventError:
		event.Error = raw.Error
		if event.Error == "" {
			event.Error = raw.Message
		}
	default:
		return nil, nil
	}

	return event, nil
}

// =============================================================================
// Frame Decoder
// =============================================================================

// separator marks the end of a frame on the wire.
var separator = []byte("\n\n")

// maxPendingBytes bounds the decode buffer. A stream that never
// produces a frame separator is aborted instead of growing without
// bound.
const maxPendingBytes = 4 << 20

// readBufSize is the transport read granularity.
const readBufSize = 4096

// ErrFrameTooLarge is returned when a single frame exceeds
// maxPendingBytes before its separator arrives.
var ErrFrameTooLarge = errors.New("stream: frame exceeds buffer limit")

// EventCallback receives decoded events from Decoder.Read. Returning a
// non-nil error stops the read loop.
type EventCallback func(StreamEvent) error

// Decoder decodes a framed response stream from an io.Reader.
//
// Description:
//
//	Decoder pulls raw bytes from the transport, reassembles frames
//	across arbitrary chunk boundaries, and yields one StreamEvent per
//	frame. A malformed payload drops only its own event: it is logged
//	and the stream keeps going. The [DONE] payload yields a final
//	EventDone, after which Next returns io.EOF and any remaining
//	buffered input is discarded.
//
// Thread Safety:
//
//	A Decoder is NOT safe for concurrent use. It belongs to the single
//	goroutine draining one response stream.
type Decoder struct {
	r      io.Reader
	parser BlockParser
	log    *slog.Logger

	carry   []byte         // trailing bytes of an unfinished UTF-8 rune
	pending []byte         // decoded bytes not yet framed
	queue   []*StreamEvent // parsed events not yet returned
	readBuf []byte
	index   int
	done    bool
	err     error
}

// NewDecoder creates a decoder over r with the default frame parser and
// the default slog logger.
func NewDecoder(r io.Reader) *Decoder {
	return NewDecoderWithParser(r, NewFrameParser(), slog.Default())
}

// NewDecoderWithParser creates a decoder with an explicit parser and
// logger. A nil parser falls back to NewFrameParser; a nil logger falls
// back to slog.Default.
func NewDecoderWithParser(r io.Reader, parser BlockParser, log *slog.Logger) *Decoder {
	if parser == nil {
		parser = NewFrameParser()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Decoder{
		r:       r,
		parser:  parser,
		log:     log,
		readBuf: make([]byte, readBufSize),
	}
}

// Next returns the next decoded event.
//
// Returns io.EOF when the stream is exhausted, either by the [DONE]
// payload (delivered as an EventDone first) or by the underlying reader
// ending. Any other error is sticky: once returned, every later call
// returns it again.
func (d *Decoder) Next(ctx context.Context) (*StreamEvent, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		// Drain queued events before reporting errors or EOF so a bad
		// read never swallows frames that already arrived.
		if len(d.queue) > 0 {
			event := d.queue[0]
			d.queue = d.queue[1:]
			return event, nil
		}

		if d.err != nil {
			return nil, d.err
		}
		if d.done {
			return nil, io.EOF
		}

		n, err := d.r.Read(d.readBuf)
		if n > 0 {
			if ingestErr := d.ingest(d.readBuf[:n]); ingestErr != nil {
				d.err = ingestErr
				continue
			}
		}
		if err == io.EOF {
			d.flush()
			d.done = true
			continue
		}
		if err != nil {
			d.err = err
		}
	}
}

// Read drains the stream, invoking callback for each event.
//
// The loop ends when the stream is exhausted, a terminal event has been
// delivered, the context is cancelled, or the callback returns an
// error. A nil return means the stream completed.
func (d *Decoder) Read(ctx context.Context, callback EventCallback) error {
	for {
		event, err := d.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		if err := callback(*event); err != nil {
			return err
		}

		if event.IsTerminal() {
			return nil
		}
	}
}

// ReadAll drains the stream into an aggregated StreamResult.
//
// Answer is the raw text accumulation: reset by text-start, extended by
// each text-delta and text-end in arrival order. No sanitation is
// applied.
//
// Note: a stream that ends with an error event reports the failure in
// StreamResult.Error and ReadAll still returns a nil error.
func (d *Decoder) ReadAll(ctx context.Context) (*StreamResult, error) {
	result := NewStreamResult()

	var answer strings.Builder

	err := d.Read(ctx, func(event StreamEvent) error {
		result.TotalEvents++

		switch event.Type {
		case EventTextStart:
			answer.Reset()

		case EventTextDelta:
			if result.FirstTokenAt == 0 {
				result.FirstTokenAt = time.Now().UnixMilli()
			}
			answer.WriteString(event.Delta)
			result.TotalTokens++

		case EventTextEnd:
			answer.WriteString(event.Text)

		case EventMetadata, EventResponseMetadata:
			if len(event.Metadata) > 0 {
				if result.Metadata == nil {
					result.Metadata = make(map[string]any, len(event.Metadata))
				}
				for k, v := range event.Metadata {
					result.Metadata[k] = v
				}
			}

		case EventToolResult:
			result.ToolResults = append(result.ToolResults, event.Result)

		case EventDone:
			result.Terminated = true
			result.CompletedAt = time.Now().UnixMilli()

		case EventError:
			result.Error = event.Error
			result.Terminated = true
			result.CompletedAt = time.Now().UnixMilli()
		}

		return nil
	})

	result.Answer = answer.String()

	// Ensure CompletedAt is set even without a terminal event
	if result.CompletedAt == 0 {
		result.CompletedAt = time.Now().UnixMilli()
	}

	return result, err
}

// ingest appends a chunk to the decode buffer and extracts any frames
// it completes.
func (d *Decoder) ingest(chunk []byte) error {
	d.pending = append(d.pending, d.completeBytes(chunk)...)
	if len(d.pending) > maxPendingBytes {
		return ErrFrameTooLarge
	}
	d.scanFrames()
	return nil
}

// completeBytes joins chunk onto the rune carry and returns the longest
// prefix ending on a UTF-8 boundary. The remainder, at most three bytes
// of an unfinished rune, stays in the carry for the next chunk.
func (d *Decoder) completeBytes(chunk []byte) []byte {
	b := append(d.carry, chunk...)

	start := -1
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			start = i
			break
		}
	}
	if start >= 0 && !utf8.FullRune(b[start:]) {
		d.carry = append([]byte(nil), b[start:]...)
		return b[:start]
	}

	// The tail is either a complete rune or invalid bytes; invalid
	// bytes pass through untouched so the payload parser sees them.
	d.carry = nil
	return b
}

// scanFrames extracts every complete frame currently in the buffer.
// Scanning stops once a terminal [DONE] frame has been handled.
func (d *Decoder) scanFrames() {
	for !d.done {
		i := bytes.Index(d.pending, separator)
		if i < 0 {
			return
		}
		frame := string(d.pending[:i])
		d.pending = d.pending[i+len(separator):]
		d.handleFrame(frame)
	}
}

// handleFrame parses one frame and queues its event.
func (d *Decoder) handleFrame(frame string) {
	event, err := d.parser.ParseBlock(frame)
	if err != nil {
		// Log the frame size, not its content, which may hold user text.
		d.log.Warn("dropping malformed stream frame",
			"frame_bytes", len(frame),
			"events_decoded", d.index,
			"error", err)
		return
	}
	if event == nil {
		return
	}

	event.Index = d.index
	d.index++
	d.queue = append(d.queue, event)

	if event.Type == EventDone {
		d.done = true
	}
}

// flush drains the rune carry and parses a trailing frame that arrived
// without its separator, so a stream cut off just before the final
// blank line still delivers its last event.
func (d *Decoder) flush() {
	if len(d.carry) > 0 {
		d.pending = append(d.pending, d.carry...)
		d.carry = nil
	}

	d.scanFrames()
	if d.done || len(d.pending) == 0 {
		d.pending = nil
		return
	}

	frame := string(d.pending)
	d.pending = nil
	if strings.TrimSpace(frame) == "" {
		return
	}
	d.handleFrame(frame)
}

// DecodeAll reads an entire framed stream from r. It is shorthand for
// constructing a Decoder and calling ReadAll.
func DecodeAll(ctx context.Context, r io.Reader) (*StreamResult, error) {
	return NewDecoder(r).ReadAll(ctx)
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ BlockParser = (*frameParser)(nil)
