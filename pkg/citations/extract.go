// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package citations finds document references in assistant output and
// normalizes them into structured citation data.
//
// This file contains the inline marker extractor. Models cite sources
// by embedding useDocument({...}) markers in their text. The extractor
// locates each marker with a balanced-brace scan, repairs the loose
// object-literal syntax models tend to produce (bare keys, stray
// commas), validates the payload, and removes the marker from the
// visible text.
//
// Single Responsibility: recognize and normalize citation markers. The
// extractor never touches transport framing; that is the sanitize
// package's job.
//
// Thread Safety: Extractor implementations are stateless and safe for
// concurrent use. Collector, which merges extractions across an
// exchange, is not; see merge.go.
package citations

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
)

// =============================================================================
// Extractor Interface
// =============================================================================

// Extractor pulls document references out of assistant output.
//
// Example:
//
//	e := NewExtractor()
//	clean, docs := e.Extract(`See useDocument({documentId:"d1", documentName:"Plan.pdf", relevance:80}) for details.`)
//	// clean == "See for details.", docs[0].Similarity == 0.8
type Extractor interface {
	// Extract scans text for inline useDocument markers.
	//
	// Parameters:
	//   - text: visible text, possibly containing citation markers
	//
	// Returns:
	//   - The text with every recognized marker removed
	//   - The document references the markers carried, in order
	Extract(text string) (string, []chat.DocumentRef)

	// FromMetadata normalizes the document arrays a metadata payload
	// may carry (usedDocuments, documentSources).
	//
	// Parameters:
	//   - metadata: decoded metadata payload, may be nil
	//
	// Returns:
	//   - Normalized references, nil when no array is present
	FromMetadata(metadata map[string]any) []chat.DocumentRef

	// FromToolResult normalizes the usedDocuments array of a tool
	// result payload.
	//
	// Parameters:
	//   - result: decoded tool result payload, may be nil
	//
	// Returns:
	//   - Normalized references, nil when no array is present
	FromToolResult(result map[string]any) []chat.DocumentRef
}

// markerPrefix opens an inline citation marker. The payload is an
// object literal and the marker closes with a matching parenthesis.
const markerPrefix = "useDocument("

// extractor is the stateless Extractor implementation.
type extractor struct {
	log *slog.Logger
}

// NewExtractor creates an extractor using the default logger.
func NewExtractor() Extractor {
	return NewExtractorWithLogger(slog.Default())
}

// NewExtractorWithLogger creates an extractor with an explicit logger
// for dropped-marker diagnostics.
func NewExtractorWithLogger(log *slog.Logger) Extractor {
	if log == nil {
		log = slog.Default()
	}
	return &extractor{log: log}
}

// defaultExtractor backs the package-level helpers.
var defaultExtractor = NewExtractor()

// Extract scans text for inline markers using the default extractor.
func Extract(text string) (string, []chat.DocumentRef) {
	return defaultExtractor.Extract(text)
}

// =============================================================================
// Inline Marker Extraction
// =============================================================================

// Extract finds every useDocument marker, collects the valid ones, and
// returns the text with all recognized marker spans removed. A prefix
// with no balanced payload and closing parenthesis is not a marker and
// stays in the text; streamed text hits this case while a marker is
// still arriving.
func (e *extractor) Extract(text string) (string, []chat.DocumentRef) {
	if !strings.Contains(text, markerPrefix) {
		return text, nil
	}

	var (
		b    strings.Builder
		docs []chat.DocumentRef
	)
	last := 0
	for {
		rel := strings.Index(text[last:], markerPrefix)
		if rel < 0 {
			break
		}
		start := last + rel

		end, body, ok := markerSpan(text, start)
		if !ok {
			b.WriteString(text[last : start+len(markerPrefix)])
			last = start + len(markerPrefix)
			continue
		}

		if doc, ok := e.parseMarker(body); ok {
			docs = append(docs, doc)
		}
		b.WriteString(text[last:start])
		last = end
		// Splice the gap: a marker removed between two spaces must not
		// leave a doubled space behind.
		if start > 0 && text[start-1] == ' ' && last < len(text) && text[last] == ' ' {
			last++
		}
	}
	b.WriteString(text[last:])
	return b.String(), docs
}

// markerSpan locates the balanced {...} payload and closing parenthesis
// of the marker starting at start. Returns the exclusive end of the
// whole marker and the payload body including its braces.
func markerSpan(text string, start int) (end int, body string, ok bool) {
	i := start + len(markerPrefix)
	for i < len(text) && isSpace(text[i]) {
		i++
	}
	if i >= len(text) || text[i] != '{' {
		return 0, "", false
	}

	braceEnd := balancedEnd(text, i)
	if braceEnd < 0 {
		return 0, "", false
	}

	j := braceEnd
	for j < len(text) && isSpace(text[j]) {
		j++
	}
	if j >= len(text) || text[j] != ')' {
		return 0, "", false
	}
	return j + 1, text[i:braceEnd], true
}

// parseMarker repairs and parses one marker payload. Candidates missing
// a document id or name are dropped; their marker is still removed from
// the text, since the span is unambiguously a marker.
func (e *extractor) parseMarker(body string) (chat.DocumentRef, bool) {
	var raw struct {
		DocumentID   string  `json:"documentId"`
		DocumentName string  `json:"documentName"`
		Relevance    float64 `json:"relevance"`
		Similarity   float64 `json:"similarity"`
		Preview      string  `json:"contentPreview"`
	}

	repaired := repairObjectLiteral(body)
	if err := json.Unmarshal([]byte(repaired), &raw); err != nil {
		e.log.Debug("dropping unparseable citation marker",
			"payload_bytes", len(body),
			"error", err)
		return chat.DocumentRef{}, false
	}
	if raw.DocumentID == "" || raw.DocumentName == "" {
		return chat.DocumentRef{}, false
	}

	sim := raw.Similarity
	if sim == 0 {
		sim = raw.Relevance
	}
	return chat.DocumentRef{
		ID:                   raw.DocumentID,
		Name:                 raw.DocumentName,
		Similarity:           scaleSimilarity(sim),
		ContentPreview:       raw.Preview,
		ExplicitlyReferenced: true,
	}, true
}

// =============================================================================
// Object-literal Repair
// =============================================================================

// repairObjectLiteral converts the loose object-literal syntax models
// emit into strict JSON: bare keys are quoted, and leading, trailing,
// and doubled commas are dropped. String contents pass through
// untouched.
func repairObjectLiteral(body string) string {
	var b strings.Builder
	b.Grow(len(body) + 16)

	inString := false
	escaped := false
	var lastSig byte

	for i := 0; i < len(body); i++ {
		c := body[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch {
		case c == '"':
			inString = true
			b.WriteByte(c)
			lastSig = c

		case c == ',':
			if lastSig == '{' || lastSig == '[' || lastSig == ',' {
				continue
			}
			if next := nextNonSpace(body, i+1); next < 0 || body[next] == '}' || body[next] == ']' {
				continue
			}
			b.WriteByte(c)
			lastSig = c

		case isIdentByte(c):
			j := i
			for j < len(body) && isIdentByte(body[j]) {
				j++
			}
			word := body[i:j]
			next := nextNonSpace(body, j)
			if next >= 0 && body[next] == ':' && (lastSig == '{' || lastSig == ',' || lastSig == 0) {
				b.WriteByte('"')
				b.WriteString(word)
				b.WriteByte('"')
				lastSig = '"'
			} else {
				b.WriteString(word)
				lastSig = word[len(word)-1]
			}
			i = j - 1

		default:
			b.WriteByte(c)
			if !isSpace(c) {
				lastSig = c
			}
		}
	}
	return b.String()
}

// =============================================================================
// Scan Helpers
// =============================================================================

// balancedEnd returns the exclusive end of the object or array opening
// at text[i], or -1 when it never closes. String contents are skipped
// so braces inside payload values do not count.
func balancedEnd(text string, i int) int {
	depth := 0
	inString := false
	escaped := false

	for j := i; j < len(text); j++ {
		c := text[j]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return j + 1
			}
		}
	}
	return -1
}

// nextNonSpace returns the index of the first non-whitespace byte at or
// after i, or -1.
func nextNonSpace(text string, i int) int {
	for ; i < len(text); i++ {
		if !isSpace(text[i]) {
			return i
		}
	}
	return -1
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' ||
		(c >= '0' && c <= '9') ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z')
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ Extractor = (*extractor)(nil)
