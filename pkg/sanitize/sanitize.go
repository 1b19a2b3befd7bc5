// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sanitize removes transport framing artifacts from assistant
// text.
//
// This file contains the pass pipeline. Streamed responses sometimes
// leak their own framing into the visible text: tool-call JSON blocks,
// message-id and finish envelopes, numeric-tagged chunk wrappers, the
// [DONE] sentinel. The sanitizer strips them while leaving ordinary
// prose, including JSON the assistant was asked to write, untouched.
//
// Pass order:
//
//  1. High-confidence blocks: tool-call and document-source JSON,
//     tagged or bare. Removing one ends the round.
//  2. Broad framing tokens: message/finish envelopes, [DONE], chunk
//     tags stranded by frame splits; plus the regex shim for shapes
//     the scanner does not know.
//  3. Literal-payload extraction: when chunk tokens dominate the text,
//     the text is replaced by their concatenated payloads.
//  4. Heuristic cleanup: junk-only lines, empty braces, whitespace.
//
// Idempotence:
//
//	Sanitize(Sanitize(x)) == Sanitize(x) for any input. The pipeline
//	runs to a fixed point: each round either changes nothing, ending
//	the loop, or strictly shortens the text. Callers re-sanitize the
//	same accumulating text on every delta, so this property is load
//	bearing, not cosmetic.
//
// Thread Safety:
//
//	Sanitizer implementations must be safe for concurrent use. The
//	default implementation is stateless and inherently thread-safe.
package sanitize

import (
	"strings"
)

// =============================================================================
// Sanitizer Interface
// =============================================================================

// Sanitizer strips transport framing artifacts from visible text.
//
// Example:
//
//	s := NewSanitizer()
//	clean := s.Sanitize(`f:{"messageId":"m1"}` + "\n" + `0:"Hi"`)
//	// clean == "Hi"
type Sanitizer interface {
	// Sanitize returns the text with framing artifacts removed.
	//
	// Pure and deterministic: equal inputs produce equal outputs, and
	// output fed back in comes back unchanged. Text with no artifacts
	// passes through byte-identical.
	Sanitize(text string) string
}

// SanitizerConfig tunes the pass pipeline.
type SanitizerConfig struct {
	// DominanceRatio is the minimum share of the trimmed text that
	// chunk tokens must cover before literal-payload extraction
	// replaces the whole text. Below it, scattered chunk-shaped spans
	// are treated as prose.
	DominanceRatio float64

	// MaxRounds bounds the fixed-point iteration. Each round shortens
	// the text, so the bound exists only to cap pathological inputs.
	MaxRounds int
}

// DefaultSanitizerConfig returns the production configuration.
func DefaultSanitizerConfig() SanitizerConfig {
	return SanitizerConfig{
		DominanceRatio: 0.5,
		MaxRounds:      8,
	}
}

// NewSanitizer creates a sanitizer with the default configuration.
func NewSanitizer() Sanitizer {
	return NewSanitizerWithConfig(DefaultSanitizerConfig())
}

// NewSanitizerWithConfig creates a sanitizer with an explicit
// configuration. Zero values fall back to the defaults.
func NewSanitizerWithConfig(cfg SanitizerConfig) Sanitizer {
	defaults := DefaultSanitizerConfig()
	if cfg.DominanceRatio <= 0 || cfg.DominanceRatio > 1 {
		cfg.DominanceRatio = defaults.DominanceRatio
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = defaults.MaxRounds
	}
	return &sanitizer{cfg: cfg}
}

// defaultSanitizer backs the package-level Sanitize helper.
var defaultSanitizer = NewSanitizer()

// Sanitize strips framing artifacts using the default sanitizer.
func Sanitize(text string) string {
	return defaultSanitizer.Sanitize(text)
}

// =============================================================================
// Pipeline Implementation
// =============================================================================

// sanitizer implements Sanitizer as a fixed-point pass pipeline.
type sanitizer struct {
	cfg SanitizerConfig
}

// Sanitize runs rounds of the pass pipeline until the text stops
// changing.
func (s *sanitizer) Sanitize(text string) string {
	for round := 0; round < s.cfg.MaxRounds; round++ {
		next := s.sanitizeOnce(text)
		if next == text {
			return text
		}
		text = next
	}
	return text
}

// sanitizeOnce applies one round: the passes run in order and the round
// ends at the first pass that changes the text.
func (s *sanitizer) sanitizeOnce(text string) string {
	tokens := scanArtifacts(text)

	// Pass 1: high-confidence framing blocks
	if out, changed := removeKinds(text, tokens, tokenToolBlock, tokenDocsBlock); changed {
		return out
	}

	// Pass 2: broad framing tokens
	if out, changed := removeKinds(text, tokens, tokenEnvelope, tokenDone, tokenBarePrefix); changed {
		return out
	}
	if out, changed := applyFallback(text); changed {
		return out
	}

	// Pass 3: literal-payload extraction
	if out, ok := s.extractChunkPayloads(text, tokens); ok {
		return out
	}

	// Pass 4: heuristic cleanup
	return cleanup(text)
}

// removeKinds rebuilds the text without the spans of the given kinds.
func removeKinds(text string, tokens []token, kinds ...tokenKind) (string, bool) {
	targeted := func(k tokenKind) bool {
		for _, want := range kinds {
			if k == want {
				return true
			}
		}
		return false
	}

	var b strings.Builder
	last := 0
	removed := false

	for _, tok := range tokens {
		if !targeted(tok.kind) {
			continue
		}
		b.WriteString(text[last:tok.start])
		last = tok.end
		// Splice the gap: a block removed between two spaces must not
		// leave a doubled space behind.
		if tok.start > 0 && text[tok.start-1] == ' ' && last < len(text) && text[last] == ' ' {
			last++
		}
		removed = true
	}
	if !removed {
		return text, false
	}

	b.WriteString(text[last:])
	return b.String(), true
}

// extractChunkPayloads replaces the text with the concatenated payloads
// of its chunk tokens, but only when those tokens dominate the text.
// A response that leaked entirely in raw framing becomes its payload;
// prose that merely mentions a chunk-shaped string stays intact.
func (s *sanitizer) extractChunkPayloads(text string, tokens []token) (string, bool) {
	covered := 0
	var chunks []token
	for _, tok := range tokens {
		if tok.kind == tokenChunk {
			covered += tok.end - tok.start
			chunks = append(chunks, tok)
		}
	}

	trimmed := strings.TrimSpace(text)
	if len(chunks) == 0 || trimmed == "" {
		return "", false
	}
	if float64(covered) < s.cfg.DominanceRatio*float64(len(trimmed)) {
		return "", false
	}

	var b strings.Builder
	for _, tok := range chunks {
		b.WriteString(tok.payload)
	}
	return b.String(), true
}

// cleanup removes residue the structural passes leave behind: empty
// brace pairs, lines of nothing but JSON punctuation, doubled spaces on
// lines that held artifacts, runs of blank lines, and dangling commas
// at either end of the text. Fenced code blocks pass through untouched;
// their braces are content, not residue.
func cleanup(text string) string {
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))

	inFence := false
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			kept = append(kept, line)
			continue
		}
		if inFence {
			kept = append(kept, line)
			continue
		}

		line, hadPairs := stripEmptyPairs(line)
		if isJunkLine(line) {
			continue
		}
		if hadPairs && strings.Contains(line, "  ") {
			line = collapseSpaces(line)
		}
		kept = append(kept, line)
	}

	out := strings.Join(kept, "\n")
	out = collapseBlankLines(out)
	out = strings.TrimSpace(out)
	out = strings.TrimLeft(out, ",")
	out = strings.TrimRight(out, ",")
	return strings.TrimSpace(out)
}

// stripEmptyPairs removes empty {} and [] pairs, including ones holding
// only whitespace, and reports whether any were found.
func stripEmptyPairs(line string) (string, bool) {
	found := false
	for {
		i := indexEmptyPair(line)
		if i < 0 {
			return line, found
		}
		j := strings.IndexAny(line[i:], "}]")
		line = line[:i] + line[i+j+1:]
		found = true
	}
}

// indexEmptyPair locates an opening brace or bracket whose matching
// closer follows with only whitespace between, or -1.
func indexEmptyPair(line string) int {
	for i := 0; i < len(line); i++ {
		open := line[i]
		if open != '{' && open != '[' {
			continue
		}
		want := byte('}')
		if open == '[' {
			want = ']'
		}
		j := i + 1
		for j < len(line) && (line[j] == ' ' || line[j] == '\t') {
			j++
		}
		if j < len(line) && line[j] == want {
			return i
		}
	}
	return -1
}

// isJunkLine reports whether a line holds only JSON punctuation
// residue. A lone brace or bracket never qualifies; removal requires
// fragment texture (a quote, comma, or colon) or a longer punctuation
// run.
func isJunkLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) < 2 {
		return false
	}
	for _, r := range trimmed {
		if !strings.ContainsRune(`{}[],:"'`, r) {
			return false
		}
	}
	return len(trimmed) >= 4 || strings.ContainsAny(trimmed, `:,"`)
}

// collapseSpaces collapses interior runs of spaces and tabs to one
// space while preserving the line's leading indentation.
func collapseSpaces(line string) string {
	indent := 0
	for indent < len(line) && (line[indent] == ' ' || line[indent] == '\t') {
		indent++
	}
	rest := line[indent:]
	fields := strings.Fields(rest)
	return line[:indent] + strings.Join(fields, " ")
}

// collapseBlankLines reduces runs of three or more newlines to a single
// blank line.
func collapseBlankLines(text string) string {
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return text
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ Sanitizer = (*sanitizer)(nil)
