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
// This file contains the artifact scanner: an explicit tokenizer for
// the known wire-framing shapes. Scanning is the primary path; the
// regex shim in fallback.go only covers shapes the scanner does not
// recognize.
package sanitize

import (
	"strconv"
	"strings"
)

// =============================================================================
// Token Model
// =============================================================================

// tokenKind classifies one recognized artifact span.
type tokenKind int

const (
	// tokenChunk is a numeric-tagged string payload: <digits>:"<payload>".
	// The payload is assistant text wearing its framing.
	tokenChunk tokenKind = iota

	// tokenEnvelope is a tagged JSON envelope carrying stream
	// bookkeeping: message ids, finish reasons, usage counters.
	tokenEnvelope

	// tokenToolBlock is a JSON block describing a tool invocation,
	// tagged or bare.
	tokenToolBlock

	// tokenDocsBlock is a JSON block carrying document-source metadata,
	// tagged or bare.
	tokenDocsBlock

	// tokenDone is the literal [DONE] sentinel.
	tokenDone

	// tokenBarePrefix is a numeric chunk tag that lost its payload to a
	// frame split: <digits>: alone at the end of a line.
	tokenBarePrefix
)

// token is one artifact span found in the text. Literal text lives in
// the gaps between tokens.
type token struct {
	kind    tokenKind
	start   int
	end     int    // exclusive
	payload string // decoded chunk payload, empty for other kinds
}

// envelopeTags is the set of single-letter tags the scanner accepts in
// front of a JSON envelope. Anything outside this set is left for the
// fallback shim.
const envelopeTags = "fedab8923"

// toolMarkers and docsMarkers classify a JSON block by content. A block
// containing none of them is ordinary text and is never touched.
var (
	toolMarkers = []string{`"toolCallId"`, `"toolName"`}
	docsMarkers = []string{`"usedDocuments"`, `"documentSources"`}
)

// =============================================================================
// Scanner
// =============================================================================

// matcher attempts to recognize one artifact shape at position i.
type matcher func(text string, i int) (token, bool)

// matchers run in declaration order at every scan position; the first
// match wins. This order is the pipeline's precedence rule.
var matchers = []matcher{
	matchDone,
	matchChunk,
	matchEnvelope,
	matchBareBlock,
	matchBarePrefix,
}

// scanArtifacts walks the text once and returns every artifact span in
// order. Overlaps cannot occur: the scan resumes at the end of each
// match.
func scanArtifacts(text string) []token {
	var tokens []token

	i := 0
	for i < len(text) {
		matched := false
		for _, match := range matchers {
			if tok, ok := match(text, i); ok {
				tokens = append(tokens, tok)
				i = tok.end
				matched = true
				break
			}
		}
		if !matched {
			i++
		}
	}

	return tokens
}

// matchDone recognizes the literal [DONE] sentinel.
func matchDone(text string, i int) (token, bool) {
	const sentinel = "[DONE]"
	if !strings.HasPrefix(text[i:], sentinel) {
		return token{}, false
	}
	return token{kind: tokenDone, start: i, end: i + len(sentinel)}, true
}

// matchChunk recognizes <digits>:"<payload>" and decodes the payload.
//
// The tag must start on a word boundary so prose like `version 10:"x"`
// is still matched but `v10:"x"` is not: a digit run glued to a letter
// is an identifier, not framing.
func matchChunk(text string, i int) (token, bool) {
	if i > 0 && isAlnum(text[i-1]) {
		return token{}, false
	}

	j := i
	for j < len(text) && isDigit(text[j]) {
		j++
	}
	if j == i || j+1 >= len(text) || text[j] != ':' || text[j+1] != '"' {
		return token{}, false
	}

	end := scanQuoted(text, j+1)
	if end < 0 {
		return token{}, false
	}

	return token{
		kind:    tokenChunk,
		start:   i,
		end:     end,
		payload: decodePayload(text[j+1 : end]),
	}, true
}

// matchEnvelope recognizes <tag>:{...} and <tag>:[...] for the known
// tag set and classifies the block by its content.
func matchEnvelope(text string, i int) (token, bool) {
	if i > 0 && isAlnum(text[i-1]) {
		return token{}, false
	}
	if i+2 >= len(text) {
		return token{}, false
	}
	if !strings.ContainsRune(envelopeTags, rune(text[i])) {
		return token{}, false
	}
	if text[i+1] != ':' || (text[i+2] != '{' && text[i+2] != '[') {
		return token{}, false
	}

	end := scanBalanced(text, i+2)
	if end < 0 {
		return token{}, false
	}

	return token{
		kind:  classifyBlock(text[i+2:end], tokenEnvelope),
		start: i,
		end:   end,
	}, true
}

// matchBareBlock recognizes an untagged JSON object that is framing
// rather than prose. Only blocks carrying a tool or document marker
// qualify; any other JSON stays untouched, since assistant answers
// legitimately contain JSON examples.
func matchBareBlock(text string, i int) (token, bool) {
	if text[i] != '{' {
		return token{}, false
	}

	end := scanBalanced(text, i)
	if end < 0 {
		return token{}, false
	}

	kind := classifyBlock(text[i:end], tokenEnvelope)
	if kind != tokenToolBlock && kind != tokenDocsBlock {
		return token{}, false
	}

	return token{kind: kind, start: i, end: end}, true
}

// matchBarePrefix recognizes a chunk tag stranded at the end of a line
// by a frame split: line-leading <digits>: followed by a newline or the
// end of input. The trailing-boundary requirement keeps numbered-list
// prose like "1: overview" intact.
func matchBarePrefix(text string, i int) (token, bool) {
	if i > 0 && text[i-1] != '\n' {
		return token{}, false
	}

	j := i
	for j < len(text) && isDigit(text[j]) {
		j++
	}
	if j == i || j >= len(text) || text[j] != ':' {
		return token{}, false
	}
	if j+1 < len(text) && text[j+1] != '\n' {
		return token{}, false
	}

	return token{kind: tokenBarePrefix, start: i, end: j + 1}, true
}

// classifyBlock inspects a JSON block body and promotes it to a tool or
// documents block when a marker key is present.
func classifyBlock(body string, fallback tokenKind) tokenKind {
	for _, marker := range toolMarkers {
		if strings.Contains(body, marker) {
			return tokenToolBlock
		}
	}
	for _, marker := range docsMarkers {
		if strings.Contains(body, marker) {
			return tokenDocsBlock
		}
	}
	return fallback
}

// =============================================================================
// Low-level Scanners
// =============================================================================

// scanQuoted returns the exclusive end of the JSON string opening at
// text[i], which must be '"', or -1 when the string never closes.
func scanQuoted(text string, i int) int {
	escaped := false
	for j := i + 1; j < len(text); j++ {
		switch {
		case escaped:
			escaped = false
		case text[j] == '\\':
			escaped = true
		case text[j] == '"':
			return j + 1
		}
	}
	return -1
}

// scanBalanced returns the exclusive end of the JSON value opening at
// text[i], which must be '{' or '[', or -1 when it never closes.
// String contents are skipped so braces inside payloads do not count.
func scanBalanced(text string, i int) int {
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

// decodePayload unescapes the quoted body of a chunk token. The
// argument includes both quotes. Malformed escapes fall back to the
// raw body rather than dropping text.
func decodePayload(quoted string) string {
	if decoded, err := strconv.Unquote(quoted); err == nil {
		return decoded
	}
	if len(quoted) >= 2 {
		return quoted[1 : len(quoted)-1]
	}
	return quoted
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isAlnum(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
