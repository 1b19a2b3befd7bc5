// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sanitize

import "regexp"

// This file is a compatibility shim, not the primary path. The scanner
// in tokens.go recognizes the documented framing shapes; these patterns
// only catch payloads it does not anticipate, such as envelope tags
// introduced by a newer stream producer. They run after the scanner
// passes found nothing to remove, and they only ever match whole lines
// so prose cannot be clipped mid-sentence.

// fallbackPatterns match whole lines that look like tagged framing with
// a tag outside the scanner's known set.
var fallbackPatterns = []*regexp.Regexp{
	// Unknown single-letter tag with a JSON object or array payload
	regexp.MustCompile(`(?m)^[a-z]\d?:\{.*\}[ \t]*$`),
	regexp.MustCompile(`(?m)^[a-z]\d?:\[.*\][ \t]*$`),

	// Unknown single-letter tag with a quoted string payload
	regexp.MustCompile(`(?m)^[a-z]\d?:".*"[ \t]*$`),

	// Multi-digit tag envelopes the scanner's single-character tag set
	// does not cover
	regexp.MustCompile(`(?m)^\d{2,}:\{.*\}[ \t]*$`),
	regexp.MustCompile(`(?m)^\d{2,}:\[.*\][ \t]*$`),
}

// applyFallback removes every fallback-pattern line and reports whether
// anything changed.
func applyFallback(text string) (string, bool) {
	out := text
	for _, pattern := range fallbackPatterns {
		out = pattern.ReplaceAllString(out, "")
	}
	return out, out != text
}
