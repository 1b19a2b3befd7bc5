// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval provides semantic context retrieval over uploaded
// documents.
//
// The package exposes a small Retriever interface the chat client uses
// to fetch context chunks for a prompt, a Weaviate-backed implementation
// querying with nearText semantic search, a deduplicating wrapper that
// collapses identical concurrent queries into one flight, and an
// Ingestor that splits uploaded files into chunks for vectorization.
package retrieval

import (
	"context"
	"errors"
	"strings"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
)

// ErrEmptyQuery is returned when a retrieval query is blank.
var ErrEmptyQuery = errors.New("retrieval: query must not be empty")

// DefaultPreviewRunes caps the content preview attached to document
// references.
const DefaultPreviewRunes = 160

// Chunk is one retrieved piece of an uploaded document.
type Chunk struct {
	// DocumentID is the stable id of the stored chunk object.
	DocumentID string

	// Source names the uploaded file the chunk came from.
	Source string

	// Content is the chunk text.
	Content string

	// Similarity is the semantic certainty in [0,1] reported by the
	// search backend.
	Similarity float64
}

// Ref converts the chunk into a document reference suitable for a
// document_reference content part.
func (c Chunk) Ref() chat.DocumentRef {
	return chat.DocumentRef{
		ID:             c.DocumentID,
		Name:           c.Source,
		Similarity:     c.Similarity,
		ContentPreview: Preview(c.Content, DefaultPreviewRunes),
	}
}

// Retriever fetches context chunks semantically relevant to a query.
type Retriever interface {
	// Query returns up to limit chunks ranked by similarity. A
	// non-positive limit falls back to the implementation default.
	Query(ctx context.Context, query string, limit int) ([]Chunk, error)
}

// Preview collapses whitespace and truncates content to at most
// maxRunes runes, appending an ellipsis when text was cut.
func Preview(s string, maxRunes int) string {
	if maxRunes <= 0 {
		maxRunes = DefaultPreviewRunes
	}

	collapsed := strings.Join(strings.Fields(s), " ")
	runes := []rune(collapsed)
	if len(runes) <= maxRunes {
		return collapsed
	}
	return strings.TrimSpace(string(runes[:maxRunes])) + "..."
}
