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
// This file contains the out-of-band normalizers. Retrieval pipelines
// report their sources next to the text rather than inside it: metadata
// payloads carry usedDocuments or documentSources arrays, and tool
// results carry usedDocuments. Field names vary by producer, so each
// entry is normalized field by field through a fallback chain.
package citations

import (
	"github.com/AleutianAI/AleutianChat/pkg/chat"
)

// metadataArrayKeys are the metadata fields that may carry a document
// array, checked in order.
var metadataArrayKeys = []string{"usedDocuments", "documentSources"}

// FromMetadata normalizes the document arrays of a metadata payload.
func (e *extractor) FromMetadata(metadata map[string]any) []chat.DocumentRef {
	if len(metadata) == 0 {
		return nil
	}
	var docs []chat.DocumentRef
	for _, key := range metadataArrayKeys {
		docs = append(docs, normalizeArray(metadata[key])...)
	}
	return docs
}

// FromToolResult normalizes the usedDocuments array of a tool result.
// Some producers nest the payload one level down under a result key.
func (e *extractor) FromToolResult(result map[string]any) []chat.DocumentRef {
	if len(result) == 0 {
		return nil
	}
	if docs := normalizeArray(result["usedDocuments"]); len(docs) > 0 {
		return docs
	}
	if inner, ok := result["result"].(map[string]any); ok {
		return normalizeArray(inner["usedDocuments"])
	}
	return nil
}

// normalizeArray converts a decoded JSON array into document refs,
// dropping entries with no usable identity.
func normalizeArray(v any) []chat.DocumentRef {
	items, ok := v.([]any)
	if !ok {
		return nil
	}

	var docs []chat.DocumentRef
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if doc, ok := normalizeEntry(entry); ok {
			docs = append(docs, doc)
		}
	}
	return docs
}

// normalizeEntry maps one producer-shaped entry onto DocumentRef. The
// identity falls back through id, documentId, name; the display name
// through name, filename, documentName. Out-of-band documents are not
// marked explicitly referenced; only inline markers earn that flag.
func normalizeEntry(entry map[string]any) (chat.DocumentRef, bool) {
	id := firstString(entry, "id", "documentId", "name")
	if id == "" {
		return chat.DocumentRef{}, false
	}

	name := firstString(entry, "name", "filename", "documentName")
	if name == "" {
		name = id
	}

	return chat.DocumentRef{
		ID:             id,
		Name:           name,
		Similarity:     scaleSimilarity(firstNumber(entry, "similarity", "score", "relevance")),
		ContentPreview: firstString(entry, "contentPreview", "content_preview", "preview"),
	}, true
}

// firstString returns the first non-empty string among the keys.
func firstString(entry map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := entry[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// firstNumber returns the first numeric value among the keys. JSON
// numbers decode as float64; integer values from in-process producers
// are accepted too.
func firstNumber(entry map[string]any, keys ...string) float64 {
	for _, key := range keys {
		switch n := entry[key].(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return 0
}

// scaleSimilarity maps a reported score onto [0, 1]. Producers report
// either a 0-1 certainty or a 0-100 relevance; values above 1 are
// treated as percentages.
func scaleSimilarity(v float64) float64 {
	if v > 1 {
		v = v / 100
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
