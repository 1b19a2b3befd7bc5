// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package citations

import (
	"testing"
)

// =============================================================================
// Metadata Normalization
// =============================================================================

func TestFromMetadata_UsedDocuments(t *testing.T) {
	e := NewExtractor()
	metadata := map[string]any{
		"usedDocuments": []any{
			map[string]any{
				"id":             "d1",
				"name":           "Plan.pdf",
				"similarity":     0.92,
				"contentPreview": "Q3 budget",
			},
		},
	}

	docs := e.FromMetadata(metadata)

	if len(docs) != 1 {
		t.Fatalf("expected 1 document, got %d", len(docs))
	}
	doc := docs[0]
	if doc.ID != "d1" || doc.Name != "Plan.pdf" {
		t.Errorf("identity = (%q, %q), want (d1, Plan.pdf)", doc.ID, doc.Name)
	}
	if doc.Similarity != 0.92 {
		t.Errorf("Similarity = %v, want 0.92", doc.Similarity)
	}
	if doc.ContentPreview != "Q3 budget" {
		t.Errorf("ContentPreview = %q, want %q", doc.ContentPreview, "Q3 budget")
	}
	if doc.ExplicitlyReferenced {
		t.Error("out-of-band documents must not be marked explicitly referenced")
	}
}

func TestFromMetadata_FieldFallbacks(t *testing.T) {
	e := NewExtractor()
	metadata := map[string]any{
		"usedDocuments": []any{
			map[string]any{"documentId": "d2", "filename": "notes.txt", "score": 0.4},
			map[string]any{"name": "orphan.md"},
		},
	}

	docs := e.FromMetadata(metadata)

	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}
	if docs[0].ID != "d2" || docs[0].Name != "notes.txt" || docs[0].Similarity != 0.4 {
		t.Errorf("docs[0] = %+v, want id d2, name notes.txt, similarity 0.4", docs[0])
	}
	if docs[1].ID != "orphan.md" || docs[1].Name != "orphan.md" {
		t.Errorf("docs[1] = %+v, want name reused as id", docs[1])
	}
}

func TestFromMetadata_RelevanceScaling(t *testing.T) {
	e := NewExtractor()
	metadata := map[string]any{
		"usedDocuments": []any{
			map[string]any{"id": "a", "relevance": 75},
			map[string]any{"id": "b", "relevance": 250.0},
			map[string]any{"id": "c", "score": 0.4},
		},
	}

	docs := e.FromMetadata(metadata)

	if len(docs) != 3 {
		t.Fatalf("expected 3 documents, got %d", len(docs))
	}
	if docs[0].Similarity != 0.75 {
		t.Errorf("relevance 75 scaled to %v, want 0.75", docs[0].Similarity)
	}
	if docs[1].Similarity != 1 {
		t.Errorf("relevance 250 clamped to %v, want 1", docs[1].Similarity)
	}
	if docs[2].Similarity != 0.4 {
		t.Errorf("score 0.4 became %v, want 0.4", docs[2].Similarity)
	}
}

func TestFromMetadata_DocumentSources(t *testing.T) {
	e := NewExtractor()
	metadata := map[string]any{
		"usedDocuments": []any{
			map[string]any{"id": "u1", "name": "First.pdf"},
		},
		"documentSources": []any{
			map[string]any{"id": "s1", "name": "Second.pdf"},
		},
	}

	docs := e.FromMetadata(metadata)

	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}
	// usedDocuments entries come before documentSources entries.
	if docs[0].ID != "u1" || docs[1].ID != "s1" {
		t.Errorf("order = [%s, %s], want [u1, s1]", docs[0].ID, docs[1].ID)
	}
}

func TestFromMetadata_Empty(t *testing.T) {
	e := NewExtractor()

	if docs := e.FromMetadata(nil); docs != nil {
		t.Errorf("nil metadata: expected nil, got %+v", docs)
	}
	if docs := e.FromMetadata(map[string]any{"model": "aleutian-1"}); docs != nil {
		t.Errorf("no arrays: expected nil, got %+v", docs)
	}
	if docs := e.FromMetadata(map[string]any{"usedDocuments": "not-an-array"}); docs != nil {
		t.Errorf("wrong type: expected nil, got %+v", docs)
	}
}

func TestFromMetadata_SkipsUnusableEntries(t *testing.T) {
	e := NewExtractor()
	metadata := map[string]any{
		"usedDocuments": []any{
			map[string]any{"similarity": 0.9},
			"not-a-map",
			map[string]any{"id": "good", "name": "Good.pdf"},
		},
	}

	docs := e.FromMetadata(metadata)

	if len(docs) != 1 {
		t.Fatalf("expected 1 document, got %d", len(docs))
	}
	if docs[0].ID != "good" {
		t.Errorf("ID = %q, want %q", docs[0].ID, "good")
	}
}

// =============================================================================
// Tool Result Normalization
// =============================================================================

func TestFromToolResult_TopLevel(t *testing.T) {
	e := NewExtractor()
	result := map[string]any{
		"usedDocuments": []any{
			map[string]any{"id": "t1", "name": "Tool.pdf", "similarity": 0.6},
		},
	}

	docs := e.FromToolResult(result)

	if len(docs) != 1 {
		t.Fatalf("expected 1 document, got %d", len(docs))
	}
	if docs[0].ID != "t1" || docs[0].Similarity != 0.6 {
		t.Errorf("docs[0] = %+v, want id t1, similarity 0.6", docs[0])
	}
}

func TestFromToolResult_Nested(t *testing.T) {
	e := NewExtractor()
	result := map[string]any{
		"result": map[string]any{
			"usedDocuments": []any{
				map[string]any{"id": "n1", "name": "Nested.pdf"},
			},
		},
	}

	docs := e.FromToolResult(result)

	if len(docs) != 1 {
		t.Fatalf("expected 1 document, got %d", len(docs))
	}
	if docs[0].ID != "n1" {
		t.Errorf("ID = %q, want %q", docs[0].ID, "n1")
	}
}

func TestFromToolResult_Empty(t *testing.T) {
	e := NewExtractor()

	if docs := e.FromToolResult(nil); docs != nil {
		t.Errorf("nil result: expected nil, got %+v", docs)
	}
	if docs := e.FromToolResult(map[string]any{"ok": true}); docs != nil {
		t.Errorf("no documents: expected nil, got %+v", docs)
	}
}

// =============================================================================
// Score Scaling
// =============================================================================

func TestScaleSimilarity(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"zero", 0, 0},
		{"certainty", 0.5, 0.5},
		{"exact one", 1, 1},
		{"percentage", 80, 0.8},
		{"full percentage", 100, 1},
		{"overflow clamped", 250, 1},
		{"negative clamped", -3, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := scaleSimilarity(tt.in); got != tt.want {
				t.Errorf("scaleSimilarity(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
