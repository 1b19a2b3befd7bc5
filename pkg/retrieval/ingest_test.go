// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/textsplitter"
)

func TestSplitterFor_SelectsSeparatorsByExtension(t *testing.T) {
	tests := []struct {
		filename       string
		firstSeparator string
	}{
		{"notes.md", "\n# "},
		{"README.markdown", "\n# "},
		{"main.go", "\nfunc "},
		{"script.py", "\nfunc "},
		{"report.txt", "\n\n"},
		{"no-extension", "\n\n"},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			sp, ok := splitterFor(tt.filename).(textsplitter.RecursiveCharacter)
			require.True(t, ok)
			require.NotEmpty(t, sp.Separators)
			assert.Equal(t, tt.firstSeparator, sp.Separators[0])
		})
	}
}

func TestSplitterFor_ChunkSizing(t *testing.T) {
	sp, ok := splitterFor("report.txt").(textsplitter.RecursiveCharacter)
	require.True(t, ok)

	assert.Equal(t, 1000, sp.ChunkSize)
	assert.Equal(t, 100, sp.ChunkOverlap)
}

func TestBuildObjects(t *testing.T) {
	chunks := []string{"alpha chunk", "beta chunk"}

	objects := buildObjects(ChunkClassName, "plan.md", "travel", chunks)

	require.Len(t, objects, 2)
	assert.Equal(t, ChunkClassName, objects[0].Class)

	props, ok := objects[0].Properties.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "alpha chunk", props["content"])
	assert.Equal(t, "plan.md_part_1", props["source"])
	assert.Equal(t, "plan.md", props["parent_source"])
	assert.Equal(t, "travel", props["data_space"])
	assert.Positive(t, props["ingested_at"].(int64))

	second, ok := objects[1].Properties.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "plan.md_part_2", second["source"])
}

func TestBuildObjects_IDsAreDeterministic(t *testing.T) {
	chunks := []string{"alpha chunk", "beta chunk"}

	first := buildObjects(ChunkClassName, "plan.md", "travel", chunks)
	second := buildObjects(ChunkClassName, "other.md", "travel", chunks)

	assert.Equal(t, first[0].ID, second[0].ID, "ids derive from content alone")
	assert.NotEqual(t, first[0].ID, first[1].ID)
}

func TestChunkID_IsValidUUID(t *testing.T) {
	id := chunkID("some chunk content")

	parsed, err := uuid.Parse(string(id))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, parsed)

	assert.Equal(t, id, chunkID("some chunk content"))
	assert.NotEqual(t, id, chunkID("different content"))
}

func TestNewIngestor_RequiresClient(t *testing.T) {
	_, err := NewIngestor(nil)
	assert.Error(t, err)
}

func TestNewIngestor_RejectsMalformedDataSpace(t *testing.T) {
	client, err := NewClient("http://localhost:8080")
	require.NoError(t, err)

	_, err = NewIngestorWithOptions(client, IngestorOptions{DataSpace: `travel"} { Get }`})
	assert.Error(t, err, "a data space that would escape a graphql filter must be rejected")

	in, err := NewIngestorWithOptions(client, IngestorOptions{DataSpace: " Travel "})
	require.NoError(t, err)
	assert.Equal(t, "travel", in.dataSpace, "data space is lowercased and trimmed")
}
