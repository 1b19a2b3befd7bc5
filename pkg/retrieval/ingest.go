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
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/AleutianChat/pkg/validation"
)

var (
	chunkSize    = 1000
	chunkOverlap = chunkSize / 10

	defaultSeparators = []string{"\n\n", "\n", " ", ""}

	markdownSeparators = []string{
		"\n# ", "\n## ", "\n### ", "\n#### ", "\n##### ", "\n###### ",
		"\n\n", "\n", " ", "",
	}

	codeSeparators = []string{
		"\nfunc ", "\nclass ", "\ndef ", "\ntype ", "\ninterface ",
		"\n\n", "\n", " ", "",
	}
)

// Ingestor splits uploaded documents into chunks and stores them in
// the chunk class for later retrieval.
type Ingestor struct {
	client    *weaviate.Client
	className string
	dataSpace string
	log       *slog.Logger
}

// IngestorOptions tunes an Ingestor. Zero values fall back to the
// package defaults.
type IngestorOptions struct {
	ClassName string
	DataSpace string
	Logger    *slog.Logger
}

// NewIngestor creates an ingestor with default options.
func NewIngestor(client *weaviate.Client) (*Ingestor, error) {
	return NewIngestorWithOptions(client, IngestorOptions{})
}

// NewIngestorWithOptions creates an ingestor with custom options.
func NewIngestorWithOptions(client *weaviate.Client, opts IngestorOptions) (*Ingestor, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}

	in := &Ingestor{
		client:    client,
		className: opts.ClassName,
		dataSpace: opts.DataSpace,
		log:       opts.Logger,
	}
	if in.className == "" {
		in.className = ChunkClassName
	}
	if in.dataSpace == "" {
		in.dataSpace = DefaultDataSpace
	}
	space, err := validation.SanitizeDataSpace(in.dataSpace)
	if err != nil {
		return nil, err
	}
	in.dataSpace = space
	if in.log == nil {
		in.log = slog.Default()
	}
	return in, nil
}

// Ingest splits a document and batch-imports its chunks, returning the
// number of chunks stored.
func (in *Ingestor) Ingest(ctx context.Context, source, content string) (int, error) {
	splitter := splitterFor(source)

	chunks, err := splitter.SplitText(content)
	if err != nil {
		return 0, fmt.Errorf("split content: %w", err)
	}
	if len(chunks) == 0 {
		in.log.Warn("no chunks produced after splitting", "source", source)
		return 0, nil
	}

	objects := buildObjects(in.className, source, in.dataSpace, chunks)

	resp, err := in.client.Batch().ObjectsBatcher().
		WithObjects(objects...).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("batch import: %w", err)
	}

	created := 0
	for _, item := range resp {
		if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
			created++
			continue
		}
		if item.Result != nil && item.Result.Errors != nil {
			for _, errItem := range item.Result.Errors.Error {
				in.log.Warn("chunk import rejected",
					"source", source,
					"error", errItem.Message)
			}
		}
	}

	in.log.Info("ingested document",
		"source", source,
		"chunks", created)
	return created, nil
}

// splitterFor picks chunking separators by file extension so headings
// and declarations stay at chunk boundaries.
func splitterFor(filename string) textsplitter.TextSplitter {
	var separators []string
	switch filepath.Ext(filename) {
	case ".md", ".markdown":
		separators = markdownSeparators
	case ".go", ".py", ".js", ".ts", ".java", ".c", ".cpp", ".rs":
		separators = codeSeparators
	default:
		separators = defaultSeparators
	}

	return textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(chunkSize),
		textsplitter.WithChunkOverlap(chunkOverlap),
		textsplitter.WithSeparators(separators),
	)
}

// buildObjects assembles the batch payload for a split document.
func buildObjects(className, source, dataSpace string, chunks []string) []*models.Object {
	now := time.Now().UnixMilli()

	objects := make([]*models.Object, len(chunks))
	for i, chunk := range chunks {
		objects[i] = &models.Object{
			Class: className,
			ID:    chunkID(chunk),
			Properties: map[string]interface{}{
				"content":       chunk,
				"source":        fmt.Sprintf("%s_part_%d", source, i+1),
				"parent_source": source,
				"data_space":    dataSpace,
				"ingested_at":   now,
			},
		}
	}
	return objects
}

// chunkID derives the object id from the chunk content hash, so
// re-ingesting an unchanged chunk is an idempotent upsert.
func chunkID(chunk string) strfmt.UUID {
	hash := sha256.Sum256([]byte(chunk))
	id, _ := uuid.FromBytes(hash[:16])
	return strfmt.UUID(id.String())
}
