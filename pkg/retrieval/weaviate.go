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
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/AleutianChat/pkg/validation"
)

const (
	// DefaultMaxResults is the query limit when the caller passes none.
	DefaultMaxResults = 10

	// DefaultMinCertainty is the semantic certainty floor for matches.
	DefaultMinCertainty = 0.6

	// DefaultDataSpace segments chunks when no explicit space is set.
	DefaultDataSpace = "default"
)

// NewClient builds a Weaviate client from a plain URL, defaulting to
// http when the URL carries no scheme.
func NewClient(rawURL string) (*weaviate.Client, error) {
	if rawURL == "" {
		return nil, errors.New("weaviate url must not be empty")
	}

	cfg := weaviate.Config{
		Host:   rawURL,
		Scheme: "http",
	}
	if strings.HasPrefix(rawURL, "https://") {
		cfg.Scheme = "https"
		cfg.Host = strings.TrimPrefix(rawURL, "https://")
	} else if strings.HasPrefix(rawURL, "http://") {
		cfg.Host = strings.TrimPrefix(rawURL, "http://")
	}

	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return client, nil
}

// WeaviateRetriever answers context queries with nearText semantic
// search against the chunk class.
type WeaviateRetriever struct {
	client       *weaviate.Client
	className    string
	dataSpace    string
	minCertainty float64
	maxResults   int
	log          *slog.Logger
}

var _ Retriever = (*WeaviateRetriever)(nil)

// RetrieverOptions tunes a WeaviateRetriever. Zero values fall back to
// the package defaults; MinCertainty below zero disables the floor.
type RetrieverOptions struct {
	ClassName    string
	DataSpace    string
	MinCertainty float64
	MaxResults   int
	Logger       *slog.Logger
}

// NewWeaviateRetriever creates a retriever with default options.
func NewWeaviateRetriever(client *weaviate.Client) (*WeaviateRetriever, error) {
	return NewWeaviateRetrieverWithOptions(client, RetrieverOptions{})
}

// NewWeaviateRetrieverWithOptions creates a retriever with custom
// options.
func NewWeaviateRetrieverWithOptions(client *weaviate.Client, opts RetrieverOptions) (*WeaviateRetriever, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}

	r := &WeaviateRetriever{
		client:       client,
		className:    opts.ClassName,
		dataSpace:    opts.DataSpace,
		minCertainty: opts.MinCertainty,
		maxResults:   opts.MaxResults,
		log:          opts.Logger,
	}
	if r.className == "" {
		r.className = ChunkClassName
	}
	if r.dataSpace == "" {
		r.dataSpace = DefaultDataSpace
	}
	space, err := validation.SanitizeDataSpace(r.dataSpace)
	if err != nil {
		return nil, err
	}
	r.dataSpace = space
	if r.minCertainty == 0 {
		r.minCertainty = DefaultMinCertainty
	}
	if r.maxResults <= 0 {
		r.maxResults = DefaultMaxResults
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r, nil
}

// Query performs a nearText search scoped to the retriever's data
// space and returns chunks ordered by similarity.
func (r *WeaviateRetriever) Query(ctx context.Context, query string, limit int) ([]Chunk, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if limit <= 0 {
		limit = r.maxResults
	}

	nearText := r.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query})
	if r.minCertainty > 0 {
		nearText = nearText.WithCertainty(float32(r.minCertainty))
	}

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "source"},
		{Name: "parent_source"},
		{Name: "_additional { id certainty }"},
	}

	builder := r.client.GraphQL().Get().
		WithClassName(r.className).
		WithFields(fields...).
		WithNearText(nearText).
		WithLimit(limit)

	if r.dataSpace != "" {
		builder = builder.WithWhere(filters.Where().
			WithPath([]string{"data_space"}).
			WithOperator(filters.Equal).
			WithValueString(r.dataSpace))
	}

	result, err := builder.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("search error: %s", result.Errors[0].Message)
	}

	chunks := parseChunks(result, r.className)
	r.log.Debug("retrieved context chunks",
		"query", query,
		"count", len(chunks))
	return chunks, nil
}

// parseChunks unpacks a GraphQL Get response into chunks sorted by
// similarity, skipping malformed objects.
func parseChunks(result *models.GraphQLResponse, className string) []Chunk {
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := data[className].([]interface{})
	if !ok {
		return nil
	}

	chunks := make([]Chunk, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}

		chunk := Chunk{
			Content: getString(m, "content"),
			Source:  getString(m, "parent_source"),
		}
		if chunk.Source == "" {
			chunk.Source = getString(m, "source")
		}
		if additional, ok := m["_additional"].(map[string]interface{}); ok {
			chunk.DocumentID = getString(additional, "id")
			if certainty, ok := additional["certainty"].(float64); ok {
				chunk.Similarity = certainty
			}
		}

		chunks = append(chunks, chunk)
	}

	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].Similarity > chunks[j].Similarity
	})
	return chunks
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
