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
	"fmt"

	"golang.org/x/sync/singleflight"
)

// DedupRetriever collapses identical concurrent queries into a single
// flight against the wrapped retriever. Results are shared across the
// waiting callers; each caller receives its own copy of the slice.
// Completed flights are not cached: a later identical query runs again.
type DedupRetriever struct {
	inner Retriever
	group singleflight.Group
}

var _ Retriever = (*DedupRetriever)(nil)

// NewDedupRetriever wraps a retriever with query deduplication.
func NewDedupRetriever(inner Retriever) *DedupRetriever {
	return &DedupRetriever{inner: inner}
}

// Query joins an in-flight identical query when one exists, otherwise
// starts one. The first caller's context governs the shared flight.
func (d *DedupRetriever) Query(ctx context.Context, query string, limit int) ([]Chunk, error) {
	key := fmt.Sprintf("%d|%s", limit, query)

	v, err, _ := d.group.Do(key, func() (any, error) {
		return d.inner.Query(ctx, query, limit)
	})
	if err != nil {
		return nil, err
	}

	shared := v.([]Chunk)
	out := make([]Chunk, len(shared))
	copy(out, shared)
	return out, nil
}
