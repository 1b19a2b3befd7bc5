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
// This file contains the Collector, the merge point for the two
// extraction paths. One answer can cite the same document several
// times: an inline marker on one delta, a metadata array at the end.
// The collector keeps one entry per document id in first-appearance
// order and lets later extractions refresh the scoring fields.
//
// Thread Safety: NOT safe for concurrent use. The content assembler
// serializes all access behind its own lock.
package citations

import (
	"github.com/AleutianAI/AleutianChat/pkg/chat"
)

// Collector merges document references by id across an exchange.
type Collector struct {
	order []string
	byID  map[string]chat.DocumentRef
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{byID: make(map[string]chat.DocumentRef)}
}

// Add merges refs into the collection. A new id is appended; a known id
// keeps its position and takes the newcomer's similarity, name, and
// preview, except that empty or zero values never erase data a previous
// extraction reported. The explicit-reference flag is sticky: once a
// document was cited inline it stays marked even when a later metadata
// entry repeats it without the flag.
func (c *Collector) Add(refs ...chat.DocumentRef) {
	for _, ref := range refs {
		if ref.ID == "" {
			continue
		}

		existing, known := c.byID[ref.ID]
		if !known {
			c.order = append(c.order, ref.ID)
			c.byID[ref.ID] = ref
			continue
		}

		if ref.Similarity > 0 {
			existing.Similarity = ref.Similarity
		}
		if ref.Name != "" {
			existing.Name = ref.Name
		}
		if ref.ContentPreview != "" {
			existing.ContentPreview = ref.ContentPreview
		}
		existing.ExplicitlyReferenced = existing.ExplicitlyReferenced || ref.ExplicitlyReferenced
		c.byID[ref.ID] = existing
	}
}

// Documents returns the merged references in first-appearance order.
// The returned slice is a copy and safe to hand out.
func (c *Collector) Documents() []chat.DocumentRef {
	if len(c.order) == 0 {
		return nil
	}
	docs := make([]chat.DocumentRef, 0, len(c.order))
	for _, id := range c.order {
		docs = append(docs, c.byID[id])
	}
	return docs
}

// Len returns the number of distinct documents collected.
func (c *Collector) Len() int {
	return len(c.order)
}

// Known reports whether a document with the given id was collected.
func (c *Collector) Known(id string) bool {
	_, ok := c.byID[id]
	return ok
}

// Reset clears the collection for a new exchange.
func (c *Collector) Reset() {
	c.order = c.order[:0]
	c.byID = make(map[string]chat.DocumentRef)
}
