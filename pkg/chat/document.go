// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chat

// DocumentRef is one cited source document.
//
// # Description
//
// DocumentRef identifies a retrieved document that contributed to an
// answer. Similarity is normalized to [0, 1] regardless of whether the
// producer reported a certainty, score, or 0-100 relevance.
// ExplicitlyReferenced distinguishes documents the model cited inline
// (via a useDocument marker) from documents reported out of band by the
// retrieval pipeline.
//
// # Fields
//
//   - ID: Required. Stable document identifier, the merge key.
//   - Name: Display name (usually the upload filename).
//   - Similarity: Retrieval similarity in [0, 1].
//   - ContentPreview: Short excerpt for hover previews.
//   - ExplicitlyReferenced: True when cited inline by the model.
type DocumentRef struct {
	ID                   string  `json:"id" validate:"required"`
	Name                 string  `json:"name"`
	Similarity           float64 `json:"similarity" validate:"gte=0,lte=1"`
	ContentPreview       string  `json:"contentPreview,omitempty"`
	ExplicitlyReferenced bool    `json:"explicitlyReferenced"`
}
