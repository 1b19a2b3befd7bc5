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

// =============================================================================
// Part Types
// =============================================================================

// PartType tags the variants of ContentPart.
type PartType string

const (
	// PartTypeText is a plain text segment of an assistant answer.
	PartTypeText PartType = "text"

	// PartTypeDocumentReference carries the documents cited by an answer.
	PartTypeDocumentReference PartType = "document_reference"

	// Loading parts are placeholders for in-flight generation tasks.
	// Their ID field holds the generation task id.
	PartTypeLoadingImage   PartType = "loading_image"
	PartTypeLoadingVideo   PartType = "loading_video"
	PartTypeLoading3DModel PartType = "loading_3d_model"

	// Generated parts replace loading parts when a task completes.
	PartTypeGeneratedImage   PartType = "generated_image"
	PartTypeGeneratedVideo   PartType = "generated_video"
	PartTypeGenerated3DModel PartType = "generated_3d_model"

	// PartTypeSourceImages carries user-supplied reference images that
	// seeded a generation.
	PartTypeSourceImages PartType = "source_images"
)

// Valid reports whether the tag is one of the known part types.
func (t PartType) Valid() bool {
	switch t {
	case PartTypeText, PartTypeDocumentReference,
		PartTypeLoadingImage, PartTypeLoadingVideo, PartTypeLoading3DModel,
		PartTypeGeneratedImage, PartTypeGeneratedVideo, PartTypeGenerated3DModel,
		PartTypeSourceImages:
		return true
	}
	return false
}

// =============================================================================
// Generation Kinds
// =============================================================================

// GenerationKind names the media classes produced by generation tasks.
type GenerationKind string

const (
	KindImage GenerationKind = "image"
	KindVideo GenerationKind = "video"
	Kind3D    GenerationKind = "3d"
)

// Valid reports whether the kind is one of the known media classes.
func (k GenerationKind) Valid() bool {
	switch k {
	case KindImage, KindVideo, Kind3D:
		return true
	}
	return false
}

// LoadingPartType returns the loading part tag for the kind.
func (k GenerationKind) LoadingPartType() PartType {
	switch k {
	case KindVideo:
		return PartTypeLoadingVideo
	case Kind3D:
		return PartTypeLoading3DModel
	default:
		return PartTypeLoadingImage
	}
}

// GeneratedPartType returns the finished part tag for the kind.
func (k GenerationKind) GeneratedPartType() PartType {
	switch k {
	case KindVideo:
		return PartTypeGeneratedVideo
	case Kind3D:
		return PartTypeGenerated3DModel
	default:
		return PartTypeGeneratedImage
	}
}

// =============================================================================
// Content Parts
// =============================================================================

// ContentPart is one element of a structured message body.
//
// # Description
//
// ContentPart is a tagged union: Type selects the variant and only the
// fields of that variant are populated. A single struct (rather than an
// interface per variant) keeps the JSON wire shape flat and lets parts
// round-trip through the chat store without custom marshalling.
//
// # Fields
//
//   - Type: Required variant tag.
//   - Text: text variant body.
//   - Documents: document_reference variant payload.
//   - ID, Progress, Status: loading_* variants (ID is the task id,
//     Progress is 0-100, Status is the human-readable ladder step).
//   - URLs: generated_image and source_images payload.
//   - URL: generated_video primary rendition.
//   - RenderURLs: auxiliary renders (video) or turntable renders (3d).
//   - ModelURL, PointCloudURL: generated_3d_model payload.
type ContentPart struct {
	Type PartType `json:"type" validate:"required,parttype"`

	Text string `json:"text,omitempty"`

	Documents []DocumentRef `json:"documents,omitempty"`

	ID       string `json:"id,omitempty"`
	Progress int    `json:"progress,omitempty" validate:"gte=0,lte=100"`
	Status   string `json:"status,omitempty"`

	URLs []string `json:"urls,omitempty"`

	URL        string   `json:"url,omitempty"`
	RenderURLs []string `json:"renderUrls,omitempty"`

	ModelURL      string `json:"modelUrl,omitempty"`
	PointCloudURL string `json:"pointCloudUrl,omitempty"`
}

// NewTextPart builds a text part.
func NewTextPart(text string) ContentPart {
	return ContentPart{Type: PartTypeText, Text: text}
}

// NewDocumentReferencePart builds a citation part.
func NewDocumentReferencePart(docs []DocumentRef) ContentPart {
	return ContentPart{Type: PartTypeDocumentReference, Documents: docs}
}

// NewLoadingPart builds a placeholder part for a generation task.
func NewLoadingPart(kind GenerationKind, taskID string) ContentPart {
	return ContentPart{
		Type:     kind.LoadingPartType(),
		ID:       taskID,
		Progress: 0,
		Status:   "",
	}
}

// NewGeneratedImagePart builds a finished image part.
func NewGeneratedImagePart(urls []string) ContentPart {
	return ContentPart{Type: PartTypeGeneratedImage, URLs: urls}
}

// NewGeneratedVideoPart builds a finished video part.
func NewGeneratedVideoPart(url string, renderURLs []string) ContentPart {
	return ContentPart{Type: PartTypeGeneratedVideo, URL: url, RenderURLs: renderURLs}
}

// NewGenerated3DModelPart builds a finished 3D model part.
func NewGenerated3DModelPart(modelURL string, renderURLs []string, pointCloudURL string) ContentPart {
	return ContentPart{
		Type:          PartTypeGenerated3DModel,
		ModelURL:      modelURL,
		RenderURLs:    renderURLs,
		PointCloudURL: pointCloudURL,
	}
}

// NewSourceImagesPart builds a part carrying user reference images.
func NewSourceImagesPart(urls []string) ContentPart {
	return ContentPart{Type: PartTypeSourceImages, URLs: urls}
}

// IsLoading reports whether the part is a generation placeholder.
func (p ContentPart) IsLoading() bool {
	switch p.Type {
	case PartTypeLoadingImage, PartTypeLoadingVideo, PartTypeLoading3DModel:
		return true
	}
	return false
}

// IsGeneratedMedia reports whether the part is finished media output.
func (p ContentPart) IsGeneratedMedia() bool {
	switch p.Type {
	case PartTypeGeneratedImage, PartTypeGeneratedVideo, PartTypeGenerated3DModel:
		return true
	}
	return false
}

// LoadingKind returns the generation kind of a loading part, or "" for
// any other variant.
func (p ContentPart) LoadingKind() GenerationKind {
	switch p.Type {
	case PartTypeLoadingImage:
		return KindImage
	case PartTypeLoadingVideo:
		return KindVideo
	case PartTypeLoading3DModel:
		return Kind3D
	}
	return ""
}
