// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mediagen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
	"github.com/AleutianAI/AleutianChat/pkg/events"
)

// openaiSecretPath is the container secret consulted when the API key
// is not in the environment.
const openaiSecretPath = "/run/secrets/openai_api_key"

// openaiSource tags events the OpenAI provider publishes.
const openaiSource = "openai-image"

// ErrMissingAPIKey reports that no OpenAI credential could be found.
var ErrMissingAPIKey = errors.New("OPENAI_API_KEY environment variable not set")

// OpenAIImageProvider generates images through the OpenAI image API.
//
// The API is one blocking call per image with no progress callbacks,
// so the provider publishes no authoritative progress events; the
// tracker's synthetic timer animates the wait.
type OpenAIImageProvider struct {
	client imageCreator
	bus    *events.Bus
	model  string
	size   string
	log    *slog.Logger
}

// imageCreator is the slice of the OpenAI client the provider uses.
type imageCreator interface {
	CreateImage(ctx context.Context, request openai.ImageRequest) (openai.ImageResponse, error)
}

// OpenAIImageOptions overrides the environment-driven defaults.
type OpenAIImageOptions struct {
	// APIKey skips the environment and secret lookup when set.
	APIKey string

	// BaseURL redirects the API endpoint, for proxies and tests.
	BaseURL string

	// Model selects the image model (default dall-e-3, env
	// OPENAI_IMAGE_MODEL).
	Model string

	// Size is the requested image size (default 1024x1024).
	Size string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewOpenAIImageProvider builds a provider from the environment.
//
// The key comes from OPENAI_API_KEY, falling back to the container
// secret file, and the model from OPENAI_IMAGE_MODEL.
func NewOpenAIImageProvider(bus *events.Bus) (*OpenAIImageProvider, error) {
	return NewOpenAIImageProviderWithOptions(bus, OpenAIImageOptions{})
}

// NewOpenAIImageProviderWithOptions builds a provider with explicit
// overrides. Unset options fall back to the environment lookup.
func NewOpenAIImageProviderWithOptions(bus *events.Bus, opts OpenAIImageOptions) (*OpenAIImageProvider, error) {
	apiKey := opts.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		keyBytes, err := os.ReadFile(openaiSecretPath)
		if err != nil {
			return nil, ErrMissingAPIKey
		}
		apiKey = strings.TrimSpace(string(keyBytes))
		slog.Info("read the OpenAI API key from the secret file", "path", openaiSecretPath)
	}

	model := opts.Model
	if model == "" {
		model = os.Getenv("OPENAI_IMAGE_MODEL")
	}
	if model == "" {
		model = openai.CreateImageModelDallE3
	}
	size := opts.Size
	if size == "" {
		size = openai.CreateImageSize1024x1024
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	config := openai.DefaultConfig(apiKey)
	if opts.BaseURL != "" {
		config.BaseURL = opts.BaseURL
	}

	opts.Logger.Info("initializing OpenAI image provider", "model", model, "size", size)
	return &OpenAIImageProvider{
		client: openai.NewClientWithConfig(config),
		bus:    bus,
		model:  model,
		size:   size,
		log:    opts.Logger,
	}, nil
}

// Kind implements Provider.
func (p *OpenAIImageProvider) Kind() chat.GenerationKind {
	return chat.KindImage
}

// Generate implements Provider.
//
// Each requested image is its own task and its own API call, so one
// rejected image fails only its placeholder while the rest finish. The
// model's revised prompt, when reported, rides along as the response
// caption.
func (p *OpenAIImageProvider) Generate(ctx context.Context, req Request) error {
	if req.Kind != chat.KindImage {
		return fmt.Errorf("%w: %s", ErrUnsupportedKind, req.Kind)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return ErrEmptyPrompt
	}

	count := req.Count
	if count < 1 {
		count = 1
	}
	if count > MaxImageCount {
		count = MaxImageCount
	}

	parent := parentOrNew(req)
	ids := newTaskIDs(count)
	emit := emitter{bus: p.bus, kind: chat.KindImage, source: openaiSource}
	emit.placeholder(ids, parent, req.Prompt)
	p.log.Debug("image generation started",
		"model", p.model,
		"tasks", len(ids),
		"parent_message_id", parent)

	var (
		doneIDs []string
		urls    []string
		caption string
		lastErr error
	)
	for i, id := range ids {
		resp, err := p.client.CreateImage(ctx, openai.ImageRequest{
			Prompt:         req.Prompt,
			Model:          p.model,
			N:              1,
			Size:           p.size,
			ResponseFormat: openai.CreateImageResponseFormatURL,
		})
		if err != nil {
			lastErr = fmt.Errorf("OpenAI image call failed: %w", err)
			p.log.Error("image generation failed", "task_id", id, "error", err)
			emit.fail(id, parent, lastErr.Error())
			if ctx.Err() != nil {
				// The run is over; the remaining tasks still need
				// their terminal event.
				emit.failAll(ids[i+1:], parent, lastErr.Error())
				return lastErr
			}
			continue
		}
		if len(resp.Data) == 0 || resp.Data[0].URL == "" {
			lastErr = errors.New("OpenAI returned no image")
			emit.fail(id, parent, lastErr.Error())
			continue
		}

		doneIDs = append(doneIDs, id)
		urls = append(urls, resp.Data[0].URL)
		if caption == "" {
			caption = resp.Data[0].RevisedPrompt
		}
	}

	if len(doneIDs) == 0 {
		return lastErr
	}
	emit.response(&events.ResponsePayload{
		IDs:             doneIDs,
		ParentMessageID: parent,
		IsComplete:      true,
		URLs:            urls,
		Caption:         caption,
		SourceURLs:      req.SourceURLs,
	})
	p.log.Info("image generation finished",
		"completed", len(doneIDs),
		"failed", len(ids)-len(doneIDs),
		"parent_message_id", parent)
	return nil
}

// =============================================================================
// COMPILE-TIME INTERFACE CHECKS
// =============================================================================

var _ Provider = (*OpenAIImageProvider)(nil)
