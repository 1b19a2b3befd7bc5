// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient abstracts the HTTP operations the chat service performs.
//
// # Description
//
// Production code wraps net/http; tests substitute a mock that serves
// canned responses. Implementations must be safe for concurrent use and
// must honor cancellation of the request context, including unblocking
// in-progress response body reads.
//
// # Examples
//
//	client := newDefaultHTTPClient(5 * time.Minute)
//	resp, err := client.Get(ctx, "http://localhost:8080/v1/health")
//
// # Assumptions
//
//   - Callers close the response body on success.
type HTTPClient interface {
	// Post sends a POST request with the given content type and body.
	Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error)

	// PostWithHeaders sends a POST request with additional headers.
	PostWithHeaders(ctx context.Context, url, contentType string, body io.Reader, headers map[string]string) (*http.Response, error)

	// Get sends a GET request.
	Get(ctx context.Context, url string) (*http.Response, error)
}

// defaultHTTPClient implements HTTPClient over net/http.
type defaultHTTPClient struct {
	client *http.Client
}

// newDefaultHTTPClient wraps a net/http client with the given timeout.
//
// The timeout covers the whole exchange including the streamed body
// read, so it must exceed the longest expected response stream.
func newDefaultHTTPClient(timeout time.Duration) *defaultHTTPClient {
	return &defaultHTTPClient{
		client: &http.Client{Timeout: timeout},
	}
}

// NewHTTPClient adapts a caller-supplied net/http client, keeping its
// transport and timeout. Use this to hand the service an instrumented
// client. A nil argument falls back to http.DefaultClient.
func NewHTTPClient(client *http.Client) HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &defaultHTTPClient{client: client}
}

// Post implements HTTPClient.Post.
func (c *defaultHTTPClient) Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	return c.PostWithHeaders(ctx, url, contentType, body, nil)
}

// PostWithHeaders implements HTTPClient.PostWithHeaders.
func (c *defaultHTTPClient) PostWithHeaders(ctx context.Context, url, contentType string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	return c.client.Do(req)
}

// Get implements HTTPClient.Get.
func (c *defaultHTTPClient) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return c.client.Do(req)
}

// =============================================================================
// COMPILE-TIME INTERFACE CHECKS
// =============================================================================

var _ HTTPClient = (*defaultHTTPClient)(nil)
