// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// roundTripperFunc adapts a function to http.RoundTripper.
type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func TestTransport_RecordsAndPropagates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "stdout" // Need real spans for header injection
	cfg.MetricExporter = "none"

	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer shutdown(context.Background())

	var gotTraceparent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTraceparent = r.Header.Get("traceparent")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	metrics, reader := newTestMetrics(t)
	client := &http.Client{Transport: NewTransport(nil, metrics)}

	req, err := http.NewRequest(http.MethodGet, server.URL+"/v1/health", nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if gotTraceparent == "" {
		t.Error("server did not receive a traceparent header")
	}
	if req.Header.Get("traceparent") != "" {
		t.Error("transport mutated the caller's request headers")
	}
	if got := counterValue(t, reader, "chat_http_requests_total"); got != 1 {
		t.Errorf("http requests = %d, want 1", got)
	}
}

func TestTransport_CountsEachStatus(t *testing.T) {
	statuses := []int{http.StatusOK, http.StatusNotFound, http.StatusServiceUnavailable}
	next := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(statuses[next])
		next++
	}))
	defer server.Close()

	metrics, reader := newTestMetrics(t)
	client := &http.Client{Transport: NewTransport(nil, metrics)}

	for range statuses {
		resp, err := client.Get(server.URL)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		_ = resp.Body.Close()
	}

	if got := counterValue(t, reader, "chat_http_requests_total"); got != 3 {
		t.Errorf("http requests = %d, want 3", got)
	}
	if got := counterValue(t, reader, "chat_http_active_requests"); got != 0 {
		t.Errorf("active requests after completion = %d, want 0", got)
	}
}

func TestTransport_TransportError(t *testing.T) {
	metrics, reader := newTestMetrics(t)

	base := roundTripperFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})
	transport := NewTransport(base, metrics)

	req, err := http.NewRequest(http.MethodPost, "http://localhost:1/v1/chat/stream", nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}

	resp, err := transport.RoundTrip(req)
	if err == nil {
		t.Fatal("RoundTrip() should surface the base error")
	}
	if resp != nil {
		t.Errorf("RoundTrip() resp = %v, want nil", resp)
	}

	// The failed request still counts, with a zero status.
	if got := counterValue(t, reader, "chat_http_requests_total"); got != 1 {
		t.Errorf("http requests = %d, want 1", got)
	}
}

func TestTransport_NilMetrics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := &http.Client{Transport: NewTransport(nil, nil)}

	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}
