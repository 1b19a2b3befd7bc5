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
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
)

// sequentialIDs returns a generator yielding sim-1, sim-2, ...
func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("sim-%d", n)
	}
}

func newSimulated(t *testing.T, kind chat.GenerationKind, opts SimulatedOptions) (*SimulatedProvider, *eventLog) {
	t.Helper()
	bus := newTestBus(t)
	log := collect(t, bus, kind)
	if opts.StepDelay == 0 {
		opts.StepDelay = time.Millisecond
	}
	if opts.NewID == nil {
		opts.NewID = sequentialIDs()
	}
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSimulatedProvider(bus, kind, opts), log
}

func TestSimulatedProvider_ImageLifecycle(t *testing.T) {
	provider, log := newSimulated(t, chat.KindImage, SimulatedOptions{Steps: 3})

	err := provider.Generate(context.Background(), Request{
		Kind:   chat.KindImage,
		Prompt: "two lighthouses",
		Count:  2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitUntil(t, time.Second, func() bool { return len(log.responses()) == 1 }, "response event")

	placeholders := log.placeholders()
	if len(placeholders) != 1 {
		t.Fatalf("expected 1 placeholder event, got %d", len(placeholders))
	}
	if got := placeholders[0].IDs; len(got) != 2 || got[0] != "sim-1" || got[1] != "sim-2" {
		t.Errorf("unexpected task ids: %v", got)
	}

	// 3 steps across 2 tasks, evenly spaced at quarters.
	progresses := log.progresses()
	if len(progresses) != 6 {
		t.Fatalf("expected 6 progress events, got %d", len(progresses))
	}
	wantPcts := []int{25, 25, 50, 50, 75, 75}
	for i, p := range progresses {
		if p.Progress != wantPcts[i] {
			t.Errorf("progress[%d]: expected %d, got %d", i, wantPcts[i], p.Progress)
		}
	}

	resp := log.responses()[0]
	if !resp.IsComplete {
		t.Error("expected a complete response")
	}
	wantURLs := []string{
		DefaultSimulatedBaseURL + "/sim-1.png",
		DefaultSimulatedBaseURL + "/sim-2.png",
	}
	if len(resp.URLs) != 2 || resp.URLs[0] != wantURLs[0] || resp.URLs[1] != wantURLs[1] {
		t.Errorf("unexpected urls: %v", resp.URLs)
	}
	if len(log.failures()) != 0 {
		t.Errorf("expected no error events, got %d", len(log.failures()))
	}
}

func TestSimulatedProvider_VideoIsSingleTask(t *testing.T) {
	provider, log := newSimulated(t, chat.KindVideo, SimulatedOptions{Steps: 2})

	err := provider.Generate(context.Background(), Request{
		Kind:   chat.KindVideo,
		Prompt: "waves at night",
		Count:  3,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitUntil(t, time.Second, func() bool { return len(log.responses()) == 1 }, "response event")

	if got := log.placeholders()[0].IDs; len(got) != 1 {
		t.Fatalf("video runs are one task, got ids %v", got)
	}
	resp := log.responses()[0]
	if resp.URL != DefaultSimulatedBaseURL+"/sim-1.mp4" {
		t.Errorf("unexpected video url: %q", resp.URL)
	}
	if len(resp.RenderURLs) != 1 || !strings.HasSuffix(resp.RenderURLs[0], "-preview.mp4") {
		t.Errorf("expected one preview render, got %v", resp.RenderURLs)
	}
}

func TestSimulatedProvider_3DAssets(t *testing.T) {
	provider, log := newSimulated(t, chat.Kind3D, SimulatedOptions{Steps: 2})

	err := provider.Generate(context.Background(), Request{
		Kind:   chat.Kind3D,
		Prompt: "a chess knight",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitUntil(t, time.Second, func() bool { return len(log.responses()) == 1 }, "response event")

	resp := log.responses()[0]
	if resp.ModelURL != DefaultSimulatedBaseURL+"/sim-1.glb" {
		t.Errorf("unexpected model url: %q", resp.ModelURL)
	}
	if resp.PointCloudURL != DefaultSimulatedBaseURL+"/sim-1.ply" {
		t.Errorf("unexpected point cloud url: %q", resp.PointCloudURL)
	}
	if len(resp.RenderURLs) != 1 || !strings.HasSuffix(resp.RenderURLs[0], "-turntable.mp4") {
		t.Errorf("expected one turntable render, got %v", resp.RenderURLs)
	}
}

func TestSimulatedProvider_FailWith(t *testing.T) {
	provider, log := newSimulated(t, chat.KindImage, SimulatedOptions{
		Steps:    1,
		FailWith: "render farm offline",
	})

	err := provider.Generate(context.Background(), Request{
		Kind:   chat.KindImage,
		Prompt: "anything",
		Count:  2,
	})
	if err == nil || !strings.Contains(err.Error(), "render farm offline") {
		t.Fatalf("expected the scripted failure, got %v", err)
	}

	waitUntil(t, time.Second, func() bool { return len(log.failures()) == 2 }, "error events")
	for _, f := range log.failures() {
		if f.Message != "render farm offline" {
			t.Errorf("unexpected failure message: %q", f.Message)
		}
	}
	if len(log.responses()) != 0 {
		t.Error("no response event expected on failure")
	}
}

func TestSimulatedProvider_CancellationFailsAllTasks(t *testing.T) {
	provider, log := newSimulated(t, chat.KindImage, SimulatedOptions{
		Steps:     10,
		StepDelay: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := provider.Generate(ctx, Request{
		Kind:   chat.KindImage,
		Prompt: "anything",
		Count:  2,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	waitUntil(t, time.Second, func() bool { return len(log.failures()) == 2 }, "terminal events for all tasks")
	for _, f := range log.failures() {
		if f.Message != "generation cancelled" {
			t.Errorf("unexpected failure message: %q", f.Message)
		}
	}
}

func TestSimulatedProvider_KeepsCallerParent(t *testing.T) {
	provider, log := newSimulated(t, chat.KindImage, SimulatedOptions{Steps: 1})

	err := provider.Generate(context.Background(), Request{
		Kind:            chat.KindImage,
		Prompt:          "anything",
		ParentMessageID: "msg-42",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitUntil(t, time.Second, func() bool { return len(log.responses()) == 1 }, "response event")
	if got := log.placeholders()[0].ParentMessageID; got != "msg-42" {
		t.Errorf("expected the caller's parent id, got %q", got)
	}
	if got := log.responses()[0].ParentMessageID; got != "msg-42" {
		t.Errorf("expected the caller's parent id on the response, got %q", got)
	}
}

func TestSimulatedProvider_RejectsMismatchedKind(t *testing.T) {
	provider, _ := newSimulated(t, chat.KindVideo, SimulatedOptions{})

	err := provider.Generate(context.Background(), Request{Kind: chat.KindImage, Prompt: "x"})
	if !errors.Is(err, ErrUnsupportedKind) {
		t.Errorf("expected ErrUnsupportedKind, got %v", err)
	}
}
