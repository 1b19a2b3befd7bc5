// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
	"github.com/AleutianAI/AleutianChat/pkg/client"
	"github.com/AleutianAI/AleutianChat/pkg/events"
	"github.com/AleutianAI/AleutianChat/pkg/gentask"
	"github.com/AleutianAI/AleutianChat/pkg/mediagen"
	"github.com/AleutianAI/AleutianChat/pkg/ux"
)

// =============================================================================
// Mock Implementations
// =============================================================================

// fakeChatService implements client.StreamingChatService for testing.
//
// Allows configuring responses and tracking calls for verification.
type fakeChatService struct {
	mu           sync.Mutex
	sendFunc     func(ctx context.Context, msg string) (*client.ExchangeResult, error)
	chatID       string
	closed       bool
	closeErr     error
	aborted      int
	messagesSent []string
}

func (f *fakeChatService) SendMessage(ctx context.Context, message string) (*client.ExchangeResult, error) {
	f.mu.Lock()
	f.messagesSent = append(f.messagesSent, message)
	f.mu.Unlock()
	if f.sendFunc != nil {
		return f.sendFunc(ctx, message)
	}
	return &client.ExchangeResult{
		RequestID: "req-1",
		Message:   chat.NewTextMessage(chat.RoleAssistant, "Mock response"),
		Kept:      true,
	}, nil
}

func (f *fakeChatService) Abort() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted++
	return true
}

func (f *fakeChatService) Streaming() bool { return false }

func (f *fakeChatService) ChatID() string { return f.chatID }

func (f *fakeChatService) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeErr
}

// fakeProvider records generation requests without publishing events.
type fakeProvider struct {
	mu       sync.Mutex
	kind     chat.GenerationKind
	err      error
	requests []mediagen.Request
}

func (p *fakeProvider) Kind() chat.GenerationKind { return p.kind }

func (p *fakeProvider) Generate(ctx context.Context, req mediagen.Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return p.err
}

func (p *fakeProvider) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newMachineRunner builds a runner with machine personality so output
// is deterministic plain text.
func newMachineRunner(svc client.StreamingChatService, list *chat.MessageList, inputs []string, out *bytes.Buffer) *StreamingChatRunner {
	return NewStreamingChatRunner(RunnerConfig{
		Service:     svc,
		List:        list,
		Input:       NewMockInputReader(inputs),
		Out:         out,
		Personality: ux.PersonalityMachine,
		Logger:      discardLogger(),
	})
}

// =============================================================================
// InputReader Tests
// =============================================================================

func TestStdinReader_ImplementsInterface(t *testing.T) {
	var _ InputReader = &StdinReader{}
}

func TestMockInputReader_ReadLine_ReturnsInputsInOrder(t *testing.T) {
	inputs := []string{"first", "second", "third"}
	reader := NewMockInputReader(inputs)

	for i, expected := range inputs {
		got, err := reader.ReadLine()
		if err != nil {
			t.Fatalf("ReadLine() %d: unexpected error: %v", i, err)
		}
		if got != expected {
			t.Errorf("ReadLine() %d: got %q, want %q", i, got, expected)
		}
	}
}

func TestMockInputReader_ReadLine_ReturnsEOFWhenExhausted(t *testing.T) {
	reader := NewMockInputReader([]string{"only"})

	if _, err := reader.ReadLine(); err != nil {
		t.Fatalf("first ReadLine(): unexpected error: %v", err)
	}
	if _, err := reader.ReadLine(); err != io.EOF {
		t.Errorf("second ReadLine(): got error %v, want io.EOF", err)
	}
}

// =============================================================================
// isExitCommand Tests
// =============================================================================

func TestIsExitCommand(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"exit", true},
		{"quit", true},
		{"EXIT", false}, // Case-sensitive
		{"Exit", false},
		{"hello", false},
		{"", false},
		{"exit please", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := isExitCommand(tt.input); got != tt.want {
				t.Errorf("isExitCommand(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

// =============================================================================
// StreamingChatRunner Tests
// =============================================================================

func TestStreamingChatRunner_Run_ExitCommand(t *testing.T) {
	svc := &fakeChatService{}
	var buf bytes.Buffer
	runner := newMachineRunner(svc, chat.NewMessageList(), []string{"exit"}, &buf)

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}

	// Exit before any message: nothing sent
	if len(svc.messagesSent) != 0 {
		t.Errorf("expected 0 messages sent, got %d", len(svc.messagesSent))
	}
	if !strings.Contains(buf.String(), "SESSION:") {
		t.Errorf("expected session summary, got: %s", buf.String())
	}
}

func TestStreamingChatRunner_Run_QuitCommand(t *testing.T) {
	svc := &fakeChatService{}
	var buf bytes.Buffer
	runner := newMachineRunner(svc, chat.NewMessageList(), []string{"quit"}, &buf)

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
}

func TestStreamingChatRunner_Run_SendsMessageAndRendersAnswer(t *testing.T) {
	svc := &fakeChatService{
		sendFunc: func(ctx context.Context, msg string) (*client.ExchangeResult, error) {
			return &client.ExchangeResult{
				Message:     chat.NewTextMessage(chat.RoleAssistant, "Hello back!"),
				Kept:        true,
				TotalTokens: 3,
			}, nil
		},
	}
	var buf bytes.Buffer
	runner := newMachineRunner(svc, chat.NewMessageList(), []string{"hello", "exit"}, &buf)

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}

	if len(svc.messagesSent) != 1 || svc.messagesSent[0] != "hello" {
		t.Fatalf("messages sent = %v, want [hello]", svc.messagesSent)
	}
	output := buf.String()
	if !strings.Contains(output, "ANSWER: Hello back!") {
		t.Errorf("output missing answer, got: %s", output)
	}
	// The summary accumulates the exchange stats
	if !strings.Contains(output, "exchanges=1 tokens=3") {
		t.Errorf("output missing stats, got: %s", output)
	}
}

func TestStreamingChatRunner_Run_SkipsEmptyInput(t *testing.T) {
	svc := &fakeChatService{}
	var buf bytes.Buffer
	runner := newMachineRunner(svc, chat.NewMessageList(), []string{"", "", "exit"}, &buf)

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if len(svc.messagesSent) != 0 {
		t.Errorf("expected 0 messages sent, got %d", len(svc.messagesSent))
	}
}

func TestStreamingChatRunner_Run_ServiceError_ContinuesLoop(t *testing.T) {
	callCount := 0
	svc := &fakeChatService{
		sendFunc: func(ctx context.Context, msg string) (*client.ExchangeResult, error) {
			callCount++
			if callCount == 1 {
				return nil, errors.New("temporary error")
			}
			return &client.ExchangeResult{
				Message: chat.NewTextMessage(chat.RoleAssistant, "Recovered"),
				Kept:    true,
			}, nil
		},
	}
	var buf bytes.Buffer
	runner := newMachineRunner(svc, chat.NewMessageList(), []string{"first", "second", "exit"}, &buf)

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}

	// Both messages attempted despite the first failing
	if len(svc.messagesSent) != 2 {
		t.Errorf("expected 2 messages sent, got %d", len(svc.messagesSent))
	}
	if !strings.Contains(buf.String(), "ANSWER: Recovered") {
		t.Errorf("second answer missing, got: %s", buf.String())
	}
}

func TestStreamingChatRunner_Run_ContextCancellation(t *testing.T) {
	// A pre-cancelled context returns before reading any input.
	svc := &fakeChatService{}
	var buf bytes.Buffer
	runner := newMachineRunner(svc, chat.NewMessageList(), []string{"msg1", "msg2"}, &buf)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := runner.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if len(svc.messagesSent) != 0 {
		t.Errorf("expected 0 messages sent, got %d", len(svc.messagesSent))
	}
}

func TestStreamingChatRunner_Run_EOFExitsGracefully(t *testing.T) {
	svc := &fakeChatService{}
	// No exit command, just EOF after one message
	var buf bytes.Buffer
	runner := newMachineRunner(svc, chat.NewMessageList(), []string{"hello"}, &buf)

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if len(svc.messagesSent) != 1 {
		t.Errorf("expected 1 message sent, got %d", len(svc.messagesSent))
	}
	if !strings.Contains(buf.String(), "SESSION:") {
		t.Errorf("expected session summary on EOF, got: %s", buf.String())
	}
}

func TestStreamingChatRunner_Run_NotKeptPrintsNoAnswer(t *testing.T) {
	svc := &fakeChatService{
		sendFunc: func(ctx context.Context, msg string) (*client.ExchangeResult, error) {
			return &client.ExchangeResult{Partial: true}, nil
		},
	}
	var buf bytes.Buffer
	runner := newMachineRunner(svc, chat.NewMessageList(), []string{"hello", "exit"}, &buf)

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if strings.Contains(buf.String(), "ANSWER:") {
		t.Errorf("nothing was kept, yet an answer was rendered: %s", buf.String())
	}
}

func TestStreamingChatRunner_Run_ResumedHistoryPrinted(t *testing.T) {
	list := chat.NewMessageList(
		chat.NewTextMessage(chat.RoleUser, "earlier question"),
		chat.NewTextMessage(chat.RoleAssistant, "earlier answer"),
	)
	svc := &fakeChatService{chatID: "chat-42"}
	var buf bytes.Buffer
	runner := newMachineRunner(svc, list, []string{"exit"}, &buf)

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "RESUMED: chat-42") {
		t.Errorf("resumed banner missing, got: %s", output)
	}
	if !strings.Contains(output, "USER: earlier question") ||
		!strings.Contains(output, "ANSWER: earlier answer") {
		t.Errorf("history transcript missing, got: %s", output)
	}
}

func TestStreamingChatRunner_Run_ObserverReceivesOutcome(t *testing.T) {
	svc := &fakeChatService{
		sendFunc: func(ctx context.Context, msg string) (*client.ExchangeResult, error) {
			return &client.ExchangeResult{
				Message:     chat.NewTextMessage(chat.RoleAssistant, "ok"),
				Kept:        true,
				TotalTokens: 7,
			}, nil
		},
	}
	var observed []*client.ExchangeResult
	var buf bytes.Buffer
	runner := NewStreamingChatRunner(RunnerConfig{
		Service:     svc,
		List:        chat.NewMessageList(),
		Input:       NewMockInputReader([]string{"hi", "exit"}),
		Out:         &buf,
		Personality: ux.PersonalityMachine,
		Logger:      discardLogger(),
		OnExchange: func(result *client.ExchangeResult, err error, duration time.Duration) {
			observed = append(observed, result)
		},
	})

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if len(observed) != 1 {
		t.Fatalf("observer called %d times, want 1", len(observed))
	}
	if observed[0] == nil || observed[0].TotalTokens != 7 {
		t.Errorf("observer got %+v, want the exchange result", observed[0])
	}
}

func TestStreamingChatRunner_AbortInFlight_DelegatesToService(t *testing.T) {
	svc := &fakeChatService{}
	var buf bytes.Buffer
	runner := newMachineRunner(svc, chat.NewMessageList(), nil, &buf)

	if !runner.AbortInFlight() {
		t.Error("AbortInFlight() = false, want true")
	}
	if svc.aborted != 1 {
		t.Errorf("service aborted %d times, want 1", svc.aborted)
	}
}

func TestStreamingChatRunner_Close_Idempotent(t *testing.T) {
	svc := &fakeChatService{}
	var buf bytes.Buffer
	runner := newMachineRunner(svc, chat.NewMessageList(), nil, &buf)

	err1 := runner.Close()
	err2 := runner.Close()
	err3 := runner.Close()

	if err1 != nil || err2 != nil || err3 != nil {
		t.Errorf("Close() should succeed multiple times: %v, %v, %v", err1, err2, err3)
	}
	if !svc.closed {
		t.Error("expected service to be closed")
	}
}

// =============================================================================
// Slash Command Tests
// =============================================================================

func TestStreamingChatRunner_HelpCommand(t *testing.T) {
	svc := &fakeChatService{}
	var buf bytes.Buffer
	runner := newMachineRunner(svc, chat.NewMessageList(), []string{"/help", "exit"}, &buf)

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if !strings.Contains(buf.String(), "COMMANDS:") {
		t.Errorf("help output missing, got: %s", buf.String())
	}
	// Slash commands never reach the service
	if len(svc.messagesSent) != 0 {
		t.Errorf("expected 0 messages sent, got %d", len(svc.messagesSent))
	}
}

func TestStreamingChatRunner_MediaCommand_WithoutProviderWarns(t *testing.T) {
	svc := &fakeChatService{}
	var buf bytes.Buffer
	runner := newMachineRunner(svc, chat.NewMessageList(), []string{"/image a cat", "exit"}, &buf)

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if len(svc.messagesSent) != 0 {
		t.Errorf("expected 0 messages sent, got %d", len(svc.messagesSent))
	}
}

func TestStreamingChatRunner_MediaCommand_EmptyPromptSkipsProvider(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	provider := &fakeProvider{kind: chat.KindImage}
	svc := &fakeChatService{}
	var buf bytes.Buffer
	runner := NewStreamingChatRunner(RunnerConfig{
		Service:     svc,
		List:        chat.NewMessageList(),
		Bus:         bus,
		Providers:   map[chat.GenerationKind]mediagen.Provider{chat.KindImage: provider},
		Input:       NewMockInputReader([]string{"/image", "exit"}),
		Out:         &buf,
		Personality: ux.PersonalityMachine,
		Logger:      discardLogger(),
	})

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if provider.requestCount() != 0 {
		t.Errorf("provider called %d times for an empty prompt, want 0", provider.requestCount())
	}
}

func TestStreamingChatRunner_MediaCommand_RendersGeneratedImage(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	list := chat.NewMessageList()
	tracker := gentask.NewTracker(list, bus, gentask.SaverFunc(func(chat.GenerationKind) {}))
	tracker.Start()
	defer tracker.Stop()

	provider := mediagen.NewSimulatedProvider(bus, chat.KindImage, mediagen.SimulatedOptions{
		Steps:     2,
		StepDelay: time.Millisecond,
		Logger:    discardLogger(),
	})

	svc := &fakeChatService{}
	var buf bytes.Buffer
	runner := NewStreamingChatRunner(RunnerConfig{
		Service:     svc,
		List:        list,
		Bus:         bus,
		Providers:   map[chat.GenerationKind]mediagen.Provider{chat.KindImage: provider},
		Input:       NewMockInputReader([]string{"/image a red fox", "exit"}),
		Out:         &buf,
		Personality: ux.PersonalityMachine,
		Logger:      discardLogger(),
	})

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}

	// The tracker installed the finished part in the parent message
	// and the runner rendered it.
	if !strings.Contains(buf.String(), "IMAGE: ") {
		t.Errorf("generated image missing from output, got: %s", buf.String())
	}
	if len(svc.messagesSent) != 0 {
		t.Errorf("media command reached the service: %v", svc.messagesSent)
	}
}

func TestStreamingChatRunner_MediaCommand_ProviderErrorKeepsSession(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	provider := &fakeProvider{kind: chat.KindImage, err: errors.New("quota exceeded")}
	svc := &fakeChatService{}
	var buf bytes.Buffer
	runner := NewStreamingChatRunner(RunnerConfig{
		Service:     svc,
		List:        chat.NewMessageList(),
		Bus:         bus,
		Providers:   map[chat.GenerationKind]mediagen.Provider{chat.KindImage: provider},
		Input:       NewMockInputReader([]string{"/image a cat", "still here", "exit"}),
		Out:         &buf,
		Personality: ux.PersonalityMachine,
		Logger:      discardLogger(),
	})
	// The fake provider publishes nothing, so don't sit out the full
	// settle window waiting for a terminal event.
	runner.settle = 10 * time.Millisecond

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	// The failed generation does not end the loop
	if len(svc.messagesSent) != 1 || svc.messagesSent[0] != "still here" {
		t.Errorf("messages sent = %v, want [still here]", svc.messagesSent)
	}
}
