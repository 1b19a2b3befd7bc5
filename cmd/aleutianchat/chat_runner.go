// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package main contains the aleutianchat CLI: the interactive chat
// loop, its input readers, and the commands wired in commands.go.
//
// Architecture:
//
//	cmd_chat.go → ChatRunner interface → StreamingChatRunner
//
// The runner drives a StreamingChatService (pkg/client) for exchanges,
// an InputReader for stdin, a streamFollower to mirror streaming text
// to the terminal, and a MessageView (pkg/ux) for rendering.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
	"github.com/AleutianAI/AleutianChat/pkg/client"
	"github.com/AleutianAI/AleutianChat/pkg/events"
	"github.com/AleutianAI/AleutianChat/pkg/mediagen"
	"github.com/AleutianAI/AleutianChat/pkg/ux"
)

// runnerSource identifies this process on the event bus.
const runnerSource = "chat-cli"

// transcriptWidth is the wrap width for rendered messages.
const transcriptWidth = 100

// generationSettle bounds the wait for a generation's terminal event
// to clear the bus dispatch queue after the provider returns.
const generationSettle = 2 * time.Second

// =============================================================================
// ChatRunner Interface
// =============================================================================

// ChatRunner defines the contract for running interactive chat
// sessions.
//
// # Description
//
// ChatRunner abstracts the chat loop execution. The implementation
// handles user input, service communication, and output rendering.
//
// ChatRunner embeds io.Closer for resource cleanup. Callers MUST call
// Close() when done, typically via defer.
//
// # Examples
//
//	runner := NewStreamingChatRunner(config)
//	defer runner.Close()
//
//	ctx, cancel := context.WithCancel(context.Background())
//	// Set up signal handler to call cancel() on SIGINT/SIGTERM
//
//	if err := runner.Run(ctx); err != nil && err != context.Canceled {
//	    log.Fatal(err)
//	}
//
// # Assumptions
//
//   - Underlying service is properly configured
//   - Caller sets up signal handling for graceful shutdown
type ChatRunner interface {
	// Run executes the interactive chat loop. Exits when:
	//   - User types "exit" or "quit" (returns nil)
	//   - Input is exhausted, io.EOF (returns nil)
	//   - Context is cancelled (returns context.Canceled)
	//   - Fatal error occurs (returns error)
	Run(ctx context.Context) error

	// Close releases all resources held by the runner. Safe to call
	// multiple times. Must be called after Run() returns.
	Close() error
}

// ExchangeObserver receives the outcome of every exchange the runner
// drives. result is nil when the send itself failed. Used to record
// metrics without coupling the runner to the telemetry stack.
type ExchangeObserver func(result *client.ExchangeResult, err error, duration time.Duration)

// =============================================================================
// StreamingChatRunner
// =============================================================================

// RunnerConfig holds everything a StreamingChatRunner needs. Service
// and List are required and must share the same message list; nil
// optional fields get defaults.
type RunnerConfig struct {
	// Service drives exchanges. Required.
	Service client.StreamingChatService

	// List is the conversation state shared with Service. Required.
	List *chat.MessageList

	// Bus carries media generation events. Optional; without it the
	// media commands are disabled.
	Bus *events.Bus

	// Providers maps each media kind to its generator. Optional.
	Providers map[chat.GenerationKind]mediagen.Provider

	// Input defaults to an interactive reader with 50-entry history.
	Input InputReader

	// Out defaults to os.Stdout.
	Out io.Writer

	// Personality defaults to the global ux personality.
	Personality ux.PersonalityLevel

	// OnExchange is called after every exchange attempt. Optional.
	OnExchange ExchangeObserver

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// StreamingChatRunner runs the interactive streaming chat loop.
//
// Thread Safety: Run is single-threaded; Close may be called from
// another goroutine (the signal handler) and is idempotent.
type StreamingChatRunner struct {
	service    client.StreamingChatService
	list       *chat.MessageList
	bus        *events.Bus
	media      map[chat.GenerationKind]mediagen.Provider
	input      InputReader
	out        io.Writer
	view       *ux.MessageView
	level      ux.PersonalityLevel
	onExchange ExchangeObserver
	log        *slog.Logger
	settle     time.Duration

	sessionStart time.Time
	exchanges    int
	tokens       int

	mu     sync.Mutex
	closed bool
}

// NewStreamingChatRunner creates a runner with defaults applied.
func NewStreamingChatRunner(config RunnerConfig) *StreamingChatRunner {
	input := config.Input
	if input == nil {
		input = NewInteractiveInputReader(50) // Keep last 50 prompts in history
	}
	out := config.Out
	if out == nil {
		out = os.Stdout
	}
	level := config.Personality
	if level == "" {
		level = ux.GetPersonality().Level
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}

	return &StreamingChatRunner{
		service:    config.Service,
		list:       config.List,
		bus:        config.Bus,
		media:      config.Providers,
		input:      input,
		out:        out,
		view:       ux.NewMessageView(level, transcriptWidth),
		level:      level,
		onExchange: config.OnExchange,
		log:        log,
		settle:     generationSettle,
	}
}

// Run executes the chat loop until exit, EOF, or cancellation.
func (r *StreamingChatRunner) Run(ctx context.Context) error {
	r.sessionStart = time.Now()
	r.displayHeader()

	// A resumed conversation starts with history worth showing.
	if r.list.Len() > 0 {
		fmt.Fprintln(r.out, r.view.Transcript(r.list.Snapshot()))
		fmt.Fprintln(r.out)
	}

	for {
		// Check for context cancellation before blocking on input
		select {
		case <-ctx.Done():
			return r.handleShutdown(ctx)
		default:
		}

		// Display prompt and read input. If the reader handles prompts
		// (interactive mode), set it; otherwise print manually.
		prompt := r.promptString()
		if p, ok := r.input.(PromptingInputReader); ok {
			p.SetPrompt(prompt)
		} else if prompt != "" {
			fmt.Fprint(r.out, prompt)
		}
		input, err := r.input.ReadLine()
		if err != nil {
			if err == io.EOF {
				// Input exhausted (e.g., piped input ended)
				r.displaySessionEnd()
				return nil
			}
			r.log.Error("failed to read input", "error", err)
			return fmt.Errorf("read input: %w", err)
		}

		// Skip empty input
		if input == "" {
			continue
		}

		// Echo the user's input for interactive readers. Bubbletea
		// clears its rendering area on exit, so restore the visual
		// line.
		if _, isInteractive := r.input.(*InteractiveInputReader); isInteractive {
			fmt.Fprintf(r.out, "%s%s\n", prompt, input)
		}

		// Check for exit command
		if isExitCommand(input) {
			r.displaySessionEnd()
			return nil
		}

		// Slash commands drive media generation locally
		if strings.HasPrefix(input, "/") {
			r.handleCommand(ctx, input)
			continue
		}

		// Process the message
		if err := r.handleMessage(ctx, input); err != nil {
			// Check if error is due to context cancellation
			if ctx.Err() != nil {
				return r.handleShutdown(ctx)
			}
			// Non-fatal error: display and continue
			ux.Error(err.Error())
			continue
		}
	}
}

// AbortInFlight cancels the streaming exchange, if any. Returns true
// when something was aborted. Called from the signal handler on the
// first Ctrl+C so a long answer can be stopped without ending the
// session.
func (r *StreamingChatRunner) AbortInFlight() bool {
	return r.service.Abort()
}

// Close releases the runner's resources.
func (r *StreamingChatRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil // Already closed, idempotent
	}
	r.closed = true
	return r.service.Close()
}

// =============================================================================
// Exchange Handling
// =============================================================================

// handleMessage runs one exchange and renders its outcome.
func (r *StreamingChatRunner) handleMessage(ctx context.Context, message string) error {
	started := time.Now()

	if r.machine() {
		result, err := r.service.SendMessage(ctx, message)
		r.notifyExchange(result, err, time.Since(started))
		if err != nil {
			return err
		}
		r.recordStats(result)
		if result.Kept {
			fmt.Fprintln(r.out, r.view.Message(result.Message))
		}
		r.printOutcomeNotices(result)
		return nil
	}

	// The follower mirrors the assembler's streaming message to the
	// terminal while SendMessage blocks.
	follower := newStreamFollower(r.list, r.out, r.assistantLabel())
	follower.Start()
	result, err := r.service.SendMessage(ctx, message)
	printed, diverged := follower.Stop()

	r.notifyExchange(result, err, time.Since(started))
	if err != nil {
		if printed != "" {
			fmt.Fprintln(r.out)
		}
		return err
	}
	r.recordStats(result)
	r.renderOutcome(result, printed, diverged)
	r.printOutcomeNotices(result)
	fmt.Fprintln(r.out)
	return nil
}

// renderOutcome completes the terminal output for a concluded
// exchange, reusing what the follower already printed when it can.
func (r *StreamingChatRunner) renderOutcome(result *client.ExchangeResult, printed string, diverged bool) {
	if !result.Kept {
		if printed != "" {
			fmt.Fprintln(r.out)
		}
		return
	}

	final := result.Message
	text := final.PrimaryText()

	if printed == "" || diverged || !strings.HasPrefix(text, printed) {
		// Nothing usable on screen: print the whole message.
		if printed != "" {
			fmt.Fprintln(r.out)
			fmt.Fprintln(r.out)
		}
		fmt.Fprintln(r.out, r.view.Message(final))
		return
	}

	// The streamed text stands; append what finalization added.
	if rest := text[len(printed):]; rest != "" {
		fmt.Fprint(r.out, rest)
	}
	fmt.Fprintln(r.out)
	for _, part := range final.Parts {
		if part.Type == chat.PartTypeText {
			continue
		}
		if rendered := r.view.Part(part); rendered != "" {
			fmt.Fprintln(r.out, rendered)
		}
	}
}

// printOutcomeNotices surfaces how the exchange ended when it was
// anything other than a clean finish.
func (r *StreamingChatRunner) printOutcomeNotices(result *client.ExchangeResult) {
	if result.ServerError != "" {
		ux.Warning(fmt.Sprintf("the stream reported an error: %s", result.ServerError))
		return
	}
	if result.Partial && result.Kept {
		ux.Muted("(stopped; the partial answer was kept)")
	} else if result.Partial {
		ux.Muted("(stopped before any answer arrived)")
	}
}

// recordStats accumulates session statistics from one exchange.
func (r *StreamingChatRunner) recordStats(result *client.ExchangeResult) {
	r.exchanges++
	r.tokens += result.TotalTokens
}

// notifyExchange forwards the exchange outcome to the observer.
func (r *StreamingChatRunner) notifyExchange(result *client.ExchangeResult, err error, duration time.Duration) {
	if r.onExchange != nil {
		r.onExchange(result, err, duration)
	}
}

// =============================================================================
// Media Commands
// =============================================================================

// handleCommand dispatches a slash command.
func (r *StreamingChatRunner) handleCommand(ctx context.Context, input string) {
	cmd, rest, _ := strings.Cut(input, " ")
	prompt := strings.TrimSpace(rest)

	switch cmd {
	case "/image":
		r.runMediaCommand(ctx, chat.KindImage, prompt)
	case "/video":
		r.runMediaCommand(ctx, chat.KindVideo, prompt)
	case "/3d":
		r.runMediaCommand(ctx, chat.Kind3D, prompt)
	case "/help":
		r.displayHelp()
	default:
		ux.Error(fmt.Sprintf("unknown command %s", cmd))
		ux.Tip("available commands: /image, /video, /3d, /help")
	}
}

// runMediaCommand drives one generation through the configured
// provider and renders the resulting message.
func (r *StreamingChatRunner) runMediaCommand(ctx context.Context, kind chat.GenerationKind, prompt string) {
	if prompt == "" {
		ux.Error(fmt.Sprintf("usage: /%s <prompt>", kind))
		return
	}
	provider, ok := r.media[kind]
	if !ok || r.bus == nil {
		ux.Warning(fmt.Sprintf("no %s provider is configured", kind))
		return
	}

	// Announce the prompt on the bus; the backend bridge and the
	// metrics observer both listen for these.
	r.bus.Publish(events.UserMediaTopic(kind), &events.UserMediaPayload{Prompt: prompt}, runnerSource)

	parentID := uuid.New().String()
	done, cleanup := r.watchGeneration(kind)

	err := provider.Generate(ctx, mediagen.Request{
		Kind:            kind,
		Prompt:          prompt,
		ParentMessageID: parentID,
		Count:           1,
	})

	// The provider publishes asynchronously; wait for the terminal
	// event to clear dispatch so the tracker has installed the
	// finished parts before rendering.
	select {
	case <-done:
	case <-time.After(r.settle):
	case <-ctx.Done():
	}
	cleanup()

	if err != nil {
		ux.Error(fmt.Sprintf("%s generation failed: %v", kind, err))
	}
	if msg, found := r.list.Get(parentID); found {
		fmt.Fprintln(r.out, r.view.Message(msg))
		fmt.Fprintln(r.out)
	}
}

// watchGeneration subscribes to a generation's lifecycle topics. The
// returned channel signals the terminal event; cleanup unsubscribes
// and clears the progress line.
func (r *StreamingChatRunner) watchGeneration(kind chat.GenerationKind) (<-chan struct{}, func()) {
	done := make(chan struct{}, 1)
	signal := func(events.Event) {
		select {
		case done <- struct{}{}:
		default:
		}
	}
	unsubs := []func(){
		r.bus.Subscribe(events.ResponseTopic(kind), signal),
		r.bus.Subscribe(events.ErrorTopic(kind), signal),
	}

	// The handler runs on the dispatch goroutine; the width is read
	// back on the runner goroutine after cleanup unsubscribes.
	var progressMu sync.Mutex
	var lineWidth int
	if !r.machine() {
		label := fmt.Sprintf("Generating %s", kind)
		unsubs = append(unsubs, r.bus.Subscribe(events.ProgressTopic(kind), func(ev events.Event) {
			payload, ok := ev.Payload.(*events.ProgressPayload)
			if !ok {
				return
			}
			line := fmt.Sprintf("%s %s", label, ux.ProgressBar(payload.Progress, 20))
			progressMu.Lock()
			fmt.Fprintf(r.out, "\r%s", line)
			lineWidth = lipgloss.Width(line)
			progressMu.Unlock()
		}))
	}

	cleanup := func() {
		for _, unsub := range unsubs {
			unsub()
		}
		progressMu.Lock()
		defer progressMu.Unlock()
		if lineWidth > 0 {
			fmt.Fprintf(r.out, "\r%s\r", strings.Repeat(" ", lineWidth))
		}
	}
	return done, cleanup
}

// =============================================================================
// Display Helpers
// =============================================================================

func (r *StreamingChatRunner) machine() bool {
	return r.level == ux.PersonalityMachine
}

func (r *StreamingChatRunner) promptString() string {
	if r.machine() {
		return ""
	}
	return "> "
}

func (r *StreamingChatRunner) assistantLabel() string {
	return ux.Styles.AssistantLabel.Render("Aleutian")
}

func (r *StreamingChatRunner) displayHeader() {
	resumed := r.service.ChatID()
	if r.machine() {
		if resumed != "" {
			fmt.Fprintf(r.out, "RESUMED: %s\n", resumed)
		}
		return
	}
	ux.Title("Aleutian Chat")
	if resumed != "" {
		ux.Muted(fmt.Sprintf("resumed conversation %s", resumed))
	}
	ux.Tip("type a message; /image, /video, /3d generate media; exit to leave")
	fmt.Fprintln(r.out)
}

func (r *StreamingChatRunner) displayHelp() {
	if r.machine() {
		fmt.Fprintln(r.out, "COMMANDS: /image /video /3d /help exit")
		return
	}
	ux.Info("/image <prompt>  generate an image")
	ux.Info("/video <prompt>  generate a video clip")
	ux.Info("/3d <prompt>     generate a 3d model")
	ux.Info("exit             end the session (Ctrl+C stops a streaming answer)")
}

// displaySessionEnd prints the session summary.
func (r *StreamingChatRunner) displaySessionEnd() {
	duration := time.Since(r.sessionStart).Round(time.Second)
	chatID := r.service.ChatID()

	if r.machine() {
		if chatID == "" {
			chatID = "unsaved"
		}
		fmt.Fprintf(r.out, "SESSION: %s exchanges=%d tokens=%d duration=%s\n",
			chatID, r.exchanges, r.tokens, duration)
		return
	}

	fmt.Fprintln(r.out)
	summary := fmt.Sprintf("%d exchanges, %d tokens, %s", r.exchanges, r.tokens, duration)
	if chatID != "" {
		summary += fmt.Sprintf("\nresume with: aleutianchat chat --resume %s", chatID)
	}
	ux.Box("Session ended", summary)
}

// handleShutdown finishes the session after context cancellation.
func (r *StreamingChatRunner) handleShutdown(ctx context.Context) error {
	r.log.Info("graceful shutdown initiated", "chat_id", r.service.ChatID())

	fmt.Fprintln(r.out) // New line after interrupted input
	r.displaySessionEnd()
	return ctx.Err()
}

// isExitCommand checks if the input is an exit command. Comparison is
// case-sensitive; input is expected to be trimmed.
func isExitCommand(input string) bool {
	return input == "exit" || input == "quit"
}

// =============================================================================
// COMPILE-TIME INTERFACE CHECKS
// =============================================================================

var _ ChatRunner = (*StreamingChatRunner)(nil)
