// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package client drives complete chat exchanges against the backend.
//
// One exchange is: append the user message and a thinking placeholder,
// optionally fetch retrieval context, POST to the streaming endpoint,
// feed decoded events to the content assembler, and finalize the
// permanent assistant message. The service also owns the watchdogs that
// guarantee the conversation can never stay stuck streaming, and the
// persistence triggers that follow a finished or stopped exchange.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianChat/pkg/assembler"
	"github.com/AleutianAI/AleutianChat/pkg/chat"
	"github.com/AleutianAI/AleutianChat/pkg/gentask"
	"github.com/AleutianAI/AleutianChat/pkg/persist"
	"github.com/AleutianAI/AleutianChat/pkg/retrieval"
	"github.com/AleutianAI/AleutianChat/pkg/stream"
)

// streamEndpoint is the backend path for streaming exchanges.
const streamEndpoint = "/v1/chat/stream"

// ErrorBubbleText is the visible body of the synthetic assistant
// message appended when an exchange fails.
const ErrorBubbleText = "Something went wrong while answering. Please try again."

// Defaults applied by the constructors.
const (
	// DefaultHTTPTimeout bounds the whole HTTP exchange including the
	// streamed body read.
	DefaultHTTPTimeout = 5 * time.Minute

	// DefaultExchangeTimeout force-aborts an exchange that produced no
	// terminal event in time.
	DefaultExchangeTimeout = 60 * time.Second

	// DefaultResetTimeout is the last-resort deadline after which stuck
	// streaming state is cleared unconditionally.
	DefaultResetTimeout = 90 * time.Second

	// DefaultRetrievalTimeout bounds the context document query.
	DefaultRetrievalTimeout = 5 * time.Second

	// DefaultContextDocuments caps how many retrieved chunks ride along
	// with the outgoing request.
	DefaultContextDocuments = 4
)

var (
	// ErrEmptyMessage is returned when the outgoing message is blank.
	ErrEmptyMessage = errors.New("client: empty message")

	// ErrExchangeActive is returned when a send overlaps an exchange
	// that has not concluded yet.
	ErrExchangeActive = errors.New("client: exchange already in flight")

	// ErrClosed is returned when the service has been closed.
	ErrClosed = errors.New("client: service closed")
)

// =============================================================================
// INTERFACES
// =============================================================================

// StreamingChatService runs streaming chat exchanges against the
// backend and maintains the shared conversation state around them.
//
// # Description
//
// SendMessage performs one full exchange and blocks until it concludes.
// Abort cancels the in-flight exchange from any goroutine; the exchange
// then finalizes whatever partial answer had accumulated instead of
// failing. At most one exchange runs at a time.
//
// # Examples
//
//	service := NewService(ServiceConfig{BaseURL: "http://localhost:8080", List: list})
//	result, err := service.SendMessage(ctx, "Draw me a lighthouse")
//	if err != nil {
//	    return fmt.Errorf("exchange failed: %w", err)
//	}
//	fmt.Println(result.Message.PrimaryText())
//
// # Limitations
//
//   - Concurrent SendMessage calls are rejected, not queued.
//
// # Assumptions
//
//   - The caller owns the message list used for rendering.
type StreamingChatService interface {
	// SendMessage runs one exchange and returns its outcome. The error
	// is non-nil only for rejected sends and transport failures; an
	// aborted or timed-out exchange concludes cleanly with a partial
	// result.
	SendMessage(ctx context.Context, message string) (*ExchangeResult, error)

	// Abort cancels the in-flight exchange. Returns false when nothing
	// was in flight.
	Abort() bool

	// Streaming reports whether an exchange is in flight.
	Streaming() bool

	// ChatID returns the persisted conversation id, empty before the
	// first successful create.
	ChatID() string

	// Close aborts any in-flight exchange, stops the task tracker, and
	// flushes pending persistence work.
	Close() error
}

// =============================================================================
// CONFIGURATION STRUCTS
// =============================================================================

// ServiceConfig configures a streaming chat service.
//
// # Description
//
// Only BaseURL is required. Nil collaborators disable their concern:
// no Coordinator means no persistence, no Tracker means generation
// events are not mirrored into the list, no Retriever means requests
// carry no context documents.
//
// # Fields
//
//   - BaseURL: Backend base URL, e.g. "http://localhost:8080".
//   - List: Shared conversation state. A fresh list is created when nil.
//   - Assembler: Content assembler bound to List. Defaults to one with
//     default options.
//   - Coordinator: Persistence coordinator, may be nil.
//   - Tracker: Generation task tracker, may be nil. Started by the
//     constructor and stopped by Close.
//   - Retriever: Context document source, may be nil.
//   - Parser: Frame parser for the response stream, may be nil for the
//     default wire parser. Inject a decorated parser to observe frames.
//   - DataSpace: Namespace forwarded with requests and retrieval.
//   - ContextDocuments: Max retrieved chunks per request (default 4).
//   - Timeout: HTTP client timeout (default 5 minutes; ignored by
//     NewServiceWithClient).
//   - ExchangeTimeout: Force-abort deadline (default 60 seconds).
//   - ResetTimeout: Last-resort reset deadline (default 90 seconds).
//   - RetrievalTimeout: Context query deadline (default 5 seconds).
//   - Logger: Defaults to slog.Default().
type ServiceConfig struct {
	BaseURL          string
	List             *chat.MessageList
	Assembler        *assembler.Assembler
	Coordinator      *persist.Coordinator
	Tracker          *gentask.Tracker
	Retriever        retrieval.Retriever
	Parser           stream.BlockParser
	DataSpace        string
	ContextDocuments int
	Timeout          time.Duration
	ExchangeTimeout  time.Duration
	ResetTimeout     time.Duration
	RetrievalTimeout time.Duration
	Logger           *slog.Logger
}

// =============================================================================
// IMPLEMENTATION STRUCTS
// =============================================================================

// ExchangeResult is the outcome of one exchange.
//
// Message is the permanent assistant message installed in the list;
// Kept is false when nothing survived (no text arrived before an abort
// or failure). Partial marks a message finalized from an interrupted
// stream. ServerError carries the message of an in-stream error event.
type ExchangeResult struct {
	RequestID   string
	Message     chat.Message
	Kept        bool
	Partial     bool
	ServerError string
	TotalEvents int
	TotalTokens int
	Duration    time.Duration
}

// chatRequest is the JSON body of one streaming exchange.
type chatRequest struct {
	ID               string             `json:"id"`
	CreatedAt        int64              `json:"createdAt"`
	ChatID           string             `json:"chatId,omitempty"`
	Message          string             `json:"message"`
	History          []chat.Message     `json:"history,omitempty"`
	ContextDocuments []chat.DocumentRef `json:"contextDocuments,omitempty"`
	DataSpace        string             `json:"dataSpace,omitempty"`
}

// streamOutcome collects what the read loop and the exchange watchdog
// observed. Fields are written before the errgroup returns and read
// only after Wait.
type streamOutcome struct {
	events      int
	tokens      int
	terminal    stream.EventType
	serverError string
	readErr     error
	timedOut    bool
}

// aborted reports whether the loop ended by cancellation rather than
// by stream content.
func (o streamOutcome) aborted() bool {
	if o.timedOut {
		return true
	}
	return errors.Is(o.readErr, context.Canceled) || errors.Is(o.readErr, context.DeadlineExceeded)
}

// chatService is the production StreamingChatService.
type chatService struct {
	client      HTTPClient
	list        *chat.MessageList
	asm         *assembler.Assembler
	coordinator *persist.Coordinator
	tracker     *gentask.Tracker
	retriever   retrieval.Retriever
	parser      stream.BlockParser
	log         *slog.Logger

	baseURL          string
	dataSpace        string
	contextDocuments int
	exchangeTimeout  time.Duration
	resetTimeout     time.Duration
	retrievalTimeout time.Duration

	mu         sync.Mutex
	streaming  bool
	abort      context.CancelFunc
	resetTimer *time.Timer
	closed     bool
}

// =============================================================================
// CONSTRUCTOR FUNCTIONS
// =============================================================================

// NewService creates a streaming chat service with a default HTTP
// client.
//
// # Description
//
// Applies configuration defaults and starts the task tracker when one
// is supplied. The embedded HTTP client uses config.Timeout, which must
// exceed the longest expected response stream.
//
// # Inputs
//
//   - config: Service configuration.
//
// # Outputs
//
//   - *chatService: Ready-to-use service.
func NewService(config ServiceConfig) *chatService {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = DefaultHTTPTimeout
	}
	return NewServiceWithClient(newDefaultHTTPClient(timeout), config)
}

// NewServiceWithClient creates a streaming chat service with an
// injected HTTP client.
//
// # Description
//
// Use this constructor for testing with mock clients. config.Timeout
// is ignored; the injected client owns its own timeout behavior.
//
// # Inputs
//
//   - httpClient: HTTP client implementation (production or mock).
//   - config: Service configuration.
//
// # Outputs
//
//   - *chatService: Ready-to-use service.
func NewServiceWithClient(httpClient HTTPClient, config ServiceConfig) *chatService {
	if config.List == nil {
		config.List = chat.NewMessageList()
	}
	if config.Assembler == nil {
		config.Assembler = assembler.NewAssembler(config.List)
	}
	if config.ContextDocuments == 0 {
		config.ContextDocuments = DefaultContextDocuments
	}
	if config.ExchangeTimeout == 0 {
		config.ExchangeTimeout = DefaultExchangeTimeout
	}
	if config.ResetTimeout == 0 {
		config.ResetTimeout = DefaultResetTimeout
	}
	if config.RetrievalTimeout == 0 {
		config.RetrievalTimeout = DefaultRetrievalTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	svc := &chatService{
		client:           httpClient,
		list:             config.List,
		asm:              config.Assembler,
		coordinator:      config.Coordinator,
		tracker:          config.Tracker,
		retriever:        config.Retriever,
		parser:           config.Parser,
		log:              config.Logger,
		baseURL:          strings.TrimSuffix(config.BaseURL, "/"),
		dataSpace:        config.DataSpace,
		contextDocuments: config.ContextDocuments,
		exchangeTimeout:  config.ExchangeTimeout,
		resetTimeout:     config.ResetTimeout,
		retrievalTimeout: config.RetrievalTimeout,
	}

	if svc.tracker != nil {
		svc.tracker.Start()
	}
	return svc
}

// NewMediaSaver adapts the persistence coordinator to the tracker's
// Saver contract: a completed generation schedules a media-triggered
// save of the current conversation.
func NewMediaSaver(list *chat.MessageList, coordinator *persist.Coordinator) gentask.SaverFunc {
	return func(kind chat.GenerationKind) {
		coordinator.RequestSave(coordinator.ChatID(), historyOf(list.Snapshot()), persist.MediaTrigger(kind))
	}
}

// =============================================================================
// CHAT SERVICE METHODS
// =============================================================================

// SendMessage runs one full exchange.
//
// # Description
//
// Appends the user message and the thinking placeholder, fetches
// retrieval context, POSTs to the streaming endpoint, and assembles the
// decoded events into the streaming message. A done event commits the
// permanent assistant message and schedules persistence. Cancellation
// and the exchange deadline conclude cleanly with a partial result. A
// transport failure resets the streaming state, appends a synthetic
// assistant error bubble, and returns the error.
//
// # Inputs
//
//   - ctx: Context for cancellation; cancelling it acts like Abort.
//   - message: User's input text.
//
// # Outputs
//
//   - *ExchangeResult: Outcome of the exchange, nil on error.
//   - error: ErrEmptyMessage, ErrExchangeActive, ErrClosed, or a
//     transport/stream failure.
func (s *chatService) SendMessage(ctx context.Context, message string) (*ExchangeResult, error) {
	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyMessage
	}

	requestID := uuid.New().String()
	exchangeCtx, err := s.beginExchange(ctx)
	if err != nil {
		return nil, err
	}
	started := time.Now()

	s.log.Debug("sending chat message",
		"request_id", requestID,
		"chat_id", s.ChatID(),
		"message_length", len(message))

	history := s.stageExchange(message)
	docs := s.retrieveContext(exchangeCtx, requestID, message)

	if err := s.asm.Begin(exchangeCtx); err != nil {
		s.failExchange(requestID, err)
		return nil, fmt.Errorf("begin exchange: %w", err)
	}

	resp, err := s.postRequest(exchangeCtx, requestID, s.buildRequest(requestID, message, history, docs))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Aborted before the stream opened.
			return s.concludePartial(requestID, newExchangeResult(requestID, started, streamOutcome{})), nil
		}
		s.failExchange(requestID, err)
		return nil, err
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			s.log.Error("failed to close response body", "request_id", requestID, "error", err)
		}
	}(resp.Body)

	if err := s.validateResponse(requestID, resp); err != nil {
		s.failExchange(requestID, err)
		return nil, err
	}

	outcome := s.processStream(exchangeCtx, resp.Body)
	result := newExchangeResult(requestID, started, outcome)

	switch {
	case outcome.terminal == stream.EventDone:
		return s.commitExchange(requestID, result)
	case outcome.terminal == stream.EventError:
		return s.concludeServerError(requestID, result, outcome.serverError), nil
	case outcome.aborted():
		return s.concludePartial(requestID, result), nil
	case outcome.readErr != nil:
		s.failExchange(requestID, outcome.readErr)
		return nil, fmt.Errorf("read stream: %w", outcome.readErr)
	default:
		// Stream ended without a terminal event; keep what arrived.
		return s.concludePartial(requestID, result), nil
	}
}

// Abort cancels the in-flight exchange.
//
// The exchange concludes on the SendMessage goroutine: partial text is
// finalized into a permanent message and no error bubble is shown.
func (s *chatService) Abort() bool {
	s.mu.Lock()
	cancel := s.abort
	streaming := s.streaming
	s.mu.Unlock()

	if !streaming || cancel == nil {
		return false
	}
	cancel()
	return true
}

// Streaming reports whether an exchange is in flight.
func (s *chatService) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// ChatID returns the persisted conversation id.
func (s *chatService) ChatID() string {
	if s.coordinator == nil {
		return ""
	}
	return s.coordinator.ChatID()
}

// Close shuts the service down.
//
// Aborts any in-flight exchange, stops the task tracker, and flushes
// pending persistence work. Close is idempotent.
func (s *chatService) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.Abort()
	if s.tracker != nil {
		s.tracker.Stop()
	}
	if s.coordinator != nil {
		s.coordinator.Flush()
	}
	return nil
}

// =============================================================================
// EXCHANGE PIPELINE
// =============================================================================

// beginExchange claims the single exchange slot, installs the abort
// handle, and arms the last-resort reset watchdog.
func (s *chatService) beginExchange(ctx context.Context) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.streaming {
		return nil, ErrExchangeActive
	}

	exchangeCtx, cancel := context.WithCancel(ctx)
	s.streaming = true
	s.abort = cancel
	s.resetTimer = time.AfterFunc(s.resetTimeout, s.forceReset)
	return exchangeCtx, nil
}

// endExchange clears the in-flight bookkeeping: the abort handle, the
// reset watchdog, and the streaming flag. Idempotent.
func (s *chatService) endExchange() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.abort != nil {
		s.abort()
		s.abort = nil
	}
	if s.resetTimer != nil {
		s.resetTimer.Stop()
		s.resetTimer = nil
	}
	s.streaming = false
}

// resetStreamingState is the shared cleanup for the failure, abort,
// and timeout paths: finalize any partial answer, drop leftover
// sentinels, and clear the in-flight bookkeeping.
func (s *chatService) resetStreamingState() (chat.Message, bool) {
	msg, kept := s.asm.Abort()
	if !kept {
		s.list.DropSentinels()
	}
	s.endExchange()
	return msg, kept
}

// forceReset is the last line of defense when the per-exchange cleanup
// never ran. It clears the in-flight bookkeeping and removes any
// sentinel messages so the conversation cannot stay stuck streaming.
func (s *chatService) forceReset() {
	s.mu.Lock()
	if !s.streaming {
		s.mu.Unlock()
		return
	}
	s.log.Warn("streaming state stuck past reset deadline, forcing reset")
	if s.abort != nil {
		s.abort()
		s.abort = nil
	}
	s.resetTimer = nil
	s.streaming = false
	s.mu.Unlock()

	if _, kept := s.asm.Abort(); !kept {
		s.list.DropSentinels()
	}
}

// stageExchange appends the user message and the thinking placeholder
// in one atomic update and returns the conversation history as it
// stood before this turn.
func (s *chatService) stageExchange(message string) []chat.Message {
	history := historyOf(s.list.Snapshot())

	userMsg := chat.NewTextMessage(chat.RoleUser, message)
	thinking := chat.Message{
		ID:        chat.ThinkingMessageID,
		Role:      chat.RoleAssistant,
		CreatedAt: time.Now().UnixMilli(),
	}
	s.list.Update(func(messages []chat.Message) []chat.Message {
		return append(messages, userMsg, thinking)
	})
	return history
}

// retrieveContext queries the retriever for documents related to the
// message. Retrieval is auxiliary: failures degrade to an uncontexted
// request rather than failing the exchange.
func (s *chatService) retrieveContext(ctx context.Context, requestID, message string) []chat.DocumentRef {
	if s.retriever == nil {
		return nil
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.retrievalTimeout)
	defer cancel()

	chunks, err := s.retriever.Query(queryCtx, message, s.contextDocuments)
	if err != nil {
		s.log.Warn("context retrieval failed, sending without documents",
			"request_id", requestID,
			"error", err)
		return nil
	}

	refs := make([]chat.DocumentRef, 0, len(chunks))
	for _, chunk := range chunks {
		refs = append(refs, chunk.Ref())
	}
	return refs
}

// buildRequest assembles the outgoing request body.
func (s *chatService) buildRequest(requestID, message string, history []chat.Message, docs []chat.DocumentRef) chatRequest {
	return chatRequest{
		ID:               requestID,
		CreatedAt:        time.Now().UnixMilli(),
		ChatID:           s.ChatID(),
		Message:          message,
		History:          history,
		ContextDocuments: docs,
		DataSpace:        s.dataSpace,
	}
}

// postRequest marshals the body and POSTs to the streaming endpoint.
func (s *chatService) postRequest(ctx context.Context, requestID string, reqBody chatRequest) (*http.Response, error) {
	targetURL := s.baseURL + streamEndpoint

	postBody, err := json.Marshal(reqBody)
	if err != nil {
		s.log.Error("failed to marshal streaming request",
			"request_id", requestID,
			"error", err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := s.client.PostWithHeaders(ctx, targetURL, "application/json", bytes.NewBuffer(postBody), map[string]string{
		"X-Request-Id": requestID,
	})
	if err != nil {
		s.log.Error("streaming request failed",
			"request_id", requestID,
			"url", targetURL,
			"error", err)
		return nil, fmt.Errorf("http post: %w", err)
	}
	return resp, nil
}

// validateResponse checks the HTTP response status. Reads and logs the
// error body for non-200 responses.
func (s *chatService) validateResponse(requestID string, resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		s.log.Error("chat backend returned error (failed to read body)",
			"request_id", requestID,
			"status_code", resp.StatusCode,
			"read_error", err)
		return fmt.Errorf("server error (%d): failed to read response body", resp.StatusCode)
	}
	s.log.Error("chat backend returned error",
		"request_id", requestID,
		"status_code", resp.StatusCode,
		"response_body", string(bodyBytes))
	return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(bodyBytes))
}

// processStream drains the response stream under an errgroup: one
// goroutine feeds decoded events to the assembler, a second enforces
// the exchange deadline by aborting when no terminal event arrived in
// time.
func (s *chatService) processStream(ctx context.Context, body io.Reader) streamOutcome {
	var outcome streamOutcome
	streamDone := make(chan struct{})

	g, groupCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(streamDone)
		decoder := stream.NewDecoderWithParser(body, s.parser, s.log)
		return decoder.Read(groupCtx, func(event stream.StreamEvent) error {
			outcome.events++
			switch event.Type {
			case stream.EventTextDelta:
				outcome.tokens++
			case stream.EventDone:
				outcome.terminal = event.Type
				return nil
			case stream.EventError:
				outcome.terminal = event.Type
				outcome.serverError = event.Error
				return nil
			}
			return s.asm.OnEvent(event)
		})
	})

	g.Go(func() error {
		timer := time.NewTimer(s.exchangeTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			outcome.timedOut = true
			s.Abort()
			return nil
		case <-streamDone:
			return nil
		case <-groupCtx.Done():
			return nil
		}
	})

	outcome.readErr = g.Wait()
	return outcome
}

// commitExchange finalizes a cleanly terminated exchange and schedules
// persistence.
func (s *chatService) commitExchange(requestID string, result *ExchangeResult) (*ExchangeResult, error) {
	final, err := s.asm.Commit()
	if err != nil {
		s.endExchange()
		s.log.Error("commit failed", "request_id", requestID, "error", err)
		return nil, fmt.Errorf("commit exchange: %w", err)
	}
	s.endExchange()

	result.Message = final
	result.Kept = true
	s.requestSave(persist.TriggerStreamFinished)

	s.log.Debug("exchange committed",
		"request_id", requestID,
		"message_id", final.ID,
		"events", result.TotalEvents,
		"tokens", result.TotalTokens,
		"duration_ms", result.Duration.Milliseconds())
	return result, nil
}

// concludePartial ends an aborted or timed-out exchange: the partial
// answer is finalized when present and no error bubble is shown.
func (s *chatService) concludePartial(requestID string, result *ExchangeResult) *ExchangeResult {
	msg, kept := s.resetStreamingState()
	result.Message = msg
	result.Kept = kept
	result.Partial = true
	if kept {
		s.requestSave(persist.TriggerUserStopped)
	}

	s.log.Debug("exchange concluded with partial answer",
		"request_id", requestID,
		"kept", kept)
	return result
}

// concludeServerError ends an exchange the stream itself reported as
// failed: partial text survives, and the error bubble follows it.
func (s *chatService) concludeServerError(requestID string, result *ExchangeResult, serverError string) *ExchangeResult {
	msg, kept := s.resetStreamingState()
	s.appendErrorBubble()

	result.Message = msg
	result.Kept = kept
	result.Partial = kept
	result.ServerError = serverError

	s.log.Warn("stream reported server error",
		"request_id", requestID,
		"error", serverError)
	return result
}

// failExchange is the transport failure path: reset streaming state
// and surface the synthetic assistant error bubble.
func (s *chatService) failExchange(requestID string, cause error) {
	s.resetStreamingState()
	s.appendErrorBubble()
	s.log.Error("exchange failed",
		"request_id", requestID,
		"error", cause)
}

// appendErrorBubble installs the synthetic assistant failure message.
func (s *chatService) appendErrorBubble() {
	s.list.Upsert(chat.NewTextMessage(chat.RoleAssistant, ErrorBubbleText))
}

// requestSave schedules persistence of the current conversation.
func (s *chatService) requestSave(trigger persist.Trigger) {
	if s.coordinator == nil {
		return
	}
	s.coordinator.RequestSave(s.coordinator.ChatID(), historyOf(s.list.Snapshot()), trigger)
}

// newExchangeResult seeds the result with identity and counters.
func newExchangeResult(requestID string, started time.Time, outcome streamOutcome) *ExchangeResult {
	return &ExchangeResult{
		RequestID:   requestID,
		TotalEvents: outcome.events,
		TotalTokens: outcome.tokens,
		Duration:    time.Since(started),
	}
}

// historyOf strips in-flight sentinels from a snapshot. Request
// history and persisted conversations carry only settled messages.
func historyOf(messages []chat.Message) []chat.Message {
	kept := make([]chat.Message, 0, len(messages))
	for _, m := range messages {
		if !m.IsSentinel() {
			kept = append(kept, m)
		}
	}
	return kept
}

// =============================================================================
// COMPILE-TIME INTERFACE CHECKS
// =============================================================================

var _ StreamingChatService = (*chatService)(nil)
