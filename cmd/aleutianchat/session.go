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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianChat/cmd/aleutianchat/config"
	"github.com/AleutianAI/AleutianChat/pkg/assembler"
	"github.com/AleutianAI/AleutianChat/pkg/assets"
	"github.com/AleutianAI/AleutianChat/pkg/chat"
	"github.com/AleutianAI/AleutianChat/pkg/client"
	"github.com/AleutianAI/AleutianChat/pkg/events"
	"github.com/AleutianAI/AleutianChat/pkg/gentask"
	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/pkg/mediagen"
	"github.com/AleutianAI/AleutianChat/pkg/persist"
	"github.com/AleutianAI/AleutianChat/pkg/retrieval"
	"github.com/AleutianAI/AleutianChat/pkg/sanitize"
	"github.com/AleutianAI/AleutianChat/pkg/stream"
	"github.com/AleutianAI/AleutianChat/pkg/telemetry"
)

// mirrorTimeout bounds one asset mirror upload.
const mirrorTimeout = 60 * time.Second

// sessionOptions carries the per-invocation flags that modify how a
// session is assembled on top of the loaded config.
type sessionOptions struct {
	// Ephemeral keeps the chat store in memory. Nothing survives the
	// process.
	Ephemeral bool

	// DataSpace overrides the configured backend data space.
	DataSpace string
}

// chatSession owns every long-lived component of one CLI invocation:
// the message list, the event bus, persistence, the media pipeline,
// telemetry, and the streaming service itself. Commands build one
// session, use the pieces they need, and Close it on the way out.
type chatSession struct {
	cfg       config.ChatConfig
	dataSpace string

	logger *logging.Logger
	slog   *slog.Logger

	bus         *events.Bus
	store       persist.ChatStore
	coordinator *persist.Coordinator
	list        *chat.MessageList
	tracker     *gentask.Tracker
	service     client.StreamingChatService
	providers   map[chat.GenerationKind]mediagen.Provider

	metrics     *telemetry.Metrics
	recorder    telemetry.ExchangeRecorder
	stopObserve func()
	shutdownTel func(context.Context) error
	metricsSrv  *http.Server

	assetStore   *assets.Store
	assetUnsubs  []func()
	mirrorCancel context.CancelFunc
	mirrorWG     sync.WaitGroup

	bridge       *events.WSBridge
	bridgeCancel context.CancelFunc
	bridgeDone   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// newChatSession assembles a session from the loaded config. Components
// come up in dependency order; a failure tears down whatever is already
// running before returning.
func newChatSession(ctx context.Context, cfg config.ChatConfig, opts sessionOptions) (*chatSession, error) {
	s := &chatSession{cfg: cfg}

	s.dataSpace = cfg.Backend.DataSpace
	if opts.DataSpace != "" {
		s.dataSpace = opts.DataSpace
	}

	s.logger = logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "chat-cli",
		JSON:    cfg.Logging.JSON,
	})
	s.slog = s.logger.Slog()
	slog.SetDefault(s.slog)

	if err := s.initTelemetry(ctx); err != nil {
		s.Close()
		return nil, err
	}

	s.bus = events.NewBus()
	if s.metrics != nil {
		s.stopObserve = telemetry.ObserveBus(s.bus, s.metrics)
	}

	if err := s.initStore(opts.Ephemeral || cfg.Storage.Ephemeral); err != nil {
		s.Close()
		return nil, err
	}

	s.coordinator = persist.NewCoordinatorWithOptions(s.store, persist.Options{
		Logger:       s.slog,
		OnSaveDone:   s.onSaveDone,
		OnSaveFailed: s.onSaveFailed,
	})

	s.list = chat.NewMessageList()
	s.tracker = gentask.NewTracker(s.list, s.bus, client.NewMediaSaver(s.list, s.coordinator))
	s.tracker.Start()

	retriever, err := s.buildRetriever()
	if err != nil {
		s.Close()
		return nil, err
	}

	s.service = s.buildService(retriever)

	if err := s.initProviders(); err != nil {
		s.Close()
		return nil, err
	}

	if err := s.initAssets(ctx); err != nil {
		s.Close()
		return nil, err
	}

	s.initBridge()

	s.slog.Info("session ready",
		"data_space", s.dataSpace,
		"ephemeral", opts.Ephemeral || cfg.Storage.Ephemeral,
		"retrieval", cfg.Retrieval.Enabled,
		"telemetry", cfg.Telemetry.Enabled)
	return s, nil
}

// Resume loads a stored chat into the live list and points the save
// coordinator at it, so later saves update the chat instead of creating
// a new one.
func (s *chatSession) Resume(ctx context.Context, chatID string) (persist.ChatRecord, error) {
	record, err := s.store.Load(ctx, chatID)
	if err != nil {
		return persist.ChatRecord{}, fmt.Errorf("load chat %q: %w", chatID, err)
	}
	if err := s.coordinator.AdoptChat(record.ID); err != nil {
		return persist.ChatRecord{}, fmt.Errorf("adopt chat %q: %w", chatID, err)
	}
	resumed := make([]chat.Message, 0, len(record.Messages))
	for _, m := range record.Messages {
		resumed = append(resumed, m.Clone())
	}
	s.list.Update(func(messages []chat.Message) []chat.Message {
		return append(resumed, messages...)
	})
	s.slog.Info("resumed chat", "chat_id", record.ID, "messages", len(record.Messages))
	return record, nil
}

// Close tears the session down in reverse dependency order. Safe to
// call more than once and on a partially constructed session.
func (s *chatSession) Close() error {
	s.closeOnce.Do(func() {
		var errs []error

		if s.service != nil {
			if err := s.service.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close service: %w", err))
			}
		}
		if s.coordinator != nil {
			s.coordinator.Flush()
		}

		if s.bridgeCancel != nil {
			s.bridgeCancel()
			s.bridge.Close()
			select {
			case <-s.bridgeDone:
			case <-time.After(2 * time.Second):
				s.slog.Warn("event bridge did not stop in time")
			}
		}

		if s.mirrorCancel != nil {
			s.mirrorCancel()
			s.mirrorWG.Wait()
		}
		for _, unsub := range s.assetUnsubs {
			unsub()
		}
		if s.assetStore != nil {
			if err := s.assetStore.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close asset store: %w", err))
			}
		}

		if s.stopObserve != nil {
			s.stopObserve()
		}
		if s.recorder != nil {
			s.recorder.Close()
		}
		if s.metricsSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := s.metricsSrv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stop metrics endpoint: %w", err))
			}
			cancel()
		}
		if s.shutdownTel != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.shutdownTel(ctx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
			}
			cancel()
		}

		if s.tracker != nil {
			s.tracker.Stop()
		}
		if s.bus != nil {
			s.bus.Close()
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close store: %w", err))
			}
		}
		if s.logger != nil {
			if err := s.logger.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close logger: %w", err))
			}
		}

		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// =============================================================================
// Component construction
// =============================================================================

func (s *chatSession) initTelemetry(ctx context.Context) error {
	s.recorder = telemetry.NoopRecorder{}
	if !s.cfg.Telemetry.Enabled {
		return nil
	}

	telCfg := telemetry.DefaultConfig()
	telCfg.TraceExporter = s.cfg.Telemetry.TraceExporter
	telCfg.MetricExporter = s.cfg.Telemetry.MetricExporter
	telCfg.OTLPEndpoint = s.cfg.Telemetry.OTLPEndpoint
	telCfg.OTLPInsecure = true
	telCfg.PrometheusPort = s.cfg.Telemetry.PrometheusPort

	shutdown, err := telemetry.Init(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	s.shutdownTel = shutdown

	if telCfg.MetricExporter != "none" {
		metrics, err := telemetry.NewMetrics(otel.Meter("aleutianchat"))
		if err != nil {
			return fmt.Errorf("create metrics: %w", err)
		}
		s.metrics = metrics
	}

	if handler := telemetry.MetricsHandler(); handler != nil && telCfg.PrometheusPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", handler)
		s.metricsSrv = &http.Server{
			Addr:    fmt.Sprintf("localhost:%d", telCfg.PrometheusPort),
			Handler: mux,
		}
		go func() {
			if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.slog.Warn("metrics endpoint stopped", "error", err)
			}
		}()
	}

	if s.cfg.Telemetry.InfluxEnabled {
		s.recorder = telemetry.NewInfluxRecorder(telemetry.DefaultInfluxConfig())
	}
	return nil
}

func (s *chatSession) initStore(ephemeral bool) error {
	if ephemeral {
		s.store = persist.NewMemoryStore()
		return nil
	}
	storeCfg := persist.DefaultStoreConfig(expandPath(s.cfg.Storage.Path))
	storeCfg.Logger = s.slog
	store, err := persist.OpenBadgerStore(storeCfg)
	if err != nil {
		return fmt.Errorf("open chat store at %s: %w", storeCfg.Path, err)
	}
	s.store = store
	return nil
}

func (s *chatSession) buildRetriever() (retrieval.Retriever, error) {
	if !s.cfg.Retrieval.Enabled {
		return nil, nil
	}
	wvClient, err := retrieval.NewClient(s.cfg.Retrieval.URL)
	if err != nil {
		return nil, fmt.Errorf("connect retrieval at %s: %w", s.cfg.Retrieval.URL, err)
	}
	dataSpace := s.cfg.Retrieval.DataSpace
	if dataSpace == "" {
		dataSpace = s.dataSpace
	}
	retriever, err := retrieval.NewWeaviateRetrieverWithOptions(wvClient, retrieval.RetrieverOptions{
		DataSpace:    dataSpace,
		MinCertainty: s.cfg.Retrieval.MinCertainty,
		MaxResults:   s.cfg.Retrieval.Documents,
		Logger:       s.slog,
	})
	if err != nil {
		return nil, fmt.Errorf("build retriever: %w", err)
	}
	return retrieval.NewDedupRetriever(retriever), nil
}

func (s *chatSession) buildService(retriever retrieval.Retriever) client.StreamingChatService {
	var parser stream.BlockParser = stream.NewFrameParser()
	sanitizer := sanitize.NewSanitizer()
	if s.metrics != nil {
		parser = telemetry.NewCountingParser(parser, s.metrics)
		sanitizer = telemetry.NewCountingSanitizer(sanitizer, s.metrics)
	}

	asm := assembler.NewAssemblerWithOptions(s.list, assembler.Options{
		Sanitizer: sanitizer,
		Logger:    s.slog,
	})

	base := http.DefaultTransport
	if s.metrics != nil {
		base = telemetry.NewTransport(base, s.metrics)
	}
	httpClient := client.NewHTTPClient(&http.Client{Transport: base})

	svcCfg := client.ServiceConfig{
		BaseURL:          s.cfg.Backend.BaseURL,
		List:             s.list,
		Assembler:        asm,
		Coordinator:      s.coordinator,
		Tracker:          s.tracker,
		Retriever:        retriever,
		Parser:           parser,
		DataSpace:        s.dataSpace,
		ContextDocuments: s.cfg.Retrieval.Documents,
		Logger:           s.slog,
	}
	if s.cfg.Backend.TimeoutSeconds > 0 {
		svcCfg.ExchangeTimeout = time.Duration(s.cfg.Backend.TimeoutSeconds) * time.Second
	}
	return client.NewServiceWithClient(httpClient, svcCfg)
}

func (s *chatSession) initProviders() error {
	s.providers = map[chat.GenerationKind]mediagen.Provider{
		chat.KindVideo: mediagen.NewSimulatedProvider(s.bus, chat.KindVideo, mediagen.SimulatedOptions{Logger: s.slog}),
		chat.Kind3D:    mediagen.NewSimulatedProvider(s.bus, chat.Kind3D, mediagen.SimulatedOptions{Logger: s.slog}),
	}

	switch s.cfg.Media.ImageProvider {
	case "simulated":
		s.providers[chat.KindImage] = mediagen.NewSimulatedProvider(s.bus, chat.KindImage, mediagen.SimulatedOptions{Logger: s.slog})
	case "openai":
		provider, err := s.openaiProvider()
		if err != nil {
			return fmt.Errorf("configure the OpenAI image provider: %w", err)
		}
		s.providers[chat.KindImage] = provider
	default: // auto
		provider, err := s.openaiProvider()
		if errors.Is(err, mediagen.ErrMissingAPIKey) {
			s.slog.Info("no OpenAI API key found, using the simulated image provider")
			s.providers[chat.KindImage] = mediagen.NewSimulatedProvider(s.bus, chat.KindImage, mediagen.SimulatedOptions{Logger: s.slog})
			return nil
		}
		if err != nil {
			return fmt.Errorf("configure the OpenAI image provider: %w", err)
		}
		s.providers[chat.KindImage] = provider
	}
	return nil
}

func (s *chatSession) openaiProvider() (mediagen.Provider, error) {
	return mediagen.NewOpenAIImageProviderWithOptions(s.bus, mediagen.OpenAIImageOptions{
		Model:  s.cfg.Media.ImageModel,
		Size:   s.cfg.Media.ImageSize,
		Logger: s.slog,
	})
}

// initAssets wires the GCS mirror: every completed generation response
// gets its URLs copied into the configured bucket in the background.
func (s *chatSession) initAssets(ctx context.Context) error {
	if !s.cfg.Assets.Enabled {
		return nil
	}
	store, err := assets.NewStore(ctx, assets.StoreConfig{
		BucketName: s.cfg.Assets.Bucket,
		KeyPath:    expandPath(s.cfg.Assets.KeyPath),
		Prefix:     s.cfg.Assets.Prefix,
		Logger:     s.slog,
	})
	if err != nil {
		return fmt.Errorf("open asset store: %w", err)
	}
	s.assetStore = store

	var mirrorCtx context.Context
	mirrorCtx, s.mirrorCancel = context.WithCancel(context.Background())

	for _, kind := range []chat.GenerationKind{chat.KindImage, chat.KindVideo, chat.Kind3D} {
		unsub := s.bus.Subscribe(events.ResponseTopic(kind), func(ev events.Event) {
			payload, ok := ev.Payload.(*events.ResponsePayload)
			if !ok || !payload.IsComplete {
				return
			}
			s.mirrorResponse(mirrorCtx, payload)
		})
		s.assetUnsubs = append(s.assetUnsubs, unsub)
	}
	return nil
}

// mirrorResponse copies every URL of a completed response to the asset
// store on a background goroutine. Failures are logged, never surfaced:
// the transcript keeps the original URLs either way.
func (s *chatSession) mirrorResponse(ctx context.Context, payload *events.ResponsePayload) {
	urls := make([]string, 0, len(payload.URLs)+len(payload.RenderURLs)+3)
	urls = append(urls, payload.URLs...)
	if payload.URL != "" {
		urls = append(urls, payload.URL)
	}
	urls = append(urls, payload.RenderURLs...)
	if payload.ModelURL != "" {
		urls = append(urls, payload.ModelURL)
	}
	if payload.PointCloudURL != "" {
		urls = append(urls, payload.PointCloudURL)
	}
	if len(urls) == 0 {
		return
	}

	chatID := s.coordinator.ChatID()
	if chatID == "" {
		chatID = "unsaved"
	}
	taskID := payload.IDs[0]

	s.mirrorWG.Add(1)
	go func() {
		defer s.mirrorWG.Done()
		for i, assetURL := range urls {
			mctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
			stored, err := s.assetStore.MirrorURL(mctx, assetURL, mirrorObjectPath(chatID, taskID, assetURL, i))
			cancel()
			if err != nil {
				s.slog.Warn("asset mirror failed", "url", assetURL, "error", err)
				continue
			}
			s.slog.Debug("mirrored asset", "url", assetURL, "stored", stored)
		}
	}()
}

// mirrorObjectPath derives a stable object path from the chat, the
// task, and the source URL's basename. The index keeps collisions
// apart when a response carries several identically named files.
func mirrorObjectPath(chatID, taskID, assetURL string, index int) string {
	name := fmt.Sprintf("asset-%d", index)
	if parsed, err := url.Parse(assetURL); err == nil {
		if base := path.Base(parsed.Path); base != "." && base != "/" && base != "" {
			name = fmt.Sprintf("%d-%s", index, base)
		}
	}
	return path.Join(chatID, taskID, name)
}

func (s *chatSession) initBridge() {
	if s.cfg.Events.SocketURL == "" {
		return
	}
	s.bridge = events.NewWSBridge(s.cfg.Events.SocketURL, s.bus)
	s.bridgeDone = make(chan struct{})

	var bridgeCtx context.Context
	bridgeCtx, s.bridgeCancel = context.WithCancel(context.Background())
	go func() {
		defer close(s.bridgeDone)
		if err := s.bridge.Run(bridgeCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.slog.Warn("event bridge stopped", "error", err)
		}
	}()
}

// =============================================================================
// Telemetry hooks
// =============================================================================

func (s *chatSession) onSaveDone(trigger persist.Trigger, chatID string) {
	if s.metrics != nil {
		s.metrics.RecordSave(context.Background(), string(trigger), "ok")
	}
}

func (s *chatSession) onSaveFailed(trigger persist.Trigger, err error) {
	if s.metrics != nil {
		s.metrics.RecordSave(context.Background(), string(trigger), "failed")
	}
}

// onExchange feeds one finished exchange into the metrics and the
// long-term recorder. Wired as the runner's ExchangeObserver.
func (s *chatSession) onExchange(result *client.ExchangeResult, err error, duration time.Duration) {
	outcome := telemetry.OutcomeCommitted
	switch {
	case err != nil:
		outcome = telemetry.OutcomeTransportError
	case result.ServerError != "":
		outcome = telemetry.OutcomeServerError
	case result.Partial:
		outcome = telemetry.OutcomePartial
	}

	stats := telemetry.ExchangeStats{
		ChatID:    s.coordinator.ChatID(),
		DataSpace: s.dataSpace,
		Outcome:   outcome,
		Duration:  duration,
		StartedAt: time.Now().Add(-duration),
	}
	if result != nil {
		stats.RequestID = result.RequestID
		stats.Events = result.TotalEvents
		stats.Tokens = result.TotalTokens
	}

	if s.metrics != nil {
		s.metrics.RecordExchange(context.Background(), outcome, duration, stats.Tokens)
	}
	if recordErr := s.recorder.RecordExchange(context.Background(), stats); recordErr != nil {
		s.slog.Debug("exchange recording failed", "error", recordErr)
	}
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(p string) string {
	if p == "" || !strings.HasPrefix(p, "~") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~/"))
}
