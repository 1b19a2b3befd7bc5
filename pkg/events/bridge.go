// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// bridgeHandshakeTimeout bounds the websocket dial.
	bridgeHandshakeTimeout = 10 * time.Second

	// bridgePongWait is how long a connection may stay silent before it
	// is considered dead. Pings go out at a third of this.
	bridgePongWait = 60 * time.Second

	// bridgeMaxBackoff caps the reconnect delay.
	bridgeMaxBackoff = 30 * time.Second

	// bridgeSource tags events the bridge publishes.
	bridgeSource = "ws-bridge"
)

// wireEvent is the frame format of the backend's event socket.
type wireEvent struct {
	Topic   Topic           `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// WSBridge dials the backend's event socket and republishes decoded
// side-channel events onto a Bus.
//
// Single Responsibility: move generation lifecycle events from the
// network onto the in-process bus, dropping frames that fail to decode
// or validate.
//
// Thread Safety: Run is a single-goroutine loop; Close may be called
// from any goroutine.
type WSBridge struct {
	url string
	bus *Bus
	log *slog.Logger

	dialer *websocket.Dialer
	closed chan struct{}
}

// NewWSBridge creates a bridge that will dial url and publish onto
// bus.
func NewWSBridge(url string, bus *Bus) *WSBridge {
	return &WSBridge{
		url: url,
		bus: bus,
		log: slog.Default(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: bridgeHandshakeTimeout,
		},
		closed: make(chan struct{}),
	}
}

// Run dials the event socket and republishes frames until ctx is
// cancelled or Close is called. Connection loss triggers reconnection
// with exponential backoff; the error return is reserved for the
// context's cancellation cause.
func (w *WSBridge) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.closed:
			return nil
		default:
		}

		conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
		if err != nil {
			w.log.Warn("event socket dial failed",
				"url", w.url, "retry_in", backoff, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.closed:
				return nil
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > bridgeMaxBackoff {
				backoff = bridgeMaxBackoff
			}
			continue
		}

		w.log.Info("event socket connected", "url", w.url)
		backoff = time.Second
		w.readLoop(ctx, conn)

		// A connection that drops right after dialing must not turn
		// into a tight redial loop.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.closed:
			return nil
		case <-time.After(time.Second):
		}
	}
}

// Close stops the bridge. Idempotent with Run's own teardown.
func (w *WSBridge) Close() {
	select {
	case <-w.closed:
	default:
		close(w.closed)
	}
}

// readLoop consumes frames from one connection until it dies or the
// bridge stops.
func (w *WSBridge) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(bridgePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(bridgePongWait))
	})

	// Closing the connection from a watcher goroutine is the only way
	// to unblock a pending read when the bridge stops.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		ticker := time.NewTicker(bridgePongWait / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-w.closed:
				conn.Close()
				return
			case <-watchDone:
				return
			case <-ticker.C:
				deadline := time.Now().Add(bridgePongWait / 3)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		var frame wireEvent
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.log.Info("event socket closed by peer")
			} else {
				w.log.Warn("event socket read failed", "error", err)
			}
			return
		}

		payload, err := decodePayload(frame.Topic, frame.Payload)
		if err != nil {
			w.log.Warn("dropping undecodable event frame",
				"topic", frame.Topic, "error", err)
			continue
		}
		w.bus.Publish(frame.Topic, payload, bridgeSource)
	}
}

// decodePayload unmarshals and validates a frame payload into the
// typed struct for its topic.
func decodePayload(topic Topic, raw json.RawMessage) (any, error) {
	s := string(topic)
	switch {
	case strings.HasPrefix(s, "user-") && strings.HasSuffix(s, "-message"):
		var p UserMediaPayload
		return decodeInto(&p, raw)
	case strings.HasSuffix(s, "-placeholder"):
		var p PlaceholderPayload
		return decodeInto(&p, raw)
	case strings.HasSuffix(s, "-progress"):
		var p ProgressPayload
		return decodeInto(&p, raw)
	case strings.HasSuffix(s, "-response"):
		var p ResponsePayload
		return decodeInto(&p, raw)
	case strings.HasSuffix(s, "-error"):
		var p ErrorPayload
		return decodeInto(&p, raw)
	}
	return nil, fmt.Errorf("unknown topic %q", topic)
}

// validatable is implemented by every typed payload.
type validatable interface {
	Validate() error
}

func decodeInto(p validatable, raw json.RawMessage) (any, error) {
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
