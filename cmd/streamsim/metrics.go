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
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsNamespace = "aleutian"
	metricsSubsystem = "streamsim"
)

// Stream outcomes for the streams_total counter.
const (
	outcomeCompleted  = "completed"
	outcomeClientGone = "client_gone"
	outcomeWriteError = "write_error"
)

// Metrics holds the simulator's Prometheus metrics on a private
// registry, so tests can build as many instances as they like without
// duplicate-registration panics.
//
// Thread Safety: all operations are thread-safe via the client
// library's internal locking.
type Metrics struct {
	registry *prometheus.Registry

	// StreamsTotal counts replayed streams by scenario and outcome.
	StreamsTotal *prometheus.CounterVec

	// FramesTotal counts frames written by scenario.
	FramesTotal *prometheus.CounterVec

	// ActiveStreams tracks streams currently replaying.
	ActiveStreams prometheus.Gauge

	// ScenarioReloadsTotal counts scenario directory reloads.
	ScenarioReloadsTotal prometheus.Counter

	// SocketConnectionsTotal counts event socket connections.
	SocketConnectionsTotal prometheus.Counter

	// SocketFramesTotal counts event socket frames by topic.
	SocketFramesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the simulator metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		StreamsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "streams_total",
				Help:      "Total replayed streams by scenario and outcome",
			},
			[]string{"scenario", "outcome"},
		),

		FramesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "frames_total",
				Help:      "Total stream frames written by scenario",
			},
			[]string{"scenario"},
		),

		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "active_streams",
				Help:      "Streams currently replaying",
			},
		),

		ScenarioReloadsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "scenario_reloads_total",
				Help:      "Total scenario directory reloads",
			},
		),

		SocketConnectionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "socket_connections_total",
				Help:      "Total event socket connections accepted",
			},
		),

		SocketFramesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "socket_frames_total",
				Help:      "Total event socket frames pushed by topic",
			},
			[]string{"topic"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StreamStarted marks a stream replay as active.
func (m *Metrics) StreamStarted() {
	m.ActiveStreams.Inc()
}

// StreamEnded records the finished replay with its outcome.
func (m *Metrics) StreamEnded(scenario, outcome string) {
	m.ActiveStreams.Dec()
	m.StreamsTotal.WithLabelValues(scenario, outcome).Inc()
}

// FrameWritten counts one frame written for scenario.
func (m *Metrics) FrameWritten(scenario string) {
	m.FramesTotal.WithLabelValues(scenario).Inc()
}

// ReloadDone counts one scenario directory reload.
func (m *Metrics) ReloadDone() {
	m.ScenarioReloadsTotal.Inc()
}

// SocketConnected counts one accepted event socket connection.
func (m *Metrics) SocketConnected() {
	m.SocketConnectionsTotal.Inc()
}

// SocketFrame counts one pushed event socket frame.
func (m *Metrics) SocketFrame(topic string) {
	m.SocketFramesTotal.WithLabelValues(topic).Inc()
}
