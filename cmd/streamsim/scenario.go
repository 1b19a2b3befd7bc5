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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// scenarioValidate checks scenario structs loaded from yaml.
var scenarioValidate = validator.New()

// =============================================================================
// Scenario Model
// =============================================================================

// Frame is one write to the response stream. Exactly one of Event, Raw,
// or Done selects the frame form:
//
//   - Event serializes the map as JSON inside a data: frame.
//   - Raw goes out verbatim, which lets a scenario carry frames the
//     event form cannot express: malformed JSON, comment lines, frames
//     missing their blank-line terminator.
//   - Done emits the [DONE] sentinel frame.
type Frame struct {
	// DelayMs pauses before the frame is written.
	DelayMs int `yaml:"delay_ms,omitempty" validate:"gte=0"`

	// Event is the JSON payload of one protocol frame.
	Event map[string]any `yaml:"event,omitempty"`

	// Raw is written to the stream byte for byte.
	Raw string `yaml:"raw,omitempty"`

	// Done terminates the stream with the sentinel payload.
	Done bool `yaml:"done,omitempty"`

	// Chunks splits the rendered frame into successive writes of the
	// given byte lengths, each flushed on its own. Whatever remains
	// after the listed lengths goes out in one final write. A length
	// may land inside a multi-byte rune; the client's buffering is
	// expected to reassemble it.
	Chunks []int `yaml:"chunks,omitempty" validate:"dive,gt=0"`
}

// WireBytes renders the frame in the stream's wire format.
func (f *Frame) WireBytes() ([]byte, error) {
	switch {
	case f.Done:
		return []byte("data: [DONE]\n\n"), nil
	case f.Raw != "":
		return []byte(f.Raw), nil
	case f.Event != nil:
		payload, err := json.Marshal(f.Event)
		if err != nil {
			return nil, fmt.Errorf("marshal event frame: %w", err)
		}
		return append(append([]byte("data: "), payload...), '\n', '\n'), nil
	}
	return nil, errors.New("empty frame")
}

// validateForm checks that exactly one frame form is set.
func (f *Frame) validateForm() error {
	forms := 0
	if f.Event != nil {
		forms++
	}
	if f.Raw != "" {
		forms++
	}
	if f.Done {
		forms++
	}
	if forms != 1 {
		return fmt.Errorf("frame must set exactly one of event, raw, done (got %d)", forms)
	}
	return nil
}

// Scenario is a named, replayable response stream.
type Scenario struct {
	// Name selects the scenario. Requests pick it via the X-Scenario
	// header, the scenario query parameter, or a message that matches
	// the name exactly.
	Name string `yaml:"name" validate:"required"`

	// Description is shown by the scenario listing endpoint.
	Description string `yaml:"description,omitempty"`

	// Frames are written in order.
	Frames []Frame `yaml:"frames" validate:"required,min=1"`
}

// Validate checks the scenario against its constraints.
func (s *Scenario) Validate() error {
	if err := scenarioValidate.Struct(s); err != nil {
		return fmt.Errorf("invalid scenario: %w", err)
	}
	for i := range s.Frames {
		if err := s.Frames[i].validateForm(); err != nil {
			return fmt.Errorf("scenario %q frame %d: %w", s.Name, i, err)
		}
		if _, err := s.Frames[i].WireBytes(); err != nil {
			return fmt.Errorf("scenario %q frame %d: %w", s.Name, i, err)
		}
	}
	return nil
}

// ParseScenario decodes and validates one scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// splitChunks cuts data into the successive write lengths a frame asks
// for. Lengths past the end of data are clamped; leftover bytes form
// one final chunk.
func splitChunks(data []byte, lengths []int) [][]byte {
	if len(lengths) == 0 {
		return [][]byte{data}
	}
	var chunks [][]byte
	rest := data
	for _, n := range lengths {
		if n >= len(rest) {
			break
		}
		chunks = append(chunks, rest[:n])
		rest = rest[n:]
	}
	if len(rest) > 0 {
		chunks = append(chunks, rest)
	}
	return chunks
}

// =============================================================================
// Library
// =============================================================================

// Library holds the loaded scenarios. Built-in scenarios are always
// available; scenarios loaded from the scenario directory shadow a
// built-in with the same name and are replaced wholesale on reload.
//
// Thread Safety: safe for concurrent use. LoadDir swaps the disk set
// atomically, so a stream replaying an old scenario keeps its pointer.
type Library struct {
	fallback string
	log      *slog.Logger

	mu       sync.RWMutex
	builtins map[string]*Scenario
	disk     map[string]*Scenario
}

// NewLibrary creates a library seeded with the built-in scenarios.
// fallback names the scenario served when a request does not pick one.
func NewLibrary(fallback string, logger *slog.Logger) *Library {
	if logger == nil {
		logger = slog.Default()
	}
	builtins := make(map[string]*Scenario)
	for _, s := range builtinScenarios() {
		builtins[s.Name] = s
	}
	return &Library{
		fallback: fallback,
		log:      logger,
		builtins: builtins,
		disk:     make(map[string]*Scenario),
	}
}

// Get returns the scenario with the given name.
func (l *Library) Get(name string) (*Scenario, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if s, ok := l.disk[name]; ok {
		return s, true
	}
	s, ok := l.builtins[name]
	return s, ok
}

// Default returns the fallback scenario.
func (l *Library) Default() (*Scenario, bool) {
	return l.Get(l.fallback)
}

// DefaultName returns the fallback scenario name.
func (l *Library) DefaultName() string {
	return l.fallback
}

// Names returns every loaded scenario name, sorted.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seen := make(map[string]struct{}, len(l.builtins)+len(l.disk))
	for name := range l.builtins {
		seen[name] = struct{}{}
	}
	for name := range l.disk {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns the effective scenario set, sorted by name.
func (l *Library) Snapshot() []*Scenario {
	names := l.Names()
	scenarios := make([]*Scenario, 0, len(names))
	for _, name := range names {
		if s, ok := l.Get(name); ok {
			scenarios = append(scenarios, s)
		}
	}
	return scenarios
}

// LoadDir loads every scenario file in dir and swaps them in as the
// disk set. Files that fail to parse or validate are logged and
// skipped so one broken file cannot take down a reload. The returned
// count is the number of scenarios now loaded from disk.
func (l *Library) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read scenario dir: %w", err)
	}

	loaded := make(map[string]*Scenario)
	for _, entry := range entries {
		if entry.IsDir() || !isScenarioFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			l.log.Warn("skipping unreadable scenario file", "path", path, "error", err)
			continue
		}
		s, err := ParseScenario(data)
		if err != nil {
			l.log.Warn("skipping invalid scenario file", "path", path, "error", err)
			continue
		}
		if prev, ok := loaded[s.Name]; ok && prev != s {
			l.log.Warn("duplicate scenario name, later file wins",
				"name", s.Name, "path", path)
		}
		loaded[s.Name] = s
	}

	l.mu.Lock()
	l.disk = loaded
	l.mu.Unlock()
	return len(loaded), nil
}

// isScenarioFile reports whether name looks like a scenario document.
func isScenarioFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
