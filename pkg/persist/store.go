// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persist

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
)

// ErrChatNotFound is returned when an operation names a chat id the
// store does not hold.
var ErrChatNotFound = errors.New("chat not found")

// =============================================================================
// Records
// =============================================================================

// ChatRecord is the persisted shape of one conversation. It is the
// domain Chat record; the alias keeps store signatures readable.
type ChatRecord = chat.Chat

// ChatSummary is the listing shape of a stored conversation.
type ChatSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	Messages  int    `json:"messages"`
	UpdatedAt int64  `json:"updatedAt"`
}

// ChatStore persists conversations.
//
// Create assigns a fresh chat id and stores the messages under it;
// Update replaces the messages of an existing chat. Load and List
// support the resume flow. Implementations are safe for concurrent
// use.
type ChatStore interface {
	Create(ctx context.Context, messages []chat.Message) (string, error)
	Update(ctx context.Context, chatID string, messages []chat.Message) error
	Load(ctx context.Context, chatID string) (ChatRecord, error)
	List(ctx context.Context) ([]ChatSummary, error)
	Delete(ctx context.Context, chatID string) error
	Close() error
}

// cloneMessages copies the slice and clones each element so stored
// records never alias caller state.
func cloneMessages(in []chat.Message) []chat.Message {
	out := make([]chat.Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}

// =============================================================================
// Memory Store
// =============================================================================

// MemoryStore is a ChatStore backed by a map. It backs tests and the
// ephemeral no-persistence mode.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]ChatRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]ChatRecord)}
}

// Create stores the messages under a fresh chat id.
func (s *MemoryStore) Create(ctx context.Context, messages []chat.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	record := ChatRecord{Messages: cloneMessages(messages)}
	record.EnsureDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ID] = record
	return record.ID, nil
}

// Update replaces the messages of an existing chat.
func (s *MemoryStore) Update(ctx context.Context, chatID string, messages []chat.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[chatID]
	if !ok {
		return ErrChatNotFound
	}
	record.Messages = cloneMessages(messages)
	record.UpdatedAt = time.Now().UnixMilli()
	if record.Title == "" || record.Title == "New chat" {
		record.Title = chat.DeriveTitle(messages)
	}
	s.records[chatID] = record
	return nil
}

// Load returns the stored record for the chat id.
func (s *MemoryStore) Load(ctx context.Context, chatID string) (ChatRecord, error) {
	if err := ctx.Err(); err != nil {
		return ChatRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[chatID]
	if !ok {
		return ChatRecord{}, ErrChatNotFound
	}
	record.Messages = cloneMessages(record.Messages)
	return record, nil
}

// List returns summaries of every stored chat, most recent first.
func (s *MemoryStore) List(ctx context.Context) ([]ChatSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	summaries := make([]ChatSummary, 0, len(s.records))
	for _, record := range s.records {
		summaries = append(summaries, ChatSummary{
			ID:        record.ID,
			Title:     record.Title,
			Messages:  len(record.Messages),
			UpdatedAt: record.UpdatedAt,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt > summaries[j].UpdatedAt
	})
	return summaries, nil
}

// Delete removes the chat with the given id.
func (s *MemoryStore) Delete(ctx context.Context, chatID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[chatID]; !ok {
		return ErrChatNotFound
	}
	delete(s.records, chatID)
	return nil
}

// Close releases nothing for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

var _ ChatStore = (*MemoryStore)(nil)
