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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
	"github.com/AleutianAI/AleutianChat/pkg/validation"
)

// chatKeyPrefix namespaces chat records inside the database.
const chatKeyPrefix = "chat/"

// StoreConfig holds configuration for the local Badger-backed store.
type StoreConfig struct {
	// Path is the directory for database files. Required unless
	// InMemory is true.
	Path string

	// InMemory keeps the store off disk. Data is lost on Close.
	InMemory bool

	// SyncWrites forces a sync on every commit.
	SyncWrites bool

	// Logger receives Badger's internal logging. Nil disables it.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Zero disables GC. Ignored for in-memory stores.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before a
	// GC pass rewrites the value log.
	GCDiscardRatio float64
}

// DefaultStoreConfig returns durable defaults for a local chat store.
func DefaultStoreConfig(path string) StoreConfig {
	return StoreConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryStoreConfig returns a configuration for tests: no disk, no
// sync, no GC.
func InMemoryStoreConfig() StoreConfig {
	return StoreConfig{InMemory: true}
}

// badgerLogger adapts slog to Badger's logger interface.
type badgerLogger struct {
	log *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

// =============================================================================
// Badger Store
// =============================================================================

// BadgerStore is a ChatStore backed by an embedded BadgerDB. Records
// are stored as JSON values under "chat/<id>" keys; caller-supplied
// ids are validated before they become part of a key.
//
// Thread Safety: safe for concurrent use.
type BadgerStore struct {
	db     *badger.DB
	log    *slog.Logger
	gcStop chan struct{}
	gcDone chan struct{}
}

// OpenBadgerStore opens (and if necessary creates) the local chat
// database. The caller must Close the returned store.
func OpenBadgerStore(cfg StoreConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent chat store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create chat store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{log: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open chat store: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	store := &BadgerStore{db: db, log: log}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		store.gcStop = make(chan struct{})
		store.gcDone = make(chan struct{})
		go store.gcLoop(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return store, nil
}

// Create stores the messages as a new chat and returns its id.
// Records that fail domain validation are refused before they reach
// the key space.
func (s *BadgerStore) Create(ctx context.Context, messages []chat.Message) (string, error) {
	record := ChatRecord{Messages: messages}
	record.EnsureDefaults()
	if err := record.Validate(); err != nil {
		return "", fmt.Errorf("refusing to store chat: %w", err)
	}
	if err := s.put(ctx, record); err != nil {
		return "", err
	}
	return record.ID, nil
}

// Update replaces the messages of an existing chat in a single
// read-modify-write transaction.
func (s *BadgerStore) Update(ctx context.Context, chatID string, messages []chat.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validation.ValidateChatID(chatID); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		record, err := getRecord(txn, chatID)
		if err != nil {
			return err
		}
		record.Messages = messages
		record.UpdatedAt = time.Now().UnixMilli()
		if record.Title == "" || record.Title == "New chat" {
			record.Title = chat.DeriveTitle(messages)
		}
		if err := record.Validate(); err != nil {
			return fmt.Errorf("refusing to store chat: %w", err)
		}
		return setRecord(txn, record)
	})
}

// Load returns the stored record for the chat id.
func (s *BadgerStore) Load(ctx context.Context, chatID string) (ChatRecord, error) {
	if err := ctx.Err(); err != nil {
		return ChatRecord{}, err
	}
	if err := validation.ValidateChatID(chatID); err != nil {
		return ChatRecord{}, err
	}
	var record ChatRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		record, err = getRecord(txn, chatID)
		return err
	})
	return record, err
}

// List returns summaries of every stored chat, most recent first.
func (s *BadgerStore) List(ctx context.Context) ([]ChatSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var summaries []ChatSummary
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(chatKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(value []byte) error {
				var record ChatRecord
				if err := json.Unmarshal(value, &record); err != nil {
					return fmt.Errorf("decode chat record %s: %w", it.Item().Key(), err)
				}
				summaries = append(summaries, ChatSummary{
					ID:        record.ID,
					Title:     record.Title,
					Messages:  len(record.Messages),
					UpdatedAt: record.UpdatedAt,
				})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt > summaries[j].UpdatedAt
	})
	return summaries, nil
}

// Delete removes the chat with the given id.
func (s *BadgerStore) Delete(ctx context.Context, chatID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validation.ValidateChatID(chatID); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := getRecord(txn, chatID); err != nil {
			return err
		}
		return txn.Delete([]byte(chatKeyPrefix + chatID))
	})
}

// Close stops garbage collection and closes the database.
func (s *BadgerStore) Close() error {
	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
		s.gcStop = nil
	}
	return s.db.Close()
}

// put writes one record in its own transaction.
func (s *BadgerStore) put(ctx context.Context, record ChatRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return setRecord(txn, record)
	})
}

// gcLoop runs periodic value log garbage collection until Close.
func (s *BadgerStore) gcLoop(interval time.Duration, ratio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			switch {
			case err == nil:
				s.log.Debug("chat store value log GC completed")
			case errors.Is(err, badger.ErrNoRewrite):
				// Nothing to collect.
			default:
				s.log.Warn("chat store value log GC error", "error", err)
			}
		}
	}
}

func getRecord(txn *badger.Txn, chatID string) (ChatRecord, error) {
	item, err := txn.Get([]byte(chatKeyPrefix + chatID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ChatRecord{}, ErrChatNotFound
	}
	if err != nil {
		return ChatRecord{}, fmt.Errorf("load chat %s: %w", chatID, err)
	}
	var record ChatRecord
	err = item.Value(func(value []byte) error {
		return json.Unmarshal(value, &record)
	})
	if err != nil {
		return ChatRecord{}, fmt.Errorf("decode chat %s: %w", chatID, err)
	}
	return record, nil
}

func setRecord(txn *badger.Txn, record ChatRecord) error {
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode chat %s: %w", record.ID, err)
	}
	return txn.Set([]byte(chatKeyPrefix+record.ID), value)
}

var _ ChatStore = (*BadgerStore)(nil)
