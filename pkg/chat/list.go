// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chat

import "sync"

// MessageList is the conversation state shared by the content assembler,
// the generation task tracker, and the persistence coordinator.
//
// Description:
// All mutation goes through Update, which hands the caller a private
// copy of the current messages and installs the returned slice under the
// write lock. Every write therefore derives from the latest state; a
// writer can never clobber the list with a stale snapshot captured
// earlier. Reads (Snapshot, Get) return cloned messages, so callers may
// inspect them without holding any lock.
//
// Invariants:
//   - at most one message with id "streaming" at any instant
//   - at most one message with id "thinking" at any instant
//   - Finalize removes both sentinels and inserts the permanent message
//     in a single atomic step
//
// Thread Safety: safe for concurrent use by multiple goroutines.
type MessageList struct {
	mu       sync.RWMutex
	messages []Message
}

// NewMessageList creates a list seeded with the given messages.
func NewMessageList(initial ...Message) *MessageList {
	l := &MessageList{}
	if len(initial) > 0 {
		l.messages = cloneMessages(initial)
	}
	return l
}

// Len returns the number of messages.
func (l *MessageList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Snapshot returns a cloned copy of the current messages.
func (l *MessageList) Snapshot() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneMessages(l.messages)
}

// Get returns a clone of the message with the given id.
func (l *MessageList) Get(id string) (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, m := range l.messages {
		if m.ID == id {
			return m.Clone(), true
		}
	}
	return Message{}, false
}

// Update applies fn to a private copy of the current messages and
// installs the result. fn runs under the write lock and must not call
// back into the list.
func (l *MessageList) Update(fn func(messages []Message) []Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = fn(cloneMessages(l.messages))
}

// Upsert replaces the message with the same id or appends it. Replacing
// by id keeps the sentinel invariant: publishing the streaming message
// repeatedly yields exactly one entry.
func (l *MessageList) Upsert(msg Message) {
	l.Update(func(messages []Message) []Message {
		for i := range messages {
			if messages[i].ID == msg.ID {
				messages[i] = msg.Clone()
				return messages
			}
		}
		return append(messages, msg.Clone())
	})
}

// UpdateByID applies fn to the message with the given id in place.
// Returns false if no message has that id.
func (l *MessageList) UpdateByID(id string, fn func(m *Message)) bool {
	found := false
	l.Update(func(messages []Message) []Message {
		for i := range messages {
			if messages[i].ID == id {
				fn(&messages[i])
				found = true
				break
			}
		}
		return messages
	})
	return found
}

// Remove deletes the messages with the given ids. Unknown ids are
// ignored.
func (l *MessageList) Remove(ids ...string) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	l.Update(func(messages []Message) []Message {
		kept := messages[:0]
		for _, m := range messages {
			if !drop[m.ID] {
				kept = append(kept, m)
			}
		}
		return kept
	})
}

// Finalize atomically removes the thinking and streaming sentinels and
// appends the permanent message. Used both for normal completion and
// for finalize-from-partial after an abort.
func (l *MessageList) Finalize(permanent Message) {
	l.Update(func(messages []Message) []Message {
		kept := messages[:0]
		for _, m := range messages {
			if !m.IsSentinel() {
				kept = append(kept, m)
			}
		}
		return append(kept, permanent.Clone())
	})
}

// DropSentinels atomically removes any sentinel messages without
// inserting a replacement. Used by the shared streaming reset.
func (l *MessageList) DropSentinels() {
	l.Update(func(messages []Message) []Message {
		kept := messages[:0]
		for _, m := range messages {
			if !m.IsSentinel() {
				kept = append(kept, m)
			}
		}
		return kept
	})
}

// cloneMessages copies the slice and clones each element.
func cloneMessages(in []Message) []Message {
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}
