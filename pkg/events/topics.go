// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events carries the side-channel traffic of a conversation:
// user media prompts going out and generation lifecycle notifications
// coming back. The Bus is the in-process registry both sides meet on;
// the WSBridge feeds it from the backend's event socket.
package events

import (
	"strings"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
)

// Topic names one side-channel event stream.
type Topic string

// User-initiated media prompts.
const (
	TopicUserImageMessage Topic = "user-image-message"
	TopicUserVideoMessage Topic = "user-video-message"
	TopicUser3DMessage    Topic = "user-3d-message"
)

// Generation lifecycle notifications, one set per media kind.
const (
	TopicAIImagePlaceholder Topic = "ai-image-placeholder"
	TopicAIImageProgress    Topic = "ai-image-progress"
	TopicAIImageResponse    Topic = "ai-image-response"
	TopicAIImageError       Topic = "ai-image-error"

	TopicAIVideoPlaceholder Topic = "ai-video-placeholder"
	TopicAIVideoProgress    Topic = "ai-video-progress"
	TopicAIVideoResponse    Topic = "ai-video-response"
	TopicAIVideoError       Topic = "ai-video-error"

	TopicAI3DPlaceholder Topic = "ai-3d-placeholder"
	TopicAI3DProgress    Topic = "ai-3d-progress"
	TopicAI3DResponse    Topic = "ai-3d-response"
	TopicAI3DError       Topic = "ai-3d-error"
)

// TopicWildcard subscribes a handler to every topic.
const TopicWildcard Topic = "*"

// String returns the wire name of the topic.
func (t Topic) String() string {
	return string(t)
}

// UserMediaTopic returns the user prompt topic for a media kind.
func UserMediaTopic(kind chat.GenerationKind) Topic {
	return Topic("user-" + string(kind) + "-message")
}

// PlaceholderTopic returns the task announcement topic for a media
// kind.
func PlaceholderTopic(kind chat.GenerationKind) Topic {
	return Topic("ai-" + string(kind) + "-placeholder")
}

// ProgressTopic returns the progress push topic for a media kind.
func ProgressTopic(kind chat.GenerationKind) Topic {
	return Topic("ai-" + string(kind) + "-progress")
}

// ResponseTopic returns the completion topic for a media kind.
func ResponseTopic(kind chat.GenerationKind) Topic {
	return Topic("ai-" + string(kind) + "-response")
}

// ErrorTopic returns the failure topic for a media kind.
func ErrorTopic(kind chat.GenerationKind) Topic {
	return Topic("ai-" + string(kind) + "-error")
}

// Kind extracts the media kind named by the topic. The second return
// is false for topics that do not carry one.
func (t Topic) Kind() (chat.GenerationKind, bool) {
	s := string(t)
	switch {
	case strings.HasPrefix(s, "ai-"):
		s = strings.TrimPrefix(s, "ai-")
		if i := strings.LastIndexByte(s, '-'); i > 0 {
			kind := chat.GenerationKind(s[:i])
			return kind, kind.Valid()
		}
	case strings.HasPrefix(s, "user-") && strings.HasSuffix(s, "-message"):
		kind := chat.GenerationKind(strings.TrimSuffix(strings.TrimPrefix(s, "user-"), "-message"))
		return kind, kind.Valid()
	}
	return "", false
}
