// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
)

const (
	defaultViewWidth = 80
	progressBarWidth = 20
	citationBoxWidth = 60

	userLabel      = "You"
	assistantLabel = "Aleutian"
)

// MessageView renders conversation messages as terminal text.
//
// # Description
//
// The view is a pure formatter: it turns messages and their content
// parts into strings and owns no terminal state, so a TUI can call it
// from its View function and a plain command can print its output
// directly. In machine personality every message becomes KEY: value
// lines; the styled personalities produce labeled transcript blocks
// with citation boxes, media lines, and progress bars.
//
// # Thread Safety
//
// Not safe for concurrent use. One goroutine (the TUI loop or the
// command body) owns a view.
type MessageView struct {
	level         PersonalityLevel
	width         int
	thinkingFrame string
}

// NewMessageView creates a view for the given personality and terminal
// width. A width of zero or less falls back to 80 columns.
func NewMessageView(level PersonalityLevel, width int) *MessageView {
	if width <= 0 {
		width = defaultViewWidth
	}
	return &MessageView{level: level, width: width}
}

// SetWidth adjusts the wrap width after a terminal resize.
func (v *MessageView) SetWidth(width int) {
	if width > 0 {
		v.width = width
	}
}

// SetThinkingFrame sets the spinner frame shown on the thinking
// placeholder. The TUI advances this every tick; when unset the
// placeholder carries a static pending icon.
func (v *MessageView) SetThinkingFrame(frame string) {
	v.thinkingFrame = frame
}

// Transcript renders all messages separated by blank lines.
func (v *MessageView) Transcript(messages []chat.Message) string {
	blocks := make([]string, 0, len(messages))
	for _, msg := range messages {
		if block := v.Message(msg); block != "" {
			blocks = append(blocks, block)
		}
	}
	return strings.Join(blocks, "\n\n")
}

// Message renders one message as a transcript block.
func (v *MessageView) Message(msg chat.Message) string {
	if v.level == PersonalityMachine {
		return v.machineMessage(msg)
	}
	return v.styledMessage(msg)
}

// Part renders a single content part without message context. Text
// parts render plain here; Message applies caption styling to text
// that follows generated media.
func (v *MessageView) Part(part chat.ContentPart) string {
	if v.level == PersonalityMachine {
		return strings.TrimSuffix(v.machinePart(part), "\n")
	}
	return v.styledPart(part, false)
}

// =============================================================================
// Machine rendering
// =============================================================================

func (v *MessageView) machineMessage(msg chat.Message) string {
	var b strings.Builder
	switch msg.Role {
	case chat.RoleUser:
		fmt.Fprintf(&b, "USER: %s\n", msg.PrimaryText())
		for _, p := range msg.Parts {
			if p.Type == chat.PartTypeSourceImages {
				b.WriteString(v.machinePart(p))
			}
		}
	case chat.RoleSystem:
		fmt.Fprintf(&b, "NOTICE: %s\n", msg.PrimaryText())
	case chat.RoleAssistant:
		if msg.ID == chat.ThinkingMessageID {
			b.WriteString("STATUS: thinking\n")
			break
		}
		if text := msg.PrimaryText(); text != "" {
			fmt.Fprintf(&b, "ANSWER: %s\n", text)
		}
		for _, p := range msg.Parts {
			if p.Type == chat.PartTypeText {
				continue
			}
			b.WriteString(v.machinePart(p))
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (v *MessageView) machinePart(part chat.ContentPart) string {
	var b strings.Builder
	switch part.Type {
	case chat.PartTypeText:
		fmt.Fprintf(&b, "TEXT: %s\n", part.Text)
	case chat.PartTypeDocumentReference:
		for _, doc := range part.Documents {
			fmt.Fprintf(&b, "SOURCE: %s similarity=%.4f", docName(doc), doc.Similarity)
			if doc.ExplicitlyReferenced {
				b.WriteString(" cited")
			}
			b.WriteString("\n")
		}
	case chat.PartTypeLoadingImage, chat.PartTypeLoadingVideo, chat.PartTypeLoading3DModel:
		fmt.Fprintf(&b, "GENERATING: %s %d%%", part.LoadingKind(), part.Progress)
		if part.Status != "" {
			fmt.Fprintf(&b, " %s", part.Status)
		}
		b.WriteString("\n")
	case chat.PartTypeGeneratedImage:
		for _, u := range part.URLs {
			fmt.Fprintf(&b, "IMAGE: %s\n", u)
		}
	case chat.PartTypeGeneratedVideo:
		fmt.Fprintf(&b, "VIDEO: %s\n", part.URL)
		for _, u := range part.RenderURLs {
			fmt.Fprintf(&b, "RENDER: %s\n", u)
		}
	case chat.PartTypeGenerated3DModel:
		fmt.Fprintf(&b, "MODEL: %s\n", part.ModelURL)
		if part.PointCloudURL != "" {
			fmt.Fprintf(&b, "POINTCLOUD: %s\n", part.PointCloudURL)
		}
		for _, u := range part.RenderURLs {
			fmt.Fprintf(&b, "RENDER: %s\n", u)
		}
	case chat.PartTypeSourceImages:
		for _, u := range part.URLs {
			fmt.Fprintf(&b, "ATTACHED: %s\n", u)
		}
	}
	return b.String()
}

// =============================================================================
// Styled rendering
// =============================================================================

func (v *MessageView) styledMessage(msg chat.Message) string {
	if msg.Role == chat.RoleAssistant && msg.ID == chat.ThinkingMessageID {
		frame := v.thinkingFrame
		if frame == "" {
			frame = string(IconPending)
		}
		return frame + " " + Styles.Thinking.Render("thinking...")
	}
	if msg.Role == chat.RoleSystem {
		return v.errorBubble(msg.PrimaryText())
	}

	label := Styles.AssistantLabel.Render(assistantLabel)
	if msg.Role == chat.RoleUser {
		label = Styles.UserLabel.Render(userLabel)
	}

	body := v.styledBody(msg)
	if body == "" {
		return label
	}
	return label + "\n" + body
}

func (v *MessageView) styledBody(msg chat.Message) string {
	if len(msg.Parts) == 0 {
		return v.wrap(msg.Content)
	}

	lines := make([]string, 0, len(msg.Parts))
	prevWasMedia := false
	for _, part := range msg.Parts {
		rendered := v.styledPart(part, prevWasMedia)
		if rendered != "" {
			lines = append(lines, rendered)
		}
		prevWasMedia = part.IsGeneratedMedia()
	}
	return strings.Join(lines, "\n")
}

// styledPart renders one part. afterMedia marks a text part that
// directly follows generated media, which is rendered as its caption.
func (v *MessageView) styledPart(part chat.ContentPart, afterMedia bool) string {
	switch part.Type {
	case chat.PartTypeText:
		if afterMedia {
			return Styles.MediaCaption.Render(part.Text)
		}
		return v.wrap(part.Text)
	case chat.PartTypeDocumentReference:
		return v.citations(part.Documents)
	case chat.PartTypeLoadingImage, chat.PartTypeLoadingVideo, chat.PartTypeLoading3DModel:
		return v.loadingLine(part)
	case chat.PartTypeGeneratedImage:
		return v.imageLines(part.URLs)
	case chat.PartTypeGeneratedVideo:
		return v.videoLines(part)
	case chat.PartTypeGenerated3DModel:
		return v.modelLines(part)
	case chat.PartTypeSourceImages:
		lines := make([]string, 0, len(part.URLs))
		for _, u := range part.URLs {
			lines = append(lines, Styles.Muted.Render("attached: "+u))
		}
		return strings.Join(lines, "\n")
	}
	return ""
}

func (v *MessageView) citations(docs []chat.DocumentRef) string {
	if len(docs) == 0 {
		return ""
	}

	if v.level == PersonalityMinimal {
		var b strings.Builder
		b.WriteString("Sources:")
		for i, doc := range docs {
			fmt.Fprintf(&b, "\n  %d. %s", i+1, docName(doc))
		}
		return b.String()
	}

	var content strings.Builder
	for i, doc := range docs {
		line := fmt.Sprintf("%d. %s", i+1, docName(doc))
		if doc.Similarity > 0 {
			line += Styles.Muted.Render(fmt.Sprintf(" (%.2f)", doc.Similarity))
		}
		if doc.ExplicitlyReferenced {
			line += " " + Styles.Highlight.Render(string(IconArrow)+" cited")
		}
		content.WriteString(line)
		if i < len(docs)-1 {
			content.WriteString("\n")
		}
	}

	width := citationBoxWidth
	if v.width-2 < width {
		width = v.width - 2
	}
	box := Styles.CitationBox.Width(width)
	title := Styles.Subtitle.Render("Sources")
	return box.Render(title + "\n" + content.String())
}

func (v *MessageView) loadingLine(part chat.ContentPart) string {
	kind := part.LoadingKind()
	line := fmt.Sprintf("%s %s %s",
		iconForKind(kind).Render(),
		Styles.Subtitle.Render(loadingLabel(kind)),
		ProgressBar(part.Progress, progressBarWidth))
	if part.Status != "" {
		line += " " + Styles.Muted.Render("("+part.Status+")")
	}
	return line
}

func (v *MessageView) imageLines(urls []string) string {
	if len(urls) == 1 {
		return fmt.Sprintf("%s %s %s", IconImage.Render(), Styles.Bold.Render("Image:"), urls[0])
	}
	lines := make([]string, 0, len(urls))
	for i, u := range urls {
		lines = append(lines, fmt.Sprintf("%s %s %s",
			IconImage.Render(), Styles.Bold.Render(fmt.Sprintf("Image %d:", i+1)), u))
	}
	return strings.Join(lines, "\n")
}

func (v *MessageView) videoLines(part chat.ContentPart) string {
	lines := []string{
		fmt.Sprintf("%s %s %s", IconVideo.Render(), Styles.Bold.Render("Video:"), part.URL),
	}
	for _, u := range part.RenderURLs {
		lines = append(lines, Styles.Muted.Render("  render: "+u))
	}
	return strings.Join(lines, "\n")
}

func (v *MessageView) modelLines(part chat.ContentPart) string {
	lines := []string{
		fmt.Sprintf("%s %s %s", IconModel.Render(), Styles.Bold.Render("3D model:"), part.ModelURL),
	}
	if part.PointCloudURL != "" {
		lines = append(lines, Styles.Muted.Render("  point cloud: "+part.PointCloudURL))
	}
	for _, u := range part.RenderURLs {
		lines = append(lines, Styles.Muted.Render("  render: "+u))
	}
	return strings.Join(lines, "\n")
}

func (v *MessageView) errorBubble(text string) string {
	line := IconError.Render() + " " + Styles.Error.Render(text)
	if v.level == PersonalityMinimal {
		return IconError.Render() + " " + text
	}
	width := citationBoxWidth
	if v.width-2 < width {
		width = v.width - 2
	}
	return Styles.ErrorBox.Width(width).Render(line)
}

func (v *MessageView) wrap(text string) string {
	if text == "" {
		return ""
	}
	return lipgloss.NewStyle().Width(v.width).Render(text)
}

func docName(doc chat.DocumentRef) string {
	if doc.Name != "" {
		return doc.Name
	}
	return doc.ID
}

func iconForKind(kind chat.GenerationKind) Icon {
	switch kind {
	case chat.KindVideo:
		return IconVideo
	case chat.Kind3D:
		return IconModel
	default:
		return IconImage
	}
}

func loadingLabel(kind chat.GenerationKind) string {
	switch kind {
	case chat.KindVideo:
		return "Generating video"
	case chat.Kind3D:
		return "Building 3D model"
	default:
		return "Generating image"
	}
}
