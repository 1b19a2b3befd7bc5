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
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
	"github.com/AleutianAI/AleutianChat/pkg/ux"
)

// followInterval is how often the follower polls the message list.
// The assembler refreshes the streaming message on every decoded
// event, so anything faster than a terminal frame is wasted work.
const followInterval = 80 * time.Millisecond

// streamFollower mirrors the in-progress assistant message to the
// terminal while an exchange streams.
//
// # Description
//
// The assembler owns the streaming sentinel message and republishes
// its full sanitized text on every event; it knows nothing about
// terminals. The follower polls the message list and turns those
// snapshots into terminal output:
//
//   - Before the first token it animates a thinking line in place.
//   - Once text appears it prints only the suffix the previous poll
//     had not seen, so the answer grows token by token.
//   - If a poll's text is no longer an extension of what was already
//     printed (the sanitizer corrected an artifact spanning a chunk
//     boundary), it stops printing and reports the divergence so the
//     runner can reprint the final message whole.
//
// # Thread Safety
//
// Start once, Stop once. All fields are owned by the polling goroutine
// between Start and Stop; Stop waits for that goroutine to exit before
// reading results.
type streamFollower struct {
	list  *chat.MessageList
	out   io.Writer
	label string // printed once, before the first text delta

	interval time.Duration
	frames   []string
	stop     chan struct{}
	done     chan struct{}

	printed      string
	diverged     bool
	labelPrinted bool
	spinWidth    int // width of the spinner line to clear, 0 when none
}

// newStreamFollower follows the streaming message on list, writing to
// out. The label is printed on its own line before the first token.
func newStreamFollower(list *chat.MessageList, out io.Writer, label string) *streamFollower {
	return &streamFollower{
		list:     list,
		out:      out,
		label:    label,
		interval: followInterval,
		frames:   ux.Frames(ux.SpinnerDots),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the polling goroutine.
func (f *streamFollower) Start() {
	go f.loop()
}

// Stop halts polling, clears any spinner line still on screen, and
// returns the text printed so far plus whether the stream diverged
// from it.
func (f *streamFollower) Stop() (printed string, diverged bool) {
	close(f.stop)
	<-f.done
	return f.printed, f.diverged
}

func (f *streamFollower) loop() {
	defer close(f.done)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	frame := 0
	for {
		select {
		case <-f.stop:
			f.clearSpinner()
			return
		case <-ticker.C:
			f.tick(frame)
			frame++
		}
	}
}

func (f *streamFollower) tick(frame int) {
	if f.diverged {
		return
	}

	msg, streaming := f.list.Get(chat.StreamingMessageID)
	text := ""
	if streaming {
		text = msg.PrimaryText()
	}

	if text == "" {
		// Nothing visible yet: animate the thinking line while the
		// thinking placeholder (or an empty streaming message) is up.
		_, thinking := f.list.Get(chat.ThinkingMessageID)
		if thinking || streaming {
			f.spin(frame)
		}
		return
	}

	f.clearSpinner()
	if !f.labelPrinted {
		fmt.Fprintln(f.out, f.label)
		f.labelPrinted = true
	}

	if !strings.HasPrefix(text, f.printed) {
		// Already-printed text was rewritten. Stop following; the
		// runner reprints the final message after the exchange.
		f.diverged = true
		return
	}
	if delta := text[len(f.printed):]; delta != "" {
		fmt.Fprint(f.out, delta)
		f.printed = text
	}
}

func (f *streamFollower) spin(frame int) {
	line := fmt.Sprintf("%s thinking...", f.frames[frame%len(f.frames)])
	fmt.Fprintf(f.out, "\r%s", line)
	f.spinWidth = len([]rune(line))
}

func (f *streamFollower) clearSpinner() {
	if f.spinWidth == 0 {
		return
	}
	fmt.Fprintf(f.out, "\r%s\r", strings.Repeat(" ", f.spinWidth))
	f.spinWidth = 0
}
