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
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianChat/pkg/assembler"
	"github.com/AleutianAI/AleutianChat/pkg/chat"
	"github.com/AleutianAI/AleutianChat/pkg/stream"
	"github.com/AleutianAI/AleutianChat/pkg/ux"
)

// replaySummary is the outcome of replaying one captured stream.
type replaySummary struct {
	Events      int
	Tokens      int
	Terminal    stream.EventType
	Kept        bool
	ServerError string
	Message     chat.Message
}

// runReplayCommand decodes a captured wire stream from a file and
// renders the conversation it would have produced.
func runReplayCommand(cmd *cobra.Command, args []string) {
	verbose, _ := cmd.Flags().GetBool("verbose")

	f, err := os.Open(args[0])
	if err != nil {
		ux.Error(fmt.Sprintf("open stream file: %v", err))
		os.Exit(1)
	}
	defer f.Close()

	level := ux.GetPersonality().Level
	view := ux.NewMessageView(level, transcriptWidth)

	summary, err := replayStream(context.Background(), f, os.Stdout, verbose)
	if err != nil {
		ux.Error(fmt.Sprintf("replay failed: %v", err))
		os.Exit(1)
	}

	if summary.Kept {
		fmt.Println(view.Message(summary.Message))
	}
	if summary.ServerError != "" {
		ux.Warning(fmt.Sprintf("the stream reported an error: %s", summary.ServerError))
	}

	if level == ux.PersonalityMachine {
		fmt.Printf("REPLAY: events=%d tokens=%d terminal=%s kept=%t\n",
			summary.Events, summary.Tokens, terminalName(summary.Terminal), summary.Kept)
		return
	}
	fmt.Println()
	ux.Box("Replay complete", fmt.Sprintf("%d events, %d tokens\nterminal: %s",
		summary.Events, summary.Tokens, terminalName(summary.Terminal)))
}

// replayStream feeds every decoded frame through a fresh assembler,
// exactly the way a live exchange would, and reports what survived.
// Terminal events resolve the message: done commits, anything else
// aborts and keeps whatever partial text accumulated.
func replayStream(ctx context.Context, r io.Reader, out io.Writer, verbose bool) (replaySummary, error) {
	var summary replaySummary

	list := chat.NewMessageList()
	asm := assembler.NewAssembler(list)
	if err := asm.Begin(ctx); err != nil {
		return summary, fmt.Errorf("begin assembly: %w", err)
	}

	decoder := stream.NewDecoderWithParser(r, stream.NewFrameParser(), slog.Default())
	for {
		event, err := decoder.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			asm.Abort()
			return summary, fmt.Errorf("decode frame %d: %w", summary.Events+1, err)
		}

		summary.Events++
		if verbose {
			fmt.Fprintf(out, "%4d  %-18s %s\n", summary.Events, event.Type, frameDetail(event))
		}

		if event.Type == stream.EventTextDelta {
			summary.Tokens++
		}
		if event.IsTerminal() {
			summary.Terminal = event.Type
			summary.ServerError = event.Error
			break
		}
		if err := asm.OnEvent(*event); err != nil {
			asm.Abort()
			return summary, fmt.Errorf("assemble event %d: %w", summary.Events, err)
		}
	}

	if summary.Terminal == stream.EventDone {
		msg, err := asm.Commit()
		if err != nil {
			return summary, fmt.Errorf("commit: %w", err)
		}
		summary.Message = msg
		summary.Kept = true
		return summary, nil
	}

	msg, kept := asm.Abort()
	summary.Message = msg
	summary.Kept = kept
	return summary, nil
}

// frameDetail renders the payload worth seeing for one frame type.
func frameDetail(event *stream.StreamEvent) string {
	switch event.Type {
	case stream.EventTextDelta:
		return fmt.Sprintf("%q", event.Delta)
	case stream.EventTextEnd:
		return fmt.Sprintf("%q", event.Text)
	case stream.EventError:
		return event.Error
	case stream.EventMetadata, stream.EventResponseMetadata:
		return fmt.Sprintf("%d keys", len(event.Metadata))
	case stream.EventToolResult:
		return fmt.Sprintf("%d fields", len(event.Result))
	default:
		return ""
	}
}

// terminalName names the terminal outcome for the summary line.
func terminalName(t stream.EventType) string {
	if t == "" {
		return "truncated"
	}
	return string(t)
}
