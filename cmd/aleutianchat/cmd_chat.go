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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianChat/cmd/aleutianchat/config"
	"github.com/AleutianAI/AleutianChat/pkg/ux"
)

// errNothingToResume reports an empty store behind --resume=pick.
var errNothingToResume = errors.New("no stored chats")

// runChatCommand starts the interactive streaming chat session.
//
// The session wires every long-lived component; the runner owns the
// read-eval loop. Interrupt handling is two-staged: the first SIGINT
// aborts an in-flight answer and keeps the session alive, a SIGINT at
// the prompt (or SIGTERM) ends the session.
func runChatCommand(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session, err := newChatSession(ctx, config.Global, sessionOptions{
		Ephemeral: ephemeralChat,
		DataSpace: dataSpaceFlag,
	})
	if err != nil {
		ux.Error(fmt.Sprintf("could not start the session: %v", err))
		os.Exit(1)
	}
	defer session.Close()

	if resumeChatID != "" {
		switch err := resumeInto(ctx, session, resumeChatID); {
		case err == nil:
		case errors.Is(err, errNothingToResume):
			ux.Info("no stored conversations yet, starting a new one")
		case errors.Is(err, huh.ErrUserAborted):
			return
		default:
			ux.Error(fmt.Sprintf("could not resume: %v", err))
			os.Exit(1)
		}
	}

	runner := NewStreamingChatRunner(RunnerConfig{
		Service:    session.service,
		List:       session.list,
		Bus:        session.bus,
		Providers:  session.providers,
		OnExchange: session.onExchange,
		Logger:     session.slog,
	})
	defer runner.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGINT && runner.AbortInFlight() {
				continue
			}
			cancel()
			return
		}
	}()

	if err := runner.Run(ctx); err != nil && err != context.Canceled {
		ux.Error(fmt.Sprintf("chat session failed: %v", err))
		os.Exit(1)
	}
}

// resumeInto loads the chosen chat into the session. A target of
// "pick" (the bare --resume flag) opens an interactive picker.
func resumeInto(ctx context.Context, session *chatSession, target string) error {
	chatID := target
	if chatID == "pick" {
		picked, err := pickChat(ctx, session)
		if err != nil {
			return err
		}
		chatID = picked
	}
	_, err := session.Resume(ctx, chatID)
	return err
}

// pickChat lists the stored chats newest-first and lets the user pick
// one. Returns huh.ErrUserAborted when the picker is dismissed.
func pickChat(ctx context.Context, session *chatSession) (string, error) {
	summaries, err := session.store.List(ctx)
	if err != nil {
		return "", fmt.Errorf("list chats: %w", err)
	}
	if len(summaries) == 0 {
		return "", errNothingToResume
	}

	options := make([]huh.Option[string], 0, len(summaries))
	for _, summary := range summaries {
		label := fmt.Sprintf("%s  (%d messages, %s)",
			summary.Title, summary.Messages,
			time.UnixMilli(summary.UpdatedAt).Format("2006-01-02 15:04"))
		options = append(options, huh.NewOption(label, summary.ID))
	}

	var chatID string
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Resume a conversation").
			Options(options...).
			Value(&chatID),
	))
	if err := form.Run(); err != nil {
		return "", err
	}
	return chatID, nil
}
