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
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianChat/cmd/aleutianchat/config"
	"github.com/AleutianAI/AleutianChat/pkg/persist"
	"github.com/AleutianAI/AleutianChat/pkg/ux"
)

// openChatStore opens just the persistence layer. The chats
// subcommands never need the rest of the session.
func openChatStore() (persist.ChatStore, error) {
	cfg := persist.DefaultStoreConfig(expandPath(config.Global.Storage.Path))
	store, err := persist.OpenBadgerStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open chat store at %s: %w", cfg.Path, err)
	}
	return store, nil
}

// runListChats prints the stored conversations newest-first.
func runListChats(cmd *cobra.Command, args []string) {
	store, err := openChatStore()
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}
	defer store.Close()

	summaries, err := store.List(context.Background())
	if err != nil {
		ux.Error(fmt.Sprintf("list chats: %v", err))
		os.Exit(1)
	}

	if ux.GetPersonality().Level == ux.PersonalityMachine {
		for _, summary := range summaries {
			fmt.Printf("CHAT: %s messages=%d updated=%s title=%s\n",
				summary.ID, summary.Messages,
				time.UnixMilli(summary.UpdatedAt).Format(time.RFC3339),
				summary.Title)
		}
		return
	}

	if len(summaries) == 0 {
		ux.Info("no stored conversations yet")
		return
	}
	ux.Title("Stored conversations")
	for _, summary := range summaries {
		fmt.Println(ux.Styles.Bold.Render(summary.Title))
		detail := fmt.Sprintf("  %s  %d messages  %s",
			summary.ID, summary.Messages,
			time.UnixMilli(summary.UpdatedAt).Format("2006-01-02 15:04"))
		fmt.Println(ux.Styles.Muted.Render(detail))
	}
}

// runShowChat prints one stored conversation as a transcript.
func runShowChat(cmd *cobra.Command, args []string) {
	store, err := openChatStore()
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}
	defer store.Close()

	record, err := store.Load(context.Background(), args[0])
	if err != nil {
		if errors.Is(err, persist.ErrChatNotFound) {
			ux.Error(fmt.Sprintf("no chat with id %s", args[0]))
		} else {
			ux.Error(fmt.Sprintf("load chat: %v", err))
		}
		os.Exit(1)
	}

	if ux.GetPersonality().Level != ux.PersonalityMachine {
		ux.Title(record.Title)
		ux.Muted(fmt.Sprintf("%s, last updated %s", record.ID,
			time.UnixMilli(record.UpdatedAt).Format("2006-01-02 15:04")))
		fmt.Println()
	}
	view := ux.NewMessageView(ux.GetPersonality().Level, transcriptWidth)
	fmt.Println(view.Transcript(record.Messages))
}

// runDeleteChat removes one stored conversation, asking first unless
// --force is set. Machine personality refuses without --force since it
// cannot prompt.
func runDeleteChat(cmd *cobra.Command, args []string) {
	chatID := args[0]
	force, _ := cmd.Flags().GetBool("force")

	store, err := openChatStore()
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}
	defer store.Close()

	record, err := store.Load(context.Background(), chatID)
	if err != nil {
		if errors.Is(err, persist.ErrChatNotFound) {
			ux.Error(fmt.Sprintf("no chat with id %s", chatID))
		} else {
			ux.Error(fmt.Sprintf("load chat: %v", err))
		}
		os.Exit(1)
	}

	if !force {
		if ux.GetPersonality().Level == ux.PersonalityMachine {
			ux.Error("refusing to delete without --force in machine mode")
			os.Exit(1)
		}
		var confirmed bool
		form := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Delete %q?", record.Title)).
				Description(fmt.Sprintf("%d messages, last updated %s",
					len(record.Messages),
					time.UnixMilli(record.UpdatedAt).Format("2006-01-02 15:04"))).
				Affirmative("Delete").
				Negative("Keep").
				Value(&confirmed),
		))
		if err := form.Run(); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				return
			}
			ux.Error(fmt.Sprintf("confirmation failed: %v", err))
			os.Exit(1)
		}
		if !confirmed {
			ux.Info("kept the chat")
			return
		}
	}

	if err := store.Delete(context.Background(), chatID); err != nil {
		ux.Error(fmt.Sprintf("delete chat: %v", err))
		os.Exit(1)
	}
	ux.Success(fmt.Sprintf("deleted chat %s", chatID))
}
