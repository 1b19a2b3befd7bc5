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
	"log"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianChat/cmd/aleutianchat/config"
	"github.com/AleutianAI/AleutianChat/pkg/ux"
)

// --- Global Command Variables ---
var (
	personalityLevel string // UX personality level (full/minimal/machine)
	resumeChatID     string
	ephemeralChat    bool
	dataSpaceFlag    string

	rootCmd = &cobra.Command{
		Use:   "aleutianchat",
		Short: "A terminal client for the Aleutian streaming chat backend",
		Long: `Aleutianchat is a terminal chat client: it streams answers from the
				Aleutian backend, tracks image/video/3d generation tasks, keeps your
				conversations in a local store, and replays recorded streams for
				debugging.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Initialize UX personality from flag or environment
			if personalityLevel != "" {
				ux.SetPersonalityLevel(ux.ParsePersonalityLevel(personalityLevel))
			} else {
				ux.InitPersonality()
			}
			if err := config.Load(); err != nil {
				log.Fatalf("Error loading the config: %v", err)
			}
		},
	}

	// --- Chat ---
	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Starts an interactive streaming chat session",
		Run:   runChatCommand, // Defined in cmd_chat.go
	}

	// --- Stored Conversations ---
	chatsCmd = &cobra.Command{
		Use:   "chats",
		Short: "Manage stored conversations",
	}
	listChatsCmd = &cobra.Command{
		Use:   "list",
		Short: "List stored conversations",
		Run:   runListChats, // Defined in cmd_chats.go
	}
	showChatCmd = &cobra.Command{
		Use:   "show [chat_id]",
		Short: "Print a stored conversation",
		Args:  cobra.ExactArgs(1),
		Run:   runShowChat, // Defined in cmd_chats.go
	}
	deleteChatCmd = &cobra.Command{
		Use:   "delete [chat_id]",
		Short: "Delete a stored conversation",
		Args:  cobra.ExactArgs(1),
		Run:   runDeleteChat, // Defined in cmd_chats.go
	}

	// --- Debugging ---
	replayCmd = &cobra.Command{
		Use:   "replay [dump_file]",
		Short: "Replay a recorded stream dump through the assembly pipeline",
		Long: `Replay feeds a captured wire-protocol dump through the frame decoder,
				sanitizer, and assembler exactly as a live exchange would, then prints
				the assembled message and per-frame statistics. Use it to debug
				malformed streams offline.`,
		Args: cobra.ExactArgs(1),
		Run:  runReplayCommand, // Defined in cmd_replay.go
	}

	// --- Retrieval Documents ---
	docsCmd = &cobra.Command{
		Use:   "docs",
		Short: "Manage the retrieval document store",
	}
	ingestDocsCmd = &cobra.Command{
		Use:   "ingest [path...]",
		Short: "Ingest local files into the retrieval store",
		Args:  cobra.MinimumNArgs(1),
		Run:   runIngestDocs, // Defined in cmd_docs.go
	}
)

// init runs when the Go program starts
func init() {
	// Global UX personality flag
	rootCmd.PersistentFlags().StringVar(&personalityLevel, "personality", "",
		"Output style: full (default, rich nautical), minimal, or machine (scripting)")

	// chat command
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&resumeChatID, "resume", "",
		"Resume a stored conversation by id; with no id, pick one interactively.")
	chatCmd.Flags().Lookup("resume").NoOptDefVal = "pick"
	chatCmd.Flags().BoolVar(&ephemeralChat, "ephemeral", false,
		"Keep this conversation in memory only; nothing is written to disk.")
	chatCmd.Flags().StringVar(&dataSpaceFlag, "data-space", "",
		"Override the configured backend data space for this session.")

	// stored conversation commands
	rootCmd.AddCommand(chatsCmd)
	chatsCmd.AddCommand(listChatsCmd)
	chatsCmd.AddCommand(showChatCmd)
	chatsCmd.AddCommand(deleteChatCmd)
	deleteChatCmd.Flags().Bool("force", false, "Delete without asking for confirmation.")

	// replay command
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().Bool("verbose", false, "Print every decoded frame, not just the summary.")

	// document commands
	rootCmd.AddCommand(docsCmd)
	docsCmd.AddCommand(ingestDocsCmd)
	ingestDocsCmd.Flags().String("data-space", "", "The logical data space to ingest into")
}
