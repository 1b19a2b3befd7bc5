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
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianChat/cmd/aleutianchat/config"
	"github.com/AleutianAI/AleutianChat/pkg/retrieval"
	"github.com/AleutianAI/AleutianChat/pkg/ux"
)

// ingestExtensions are the file types worth chunking. Everything else
// in a directory walk is skipped silently.
var ingestExtensions = map[string]bool{
	".md": true, ".markdown": true, ".txt": true,
	".go": true, ".py": true, ".js": true, ".ts": true,
	".java": true, ".c": true, ".cpp": true, ".rs": true,
	".yaml": true, ".yml": true, ".json": true,
}

// runIngestDocs chunks the named files into the retrieval store so
// later exchanges can cite them.
func runIngestDocs(cmd *cobra.Command, args []string) {
	dataSpace, _ := cmd.Flags().GetString("data-space")
	if dataSpace == "" {
		dataSpace = config.Global.Retrieval.DataSpace
	}
	if dataSpace == "" {
		dataSpace = config.Global.Backend.DataSpace
	}

	files, err := collectDocFiles(args)
	if err != nil {
		ux.Error(fmt.Sprintf("collect files: %v", err))
		os.Exit(1)
	}
	if len(files) == 0 {
		ux.Warning("nothing to ingest in the given paths")
		return
	}

	ctx := context.Background()
	wvClient, err := retrieval.NewClient(config.Global.Retrieval.URL)
	if err != nil {
		ux.Error(fmt.Sprintf("connect retrieval at %s: %v", config.Global.Retrieval.URL, err))
		os.Exit(1)
	}
	if err := retrieval.EnsureSchema(ctx, wvClient); err != nil {
		ux.Error(fmt.Sprintf("ensure retrieval schema: %v", err))
		os.Exit(1)
	}
	ingestor, err := retrieval.NewIngestorWithOptions(wvClient, retrieval.IngestorOptions{
		DataSpace: dataSpace,
	})
	if err != nil {
		ux.Error(fmt.Sprintf("build ingestor: %v", err))
		os.Exit(1)
	}

	spinner := ux.NewProgressSpinner(fmt.Sprintf("Ingesting %d documents", len(files)), len(files))
	spinner.Start()

	chunks, failed := 0, 0
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			ux.Warning(fmt.Sprintf("skipping %s: %v", file, err))
			failed++
			spinner.Increment()
			continue
		}
		n, err := ingestor.Ingest(ctx, filepath.Base(file), string(content))
		if err != nil {
			ux.Warning(fmt.Sprintf("ingest %s: %v", file, err))
			failed++
			spinner.Increment()
			continue
		}
		chunks += n
		spinner.Increment()
	}

	if failed == len(files) {
		spinner.StopWithError("ingestion failed for every document")
		os.Exit(1)
	}
	spinner.StopWithSuccess(fmt.Sprintf("Ingested %d documents (%d chunks) into %s",
		len(files)-failed, chunks, dataSpace))
	if ux.GetPersonality().Level == ux.PersonalityMachine {
		fmt.Printf("INGESTED: files=%d chunks=%d failed=%d data_space=%s\n",
			len(files)-failed, chunks, failed, dataSpace)
	}
}

// collectDocFiles expands the argument list: files pass through when
// their extension is ingestable, directories are walked recursively.
// Hidden directories are skipped.
func collectDocFiles(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			if ingestExtensions[strings.ToLower(filepath.Ext(p))] {
				files = append(files, p)
			}
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if strings.HasPrefix(d.Name(), ".") && path != p {
					return filepath.SkipDir
				}
				return nil
			}
			if ingestExtensions[strings.ToLower(filepath.Ext(path))] {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}
