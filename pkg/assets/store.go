// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package assets keeps generated media. Provider URLs expire, so a
// finished generation worth keeping is mirrored into a bucket; user
// source images travel the other way, uploaded so a generation backend
// can fetch them. Object paths are validated before they reach the
// bucket.
package assets

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/AleutianAI/AleutianChat/pkg/validation"
)

// DefaultFetchTimeout bounds one asset download.
const DefaultFetchTimeout = 2 * time.Minute

// fallbackContentType is used when neither the response nor the
// extension names a type.
const fallbackContentType = "application/octet-stream"

// Store mirrors media assets into a bucket.
//
// Thread Safety: safe for concurrent use.
type Store struct {
	client *storage.Client
	fetch  *http.Client
	bucket string
	prefix string
	log    *slog.Logger
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// BucketName is the target bucket. Required.
	BucketName string

	// KeyPath is the service account key file consulted by NewStore.
	KeyPath string

	// Prefix namespaces every object path, e.g. "media".
	Prefix string

	// FetchClient downloads asset URLs. Defaults to a client with
	// DefaultFetchTimeout.
	FetchClient *http.Client

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewStore opens a bucket store with service account credentials.
func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if _, err := os.Stat(cfg.KeyPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("service account key not found at path: %s", cfg.KeyPath)
	}
	client, err := storage.NewClient(ctx, option.WithCredentialsFile(cfg.KeyPath))
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return NewStoreWithClient(client, cfg), nil
}

// NewStoreWithClient wraps an existing storage client. Used with
// ambient credentials and with emulator-backed tests.
func NewStoreWithClient(client *storage.Client, cfg StoreConfig) *Store {
	fetch := cfg.FetchClient
	if fetch == nil {
		fetch = &http.Client{Timeout: DefaultFetchTimeout}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		client: client,
		fetch:  fetch,
		bucket: cfg.BucketName,
		prefix: cfg.Prefix,
		log:    log,
	}
}

// UploadFile copies a local file into the bucket and returns the
// gs:// URL of the object. Used for user source images feeding
// image-to-image generation.
func (s *Store) UploadFile(ctx context.Context, localPath, objectPath string) (string, error) {
	objectPath, err := s.fullPath(objectPath)
	if err != nil {
		return "", err
	}
	localFile, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open local file %s: %w", localPath, err)
	}
	defer localFile.Close()

	contentType := mime.TypeByExtension(filepath.Ext(localPath))
	if contentType == "" {
		contentType = fallbackContentType
	}
	if err := s.write(ctx, objectPath, contentType, localFile); err != nil {
		return "", fmt.Errorf("upload %s to %s: %w", localPath, objectPath, err)
	}
	s.log.Info("asset uploaded", "local_path", localPath, "object", objectPath)
	return s.gsURL(objectPath), nil
}

// MirrorURL fetches a generated asset and stores it under the object
// path, returning the gs:// URL. The fetch honors the context; a
// non-OK response aborts before anything is written.
func (s *Store) MirrorURL(ctx context.Context, assetURL, objectPath string) (string, error) {
	if err := validation.ValidateAssetURL(assetURL); err != nil {
		return "", err
	}
	objectPath, err := s.fullPath(objectPath)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
	if err != nil {
		return "", fmt.Errorf("build asset request: %w", err)
	}
	resp, err := s.fetch.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch asset %s: %w", assetURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch asset %s: unexpected status %d", assetURL, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(objectPath))
	}
	if contentType == "" {
		contentType = fallbackContentType
	}
	if err := s.write(ctx, objectPath, contentType, resp.Body); err != nil {
		return "", fmt.Errorf("mirror %s to %s: %w", assetURL, objectPath, err)
	}
	s.log.Info("asset mirrored", "asset_url", assetURL, "object", objectPath)
	return s.gsURL(objectPath), nil
}

// Close releases the underlying storage client.
func (s *Store) Close() error {
	return s.client.Close()
}

// write streams content into one object.
func (s *Store) write(ctx context.Context, objectPath, contentType string, content io.Reader) error {
	obj := s.client.Bucket(s.bucket).Object(objectPath)
	writer := obj.NewWriter(ctx)
	writer.ContentType = contentType
	writer.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := io.Copy(writer, content); err != nil {
		// Abandon the write; Close would otherwise commit a truncated
		// object.
		_ = writer.Close()
		return fmt.Errorf("copy to object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close object writer: %w", err)
	}
	return nil
}

// fullPath validates the object path and applies the store prefix.
func (s *Store) fullPath(objectPath string) (string, error) {
	cleaned, err := validation.SanitizeObjectPath(objectPath)
	if err != nil {
		return "", err
	}
	if s.prefix == "" {
		return cleaned, nil
	}
	return path.Join(s.prefix, cleaned), nil
}

// gsURL renders the bucket-relative URL of an object.
func (s *Store) gsURL(objectPath string) string {
	return "gs://" + s.bucket + "/" + objectPath
}

// ChatAssetPath derives the object path for one generated asset:
// chats/<chatID>/<taskID> with the extension of the source URL. Both
// ids are validated so neither can name another chat's objects.
func ChatAssetPath(chatID, taskID, assetURL string) (string, error) {
	if err := validation.ValidateChatID(chatID); err != nil {
		return "", err
	}
	if err := validation.ValidateTaskID(taskID); err != nil {
		return "", err
	}
	if err := validation.ValidateAssetURL(assetURL); err != nil {
		return "", err
	}
	parsed, err := url.Parse(assetURL)
	if err != nil {
		return "", fmt.Errorf("asset url does not parse: %w", err)
	}
	ext := path.Ext(parsed.Path)
	if ext == "" {
		ext = ".bin"
	}
	return "chats/" + chatID + "/" + taskID + ext, nil
}
