// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// ValidateAssetURL validates a media asset URL before it is fetched.
//
// Only absolute http and https URLs with a host pass. Other schemes
// (file, gs, data) would turn a fetch into a local read or a decode of
// attacker-chosen bytes.
//
// Example:
//
//	if err := validation.ValidateAssetURL(raw); err != nil {
//	    return fmt.Errorf("refusing asset: %w", err)
//	}
//	resp, err := httpClient.Get(ctx, raw)
func ValidateAssetURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("asset url cannot be empty")
	}
	if strings.ContainsAny(raw, " \t\r\n") {
		return fmt.Errorf("asset url contains whitespace: %q", raw)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("asset url does not parse: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("asset url scheme %q not allowed (must be http or https)", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("asset url has no host: %q", raw)
	}
	return nil
}

// SanitizeObjectPath normalizes an object path for a bucket store.
// Returns the cleaned relative path, or an error when the path is
// empty, absolute, or escapes upward.
func SanitizeObjectPath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("object path cannot be empty")
	}
	if strings.Contains(p, "\\") {
		return "", fmt.Errorf("object path contains a backslash: %q", p)
	}
	cleaned := path.Clean(p)
	if strings.HasPrefix(cleaned, "/") {
		return "", fmt.Errorf("object path must be relative: %q", p)
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("object path escapes upward: %q", p)
	}
	if cleaned == "." {
		return "", fmt.Errorf("object path cannot be empty")
	}
	return cleaned, nil
}
