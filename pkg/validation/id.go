// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation for security-critical
// identifiers.
//
// Chat ids become storage keys, data space names land in GraphQL
// filters, and asset URLs are fetched over the network. These
// validators reject inputs that would escape those contexts (key
// prefix injection, query injection, scheme smuggling) before they
// reach a store or a socket.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// idPattern matches chat and task identifiers.
// Allows: letters, digits, then dots, underscores and hyphens.
// Max length: 64 characters (a uuid is 36).
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,63}$`)

// dataSpacePattern matches retrieval namespace names.
// Allows: a letter first, then letters, digits, underscores, hyphens.
// Max length: 32 characters.
var dataSpacePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_\-]{0,31}$`)

// ValidateChatID validates a chat identifier before it becomes part of
// a storage key.
//
// A '/' in an id would nest it under another chat's key prefix, and
// control characters would corrupt key listings, so the accepted
// alphabet is deliberately narrow.
//
// Example:
//
//	if err := validation.ValidateChatID(chatID); err != nil {
//	    return fmt.Errorf("invalid chat id: %w", err)
//	}
//	// Safe to embed in a store key
func ValidateChatID(id string) error {
	if id == "" {
		return fmt.Errorf("chat id cannot be empty")
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("invalid chat id format: %q (must be 1-64 alphanumeric chars, dots, underscores, or hyphens)", id)
	}
	return nil
}

// ValidateTaskID validates a generation task identifier.
func ValidateTaskID(id string) error {
	if id == "" {
		return fmt.Errorf("task id cannot be empty")
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("invalid task id format: %q (must be 1-64 alphanumeric chars, dots, underscores, or hyphens)", id)
	}
	return nil
}

// ValidateTaskIDs validates a batch of task identifiers.
// Returns an error listing every invalid id if any fail validation.
func ValidateTaskIDs(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateTaskID(id); err != nil {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid task ids: %v", invalid)
	}
	return nil
}

// ValidateDataSpace validates a retrieval namespace before it lands in
// a GraphQL where filter.
func ValidateDataSpace(name string) error {
	if name == "" {
		return fmt.Errorf("data space cannot be empty")
	}
	if !dataSpacePattern.MatchString(name) {
		return fmt.Errorf("invalid data space format: %q (must start with a letter, then 0-31 alphanumeric chars, underscores, or hyphens)", name)
	}
	return nil
}

// SanitizeDataSpace normalizes and validates a data space name.
// Returns the lowercase name if valid, or an error if invalid.
func SanitizeDataSpace(name string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if err := ValidateDataSpace(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
