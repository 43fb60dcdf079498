// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation utilities for
// security-critical operations.
//
// This package contains validators for caller-provided identifiers that
// end up in store keys and log lines. Using these validators prevents
// key-scheme corruption (embedded NUL separators) and keeps identifiers
// safe to echo in logs and HTTP responses.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// segmentPattern matches one identifier segment: it must start with an
// alphanumeric and may continue with alphanumerics, underscores, dots,
// and hyphens. Max length 64.
var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]{0,63}$`)

// ValidateCohort validates a cohort identifier.
//
// A cohort is one or two slash-separated segments, account or
// account/product, e.g. "acct-1" or "acct-1/video". Segments are
// alphanumeric with underscores, dots, and hyphens.
//
// Returns an error when the identifier is malformed.
//
// Example:
//
//	if err := validation.ValidateCohort(cohort); err != nil {
//	    return fmt.Errorf("invalid cohort: %w", err)
//	}
func ValidateCohort(cohort string) error {
	if cohort == "" {
		return fmt.Errorf("cohort cannot be empty")
	}
	segments := strings.Split(cohort, "/")
	if len(segments) > 2 {
		return fmt.Errorf("invalid cohort %q: at most two segments (account/product)", cohort)
	}
	for _, seg := range segments {
		if !segmentPattern.MatchString(seg) {
			return fmt.Errorf("invalid cohort segment %q (must be 1-64 alphanumeric chars, underscores, dots, or hyphens)", seg)
		}
	}
	return nil
}

// ValidateProductionID validates a production identifier: one segment,
// no separators.
func ValidateProductionID(id string) error {
	if id == "" {
		return fmt.Errorf("production id cannot be empty")
	}
	if !segmentPattern.MatchString(id) {
		return fmt.Errorf("invalid production id %q (must be 1-64 alphanumeric chars, underscores, dots, or hyphens)", id)
	}
	return nil
}

// ValidateElementKey validates a "dimension/value" element key, e.g.
// "hook_type/question".
func ValidateElementKey(key string) error {
	if key == "" {
		return fmt.Errorf("element key cannot be empty")
	}
	segments := strings.Split(key, "/")
	if len(segments) != 2 {
		return fmt.Errorf("invalid element key %q: want dimension/value", key)
	}
	for _, seg := range segments {
		if !segmentPattern.MatchString(seg) {
			return fmt.Errorf("invalid element key segment %q (must be 1-64 alphanumeric chars, underscores, dots, or hyphens)", seg)
		}
	}
	return nil
}
