// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"strings"
	"testing"
)

func TestValidateCohort(t *testing.T) {
	valid := []string{
		"acct-1",
		"acct-1/video",
		"ACCT_9/static",
		"a",
		"brand.main/carousel",
	}
	for _, cohort := range valid {
		if err := ValidateCohort(cohort); err != nil {
			t.Errorf("ValidateCohort(%q) = %v, want nil", cohort, err)
		}
	}

	invalid := []string{
		"",
		"/video",
		"acct-1/",
		"acct-1/video/extra",
		"acct 1",
		"acct\x001",
		"-acct",
		strings.Repeat("a", 65),
	}
	for _, cohort := range invalid {
		if err := ValidateCohort(cohort); err == nil {
			t.Errorf("ValidateCohort(%q) = nil, want error", cohort)
		}
	}
}

func TestValidateProductionID(t *testing.T) {
	if err := ValidateProductionID("prod-1"); err != nil {
		t.Errorf("ValidateProductionID(prod-1) = %v, want nil", err)
	}
	for _, id := range []string{"", "prod/1", "prod 1", "\x00"} {
		if err := ValidateProductionID(id); err == nil {
			t.Errorf("ValidateProductionID(%q) = nil, want error", id)
		}
	}
}

func TestValidateElementKey(t *testing.T) {
	if err := ValidateElementKey("hook_type/question"); err != nil {
		t.Errorf("ValidateElementKey(hook_type/question) = %v, want nil", err)
	}
	for _, key := range []string{"", "hook_type", "a/b/c", "hook type/question"} {
		if err := ValidateElementKey(key); err == nil {
			t.Errorf("ValidateElementKey(%q) = nil, want error", key)
		}
	}
}
