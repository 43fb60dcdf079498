// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package learning

import "errors"

var (
	// ErrInsufficientEvidence is returned when a cohort has too little
	// learned state to answer a query. Callers should treat this as "not
	// yet", not as failure.
	ErrInsufficientEvidence = errors.New("learning: insufficient evidence for cohort")

	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("learning: invalid request")
)
