// Copyright (C) 2025 Variant Lab (engineering@variantlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package selection

import "errors"

// ErrInvalidWeights is returned when a weight vector contains a negative,
// NaN, or infinite entry. Invalid weights fail the call immediately and are
// never silently coerced.
var ErrInvalidWeights = errors.New("selection: weight vector contains a negative or non-finite entry")

// ErrNoScorers is returned when Select is called with an empty scorer set.
var ErrNoScorers = errors.New("selection: at least one scorer is required")
