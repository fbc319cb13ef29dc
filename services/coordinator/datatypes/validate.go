// Copyright (C) 2026 Parley Labs (dev@parleyhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

// MaxIDLength bounds session, activity, participant, and response ids.
// Ids flow into broadcast payloads and storage keys, so they are kept
// short and shell-safe.
const MaxIDLength = 64

// idPattern matches opaque identifiers: letters, digits, dot, underscore,
// colon, hyphen. No whitespace, no path separators.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:\-]{0,63}$`)

// validate is the shared validator instance for coordinator datatypes.
// Initialized in init() with custom validators.
var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("idsafe", validateIDSafe)
}

// validateIDSafe enforces the opaque-identifier shape on a string field.
// Byte length is checked (not rune count) because the ids become storage
// key segments.
func validateIDSafe(fl validator.FieldLevel) bool {
	id := fl.Field().String()
	return len(id) <= MaxIDLength && idPattern.MatchString(id)
}

// Validate runs struct validation against the shared instance.
func Validate(v any) error {
	return validate.Struct(v)
}

// ValidID reports whether a single identifier satisfies the idsafe rules.
// Used for path parameters that never pass through struct binding.
func ValidID(id string) bool {
	return len(id) <= MaxIDLength && idPattern.MatchString(id)
}
