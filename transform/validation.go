// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package transform

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"github.com/zeebo/errs"
)

// Validation checks a column against a format and emits the cleaned
// value and a validity flag as new columns named <column>_validated
// and <column>_is_valid.
type Validation struct{}

var emailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)

// Name implements Operator.
func (Validation) Name() string { return "data_validation" }

// Validate implements Operator.
func (Validation) Validate(config Config) error {
	switch validationType := config.String("validation_type"); validationType {
	case "address", "phone", "email":
	default:
		return errs.New("unsupported validation_type %q", validationType)
	}
	if config.String("source_column") == "" {
		return errs.New("data_validation needs a source_column")
	}
	return nil
}

// Apply implements Operator.
func (op Validation) Apply(ctx context.Context, rows []Row, config Config) ([]Row, error) {
	if err := op.Validate(config); err != nil {
		return nil, err
	}
	validationType := config.String("validation_type")
	sourceColumn := config.String("source_column")
	validatedColumn := sourceColumn + "_validated"
	validColumn := sourceColumn + "_is_valid"

	out := cloneRows(rows)
	for _, row := range out {
		text, _ := textValue(row[sourceColumn])
		var validated string
		var valid bool
		switch validationType {
		case "email":
			validated, valid = validateEmail(text)
		case "phone":
			validated, valid = validatePhone(text)
		case "address":
			validated, valid = validateAddress(text)
		}
		if valid {
			row[validatedColumn] = validated
		} else {
			row[validatedColumn] = nil
		}
		row[validColumn] = valid
	}
	return out, nil
}

func validateEmail(text string) (string, bool) {
	cleaned := strings.ToLower(strings.TrimSpace(text))
	return cleaned, emailPattern.MatchString(cleaned)
}

// validatePhone normalizes to digits with an optional leading plus and
// accepts 7 to 15 digits.
func validatePhone(text string) (string, bool) {
	var b strings.Builder
	for i, r := range strings.TrimSpace(text) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", false
		}
	}
	cleaned := b.String()
	digits := strings.TrimPrefix(cleaned, "+")
	if len(digits) < 7 || len(digits) > 15 {
		return "", false
	}
	return cleaned, true
}

// validateAddress applies a plausibility check: an address carries at
// least one digit, at least one letter and a minimum length.
func validateAddress(text string) (string, bool) {
	cleaned := normalizeWhitespace(text)
	if len(cleaned) < 5 {
		return "", false
	}
	var hasDigit, hasLetter bool
	for _, r := range cleaned {
		if unicode.IsDigit(r) {
			hasDigit = true
		}
		if unicode.IsLetter(r) {
			hasLetter = true
		}
	}
	if !hasDigit || !hasLetter {
		return "", false
	}
	return cleaned, true
}
