// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package transform

import (
	"context"
	"strings"
	"unicode"

	"github.com/zeebo/errs"
)

// Cleansing applies text cleaning operations to the configured
// columns. Values that are not text pass through unchanged.
type Cleansing struct{}

type cleansingColumn struct {
	column     string
	operations []string
}

var cleansingOperations = map[string]func(string) string{
	"trim":                 strings.TrimSpace,
	"uppercase":            strings.ToUpper,
	"lowercase":            strings.ToLower,
	"remove_special":       removeSpecial,
	"remove_whitespace":    removeWhitespace,
	"remove_leading_zeros": removeLeadingZeros,
	"normalize_whitespace": normalizeWhitespace,
}

// Name implements Operator.
func (Cleansing) Name() string { return "data_cleansing" }

// Validate implements Operator.
func (Cleansing) Validate(config Config) error {
	_, err := parseCleansingColumns(config)
	return err
}

// Apply implements Operator.
func (Cleansing) Apply(ctx context.Context, rows []Row, config Config) ([]Row, error) {
	columns, err := parseCleansingColumns(config)
	if err != nil {
		return nil, err
	}

	out := cloneRows(rows)
	for _, row := range out {
		for _, col := range columns {
			value, ok := row[col.column]
			if !ok {
				continue
			}
			text, ok := textValue(value)
			if !ok {
				continue
			}
			for _, operation := range col.operations {
				text = cleansingOperations[operation](text)
			}
			row[col.column] = text
		}
	}
	return out, nil
}

func textValue(value interface{}) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	default:
		return "", false
	}
}

func removeSpecial(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func removeWhitespace(s string) string {
	var b strings.Builder
	for _, r := range s {
		if !unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func removeLeadingZeros(s string) string {
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" && s != "" {
		return "0"
	}
	return trimmed
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func parseCleansingColumns(config Config) ([]cleansingColumn, error) {
	items := config.List("columns")
	if len(items) == 0 {
		return nil, errs.New("data_cleansing needs at least one column")
	}

	columns := make([]cleansingColumn, 0, len(items))
	for i, item := range items {
		col := cleansingColumn{
			column:     item.String("column"),
			operations: item.Strings("operations"),
		}
		if col.column == "" {
			return nil, errs.New("cleansing column %d has no name", i)
		}
		if len(col.operations) == 0 {
			return nil, errs.New("cleansing column %q has no operations", col.column)
		}
		for _, operation := range col.operations {
			if _, ok := cleansingOperations[operation]; !ok {
				return nil, errs.New("cleansing column %q has unsupported operation %q", col.column, operation)
			}
		}
		columns = append(columns, col)
	}
	return columns, nil
}
