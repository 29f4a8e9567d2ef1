// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package transform

import (
	"context"

	"github.com/zeebo/errs"
)

// Union appends the configured row sequences to the input. Every
// output row is normalized to the superset of columns across all
// sequences, with nulls for the columns a row is missing. union
// deduplicates by full-row signature, union_all keeps everything.
type Union struct{}

// Name implements Operator.
func (Union) Name() string { return "union" }

// Validate implements Operator.
func (Union) Validate(config Config) error {
	switch unionType := config.StringOr("union_type", "union_all"); unionType {
	case "union", "union_all":
	default:
		return errs.New("unsupported union_type %q", unionType)
	}
	if !config.Has("additional_data") {
		return errs.New("union needs additional_data")
	}
	return nil
}

// Apply implements Operator.
func (op Union) Apply(ctx context.Context, rows []Row, config Config) ([]Row, error) {
	if err := op.Validate(config); err != nil {
		return nil, err
	}
	unionType := config.StringOr("union_type", "union_all")
	groups := config.RowGroups("additional_data")

	combined := make([]Row, 0, len(rows))
	combined = append(combined, rows...)
	for _, group := range groups {
		combined = append(combined, group...)
	}

	columns := Columns(combined)
	normalized := make([]Row, len(combined))
	for i, row := range combined {
		padded := make(Row, len(columns))
		for _, name := range columns {
			if value, ok := row[name]; ok {
				padded[name] = value
			} else {
				padded[name] = nil
			}
		}
		normalized[i] = padded
	}

	if unionType == "union_all" {
		return normalized, nil
	}

	seen := make(map[string]bool, len(normalized))
	out := make([]Row, 0, len(normalized))
	for _, row := range normalized {
		sig := Signature(row, columns)
		if seen[sig] {
			continue
		}
		seen[sig] = true
		out = append(out, row)
	}
	return out, nil
}
