// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package transform

import (
	"context"

	"github.com/zeebo/errs"
)

// Normalizer unpivots the configured columns: each input row becomes
// one output row per listed column, carrying the column name in the
// key column and its value in the value column. Other columns are
// preserved on every output row.
type Normalizer struct{}

// Name implements Operator.
func (Normalizer) Name() string { return "normalizer" }

// Validate implements Operator.
func (Normalizer) Validate(config Config) error {
	if len(config.Strings("columns")) == 0 {
		return errs.New("normalizer needs columns to unpivot")
	}
	return nil
}

// Apply implements Operator.
func (op Normalizer) Apply(ctx context.Context, rows []Row, config Config) ([]Row, error) {
	if err := op.Validate(config); err != nil {
		return nil, err
	}
	columns := config.Strings("columns")
	keyColumn := config.StringOr("key_column", "key")
	valueColumn := config.StringOr("value_column", "value")

	unpivoted := make(map[string]bool, len(columns))
	for _, name := range columns {
		unpivoted[name] = true
	}

	out := make([]Row, 0, len(rows)*len(columns))
	for _, row := range rows {
		base := make(Row, len(row))
		for name, value := range row {
			if !unpivoted[name] {
				base[name] = value
			}
		}
		for _, name := range columns {
			exploded := base.Clone()
			exploded[keyColumn] = name
			exploded[valueColumn] = row[name]
			out = append(out, exploded)
		}
	}
	return out, nil
}
