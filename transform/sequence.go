// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package transform

import (
	"context"

	"github.com/zeebo/errs"
)

// Sequence assigns consecutive numbers to rows in input order.
type Sequence struct{}

// Name implements Operator.
func (Sequence) Name() string { return "sequence_generator" }

// Validate implements Operator.
func (Sequence) Validate(config Config) error {
	if config.String("target_column") == "" {
		return errs.New("sequence_generator needs a target_column")
	}
	if config.Int("increment", 1) == 0 {
		return errs.New("sequence_generator increment must not be zero")
	}
	return nil
}

// Apply implements Operator.
func (op Sequence) Apply(ctx context.Context, rows []Row, config Config) ([]Row, error) {
	if err := op.Validate(config); err != nil {
		return nil, err
	}
	targetColumn := config.String("target_column")
	start := int64(config.Int("start_value", 1))
	increment := int64(config.Int("increment", 1))

	out := make([]Row, len(rows))
	for i, row := range rows {
		numbered := row.Clone()
		numbered[targetColumn] = start + int64(i)*increment
		out[i] = numbered
	}
	return out, nil
}
