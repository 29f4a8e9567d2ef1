// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package joiner

import (
	"context"

	"github.com/zeebo/errs"

	"storj.io/datasync/memtrack"
	"storj.io/datasync/transform"
)

// Operator adapts the joiner as the "join" pipeline operator. The
// right side comes inline from the step configuration as right_data.
type Operator struct {
	mem *memtrack.Manager
}

// NewOperator creates the join operator. The memory manager bounds the
// hash build side and may be nil.
func NewOperator(mem *memtrack.Manager) *Operator {
	return &Operator{mem: mem}
}

// Name implements transform.Operator.
func (op *Operator) Name() string { return "join" }

// Validate implements transform.Operator.
func (op *Operator) Validate(config transform.Config) error {
	switch Type(config.StringOr("join_type", string(Inner))) {
	case Inner, Left, Right, FullOuter:
	default:
		return errs.New("unsupported join_type %q", config.String("join_type"))
	}

	leftColumns := config.Strings("left_columns")
	rightColumns := config.Strings("right_columns")
	if len(leftColumns) == 0 {
		return errs.New("join needs left_columns")
	}
	if len(leftColumns) != len(rightColumns) {
		return errs.New("join needs matching left_columns and right_columns, got %d and %d",
			len(leftColumns), len(rightColumns))
	}
	if !config.Has("right_data") {
		return errs.New("join needs right_data")
	}

	switch Algorithm(config.String("algorithm")) {
	case "", Hash, SortMerge, NestedLoop:
	default:
		return errs.New("unsupported join algorithm %q", config.String("algorithm"))
	}
	return nil
}

// Apply implements transform.Operator.
func (op *Operator) Apply(ctx context.Context, rows []transform.Row, config transform.Config) ([]transform.Row, error) {
	if err := op.Validate(config); err != nil {
		return nil, err
	}

	left := Side{Rows: rows, Keys: config.Strings("left_columns")}
	right := Side{Rows: config.Rows("right_data"), Keys: config.Strings("right_columns")}

	out, _, err := Run(ctx, Config{
		Type:   Type(config.StringOr("join_type", string(Inner))),
		Forced: Algorithm(config.String("algorithm")),
		Mem:    op.mem,
	}, left, right)
	return out, err
}
