// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package transform

import "context"

// Filter keeps the rows matching the configured condition.
type Filter struct{}

// Name implements Operator.
func (Filter) Name() string { return "filter" }

// Validate implements Operator.
func (Filter) Validate(config Config) error {
	_, err := parseCondition(config.Map("condition"))
	return err
}

// Apply implements Operator.
func (Filter) Apply(ctx context.Context, rows []Row, config Config) ([]Row, error) {
	cond, err := parseCondition(config.Map("condition"))
	if err != nil {
		return nil, err
	}

	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		if cond.matches(row) {
			out = append(out, row)
		}
	}
	return out, nil
}
