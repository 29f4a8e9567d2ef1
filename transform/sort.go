// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package transform

import (
	"context"
	"sort"

	"github.com/zeebo/errs"
)

// Sort orders rows by the configured columns. The sort is stable and
// nulls order before every other value.
type Sort struct{}

type sortColumn struct {
	column     string
	descending bool
}

// Name implements Operator.
func (Sort) Name() string { return "sort" }

// Validate implements Operator.
func (Sort) Validate(config Config) error {
	_, err := parseSortColumns(config)
	return err
}

// Apply implements Operator.
func (Sort) Apply(ctx context.Context, rows []Row, config Config) ([]Row, error) {
	columns, err := parseSortColumns(config)
	if err != nil {
		return nil, err
	}

	out := append([]Row(nil), rows...)
	sort.SliceStable(out, func(i, j int) bool {
		return compareRows(out[i], out[j], columns) < 0
	})
	return out, nil
}

func compareRows(a, b Row, columns []sortColumn) int {
	for _, col := range columns {
		cmp := Compare(a[col.column], b[col.column])
		if cmp == 0 {
			continue
		}
		if col.descending {
			return -cmp
		}
		return cmp
	}
	return 0
}

func parseSortColumns(config Config) ([]sortColumn, error) {
	items := config.List("columns")
	if len(items) == 0 {
		return nil, errs.New("sort needs at least one column")
	}

	columns := make([]sortColumn, 0, len(items))
	for i, item := range items {
		name := item.String("column")
		if name == "" {
			return nil, errs.New("sort column %d has no name", i)
		}
		switch order := item.StringOr("order", "asc"); order {
		case "asc":
			columns = append(columns, sortColumn{column: name})
		case "desc":
			columns = append(columns, sortColumn{column: name, descending: true})
		default:
			return nil, errs.New("sort column %q has unsupported order %q", name, order)
		}
	}
	return columns, nil
}
