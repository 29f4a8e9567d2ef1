// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package transform

import (
	"context"

	"github.com/zeebo/errs"
)

// Window computes window functions over partitions ordered by a
// column, writing each result into a target column. The input row
// order is preserved.
type Window struct{}

type windowSpec struct {
	function     string
	targetColumn string
	sourceColumn string
	partitionBy  []string
	orderBy      string
	offset       int
	defaultValue interface{}
}

var windowFunctions = map[string]bool{
	"row_number": true, "rank": true, "dense_rank": true,
	"lag": true, "lead": true,
	"first_value": true, "last_value": true,
}

var windowNeedsSource = map[string]bool{
	"lag": true, "lead": true, "first_value": true, "last_value": true,
}

// Name implements Operator.
func (Window) Name() string { return "window_functions" }

// Validate implements Operator.
func (Window) Validate(config Config) error {
	_, err := parseWindows(config)
	return err
}

// Apply implements Operator.
func (Window) Apply(ctx context.Context, rows []Row, config Config) ([]Row, error) {
	windows, err := parseWindows(config)
	if err != nil {
		return nil, err
	}

	out := cloneRows(rows)
	for _, w := range windows {
		partitions, order := partitionRows(rows, w.partitionBy)
		for _, key := range order {
			sorted := sortIndices(rows, partitions[key], w.orderBy, false)
			applyWindow(rows, sorted, w, out)
		}
	}
	return out, nil
}

func applyWindow(rows []Row, sorted []int, w windowSpec, out []Row) {
	switch w.function {
	case "row_number":
		for pos, idx := range sorted {
			out[idx][w.targetColumn] = int64(pos + 1)
		}

	case "rank", "dense_rank":
		var rank, dense int64
		for pos, idx := range sorted {
			tied := pos > 0 && Compare(rows[idx][w.orderBy], rows[sorted[pos-1]][w.orderBy]) == 0
			if !tied {
				rank = int64(pos + 1)
				dense++
			}
			if w.function == "rank" {
				out[idx][w.targetColumn] = rank
			} else {
				out[idx][w.targetColumn] = dense
			}
		}

	case "lag":
		for pos, idx := range sorted {
			if prev := pos - w.offset; prev >= 0 {
				out[idx][w.targetColumn] = rows[sorted[prev]][w.sourceColumn]
			} else {
				out[idx][w.targetColumn] = w.defaultValue
			}
		}

	case "lead":
		for pos, idx := range sorted {
			if next := pos + w.offset; next < len(sorted) {
				out[idx][w.targetColumn] = rows[sorted[next]][w.sourceColumn]
			} else {
				out[idx][w.targetColumn] = w.defaultValue
			}
		}

	case "first_value":
		if len(sorted) == 0 {
			return
		}
		first := rows[sorted[0]][w.sourceColumn]
		for _, idx := range sorted {
			out[idx][w.targetColumn] = first
		}

	case "last_value":
		if len(sorted) == 0 {
			return
		}
		last := rows[sorted[len(sorted)-1]][w.sourceColumn]
		for _, idx := range sorted {
			out[idx][w.targetColumn] = last
		}
	}
}

func parseWindows(config Config) ([]windowSpec, error) {
	items := config.List("windows")
	if len(items) == 0 {
		return nil, errs.New("window_functions needs at least one window")
	}

	windows := make([]windowSpec, 0, len(items))
	for i, item := range items {
		w := windowSpec{
			function:     item.String("function"),
			targetColumn: item.String("target_column"),
			sourceColumn: item.String("source_column"),
			partitionBy:  item.Strings("partition_by"),
			orderBy:      item.String("order_by"),
			offset:       item.Int("offset", 1),
			defaultValue: item["default_value"],
		}
		if !windowFunctions[w.function] {
			return nil, errs.New("window %d has unsupported function %q", i, w.function)
		}
		if w.targetColumn == "" {
			return nil, errs.New("window %d has no target_column", i)
		}
		if w.orderBy == "" {
			return nil, errs.New("window %d has no order_by", i)
		}
		if windowNeedsSource[w.function] && w.sourceColumn == "" {
			return nil, errs.New("window %d function %q needs a source_column", i, w.function)
		}
		if w.offset <= 0 {
			return nil, errs.New("window %d needs a positive offset", i)
		}
		windows = append(windows, w)
	}
	return windows, nil
}
