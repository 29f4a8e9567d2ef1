// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package transform

import (
	"context"
	"sort"

	"github.com/zeebo/errs"
)

// RankColumn carries the computed rank for the ranking modes.
const RankColumn = "_rank"

// Rank keeps the top or bottom rows of each partition, or annotates
// every row with its rank. The ranking modes preserve the input row
// order; top_n and bottom_n emit rows in rank order.
type Rank struct{}

var rankTypes = map[string]bool{
	"top_n": true, "bottom_n": true,
	"rank": true, "dense_rank": true, "row_number": true,
}

// Name implements Operator.
func (Rank) Name() string { return "rank" }

// Validate implements Operator.
func (Rank) Validate(config Config) error {
	rankType := config.String("rank_type")
	if !rankTypes[rankType] {
		return errs.New("unsupported rank_type %q", rankType)
	}
	if config.String("order_column") == "" {
		return errs.New("rank needs an order_column")
	}
	if rankType == "top_n" || rankType == "bottom_n" {
		if config.Int("n", 0) <= 0 {
			return errs.New("%s needs n greater than zero", rankType)
		}
	}
	return nil
}

// Apply implements Operator.
func (op Rank) Apply(ctx context.Context, rows []Row, config Config) ([]Row, error) {
	if err := op.Validate(config); err != nil {
		return nil, err
	}

	rankType := config.String("rank_type")
	orderColumn := config.String("order_column")
	partitionBy := config.Strings("partition_by")
	n := config.Int("n", 0)

	partitions, order := partitionRows(rows, partitionBy)

	switch rankType {
	case "top_n", "bottom_n":
		descending := rankType == "top_n"
		var out []Row
		for _, key := range order {
			sorted := sortIndices(rows, partitions[key], orderColumn, descending)
			if len(sorted) > n {
				sorted = sorted[:n]
			}
			for _, idx := range sorted {
				out = append(out, rows[idx])
			}
		}
		return out, nil

	default:
		ranks := make([]int64, len(rows))
		for _, key := range order {
			sorted := sortIndices(rows, partitions[key], orderColumn, false)
			assignRanks(rows, sorted, orderColumn, rankType, ranks)
		}
		out := make([]Row, len(rows))
		for i, row := range rows {
			ranked := row.Clone()
			ranked[RankColumn] = ranks[i]
			out[i] = ranked
		}
		return out, nil
	}
}

func partitionRows(rows []Row, partitionBy []string) (map[string][]int, []string) {
	partitions := make(map[string][]int)
	var order []string
	for i, row := range rows {
		key := Signature(row, partitionBy)
		if _, ok := partitions[key]; !ok {
			order = append(order, key)
		}
		partitions[key] = append(partitions[key], i)
	}
	return partitions, order
}

// sortIndices orders the row indices by the order column without
// disturbing the rows themselves. The sort is stable so ties keep
// their input order.
func sortIndices(rows []Row, indices []int, orderColumn string, descending bool) []int {
	sorted := append([]int(nil), indices...)
	sort.SliceStable(sorted, func(i, j int) bool {
		cmp := Compare(rows[sorted[i]][orderColumn], rows[sorted[j]][orderColumn])
		if descending {
			return cmp > 0
		}
		return cmp < 0
	})
	return sorted
}

func assignRanks(rows []Row, sorted []int, orderColumn, rankType string, ranks []int64) {
	var rank, dense int64
	for pos, idx := range sorted {
		tied := pos > 0 && Compare(rows[idx][orderColumn], rows[sorted[pos-1]][orderColumn]) == 0
		switch rankType {
		case "row_number":
			ranks[idx] = int64(pos + 1)
		case "rank":
			if !tied {
				rank = int64(pos + 1)
			}
			ranks[idx] = rank
		case "dense_rank":
			if !tied {
				dense++
			}
			ranks[idx] = dense
		}
	}
}
