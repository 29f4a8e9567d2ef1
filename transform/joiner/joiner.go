// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package joiner implements the equi-join algorithms behind the join
// operator. The algorithm is chosen from the shape of the two sides
// unless the caller forces one, and a memory budget can demote a hash
// join to sort-merge before the build side is materialized. All
// algorithms produce the same row multiset for the same inputs.
package joiner

import (
	"context"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/datasync/memtrack"
	"storj.io/datasync/transform"
)

var (
	// Error is the default error class for the joiner package.
	Error = errs.Class("joiner")

	mon = monkit.Package()
)

// Algorithm names a local join strategy.
type Algorithm string

// Local join algorithms.
const (
	Hash       Algorithm = "hash_join"
	SortMerge  Algorithm = "sort_merge_join"
	NestedLoop Algorithm = "nested_loop_join"
)

// Type is the join mode.
type Type string

// Join modes.
const (
	Inner     Type = "inner"
	Left      Type = "left"
	Right     Type = "right"
	FullOuter Type = "full_outer"
)

// Side is one input of a join. Bytes may carry a caller-known size
// estimate; when zero it is estimated from the rows. Sorted and
// SortColumn describe a pre-existing ordering, which lets the selector
// skip the sort-merge sort phase consideration.
type Side struct {
	Rows       []transform.Row
	Keys       []string
	Bytes      int64
	Sorted     bool
	SortColumn string
}

// Stats is the shape summary of one side used for algorithm selection.
type Stats struct {
	Rows        int
	Bytes       int64
	SortedOnKey bool
}

// Stats summarizes the side, estimating Bytes when the caller did not
// provide it.
func (side Side) Stats() Stats {
	bytes := side.Bytes
	if bytes == 0 {
		bytes = EstimateBytes(side.Rows)
	}
	return Stats{
		Rows:        len(side.Rows),
		Bytes:       bytes,
		SortedOnKey: side.Sorted && len(side.Keys) > 0 && strings.EqualFold(side.SortColumn, side.Keys[0]),
	}
}

// Config controls one join run.
type Config struct {
	Type   Type
	Forced Algorithm
	Mem    *memtrack.Manager
}

// Result reports what a join run did.
type Result struct {
	Algorithm Algorithm
	Rows      int
	Elapsed   time.Duration
}

// Selection thresholds.
const (
	hashSmallRows  = 10_000
	hashSmallBytes = 1 << 20
	hashMidRows    = 100_000
	nestedTinyRows = 1_000
	sortMergeRows  = 1_000_000
)

// SelectAlgorithm picks the join algorithm from the side shapes. A
// forced algorithm always wins. Hash wins when the smaller side is
// small in absolute terms and no more than a tenth of the larger.
// Sort-merge wins when both sides arrive sorted on their keys or
// either side is very large, and is the default for everything the
// other rules leave over.
func SelectAlgorithm(left, right Stats, forced Algorithm) Algorithm {
	if forced != "" {
		return forced
	}

	small, large := left, right
	if right.Rows < left.Rows {
		small, large = right, left
	}
	if (small.Rows < hashSmallRows || small.Bytes < hashSmallBytes) && small.Rows*10 <= large.Rows {
		return Hash
	}

	if (left.SortedOnKey && right.SortedOnKey) || left.Rows > sortMergeRows || right.Rows > sortMergeRows {
		return SortMerge
	}
	if left.Rows < hashMidRows && right.Rows < hashMidRows {
		return Hash
	}
	if left.Rows < nestedTinyRows && right.Rows < nestedTinyRows {
		return NestedLoop
	}
	return SortMerge
}

// Run joins the two sides and reports which algorithm ran. The hash
// join materializes the right side; when a memory manager is set and
// the build would not fit the budget, the run demotes to sort-merge
// unless the algorithm was forced.
func Run(ctx context.Context, config Config, left, right Side) (_ []transform.Row, result Result, err error) {
	defer mon.Task()(&ctx)(&err)

	switch config.Type {
	case Inner, Left, Right, FullOuter:
	default:
		return nil, Result{}, Error.New("unsupported join type %q", config.Type)
	}

	leftStats, rightStats := left.Stats(), right.Stats()
	algorithm := SelectAlgorithm(leftStats, rightStats, config.Forced)

	if algorithm == Hash && config.Mem != nil {
		buildBytes := rightStats.Bytes
		switch {
		case config.Forced == "" && config.Mem.NeedsSpill(buildBytes):
			algorithm = SortMerge
			mon.Event("join_hash_budget_fallback")
		default:
			if err := config.Mem.Reserve(buildBytes, "hash join build"); err != nil {
				if config.Forced != "" {
					return nil, Result{}, Error.Wrap(err)
				}
				algorithm = SortMerge
				mon.Event("join_hash_budget_fallback")
			} else {
				defer config.Mem.Release(buildBytes)
			}
		}
	}

	started := time.Now()
	var rows []transform.Row
	switch algorithm {
	case Hash:
		rows = hashJoin(config.Type, left, right)
	case SortMerge:
		rows = sortMergeJoin(config.Type, left, right)
	case NestedLoop:
		rows = nestedLoopJoin(config.Type, left, right)
	default:
		return nil, Result{}, Error.New("unsupported join algorithm %q", algorithm)
	}

	result = Result{Algorithm: algorithm, Rows: len(rows), Elapsed: time.Since(started)}
	mon.Counter("join_runs", monkit.NewSeriesTag("algorithm", string(algorithm))).Inc(1)
	mon.IntVal("join_rows").Observe(int64(len(rows)))
	return rows, result, nil
}

// EstimateBytes approximates the in-memory size of the rows from a
// bounded sample.
func EstimateBytes(rows []transform.Row) int64 {
	if len(rows) == 0 {
		return 0
	}
	sample := len(rows)
	if sample > 64 {
		sample = 64
	}
	var total int64
	for _, row := range rows[:sample] {
		total += rowBytes(row)
	}
	return total / int64(sample) * int64(len(rows))
}

func rowBytes(row transform.Row) int64 {
	size := int64(48)
	for name, value := range row {
		size += int64(len(name)) + 16
		switch v := value.(type) {
		case string:
			size += int64(len(v))
		case []byte:
			size += int64(len(v))
		default:
			size += 8
		}
	}
	return size
}
