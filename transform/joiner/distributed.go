// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package joiner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
)

// DistributedAlgorithm names a remote join strategy.
type DistributedAlgorithm string

// Remote join strategies.
const (
	Broadcast            DistributedAlgorithm = "broadcast"
	ShuffleHash          DistributedAlgorithm = "shuffle_hash"
	DistributedSortMerge DistributedAlgorithm = "sort_merge"
)

// DefaultBroadcastBytes is the size under which the smaller side is
// shipped whole to every worker.
const DefaultBroadcastBytes = 10 << 20

// Fabric submits a join to the distributed backend. The backend writes
// the result itself and only reports how many rows it produced; rows
// never stream back.
//
// architecture: Service
type Fabric interface {
	// Name identifies the fabric in logs.
	Name() string
	// ExecuteJoin runs the statement remotely and returns the number
	// of rows the join produced.
	ExecuteJoin(ctx context.Context, query string) (int64, error)
}

// Planner picks the remote strategy from the side shapes.
type Planner struct {
	// BroadcastBytes overrides DefaultBroadcastBytes when positive.
	BroadcastBytes int64
}

// Plan selects broadcast when the smaller side fits the broadcast
// budget, sort-merge when both sides are very large and shuffle-hash
// for everything in between.
func (planner Planner) Plan(left, right Stats) DistributedAlgorithm {
	limit := planner.BroadcastBytes
	if limit <= 0 {
		limit = DefaultBroadcastBytes
	}

	small := left
	if right.Bytes < left.Bytes {
		small = right
	}
	if small.Bytes < limit {
		return Broadcast
	}
	if left.Rows > sortMergeRows && right.Rows > sortMergeRows {
		return DistributedSortMerge
	}
	return ShuffleHash
}

// Relation names one side's table on the backend.
type Relation struct {
	Schema string
	Table  string
}

func (relation Relation) sql() string {
	return quoteIdent(relation.Schema) + "." + quoteIdent(relation.Table)
}

// DistributedQuery renders the join as a single statement with the
// strategy hint the backend understands.
func DistributedQuery(joinType Type, algorithm DistributedAlgorithm, left, right Relation, leftKeys, rightKeys []string) string {
	var hint string
	switch algorithm {
	case Broadcast:
		hint = "BROADCAST(r)"
	case ShuffleHash:
		hint = "SHUFFLE_HASH(r)"
	case DistributedSortMerge:
		hint = "MERGE(r)"
	}

	var joinClause string
	switch joinType {
	case Left:
		joinClause = "LEFT JOIN"
	case Right:
		joinClause = "RIGHT JOIN"
	case FullOuter:
		joinClause = "FULL OUTER JOIN"
	default:
		joinClause = "INNER JOIN"
	}

	conditions := make([]string, 0, len(leftKeys))
	for i, name := range leftKeys {
		if i >= len(rightKeys) {
			break
		}
		conditions = append(conditions, fmt.Sprintf("l.%s = r.%s", quoteIdent(name), quoteIdent(rightKeys[i])))
	}

	return fmt.Sprintf("SELECT /*+ %s */ * FROM %s l %s %s r ON %s",
		hint, left.sql(), joinClause, right.sql(), strings.Join(conditions, " AND "))
}

// DistributedResult reports what a remote join did.
type DistributedResult struct {
	Algorithm DistributedAlgorithm
	Rows      int64
	Elapsed   time.Duration
}

// RunDistributed plans, renders and submits the join, reporting the
// remote row count.
func RunDistributed(ctx context.Context, fabric Fabric, joinType Type, left, right Relation, leftStats, rightStats Stats, leftKeys, rightKeys []string, planner Planner) (_ DistributedResult, err error) {
	defer mon.Task()(&ctx)(&err)

	algorithm := planner.Plan(leftStats, rightStats)
	query := DistributedQuery(joinType, algorithm, left, right, leftKeys, rightKeys)

	started := time.Now()
	count, err := fabric.ExecuteJoin(ctx, query)
	if err != nil {
		return DistributedResult{}, Error.Wrap(err)
	}

	mon.Counter("join_distributed_runs", monkit.NewSeriesTag("algorithm", string(algorithm))).Inc(1)
	return DistributedResult{Algorithm: algorithm, Rows: count, Elapsed: time.Since(started)}, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
