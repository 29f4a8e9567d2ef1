// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package joiner_test

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"
	"storj.io/datasync/memtrack"
	"storj.io/datasync/transform"
	"storj.io/datasync/transform/joiner"
)

func TestOperator_JoinTypes(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	left := []transform.Row{
		{"id": 1, "n": "A"},
		{"id": 2, "n": "B"},
		{"id": 3, "n": "C"},
	}
	right := []transform.Row{
		{"id": 1, "d": "X"},
		{"id": 2, "d": "Y"},
	}

	op := joiner.NewOperator(nil)
	require.Equal(t, "join", op.Name())

	run := func(joinType string) []transform.Row {
		out, err := op.Apply(ctx, left, transform.Config{
			"join_type":     joinType,
			"left_columns":  []string{"id"},
			"right_columns": []string{"id"},
			"right_data":    right,
		})
		require.NoError(t, err)
		return out
	}

	require.Equal(t, []transform.Row{
		{"id": 1, "n": "A", "d": "X"},
		{"id": 2, "n": "B", "d": "Y"},
	}, run("inner"))

	require.Equal(t, []transform.Row{
		{"id": 1, "n": "A", "d": "X"},
		{"id": 2, "n": "B", "d": "Y"},
		{"id": 3, "n": "C", "d": nil},
	}, run("left"))

	require.Equal(t, []transform.Row{
		{"id": 1, "n": "A", "d": "X"},
		{"id": 2, "n": "B", "d": "Y"},
	}, run("right"))

	require.Equal(t, []transform.Row{
		{"id": 1, "n": "A", "d": "X"},
		{"id": 2, "n": "B", "d": "Y"},
		{"id": 3, "n": "C", "d": nil},
	}, run("full_outer"))
}

func TestOperator_Validate(t *testing.T) {
	op := joiner.NewOperator(nil)

	base := func() transform.Config {
		return transform.Config{
			"left_columns":  []string{"id"},
			"right_columns": []string{"id"},
			"right_data":    []transform.Row{{"id": 1}},
		}
	}

	require.NoError(t, op.Validate(base()))

	config := base()
	config["join_type"] = "cross"
	require.Error(t, op.Validate(config))

	config = base()
	delete(config, "left_columns")
	require.Error(t, op.Validate(config))

	config = base()
	config["right_columns"] = []string{"id", "extra"}
	require.Error(t, op.Validate(config))

	config = base()
	delete(config, "right_data")
	require.Error(t, op.Validate(config))

	config = base()
	config["algorithm"] = "quantum"
	require.Error(t, op.Validate(config))
}

// multisetSides carries duplicate keys, a null key and a missing key
// column to exercise every match path.
func multisetSides() (left, right joiner.Side) {
	left = joiner.Side{
		Keys: []string{"k"},
		Rows: []transform.Row{
			{"k": 1, "v": "a1"},
			{"k": 2, "v": "a2"},
			{"k": 2, "v": "a2b"},
			{"k": nil, "v": "a3"},
			{"v": "a4"},
		},
	}
	right = joiner.Side{
		Keys: []string{"k"},
		Rows: []transform.Row{
			{"k": 2, "w": "b1"},
			{"k": 2, "w": "b2"},
			{"k": 3, "w": "b3"},
			{"k": nil, "w": "b4"},
		},
	}
	return left, right
}

func multiset(rows []transform.Row) []string {
	columns := transform.Columns(rows)
	out := make([]string, len(rows))
	for i, row := range rows {
		out[i] = transform.Signature(row, columns)
	}
	sort.Strings(out)
	return out
}

func TestRun_AlgorithmsAgree(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	left, right := multisetSides()

	counts := map[joiner.Type]int{
		joiner.Inner:     4,
		joiner.Left:      7,
		joiner.Right:     6,
		joiner.FullOuter: 9,
	}
	algorithms := []joiner.Algorithm{joiner.Hash, joiner.SortMerge, joiner.NestedLoop}

	for joinType, want := range counts {
		var reference []string
		for _, algorithm := range algorithms {
			rows, result, err := joiner.Run(ctx, joiner.Config{
				Type:   joinType,
				Forced: algorithm,
			}, left, right)
			require.NoError(t, err)
			require.Equal(t, algorithm, result.Algorithm)
			require.Len(t, rows, want, "%s via %s", joinType, algorithm)
			require.Equal(t, want, result.Rows)

			if reference == nil {
				reference = multiset(rows)
				continue
			}
			require.Equal(t, reference, multiset(rows), "%s via %s", joinType, algorithm)
		}
	}
}

func TestRun_AlgorithmsAgreeRandomized(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	// Narrow key domains force shared keys, misses and duplicates on
	// both sides.
	randomSide := func(rows, keySpan int, payload string) joiner.Side {
		out := make([]transform.Row, rows)
		for i := range out {
			out[i] = transform.Row{
				"k":     testrand.Intn(keySpan),
				payload: testrand.Intn(1000),
			}
		}
		return joiner.Side{Keys: []string{"k"}, Rows: out}
	}

	for _, joinType := range []joiner.Type{joiner.Inner, joiner.Left, joiner.Right, joiner.FullOuter} {
		left := randomSide(120, 40, "l")
		right := randomSide(90, 40, "r")

		var reference []string
		for _, algorithm := range []joiner.Algorithm{joiner.Hash, joiner.SortMerge, joiner.NestedLoop} {
			rows, result, err := joiner.Run(ctx, joiner.Config{
				Type:   joinType,
				Forced: algorithm,
			}, left, right)
			require.NoError(t, err)
			require.Equal(t, algorithm, result.Algorithm)

			if reference == nil {
				reference = multiset(rows)
				continue
			}
			require.Equal(t, reference, multiset(rows), "%s via %s", joinType, algorithm)
		}
	}
}

func TestRun_NullKeysNeverMatch(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	left := joiner.Side{
		Keys: []string{"k"},
		Rows: []transform.Row{{"k": nil, "v": "a"}},
	}
	right := joiner.Side{
		Keys: []string{"k"},
		Rows: []transform.Row{{"k": nil, "w": "b"}},
	}

	rows, _, err := joiner.Run(ctx, joiner.Config{Type: joiner.Inner}, left, right)
	require.NoError(t, err)
	require.Empty(t, rows)

	rows, _, err = joiner.Run(ctx, joiner.Config{Type: joiner.FullOuter}, left, right)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestRun_SharedKeyCoalesced(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	left := joiner.Side{
		Keys: []string{"id"},
		Rows: []transform.Row{{"id": 1, "name": "a"}},
	}
	right := joiner.Side{
		Keys: []string{"id"},
		Rows: []transform.Row{
			{"id": 1, "score": 10},
			{"id": 9, "score": 90},
		},
	}

	rows, _, err := joiner.Run(ctx, joiner.Config{Type: joiner.FullOuter}, left, right)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Equal-name keys merge into one column; the unmatched right row
	// carries its own key value there.
	require.Equal(t, transform.Row{"id": 1, "name": "a", "score": 10}, rows[0])
	require.Equal(t, transform.Row{"id": 9, "name": nil, "score": 90}, rows[1])
}

func TestRun_RightColumnCollision(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	left := joiner.Side{
		Keys: []string{"id"},
		Rows: []transform.Row{{"id": 1, "name": "from left"}},
	}
	right := joiner.Side{
		Keys: []string{"id"},
		Rows: []transform.Row{{"id": 1, "name": "from right"}},
	}

	rows, _, err := joiner.Run(ctx, joiner.Config{Type: joiner.Inner}, left, right)
	require.NoError(t, err)
	require.Equal(t, []transform.Row{
		{"id": 1, "name": "from left", "right_name": "from right"},
	}, rows)
}

func TestRun_MemoryBudget(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	left := joiner.Side{Keys: []string{"k"}}
	for i := 0; i < 30; i++ {
		left.Rows = append(left.Rows, transform.Row{"k": i, "v": "payload"})
	}
	right := joiner.Side{
		Keys: []string{"k"},
		Rows: []transform.Row{{"k": 0, "w": "x"}, {"k": 1, "w": "y"}},
	}

	tight, err := memtrack.NewManager(zaptest.NewLogger(t), memtrack.Config{
		MaxMemory:    1,
		SpillEnabled: false,
		SpillDir:     ctx.Dir("spill"),
	})
	require.NoError(t, err)
	defer ctx.Check(tight.Close)

	// The build side does not fit, so the selected hash join demotes.
	rows, result, err := joiner.Run(ctx, joiner.Config{
		Type: joiner.Inner,
		Mem:  tight,
	}, left, right)
	require.NoError(t, err)
	require.Equal(t, joiner.SortMerge, result.Algorithm)
	require.Len(t, rows, 2)

	// A forced hash join fails instead of demoting.
	_, _, err = joiner.Run(ctx, joiner.Config{
		Type:   joiner.Inner,
		Forced: joiner.Hash,
		Mem:    tight,
	}, left, right)
	require.Error(t, err)
	require.True(t, memtrack.ErrBudgetExceeded.Has(err))

	roomy, err := memtrack.NewManager(zaptest.NewLogger(t), memtrack.Config{
		MaxMemory:    1 << 30,
		SpillEnabled: false,
		SpillDir:     ctx.Dir("spill-roomy"),
	})
	require.NoError(t, err)
	defer ctx.Check(roomy.Close)

	_, result, err = joiner.Run(ctx, joiner.Config{
		Type: joiner.Inner,
		Mem:  roomy,
	}, left, right)
	require.NoError(t, err)
	require.Equal(t, joiner.Hash, result.Algorithm)
	require.EqualValues(t, 0, roomy.Stats().Current)
}

func TestSelectAlgorithm(t *testing.T) {
	cases := []struct {
		name        string
		left, right joiner.Stats
		forced      joiner.Algorithm
		want        joiner.Algorithm
	}{
		{
			name: "forced wins",
			left: joiner.Stats{Rows: 5, Bytes: 100}, right: joiner.Stats{Rows: 5, Bytes: 100},
			forced: joiner.NestedLoop, want: joiner.NestedLoop,
		},
		{
			name: "small build side by rows",
			left: joiner.Stats{Rows: 200_000, Bytes: 300 << 20}, right: joiner.Stats{Rows: 5_000, Bytes: 2 << 20},
			want: joiner.Hash,
		},
		{
			name: "small build side by bytes",
			left: joiner.Stats{Rows: 250_000, Bytes: 400 << 20}, right: joiner.Stats{Rows: 20_000, Bytes: 512 << 10},
			want: joiner.Hash,
		},
		{
			name: "both sorted on key",
			left: joiner.Stats{Rows: 500_000, Bytes: 80 << 20, SortedOnKey: true}, right: joiner.Stats{Rows: 400_000, Bytes: 60 << 20, SortedOnKey: true},
			want: joiner.SortMerge,
		},
		{
			name: "very large side",
			left: joiner.Stats{Rows: 2_000_000, Bytes: 500 << 20}, right: joiner.Stats{Rows: 500_000, Bytes: 100 << 20},
			want: joiner.SortMerge,
		},
		{
			name: "both mid sized",
			left: joiner.Stats{Rows: 50_000, Bytes: 30 << 20}, right: joiner.Stats{Rows: 60_000, Bytes: 40 << 20},
			want: joiner.Hash,
		},
		{
			// The mid-size rule catches tiny inputs before the nested
			// loop rule can.
			name: "tiny inputs still hash",
			left: joiner.Stats{Rows: 500, Bytes: 100 << 10}, right: joiner.Stats{Rows: 800, Bytes: 200 << 10},
			want: joiner.Hash,
		},
		{
			name: "default is sort merge",
			left: joiner.Stats{Rows: 150_000, Bytes: 30 << 20}, right: joiner.Stats{Rows: 120_000, Bytes: 40 << 20},
			want: joiner.SortMerge,
		},
	}

	for _, tc := range cases {
		require.Equal(t, tc.want, joiner.SelectAlgorithm(tc.left, tc.right, tc.forced), tc.name)
	}
}

func TestSideStats(t *testing.T) {
	rows := []transform.Row{{"id": 1, "v": "abc"}, {"id": 2, "v": "def"}}

	stats := joiner.Side{Rows: rows, Keys: []string{"id"}, Sorted: true, SortColumn: "ID"}.Stats()
	require.True(t, stats.SortedOnKey)
	require.Equal(t, 2, stats.Rows)
	require.Greater(t, stats.Bytes, int64(0))

	stats = joiner.Side{Rows: rows, Keys: []string{"id"}, Sorted: true, SortColumn: "v"}.Stats()
	require.False(t, stats.SortedOnKey)

	stats = joiner.Side{Rows: rows, Keys: []string{"id"}, Bytes: 42}.Stats()
	require.EqualValues(t, 42, stats.Bytes)

	require.EqualValues(t, 0, joiner.EstimateBytes(nil))
}

func TestPlanner_Plan(t *testing.T) {
	var planner joiner.Planner

	require.Equal(t, joiner.Broadcast, planner.Plan(
		joiner.Stats{Rows: 1_000_000, Bytes: 100 << 20},
		joiner.Stats{Rows: 10_000, Bytes: 5 << 20},
	))
	require.Equal(t, joiner.DistributedSortMerge, planner.Plan(
		joiner.Stats{Rows: 2_000_000, Bytes: 500 << 20},
		joiner.Stats{Rows: 3_000_000, Bytes: 700 << 20},
	))
	require.Equal(t, joiner.ShuffleHash, planner.Plan(
		joiner.Stats{Rows: 500_000, Bytes: 50 << 20},
		joiner.Stats{Rows: 300_000, Bytes: 20 << 20},
	))

	// A lowered budget turns broadcasts into shuffles.
	tight := joiner.Planner{BroadcastBytes: 1}
	require.Equal(t, joiner.ShuffleHash, tight.Plan(
		joiner.Stats{Rows: 1_000_000, Bytes: 100 << 20},
		joiner.Stats{Rows: 10_000, Bytes: 5 << 20},
	))
}

func TestDistributedQuery(t *testing.T) {
	query := joiner.DistributedQuery(
		joiner.Left, joiner.Broadcast,
		joiner.Relation{Schema: "silver", Table: "orders"},
		joiner.Relation{Schema: "silver", Table: "customers"},
		[]string{"customer_id"}, []string{"id"},
	)
	require.Equal(t,
		`SELECT /*+ BROADCAST(r) */ * FROM "silver"."orders" l LEFT JOIN "silver"."customers" r ON l."customer_id" = r."id"`,
		query)

	query = joiner.DistributedQuery(
		joiner.FullOuter, joiner.DistributedSortMerge,
		joiner.Relation{Schema: "gold", Table: "a"},
		joiner.Relation{Schema: "gold", Table: "b"},
		[]string{"x", "y"}, []string{"x", "z"},
	)
	require.Equal(t,
		`SELECT /*+ MERGE(r) */ * FROM "gold"."a" l FULL OUTER JOIN "gold"."b" r ON l."x" = r."x" AND l."y" = r."z"`,
		query)
}

type fakeFabric struct {
	queries []string
	rows    int64
	err     error
}

func (fabric *fakeFabric) Name() string { return "fabric-test" }

func (fabric *fakeFabric) ExecuteJoin(ctx context.Context, query string) (int64, error) {
	fabric.queries = append(fabric.queries, query)
	if fabric.err != nil {
		return 0, fabric.err
	}
	return fabric.rows, nil
}

func TestRunDistributed(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fabric := &fakeFabric{rows: 42}
	result, err := joiner.RunDistributed(ctx, fabric, joiner.Inner,
		joiner.Relation{Schema: "silver", Table: "orders"},
		joiner.Relation{Schema: "silver", Table: "customers"},
		joiner.Stats{Rows: 1_000_000, Bytes: 100 << 20},
		joiner.Stats{Rows: 10_000, Bytes: 5 << 20},
		[]string{"customer_id"}, []string{"id"},
		joiner.Planner{},
	)
	require.NoError(t, err)
	require.Equal(t, joiner.Broadcast, result.Algorithm)
	require.EqualValues(t, 42, result.Rows)
	require.Len(t, fabric.queries, 1)
	require.Contains(t, fabric.queries[0], "/*+ BROADCAST(r) */")

	fabric.err = errs.New("fabric offline")
	_, err = joiner.RunDistributed(ctx, fabric, joiner.Inner,
		joiner.Relation{Schema: "silver", Table: "orders"},
		joiner.Relation{Schema: "silver", Table: "customers"},
		joiner.Stats{}, joiner.Stats{}, []string{"id"}, []string{"id"},
		joiner.Planner{},
	)
	require.Error(t, err)
	require.Contains(t, err.Error(), "fabric offline")
}
