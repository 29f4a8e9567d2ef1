// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package warehouse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storj.io/datasync/transform"
)

func TestMergeOverwrite(t *testing.T) {
	dim := DimensionTable{
		Name:         "dim_product",
		SCD:          SCD1,
		BusinessKeys: []string{"sku"},
		Attributes:   []string{"price"},
	}
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	existing, _ := mergeDimension(dim, nil, []transform.Row{
		{"sku": "a", "price": 10},
		{"sku": "b", "price": 20},
	}, now)
	require.Len(t, existing, 2)

	// Duplicate staged members collapse to the first occurrence; a
	// member absent from the staged rows keeps its row.
	state, current := mergeDimension(dim, existing, []transform.Row{
		{"sku": "a", "price": 11},
		{"sku": "a", "price": 99},
		{"sku": "c", "price": 30},
	}, now)
	require.Len(t, state, 3)
	require.Equal(t, state, current)

	require.Equal(t, 11, findRow(t, state, "sku", "a")["price"])
	require.Equal(t, 20, findRow(t, state, "sku", "b")["price"])
	require.Equal(t, 30, findRow(t, state, "sku", "c")["price"])
}

func TestMergeVersioned(t *testing.T) {
	dim := DimensionTable{
		Name:         "dim_product",
		SCD:          SCD2,
		BusinessKeys: []string{"sku"},
		Attributes:   []string{"price"},
	}
	t1 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(24 * time.Hour)

	staged := []transform.Row{{"sku": "a", "price": 10}}
	state, current := mergeDimension(dim, nil, staged, t1)
	require.Len(t, state, 1)
	require.Equal(t, state, current)
	require.Equal(t, t1, state[0][dimValidFrom])
	require.Nil(t, state[0][dimValidTo])
	require.Equal(t, true, state[0][dimIsCurrent])

	// Same attributes at a later time add nothing.
	again, _ := mergeDimension(dim, state, staged, t2)
	require.Equal(t, state, again)

	// A changed attribute closes the current version and appends a new
	// one.
	state, current = mergeDimension(dim, state, []transform.Row{{"sku": "a", "price": 12}}, t2)
	require.Len(t, state, 2)
	require.Len(t, current, 1)

	closed := state[0]
	require.Equal(t, 10, closed["price"])
	require.Equal(t, t1, closed[dimValidFrom])
	require.Equal(t, t2, closed[dimValidTo])
	require.Equal(t, false, closed[dimIsCurrent])

	open := state[1]
	require.Equal(t, 12, open["price"])
	require.Equal(t, t2, open[dimValidFrom])
	require.Nil(t, open[dimValidTo])
	require.Equal(t, true, open[dimIsCurrent])
	require.Equal(t, closed[dimKeyColumn], open[dimKeyColumn])
	require.Equal(t, open, current[0])
}

func TestMergePriorValue(t *testing.T) {
	dim := DimensionTable{
		Name:         "dim_product",
		SCD:          SCD3,
		BusinessKeys: []string{"sku"},
		Attributes:   []string{"price", "label"},
	}
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	state, _ := mergeDimension(dim, nil, []transform.Row{
		{"sku": "a", "price": 10, "label": "new"},
	}, now)
	require.Len(t, state, 1)
	require.Nil(t, state[0]["prior_price"])
	require.Nil(t, state[0]["prior_label"])

	// Only the changed attribute's prior moves; the other keeps its
	// prior value.
	state, _ = mergeDimension(dim, state, []transform.Row{
		{"sku": "a", "price": 12, "label": "new"},
	}, now)
	require.Len(t, state, 1)
	require.Equal(t, 12, state[0]["price"])
	require.Equal(t, 10, state[0]["prior_price"])
	require.Nil(t, state[0]["prior_label"])

	// Unchanged rows are left alone.
	again, _ := mergeDimension(dim, state, []transform.Row{
		{"sku": "a", "price": 12, "label": "new"},
	}, now)
	require.Equal(t, state, again)

	state, _ = mergeDimension(dim, state, []transform.Row{
		{"sku": "a", "price": 15, "label": "sale"},
	}, now)
	require.Equal(t, 15, state[0]["price"])
	require.Equal(t, 12, state[0]["prior_price"])
	require.Equal(t, "sale", state[0]["label"])
	require.Equal(t, "new", state[0]["prior_label"])
}

func TestDimensionColumns(t *testing.T) {
	state := []transform.Row{{
		dimKeyColumn: "abc",
		"sku":        "a",
		"price":      10,
		dimValidFrom: time.Now(),
		dimIsCurrent: true,
	}}

	dim := DimensionTable{
		Name:         "dim_product",
		SCD:          SCD2,
		BusinessKeys: []string{"sku"},
		Attributes:   []string{"price"},
	}
	names := make([]string, 0, 6)
	for _, col := range dimensionColumns(dim, state) {
		names = append(names, col.Name)
	}
	require.Equal(t, []string{dimKeyColumn, "sku", "price", dimValidFrom, dimValidTo, dimIsCurrent}, names)

	dim.SCD = SCD3
	names = names[:0]
	for _, col := range dimensionColumns(dim, state) {
		names = append(names, col.Name)
	}
	require.Equal(t, []string{dimKeyColumn, "sku", "price", "prior_price"}, names)

	// The surrogate is the primary key except under versioning.
	columns := dimensionColumns(dim, state)
	require.True(t, columns[0].IsPrimaryKey)
	dim.SCD = SCD2
	columns = dimensionColumns(dim, state)
	require.False(t, columns[0].IsPrimaryKey)
}
