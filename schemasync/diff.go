// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package schemasync

import (
	"strings"

	"storj.io/datasync/catalog"
)

// Diff describes the column changes needed to bring a target table in
// line with its source. The three lists preserve source column order.
type Diff struct {
	Add    []catalog.ColumnInfo
	Drop   []string
	Modify []Modification
}

// Modification pairs the current target column with the wanted shape.
type Modification struct {
	From catalog.ColumnInfo
	To   catalog.ColumnInfo
}

// Empty reports whether no changes are needed.
func (diff Diff) Empty() bool {
	return len(diff.Add) == 0 && len(diff.Drop) == 0 && len(diff.Modify) == 0
}

// Compute diffs source columns against target columns, matching by
// lowercased name. Equal columns (name, target type, nullability)
// produce nothing.
func Compute(source, target []catalog.ColumnInfo) Diff {
	targetByName := make(map[string]catalog.ColumnInfo, len(target))
	for _, col := range target {
		targetByName[strings.ToLower(col.Name)] = col
	}
	sourceByName := make(map[string]catalog.ColumnInfo, len(source))
	for _, col := range source {
		sourceByName[strings.ToLower(col.Name)] = col
	}

	var diff Diff
	for _, col := range source {
		existing, ok := targetByName[strings.ToLower(col.Name)]
		if !ok {
			diff.Add = append(diff.Add, col)
			continue
		}
		if !col.Equal(existing) {
			diff.Modify = append(diff.Modify, Modification{From: existing, To: col})
		}
	}
	for _, col := range target {
		if _, ok := sourceByName[strings.ToLower(col.Name)]; !ok {
			diff.Drop = append(diff.Drop, strings.ToLower(col.Name))
		}
	}
	return diff
}

// Compatible reports whether a column's type may change in place. Only
// same-type changes and a small widening set qualify; everything else
// requires a full reload.
func Compatible(from, to catalog.ColumnInfo) bool {
	fromBase := catalog.BaseType(from.TargetType)
	toBase := catalog.BaseType(to.TargetType)

	switch {
	case fromBase == toBase:
		if fromBase == catalog.TypeNumeric {
			return widens(from, to)
		}
		return true
	case fromBase == catalog.TypeSmallint && toBase == catalog.TypeInteger:
		return true
	case fromBase == catalog.TypeSmallint && toBase == catalog.TypeBigint:
		return true
	case fromBase == catalog.TypeInteger && toBase == catalog.TypeBigint:
		return true
	default:
		return false
	}
}

// widens reports whether numeric precision and scale grow or stay put.
// Unknown precision on either side is treated as widening.
func widens(from, to catalog.ColumnInfo) bool {
	if from.NumericPrecision == 0 || to.NumericPrecision == 0 {
		return true
	}
	return to.NumericPrecision >= from.NumericPrecision &&
		to.NumericScale >= from.NumericScale
}
