// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package catalog

import "strings"

// ColumnInfo describes a single column of a tracked table.
//
// Equality is defined on (name, target type, nullability) only; the
// remaining fields are advisory and do not participate in schema diffs.
type ColumnInfo struct {
	Name             string
	SourceType       string
	TargetType       string
	Nullable         bool
	Default          string
	Ordinal          int
	MaxLength        int
	NumericPrecision int
	NumericScale     int
	IsPrimaryKey     bool
}

// Equal reports whether two columns are the same for schema
// synchronization purposes.
func (c ColumnInfo) Equal(other ColumnInfo) bool {
	return strings.EqualFold(c.Name, other.Name) &&
		strings.EqualFold(c.TargetType, other.TargetType) &&
		c.Nullable == other.Nullable
}

// PrimaryKeyColumns returns the ordered names of the primary key columns.
func PrimaryKeyColumns(columns []ColumnInfo) []string {
	var pk []string
	for _, col := range columns {
		if col.IsPrimaryKey {
			pk = append(pk, col.Name)
		}
	}
	return pk
}

// FindColumn returns the column with the given name, matched
// case-insensitively.
func FindColumn(columns []ColumnInfo, name string) (ColumnInfo, bool) {
	for _, col := range columns {
		if strings.EqualFold(col.Name, name) {
			return col, true
		}
	}
	return ColumnInfo{}, false
}
