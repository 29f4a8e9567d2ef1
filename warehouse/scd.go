// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package warehouse

import (
	"context"
	"strings"
	"time"

	"storj.io/datasync/catalog"
	"storj.io/datasync/transform"
)

// Dimension bookkeeping columns. The surrogate key is a digest over
// the business keys, shared by every version of a member, so facts can
// join on it regardless of the SCD type.
const (
	dimKeyColumn   = "_key"
	dimValidFrom   = "valid_from"
	dimValidTo     = "valid_to"
	dimIsCurrent   = "is_current"
	dimPriorPrefix = "prior_"
)

// buildDimension merges the staged rows into the gold dimension per
// its SCD type and rewrites the table. The previous state is read
// first and carried through the rewrite; a dimension only ever grows.
// It returns the current rows for fact key resolution.
func (builder *Builder) buildDimension(ctx context.Context, model Model, dim DimensionTable, staged []transform.Row) (current []transform.Row, written int64, err error) {
	defer mon.Task()(&ctx)(&err)

	name := strings.ToLower(dim.Name)
	var existing []transform.Row
	exists, err := builder.target.TableExists(ctx, model.Gold(), name)
	if err != nil {
		return nil, 0, Error.New("dimension %s: %v", name, err)
	}
	if exists {
		existing, err = builder.readTable(ctx, model.Gold(), name)
		if err != nil {
			return nil, 0, Error.New("dimension %s: %v", name, err)
		}
	}

	state, current := mergeDimension(dim, existing, staged, builder.now().UTC())

	var primaryKeys []string
	if dim.SCD != SCD2 {
		primaryKeys = []string{dimKeyColumn}
	}
	if err := builder.reloadTable(ctx, model.Gold(), name, dimensionColumns(dim, state), primaryKeys, state); err != nil {
		return nil, 0, Error.New("dimension %s: %v", name, err)
	}
	return current, int64(len(state)), nil
}

// mergeDimension folds the staged rows into the previous dimension
// state. Staged rows are reduced to one member per business key, first
// occurrence wins; members absent from the staged rows keep their
// existing rows.
func mergeDimension(dim DimensionTable, existing, staged []transform.Row, now time.Time) (state, current []transform.Row) {
	members := make([]transform.Row, 0, len(staged))
	seen := make(map[string]bool, len(staged))
	for _, row := range staged {
		digest := transform.RowKey(row, dim.BusinessKeys)
		if seen[digest] {
			continue
		}
		seen[digest] = true
		member := make(transform.Row, len(dim.BusinessKeys)+len(dim.Attributes)+1)
		member[dimKeyColumn] = digest
		for _, name := range dim.BusinessKeys {
			member[name] = row[name]
		}
		for _, name := range dim.Attributes {
			member[name] = row[name]
		}
		members = append(members, member)
	}

	switch dim.SCD {
	case SCD2:
		return mergeVersioned(dim, existing, members, now)
	case SCD3:
		return mergePriorValue(dim, existing, members)
	default:
		return mergeOverwrite(existing, members)
	}
}

// mergeOverwrite implements SCD type 1: attributes are overwritten on
// business-key match, new members are appended.
func mergeOverwrite(existing, members []transform.Row) (state, current []transform.Row) {
	index := make(map[string]int, len(existing))
	state = make([]transform.Row, 0, len(existing)+len(members))
	for _, row := range existing {
		index[rowDigest(row)] = len(state)
		state = append(state, row)
	}
	for _, member := range members {
		if at, ok := index[rowDigest(member)]; ok {
			state[at] = member
			continue
		}
		index[rowDigest(member)] = len(state)
		state = append(state, member)
	}
	return state, state
}

// mergeVersioned implements SCD type 2. The current version of a
// changed member is closed and a new current version appended; an
// unchanged member is left alone, so rebuilding from the same source
// adds no versions.
func mergeVersioned(dim DimensionTable, existing, members []transform.Row, now time.Time) (state, current []transform.Row) {
	state = make([]transform.Row, 0, len(existing)+len(members))
	currentAt := make(map[string]int, len(existing))
	for _, row := range existing {
		at := len(state)
		state = append(state, row)
		if isCurrent(row) {
			currentAt[rowDigest(row)] = at
		}
	}

	for _, member := range members {
		digest := rowDigest(member)
		at, ok := currentAt[digest]
		if ok && attributesEqual(state[at], member, dim.Attributes) {
			continue
		}
		if ok {
			closed := state[at].Clone()
			closed[dimValidTo] = now
			closed[dimIsCurrent] = false
			state[at] = closed
		}
		version := member.Clone()
		version[dimValidFrom] = now
		version[dimValidTo] = nil
		version[dimIsCurrent] = true
		currentAt[digest] = len(state)
		state = append(state, version)
	}

	for _, row := range state {
		if isCurrent(row) {
			current = append(current, row)
		}
	}
	return state, current
}

// mergePriorValue implements SCD type 3: each attribute keeps its
// current value and the immediately prior one.
func mergePriorValue(dim DimensionTable, existing, members []transform.Row) (state, current []transform.Row) {
	index := make(map[string]int, len(existing))
	state = make([]transform.Row, 0, len(existing)+len(members))
	for _, row := range existing {
		index[rowDigest(row)] = len(state)
		state = append(state, row)
	}

	for _, member := range members {
		digest := rowDigest(member)
		at, ok := index[digest]
		if !ok {
			fresh := member.Clone()
			for _, name := range dim.Attributes {
				fresh[dimPriorPrefix+name] = nil
			}
			index[digest] = len(state)
			state = append(state, fresh)
			continue
		}
		if attributesEqual(state[at], member, dim.Attributes) {
			continue
		}
		previous := state[at]
		next := member.Clone()
		for _, name := range dim.Attributes {
			if transform.Compare(previous[name], member[name]) != 0 {
				next[dimPriorPrefix+name] = previous[name]
			} else {
				next[dimPriorPrefix+name] = previous[dimPriorPrefix+name]
			}
		}
		state[at] = next
	}
	return state, state
}

func rowDigest(row transform.Row) string {
	digest, _ := row[dimKeyColumn].(string)
	return digest
}

// isCurrent tolerates engines that return booleans as integers or
// text.
func isCurrent(row transform.Row) bool {
	switch v := row[dimIsCurrent].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case int:
		return v != 0
	case string:
		return strings.EqualFold(v, "true") || strings.EqualFold(v, "t") || v == "1"
	default:
		return false
	}
}

// attributesEqual compares the descriptive attributes of two rows.
func attributesEqual(a, b transform.Row, attributes []string) bool {
	for _, name := range attributes {
		if transform.Compare(a[name], b[name]) != 0 {
			return false
		}
	}
	return true
}

// dimensionColumns lists the dimension's columns in declaration order:
// surrogate key, business keys, attributes with their priors, then the
// bookkeeping of the SCD type. Value types are inferred from the
// merged state.
func dimensionColumns(dim DimensionTable, state []transform.Row) []catalog.ColumnInfo {
	names := make([]string, 0, 4+len(dim.BusinessKeys)+2*len(dim.Attributes))
	names = append(names, dimKeyColumn)
	names = append(names, dim.BusinessKeys...)
	for _, attr := range dim.Attributes {
		names = append(names, attr)
		if dim.SCD == SCD3 {
			names = append(names, dimPriorPrefix+attr)
		}
	}
	if dim.SCD == SCD2 {
		names = append(names, dimValidFrom, dimValidTo, dimIsCurrent)
	}

	columns := make([]catalog.ColumnInfo, 0, len(names))
	for i, name := range names {
		col := catalog.ColumnInfo{
			Name:     name,
			Nullable: true,
			Ordinal:  i + 1,
		}
		switch name {
		case dimKeyColumn:
			col.TargetType = catalog.TypeVarchar
			col.MaxLength = 40
			col.Nullable = false
			col.IsPrimaryKey = dim.SCD != SCD2
		case dimValidFrom, dimValidTo:
			col.TargetType = catalog.TypeTimestamp
		case dimIsCurrent:
			col.TargetType = catalog.TypeBoolean
		default:
			col.TargetType = catalog.InferType(firstValue(state, name))
		}
		columns = append(columns, col)
	}
	return columns
}
