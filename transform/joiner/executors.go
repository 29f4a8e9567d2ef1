// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package joiner

import (
	"sort"
	"strings"

	"storj.io/datasync/transform"
)

// RightPrefix namespaces right-side columns whose names collide with a
// left-side column, other than join keys merged by equal name.
const RightPrefix = "right_"

// keyString renders the join key values of a row. ok is false when any
// key column is missing or null; such rows never match, following SQL
// null semantics.
func keyString(row transform.Row, keys []string) (string, bool) {
	var b strings.Builder
	for i, name := range keys {
		value, present := row[name]
		if !present || value == nil {
			return "", false
		}
		if i > 0 {
			b.WriteByte('\x1f')
		}
		b.WriteString(transform.FormatValue(value))
	}
	return b.String(), true
}

// mergePlan precomputes how output rows are assembled. Join key pairs
// with equal names merge into one column carrying the left value, or
// the right value on right-only rows. Other right columns keep their
// name unless it collides with a left column, which adds RightPrefix.
type mergePlan struct {
	leftKeys     []string
	rightKeys    []string
	leftColumns  []string
	rightColumns []string
	shared       map[string]bool
	rename       map[string]string
}

func newMergePlan(left, right Side) mergePlan {
	plan := mergePlan{
		leftKeys:     left.Keys,
		rightKeys:    right.Keys,
		leftColumns:  transform.Columns(left.Rows),
		rightColumns: transform.Columns(right.Rows),
		shared:       make(map[string]bool),
		rename:       make(map[string]string),
	}

	for i, name := range right.Keys {
		if i < len(left.Keys) && left.Keys[i] == name {
			plan.shared[name] = true
		}
	}

	leftSet := make(map[string]bool, len(plan.leftColumns))
	for _, name := range plan.leftColumns {
		leftSet[name] = true
	}
	for _, name := range plan.rightColumns {
		if plan.shared[name] {
			continue
		}
		if leftSet[name] {
			plan.rename[name] = RightPrefix + name
		} else {
			plan.rename[name] = name
		}
	}
	return plan
}

func (plan mergePlan) outName(name string) string {
	if renamed, ok := plan.rename[name]; ok {
		return renamed
	}
	return name
}

func (plan mergePlan) matched(left, right transform.Row) transform.Row {
	out := left.Clone()
	for name, value := range right {
		if plan.shared[name] {
			continue
		}
		out[plan.outName(name)] = value
	}
	return out
}

func (plan mergePlan) leftOnly(left transform.Row) transform.Row {
	out := left.Clone()
	for _, name := range plan.rightColumns {
		if plan.shared[name] {
			continue
		}
		out[plan.outName(name)] = nil
	}
	return out
}

func (plan mergePlan) rightOnly(right transform.Row) transform.Row {
	out := make(transform.Row, len(plan.leftColumns)+len(right))
	for _, name := range plan.leftColumns {
		out[name] = nil
	}
	for name, value := range right {
		if plan.shared[name] {
			continue
		}
		out[plan.outName(name)] = value
	}
	for i, name := range plan.rightKeys {
		if plan.shared[name] {
			out[plan.leftKeys[i]] = right[name]
		}
	}
	return out
}

func emitsLeft(joinType Type) bool  { return joinType == Left || joinType == FullOuter }
func emitsRight(joinType Type) bool { return joinType == Right || joinType == FullOuter }

// hashJoin builds a multimap over the right side and probes it with
// every left row.
func hashJoin(joinType Type, left, right Side) []transform.Row {
	plan := newMergePlan(left, right)

	index := make(map[string][]int, len(right.Rows))
	for i, row := range right.Rows {
		if key, ok := keyString(row, right.Keys); ok {
			index[key] = append(index[key], i)
		}
	}

	matchedRight := make([]bool, len(right.Rows))
	var out []transform.Row

	for _, row := range left.Rows {
		var matches []int
		if key, ok := keyString(row, left.Keys); ok {
			matches = index[key]
		}
		if len(matches) == 0 {
			if emitsLeft(joinType) {
				out = append(out, plan.leftOnly(row))
			}
			continue
		}
		for _, idx := range matches {
			matchedRight[idx] = true
			out = append(out, plan.matched(row, right.Rows[idx]))
		}
	}

	if emitsRight(joinType) {
		for i, row := range right.Rows {
			if !matchedRight[i] {
				out = append(out, plan.rightOnly(row))
			}
		}
	}
	return out
}

type keyedRow struct {
	key string
	row transform.Row
}

// splitKeyed separates rows with complete join keys from rows that can
// never match.
func splitKeyed(rows []transform.Row, keys []string) (keyed []keyedRow, unkeyed []transform.Row) {
	for _, row := range rows {
		if key, ok := keyString(row, keys); ok {
			keyed = append(keyed, keyedRow{key: key, row: row})
		} else {
			unkeyed = append(unkeyed, row)
		}
	}
	return keyed, unkeyed
}

// sortMergeJoin sorts both sides by their key strings and walks them
// in lockstep, emitting the cross product of every equal-key group.
func sortMergeJoin(joinType Type, left, right Side) []transform.Row {
	plan := newMergePlan(left, right)

	leftKeyed, leftUnkeyed := splitKeyed(left.Rows, left.Keys)
	rightKeyed, rightUnkeyed := splitKeyed(right.Rows, right.Keys)

	sort.SliceStable(leftKeyed, func(i, j int) bool { return leftKeyed[i].key < leftKeyed[j].key })
	sort.SliceStable(rightKeyed, func(i, j int) bool { return rightKeyed[i].key < rightKeyed[j].key })

	var out []transform.Row
	i, j := 0, 0
	for i < len(leftKeyed) && j < len(rightKeyed) {
		switch cmp := strings.Compare(leftKeyed[i].key, rightKeyed[j].key); {
		case cmp < 0:
			if emitsLeft(joinType) {
				out = append(out, plan.leftOnly(leftKeyed[i].row))
			}
			i++
		case cmp > 0:
			if emitsRight(joinType) {
				out = append(out, plan.rightOnly(rightKeyed[j].row))
			}
			j++
		default:
			iEnd := i
			for iEnd < len(leftKeyed) && leftKeyed[iEnd].key == leftKeyed[i].key {
				iEnd++
			}
			jEnd := j
			for jEnd < len(rightKeyed) && rightKeyed[jEnd].key == rightKeyed[j].key {
				jEnd++
			}
			for a := i; a < iEnd; a++ {
				for b := j; b < jEnd; b++ {
					out = append(out, plan.matched(leftKeyed[a].row, rightKeyed[b].row))
				}
			}
			i, j = iEnd, jEnd
		}
	}

	if emitsLeft(joinType) {
		for ; i < len(leftKeyed); i++ {
			out = append(out, plan.leftOnly(leftKeyed[i].row))
		}
		for _, row := range leftUnkeyed {
			out = append(out, plan.leftOnly(row))
		}
	}
	if emitsRight(joinType) {
		for ; j < len(rightKeyed); j++ {
			out = append(out, plan.rightOnly(rightKeyed[j].row))
		}
		for _, row := range rightUnkeyed {
			out = append(out, plan.rightOnly(row))
		}
	}
	return out
}

// nestedLoopJoin scans the right side once per left row. Only tiny
// inputs ever select it.
func nestedLoopJoin(joinType Type, left, right Side) []transform.Row {
	plan := newMergePlan(left, right)

	rightKeys := make([]string, len(right.Rows))
	rightOk := make([]bool, len(right.Rows))
	for i, row := range right.Rows {
		rightKeys[i], rightOk[i] = keyString(row, right.Keys)
	}

	matchedRight := make([]bool, len(right.Rows))
	var out []transform.Row

	for _, row := range left.Rows {
		key, ok := keyString(row, left.Keys)
		matched := false
		if ok {
			for j := range right.Rows {
				if rightOk[j] && rightKeys[j] == key {
					matched = true
					matchedRight[j] = true
					out = append(out, plan.matched(row, right.Rows[j]))
				}
			}
		}
		if !matched && emitsLeft(joinType) {
			out = append(out, plan.leftOnly(row))
		}
	}

	if emitsRight(joinType) {
		for i, row := range right.Rows {
			if !matchedRight[i] {
				out = append(out, plan.rightOnly(row))
			}
		}
	}
	return out
}
