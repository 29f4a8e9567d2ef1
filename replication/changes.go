// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package replication

import (
	"fmt"
	"strings"

	"storj.io/datasync/catalog"
	"storj.io/datasync/source"
)

// partitionChanges splits a change batch into delete keys and upsert
// records. Deletes are applied before upserts, so only the last
// operation per key may survive the split: a row inserted and then
// deleted inside one batch must not reappear.
func partitionChanges(records []source.ChangeLogRecord, keyColumns []string) (deletes [][]interface{}, upserts []source.ChangeLogRecord, bad int) {
	type keyed struct {
		tuple  []interface{}
		record source.ChangeLogRecord
	}
	last := make(map[string]keyed, len(records))
	order := make([]string, 0, len(records))

	for _, record := range records {
		key, tuple, ok := recordKey(record, keyColumns)
		if !ok {
			bad++
			continue
		}
		if _, seen := last[key]; !seen {
			order = append(order, key)
		}
		last[key] = keyed{tuple: tuple, record: record}
	}

	for _, key := range order {
		final := last[key]
		if final.record.Operation == source.OpDelete {
			deletes = append(deletes, final.tuple)
			continue
		}
		upserts = append(upserts, final.record)
	}
	return deletes, upserts, bad
}

// recordKey extracts the key tuple of a change record along with a
// fingerprint usable as a map key. Records missing a key value cannot
// be applied and are reported as not ok.
func recordKey(record source.ChangeLogRecord, keyColumns []string) (string, []interface{}, bool) {
	tuple := make([]interface{}, 0, len(keyColumns))
	var fingerprint strings.Builder
	for i, col := range keyColumns {
		value, ok := record.PKValues[col]
		if !ok {
			return "", nil, false
		}
		tuple = append(tuple, value)
		if i > 0 {
			fingerprint.WriteByte('|')
		}
		fmt.Fprintf(&fingerprint, "%v", value)
	}
	return fingerprint.String(), tuple, true
}

// buildUpsertRows shapes change records into target rows in column
// order, cleansed the same way the full load cleanses them. PK-less
// rows carry the trigger-computed hash in the trailing column.
func buildUpsertRows(records []source.ChangeLogRecord, columns []catalog.ColumnInfo, entry catalog.Entry) [][]interface{} {
	width := len(columns)
	if entry.UsesRowHash() {
		width++
	}

	rows := make([][]interface{}, 0, len(records))
	for _, record := range records {
		row := make([]interface{}, 0, width)
		for _, col := range columns {
			value, ok := record.RowData[col.Name]
			if !ok {
				value = record.RowData[strings.ToLower(col.Name)]
			}
			row = append(row, CleanseValue(value, col))
		}
		if entry.UsesRowHash() {
			row = append(row, record.PKValues[catalog.HashColumn])
		}
		rows = append(rows, row)
	}
	return rows
}
