// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package source

import (
	"encoding/json"
	"time"

	"github.com/zeebo/errs"
)

// ErrBadRecord marks change-log rows that fail to parse. The replication
// worker skips such rows with a warning alert and the batch continues.
var ErrBadRecord = errs.Class("bad change-log record")

// parseChangeRecord decodes the JSON payloads of a change-log row.
func parseChangeRecord(changeID int64, schema, table string, op string, pkJSON, rowJSON []byte, changedAt time.Time) (ChangeLogRecord, error) {
	record := ChangeLogRecord{
		ChangeID:  changeID,
		Schema:    schema,
		Table:     table,
		Operation: Operation(op),
		ChangedAt: changedAt,
	}

	switch record.Operation {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return record, ErrBadRecord.New("unknown operation %q at change_id %d", op, changeID)
	}

	if len(pkJSON) > 0 {
		if err := json.Unmarshal(pkJSON, &record.PKValues); err != nil {
			return record, ErrBadRecord.New("pk_values at change_id %d: %v", changeID, err)
		}
	}
	if len(rowJSON) > 0 {
		if err := json.Unmarshal(rowJSON, &record.RowData); err != nil {
			return record, ErrBadRecord.New("row_data at change_id %d: %v", changeID, err)
		}
	}

	if record.PKValues == nil && record.RowData == nil {
		return record, ErrBadRecord.New("empty record at change_id %d", changeID)
	}
	return record, nil
}
