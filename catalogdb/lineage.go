// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package catalogdb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/zeebo/errs"

	"storj.io/datasync/transform"
)

// RecordLineage appends one transformation lineage record.
func (db *DB) RecordLineage(ctx context.Context, record transform.LineageRecord) (err error) {
	defer mon.Task()(&ctx)(&err)

	fields := [][]string{
		record.InputSchemas, record.InputTables, record.InputColumns,
		record.OutputSchemas, record.OutputTables, record.OutputColumns,
	}
	encoded := make([]string, len(fields))
	for i, field := range fields {
		raw, err := json.Marshal(emptyAsList(field))
		if err != nil {
			return Error.Wrap(err)
		}
		encoded[i] = string(raw)
	}

	_, err = db.db.ExecContext(ctx, db.rebind(`
		INSERT INTO transformation_lineage (pipeline, step, run_id,
			input_schemas, input_tables, input_columns, output_schemas,
			output_tables, output_columns, rows_processed, duration_ms,
			success, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		record.Pipeline, record.Step, record.RunID,
		encoded[0], encoded[1], encoded[2],
		encoded[3], encoded[4], encoded[5],
		record.RowsProcessed, record.Duration.Milliseconds(),
		record.Success, record.Error, now())
	return Error.Wrap(err)
}

// ListLineage returns the lineage history of a pipeline, newest first.
func (db *DB) ListLineage(ctx context.Context, pipeline string, limit int) (_ []transform.LineageRecord, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, pipeline, step, run_id, input_schemas, input_tables,
			input_columns, output_schemas, output_tables, output_columns,
			rows_processed, duration_ms, success, error, created_at
		FROM transformation_lineage`
	var args []interface{}
	if pipeline != "" {
		query += ` WHERE pipeline = ?`
		args = append(args, pipeline)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.db.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var records []transform.LineageRecord
	for rows.Next() {
		var record transform.LineageRecord
		var encoded [6]string
		var durationMS int64
		err := rows.Scan(&record.ID, &record.Pipeline, &record.Step,
			&record.RunID, &encoded[0], &encoded[1], &encoded[2],
			&encoded[3], &encoded[4], &encoded[5],
			&record.RowsProcessed, &durationMS, &record.Success,
			&record.Error, &record.CreatedAt)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		record.Duration = time.Duration(durationMS) * time.Millisecond

		targets := []*[]string{
			&record.InputSchemas, &record.InputTables, &record.InputColumns,
			&record.OutputSchemas, &record.OutputTables, &record.OutputColumns,
		}
		for i, target := range targets {
			if err := json.Unmarshal([]byte(encoded[i]), target); err != nil {
				return nil, Error.Wrap(err)
			}
		}
		records = append(records, record)
	}
	return records, Error.Wrap(rows.Err())
}
