// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package datasync

import (
	"context"
	"fmt"
	"strings"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/datasync/catalog"
	"storj.io/datasync/source"
	"storj.io/datasync/target"
	"storj.io/datasync/transform"
)

// loadBatchSize is the scan batch used when a lookup reference table is
// read from a live source connection.
const loadBatchSize = 2000

// referenceLoader serves lookup reference tables to the transform
// engine. Without a connection the table is read from the target
// warehouse; with one, from the named source database.
type referenceLoader struct {
	log    *zap.Logger
	target target.Engine
	source source.Config
}

// LoadReference implements transform.ReferenceLoader.
func (loader *referenceLoader) LoadReference(ctx context.Context, connection, engine, schema, table string) (_ []transform.Row, err error) {
	defer mon.Task()(&ctx)(&err)

	if connection == "" {
		return loader.loadFromTarget(ctx, schema, table)
	}
	return loader.loadFromSource(ctx, connection, engine, schema, table)
}

func (loader *referenceLoader) loadFromTarget(ctx context.Context, schema, table string) ([]transform.Row, error) {
	query := fmt.Sprintf("SELECT * FROM %s.%s",
		loader.target.QuoteIdentifier(strings.ToLower(schema)),
		loader.target.QuoteIdentifier(strings.ToLower(table)))

	records, err := loader.target.ExecuteQuery(ctx, query)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return asRows(records), nil
}

func (loader *referenceLoader) loadFromSource(ctx context.Context, connection, engine, schema, table string) (_ []transform.Row, err error) {
	adapter, err := source.Open(ctx, loader.log, catalog.Engine(engine), connection, loader.source)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, adapter.Close()) }()

	columns, err := adapter.Columns(ctx, schema, table)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	names := make([]string, len(columns))
	for i, column := range columns {
		names[i] = column.Name
	}

	var rows []transform.Row
	err = adapter.ScanTable(ctx, schema, table, names, loadBatchSize, func(batch source.RowBatch) error {
		for _, values := range batch.Rows {
			row := make(transform.Row, len(batch.Columns))
			for i, name := range batch.Columns {
				row[name] = values[i]
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return rows, nil
}

// asRows adopts query records as transform rows.
func asRows(records []map[string]interface{}) []transform.Row {
	rows := make([]transform.Row, len(records))
	for i, record := range records {
		rows[i] = transform.Row(record)
	}
	return rows
}
