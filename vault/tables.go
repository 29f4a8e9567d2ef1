// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package vault

import (
	"context"
	"fmt"
	"strings"

	"storj.io/datasync/catalog"
	"storj.io/datasync/transform"
)

// insertBatch bounds the rows carried by a single INSERT statement.
const insertBatch = 500

// hashLength is the hex length of the hash key digests.
const hashLength = 40

// columnSet accumulates a vault table's layout in declaration order.
type columnSet struct {
	columns []catalog.ColumnInfo
}

func newColumnSet() *columnSet { return &columnSet{} }

// add appends a nullable column of the given canonical type.
func (set *columnSet) add(name, typ string) {
	set.columns = append(set.columns, catalog.ColumnInfo{
		Name:       name,
		TargetType: typ,
		Nullable:   true,
		Ordinal:    len(set.columns) + 1,
	})
}

// hash appends a hash-valued column.
func (set *columnSet) hash(name string) {
	set.add(name, catalog.TypeVarchar)
	col := &set.columns[len(set.columns)-1]
	col.MaxLength = hashLength
	col.Nullable = false
}

// inferred appends the named columns, their types taken from the first
// non-null value in rows.
func (set *columnSet) inferred(rows []transform.Row, names ...string) {
	for _, name := range names {
		set.add(name, catalog.InferType(firstValue(rows, name)))
	}
}

// readTable loads a whole table into memory. Names are lowered the way
// the replication layer writes them.
func (builder *Builder) readTable(ctx context.Context, schema, table string) ([]transform.Row, error) {
	query := fmt.Sprintf("SELECT * FROM %s.%s",
		builder.target.QuoteIdentifier(strings.ToLower(schema)),
		builder.target.QuoteIdentifier(strings.ToLower(table)))
	records, err := builder.target.ExecuteQuery(ctx, query)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	rows := make([]transform.Row, len(records))
	for i, record := range records {
		rows[i] = transform.Row(record)
	}
	return rows, nil
}

// existingRows loads the table's previous state, nil when the table
// has not been built yet.
func (builder *Builder) existingRows(ctx context.Context, schema, table string) ([]transform.Row, error) {
	exists, err := builder.target.TableExists(ctx, schema, table)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if !exists {
		return nil, nil
	}
	return builder.readTable(ctx, schema, table)
}

// appendRows ensures the table exists with the given layout and
// inserts the rows after whatever the table already holds. The table
// is created even when there is nothing to insert.
func (builder *Builder) appendRows(ctx context.Context, schema, table string, columns []catalog.ColumnInfo, primaryKeys []string, rows []transform.Row) error {
	names, err := builder.ensureTable(ctx, schema, table, columns, primaryKeys)
	if err != nil {
		return err
	}
	return builder.insertRows(ctx, schema, table, names, rows)
}

// reloadTable rewrites schema.table to hold exactly the given rows.
func (builder *Builder) reloadTable(ctx context.Context, schema, table string, columns []catalog.ColumnInfo, primaryKeys []string, rows []transform.Row) error {
	names, err := builder.ensureTable(ctx, schema, table, columns, primaryKeys)
	if err != nil {
		return err
	}
	if err := builder.target.TruncateTable(ctx, schema, table); err != nil {
		return Error.Wrap(err)
	}
	return builder.insertRows(ctx, schema, table, names, rows)
}

// ensureTable creates the table or adds the columns a previous build
// did not have. Primary key columns are forced non-null. It returns
// the insert column order.
func (builder *Builder) ensureTable(ctx context.Context, schema, table string, columns []catalog.ColumnInfo, primaryKeys []string) ([]string, error) {
	pk := make(map[string]bool, len(primaryKeys))
	for _, name := range primaryKeys {
		pk[name] = true
	}
	names := make([]string, len(columns))
	for i := range columns {
		names[i] = columns[i].Name
		if pk[columns[i].Name] {
			columns[i].IsPrimaryKey = true
			columns[i].Nullable = false
		}
	}

	exists, err := builder.target.TableExists(ctx, schema, table)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if !exists {
		if err := builder.target.CreateTable(ctx, schema, table, columns, primaryKeys); err != nil {
			return nil, Error.Wrap(err)
		}
		return names, nil
	}

	stored, err := builder.target.TableColumns(ctx, schema, table)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	for _, col := range columns {
		if _, ok := catalog.FindColumn(stored, col.Name); !ok {
			if err := builder.target.AddColumn(ctx, schema, table, col); err != nil {
				return nil, Error.Wrap(err)
			}
		}
	}
	return names, nil
}

func (builder *Builder) insertRows(ctx context.Context, schema, table string, columns []string, rows []transform.Row) error {
	for start := 0; start < len(rows); start += insertBatch {
		end := start + insertBatch
		if end > len(rows) {
			end = len(rows)
		}
		values := make([][]interface{}, 0, end-start)
		for _, row := range rows[start:end] {
			record := make([]interface{}, len(columns))
			for i, name := range columns {
				record[i] = row[name]
			}
			values = append(values, record)
		}
		if err := builder.target.InsertRows(ctx, schema, table, columns, values); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

func firstValue(rows []transform.Row, column string) interface{} {
	for _, row := range rows {
		if value, ok := row[column]; ok && value != nil {
			return value
		}
	}
	return nil
}
