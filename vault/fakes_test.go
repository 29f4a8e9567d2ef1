// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package vault

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/errs"

	"storj.io/datasync/catalog"
	"storj.io/datasync/runlog"
	"storj.io/datasync/target"
	"storj.io/datasync/transform"
)

// fakeEngine is an in-memory target.Engine keeping rows by column
// name. It serves the exact query shape the builder emits and records
// truncations, which is enough to observe append-only behavior.
type fakeEngine struct {
	mu      sync.Mutex
	schemas map[string]bool
	tables  map[string]*fakeTable

	failInsert map[string]bool
	truncated  []string
}

type fakeTable struct {
	columns []catalog.ColumnInfo
	pk      []string
	rows    []transform.Row
}

var _ target.Engine = (*fakeEngine)(nil)

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		schemas:    map[string]bool{},
		tables:     map[string]*fakeTable{},
		failInsert: map[string]bool{},
	}
}

func tableKey(schema, table string) string { return schema + "." + table }

// seed creates a table with the given columns and rows, standing in
// for a replicated source table.
func (engine *fakeEngine) seed(schema, table string, columns []catalog.ColumnInfo, rows ...transform.Row) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	stored := &fakeTable{columns: append([]catalog.ColumnInfo{}, columns...)}
	for _, row := range rows {
		stored.rows = append(stored.rows, row.Clone())
	}
	engine.tables[tableKey(schema, table)] = stored
}

// rowsOf returns a copy of the stored rows.
func (engine *fakeEngine) rowsOf(schema, table string) []transform.Row {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	stored, ok := engine.tables[tableKey(schema, table)]
	if !ok {
		return nil
	}
	out := make([]transform.Row, len(stored.rows))
	for i, row := range stored.rows {
		out[i] = row.Clone()
	}
	return out
}

func (engine *fakeEngine) columnNames(schema, table string) []string {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	stored, ok := engine.tables[tableKey(schema, table)]
	if !ok {
		return nil
	}
	names := make([]string, len(stored.columns))
	for i, col := range stored.columns {
		names[i] = col.Name
	}
	return names
}

func (engine *fakeEngine) primaryKeys(schema, table string) []string {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	stored, ok := engine.tables[tableKey(schema, table)]
	if !ok {
		return nil
	}
	return append([]string{}, stored.pk...)
}

func (engine *fakeEngine) Kind() target.Kind { return target.PostgreSQL }

func (engine *fakeEngine) CreateSchema(ctx context.Context, name string) error {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	engine.schemas[name] = true
	return nil
}

func (engine *fakeEngine) CreateTable(ctx context.Context, schema, table string, columns []catalog.ColumnInfo, primaryKeys []string) error {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	engine.tables[tableKey(schema, table)] = &fakeTable{
		columns: append([]catalog.ColumnInfo{}, columns...),
		pk:      append([]string{}, primaryKeys...),
	}
	return nil
}

func (engine *fakeEngine) TableExists(ctx context.Context, schema, table string) (bool, error) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	_, ok := engine.tables[tableKey(schema, table)]
	return ok, nil
}

func (engine *fakeEngine) TableColumns(ctx context.Context, schema, table string) ([]catalog.ColumnInfo, error) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	stored, ok := engine.tables[tableKey(schema, table)]
	if !ok {
		return nil, errs.New("no such table %s.%s", schema, table)
	}
	return append([]catalog.ColumnInfo{}, stored.columns...), nil
}

func (engine *fakeEngine) DropTable(ctx context.Context, schema, table string) error {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	delete(engine.tables, tableKey(schema, table))
	return nil
}

func (engine *fakeEngine) TruncateTable(ctx context.Context, schema, table string) error {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	stored, ok := engine.tables[tableKey(schema, table)]
	if !ok {
		return errs.New("no such table %s.%s", schema, table)
	}
	stored.rows = nil
	engine.truncated = append(engine.truncated, tableKey(schema, table))
	return nil
}

func (engine *fakeEngine) RowCount(ctx context.Context, schema, table string) (int64, error) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	stored, ok := engine.tables[tableKey(schema, table)]
	if !ok {
		return 0, nil
	}
	return int64(len(stored.rows)), nil
}

func (engine *fakeEngine) AddColumn(ctx context.Context, schema, table string, column catalog.ColumnInfo) error {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	stored, ok := engine.tables[tableKey(schema, table)]
	if !ok {
		return errs.New("no such table %s.%s", schema, table)
	}
	stored.columns = append(stored.columns, column)
	return nil
}

func (engine *fakeEngine) DropColumn(ctx context.Context, schema, table, name string) error {
	return nil
}

func (engine *fakeEngine) AlterColumnType(ctx context.Context, schema, table string, column catalog.ColumnInfo) error {
	return nil
}

func (engine *fakeEngine) InsertRows(ctx context.Context, schema, table string, columns []string, rows [][]interface{}) error {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if engine.failInsert[tableKey(schema, table)] {
		return errs.New("insert into %s.%s refused", schema, table)
	}
	stored, ok := engine.tables[tableKey(schema, table)]
	if !ok {
		return errs.New("no such table %s.%s", schema, table)
	}
	for _, values := range rows {
		row := make(transform.Row, len(columns))
		for i, name := range columns {
			row[name] = values[i]
		}
		stored.rows = append(stored.rows, row)
	}
	return nil
}

func (engine *fakeEngine) UpsertRows(ctx context.Context, schema, table string, columns []string, primaryKeys []string, rows [][]interface{}) error {
	return engine.InsertRows(ctx, schema, table, columns, rows)
}

func (engine *fakeEngine) DeleteRows(ctx context.Context, schema, table string, keyColumns []string, keys [][]interface{}) error {
	return nil
}

func (engine *fakeEngine) CreateIndex(ctx context.Context, schema, table string, columns []string, name string) error {
	return nil
}

func (engine *fakeEngine) CreatePartition(ctx context.Context, schema, table string, partitionColumn string) error {
	return nil
}

// ExecuteQuery serves exactly the statement shape the builder emits:
// SELECT * FROM "schema"."table".
func (engine *fakeEngine) ExecuteQuery(ctx context.Context, query string) ([]map[string]interface{}, error) {
	name := strings.TrimPrefix(query, "SELECT * FROM ")
	name = strings.ReplaceAll(name, `"`, "")

	engine.mu.Lock()
	defer engine.mu.Unlock()
	stored, ok := engine.tables[name]
	if !ok {
		return nil, errs.New("no such table %s", name)
	}
	out := make([]map[string]interface{}, len(stored.rows))
	for i, row := range stored.rows {
		out[i] = map[string]interface{}(row.Clone())
	}
	return out, nil
}

func (engine *fakeEngine) ExecuteStatement(ctx context.Context, statement string) error {
	return nil
}

func (engine *fakeEngine) QuoteIdentifier(name string) string { return `"` + name + `"` }

func (engine *fakeEngine) QuoteValue(value interface{}) string { return fmt.Sprintf("'%v'", value) }

func (engine *fakeEngine) TypeFor(column catalog.ColumnInfo) string { return column.TargetType }

func (engine *fakeEngine) Ping(ctx context.Context) error { return nil }
func (engine *fakeEngine) Close() error                   { return nil }

// fakeRunlog is an in-memory runlog.DB.
type fakeRunlog struct {
	mu      sync.Mutex
	nextID  int64
	records []runlog.Record
}

var _ runlog.DB = (*fakeRunlog)(nil)

func (fake *fakeRunlog) Begin(ctx context.Context, runID, entity string) (runlog.Record, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.nextID++
	record := runlog.Record{
		ID:        fake.nextID,
		RunID:     runID,
		Entity:    entity,
		Status:    runlog.StatusStarted,
		StartedAt: time.Now(),
	}
	fake.records = append(fake.records, record)
	return record, nil
}

func (fake *fakeRunlog) Finish(ctx context.Context, id int64, status runlog.Status, rowsProcessed int64, errorMessage string) error {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	for i := range fake.records {
		if fake.records[i].ID == id {
			now := time.Now()
			fake.records[i].Status = status
			fake.records[i].RowsProcessed = rowsProcessed
			fake.records[i].Error = errorMessage
			fake.records[i].FinishedAt = &now
			return nil
		}
	}
	return errs.New("no such record %d", id)
}

func (fake *fakeRunlog) List(ctx context.Context, entity string, limit int) ([]runlog.Record, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	var out []runlog.Record
	for i := len(fake.records) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if entity == "" || fake.records[i].Entity == entity {
			out = append(out, fake.records[i])
		}
	}
	return out, nil
}

func (fake *fakeRunlog) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (fake *fakeRunlog) last() (runlog.Record, bool) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.records) == 0 {
		return runlog.Record{}, false
	}
	return fake.records[len(fake.records)-1], true
}
