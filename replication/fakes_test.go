// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package replication

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/datasync/alerting"
	"storj.io/datasync/catalog"
	"storj.io/datasync/catalogdb"
	"storj.io/datasync/source"
	"storj.io/datasync/target"
)

func openCatalog(ctx *testcontext.Context, t *testing.T) *catalogdb.DB {
	db, err := catalogdb.Open(ctx, zaptest.NewLogger(t).Named("catalogdb"), catalogdb.Config{
		URL:              "sqlite3://" + ctx.File("catalog.db"),
		MaxIdle:          1,
		MaxOpen:          2,
		StatementTimeout: 30 * time.Second,
		LockTimeout:      10 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, db.MigrateToLatest(ctx))
	return db
}

// fakeAdapter is an in-memory source.Adapter serving one table.
type fakeAdapter struct {
	mu sync.Mutex

	engine     catalog.Engine
	connection string

	tables   []source.TableIdent
	pk       []string
	columns  []catalog.ColumnInfo
	scanRows [][]interface{}
	changes  []source.ChangeLogRecord

	columnsErr error

	installed  bool
	removed    bool
	prunedUpTo int64
}

var _ source.Adapter = (*fakeAdapter)(nil)

func (fake *fakeAdapter) Engine() catalog.Engine { return fake.engine.Normalize() }
func (fake *fakeAdapter) Connection() string     { return fake.connection }

func (fake *fakeAdapter) DiscoverTables(ctx context.Context) ([]source.TableIdent, error) {
	return fake.tables, nil
}

func (fake *fakeAdapter) DetectPrimaryKey(ctx context.Context, schema, table string) ([]string, error) {
	return fake.pk, nil
}

func (fake *fakeAdapter) DetectTimeColumn(ctx context.Context, schema, table string) (string, error) {
	return "", nil
}

func (fake *fakeAdapter) Columns(ctx context.Context, schema, table string) ([]catalog.ColumnInfo, error) {
	if fake.columnsErr != nil {
		return nil, fake.columnsErr
	}
	return fake.columns, nil
}

func (fake *fakeAdapter) CountColumns(ctx context.Context, schema, table string) (int, error) {
	return len(fake.columns), nil
}

func (fake *fakeAdapter) RowCount(ctx context.Context, schema, table string) (int64, error) {
	return int64(len(fake.scanRows)), nil
}

func (fake *fakeAdapter) ScanTable(ctx context.Context, schema, table string, columns []string, batchSize int, fn func(batch source.RowBatch) error) error {
	for offset := 0; offset < len(fake.scanRows); offset += batchSize {
		end := offset + batchSize
		if end > len(fake.scanRows) {
			end = len(fake.scanRows)
		}
		batch := source.RowBatch{Columns: columns}
		for _, row := range fake.scanRows[offset:end] {
			batch.Rows = append(batch.Rows, append([]interface{}{}, row...))
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
	return nil
}

func (fake *fakeAdapter) InstallChangeLog(ctx context.Context, schema, table string, pkColumns []string, columns []catalog.ColumnInfo) error {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.installed = true
	return nil
}

func (fake *fakeAdapter) RemoveChangeLog(ctx context.Context, schema, table string) error {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.removed = true
	return nil
}

func (fake *fakeAdapter) MaxChangeID(ctx context.Context, schema, table string) (int64, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	var max int64
	for _, record := range fake.changes {
		if record.ChangeID > max {
			max = record.ChangeID
		}
	}
	return max, nil
}

func (fake *fakeAdapter) ReadChanges(ctx context.Context, schema, table string, sinceChangeID int64, maxRows int) (source.ChangeBatch, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()

	sorted := append([]source.ChangeLogRecord{}, fake.changes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ChangeID < sorted[j].ChangeID })

	var batch source.ChangeBatch
	for _, record := range sorted {
		if record.ChangeID <= sinceChangeID {
			continue
		}
		if len(batch.Records) >= maxRows {
			break
		}
		batch.Records = append(batch.Records, record)
		batch.MaxChangeID = record.ChangeID
	}
	return batch, nil
}

func (fake *fakeAdapter) PruneChangeLog(ctx context.Context, schema, table string, upToChangeID int64) (int64, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()

	fake.prunedUpTo = upToChangeID
	var kept []source.ChangeLogRecord
	var pruned int64
	for _, record := range fake.changes {
		if record.ChangeID <= upToChangeID {
			pruned++
			continue
		}
		kept = append(kept, record)
	}
	fake.changes = kept
	return pruned, nil
}

func (fake *fakeAdapter) Ping(ctx context.Context) error { return nil }
func (fake *fakeAdapter) Close() error                   { return nil }

func (fake *fakeAdapter) addChange(record source.ChangeLogRecord) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.changes = append(fake.changes, record)
}

// fakeEngine is an in-memory target.Engine keyed by the tables' primary
// keys, close enough to observe what the worker writes.
type fakeEngine struct {
	mu sync.Mutex

	schemas map[string]bool
	tables  map[string]*fakeEngineTable

	dropped   []string
	truncated []string
}

type fakeEngineTable struct {
	columns []catalog.ColumnInfo
	pk      []string
	rows    map[string][]interface{}
	order   []string
}

var _ target.Engine = (*fakeEngine)(nil)

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		schemas: map[string]bool{},
		tables:  map[string]*fakeEngineTable{},
	}
}

func tableKey(schema, table string) string { return schema + "." + table }

func fingerprint(values []interface{}) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, "|")
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
	engine.tables[tableKey(schema, table)] = &fakeEngineTable{
		columns: append([]catalog.ColumnInfo{}, columns...),
		pk:      append([]string{}, primaryKeys...),
		rows:    map[string][]interface{}{},
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
	engine.dropped = append(engine.dropped, tableKey(schema, table))
	return nil
}

func (engine *fakeEngine) TruncateTable(ctx context.Context, schema, table string) error {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	stored, ok := engine.tables[tableKey(schema, table)]
	if !ok {
		return errs.New("no such table %s.%s", schema, table)
	}
	stored.rows = map[string][]interface{}{}
	stored.order = nil
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
	engine.mu.Lock()
	defer engine.mu.Unlock()
	stored, ok := engine.tables[tableKey(schema, table)]
	if !ok {
		return errs.New("no such table %s.%s", schema, table)
	}
	kept := stored.columns[:0]
	for _, col := range stored.columns {
		if !strings.EqualFold(col.Name, name) {
			kept = append(kept, col)
		}
	}
	stored.columns = kept
	return nil
}

func (engine *fakeEngine) AlterColumnType(ctx context.Context, schema, table string, column catalog.ColumnInfo) error {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	stored, ok := engine.tables[tableKey(schema, table)]
	if !ok {
		return errs.New("no such table %s.%s", schema, table)
	}
	for i := range stored.columns {
		if strings.EqualFold(stored.columns[i].Name, column.Name) {
			stored.columns[i] = column
		}
	}
	return nil
}

func (engine *fakeEngine) InsertRows(ctx context.Context, schema, table string, columns []string, rows [][]interface{}) error {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	stored, ok := engine.tables[tableKey(schema, table)]
	if !ok {
		return errs.New("no such table %s.%s", schema, table)
	}
	return stored.upsert(columns, stored.pk, rows)
}

func (engine *fakeEngine) UpsertRows(ctx context.Context, schema, table string, columns []string, primaryKeys []string, rows [][]interface{}) error {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	stored, ok := engine.tables[tableKey(schema, table)]
	if !ok {
		return errs.New("no such table %s.%s", schema, table)
	}
	return stored.upsert(columns, primaryKeys, rows)
}

func (stored *fakeEngineTable) upsert(columns, keyColumns []string, rows [][]interface{}) error {
	index := make(map[string]int, len(columns))
	for i, name := range columns {
		index[name] = i
	}
	for n, row := range rows {
		key := fmt.Sprintf("row-%d", len(stored.rows)+n)
		if len(keyColumns) > 0 {
			tuple := make([]interface{}, 0, len(keyColumns))
			for _, name := range keyColumns {
				i, ok := index[name]
				if !ok {
					return errs.New("key column %q not in insert", name)
				}
				tuple = append(tuple, row[i])
			}
			key = fingerprint(tuple)
		}
		if _, exists := stored.rows[key]; !exists {
			stored.order = append(stored.order, key)
		}
		stored.rows[key] = row
	}
	return nil
}

func (engine *fakeEngine) DeleteRows(ctx context.Context, schema, table string, keyColumns []string, keys [][]interface{}) error {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	stored, ok := engine.tables[tableKey(schema, table)]
	if !ok {
		return errs.New("no such table %s.%s", schema, table)
	}
	for _, tuple := range keys {
		key := fingerprint(tuple)
		if _, exists := stored.rows[key]; !exists {
			continue
		}
		delete(stored.rows, key)
		for i, k := range stored.order {
			if k == key {
				stored.order = append(stored.order[:i], stored.order[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (engine *fakeEngine) CreateIndex(ctx context.Context, schema, table string, columns []string, name string) error {
	return nil
}

func (engine *fakeEngine) CreatePartition(ctx context.Context, schema, table string, partitionColumn string) error {
	return nil
}

func (engine *fakeEngine) ExecuteQuery(ctx context.Context, query string) ([]map[string]interface{}, error) {
	return nil, nil
}

func (engine *fakeEngine) ExecuteStatement(ctx context.Context, statement string) error {
	return nil
}

func (engine *fakeEngine) QuoteIdentifier(name string) string { return `"` + name + `"` }

func (engine *fakeEngine) QuoteValue(value interface{}) string { return fmt.Sprintf("'%v'", value) }

func (engine *fakeEngine) TypeFor(column catalog.ColumnInfo) string { return column.TargetType }

func (engine *fakeEngine) Ping(ctx context.Context) error { return nil }
func (engine *fakeEngine) Close() error                   { return nil }

// row returns the stored row with the given key fingerprint.
func (engine *fakeEngine) row(schema, table string, keyValues ...interface{}) ([]interface{}, bool) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	stored, ok := engine.tables[tableKey(schema, table)]
	if !ok {
		return nil, false
	}
	row, ok := stored.rows[fingerprint(keyValues)]
	return row, ok
}

func (engine *fakeEngine) rowCount(schema, table string) int {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	stored, ok := engine.tables[tableKey(schema, table)]
	if !ok {
		return 0
	}
	return len(stored.rows)
}

// fakeAlerter records raised alerts.
type fakeAlerter struct {
	mu     sync.Mutex
	alerts []alerting.Alert
}

func (fake *fakeAlerter) Raise(ctx context.Context, alert alerting.Alert) error {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.alerts = append(fake.alerts, alert)
	return nil
}

func (fake *fakeAlerter) byType(alertType string) []alerting.Alert {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	var matched []alerting.Alert
	for _, alert := range fake.alerts {
		if alert.Type == alertType {
			matched = append(matched, alert)
		}
	}
	return matched
}
