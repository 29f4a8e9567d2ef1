// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package warehouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"storj.io/datasync/catalog"
	"storj.io/datasync/runlog"
	"storj.io/datasync/target"
	"storj.io/datasync/transform"
)

var mon = monkit.Package()

// insertBatch bounds the rows carried by a single INSERT statement.
const insertBatch = 500

// Builder materializes warehouse models against a target engine.
//
// architecture: Service
type Builder struct {
	log    *zap.Logger
	target target.Engine
	engine *transform.Engine
	runs   runlog.DB

	// now is replaced in tests.
	now func() time.Time
}

// NewBuilder creates a builder. The transform engine runs the silver
// cleansing pipelines and runs receives one process log record per
// model build.
func NewBuilder(log *zap.Logger, targetEngine target.Engine, engine *transform.Engine, runs runlog.DB) *Builder {
	return &Builder{
		log:    log,
		target: targetEngine,
		engine: engine,
		runs:   runs,
		now:    time.Now,
	}
}

// Build materializes every layer of the model: bronze raw copies,
// silver pipeline outputs, then gold dimensions and facts. Each table
// is staged fully in memory before it is written, so a failure leaves
// every table either fully reloaded or untouched. The build is
// recorded in the process log.
func (builder *Builder) Build(ctx context.Context, model Model) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := model.Validate(); err != nil {
		return err
	}

	runID := "warehouse-" + builder.now().UTC().Format("20060102T150405.000000000")
	run, err := builder.runs.Begin(ctx, runID, buildEntity(model.Name))
	if err != nil {
		return Error.Wrap(err)
	}

	started := time.Now()
	rows, err := builder.build(ctx, model)
	if err != nil {
		builder.log.Error("warehouse build failed",
			zap.String("model", model.Name),
			zap.Int64("rows", rows),
			zap.Error(err))
		if logErr := builder.runs.Finish(ctx, run.ID, runlog.StatusFailed, rows, err.Error()); logErr != nil {
			builder.log.Warn("process log update failed", zap.Error(logErr))
		}
		return err
	}

	builder.log.Info("warehouse build finished",
		zap.String("model", model.Name),
		zap.Int64("rows", rows),
		zap.Duration("elapsed", time.Since(started)))
	mon.IntVal("warehouse_build_rows").Observe(rows)
	return Error.Wrap(builder.runs.Finish(ctx, run.ID, runlog.StatusSuccess, rows, ""))
}

// buildEntity names the process-log entity for one model build.
func buildEntity(model string) string {
	return "warehouse " + model
}

func (builder *Builder) build(ctx context.Context, model Model) (rows int64, err error) {
	for _, schema := range []string{model.Bronze(), model.Silver(), model.Gold()} {
		if err := builder.target.CreateSchema(ctx, schema); err != nil {
			return rows, Error.Wrap(err)
		}
	}

	// Silver rows stay in memory: dimensions and facts load from the
	// tables built moments ago, re-reading them buys nothing.
	silver := make(map[string][]transform.Row, len(model.Tables))
	for _, staged := range model.Tables {
		bronzeRows, err := builder.buildBronze(ctx, model, staged)
		if err != nil {
			return rows, err
		}
		rows += int64(len(bronzeRows))

		silverRows, err := builder.buildSilver(ctx, model, staged, bronzeRows)
		if err != nil {
			return rows, err
		}
		rows += int64(len(silverRows))
		silver[staged.StagedName()] = silverRows
	}

	current := make(map[string][]transform.Row, len(model.Dimensions))
	for _, dim := range model.Dimensions {
		currentRows, written, err := builder.buildDimension(ctx, model, dim, silver[dim.Source])
		if err != nil {
			return rows, err
		}
		rows += written
		current[dim.Name] = currentRows
	}

	for _, fact := range model.Facts {
		written, err := builder.buildFact(ctx, model, fact, silver[fact.Source], current)
		if err != nil {
			return rows, err
		}
		rows += written
	}
	return rows, nil
}

// buildBronze copies the replicated source table into the bronze
// layer, carrying the replicated column types but none of the
// constraints.
func (builder *Builder) buildBronze(ctx context.Context, model Model, staged StagedTable) (_ []transform.Row, err error) {
	defer mon.Task()(&ctx)(&err)

	name := strings.ToLower(staged.StagedName())
	sourceSchema := strings.ToLower(staged.Source.Schema)
	sourceTable := strings.ToLower(staged.Source.Table)

	columns, err := builder.target.TableColumns(ctx, sourceSchema, sourceTable)
	if err != nil {
		return nil, Error.New("bronze %s: source columns: %v", name, err)
	}
	for i := range columns {
		columns[i].IsPrimaryKey = false
		columns[i].Nullable = true
		columns[i].Default = ""
	}

	rows, err := builder.readTable(ctx, sourceSchema, sourceTable)
	if err != nil {
		return nil, Error.New("bronze %s: %v", name, err)
	}

	if err := builder.reloadTable(ctx, model.Bronze(), name, columns, nil, rows); err != nil {
		return nil, Error.New("bronze %s: %v", name, err)
	}
	return rows, nil
}

// buildSilver runs the staged table's cleansing pipeline over the
// bronze rows and writes the result. With no steps the silver table is
// a straight copy.
func (builder *Builder) buildSilver(ctx context.Context, model Model, staged StagedTable, bronzeRows []transform.Row) (_ []transform.Row, err error) {
	defer mon.Task()(&ctx)(&err)

	name := strings.ToLower(staged.StagedName())
	out := bronzeRows
	if len(staged.Steps) > 0 {
		out, err = builder.engine.Execute(ctx, transform.Pipeline{
			Name:   model.Name + "/" + name,
			Source: transform.TableRef{Schema: model.Bronze(), Table: name},
			Sink:   transform.TableRef{Schema: model.Silver(), Table: name},
			Steps:  staged.Steps,
		}, bronzeRows)
		if err != nil {
			return nil, Error.New("silver %s: %v", name, err)
		}
	}

	if err := builder.reloadTable(ctx, model.Silver(), name, inferColumns(out, nil), nil, out); err != nil {
		return nil, Error.New("silver %s: %v", name, err)
	}
	return out, nil
}

// buildFact fully reloads one gold fact from the staged rows. Each
// dimension reference is resolved against the dimension's current
// rows; unmatched references carry a null key.
func (builder *Builder) buildFact(ctx context.Context, model Model, fact FactTable, staged []transform.Row, current map[string][]transform.Row) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	known := make(map[string]map[string]bool, len(fact.Dimensions))
	for _, ref := range fact.Dimensions {
		keys := make(map[string]bool, len(current[ref.Dimension]))
		for _, row := range current[ref.Dimension] {
			if digest, ok := row[dimKeyColumn].(string); ok {
				keys[digest] = true
			}
		}
		known[ref.Dimension] = keys
	}

	out := make([]transform.Row, 0, len(staged))
	for _, row := range staged {
		record := make(transform.Row, len(row)+len(fact.Dimensions))
		if len(fact.Measures) > 0 {
			for _, name := range fact.Measures {
				record[name] = row[name]
			}
			for _, ref := range fact.Dimensions {
				for _, name := range ref.Columns {
					record[name] = row[name]
				}
			}
		} else {
			for name, value := range row {
				record[name] = value
			}
		}
		for _, ref := range fact.Dimensions {
			digest := transform.RowKey(row, ref.Columns)
			if known[ref.Dimension][digest] {
				record[ref.KeyColumn()] = digest
			} else {
				record[ref.KeyColumn()] = nil
			}
		}
		out = append(out, record)
	}

	name := strings.ToLower(fact.Name)
	if err := builder.reloadTable(ctx, model.Gold(), name, inferColumns(out, nil), nil, out); err != nil {
		return 0, Error.New("fact %s: %v", name, err)
	}
	return int64(len(out)), nil
}

// readTable loads a whole table into memory.
func (builder *Builder) readTable(ctx context.Context, schema, table string) ([]transform.Row, error) {
	query := fmt.Sprintf("SELECT * FROM %s.%s",
		builder.target.QuoteIdentifier(schema),
		builder.target.QuoteIdentifier(table))
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

// reloadTable rewrites schema.table to hold exactly the given rows.
// The rows are staged in memory before the table is touched, so a
// failure on the way in leaves the table as it was. Empty results with
// no inferable columns leave an existing table truncated and create
// nothing.
func (builder *Builder) reloadTable(ctx context.Context, schema, table string, columns []catalog.ColumnInfo, primaryKeys []string, rows []transform.Row) error {
	if len(columns) == 0 {
		exists, err := builder.target.TableExists(ctx, schema, table)
		if err != nil {
			return Error.Wrap(err)
		}
		builder.log.Warn("no columns to load, table left empty",
			zap.String("table", schema+"."+table))
		if !exists {
			return nil
		}
		return Error.Wrap(builder.target.TruncateTable(ctx, schema, table))
	}

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
// did not have. It returns the insert column order.
func (builder *Builder) ensureTable(ctx context.Context, schema, table string, columns []catalog.ColumnInfo, primaryKeys []string) ([]string, error) {
	names := make([]string, len(columns))
	for i, col := range columns {
		names[i] = col.Name
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

// inferColumns derives a table's columns from computed rows: sorted
// names, canonical types from the first non-null value seen.
func inferColumns(rows []transform.Row, primaryKeys []string) []catalog.ColumnInfo {
	pk := make(map[string]bool, len(primaryKeys))
	for _, name := range primaryKeys {
		pk[name] = true
	}
	names := transform.Columns(rows)
	columns := make([]catalog.ColumnInfo, 0, len(names))
	for i, name := range names {
		columns = append(columns, catalog.ColumnInfo{
			Name:         name,
			TargetType:   catalog.InferType(firstValue(rows, name)),
			Nullable:     !pk[name],
			Ordinal:      i + 1,
			IsPrimaryKey: pk[name],
		})
	}
	return columns
}

func firstValue(rows []transform.Row, column string) interface{} {
	for _, row := range rows {
		if value, ok := row[column]; ok && value != nil {
			return value
		}
	}
	return nil
}
