// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // registers mysql as a tagsql driver.
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/datasync/catalog"
	"storj.io/datasync/private/dbutil"
	"storj.io/datasync/private/tagsql"
)

// mysqlSystemSchemas are never offered by discovery.
var mysqlSystemSchemas = []string{
	"mysql", "information_schema", "performance_schema", "sys",
}

// mysqlAdapter serves MySQL and MariaDB sources. MariaDB speaks the same
// protocol and information_schema dialect.
type mysqlAdapter struct {
	log        *zap.Logger
	db         tagsql.DB
	connection string
	config     Config
}

func openMySQL(ctx context.Context, log *zap.Logger, connection string, config Config) (*mysqlAdapter, error) {
	dsn := strings.TrimPrefix(connection, "mysql://")
	dsn = withMySQLParams(dsn)

	var db tagsql.DB
	err := connectWithRetry(ctx, config, func(ctx context.Context) error {
		var err error
		db, err = tagsql.Open(ctx, "mysql", dsn)
		return err
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	dbutil.ConfigurePool(db, config.MaxIdle, config.MaxOpen, time.Hour)

	return &mysqlAdapter{
		log:        log,
		db:         db,
		connection: connection,
		config:     config,
	}, nil
}

// withMySQLParams makes sure timestamps scan as time.Time.
func withMySQLParams(dsn string) string {
	if strings.Contains(dsn, "parseTime=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&parseTime=true"
	}
	return dsn + "?parseTime=true"
}

func (adapter *mysqlAdapter) Engine() catalog.Engine { return catalog.MySQL }
func (adapter *mysqlAdapter) Connection() string     { return adapter.connection }

// quoteIdent quotes with backticks, the only quoting MySQL always accepts.
func quoteMySQLIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (adapter *mysqlAdapter) qualified(schema, table string) string {
	return quoteMySQLIdent(schema) + "." + quoteMySQLIdent(table)
}

func (adapter *mysqlAdapter) DiscoverTables(ctx context.Context) (_ []TableIdent, err error) {
	defer mon.Task()(&ctx)(&err)

	excluded := append([]string{}, mysqlSystemSchemas...)
	excluded = append(excluded, adapter.config.MetadataSchema)
	for _, schema := range strings.Split(adapter.config.DiscoverExclude, ",") {
		if schema = strings.TrimSpace(schema); schema != "" {
			excluded = append(excluded, schema)
		}
	}

	placeholders := make([]string, len(excluded))
	args := make([]interface{}, len(excluded))
	for i, schema := range excluded {
		placeholders[i] = "?"
		args[i] = schema
	}

	rows, err := adapter.db.QueryContext(ctx, `
		SELECT table_schema, table_name
		FROM information_schema.tables
		WHERE table_type = 'BASE TABLE'
		  AND table_schema NOT IN (`+strings.Join(placeholders, ", ")+`)
		ORDER BY table_schema, table_name`, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var tables []TableIdent
	for rows.Next() {
		var ident TableIdent
		if err := rows.Scan(&ident.Schema, &ident.Table); err != nil {
			return nil, Error.Wrap(err)
		}
		ident.Connection = adapter.connection
		tables = append(tables, ident)
	}
	return tables, Error.Wrap(rows.Err())
}

func (adapter *mysqlAdapter) DetectPrimaryKey(ctx context.Context, schema, table string) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := adapter.db.QueryContext(ctx, `
		SELECT column_name
		FROM information_schema.key_column_usage
		WHERE constraint_name = 'PRIMARY'
		  AND table_schema = ? AND table_name = ?
		ORDER BY ordinal_position`, schema, table)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var pk []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, Error.Wrap(err)
		}
		pk = append(pk, strings.ToLower(name))
	}
	return pk, Error.Wrap(rows.Err())
}

func (adapter *mysqlAdapter) DetectTimeColumn(ctx context.Context, schema, table string) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	columns, err := adapter.Columns(ctx, schema, table)
	if err != nil {
		return "", err
	}
	for _, candidate := range timeColumnCandidates {
		if _, ok := catalog.FindColumn(columns, candidate); ok {
			return candidate, nil
		}
	}
	return "", nil
}

func (adapter *mysqlAdapter) Columns(ctx context.Context, schema, table string) (_ []catalog.ColumnInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := adapter.db.QueryContext(ctx, `
		SELECT column_name, data_type, column_type, is_nullable,
		       COALESCE(column_default, ''),
		       ordinal_position,
		       COALESCE(character_maximum_length, 0),
		       COALESCE(numeric_precision, 0),
		       COALESCE(numeric_scale, 0),
		       column_key
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ordinal_position`, schema, table)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var columns []catalog.ColumnInfo
	for rows.Next() {
		var col catalog.ColumnInfo
		var dataType, columnType, isNullable, columnKey string
		var maxLength, precision, scale int64
		if err := rows.Scan(&col.Name, &dataType, &columnType, &isNullable,
			&col.Default, &col.Ordinal, &maxLength, &precision, &scale, &columnKey); err != nil {
			return nil, Error.Wrap(err)
		}
		col.Name = strings.ToLower(col.Name)
		col.SourceType = columnType
		col.TargetType = mapMySQLType(dataType, columnType)
		col.Nullable = strings.EqualFold(isNullable, "YES")
		col.MaxLength = int(maxLength)
		col.NumericPrecision = int(precision)
		col.NumericScale = int(scale)
		col.IsPrimaryKey = columnKey == "PRI"
		columns = append(columns, col)
	}
	return columns, Error.Wrap(rows.Err())
}

// mapMySQLType maps a MySQL native type to the canonical set.
func mapMySQLType(dataType, columnType string) string {
	switch strings.ToLower(dataType) {
	case "varchar":
		return catalog.TypeVarchar
	case "char":
		return catalog.TypeChar
	case "text", "tinytext", "mediumtext", "longtext":
		return catalog.TypeText
	case "tinyint":
		if strings.HasPrefix(strings.ToLower(columnType), "tinyint(1)") {
			return catalog.TypeBoolean
		}
		return catalog.TypeSmallint
	case "smallint", "year":
		return catalog.TypeSmallint
	case "mediumint", "int":
		return catalog.TypeInteger
	case "bigint":
		return catalog.TypeBigint
	case "decimal", "numeric":
		return catalog.TypeNumeric
	case "float":
		return catalog.TypeReal
	case "double":
		return catalog.TypeDouble
	case "bit":
		if strings.HasPrefix(strings.ToLower(columnType), "bit(1)") {
			return catalog.TypeBoolean
		}
		return catalog.TypeBinary
	case "date":
		return catalog.TypeDate
	case "time":
		return catalog.TypeTime
	case "datetime", "timestamp":
		return catalog.TypeTimestamp
	case "binary", "varbinary", "blob", "tinyblob", "mediumblob", "longblob":
		return catalog.TypeBinary
	case "json":
		return catalog.TypeJSON
	case "enum", "set":
		return catalog.TypeVarchar
	default:
		return catalog.TypeText
	}
}

func (adapter *mysqlAdapter) CountColumns(ctx context.Context, schema, table string) (count int, err error) {
	defer mon.Task()(&ctx)(&err)

	err = adapter.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?`, schema, table).Scan(&count)
	return count, Error.Wrap(err)
}

func (adapter *mysqlAdapter) RowCount(ctx context.Context, schema, table string) (count int64, err error) {
	defer mon.Task()(&ctx)(&err)

	schema, table, err = adapter.sanitizePair(schema, table)
	if err != nil {
		return 0, err
	}
	err = adapter.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+adapter.qualified(schema, table)).Scan(&count)
	return count, Error.Wrap(err)
}

func (adapter *mysqlAdapter) ScanTable(ctx context.Context, schema, table string, columns []string, batchSize int, fn func(batch RowBatch) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	schema, table, err = adapter.sanitizePair(schema, table)
	if err != nil {
		return err
	}
	columns, err = mustSanitizeAll(columns)
	if err != nil {
		return err
	}
	if batchSize <= 0 {
		batchSize = 1000
	}

	pk, err := adapter.DetectPrimaryKey(ctx, schema, table)
	if err != nil {
		return err
	}

	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = quoteMySQLIdent(col)
	}
	selectList := strings.Join(quoted, ", ")

	if len(pk) > 0 {
		return adapter.scanKeyset(ctx, schema, table, columns, selectList, pk, batchSize, fn)
	}

	// Offset pagination has no inherent order; a detected time column is
	// the best available ordering hint for tables without a primary key.
	orderHint, err := adapter.DetectTimeColumn(ctx, schema, table)
	if err != nil {
		return err
	}
	return adapter.scanOffset(ctx, schema, table, columns, selectList, orderHint, batchSize, fn)
}

// scanKeyset pages with a row-constructor comparison on the primary key,
// stable regardless of concurrent writes.
func (adapter *mysqlAdapter) scanKeyset(ctx context.Context, schema, table string, columns []string, selectList string, pk []string, batchSize int, fn func(batch RowBatch) error) error {
	pkQuoted := make([]string, len(pk))
	for i, col := range pk {
		pkQuoted[i] = quoteMySQLIdent(col)
	}
	orderBy := strings.Join(pkQuoted, ", ")
	pkTuple := "(" + strings.Join(pkQuoted, ", ") + ")"

	pkIndex := make([]int, len(pk))
	for i, col := range pk {
		pkIndex[i] = -1
		for j, name := range columns {
			if strings.EqualFold(name, col) {
				pkIndex[i] = j
				break
			}
		}
		if pkIndex[i] < 0 {
			return Error.New("primary key column %q not in scan columns", col)
		}
	}

	var lastKey []interface{}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		query := "SELECT " + selectList + " FROM " + adapter.qualified(schema, table)
		var args []interface{}
		if lastKey != nil {
			marks := strings.TrimSuffix(strings.Repeat("?, ", len(pk)), ", ")
			query += " WHERE " + pkTuple + " > (" + marks + ")"
			args = append(args, lastKey...)
		}
		query += " ORDER BY " + orderBy + fmt.Sprintf(" LIMIT %d", batchSize)

		batch, err := adapter.fetchBatch(ctx, query, args, columns)
		if err != nil {
			return err
		}
		if len(batch.Rows) == 0 {
			return nil
		}

		if err := fn(batch); err != nil {
			return err
		}

		last := batch.Rows[len(batch.Rows)-1]
		lastKey = make([]interface{}, len(pk))
		for i, idx := range pkIndex {
			lastKey[i] = last[idx]
		}
		if len(batch.Rows) < batchSize {
			return nil
		}
	}
}

// scanOffset pages by LIMIT/OFFSET for tables without a primary key.
func (adapter *mysqlAdapter) scanOffset(ctx context.Context, schema, table string, columns []string, selectList, orderHint string, batchSize int, fn func(batch RowBatch) error) error {
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		query := "SELECT " + selectList + " FROM " + adapter.qualified(schema, table)
		if orderHint != "" {
			query += " ORDER BY " + quoteMySQLIdent(orderHint)
		}
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", batchSize, offset)

		batch, err := adapter.fetchBatch(ctx, query, nil, columns)
		if err != nil {
			return err
		}
		if len(batch.Rows) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(batch.Rows) < batchSize {
			return nil
		}
		offset += len(batch.Rows)
	}
}

func (adapter *mysqlAdapter) fetchBatch(ctx context.Context, query string, args []interface{}, columns []string) (batch RowBatch, err error) {
	rows, err := adapter.db.QueryContext(ctx, query, args...)
	if err != nil {
		return batch, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	batch.Columns = columns
	for rows.Next() {
		values := make([]interface{}, len(columns))
		targets := make([]interface{}, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return batch, Error.Wrap(err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		batch.Rows = append(batch.Rows, values)
	}
	return batch, Error.Wrap(rows.Err())
}

// mysqlTriggerSuffixes, one trigger per DML verb.
var mysqlTriggerSuffixes = map[Operation]string{
	OpInsert: "ins",
	OpUpdate: "upd",
	OpDelete: "del",
}

func (adapter *mysqlAdapter) InstallChangeLog(ctx context.Context, schema, table string, pkColumns []string, columns []catalog.ColumnInfo) (err error) {
	defer mon.Task()(&ctx)(&err)

	schema, table, err = adapter.sanitizePair(schema, table)
	if err != nil {
		return err
	}
	meta, err := SanitizeIdentifier(adapter.config.MetadataSchema)
	if err != nil {
		return err
	}

	if _, err := adapter.db.ExecContext(ctx,
		"CREATE DATABASE IF NOT EXISTS "+quoteMySQLIdent(meta)); err != nil {
		return Error.Wrap(err)
	}
	if _, err := adapter.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+quoteMySQLIdent(meta)+`.`+quoteMySQLIdent(ChangeLogTable)+` (
			change_id   BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			schema_name VARCHAR(128) NOT NULL,
			table_name  VARCHAR(128) NOT NULL,
			operation   CHAR(1) NOT NULL,
			pk_values   JSON,
			row_data    JSON,
			changed_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			KEY ds_change_log_table_idx (schema_name, table_name, change_id)
		)`); err != nil {
		return Error.Wrap(err)
	}

	for op, suffix := range mysqlTriggerSuffixes {
		trigger := quoteMySQLIdent(schema) + "." + quoteMySQLIdent(mysqlTriggerName(table, suffix))
		if _, err := adapter.db.ExecContext(ctx, "DROP TRIGGER IF EXISTS "+trigger); err != nil {
			return Error.Wrap(err)
		}

		image := "NEW"
		event := "INSERT"
		switch op {
		case OpUpdate:
			event = "UPDATE"
		case OpDelete:
			image, event = "OLD", "DELETE"
		}

		stmt := "CREATE TRIGGER " + trigger +
			" AFTER " + event + " ON " + adapter.qualified(schema, table) +
			" FOR EACH ROW INSERT INTO " +
			quoteMySQLIdent(meta) + "." + quoteMySQLIdent(ChangeLogTable) +
			" (schema_name, table_name, operation, pk_values, row_data)" +
			" VALUES ('" + schema + "', '" + table + "', '" + string(op) + "', " +
			mysqlPKExpression(image, pkColumns, columns) + ", " +
			mysqlRowExpression(image, columns) + ")"
		if _, err := adapter.db.ExecContext(ctx, stmt); err != nil {
			return Error.Wrap(err)
		}
	}

	adapter.log.Info("change log installed",
		zap.String("schema", schema),
		zap.String("table", table))
	return nil
}

func mysqlTriggerName(table, suffix string) string {
	return "ds_tr_" + table + "_" + suffix
}

// mysqlPKExpression renders the pk_values JSON for the trigger: either
// the primary key columns or the row-hash surrogate.
func mysqlPKExpression(image string, pkColumns []string, columns []catalog.ColumnInfo) string {
	if len(pkColumns) == 0 {
		return "JSON_OBJECT('" + catalog.HashColumn + "', " + mysqlRowHashExpression(image, columns) + ")"
	}
	parts := make([]string, 0, len(pkColumns)*2)
	for _, col := range pkColumns {
		parts = append(parts, "'"+col+"'", image+"."+quoteMySQLIdent(col))
	}
	return "JSON_OBJECT(" + strings.Join(parts, ", ") + ")"
}

// mysqlRowExpression renders the full row image JSON.
func mysqlRowExpression(image string, columns []catalog.ColumnInfo) string {
	parts := make([]string, 0, len(columns)*2)
	for _, col := range columns {
		parts = append(parts, "'"+col.Name+"'", image+"."+quoteMySQLIdent(col.Name))
	}
	return "JSON_OBJECT(" + strings.Join(parts, ", ") + ")"
}

// mysqlRowHashExpression must produce the same digest as replication
// computes in Go for the full-load pass: sha1 over the pipe-joined
// column values in catalog order, nulls as empty strings.
func mysqlRowHashExpression(image string, columns []catalog.ColumnInfo) string {
	parts := make([]string, 0, len(columns))
	for _, col := range columns {
		parts = append(parts, "COALESCE(CAST("+image+"."+quoteMySQLIdent(col.Name)+" AS CHAR), '')")
	}
	return "SHA1(CONCAT_WS('|', " + strings.Join(parts, ", ") + "))"
}

func (adapter *mysqlAdapter) RemoveChangeLog(ctx context.Context, schema, table string) (err error) {
	defer mon.Task()(&ctx)(&err)

	schema, table, err = adapter.sanitizePair(schema, table)
	if err != nil {
		return err
	}
	for _, suffix := range mysqlTriggerSuffixes {
		trigger := quoteMySQLIdent(schema) + "." + quoteMySQLIdent(mysqlTriggerName(table, suffix))
		if _, err := adapter.db.ExecContext(ctx, "DROP TRIGGER IF EXISTS "+trigger); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

func (adapter *mysqlAdapter) MaxChangeID(ctx context.Context, schema, table string) (maxID int64, err error) {
	defer mon.Task()(&ctx)(&err)

	meta, err := SanitizeIdentifier(adapter.config.MetadataSchema)
	if err != nil {
		return 0, err
	}
	err = adapter.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(change_id), 0)
		FROM `+quoteMySQLIdent(meta)+`.`+quoteMySQLIdent(ChangeLogTable)+`
		WHERE schema_name = ? AND table_name = ?`, schema, table).Scan(&maxID)
	return maxID, Error.Wrap(err)
}

func (adapter *mysqlAdapter) ReadChanges(ctx context.Context, schema, table string, sinceChangeID int64, maxRows int) (batch ChangeBatch, err error) {
	defer mon.Task()(&ctx)(&err)

	meta, err := SanitizeIdentifier(adapter.config.MetadataSchema)
	if err != nil {
		return batch, err
	}
	if maxRows <= 0 {
		maxRows = adapter.config.StatementLimit
	}

	rows, err := adapter.db.QueryContext(ctx, `
		SELECT change_id, operation, pk_values, row_data, changed_at
		FROM `+quoteMySQLIdent(meta)+`.`+quoteMySQLIdent(ChangeLogTable)+`
		WHERE schema_name = ? AND table_name = ? AND change_id > ?
		ORDER BY change_id
		LIMIT `+fmt.Sprintf("%d", maxRows), schema, table, sinceChangeID)
	if err != nil {
		return batch, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	for rows.Next() {
		var changeID int64
		var op string
		var pkJSON, rowJSON []byte
		var changedAt time.Time
		if err := rows.Scan(&changeID, &op, &pkJSON, &rowJSON, &changedAt); err != nil {
			return batch, Error.Wrap(err)
		}
		if changeID > batch.MaxChangeID {
			batch.MaxChangeID = changeID
		}

		record, err := parseChangeRecord(changeID, schema, table, op, pkJSON, rowJSON, changedAt)
		if err != nil {
			adapter.log.Warn("skipping bad change-log record",
				zap.Int64("change_id", changeID), zap.Error(err))
			batch.Skipped++
			continue
		}
		batch.Records = append(batch.Records, record)
	}
	return batch, Error.Wrap(rows.Err())
}

func (adapter *mysqlAdapter) PruneChangeLog(ctx context.Context, schema, table string, upToChangeID int64) (pruned int64, err error) {
	defer mon.Task()(&ctx)(&err)

	meta, err := SanitizeIdentifier(adapter.config.MetadataSchema)
	if err != nil {
		return 0, err
	}
	result, err := adapter.db.ExecContext(ctx, `
		DELETE FROM `+quoteMySQLIdent(meta)+`.`+quoteMySQLIdent(ChangeLogTable)+`
		WHERE schema_name = ? AND table_name = ? AND change_id <= ?`,
		schema, table, upToChangeID)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	pruned, err = result.RowsAffected()
	return pruned, Error.Wrap(err)
}

func (adapter *mysqlAdapter) Ping(ctx context.Context) error {
	return Error.Wrap(adapter.db.PingContext(ctx))
}

func (adapter *mysqlAdapter) Close() error {
	return Error.Wrap(adapter.db.Close())
}

func (adapter *mysqlAdapter) sanitizePair(schema, table string) (_, _ string, err error) {
	schema, err = SanitizeIdentifier(schema)
	if err != nil {
		return "", "", err
	}
	table, err = SanitizeIdentifier(table)
	if err != nil {
		return "", "", err
	}
	return schema, table, nil
}
