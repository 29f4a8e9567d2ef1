// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	_ "github.com/denisenkom/go-mssqldb" // registers sqlserver as a tagsql driver.
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/datasync/catalog"
	"storj.io/datasync/private/dbutil"
	"storj.io/datasync/private/tagsql"
)

// mssqlSystemSchemas are never offered by discovery.
var mssqlSystemSchemas = []string{
	"sys", "INFORMATION_SCHEMA", "guest", "db_owner", "db_accessadmin",
	"db_securityadmin", "db_ddladmin", "db_backupoperator", "db_datareader",
	"db_datawriter", "db_denydatareader", "db_denydatawriter",
}

// mssqlAdapter serves Microsoft SQL Server sources. Triggers are
// statement level here, so a single multi-row statement logs all of its
// rows through one trigger firing.
type mssqlAdapter struct {
	log        *zap.Logger
	db         tagsql.DB
	connection string
	config     Config
}

func openMSSQL(ctx context.Context, log *zap.Logger, connection string, config Config) (*mssqlAdapter, error) {
	var db tagsql.DB
	err := connectWithRetry(ctx, config, func(ctx context.Context) error {
		var err error
		db, err = tagsql.Open(ctx, "sqlserver", connection)
		return err
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	dbutil.ConfigurePool(db, config.MaxIdle, config.MaxOpen, time.Hour)

	return &mssqlAdapter{
		log:        log,
		db:         db,
		connection: connection,
		config:     config,
	}, nil
}

func (adapter *mssqlAdapter) Engine() catalog.Engine { return catalog.MSSQL }
func (adapter *mssqlAdapter) Connection() string     { return adapter.connection }

func quoteMSSQLIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (adapter *mssqlAdapter) qualified(schema, table string) string {
	return quoteMSSQLIdent(schema) + "." + quoteMSSQLIdent(table)
}

func (adapter *mssqlAdapter) DiscoverTables(ctx context.Context) (_ []TableIdent, err error) {
	defer mon.Task()(&ctx)(&err)

	excluded := append([]string{}, mssqlSystemSchemas...)
	excluded = append(excluded, adapter.config.MetadataSchema)
	for _, schema := range strings.Split(adapter.config.DiscoverExclude, ",") {
		if schema = strings.TrimSpace(schema); schema != "" {
			excluded = append(excluded, schema)
		}
	}

	placeholders := make([]string, len(excluded))
	args := make([]interface{}, len(excluded))
	for i, schema := range excluded {
		placeholders[i] = fmt.Sprintf("@p%d", i+1)
		args[i] = schema
	}

	rows, err := adapter.db.QueryContext(ctx, `
		SELECT TABLE_SCHEMA, TABLE_NAME
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_TYPE = 'BASE TABLE'
		  AND TABLE_SCHEMA NOT IN (`+strings.Join(placeholders, ", ")+`)
		ORDER BY TABLE_SCHEMA, TABLE_NAME`, args...)
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

func (adapter *mssqlAdapter) DetectPrimaryKey(ctx context.Context, schema, table string) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := adapter.db.QueryContext(ctx, `
		SELECT kcu.COLUMN_NAME
		FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
		JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
		  ON kcu.CONSTRAINT_NAME = tc.CONSTRAINT_NAME
		 AND kcu.TABLE_SCHEMA = tc.TABLE_SCHEMA
		 AND kcu.TABLE_NAME = tc.TABLE_NAME
		WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
		  AND tc.TABLE_SCHEMA = @p1 AND tc.TABLE_NAME = @p2
		ORDER BY kcu.ORDINAL_POSITION`, schema, table)
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

func (adapter *mssqlAdapter) DetectTimeColumn(ctx context.Context, schema, table string) (_ string, err error) {
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

func (adapter *mssqlAdapter) Columns(ctx context.Context, schema, table string) (_ []catalog.ColumnInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := adapter.db.QueryContext(ctx, `
		SELECT c.COLUMN_NAME, c.DATA_TYPE, c.IS_NULLABLE,
		       COALESCE(c.COLUMN_DEFAULT, ''),
		       c.ORDINAL_POSITION,
		       COALESCE(c.CHARACTER_MAXIMUM_LENGTH, 0),
		       COALESCE(c.NUMERIC_PRECISION, 0),
		       COALESCE(c.NUMERIC_SCALE, 0),
		       CASE WHEN pk.COLUMN_NAME IS NULL THEN 0 ELSE 1 END
		FROM INFORMATION_SCHEMA.COLUMNS c
		LEFT JOIN (
			SELECT kcu.TABLE_SCHEMA, kcu.TABLE_NAME, kcu.COLUMN_NAME
			FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
			JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
			  ON kcu.CONSTRAINT_NAME = tc.CONSTRAINT_NAME
			 AND kcu.TABLE_SCHEMA = tc.TABLE_SCHEMA
			 AND kcu.TABLE_NAME = tc.TABLE_NAME
			WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
		) pk ON pk.TABLE_SCHEMA = c.TABLE_SCHEMA
		    AND pk.TABLE_NAME = c.TABLE_NAME
		    AND pk.COLUMN_NAME = c.COLUMN_NAME
		WHERE c.TABLE_SCHEMA = @p1 AND c.TABLE_NAME = @p2
		ORDER BY c.ORDINAL_POSITION`, schema, table)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var columns []catalog.ColumnInfo
	for rows.Next() {
		var col catalog.ColumnInfo
		var dataType, isNullable string
		var maxLength, precision, scale int64
		var isPK int
		if err := rows.Scan(&col.Name, &dataType, &isNullable,
			&col.Default, &col.Ordinal, &maxLength, &precision, &scale, &isPK); err != nil {
			return nil, Error.Wrap(err)
		}
		col.Name = strings.ToLower(col.Name)
		col.SourceType = dataType
		col.TargetType = mapMSSQLType(dataType, maxLength)
		col.Nullable = strings.EqualFold(isNullable, "YES")
		col.MaxLength = int(maxLength)
		col.NumericPrecision = int(precision)
		col.NumericScale = int(scale)
		col.IsPrimaryKey = isPK == 1
		columns = append(columns, col)
	}
	return columns, Error.Wrap(rows.Err())
}

// mapMSSQLType maps a SQL Server native type to the canonical set.
func mapMSSQLType(dataType string, maxLength int64) string {
	switch strings.ToLower(dataType) {
	case "varchar", "nvarchar":
		if maxLength < 0 { // varchar(max) reports -1
			return catalog.TypeText
		}
		return catalog.TypeVarchar
	case "char", "nchar":
		return catalog.TypeChar
	case "text", "ntext", "xml":
		return catalog.TypeText
	case "tinyint", "smallint":
		return catalog.TypeSmallint
	case "int":
		return catalog.TypeInteger
	case "bigint":
		return catalog.TypeBigint
	case "decimal", "numeric", "money", "smallmoney":
		return catalog.TypeNumeric
	case "real":
		return catalog.TypeReal
	case "float":
		return catalog.TypeDouble
	case "bit":
		return catalog.TypeBoolean
	case "date":
		return catalog.TypeDate
	case "time":
		return catalog.TypeTime
	case "datetime", "datetime2", "smalldatetime", "datetimeoffset":
		return catalog.TypeTimestamp
	case "binary", "varbinary", "image", "rowversion", "timestamp":
		return catalog.TypeBinary
	case "uniqueidentifier":
		return catalog.TypeVarchar
	default:
		return catalog.TypeText
	}
}

func (adapter *mssqlAdapter) CountColumns(ctx context.Context, schema, table string) (count int, err error) {
	defer mon.Task()(&ctx)(&err)

	err = adapter.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2`, schema, table).Scan(&count)
	return count, Error.Wrap(err)
}

func (adapter *mssqlAdapter) RowCount(ctx context.Context, schema, table string) (count int64, err error) {
	defer mon.Task()(&ctx)(&err)

	schema, table, err = adapter.sanitizePair(schema, table)
	if err != nil {
		return 0, err
	}
	err = adapter.db.QueryRowContext(ctx,
		"SELECT COUNT_BIG(*) FROM "+adapter.qualified(schema, table)).Scan(&count)
	return count, Error.Wrap(err)
}

func (adapter *mssqlAdapter) ScanTable(ctx context.Context, schema, table string, columns []string, batchSize int, fn func(batch RowBatch) error) (err error) {
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
		quoted[i] = quoteMSSQLIdent(col)
	}
	selectList := strings.Join(quoted, ", ")

	// OFFSET/FETCH needs an ORDER BY. The primary key gives a stable
	// order; a detected time column is the next best hint, and only
	// then does the scan fall back to an arbitrary order.
	orderBy := "(SELECT NULL)"
	if len(pk) > 0 {
		pkQuoted := make([]string, len(pk))
		for i, col := range pk {
			pkQuoted[i] = quoteMSSQLIdent(col)
		}
		orderBy = strings.Join(pkQuoted, ", ")
	} else if hint, err := adapter.DetectTimeColumn(ctx, schema, table); err != nil {
		return err
	} else if hint != "" {
		orderBy = quoteMSSQLIdent(hint)
	}

	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		query := fmt.Sprintf(
			"SELECT %s FROM %s ORDER BY %s OFFSET %d ROWS FETCH NEXT %d ROWS ONLY",
			selectList, adapter.qualified(schema, table), orderBy, offset, batchSize)

		batch, err := adapter.fetchBatch(ctx, query, columns)
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

func (adapter *mssqlAdapter) fetchBatch(ctx context.Context, query string, columns []string) (batch RowBatch, err error) {
	rows, err := adapter.db.QueryContext(ctx, query)
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

var mssqlTriggerSuffixes = map[Operation]string{
	OpInsert: "ins",
	OpUpdate: "upd",
	OpDelete: "del",
}

func (adapter *mssqlAdapter) InstallChangeLog(ctx context.Context, schema, table string, pkColumns []string, columns []catalog.ColumnInfo) (err error) {
	defer mon.Task()(&ctx)(&err)

	schema, table, err = adapter.sanitizePair(schema, table)
	if err != nil {
		return err
	}
	meta, err := SanitizeIdentifier(adapter.config.MetadataSchema)
	if err != nil {
		return err
	}

	if _, err := adapter.db.ExecContext(ctx, fmt.Sprintf(
		"IF NOT EXISTS (SELECT 1 FROM sys.schemas WHERE name = '%s') EXEC('CREATE SCHEMA %s')",
		meta, quoteMSSQLIdent(meta))); err != nil {
		return Error.Wrap(err)
	}
	if _, err := adapter.db.ExecContext(ctx, fmt.Sprintf(`
		IF OBJECT_ID('%s.%s', 'U') IS NULL
		CREATE TABLE %s.%s (
			change_id   BIGINT IDENTITY(1,1) NOT NULL PRIMARY KEY,
			schema_name NVARCHAR(128) NOT NULL,
			table_name  NVARCHAR(128) NOT NULL,
			operation   CHAR(1) NOT NULL,
			pk_values   NVARCHAR(MAX),
			row_data    NVARCHAR(MAX),
			changed_at  DATETIME2 NOT NULL DEFAULT SYSUTCDATETIME(),
			INDEX ds_change_log_table_idx (schema_name, table_name, change_id)
		)`,
		meta, ChangeLogTable,
		quoteMSSQLIdent(meta), quoteMSSQLIdent(ChangeLogTable))); err != nil {
		return Error.Wrap(err)
	}

	logTable := quoteMSSQLIdent(meta) + "." + quoteMSSQLIdent(ChangeLogTable)
	for op, suffix := range mssqlTriggerSuffixes {
		image := "inserted"
		event := "INSERT"
		switch op {
		case OpUpdate:
			event = "UPDATE"
		case OpDelete:
			image, event = "deleted", "DELETE"
		}

		stmt := "CREATE OR ALTER TRIGGER " +
			quoteMSSQLIdent(schema) + "." + quoteMSSQLIdent(mssqlTriggerName(table, suffix)) +
			" ON " + adapter.qualified(schema, table) +
			" AFTER " + event + " AS BEGIN SET NOCOUNT ON;" +
			" INSERT INTO " + logTable +
			" (schema_name, table_name, operation, pk_values, row_data)" +
			" SELECT '" + schema + "', '" + table + "', '" + string(op) + "', " +
			mssqlPKExpression(pkColumns, columns) + ", " +
			mssqlRowExpression(columns) +
			" FROM " + image + " t; END"
		if _, err := adapter.db.ExecContext(ctx, stmt); err != nil {
			return Error.Wrap(err)
		}
	}

	adapter.log.Info("change log installed",
		zap.String("schema", schema),
		zap.String("table", table))
	return nil
}

func mssqlTriggerName(table, suffix string) string {
	return "ds_tr_" + table + "_" + suffix
}

// mssqlPKExpression renders pk_values JSON for one row of the trigger's
// virtual table, aliased t.
func mssqlPKExpression(pkColumns []string, columns []catalog.ColumnInfo) string {
	if len(pkColumns) == 0 {
		return `'{"` + catalog.HashColumn + `":"' + ` + mssqlRowHashExpression(columns) + ` + '"}'`
	}
	parts := make([]string, len(pkColumns))
	for i, col := range pkColumns {
		parts[i] = "t." + quoteMSSQLIdent(col) + " AS " + quoteMSSQLIdent(col)
	}
	return "(SELECT " + strings.Join(parts, ", ") + " FOR JSON PATH, WITHOUT_ARRAY_WRAPPER, INCLUDE_NULL_VALUES)"
}

func mssqlRowExpression(columns []catalog.ColumnInfo) string {
	parts := make([]string, len(columns))
	for i, col := range columns {
		parts[i] = "t." + quoteMSSQLIdent(col.Name) + " AS " + quoteMSSQLIdent(col.Name)
	}
	return "(SELECT " + strings.Join(parts, ", ") + " FOR JSON PATH, WITHOUT_ARRAY_WRAPPER, INCLUDE_NULL_VALUES)"
}

// mssqlRowHashExpression matches the digest replication computes in Go:
// sha1 over pipe-joined column values, nulls as empty strings. VARCHAR
// casts keep the hashed bytes single byte like UTF-8 ASCII.
func mssqlRowHashExpression(columns []catalog.ColumnInfo) string {
	parts := make([]string, len(columns))
	for i, col := range columns {
		parts[i] = "COALESCE(CAST(t." + quoteMSSQLIdent(col.Name) + " AS VARCHAR(MAX)), '')"
	}
	return "LOWER(CONVERT(VARCHAR(40), HASHBYTES('SHA1', CONCAT_WS('|', " +
		strings.Join(parts, ", ") + ")), 2))"
}

func (adapter *mssqlAdapter) RemoveChangeLog(ctx context.Context, schema, table string) (err error) {
	defer mon.Task()(&ctx)(&err)

	schema, table, err = adapter.sanitizePair(schema, table)
	if err != nil {
		return err
	}
	for _, suffix := range mssqlTriggerSuffixes {
		name := schema + "." + mssqlTriggerName(table, suffix)
		stmt := fmt.Sprintf(
			"IF OBJECT_ID('%s', 'TR') IS NOT NULL DROP TRIGGER %s.%s",
			name, quoteMSSQLIdent(schema), quoteMSSQLIdent(mssqlTriggerName(table, suffix)))
		if _, err := adapter.db.ExecContext(ctx, stmt); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

func (adapter *mssqlAdapter) MaxChangeID(ctx context.Context, schema, table string) (maxID int64, err error) {
	defer mon.Task()(&ctx)(&err)

	meta, err := SanitizeIdentifier(adapter.config.MetadataSchema)
	if err != nil {
		return 0, err
	}
	err = adapter.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(change_id), 0)
		FROM `+quoteMSSQLIdent(meta)+`.`+quoteMSSQLIdent(ChangeLogTable)+`
		WHERE schema_name = @p1 AND table_name = @p2`, schema, table).Scan(&maxID)
	return maxID, Error.Wrap(err)
}

func (adapter *mssqlAdapter) ReadChanges(ctx context.Context, schema, table string, sinceChangeID int64, maxRows int) (batch ChangeBatch, err error) {
	defer mon.Task()(&ctx)(&err)

	meta, err := SanitizeIdentifier(adapter.config.MetadataSchema)
	if err != nil {
		return batch, err
	}
	if maxRows <= 0 {
		maxRows = adapter.config.StatementLimit
	}

	rows, err := adapter.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT TOP (%d) change_id, operation, pk_values, row_data, changed_at
		FROM %s.%s
		WHERE schema_name = @p1 AND table_name = @p2 AND change_id > @p3
		ORDER BY change_id`,
		maxRows, quoteMSSQLIdent(meta), quoteMSSQLIdent(ChangeLogTable)),
		schema, table, sinceChangeID)
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

func (adapter *mssqlAdapter) PruneChangeLog(ctx context.Context, schema, table string, upToChangeID int64) (pruned int64, err error) {
	defer mon.Task()(&ctx)(&err)

	meta, err := SanitizeIdentifier(adapter.config.MetadataSchema)
	if err != nil {
		return 0, err
	}
	result, err := adapter.db.ExecContext(ctx, `
		DELETE FROM `+quoteMSSQLIdent(meta)+`.`+quoteMSSQLIdent(ChangeLogTable)+`
		WHERE schema_name = @p1 AND table_name = @p2 AND change_id <= @p3`,
		schema, table, upToChangeID)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	pruned, err = result.RowsAffected()
	return pruned, Error.Wrap(err)
}

func (adapter *mssqlAdapter) Ping(ctx context.Context) error {
	return Error.Wrap(adapter.db.PingContext(ctx))
}

func (adapter *mssqlAdapter) Close() error {
	return Error.Wrap(adapter.db.Close())
}

func (adapter *mssqlAdapter) sanitizePair(schema, table string) (_, _ string, err error) {
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
