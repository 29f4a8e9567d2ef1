// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package catalogdb_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/datasync/catalog"
	"storj.io/datasync/catalogdb"
)

func openTestDB(ctx *testcontext.Context, t *testing.T) *catalogdb.DB {
	db, err := catalogdb.Open(ctx, zaptest.NewLogger(t), catalogdb.Config{
		URL:              "sqlite3://" + ctx.File("catalog.db"),
		MaxIdle:          1,
		MaxOpen:          1,
		StatementTimeout: 30 * time.Second,
		LockTimeout:      10 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, db.MigrateToLatest(ctx))
	return db
}

func testEntry(schema, table string) catalog.Entry {
	return catalog.Entry{
		Schema:     schema,
		Table:      table,
		Engine:     catalog.MySQL,
		Connection: "mysql://root@db/app",
		Active:     true,
		PKColumns:  []string{"id"},
		PKStrategy: catalog.PKStrategyCDC,
		Size:       10,
	}
}

func TestUpsert(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(ctx, t)
	defer ctx.Check(db.Close)

	entry := testEntry("app", "users")
	require.NoError(t, db.Upsert(ctx, entry))

	got, err := db.Get(ctx, "app", "users", catalog.MySQL)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusFullLoad, got.Status)
	require.Equal(t, []string{"id"}, got.PKColumns)
	require.EqualValues(t, 10, got.Size)
	require.True(t, got.Active)

	// Same primary key refreshes only the size.
	require.NoError(t, db.UpdateStatus(ctx, "app", "users", catalog.MySQL, catalog.StatusListeningChanges))
	entry.Size = 25
	require.NoError(t, db.Upsert(ctx, entry))

	got, err = db.Get(ctx, "app", "users", catalog.MySQL)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusListeningChanges, got.Status)
	require.EqualValues(t, 25, got.Size)

	// Changed primary key resets the status to FULL_LOAD.
	entry.PKColumns = []string{"id", "region"}
	require.NoError(t, db.Upsert(ctx, entry))

	got, err = db.Get(ctx, "app", "users", catalog.MySQL)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusFullLoad, got.Status)
	require.Equal(t, []string{"id", "region"}, got.PKColumns)
}

func TestUpsert_Invalid(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(ctx, t)
	defer ctx.Check(db.Close)

	entry := testEntry("", "users")
	err := db.Upsert(ctx, entry)
	require.True(t, catalog.ErrInvalidRequest.Has(err))
}

func TestGet_NotFound(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(ctx, t)
	defer ctx.Check(db.Close)

	_, err := db.Get(ctx, "app", "ghost", catalog.MySQL)
	require.True(t, catalog.ErrEntryNotFound.Has(err))
}

func TestListing(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(ctx, t)
	defer ctx.Check(db.Close)

	users := testEntry("app", "users")
	orders := testEntry("app", "orders")
	legacy := testEntry("legacy", "archive")
	legacy.Connection = "sqlserver://sa@legacy?database=old"
	legacy.Engine = catalog.MSSQL
	legacy.Active = false

	for _, entry := range []catalog.Entry{users, orders, legacy} {
		require.NoError(t, db.Upsert(ctx, entry))
	}

	connections, err := db.ListConnections(ctx, catalog.MySQL)
	require.NoError(t, err)
	require.Equal(t, []string{"mysql://root@db/app"}, connections)

	// MariaDB folds into the MySQL engine.
	connections, err = db.ListConnections(ctx, catalog.MariaDB)
	require.NoError(t, err)
	require.Len(t, connections, 1)

	entries, err := db.ListEntries(ctx, catalog.MySQL, "mysql://root@db/app")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "orders", entries[0].Table)
	require.Equal(t, "users", entries[1].Table)

	empty, err := db.ListEntries(ctx, catalog.MySQL, "")
	require.NoError(t, err)
	require.Empty(t, empty)

	active, err := db.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)

	pending, err := db.ListByStatus(ctx, catalog.StatusFullLoad)
	require.NoError(t, err)
	require.Len(t, pending, 3)
}

func TestUpdateCluster(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(ctx, t)
	defer ctx.Check(db.Close)

	require.NoError(t, db.Upsert(ctx, testEntry("app", "users")))
	require.NoError(t, db.Upsert(ctx, testEntry("app", "orders")))

	count, err := db.UpdateCluster(ctx, "prod-eu", "mysql://root@db/app", catalog.MySQL)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	got, err := db.Get(ctx, "app", "users", catalog.MySQL)
	require.NoError(t, err)
	require.Equal(t, "prod-eu", got.Cluster)
}

func TestUpdateStatus_NotFound(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(ctx, t)
	defer ctx.Check(db.Close)

	err := db.UpdateStatus(ctx, "app", "ghost", catalog.MySQL, catalog.StatusSkip)
	require.True(t, catalog.ErrEntryNotFound.Has(err))
}

func TestAdvanceWatermark(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(ctx, t)
	defer ctx.Check(db.Close)

	require.NoError(t, db.Upsert(ctx, testEntry("app", "users")))

	require.NoError(t, db.AdvanceWatermark(ctx, "app", "users", catalog.MySQL, 100))
	got, err := db.Get(ctx, "app", "users", catalog.MySQL)
	require.NoError(t, err)
	require.EqualValues(t, 100, got.LastChangeID())

	// The watermark never decreases.
	require.NoError(t, db.AdvanceWatermark(ctx, "app", "users", catalog.MySQL, 40))
	got, err = db.Get(ctx, "app", "users", catalog.MySQL)
	require.NoError(t, err)
	require.EqualValues(t, 100, got.LastChangeID())

	require.NoError(t, db.AdvanceWatermark(ctx, "app", "users", catalog.MySQL, 150))
	got, err = db.Get(ctx, "app", "users", catalog.MySQL)
	require.NoError(t, err)
	require.EqualValues(t, 150, got.LastChangeID())
}

func TestDelete(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(ctx, t)
	defer ctx.Check(db.Close)

	require.NoError(t, db.Upsert(ctx, testEntry("app", "users")))

	count, err := db.Delete(ctx, catalog.DeleteEntries{
		Schema: "app", Table: "users", Engine: catalog.MySQL,
		Connection: "mysql://other@db/app",
	})
	require.NoError(t, err)
	require.Zero(t, count, "connection filter must not match")

	count, err = db.Delete(ctx, catalog.DeleteEntries{
		Schema: "app", Table: "users", Engine: catalog.MySQL,
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	_, err = db.Delete(ctx, catalog.DeleteEntries{Table: "users", Engine: catalog.MySQL})
	require.True(t, catalog.ErrInvalidRequest.Has(err))
}

func TestTableSizes(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(ctx, t)
	defer ctx.Check(db.Close)

	users := testEntry("app", "users")
	users.Size = 42
	orders := testEntry("app", "orders")
	orders.Size = 7
	require.NoError(t, db.Upsert(ctx, users))
	require.NoError(t, db.Upsert(ctx, orders))

	sizes, err := db.TableSizes(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 42, sizes["app|users"])
	require.EqualValues(t, 7, sizes["app|orders"])
}

func TestCleanupStrategies(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(ctx, t)
	defer ctx.Check(db.Close)

	require.NoError(t, db.Upsert(ctx, testEntry("app", "users")))
	_, err := db.UnderlyingTagSQL().ExecContext(ctx,
		`UPDATE catalog_entries SET pk_strategy = 'OFFSET'`)
	require.NoError(t, err)

	count, err := db.CleanupStrategies(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	got, err := db.Get(ctx, "app", "users", catalog.MySQL)
	require.NoError(t, err)
	require.Equal(t, catalog.PKStrategyCDC, got.PKStrategy)
}
