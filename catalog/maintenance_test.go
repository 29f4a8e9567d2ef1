// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package catalog_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/datasync/catalog"
	"storj.io/datasync/catalogdb"
)

func openTestDB(ctx *testcontext.Context, t *testing.T) *catalogdb.DB {
	db, err := catalogdb.Open(ctx, zaptest.NewLogger(t).Named("catalogdb"), catalogdb.Config{
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

func addEntry(ctx *testcontext.Context, t *testing.T, db catalog.DB, schema, table string, status catalog.Status, active bool) {
	require.NoError(t, db.Upsert(ctx, catalog.Entry{
		Schema:     schema,
		Table:      table,
		Engine:     catalog.MySQL,
		Connection: "mysql://root@db/app",
		Active:     true,
		PKColumns:  []string{"id"},
		PKStrategy: catalog.PKStrategyCDC,
	}))
	require.NoError(t, db.UpdateStatus(ctx, schema, table, catalog.MySQL, status))
	if !active {
		require.NoError(t, db.SetActive(ctx, schema, table, catalog.MySQL, false))
	}
}

// fakeTarget is an in-memory catalog.Target mapping "schema.table" to a
// row count.
type fakeTarget struct {
	tables    map[string]int64
	dropped   []string
	truncated []string
}

var _ catalog.Target = (*fakeTarget)(nil)

func newFakeTarget() *fakeTarget {
	return &fakeTarget{tables: map[string]int64{}}
}

func tableKey(schema, table string) string { return schema + "." + table }

func (fake *fakeTarget) TableExists(ctx context.Context, schema, table string) (bool, error) {
	_, ok := fake.tables[tableKey(schema, table)]
	return ok, nil
}

func (fake *fakeTarget) RowCount(ctx context.Context, schema, table string) (int64, error) {
	return fake.tables[tableKey(schema, table)], nil
}

func (fake *fakeTarget) TruncateTable(ctx context.Context, schema, table string) error {
	key := tableKey(schema, table)
	if _, ok := fake.tables[key]; !ok {
		return errs.New("no such table %s", key)
	}
	fake.tables[key] = 0
	fake.truncated = append(fake.truncated, key)
	return nil
}

func (fake *fakeTarget) DropTable(ctx context.Context, schema, table string) error {
	key := tableKey(schema, table)
	if _, ok := fake.tables[key]; !ok {
		return errs.New("no such table %s", key)
	}
	delete(fake.tables, key)
	fake.dropped = append(fake.dropped, key)
	return nil
}

func TestMaintenance_ReactivateWithData(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(ctx, t)
	defer ctx.Check(db.Close)

	addEntry(ctx, t, db, "app", "revived", catalog.StatusNoData, false)
	addEntry(ctx, t, db, "app", "empty", catalog.StatusNoData, false)
	addEntry(ctx, t, db, "app", "missing", catalog.StatusNoData, false)
	addEntry(ctx, t, db, "app", "active", catalog.StatusNoData, true)

	target := newFakeTarget()
	target.tables["app.revived"] = 5
	target.tables["app.empty"] = 0
	target.tables["app.active"] = 9

	maintenance := catalog.NewMaintenance(zaptest.NewLogger(t), db, target)

	reactivated, err := maintenance.ReactivateWithData(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, reactivated)

	entry, err := db.Get(ctx, "app", "revived", catalog.MySQL)
	require.NoError(t, err)
	require.True(t, entry.Active)
	require.Equal(t, catalog.StatusPending, entry.Status)

	for _, table := range []string{"empty", "missing"} {
		entry, err := db.Get(ctx, "app", table, catalog.MySQL)
		require.NoError(t, err)
		require.False(t, entry.Active)
		require.Equal(t, catalog.StatusNoData, entry.Status)
	}

	// Entries that are still active are not lifecycle candidates, even
	// with rows in the target.
	entry, err = db.Get(ctx, "app", "active", catalog.MySQL)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusNoData, entry.Status)
}

func TestMaintenance_DeactivateEmpty(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(ctx, t)
	defer ctx.Check(db.Close)

	addEntry(ctx, t, db, "app", "loaded", catalog.StatusListeningChanges, true)
	addEntry(ctx, t, db, "app", "drained", catalog.StatusListeningChanges, true)
	addEntry(ctx, t, db, "app", "gone", catalog.StatusListeningChanges, true)
	addEntry(ctx, t, db, "app", "parked", catalog.StatusError, false)

	target := newFakeTarget()
	target.tables["app.loaded"] = 3
	target.tables["app.drained"] = 0

	maintenance := catalog.NewMaintenance(zaptest.NewLogger(t), db, target)

	deactivated, err := maintenance.DeactivateEmpty(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, deactivated)

	entry, err := db.Get(ctx, "app", "loaded", catalog.MySQL)
	require.NoError(t, err)
	require.True(t, entry.Active)
	require.Equal(t, catalog.StatusListeningChanges, entry.Status)

	for _, table := range []string{"drained", "gone"} {
		entry, err := db.Get(ctx, "app", table, catalog.MySQL)
		require.NoError(t, err)
		require.False(t, entry.Active)
		require.Equal(t, catalog.StatusNoData, entry.Status)
	}

	// Inactive entries are not visited twice.
	entry, err = db.Get(ctx, "app", "parked", catalog.MySQL)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusError, entry.Status)
}

func TestMaintenance_MarkInactiveAsSkip(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(ctx, t)
	defer ctx.Check(db.Close)

	addEntry(ctx, t, db, "app", "old", catalog.StatusError, false)
	addEntry(ctx, t, db, "app", "gone", catalog.StatusPending, false)
	addEntry(ctx, t, db, "app", "live", catalog.StatusListeningChanges, true)
	addEntry(ctx, t, db, "app", "skipped", catalog.StatusSkip, false)

	target := newFakeTarget()
	target.tables["app.old"] = 5
	target.tables["app.live"] = 7

	maintenance := catalog.NewMaintenance(zaptest.NewLogger(t), db, target)

	marked, err := maintenance.MarkInactiveAsSkip(ctx, true)
	require.NoError(t, err)
	require.EqualValues(t, 2, marked)

	entry, err := db.Get(ctx, "app", "old", catalog.MySQL)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusSkip, entry.Status)
	require.Equal(t, []string{"app.old"}, target.truncated)
	require.EqualValues(t, 0, target.tables["app.old"])

	entry, err = db.Get(ctx, "app", "gone", catalog.MySQL)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusSkip, entry.Status)

	entry, err = db.Get(ctx, "app", "live", catalog.MySQL)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusListeningChanges, entry.Status)
	require.EqualValues(t, 7, target.tables["app.live"])

	// Without truncation only the status moves.
	require.NoError(t, db.SetActive(ctx, "app", "live", catalog.MySQL, false))
	marked, err = maintenance.MarkInactiveAsSkip(ctx, false)
	require.NoError(t, err)
	require.EqualValues(t, 1, marked)
	require.Equal(t, []string{"app.old"}, target.truncated)
	require.EqualValues(t, 7, target.tables["app.live"])
}

func TestMaintenance_Reset(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(ctx, t)
	defer ctx.Check(db.Close)

	addEntry(ctx, t, db, "app", "users", catalog.StatusListeningChanges, true)

	entry, err := db.Get(ctx, "app", "users", catalog.MySQL)
	require.NoError(t, err)
	entry.SetLastChangeID(42)
	require.NoError(t, db.UpdateSyncMetadata(ctx, "app", "users", catalog.MySQL, entry.SyncMetadata))

	target := newFakeTarget()
	target.tables["app.users"] = 2

	maintenance := catalog.NewMaintenance(zaptest.NewLogger(t), db, target)

	require.NoError(t, maintenance.Reset(ctx, "app", "users", catalog.MySQL))
	require.Equal(t, []string{"app.users"}, target.dropped)

	entry, err = db.Get(ctx, "app", "users", catalog.MySQL)
	require.NoError(t, err)
	require.Equal(t, catalog.StatusFullLoad, entry.Status)
	require.Zero(t, entry.LastChangeID())
	require.Equal(t, []string{"id"}, entry.PKColumns)

	// Resetting again is fine with the target table already gone.
	require.NoError(t, maintenance.Reset(ctx, "app", "users", catalog.MySQL))
	require.Equal(t, []string{"app.users"}, target.dropped)

	err = maintenance.Reset(ctx, "app", "ghost", catalog.MySQL)
	require.Error(t, err)
	require.True(t, catalog.ErrEntryNotFound.Has(err))
}

func TestMaintenance_DeleteTables(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(ctx, t)
	defer ctx.Check(db.Close)

	addEntry(ctx, t, db, "app", "users", catalog.StatusListeningChanges, true)
	addEntry(ctx, t, db, "app", "orders", catalog.StatusListeningChanges, true)

	target := newFakeTarget()
	target.tables["app.users"] = 2
	target.tables["app.orders"] = 4

	maintenance := catalog.NewMaintenance(zaptest.NewLogger(t), db, target)

	_, err := maintenance.DeleteTables(ctx, catalog.DeleteEntries{Schema: "app"}, false)
	require.Error(t, err)
	require.True(t, catalog.ErrInvalidRequest.Has(err))

	deleted, err := maintenance.DeleteTables(ctx, catalog.DeleteEntries{
		Schema: "app", Table: "users", Engine: catalog.MySQL,
	}, true)
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)
	require.Equal(t, []string{"app.users"}, target.dropped)

	_, err = db.Get(ctx, "app", "users", catalog.MySQL)
	require.True(t, catalog.ErrEntryNotFound.Has(err))

	// Without dropTarget the warehouse table outlives the catalog row.
	deleted, err = maintenance.DeleteTables(ctx, catalog.DeleteEntries{
		Schema: "app", Table: "orders", Engine: catalog.MySQL,
	}, false)
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)
	require.Equal(t, []string{"app.users"}, target.dropped)
	require.EqualValues(t, 4, target.tables["app.orders"])
}

func TestMaintenance_RefreshSizes(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(ctx, t)
	defer ctx.Check(db.Close)

	addEntry(ctx, t, db, "app", "users", catalog.StatusListeningChanges, true)
	addEntry(ctx, t, db, "app", "ghost", catalog.StatusListeningChanges, true)
	addEntry(ctx, t, db, "app", "loading", catalog.StatusFullLoad, true)

	require.NoError(t, db.UpdateSize(ctx, "app", "users", catalog.MySQL, 1))
	require.NoError(t, db.UpdateSize(ctx, "app", "loading", catalog.MySQL, 1))

	target := newFakeTarget()
	target.tables["app.users"] = 7
	target.tables["app.loading"] = 100

	maintenance := catalog.NewMaintenance(zaptest.NewLogger(t), db, target)

	require.NoError(t, maintenance.RefreshSizes(ctx))

	entry, err := db.Get(ctx, "app", "users", catalog.MySQL)
	require.NoError(t, err)
	require.EqualValues(t, 7, entry.Size)

	// Entries without a target table keep their stored size; entries not
	// listening are not probed at all.
	entry, err = db.Get(ctx, "app", "ghost", catalog.MySQL)
	require.NoError(t, err)
	require.Zero(t, entry.Size)

	entry, err = db.Get(ctx, "app", "loading", catalog.MySQL)
	require.NoError(t, err)
	require.EqualValues(t, 1, entry.Size)
}
