// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package vault

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/datasync/catalog"
	"storj.io/datasync/runlog"
	"storj.io/datasync/transform"
)

func testBuilder(t *testing.T, engine *fakeEngine, runs *fakeRunlog) *Builder {
	return NewBuilder(zaptest.NewLogger(t), engine, runs)
}

func findRow(t *testing.T, rows []transform.Row, column string, value interface{}) transform.Row {
	t.Helper()
	for _, row := range rows {
		if transform.Compare(row[column], value) == 0 {
			return row
		}
	}
	require.Failf(t, "row not found", "no row with %s=%v in %v", column, value, rows)
	return nil
}

func bookingColumns() []catalog.ColumnInfo {
	return []catalog.ColumnInfo{
		{Name: "carrier", TargetType: catalog.TypeText, Ordinal: 1},
		{Name: "flight_no", TargetType: catalog.TypeBigint, Ordinal: 2},
		{Name: "passenger", TargetType: catalog.TypeText, Nullable: true, Ordinal: 3},
	}
}

func flightModel() Model {
	return Model{
		Name: "travel",
		Hubs: []Hub{{
			Name:         "flight",
			Source:       transform.TableRef{Schema: "staging", Table: "bookings"},
			BusinessKeys: []string{"carrier", "flight_no"},
		}},
	}
}

func TestBuild_HubKeepsDistinctKeys(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	engine := newFakeEngine()
	engine.seed("staging", "bookings", bookingColumns(),
		transform.Row{"carrier": "AA", "flight_no": int64(1), "passenger": "Ada"},
		transform.Row{"carrier": "AA", "flight_no": int64(1), "passenger": "Grace"},
		transform.Row{"carrier": "BB", "flight_no": int64(2), "passenger": "Ada"},
	)
	runs := &fakeRunlog{}
	builder := testBuilder(t, engine, runs)
	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	builder.now = func() time.Time { return first }

	require.NoError(t, builder.Build(ctx, flightModel()))

	rows := engine.rowsOf("vault", "flight")
	require.Len(t, rows, 2)
	aa := findRow(t, rows, "carrier", "AA")
	require.Equal(t, int64(1), aa["flight_no"])
	require.Equal(t,
		transform.RowKey(transform.Row{"carrier": "AA", "flight_no": int64(1)}, []string{"carrier", "flight_no"}),
		aa["flight_key"])
	require.Equal(t, first, aa[colLoadDate])
	require.Equal(t, "staging.bookings", aa[colRecordSource])

	require.Equal(t,
		[]string{"flight_key", "carrier", "flight_no", colLoadDate, colRecordSource},
		engine.columnNames("vault", "flight"))
	require.Equal(t, []string{"flight_key"}, engine.primaryKeys("vault", "flight"))

	record, ok := runs.last()
	require.True(t, ok)
	require.Equal(t, "vault travel", record.Entity)
	require.Equal(t, runlog.StatusSuccess, record.Status)
	require.Equal(t, int64(2), record.RowsProcessed)
	require.NotNil(t, record.FinishedAt)

	// The same source loaded again adds nothing and never rewrites.
	require.NoError(t, builder.Build(ctx, flightModel()))
	require.Len(t, engine.rowsOf("vault", "flight"), 2)
	require.Empty(t, engine.truncated)

	record, ok = runs.last()
	require.True(t, ok)
	require.Equal(t, int64(0), record.RowsProcessed)
}

func shopModel() Model {
	orders := transform.TableRef{Schema: "staging", Table: "orders"}
	return Model{
		Name: "shop",
		Hubs: []Hub{
			{Name: "customer", Source: orders, BusinessKeys: []string{"customer_id"}},
			{Name: "product", Source: orders, BusinessKeys: []string{"sku"}},
		},
		Links: []Link{{
			Name:   "purchase",
			Source: orders,
			Hubs: []LinkHub{
				{Hub: "customer", Columns: []string{"customer_id"}},
				{Hub: "product", Columns: []string{"sku"}},
			},
		}},
	}
}

func seedOrders(engine *fakeEngine) {
	engine.seed("staging", "orders", []catalog.ColumnInfo{
		{Name: "customer_id", TargetType: catalog.TypeBigint, Ordinal: 1},
		{Name: "sku", TargetType: catalog.TypeText, Ordinal: 2},
		{Name: "qty", TargetType: catalog.TypeBigint, Nullable: true, Ordinal: 3},
	},
		transform.Row{"customer_id": int64(1), "sku": "red", "qty": int64(2)},
		transform.Row{"customer_id": int64(1), "sku": "red", "qty": int64(5)},
		transform.Row{"customer_id": int64(2), "sku": "blue", "qty": int64(1)},
	)
}

func TestBuild_LinkDigestsHubKeys(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	engine := newFakeEngine()
	seedOrders(engine)
	runs := &fakeRunlog{}
	builder := testBuilder(t, engine, runs)

	require.NoError(t, builder.Build(ctx, shopModel()))

	customerDigest := transform.RowKey(transform.Row{"customer_id": int64(1)}, []string{"customer_id"})
	productDigest := transform.RowKey(transform.Row{"sku": "red"}, []string{"sku"})

	links := engine.rowsOf("vault", "purchase")
	require.Len(t, links, 2)
	row := findRow(t, links, "customer_key", customerDigest)
	require.Equal(t, productDigest, row["product_key"])
	require.Equal(t, transform.HashKey(customerDigest, productDigest), row["purchase_key"])

	// The digests in the link resolve against the hubs.
	require.NotNil(t, findRow(t, engine.rowsOf("vault", "customer"), "customer_key", customerDigest))
	require.NotNil(t, findRow(t, engine.rowsOf("vault", "product"), "product_key", productDigest))

	record, ok := runs.last()
	require.True(t, ok)
	require.Equal(t, int64(6), record.RowsProcessed)

	require.NoError(t, builder.Build(ctx, shopModel()))
	require.Len(t, engine.rowsOf("vault", "purchase"), 2)
}

func customerColumns() []catalog.ColumnInfo {
	return []catalog.ColumnInfo{
		{Name: "customer_id", TargetType: catalog.TypeBigint, Ordinal: 1},
		{Name: "name", TargetType: catalog.TypeText, Nullable: true, Ordinal: 2},
		{Name: "tier", TargetType: catalog.TypeText, Nullable: true, Ordinal: 3},
	}
}

func seedCustomers(engine *fakeEngine, adaTier string) {
	engine.seed("staging", "customers", customerColumns(),
		transform.Row{"customer_id": int64(1), "name": "Ada", "tier": adaTier},
		transform.Row{"customer_id": int64(2), "name": "Grace", "tier": "silver"},
	)
}

func crmModel(historized bool) Model {
	customers := transform.TableRef{Schema: "staging", Table: "customers"}
	return Model{
		Name: "crm",
		Hubs: []Hub{{Name: "customer", Source: customers, BusinessKeys: []string{"customer_id"}}},
		Satellites: []Satellite{{
			Name:       "customer_details",
			Source:     customers,
			Hub:        "customer",
			KeyGroups:  [][]string{{"customer_id"}},
			Attributes: []string{"name", "tier"},
			Historized: historized,
		}},
	}
}

func TestBuild_SatelliteHistorized(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	engine := newFakeEngine()
	seedCustomers(engine, "gold")
	runs := &fakeRunlog{}
	builder := testBuilder(t, engine, runs)
	first := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	builder.now = func() time.Time { return first }

	require.NoError(t, builder.Build(ctx, crmModel(true)))

	adaKey := transform.RowKey(transform.Row{"customer_id": int64(1)}, []string{"customer_id"})
	sats := engine.rowsOf("vault", "customer_details")
	require.Len(t, sats, 2)
	ada := findRow(t, sats, "customer_key", adaKey)
	require.Equal(t, "gold", ada["tier"])
	require.Equal(t, first, ada[colLoadDate])
	require.Equal(t,
		transform.RowKey(transform.Row{"name": "Ada", "tier": "gold"}, []string{"name", "tier"}),
		ada[colHashDiff])
	require.Equal(t,
		[]string{"customer_key", colLoadDate},
		engine.primaryKeys("vault", "customer_details"))

	// Unchanged attributes add no version.
	builder.now = func() time.Time { return first.Add(24 * time.Hour) }
	require.NoError(t, builder.Build(ctx, crmModel(true)))
	require.Len(t, engine.rowsOf("vault", "customer_details"), 2)

	// A changed attribute appends a version and keeps the old one.
	seedCustomers(engine, "platinum")
	third := first.Add(48 * time.Hour)
	builder.now = func() time.Time { return third }
	require.NoError(t, builder.Build(ctx, crmModel(true)))

	sats = engine.rowsOf("vault", "customer_details")
	require.Len(t, sats, 3)
	var tiers []string
	for _, row := range sats {
		if row["customer_key"] == adaKey {
			tiers = append(tiers, row["tier"].(string))
		}
	}
	require.ElementsMatch(t, []string{"gold", "platinum"}, tiers)
	latest := findRow(t, sats, colLoadDate, third)
	require.Equal(t, "platinum", latest["tier"])

	// The new version is now the latest; rebuilding adds nothing.
	require.NoError(t, builder.Build(ctx, crmModel(true)))
	require.Len(t, engine.rowsOf("vault", "customer_details"), 3)
}

func TestBuild_SatelliteKeepsFirstVersion(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	engine := newFakeEngine()
	seedCustomers(engine, "gold")
	runs := &fakeRunlog{}
	builder := testBuilder(t, engine, runs)

	require.NoError(t, builder.Build(ctx, crmModel(false)))
	require.Len(t, engine.rowsOf("vault", "customer_details"), 2)
	require.NotContains(t, engine.columnNames("vault", "customer_details"), colHashDiff)

	// Without history the first version wins; changes are ignored.
	seedCustomers(engine, "platinum")
	require.NoError(t, builder.Build(ctx, crmModel(false)))

	sats := engine.rowsOf("vault", "customer_details")
	require.Len(t, sats, 2)
	adaKey := transform.RowKey(transform.Row{"customer_id": int64(1)}, []string{"customer_id"})
	require.Equal(t, "gold", findRow(t, sats, "customer_key", adaKey)["tier"])
}

func TestBuild_RecordsFailure(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	engine := newFakeEngine()
	engine.seed("staging", "bookings", bookingColumns(),
		transform.Row{"carrier": "AA", "flight_no": int64(1)},
	)
	engine.failInsert["vault.flight"] = true
	runs := &fakeRunlog{}
	builder := testBuilder(t, engine, runs)

	err := builder.Build(ctx, flightModel())
	require.Error(t, err)

	record, ok := runs.last()
	require.True(t, ok)
	require.Equal(t, runlog.StatusFailed, record.Status)
	require.Contains(t, record.Error, "insert into vault.flight refused")
	require.NotNil(t, record.FinishedAt)
}

func TestBuild_InvalidModel(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	engine := newFakeEngine()
	runs := &fakeRunlog{}
	builder := testBuilder(t, engine, runs)

	model := flightModel()
	model.Hubs[0].BusinessKeys = nil
	require.Error(t, builder.Build(ctx, model))

	// Nothing ran, nothing is logged.
	_, ok := runs.last()
	require.False(t, ok)
}
