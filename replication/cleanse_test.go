// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storj.io/datasync/catalog"
)

func TestCleanseValue_Nulls(t *testing.T) {
	tests := []struct {
		name   string
		value  interface{}
		column catalog.ColumnInfo
		want   interface{}
	}{
		{"nil integer", nil, catalog.ColumnInfo{TargetType: "bigint"}, int64(0)},
		{"nil decimal", nil, catalog.ColumnInfo{TargetType: "numeric(10,2)"}, float64(0)},
		{"nil string", nil, catalog.ColumnInfo{TargetType: "varchar(50)"}, "DEFAULT"},
		{"nil date", nil, catalog.ColumnInfo{TargetType: "date"}, "1970-01-01"},
		{"nil timestamp", nil, catalog.ColumnInfo{TargetType: "timestamp"}, "1970-01-01 00:00:00"},
		{"nil time", nil, catalog.ColumnInfo{TargetType: "time"}, "00:00:00"},
		{"nil boolean", nil, catalog.ColumnInfo{TargetType: "boolean"}, false},
		{"nil binary", nil, catalog.ColumnInfo{TargetType: "binary"}, nil},

		{"empty string", "", catalog.ColumnInfo{TargetType: "varchar(50)"}, "DEFAULT"},
		{"literal NULL", "NULL", catalog.ColumnInfo{TargetType: "varchar(50)"}, "DEFAULT"},
		{"lowercase null padded", "  null  ", catalog.ColumnInfo{TargetType: "varchar(50)"}, "DEFAULT"},
		{"escaped N", `\N`, catalog.ColumnInfo{TargetType: "varchar(50)"}, "DEFAULT"},
		{"zero date text", "0000-00-00", catalog.ColumnInfo{TargetType: "date"}, "1970-01-01"},
		{"sentinel 1900 text", "1900-01-01 00:00:00", catalog.ColumnInfo{TargetType: "timestamp"}, "1970-01-01 00:00:00"},
		{"sentinel epoch text", "1970-01-01", catalog.ColumnInfo{TargetType: "date"}, "1970-01-01"},
		{"control bytes", "ab\x01cd", catalog.ColumnInfo{TargetType: "varchar(50)"}, "DEFAULT"},
		{"non-ascii bytes", "caf\xc3\xa9", catalog.ColumnInfo{TargetType: "varchar(50)"}, "DEFAULT"},
		{"empty bytes", []byte{}, catalog.ColumnInfo{TargetType: "varchar(50)"}, "DEFAULT"},

		{"zero time", time.Time{}, catalog.ColumnInfo{TargetType: "timestamp"}, "1970-01-01 00:00:00"},
		{"1900 time", time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC), catalog.ColumnInfo{TargetType: "timestamp"}, "1970-01-01 00:00:00"},
		{"epoch time", time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC), catalog.ColumnInfo{TargetType: "date"}, "1970-01-01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, CleanseValue(tt.value, tt.column))
		})
	}
}

func TestCleanseValue_PassThrough(t *testing.T) {
	varchar := catalog.ColumnInfo{TargetType: "varchar(50)", MaxLength: 50}

	require.Equal(t, "alice", CleanseValue("alice", varchar))
	require.Equal(t, int64(42), CleanseValue(int64(42), catalog.ColumnInfo{TargetType: "bigint"}))
	require.Equal(t, 3.14, CleanseValue(3.14, catalog.ColumnInfo{TargetType: "double"}))
	require.Equal(t, true, CleanseValue(true, catalog.ColumnInfo{TargetType: "boolean"}))

	moment := time.Date(2025, 8, 25, 10, 30, 0, 0, time.UTC)
	require.Equal(t, moment, CleanseValue(moment, catalog.ColumnInfo{TargetType: "timestamp"}))

	// Byte slices flatten to text on the way through.
	require.Equal(t, "hello", CleanseValue([]byte("hello"), varchar))
}

func TestCleanseValue_Truncation(t *testing.T) {
	column := catalog.ColumnInfo{TargetType: "varchar(5)", MaxLength: 5}

	require.Equal(t, "abcde", CleanseValue("abcdefgh", column))
	require.Equal(t, "abcde", CleanseValue("abcde", column))
	require.Equal(t, "abc", CleanseValue("abc", column))

	// Text columns without a recorded length keep everything.
	unbounded := catalog.ColumnInfo{TargetType: "text"}
	require.Equal(t, "abcdefgh", CleanseValue("abcdefgh", unbounded))
}

func TestCleanseValue_Binary(t *testing.T) {
	column := catalog.ColumnInfo{TargetType: "binary"}

	require.Equal(t, "deadbeef", CleanseValue("deadbeef", column))
	require.Equal(t, "DEADBEEF", CleanseValue("DEADBEEF", column))
	require.Nil(t, CleanseValue("abc", column))
	require.Nil(t, CleanseValue("zz", column))
	require.Nil(t, CleanseValue("not hex at all", column))
}

func TestCleanseRow(t *testing.T) {
	columns := []catalog.ColumnInfo{
		{Name: "id", TargetType: "bigint"},
		{Name: "name", TargetType: "varchar(5)", MaxLength: 5},
		{Name: "joined", TargetType: "timestamp"},
	}
	row := []interface{}{nil, "abcdefgh", "0000-00-00 00:00:00"}

	CleanseRow(row, columns)

	require.Equal(t, []interface{}{int64(0), "abcde", "1970-01-01 00:00:00"}, row)
}

func TestCleanseRow_ExtraValues(t *testing.T) {
	columns := []catalog.ColumnInfo{{Name: "id", TargetType: "bigint"}}
	row := []interface{}{nil, "left alone"}

	CleanseRow(row, columns)

	require.Equal(t, []interface{}{int64(0), "left alone"}, row)
}
