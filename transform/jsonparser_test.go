// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package transform

import (
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"
)

func TestJSONParser_NestedAndArray(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	payload := `{"user": {"name": "ada", "tags": ["alpha", "beta"]}, "total": 42.5}`
	rows := []Row{
		{"id": 1, "payload": payload},
		{"id": 2, "payload": map[string]interface{}{"total": 7.0}},
	}

	out, err := JSONParser{}.Apply(ctx, rows, Config{
		"source_column":     "payload",
		"fields_to_extract": []string{"user.name", "user.tags.1", "total", "user.missing"},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)

	require.Equal(t, "ada", out[0]["user_name"])
	require.Equal(t, "beta", out[0]["user_tags_1"])
	require.Equal(t, 42.5, out[0]["total"])
	require.Nil(t, out[0]["user_missing"])

	// Already-decoded documents are walked directly.
	require.Equal(t, 7.0, out[1]["total"])
	require.Nil(t, out[1]["user_name"])

	// The source column stays in place.
	require.Equal(t, payload, out[0]["payload"])
}

func TestJSONParser_BadDocumentYieldsNulls(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	rows := []Row{
		{"id": 1, "payload": `{"a": 1}`},
		{"id": 2, "payload": "{not json"},
		{"id": 3, "payload": nil},
		{"id": 4},
	}

	out, err := JSONParser{}.Apply(ctx, rows, Config{
		"source_column":     "payload",
		"fields_to_extract": []string{"a"},
	})
	require.NoError(t, err)
	require.Len(t, out, 4)

	require.Equal(t, 1.0, out[0]["a"])
	for _, row := range out[1:] {
		require.Nil(t, row["a"])
	}
	require.Equal(t, 2, out[1]["id"])
}

func TestJSONParser_XML(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	payload := `<order id="7"><item><sku>A1</sku></item><item><sku>B2</sku></item><note lang="en">rush</note></order>`
	rows := []Row{{"payload": payload}}

	out, err := JSONParser{}.Apply(ctx, rows, Config{
		"source_column": "payload",
		"format":        "xml",
		"fields_to_extract": []string{
			"order.@id",
			"order.item.0.sku",
			"order.item.1.sku",
			"order.note.#text",
			"order.note.@lang",
		},
	})
	require.NoError(t, err)

	require.Equal(t, "7", out[0]["order_@id"])
	require.Equal(t, "A1", out[0]["order_item_0_sku"])
	require.Equal(t, "B2", out[0]["order_item_1_sku"])
	require.Equal(t, "rush", out[0]["order_note_#text"])
	require.Equal(t, "en", out[0]["order_note_@lang"])
}

func TestJSONParser_Validate(t *testing.T) {
	require.Error(t, JSONParser{}.Validate(Config{
		"fields_to_extract": []string{"a"},
	}))
	require.Error(t, JSONParser{}.Validate(Config{
		"source_column": "payload",
	}))
	require.Error(t, JSONParser{}.Validate(Config{
		"source_column":     "payload",
		"format":            "yaml",
		"fields_to_extract": []string{"a"},
	}))
	require.NoError(t, JSONParser{}.Validate(Config{
		"source_column":     "payload",
		"fields_to_extract": []string{"a.b"},
	}))
}
