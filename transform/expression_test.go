// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package transform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"
)

func TestExpression_Math(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	rows := []Row{
		{"price": 10.0, "qty": 3, "discount": 0.5},
		{"price": 20.0, "qty": 2, "discount": 0.0},
	}

	out, err := Expression{}.Apply(ctx, rows, Config{
		"expressions": []Config{
			{"target_column": "total", "expression": "{price} * {qty} - {discount}", "type": "math"},
			{"target_column": "half", "expression": "({price} + 2) / 2"},
			{"target_column": "neg", "expression": "-{qty}"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 29.5, out[0]["total"])
	require.Equal(t, 40.0, out[1]["total"])
	require.Equal(t, 6.0, out[0]["half"])
	require.Equal(t, -3.0, out[0]["neg"])
}

func TestExpression_MathRowFailuresAreNull(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	rows := []Row{
		{"a": 10, "b": 2},
		{"a": 10, "b": 0},
		{"a": "ten", "b": 2},
		{"b": 2},
	}

	out, err := Expression{}.Apply(ctx, rows, Config{
		"expressions": []Config{
			{"target_column": "q", "expression": "{a} / {b}", "type": "math"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 5.0, out[0]["q"])
	require.Nil(t, out[1]["q"])
	require.Nil(t, out[2]["q"])
	require.Nil(t, out[3]["q"])
}

func TestExpression_String(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	rows := []Row{
		{"first": "ada", "last": " lovelace ", "phone": "030-123-456"},
	}

	out, err := Expression{}.Apply(ctx, rows, Config{
		"expressions": []Config{
			{"target_column": "shout", "expression": "UPPER({first})"},
			{"target_column": "clean", "expression": "TRIM({last})", "type": "string"},
			{"target_column": "full", "expression": "CONCAT({first}, ' ', {last})"},
			{"target_column": "digits", "expression": "REGEX_REPLACE({phone}, '[^0-9]', '')"},
			{"target_column": "area", "expression": "SPLIT({phone}, '-', 1)"},
			{"target_column": "lower", "expression": "LOWER({first})"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "ADA", out[0]["shout"])
	require.Equal(t, "lovelace", out[0]["clean"])
	require.Equal(t, "ada  lovelace ", out[0]["full"])
	require.Equal(t, "030123456", out[0]["digits"])
	require.Equal(t, "030", out[0]["area"])
	require.Equal(t, "ada", out[0]["lower"])
}

func TestExpression_Date(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	rows := []Row{
		{"created": "2025-03-10 08:30:00", "closed": time.Date(2025, 3, 15, 10, 30, 0, 0, time.UTC)},
	}

	out, err := Expression{}.Apply(ctx, rows, Config{
		"expressions": []Config{
			{"target_column": "due", "expression": "DATEADD(day, 5, {created})"},
			{"target_column": "age_days", "expression": "DATEDIFF(day, {created}, {closed})"},
			{"target_column": "age_hours", "expression": "DATEDIFF(hour, {created}, {closed})"},
			{"target_column": "month", "expression": "DATEPART(month, {created})"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 3, 15, 8, 30, 0, 0, time.UTC), out[0]["due"])
	require.Equal(t, int64(5), out[0]["age_days"])
	require.Equal(t, int64(122), out[0]["age_hours"])
	require.Equal(t, int64(3), out[0]["month"])
}

func TestExpression_Validate(t *testing.T) {
	valid := func(expr, kind string) error {
		return Expression{}.Validate(Config{
			"expressions": []Config{
				{"target_column": "x", "expression": expr, "type": kind},
			},
		})
	}

	require.Error(t, Expression{}.Validate(Config{}))
	require.Error(t, valid("", "math"))
	require.Error(t, valid("{a} +", "math"))
	require.Error(t, valid("({a} + 1", "math"))
	require.Error(t, valid("{a", "math"))
	require.Error(t, valid("SOUNDEX({a})", "string"))
	require.Error(t, valid("UPPER({a}, {b})", "string"))
	require.Error(t, valid("DATEADD(day, 1)", "date"))
	require.Error(t, valid("{a} + 1", "spreadsheet"))
	require.NoError(t, valid("{a} * 2 + 1", "math"))
	require.NoError(t, valid("CONCAT({a}, {b})", "auto"))
	require.NoError(t, valid("DATEPART(year, {a})", "auto"))
}

func TestDetectExpressionKind(t *testing.T) {
	require.Equal(t, "math", detectExpressionKind("{a} + {b}"))
	require.Equal(t, "string", detectExpressionKind("upper({a})"))
	require.Equal(t, "string", detectExpressionKind("CONCAT({a}, 'x')"))
	require.Equal(t, "date", detectExpressionKind("DATEDIFF(day, {a}, {b})"))
}
