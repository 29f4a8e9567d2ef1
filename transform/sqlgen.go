// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package transform

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/errs"
)

// ErrNotTranslatable means a pipeline cannot run as a single SQL
// statement and must execute locally.
var ErrNotTranslatable = errs.Class("pipeline not translatable")

// TranslateSQL renders a pipeline over its source table into one
// statement of chained common table expressions for the distributed
// backend. Operators that need side data or depend on input order have
// no SQL form; translating them reports ErrNotTranslatable and the
// caller falls back to local execution.
func TranslateSQL(pipeline Pipeline) (string, error) {
	if pipeline.Source.IsZero() {
		return "", ErrNotTranslatable.New("pipeline %q has no source table", pipeline.Name)
	}

	prev := quoteIdent(pipeline.Source.Schema) + "." + quoteIdent(pipeline.Source.Table)
	var ctes []string
	var finalOrder string

	for i, step := range pipeline.Steps {
		// A sort only survives as the ORDER BY of the outermost select.
		if step.Type == "sort" {
			if i != len(pipeline.Steps)-1 {
				return "", ErrNotTranslatable.New("sort is only translatable as the final step")
			}
			order, err := sortSQL(step.Config)
			if err != nil {
				return "", err
			}
			finalOrder = order
			continue
		}

		body, err := stepSQL(step, prev)
		if err != nil {
			return "", err
		}
		name := fmt.Sprintf("step_%d", i)
		ctes = append(ctes, fmt.Sprintf("%s AS (%s)", name, body))
		prev = name
	}

	var b strings.Builder
	if len(ctes) > 0 {
		b.WriteString("WITH ")
		b.WriteString(strings.Join(ctes, ",\n     "))
		b.WriteString("\n")
	}
	b.WriteString("SELECT * FROM ")
	b.WriteString(prev)
	if finalOrder != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(finalOrder)
	}
	return b.String(), nil
}

func stepSQL(step Step, from string) (string, error) {
	switch step.Type {
	case "filter":
		return filterSQL(step.Config, from)
	case "aggregate":
		return aggregateSQL(step.Config, from)
	case "rank":
		return rankSQL(step.Config, from)
	case "window_functions":
		return windowSQL(step.Config, from)
	case "expression":
		return expressionSQL(step.Config, from)
	default:
		return "", ErrNotTranslatable.New("operator %q has no SQL form", step.Type)
	}
}

func filterSQL(config Config, from string) (string, error) {
	cond, err := parseCondition(config.Map("condition"))
	if err != nil {
		return "", errs.Wrap(err)
	}
	where, err := conditionSQL(cond)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SELECT * FROM %s WHERE %s", from, where), nil
}

func conditionSQL(cond condition) (string, error) {
	column := quoteIdent(cond.column)
	switch cond.op {
	case "IS NULL", "IS NOT NULL":
		return column + " " + cond.op, nil
	case "IN", "NOT IN":
		values := make([]string, len(cond.values))
		for i, value := range cond.values {
			values[i] = valueSQL(value)
		}
		return fmt.Sprintf("%s %s (%s)", column, cond.op, strings.Join(values, ", ")), nil
	case "LIKE":
		return fmt.Sprintf("%s LIKE %s", column, valueSQL(FormatValue(cond.value))), nil
	default:
		return fmt.Sprintf("%s %s %s", column, cond.op, valueSQL(cond.value)), nil
	}
}

func aggregateSQL(config Config, from string) (string, error) {
	aggs, err := parseAggregations(config)
	if err != nil {
		return "", errs.Wrap(err)
	}
	groupBy := config.Strings("group_by")

	var selects []string
	for _, name := range groupBy {
		selects = append(selects, quoteIdent(name))
	}
	for _, agg := range aggs {
		var expr string
		switch agg.function {
		case "sum":
			expr = "SUM(" + quoteIdent(agg.column) + ")"
		case "count":
			expr = "COUNT(" + quoteIdent(agg.column) + ")"
		case "avg":
			expr = "AVG(" + quoteIdent(agg.column) + ")"
		case "min":
			expr = "MIN(" + quoteIdent(agg.column) + ")"
		case "max":
			expr = "MAX(" + quoteIdent(agg.column) + ")"
		case "stddev":
			expr = "STDDEV_SAMP(" + quoteIdent(agg.column) + ")"
		case "variance":
			expr = "VAR_SAMP(" + quoteIdent(agg.column) + ")"
		default:
			return "", ErrNotTranslatable.New("aggregate function %q has no SQL form", agg.function)
		}
		selects = append(selects, expr+" AS "+quoteIdent(agg.alias))
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(selects, ", "), from)
	if len(groupBy) > 0 {
		quoted := make([]string, len(groupBy))
		for i, name := range groupBy {
			quoted[i] = quoteIdent(name)
		}
		query += " GROUP BY " + strings.Join(quoted, ", ")
	}
	return query, nil
}

func sortSQL(config Config) (string, error) {
	columns, err := parseSortColumns(config)
	if err != nil {
		return "", errs.Wrap(err)
	}
	parts := make([]string, len(columns))
	for i, col := range columns {
		direction := " ASC"
		if col.descending {
			direction = " DESC"
		}
		parts[i] = quoteIdent(col.column) + direction
	}
	return strings.Join(parts, ", "), nil
}

func rankSQL(config Config, from string) (string, error) {
	var fn string
	switch rankType := config.String("rank_type"); rankType {
	case "rank":
		fn = "RANK()"
	case "dense_rank":
		fn = "DENSE_RANK()"
	case "row_number":
		fn = "ROW_NUMBER()"
	default:
		// top_n and bottom_n would leave a helper column behind.
		return "", ErrNotTranslatable.New("rank_type %q has no SQL form", rankType)
	}
	orderColumn := config.String("order_column")
	if orderColumn == "" {
		return "", errs.New("rank needs an order_column")
	}

	over := overClause(config.Strings("partition_by"), orderColumn)
	return fmt.Sprintf("SELECT *, %s OVER (%s) AS %s FROM %s", fn, over, quoteIdent(RankColumn), from), nil
}

func windowSQL(config Config, from string) (string, error) {
	windows, err := parseWindows(config)
	if err != nil {
		return "", errs.Wrap(err)
	}

	selects := []string{"*"}
	for _, w := range windows {
		over := overClause(w.partitionBy, w.orderBy)
		var expr string
		switch w.function {
		case "row_number":
			expr = fmt.Sprintf("ROW_NUMBER() OVER (%s)", over)
		case "rank":
			expr = fmt.Sprintf("RANK() OVER (%s)", over)
		case "dense_rank":
			expr = fmt.Sprintf("DENSE_RANK() OVER (%s)", over)
		case "lag":
			expr = fmt.Sprintf("LAG(%s, %d, %s) OVER (%s)", quoteIdent(w.sourceColumn), w.offset, valueSQL(w.defaultValue), over)
		case "lead":
			expr = fmt.Sprintf("LEAD(%s, %d, %s) OVER (%s)", quoteIdent(w.sourceColumn), w.offset, valueSQL(w.defaultValue), over)
		case "first_value":
			expr = fmt.Sprintf("FIRST_VALUE(%s) OVER (%s %s)", quoteIdent(w.sourceColumn), over, wholePartitionFrame)
		case "last_value":
			expr = fmt.Sprintf("LAST_VALUE(%s) OVER (%s %s)", quoteIdent(w.sourceColumn), over, wholePartitionFrame)
		default:
			return "", ErrNotTranslatable.New("window function %q has no SQL form", w.function)
		}
		selects = append(selects, expr+" AS "+quoteIdent(w.targetColumn))
	}

	return fmt.Sprintf("SELECT %s FROM %s", strings.Join(selects, ", "), from), nil
}

// wholePartitionFrame pins first_value and last_value to the whole
// partition, matching the local executor instead of the SQL default
// frame that ends at the current row.
const wholePartitionFrame = "ROWS BETWEEN UNBOUNDED PRECEDING AND UNBOUNDED FOLLOWING"

func overClause(partitionBy []string, orderBy string) string {
	var b strings.Builder
	if len(partitionBy) > 0 {
		quoted := make([]string, len(partitionBy))
		for i, name := range partitionBy {
			quoted[i] = quoteIdent(name)
		}
		b.WriteString("PARTITION BY ")
		b.WriteString(strings.Join(quoted, ", "))
		b.WriteString(" ")
	}
	b.WriteString("ORDER BY ")
	b.WriteString(quoteIdent(orderBy))
	return b.String()
}

func expressionSQL(config Config, from string) (string, error) {
	specs, err := parseExpressions(config)
	if err != nil {
		return "", errs.Wrap(err)
	}

	selects := []string{"*"}
	for _, spec := range specs {
		if spec.kind != "math" {
			return "", ErrNotTranslatable.New("expression type %q has no SQL form", spec.kind)
		}
		selects = append(selects, spec.math.sql()+" AS "+quoteIdent(spec.targetColumn))
	}
	return fmt.Sprintf("SELECT %s FROM %s", strings.Join(selects, ", "), from), nil
}

func (node *exprNode) sql() string {
	if node.op == 0 {
		if node.isCol {
			return quoteIdent(node.column)
		}
		return strconv.FormatFloat(node.value, 'f', -1, 64)
	}
	return "(" + node.left.sql() + " " + string(node.op) + " " + node.right.sql() + ")"
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func valueSQL(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "NULL"
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	case time.Time:
		return "'" + v.Format("2006-01-02 15:04:05") + "'"
	default:
		if _, ok := numericValue(value); ok {
			return FormatValue(value)
		}
		return "'" + strings.ReplaceAll(FormatValue(value), "'", "''") + "'"
	}
}
