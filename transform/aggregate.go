// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package transform

import (
	"context"
	"math"
	"sort"

	"github.com/zeebo/errs"
)

// Aggregate groups rows by the configured columns and reduces each
// group with the configured functions. With an empty group_by the
// whole input forms a single group and the output is a single row.
// Values that are missing or not numeric are skipped by the numeric
// functions.
type Aggregate struct{}

type aggregation struct {
	column     string
	function   string
	alias      string
	percentile float64
}

var aggregateFunctions = map[string]bool{
	"sum": true, "count": true, "avg": true, "min": true, "max": true,
	"stddev": true, "variance": true, "percentile": true,
}

// Name implements Operator.
func (Aggregate) Name() string { return "aggregate" }

// Validate implements Operator.
func (Aggregate) Validate(config Config) error {
	_, err := parseAggregations(config)
	return err
}

// Apply implements Operator.
func (Aggregate) Apply(ctx context.Context, rows []Row, config Config) ([]Row, error) {
	aggs, err := parseAggregations(config)
	if err != nil {
		return nil, err
	}
	groupBy := config.Strings("group_by")

	type group struct {
		keys   Row
		values [][]float64
		minima []interface{}
		maxima []interface{}
		counts []int64
	}

	groups := make(map[string]*group)
	var order []string

	ensure := func(row Row) *group {
		key := Signature(row, groupBy)
		g, ok := groups[key]
		if !ok {
			g = &group{
				keys:   make(Row, len(groupBy)),
				values: make([][]float64, len(aggs)),
				minima: make([]interface{}, len(aggs)),
				maxima: make([]interface{}, len(aggs)),
				counts: make([]int64, len(aggs)),
			}
			for _, name := range groupBy {
				g.keys[name] = row[name]
			}
			groups[key] = g
			order = append(order, key)
		}
		return g
	}

	if len(groupBy) == 0 {
		// A single group exists even over empty input.
		ensure(Row{})
	}

	for _, row := range rows {
		g := ensure(row)
		for i, agg := range aggs {
			value, present := row[agg.column]
			if !present || value == nil {
				continue
			}
			g.counts[i]++
			switch agg.function {
			case "count":
			case "min":
				if g.minima[i] == nil || Compare(value, g.minima[i]) < 0 {
					g.minima[i] = value
				}
			case "max":
				if g.maxima[i] == nil || Compare(value, g.maxima[i]) > 0 {
					g.maxima[i] = value
				}
			default:
				if f, ok := toFloat(value); ok {
					g.values[i] = append(g.values[i], f)
				}
			}
		}
	}

	out := make([]Row, 0, len(order))
	for _, key := range order {
		g := groups[key]
		row := g.keys.Clone()
		for i, agg := range aggs {
			row[agg.alias] = reduce(agg, g.values[i], g.minima[i], g.maxima[i], g.counts[i])
		}
		out = append(out, row)
	}
	return out, nil
}

func reduce(agg aggregation, values []float64, minimum, maximum interface{}, count int64) interface{} {
	switch agg.function {
	case "count":
		return count
	case "min":
		return minimum
	case "max":
		return maximum
	case "sum":
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum
	case "avg":
		if len(values) == 0 {
			return nil
		}
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	case "stddev":
		variance, ok := sampleVariance(values)
		if !ok {
			return nil
		}
		return math.Sqrt(variance)
	case "variance":
		variance, ok := sampleVariance(values)
		if !ok {
			return nil
		}
		return variance
	case "percentile":
		if len(values) == 0 {
			return nil
		}
		sorted := append([]float64(nil), values...)
		sort.Float64s(sorted)
		idx := int(math.Ceil(agg.percentile*float64(len(sorted)))) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return sorted[idx]
	default:
		return nil
	}
}

func sampleVariance(values []float64) (float64, bool) {
	if len(values) < 2 {
		return 0, false
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var acc float64
	for _, v := range values {
		d := v - mean
		acc += d * d
	}
	return acc / float64(len(values)-1), true
}

func parseAggregations(config Config) ([]aggregation, error) {
	items := config.List("aggregations")
	if len(items) == 0 {
		return nil, errs.New("aggregate needs at least one aggregation")
	}

	aggs := make([]aggregation, 0, len(items))
	for i, item := range items {
		agg := aggregation{
			column:   item.String("column"),
			function: item.String("function"),
			alias:    item.String("alias"),
		}
		if agg.column == "" {
			return nil, errs.New("aggregation %d has no column", i)
		}
		if !aggregateFunctions[agg.function] {
			return nil, errs.New("aggregation %d has unsupported function %q", i, agg.function)
		}
		if agg.alias == "" {
			agg.alias = agg.function + "_" + agg.column
		}
		if agg.function == "percentile" {
			agg.percentile = item.Float("percentile", -1)
			if agg.percentile < 0 || agg.percentile > 1 {
				return nil, errs.New("aggregation %d needs a percentile between 0 and 1", i)
			}
		}
		aggs = append(aggs, agg)
	}
	return aggs, nil
}
