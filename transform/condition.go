// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package transform

import (
	"regexp"
	"strings"

	"github.com/zeebo/errs"
)

// condition is one comparison against a row column, shared by the
// filter and router operators.
type condition struct {
	column string
	op     string
	value  interface{}
	values []interface{}
	like   *regexp.Regexp
}

var conditionOps = map[string]bool{
	"=": true, "!=": true, ">": true, "<": true, ">=": true, "<=": true,
	"LIKE": true, "IN": true, "NOT IN": true,
	"IS NULL": true, "IS NOT NULL": true,
}

func parseCondition(config Config) (condition, error) {
	if config == nil {
		return condition{}, errs.New("condition missing")
	}

	cond := condition{
		column: config.String("column"),
		op:     strings.ToUpper(strings.TrimSpace(config.String("op"))),
		value:  config["value"],
	}
	if cond.column == "" {
		return condition{}, errs.New("condition column missing")
	}
	if !conditionOps[cond.op] {
		return condition{}, errs.New("unsupported condition op %q", config.String("op"))
	}

	switch cond.op {
	case "IN", "NOT IN":
		cond.values = config.Values("value")
		if cond.values == nil {
			return condition{}, errs.New("%s condition needs a list value", cond.op)
		}
	case "LIKE":
		pattern, err := likeRegexp(FormatValue(cond.value))
		if err != nil {
			return condition{}, errs.New("invalid LIKE pattern: %v", err)
		}
		cond.like = pattern
	}

	return cond, nil
}

func (cond condition) matches(row Row) bool {
	value, present := row[cond.column]

	switch cond.op {
	case "IS NULL":
		return !present || value == nil
	case "IS NOT NULL":
		return present && value != nil
	}

	if !present || value == nil {
		return false
	}

	switch cond.op {
	case "=":
		return valuesEqual(value, cond.value)
	case "!=":
		return !valuesEqual(value, cond.value)
	case ">":
		return Compare(value, cond.value) > 0
	case "<":
		return Compare(value, cond.value) < 0
	case ">=":
		return Compare(value, cond.value) >= 0
	case "<=":
		return Compare(value, cond.value) <= 0
	case "LIKE":
		return cond.like.MatchString(FormatValue(value))
	case "IN":
		for _, candidate := range cond.values {
			if valuesEqual(value, candidate) {
				return true
			}
		}
		return false
	case "NOT IN":
		for _, candidate := range cond.values {
			if valuesEqual(value, candidate) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func valuesEqual(a, b interface{}) bool {
	if af, ok := numericValue(a); ok {
		if bf, ok := numericValue(b); ok {
			return af == bf
		}
	}
	return FormatValue(a) == FormatValue(b)
}

// likeRegexp translates a SQL LIKE pattern into a case-insensitive
// anchored regexp. % matches any run, _ matches one character.
func likeRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?is)^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
