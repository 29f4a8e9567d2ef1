// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package catalog

import (
	"strings"
	"time"
)

// Canonical type names used as ColumnInfo.TargetType. Source adapters
// map native source types into this set and every target engine maps it
// to its own native types.
const (
	TypeVarchar   = "varchar"
	TypeChar      = "char"
	TypeText      = "text"
	TypeSmallint  = "smallint"
	TypeInteger   = "integer"
	TypeBigint    = "bigint"
	TypeNumeric   = "numeric"
	TypeReal      = "real"
	TypeDouble    = "double"
	TypeBoolean   = "boolean"
	TypeDate      = "date"
	TypeTime      = "time"
	TypeTimestamp = "timestamp"
	TypeBinary    = "binary"
	TypeJSON      = "json"
)

// Category groups canonical types for value cleansing.
type Category int

// Categories of canonical types.
const (
	CategoryOther Category = iota
	CategoryString
	CategoryInteger
	CategoryDecimal
	CategoryDate
	CategoryTime
	CategoryTimestamp
	CategoryBoolean
	CategoryBinary
)

// CategoryOf returns the cleansing category for a canonical type. Types
// with parameters, like "varchar(255)" or "numeric(10,2)", resolve to
// the base name's category.
func CategoryOf(targetType string) Category {
	base := strings.ToLower(targetType)
	if i := strings.IndexByte(base, '('); i >= 0 {
		base = base[:i]
	}
	base = strings.TrimSpace(base)

	switch base {
	case TypeVarchar, TypeChar, TypeText, TypeJSON:
		return CategoryString
	case TypeSmallint, TypeInteger, TypeBigint:
		return CategoryInteger
	case TypeNumeric, TypeReal, TypeDouble:
		return CategoryDecimal
	case TypeDate:
		return CategoryDate
	case TypeTime:
		return CategoryTime
	case TypeTimestamp:
		return CategoryTimestamp
	case TypeBoolean:
		return CategoryBoolean
	case TypeBinary:
		return CategoryBinary
	default:
		return CategoryOther
	}
}

// BaseType strips a parameter list from a canonical type name.
func BaseType(targetType string) string {
	base := strings.ToLower(targetType)
	if i := strings.IndexByte(base, '('); i >= 0 {
		base = base[:i]
	}
	return strings.TrimSpace(base)
}

// InferType returns the canonical type for a Go value, used when a
// table is derived from computed rows rather than a source schema.
// Unknown and nil values fall back to text.
func InferType(value interface{}) string {
	switch value.(type) {
	case bool:
		return TypeBoolean
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TypeBigint
	case float32, float64:
		return TypeDouble
	case time.Time:
		return TypeTimestamp
	case []byte:
		return TypeBinary
	case string, nil:
		return TypeText
	case map[string]interface{}, []interface{}:
		return TypeJSON
	default:
		return TypeText
	}
}
