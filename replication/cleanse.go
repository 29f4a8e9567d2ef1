// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package replication

import (
	"strings"
	"time"

	"storj.io/datasync/catalog"
)

// Canonical null substitutes per target-column category. A source value
// already equal to one of the epoch sentinels is indistinguishable from
// a cleansed null after replication; the round trip is lossy there.
const (
	nullString    = "DEFAULT"
	nullDate      = "1970-01-01"
	nullTimestamp = "1970-01-01 00:00:00"
	nullTime      = "00:00:00"
)

// CleanseRow cleanses every value of the row in place. Values align
// with the column list by position.
func CleanseRow(row []interface{}, columns []catalog.ColumnInfo) {
	for i := range row {
		if i >= len(columns) {
			return
		}
		row[i] = CleanseValue(row[i], columns[i])
	}
}

// CleanseValue normalizes a single value for its target column. Values
// detected as null get the category's canonical substitute, oversize
// strings are cut to the column length and binary values that are not
// valid hex become NULL.
func CleanseValue(value interface{}, column catalog.ColumnInfo) interface{} {
	category := catalog.CategoryOf(column.TargetType)

	if isNullValue(value) {
		return nullSubstitute(category)
	}

	switch v := value.(type) {
	case []byte:
		return CleanseValue(string(v), column)
	case string:
		switch category {
		case catalog.CategoryString:
			if column.MaxLength > 0 && len(v) > column.MaxLength {
				return v[:column.MaxLength]
			}
		case catalog.CategoryBinary:
			if !isHex(v) {
				return nil
			}
		}
	}
	return value
}

// nullSubstitute returns the canonical replacement for a null value of
// the category.
func nullSubstitute(category catalog.Category) interface{} {
	switch category {
	case catalog.CategoryInteger:
		return int64(0)
	case catalog.CategoryDecimal:
		return float64(0)
	case catalog.CategoryString:
		return nullString
	case catalog.CategoryDate:
		return nullDate
	case catalog.CategoryTimestamp:
		return nullTimestamp
	case catalog.CategoryTime:
		return nullTime
	case catalog.CategoryBoolean:
		return false
	default:
		return nil
	}
}

// isNullValue reports whether the value counts as null: missing, a
// literal null marker, a sentinel date or text carrying non-printable
// or non-ASCII bytes.
func isNullValue(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return isNullText(v)
	case []byte:
		return isNullText(string(v))
	case time.Time:
		return isNullTime(v)
	default:
		return false
	}
}

func isNullText(s string) bool {
	if s == "" {
		return true
	}
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NULL", `\N`, `\0`:
		return true
	}
	if strings.Contains(s, "0000-") ||
		strings.Contains(s, "1900-01-01") ||
		strings.Contains(s, "1970-01-01") {
		return true
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return true
		}
	}
	return false
}

func isNullTime(t time.Time) bool {
	if t.IsZero() {
		return true
	}
	if t.Month() != time.January || t.Day() != 1 {
		return false
	}
	return t.Year() == 1900 || t.Year() == 1970
}

// isHex reports whether the string is a non-empty even-length hex
// encoding, the only binary form carried through the text protocol.
func isHex(s string) bool {
	if len(s) == 0 || len(s)%2 != 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
