// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package transform

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Row is one in-memory record keyed by column name. Operators never
// modify the rows they receive; they copy before writing.
type Row map[string]interface{}

// Clone returns a shallow copy of the row.
func (row Row) Clone() Row {
	out := make(Row, len(row))
	for name, value := range row {
		out[name] = value
	}
	return out
}

// Columns returns the sorted union of column names across rows.
func Columns(rows []Row) []string {
	seen := make(map[string]bool)
	var names []string
	for _, row := range rows {
		for name := range row {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

func cloneRows(rows []Row) []Row {
	out := make([]Row, len(rows))
	for i, row := range rows {
		out[i] = row.Clone()
	}
	return out
}

// FormatValue renders a value in its canonical text form, used for
// signatures, grouping keys and join key strings.
func FormatValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case time.Time:
		return v.Format("2006-01-02 15:04:05")
	case int:
		return strconv.Itoa(v)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// HashKey digests the parts into a stable hex key: the SHA-1 of the
// parts joined by '|'. Hub and link hash keys and dimension surrogates
// are built from it, so the digest must never change between releases.
func HashKey(parts ...string) string {
	sum := sha1.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// RowKey renders the named columns in canonical text form and digests
// them with HashKey.
func RowKey(row Row, columns []string) string {
	parts := make([]string, len(columns))
	for i, name := range columns {
		parts[i] = FormatValue(row[name])
	}
	return HashKey(parts...)
}

// Signature renders a row over the given columns into a stable string.
// Rows with equal signatures are duplicates for union and
// deduplication purposes.
func Signature(row Row, columns []string) string {
	var b strings.Builder
	for i, name := range columns {
		if i > 0 {
			b.WriteByte('\x1f')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(FormatValue(row[name]))
	}
	return b.String()
}

// numericValue reports the float64 form of values with a numeric Go
// type. Text is not parsed; comparisons treat it as text.
func numericValue(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

// toFloat converts numeric values and numeric text to float64.
// Aggregations use it so replicated text columns still sum.
func toFloat(value interface{}) (float64, bool) {
	if f, ok := numericValue(value); ok {
		return f, true
	}
	switch v := value.(type) {
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	case []byte:
		return toFloat(string(v))
	default:
		return 0, false
	}
}

func toInt(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case float32:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// Compare orders two values: null before everything, numbers
// numerically, strings lexicographically, times chronologically and
// anything else by canonical text form.
func Compare(a, b interface{}) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}

	if af, ok := numericValue(a); ok {
		if bf, ok := numericValue(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}

	if at, ok := timeValue(a); ok {
		if bt, ok := timeValue(b); ok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			default:
				return 0
			}
		}
	}

	return strings.Compare(FormatValue(a), FormatValue(b))
}

func timeValue(value interface{}) (time.Time, bool) {
	t, ok := value.(time.Time)
	return t, ok
}
