// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package replication

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RowHash returns the surrogate key of a row without a primary key: the
// SHA-1 hex digest of the pipe-joined row image with nulls as empty
// strings. The change-log triggers compute the same digest in SQL, so
// the keys written by the full load match the keys carried by deltas.
func RowHash(values []interface{}) string {
	var image strings.Builder
	for i, value := range values {
		if i > 0 {
			image.WriteByte('|')
		}
		image.WriteString(hashText(value))
	}
	digest := sha1.Sum([]byte(image.String()))
	return hex.EncodeToString(digest[:])
}

// hashText renders a value the way the source casts it to text inside
// the trigger expression.
func hashText(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		// Wall time as the driver parsed it; a location shift here would
		// disagree with the cast the trigger runs on the source.
		return v.Format("2006-01-02 15:04:05")
	case bool:
		if v {
			return "1"
		}
		return "0"
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
