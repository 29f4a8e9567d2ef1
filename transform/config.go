// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package transform

import (
	"fmt"
	"strconv"
	"strings"
)

// Config is the open configuration map of one pipeline step, usually
// decoded from JSON. The typed accessors tolerate the value shapes
// json.Unmarshal produces.
type Config map[string]interface{}

// Has reports whether the key is present, even with a null value.
func (config Config) Has(key string) bool {
	_, ok := config[key]
	return ok
}

// String returns the text form of the value, or "" when absent.
func (config Config) String(key string) string {
	value, ok := config[key]
	if !ok || value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

// StringOr returns the text form of the value, or fallback when the
// key is absent or empty.
func (config Config) StringOr(key, fallback string) string {
	if s := config.String(key); s != "" {
		return s
	}
	return fallback
}

// Int returns the value as an int, or fallback when absent or not
// numeric.
func (config Config) Int(key string, fallback int) int {
	value, ok := config[key]
	if !ok || value == nil {
		return fallback
	}
	if n, ok := toInt(value); ok {
		return int(n)
	}
	return fallback
}

// Float returns the value as a float64, or fallback when absent or
// not numeric.
func (config Config) Float(key string, fallback float64) float64 {
	value, ok := config[key]
	if !ok || value == nil {
		return fallback
	}
	if f, ok := toFloat(value); ok {
		return f
	}
	return fallback
}

// Bool returns the value as a bool, accepting bool and boolean text.
func (config Config) Bool(key string, fallback bool) bool {
	value, ok := config[key]
	if !ok || value == nil {
		return fallback
	}
	switch v := value.(type) {
	case bool:
		return v
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fallback
		}
		return parsed
	default:
		return fallback
	}
}

// Strings returns the value as a list of strings. A single string is
// promoted to a one-element list.
func (config Config) Strings(key string) []string {
	value, ok := config[key]
	if !ok || value == nil {
		return nil
	}
	switch v := value.(type) {
	case []string:
		return v
	case string:
		return []string{v}
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if item == nil {
				continue
			}
			if s, ok := item.(string); ok {
				out = append(out, s)
			} else {
				out = append(out, fmt.Sprint(item))
			}
		}
		return out
	default:
		return nil
	}
}

// List returns the value as a list of nested configs.
func (config Config) List(key string) []Config {
	value, ok := config[key]
	if !ok || value == nil {
		return nil
	}
	switch v := value.(type) {
	case []Config:
		return v
	case []Row:
		out := make([]Config, len(v))
		for i, item := range v {
			out[i] = Config(item)
		}
		return out
	case []map[string]interface{}:
		out := make([]Config, len(v))
		for i, item := range v {
			out[i] = Config(item)
		}
		return out
	case []interface{}:
		out := make([]Config, 0, len(v))
		for _, item := range v {
			if m, ok := asMap(item); ok {
				out = append(out, Config(m))
			}
		}
		return out
	default:
		return nil
	}
}

// Rows returns the value as a list of rows.
func (config Config) Rows(key string) []Row {
	items := config.List(key)
	if items == nil {
		return nil
	}
	out := make([]Row, len(items))
	for i, item := range items {
		out[i] = Row(item)
	}
	return out
}

// RowGroups returns the value as a list of row lists.
func (config Config) RowGroups(key string) [][]Row {
	value, ok := config[key]
	if !ok || value == nil {
		return nil
	}
	switch v := value.(type) {
	case [][]Row:
		return v
	case []interface{}:
		out := make([][]Row, 0, len(v))
		for _, group := range v {
			items, ok := group.([]interface{})
			if !ok {
				continue
			}
			rows := make([]Row, 0, len(items))
			for _, item := range items {
				if m, ok := asMap(item); ok {
					rows = append(rows, Row(m))
				}
			}
			out = append(out, rows)
		}
		return out
	default:
		return nil
	}
}

// Map returns a nested config, or nil when absent.
func (config Config) Map(key string) Config {
	value, ok := config[key]
	if !ok || value == nil {
		return nil
	}
	if m, ok := asMap(value); ok {
		return Config(m)
	}
	return nil
}

// Values returns the value as a raw list.
func (config Config) Values(key string) []interface{} {
	value, ok := config[key]
	if !ok || value == nil {
		return nil
	}
	if items, ok := value.([]interface{}); ok {
		return items
	}
	return nil
}

func asMap(value interface{}) (map[string]interface{}, bool) {
	switch m := value.(type) {
	case map[string]interface{}:
		return m, true
	case Config:
		return m, true
	case Row:
		return m, true
	default:
		return nil, false
	}
}
