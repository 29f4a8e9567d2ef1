// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package transform

import (
	"context"
	"strings"

	"github.com/zeebo/errs"
)

// Deduplication drops rows whose key columns duplicate an earlier row.
// The exact method matches on the key signature; fuzzy and similarity
// match when the Levenshtein similarity of the normalized key strings
// reaches the threshold. The first occurrence wins.
type Deduplication struct{}

// Name implements Operator.
func (Deduplication) Name() string { return "deduplication" }

// Validate implements Operator.
func (Deduplication) Validate(config Config) error {
	if len(config.Strings("key_columns")) == 0 {
		return errs.New("deduplication needs key_columns")
	}
	switch method := config.StringOr("method", "exact"); method {
	case "exact":
	case "fuzzy", "similarity":
		threshold := config.Float("similarity_threshold", 0.8)
		if threshold < 0 || threshold > 1 {
			return errs.New("similarity_threshold must be between 0 and 1")
		}
	default:
		return errs.New("unsupported deduplication method %q", method)
	}
	return nil
}

// Apply implements Operator.
func (op Deduplication) Apply(ctx context.Context, rows []Row, config Config) ([]Row, error) {
	if err := op.Validate(config); err != nil {
		return nil, err
	}
	keyColumns := config.Strings("key_columns")
	method := config.StringOr("method", "exact")

	if method == "exact" {
		seen := make(map[string]bool, len(rows))
		out := make([]Row, 0, len(rows))
		for _, row := range rows {
			sig := Signature(row, keyColumns)
			if seen[sig] {
				continue
			}
			seen[sig] = true
			out = append(out, row)
		}
		return out, nil
	}

	threshold := config.Float("similarity_threshold", 0.8)
	var kept []string
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		key := normalizedKey(row, keyColumns)
		duplicate := false
		for _, existing := range kept {
			if similarity(key, existing) >= threshold {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		kept = append(kept, key)
		out = append(out, row)
	}
	return out, nil
}

func normalizedKey(row Row, keyColumns []string) string {
	parts := make([]string, len(keyColumns))
	for i, name := range keyColumns {
		parts[i] = strings.Join(strings.Fields(strings.ToLower(FormatValue(row[name]))), " ")
	}
	return strings.Join(parts, "\x1f")
}

// similarity is 1 - distance/maxLen over the Levenshtein edit
// distance. Two empty strings are identical.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(a, b))/float64(longest)
}

func levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
