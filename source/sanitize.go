// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package source

import "strings"

// SanitizeIdentifier filters an identifier down to the printable-ASCII
// safe set before it is embedded in catalog-query SQL. Embedded single
// quotes are doubled. An identifier that sanitizes to the empty string
// aborts the operation.
func SanitizeIdentifier(name string) (string, error) {
	var b strings.Builder
	b.Grow(len(name))

	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_', r == '$', r == '-', r == ' ', r == '.':
			b.WriteRune(r)
		case r == '\'':
			b.WriteString("''")
		default:
			// anything outside printable ASCII is dropped
		}
	}

	clean := strings.TrimSpace(b.String())
	if clean == "" {
		return "", Error.New("identifier %q sanitized to empty", name)
	}
	return clean, nil
}

// mustSanitizeAll sanitizes a list, aborting on the first empty result.
func mustSanitizeAll(names []string) ([]string, error) {
	out := make([]string, 0, len(names))
	for _, name := range names {
		clean, err := SanitizeIdentifier(name)
		if err != nil {
			return nil, err
		}
		out = append(out, clean)
	}
	return out, nil
}
