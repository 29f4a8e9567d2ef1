// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package lifecycle

import (
	"bufio"
	"bytes"
)

// condenseStack shrinks a full goroutine dump to one line per frame,
// keeping only function names and line numbers. Shutdown hangs dump every
// goroutine, so the raw form is too large to log.
func condenseStack(buf []byte) (out []byte) {
	// if the stack parsing below fails for any reason then just return the
	// original stack. it being too big is better than nothing.
	defer func() {
		if recover() != nil {
			out = buf
		}
	}()

	scanner := bufio.NewScanner(bytes.NewReader(buf))
	skipNext := false

	for scanner.Scan() {
		if skipNext {
			skipNext = false
			continue
		}

		line := scanner.Bytes()
		switch {
		case len(line) == 0:
			out = append(out, '\n')

		case bytes.HasPrefix(line, []byte(`goroutine `)):
			const prefix = len("goroutine ")
			line = line[:prefix+bytes.IndexByte(line[prefix:], ' ')]
			out = append(out, line...)
			out = append(out, '\n')

		case line[0] == '\t':
			line = line[bytes.LastIndexByte(line, ':')+1:]
			if n := bytes.IndexByte(line, ' '); n >= 0 {
				line = line[:n]
			}
			out = append(out, line...)
			out = append(out, '\n')

		case bytes.HasPrefix(line, []byte(`created by`)):
			skipNext = true

		default:
			line = line[:bytes.LastIndexByte(line, '(')]
			out = append(out, '\t')
			out = append(out, line...)
			out = append(out, ':')
		}
	}

	if scanner.Err() != nil {
		return buf
	}

	return out
}
