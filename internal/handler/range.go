package handler

import (
	"fmt"
	"strconv"
	"strings"
)

// parseRange interprets a single-range header `bytes=a-b`, `bytes=a-` or
// `bytes=-n` against an object of the given size, returning the offset and
// length to serve. Multi-range requests and anything malformed or
// unsatisfiable yield an error (the caller answers 416).
func parseRange(header string, size int64) (offset, length int64, err error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return 0, 0, fmt.Errorf("unsupported range %q", header)
	}
	start, end, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return 0, 0, fmt.Errorf("malformed range %q", header)
	}

	if start == "" {
		// Suffix range: last n bytes.
		n, perr := strconv.ParseInt(end, 10, 64)
		if perr != nil || n <= 0 {
			return 0, 0, fmt.Errorf("malformed range %q", header)
		}
		if n > size {
			n = size
		}
		return size - n, n, nil
	}

	offset, err = strconv.ParseInt(start, 10, 64)
	if err != nil || offset < 0 {
		return 0, 0, fmt.Errorf("malformed range %q", header)
	}
	if offset >= size {
		return 0, 0, fmt.Errorf("range %q not satisfiable for size %d", header, size)
	}

	if end == "" {
		return offset, size - offset, nil
	}
	last, err := strconv.ParseInt(end, 10, 64)
	if err != nil || last < offset {
		return 0, 0, fmt.Errorf("malformed range %q", header)
	}
	if last >= size {
		last = size - 1
	}
	return offset, last - offset + 1, nil
}
