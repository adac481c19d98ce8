package bridge

import (
	"errors"
	"strconv"
	"strings"
)

// errUnsatisfiable indicates a range that starts beyond the end of the file.
var errUnsatisfiable = errors.New("range not satisfiable")

// byteRange is an inclusive byte range.
type byteRange struct {
	start, end uint64
}

func (r byteRange) length() uint64 { return r.end - r.start + 1 }

// parseRange interprets a Range header against a file of size bytes. It
// returns partial=false when the whole file should be served: no header, a
// header it does not understand, or more than one range. An empty file has
// no addressable bytes, so every range against it is unsatisfiable.
func parseRange(header string, size uint64) (byteRange, bool, error) {
	if size == 0 {
		return byteRange{}, false, errUnsatisfiable
	}
	whole := byteRange{start: 0, end: size - 1}
	header = strings.TrimSpace(header)
	if header == "" {
		return whole, false, nil
	}
	set, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return whole, false, nil
	}
	if strings.Contains(set, ",") {
		return whole, false, nil
	}

	first, last, ok := strings.Cut(strings.TrimSpace(set), "-")
	if !ok {
		return whole, false, nil
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		// bytes=-n: the final n bytes.
		n, err := strconv.ParseUint(last, 10, 64)
		if err != nil {
			return whole, false, nil
		}
		if n == 0 {
			return byteRange{}, false, errUnsatisfiable
		}
		if n > size {
			n = size
		}
		return byteRange{start: size - n, end: size - 1}, true, nil
	}

	start, err := strconv.ParseUint(first, 10, 64)
	if err != nil {
		return whole, false, nil
	}
	if start >= size {
		return byteRange{}, false, errUnsatisfiable
	}
	end := size - 1
	if last != "" {
		e, err := strconv.ParseUint(last, 10, 64)
		if err != nil || e < start {
			return whole, false, nil
		}
		if e < end {
			end = e
		}
	}
	return byteRange{start: start, end: end}, true, nil
}
