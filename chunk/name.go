package chunk

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/opd-ai/peerdrop/limits"
)

// ErrUnsafeName indicates a file name that could escape the target directory.
var ErrUnsafeName = errors.New("unsafe file name")

// SafeName validates a name proposed by a peer for use as a single path
// element inside a download directory.
func SafeName(name string) (string, error) {
	if err := limits.ValidateFileName(name); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsafeName, err)
	}
	if name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrUnsafeName, name)
	}
	if strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q contains a path separator", ErrUnsafeName, name)
	}
	for _, r := range name {
		if r == 0 || unicode.IsControl(r) {
			return "", fmt.Errorf("%w: %q contains control characters", ErrUnsafeName, name)
		}
	}
	return name, nil
}

// SafePath validates a relative slash-separated path proposed by a peer,
// such as "photos/2024/a.jpg" from a directory send. Every component must
// pass SafeName, so the path cannot be absolute or climb out of the
// download directory.
func SafePath(name string) (string, error) {
	if len(name) > limits.MaxPathLength {
		return "", fmt.Errorf("%w: path length %d exceeds limit %d", ErrUnsafeName, len(name), limits.MaxPathLength)
	}
	parts := strings.Split(name, "/")
	for _, part := range parts {
		if _, err := SafeName(part); err != nil {
			return "", err
		}
	}
	return name, nil
}

// RelativePath turns path, a file below root on the local filesystem, into
// the slash form SafePath accepts.
func RelativePath(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", err
	}
	return SafePath(filepath.ToSlash(rel))
}
