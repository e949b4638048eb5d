// Package safeio holds the small I/O guards shared by the fetchers and the
// artifact stores: bounded body reads and base-relative path resolution.
package safeio

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// MaxJSONBody caps API response reads (catalog, generation metadata).
const MaxJSONBody int64 = 10 << 20

// MaxAssetBody caps full-resolution asset downloads.
const MaxAssetBody int64 = 256 << 20

// ErrPathTraversal is returned when a name escapes its base directory.
var ErrPathTraversal = errors.New("safeio: path traversal detected")

// ErrTooLarge is returned by LimitedReadAll when the limit is exceeded.
var ErrTooLarge = errors.New("safeio: body exceeds limit")

// SafePath joins base and name and verifies the result stays under base.
func SafePath(base, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("safeio: empty name")
	}
	for _, elem := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if elem == ".." {
			return "", ErrPathTraversal
		}
	}
	cleanBase := filepath.Clean(base)
	joined := filepath.Join(cleanBase, filepath.Clean("/"+name))
	if joined != cleanBase && !strings.HasPrefix(joined, cleanBase+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return joined, nil
}

// LimitedReadAll reads at most maxBytes from r.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, maxBytes)
	}
	return data, nil
}
