package store

import (
	"fmt"
	"strings"
)

const maxDepth = 32

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Split validates path and returns its segments. The empty path and "/"
// address the root.
func Split(path string) ([]string, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, nil
	}
	segments := strings.Split(trimmed, "/")
	if len(segments) > maxDepth {
		return nil, fmt.Errorf("%w: %q is deeper than %d", ErrInvalidPath, path, maxDepth)
	}
	for _, segment := range segments {
		if err := ValidateKey(segment); err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPath, path, err)
		}
	}
	return segments, nil
}

// ValidateKey reports whether key can be used as a single path segment.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty segment")
	}
	if len(key) > 768 {
		return fmt.Errorf("segment longer than 768 bytes")
	}
	if strings.ContainsAny(key, ".#$[]/") {
		return fmt.Errorf("segment %q contains one of . # $ [ ] /", key)
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("segment %q contains a control character", key)
		}
	}
	return nil
}

// IsConnectedPath reports whether path addresses the connectivity signal.
func IsConnectedPath(path string) bool {
	return strings.Trim(path, "/") == ConnectedPath
}

// LastSegment returns the final segment of path.
func LastSegment(path string) string {
	trimmed := strings.Trim(path, "/")
	if i := strings.LastIndexByte(trimmed, '/'); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}
