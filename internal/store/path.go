package store

import (
	"fmt"
	"strings"
)

// reservedPathChars are forbidden inside path segments. These match the
// character set the store's wire protocol reserves for addressing and
// priority queries.
const reservedPathChars = ".#$[]"

// Split breaks a slash-delimited path into its segments.
// Leading and trailing slashes are tolerated; empty paths yield nil.
func Split(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// Join assembles path segments into a slash-delimited path.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Parent returns the path one level up, or "" for a root-level path.
func Parent(path string) string {
	segs := Split(path)
	if len(segs) <= 1 {
		return ""
	}
	return Join(segs[:len(segs)-1]...)
}

// ValidatePath checks that a path is non-empty and that every segment is
// non-empty and free of reserved characters.
func ValidatePath(path string) error {
	segs := Split(path)
	if len(segs) == 0 {
		return fmt.Errorf("empty path")
	}
	for _, seg := range segs {
		if seg == "" {
			return fmt.Errorf("path %q: empty segment", path)
		}
		if strings.ContainsAny(seg, reservedPathChars) {
			return fmt.Errorf("path %q: segment %q contains reserved character", path, seg)
		}
	}
	return nil
}
