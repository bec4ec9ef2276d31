// Package pathguard resolves user supplied paths against a fixed root and
// refuses anything that would land outside of it.
package pathguard

import (
	"path/filepath"
	"strings"
)

// Resolve normalizes requested against root and returns the absolute result
// when it stays inside root. An empty request resolves to root itself.
//
// The second return value is false when the path escapes root, either through
// ".." segments or through an absolute path pointing elsewhere. Resolve does
// no I/O; existence and type checks are left to the caller.
func Resolve(requested, root string) (string, bool) {
	if root == "" {
		return "", false
	}
	root = filepath.Clean(root)
	if requested == "" {
		return root, true
	}

	var candidate string
	if filepath.IsAbs(requested) {
		candidate = filepath.Clean(requested)
	} else {
		candidate = filepath.Join(root, requested)
	}

	if candidate == root {
		return root, true
	}
	if !strings.HasPrefix(candidate, withSeparator(root)) {
		return "", false
	}
	return candidate, true
}

// Within reports whether target is root or nested under it.
func Within(target, root string) bool {
	_, ok := Resolve(target, root)
	return ok && filepath.IsAbs(target)
}

// withSeparator appends a trailing separator so "/tmp/shared" does not match
// "/tmp/shared-other".
func withSeparator(root string) string {
	if strings.HasSuffix(root, string(filepath.Separator)) {
		return root
	}
	return root + string(filepath.Separator)
}
