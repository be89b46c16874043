package utils

import (
	"fmt"
	"path"
	"strings"
)

// Root is the canonical path of the filesystem root.
const Root = "/"

// CleanPath normalizes a slash-delimited filesystem path to its canonical
// absolute form: a leading slash, no trailing slash, no empty, "." or ".."
// segments. It rejects paths that try to climb above the root.
//
// Example usage:
//
//	p, err := CleanPath("docs//reports/")
//	// p == "/docs/reports"
func CleanPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("path contains NUL byte: %q", p)
	}

	for _, segment := range strings.Split(p, "/") {
		if segment == ".." {
			return "", fmt.Errorf("path contains directory traversal: %s", p)
		}
	}

	return path.Clean("/" + p), nil
}

// SplitPath splits a canonical path into its parent directory and leaf name.
// The root splits into ("/", "").
func SplitPath(p string) (dir, leaf string) {
	if p == Root {
		return Root, ""
	}
	lastSlash := strings.LastIndex(p, "/")
	if lastSlash <= 0 {
		return Root, p[lastSlash+1:]
	}
	return p[:lastSlash], p[lastSlash+1:]
}

// JoinPath appends leaf to the canonical directory dir.
func JoinPath(dir, leaf string) string {
	if dir == Root {
		return Root + leaf
	}
	return dir + "/" + leaf
}

// IsRoot reports whether p is the root path.
func IsRoot(p string) bool {
	return p == Root
}

// IsDescendant reports whether p lies strictly below ancestor.
func IsDescendant(ancestor, p string) bool {
	if ancestor == p {
		return false
	}
	if ancestor == Root {
		return strings.HasPrefix(p, Root)
	}
	return strings.HasPrefix(p, ancestor+"/")
}

// ValidateName checks that name is usable as a single path segment.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("name cannot be empty")
	case name == "." || name == "..":
		return fmt.Errorf("name %q is reserved", name)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("name %q contains a path separator", name)
	}
	return nil
}
