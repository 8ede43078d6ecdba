package file

import (
	"path/filepath"
	"strings"
)

// BaseName returns the file name without directory and extension.
// Dotfiles such as ".env" keep their full name.
func BaseName(path string) string {
	name := filepath.Base(path)
	if lastDot := strings.LastIndex(name, "."); lastDot > 0 {
		return name[:lastDot]
	}
	return name
}

// Ext returns the lower-cased extension including the dot.
func Ext(path string) string {
	return strings.ToLower(filepath.Ext(path))
}

// IsPlainName reports whether name is a single path element with no
// traversal, so it is safe to join under a fixed directory.
func IsPlainName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.Contains(name, "..") {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}
