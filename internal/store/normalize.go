package store

import (
	"path/filepath"
	"strings"
)

// NormalizePath converts a file path to forward-slash form. Paths are stored
// and filtered in this form on every platform.
func NormalizePath(path string) string {
	return filepath.ToSlash(path)
}

// NormalizeExtension lowercases an extension and ensures a leading dot, so
// "PDF", ".pdf", and "pdf" all filter identically.
func NormalizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
