package orchestrator

import (
	"path/filepath"
	"strings"
)

// shortPath converts an absolute path under fsRoot to its filesystem-
// relative short path, the canonical identity key used throughout the
// daemon's in-memory state. It reports false for paths outside fsRoot.
func shortPath(fsRoot, absPath string) (string, bool) {
	root := strings.TrimRight(fsRoot, "/")
	if absPath == root {
		return ".", true
	}
	prefix := root + "/"
	if !strings.HasPrefix(absPath, prefix) {
		return "", false
	}
	return strings.TrimPrefix(absPath, prefix), true
}

// fullPath resolves a short path back to an absolute path under fsRoot.
func fullPath(fsRoot, short string) string {
	return filepath.Join(fsRoot, short)
}
