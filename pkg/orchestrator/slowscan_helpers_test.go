package orchestrator

import (
	"os"
	"path/filepath"
	"testing"
)

func TestShouldPruneDirMarker(t *testing.T) {
	dir := t.TempDir()
	o := &Orchestrator{}
	if o.shouldPruneDir(dir) {
		t.Fatalf("directory without marker should not be pruned")
	}
	if err := os.WriteFile(filepath.Join(dir, noDefragMarker), nil, 0644); err != nil {
		t.Fatalf("write marker: %v", err)
	}
	if !o.shouldPruneDir(dir) {
		t.Fatalf("directory carrying .no_defrag should be pruned")
	}
}

func TestIsMountPointSameFilesystem(t *testing.T) {
	parent := t.TempDir()
	child := filepath.Join(parent, "child")
	if err := os.Mkdir(child, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if isMountPoint(child) {
		t.Fatalf("a plain subdirectory on the same filesystem should not look like a mountpoint")
	}
}

func TestChangeTimeReturnsNonZero(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	// On Linux, Sys() is a *syscall.Stat_t, so changeTime should return the
	// real ctime rather than falling back; just assert it doesn't panic and
	// returns a sane, non-zero time.
	if changeTime(info).IsZero() {
		t.Fatalf("expected a non-zero change time")
	}
}
