// Package subvolume answers the two Btrfs-topology questions the
// Supervisor (C6, spec.md §4.6) and the cost model (§4.1) need: whether a
// candidate mount is a "top volume" (every one of its subvolumes is
// itself a mountpoint, so we don't doubly manage a nested subvolume that's
// also separately mounted), and how many physical devices back a
// filesystem, for the cost model's transfer-rate scaling.
package subvolume

import (
	"fmt"

	"github.com/btrfs-tools/defragd/pkg/btrfs"
	"github.com/btrfs-tools/defragd/pkg/fragmap"
)

// Subvolume is one subvolume of a managed filesystem, as listed by the
// native ioctl-based tree search (btrfs.ListSubvolumes), standing in for
// the spec's external subvolume-listing tool.
type Subvolume struct {
	ID         uint64
	Path       string
	IsReadonly bool
}

// List returns every subvolume of the filesystem mounted at fsPath.
func List(fsPath string) ([]Subvolume, error) {
	raw, err := btrfs.ListSubvolumes(fsPath)
	if err != nil {
		return nil, fmt.Errorf("list subvolumes of %s: %w", fsPath, err)
	}
	out := make([]Subvolume, len(raw))
	for i, s := range raw {
		out[i] = Subvolume{ID: s.ID, Path: s.Path, IsReadonly: s.IsReadonly()}
	}
	return out, nil
}

// IsTopVolume reports whether fsPath qualifies as a "top volume": every
// one of its subvolumes also appears, independently, as a mountpoint in
// mountedPaths. This is the proxy check spec.md §4.6 specifies to avoid
// managing a nested subvolume twice, once via its parent's recursive scan
// and once via its own separate mount.
func IsTopVolume(fsPath string, mountedPaths map[string]bool) (bool, error) {
	subvols, err := List(fsPath)
	if err != nil {
		return false, err
	}
	for _, sv := range subvols {
		if sv.ID == btrfs.TopLevelObjectID {
			// The filesystem's own top-level subvolume (id 5) is fsPath
			// itself, not a nested subvolume to check.
			continue
		}
		if !mountedPaths[sv.Path] {
			return false, nil
		}
	}
	return true, nil
}

// DriveCount opens fsPath's chunk tree and counts its distinct physical
// devices, for the cost model's drive-count scaling. The Supervisor calls
// it for every managed filesystem and uses its result whatever
// --drive-count says; on any scan failure it returns 1 with the error, and
// the Supervisor then uses the --drive-count value instead.
func DriveCount(fsPath string) (int, error) {
	scanner, err := fragmap.NewScanner(fsPath)
	if err != nil {
		return 1, fmt.Errorf("open %s for device count: %w", fsPath, err)
	}
	defer scanner.Close()

	fm, err := scanner.Scan()
	if err != nil {
		return 1, fmt.Errorf("scan %s for device count: %w", fsPath, err)
	}
	if len(fm.Devices) == 0 {
		return 1, nil
	}
	return len(fm.Devices), nil
}
