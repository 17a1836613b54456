// Package btrfs speaks directly to the kernel's Btrfs tree-search ioctl to
// answer the one question the Supervisor's top-volume check (spec.md §4.6)
// needs: what subvolumes exist under a mount, and which of them are
// read-only. It stands in for the external subvolume-listing tool spec.md
// §6 names as an out-of-scope collaborator — the daemon needs the same
// information, so this package gets it natively instead of shelling out.
package btrfs

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"
	"unsafe"

	"github.com/dennwc/ioctl"
)

const btrfsIoctlMagic = 0x94

// Tree and item-key identifiers from the on-disk format, just the ones this
// package's two tree searches need.
const (
	RootTreeObjectID = 1
	RootItemKey      = 132
	RootBackrefKey   = 144
)

// TopLevelObjectID is the filesystem's own top-level subvolume (the FS_TREE
// root every other subvolume is created under).
const TopLevelObjectID = 5

// FirstFreeObjectID is the lowest object ID assigned to a user-created
// subvolume.
const FirstFreeObjectID = 256

const rootSubvolReadonly = 1 << 0

const searchKeySize = 104
const searchBufSize = 4096 - searchKeySize

type btrfsIoctlSearchKey struct {
	TreeID      uint64
	MinObjectID uint64
	MaxObjectID uint64
	MinOffset   uint64
	MaxOffset   uint64
	MinTransID  uint64
	MaxTransID  uint64
	MinType     uint32
	MaxType     uint32
	NrItems     uint32
	_unused     uint32
	_unused1    uint64
	_unused2    uint64
	_unused3    uint64
	_unused4    uint64
}

type btrfsIoctlSearchArgs struct {
	Key btrfsIoctlSearchKey
	Buf [searchBufSize]byte
}

// SearchHeader is the per-item header a tree search returns alongside its
// raw payload.
type SearchHeader struct {
	TransID  uint64
	ObjectID uint64
	Offset   uint64
	Type     uint32
	Len      uint32
}

// SearchResult is one item returned by TreeSearch: its header plus the
// item's raw on-disk bytes, still in whatever record format Type implies.
type SearchResult struct {
	Header SearchHeader
	Data   []byte
}

var ioctlTreeSearch = ioctl.IOWR(btrfsIoctlMagic, 17, unsafe.Sizeof(btrfsIoctlSearchArgs{}))

// Subvolume is one entry from the root tree's ROOT_ITEM/ROOT_BACKREF pair:
// enough of the on-disk record for the Supervisor's top-volume check and
// pkg/subvolume's callers, without the send/receive UUID bookkeeping no
// caller here reads.
type Subvolume struct {
	ID         uint64
	ParentID   uint64
	Generation uint64
	Flags      uint64
	CreatedAt  time.Time
	Path       string // resolved relative to the filesystem root, "" if unresolved
}

// IsReadonly reports whether the subvolume was created or received
// read-only.
func (s *Subvolume) IsReadonly() bool {
	return s.Flags&rootSubvolReadonly != 0
}

// ListSubvolumes lists every subvolume of the filesystem mounted at fsPath
// by walking its root tree, then resolves each one's path from
// ROOT_BACKREF entries.
func ListSubvolumes(fsPath string) ([]Subvolume, error) {
	f, err := os.OpenFile(fsPath, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open filesystem: %w", err)
	}
	defer f.Close()

	subvols, err := listRootItems(f)
	if err != nil {
		return nil, err
	}

	pathByID, err := resolveSubvolumePaths(f)
	if err != nil {
		// Path resolution is a convenience, not a correctness requirement:
		// the caller still gets IDs and readonly flags without it.
		return subvols, nil
	}
	for i := range subvols {
		if path, ok := pathByID[subvols[i].ID]; ok {
			subvols[i].Path = path
		}
	}
	return subvols, nil
}

func listRootItems(f *os.File) ([]Subvolume, error) {
	results, err := TreeSearch(f, RootTreeObjectID, TopLevelObjectID, ^uint64(0), RootItemKey, RootItemKey, 0, ^uint64(0))
	if err != nil {
		return nil, fmt.Errorf("tree search root items: %w", err)
	}

	var subvols []Subvolume
	// BTRFS_LAST_FREE_OBJECTID (-256): IDs above it, and below
	// FirstFreeObjectID other than the top level, are internal trees
	// (checksum, UUID, free-space, data-relocation), not subvolumes.
	const lastFreeObjectID = ^uint64(0) - 255
	for _, r := range results {
		if r.Header.Type != RootItemKey {
			continue
		}
		if id := r.Header.ObjectID; id != TopLevelObjectID && (id < FirstFreeObjectID || id > lastFreeObjectID) {
			continue
		}
		sv, err := parseRootItem(r.Header.ObjectID, r.Header.Offset, r.Data)
		if err != nil {
			continue // malformed entry, skip rather than abort the listing
		}
		subvols = append(subvols, *sv)
	}
	return subvols, nil
}

// parseRootItem decodes the fixed-offset prefix of a btrfs_root_item this
// package cares about: generation at 160, flags at 208, and (in the
// extended format that carries UUIDs) ctime at 327.
func parseRootItem(objectID, parentOffset uint64, data []byte) (*Subvolume, error) {
	if len(data) < 239 {
		return nil, fmt.Errorf("root item too small: %d bytes", len(data))
	}
	sv := &Subvolume{
		ID:         objectID,
		ParentID:   parentOffset,
		Generation: binary.LittleEndian.Uint64(data[160:168]),
		Flags:      binary.LittleEndian.Uint64(data[208:216]),
	}
	if len(data) >= 375 {
		sv.CreatedAt = parseTimespec(data[327:339])
	}
	return sv, nil
}

// parseTimespec decodes a btrfs_timespec: 8-byte seconds, 4-byte
// nanoseconds.
func parseTimespec(data []byte) time.Time {
	if len(data) < 12 {
		return time.Time{}
	}
	sec := int64(binary.LittleEndian.Uint64(data[0:8]))
	if sec <= 0 {
		return time.Time{}
	}
	nsec := int64(binary.LittleEndian.Uint32(data[8:12]))
	return time.Unix(sec, nsec)
}

// resolveSubvolumePaths builds subvolume ID -> path-relative-to-fs-root by
// reading ROOT_BACKREF entries (each names a subvolume's directory entry
// name and its parent) and walking each chain up to the top-level
// subvolume (ID 5).
func resolveSubvolumePaths(f *os.File) (map[uint64]string, error) {
	results, err := TreeSearch(f, RootTreeObjectID, FirstFreeObjectID, ^uint64(0), RootBackrefKey, RootBackrefKey, 0, ^uint64(0))
	if err != nil {
		return nil, fmt.Errorf("tree search backrefs: %w", err)
	}

	type backref struct {
		parentID uint64
		name     string
	}
	backrefs := make(map[uint64]backref, len(results))
	for _, r := range results {
		// ROOT_BACKREF layout: dirid(8) sequence(8) name_len(2) name(...).
		if r.Header.Type != RootBackrefKey || len(r.Data) < 18 {
			continue
		}
		nameLen := int(binary.LittleEndian.Uint16(r.Data[16:18]))
		if len(r.Data) < 18+nameLen {
			continue
		}
		backrefs[r.Header.ObjectID] = backref{
			parentID: r.Header.Offset,
			name:     string(r.Data[18 : 18+nameLen]),
		}
	}

	resolved := map[uint64]string{TopLevelObjectID: "/"}
	var resolve func(id uint64, seen map[uint64]bool) string
	resolve = func(id uint64, seen map[uint64]bool) string {
		if id == TopLevelObjectID {
			return ""
		}
		if path, ok := resolved[id]; ok {
			return path
		}
		if seen[id] {
			return "" // cyclic backref chain, shouldn't happen on a sane fs
		}
		seen[id] = true
		br, ok := backrefs[id]
		if !ok {
			return ""
		}
		if parent := resolve(br.parentID, seen); parent != "" {
			return parent + "/" + br.name
		}
		return br.name
	}
	for id := range backrefs {
		resolved[id] = resolve(id, make(map[uint64]bool))
	}
	return resolved, nil
}

// TreeSearch issues the BTRFS_IOC_TREE_SEARCH ioctl in a loop, paging
// through results until the tree yields no more items in [minObjID,
// maxObjID] x [minType, maxType] x [minOffset, maxOffset]. It is the one
// primitive both this package's subvolume listing and pkg/fragmap's
// chunk/device-extent scan build on.
func TreeSearch(f *os.File, treeID uint64, minObjID, maxObjID uint64, minType, maxType uint32, minOffset, maxOffset uint64) ([]SearchResult, error) {
	var results []SearchResult
	args := btrfsIoctlSearchArgs{
		Key: btrfsIoctlSearchKey{
			TreeID:      treeID,
			MinObjectID: minObjID,
			MaxObjectID: maxObjID,
			MinOffset:   minOffset,
			MaxOffset:   maxOffset,
			MaxTransID:  ^uint64(0),
			MinType:     minType,
			MaxType:     maxType,
			NrItems:     4096,
		},
	}

	for {
		if err := ioctl.Do(f, ioctlTreeSearch, &args); err != nil {
			return nil, fmt.Errorf("tree search ioctl: %w", err)
		}
		if args.Key.NrItems == 0 {
			break
		}

		offset := 0
		var last SearchHeader
		gotItems := false
		for i := uint32(0); i < args.Key.NrItems; i++ {
			if offset+32 > len(args.Buf) {
				break
			}
			hdr := SearchHeader{
				TransID:  binary.LittleEndian.Uint64(args.Buf[offset:]),
				ObjectID: binary.LittleEndian.Uint64(args.Buf[offset+8:]),
				Offset:   binary.LittleEndian.Uint64(args.Buf[offset+16:]),
				Type:     binary.LittleEndian.Uint32(args.Buf[offset+24:]),
				Len:      binary.LittleEndian.Uint32(args.Buf[offset+28:]),
			}
			offset += 32
			if offset+int(hdr.Len) > len(args.Buf) {
				break
			}
			if hdr.Type >= minType && hdr.Type <= maxType {
				data := make([]byte, hdr.Len)
				copy(data, args.Buf[offset:offset+int(hdr.Len)])
				results = append(results, SearchResult{Header: hdr, Data: data})
			}
			offset += int(hdr.Len)
			last = hdr
			gotItems = true
		}
		if !gotItems {
			break
		}

		if last.Offset == ^uint64(0) {
			if last.Type == maxType {
				if last.ObjectID == maxObjID {
					break
				}
				args.Key.MinObjectID = last.ObjectID + 1
				args.Key.MinType = minType
			} else {
				args.Key.MinType = last.Type + 1
			}
			args.Key.MinOffset = 0
		} else {
			args.Key.MinObjectID = last.ObjectID
			args.Key.MinType = last.Type
			args.Key.MinOffset = last.Offset + 1
		}
		args.Key.NrItems = 4096
	}
	return results, nil
}
