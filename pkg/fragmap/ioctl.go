package fragmap

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/btrfs-tools/defragd/pkg/btrfs"
)

// Tree IDs used by the chunk/device-extent scan.
const (
	ExtentTreeObjectID = 2
	ChunkTreeObjectID  = 3
	DevTreeObjectID    = 4
)

// Item key types used by the chunk/device-extent scan.
const (
	DevItemKey        = 216
	ChunkItemKey      = 228
	DevExtentKey      = 204
	BlockGroupItemKey = 192
)

// FirstChunkTreeObjectID is the lowest object ID a chunk item can carry.
const FirstChunkTreeObjectID = 256

// TreeSearch runs the shared BTRFS_IOC_TREE_SEARCH primitive from
// pkg/btrfs. Both packages read the same kernel ioctl; this scanner just
// asks it about different trees (chunk, device, extent) than the
// Supervisor's subvolume listing does.
func TreeSearch(f *os.File, treeID uint64, minObjID, maxObjID uint64, minType, maxType uint32, minOffset, maxOffset uint64) ([]btrfs.SearchResult, error) {
	return btrfs.TreeSearch(f, treeID, minObjID, maxObjID, minType, maxType, minOffset, maxOffset)
}

// ParseChunk decodes a CHUNK_ITEM payload into a Chunk, including its
// stripe list.
func ParseChunk(data []byte) (*Chunk, error) {
	const fixedSize = 48 // btrfs_chunk up to (but excluding) its stripe array
	if len(data) < fixedSize {
		return nil, fmt.Errorf("chunk data too short: %d bytes", len(data))
	}

	typeFlags := binary.LittleEndian.Uint64(data[24:])
	numStripes := binary.LittleEndian.Uint16(data[44:])

	chunk := &Chunk{
		Length:  binary.LittleEndian.Uint64(data[0:]),
		Kind:    ChunkKind(typeFlags & 0x7),          // data/metadata/system bits
		Profile: RaidProfile(typeFlags &^ uint64(0x7)), // RAID profile bits
		Stripes: make([]Stripe, numStripes),
	}

	const stripeSize = 32 // sizeof(btrfs_stripe): devid(8) offset(8) uuid(16)
	for i := uint16(0); i < numStripes; i++ {
		off := fixedSize + int(i)*stripeSize
		if off+stripeSize > len(data) {
			break
		}
		chunk.Stripes[i] = Stripe{
			DeviceID: binary.LittleEndian.Uint64(data[off:]),
			Offset:   binary.LittleEndian.Uint64(data[off+8:]),
		}
	}
	return chunk, nil
}

// ParseDevExtent decodes a DEV_EXTENT_KEY payload's chunk-offset and
// length; caller fills in DeviceID/PhysicalOffset from the search key.
func ParseDevExtent(data []byte) (*DeviceExtent, error) {
	if len(data) < 48 {
		return nil, fmt.Errorf("dev extent data too short: %d bytes", len(data))
	}
	return &DeviceExtent{
		ChunkOffset: binary.LittleEndian.Uint64(data[16:]),
		Length:      binary.LittleEndian.Uint64(data[24:]),
	}, nil
}

// ParseDevItem decodes a DEV_ITEM_KEY payload's ID, size, and UUID.
func ParseDevItem(data []byte) (*Device, error) {
	if len(data) < 98 {
		return nil, fmt.Errorf("dev item data too short: %d bytes", len(data))
	}
	dev := &Device{
		ID:        binary.LittleEndian.Uint64(data[0:]),
		TotalSize: binary.LittleEndian.Uint64(data[8:]),
	}
	copy(dev.UUID[:], data[66:82])
	return dev, nil
}

// BlockGroupItem carries a block group's usage, keyed by the logical
// offset and length the search key (not the payload) reports it under.
type BlockGroupItem struct {
	LogicalOffset uint64
	Length        uint64
	Used          uint64
	Flags         uint64
}

// ParseBlockGroupItem decodes a BLOCK_GROUP_ITEM_KEY payload's used-bytes
// and type/profile flags; chunk_objectid at offset 8 is always the chunk
// tree root and carries no information here.
func ParseBlockGroupItem(data []byte) (*BlockGroupItem, error) {
	if len(data) < 24 {
		return nil, fmt.Errorf("block group item data too short: %d bytes", len(data))
	}
	return &BlockGroupItem{
		Used:  binary.LittleEndian.Uint64(data[0:]),
		Flags: binary.LittleEndian.Uint64(data[16:]),
	}, nil
}
