package fragmap

// ChunkKind classifies what a chunk holds: file data, filesystem metadata,
// or the small system chunks that bootstrap the chunk tree itself. A chunk
// can carry more than one bit set on some historical layouts, so callers
// should treat this as a bitmask, not an enum.
type ChunkKind uint64

const (
	ChunkData     ChunkKind = 1 << 0
	ChunkSystem   ChunkKind = 1 << 1
	ChunkMetadata ChunkKind = 1 << 2
)

// String renders the kind a human would call the chunk if asked which one
// bucket it belongs to, preferring data over metadata over system when more
// than one bit is set.
func (k ChunkKind) String() string {
	switch {
	case k&ChunkData != 0:
		return "data"
	case k&ChunkMetadata != 0:
		return "metadata"
	case k&ChunkSystem != 0:
		return "system"
	default:
		return "unknown"
	}
}

// RaidProfile is the replication/striping scheme a chunk was allocated
// under.
type RaidProfile uint64

const (
	RaidSingle RaidProfile = 0
	Raid0      RaidProfile = 1 << 3
	Raid1      RaidProfile = 1 << 4
	RaidDUP    RaidProfile = 1 << 5
	Raid10     RaidProfile = 1 << 6
	Raid5      RaidProfile = 1 << 7
	Raid6      RaidProfile = 1 << 8
	Raid1C3    RaidProfile = 1 << 9
	Raid1C4    RaidProfile = 1 << 10
)

var raidProfileNames = map[RaidProfile]string{
	RaidSingle: "single",
	Raid0:      "raid0",
	Raid1:      "raid1",
	RaidDUP:    "dup",
	Raid10:     "raid10",
	Raid5:      "raid5",
	Raid6:      "raid6",
	Raid1C3:    "raid1c3",
	Raid1C4:    "raid1c4",
}

func (p RaidProfile) String() string {
	if name, ok := raidProfileNames[p]; ok {
		return name
	}
	return "unknown"
}

// Stripe is one device-local placement of a chunk's data, before RAID
// striping/mirroring is unwound.
type Stripe struct {
	DeviceID uint64
	Offset   uint64
}

// Chunk is one logical allocation unit from the chunk tree: a contiguous
// run of the filesystem's logical address space, replicated across one or
// more Stripes according to Profile.
type Chunk struct {
	LogicalOffset uint64
	Length        uint64
	Kind          ChunkKind
	Profile       RaidProfile
	Stripes       []Stripe
	UsedBytes     uint64 // from the matching BLOCK_GROUP_ITEM, 0 if unmatched
}

// DeviceExtent is one physical placement of a chunk on a single device, as
// recorded in that device's device tree entries.
type DeviceExtent struct {
	DeviceID       uint64
	PhysicalOffset uint64
	Length         uint64
	ChunkOffset    uint64 // the Chunk.LogicalOffset this extent backs
}

// Device is one physical device backing the filesystem.
type Device struct {
	ID        uint64
	UUID      [16]byte
	TotalSize uint64
	Path      string
}

// Layout is a snapshot of a filesystem's physical allocation: every
// device, every chunk, and every device's physical extents, keyed so a
// caller can walk from a device to its extents to the chunks they back.
type Layout struct {
	TotalSize     uint64
	Devices       []Device
	Chunks        []Chunk
	DeviceExtents map[uint64][]DeviceExtent // device ID -> its extents
}

// Region is one contiguous span of a single device's physical address
// space: either an allocated extent (with the chunk info that backs it) or
// a free gap between two extents.
type Region struct {
	Offset      uint64
	Length      uint64
	Kind        ChunkKind
	Profile     RaidProfile
	Allocated   bool
	ChunkOffset uint64 // valid only when Allocated
	ChunkUsed   uint64 // valid only when Allocated
	ChunkLength uint64 // valid only when Allocated
}

// DeviceRegions is one device's physical layout as an ordered sequence of
// allocated and free Regions covering its full TotalSize.
type DeviceRegions struct {
	DeviceID  uint64
	TotalSize uint64
	Regions   []Region
}

// FreeSpaceStats summarizes a DeviceRegions' allocation: how much of the
// device is used (broken down by chunk kind) versus free, and how
// fragmented the free space is.
type FreeSpaceStats struct {
	TotalSize      uint64
	AllocatedSize  uint64
	FreeSize       uint64
	DataSize       uint64
	MetadataSize   uint64
	SystemSize     uint64
	NumExtents     int
	NumFreeRegions int
	LargestFree    uint64
	SmallestFree   uint64
	AvgExtentSize  uint64
	AvgFreeSize    uint64
}
