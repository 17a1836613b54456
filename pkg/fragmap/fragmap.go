// Package fragmap reads a Btrfs filesystem's chunk and device-extent trees
// to build a per-device map of allocated and free physical regions. Two
// SPEC_FULL.md components consume it: pkg/subvolume.DriveCount counts
// distinct devices to auto-detect the cost model's (C1) drive-count
// scaling, and cmd/defragctl's frag-fs command renders the same scan as a
// free-space diagnostic report. Neither needs per-file fragmentation —
// that's costmodel/extentparser's job, fed by the external extent-listing
// tool instead of a kernel ioctl.
package fragmap

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/dennwc/btrfs"
)

// Scanner holds one open filesystem handle for a full device/chunk/extent
// scan. It is not safe to reuse across concurrent Scan calls.
type Scanner struct {
	fsPath string
	file   *os.File
}

// NewScanner opens fsPath read-only for scanning; the caller must Close it.
func NewScanner(fsPath string) (*Scanner, error) {
	f, err := os.OpenFile(fsPath, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open filesystem: %w", err)
	}
	return &Scanner{fsPath: fsPath, file: f}, nil
}

func (s *Scanner) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// Scan walks the chunk tree, extent tree, and each device's device-tree
// entries once and assembles them into a Layout. Each phase is timed at
// debug level since a full scan of a large, heavily-fragmented filesystem
// can run long enough to matter for the caller's own timeout budget.
func (s *Scanner) Scan() (*Layout, error) {
	overall := s.timed("scan")
	defer overall()

	layout := &Layout{DeviceExtents: make(map[uint64][]DeviceExtent)}

	devices, err := s.scanDevices()
	if err != nil {
		return nil, fmt.Errorf("scan devices: %w", err)
	}
	layout.Devices = devices
	for _, dev := range devices {
		layout.TotalSize += dev.TotalSize
	}

	chunks, err := s.scanChunks()
	if err != nil {
		return nil, fmt.Errorf("scan chunks: %w", err)
	}
	layout.Chunks = chunks

	for _, dev := range devices {
		extents, err := s.scanDeviceExtents(dev.ID)
		if err != nil {
			return nil, fmt.Errorf("scan device %d extents: %w", dev.ID, err)
		}
		layout.DeviceExtents[dev.ID] = extents
	}

	return layout, nil
}

// timed logs how long the named phase took once the returned func runs.
func (s *Scanner) timed(phase string) func() {
	start := time.Now()
	return func() {
		slog.Debug("fragmap scan phase", "phase", phase, "duration", time.Since(start))
	}
}

// scanDevices lists every DEV_ITEM in the chunk tree, then resolves each
// device's mount path through dennwc/btrfs since the ioctl payload itself
// doesn't carry it.
func (s *Scanner) scanDevices() ([]Device, error) {
	done := s.timed("scanDevices")
	defer done()

	results, err := TreeSearch(s.file, ChunkTreeObjectID, 1, ^uint64(0), DevItemKey, DevItemKey, 0, ^uint64(0))
	if err != nil {
		return nil, err
	}

	fs, err := btrfs.Open(s.fsPath, true)
	if err != nil {
		return nil, fmt.Errorf("open btrfs: %w", err)
	}
	defer fs.Close()

	devices := make([]Device, 0, len(results))
	for _, r := range results {
		if r.Header.Type != DevItemKey {
			continue
		}
		dev, err := ParseDevItem(r.Data)
		if err != nil {
			continue
		}
		if info, err := fs.GetDevInfo(dev.ID); err == nil {
			dev.Path = info.Path
		}
		devices = append(devices, *dev)
	}
	return devices, nil
}

// scanChunks lists every CHUNK_ITEM in the chunk tree, sorts them by
// logical offset, and merges in each chunk's used-byte count from the
// matching BLOCK_GROUP_ITEM (best-effort: a block-group scan failure just
// leaves UsedBytes at zero rather than failing the whole scan).
func (s *Scanner) scanChunks() ([]Chunk, error) {
	done := s.timed("scanChunks")
	defer done()

	results, err := TreeSearch(s.file, ChunkTreeObjectID, FirstChunkTreeObjectID, ^uint64(0), ChunkItemKey, ChunkItemKey, 0, ^uint64(0))
	if err != nil {
		return nil, err
	}

	chunks := make([]Chunk, 0, len(results))
	for _, r := range results {
		if r.Header.Type != ChunkItemKey {
			continue
		}
		chunk, err := ParseChunk(r.Data)
		if err != nil {
			continue
		}
		chunk.LogicalOffset = r.Header.Offset
		chunks = append(chunks, *chunk)
	}
	slices.SortFunc(chunks, func(a, b Chunk) int {
		return int(a.LogicalOffset) - int(b.LogicalOffset)
	})

	usedByOffset, err := s.blockGroupUsage()
	if err != nil {
		return chunks, nil
	}
	for i := range chunks {
		chunks[i].UsedBytes = usedByOffset[chunks[i].LogicalOffset]
	}
	return chunks, nil
}

// blockGroupUsage scans the extent tree's BLOCK_GROUP_ITEMs in one pass and
// returns used-byte counts keyed by the block group's logical offset,
// which is the same key a chunk's LogicalOffset uses.
func (s *Scanner) blockGroupUsage() (map[uint64]uint64, error) {
	results, err := TreeSearch(s.file, ExtentTreeObjectID, 0, ^uint64(0), BlockGroupItemKey, BlockGroupItemKey, 0, ^uint64(0))
	if err != nil {
		return nil, err
	}

	used := make(map[uint64]uint64, len(results))
	for _, r := range results {
		if r.Header.Type != BlockGroupItemKey {
			continue
		}
		bg, err := ParseBlockGroupItem(r.Data)
		if err != nil {
			continue
		}
		used[r.Header.ObjectID] = bg.Used
	}
	return used, nil
}

// scanDeviceExtents lists every DEV_EXTENT for one device, sorted by
// physical offset so RegionsFor can walk it linearly to find the gaps.
func (s *Scanner) scanDeviceExtents(deviceID uint64) ([]DeviceExtent, error) {
	results, err := TreeSearch(s.file, DevTreeObjectID, deviceID, deviceID, DevExtentKey, DevExtentKey, 0, ^uint64(0))
	if err != nil {
		return nil, err
	}

	extents := make([]DeviceExtent, 0, len(results))
	for _, r := range results {
		if r.Header.Type != DevExtentKey {
			continue
		}
		ext, err := ParseDevExtent(r.Data)
		if err != nil {
			continue
		}
		ext.DeviceID = r.Header.ObjectID
		ext.PhysicalOffset = r.Header.Offset
		extents = append(extents, *ext)
	}
	slices.SortFunc(extents, func(a, b DeviceExtent) int {
		return int(a.PhysicalOffset) - int(b.PhysicalOffset)
	})
	return extents, nil
}

// RegionsFor walks one device's sorted extents and fills the gaps between
// them (and before the first / after the last) with free Regions, so the
// result covers the device's full TotalSize with no holes.
func (l *Layout) RegionsFor(deviceID uint64) (*DeviceRegions, error) {
	var device *Device
	for i := range l.Devices {
		if l.Devices[i].ID == deviceID {
			device = &l.Devices[i]
			break
		}
	}
	if device == nil {
		return nil, fmt.Errorf("device %d not found", deviceID)
	}
	extents, ok := l.DeviceExtents[deviceID]
	if !ok {
		return nil, fmt.Errorf("no extents for device %d", deviceID)
	}

	chunkByOffset := make(map[uint64]*Chunk, len(l.Chunks))
	for i := range l.Chunks {
		chunkByOffset[l.Chunks[i].LogicalOffset] = &l.Chunks[i]
	}

	dr := &DeviceRegions{DeviceID: deviceID, TotalSize: device.TotalSize}
	var cursor uint64
	appendGap := func(start, end uint64) {
		if end > start {
			dr.Regions = append(dr.Regions, Region{Offset: start, Length: end - start})
		}
	}
	for _, ext := range extents {
		appendGap(cursor, ext.PhysicalOffset)

		region := Region{
			Offset:      ext.PhysicalOffset,
			Length:      ext.Length,
			Allocated:   true,
			ChunkOffset: ext.ChunkOffset,
		}
		if chunk, ok := chunkByOffset[ext.ChunkOffset]; ok {
			region.Kind = chunk.Kind
			region.Profile = chunk.Profile
			region.ChunkUsed = chunk.UsedBytes
			region.ChunkLength = chunk.Length
		}
		dr.Regions = append(dr.Regions, region)
		cursor = ext.PhysicalOffset + ext.Length
	}
	appendGap(cursor, device.TotalSize)

	return dr, nil
}

// Stats summarizes a device's Regions into aggregate free/allocated sizes
// and fragmentation counts.
func (dr *DeviceRegions) Stats() FreeSpaceStats {
	stats := FreeSpaceStats{TotalSize: dr.TotalSize, SmallestFree: ^uint64(0)}

	for _, r := range dr.Regions {
		if !r.Allocated {
			stats.FreeSize += r.Length
			stats.NumFreeRegions++
			stats.LargestFree = max(stats.LargestFree, r.Length)
			stats.SmallestFree = min(stats.SmallestFree, r.Length)
			continue
		}
		stats.AllocatedSize += r.Length
		stats.NumExtents++
		switch {
		case r.Kind&ChunkData != 0:
			stats.DataSize += r.Length
		case r.Kind&ChunkMetadata != 0:
			stats.MetadataSize += r.Length
		case r.Kind&ChunkSystem != 0:
			stats.SystemSize += r.Length
		}
	}

	if stats.NumExtents > 0 {
		stats.AvgExtentSize = stats.AllocatedSize / uint64(stats.NumExtents)
	}
	if stats.NumFreeRegions > 0 {
		stats.AvgFreeSize = stats.FreeSize / uint64(stats.NumFreeRegions)
	}
	if stats.SmallestFree == ^uint64(0) {
		stats.SmallestFree = 0
	}
	return stats
}
