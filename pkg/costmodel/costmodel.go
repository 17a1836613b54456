// Package costmodel implements the pure fragmentation-cost arithmetic (C1):
// given a file's size and the seek time accumulated while reading its
// extents, it produces a dimensionless cost and an estimated defrag
// duration, modeled on a nominal rotating disk.
package costmodel

const (
	// blockSize is the 4 KiB unit filefrag reports physical/logical
	// positions in.
	blockSize = 4096

	// trackSize is the nominal per-track capacity of a 7200 RPM drive.
	trackSize = 1.25 * 1024 * 1024

	// revolutionTime is one full platter revolution at 7200 RPM.
	revolutionTime = 1.0 / 120.0

	// MinSeek and MaxSeek bound a single seek: track-to-track vs whole-disk.
	MinSeek = 0.002
	MaxSeek = 0.016

	// totalTrackCount is the assumed number of tracks on the modeled
	// whole disk, used to scale a seek's distance into the min..max seek
	// range. There's no authoritative value for "a" rotating disk; this
	// is a deliberate constant chosen to keep seek_time's distance/track
	// ratio in a realistic range for multi-terabyte drives.
	totalTrackCount = 2_000_000.0

	// compressionExtentBlocks is the Btrfs compressed-extent size in
	// 4 KiB blocks; the parser treats a backward seek within this many
	// blocks as free because compressed extents can be reported with
	// overlapping physical ranges.
	compressionExtentBlocks = 32

	// ExpectedCompressRatio scales defrag_time for compressed files: the
	// write side moves roughly half the bytes a naive estimate would
	// assume.
	ExpectedCompressRatio = 0.5
)

// AverageSeek is the midpoint of the track-to-track and whole-disk seek
// bounds.
const AverageSeek = (MinSeek + MaxSeek) / 2

// Model holds the configuration the cost arithmetic is parameterized over:
// the number of physical drives backing the filesystem, which scales
// transfer rate linearly (more spindles, more parallel throughput).
type Model struct {
	DriveCount float64
}

// New returns a Model for the given drive count. A non-positive count is
// treated as a single drive.
func New(driveCount float64) Model {
	if driveCount <= 0 {
		driveCount = 1
	}
	return Model{DriveCount: driveCount}
}

// TransferRate is the modeled sequential throughput in bytes/second.
func (m Model) TransferRate() float64 {
	return trackSize / revolutionTime * m.DriveCount
}

// SeekTime estimates the time to seek from one physical block to another.
//
//   - A backward seek within compressionExtentBlocks is free: the extent
//     listing may report overlapping adjacent extents for compressed files.
//   - A seek shorter than one track is modeled as flying over data already
//     under the head for part of a revolution.
//   - Anything longer is linearly interpolated between MinSeek and MaxSeek
//     by how far across the modeled disk it travels.
func (m Model) SeekTime(fromBlock, toBlock uint64) float64 {
	if toBlock < fromBlock && fromBlock-toBlock <= compressionExtentBlocks {
		return 0
	}

	var blocks uint64
	if toBlock >= fromBlock {
		blocks = toBlock - fromBlock
	} else {
		blocks = fromBlock - toBlock
	}
	distance := float64(blocks) * blockSize

	if distance < trackSize {
		return revolutionTime * distance / trackSize
	}

	return MinSeek + (MaxSeek-MinSeek)*distance/(totalTrackCount*trackSize*m.DriveCount)
}

// FragmentationCost turns an accumulated seek time into a dimensionless
// cost: the ratio of modeled read time with seeking to read time without.
// It is always >= 1.0 for size > 0; exactly 1.0 when there was nothing to
// seek over (zero size, or zero accumulated seek time — a single extent).
func (m Model) FragmentationCost(size uint64, totalSeekTime float64) float64 {
	if size == 0 || totalSeekTime <= 0 {
		return 1.0
	}
	transfer := float64(size) / m.TransferRate()
	return (AverageSeek + transfer + totalSeekTime) / (AverageSeek + transfer)
}

// DefragTime estimates how long defragmenting a file of the given size and
// cost will take: time to read it at its current (fragmented) cost, plus
// time to write it back out sequentially, with the write side weighted by
// the class's average historical achieved cost (files rarely defrag to a
// perfect 1.0). Compressed files move roughly half the bytes on the write
// side.
func (m Model) DefragTime(size uint64, cost, averageAchievedCost float64, compressed bool) float64 {
	transfer := float64(size) / m.TransferRate()
	readTime := transfer*cost + AverageSeek
	writeTime := transfer + AverageSeek
	total := readTime + writeTime*averageAchievedCost
	if compressed {
		total *= ExpectedCompressRatio
	}
	return total
}
