// Package fragrecord holds the data model shared by the extent-map parser
// (C2), the files-state queues (C3), and the orchestrator (C5): the
// per-file fragmentation record, its compression class, and the transient
// extent used while parsing.
package fragrecord

// Class is the compression class a file's extents fall into; the queues,
// history, and type tracker are all partitioned by this.
type Class int

const (
	Uncompressed Class = iota
	Compressed
	numClasses
)

// NumClasses is the number of compression classes tracked.
const NumClasses = int(numClasses)

func (c Class) String() string {
	switch c {
	case Compressed:
		return "compressed"
	case Uncompressed:
		return "uncompressed"
	default:
		return "unknown"
	}
}

// Record is an immutable fragmentation record for one file. It is created
// by the parser, owned by a queue until popped, and replaced (never
// mutated) when the same short path is re-measured.
type Record struct {
	// ShortPath is the file's path relative to its filesystem root; the
	// canonical identity key used everywhere in memory.
	ShortPath string
	// Size is the file size in bytes at measurement time.
	Size uint64
	// Compressed is true when the majority of the file's blocks carry
	// the Btrfs "encoded" (compressed) extent flag.
	Compressed bool
	// Cost is the dimensionless fragmentation cost, >= 1.0.
	Cost float64
}

// Class reports which compression class this record belongs to.
func (r Record) Class() Class {
	if r.Compressed {
		return Compressed
	}
	return Uncompressed
}

// Extent is a single physical/logical extent, transient to the parser.
type Extent struct {
	LogicalStart  uint64
	PhysicalStart uint64
	// LengthBlocks is the extent length in 4 KiB blocks.
	LengthBlocks uint64
	// Encoded marks a compressed (Btrfs "encoded") extent.
	Encoded bool
}
