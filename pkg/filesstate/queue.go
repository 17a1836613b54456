package filesstate

import (
	"sort"
	"time"

	"github.com/btrfs-tools/defragd/pkg/fragrecord"
)

// MaxQueueLength is the combined cap across both compression-class queues.
const MaxQueueLength = 2000

// minClassReserve is the smallest number of slots a class keeps even when
// the other class's share would otherwise squeeze it out entirely.
const minClassReserve = 2

// classQueue holds one compression class's candidates, kept sorted
// ascending by (Cost, ShortPath) so PopMax and low-cost trimming are O(1)
// slice operations once the sort position is found.
type classQueue struct {
	records []fragrecord.Record
}

func less(a, b fragrecord.Record) bool {
	if a.Cost != b.Cost {
		return a.Cost < b.Cost
	}
	return a.ShortPath < b.ShortPath
}

func (q *classQueue) indexOf(shortPath string) int {
	for i, r := range q.records {
		if r.ShortPath == shortPath {
			return i
		}
	}
	return -1
}

// Remove deletes the entry for shortPath, if present, and reports whether
// it removed anything.
func (q *classQueue) Remove(shortPath string) bool {
	i := q.indexOf(shortPath)
	if i < 0 {
		return false
	}
	q.records = append(q.records[:i], q.records[i+1:]...)
	return true
}

// Insert supersedes any existing entry for the same short path and
// inserts rec at its sorted position.
func (q *classQueue) Insert(rec fragrecord.Record) {
	q.Remove(rec.ShortPath)
	i := sort.Search(len(q.records), func(i int) bool { return !less(q.records[i], rec) })
	q.records = append(q.records, fragrecord.Record{})
	copy(q.records[i+1:], q.records[i:])
	q.records[i] = rec
}

// PopMax removes and returns the highest-cost entry.
func (q *classQueue) PopMax() (fragrecord.Record, bool) {
	n := len(q.records)
	if n == 0 {
		return fragrecord.Record{}, false
	}
	rec := q.records[n-1]
	q.records = q.records[:n-1]
	return rec, true
}

// TrimLowTo removes lowest-cost entries until at most target remain,
// returning what was removed.
func (q *classQueue) TrimLowTo(target int) []fragrecord.Record {
	if target < 0 {
		target = 0
	}
	if len(q.records) <= target {
		return nil
	}
	cut := len(q.records) - target
	removed := append([]fragrecord.Record(nil), q.records[:cut]...)
	q.records = q.records[cut:]
	return removed
}

func (q *classQueue) Len() int { return len(q.records) }

func (q *classQueue) Contains(shortPath string) bool { return q.indexOf(shortPath) >= 0 }

// Queues holds both compression-class queues plus the Type Tracker and
// weighted round-robin fetch accumulators that drive pops and trimming.
type Queues struct {
	classQueues  [fragrecord.NumClasses]*classQueue
	typeTracker  *TypeTracker
	fetchAcc     [fragrecord.NumClasses]float64
	lastOverflow time.Time
}

// NewQueues returns an empty pair of class queues.
func NewQueues() *Queues {
	return &Queues{
		classQueues: [fragrecord.NumClasses]*classQueue{{}, {}},
		typeTracker: NewTypeTracker(),
	}
}

// Insert supersedes any existing entry for rec's short path (in either
// class, since re-measurement can change class) and inserts rec, recording
// the activity in the Type Tracker. It reports whether the short path was
// not already queued in either class.
func (q *Queues) Insert(rec fragrecord.Record) bool {
	other := otherClass(rec.Class())
	alreadyOwn := q.classQueues[rec.Class()].Contains(rec.ShortPath)
	alreadyOther := q.classQueues[other].Contains(rec.ShortPath)
	if alreadyOther {
		q.classQueues[other].Remove(rec.ShortPath)
	}
	q.classQueues[rec.Class()].Insert(rec)
	q.typeTracker.Record(rec.Class(), 1)
	return !(alreadyOwn || alreadyOther)
}

// Remove deletes any entry for shortPath from both class queues.
func (q *Queues) Remove(shortPath string) {
	q.classQueues[fragrecord.Uncompressed].Remove(shortPath)
	q.classQueues[fragrecord.Compressed].Remove(shortPath)
}

// Contains reports whether shortPath is queued in either class.
func (q *Queues) Contains(shortPath string) bool {
	return q.classQueues[fragrecord.Uncompressed].Contains(shortPath) ||
		q.classQueues[fragrecord.Compressed].Contains(shortPath)
}

// Total returns the combined length of both class queues.
func (q *Queues) Total() int {
	return q.classQueues[fragrecord.Uncompressed].Len() + q.classQueues[fragrecord.Compressed].Len()
}

// ClassLen returns the length of one class's queue.
func (q *Queues) ClassLen(c fragrecord.Class) int { return q.classQueues[c].Len() }

func otherClass(c fragrecord.Class) fragrecord.Class {
	if c == fragrecord.Compressed {
		return fragrecord.Uncompressed
	}
	return fragrecord.Compressed
}

// TrimIfOverCap enforces MaxQueueLength, splitting the cap between classes
// proportional to their Type-Tracker share (each keeping at least
// minClassReserve), and giving one class's unused slack to the other.
func (q *Queues) TrimIfOverCap(now time.Time) {
	total := q.Total()
	if total <= MaxQueueLength {
		return
	}
	q.lastOverflow = now

	shareU := q.typeTracker.Share(fragrecord.Uncompressed)
	targetU := int(shareU*MaxQueueLength + 0.5)
	targetC := MaxQueueLength - targetU
	if targetU < minClassReserve {
		targetU = minClassReserve
	}
	if targetC < minClassReserve {
		targetC = minClassReserve
	}

	actualU := q.classQueues[fragrecord.Uncompressed].Len()
	actualC := q.classQueues[fragrecord.Compressed].Len()
	if actualU < targetU {
		targetC += targetU - actualU
		targetU = actualU
	} else if actualC < targetC {
		targetU += targetC - actualC
		targetC = actualC
	}

	q.classQueues[fragrecord.Uncompressed].TrimLowTo(targetU)
	q.classQueues[fragrecord.Compressed].TrimLowTo(targetC)
}

// PopMostInteresting advances the weighted round-robin fetch accumulators
// (by each class's Type-Tracker share) until one crosses 1.0, then pops
// that class's highest-cost entry, falling back to the other class if it's
// empty. It reports false only when both queues are empty.
func (q *Queues) PopMostInteresting() (fragrecord.Record, bool) {
	if q.Total() == 0 {
		return fragrecord.Record{}, false
	}
	order := [fragrecord.NumClasses]fragrecord.Class{fragrecord.Uncompressed, fragrecord.Compressed}
	for iter := 0; iter < 10_000; iter++ {
		for _, c := range order {
			q.fetchAcc[c] += q.typeTracker.Share(c)
		}
		for _, c := range order {
			if q.fetchAcc[c] < 1.0 {
				continue
			}
			q.fetchAcc[c] -= 1.0
			if rec, ok := q.classQueues[c].PopMax(); ok {
				return rec, true
			}
			if rec, ok := q.classQueues[otherClass(c)].PopMax(); ok {
				return rec, true
			}
		}
	}
	return fragrecord.Record{}, false
}
