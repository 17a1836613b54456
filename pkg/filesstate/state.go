// Package filesstate implements the central structure (C3): the
// per-filesystem in-memory model of which files are worth defragmenting,
// how urgently, and which were defragmented too recently to reconsider.
//
// It holds two independent locks that are never held simultaneously:
// fragMu guards the queues (including their Type Tracker), per-class
// thresholds, recently-defragmented set, and history; the write tracker
// carries its own internal lock.
package filesstate

import (
	"log/slog"
	"sync"
	"time"

	"github.com/btrfs-tools/defragd/pkg/fragrecord"
)

// FilesState is one filesystem's view of candidate files, their
// cost-achievement history, and recently-defragmented set.
type FilesState struct {
	logger *slog.Logger

	fragMu    sync.Mutex // guards queues (including the embedded Type Tracker), histories and recent below
	queues    *Queues
	histories [fragrecord.NumClasses]*History
	recent    *FuzzyEventTracker

	writeTracker *WriteTracker // carries its own internal mutex
}

// New returns a FilesState with cold-start histories and empty queues.
func New(logger *slog.Logger, now time.Time) *FilesState {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilesState{
		logger: logger.With("component", "filesstate"),
		queues: NewQueues(),
		histories: [fragrecord.NumClasses]*History{
			NewHistory(fragrecord.Uncompressed, now),
			NewHistory(fragrecord.Compressed, now),
		},
		recent:       NewFuzzyEventTracker(now),
		writeTracker: NewWriteTracker(),
	}
}

// Snapshot is the persisted shape of a FilesState's fragmentation-side
// data; the write tracker is intentionally excluded since it is transient
// in-flight work, not worth surviving a restart.
type Snapshot struct {
	Recent             FuzzyState
	UncompressedEntries []HistoryEntry
	CompressedEntries   []HistoryEntry
}

// Load restores a FilesState from a persisted snapshot.
func Load(logger *slog.Logger, snap Snapshot, now time.Time) *FilesState {
	if logger == nil {
		logger = slog.Default()
	}
	// An empty persisted history falls back to the class's own cold-start
	// seed (LoadHistory alone would seed it with the uncompressed one).
	compressedEntries := snap.CompressedEntries
	if len(compressedEntries) == 0 {
		compressedEntries = []HistoryEntry{coldStartSeed(fragrecord.Compressed)}
	}
	return &FilesState{
		logger: logger.With("component", "filesstate"),
		queues: NewQueues(),
		histories: [fragrecord.NumClasses]*History{
			LoadHistory(snap.UncompressedEntries, now),
			LoadHistory(compressedEntries, now),
		},
		recent:       LoadFuzzyEventTracker(snap.Recent, now),
		writeTracker: NewWriteTracker(),
	}
}

// Snapshot captures the persistable portion of the state.
func (s *FilesState) Snapshot() Snapshot {
	return Snapshot{
		Recent:              s.recent.Snapshot(),
		UncompressedEntries: s.histories[fragrecord.Uncompressed].Entries(),
		CompressedEntries:   s.histories[fragrecord.Compressed].Entries(),
	}
}

func belowThreshold(cost, threshold, multiplier float64) bool {
	return cost <= 1+multiplier*(threshold-1)
}

// UpdateFiles ingests freshly-measured records: records for files that are
// still in the recently-defragmented set, or whose cost doesn't clear the
// class threshold (scaled by thresholdMultiplier, which defaults to 1.0
// when <= 0; write-origin scans pass a smaller value to admit files more
// eagerly), are dropped. Any existing queue entry for the same short path
// is removed regardless of whether the new record survives (supersession:
// a file can't linger in the queue under a stale measurement). Survivors
// are inserted. Returns the number of short paths newly queued.
func (s *FilesState) UpdateFiles(records []fragrecord.Record, thresholdMultiplier float64, now time.Time) int {
	if thresholdMultiplier <= 0 {
		thresholdMultiplier = 1.0
	}
	s.fragMu.Lock()
	defer s.fragMu.Unlock()
	n := 0
	for _, rec := range records {
		if s.recent.Recent(rec.ShortPath) {
			s.queues.Remove(rec.ShortPath)
			continue
		}
		threshold := s.histories[rec.Class()].Threshold()
		if belowThreshold(rec.Cost, threshold, thresholdMultiplier) {
			s.queues.Remove(rec.ShortPath)
			continue
		}
		if s.queues.Insert(rec) {
			n++
		}
	}
	s.queues.TrimIfOverCap(now)
	return n
}

// PopMostInteresting pops the next file to defragment, chosen by the
// weighted round-robin between compression classes.
func (s *FilesState) PopMostInteresting() (fragrecord.Record, bool) {
	s.fragMu.Lock()
	defer s.fragMu.Unlock()
	return s.queues.PopMostInteresting()
}

// BelowThresholdCost reports whether rec's cost fails to clear its class's
// current admission threshold, scaled by multiplier (defaults to 1.0).
func (s *FilesState) BelowThresholdCost(rec fragrecord.Record, multiplier float64) bool {
	if multiplier <= 0 {
		multiplier = 1.0
	}
	s.fragMu.Lock()
	defer s.fragMu.Unlock()
	return belowThreshold(rec.Cost, s.histories[rec.Class()].Threshold(), multiplier)
}

// Threshold returns a class's current admission threshold.
func (s *FilesState) Threshold(class fragrecord.Class) float64 {
	s.fragMu.Lock()
	defer s.fragMu.Unlock()
	return s.histories[class].Threshold()
}

// AverageAchievedCost returns a class's weighted-average achieved cost,
// used by the cost model's defrag-time estimate.
func (s *FilesState) AverageAchievedCost(class fragrecord.Class) float64 {
	s.fragMu.Lock()
	defer s.fragMu.Unlock()
	return s.histories[class].AverageAchievedCost()
}

// HistorizeCostAchievement records a completed defrag's before/after cost.
func (s *FilesState) HistorizeCostAchievement(class fragrecord.Class, initial, final float64, size uint64, now time.Time) {
	s.fragMu.Lock()
	defer s.fragMu.Unlock()
	s.histories[class].Append(HistoryEntry{InitialCost: initial, FinalCost: final, SizeBytes: size}, now)
}

// QueueFill returns the combined queue occupancy as a fraction of
// MaxQueueLength, used by the usage-policy governor.
func (s *FilesState) QueueFill() float64 {
	s.fragMu.Lock()
	defer s.fragMu.Unlock()
	return float64(s.queues.Total()) / float64(MaxQueueLength)
}

// QueueLen returns the combined queue length.
func (s *FilesState) QueueLen() int {
	s.fragMu.Lock()
	defer s.fragMu.Unlock()
	return s.queues.Total()
}

// RecentlyDefragmented reports whether shortPath was defragmented within
// IgnoreAfterDefragDelay.
func (s *FilesState) RecentlyDefragmented(shortPath string) bool {
	s.fragMu.Lock()
	defer s.fragMu.Unlock()
	return s.recent.Recent(shortPath)
}

// Defragmented marks shortPath as just defragmented and removes any
// leftover queue entry: a file is never simultaneously queued and
// recently-defragmented.
func (s *FilesState) Defragmented(shortPath string) {
	s.fragMu.Lock()
	defer s.fragMu.Unlock()
	s.recent.Event(shortPath)
	s.queues.Remove(shortPath)
}

// DecayRecent advances the recently-defragmented set's time decay.
func (s *FilesState) DecayRecent(now time.Time) {
	s.fragMu.Lock()
	defer s.fragMu.Unlock()
	s.recent.Tick(now)
}

// FileWrittenTo records a write notification for shortPath, unless it's
// still in the recently-defragmented set (a file we just defragmented
// doesn't need its own write tracked back into the queue).
func (s *FilesState) FileWrittenTo(shortPath string, now time.Time) {
	s.fragMu.Lock()
	recent := s.recent.Recent(shortPath)
	s.fragMu.Unlock()
	if recent {
		return
	}
	s.writeTracker.Upsert(shortPath, now)
}

// ConsolidateWrites pops every write-tracked file ready for re-measurement,
// including any evicted purely for exceeding MaxTrackedWrittenFiles.
func (s *FilesState) ConsolidateWrites(now time.Time, commitDelay time.Duration) []WriteEvent {
	ready := s.writeTracker.ConsolidateReady(now, commitDelay)
	evicted := s.writeTracker.EvictOverCapacity(MaxTrackedWrittenFiles)
	return append(ready, evicted...)
}

// WriteTrackerLen returns the number of open write windows.
func (s *FilesState) WriteTrackerLen() int { return s.writeTracker.Len() }
