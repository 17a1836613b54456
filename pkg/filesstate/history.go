package filesstate

import (
	"sort"
	"time"

	"github.com/btrfs-tools/defragd/pkg/fragrecord"
)

// HistoryCap bounds how many cost-achievement entries a class's history
// retains; the oldest are dropped once it overflows.
const HistoryCap = 2000

// CostThresholdPercentile is the weighted-quantile point used to derive
// the class's admission threshold.
const CostThresholdPercentile = 0.50

// MinExpectedBenefit scales the weighted-quantile cost up so a file is
// only queued when defragmenting it is expected to meaningfully help.
const MinExpectedBenefit = 1.05

// CostComputeDelay throttles how often the threshold is recomputed.
const CostComputeDelay = 60 * time.Second

// HistoryEntry records one completed defrag's before/after cost.
type HistoryEntry struct {
	InitialCost float64
	FinalCost   float64
	SizeBytes   uint64
}

// History is one compression class's cost-achievement history plus the
// derived admission threshold and average achieved cost.
type History struct {
	entries      []HistoryEntry
	threshold    float64
	avgInitial   float64
	avgFinal     float64
	lastComputed time.Time
}

// coldStartSeed is the default history entry used before any file of the
// class has actually been defragmented, per-1MB-file achieved cost.
func coldStartSeed(class fragrecord.Class) HistoryEntry {
	cost := 1.02
	if class == fragrecord.Compressed {
		cost = 2.65
	}
	return HistoryEntry{InitialCost: cost, FinalCost: cost, SizeBytes: 1_000_000}
}

// NewHistory returns a class's history seeded with its cold-start entry.
func NewHistory(class fragrecord.Class, now time.Time) *History {
	h := &History{entries: []HistoryEntry{coldStartSeed(class)}}
	h.recompute(now)
	return h
}

// LoadHistory restores a persisted set of entries, recomputing the
// threshold immediately so stale data is never served after a restart.
func LoadHistory(entries []HistoryEntry, now time.Time) *History {
	h := &History{entries: append([]HistoryEntry(nil), entries...)}
	if len(h.entries) == 0 {
		h.entries = []HistoryEntry{coldStartSeed(fragrecord.Uncompressed)}
	}
	h.recompute(now)
	return h
}

// Append records a newly completed defrag, trims the history to
// HistoryCap, and recomputes the threshold if CostComputeDelay has
// elapsed since the last recompute.
func (h *History) Append(e HistoryEntry, now time.Time) {
	h.entries = append(h.entries, e)
	if len(h.entries) > HistoryCap {
		h.entries = h.entries[len(h.entries)-HistoryCap:]
	}
	if h.lastComputed.IsZero() || now.Sub(h.lastComputed) >= CostComputeDelay {
		h.recompute(now)
	}
}

// recompute walks entries weighted by size_i * i (1-based, oldest first,
// ties broken by lowest size) in ascending final-cost order to find the
// CostThresholdPercentile point, sets the threshold to that entry's final
// cost scaled by MinExpectedBenefit, then continues walking the remaining
// (higher-cost) entries to compute the weighted average achieved cost.
func (h *History) recompute(now time.Time) {
	type weighted struct {
		entry  HistoryEntry
		weight float64
	}
	ws := make([]weighted, len(h.entries))
	var total float64
	for i, e := range h.entries {
		w := float64(e.SizeBytes) * float64(i+1)
		ws[i] = weighted{e, w}
		total += w
	}
	sort.SliceStable(ws, func(i, j int) bool {
		if ws[i].entry.FinalCost != ws[j].entry.FinalCost {
			return ws[i].entry.FinalCost < ws[j].entry.FinalCost
		}
		return ws[i].entry.SizeBytes < ws[j].entry.SizeBytes
	})

	var cum float64
	var thresholdFinal float64
	found := false
	var sumInitial, sumFinal, sumWeight float64
	for _, w := range ws {
		cum += w.weight
		if !found && (total == 0 || cum >= CostThresholdPercentile*total) {
			thresholdFinal = w.entry.FinalCost
			found = true
		}
		if found {
			sumInitial += w.entry.InitialCost * w.weight
			sumFinal += w.entry.FinalCost * w.weight
			sumWeight += w.weight
		}
	}
	h.threshold = thresholdFinal * MinExpectedBenefit
	if sumWeight > 0 {
		h.avgInitial = sumInitial / sumWeight
		h.avgFinal = sumFinal / sumWeight
	}
	h.lastComputed = now
}

// Threshold returns the cost above which a file of this class is worth
// queuing.
func (h *History) Threshold() float64 { return h.threshold }

// AverageAchievedCost returns the weighted-average final cost among
// entries at or above the threshold quantile, used by the cost model's
// defrag-time estimate.
func (h *History) AverageAchievedCost() float64 { return h.avgFinal }

// Entries returns a copy of the retained history entries, oldest first.
func (h *History) Entries() []HistoryEntry {
	return append([]HistoryEntry(nil), h.entries...)
}
