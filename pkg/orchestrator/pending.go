package orchestrator

import (
	"sync"
	"time"

	"github.com/btrfs-tools/defragd/pkg/fragrecord"
)

// pendingSettleTimeout is the absolute deadline after which a pending
// record is considered settled regardless of whether it improved.
const pendingSettleTimeout = 35 * time.Second

// pendingQuietPeriod is how long after the last observed improvement a
// pending record is considered settled, once it has improved at least
// once.
const pendingQuietPeriod = 6 * time.Second

// postDefragTickPeriod is how often the post-defrag stat loop re-measures
// pending records.
const postDefragTickPeriod = 5 * time.Second

// pendingRecord tracks one file through the post-defrag stat loop: its
// cost is re-measured periodically until it settles, at which point the
// before/after pair is historized.
type pendingRecord struct {
	ShortPath    string
	Class        fragrecord.Class
	Size         uint64
	StartCost    float64
	LastCost     float64
	QueuedAt     time.Time
	LastImproved time.Time
	Improved     bool
}

func (p *pendingRecord) settled(now time.Time) bool {
	if p.LastCost <= 1.0 {
		return true
	}
	if p.Improved && now.Sub(p.LastImproved) >= pendingQuietPeriod {
		return true
	}
	return now.Sub(p.QueuedAt) >= pendingSettleTimeout
}

// observe records a fresh cost measurement, updating LastCost and
// LastImproved if it fell.
func (p *pendingRecord) observe(cost float64, now time.Time) {
	if cost < p.LastCost {
		p.LastCost = cost
		p.LastImproved = now
		p.Improved = true
	}
}

// pendingTracker holds every file currently being watched by the
// post-defrag stat loop after a defrag attempt.
type pendingTracker struct {
	mu      sync.Mutex
	records map[string]*pendingRecord
}

func newPendingTracker() *pendingTracker {
	return &pendingTracker{records: make(map[string]*pendingRecord)}
}

func (t *pendingTracker) Add(r *pendingRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[r.ShortPath] = r
}

// Snapshot returns a copy of every currently tracked pending record, for
// the post-defrag stat loop to re-measure outside the lock.
func (t *pendingTracker) Snapshot() []*pendingRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*pendingRecord, 0, len(t.records))
	for _, r := range t.records {
		cp := *r
		out = append(out, &cp)
	}
	return out
}

// Update replaces the stored record (used after observing a new
// measurement) unless it has meanwhile been removed.
func (t *pendingTracker) Update(r *pendingRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[r.ShortPath]; ok {
		t.records[r.ShortPath] = r
	}
}

func (t *pendingTracker) Remove(shortPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, shortPath)
}

func (t *pendingTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}
