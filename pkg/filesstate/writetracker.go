package filesstate

import (
	"sort"
	"sync"
	"time"
)

// MaxWritesDelay forces consolidation of a file's write event even if it
// keeps being written to, so a continuously-hot file still eventually
// gets re-measured.
const MaxWritesDelay = 2 * time.Hour

// DefragCheckDistributionPeriod is the modulus used to fuzz each file's
// consolidation deadline, so a burst of writes at the same instant doesn't
// produce a thundering herd of re-measurements later.
const DefragCheckDistributionPeriod = 120 * time.Second

// TrackedWrittenFilesConsolidationPeriod is how often the write tracker is
// swept for entries ready to consolidate.
const TrackedWrittenFilesConsolidationPeriod = 5 * time.Second

// MaxTrackedWrittenFiles caps the write tracker's memory; past this, the
// oldest-last-written entries are evicted (and still opportunistically
// consolidated) rather than silently dropped.
const MaxTrackedWrittenFiles = 10_000

// WriteEvent is one file's open write-tracking window.
type WriteEvent struct {
	ShortPath  string
	FirstWrite time.Time
	LastWrite  time.Time
}

// WriteTracker batches per-file write notifications so a hot file is
// re-measured once after it quiets down, rather than on every write.
type WriteTracker struct {
	mu     sync.Mutex
	events map[string]*WriteEvent
}

// NewWriteTracker returns an empty tracker.
func NewWriteTracker() *WriteTracker {
	return &WriteTracker{events: make(map[string]*WriteEvent)}
}

// Upsert records a write to shortPath at now, starting a new window if
// none is open.
func (w *WriteTracker) Upsert(shortPath string, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.events[shortPath]; ok {
		e.LastWrite = now
		return
	}
	w.events[shortPath] = &WriteEvent{ShortPath: shortPath, FirstWrite: now, LastWrite: now}
}

// Len returns the number of open write windows.
func (w *WriteTracker) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

func fuzzyDelay(firstWrite time.Time) time.Duration {
	micros := firstWrite.Nanosecond() / 1000
	return time.Duration(micros%int(DefragCheckDistributionPeriod.Seconds())) * time.Second
}

func isReady(e *WriteEvent, now time.Time, commitDelay time.Duration) bool {
	quietFor := commitDelay + 5*time.Second + fuzzyDelay(e.FirstWrite)
	if e.LastWrite.Before(now.Add(-quietFor)) {
		return true
	}
	return e.FirstWrite.Before(now.Add(-MaxWritesDelay))
}

// ConsolidateReady removes and returns every write window ready to be
// re-measured: either quiet for commitDelay+5s (plus a per-file fuzz) or
// open for longer than MaxWritesDelay regardless of activity.
func (w *WriteTracker) ConsolidateReady(now time.Time, commitDelay time.Duration) []WriteEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	var ready []WriteEvent
	for path, e := range w.events {
		if isReady(e, now, commitDelay) {
			ready = append(ready, *e)
			delete(w.events, path)
		}
	}
	return ready
}

// EvictOverCapacity removes the oldest-last-written entries once the
// tracker exceeds cap, returning them so the caller can still
// opportunistically consolidate them instead of losing the write.
func (w *WriteTracker) EvictOverCapacity(cap int) []WriteEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.events) <= cap {
		return nil
	}
	all := make([]*WriteEvent, 0, len(w.events))
	for _, e := range w.events {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].LastWrite.Before(all[j].LastWrite) })
	n := len(all) - cap
	evicted := make([]WriteEvent, 0, n)
	for i := 0; i < n; i++ {
		evicted = append(evicted, *all[i])
		delete(w.events, all[i].ShortPath)
	}
	return evicted
}
