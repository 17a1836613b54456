package filesstate

import (
	"testing"
	"time"
)

func TestWriteTrackerNotReadyImmediately(t *testing.T) {
	w := NewWriteTracker()
	now := time.Now()
	w.Upsert("/a/b", now)
	ready := w.ConsolidateReady(now, 30*time.Second)
	if len(ready) != 0 {
		t.Fatalf("expected no ready events immediately after a write, got %+v", ready)
	}
}

func TestWriteTrackerReadyAfterQuietPeriod(t *testing.T) {
	w := NewWriteTracker()
	base := time.Now()
	w.Upsert("/a/b", base)
	commitDelay := 30 * time.Second
	// Generous margin past commitDelay+5s+max fuzz (120s) to be sure.
	later := base.Add(commitDelay + 5*time.Second + DefragCheckDistributionPeriod + time.Second)
	ready := w.ConsolidateReady(later, commitDelay)
	if len(ready) != 1 || ready[0].ShortPath != "/a/b" {
		t.Fatalf("expected /a/b ready, got %+v", ready)
	}
	if w.Len() != 0 {
		t.Fatalf("consolidated entry should be removed from the tracker")
	}
}

func TestWriteTrackerForcedReadyAfterMaxWritesDelay(t *testing.T) {
	w := NewWriteTracker()
	base := time.Now()
	w.Upsert("/hot", base)
	// Keep the file "hot" (LastWrite always recent) but let FirstWrite age
	// past MaxWritesDelay.
	laterWrite := base.Add(MaxWritesDelay - time.Second)
	w.Upsert("/hot", laterWrite)
	now := base.Add(MaxWritesDelay + time.Second)
	ready := w.ConsolidateReady(now, 30*time.Second)
	if len(ready) != 1 || ready[0].ShortPath != "/hot" {
		t.Fatalf("expected /hot force-consolidated after MaxWritesDelay, got %+v", ready)
	}
}

func TestWriteTrackerEvictsOldestOverCapacity(t *testing.T) {
	w := NewWriteTracker()
	base := time.Now()
	for i := 0; i < 10; i++ {
		w.Upsert(string(rune('a'+i)), base.Add(time.Duration(i)*time.Second))
	}
	evicted := w.EvictOverCapacity(7)
	if len(evicted) != 3 {
		t.Fatalf("evicted %d entries, want 3", len(evicted))
	}
	if w.Len() != 7 {
		t.Fatalf("remaining = %d, want 7", w.Len())
	}
	// The evicted entries must be the oldest (lowest LastWrite) ones.
	for _, e := range evicted {
		if e.ShortPath != "a" && e.ShortPath != "b" && e.ShortPath != "c" {
			t.Fatalf("unexpected eviction of %q", e.ShortPath)
		}
	}
}
