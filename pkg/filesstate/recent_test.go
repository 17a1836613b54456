package filesstate

import (
	"testing"
	"time"
)

func TestFuzzyEventMarksRecent(t *testing.T) {
	now := time.Now()
	f := NewFuzzyEventTracker(now)
	if f.Recent("/a/b") {
		t.Fatalf("unmarked path should not be recent")
	}
	f.Event("/a/b")
	if !f.Recent("/a/b") {
		t.Fatalf("marked path should be recent")
	}
	if f.Size() != 1 {
		t.Fatalf("size = %d, want 1", f.Size())
	}
}

func TestFuzzyEventIdempotent(t *testing.T) {
	now := time.Now()
	f := NewFuzzyEventTracker(now)
	f.Event("/a/b")
	f.Event("/a/b")
	f.Event("/a/b")
	if f.Size() != 1 {
		t.Fatalf("repeated events on one path should not inflate size, got %d", f.Size())
	}
	if !f.Recent("/a/b") {
		t.Fatalf("expected still recent")
	}
}

func TestFuzzyEventDecaysToZeroAfterIgnoreDelay(t *testing.T) {
	now := time.Now()
	f := NewFuzzyEventTracker(now)
	f.Event("/a/b")
	f.Event("/c/d")

	// Advance by exactly IgnoreAfterDefragDelay: all entries must decay
	// fully to zero.
	f.Tick(now.Add(IgnoreAfterDefragDelay))

	if f.Recent("/a/b") || f.Recent("/c/d") {
		t.Fatalf("entries should no longer be recent after full decay window")
	}
	if f.Size() != 0 {
		t.Fatalf("size = %d, want 0 after full decay", f.Size())
	}
}

func TestFuzzyEventPartialDecayStillRecent(t *testing.T) {
	now := time.Now()
	f := NewFuzzyEventTracker(now)
	f.Event("/a/b")
	// Less than one full tick period: no decay should have happened yet.
	f.Tick(now.Add(FuzzyTickPeriod / 2))
	if !f.Recent("/a/b") {
		t.Fatalf("expected still recent after less than one tick period")
	}
}

func TestFuzzyEventSnapshotRoundTrip(t *testing.T) {
	now := time.Now()
	f := NewFuzzyEventTracker(now)
	f.Event("/a/b")
	snap := f.Snapshot()
	f2 := LoadFuzzyEventTracker(snap, now)
	if !f2.Recent("/a/b") {
		t.Fatalf("restored tracker lost its entry")
	}
	if f2.Size() != f.Size() {
		t.Fatalf("restored size %d != original %d", f2.Size(), f.Size())
	}
}

func TestFuzzyEventLoadWithWrongShapeResetsClean(t *testing.T) {
	now := time.Now()
	bad := FuzzyState{Bits: []byte{1, 2, 3}}
	f := LoadFuzzyEventTracker(bad, now)
	if f.Size() != 0 {
		t.Fatalf("expected a fresh tracker for malformed snapshot")
	}
}
