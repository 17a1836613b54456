package filesstate

import (
	"sync"
	"testing"
	"time"

	"github.com/btrfs-tools/defragd/pkg/fragrecord"
)

func TestUpdateFilesDropsBelowThreshold(t *testing.T) {
	now := time.Now()
	s := New(nil, now)
	// Cold-start uncompressed threshold is 1.02*1.05 ~= 1.071; a cost of
	// 1.01 must never be queued.
	n := s.UpdateFiles([]fragrecord.Record{{ShortPath: "/quiet", Size: 4096, Cost: 1.01}}, 0, now)
	if n != 0 {
		t.Fatalf("expected 0 newly queued, got %d", n)
	}
	if s.QueueLen() != 0 {
		t.Fatalf("expected empty queue, got %d", s.QueueLen())
	}
}

func TestUpdateFilesQueuesAboveThreshold(t *testing.T) {
	now := time.Now()
	s := New(nil, now)
	n := s.UpdateFiles([]fragrecord.Record{{ShortPath: "/hot", Size: 1 << 20, Cost: 5.0}}, 0, now)
	if n != 1 {
		t.Fatalf("expected 1 newly queued, got %d", n)
	}
	if s.QueueLen() != 1 {
		t.Fatalf("expected queue length 1, got %d", s.QueueLen())
	}
}

func TestUpdateFilesSkipsRecentlyDefragmented(t *testing.T) {
	now := time.Now()
	s := New(nil, now)
	s.UpdateFiles([]fragrecord.Record{{ShortPath: "/x", Size: 1 << 20, Cost: 5.0}}, 0, now)
	rec, ok := s.PopMostInteresting()
	if !ok || rec.ShortPath != "/x" {
		t.Fatalf("expected to pop /x, got %+v ok=%v", rec, ok)
	}
	s.Defragmented("/x")
	if !s.RecentlyDefragmented("/x") {
		t.Fatalf("expected /x to be recently defragmented")
	}
	// Re-measured again right away with an even higher cost: must still
	// be excluded until it decays out of the recently-defragmented set.
	n := s.UpdateFiles([]fragrecord.Record{{ShortPath: "/x", Size: 1 << 20, Cost: 50.0}}, 0, now)
	if n != 0 {
		t.Fatalf("expected /x to be excluded while recently defragmented, got n=%d", n)
	}
	if s.QueueLen() != 0 {
		t.Fatalf("expected /x absent from the queue while recently defragmented")
	}
}

func TestDefragmentedNeverLeavesFileBothQueuedAndRecent(t *testing.T) {
	now := time.Now()
	s := New(nil, now)
	s.UpdateFiles([]fragrecord.Record{{ShortPath: "/x", Size: 1 << 20, Cost: 5.0}}, 0, now)
	s.Defragmented("/x")
	if s.QueueLen() != 0 {
		t.Fatalf("expected /x removed from queue on defrag, queue length = %d", s.QueueLen())
	}
	if !s.RecentlyDefragmented("/x") {
		t.Fatalf("expected /x marked recently defragmented")
	}
}

func TestFileWrittenToIgnoredWhileRecentlyDefragmented(t *testing.T) {
	now := time.Now()
	s := New(nil, now)
	s.Defragmented("/x")
	s.FileWrittenTo("/x", now)
	if s.WriteTrackerLen() != 0 {
		t.Fatalf("expected write to recently-defragmented file to be ignored")
	}
}

func TestHistorizeCostAchievementFeedsThreshold(t *testing.T) {
	now := time.Now()
	s := New(nil, now)
	before := s.Threshold(fragrecord.Uncompressed)
	later := now.Add(CostComputeDelay + time.Second)
	for i := 0; i < 100; i++ {
		s.HistorizeCostAchievement(fragrecord.Uncompressed, 10.0, 8.0, 1<<20, later)
	}
	after := s.Threshold(fragrecord.Uncompressed)
	if after == before {
		t.Fatalf("expected threshold to move after enough history entries and CostComputeDelay elapsed")
	}
}

// TestConcurrentAccessDoesNotRace exercises the fragmentation-mutex and
// write-tracker-mutex paths from multiple goroutines simultaneously; run
// with -race to catch any data race.
func TestConcurrentAccessDoesNotRace(t *testing.T) {
	now := time.Now()
	s := New(nil, now)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				path := string(rune('a' + (i+g)%26))
				s.UpdateFiles([]fragrecord.Record{{ShortPath: path, Size: 1 << 20, Cost: 3.0}}, 0, now)
				s.FileWrittenTo(path, now)
				if rec, ok := s.PopMostInteresting(); ok {
					s.Defragmented(rec.ShortPath)
					s.HistorizeCostAchievement(rec.Class(), rec.Cost, 1.0, rec.Size, now)
				}
				s.DecayRecent(now)
				s.ConsolidateWrites(now, 30*time.Second)
			}
		}(g)
	}
	wg.Wait()
}
