package filesstate

import (
	"math/rand"
	"testing"
	"time"
)

func TestHistoryColdStartThreshold(t *testing.T) {
	now := time.Now()
	hu := NewHistory(0, now)
	hc := NewHistory(1, now)
	// The seed cost is a float64 variable so the product is rounded the
	// same way History.recompute rounds it (1.0710000000000002), not
	// constant-folded to the exact 1.071.
	uncompressedSeed := 1.02
	if want := uncompressedSeed * MinExpectedBenefit; hu.Threshold() != want {
		t.Fatalf("uncompressed cold-start threshold = %v, want %v", hu.Threshold(), want)
	}
	if hc.Threshold() != 2.65*MinExpectedBenefit {
		t.Fatalf("compressed cold-start threshold = %v, want %v", hc.Threshold(), 2.65*MinExpectedBenefit)
	}
}

func TestHistoryThresholdAtLeastQuantileTimesBenefit(t *testing.T) {
	now := time.Now()
	h := NewHistory(0, now)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		final := 1 + rng.Float64()*5
		h.Append(HistoryEntry{InitialCost: final * 1.5, FinalCost: final, SizeBytes: uint64(1 + rng.Intn(1<<20))}, now)
	}
	h.recompute(now) // force recompute past the throttle for this check
	if h.Threshold() < 1.0*MinExpectedBenefit {
		t.Fatalf("threshold %v implausibly low", h.Threshold())
	}
	// Threshold must always carry the MinExpectedBenefit factor over
	// whatever the unscaled weighted-quantile final cost was.
	entries := h.Entries()
	var maxFinal float64
	for _, e := range entries {
		if e.FinalCost > maxFinal {
			maxFinal = e.FinalCost
		}
	}
	if h.Threshold() > maxFinal*MinExpectedBenefit+1e-9 {
		t.Fatalf("threshold %v exceeds max final cost * benefit %v", h.Threshold(), maxFinal*MinExpectedBenefit)
	}
}

func TestHistoryCapsAtHistoryCap(t *testing.T) {
	now := time.Now()
	h := NewHistory(0, now)
	for i := 0; i < HistoryCap+500; i++ {
		h.Append(HistoryEntry{InitialCost: 2, FinalCost: 1.5, SizeBytes: 4096}, now)
	}
	if len(h.Entries()) != HistoryCap {
		t.Fatalf("history length = %d, want %d", len(h.Entries()), HistoryCap)
	}
}

func TestHistoryRecomputeThrottled(t *testing.T) {
	now := time.Now()
	h := NewHistory(0, now)
	before := h.Threshold()
	// A single append well within CostComputeDelay shouldn't move the
	// threshold even if it would otherwise change it.
	h.Append(HistoryEntry{InitialCost: 100, FinalCost: 90, SizeBytes: 1 << 30}, now.Add(time.Second))
	if h.Threshold() != before {
		t.Fatalf("threshold changed before CostComputeDelay elapsed: got %v want %v", h.Threshold(), before)
	}
	h.Append(HistoryEntry{InitialCost: 100, FinalCost: 90, SizeBytes: 1 << 30}, now.Add(CostComputeDelay+time.Second))
	if h.Threshold() == before {
		t.Fatalf("threshold did not recompute after CostComputeDelay elapsed")
	}
}

func TestHistoryAverageAchievedCostWithinRange(t *testing.T) {
	now := time.Now()
	h := NewHistory(0, now)
	for i := 0; i < 50; i++ {
		h.Append(HistoryEntry{InitialCost: 3.0, FinalCost: 1.2, SizeBytes: 1 << 20}, now)
	}
	h.recompute(now)
	avg := h.AverageAchievedCost()
	if avg < 1.0 || avg > 3.0 {
		t.Fatalf("average achieved cost %v outside plausible range", avg)
	}
}
