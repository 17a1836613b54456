// Package usagepolicy implements the usage policy checker (C4): a rolling
// I/O budget governor that admits or denies a prospective defrag based on
// how much time has already been spent inside a set of trailing windows,
// scaled down as the candidate queue empties out.
package usagepolicy

import (
	"sync"
	"time"
)

// Window is one trailing time window this governor enforces a budget
// fraction (Limit) over, before scaling by the configured speed
// multiplier.
type Window struct {
	Duration time.Duration
	Limit    float64
}

// DefaultWindows are the governor's two trailing windows: a short one that
// reacts quickly to a burst, and a longer one that smooths it out.
func DefaultWindows() []Window {
	return []Window{
		{Duration: 5 * time.Second, Limit: 0.5},
		{Duration: 60 * time.Second, Limit: 0.25},
	}
}

type usageInterval struct {
	start    time.Time
	duration time.Duration
}

// Governor tracks recent defrag usage and decides whether a new defrag of
// a given expected duration may proceed without exceeding any configured
// window's budget.
type Governor struct {
	mu              sync.Mutex
	windows         []Window
	speedMultiplier float64
	intervals       []usageInterval
}

// New returns a Governor enforcing windows, each scaled by speedMultiplier
// (defaults to 1.0 when <= 0). windows defaults to DefaultWindows() when
// nil.
func New(windows []Window, speedMultiplier float64) *Governor {
	if windows == nil {
		windows = DefaultWindows()
	}
	if speedMultiplier <= 0 {
		speedMultiplier = 1.0
	}
	return &Governor{windows: windows, speedMultiplier: speedMultiplier}
}

func useFactor(queueFill float64) float64 {
	if queueFill < 0 {
		queueFill = 0
	}
	if queueFill > 1 {
		queueFill = 1
	}
	return 0.2 + 0.8*queueFill
}

func (g *Governor) dropOlderThan(now time.Time, horizon time.Duration) {
	cutoff := now.Add(-horizon)
	i := 0
	for ; i < len(g.intervals); i++ {
		if g.intervals[i].start.Add(g.intervals[i].duration).After(cutoff) {
			break
		}
	}
	g.intervals = g.intervals[i:]
}

// overlap returns the length of the intersection of [aStart, aEnd) and
// [bStart, bEnd), or zero if they don't intersect.
func overlap(aStart, aEnd, bStart, bEnd time.Time) time.Duration {
	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	if end.After(start) {
		return end.Sub(start)
	}
	return 0
}

// windowSum sums each tracked interval's overlap with [windowEnd-window,
// windowEnd].
func (g *Governor) windowSum(windowEnd time.Time, window time.Duration) time.Duration {
	windowStart := windowEnd.Add(-window)
	var sum time.Duration
	for _, iv := range g.intervals {
		sum += overlap(iv.start, iv.start.Add(iv.duration), windowStart, windowEnd)
	}
	return sum
}

// Available reports whether a defrag expected to take expectedTime may
// proceed now, given queueFill (the fraction of MaxQueueLength currently
// occupied, used to taper usage down as the queue drains). Denial rule,
// per window: sum the overlap of every tracked interval with
// [now+expectedTime-W, now+expectedTime], then (sum + expectedTime) /
// useFactor(queueFill) must not exceed window.Limit * window.Duration
// (scaled by the speed multiplier).
func (g *Governor) Available(now time.Time, queueFill float64, expectedTime time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	uf := useFactor(queueFill)
	var longest time.Duration
	for _, w := range g.windows {
		if w.Duration > longest {
			longest = w.Duration
		}
	}
	g.dropOlderThan(now, longest)

	windowEnd := now.Add(expectedTime)
	for _, w := range g.windows {
		sum := g.windowSum(windowEnd, w.Duration)
		budget := time.Duration(float64(w.Duration) * w.Limit * g.speedMultiplier)
		if float64(sum+expectedTime)/uf > float64(budget) {
			return false
		}
	}
	return true
}

// RecordUsage records a completed defrag's actual duration, crediting at
// most min(actualDuration, 2*estimatedDuration) against the rolling
// windows — an estimate that was wildly exceeded doesn't get to blow the
// whole budget for the rest of the window.
func (g *Governor) RecordUsage(start time.Time, actualDuration, estimatedDuration time.Duration) {
	credited := actualDuration
	if cap := 2 * estimatedDuration; credited > cap {
		credited = cap
	}
	if credited < 0 {
		credited = 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intervals = append(g.intervals, usageInterval{start: start, duration: credited})
}
