package orchestrator

import (
	"bytes"
	"context"
	"os"
	"time"

	"github.com/btrfs-tools/defragd/pkg/extcmd"
	"github.com/btrfs-tools/defragd/pkg/fragrecord"
)

// MinDelayBetweenDefrags and MaxDelayBetweenDefrags bound the sleep
// between successive defrag attempts; the curve runs at full speed once
// the queue is at least 1% full.
const (
	MinDelayBetweenDefrags = 100 * time.Millisecond
	MaxDelayBetweenDefrags = 10 * time.Second
)

// admissionRetryDelay is how long the defrag loop waits before asking the
// usage-policy governor again after a denial.
const admissionRetryDelay = 2 * time.Second

func (o *Orchestrator) defragLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if !o.defragOnce(ctx) {
			if !sleepCtx(ctx, admissionRetryDelay) {
				return
			}
			continue
		}
		fill := o.state.QueueFill()
		delay := MaxDelayBetweenDefrags - time.Duration(fill*100*float64(MaxDelayBetweenDefrags-MinDelayBetweenDefrags))
		if delay < MinDelayBetweenDefrags {
			delay = MinDelayBetweenDefrags
		}
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// defragOnce pops the most interesting candidate and tries to act on it.
// It returns false when there was nothing to do or admission was denied,
// so the caller retries sooner than the normal between-defrags delay.
func (o *Orchestrator) defragOnce(ctx context.Context) bool {
	rec, ok := o.state.PopMostInteresting()
	if !ok {
		return false
	}
	abs := fullPath(o.fsRoot, rec.ShortPath)

	if _, err := os.Lstat(abs); err != nil {
		return true // file is gone; tracking already dropped by the pop
	}

	remeasured, found, err := o.remeasure(ctx, abs)
	if err != nil {
		o.logger.Error("re-measure before defrag failed", "path", rec.ShortPath, "error", err)
		return true
	}
	if !found {
		return true
	}
	if o.state.BelowThresholdCost(remeasured, 1.0) || o.state.RecentlyDefragmented(rec.ShortPath) {
		return true
	}

	mount := o.currentMount()
	expected := time.Duration(o.model.DefragTime(remeasured.Size, remeasured.Cost, o.state.AverageAchievedCost(remeasured.Class()), remeasured.Compressed) * float64(time.Second))

	if !o.governor.Available(time.Now(), o.state.QueueFill(), expected) {
		// Put it back so we don't lose the candidate while waiting for budget.
		o.state.UpdateFiles([]fragrecord.Record{remeasured}, 1.0, time.Now())
		return false
	}

	// Mark before launching: prevents a concurrent producer from
	// re-queuing the same file while the external defrag runs.
	o.state.Defragmented(rec.ShortPath)
	o.persistRecent()

	start := time.Now()
	err = extcmd.RunDefrag(ctx, abs, extcmd.DefragOptions{
		Compress:         mount.Compressed(),
		TargetExtentSize: o.cfg.TargetExtentSize,
	})
	actual := time.Since(start)
	if err != nil {
		o.logger.Error("defrag invocation failed", "path", rec.ShortPath, "error", err)
	}
	o.governor.RecordUsage(start, actual, expected)

	o.pending.Add(&pendingRecord{
		ShortPath:    rec.ShortPath,
		Class:        remeasured.Class(),
		Size:         remeasured.Size,
		StartCost:    remeasured.Cost,
		LastCost:     remeasured.Cost,
		QueuedAt:     time.Now(),
		LastImproved: time.Now(),
	})
	o.logger.Info("defragmented", "path", rec.ShortPath, "cost", remeasured.Cost, "duration", actual)
	return true
}

// remeasure runs the extent-listing tool against a single path and parses
// its verbose output into a fragmentation record, translating the absolute
// path back to a filesystem-relative short path.
func (o *Orchestrator) remeasure(ctx context.Context, abs string) (fragrecord.Record, bool, error) {
	out, rerr := extcmd.RunFilefrag(ctx, []string{abs})
	if rerr != nil {
		return fragrecord.Record{}, false, rerr
	}
	r, ok, perr := o.parser.ParseOne(bytes.NewReader(out))
	if perr != nil {
		return fragrecord.Record{}, false, perr
	}
	if !ok {
		return fragrecord.Record{}, false, nil
	}
	if short, ok := shortPath(o.fsRoot, r.ShortPath); ok {
		r.ShortPath = short
	}
	return r, true, nil
}

func (o *Orchestrator) postDefragStatLoop(ctx context.Context) {
	ticker := time.NewTicker(postDefragTickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweepPending(ctx)
		}
	}
}

func (o *Orchestrator) sweepPending(ctx context.Context) {
	now := time.Now()
	for _, p := range o.pending.Snapshot() {
		abs := fullPath(o.fsRoot, p.ShortPath)
		rec, found, err := o.remeasure(ctx, abs)
		if err != nil {
			o.logger.Error("post-defrag re-measure failed", "path", p.ShortPath, "error", err)
		}
		if found {
			p.observe(rec.Cost, now)
		} else if _, statErr := os.Lstat(abs); statErr != nil {
			// File vanished; settle immediately with whatever we last saw.
			o.pending.Remove(p.ShortPath)
			o.historize(p.Class, p.StartCost, p.LastCost, p.Size, now)
			continue
		}
		if p.settled(now) {
			o.pending.Remove(p.ShortPath)
			o.historize(p.Class, p.StartCost, p.LastCost, p.Size, now)
			continue
		}
		o.pending.Update(p)
	}
}
