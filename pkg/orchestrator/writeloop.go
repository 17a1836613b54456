package orchestrator

import (
	"bytes"
	"context"
	"os"
	"time"

	"github.com/btrfs-tools/defragd/pkg/extcmd"
	"github.com/btrfs-tools/defragd/pkg/filesstate"
)

func (o *Orchestrator) writeConsolidationLoop(ctx context.Context) {
	ticker := time.NewTicker(filesstate.TrackedWrittenFilesConsolidationPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.consolidateWrites(ctx)
		}
	}
}

// writeOriginThresholdMultiplier lowers the admission bar for
// write-tracked files just enough that, over the long run, write-origin
// detection contributes no more than an equal share alongside the slow
// scan (spec.md §4.3).
func (o *Orchestrator) writeOriginThresholdMultiplier() float64 {
	ratio := o.slowScanPeriod.Seconds() / filesstate.IgnoreAfterDefragDelay.Seconds()
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}

func (o *Orchestrator) consolidateWrites(ctx context.Context) {
	mount := o.currentMount()
	events := o.state.ConsolidateWrites(time.Now(), mount.CommitDelay)
	if len(events) == 0 {
		return
	}

	var paths []string
	for _, ev := range events {
		abs := fullPath(o.fsRoot, ev.ShortPath)
		info, err := os.Lstat(abs)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		paths = append(paths, abs)
	}
	if len(paths) == 0 {
		return
	}

	mult := o.writeOriginThresholdMultiplier()
	for _, batch := range extcmd.BatchPaths(paths, 0) {
		out, err := extcmd.RunFilefrag(ctx, batch)
		if err != nil {
			o.logger.Error("filefrag write-consolidation batch failed", "count", len(batch), "error", err)
			continue
		}
		records, err := o.parser.ParseBatch(bytes.NewReader(out))
		if err != nil {
			o.logger.Error("parse write-consolidation batch", "error", err)
		}
		for i := range records {
			if short, ok := shortPath(o.fsRoot, records[i].ShortPath); ok {
				records[i].ShortPath = short
			}
		}
		n := o.state.UpdateFiles(records, mult, time.Now())
		if n > 0 {
			o.logger.Debug("write consolidation queued files", "newly_queued", n, "batch", len(batch))
		}
	}
}
