package orchestrator

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/btrfs-tools/defragd/pkg/extcmd"
)

// MinFilesBatchSize is the slow scan's starting batch size; it grows as
// the scan falls behind schedule.
const MinFilesBatchSize = 50

// maxFilesBatchSizeBase is MAX_FILES_BATCH_SIZE before the speed
// multiplier scales it.
const maxFilesBatchSizeBase = 250

// noDefragMarker is the per-directory blacklist file: any path under a
// directory containing it is pruned from the scan.
const noDefragMarker = ".no_defrag"

// minSkipSize is the smallest file size worth considering; anything at or
// below it can't meaningfully fragment enough to matter.
const minSkipSize = 4096

func (o *Orchestrator) slowScanLoop(ctx context.Context) {
	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		passStart := time.Now()
		o.runSlowScanPass(ctx, first)
		first = false
		if ctx.Err() != nil {
			return
		}
		elapsed := time.Since(passStart)
		if remaining := o.slowScanPeriod - elapsed; remaining > 0 {
			if !sleepCtx(ctx, remaining) {
				return
			}
		}
	}
}

func (o *Orchestrator) loadCheckpoint() checkpoint {
	blob, ok, err := o.kv.Get(o.fsRoot, "filecounts")
	if err != nil {
		o.logger.Error("load slow-scan checkpoint, starting fresh", "error", err)
		return checkpoint{}
	}
	if !ok {
		return checkpoint{}
	}
	cp, err := decodeCheckpoint(blob)
	if err != nil {
		o.logger.Error("corrupt slow-scan checkpoint, starting fresh", "error", err)
		return checkpoint{}
	}
	return cp
}

func (o *Orchestrator) saveCheckpoint(cp checkpoint) {
	blob, err := encodeCheckpoint(cp)
	if err != nil {
		o.logger.Error("encode slow-scan checkpoint", "error", err)
		return
	}
	if err := o.kv.Put(o.fsRoot, "filecounts", blob); err != nil {
		o.logger.Error("persist slow-scan checkpoint", "error", err)
	}
}

// runSlowScanPass performs one complete recursive traversal of the
// filesystem, batching survivors and feeding them through the extent
// parser into FilesState.
func (o *Orchestrator) runSlowScanPass(ctx context.Context, firstEver bool) {
	o.refreshRWSubvolumes()
	cp := o.loadCheckpoint()
	skipN := 0
	if firstEver && cp.Total > 0 {
		o.logger.Info("resuming slow scan after restart", "skip", cp.Processed, "total", cp.Total)
		if !sleepCtx(ctx, SlowScanCatchupWait) {
			return
		}
		skipN = cp.Processed
	}

	deadline := time.Now().Add(o.slowScanPeriod)
	targetBatch := MinFilesBatchSize
	maxBatch := int(maxFilesBatchSizeBase * o.cfg.SpeedMultiplier)
	if maxBatch < MinFilesBatchSize {
		maxBatch = MinFilesBatchSize
	}
	minDelay := time.Duration(5/o.cfg.SpeedMultiplier*1000) * time.Millisecond
	const maxDelay = 180 * time.Second

	var batch []string
	seen := 0
	processed := skipN
	lastCheckpointProcessed := skipN
	lastCheckpointTotal := cp.Total
	estimatedTotal := cp.Total
	if estimatedTotal < 1 {
		estimatedTotal = 1
	}

	flush := func() {
		if len(batch) == 0 {
			return
		}
		batchStart := time.Now()
		o.scanAndUpdate(ctx, batch)
		cpuTime := time.Since(batchStart)
		processed += len(batch)
		batch = batch[:0]

		remainingFiles := estimatedTotal - processed
		if remainingFiles < targetBatch {
			remainingFiles = targetBatch
		}
		remainingTime := time.Until(deadline)
		perBatch := time.Duration(0)
		if remainingFiles > 0 {
			perBatch = time.Duration(int64(remainingTime) * int64(targetBatch) / int64(remainingFiles))
		}
		delay := perBatch - cpuTime
		if delay < minDelay {
			delay = minDelay
		}
		if delay > maxDelay {
			delay = maxDelay
		}

		if remainingTime < 0 && targetBatch < maxBatch {
			targetBatch = min(int(float64(targetBatch)*1.1)+1, maxBatch)
		}

		delta := processed - lastCheckpointProcessed
		regressed := processed < lastCheckpointProcessed
		totalChanged := estimatedTotal != lastCheckpointTotal
		advancedPast1Pct := estimatedTotal > 0 && delta > 0 && float64(delta)/float64(estimatedTotal) > 0.01
		if regressed || totalChanged || advancedPast1Pct {
			o.saveCheckpoint(checkpoint{Processed: processed, Total: estimatedTotal})
			lastCheckpointProcessed = processed
			lastCheckpointTotal = estimatedTotal
		}

		sleepCtx(ctx, delay)
	}

	walkErr := filepath.WalkDir(o.fsRoot, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return filepath.SkipAll
		}
		if err != nil {
			return nil // transient I/O: skip this entry, keep walking
		}
		if d.IsDir() {
			if path != o.fsRoot && o.shouldPruneDir(path) {
				return filepath.SkipDir
			}
			return nil
		}

		seen++
		estimatedTotal = seen + (estimatedTotal - processed)
		if seen <= skipN {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		short, ok := shortPath(o.fsRoot, path)
		if !ok || !utf8.ValidString(short) {
			return nil
		}
		if o.state.RecentlyDefragmented(short) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Size() <= minSkipSize {
			return nil
		}
		mount := o.currentMount()
		freshness := mount.CommitDelay + 5*time.Second
		if time.Since(info.ModTime()) < freshness || time.Since(changeTime(info)) < freshness {
			return nil
		}

		batch = append(batch, path)
		argBatches := extcmd.BatchPaths(batch, 0)
		if len(batch) >= targetBatch || len(argBatches) > 1 {
			flush()
		}
		return nil
	})
	if walkErr != nil {
		o.logger.Error("slow scan walk failed", "error", walkErr)
	}
	flush()

	o.saveCheckpoint(checkpoint{Processed: processed, Total: seen})
	o.logger.Info("slow scan pass complete", "processed", processed, "total", seen)
}

// shouldPruneDir reports whether path should be excluded from the slow
// scan: either it carries the .no_defrag blacklist marker itself, or it's
// a mount boundary that is not one of our own filesystem's read-write
// subvolumes. A boundary that is one of our rw subvolumes (per the most
// recent refreshRWSubvolumes listing) is still ours to defrag and must
// keep being walked; everything else crossing a device boundary is a
// foreign mount (spec.md §4.5).
func (o *Orchestrator) shouldPruneDir(path string) bool {
	if _, err := os.Lstat(filepath.Join(path, noDefragMarker)); err == nil {
		return true
	}
	if !isMountPoint(path) {
		return false
	}
	return !o.isOwnRWSubvolume(path)
}

func isMountPoint(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	parentInfo, err := os.Lstat(filepath.Dir(path))
	if err != nil {
		return false
	}
	infoSys, ok1 := info.Sys().(*syscall.Stat_t)
	parentSys, ok2 := parentInfo.Sys().(*syscall.Stat_t)
	if !ok1 || !ok2 {
		return false
	}
	return infoSys.Dev != parentSys.Dev
}

// changeTime extracts ctime from a directory entry's os.FileInfo on
// Linux; falls back to ModTime when the underlying Sys() isn't a
// syscall.Stat_t.
func changeTime(info fs.FileInfo) time.Time {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime()
	}
	return time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
}

func (o *Orchestrator) scanAndUpdate(ctx context.Context, paths []string) {
	for _, sub := range extcmd.BatchPaths(paths, 0) {
		out, err := extcmd.RunFilefrag(ctx, sub)
		if err != nil {
			o.logger.Error("filefrag batch failed", "count", len(sub), "error", err)
			continue
		}
		records, err := o.parser.ParseBatch(bytes.NewReader(out))
		if err != nil {
			o.logger.Error("parse filefrag batch", "error", err)
		}
		for i := range records {
			short, ok := shortPath(o.fsRoot, records[i].ShortPath)
			if ok {
				records[i].ShortPath = short
			}
		}
		n := o.state.UpdateFiles(records, 1.0, time.Now())
		if n > 0 {
			o.logger.Debug("slow scan queued files", "newly_queued", n, "batch", len(sub))
		}
	}
}
