// Package orchestrator implements the per-filesystem orchestrator (C5,
// spec.md §4.5): four cooperating loops — slow scan, write consolidation,
// defrag, and post-defrag stat — running over one managed Btrfs mount's
// filesstate.FilesState, usagepolicy.Governor, and persisted history.
package orchestrator

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/btrfs-tools/defragd/pkg/config"
	"github.com/btrfs-tools/defragd/pkg/costmodel"
	"github.com/btrfs-tools/defragd/pkg/extentparser"
	"github.com/btrfs-tools/defragd/pkg/filesstate"
	"github.com/btrfs-tools/defragd/pkg/fragrecord"
	"github.com/btrfs-tools/defragd/pkg/mounttable"
	"github.com/btrfs-tools/defragd/pkg/store"
	"github.com/btrfs-tools/defragd/pkg/subvolume"
	"github.com/btrfs-tools/defragd/pkg/usagepolicy"
)

// SlowScanCatchupWait is how long the first slow-scan pass after a
// restart waits before starting, when a checkpoint from a prior run
// exists, so a reboot storm doesn't immediately hit every managed
// filesystem's disk at once.
const SlowScanCatchupWait = 600 * time.Second

// FSDetectPeriod is how often the Supervisor asks every orchestrator to
// re-detect its mount options (spec.md §4.6).
const FSDetectPeriod = 60 * time.Second

// Orchestrator runs the four loops of spec.md §4.5 for one managed Btrfs
// filesystem.
type Orchestrator struct {
	fsRoot string
	cfg    *config.Config
	logger *slog.Logger

	model    costmodel.Model
	parser   *extentparser.Parser
	governor *usagepolicy.Governor
	state    *filesstate.FilesState

	kv   *store.KVStore
	hist *store.HistoryStore

	mountMu sync.RWMutex
	mount   mounttable.Entry

	rwSubvolMu    sync.RWMutex
	rwSubvolPaths map[string]bool

	pending *pendingTracker

	slowScanPeriod time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an orchestrator for fsRoot, restoring any persisted history
// and recently-defragmented state so a restart doesn't reset the
// admission threshold back to cold start.
func New(fsRoot string, mount mounttable.Entry, cfg *config.Config, kv *store.KVStore, hist *store.HistoryStore, driveCount float64, logger *slog.Logger, now time.Time) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "orchestrator", "fs", fsRoot)

	model := costmodel.New(driveCount)
	parser := extentparser.New(model, logger)
	governor := usagepolicy.New(nil, cfg.SpeedMultiplier)

	snap := filesstate.Snapshot{}
	if blob, ok, err := kv.Get(fsRoot, "recent"); err != nil {
		logger.Error("load recent-defragmented state failed, starting empty", "error", err)
	} else if ok {
		if fs, err := decodeFuzzyState(blob); err != nil {
			logger.Error("corrupt recent-defragmented state, starting empty", "error", err)
		} else {
			snap.Recent = fs
		}
	}
	for _, class := range []fragrecord.Class{fragrecord.Uncompressed, fragrecord.Compressed} {
		entries, err := hist.LoadEntries(fsRoot, class, filesstate.HistoryCap)
		if err != nil {
			logger.Error("load cost-achievement history failed, starting cold", "class", class, "error", err)
			continue
		}
		converted := make([]filesstate.HistoryEntry, len(entries))
		for i, e := range entries {
			converted[i] = filesstate.HistoryEntry{InitialCost: e.InitialCost, FinalCost: e.FinalCost, SizeBytes: e.SizeBytes}
		}
		if class == fragrecord.Compressed {
			snap.CompressedEntries = converted
		} else {
			snap.UncompressedEntries = converted
		}
	}

	state := filesstate.Load(logger, snap, now)

	slowScanPeriod := time.Duration(cfg.FullScanTime * float64(time.Hour))
	if slowScanPeriod <= 0 {
		slowScanPeriod = 7 * 24 * time.Hour
	}

	return &Orchestrator{
		fsRoot:         fsRoot,
		cfg:            cfg,
		logger:         logger,
		model:          model,
		parser:         parser,
		governor:       governor,
		state:          state,
		kv:             kv,
		hist:           hist,
		mount:          mount,
		pending:        newPendingTracker(),
		slowScanPeriod: slowScanPeriod,
	}, nil
}

// Start launches the four main loops plus the recently-defragmented decay
// loop and returns immediately; they run until
// ctx is canceled or Stop is called.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	scanID := uuid.New().String()
	o.logger.Info("orchestrator starting", "scan_id", scanID)

	loops := []func(context.Context){
		o.slowScanLoop,
		o.writeConsolidationLoop,
		o.defragLoop,
		o.postDefragStatLoop,
		o.recentDecayLoop,
	}
	for _, loop := range loops {
		o.wg.Add(1)
		go func(fn func(context.Context)) {
			defer o.wg.Done()
			fn(ctx)
		}(loop)
	}
}

// Stop cancels all loops and waits for them to exit.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// RefreshMountOptions re-reads entry (typically sourced from the
// Supervisor's periodic mount-table scan) so the compress flag and commit
// delay used by the slow scan and defrag loops stay current across
// remounts.
func (o *Orchestrator) RefreshMountOptions(entry mounttable.Entry) {
	o.mountMu.Lock()
	defer o.mountMu.Unlock()
	o.mount = entry
}

func (o *Orchestrator) currentMount() mounttable.Entry {
	o.mountMu.RLock()
	defer o.mountMu.RUnlock()
	return o.mount
}

// refreshRWSubvolumes re-lists the managed filesystem's subvolumes so the
// slow scan can tell a genuine foreign mount apart from one of our own
// read-write subvolumes (spec.md §4.5): crossing into the latter must not
// stop the walk, since it's still ours to defrag.
func (o *Orchestrator) refreshRWSubvolumes() {
	subvols, err := subvolume.List(o.fsRoot)
	if err != nil {
		o.logger.Error("list subvolumes for rw-subvolume exemption", "error", err)
		return
	}
	paths := make(map[string]bool, len(subvols))
	for _, sv := range subvols {
		if sv.IsReadonly || sv.Path == "" {
			continue
		}
		paths[filepath.Join(o.fsRoot, sv.Path)] = true
	}
	o.rwSubvolMu.Lock()
	o.rwSubvolPaths = paths
	o.rwSubvolMu.Unlock()
}

func (o *Orchestrator) isOwnRWSubvolume(path string) bool {
	o.rwSubvolMu.RLock()
	defer o.rwSubvolMu.RUnlock()
	return o.rwSubvolPaths[path]
}

// NotifyWrite routes one write-event-stream path into the write tracker,
// translating it to its filesystem-relative short path first.
func (o *Orchestrator) NotifyWrite(absPath string, now time.Time) {
	short, ok := shortPath(o.fsRoot, absPath)
	if !ok {
		return
	}
	o.state.FileWrittenTo(short, now)
}

// Root returns the managed filesystem's mountpoint.
func (o *Orchestrator) Root() string { return o.fsRoot }

// QueueFill exposes the current combined queue occupancy.
func (o *Orchestrator) QueueFill() float64 { return o.state.QueueFill() }

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (o *Orchestrator) persistRecent() {
	blob, err := encodeFuzzyState(o.state.Snapshot().Recent)
	if err != nil {
		o.logger.Error("encode recent-defragmented state", "error", err)
		return
	}
	if err := o.kv.Put(o.fsRoot, "recent", blob); err != nil {
		o.logger.Error("persist recent-defragmented state", "error", err)
	}
}

// recentDecayLoop advances the recently-defragmented set's time decay on
// roughly filesstate.FuzzyTickPeriod cadence, so a file marked
// recently-defragmented eventually becomes eligible for requeueing again
// instead of staying excluded forever.
func (o *Orchestrator) recentDecayLoop(ctx context.Context) {
	ticker := time.NewTicker(filesstate.FuzzyTickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.state.DecayRecent(time.Now())
			o.persistRecent()
		}
	}
}

func (o *Orchestrator) historize(class fragrecord.Class, initial, final float64, size uint64, now time.Time) {
	o.state.HistorizeCostAchievement(class, initial, final, size, now)
	err := o.hist.AppendEntry(o.fsRoot, class, store.CostAchievementEntry{
		InitialCost: initial,
		FinalCost:   final,
		SizeBytes:   size,
	}, now)
	if err != nil {
		o.logger.Error("persist cost achievement", "error", err)
	}
}
