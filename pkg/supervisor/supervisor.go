// Package supervisor implements the top-level Supervisor (C6, spec.md
// §4.6): it periodically re-reads the kernel mount table, starts and stops
// one orchestrator.Orchestrator per managed Btrfs filesystem, and routes
// the single global write-event stream to whichever orchestrator owns the
// longest matching path prefix.
package supervisor

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/fx"

	"github.com/btrfs-tools/defragd/pkg/config"
	"github.com/btrfs-tools/defragd/pkg/extcmd"
	"github.com/btrfs-tools/defragd/pkg/mounttable"
	"github.com/btrfs-tools/defragd/pkg/orchestrator"
	"github.com/btrfs-tools/defragd/pkg/store"
	"github.com/btrfs-tools/defragd/pkg/subvolume"
	"github.com/btrfs-tools/defragd/pkg/writeevents"
)

// Module wires the Supervisor into the application, starting it on
// fx.Lifecycle OnStart and stopping every managed orchestrator on OnStop.
var Module = fx.Module("supervisor",
	fx.Provide(New),
	fx.Invoke(registerLifecycle),
)

// managed is one currently-running orchestrator plus the mount entry it
// was last started or refreshed with.
type managed struct {
	orch  *orchestrator.Orchestrator
	entry mounttable.Entry
}

// Supervisor discovers managed Btrfs filesystems and keeps one
// orchestrator.Orchestrator running per filesystem, routing write events
// to the correct one.
type Supervisor struct {
	cfg    *config.Config
	kv     *store.KVStore
	hist   *store.HistoryStore
	logger *slog.Logger

	mu      sync.RWMutex
	managed map[string]*managed // keyed by mountpoint
	remaps  map[string]string   // other mountpoint of a managed device -> its managed root

	writeCh chan writeevents.Event
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Supervisor; it does not start anything until Start is called.
func New(cfg *config.Config, kv *store.KVStore, hist *store.HistoryStore, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		kv:      kv,
		hist:    hist,
		logger:  logger.With("component", "supervisor"),
		managed: make(map[string]*managed),
		remaps:  make(map[string]string),
		writeCh: make(chan writeevents.Event, 256),
	}
}

func registerLifecycle(lc fx.Lifecycle, sup *Supervisor) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			sup.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			sup.Stop()
			return nil
		},
	})
}

// Start launches the mount-detection loop, the write-event ingest, and the
// write-routing loop. It returns immediately.
func (s *Supervisor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(3)
	go func() { defer s.wg.Done(); s.detectLoop(ctx) }()
	go func() { defer s.wg.Done(); writeevents.Ingest(ctx, s.logger, extcmd.DefragBinary, nil, s.writeCh) }()
	go func() { defer s.wg.Done(); s.routeWritesLoop(ctx) }()
}

// Stop cancels every loop, waits for them to exit, then stops every
// managed orchestrator.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for root, m := range s.managed {
		s.logger.Info("stopping orchestrator", "fs", root)
		m.orch.Stop()
	}
	s.managed = make(map[string]*managed)
}

func (s *Supervisor) detectLoop(ctx context.Context) {
	if s.cfg.SlowStart > 0 {
		if !sleepCtx(ctx, time.Duration(s.cfg.SlowStart*float64(time.Second))) {
			return
		}
	}
	for {
		if ctx.Err() != nil {
			return
		}
		s.detectOnce(ctx)
		if !sleepCtx(ctx, orchestrator.FSDetectPeriod) {
			return
		}
	}
}

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

// detectOnce re-reads the mount table and reconciles the set of managed
// orchestrators: starts one for every newly-discovered top-volume Btrfs
// mount without autodefrag, refreshes mount options on survivors, and
// stops any whose mount has disappeared.
func (s *Supervisor) detectOnce(ctx context.Context) {
	entries, err := mounttable.ReadBtrfsMounts("")
	if err != nil {
		s.logger.Error("read mount table", "error", err)
		return
	}

	mountedPaths := make(map[string]bool, len(entries))
	for _, e := range entries {
		mountedPaths[e.MountPoint] = true
	}

	wanted := make(map[string]mounttable.Entry)
	for _, e := range entries {
		if e.Autodefrag {
			s.logger.Debug("skipping autodefrag mount", "fs", e.MountPoint)
			continue
		}
		top, err := subvolume.IsTopVolume(e.MountPoint, mountedPaths)
		if err != nil {
			s.logger.Error("check top volume", "fs", e.MountPoint, "error", err)
			continue
		}
		if !top {
			continue
		}
		wanted[e.MountPoint] = e
	}

	// deviceToRoot picks one managed root per physical device (the common
	// case is exactly one), so that writes observed under any other
	// mountpoint of the same device — a rw subvolume mounted elsewhere in
	// the tree — can still be routed to the orchestrator that owns it.
	roots := make([]string, 0, len(wanted))
	for root := range wanted {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	deviceToRoot := make(map[string]string, len(roots))
	for _, root := range roots {
		dev := wanted[root].Device
		if _, ok := deviceToRoot[dev]; !ok {
			deviceToRoot[dev] = root
		}
	}
	remaps := make(map[string]string)
	for _, e := range entries {
		if _, ok := wanted[e.MountPoint]; ok {
			continue
		}
		if root, ok := deviceToRoot[e.Device]; ok {
			remaps[e.MountPoint] = root
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.remaps = remaps

	for root, m := range s.managed {
		if _, ok := wanted[root]; !ok {
			s.logger.Info("filesystem no longer mounted, stopping orchestrator", "fs", root)
			m.orch.Stop()
			delete(s.managed, root)
		}
	}

	for root, entry := range wanted {
		if m, ok := s.managed[root]; ok {
			m.orch.RefreshMountOptions(entry)
			m.entry = entry
			continue
		}
		driveCount := s.cfg.DriveCount
		if n, err := subvolume.DriveCount(root); err == nil && n > 0 {
			driveCount = float64(n)
		}
		orch, err := orchestrator.New(root, entry, s.cfg, s.kv, s.hist, driveCount, s.logger, time.Now())
		if err != nil {
			s.logger.Error("build orchestrator", "fs", root, "error", err)
			continue
		}
		s.logger.Info("managing new filesystem", "fs", root, "drive_count", driveCount)
		orch.Start(ctx)
		s.managed[root] = &managed{orch: orch, entry: entry}
	}
}

// routeWritesLoop drains the global write-event channel, dispatching each
// absolute path to the orchestrator whose mountpoint is its longest
// matching prefix.
func (s *Supervisor) routeWritesLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.writeCh:
			if !ok {
				return
			}
			s.routeWrite(ev.Path, time.Now())
		}
	}
}

func (s *Supervisor) routeWrite(absPath string, now time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	root, ok := resolveWriteRoot(absPath, s.managed, s.remaps)
	if !ok {
		return
	}
	s.managed[root].orch.NotifyWrite(absPath, now)
}

// resolveWriteRoot finds which managed root owns absPath: the longest
// matching prefix among the managed roots themselves and every remapped
// mountpoint of the same device, then resolves a remap hit back to its
// owning root.
func resolveWriteRoot(absPath string, managed map[string]*managed, remaps map[string]string) (string, bool) {
	candidates := make([]string, 0, len(managed)+len(remaps))
	for root := range managed {
		candidates = append(candidates, root)
	}
	for mp := range remaps {
		candidates = append(candidates, mp)
	}
	match, ok := longestPrefixMatch(absPath, candidates)
	if !ok {
		return "", false
	}
	root := match
	if owner, remapped := remaps[match]; remapped {
		root = owner
	}
	if _, ok := managed[root]; !ok {
		return "", false
	}
	return root, true
}

// longestPrefixMatch returns the entry in candidates under which absPath
// falls, preferring the longest (most specific) match. candidates is the
// union of managed roots and remapped mountpoints of the same device, so
// a write observed under a rw-subvolume mount of a managed filesystem —
// not just the managed root's own path — still resolves to a candidate.
func longestPrefixMatch(absPath string, candidates []string) (string, bool) {
	var best string
	found := false
	for _, c := range candidates {
		if c != absPath && !strings.HasPrefix(absPath, strings.TrimRight(c, "/")+"/") {
			continue
		}
		if !found || len(c) > len(best) {
			best = c
			found = true
		}
	}
	return best, found
}

// Status returns the mountpoints currently being managed, sorted for
// stable reporting.
func (s *Supervisor) Status() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.managed))
	for root := range s.managed {
		out = append(out, root)
	}
	sort.Strings(out)
	return out
}

// Orchestrator returns the orchestrator managing fsRoot, if any.
func (s *Supervisor) Orchestrator(fsRoot string) (*orchestrator.Orchestrator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.managed[fsRoot]
	if !ok {
		return nil, false
	}
	return m.orch, true
}
