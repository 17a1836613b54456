package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"go.uber.org/fx"

	"github.com/btrfs-tools/defragd/pkg/config"
	"github.com/btrfs-tools/defragd/pkg/fragmap"
	"github.com/btrfs-tools/defragd/pkg/fragrecord"
	"github.com/btrfs-tools/defragd/pkg/store"
	"github.com/btrfs-tools/defragd/pkg/subvolume"
)

// CLI is the root command structure for the read-only inspector. It never
// starts the daemon's loops; it only reads what the daemon has already
// persisted (SPEC_FULL.md §12 supplemented features).
type CLI struct {
	Status  StatusCmd  `cmd:"" help:"Show which persisted state and history exist for a managed filesystem"`
	History HistoryCmd `cmd:"" help:"Show recent cost-achievement history for a filesystem class"`
	Subvol  SubvolCmd  `cmd:"" help:"List subvolumes of a btrfs filesystem"`
	FragFS  FragFSCmd  `cmd:"" name:"frag-fs" help:"Report free-space fragmentation for a btrfs filesystem"`
}

// recorderLifecycle captures fx.Hooks so a CLI command can open an
// fx.Provide constructor (which expects an fx.Lifecycle) without standing
// up a whole fx.App; its OnStop hooks are run manually at the end of the
// command instead of at app shutdown.
type recorderLifecycle struct {
	hooks []fx.Hook
}

func (r *recorderLifecycle) Append(h fx.Hook) { r.hooks = append(r.hooks, h) }

func (r *recorderLifecycle) Close(ctx context.Context) {
	for i := len(r.hooks) - 1; i >= 0; i-- {
		if r.hooks[i].OnStop != nil {
			_ = r.hooks[i].OnStop(ctx)
		}
	}
}

func openStores(cfg *config.Config) (*store.KVStore, *store.HistoryStore, func(), error) {
	lc := &recorderLifecycle{}
	logger := makeLogger(cfg.LogLevel)

	kv, err := store.NewKVStore(lc, cfg, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open kv store: %w", err)
	}
	hist, err := store.NewHistoryStore(lc, cfg, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open history store: %w", err)
	}
	return kv, hist, func() { lc.Close(context.Background()) }, nil
}

// StatusCmd reports, for one managed filesystem, whether a
// recently-defragmented state blob and a slow-scan checkpoint are persisted
// and whether any cost-achievement history rows exist per class. It does
// not report sizes, row counts or queue depth.
type StatusCmd struct {
	FSRoot string `arg:"" help:"Mountpoint of the managed filesystem"`
}

func (c *StatusCmd) Run(cli *CLI) error {
	cfg := config.New(0, "", 0, 0, 0, false, false)
	kv, hist, closeFn, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.SetTitle("Status: " + c.FSRoot)

	if _, ok, err := kv.Get(c.FSRoot, "recent"); err != nil {
		t.AppendRow(table.Row{"Recently-defragmented state", fmt.Sprintf("error: %v", err)})
	} else {
		t.AppendRow(table.Row{"Recently-defragmented state persisted", ok})
	}
	if _, ok, err := kv.Get(c.FSRoot, "filecounts"); err != nil {
		t.AppendRow(table.Row{"Slow-scan checkpoint", fmt.Sprintf("error: %v", err)})
	} else {
		t.AppendRow(table.Row{"Slow-scan checkpoint persisted", ok})
	}

	for _, class := range []fragrecord.Class{fragrecord.Uncompressed, fragrecord.Compressed} {
		entries, err := hist.LoadEntries(c.FSRoot, class, 1)
		if err != nil {
			t.AppendRow(table.Row{class.String() + " history", fmt.Sprintf("error: %v", err)})
			continue
		}
		t.AppendRow(table.Row{class.String() + " history rows seen", len(entries) > 0})
	}
	t.Render()
	return nil
}

// HistoryCmd renders the last N cost-achievement entries recorded for a
// filesystem's compression class.
type HistoryCmd struct {
	FSRoot string `arg:"" help:"Mountpoint of the managed filesystem"`
	Class  string `arg:"" enum:"uncompressed,compressed" help:"Compression class"`
	Limit  int    `short:"n" default:"20" help:"Number of most recent entries to show"`
}

func (c *HistoryCmd) Run(cli *CLI) error {
	cfg := config.New(0, "", 0, 0, 0, false, false)
	_, hist, closeFn, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	class := fragrecord.Uncompressed
	if c.Class == "compressed" {
		class = fragrecord.Compressed
	}

	entries, err := hist.ListRecent(c.FSRoot, class, c.Limit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("no history recorded")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.SetTitle(fmt.Sprintf("%s history: %s", c.Class, c.FSRoot))
	t.AppendHeader(table.Row{"Recorded", "Initial cost", "Final cost", "Reduction", "Size"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})
	for _, e := range entries {
		reduction := 0.0
		if e.InitialCost > 0 {
			reduction = (1 - e.FinalCost/e.InitialCost) * 100
		}
		t.AppendRow(table.Row{
			e.RecordedAt.Format("2006-01-02 15:04:05"),
			fmt.Sprintf("%.3f", e.InitialCost),
			fmt.Sprintf("%.3f", e.FinalCost),
			fmt.Sprintf("%.1f%%", reduction),
			humanize.IBytes(e.SizeBytes),
		})
	}
	t.Render()
	return nil
}

// SubvolCmd lists the subvolumes of a btrfs filesystem via the native
// ioctl tree search, showing each one's ID, path and read-only flag. It
// does not evaluate the Supervisor's top-volume check.
type SubvolCmd struct {
	Path string `arg:"" help:"Path to btrfs filesystem mount point"`
}

func (c *SubvolCmd) Run(cli *CLI) error {
	subvols, err := subvolume.List(c.Path)
	if err != nil {
		return fmt.Errorf("list subvolumes: %w", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "Path", "RO"})
	for _, sv := range subvols {
		ro := ""
		if sv.IsReadonly {
			ro = "ro"
		}
		t.AppendRow(table.Row{sv.ID, sv.Path, ro})
	}
	t.Render()
	return nil
}

// FragFSCmd reports free-space fragmentation per device, reusing the
// same chunk-tree scan the Supervisor uses to auto-detect drive count.
type FragFSCmd struct {
	Path string `arg:"" help:"Path to btrfs filesystem mount point"`
}

func (c *FragFSCmd) Run(cli *CLI) error {
	scanner, err := fragmap.NewScanner(c.Path)
	if err != nil {
		return fmt.Errorf("open filesystem: %w", err)
	}
	defer scanner.Close()

	layout, err := scanner.Scan()
	if err != nil {
		return fmt.Errorf("scan filesystem: %w", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.SetTitle("Devices: " + c.Path)
	t.AppendHeader(table.Row{"ID", "Path", "Free regions", "Largest free"})
	for _, dev := range layout.Devices {
		regions, err := layout.RegionsFor(dev.ID)
		if err != nil {
			continue
		}
		stats := regions.Stats()
		t.AppendRow(table.Row{
			dev.ID,
			dev.Path,
			stats.NumFreeRegions,
			humanize.IBytes(stats.LargestFree),
		})
	}
	t.Render()
	return nil
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("defragctl"),
		kong.Description("Read-only inspector for the defragd daemon's persisted state"),
		kong.UsageOnError(),
	)
	err := ctx.Run(cli)
	ctx.FatalIfErrorf(err)
}

func makeLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
