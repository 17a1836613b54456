package main

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/btrfs-tools/defragd/pkg/config"
	"github.com/btrfs-tools/defragd/pkg/store"
	"github.com/btrfs-tools/defragd/pkg/supervisor"
)

// CLI is the root command structure for the defrag daemon.
type CLI struct {
	Verbose bool `short:"v" help:"Log at info level instead of warn."`
	Debug   bool `short:"d" help:"Log at debug level."`

	FullScanTime     float64 `name:"full-scan-time" default:"168" help:"Target hours for one complete slow scan of each managed filesystem."`
	TargetExtentSize string  `name:"target-extent-size" help:"Passed to the external defrag tool's -t flag (e.g. 32M); empty uses the tool's default."`
	SpeedMultiplier  float64 `name:"speed-multiplier" default:"1.0" help:"Scale batch sizes and usage-policy budgets."`
	SlowStart        float64 `name:"slow-start" default:"60" help:"Seconds to wait before the first slow scan pass after startup."`
	DriveCount       float64 `name:"drive-count" default:"1" help:"Fallback drive count when it can't be auto-detected from the chunk tree."`
}

func (c *CLI) Run() error {
	app := fx.New(
		fx.Provide(
			func() *config.Config {
				return config.New(c.FullScanTime, c.TargetExtentSize, c.SpeedMultiplier, c.SlowStart, c.DriveCount, c.Verbose, c.Debug)
			},
			provideLogger,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),
		store.Module,
		supervisor.Module,
	)

	app.Run()
	return nil
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("defragd"),
		kong.Description("Online Btrfs defragmentation daemon"),
		kong.UsageOnError(),
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}

func provideLogger(cfg *config.Config) *slog.Logger {
	return makeLogger(cfg.LogLevel)
}

func makeLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelWarn
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
