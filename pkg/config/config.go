// Package config builds the daemon's immutable runtime configuration once
// at startup from CLI flags and environment overrides; nothing downstream
// reaches for a global, everything takes a *Config.
package config

import (
	"os"
	"path/filepath"
)

// AppName names the fallback store directory (".defragd" in the working
// directory) used when the home directory cannot be determined; otherwise
// the default store is ~/.btrfs_defrag.
const AppName = "defragd"

// Config is the daemon's complete, immutable runtime configuration.
type Config struct {
	// StoreDir holds the sqlite history database and the pebble KV store.
	StoreDir string

	LogLevel string

	// FullScanTime is the target period for one complete slow scan of a
	// filesystem, driving SLOW_SCAN_PERIOD.
	FullScanTime float64 // hours

	// TargetExtentSize is passed through to the external defrag tool's
	// -t flag (e.g. "32M"); empty means the tool's own default.
	TargetExtentSize string

	// SpeedMultiplier scales batch sizes, usage-policy budgets and sleep
	// curves up or down uniformly.
	SpeedMultiplier float64

	// SlowStart delays the first slow scan pass after startup so a
	// reboot storm doesn't immediately saturate every mounted filesystem.
	SlowStart float64 // seconds

	// DriveCount seeds the cost model's seek-time scaling when it can't
	// be auto-detected.
	DriveCount float64

	Verbose bool
	Debug   bool
}

// New builds a Config from CLI-parsed flag values, applying environment
// overrides and defaults for anything left unset.
func New(fullScanTime float64, targetExtentSize string, speedMultiplier, slowStart, driveCount float64, verbose, debug bool) *Config {
	cfg := &Config{
		StoreDir:         envOrDefault("DEFRAGD_STORE_DIR", defaultStoreDir()),
		LogLevel:         "warn",
		FullScanTime:     fullScanTime,
		TargetExtentSize: targetExtentSize,
		SpeedMultiplier:  speedMultiplier,
		SlowStart:        slowStart,
		DriveCount:       driveCount,
		Verbose:          verbose,
		Debug:            debug,
	}
	if cfg.FullScanTime <= 0 {
		cfg.FullScanTime = 7 * 24
	}
	if cfg.SpeedMultiplier <= 0 {
		cfg.SpeedMultiplier = 1.0
	}
	if cfg.SlowStart <= 0 {
		cfg.SlowStart = 1
	}
	if cfg.DriveCount <= 0 {
		cfg.DriveCount = 1
	}
	if debug {
		cfg.LogLevel = "debug"
	} else if verbose {
		cfg.LogLevel = "info"
	}
	os.MkdirAll(cfg.StoreDir, 0755)
	return cfg
}

func defaultStoreDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "."+AppName)
	}
	return filepath.Join(home, ".btrfs_defrag")
}

func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// HistoryDBPath is the sqlite database holding cost-achievement history.
func (c *Config) HistoryDBPath() string {
	return filepath.Join(c.StoreDir, "history.db")
}

// KVStorePath is the pebble store holding opaque per-filesystem blobs.
func (c *Config) KVStorePath() string {
	return filepath.Join(c.StoreDir, "kv")
}
