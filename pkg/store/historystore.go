package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/btrfs-tools/defragd/pkg/config"
	"github.com/btrfs-tools/defragd/pkg/fragrecord"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/fx"
)

// HistoryStore persists each filesystem's cost-achievement history rows in
// SQLite, so defragctl can report on it and a restart doesn't reset the
// admission threshold back to its cold-start seed.
type HistoryStore struct {
	conn   *sql.DB
	logger *slog.Logger
}

// NewHistoryStore opens the history database, running migrations if
// needed.
func NewHistoryStore(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*HistoryStore, error) {
	logger = logger.With("component", "historystore")

	if err := os.MkdirAll(filepath.Dir(cfg.HistoryDBPath()), 0755); err != nil {
		return nil, fmt.Errorf("create history db directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", cfg.HistoryDBPath())
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	hs := &HistoryStore{conn: conn, logger: logger}
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := hs.runMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logger.Info("history database initialized", "path", cfg.HistoryDBPath())
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			logger.Info("closing history database")
			return conn.Close()
		},
	})
	return hs, nil
}

// AppendEntry records one completed defrag's before/after cost for a
// filesystem's class history.
func (hs *HistoryStore) AppendEntry(fsPath string, class fragrecord.Class, e CostAchievementEntry, at time.Time) error {
	_, err := hs.conn.Exec(`
		INSERT INTO cost_achievements (fs_path, class, initial_cost, final_cost, size_bytes, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, fsPath, class.String(), e.InitialCost, e.FinalCost, e.SizeBytes, at.Unix())
	if err != nil {
		return fmt.Errorf("append cost achievement: %w", err)
	}
	return nil
}

// CostAchievementEntry mirrors filesstate.HistoryEntry for persistence,
// kept separate so the store package doesn't need to import filesstate.
type CostAchievementEntry struct {
	InitialCost float64
	FinalCost   float64
	SizeBytes   uint64
}

// LoadEntries returns the most recent up-to-limit entries for a
// filesystem's class history, oldest first, for seeding the in-memory
// history on startup.
func (hs *HistoryStore) LoadEntries(fsPath string, class fragrecord.Class, limit int) ([]CostAchievementEntry, error) {
	rows, err := hs.conn.Query(`
		SELECT initial_cost, final_cost, size_bytes
		FROM cost_achievements
		WHERE fs_path = ? AND class = ?
		ORDER BY id DESC
		LIMIT ?
	`, fsPath, class.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("load cost achievements: %w", err)
	}
	defer rows.Close()

	var entries []CostAchievementEntry
	for rows.Next() {
		var e CostAchievementEntry
		if err := rows.Scan(&e.InitialCost, &e.FinalCost, &e.SizeBytes); err != nil {
			return nil, fmt.Errorf("scan cost achievement: %w", err)
		}
		entries = append(entries, e)
	}
	// Reverse to oldest-first, since the query fetched newest-first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, rows.Err()
}

// ListRecent returns up to limit of the most recent entries of one class
// for fsPath, for defragctl's history report.
func (hs *HistoryStore) ListRecent(fsPath string, class fragrecord.Class, limit int) ([]CostAchievementEntryAt, error) {
	rows, err := hs.conn.Query(`
		SELECT initial_cost, final_cost, size_bytes, recorded_at
		FROM cost_achievements
		WHERE fs_path = ? AND class = ?
		ORDER BY id DESC
		LIMIT ?
	`, fsPath, class.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("list cost achievements: %w", err)
	}
	defer rows.Close()

	var entries []CostAchievementEntryAt
	for rows.Next() {
		var e CostAchievementEntryAt
		var recordedAt int64
		if err := rows.Scan(&e.InitialCost, &e.FinalCost, &e.SizeBytes, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan cost achievement: %w", err)
		}
		e.RecordedAt = time.Unix(recordedAt, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CostAchievementEntryAt is a history row with its recorded timestamp, for
// reporting.
type CostAchievementEntryAt struct {
	InitialCost float64
	FinalCost   float64
	SizeBytes   uint64
	RecordedAt  time.Time
}
