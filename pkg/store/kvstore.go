// Package store persists the daemon's two kinds of cross-restart state:
// opaque per-filesystem blobs (the recently-defragmented set, slow-scan
// checkpoints) in a shared Pebble KV store, and structured
// cost-achievement history rows in SQLite.
package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	"github.com/btrfs-tools/defragd/pkg/config"
	"github.com/cockroachdb/pebble"
	"go.uber.org/fx"
)

// Module wires KVStore and HistoryStore into the application.
var Module = fx.Module("store",
	fx.Provide(NewKVStore),
	fx.Provide(NewHistoryStore),
)

// KVStore manages a single shared PebbleDB holding one opaque blob per
// (filesystem, kind) pair; "kind" is e.g. "recent" or "filecounts".
type KVStore struct {
	db     *pebble.DB
	logger *slog.Logger
}

type kvLogger struct{ logger *slog.Logger }

func (l kvLogger) Infof(format string, args ...interface{})  { l.logger.Debug(fmt.Sprintf(format, args...)) }
func (l kvLogger) Errorf(format string, args ...interface{}) { l.logger.Error(fmt.Sprintf(format, args...)) }
func (l kvLogger) Fatalf(format string, args ...interface{}) { l.logger.Error(fmt.Sprintf(format, args...)) }

// NewKVStore opens (creating if absent) the shared Pebble store under
// cfg.KVStorePath().
func NewKVStore(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*KVStore, error) {
	logger = logger.With("component", "kvstore")
	dir := cfg.KVStorePath()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create kv store directory: %w", err)
	}

	opts := &pebble.Options{
		Logger: kvLogger{logger},
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}

	s := &KVStore{db: db, logger: logger}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			logger.Info("closing kv store")
			return db.Close()
		},
	})
	return s, nil
}

func fsHashPrefix(fsPath string) string {
	h := sha256.Sum256([]byte(fsPath))
	return hex.EncodeToString(h[:8])
}

func blobKey(fsPath, kind string) []byte {
	return []byte("fs:" + fsHashPrefix(fsPath) + ":" + kind)
}

// Get returns the raw blob stored for (fsPath, kind), and false if absent.
func (s *KVStore) Get(fsPath, kind string) ([]byte, bool, error) {
	val, closer, err := s.db.Get(blobKey(fsPath, kind))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kvstore get %s/%s: %w", fsPath, kind, err)
	}
	defer closer.Close()
	return bytes.Clone(val), true, nil
}

// Put stores blob for (fsPath, kind), overwriting any prior value.
func (s *KVStore) Put(fsPath, kind string, blob []byte) error {
	if err := s.db.Set(blobKey(fsPath, kind), blob, pebble.Sync); err != nil {
		return fmt.Errorf("kvstore put %s/%s: %w", fsPath, kind, err)
	}
	return nil
}

// Delete removes every blob stored for fsPath, across all kinds.
func (s *KVStore) Delete(fsPath string) error {
	prefix := []byte("fs:" + fsHashPrefix(fsPath) + ":")
	upperBound := make([]byte, len(prefix))
	copy(upperBound, prefix)
	upperBound[len(upperBound)-1]++
	if err := s.db.DeleteRange(prefix, upperBound, pebble.Sync); err != nil {
		return fmt.Errorf("kvstore delete %s: %w", fsPath, err)
	}
	return nil
}
