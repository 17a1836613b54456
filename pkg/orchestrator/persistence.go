package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/btrfs-tools/defragd/pkg/filesstate"
)

func unixOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// fuzzyStateWire is the JSON-serializable shape of filesstate.FuzzyState;
// []byte fields marshal as base64 under encoding/json, which is as good a
// wire format as any for an opaque bit array (spec.md §1 calls the
// on-disk codec out of scope: "any key/value codec works"). TTLSeconds and
// BitsPerEntry are carried alongside the bits themselves so a load against
// a changed layout is detected rather than silently misread.
type fuzzyStateWire struct {
	Bits         []byte `json:"bits"`
	LastTick     int64  `json:"last_tick_unix"`
	Size         int    `json:"size"`
	TTLSeconds   int64  `json:"ttl_seconds"`
	BitsPerEntry int    `json:"bits_per_entry"`
}

func encodeFuzzyState(s filesstate.FuzzyState) ([]byte, error) {
	w := fuzzyStateWire{
		Bits:         s.Bits,
		LastTick:     s.LastTick.Unix(),
		Size:         s.Size,
		TTLSeconds:   int64(s.TTL.Seconds()),
		BitsPerEntry: s.BitsPerEntry,
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshal recent-defragmented state: %w", err)
	}
	return b, nil
}

func decodeFuzzyState(blob []byte) (filesstate.FuzzyState, error) {
	var w fuzzyStateWire
	if err := json.Unmarshal(blob, &w); err != nil {
		return filesstate.FuzzyState{}, fmt.Errorf("unmarshal recent-defragmented state: %w", err)
	}
	return filesstate.FuzzyState{
		Bits:         w.Bits,
		LastTick:     unixOrZero(w.LastTick),
		Size:         w.Size,
		TTL:          time.Duration(w.TTLSeconds) * time.Second,
		BitsPerEntry: w.BitsPerEntry,
	}, nil
}

// checkpoint is the slow-scan progress persisted under the "filecounts"
// kind: how many of the last-known total files have been processed this
// pass, so a restart mid-scan can skip ahead instead of redoing work.
type checkpoint struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
}

func encodeCheckpoint(c checkpoint) ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal slow-scan checkpoint: %w", err)
	}
	return b, nil
}

func decodeCheckpoint(blob []byte) (checkpoint, error) {
	var c checkpoint
	if err := json.Unmarshal(blob, &c); err != nil {
		return checkpoint{}, fmt.Errorf("unmarshal slow-scan checkpoint: %w", err)
	}
	return c, nil
}
