package orchestrator

import (
	"testing"
	"time"

	"github.com/btrfs-tools/defragd/pkg/filesstate"
)

func TestFuzzyStateRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0)
	want := filesstate.FuzzyState{Bits: []byte{0x01, 0xff, 0x00}, LastTick: now, Size: 3}

	blob, err := encodeFuzzyState(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeFuzzyState(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Size != want.Size || !got.LastTick.Equal(want.LastTick) || string(got.Bits) != string(want.Bits) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestFuzzyStateZeroTick(t *testing.T) {
	blob, err := encodeFuzzyState(filesstate.FuzzyState{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeFuzzyState(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.LastTick.IsZero() {
		t.Fatalf("expected zero LastTick to round-trip as zero, got %v", got.LastTick)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	want := checkpoint{Processed: 1234, Total: 5000}
	blob, err := encodeCheckpoint(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeCheckpoint(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != want {
		t.Fatalf("checkpoint round trip = %+v, want %+v", got, want)
	}
}

func TestDecodeCheckpointCorrupt(t *testing.T) {
	if _, err := decodeCheckpoint([]byte("not json")); err == nil {
		t.Fatalf("expected error decoding corrupt checkpoint")
	}
}
