package writeevents

import "testing"

func TestParseLineWriteEvent(t *testing.T) {
	ev, ok := parseLine(`rsync(1234): W   /mnt/data/file.bin`, "defragd")
	if !ok {
		t.Fatalf("expected line to parse")
	}
	if ev.Path != "/mnt/data/file.bin" {
		t.Errorf("path = %q", ev.Path)
	}
}

func TestParseLineFiltersSelf(t *testing.T) {
	_, ok := parseLine(`defragd(42): W   /mnt/data/whatever`, "defragd")
	if ok {
		t.Fatalf("expected self-originated writes to be filtered")
	}
}

func TestParseLineRequiresWriteFlag(t *testing.T) {
	_, ok := parseLine(`cat(99): R   /mnt/data/readonly`, "defragd")
	if ok {
		t.Fatalf("expected read-only event to be rejected")
	}
}

func TestParseLineCombinedFlags(t *testing.T) {
	ev, ok := parseLine(`cp(55): RW   /mnt/data/copy.bin`, "defragd")
	if !ok {
		t.Fatalf("expected combined flags line carrying W to parse")
	}
	if ev.Path != "/mnt/data/copy.bin" {
		t.Errorf("path = %q", ev.Path)
	}
}

func TestParseLineMalformed(t *testing.T) {
	if _, ok := parseLine("not a fatrace line at all", "defragd"); ok {
		t.Fatalf("expected malformed line to be rejected")
	}
}
