package extentparser

import (
	"fmt"
	"strings"
	"testing"

	"github.com/btrfs-tools/defragd/pkg/costmodel"
)

func synthesizeListing(path string, sizeBytes uint64, extents [][2]uint64, flags []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "File size of %s is %d (some blocks of 4096 bytes)\n", path, sizeBytes)
	sb.WriteString(" ext: logical_offset: physical_offset: length: expected: flags:\n")
	logical := uint64(0)
	for i, e := range extents {
		start, end := e[0], e[1]
		length := end - start + 1
		flag := ""
		if i < len(flags) {
			flag = flags[i]
		}
		fmt.Fprintf(&sb, "%4d: %8d..%8d: %8d..%8d: %6d: %s\n", i, logical, logical+length-1, start, end, length, flag)
		logical += length
	}
	fmt.Fprintf(&sb, "%s: %d extents found\n", path, len(extents))
	return sb.String()
}

func TestParseSingleExtentFile(t *testing.T) {
	// E1: 1 MiB file, one extent starting at block 1000.
	listing := synthesizeListing("/a/b/file1", 1048576, [][2]uint64{{1000, 1255}}, nil)
	p := New(costmodel.New(1), nil)
	rec, ok, err := p.ParseOne(strings.NewReader(listing))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if !ok {
		t.Fatalf("expected a record")
	}
	if rec.Size != 1048576 {
		t.Fatalf("size = %d, want 1048576", rec.Size)
	}
	if rec.Cost != 1.0 {
		t.Fatalf("cost = %v, want 1.0", rec.Cost)
	}
	if rec.Compressed {
		t.Fatalf("expected uncompressed class")
	}
}

func TestParseScatteredFile(t *testing.T) {
	// E2: 10 MiB file, 100 extents scattered across ~2 GiB of physical
	// space -> expect cost > 2.0, uncompressed class.
	const nExtents = 100
	const blocksPerExtent = (10 << 20) / 4096 / nExtents
	extents := make([][2]uint64, nExtents)
	stride := uint64(2 << 30 / 4096 / nExtents)
	for i := 0; i < nExtents; i++ {
		start := uint64(i)*stride + 1000
		extents[i] = [2]uint64{start, start + blocksPerExtent - 1}
	}
	listing := synthesizeListing("/a/big", 10<<20, extents, nil)
	p := New(costmodel.New(1), nil)
	rec, ok, err := p.ParseOne(strings.NewReader(listing))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if !ok {
		t.Fatalf("expected a record")
	}
	if rec.Cost <= 2.0 {
		t.Fatalf("cost = %v, want > 2.0", rec.Cost)
	}
	if rec.Compressed {
		t.Fatalf("expected uncompressed class")
	}
}

func TestParseCompressedMajority(t *testing.T) {
	listing := synthesizeListing("/a/c", 1<<20, [][2]uint64{{100, 131}, {5000, 5031}}, []string{"encoded", "encoded"})
	p := New(costmodel.New(1), nil)
	rec, ok, err := p.ParseOne(strings.NewReader(listing))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if !ok {
		t.Fatalf("expected a record")
	}
	if !rec.Compressed {
		t.Fatalf("expected compressed class")
	}
}

func TestParseBatchMultipleFiles(t *testing.T) {
	var sb strings.Builder
	sb.WriteString(synthesizeListing("/a/one", 4096, [][2]uint64{{10, 10}}, nil))
	sb.WriteString(synthesizeListing("/a/two", 8192, [][2]uint64{{20, 21}}, nil))
	p := New(costmodel.New(1), nil)
	records, err := p.ParseBatch(strings.NewReader(sb.String()))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].ShortPath != "/a/one" || records[1].ShortPath != "/a/two" {
		t.Fatalf("unexpected paths: %+v", records)
	}
}

func TestParseUnrecognizedLineResetsAndContinues(t *testing.T) {
	listing := "garbage line that matches nothing\n" + synthesizeListing("/a/ok", 4096, [][2]uint64{{1, 1}}, nil)
	p := New(costmodel.New(1), nil)
	records, err := p.ParseBatch(strings.NewReader(listing))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if len(records) != 1 || records[0].ShortPath != "/a/ok" {
		t.Fatalf("expected one record for /a/ok, got %+v", records)
	}
}

func TestParseTruncatedFileYieldsNoRecord(t *testing.T) {
	listing := "File size of /a/partial is 4096 (1 block of 4096 bytes)\n" +
		" ext: logical_offset: physical_offset: length: expected: flags:\n" +
		"   0:        0..       0:        5..         5:      1: \n"
	p := New(costmodel.New(1), nil)
	records, err := p.ParseBatch(strings.NewReader(listing))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records for truncated file, got %+v", records)
	}
}
