// Package extentparser implements the extent-map parser (C2): it consumes
// the line-oriented, verbose output of the external extent-listing tool
// (one file or a batch) and emits fragmentation records. It is the only
// consumer of that tool's textual output; every other component deals only
// in fragrecord.Record values.
package extentparser

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/btrfs-tools/defragd/pkg/costmodel"
	"github.com/btrfs-tools/defragd/pkg/fragrecord"
)

var (
	headerRe     = regexp.MustCompile(`^File size of (.+) is (\d+)\b`)
	extentRe     = regexp.MustCompile(`^\s*\d+:\s*\d+\.\.\s*\d+:\s*(\d+)\.\.\s*(\d+):\s*(\d+):(?:\s*\d+\.\.\s*\d+:)?\s*(\S*)\s*$`)
	eofRe        = regexp.MustCompile(`^(.+):\s*(\d+)\s+extents?\s+found$`)
	columnHeadRe = regexp.MustCompile(`^\s*ext:\s*logical_offset:`)
)

// Parser turns filefrag-style verbose listings into fragmentation records.
type Parser struct {
	model  costmodel.Model
	logger *slog.Logger
}

// New returns a Parser that scores extents with model and logs protocol
// errors to logger.
func New(model costmodel.Model, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{model: model, logger: logger.With("component", "extentparser")}
}

// inFlight tracks the current file while scanning a batch listing.
type inFlight struct {
	path               string
	size               uint64
	haveSize           bool
	totalSeekTime      float64
	havePrevPhysical   bool
	prevPhysicalEnd    uint64
	compressedBlocks   uint64
	uncompressedBlocks uint64
}

func (f *inFlight) reset() {
	*f = inFlight{}
}

// ParseBatch scans a (possibly multi-file) verbose extent listing and
// returns one fragrecord.Record per file that reached its end-of-file line.
// Lines that don't match a recognized shape are logged and the in-progress
// file, if any, is discarded; scanning continues with the next file.
func (p *Parser) ParseBatch(r io.Reader) ([]fragrecord.Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var records []fragrecord.Record
	var cur inFlight
	var context []string

	pushContext := func(line string) {
		context = append(context, line)
		if len(context) > 3 {
			context = context[len(context)-3:]
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		pushContext(line)

		switch {
		case columnHeadRe.MatchString(line):
			// The per-file column-header row ("ext: logical_offset: ...")
			// precedes each file's extent rows; it carries no data and
			// must not disturb the in-flight header state.

		case headerRe.MatchString(line):
			m := headerRe.FindStringSubmatch(line)
			if cur.haveSize {
				// A new header arrived before the previous file's EOF
				// line: protocol error, discard the incomplete file.
				p.logger.Error("extent listing: new header before prior file's EOF line", "context", context, "discarded_path", cur.path)
			}
			cur.reset()
			size, err := strconv.ParseUint(m[2], 10, 64)
			if err != nil {
				p.logger.Error("extent listing: unparseable size", "context", context)
				cur.reset()
				continue
			}
			cur.path = m[1]
			cur.size = size
			cur.haveSize = true

		case extentRe.MatchString(line):
			if !cur.haveSize {
				p.logger.Error("extent listing: extent line before header", "context", context)
				continue
			}
			m := extentRe.FindStringSubmatch(line)
			physStart, err1 := strconv.ParseUint(m[1], 10, 64)
			physEnd, err2 := strconv.ParseUint(m[2], 10, 64)
			lengthBlocks, err3 := strconv.ParseUint(m[3], 10, 64)
			if err1 != nil || err2 != nil || err3 != nil {
				p.logger.Error("extent listing: unparseable extent fields", "context", context)
				cur.reset()
				continue
			}
			encoded := strings.Contains(m[4], "encoded")

			if cur.havePrevPhysical {
				cur.totalSeekTime += p.model.SeekTime(cur.prevPhysicalEnd, physStart)
			}
			cur.prevPhysicalEnd = physEnd + 1
			cur.havePrevPhysical = true

			if encoded {
				cur.compressedBlocks += lengthBlocks
			} else {
				cur.uncompressedBlocks += lengthBlocks
			}

		case eofRe.MatchString(line):
			if !cur.haveSize {
				p.logger.Error("extent listing: EOF line with no open file", "context", context)
				continue
			}
			cost := p.model.FragmentationCost(cur.size, cur.totalSeekTime)
			records = append(records, fragrecord.Record{
				ShortPath:  cur.path,
				Size:       cur.size,
				Compressed: cur.compressedBlocks > cur.uncompressedBlocks,
				Cost:       cost,
			})
			cur.reset()
			context = nil

		default:
			p.logger.Error("extent listing: unrecognized line", "line", line, "context", context)
			cur.reset()
			context = nil
		}
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("scan extent listing: %w", err)
	}

	if cur.haveSize {
		p.logger.Error("extent listing: truncated, file never reached EOF line", "path", cur.path)
	}

	return records, nil
}

// ParseOne runs ParseBatch and expects exactly one completed record.
func (p *Parser) ParseOne(r io.Reader) (fragrecord.Record, bool, error) {
	records, err := p.ParseBatch(r)
	if err != nil {
		return fragrecord.Record{}, false, err
	}
	if len(records) == 0 {
		return fragrecord.Record{}, false, nil
	}
	return records[0], true, nil
}
