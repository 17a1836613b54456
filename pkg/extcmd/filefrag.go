// Package extcmd invokes the daemon's three external collaborators named
// in spec.md §6: the extent-listing tool (filefrag), the defrag tool
// (btrfs filesystem defragment), and — via fatrace — the write-event
// stream (see pkg/writeevents). It owns process invocation only; parsing
// of filefrag's textual output belongs to pkg/extentparser.
package extcmd

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// DefaultArgMax is the platform-dependent ceiling on a single argv's byte
// length, minus headroom for the binary name, flags, and the kernel's own
// bookkeeping (spec.md §6).
const DefaultArgMax = 131072 - 100 - 4096

// BatchPaths splits paths into argv-sized batches, each kept under argMax
// bytes (argMax <= 0 uses DefaultArgMax). A single path longer than argMax
// still gets its own one-element batch; the caller's filefrag invocation
// will simply fail for that file and the caller logs and skips it.
func BatchPaths(paths []string, argMax int) [][]string {
	if argMax <= 0 {
		argMax = DefaultArgMax
	}
	var batches [][]string
	var cur []string
	curLen := 0
	for _, p := range paths {
		need := len(p) + 1 // +1 for the separating space argv takes
		if len(cur) > 0 && curLen+need > argMax {
			batches = append(batches, cur)
			cur = nil
			curLen = 0
		}
		cur = append(cur, p)
		curLen += need
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

// FilefragBinary is the external extent-listing tool's executable name.
var FilefragBinary = "filefrag"

// RunFilefrag runs the extent-listing tool in verbose mode over one or
// many file paths and returns its stdout, ready for
// extentparser.Parser.ParseBatch. A nonzero exit with no stdout is a hard
// error; filefrag printing partial results before hitting a missing file
// is tolerated by returning what it emitted with a nil error, so the
// caller can still parse whatever completed.
func RunFilefrag(ctx context.Context, paths []string) ([]byte, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	args := append([]string{"-v"}, paths...)
	cmd := exec.CommandContext(ctx, FilefragBinary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil && stdout.Len() == 0 {
		return nil, fmt.Errorf("filefrag %v: %w (stderr: %s)", paths, err, stderr.String())
	}
	return stdout.Bytes(), nil
}
