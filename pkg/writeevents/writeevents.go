// Package writeevents consumes the external write-event stream (fatrace,
// spec.md §6): a long-lived subprocess emitting one line per filesystem
// event, which this package turns into a channel of absolute paths that
// were written to. It is the daemon's only consumer of that stream, and
// the only place that knows the stream needs periodic restarting and is
// expected to be occasionally flaky (spec.md §7).
package writeevents

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// FatraceBinary is the external write-event stream's executable name.
var FatraceBinary = "fatrace"

// TTL is how long a single fatrace subprocess is kept running before it is
// restarted, bounding any slow internal resource leak in the external
// tool.
const TTL = 24 * time.Hour

// RestartBackoff is how long the ingest loop sleeps before restarting
// fatrace after it exits unexpectedly; fatrace is the external interface
// expected to be flaky (spec.md §7), so its supervision is a simple sleep
// and retry rather than the fail-stop policy the rest of the daemon uses.
const RestartBackoff = 60 * time.Second

var lineRe = regexp.MustCompile(`^([^(]+)\((\d+)\):\s+(\S+)\s+(.+)$`)

// Event is one observed write to an absolute path.
type Event struct {
	Path string
}

// Source starts the external fatrace process and returns a ReadCloser for
// its stdout; production code uses execSource, tests substitute a fake.
type Source func(ctx context.Context) (io.ReadCloser, func() error, error)

// execSource runs the real fatrace binary.
func execSource(ctx context.Context) (io.ReadCloser, func() error, error) {
	cmd := exec.CommandContext(ctx, FatraceBinary)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	return stdout, cmd.Wait, nil
}

// Ingest runs until ctx is canceled, restarting the write-event stream
// every TTL or whenever it exits, and sending one Event per parsed write
// line to out. defragProcessName is the process name to filter out: the
// external defrag tool's own writes to the files it's rewriting show up in
// the trace, and feeding those back in as new candidates would requeue
// every file the moment it finishes defragmenting. It never returns an
// error: a failed stream start is logged and retried after RestartBackoff,
// matching spec.md §7's fatrace-specific restart policy.
func Ingest(ctx context.Context, logger *slog.Logger, defragProcessName string, src Source, out chan<- Event) {
	if logger == nil {
		logger = slog.Default()
	}
	if src == nil {
		src = execSource
	}
	logger = logger.With("component", "writeevents")

	for {
		if ctx.Err() != nil {
			return
		}
		runCtx, cancel := context.WithTimeout(ctx, TTL)
		if err := runOnce(runCtx, logger, defragProcessName, src, out); err != nil {
			logger.Warn("fatrace stream ended", "error", err)
		}
		ttlExpired := runCtx.Err() == context.DeadlineExceeded
		cancel()
		if ctx.Err() != nil {
			return
		}
		if ttlExpired {
			continue // scheduled TTL restart: no backoff
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(RestartBackoff):
		}
	}
}

func runOnce(ctx context.Context, logger *slog.Logger, defragProcessName string, src Source, out chan<- Event) error {
	stdout, wait, err := src(ctx)
	if err != nil {
		return err
	}
	defer stdout.Close()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 8*1024), 256*1024)
	for scanner.Scan() {
		ev, ok := parseLine(scanner.Text(), defragProcessName)
		if !ok {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		if wait != nil {
			wait()
		}
		return err
	}
	if wait != nil {
		return wait()
	}
	return nil
}

// parseLine parses one fatrace line of the shape
// "<process>(<pid>): <flags> <absolute_path>", reporting ok=false for
// lines that don't match, belong to defragProcessName, or carry no write flag.
func parseLine(line, defragProcessName string) (Event, bool) {
	m := lineRe.FindStringSubmatch(line)
	if m == nil {
		return Event{}, false
	}
	process, flags, path := m[1], m[3], m[4]
	if defragProcessName != "" && process == defragProcessName {
		return Event{}, false
	}
	if !strings.Contains(flags, "W") {
		return Event{}, false
	}
	return Event{Path: path}, true
}
