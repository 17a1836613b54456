package extcmd

import (
	"bytes"
	"context"
	"os/exec"
)

// DefragBinary is the external defrag tool's executable name.
var DefragBinary = "btrfs"

// DefragOptions configures one invocation of the external defrag command.
type DefragOptions struct {
	// Compress requests the mount's lzo/zlib compression be (re)applied
	// to the rewritten extents. Per spec.md §4.5 the flag passed is
	// always "-czlib" regardless of which algorithm the mount actually
	// uses (the original tool's behavior, preserved rather than
	// "fixed").
	Compress bool
	// TargetExtentSize, if non-empty, is passed through verbatim as -t.
	TargetExtentSize string
}

// RunDefrag invokes `btrfs filesystem defragment [-czlib] [-t size] path`.
// Its exit code is ignored per spec.md §6 ("exit code ignored"): a failed
// defrag attempt is not distinguishable, at this layer, from one that
// simply found nothing worth doing, and the post-defrag stat loop is what
// actually judges whether it helped.
func RunDefrag(ctx context.Context, path string, opts DefragOptions) error {
	args := []string{"filesystem", "defragment"}
	if opts.Compress {
		args = append(args, "-czlib")
	}
	if opts.TargetExtentSize != "" {
		args = append(args, "-t", opts.TargetExtentSize)
	}
	args = append(args, path)

	cmd := exec.CommandContext(ctx, DefragBinary, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	_ = cmd.Run()
	return nil
}
