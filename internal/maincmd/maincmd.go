// Package maincmd implements the gokr-rsync CLI surface: parse the command
// line, optionally restrict the process's own file system access, and drive
// a local transfer through internal/engine (spec.md §5 "Local transfer
// topology").
package maincmd

import (
	"fmt"
	"io"
	"os"

	"github.com/gokrazy/natsync/internal/engine"
	"github.com/gokrazy/natsync/internal/log"
	"github.com/gokrazy/natsync/internal/restrict"
	"github.com/gokrazy/natsync/internal/rsyncopts"
	"github.com/gokrazy/natsync/internal/rsyncstats"
	"github.com/gokrazy/natsync/internal/version"
)

// Main parses args (as in os.Args), restricts the process's file system
// access to the paths the transfer actually needs, then runs the transfer
// and logs a one-line summary to stderr.
func Main(args []string, stdout, stderr io.Writer) (*rsyncstats.TransferStats, error) {
	logger := log.Default(stderr)

	if len(args) < 2 {
		return nil, fmt.Errorf("usage: %s [flags] SOURCE... DEST", progName(args))
	}
	for _, a := range args[1:] {
		if a == "--version" || a == "-V" {
			fmt.Fprintf(stdout, "%s version %s\n", progName(args), version.Version)
			return nil, nil
		}
	}
	opts, err := rsyncopts.ParseArguments(args[1:])
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(opts.Dest, 0o755); err != nil {
		return nil, fmt.Errorf("creating destination %s: %v", opts.Dest, err)
	}

	if err := restrict.MaybeFileSystem(opts.Sources, []string{opts.Dest}); err != nil {
		// Landlock support varies by kernel; a best-effort failure here is
		// not fatal to the transfer itself (restrict.MaybeFileSystem already
		// calls landlock's BestEffort variant, but an outright unsupported
		// kernel can still return an error).
		logger.Printf("restrict: %v", err)
	}

	stats, err := engine.Run(opts.Sources, opts.Dest, engine.Opts{
		Recurse:       opts.Recurse,
		PreservePerms: opts.PreservePerms,
		PreserveTimes: opts.PreserveTimes,
		PreserveUID:   opts.PreserveOwner,
		PreserveGID:   opts.PreserveGroup,
		PreserveLinks: opts.PreserveLinks,
		IgnoreTimes:   opts.IgnoreTimes,
		ItemizeAlways: opts.ItemizeChanges,
		DeleteMode:    opts.Delete,
		DryRun:        opts.DryRun,
		Verbose:       opts.Verbose,
		Logger:        logger,
	})
	if err != nil {
		return stats, err
	}

	logger.Printf("transferred %d file(s), %d byte(s), %d deleted, success=%v",
		stats.FilesTransferred, stats.TotalFileSize, stats.FilesDeleted, stats.Success())
	return stats, nil
}

func progName(args []string) string {
	if len(args) == 0 {
		return "gokr-rsync"
	}
	return args[0]
}
