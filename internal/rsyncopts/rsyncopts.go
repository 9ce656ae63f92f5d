// Package rsyncopts parses the subset of rsync(1)'s command-line surface
// this module implements: the attribute-preservation flags that control a
// local transfer (spec.md §1 names full CLI argument parsing as an external
// collaborator; this package covers only the flags internal/engine.Opts
// understands).
package rsyncopts

import (
	"fmt"

	getoptions "github.com/DavidGamba/go-getoptions"
)

// Options is the parsed result of a command line: the attribute flags plus
// the positional source paths and destination directory.
type Options struct {
	Archive        bool
	Recurse        bool
	PreservePerms  bool
	PreserveTimes  bool
	PreserveOwner  bool
	PreserveGroup  bool
	PreserveLinks  bool
	IgnoreTimes    bool
	ItemizeChanges bool
	Delete         bool
	DryRun         bool
	Verbose        bool

	Sources []string
	Dest    string
}

// ParseArguments parses args (as in os.Args[1:]) into Options. Short flags
// bundle the way rsync(1) itself accepts them (e.g. -av), matching the
// teacher's own opt.SetMode(getoptions.Bundling) convention.
func ParseArguments(args []string) (*Options, error) {
	var o Options

	opt := getoptions.New()
	opt.SetMode(getoptions.Bundling)

	opt.BoolVar(&o.Archive, "archive", false, opt.Alias("a"))
	opt.BoolVar(&o.Recurse, "recursive", false, opt.Alias("r"))
	opt.BoolVar(&o.PreservePerms, "perms", false, opt.Alias("p"))
	opt.BoolVar(&o.PreserveTimes, "times", false, opt.Alias("t"))
	opt.BoolVar(&o.PreserveOwner, "owner", false, opt.Alias("o"))
	opt.BoolVar(&o.PreserveGroup, "group", false, opt.Alias("g"))
	opt.BoolVar(&o.PreserveLinks, "links", false, opt.Alias("l"))
	opt.BoolVar(&o.IgnoreTimes, "ignore-times", false, opt.Alias("I"))
	opt.BoolVar(&o.ItemizeChanges, "itemize-changes", false, opt.Alias("i"))
	opt.BoolVar(&o.Delete, "delete", false)
	opt.BoolVar(&o.DryRun, "dry-run", false, opt.Alias("n"))
	opt.BoolVar(&o.Verbose, "verbose", false, opt.Alias("v"))

	remaining, err := opt.Parse(args)
	if err != nil {
		return nil, fmt.Errorf("opt.Parse: %v", err)
	}
	if len(remaining) < 2 {
		return nil, fmt.Errorf("usage: gokr-rsync [flags] SOURCE... DEST")
	}

	if o.Archive {
		o.Recurse = true
		o.PreservePerms = true
		o.PreserveTimes = true
		o.PreserveOwner = true
		o.PreserveGroup = true
		o.PreserveLinks = true
	}

	o.Sources = remaining[:len(remaining)-1]
	o.Dest = remaining[len(remaining)-1]
	return &o, nil
}
