package receiver

import (
	"os"
	"path/filepath"

	"github.com/gokrazy/natsync/internal/rsyncstats"
	"golang.org/x/sync/errgroup"
)

// Do drives a full receiver session: decode the file list, run the
// generator and the transfer-reply loop concurrently until both finish,
// then read the closing statistics frame (spec.md §4.7, mirroring
// sender.Transfer's state machine from the opposite end of the pipe).
func (rt *Transfer) Do() (*rsyncstats.TransferStats, error) {
	var eg errgroup.Group
	eg.Go(rt.Gen.Run)
	eg.Go(func() error {
		if err := rt.RecvFileList(); err != nil {
			return err
		}
		if rt.Opts.DeleteMode {
			rt.deleteExtraneous()
		}
		if err := rt.RecvFiles(); err != nil {
			return err
		}
		rt.Gen.Close()
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	if err := rt.RecvTeardownStats(); err != nil {
		return nil, err
	}
	return rt.Stats, nil
}

// deleteExtraneous removes entries present under Opts.Dest but not yet
// known to the receiver's file list. It only considers the destination's
// immediate children: correctly pruning a deep tree requires the fully
// expanded file list, which for a recursive transfer is not complete until
// every stub directory has been walked, so full recursive delete-extraneous
// support is left as a documented limitation (see DESIGN.md).
func (rt *Transfer) deleteExtraneous() {
	des, err := os.ReadDir(rt.Opts.Dest)
	if err != nil {
		return
	}
	known := make(map[string]bool)
	for _, seg := range rt.List.Segments() {
		for i := seg.FirstIndex(); i >= 0 && i <= seg.LastIndex(); i++ {
			if e := seg.At(i); e != nil {
				known[filepath.Base(e.Name)] = true
			}
		}
	}
	for _, de := range des {
		if known[de.Name()] {
			continue
		}
		if rt.Opts.DryRun {
			rt.Opts.Logger.Printf("deleteExtraneous: would delete %s", de.Name())
			continue
		}
		path := filepath.Join(rt.Opts.Dest, de.Name())
		if err := os.RemoveAll(path); err != nil {
			rt.Opts.Logger.Printf("deleteExtraneous: %s: %v", path, err)
			rt.Stats.AddError(rsyncstats.IOErrorGeneral)
			continue
		}
		rt.Stats.FilesDeleted++
	}
}
