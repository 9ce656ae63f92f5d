// Package engine wires the sender, generator, and receiver tasks together
// for a purely local transfer: no network round trip, just two in-memory
// pipes connecting the three tasks the way spec.md §5 describes ("Local
// transfer topology").
package engine

import (
	"io"
	"math/rand"

	"github.com/gokrazy/natsync/internal/generator"
	"github.com/gokrazy/natsync/internal/log"
	"github.com/gokrazy/natsync/internal/receiver"
	"github.com/gokrazy/natsync/internal/rsynclist"
	"github.com/gokrazy/natsync/internal/rsyncstats"
	"github.com/gokrazy/natsync/internal/rsyncwire"
	"github.com/gokrazy/natsync/internal/sender"
	"golang.org/x/sync/errgroup"
)

// Opts configures a local transfer (spec.md §9 redesign flag: single config
// record, fanned out to each task's own Opts).
type Opts struct {
	Recurse       bool
	PreservePerms bool
	PreserveTimes bool
	PreserveUID   bool
	PreserveGID   bool
	PreserveLinks bool
	IgnoreTimes   bool
	ItemizeAlways bool
	DeleteMode    bool
	DryRun        bool
	Verbose       bool

	MaxExpandPerBatch int
	MinDigestLength   int32

	Logger log.Logger
}

// Run drives one local transfer of paths into dest. It blocks until the
// sender, generator, and receiver tasks have all finished or one of them
// has returned a fatal error (spec.md §4.8 "Termination").
func Run(paths []string, dest string, opts Opts) (*rsyncstats.TransferStats, error) {
	if opts.Logger == nil {
		opts.Logger = log.Default(io.Discard)
	}

	// pipeA carries the generator's checksum requests and itemizations to
	// the sender; pipeB carries the sender's file list and matched/literal
	// token replies to the receiver (spec.md §5: "two in-memory pipes").
	pipeAR, pipeAW := io.Pipe()
	pipeBR, pipeBW := io.Pipe()

	seed := rand.Int31()

	list := rsynclist.NewFileList()

	sconn := &rsyncwire.Conn{
		Reader: pipeAR,
		Writer: &rsyncwire.MultiplexWriter{Writer: pipeBW},
	}
	st := sender.New(sconn, seed, paths, sender.Opts{
		Recurse:           opts.Recurse,
		PreservePerms:     opts.PreservePerms,
		PreserveTimes:     opts.PreserveTimes,
		PreserveUID:       opts.PreserveUID,
		PreserveGID:       opts.PreserveGID,
		PreserveLinks:     opts.PreserveLinks,
		MaxExpandPerBatch: opts.MaxExpandPerBatch,
		Logger:            opts.Logger,
	})

	gconn := &rsyncwire.Conn{Writer: pipeAW}
	gen := generator.New(gconn, seed, list, dest, generator.Opts{
		PreservePerms:   opts.PreservePerms,
		PreserveTimes:   opts.PreserveTimes,
		PreserveUID:     opts.PreserveUID,
		PreserveGID:     opts.PreserveGID,
		IgnoreTimes:     opts.IgnoreTimes,
		ItemizeAlways:   opts.ItemizeAlways,
		MinDigestLength: opts.MinDigestLength,
		Logger:          opts.Logger,
	})

	rconn := &rsyncwire.Conn{}
	mr := &rsyncwire.MultiplexReader{Reader: pipeBR}
	rconn.Reader = mr
	rt := receiver.New(rconn, seed, list, gen, len(paths) == 1, receiver.Opts{
		Dest:          dest,
		Recurse:       opts.Recurse,
		PreservePerms: opts.PreservePerms,
		PreserveTimes: opts.PreserveTimes,
		PreserveUID:   opts.PreserveUID,
		PreserveGID:   opts.PreserveGID,
		PreserveLinks: opts.PreserveLinks,
		IgnoreTimes:   opts.IgnoreTimes,
		ItemizeAlways: opts.ItemizeAlways,
		DeleteMode:    opts.DeleteMode,
		DryRun:        opts.DryRun,
		Verbose:       opts.Verbose,
		Logger:        opts.Logger,
	})
	mr.Handler = rt.HandleControl

	var eg errgroup.Group
	eg.Go(func() error {
		// The generator always speaks for the (nonexistent, in a local
		// transfer) exclusion filter list: a single zero-length frame on
		// pipe A, read once by sender.RecvFilterList before anything else
		// crosses either pipe.
		return gconn.WriteInt32(0)
	})
	eg.Go(func() error {
		if err := st.RecvFilterList(); err != nil {
			return err
		}
		if err := st.InitialExpand(); err != nil {
			return err
		}
		return st.SendFiles()
	})
	eg.Go(func() error {
		_, err := rt.Do()
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return rt.Stats, nil
}
