// Package receiver implements the receiver task: it consumes the file list
// the sender produces, merges matched blocks and literal bytes into
// temporary files, verifies them against the peer's MD5, and renames them
// into place (spec.md §4.7).
package receiver

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gokrazy/natsync"
	"github.com/gokrazy/natsync/internal/generator"
	"github.com/gokrazy/natsync/internal/log"
	"github.com/gokrazy/natsync/internal/rsynclist"
	"github.com/gokrazy/natsync/internal/rsyncstats"
	"github.com/gokrazy/natsync/internal/rsyncwire"
)

func unixTime(sec int64) time.Time { return time.Unix(sec, 0) }

// Opts configures a Transfer (spec.md §9 redesign flag: single config
// record, mirrored from sender.Opts/generator.Opts).
type Opts struct {
	Dest string // destination path as given on the command line

	Recurse       bool
	PreservePerms bool
	PreserveTimes bool
	PreserveUID   bool
	PreserveGID   bool
	PreserveLinks bool
	IgnoreTimes   bool
	ItemizeAlways bool
	DeleteMode    bool
	DeferWrite    bool
	DryRun        bool
	Verbose       bool

	Logger log.Logger
}

type connState int

const (
	stateCollectingList connState = iota
	stateTransferring
	stateTearingDown
	stateDraining
)

// Transfer drives the receiver task for one session (spec.md §4.7).
type Transfer struct {
	Conn  *rsyncwire.Conn
	Seed  int32
	Gen   *generator.Generator
	List  *rsynclist.FileList
	Stats *rsyncstats.TransferStats
	Opts  Opts

	state connState

	prevRecv *rsynclist.FileEntry // SAME_NAME/SAME_MODE/... compaction state, read side

	// inIndex is the diff-decoding state for every non-DONE/EOF index read
	// on this pipe (stub-segment markers and transfer-reply echoes share
	// one continuous index stream, mirroring sender.Transfer.outIndex).
	inIndex rsyncwire.IndexCodec

	// pendingSegments counts segments enqueued with the generator but not
	// yet acknowledged DONE; RecvFiles exits once it reaches zero (spec.md
	// §4.3 "a segment is finished when every contained index has been
	// removed"; one DONE per segment, per generator.removeFinishedSegmentsAndAck).
	pendingSegments int

	// destIsDir and singleSource drive the path resolution policy (spec.md
	// §4.7 "Path resolution policy"); both are resolved once before the
	// first entry is materialized.
	destIsDir    bool
	singleSource bool

	// retried tracks, per index, whether receiveAndMatch already asked the
	// generator to re-send this file once (spec.md §4.7 "Verification": "If
	// not equal and already retried: report an ERROR_XFER message, purge").
	retried map[int32]bool
}

// New returns a Transfer ready to run. singleSource should be true when the
// sender was invoked with exactly one top-level source path (spec.md §4.7
// "Path resolution policy").
func New(conn *rsyncwire.Conn, seed int32, list *rsynclist.FileList, gen *generator.Generator, singleSource bool, opts Opts) *Transfer {
	if opts.Logger == nil {
		opts.Logger = log.Default(os.Stderr)
	}
	destIsDir := false
	if st, err := os.Stat(opts.Dest); err == nil {
		destIsDir = st.IsDir()
	} else if os.IsNotExist(err) {
		destIsDir = !singleSource
	}
	return &Transfer{
		Conn:         conn,
		Seed:         seed,
		Gen:          gen,
		List:         list,
		Stats:        &rsyncstats.TransferStats{},
		Opts:         opts,
		retried:      make(map[int32]bool),
		destIsDir:    destIsDir,
		singleSource: singleSource,
	}
}

// resolveDestPath implements spec.md §4.7's "Path resolution policy".
func (rt *Transfer) resolveDestPath(entry *rsynclist.FileEntry) (string, error) {
	if rt.singleSource && !rt.destIsDir {
		return rt.Opts.Dest, nil
	}
	if filepath.IsAbs(entry.Name) {
		return "", &rsync.SecurityError{Msg: "absolute path in file list: " + entry.Name}
	}
	rel := filepath.Clean(entry.Name)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", &rsync.SecurityError{Msg: "path escapes destination: " + entry.Name}
	}
	root := filepath.Clean(rt.Opts.Dest)
	full := filepath.Join(root, rel)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", &rsync.SecurityError{Msg: "resolved path escapes destination: " + entry.Name}
	}
	return full, nil
}

// materializeNonRegular applies directory/symlink entries directly as they
// are decoded: the generator itemizes directories but creates neither
// directories nor symlinks, and skips symlinks entirely, so the receiver is
// the only place that creates them.
func (rt *Transfer) materializeNonRegular(entry *rsynclist.FileEntry) error {
	if rt.Opts.DryRun {
		return nil
	}
	local, err := rt.resolveDestPath(entry)
	if err != nil {
		return err
	}
	switch entry.Type {
	case rsynclist.TypeDirectory:
		if err := os.MkdirAll(local, 0o700); err != nil {
			return err
		}
		if rt.Opts.PreservePerms {
			os.Chmod(local, os.FileMode(entry.Mode&0o7777))
		}
		return nil
	case rsynclist.TypeSymlink:
		if !rt.Opts.PreserveLinks {
			return nil
		}
		os.Remove(local)
		return symlink(entry.LinkTarget, local)
	case rsynclist.TypeDevice, rsynclist.TypeFIFO, rsynclist.TypeSocket:
		rt.Opts.Logger.Printf("materializeNonRegular: %s: device/fifo/socket entries are not created (unprivileged receiver)", entry.Name)
		return nil
	default:
		return nil
	}
}
