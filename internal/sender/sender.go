// Package sender implements the sender task: it owns the source-side file
// list, answers the generator's checksum requests with matched/literal
// delta streams, and serves as the data half of a transfer (spec.md §4.6).
package sender

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gokrazy/natsync"
	"github.com/gokrazy/natsync/internal/log"
	"github.com/gokrazy/natsync/internal/rsynclist"
	"github.com/gokrazy/natsync/internal/rsyncstats"
	"github.com/gokrazy/natsync/internal/rsyncwire"
)

// Opts configures a Transfer (spec.md §9 redesign flag: single config
// record).
type Opts struct {
	Recurse       bool
	PreservePerms bool
	PreserveTimes bool
	PreserveUID   bool
	PreserveGID   bool
	PreserveLinks bool

	// MaxExpandPerBatch bounds how many entries a single stub-directory
	// expansion appends to a new segment (spec.md §4.6: "expand up to 500
	// entries forming a new segment").
	MaxExpandPerBatch int

	Logger log.Logger
}

func (o Opts) maxExpand() int {
	if o.MaxExpandPerBatch > 0 {
		return o.MaxExpandPerBatch
	}
	return 500
}

// Transfer drives the sender task for one session (spec.md §4.6).
type Transfer struct {
	Conn  *rsyncwire.Conn
	Seed  int32
	Paths []string
	List  *rsynclist.FileList
	Stats *rsyncstats.TransferStats
	Opts  Opts

	prevSent  *rsynclist.FileEntry // for transmit-flag compaction
	outIndex  rsyncwire.IndexCodec
	lastMatch int // last-emitted match chunk index + 1 tie-break state; reset per file
	state     connState
	stubsLeft []*stubDir // directories discovered but not yet expanded, FIFO

	// pendingSegments counts segments the generator has not yet finished
	// (mirrors receiver.Transfer.pendingSegments on the opposite pipe):
	// InitialExpand sets it to 1 for the root segment, expandNextStub
	// increments it once per segment it appends (one per batch of a stub
	// directory's children), and each IndexDone read in SendFiles decrements
	// it. Only reaching zero ends the session (spec.md §3.3 recursive
	// expansion produces one segment, and one DONE, per expanded batch; a
	// single DONE only means the session is over in the non-recursive,
	// single-segment case).
	pendingSegments int

	// absPaths maps every global index this sender has emitted to its
	// absolute local path, so handleFileRequest can open the right file
	// without re-deriving it from the (possibly compacted) wire name.
	absPaths map[int32]string

	listBuildStart    time.Time
	transferLoopStart time.Time
}

// stubDir is a directory discovered during listing whose children have not
// yet been sent as a segment (spec.md §4.6: "If the file list is
// expandable, expand up to 500 entries forming a new segment").
type stubDir struct {
	dirIndex int32
	entry    *rsynclist.FileEntry
	absPath  string

	loaded  bool
	pending []*rsynclist.FileEntry // children not yet sent; computed lazily, consumed in maxExpand-sized batches
}

type connState int

const (
	stateTransfer connState = iota
	stateTeardown1
	stateTeardown2
	stateStopped
)

// New returns a Transfer ready to run.
func New(conn *rsyncwire.Conn, seed int32, paths []string, opts Opts) *Transfer {
	if opts.Logger == nil {
		opts.Logger = log.Default(os.Stderr)
	}
	return &Transfer{
		Conn:     conn,
		Seed:     seed,
		Paths:    paths,
		List:     rsynclist.NewFileList(),
		Stats:    &rsyncstats.TransferStats{},
		Opts:     opts,
		absPaths: make(map[int32]string),
	}
}

// RecvFilterList reads the (expected empty) exclusion filter list: a 4-byte
// length prefix that must be zero in this implementation (spec.md §4.6:
// "optionally receive an empty filter rule list").
func (tr *Transfer) RecvFilterList() error {
	n, err := tr.Conn.ReadInt32()
	if err != nil {
		return err
	}
	if n != 0 {
		return rsync.NewProtocolError("RecvFilterList", fmt.Errorf("non-empty filter list (%d bytes) is not supported", n))
	}
	return nil
}

// statEntry builds a FileEntry from a local path's lstat result.
func statEntry(absPath, relName string) (*rsynclist.FileEntry, error) {
	st, err := os.Lstat(absPath)
	if err != nil {
		return nil, err
	}
	e := &rsynclist.FileEntry{
		RawName: []byte(relName),
		Name:    relName,
		Size:    st.Size(),
		MTime:   st.ModTime().Unix(),
	}
	switch {
	case st.Mode().IsDir():
		e.Type = rsynclist.TypeDirectory
	case st.Mode()&os.ModeSymlink != 0:
		e.Type = rsynclist.TypeSymlink
		target, err := os.Readlink(absPath)
		if err != nil {
			return nil, err
		}
		e.LinkTarget = target
	case st.Mode().IsRegular():
		e.Type = rsynclist.TypeRegular
	default:
		e.Type = rsynclist.TypeDevice
	}
	// Mode carries both type and permission bits on the wire (spec.md §6);
	// see rsynclist.PosixMode.
	e.Mode = rsynclist.PosixMode(e.Type, uint32(st.Mode().Perm()))
	return e, nil
}

// InitialExpand implements spec.md §4.6 step 1: stat each source path,
// eagerly recurse one level into dot-directories (a source path whose last
// element is "."), queue every other directory as a stub for incremental
// expansion, prune duplicate names within
// the initial segment (warning only), send every entry, then terminate the
// list with DONE or a FileListError frame.
func (tr *Transfer) InitialExpand() error {
	tr.listBuildStart = time.Now()
	b := rsynclist.NewSegmentBuilder(-1, nil)
	absByName := make(map[string]string)

	for _, src := range tr.Paths {
		base := filepath.Base(src)
		entry, err := statEntry(src, base)
		if err != nil {
			tr.Opts.Logger.Printf("InitialExpand: lstat %s: %v", src, err)
			continue
		}
		if !b.Add(entry) {
			tr.Opts.Logger.Printf("InitialExpand: duplicate path %q pruned", entry.Name)
			continue
		}
		absByName[entry.Name] = src
		if entry.Type == rsynclist.TypeDirectory && tr.Opts.Recurse && entry.Name == "." {
			children, err := tr.readDirEntries(src, entry.Name)
			if err != nil {
				tr.Opts.Logger.Printf("InitialExpand: readdir %s: %v", src, err)
			}
			for _, c := range children {
				if b.Add(c) {
					absByName[c.Name] = filepath.Join(src, filepath.Base(c.Name))
				}
			}
		}
	}

	seg, _ := tr.List.AppendSegment(b)
	tr.pendingSegments = 1
	for i := seg.FirstIndex(); i >= 0 && i <= seg.LastIndex(); i++ {
		entry := seg.At(i)
		if entry == nil {
			continue
		}
		abs := absByName[entry.Name]
		tr.absPaths[i] = abs
		if err := tr.sendFileEntry(entry); err != nil {
			return tr.sendFileListError(err)
		}
		if entry.Type == rsynclist.TypeDirectory && tr.Opts.Recurse && entry.Name != "." {
			tr.stubsLeft = append(tr.stubsLeft, &stubDir{
				dirIndex: i,
				entry:    entry,
				absPath:  abs,
			})
		}
	}
	tr.Stats.ListBuildMillis = time.Since(tr.listBuildStart).Milliseconds()
	return tr.sendFileListTerminator()
}

// readDirEntries lists dir's immediate children as FileEntry values with
// names relative to the source root.
func (tr *Transfer) readDirEntries(absDir, relDir string) ([]*rsynclist.FileEntry, error) {
	des, err := os.ReadDir(absDir)
	if err != nil {
		return nil, err
	}
	sort.Slice(des, func(i, j int) bool { return des[i].Name() < des[j].Name() })
	var out []*rsynclist.FileEntry
	for _, de := range des {
		rel := filepath.Join(relDir, de.Name())
		entry, err := statEntry(filepath.Join(absDir, de.Name()), rel)
		if err != nil {
			tr.Opts.Logger.Printf("readDirEntries: lstat %s: %v", rel, err)
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// sendFileListTerminator writes a single zero transmit-flag byte, ending
// the file list successfully (spec.md §4.6, §6 "List terminated by a zero
// transmit flag").
func (tr *Transfer) sendFileListTerminator() error {
	return tr.Conn.WriteByte(0)
}

// sendFileListError writes the EXTENDED_FLAGS|IO_ERROR_ENDLIST frame
// followed by an encoded error code, ending the list unsuccessfully
// (spec.md §4.6, §6).
func (tr *Transfer) sendFileListError(cause error) error {
	tr.Opts.Logger.Printf("sendFileListError: %v", cause)
	flags := uint16(rsynclist.XflagExtendedFlags | rsynclist.XflagIOErrorEndlist)
	var buf [2]byte
	buf[0] = byte(flags)
	buf[1] = byte(flags >> 8)
	if err := tr.Conn.WriteBuf(buf[:]); err != nil {
		return err
	}
	return tr.Conn.WriteVarint(1, 1) // generic nonzero error code
}
