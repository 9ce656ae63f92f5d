// Package generator implements the generator task: it walks the local
// replica, compares it against the incoming file list, and drives the
// sender toward the blocks that actually need transferring (spec.md §4.5).
package generator

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gokrazy/natsync"
	"github.com/gokrazy/natsync/internal/log"
	"github.com/gokrazy/natsync/internal/rsyncchecksum"
	"github.com/gokrazy/natsync/internal/rsynclist"
	"github.com/gokrazy/natsync/internal/rsyncwire"
)

// Opts configures a Generator (spec.md §9 redesign flag: a single
// configuration record rather than setters).
type Opts struct {
	PreservePerms bool
	PreserveTimes bool
	PreserveUID   bool
	PreserveGID   bool
	IgnoreTimes   bool
	ItemizeAlways bool

	// MinDigestLength is the generator-negotiated digest length floor,
	// typically larger than rsyncchecksum.MinDigestLength (spec.md §4.4).
	MinDigestLength int32

	Logger log.Logger
}

// connState is the TRANSFER -> TEARDOWN_1 -> TEARDOWN_2 -> STOPPED machine
// every one of the three tasks maintains (spec.md §4.8).
type connState int

const (
	stateTransfer connState = iota
	stateTeardown1
	stateTeardown2
	stateStopped
)

func (s connState) isTransfer() bool    { return s == stateTransfer }
func (s connState) isTearingDown() bool { return s == stateTeardown1 || s == stateTeardown2 }

// Job is one unit of generator work, executed in enqueue order (spec.md
// §4.5: "Jobs are functions executed in order").
type Job func(*Generator) error

// Generator drives the generator task (spec.md §4.5).
type Generator struct {
	Conn     *rsyncwire.Conn
	Seed     int32
	List     *rsynclist.FileList
	DestRoot string
	Opts     Opts

	jobs chan Job

	generated []*rsynclist.Segment // segments this generator has produced, in creation order
	deferred  []func() error       // LIFO stack of deferred attribute updates
	state     connState

	// outIndex is the diff-encoding state for every index this generator
	// writes (itemizations and DONE markers share one continuous index
	// stream, so they must share one codec instance).
	outIndex rsyncwire.IndexCodec

	headersMu sync.Mutex
	headers   map[int32]rsyncchecksum.Header // per-index checksum header, read by the receiver's match decoder
}

// New returns a Generator ready to Run.
func New(conn *rsyncwire.Conn, seed int32, list *rsynclist.FileList, destRoot string, opts Opts) *Generator {
	if opts.Logger == nil {
		opts.Logger = log.Default(os.Stderr)
	}
	return &Generator{
		Conn:     conn,
		Seed:     seed,
		List:     list,
		DestRoot: destRoot,
		Opts:     opts,
		jobs:     make(chan Job, 64),
		headers:  make(map[int32]rsyncchecksum.Header),
	}
}

// setHeader records the checksum header generated for idx, so the receiver
// (sharing this Generator in-process) can decode the sender's matching
// token stream for the same file without the header crossing the wire a
// second time.
func (g *Generator) setHeader(idx int32, h rsyncchecksum.Header) {
	g.headersMu.Lock()
	g.headers[idx] = h
	g.headersMu.Unlock()
}

// HeaderFor returns the checksum header previously generated for idx.
func (g *Generator) HeaderFor(idx int32) (rsyncchecksum.Header, bool) {
	g.headersMu.Lock()
	defer g.headersMu.Unlock()
	h, ok := g.headers[idx]
	return h, ok
}

// Enqueue adds job to the tail of the generator's queue. Safe to call from
// any goroutine (spec.md §5: "the receiver blocks on the generator's queue
// when enqueuing purge/generate jobs").
func (g *Generator) Enqueue(job Job) {
	g.jobs <- job
}

// Close signals that no further jobs will be enqueued; Run exits once the
// queue drains after Close.
func (g *Generator) Close() {
	close(g.jobs)
}

// Run executes queued jobs until the queue is closed and drained, batching
// all immediately-available jobs between flush points (spec.md §4.5: "take
// all immediately available jobs, execute them, flush the output channel
// once").
func (g *Generator) Run() error {
	for {
		job, ok := <-g.jobs
		if !ok {
			return g.stop()
		}
		if err := job(g); err != nil {
			return err
		}
		g.drainAvailable()
	}
}

// drainAvailable executes every job already queued without blocking, so
// that a batch of jobs enqueued together is processed as one unit before
// the next flush (there is no explicit buffered-writer flush call here:
// every Conn write already reaches the underlying multiplexed writer
// synchronously, so "flush" is a no-op in this implementation).
func (g *Generator) drainAvailable() {
	for {
		select {
		case job, ok := <-g.jobs:
			if !ok {
				return
			}
			job(g)
		default:
			return
		}
	}
}

// stop drains deferred attribute-update callbacks and terminates the
// generator. Callbacks are pushed to the front of the stack as they are
// deferred (pushDeferred), so draining front-to-back here runs the
// most-recently-deferred callback first: for nested directories walked
// outer-to-inner, the innermost directory was deferred last and therefore
// sits at the front, so its attributes are applied before its parent's
// (spec.md §4.5 "Deferred attribute updates": "the LIFO ordering produces
// deepest-first").
func (g *Generator) stop() error {
	for _, cb := range g.deferred {
		if err := cb(); err != nil {
			g.Opts.Logger.Printf("deferred attribute update failed: %v", err)
		}
	}
	g.deferred = nil
	g.state = stateStopped
	return nil
}

// pushDeferred pushes cb to the front of the LIFO stack (spec.md §4.5:
// "pushed to the front of a LIFO stack").
func (g *Generator) pushDeferred(cb func() error) {
	g.deferred = append([]func() error{cb}, g.deferred...)
}

// localPath returns the absolute local replica path for a relative entry
// name.
func (g *Generator) localPath(name string) string {
	return filepath.Join(g.DestRoot, name)
}

// SendSegmentDone emits the DONE index on the wire (spec.md §4.5
// sendSegmentDone).
func (g *Generator) SendSegmentDone() error {
	buf := g.outIndex.EncodeIndex(nil, rsyncwire.IndexDone)
	return g.Conn.WriteBuf(buf)
}

// GenerateSegment processes every transferrable entry of seg in order: a
// regular file gets sendFileMetadata with the negotiated minimum digest
// length; every directory gets sendDirectoryMetadata (there is no recursion
// setting here that skips it); anything else is skipped. Only a regular
// file for which a checksum header was sent is ever echoed back by the
// sender for a matching round trip (PurgeFile), so every other entry is
// retired from the segment immediately, right here, instead of waiting on a
// round trip that will never arrive. Once done, seg is
// appended to the generated list and removeFinishedSegmentsAndAck runs
// (spec.md §4.5 generateSegment).
func (g *Generator) GenerateSegment(seg *rsynclist.Segment) error {
	for i := seg.FirstIndex(); i <= seg.LastIndex() && i >= 0; i++ {
		entry := seg.At(i)
		if entry == nil {
			continue
		}
		switch entry.Type {
		case rsynclist.TypeRegular:
			if err := g.sendFileMetadata(i, entry, g.Opts.MinDigestLength); err != nil {
				return err
			}
			if _, requested := g.HeaderFor(i); !requested {
				// No checksum header was sent, so the sender never echoes
				// this index back and no PurgeFile will retire it.
				seg.Remove(i)
			}
		case rsynclist.TypeDirectory:
			if err := g.sendDirectoryMetadata(i, entry); err != nil {
				return err
			}
			seg.Remove(i)
		default:
			// symlinks/devices/sockets/fifos: metadata already applied
			// locally by the receiver when it resolved the entry; nothing
			// for the generator to compare against a block stream.
			seg.Remove(i)
		}
	}
	g.generated = append(g.generated, seg)
	return g.removeFinishedSegmentsAndAck()
}

// GenerateFile is the client-side counterpart of the regular-file branch of
// GenerateSegment, using the maximum digest length (spec.md §4.5
// generateFile).
func (g *Generator) GenerateFile(seg *rsynclist.Segment, idx int32, entry *rsynclist.FileEntry) error {
	return g.sendFileMetadata(idx, entry, rsyncchecksum.MaxDigestLength)
}

// PurgeFile removes idx from seg (resolving it from the file list when seg
// is nil), then acknowledges finished segments (spec.md §4.5 purgeFile).
func (g *Generator) PurgeFile(seg *rsynclist.Segment, idx int32) error {
	if seg == nil {
		_, found := g.List.At(idx)
		if found == nil {
			return rsync.NewProtocolError("purgeFile", fmt.Errorf("index %d does not resolve to any segment", idx))
		}
		seg = found
	}
	if seg.Remove(idx) == nil {
		return rsync.NewProtocolError("purgeFile", fmt.Errorf("index %d already removed or out of range", idx))
	}
	return g.removeFinishedSegmentsAndAck()
}

// removeFinishedSegmentsAndAck walks the generated list from the head,
// deleting each finished segment from the file list and emitting DONE on
// the wire, stopping at the first unfinished segment (spec.md §4.5).
func (g *Generator) removeFinishedSegmentsAndAck() error {
	for len(g.generated) > 0 && g.generated[0].Finished() {
		head := g.generated[0]
		n := g.List.RemoveFinishedHead()
		if n == 0 {
			return rsync.NewProtocolError("removeFinishedSegmentsAndAck", fmt.Errorf("generated head segment (dir index %d) is finished but file list head is not", head.DirIndex))
		}
		g.generated = g.generated[1:]
		if err := g.SendSegmentDone(); err != nil {
			return err
		}
	}
	return nil
}

// localAttrs is the subset of a FileEntry's attributes the generator
// compares against the local replica.
type localAttrs struct {
	exists bool
	typ    rsynclist.FileType
	size   int64
	mtime  int64
	mode   uint32
}

func statLocal(path string) (localAttrs, error) {
	st, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return localAttrs{}, nil
	}
	if err != nil {
		return localAttrs{}, err
	}
	a := localAttrs{
		exists: true,
		size:   st.Size(),
		mtime:  st.ModTime().Unix(),
	}
	switch {
	case st.Mode().IsDir():
		a.typ = rsynclist.TypeDirectory
	case st.Mode()&os.ModeSymlink != 0:
		a.typ = rsynclist.TypeSymlink
	case st.Mode().IsRegular():
		a.typ = rsynclist.TypeRegular
	default:
		a.typ = rsynclist.TypeDevice
	}
	a.mode = rsynclist.PosixMode(a.typ, uint32(st.Mode().Perm()))
	return a, nil
}

// itemizeFlags computes the wire item flags for cur vs entry, per spec.md
// §4.5 "Itemize flags computation".
func (g *Generator) itemizeFlags(cur localAttrs, entry *rsynclist.FileEntry) rsynclist.ItemFlags {
	if !cur.exists {
		return rsynclist.ItemIsNew
	}
	var f rsynclist.ItemFlags
	if g.Opts.PreservePerms && cur.mode != entry.Mode {
		f |= rsynclist.ItemReportPerms
	}
	if g.Opts.PreserveTimes && cur.mtime != entry.MTime {
		f |= rsynclist.ItemReportTime
	}
	// Owner and group are not compared: statLocal does not resolve
	// ownership, and ReportOwner/ReportGroup are never set by the generator.
	if entry.Type == rsynclist.TypeRegular && cur.size != entry.Size {
		f |= rsynclist.ItemReportSize
	}
	return f
}

// sendDirectoryMetadata itemizes a directory entry. GenerateSegment calls it
// for every directory; the generator has no recursion setting that skips it.
func (g *Generator) sendDirectoryMetadata(idx int32, entry *rsynclist.FileEntry) error {
	cur, err := statLocal(g.localPath(entry.Name))
	if err != nil {
		return g.itemize(idx, rsynclist.ItemTransfer)
	}
	flags := g.itemizeFlags(cur, entry)
	if !cur.exists {
		flags |= rsynclist.ItemTransfer
	} else if g.Opts.ItemizeAlways {
		flags |= rsynclist.ItemNoChange
	}
	g.deferAttrUpdate(entry)
	return g.itemize(idx, flags)
}

func (g *Generator) deferAttrUpdate(entry *rsynclist.FileEntry) {
	path := g.localPath(entry.Name)
	opts := g.Opts
	g.pushDeferred(func() error {
		return updateAttrsIfDiffer(path, entry, opts)
	})
}

func updateAttrsIfDiffer(path string, entry *rsynclist.FileEntry, opts Opts) error {
	if opts.PreservePerms {
		if err := os.Chmod(path, os.FileMode(entry.Mode)); err != nil {
			return err
		}
	}
	if opts.PreserveUID || opts.PreserveGID {
		uid, gid := -1, -1
		if opts.PreserveUID {
			uid = int(entry.Uid.ID)
		}
		if opts.PreserveGID {
			gid = int(entry.Gid.ID)
		}
		if err := os.Chown(path, uid, gid); err != nil {
			return err
		}
	}
	if opts.PreserveTimes {
		mt := unixTime(entry.MTime)
		if err := os.Chtimes(path, mt, mt); err != nil {
			return err
		}
	}
	return nil
}
