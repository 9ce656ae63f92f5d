package sender

import (
	"path/filepath"

	"github.com/gokrazy/natsync/internal/rsynclist"
	"github.com/gokrazy/natsync/internal/rsyncwire"
)

// expandNextStub expands the head of tr.stubsLeft by up to
// Opts.maxExpand() entries, forming a new segment, sending the
// stub-directory marker (OFFSET - stub_index) followed by the segment's
// entries, then DONE (spec.md §4.6). A directory whose child count exceeds
// one batch stays at the head of stubsLeft with its remaining children
// cached, so the next call resumes rather than re-reading the directory.
func (tr *Transfer) expandNextStub() error {
	stub := tr.stubsLeft[0]

	if !stub.loaded {
		children, err := tr.readDirEntries(stub.absPath, stub.entry.Name)
		if err != nil {
			tr.Opts.Logger.Printf("expandNextStub: readdir %s: %v", stub.absPath, err)
		}
		stub.pending = children
		stub.loaded = true
	}

	limit := tr.Opts.maxExpand()
	n := len(stub.pending)
	if n > limit {
		n = limit
	}
	batch := stub.pending[:n]
	stub.pending = stub.pending[n:]

	b := rsynclist.NewSegmentBuilder(stub.dirIndex, stub.entry)
	for _, c := range batch {
		b.Add(c)
	}
	seg, base := tr.List.AppendSegment(b)
	tr.pendingSegments++

	marker := rsyncwire.IndexOffset - stub.dirIndex
	buf := tr.outIndex.EncodeIndex(nil, marker)
	if err := tr.Conn.WriteBuf(buf); err != nil {
		return err
	}

	for i := int32(0); i < int32(len(batch)); i++ {
		idx := base + i
		entry := seg.At(idx)
		abs := filepath.Join(stub.absPath, filepath.Base(entry.Name))
		tr.absPaths[idx] = abs
		if err := tr.sendFileEntry(entry); err != nil {
			return tr.sendFileListError(err)
		}
		if entry.Type == rsynclist.TypeDirectory && tr.Opts.Recurse {
			tr.stubsLeft = append(tr.stubsLeft, &stubDir{
				dirIndex: idx,
				entry:    entry,
				absPath:  abs,
			})
		}
	}
	if err := tr.sendFileListTerminator(); err != nil {
		return err
	}

	doneBuf := tr.outIndex.EncodeIndex(nil, rsyncwire.IndexDone)
	if err := tr.Conn.WriteBuf(doneBuf); err != nil {
		return err
	}

	if len(stub.pending) == 0 {
		tr.stubsLeft = tr.stubsLeft[1:]
	}
	return nil
}
