package sender

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/gokrazy/natsync"
	"github.com/gokrazy/natsync/internal/rsyncchecksum"
	"github.com/gokrazy/natsync/internal/rsynclist"
	"github.com/gokrazy/natsync/internal/rsyncstats"
	"github.com/gokrazy/natsync/internal/rsyncwire"
)

// SendFiles implements spec.md §4.6's main sender loop: while TRANSFER is
// active, expand any pending stub directories, read the next index the
// generator/receiver asks for, and answer it with either nothing (an
// itemization without the TRANSFER bit), a checksum-request response (delta
// matcher), or a segment completion. Only the IndexDone that brings pendingSegments to zero is the
// teardown transition: a recursive transfer produces one generator segment,
// and one DONE, per expanded stub directory (spec.md §3.3), so an earlier
// DONE just means one of those segments finished while others remain.
func (tr *Transfer) SendFiles() error {
	var inIndex rsyncwire.IndexCodec
	tr.state = stateTransfer
	tr.transferLoopStart = time.Now()

	for tr.state == stateTransfer {
		if len(tr.stubsLeft) > 0 {
			if err := tr.expandNextStub(); err != nil {
				return err
			}
			continue
		}

		idx, err := inIndex.ReadIndex(tr.Conn)
		if err != nil {
			return err
		}

		switch {
		case idx == rsyncwire.IndexDone:
			tr.pendingSegments--
			if tr.pendingSegments > 0 {
				// Another stub-directory expansion (spec.md §3.3) is still
				// outstanding on the generator side; only the matching
				// count of DONEs ends the session.
				continue
			}
			tr.state = stateTeardown1
			return tr.sendTeardownStats()
		case idx == rsyncwire.IndexEOF:
			// No more stub directories to expand and the peer has
			// acknowledged the end of the incrementally-built list; keep
			// waiting for DONE.
			continue
		case idx <= rsyncwire.IndexOffset:
			// Negative indices at/below OFFSET address stub directories by
			// (OFFSET - stub_index); this sender never receives one back
			// since it is the one emitting stub markers, not consuming them.
			return rsync.NewProtocolError("SendFiles", fmt.Errorf("unexpected stub-offset index %d", idx))
		default:
			if err := tr.handleFileRequest(idx); err != nil {
				return err
			}
		}
	}
	return nil
}

// handleFileRequest reads the item flags following a non-negative index and
// either returns at once (TRANSFER bit clear: nothing further is read or
// written for that index) or answers a checksum request with a
// delta-matched data stream (spec.md §4.6).
func (tr *Transfer) handleFileRequest(idx int32) error {
	flagBuf, err := tr.Conn.ReadBuf(2)
	if err != nil {
		return err
	}
	flags := rsynclist.ItemFlags(uint16(flagBuf[0]) | uint16(flagBuf[1])<<8)
	if !flags.Has(rsynclist.ItemTransfer) {
		// No transfer requested: nothing further to read for this index,
		// nothing is echoed, and the sender's own list is left unchanged.
		return nil
	}

	h, err := tr.readChecksumHeader()
	if err != nil {
		return err
	}
	strongHash := rsyncchecksum.StrongHasher(tr.Seed)
	chunks, err := tr.readChunks(h)
	if err != nil {
		return err
	}
	table := rsyncchecksum.NewTable(h, chunks, strongHash)

	path := tr.absPaths[idx]

	f, err := os.Open(path)
	if err != nil {
		// The local file vanished between listing and transfer: notify the
		// peer via the NO_SEND control message and move on without writing
		// a token stream for this index at all (spec.md §4.6 "Failure
		// semantics").
		tr.Opts.Logger.Printf("handleFileRequest: open %s: %v", path, err)
		tr.Stats.AddError(rsyncstats.IOErrorVanished)
		var payload [4]byte
		binary.LittleEndian.PutUint32(payload[:], uint32(idx))
		return tr.Conn.WriteMsg(rsyncwire.MsgNoSend, payload[:])
	}
	defer f.Close()

	// Echo idx on the reply stream before the token stream itself: in the
	// local two-pipe topology (spec.md §5) the receiver only ever observes
	// this sender->receiver pipe, never the generator->sender one, so it has
	// no other way to learn which file list entry the following tokens
	// belong to.
	idxBuf := tr.outIndex.EncodeIndex(nil, idx)
	if err := tr.Conn.WriteBuf(idxBuf); err != nil {
		return err
	}

	if st, err := f.Stat(); err == nil {
		tr.Stats.TotalFileSize += st.Size()
	}

	sum, err := tr.sendMatchesAndData(f, table)
	if err != nil {
		return err
	}
	tr.Stats.FilesTransferred++
	return tr.Conn.WriteBuf(sum)
}

// readChecksumHeader reads the 4x32-bit-LE checksum header the generator
// sent (spec.md §6 "Checksum header").
func (tr *Transfer) readChecksumHeader() (rsyncchecksum.Header, error) {
	buf, err := tr.Conn.ReadBuf(16)
	if err != nil {
		return rsyncchecksum.Header{}, err
	}
	return rsyncchecksum.Header{
		ChunkCount:      int32(binary.LittleEndian.Uint32(buf[0:4])),
		BlockLength:     int32(binary.LittleEndian.Uint32(buf[4:8])),
		DigestLength:    int32(binary.LittleEndian.Uint32(buf[8:12])),
		RemainderLength: int32(binary.LittleEndian.Uint32(buf[12:16])),
	}, nil
}

// readChunks reads h.ChunkCount (rolling uint32, strong hash) pairs (spec.md
// §6 "Checksum pair stream").
func (tr *Transfer) readChunks(h rsyncchecksum.Header) ([]rsyncchecksum.Chunk, error) {
	if h.ChunkCount == 0 {
		return nil, nil
	}
	chunks := make([]rsyncchecksum.Chunk, 0, h.ChunkCount)
	for i := int32(0); i < h.ChunkCount; i++ {
		rollBuf, err := tr.Conn.ReadBuf(4)
		if err != nil {
			return nil, err
		}
		strong, err := tr.Conn.ReadBuf(int(h.DigestLength))
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, rsyncchecksum.Chunk{
			Rolling: binary.LittleEndian.Uint32(rollBuf),
			Strong:  append([]byte(nil), strong...),
		})
	}
	return chunks, nil
}

// sendTeardownStats writes the closing statistics frame: 5 varints, each at
// least 3 bytes wide (spec.md §6 "Statistics frame": total_written,
// total_read, total_file_size, file_list_build_ms, file_list_transfer_ms).
func (tr *Transfer) sendTeardownStats() error {
	tr.state = stateTeardown2
	tr.Stats.ListTransferMillis = time.Since(tr.transferLoopStart).Milliseconds()
	vals := []int64{
		tr.Stats.TotalWritten,
		tr.Stats.TotalRead,
		tr.Stats.TotalFileSize,
		tr.Stats.ListBuildMillis,
		tr.Stats.ListTransferMillis,
	}
	for _, v := range vals {
		if err := tr.Conn.WriteVarint(v, 3); err != nil {
			return err
		}
	}
	tr.state = stateStopped
	return nil
}
