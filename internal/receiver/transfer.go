package receiver

import (
	"github.com/gokrazy/natsync"
	"github.com/gokrazy/natsync/internal/generator"
	"github.com/gokrazy/natsync/internal/rsyncwire"
)

// RecvFileList decodes the initial segment, enqueues it with the generator,
// and primes the segment-outstanding counter used by RecvFiles to know
// when the transfer is complete (spec.md §4.7 "Metadata reception").
func (rt *Transfer) RecvFileList() error {
	rt.state = stateCollectingList
	seg, err := rt.decodeSegment(-1, nil)
	if err != nil {
		return err
	}
	rt.pendingSegments = 1
	rt.state = stateTransferring
	rt.Gen.Enqueue(func(g *generator.Generator) error {
		return g.GenerateSegment(seg)
	})
	return nil
}

// RecvFiles implements spec.md §4.7's main receiver loop: read the next
// index off the wire and dispatch on its range, exactly mirroring the
// three shapes the sender ever writes onto this pipe (stub-segment marker,
// DONE acknowledgment, or a transfer reply).
func (rt *Transfer) RecvFiles() error {
	for rt.pendingSegments > 0 {
		idx, err := rt.inIndex.ReadIndex(rt.Conn)
		if err != nil {
			return err
		}
		switch {
		case idx == rsyncwire.IndexEOF:
			continue
		case idx <= rsyncwire.IndexOffset:
			if err := rt.recvStubSegment(idx); err != nil {
				return err
			}
		case idx == rsyncwire.IndexDone:
			rt.List.RemoveFinishedHead()
			rt.pendingSegments--
		default:
			if err := rt.receiveAndMatch(idx); err != nil {
				return err
			}
		}
	}
	return nil
}

// recvStubSegment decodes the segment expanding the stub directory named
// by idx (spec.md §4.6 "stub-directory marker (OFFSET - stub_index)").
func (rt *Transfer) recvStubSegment(idx int32) error {
	dirIndex := rsyncwire.IndexOffset - idx
	dir, _ := rt.List.At(dirIndex)
	if dir == nil {
		return rsync.NewProtocolError("recvStubSegment", errUnknownStubDir)
	}
	seg, err := rt.decodeSegment(dirIndex, dir)
	if err != nil {
		return err
	}
	rt.pendingSegments++
	rt.Gen.Enqueue(func(g *generator.Generator) error {
		return g.GenerateSegment(seg)
	})
	return nil
}

// RecvTeardownStats reads the closing statistics frame: 5 varints, each at
// least 3 bytes wide, in the order total_written, total_read,
// total_file_size, file_list_build_ms, file_list_transfer_ms (spec.md §6
// "Statistics frame"), the receive-side mirror of
// sender.Transfer.sendTeardownStats.
func (rt *Transfer) RecvTeardownStats() error {
	rt.state = stateTearingDown
	defer func() { rt.state = stateDraining }()
	written, err := rt.Conn.ReadVarint(3)
	if err != nil {
		return err
	}
	read, err := rt.Conn.ReadVarint(3)
	if err != nil {
		return err
	}
	fileSize, err := rt.Conn.ReadVarint(3)
	if err != nil {
		return err
	}
	buildMs, err := rt.Conn.ReadVarint(3)
	if err != nil {
		return err
	}
	transferMs, err := rt.Conn.ReadVarint(3)
	if err != nil {
		return err
	}
	rt.Stats.TotalWritten = written
	rt.Stats.TotalRead = read
	rt.Stats.TotalFileSize = fileSize
	rt.Stats.ListBuildMillis = buildMs
	rt.Stats.ListTransferMillis = transferMs
	return nil
}

type protoError string

func (e protoError) Error() string { return string(e) }

const errUnknownStubDir = protoError("stub-segment marker refers to an index with no known directory entry")
