package generator

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"time"

	"github.com/gokrazy/natsync/internal/rsyncchecksum"
	"github.com/gokrazy/natsync/internal/rsynclist"
)

func unixTime(sec int64) time.Time { return time.Unix(sec, 0) }

// itemize emits an itemization frame: encoded-index, 16-bit LE item flags
// (spec.md §6 "Itemization frame").
func (g *Generator) itemize(idx int32, flags rsynclist.ItemFlags) error {
	buf := g.outIndex.EncodeIndex(nil, idx)
	var flagBuf [2]byte
	binary.LittleEndian.PutUint16(flagBuf[:], uint16(flags))
	buf = append(buf, flagBuf[:]...)
	return g.Conn.WriteBuf(buf)
}

// writeChecksumHeader writes the 4x32-bit-LE checksum header (spec.md §6
// "Checksum header").
func (g *Generator) writeChecksumHeader(h rsyncchecksum.Header) error {
	var buf [16]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.ChunkCount))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.BlockLength))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.DigestLength))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.RemainderLength))
	return g.Conn.WriteBuf(buf[:])
}

// sendFileMetadata implements spec.md §4.5's sendFileMetadata.
func (g *Generator) sendFileMetadata(idx int32, entry *rsynclist.FileEntry, minDigest int32) error {
	path := g.localPath(entry.Name)
	cur, err := statLocal(path)
	if err != nil {
		// Local I/O error (per spec.md §7): itemize as TRANSFER with a
		// zero checksum header so the sender sends the file whole, and
		// continue rather than failing the session.
		if err := g.itemize(idx, rsynclist.ItemTransfer|rsynclist.ItemIsNew); err != nil {
			return err
		}
		g.setHeader(idx, rsyncchecksum.Zero)
		return g.writeChecksumHeader(rsyncchecksum.Zero)
	}
	if cur.exists && cur.typ != rsynclist.TypeRegular {
		os.RemoveAll(path)
		cur.exists = false
	}

	switch {
	case !cur.exists:
		if err := g.itemize(idx, rsynclist.ItemTransfer|rsynclist.ItemIsNew); err != nil {
			return err
		}
		g.setHeader(idx, rsyncchecksum.Zero)
		return g.writeChecksumHeader(rsyncchecksum.Zero)

	case cur.size != entry.Size || cur.mtime != entry.MTime || g.Opts.IgnoreTimes:
		if err := g.itemize(idx, rsynclist.ItemTransfer); err != nil {
			return err
		}
		return g.sendItemizeAndChecksums(idx, path, entry, minDigest)

	default:
		flags := g.itemizeFlags(cur, entry)
		if g.Opts.ItemizeAlways {
			flags |= rsynclist.ItemNoChange
		} else if flags == 0 {
			return nil
		}
		if err := g.itemize(idx, flags); err != nil {
			return err
		}
		g.deferAttrUpdate(entry)
		return nil
	}
}

// sendItemizeAndChecksums opens the local file, derives the checksum
// header, and streams (rolling, MD5) pairs per block (spec.md §4.5).
func (g *Generator) sendItemizeAndChecksums(idx int32, path string, entry *rsynclist.FileEntry, minDigest int32) error {
	f, err := os.Open(path)
	if err != nil {
		// Open error: itemize was already sent as TRANSFER by the caller;
		// send ZERO_SUM so the sender transmits the file in full.
		g.setHeader(idx, rsyncchecksum.Zero)
		return g.writeChecksumHeader(rsyncchecksum.Zero)
	}
	defer f.Close()

	h := rsyncchecksum.NewHeader(entry.Size, minDigest)
	g.setHeader(idx, h)
	if err := g.writeChecksumHeader(h); err != nil {
		return err
	}
	if h.ChunkCount == 0 {
		return nil
	}

	strongHash := rsyncchecksum.StrongHasher(g.Seed)
	r := bufio.NewReaderSize(f, int(h.BlockLength))
	buf := make([]byte, h.BlockLength)
	for i := int32(0); i < h.ChunkCount; i++ {
		n := int(h.BlockLength)
		if i == h.ChunkCount-1 {
			n = int(h.SmallestChunk())
		}
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return err
		}
		block := buf[:n]
		var rollBuf [4]byte
		binary.LittleEndian.PutUint32(rollBuf[:], rsyncchecksum.Rolling(block))
		if err := g.Conn.WriteBuf(rollBuf[:]); err != nil {
			return err
		}
		strong := strongHash(block)
		if err := g.Conn.WriteBuf(strong[:h.DigestLength]); err != nil {
			return err
		}
	}
	return nil
}
