package receiver

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"hash"
	"os"

	"github.com/gokrazy/natsync"
	"github.com/gokrazy/natsync/internal/generator"
	"github.com/gokrazy/natsync/internal/rsynclist"
	"github.com/gokrazy/natsync/internal/rsyncstats"
	"github.com/google/renameio/v2"
)

// newFileHasher returns the whole-file MD5 accumulator used to verify a
// reconstructed file against the sender's trailing digest: the session
// seed is folded in first so the hash can be updated incrementally as
// literal and matched bytes arrive (spec.md §6 "Delta token stream...
// After terminator, 16 bytes of file MD5"), unlike the per-block strong
// hash in rsyncchecksum.StrongHasher, which folds the seed in after a
// single complete block.
func newFileHasher(seed int32) hash.Hash {
	h := md5.New()
	var seedBuf [4]byte
	binary.LittleEndian.PutUint32(seedBuf[:], uint32(seed))
	h.Write(seedBuf[:])
	return h
}

// receiveAndMatch reads the token stream the sender replies with for idx,
// reconstructing the file from literal bytes and blocks copied out of the
// existing local replica, then verifies the result against the trailing
// whole-file MD5 before committing it (spec.md §4.7 "Reconstruction",
// "Verification").
func (rt *Transfer) receiveAndMatch(idx int32) error {
	entry, seg := rt.List.At(idx)
	if entry == nil {
		return rsync.NewProtocolError("receiveAndMatch", errUnknownIndex)
	}
	header, _ := rt.Gen.HeaderFor(idx)

	local, err := rt.resolveDestPath(entry)
	if err != nil {
		return err
	}

	var src *os.File
	if header.ChunkCount > 0 {
		src, _ = os.Open(local) // best effort; a read failure degrades a match token to an error below
	}
	if src != nil {
		defer src.Close()
	}

	var pf *renameio.PendingFile
	if !rt.Opts.DryRun {
		pf, err = renameio.NewPendingFile(local)
		if err != nil {
			return rt.failTransfer(idx, entry, seg, err)
		}
		defer pf.Cleanup()
	}

	h := newFileHasher(rt.Seed)
	buf := make([]byte, header.BlockLength)

	for {
		tok, err := rt.Conn.ReadInt32()
		if err != nil {
			return err
		}
		if tok == 0 {
			break
		}
		if tok > 0 {
			data, err := rt.Conn.ReadBuf(int(tok))
			if err != nil {
				return err
			}
			h.Write(data)
			if pf != nil {
				if _, err := pf.Write(data); err != nil {
					return rt.failTransfer(idx, entry, seg, err)
				}
			}
			continue
		}

		blockIndex := -(tok + 1)
		n := int(header.BlockLength)
		if blockIndex == header.ChunkCount-1 {
			n = int(header.SmallestChunk())
		}
		block := buf[:n]
		if src == nil {
			return rt.failTransfer(idx, entry, seg, errNoLocalReplica)
		}
		if _, err := src.ReadAt(block, int64(blockIndex)*int64(header.BlockLength)); err != nil {
			return rt.failTransfer(idx, entry, seg, err)
		}
		h.Write(block)
		if pf != nil {
			if _, err := pf.Write(block); err != nil {
				return rt.failTransfer(idx, entry, seg, err)
			}
		}
	}

	peerSum, err := rt.Conn.ReadBuf(16)
	if err != nil {
		return err
	}
	if !bytes.Equal(h.Sum(nil), peerSum) {
		return rt.retryOrFail(idx, entry, seg, pf)
	}

	if pf != nil {
		if rt.Opts.PreservePerms {
			pf.Chmod(os.FileMode(entry.Mode & 0o7777))
		}
		if err := pf.CloseAtomicallyReplace(); err != nil {
			return rt.failTransfer(idx, entry, seg, err)
		}
	}
	if err := applyAttrs(local, entry, rt.Opts); err != nil {
		rt.Opts.Logger.Printf("receiveAndMatch: %s: applying attributes: %v", entry.Name, err)
	}
	rt.Stats.FilesTransferred++
	rt.Gen.Enqueue(func(g *generator.Generator) error {
		return g.PurgeFile(seg, idx)
	})
	return nil
}

// retryOrFail handles an MD5 mismatch: the first time, it asks the
// generator to re-send idx at full digest strength; the second time, it
// gives up and records a transfer error (spec.md §4.7 "Verification").
func (rt *Transfer) retryOrFail(idx int32, entry *rsynclist.FileEntry, seg *rsynclist.Segment, pf *renameio.PendingFile) error {
	if pf != nil {
		pf.Cleanup()
	}
	if rt.retried[idx] {
		rt.Opts.Logger.Printf("receiveAndMatch: %s: checksum mismatch after retry, giving up", entry.Name)
		rt.Stats.AddError(rsyncstats.IOErrorTransfer)
		rt.Gen.Enqueue(func(g *generator.Generator) error {
			return g.PurgeFile(seg, idx)
		})
		return nil
	}
	rt.retried[idx] = true
	rt.Gen.Enqueue(func(g *generator.Generator) error {
		return g.GenerateFile(seg, idx, entry)
	})
	return nil
}

// failTransfer records a local I/O error against idx, frees any generator
// state tied to it, and lets the session continue (spec.md §7: per-file
// errors are recoverable).
func (rt *Transfer) failTransfer(idx int32, entry *rsynclist.FileEntry, seg *rsynclist.Segment, cause error) error {
	rt.Opts.Logger.Printf("receiveAndMatch: %s: %v", entry.Name, cause)
	rt.Stats.AddError(rsyncstats.IOErrorGeneral)
	rt.Gen.Enqueue(func(g *generator.Generator) error {
		return g.PurgeFile(seg, idx)
	})
	return nil
}

// applyAttrs sets permissions/ownership/mtime on a freshly-written regular
// file, mirroring generator.updateAttrsIfDiffer for the receiver's own
// write path.
func applyAttrs(path string, entry *rsynclist.FileEntry, opts Opts) error {
	if opts.PreservePerms {
		if err := os.Chmod(path, os.FileMode(entry.Mode&0o7777)); err != nil {
			return err
		}
	}
	if opts.PreserveUID || opts.PreserveGID {
		if err := setUID(path, entry, opts); err != nil {
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

type matchError string

func (e matchError) Error() string { return string(e) }

const (
	errUnknownIndex   = matchError("index does not resolve to a live file list entry")
	errNoLocalReplica = matchError("match token requires a local replica that could not be opened")
)
