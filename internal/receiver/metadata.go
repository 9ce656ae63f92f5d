package receiver

import (
	"github.com/gokrazy/natsync"
	"github.com/gokrazy/natsync/internal/rsynclist"
	"github.com/gokrazy/natsync/internal/rsyncstats"
)

// decodeSegment reads entries off rt.Conn using transmit-flag compaction
// until the list terminator (a literal zero byte) or an
// EXTENDED_FLAGS|IO_ERROR_ENDLIST frame, the receive-side inverse of
// sender.sendFileEntry (spec.md §4.7 "Metadata reception", §6 "File list
// entry (sender -> peer)"). prevRecv carries compaction state across calls
// the same way sender.Transfer.prevSent does on the write side.
func (rt *Transfer) decodeSegment(dirIndex int32, dir *rsynclist.FileEntry) (*rsynclist.Segment, error) {
	b := rsynclist.NewSegmentBuilder(dirIndex, dir)
	for {
		b0, err := rt.Conn.ReadByte()
		if err != nil {
			return nil, err
		}
		if b0 == 0 {
			break // list terminator
		}
		flags := rsynclist.TransmitFlag(b0)
		if flags&rsynclist.XflagExtendedFlags != 0 {
			b1, err := rt.Conn.ReadByte()
			if err != nil {
				return nil, err
			}
			flags |= rsynclist.TransmitFlag(b1) << 8
		}
		if flags == (rsynclist.XflagExtendedFlags | rsynclist.XflagIOErrorEndlist) {
			code, err := rt.Conn.ReadVarint(1)
			if err != nil {
				return nil, err
			}
			rt.Opts.Logger.Printf("decodeSegment: peer reported file-list error code %d", code)
			rt.Opts.DeleteMode = false
			break
		}

		entry, err := rt.decodeEntry(flags)
		if err != nil {
			return nil, err
		}
		if !b.Add(entry) {
			rt.Opts.Logger.Printf("decodeSegment: duplicate path %q pruned", entry.Name)
			continue
		}
		rt.prevRecv = entry
		if err := rt.materializeNonRegular(entry); err != nil {
			rt.Opts.Logger.Printf("decodeSegment: %s: %v", entry.Name, err)
			rt.Stats.AddError(rsyncstats.IOErrorGeneral)
		}
	}
	seg, _ := rt.List.AppendSegment(b)
	return seg, nil
}

// decodeEntry reads the body of one file list entry given its already-read
// transmit flags (spec.md §6).
func (rt *Transfer) decodeEntry(flags rsynclist.TransmitFlag) (*rsynclist.FileEntry, error) {
	entry := &rsynclist.FileEntry{}

	name, err := rt.decodeName(flags)
	if err != nil {
		return nil, err
	}
	entry.RawName = []byte(name)
	entry.Name = name

	size, err := rt.Conn.ReadVarint(3)
	if err != nil {
		return nil, err
	}
	entry.Size = size

	if flags&rsynclist.XflagSameTime != 0 {
		if rt.prevRecv == nil {
			return nil, rsync.NewProtocolError("decodeEntry", errNoPrevForSameTime)
		}
		entry.MTime = rt.prevRecv.MTime
	} else {
		mtime, err := rt.Conn.ReadVarint(4)
		if err != nil {
			return nil, err
		}
		entry.MTime = mtime
	}

	if flags&rsynclist.XflagSameMode != 0 {
		if rt.prevRecv == nil {
			return nil, rsync.NewProtocolError("decodeEntry", errNoPrevForSameMode)
		}
		entry.Mode = rt.prevRecv.Mode
	} else {
		mode, err := rt.Conn.ReadInt32()
		if err != nil {
			return nil, err
		}
		entry.Mode = uint32(mode)
	}
	entry.Type, _ = rsynclist.TypeFromPosixMode(entry.Mode)

	if flags&rsynclist.XflagSameUID != 0 {
		if rt.prevRecv != nil {
			entry.Uid = rt.prevRecv.Uid
		}
	} else {
		uid, err := rt.Conn.ReadVarint(1)
		if err != nil {
			return nil, err
		}
		entry.Uid = rsynclist.Principal{ID: uint32(uid)}
	}
	if flags&rsynclist.XflagSameGID != 0 {
		if rt.prevRecv != nil {
			entry.Gid = rt.prevRecv.Gid
		}
	} else {
		gid, err := rt.Conn.ReadVarint(1)
		if err != nil {
			return nil, err
		}
		entry.Gid = rsynclist.Principal{ID: uint32(gid)}
	}

	if entry.Type == rsynclist.TypeDevice {
		major, err := rt.Conn.ReadVarint(1)
		if err != nil {
			return nil, err
		}
		minor, err := rt.Conn.ReadVarint(1)
		if err != nil {
			return nil, err
		}
		entry.DevMajor = int32(major)
		entry.DevMinor = int32(minor)
	}
	if entry.Type == rsynclist.TypeSymlink {
		n, err := rt.Conn.ReadVarint(1)
		if err != nil {
			return nil, err
		}
		buf, err := rt.Conn.ReadBuf(int(n))
		if err != nil {
			return nil, err
		}
		entry.LinkTarget = string(buf)
	}

	return entry, nil
}

// decodeName reassembles a wire name from SAME_NAME prefix reuse and a
// byte- or varint-length suffix (spec.md §6: "if SAME_NAME, one byte of
// prefix-length; suffix-length (varint if LONG_NAME, byte otherwise)").
func (rt *Transfer) decodeName(flags rsynclist.TransmitFlag) (string, error) {
	prefixLen := 0
	if flags&rsynclist.XflagSameName != 0 {
		b, err := rt.Conn.ReadByte()
		if err != nil {
			return "", err
		}
		prefixLen = int(b)
	}

	var suffixLen int64
	if flags&rsynclist.XflagLongName != 0 {
		n, err := rt.Conn.ReadVarint(1)
		if err != nil {
			return "", err
		}
		suffixLen = n
	} else {
		b, err := rt.Conn.ReadByte()
		if err != nil {
			return "", err
		}
		suffixLen = int64(b)
	}

	suffix, err := rt.Conn.ReadBuf(int(suffixLen))
	if err != nil {
		return "", err
	}
	if prefixLen == 0 {
		return string(suffix), nil
	}
	if rt.prevRecv == nil || prefixLen > len(rt.prevRecv.Name) {
		return "", rsync.NewProtocolError("decodeName", errBadPrefixLen)
	}
	return rt.prevRecv.Name[:prefixLen] + string(suffix), nil
}

type nameError string

func (e nameError) Error() string { return string(e) }

const (
	errNoPrevForSameTime = nameError("SAME_TIME set with no previous entry")
	errNoPrevForSameMode = nameError("SAME_MODE set with no previous entry")
	errBadPrefixLen      = nameError("SAME_NAME prefix length exceeds previous name")
)
