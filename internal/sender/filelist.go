package sender

import (
	"github.com/gokrazy/natsync/internal/rsynclist"
)

// sendFileEntry serializes entry against tr.prevSent using transmit-flag
// compaction, per spec.md §6 "File list entry (sender -> peer)".
func (tr *Transfer) sendFileEntry(entry *rsynclist.FileEntry) error {
	prev := tr.prevSent
	var flags rsynclist.TransmitFlag

	sameName, prefixLen, suffix := namePrefix(prev, entry)
	if sameName {
		flags |= rsynclist.XflagSameName
	}
	longName := len(suffix) > 255
	if longName {
		flags |= rsynclist.XflagLongName
	}

	sameMode := prev != nil && prev.Mode == entry.Mode
	if sameMode {
		flags |= rsynclist.XflagSameMode
	}
	sameTime := prev != nil && prev.MTime == entry.MTime
	if sameTime {
		flags |= rsynclist.XflagSameTime
	}
	sameUID := prev != nil && prev.Uid.ID == entry.Uid.ID
	if sameUID {
		flags |= rsynclist.XflagSameUID
	}
	sameGID := prev != nil && prev.Gid.ID == entry.Gid.ID
	if sameGID {
		flags |= rsynclist.XflagSameGID
	}

	if flags.NeedsExtended() {
		flags |= rsynclist.XflagExtendedFlags
	}

	// A zero flag byte is reserved as the list terminator (spec.md §6), so
	// an entry that would otherwise encode as all-zero bits borrows
	// TOP_DIR, which is always semantically safe to set on the first entry
	// of a list (the teacher's own transmit flag layout treats TOP_DIR as
	// informational, not load-bearing for decode).
	if byte(flags) == 0 && !flags.NeedsExtended() {
		flags |= rsynclist.XflagTopDir
	}

	if err := tr.writeTransmitFlags(flags); err != nil {
		return err
	}
	if sameName {
		if err := tr.Conn.WriteByte(byte(prefixLen)); err != nil {
			return err
		}
	}
	if longName {
		if err := tr.Conn.WriteVarint(int64(len(suffix)), 1); err != nil {
			return err
		}
	} else {
		if err := tr.Conn.WriteByte(byte(len(suffix))); err != nil {
			return err
		}
	}
	if err := tr.Conn.WriteBuf([]byte(suffix)); err != nil {
		return err
	}
	if err := tr.Conn.WriteVarint(entry.Size, 3); err != nil {
		return err
	}
	if !sameTime {
		if err := tr.Conn.WriteVarint(entry.MTime, 4); err != nil {
			return err
		}
	}
	if !sameMode {
		if err := tr.Conn.WriteInt32(int32(entry.Mode)); err != nil {
			return err
		}
	}
	if !sameUID {
		if err := tr.Conn.WriteVarint(int64(entry.Uid.ID), 1); err != nil {
			return err
		}
	}
	if !sameGID {
		if err := tr.Conn.WriteVarint(int64(entry.Gid.ID), 1); err != nil {
			return err
		}
	}
	if entry.Type == rsynclist.TypeDevice {
		if err := tr.Conn.WriteVarint(int64(entry.DevMajor), 1); err != nil {
			return err
		}
		if err := tr.Conn.WriteVarint(int64(entry.DevMinor), 1); err != nil {
			return err
		}
	}
	if entry.Type == rsynclist.TypeSymlink {
		if err := tr.Conn.WriteVarint(int64(len(entry.LinkTarget)), 1); err != nil {
			return err
		}
		if err := tr.Conn.WriteBuf([]byte(entry.LinkTarget)); err != nil {
			return err
		}
	}

	tr.prevSent = entry
	return nil
}

func (tr *Transfer) writeTransmitFlags(flags rsynclist.TransmitFlag) error {
	if err := tr.Conn.WriteByte(byte(flags)); err != nil {
		return err
	}
	if flags&rsynclist.XflagExtendedFlags != 0 {
		return tr.Conn.WriteByte(byte(flags >> 8))
	}
	return nil
}

// namePrefix computes the shared-prefix length between prev and entry's
// names, capped at 255 (spec.md §8 boundary behavior: "Path name with
// maximum prefix reuse ... forcing the shared prefix to truncate at 255"),
// and returns the non-shared suffix.
func namePrefix(prev *rsynclist.FileEntry, entry *rsynclist.FileEntry) (sameName bool, prefixLen int, suffix string) {
	if prev == nil {
		return false, 0, entry.Name
	}
	a, b := prev.Name, entry.Name
	max := len(a)
	if len(b) < max {
		max = len(b)
	}
	if max > 255 {
		max = 255
	}
	n := 0
	for n < max && a[n] == b[n] {
		n++
	}
	if n == 0 {
		return false, 0, entry.Name
	}
	return true, n, b[n:]
}
