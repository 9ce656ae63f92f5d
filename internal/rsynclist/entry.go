// Package rsynclist implements the file list and segment data model: the
// ordered, segmented collection of file entries that the generator, sender
// and receiver walk, expand and consume (spec.md §3, §4.3).
package rsynclist

import "fmt"

// FileType tags the kind of filesystem object a FileEntry describes
// (spec.md §3 FileEntry).
type FileType int

const (
	TypeRegular FileType = iota
	TypeDirectory
	TypeSymlink
	TypeDevice
	TypeFIFO
	TypeSocket
)

func (t FileType) String() string {
	switch t {
	case TypeRegular:
		return "regular"
	case TypeDirectory:
		return "directory"
	case TypeSymlink:
		return "symlink"
	case TypeDevice:
		return "device"
	case TypeFIFO:
		return "fifo"
	case TypeSocket:
		return "socket"
	default:
		return fmt.Sprintf("FileType(%d)", int(t))
	}
}

// Principal is an owner or group identity: a numeric id plus an optional
// resolved name (spec.md §3: "owner principal {uid, optional name}").
type Principal struct {
	ID   uint32
	Name string // empty if not resolved/sent
}

// FileEntry represents one filesystem object participating in a transfer
// (spec.md §3). It is modeled as a flat, tagged-variant struct rather than a
// type hierarchy: Type selects which of the type-specific fields apply,
// following spec.md's Design Notes preference for composition over
// inheritance.
type FileEntry struct {
	// RawName is the path exactly as it arrived on the wire, never silently
	// decoded (spec.md §3: "never silently decoded").
	RawName []byte
	// Name is RawName normalized to a relative path for local filesystem
	// use.
	Name string

	Type FileType

	Mode  uint32 // POSIX st_mode type bits plus permission bits, for every Type (see PosixMode)
	Size  int64
	MTime int64 // seconds since the Unix epoch

	Uid Principal
	Gid Principal

	// LinkTarget is set only when Type == TypeSymlink.
	LinkTarget string

	// DevMajor/DevMinor are set only when Type == TypeDevice.
	DevMajor int32
	DevMinor int32
}

// Validate checks the invariants spec.md §3 states for a FileEntry.
func (f *FileEntry) Validate() error {
	if f.Size < 0 {
		return fmt.Errorf("rsynclist: negative size %d for %q", f.Size, f.Name)
	}
	if f.MTime < 0 {
		return fmt.Errorf("rsynclist: negative mtime %d for %q", f.MTime, f.Name)
	}
	const maxID = 1<<32 - 2
	if f.Uid.ID > maxID {
		return fmt.Errorf("rsynclist: uid %d out of range for %q", f.Uid.ID, f.Name)
	}
	if f.Gid.ID > maxID {
		return fmt.Errorf("rsynclist: gid %d out of range for %q", f.Gid.ID, f.Name)
	}
	if f.Type == TypeRegular && f.LinkTarget != "" {
		return fmt.Errorf("rsynclist: regular file %q carries a symlink target", f.Name)
	}
	if f.Type == TypeDevice && (f.DevMajor < 0 || f.DevMinor < 0) {
		return fmt.Errorf("rsynclist: device entry %q has negative major/minor", f.Name)
	}
	return nil
}

// IsDir reports whether f names a directory.
func (f *FileEntry) IsDir() bool { return f.Type == TypeDirectory }
