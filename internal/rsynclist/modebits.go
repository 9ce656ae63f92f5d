package rsynclist

// POSIX st_mode type bits (S_IFMT and friends), fixed numeric values
// independent of host OS representation. The wire format carries a file's
// full mode this way (permission bits plus type bits combined into one
// 32-bit value), exactly as rsync's own mode field does, so that type and
// permissions round-trip together in the single Mode field already on
// FileEntry (spec.md §3 FileEntry "permission mode bits"; §6 "mode (reuse if
// SAME_MODE else 32-bit int)" carries no separate type tag).
const (
	modeIFMT   = 0170000
	modeIFSOCK = 0140000
	modeIFLNK  = 0120000
	modeIFREG  = 0100000
	modeIFBLK  = 0060000
	modeIFDIR  = 0040000
	modeIFCHR  = 0020000
	modeIFIFO  = 0010000
)

// PosixMode combines t's type bits with perm (the low 12 permission/setuid
// bits) into the single mode value transmitted on the wire. Every
// TypeDevice entry gets the block-device type bits; character devices are
// not distinguished.
func PosixMode(t FileType, perm uint32) uint32 {
	var typeBits uint32
	switch t {
	case TypeDirectory:
		typeBits = modeIFDIR
	case TypeSymlink:
		typeBits = modeIFLNK
	case TypeDevice:
		typeBits = modeIFBLK
	case TypeFIFO:
		typeBits = modeIFIFO
	case TypeSocket:
		typeBits = modeIFSOCK
	default:
		typeBits = modeIFREG
	}
	return typeBits | (perm & 0o7777)
}

// TypeFromPosixMode splits a wire-format mode value into its FileType and
// permission bits, the receiver-side inverse of PosixMode.
func TypeFromPosixMode(mode uint32) (FileType, uint32) {
	perm := mode & 0o7777
	switch mode & modeIFMT {
	case modeIFDIR:
		return TypeDirectory, perm
	case modeIFLNK:
		return TypeSymlink, perm
	case modeIFBLK, modeIFCHR:
		return TypeDevice, perm
	case modeIFIFO:
		return TypeFIFO, perm
	case modeIFSOCK:
		return TypeSocket, perm
	default:
		return TypeRegular, perm
	}
}
