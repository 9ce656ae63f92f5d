package rsyncwire

import "github.com/gokrazy/natsync"

// Index sentinels (spec.md §4.1).
const (
	IndexDone   int32 = -1
	IndexEOF    int32 = -2
	IndexOffset int32 = -101
)

const (
	indexMarkerDone  = 0x00
	indexMarkerShort = 0xFE // followed by a 2-byte little-endian index
	indexMarkerLong  = 0xFF // followed by a 4-byte little-endian index (any sign)

	indexMaxShort = 0x7FFF
	indexMaxDiff  = 0xFD // 0xFE and 0xFF are reserved markers
)

// IndexCodec tracks the previous positive index sent/received on one
// direction of a duplex channel, used to diff-encode small positive indices
// the way spec.md §4.1 describes. Zero value is ready to use (first index
// encodes as though the previous positive index was -1).
type IndexCodec struct {
	prevPositive int32
	havePrev     bool
}

// EncodeIndex appends the encoded form of idx to dst.
func (c *IndexCodec) EncodeIndex(dst []byte, idx int32) []byte {
	if idx == IndexDone {
		return append(dst, indexMarkerDone)
	}
	if idx < 0 {
		dst = append(dst, indexMarkerLong)
		return appendInt32LE(dst, idx)
	}

	prev := int32(-1)
	if c.havePrev {
		prev = c.prevPositive
	}
	diff := idx - prev
	c.prevPositive = idx
	c.havePrev = true

	if diff > 0 && diff <= indexMaxDiff && idx <= indexMaxShort {
		return append(dst, byte(diff))
	}
	if idx <= indexMaxShort {
		dst = append(dst, indexMarkerShort)
		return appendUint16LE(dst, uint16(idx))
	}
	dst = append(dst, indexMarkerLong)
	return appendInt32LE(dst, idx)
}

// DecodeIndex reads one encoded index from src, returning the decoded value
// and the number of bytes consumed.
func (c *IndexCodec) DecodeIndex(src []byte) (idx int32, n int, err error) {
	if len(src) < 1 {
		return 0, 0, ErrShortVarint
	}
	switch src[0] {
	case indexMarkerDone:
		return IndexDone, 1, nil
	case indexMarkerShort:
		if len(src) < 3 {
			return 0, 0, ErrShortVarint
		}
		idx := int32(uint16(src[1]) | uint16(src[2])<<8)
		c.prevPositive = idx
		c.havePrev = true
		return idx, 3, nil
	case indexMarkerLong:
		if len(src) < 5 {
			return 0, 0, ErrShortVarint
		}
		v := int32(uint32(src[1]) | uint32(src[2])<<8 | uint32(src[3])<<16 | uint32(src[4])<<24)
		if v >= 0 {
			c.prevPositive = v
			c.havePrev = true
		}
		return v, 5, nil
	default:
		prev := int32(-1)
		if c.havePrev {
			prev = c.prevPositive
		}
		idx := prev + int32(src[0])
		c.prevPositive = idx
		c.havePrev = true
		return idx, 1, nil
	}
}

// ReadIndex reads one encoded index from c, feeding c's codec so diff
// encoding state stays in sync across the whole read direction (mirrors
// EncodeIndex's write-side usage: one IndexCodec per direction, shared
// across every call).
func (c *IndexCodec) ReadIndex(conn *Conn) (int32, error) {
	b0, err := conn.ReadByte()
	if err != nil {
		return 0, err
	}
	switch b0 {
	case indexMarkerDone:
		return IndexDone, nil
	case indexMarkerShort:
		rest, err := conn.ReadBuf(2)
		if err != nil {
			return 0, err
		}
		idx, _, err := c.DecodeIndex(append([]byte{b0}, rest...))
		return idx, err
	case indexMarkerLong:
		rest, err := conn.ReadBuf(4)
		if err != nil {
			return 0, err
		}
		idx, _, err := c.DecodeIndex(append([]byte{b0}, rest...))
		return idx, err
	default:
		idx, _, err := c.DecodeIndex([]byte{b0})
		return idx, err
	}
}

func appendInt32LE(dst []byte, v int32) []byte {
	return append(dst, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendUint16LE(dst []byte, v uint16) []byte {
	return append(dst, byte(v), byte(v>>8))
}

// ValidateIndex rejects index sentinels that are illegal for the current
// mode, per spec.md §4.1: EOF is only legal while the file list is still
// being incrementally expanded (incremental-recurse mode).
func ValidateIndex(idx int32, incRecurse bool) error {
	if idx == IndexEOF && !incRecurse {
		return rsync.NewProtocolError("decode index", errNotIncRecurse)
	}
	return nil
}

var errNotIncRecurse = indexError("EOF index received while not in incremental-recurse mode")

type indexError string

func (e indexError) Error() string { return string(e) }
