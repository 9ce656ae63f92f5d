// Package rsyncwire implements the duplex framing channel rsync speaks on
// the wire: a single-writer-per-endpoint byte stream carrying fixed-width
// integers, the variable-length integer/index codecs, and inline
// multiplexed control messages. Writes are not buffered: each one goes
// straight to the underlying writer.
package rsyncwire

import (
	"encoding/binary"
	"io"
)

// CountingReader wraps an io.Reader and tracks the number of bytes read,
// used to measure per-segment wire size (spec.md §4.2).
type CountingReader struct {
	R         io.Reader
	BytesRead int64
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.R.Read(p)
	c.BytesRead += int64(n)
	return n, err
}

// CountingWriter wraps an io.Writer and tracks the number of bytes written.
type CountingWriter struct {
	W            io.Writer
	BytesWritten int64
}

func (c *CountingWriter) Write(p []byte) (int, error) {
	n, err := c.W.Write(p)
	c.BytesWritten += int64(n)
	return n, err
}

// CounterPair wraps r and w with byte counters in one call, mirroring the
// teacher's rsyncd.NewConnection / rsyncd.HandleDaemonConn helper.
func CounterPair(r io.Reader, w io.Writer) (*CountingReader, *CountingWriter) {
	return &CountingReader{R: r}, &CountingWriter{W: w}
}

// Conn is a single duplex endpoint of the framing channel. Access from one
// goroutine at a time per direction; the Reader and Writer fields may be
// swapped out (e.g. to insert the multiplexing reader/writer) before use.
type Conn struct {
	Reader io.Reader
	Writer io.Writer
}

func (c *Conn) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(c.Reader, buf[:]); err != nil {
		return 0, wrapEOF(err)
	}
	return buf[0], nil
}

func (c *Conn) WriteByte(b byte) error {
	_, err := c.Writer.Write([]byte{b})
	return err
}

func (c *Conn) ReadInt32() (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(c.Reader, buf[:]); err != nil {
		return 0, wrapEOF(err)
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

func (c *Conn) WriteInt32(v int32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	_, err := c.Writer.Write(buf[:])
	return err
}

// ReadInt64 follows rsync's convention: non-negative values that fit in an
// int32 are sent as 4 bytes; any other value is preceded by a -1 sentinel
// and then sent as 8 bytes.
func (c *Conn) ReadInt64() (int64, error) {
	v, err := c.ReadInt32()
	if err != nil {
		return 0, err
	}
	if v != -1 {
		return int64(v), nil
	}
	var buf [8]byte
	if _, err := io.ReadFull(c.Reader, buf[:]); err != nil {
		return 0, wrapEOF(err)
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

func (c *Conn) WriteInt64(v int64) error {
	if v >= 0 && v <= 0x7FFFFFFF {
		return c.WriteInt32(int32(v))
	}
	if err := c.WriteInt32(-1); err != nil {
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	_, err := c.Writer.Write(buf[:])
	return err
}

func (c *Conn) ReadBuf(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.Reader, buf); err != nil {
		return nil, wrapEOF(err)
	}
	return buf, nil
}

func (c *Conn) WriteBuf(b []byte) error {
	_, err := c.Writer.Write(b)
	return err
}

func (c *Conn) ReadString() (string, error) {
	n, err := c.ReadInt32()
	if err != nil {
		return "", err
	}
	buf, err := c.ReadBuf(int(n))
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func (c *Conn) WriteString(s string) error {
	if err := c.WriteInt32(int32(len(s))); err != nil {
		return err
	}
	return c.WriteBuf([]byte(s))
}

// ReadVarint reads a varint-encoded value with the given minimum byte count.
func (c *Conn) ReadVarint(minBytes int) (int64, error) {
	tag, err := c.ReadByte()
	if err != nil {
		return 0, err
	}
	extra := countLeadingOnes(tag)
	trailing := minBytes + extra - 1
	if trailing < 0 {
		trailing = 0
	}
	rest, err := c.ReadBuf(trailing)
	if err != nil {
		return 0, err
	}
	buf := append([]byte{tag}, rest...)
	v, _, err := DecodeVarint(buf, minBytes)
	return v, err
}

// WriteVarint writes v using the varint codec with the given minimum byte
// count.
func (c *Conn) WriteVarint(v int64, minBytes int) error {
	buf := EncodeVarint(nil, v, minBytes)
	return c.WriteBuf(buf)
}

// WriteMsg sends an inline multiplexed control message (spec.md §6 "Codes
// 1-8 correspond to INFO, ERROR, WARNING, ERROR_XFER, LOG, IO_ERROR,
// NO_SEND, DELETED"). It is a no-op returning nil when this connection's
// writer is not multiplexed (the client side of a connection never
// multiplexes its writes), matching the "only the server side tags its
// writes" rule MultiplexWriter documents.
func (c *Conn) WriteMsg(code MsgCode, payload []byte) error {
	mw, ok := c.Writer.(*MultiplexWriter)
	if !ok {
		return nil
	}
	return mw.WriteMsg(code, payload)
}

func wrapEOF(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrChannelEOF
	}
	return err
}
