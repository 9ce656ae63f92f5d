package rsyncwire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gokrazy/natsync"
)

// MsgCode identifies the kind of an inline multiplexed control message.
// MsgData (0) is not a control message; it marks frames that carry the
// ordinary duplex data stream and is never surfaced as a Message.
type MsgCode int

const (
	MsgData      MsgCode = 0
	MsgInfo      MsgCode = 1
	MsgError     MsgCode = 2
	MsgWarning   MsgCode = 3
	MsgErrorXfer MsgCode = 4
	MsgLog       MsgCode = 5
	MsgIOError   MsgCode = 6
	MsgNoSend    MsgCode = 7
	MsgDeleted   MsgCode = 8
)

func (c MsgCode) String() string {
	switch c {
	case MsgData:
		return "DATA"
	case MsgInfo:
		return "INFO"
	case MsgError:
		return "ERROR"
	case MsgWarning:
		return "WARNING"
	case MsgErrorXfer:
		return "ERROR_XFER"
	case MsgLog:
		return "LOG"
	case MsgIOError:
		return "IO_ERROR"
	case MsgNoSend:
		return "NO_SEND"
	case MsgDeleted:
		return "DELETED"
	default:
		return fmt.Sprintf("MsgCode(%d)", int(c))
	}
}

// Message is one inline multiplexed control frame.
type Message struct {
	Code    MsgCode
	Payload []byte
}

const maxFrameLength = 1 << 24 // length occupies the low 3 bytes of the header

// MultiplexWriter implements io.Writer over the underlying connection
// writer, tagging every write as a MsgData frame. Use WriteMsg to interleave
// control messages. Only the server side of a connection multiplexes its
// writes (spec.md §4.2); the client's writes are not tagged.
type MultiplexWriter struct {
	Writer io.Writer
}

func (w *MultiplexWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxFrameLength-1 {
			chunk = chunk[:maxFrameLength-1]
		}
		if err := w.writeFrame(MsgData, chunk); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// WriteMsg sends payload as an inline control message of the given code.
func (w *MultiplexWriter) WriteMsg(code MsgCode, payload []byte) error {
	if code == MsgData {
		panic("rsyncwire: WriteMsg called with MsgData")
	}
	return w.writeFrame(code, payload)
}

func (w *MultiplexWriter) writeFrame(code MsgCode, payload []byte) error {
	if len(payload) >= maxFrameLength {
		return rsync.NewProtocolError("multiplex write", fmt.Errorf("frame too large: %d bytes", len(payload)))
	}
	header := uint32(7+int(code))<<24 | uint32(len(payload))
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], header)
	if _, err := w.Writer.Write(buf[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Writer.Write(payload)
	return err
}

// MsgHandler is invoked for every inline control message the reader
// encounters while consuming data frames.
type MsgHandler func(Message) error

// MultiplexReader implements io.Reader over the underlying connection
// reader. Whenever it encounters a control-message frame, it dispatches the
// message to Handler instead of returning those bytes to the data consumer
// (spec.md §4.2).
type MultiplexReader struct {
	Reader  io.Reader
	Handler MsgHandler

	remaining int // bytes left in the current MsgData frame
}

func (r *MultiplexReader) Read(p []byte) (int, error) {
	for r.remaining == 0 {
		code, length, err := r.readHeader()
		if err != nil {
			return 0, err
		}
		if code == MsgData {
			r.remaining = length
			continue
		}
		payload := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(r.Reader, payload); err != nil {
				return 0, wrapEOF(err)
			}
		}
		if r.Handler != nil {
			if err := r.Handler(Message{Code: code, Payload: payload}); err != nil {
				return 0, err
			}
		}
	}

	if len(p) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.Reader.Read(p)
	r.remaining -= n
	if err != nil {
		return n, wrapEOF(err)
	}
	return n, nil
}

func (r *MultiplexReader) readHeader() (code MsgCode, length int, err error) {
	var buf [4]byte
	if _, err := io.ReadFull(r.Reader, buf[:]); err != nil {
		if err == io.EOF {
			// Clean end of stream on a frame boundary.
			return 0, 0, io.EOF
		}
		return 0, 0, wrapEOF(err)
	}
	header := binary.LittleEndian.Uint32(buf[:])
	tag := header >> 24
	length = int(header & 0x00FFFFFF)
	if tag < 7 {
		return 0, 0, rsync.NewProtocolError("multiplex read", fmt.Errorf("invalid multiplex tag %d", tag))
	}
	return MsgCode(tag - 7), length, nil
}
