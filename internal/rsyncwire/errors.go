package rsyncwire

import "errors"

// ErrShortVarint is returned by DecodeVarint when src does not contain
// enough bytes for the tag byte's declared width.
var ErrShortVarint = errors.New("rsyncwire: truncated varint")

// ErrChannelEOF is returned when the duplex channel hits a clean
// end-of-stream. It is expected during teardown/drain and unexpected (thus
// fatal) anywhere else.
var ErrChannelEOF = errors.New("rsyncwire: channel EOF")
