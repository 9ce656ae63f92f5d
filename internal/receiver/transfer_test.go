package receiver

import (
	"bytes"
	"testing"

	"github.com/gokrazy/natsync/internal/rsyncwire"
)

// TestRecvFilesDoneDrainsSegment exercises the simplest shape RecvFiles must
// dispatch: a lone DONE index retires the only outstanding segment and the
// loop returns.
func TestRecvFilesDoneDrainsSegment(t *testing.T) {
	var wire bytes.Buffer
	var enc rsyncwire.IndexCodec
	wire.Write(enc.EncodeIndex(nil, rsyncwire.IndexDone))

	rt := newTestTransfer(t, bytes.NewReader(wire.Bytes()))
	rt.pendingSegments = 1

	if err := rt.RecvFiles(); err != nil {
		t.Fatal(err)
	}
	if rt.pendingSegments != 0 {
		t.Fatalf("pendingSegments = %d, want 0", rt.pendingSegments)
	}
}

// TestRecvFilesSkipsEOFMarker confirms an inline EOF sentinel is consumed
// without being mistaken for a transfer reply or a stub-segment marker.
func TestRecvFilesSkipsEOFMarker(t *testing.T) {
	var wire bytes.Buffer
	var enc rsyncwire.IndexCodec
	wire.Write(enc.EncodeIndex(nil, rsyncwire.IndexEOF))
	wire.Write(enc.EncodeIndex(nil, rsyncwire.IndexDone))

	rt := newTestTransfer(t, bytes.NewReader(wire.Bytes()))
	rt.pendingSegments = 1

	if err := rt.RecvFiles(); err != nil {
		t.Fatal(err)
	}
	if rt.pendingSegments != 0 {
		t.Fatalf("pendingSegments = %d, want 0", rt.pendingSegments)
	}
}

// TestRecvStubSegmentUnknownDirReturnsProtocolError guards against a
// malformed marker that names a directory index the receiver never saw.
func TestRecvStubSegmentUnknownDirReturnsProtocolError(t *testing.T) {
	rt := newTestTransfer(t, bytes.NewReader(nil))
	if err := rt.recvStubSegment(rsyncwire.IndexOffset - 42); err == nil {
		t.Fatal("expected an error for an unknown stub directory index")
	}
}
