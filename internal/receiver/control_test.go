package receiver

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/gokrazy/natsync/internal/rsynclist"
	"github.com/gokrazy/natsync/internal/rsyncwire"
)

func TestHandleControlNoSendPurgesIndex(t *testing.T) {
	rt := newTestTransfer(t, bytes.NewReader(nil))

	b := rsynclist.NewSegmentBuilder(-1, nil)
	b.Add(&rsynclist.FileEntry{Name: "vanished.txt", Type: rsynclist.TypeRegular, Size: 5})
	seg, _ := rt.List.AppendSegment(b)
	if err := rt.Gen.GenerateSegment(seg); err != nil {
		t.Fatal(err)
	}
	if seg.Finished() {
		t.Fatal("segment should still be awaiting its one entry")
	}

	done := make(chan error, 1)
	go func() { done <- rt.Gen.Run() }()

	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], 0)
	if err := rt.HandleControl(rsyncwire.Message{Code: rsyncwire.MsgNoSend, Payload: payload[:]}); err != nil {
		t.Fatal(err)
	}

	rt.Gen.Close()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if !seg.Finished() {
		t.Fatal("expected the vanished file's index to have been purged")
	}
	if rt.Stats.Errors == 0 {
		t.Fatal("expected NO_SEND to count as a vanished-file error")
	}
}

func TestHandleControlIgnoresMalformedNoSend(t *testing.T) {
	rt := newTestTransfer(t, bytes.NewReader(nil))
	if err := rt.HandleControl(rsyncwire.Message{Code: rsyncwire.MsgNoSend, Payload: []byte{1, 2}}); err != nil {
		t.Fatal(err)
	}
}

func TestHandleControlLogsInfoWithoutError(t *testing.T) {
	rt := newTestTransfer(t, bytes.NewReader(nil))
	if err := rt.HandleControl(rsyncwire.Message{Code: rsyncwire.MsgInfo, Payload: []byte("hello")}); err != nil {
		t.Fatal(err)
	}
	if rt.Stats.Errors != 0 {
		t.Fatal("MsgInfo should not count as an error")
	}
}
