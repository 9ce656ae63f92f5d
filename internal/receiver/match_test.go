package receiver

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/gokrazy/natsync/internal/rsynclist"
)

func literalToken(data []byte) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, int32(len(data)))
	buf.Write(data)
	return buf.Bytes()
}

func fileHash(seed int32, data []byte) []byte {
	h := md5.New()
	var seedBuf [4]byte
	binary.LittleEndian.PutUint32(seedBuf[:], uint32(seed))
	h.Write(seedBuf[:])
	h.Write(data)
	return h.Sum(nil)
}

// TestReceiveAndMatchLiteralOnlyWritesFile exercises a pure-literal token
// stream (no local replica to match against) and confirms the reconstructed
// file lands at the resolved destination path with the right content.
func TestReceiveAndMatchLiteralOnlyWritesFile(t *testing.T) {
	const seed = int32(7)
	data := []byte("hello, world")

	var wire bytes.Buffer
	wire.Write(literalToken(data))
	binary.Write(&wire, binary.LittleEndian, int32(0)) // terminator
	wire.Write(fileHash(seed, data))

	rt := newTestTransfer(t, bytes.NewReader(wire.Bytes()))
	rt.Seed = seed

	b := rsynclist.NewSegmentBuilder(-1, nil)
	entry := &rsynclist.FileEntry{Name: "out.txt", Type: rsynclist.TypeRegular, Size: int64(len(data)), Mode: 0o100644}
	b.Add(entry)
	seg, _ := rt.List.AppendSegment(b)
	_ = seg

	if err := rt.receiveAndMatch(0); err != nil {
		t.Fatal(err)
	}
	if rt.Stats.FilesTransferred != 1 {
		t.Fatalf("FilesTransferred = %d, want 1", rt.Stats.FilesTransferred)
	}
	got, err := os.ReadFile(filepath.Join(rt.Opts.Dest, "out.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("written content = %q, want %q", got, data)
	}
}

// TestReceiveAndMatchRetriesOnDigestMismatch confirms a first MD5 mismatch
// schedules a retry rather than giving up immediately.
func TestReceiveAndMatchRetriesOnDigestMismatch(t *testing.T) {
	const seed = int32(1)
	data := []byte("some bytes")

	var wire bytes.Buffer
	wire.Write(literalToken(data))
	binary.Write(&wire, binary.LittleEndian, int32(0))
	wire.Write(bytes.Repeat([]byte{0xAA}, 16)) // deliberately wrong digest

	rt := newTestTransfer(t, bytes.NewReader(wire.Bytes()))
	rt.Seed = seed

	b := rsynclist.NewSegmentBuilder(-1, nil)
	entry := &rsynclist.FileEntry{Name: "out.txt", Type: rsynclist.TypeRegular, Size: int64(len(data)), Mode: 0o100644}
	b.Add(entry)
	rt.List.AppendSegment(b)

	if err := rt.receiveAndMatch(0); err != nil {
		t.Fatal(err)
	}
	if !rt.retried[0] {
		t.Fatal("expected the first mismatch to mark index 0 for retry")
	}
	if rt.Stats.FilesTransferred != 0 {
		t.Fatalf("FilesTransferred = %d, want 0 on mismatch", rt.Stats.FilesTransferred)
	}
	if _, err := os.ReadFile(filepath.Join(rt.Opts.Dest, "out.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected no committed file after a digest mismatch, got err=%v", err)
	}
}

// TestReceiveAndMatchGivesUpAfterRetry confirms a second consecutive
// mismatch for the same index is recorded as a transfer error instead of
// looping forever.
func TestReceiveAndMatchGivesUpAfterRetry(t *testing.T) {
	const seed = int32(1)
	data := []byte("more bytes")

	var wire bytes.Buffer
	wire.Write(literalToken(data))
	binary.Write(&wire, binary.LittleEndian, int32(0))
	wire.Write(bytes.Repeat([]byte{0xBB}, 16))

	rt := newTestTransfer(t, bytes.NewReader(wire.Bytes()))
	rt.Seed = seed
	rt.retried[0] = true

	b := rsynclist.NewSegmentBuilder(-1, nil)
	entry := &rsynclist.FileEntry{Name: "out.txt", Type: rsynclist.TypeRegular, Size: int64(len(data)), Mode: 0o100644}
	b.Add(entry)
	rt.List.AppendSegment(b)

	if err := rt.receiveAndMatch(0); err != nil {
		t.Fatal(err)
	}
	if rt.Stats.Errors == 0 {
		t.Fatal("expected a recorded transfer error after exhausting the retry")
	}
}
