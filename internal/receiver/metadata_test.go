package receiver

import (
	"bytes"
	"testing"

	"github.com/gokrazy/natsync/internal/generator"
	"github.com/gokrazy/natsync/internal/rsynclist"
	"github.com/gokrazy/natsync/internal/rsyncwire"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func newTestTransfer(t *testing.T, r *bytes.Reader) *Transfer {
	t.Helper()
	dest := t.TempDir()
	conn := &rsyncwire.Conn{Writer: new(bytes.Buffer), Reader: r}
	list := rsynclist.NewFileList()
	gen := generator.New(&rsyncwire.Conn{Writer: new(bytes.Buffer), Reader: bytes.NewReader(nil)}, 0, list, dest, generator.Opts{})
	return New(conn, 0, list, gen, true, Opts{Dest: dest})
}

// encodeFileEntry is a test-local re-implementation of
// sender.Transfer.sendFileEntry's wire format, kept independent of the
// sender package so this test exercises decodeSegment against the wire
// format itself rather than against the sender's own encoder.
func encodeFileEntry(conn *rsyncwire.Conn, prev, entry *rsynclist.FileEntry) error {
	var flags rsynclist.TransmitFlag

	sameName := false
	prefixLen := 0
	suffix := entry.Name
	if prev != nil {
		max := len(prev.Name)
		if len(entry.Name) < max {
			max = len(entry.Name)
		}
		n := 0
		for n < max && prev.Name[n] == entry.Name[n] {
			n++
		}
		if n > 0 {
			sameName = true
			prefixLen = n
			suffix = entry.Name[n:]
		}
	}
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
	if byte(flags) == 0 {
		flags |= rsynclist.XflagTopDir
	}

	if err := conn.WriteByte(byte(flags)); err != nil {
		return err
	}
	if sameName {
		if err := conn.WriteByte(byte(prefixLen)); err != nil {
			return err
		}
	}
	if longName {
		if err := conn.WriteVarint(int64(len(suffix)), 1); err != nil {
			return err
		}
	} else if err := conn.WriteByte(byte(len(suffix))); err != nil {
		return err
	}
	if err := conn.WriteBuf([]byte(suffix)); err != nil {
		return err
	}
	if err := conn.WriteVarint(entry.Size, 3); err != nil {
		return err
	}
	if !sameTime {
		if err := conn.WriteVarint(entry.MTime, 4); err != nil {
			return err
		}
	}
	if !sameMode {
		if err := conn.WriteInt32(int32(entry.Mode)); err != nil {
			return err
		}
	}
	if !sameUID {
		if err := conn.WriteVarint(int64(entry.Uid.ID), 1); err != nil {
			return err
		}
	}
	if !sameGID {
		if err := conn.WriteVarint(int64(entry.Gid.ID), 1); err != nil {
			return err
		}
	}
	if entry.Type == rsynclist.TypeSymlink {
		if err := conn.WriteVarint(int64(len(entry.LinkTarget)), 1); err != nil {
			return err
		}
		if err := conn.WriteBuf([]byte(entry.LinkTarget)); err != nil {
			return err
		}
	}
	return nil
}

func TestDecodeSegmentRoundTrip(t *testing.T) {
	var wire bytes.Buffer
	wconn := &rsyncwire.Conn{Writer: &wire, Reader: bytes.NewReader(nil)}

	entries := []*rsynclist.FileEntry{
		{Name: "dir", Type: rsynclist.TypeDirectory, Mode: 0o040755, MTime: 1000},
		{Name: "dir/a.txt", Type: rsynclist.TypeRegular, Size: 10, Mode: 0o100644, MTime: 1000},
		{Name: "dir/b.txt", Type: rsynclist.TypeRegular, Size: 20, Mode: 0o100644, MTime: 1000},
	}
	var prev *rsynclist.FileEntry
	for _, e := range entries {
		if err := encodeFileEntry(wconn, prev, e); err != nil {
			t.Fatal(err)
		}
		prev = e
	}
	wire.WriteByte(0) // list terminator

	rt := newTestTransfer(t, bytes.NewReader(wire.Bytes()))
	seg, err := rt.decodeSegment(-1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if seg.Len() != len(entries) {
		t.Fatalf("decoded %d entries, want %d", seg.Len(), len(entries))
	}
	for i, want := range entries {
		got := seg.At(int32(i))
		if got == nil {
			t.Fatalf("entry %d missing", i)
		}
		// RawName holds the full reassembled name bytes, while the fixture
		// entries leave it nil; Name is the field that matters to callers,
		// so it's the only name field compared here.
		if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(rsynclist.FileEntry{}, "RawName")); diff != "" {
			t.Errorf("entry %d: diff (-want +got):\n%s", i, diff)
		}
	}
}

func TestDecodeSegmentDropsDuplicatePaths(t *testing.T) {
	var wire bytes.Buffer
	wconn := &rsyncwire.Conn{Writer: &wire, Reader: bytes.NewReader(nil)}

	a := &rsynclist.FileEntry{Name: "a.txt", Type: rsynclist.TypeRegular, Size: 1, Mode: 0o100644, MTime: 1}
	dup := &rsynclist.FileEntry{Name: "a.txt", Type: rsynclist.TypeRegular, Size: 2, Mode: 0o100644, MTime: 2}
	if err := encodeFileEntry(wconn, nil, a); err != nil {
		t.Fatal(err)
	}
	if err := encodeFileEntry(wconn, a, dup); err != nil {
		t.Fatal(err)
	}
	wire.WriteByte(0)

	rt := newTestTransfer(t, bytes.NewReader(wire.Bytes()))
	seg, err := rt.decodeSegment(-1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if seg.Len() != 1 {
		t.Fatalf("expected the duplicate path to be pruned, got %d entries", seg.Len())
	}
}

func TestDecodeNameSameNamePrefixReuse(t *testing.T) {
	var wire bytes.Buffer
	wconn := &rsyncwire.Conn{Writer: &wire, Reader: bytes.NewReader(nil)}
	first := &rsynclist.FileEntry{Name: "dir/a.txt", Type: rsynclist.TypeRegular, Size: 1, Mode: 0o100644, MTime: 1}
	second := &rsynclist.FileEntry{Name: "dir/b.txt", Type: rsynclist.TypeRegular, Size: 1, Mode: 0o100644, MTime: 1}
	if err := encodeFileEntry(wconn, nil, first); err != nil {
		t.Fatal(err)
	}
	if err := encodeFileEntry(wconn, first, second); err != nil {
		t.Fatal(err)
	}
	wire.WriteByte(0)

	rt := newTestTransfer(t, bytes.NewReader(wire.Bytes()))
	seg, err := rt.decodeSegment(-1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := seg.At(1).Name; got != "dir/b.txt" {
		t.Fatalf("decoded name = %q, want %q", got, "dir/b.txt")
	}
}
