package sender

import (
	"bytes"
	"crypto/md5"
	"testing"

	"github.com/gokrazy/natsync/internal/rsyncchecksum"
	"github.com/gokrazy/natsync/internal/rsyncwire"
)

func newDeltaTransfer(t *testing.T) (*Transfer, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	conn := &rsyncwire.Conn{Writer: &out, Reader: bytes.NewReader(nil)}
	tr := New(conn, 7, nil, Opts{})
	return tr, &out
}

func buildTable(t *testing.T, data []byte, blockLen int32) *rsyncchecksum.Table {
	t.Helper()
	hash := rsyncchecksum.StrongHasher(7)
	h := headerFor(data, blockLen)
	chunks, err := rsyncchecksum.ComputeChunks(h, bytes.NewReader(data), hash)
	if err != nil {
		t.Fatal(err)
	}
	return rsyncchecksum.NewTable(h, chunks, hash)
}

func headerFor(data []byte, blockLen int32) rsyncchecksum.Header {
	n := int32(len(data))
	count := n / blockLen
	rem := n % blockLen
	if rem != 0 {
		count++
	}
	return rsyncchecksum.Header{
		ChunkCount:      count,
		BlockLength:     blockLen,
		DigestLength:    rsyncchecksum.MaxDigestLength,
		RemainderLength: rem,
	}
}

func TestSendMatchesAndDataIdenticalFileIsAllMatches(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 100) // 1000 bytes
	table := buildTable(t, data, 100)

	tr, _ := newDeltaTransfer(t)
	sum, err := tr.sendMatchesAndData(bytes.NewReader(data), table)
	if err != nil {
		t.Fatal(err)
	}
	want := md5.Sum(data)
	if !bytes.Equal(sum, want[:]) {
		t.Fatalf("digest mismatch: got %x want %x", sum, want)
	}
	if tr.Stats.MatchedData != int64(len(data)) {
		t.Fatalf("MatchedData = %d, want %d (entire file should match)", tr.Stats.MatchedData, len(data))
	}
	if tr.Stats.LiteralData != 0 {
		t.Fatalf("LiteralData = %d, want 0 for an identical file", tr.Stats.LiteralData)
	}
}

func TestSendMatchesAndDataEntirelyNewContentIsAllLiteral(t *testing.T) {
	old := bytes.Repeat([]byte("A"), 300)
	table := buildTable(t, old, 100)

	tr, _ := newDeltaTransfer(t)
	newData := bytes.Repeat([]byte("Z"), 300)
	sum, err := tr.sendMatchesAndData(bytes.NewReader(newData), table)
	if err != nil {
		t.Fatal(err)
	}
	want := md5.Sum(newData)
	if !bytes.Equal(sum, want[:]) {
		t.Fatalf("digest mismatch: got %x want %x", sum, want)
	}
	if tr.Stats.MatchedData != 0 {
		t.Fatalf("MatchedData = %d, want 0 for entirely different content", tr.Stats.MatchedData)
	}
	if tr.Stats.LiteralData != int64(len(newData)) {
		t.Fatalf("LiteralData = %d, want %d", tr.Stats.LiteralData, len(newData))
	}
}

func TestSendMatchesAndDataZeroBlockLengthEmitsAllLiteral(t *testing.T) {
	tr, _ := newDeltaTransfer(t)
	table := rsyncchecksum.NewTable(rsyncchecksum.Zero, nil, rsyncchecksum.StrongHasher(0))

	data := []byte("brand new file contents")
	sum, err := tr.sendMatchesAndData(bytes.NewReader(data), table)
	if err != nil {
		t.Fatal(err)
	}
	want := md5.Sum(data)
	if !bytes.Equal(sum, want[:]) {
		t.Fatalf("digest mismatch: got %x want %x", sum, want)
	}
}

func TestPickCandidatePrefersLastMatchPlusOne(t *testing.T) {
	blockA := bytes.Repeat([]byte{'A'}, 64)
	hash := rsyncchecksum.StrongHasher(3)
	h := rsyncchecksum.Header{ChunkCount: 3, BlockLength: 64, DigestLength: rsyncchecksum.MaxDigestLength}
	chunks := []rsyncchecksum.Chunk{
		{Rolling: rsyncchecksum.Rolling(blockA), Strong: hash(blockA)},
		{Rolling: rsyncchecksum.Rolling(blockA), Strong: hash(blockA)},
		{Rolling: rsyncchecksum.Rolling(blockA), Strong: hash(blockA)},
	}
	table := rsyncchecksum.NewTable(h, chunks, hash)

	idx, ok := pickCandidate([]int{0, 1, 2}, table, blockA, 0)
	if !ok {
		t.Fatal("expected a match")
	}
	if idx != 1 {
		t.Fatalf("idx = %d, want 1 (lastMatch+1 preferred over lowest index 0)", idx)
	}
}

func TestPickCandidateFallsBackToLowestIndex(t *testing.T) {
	blockA := bytes.Repeat([]byte{'A'}, 64)
	hash := rsyncchecksum.StrongHasher(3)
	h := rsyncchecksum.Header{ChunkCount: 2, BlockLength: 64, DigestLength: rsyncchecksum.MaxDigestLength}
	chunks := []rsyncchecksum.Chunk{
		{Rolling: rsyncchecksum.Rolling(blockA), Strong: hash(blockA)},
		{Rolling: rsyncchecksum.Rolling(blockA), Strong: hash(blockA)},
	}
	table := rsyncchecksum.NewTable(h, chunks, hash)

	idx, ok := pickCandidate([]int{1, 0}, table, blockA, 10) // lastMatch+1 == 11, absent
	if !ok {
		t.Fatal("expected a match")
	}
	if idx != 0 {
		t.Fatalf("idx = %d, want 0 (lowest index tie-break)", idx)
	}
}
