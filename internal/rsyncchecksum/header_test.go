package rsyncchecksum

import "testing"

func TestBlockLengthForEmptyFile(t *testing.T) {
	if got := BlockLengthFor(0); got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
}

func TestBlockLengthForMinimum(t *testing.T) {
	// sqrt(11) < 512, so the floor applies.
	if got := BlockLengthFor(11); got != MinBlockLength {
		t.Fatalf("got %d, want %d", got, MinBlockLength)
	}
}

func TestBlockLengthForPowerOfTwo(t *testing.T) {
	// sqrt(1<<20) = 1024, already a power of two.
	if got := BlockLengthFor(1 << 20); got != 1024 {
		t.Fatalf("got %d, want 1024", got)
	}
	// sqrt(1<<21) ~= 1448.15, rounds down to 1024 (prev power of two).
	if got := BlockLengthFor(1 << 21); got != 1024 {
		t.Fatalf("got %d, want 1024", got)
	}
}

func TestNewHeaderZeroForEmpty(t *testing.T) {
	h := NewHeader(0, MinDigestLength)
	if h != Zero {
		t.Fatalf("got %+v, want Zero", h)
	}
}

func TestNewHeaderChunkCountAndRemainder(t *testing.T) {
	h := NewHeader(1100, MinDigestLength)
	if h.BlockLength != MinBlockLength {
		t.Fatalf("BlockLength = %d, want %d", h.BlockLength, MinBlockLength)
	}
	wantChunks := int32((1100 + int64(MinBlockLength) - 1) / int64(MinBlockLength))
	if h.ChunkCount != wantChunks {
		t.Fatalf("ChunkCount = %d, want %d", h.ChunkCount, wantChunks)
	}
	wantRemainder := int32(1100 % int64(MinBlockLength))
	if h.RemainderLength != wantRemainder {
		t.Fatalf("RemainderLength = %d, want %d", h.RemainderLength, wantRemainder)
	}
	if h.FileLength() != 1100 {
		t.Fatalf("FileLength() = %d, want 1100", h.FileLength())
	}
}

func TestNewHeaderExactMultipleHasZeroRemainder(t *testing.T) {
	h := NewHeader(int64(MinBlockLength)*3, MinDigestLength)
	if h.RemainderLength != 0 {
		t.Fatalf("RemainderLength = %d, want 0", h.RemainderLength)
	}
	if h.SmallestChunk() != h.BlockLength {
		t.Fatalf("SmallestChunk() = %d, want %d", h.SmallestChunk(), h.BlockLength)
	}
	if h.FileLength() != int64(MinBlockLength)*3 {
		t.Fatalf("FileLength() = %d, want %d", h.FileLength(), int64(MinBlockLength)*3)
	}
}

func TestDigestLengthForClampsToBounds(t *testing.T) {
	d := DigestLengthFor(512, 512, MinDigestLength)
	if d < MinDigestLength || d > MaxDigestLength {
		t.Fatalf("DigestLengthFor out of bounds: %d", d)
	}
	// a large minDigest should raise the floor.
	d2 := DigestLengthFor(512, 512, 12)
	if d2 < 12 {
		t.Fatalf("DigestLengthFor ignored minDigest floor: got %d, want >= 12", d2)
	}
}

func TestStrongHasherIncludesSeed(t *testing.T) {
	h1 := StrongHasher(0)
	h2 := StrongHasher(1)
	a := h1([]byte("hello"))
	b := h2([]byte("hello"))
	if string(a) == string(b) {
		t.Fatal("seed did not affect the strong hash")
	}
}

func TestLegacyStrongHasherDiffersFromMD5(t *testing.T) {
	md5sum := StrongHasher(0)([]byte("hello"))
	md4sum := LegacyStrongHasher(0)([]byte("hello"))
	if string(md5sum) == string(md4sum) {
		t.Fatal("MD5 and MD4 strong hashes unexpectedly equal")
	}
}
