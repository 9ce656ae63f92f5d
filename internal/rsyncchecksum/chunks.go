package rsyncchecksum

import "io"

// Chunk is one (rolling, strong) pair describing a block of the peer's
// file, as exchanged over the wire (spec.md GLOSSARY, §6 "Checksum pair
// stream").
type Chunk struct {
	Rolling uint32
	Strong  []byte // Header.DigestLength bytes
}

// ComputeChunks reads r in Header.BlockLength windows and returns one Chunk
// per block, computed with strongHash (spec.md §4.5 sendItemizeAndChecksums:
// "For each block: compute rolling hash ... compute MD5 of block bytes ++
// seed; write the first digest_length MD5 bytes; slide").
func ComputeChunks(h Header, r io.Reader, strongHash func([]byte) []byte) ([]Chunk, error) {
	if h.ChunkCount == 0 {
		return nil, nil
	}
	chunks := make([]Chunk, 0, h.ChunkCount)
	buf := make([]byte, h.BlockLength)
	for i := int32(0); i < h.ChunkCount; i++ {
		n := int(h.BlockLength)
		if i == h.ChunkCount-1 {
			n = int(h.SmallestChunk())
		}
		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return chunks, err
		}
		block := buf[:n]
		strong := strongHash(block)
		if int32(len(strong)) > h.DigestLength {
			strong = strong[:h.DigestLength]
		}
		chunks = append(chunks, Chunk{
			Rolling: Rolling(block),
			Strong:  append([]byte(nil), strong...),
		})
	}
	return chunks, nil
}

// Table indexes a peer's chunk list by rolling checksum for O(1)-amortized
// lookup during delta matching (spec.md §4.6 sendMatchesAndData: "At each
// position where the rolling hash matches any peer chunk's rolling value of
// compatible length...").
type Table struct {
	header     Header
	byRoll     map[uint32][]int // rolling value -> indices into chunks
	chunks     []Chunk
	strongHash func([]byte) []byte
}

// NewTable builds a lookup table over chunks described by h. strongHash
// must be the same session-seeded strong hash the chunks were computed
// with (StrongHasher/LegacyStrongHasher), since StrongHash verifies
// candidate windows against it.
func NewTable(h Header, chunks []Chunk, strongHash func([]byte) []byte) *Table {
	t := &Table{
		header:     h,
		byRoll:     make(map[uint32][]int, len(chunks)),
		chunks:     chunks,
		strongHash: strongHash,
	}
	for i, c := range chunks {
		t.byRoll[c.Rolling] = append(t.byRoll[c.Rolling], i)
	}
	return t
}

// StrongHash computes the strong hash of window using this table's
// session-seeded hash function, truncated to the header's digest length
// (spec.md §4.4: "only the first digest_length bytes are used for
// comparison").
func (t *Table) StrongHash(window []byte) []byte {
	strong := t.strongHash(window)
	if int32(len(strong)) > t.header.DigestLength {
		strong = strong[:t.header.DigestLength]
	}
	return strong
}

// Len returns the number of chunks in the table.
func (t *Table) Len() int { return len(t.chunks) }

// Chunk returns the chunk at idx.
func (t *Table) Chunk(idx int) Chunk { return t.chunks[idx] }

// Header returns the checksum header this table was built from.
func (t *Table) Header() Header { return t.header }

// Candidates returns the chunk indices whose rolling checksum equals
// rolling, restricted to those blocks whose length matches windowLen
// (only the final, possibly-short chunk can have a non-standard length;
// spec.md §4.6's delta matcher only considers a chunk "of compatible
// length").
func (t *Table) Candidates(rolling uint32, windowLen int) []int {
	idxs := t.byRoll[rolling]
	if len(idxs) == 0 {
		return nil
	}
	out := idxs[:0:0]
	for _, idx := range idxs {
		if t.chunkLen(idx) == windowLen {
			out = append(out, idx)
		}
	}
	return out
}

func (t *Table) chunkLen(idx int) int {
	if int32(idx) == t.header.ChunkCount-1 {
		return int(t.header.SmallestChunk())
	}
	return int(t.header.BlockLength)
}
