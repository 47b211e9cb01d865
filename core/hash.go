package core

import (
	"hash/fnv"
	"io"

	"github.com/zeebo/blake3"
)

// HashBytes returns the BLAKE3-256 digest of data.
func HashBytes(data []byte) BlobHash {
	sum := blake3.Sum256(data)
	return BlobHash(sum)
}

// DeriveTypeTag collapses a declared type_id string into the fixed-width
// tag carried in the Turn log record, so a reader can filter by type
// without consulting the variable-length metadata side file. It is a pure
// function of the string: the same type_id always derives the same tag,
// and two different type_id values may (rarely) collide, which is fine
// since the tag is an index hint, never the source of truth — the
// declared_type_id in turns.meta always resolves the real descriptor.
func DeriveTypeTag(typeID TypeID) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(typeID))
	return h.Sum64()
}

// NewHasher returns a streaming BLAKE3-256 hasher for incremental writes,
// e.g. while reading a blob off a wire frame.
func NewHasher() io.Writer {
	h := blake3.New()
	return h
}

// hashWriter wraps blake3's hasher so callers can both write incrementally
// and finalize to a BlobHash.
type hashWriter struct {
	h *blake3.Hasher
}

// NewHashWriter returns a hasher that can be written to incrementally and
// finalized with Sum.
func NewHashWriter() *hashWriter {
	return &hashWriter{h: blake3.New()}
}

func (w *hashWriter) Write(p []byte) (int, error) {
	return w.h.Write(p)
}

// Sum finalizes the incremental hash into a BlobHash.
func (w *hashWriter) Sum() BlobHash {
	var out BlobHash
	digest := w.h.Sum(nil)
	copy(out[:], digest)
	return out
}
