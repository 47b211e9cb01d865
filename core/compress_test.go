package core

import (
	"bytes"
	"strings"
	"testing"
)

func TestCompressRoundTrip(t *testing.T) {
	raw := []byte(strings.Repeat("hello cxdb ", 200))
	stored, codec := CompressForStorage(raw)
	if codec != CodecZstd {
		t.Fatalf("expected compressible input to use zstd, got codec %d", codec)
	}
	if len(stored) >= len(raw) {
		t.Fatalf("expected compressed form to be smaller")
	}

	got, err := DecompressStored(stored, codec, uint32(len(raw)))
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("round-tripped bytes mismatch")
	}
}

func TestCompressSkippedWhenNotSmaller(t *testing.T) {
	raw := []byte("x")
	stored, codec := CompressForStorage(raw)
	if codec != CodecNone {
		t.Fatalf("tiny incompressible input must fall back to CodecNone, got %d", codec)
	}
	if !bytes.Equal(stored, raw) {
		t.Fatalf("CodecNone must store bytes verbatim")
	}
}
