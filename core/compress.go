package core

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	zstdEncoderOnce sync.Once
	zstdEncoder     *zstd.Encoder
	zstdDecoderOnce sync.Once
	zstdDecoder     *zstd.Decoder
)

func encoder() *zstd.Encoder {
	zstdEncoderOnce.Do(func() {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			panic(err) // construction with a nil writer cannot fail in practice
		}
		zstdEncoder = enc
	})
	return zstdEncoder
}

func decoder() *zstd.Decoder {
	zstdDecoderOnce.Do(func() {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			panic(err)
		}
		zstdDecoder = dec
	})
	return zstdDecoder
}

// CompressForStorage applies zstd to raw and returns the codec actually
// used. Per spec, compression is skipped (CodecNone) whenever the
// compressed form would not be smaller than the input.
func CompressForStorage(raw []byte) (stored []byte, codec Codec) {
	compressed := encoder().EncodeAll(raw, nil)
	if len(compressed) >= len(raw) {
		return raw, CodecNone
	}
	return compressed, CodecZstd
}

// DecompressStored reverses CompressForStorage given the codec recorded in
// the pack/index entry.
func DecompressStored(stored []byte, codec Codec, rawLen uint32) ([]byte, error) {
	switch codec {
	case CodecNone:
		return stored, nil
	case CodecZstd:
		out, err := decoder().DecodeAll(stored, make([]byte, 0, rawLen))
		if err != nil {
			return nil, NewStoreError(ErrDecodeError, "zstd decompression failed", err.Error())
		}
		return out, nil
	default:
		return nil, NewStoreError(ErrDecodeError, "unknown codec")
	}
}
