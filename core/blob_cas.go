package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/sirupsen/logrus"
)

// blake3MultihashCode is the multicodec table entry for a BLAKE3 digest,
// used only when CIDString renders a blob reference as a CID for display.
// It never appears on the wire or in the on-disk format.
const blake3MultihashCode = 0x1e

const (
	packMagic      uint32 = 0x42534C42
	packVersion    uint16 = 1
	packHeaderSize        = 4 + 2 + 2 + 4 + 4 + 32 // magic,version,codec,raw_len,stored_len,hash
	packCRCSize           = 4

	// indexEntrySize is the fixed on-disk size of one BlobIndexEntry:
	// hash[32], pack_offset u64, raw_len u32, stored_len u32, codec u16,
	// reserved u16.
	indexEntrySize = 32 + 8 + 4 + 4 + 2 + 2
)

// BlobIndexEntry is the fixed-size index record mapping a hash to its
// location and shape inside the packfile.
type BlobIndexEntry struct {
	Hash       BlobHash
	PackOffset uint64
	RawLen     uint32
	StoredLen  uint32
	Codec      Codec
}

func (e BlobIndexEntry) encode() []byte {
	buf := make([]byte, indexEntrySize)
	copy(buf[0:32], e.Hash[:])
	binary.LittleEndian.PutUint64(buf[32:40], e.PackOffset)
	binary.LittleEndian.PutUint32(buf[40:44], e.RawLen)
	binary.LittleEndian.PutUint32(buf[44:48], e.StoredLen)
	binary.LittleEndian.PutUint16(buf[48:50], uint16(e.Codec))
	// buf[50:52] reserved, left zero
	return buf
}

func decodeIndexEntry(buf []byte) BlobIndexEntry {
	var e BlobIndexEntry
	copy(e.Hash[:], buf[0:32])
	e.PackOffset = binary.LittleEndian.Uint64(buf[32:40])
	e.RawLen = binary.LittleEndian.Uint32(buf[40:44])
	e.StoredLen = binary.LittleEndian.Uint32(buf[44:48])
	e.Codec = Codec(binary.LittleEndian.Uint16(buf[48:50]))
	return e
}

// BlobCAS is the content-addressed blob store: an append-only packfile
// paired with a fixed-size index for O(1) hash lookup. Insertion is
// serialized per hash by sharded locks keyed on the hash's first byte;
// the packfile's append offset is serialized separately so concurrent
// inserts of distinct hashes never interleave writes.
type BlobCAS struct {
	dir string

	packFile *os.File
	idxFile  *os.File
	packMu   sync.Mutex // serializes packfile+index appends

	mu    sync.RWMutex // guards index
	index map[BlobHash]BlobIndexEntry

	shardLocks [256]sync.Mutex

	// idxMap is the read-only mmap of the index file that recover's fast
	// path decoded its entries from; it is kept only so Close can unmap it.
	// Lookups use the in-memory index and read the packfile with ReadAt.
	idxMap mmap.MMap

	log *logrus.Logger
}

// OpenBlobCAS opens (creating if absent) the packfile and index under dir,
// scans the packfile for a trailing partial record, truncates it, and
// rebuilds the index so it is consistent with the surviving pack records.
func OpenBlobCAS(dir string, log *logrus.Logger) (*BlobCAS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, Wrap(err, "create blob dir")
	}
	packPath := filepath.Join(dir, "blobs.pack")
	idxPath := filepath.Join(dir, "blobs.idx")

	packFile, err := os.OpenFile(packPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, Wrap(err, "open blob packfile")
	}
	idxFile, err := os.OpenFile(idxPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		packFile.Close()
		return nil, Wrap(err, "open blob index")
	}

	cas := &BlobCAS{
		dir:      dir,
		packFile: packFile,
		idxFile:  idxFile,
		index:    make(map[BlobHash]BlobIndexEntry),
		log:      log,
	}
	if err := cas.recover(); err != nil {
		packFile.Close()
		idxFile.Close()
		return nil, err
	}
	return cas, nil
}

// recover scans the packfile from the start, verifying each record's CRC,
// truncating at the first invalid or partial record, and rewriting the
// index file from the surviving records. This makes the index authoritative
// even if the process crashed mid-append previously.
//
// Before paying for that full scan, it first tries a fast path: mmap the
// existing index file read-only and parse its fixed-size records directly
// out of the mapping. If the extent those records describe exactly covers
// the packfile, the index is trusted as-is and the scan is skipped
// entirely; any mismatch (a prior crash) falls back to the full scan.
func (c *BlobCAS) recover() error {
	info, err := c.packFile.Stat()
	if err != nil {
		return Wrap(err, "stat blob packfile")
	}

	if loaded, ok, err := c.loadIndexFromMmap(info.Size()); err != nil {
		return err
	} else if ok {
		c.index = loaded
		return nil
	}

	var offset int64
	for offset < info.Size() {
		entry, recordLen, ok := c.readPackRecordAt(offset)
		if !ok {
			break
		}
		c.index[entry.Hash] = entry
		offset += recordLen
	}

	if offset != info.Size() {
		c.log.WithFields(logrus.Fields{
			"valid_bytes": offset,
			"total_bytes": info.Size(),
		}).Warn("truncating trailing partial/invalid blob pack record")
		if err := c.packFile.Truncate(offset); err != nil {
			return Wrap(err, "truncate blob packfile")
		}
	}

	if err := c.rewriteIndexFile(); err != nil {
		return err
	}
	return nil
}

// loadIndexFromMmap maps the index file read-only and decodes its entries
// directly from the mapped bytes. It reports ok=false (with idxMap left
// unset) whenever the map can't be trusted as a complete picture of
// packSize, in which case the caller falls back to scanning the packfile.
func (c *BlobCAS) loadIndexFromMmap(packSize int64) (map[BlobHash]BlobIndexEntry, bool, error) {
	idxInfo, err := c.idxFile.Stat()
	if err != nil {
		return nil, false, Wrap(err, "stat blob index")
	}
	if idxInfo.Size() == 0 || idxInfo.Size()%indexEntrySize != 0 {
		return nil, false, nil
	}

	m, err := mmap.Map(c.idxFile, mmap.RDONLY, 0)
	if err != nil {
		c.log.WithError(err).Warn("mmap blob index failed, falling back to full packfile scan")
		return nil, false, nil
	}

	entries := make(map[BlobHash]BlobIndexEntry, idxInfo.Size()/indexEntrySize)
	var maxExtent int64
	for off := int64(0); off+indexEntrySize <= int64(len(m)); off += indexEntrySize {
		e := decodeIndexEntry(m[off : off+indexEntrySize])
		entries[e.Hash] = e
		extent := int64(e.PackOffset) + int64(packHeaderSize) + int64(e.StoredLen) + int64(packCRCSize)
		if extent > maxExtent {
			maxExtent = extent
		}
	}

	if maxExtent != packSize {
		_ = m.Unmap()
		return nil, false, nil
	}

	c.idxMap = m
	return entries, true, nil
}

// readPackRecordAt attempts to decode one pack record starting at offset.
// It returns ok=false if there are not enough remaining bytes for a full
// record, or the CRC does not validate (the record is a torn write).
func (c *BlobCAS) readPackRecordAt(offset int64) (BlobIndexEntry, int64, bool) {
	header := make([]byte, packHeaderSize)
	if _, err := c.packFile.ReadAt(header, offset); err != nil {
		return BlobIndexEntry{}, 0, false
	}
	magic := binary.LittleEndian.Uint32(header[0:4])
	if magic != packMagic {
		return BlobIndexEntry{}, 0, false
	}
	version := binary.LittleEndian.Uint16(header[4:6])
	if version != packVersion {
		return BlobIndexEntry{}, 0, false
	}
	codec := Codec(binary.LittleEndian.Uint16(header[6:8]))
	rawLen := binary.LittleEndian.Uint32(header[8:12])
	storedLen := binary.LittleEndian.Uint32(header[12:16])
	var hash BlobHash
	copy(hash[:], header[16:48])

	recordLen := int64(packHeaderSize) + int64(storedLen) + int64(packCRCSize)
	body := make([]byte, storedLen+packCRCSize)
	if _, err := c.packFile.ReadAt(body, offset+int64(packHeaderSize)); err != nil {
		return BlobIndexEntry{}, 0, false
	}
	stored := body[:storedLen]
	wantCRC := binary.LittleEndian.Uint32(body[storedLen:])

	gotCRC := crc32.ChecksumIEEE(append(append([]byte{}, header...), stored...))
	if gotCRC != wantCRC {
		return BlobIndexEntry{}, 0, false
	}

	entry := BlobIndexEntry{
		Hash:       hash,
		PackOffset: uint64(offset),
		RawLen:     rawLen,
		StoredLen:  storedLen,
		Codec:      codec,
	}
	return entry, recordLen, true
}

func (c *BlobCAS) rewriteIndexFile() error {
	if err := c.idxFile.Truncate(0); err != nil {
		return Wrap(err, "truncate blob index")
	}
	if _, err := c.idxFile.Seek(0, 0); err != nil {
		return Wrap(err, "seek blob index")
	}
	var buf bytes.Buffer
	for _, e := range c.index {
		buf.Write(e.encode())
	}
	if _, err := c.idxFile.Write(buf.Bytes()); err != nil {
		return Wrap(err, "write blob index")
	}
	return c.idxFile.Sync()
}

// InsertIfAbsent durably stores raw if its hash is not already present.
// was_new is false (and no new pack record is written) for a repeated
// insert of identical bytes.
func (c *BlobCAS) InsertIfAbsent(raw []byte) (hash BlobHash, wasNew bool, err error) {
	hash = HashBytes(raw)
	shard := &c.shardLocks[hash[0]]
	shard.Lock()
	defer shard.Unlock()

	c.mu.RLock()
	_, exists := c.index[hash]
	c.mu.RUnlock()
	if exists {
		return hash, false, nil
	}

	stored, codec := CompressForStorage(raw)
	header := make([]byte, packHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], packMagic)
	binary.LittleEndian.PutUint16(header[4:6], packVersion)
	binary.LittleEndian.PutUint16(header[6:8], uint16(codec))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(raw)))
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(stored)))
	copy(header[16:48], hash[:])

	crc := crc32.ChecksumIEEE(append(append([]byte{}, header...), stored...))
	crcBuf := make([]byte, packCRCSize)
	binary.LittleEndian.PutUint32(crcBuf, crc)

	record := append(append(header, stored...), crcBuf...)

	c.packMu.Lock()
	defer c.packMu.Unlock()

	offset, err := c.packFile.Seek(0, io.SeekEnd)
	if err != nil {
		return hash, false, Wrap(err, "seek blob packfile")
	}
	if _, err := c.packFile.Write(record); err != nil {
		return hash, false, Wrap(err, "write blob pack record")
	}
	if err := c.packFile.Sync(); err != nil {
		return hash, false, Wrap(err, "sync blob packfile")
	}

	entry := BlobIndexEntry{
		Hash:       hash,
		PackOffset: uint64(offset),
		RawLen:     uint32(len(raw)),
		StoredLen:  uint32(len(stored)),
		Codec:      codec,
	}
	if _, err := c.idxFile.Seek(0, io.SeekEnd); err != nil {
		return hash, false, Wrap(err, "seek blob index")
	}
	if _, err := c.idxFile.Write(entry.encode()); err != nil {
		return hash, false, Wrap(err, "write blob index entry")
	}
	if err := c.idxFile.Sync(); err != nil {
		return hash, false, Wrap(err, "sync blob index")
	}

	c.mu.Lock()
	c.index[hash] = entry
	c.mu.Unlock()

	return hash, true, nil
}

// appendPackRecordOnly writes raw's pack record without the matching index
// entry, reproducing the window InsertIfAbsent leaves open between the
// packfile write and the index write if the process dies in between. Used
// by recovery tests to exercise the full-scan fallback.
func (c *BlobCAS) appendPackRecordOnly(raw []byte) (hash BlobHash, offset int64, stored []byte, err error) {
	hash = HashBytes(raw)
	var codec Codec
	stored, codec = CompressForStorage(raw)

	header := make([]byte, packHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], packMagic)
	binary.LittleEndian.PutUint16(header[4:6], packVersion)
	binary.LittleEndian.PutUint16(header[6:8], uint16(codec))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(raw)))
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(stored)))
	copy(header[16:48], hash[:])

	crc := crc32.ChecksumIEEE(append(append([]byte{}, header...), stored...))
	crcBuf := make([]byte, packCRCSize)
	binary.LittleEndian.PutUint32(crcBuf, crc)
	record := append(append(header, stored...), crcBuf...)

	c.packMu.Lock()
	defer c.packMu.Unlock()

	offset, err = c.packFile.Seek(0, io.SeekEnd)
	if err != nil {
		return hash, 0, nil, Wrap(err, "seek blob packfile")
	}
	if _, err := c.packFile.Write(record); err != nil {
		return hash, 0, nil, Wrap(err, "write blob pack record")
	}
	if err := c.packFile.Sync(); err != nil {
		return hash, 0, nil, Wrap(err, "sync blob packfile")
	}
	return hash, offset, stored, nil
}

// Exists reports whether hash is already durable in the store.
func (c *BlobCAS) Exists(hash BlobHash) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.index[hash]
	return ok
}

// GetRaw returns the decompressed bytes for hash, or a NotFound StoreError.
func (c *BlobCAS) GetRaw(hash BlobHash) ([]byte, error) {
	c.mu.RLock()
	entry, ok := c.index[hash]
	c.mu.RUnlock()
	if !ok {
		return nil, NewStoreError(ErrNotFound, "blob not found", hashHex(hash))
	}

	storedOffset := int64(entry.PackOffset) + int64(packHeaderSize)
	stored := make([]byte, entry.StoredLen)
	if _, err := c.packFile.ReadAt(stored, storedOffset); err != nil {
		return nil, Wrap(err, "read blob pack record")
	}

	crcBuf := make([]byte, packCRCSize)
	if _, err := c.packFile.ReadAt(crcBuf, storedOffset+int64(entry.StoredLen)); err != nil {
		return nil, Wrap(err, "read blob crc")
	}
	header := make([]byte, packHeaderSize)
	if _, err := c.packFile.ReadAt(header, int64(entry.PackOffset)); err != nil {
		return nil, Wrap(err, "read blob header")
	}
	wantCRC := binary.LittleEndian.Uint32(crcBuf)
	gotCRC := crc32.ChecksumIEEE(append(append([]byte{}, header...), stored...))
	if gotCRC != wantCRC {
		return nil, NewStoreError(ErrDecodeError, "blob CRC mismatch on read", hashHex(hash))
	}

	return DecompressStored(stored, entry.Codec, entry.RawLen)
}

// Close releases the packfile and index file descriptors.
func (c *BlobCAS) Close() error {
	if c.idxMap != nil {
		_ = c.idxMap.Unmap()
	}
	err1 := c.packFile.Close()
	err2 := c.idxFile.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func hashHex(h BlobHash) string {
	return fmt.Sprintf("%x", h[:])
}

// CIDString renders a blob hash as an IPFS-style CIDv1 string for
// human-facing display. It is never the
// canonical key: the wire protocol and on-disk format always use the raw
// 32-byte BLAKE3 hash.
func CIDString(h BlobHash) (string, error) {
	encoded, err := mh.Encode(h[:], blake3MultihashCode)
	if err != nil {
		return "", Wrap(err, "encode multihash")
	}
	c := cid.NewCidV1(cid.Raw, mh.Multihash(encoded))
	return c.String(), nil
}
