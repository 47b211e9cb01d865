package core

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// turnRecordSize is the fixed width of one TurnRecordV1: turn_id u64,
// parent_turn_id u64, depth u32, codec u32, type_tag u64, payload_hash[32],
// flags u32, created_at_unix_ms u64, crc32 u32.
const turnRecordSize = 8 + 8 + 4 + 4 + 8 + 32 + 4 + 8 + 4

// turnIndexEntrySize is the fixed width of one (turn_id u64, offset u64)
// index entry.
const turnIndexEntrySize = 8 + 8

// headRecordSize is the fixed width of one ContextHeadRecord: context_id
// u64, head_turn_id u64, head_depth u32, flags u32, created_at_unix_ms u64,
// crc32 u32.
const headRecordSize = 8 + 8 + 4 + 4 + 8 + 4

// TurnStore is the Turn DAG store: a fixed-size append-only log, a
// variable-length metadata side file, a fixed-size turn_id→offset index,
// and an append-only heads table. Each file is opened or created on
// startup and the binary logs of turns, metadata and heads are replayed.
type TurnStore struct {
	logFile    *os.File
	idxFile    *os.File
	metaFile   *os.File
	headFile   *os.File
	fsRootFile *os.File

	nextID        atomic.Uint64
	nextContextID atomic.Uint64

	mu     sync.RWMutex
	byID   map[TurnID]Turn
	offset map[TurnID]int64
	meta   map[TurnID]TurnMeta
	// idempotency maps (context_id, key) -> turn_id for already-applied appends.
	idem    map[idemKey]TurnID
	fsRoots map[TurnID]BlobHash

	headMu    sync.Mutex
	headLocks map[ContextID]*sync.Mutex
	headCache *lru.Cache[ContextID, ContextHead]
	heads     map[ContextID]ContextHead // authoritative, backs the LRU on miss

	log *logrus.Logger
}

type idemKey struct {
	ctx ContextID
	key string
}

// OpenTurnStore opens (creating if absent) the turn log, index, metadata
// and heads files under dir, replays them, truncating any trailing
// torn record, and rebuilds the in-memory index, the monotonic turn_id
// counter, and the live head for every context.
func OpenTurnStore(dir string, headCacheSize int, log *logrus.Logger) (*TurnStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, Wrap(err, "create turn store dir")
	}
	open := func(name string) (*os.File, error) {
		return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_RDWR, 0o600)
	}
	logFile, err := open("turns.log")
	if err != nil {
		return nil, Wrap(err, "open turns.log")
	}
	idxFile, err := open("turns.idx")
	if err != nil {
		return nil, Wrap(err, "open turns.idx")
	}
	metaFile, err := open("turns.meta")
	if err != nil {
		return nil, Wrap(err, "open turns.meta")
	}
	headFile, err := open("heads.tbl")
	if err != nil {
		return nil, Wrap(err, "open heads.tbl")
	}
	fsRootFile, err := open("fsroots.log")
	if err != nil {
		return nil, Wrap(err, "open fsroots.log")
	}

	cache, err := lru.New[ContextID, ContextHead](headCacheSize)
	if err != nil {
		return nil, Wrap(err, "create head cache")
	}

	ts := &TurnStore{
		logFile:    logFile,
		idxFile:    idxFile,
		metaFile:   metaFile,
		headFile:   headFile,
		fsRootFile: fsRootFile,
		byID:       make(map[TurnID]Turn),
		offset:     make(map[TurnID]int64),
		meta:       make(map[TurnID]TurnMeta),
		idem:       make(map[idemKey]TurnID),
		fsRoots:    make(map[TurnID]BlobHash),
		headLocks:  make(map[ContextID]*sync.Mutex),
		headCache:  cache,
		heads:      make(map[ContextID]ContextHead),
		log:        log,
	}
	if err := ts.recover(); err != nil {
		return nil, err
	}
	return ts, nil
}

func (s *TurnStore) recover() error {
	info, err := s.logFile.Stat()
	if err != nil {
		return Wrap(err, "stat turns.log")
	}

	var offset int64
	var maxID TurnID
	for offset < info.Size() {
		turn, ok := s.readTurnRecordAt(offset)
		if !ok {
			break
		}
		s.byID[turn.TurnID] = turn
		s.offset[turn.TurnID] = offset
		if turn.TurnID > maxID {
			maxID = turn.TurnID
		}
		offset += turnRecordSize
	}
	if offset != info.Size() {
		s.log.WithFields(logrus.Fields{"valid_bytes": offset, "total_bytes": info.Size()}).
			Warn("truncating trailing partial/invalid turn record")
		if err := s.logFile.Truncate(offset); err != nil {
			return Wrap(err, "truncate turns.log")
		}
	}
	s.nextID.Store(uint64(maxID) + 1)

	if err := s.rewriteIndexFile(); err != nil {
		return err
	}

	if err := s.recoverMeta(); err != nil {
		return err
	}

	if err := s.recoverHeads(); err != nil {
		return err
	}

	var maxCtx ContextID
	for ctxID := range s.heads {
		if ctxID > maxCtx {
			maxCtx = ctxID
		}
	}
	s.nextContextID.Store(uint64(maxCtx) + 1)

	return s.recoverFSRoots()
}

// recoverFSRoots replays the append-only ATTACH_FS binding log, discarding
// any trailing torn record.
func (s *TurnStore) recoverFSRoots() error {
	info, err := s.fsRootFile.Stat()
	if err != nil {
		return Wrap(err, "stat fsroots.log")
	}
	const fsRootRecordSize = 8 + 32 + 4
	var offset int64
	for offset < info.Size() {
		buf := make([]byte, fsRootRecordSize)
		if _, err := s.fsRootFile.ReadAt(buf, offset); err != nil {
			break
		}
		body := buf[:8+32]
		wantCRC := binary.LittleEndian.Uint32(buf[8+32:])
		if crc32.ChecksumIEEE(body) != wantCRC {
			break
		}
		turnID := TurnID(binary.LittleEndian.Uint64(buf[0:8]))
		var hash BlobHash
		copy(hash[:], buf[8:40])
		s.fsRoots[turnID] = hash
		offset += fsRootRecordSize
	}
	if offset != info.Size() {
		if err := s.fsRootFile.Truncate(offset); err != nil {
			return Wrap(err, "truncate fsroots.log")
		}
	}
	return nil
}

func (s *TurnStore) readTurnRecordAt(offset int64) (Turn, bool) {
	buf := make([]byte, turnRecordSize)
	if _, err := s.logFile.ReadAt(buf, offset); err != nil {
		return Turn{}, false
	}
	body := buf[:turnRecordSize-4]
	wantCRC := binary.LittleEndian.Uint32(buf[turnRecordSize-4:])
	if crc32.ChecksumIEEE(body) != wantCRC {
		return Turn{}, false
	}

	var t Turn
	t.TurnID = TurnID(binary.LittleEndian.Uint64(buf[0:8]))
	t.ParentTurnID = TurnID(binary.LittleEndian.Uint64(buf[8:16]))
	t.Depth = binary.LittleEndian.Uint32(buf[16:20])
	t.Codec = Codec(binary.LittleEndian.Uint32(buf[20:24]))
	t.TypeTag = binary.LittleEndian.Uint64(buf[24:32])
	copy(t.PayloadHash[:], buf[32:64])
	t.Flags = TurnFlags(binary.LittleEndian.Uint32(buf[64:68]))
	t.CreatedAtUnixMS = int64(binary.LittleEndian.Uint64(buf[68:76]))
	t.HasFSRoot = t.Flags&TurnFlagHasFSRoot != 0
	return t, true
}

func encodeTurnRecord(t Turn) []byte {
	buf := make([]byte, turnRecordSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(t.TurnID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(t.ParentTurnID))
	binary.LittleEndian.PutUint32(buf[16:20], t.Depth)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(t.Codec))
	binary.LittleEndian.PutUint64(buf[24:32], t.TypeTag)
	copy(buf[32:64], t.PayloadHash[:])
	binary.LittleEndian.PutUint32(buf[64:68], uint32(t.Flags))
	binary.LittleEndian.PutUint64(buf[68:76], uint64(t.CreatedAtUnixMS))
	crc := crc32.ChecksumIEEE(buf[:turnRecordSize-4])
	binary.LittleEndian.PutUint32(buf[turnRecordSize-4:], crc)
	return buf
}

func (s *TurnStore) rewriteIndexFile() error {
	if err := s.idxFile.Truncate(0); err != nil {
		return Wrap(err, "truncate turns.idx")
	}
	if _, err := s.idxFile.Seek(0, io.SeekStart); err != nil {
		return Wrap(err, "seek turns.idx")
	}
	buf := make([]byte, 0, len(s.offset)*turnIndexEntrySize)
	for id, off := range s.offset {
		e := make([]byte, turnIndexEntrySize)
		binary.LittleEndian.PutUint64(e[0:8], uint64(id))
		binary.LittleEndian.PutUint64(e[8:16], uint64(off))
		buf = append(buf, e...)
	}
	if _, err := s.idxFile.Write(buf); err != nil {
		return Wrap(err, "write turns.idx")
	}
	return s.idxFile.Sync()
}

// recoverMeta replays the variable-length metadata side file, discarding
// any record whose turn_id did not survive log recovery.
func (s *TurnStore) recoverMeta() error {
	info, err := s.metaFile.Stat()
	if err != nil {
		return Wrap(err, "stat turns.meta")
	}
	var offset int64
	for offset < info.Size() {
		m, n, ok := s.readMetaRecordAt(offset)
		if !ok {
			break
		}
		if _, exists := s.byID[m.TurnID]; exists {
			s.meta[m.TurnID] = m
		}
		offset += n
	}
	if offset != info.Size() {
		if err := s.metaFile.Truncate(offset); err != nil {
			return Wrap(err, "truncate turns.meta")
		}
	}
	return nil
}

func (s *TurnStore) readMetaRecordAt(offset int64) (TurnMeta, int64, bool) {
	head := make([]byte, 8+4)
	if _, err := s.metaFile.ReadAt(head, offset); err != nil {
		return TurnMeta{}, 0, false
	}
	turnID := TurnID(binary.LittleEndian.Uint64(head[0:8]))
	nameLen := binary.LittleEndian.Uint32(head[8:12])

	rest := make([]byte, int(nameLen)+4+4+4+4)
	if _, err := s.metaFile.ReadAt(rest, offset+12); err != nil {
		return TurnMeta{}, 0, false
	}
	typeID := string(rest[:nameLen])
	p := rest[nameLen:]
	m := TurnMeta{
		TurnID:          turnID,
		DeclaredTypeID:  TypeID(typeID),
		TypeVersion:     TypeVersion(binary.LittleEndian.Uint32(p[0:4])),
		Encoding:        uint16(binary.LittleEndian.Uint32(p[4:8])),
		Compression:     Codec(binary.LittleEndian.Uint32(p[8:12])),
		UncompressedLen: binary.LittleEndian.Uint32(p[12:16]),
	}
	return m, 12 + int64(nameLen) + 16, true
}

func encodeMetaRecord(m TurnMeta) []byte {
	nameBytes := []byte(m.DeclaredTypeID)
	buf := make([]byte, 12+len(nameBytes)+16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(m.TurnID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(nameBytes)))
	copy(buf[12:12+len(nameBytes)], nameBytes)
	p := buf[12+len(nameBytes):]
	binary.LittleEndian.PutUint32(p[0:4], uint32(m.TypeVersion))
	binary.LittleEndian.PutUint32(p[4:8], uint32(m.Encoding))
	binary.LittleEndian.PutUint32(p[8:12], uint32(m.Compression))
	binary.LittleEndian.PutUint32(p[12:16], m.UncompressedLen)
	return buf
}

// recoverHeads replays the append-only heads table; the most recent valid
// record per context wins. A record whose turn was truncated out of the log
// does not replace an earlier record of the same context, so such a
// context keeps its most recent head that names a surviving turn (0 when
// none does).
func (s *TurnStore) recoverHeads() error {
	info, err := s.headFile.Stat()
	if err != nil {
		return Wrap(err, "stat heads.tbl")
	}
	var offset int64
	for offset < info.Size() {
		ctxID, turnID, ok := s.readHeadRecordAt(offset)
		if !ok {
			break
		}
		if _, seen := s.heads[ctxID]; !seen || s.nearestSurvivingAncestor(turnID) == turnID {
			s.heads[ctxID] = ContextHead{ContextID: ctxID, TurnID: turnID}
		}
		offset += headRecordSize
	}
	if offset != info.Size() {
		if err := s.headFile.Truncate(offset); err != nil {
			return Wrap(err, "truncate heads.tbl")
		}
	}

	for ctxID, head := range s.heads {
		s.heads[ctxID] = ContextHead{ContextID: ctxID, TurnID: s.nearestSurvivingAncestor(head.TurnID)}
	}
	return nil
}

// nearestSurvivingAncestor returns turnID if that turn survived log
// recovery and 0 otherwise. The log record for a truncated turn (and thus
// its parent pointer) is gone, so the turn itself gives nothing to walk
// back from; recoverHeads falls back to earlier heads records instead.
func (s *TurnStore) nearestSurvivingAncestor(turnID TurnID) TurnID {
	if turnID == 0 {
		return 0
	}
	if _, ok := s.byID[turnID]; ok {
		return turnID
	}
	return 0
}

func (s *TurnStore) readHeadRecordAt(offset int64) (ContextID, TurnID, bool) {
	buf := make([]byte, headRecordSize)
	if _, err := s.headFile.ReadAt(buf, offset); err != nil {
		return 0, 0, false
	}
	body := buf[:headRecordSize-4]
	wantCRC := binary.LittleEndian.Uint32(buf[headRecordSize-4:])
	if crc32.ChecksumIEEE(body) != wantCRC {
		return 0, 0, false
	}
	ctxID := ContextID(binary.LittleEndian.Uint64(buf[0:8]))
	turnID := TurnID(binary.LittleEndian.Uint64(buf[8:16]))
	return ctxID, turnID, true
}

func encodeHeadRecord(ctxID ContextID, turnID TurnID, depth uint32, flags uint32, createdAtMS int64) []byte {
	buf := make([]byte, headRecordSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(ctxID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(turnID))
	binary.LittleEndian.PutUint32(buf[16:20], depth)
	binary.LittleEndian.PutUint32(buf[20:24], flags)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(createdAtMS))
	crc := crc32.ChecksumIEEE(buf[:headRecordSize-4])
	binary.LittleEndian.PutUint32(buf[headRecordSize-4:], crc)
	return buf
}

// lockFor returns the mutex serializing head mutations for ctxID, creating
// one on first use.
func (s *TurnStore) lockFor(ctxID ContextID) *sync.Mutex {
	s.headMu.Lock()
	defer s.headMu.Unlock()
	l, ok := s.headLocks[ctxID]
	if !ok {
		l = &sync.Mutex{}
		s.headLocks[ctxID] = l
	}
	return l
}

// Head returns the current head for ctxID, consulting the LRU cache first
// and falling back to the authoritative map (equivalent to the heads-table
// backward scan described in the spec, since recovery already materializes
// it in memory).
func (s *TurnStore) Head(ctxID ContextID) (ContextHead, bool) {
	if h, ok := s.headCache.Get(ctxID); ok {
		return h, true
	}
	s.mu.RLock()
	h, ok := s.heads[ctxID]
	s.mu.RUnlock()
	if ok {
		s.headCache.Add(ctxID, h)
	}
	return h, ok
}

// AppendParams carries the arguments to AppendTurn.
type AppendParams struct {
	ContextID       ContextID
	ParentTurnID    TurnID // 0 => use current head
	PayloadHash     BlobHash
	TypeTag         uint64
	Codec           Codec
	DeclaredTypeID  TypeID
	TypeVersion     TypeVersion
	Encoding        uint16
	Compression     Codec
	UncompressedLen uint32
	IdempotencyKey  string
	FSRootHash      BlobHash
	HasFSRoot       bool
	CreatedAtUnixMS int64
}

// AppendTurn allocates a new TurnID, validates the parent, and durably
// appends the turn log record, metadata record, index entry and heads
// record in that order, holding the per-context head mutex for the whole
// sequence (spec's write-path lock discipline).
func (s *TurnStore) AppendTurn(p AppendParams) (Turn, bool, error) {
	lock := s.lockFor(p.ContextID)
	lock.Lock()
	defer lock.Unlock()

	if p.IdempotencyKey != "" {
		s.mu.RLock()
		prior, ok := s.idem[idemKey{ctx: p.ContextID, key: p.IdempotencyKey}]
		s.mu.RUnlock()
		if ok {
			s.mu.RLock()
			t := s.byID[prior]
			s.mu.RUnlock()
			return t, false, nil
		}
	}

	parent := p.ParentTurnID
	var depth uint32
	if parent == 0 {
		if head, ok := s.Head(p.ContextID); ok {
			parent = head.TurnID
		}
	}
	if parent != 0 {
		s.mu.RLock()
		parentTurn, ok := s.byID[parent]
		s.mu.RUnlock()
		if !ok {
			return Turn{}, false, NewStoreError(ErrNotFound, "parent turn not found")
		}
		depth = parentTurn.Depth + 1
	}

	id := TurnID(s.nextID.Add(1) - 1)
	flags := TurnFlags(0)
	if p.HasFSRoot {
		flags |= TurnFlagHasFSRoot
	}

	turn := Turn{
		TurnID:          id,
		ParentTurnID:    parent,
		ContextID:       p.ContextID,
		Depth:           depth,
		PayloadHash:     p.PayloadHash,
		TypeTag:         p.TypeTag,
		Codec:           p.Codec,
		Flags:           flags,
		CreatedAtUnixMS: p.CreatedAtUnixMS,
		FSRootHash:      p.FSRootHash,
		HasFSRoot:       p.HasFSRoot,
		IdempotencyKey:  p.IdempotencyKey,
	}

	logOffset, err := s.logFile.Seek(0, io.SeekEnd)
	if err != nil {
		return Turn{}, false, Wrap(err, "seek turns.log")
	}
	if _, err := s.logFile.Write(encodeTurnRecord(turn)); err != nil {
		return Turn{}, false, Wrap(err, "write turn record")
	}
	if err := s.logFile.Sync(); err != nil {
		return Turn{}, false, Wrap(err, "sync turns.log")
	}

	meta := TurnMeta{
		TurnID:          id,
		DeclaredTypeID:  p.DeclaredTypeID,
		TypeVersion:     p.TypeVersion,
		Encoding:        p.Encoding,
		Compression:     p.Compression,
		UncompressedLen: p.UncompressedLen,
	}
	if _, err := s.metaFile.Seek(0, io.SeekEnd); err != nil {
		return Turn{}, false, Wrap(err, "seek turns.meta")
	}
	if _, err := s.metaFile.Write(encodeMetaRecord(meta)); err != nil {
		return Turn{}, false, Wrap(err, "write turn metadata")
	}
	if err := s.metaFile.Sync(); err != nil {
		return Turn{}, false, Wrap(err, "sync turns.meta")
	}

	idxEntry := make([]byte, turnIndexEntrySize)
	binary.LittleEndian.PutUint64(idxEntry[0:8], uint64(id))
	binary.LittleEndian.PutUint64(idxEntry[8:16], uint64(logOffset))
	if _, err := s.idxFile.Write(idxEntry); err != nil {
		return Turn{}, false, Wrap(err, "write turns.idx entry")
	}
	if err := s.idxFile.Sync(); err != nil {
		return Turn{}, false, Wrap(err, "sync turns.idx")
	}

	headRecord := encodeHeadRecord(p.ContextID, id, depth, uint32(flags), p.CreatedAtUnixMS)
	if _, err := s.headFile.Seek(0, io.SeekEnd); err != nil {
		return Turn{}, false, Wrap(err, "seek heads.tbl")
	}
	if _, err := s.headFile.Write(headRecord); err != nil {
		return Turn{}, false, Wrap(err, "write heads record")
	}
	if err := s.headFile.Sync(); err != nil {
		return Turn{}, false, Wrap(err, "sync heads.tbl")
	}

	s.mu.Lock()
	s.byID[id] = turn
	s.offset[id] = logOffset
	s.meta[id] = meta
	s.heads[p.ContextID] = ContextHead{ContextID: p.ContextID, TurnID: id}
	if p.IdempotencyKey != "" {
		s.idem[idemKey{ctx: p.ContextID, key: p.IdempotencyKey}] = id
	}
	s.mu.Unlock()

	s.headCache.Add(p.ContextID, ContextHead{ContextID: p.ContextID, TurnID: id})

	if p.HasFSRoot {
		if err := s.AttachFSRoot(id, p.FSRootHash); err != nil {
			return turn, true, err
		}
	}

	return turn, true, nil
}

// CreateContext allocates a new ContextID with an empty head (CTX_CREATE),
// or a head forked from base (CTX_FORK) when base != 0.
func (s *TurnStore) CreateContext(newCtxID ContextID, base TurnID) (ContextHead, error) {
	lock := s.lockFor(newCtxID)
	lock.Lock()
	defer lock.Unlock()

	var depth uint32
	if base != 0 {
		s.mu.RLock()
		t, ok := s.byID[base]
		s.mu.RUnlock()
		if !ok {
			return ContextHead{}, NewStoreError(ErrNotFound, "fork base turn not found")
		}
		depth = t.Depth
	}

	head := ContextHead{ContextID: newCtxID, TurnID: base}
	rec := encodeHeadRecord(newCtxID, base, depth, 0, 0)
	if _, err := s.headFile.Seek(0, io.SeekEnd); err != nil {
		return ContextHead{}, Wrap(err, "seek heads.tbl")
	}
	if _, err := s.headFile.Write(rec); err != nil {
		return ContextHead{}, Wrap(err, "write heads record")
	}
	if err := s.headFile.Sync(); err != nil {
		return ContextHead{}, Wrap(err, "sync heads.tbl")
	}

	s.mu.Lock()
	s.heads[newCtxID] = head
	s.mu.Unlock()
	s.headCache.Add(newCtxID, head)

	return head, nil
}

// GetTurn returns a single turn by id.
func (s *TurnStore) GetTurn(id TurnID) (Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[id]
	return t, ok
}

// GetMeta returns the metadata side record for a turn.
func (s *TurnStore) GetMeta(id TurnID) (TurnMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meta[id]
	return m, ok
}

// WalkBack starts at turnID and follows parent_turn_id until it has
// collected up to limit turns or reaches the root, returning them in
// chronological (oldest→newest) order.
func (s *TurnStore) WalkBack(turnID TurnID, limit int) []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var collected []Turn
	cur := turnID
	for cur != 0 && len(collected) < limit {
		t, ok := s.byID[cur]
		if !ok {
			break
		}
		collected = append(collected, t)
		cur = t.ParentTurnID
	}
	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}
	return collected
}

// WalkBeforeHead pages backward to continue a GET_LAST cursor. With
// oldestReturned == 0 it starts at ctxID's current head; otherwise it
// starts at oldestReturned's parent (oldestReturned itself is excluded).
// An unknown oldestReturned falls back to the head.
func (s *TurnStore) WalkBeforeHead(ctxID ContextID, oldestReturned TurnID, limit int) []Turn {
	head, ok := s.Head(ctxID)
	if !ok {
		return nil
	}
	start := head.TurnID
	if oldestReturned != 0 {
		s.mu.RLock()
		t, ok := s.byID[oldestReturned]
		s.mu.RUnlock()
		if ok {
			start = t.ParentTurnID
		}
	}
	return s.WalkBack(start, limit)
}

// AllocateContextID hands out the next process-wide monotonic context_id,
// used by CTX_CREATE/CTX_FORK before the new head record is written.
func (s *TurnStore) AllocateContextID() ContextID {
	return ContextID(s.nextContextID.Add(1) - 1)
}

// AttachFSRoot binds fsRootHash to an existing turn_id. The server does
// not require the referenced tree to already be materialized in the blob
// CAS; it only refuses to attach to a nonexistent turn.
func (s *TurnStore) AttachFSRoot(turnID TurnID, fsRootHash BlobHash) error {
	s.mu.RLock()
	_, ok := s.byID[turnID]
	s.mu.RUnlock()
	if !ok {
		return NewStoreError(ErrNotFound, "attach target turn not found")
	}

	buf := make([]byte, 8+32+4)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(turnID))
	copy(buf[8:40], fsRootHash[:])
	crc := crc32.ChecksumIEEE(buf[:40])
	binary.LittleEndian.PutUint32(buf[40:44], crc)

	if _, err := s.fsRootFile.Seek(0, io.SeekEnd); err != nil {
		return Wrap(err, "seek fsroots.log")
	}
	if _, err := s.fsRootFile.Write(buf); err != nil {
		return Wrap(err, "write fsroot record")
	}
	if err := s.fsRootFile.Sync(); err != nil {
		return Wrap(err, "sync fsroots.log")
	}

	s.mu.Lock()
	s.fsRoots[turnID] = fsRootHash
	s.mu.Unlock()
	return nil
}

// ListHeads returns every known context's current head, in no particular
// order.
func (s *TurnStore) ListHeads() []ContextHead {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ContextHead, 0, len(s.heads))
	for _, h := range s.heads {
		out = append(out, h)
	}
	return out
}

// GetFSRoot returns the fs_root_hash attached to turnID, if any.
func (s *TurnStore) GetFSRoot(turnID TurnID) (BlobHash, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.fsRoots[turnID]
	return h, ok
}

// Close releases all open file descriptors.
func (s *TurnStore) Close() error {
	for _, f := range []*os.File{s.logFile, s.idxFile, s.metaFile, s.headFile, s.fsRootFile} {
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}
