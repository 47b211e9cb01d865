package wire

// Field order within each payload below is this package's canonical
// encoding; both cxdbd and cxdbctl import it so there is exactly one
// place that can drift.

// HelloReq is the only message accepted in the Unauthenticated state.
type HelloReq struct {
	ClientVersion uint32
	ClientName    string
}

func (m HelloReq) Encode() []byte {
	w := &writer{}
	w.u32(m.ClientVersion)
	w.str(m.ClientName)
	return w.bytesOut()
}

func DecodeHelloReq(b []byte) (HelloReq, error) {
	r := newReader(b)
	var m HelloReq
	var err error
	if m.ClientVersion, err = r.u32(); err != nil {
		return m, err
	}
	if m.ClientName, err = r.str(); err != nil {
		return m, err
	}
	return m, nil
}

// HelloResp acknowledges HELLO and transitions the connection to Ready.
type HelloResp struct {
	ServerVersion uint32
	ServerName    string
}

func (m HelloResp) Encode() []byte {
	w := &writer{}
	w.u32(m.ServerVersion)
	w.str(m.ServerName)
	return w.bytesOut()
}

func DecodeHelloResp(b []byte) (HelloResp, error) {
	r := newReader(b)
	var m HelloResp
	var err error
	if m.ServerVersion, err = r.u32(); err != nil {
		return m, err
	}
	if m.ServerName, err = r.str(); err != nil {
		return m, err
	}
	return m, nil
}

// CtxCreateReq creates a new context. Base == 0 creates an empty context;
// the same wire shape doubles as CTX_FORK's request when Base != 0 and the
// server dispatches it to the fork path by msg_type, not by payload shape.
type CtxCreateReq struct {
	Base uint64 // turn_id to fork from; 0 for a fresh empty context
}

func (m CtxCreateReq) Encode() []byte {
	w := &writer{}
	w.u64(m.Base)
	return w.bytesOut()
}

func DecodeCtxCreateReq(b []byte) (CtxCreateReq, error) {
	r := newReader(b)
	var m CtxCreateReq
	var err error
	if m.Base, err = r.u64(); err != nil {
		return m, err
	}
	return m, nil
}

// CtxCreateResp is returned by both CTX_CREATE and CTX_FORK.
type CtxCreateResp struct {
	ContextID  uint64
	HeadTurnID uint64
	HeadDepth  uint32
}

func (m CtxCreateResp) Encode() []byte {
	w := &writer{}
	w.u64(m.ContextID)
	w.u64(m.HeadTurnID)
	w.u32(m.HeadDepth)
	return w.bytesOut()
}

func DecodeCtxCreateResp(b []byte) (CtxCreateResp, error) {
	r := newReader(b)
	var m CtxCreateResp
	var err error
	if m.ContextID, err = r.u64(); err != nil {
		return m, err
	}
	if m.HeadTurnID, err = r.u64(); err != nil {
		return m, err
	}
	if m.HeadDepth, err = r.u32(); err != nil {
		return m, err
	}
	return m, nil
}

// GetHeadReq asks for a context's current head.
type GetHeadReq struct {
	ContextID uint64
}

func (m GetHeadReq) Encode() []byte {
	w := &writer{}
	w.u64(m.ContextID)
	return w.bytesOut()
}

func DecodeGetHeadReq(b []byte) (GetHeadReq, error) {
	r := newReader(b)
	var m GetHeadReq
	var err error
	if m.ContextID, err = r.u64(); err != nil {
		return m, err
	}
	return m, nil
}

// GetHeadResp mirrors CtxCreateResp's shape.
type GetHeadResp = CtxCreateResp

// AppendTurnReq is the write path's request payload. FSRootHash is only
// present on the wire when Flags&AppendTurnHasFSRoot is set on the frame.
type AppendTurnReq struct {
	ContextID         uint64
	ParentTurnID      uint64
	TypeID            string
	TypeVersion       uint32
	Encoding          uint16
	Compression       uint16
	UncompressedLen   uint32
	ContentHashB3_256 [32]byte
	PayloadBytes      []byte
	IdempotencyKey    string
	HasFSRoot         bool
	FSRootHash        [32]byte
}

func (m AppendTurnReq) Encode() []byte {
	w := &writer{}
	w.u64(m.ContextID)
	w.u64(m.ParentTurnID)
	w.str(m.TypeID)
	w.u32(m.TypeVersion)
	w.u16(m.Encoding)
	w.u16(m.Compression)
	w.u32(m.UncompressedLen)
	w.raw32(m.ContentHashB3_256)
	w.bytes(m.PayloadBytes)
	w.str(m.IdempotencyKey)
	if m.HasFSRoot {
		w.raw32(m.FSRootHash)
	}
	return w.bytesOut()
}

// DecodeAppendTurnReq decodes b; hasFSRoot must come from the frame's
// flags (bit 0), since the payload itself carries no marker for it.
func DecodeAppendTurnReq(b []byte, hasFSRoot bool) (AppendTurnReq, error) {
	r := newReader(b)
	var m AppendTurnReq
	var err error
	if m.ContextID, err = r.u64(); err != nil {
		return m, err
	}
	if m.ParentTurnID, err = r.u64(); err != nil {
		return m, err
	}
	if m.TypeID, err = r.str(); err != nil {
		return m, err
	}
	if m.TypeVersion, err = r.u32(); err != nil {
		return m, err
	}
	if m.Encoding, err = r.u16(); err != nil {
		return m, err
	}
	if m.Compression, err = r.u16(); err != nil {
		return m, err
	}
	if m.UncompressedLen, err = r.u32(); err != nil {
		return m, err
	}
	if m.ContentHashB3_256, err = r.raw32(); err != nil {
		return m, err
	}
	payload, err := r.bytes()
	if err != nil {
		return m, err
	}
	m.PayloadBytes = append([]byte(nil), payload...)
	if m.IdempotencyKey, err = r.str(); err != nil {
		return m, err
	}
	m.HasFSRoot = hasFSRoot
	if hasFSRoot {
		if m.FSRootHash, err = r.raw32(); err != nil {
			return m, err
		}
	}
	return m, nil
}

// AppendTurnResp reports the turn allocated by APPEND_TURN (or the
// previously produced result, when the request was an idempotent repeat).
type AppendTurnResp struct {
	NewTurnID uint64
	NewDepth  uint32
}

func (m AppendTurnResp) Encode() []byte {
	w := &writer{}
	w.u64(m.NewTurnID)
	w.u32(m.NewDepth)
	return w.bytesOut()
}

func DecodeAppendTurnResp(b []byte) (AppendTurnResp, error) {
	r := newReader(b)
	var m AppendTurnResp
	var err error
	if m.NewTurnID, err = r.u64(); err != nil {
		return m, err
	}
	if m.NewDepth, err = r.u32(); err != nil {
		return m, err
	}
	return m, nil
}

// GetLastReq pages backward from a context's head (or from BeforeTurnID,
// to continue a previous page).
type GetLastReq struct {
	ContextID      uint64
	Limit          uint32
	IncludePayload bool
	BeforeTurnID   uint64 // 0 => start at the current head
}

func (m GetLastReq) Encode() []byte {
	w := &writer{}
	w.u64(m.ContextID)
	w.u32(m.Limit)
	if m.IncludePayload {
		w.u8(1)
	} else {
		w.u8(0)
	}
	w.u64(m.BeforeTurnID)
	return w.bytesOut()
}

func DecodeGetLastReq(b []byte) (GetLastReq, error) {
	r := newReader(b)
	var m GetLastReq
	var err error
	if m.ContextID, err = r.u64(); err != nil {
		return m, err
	}
	if m.Limit, err = r.u32(); err != nil {
		return m, err
	}
	flag, err := r.u8()
	if err != nil {
		return m, err
	}
	m.IncludePayload = flag != 0
	if m.BeforeTurnID, err = r.u64(); err != nil {
		return m, err
	}
	return m, nil
}

// TurnWire is one turn as rendered on the wire by GET_LAST.
type TurnWire struct {
	TurnID          uint64
	ParentTurnID    uint64
	Depth           uint32
	Codec           uint16
	TypeTag         uint64
	PayloadHash     [32]byte
	Flags           uint32
	CreatedAtUnixMS uint64
	PayloadBytes    []byte // present only when the request set include_payload
}

// GetLastResp carries the page of turns, oldest to newest.
type GetLastResp struct {
	Turns []TurnWire
}

func (m GetLastResp) Encode() []byte {
	w := &writer{}
	w.u32(uint32(len(m.Turns)))
	for _, t := range m.Turns {
		w.u64(t.TurnID)
		w.u64(t.ParentTurnID)
		w.u32(t.Depth)
		w.u16(t.Codec)
		w.u64(t.TypeTag)
		w.raw32(t.PayloadHash)
		w.u32(t.Flags)
		w.u64(t.CreatedAtUnixMS)
		w.bytes(t.PayloadBytes)
	}
	return w.bytesOut()
}

func DecodeGetLastResp(b []byte) (GetLastResp, error) {
	r := newReader(b)
	n, err := r.u32()
	if err != nil {
		return GetLastResp{}, err
	}
	out := GetLastResp{Turns: make([]TurnWire, 0, n)}
	for i := uint32(0); i < n; i++ {
		var t TurnWire
		if t.TurnID, err = r.u64(); err != nil {
			return out, err
		}
		if t.ParentTurnID, err = r.u64(); err != nil {
			return out, err
		}
		if t.Depth, err = r.u32(); err != nil {
			return out, err
		}
		if t.Codec, err = r.u16(); err != nil {
			return out, err
		}
		if t.TypeTag, err = r.u64(); err != nil {
			return out, err
		}
		if t.PayloadHash, err = r.raw32(); err != nil {
			return out, err
		}
		if t.Flags, err = r.u32(); err != nil {
			return out, err
		}
		if t.CreatedAtUnixMS, err = r.u64(); err != nil {
			return out, err
		}
		payload, err := r.bytes()
		if err != nil {
			return out, err
		}
		t.PayloadBytes = append([]byte(nil), payload...)
		out.Turns = append(out.Turns, t)
	}
	return out, nil
}

// GetBlobReq fetches a blob's raw bytes by hash.
type GetBlobReq struct {
	Hash [32]byte
}

func (m GetBlobReq) Encode() []byte {
	w := &writer{}
	w.raw32(m.Hash)
	return w.bytesOut()
}

func DecodeGetBlobReq(b []byte) (GetBlobReq, error) {
	r := newReader(b)
	var m GetBlobReq
	var err error
	if m.Hash, err = r.raw32(); err != nil {
		return m, err
	}
	return m, nil
}

// GetBlobResp carries the raw bytes for a blob.
type GetBlobResp struct {
	RawBytes []byte
}

func (m GetBlobResp) Encode() []byte {
	w := &writer{}
	w.bytes(m.RawBytes)
	return w.bytesOut()
}

func DecodeGetBlobResp(b []byte) (GetBlobResp, error) {
	r := newReader(b)
	var m GetBlobResp
	raw, err := r.bytes()
	if err != nil {
		return m, err
	}
	m.RawBytes = append([]byte(nil), raw...)
	return m, nil
}

// PutBlobReq uploads raw bytes along with the client's claimed hash, which
// the server verifies before inserting.
type PutBlobReq struct {
	Hash     [32]byte
	RawBytes []byte
}

func (m PutBlobReq) Encode() []byte {
	w := &writer{}
	w.raw32(m.Hash)
	w.bytes(m.RawBytes)
	return w.bytesOut()
}

func DecodePutBlobReq(b []byte) (PutBlobReq, error) {
	r := newReader(b)
	var m PutBlobReq
	var err error
	if m.Hash, err = r.raw32(); err != nil {
		return m, err
	}
	raw, err := r.bytes()
	if err != nil {
		return m, err
	}
	m.RawBytes = append([]byte(nil), raw...)
	return m, nil
}

// PutBlobResp reports the canonical hash and whether this call inserted a
// new pack record.
type PutBlobResp struct {
	Hash   [32]byte
	WasNew bool
}

func (m PutBlobResp) Encode() []byte {
	w := &writer{}
	w.raw32(m.Hash)
	if m.WasNew {
		w.u8(1)
	} else {
		w.u8(0)
	}
	return w.bytesOut()
}

func DecodePutBlobResp(b []byte) (PutBlobResp, error) {
	r := newReader(b)
	var m PutBlobResp
	var err error
	if m.Hash, err = r.raw32(); err != nil {
		return m, err
	}
	flag, err := r.u8()
	if err != nil {
		return m, err
	}
	m.WasNew = flag != 0
	return m, nil
}

// AttachFSReq binds an fs_root_hash to an existing turn.
type AttachFSReq struct {
	TurnID     uint64
	FSRootHash [32]byte
}

func (m AttachFSReq) Encode() []byte {
	w := &writer{}
	w.u64(m.TurnID)
	w.raw32(m.FSRootHash)
	return w.bytesOut()
}

func DecodeAttachFSReq(b []byte) (AttachFSReq, error) {
	r := newReader(b)
	var m AttachFSReq
	var err error
	if m.TurnID, err = r.u64(); err != nil {
		return m, err
	}
	if m.FSRootHash, err = r.raw32(); err != nil {
		return m, err
	}
	return m, nil
}

// AttachFSResp acknowledges a successful attach.
type AttachFSResp struct {
	OK bool
}

func (m AttachFSResp) Encode() []byte {
	w := &writer{}
	if m.OK {
		w.u8(1)
	} else {
		w.u8(0)
	}
	return w.bytesOut()
}

func DecodeAttachFSResp(b []byte) (AttachFSResp, error) {
	r := newReader(b)
	flag, err := r.u8()
	return AttachFSResp{OK: flag != 0}, err
}

// ErrorPayload is carried by MsgError: a stable taxonomy code, a short
// message, and optional details, mirroring the HTTP surface's JSON error
// body.
type ErrorPayload struct {
	Code    string
	Message string
	Details string
}

func (m ErrorPayload) Encode() []byte {
	w := &writer{}
	w.str(m.Code)
	w.str(m.Message)
	w.str(m.Details)
	return w.bytesOut()
}

func DecodeErrorPayload(b []byte) (ErrorPayload, error) {
	r := newReader(b)
	var m ErrorPayload
	var err error
	if m.Code, err = r.str(); err != nil {
		return m, err
	}
	if m.Message, err = r.str(); err != nil {
		return m, err
	}
	if m.Details, err = r.str(); err != nil {
		return m, err
	}
	return m, nil
}
