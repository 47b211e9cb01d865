package wire

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/strongdm/cxdb/core"
)

// connState is the per-connection handshake state machine from spec §4.5.
type connState int

const (
	stateUnauthenticated connState = iota
	stateHelloReceived
	stateReady
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateUnauthenticated:
		return "Unauthenticated"
	case stateHelloReceived:
		return "HelloReceived"
	case stateReady:
		return "Ready"
	case stateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Server dispatches frames from accepted connections against a core.Store.
// The worker pool across concurrently in-flight requests on one connection
// is bounded by MaxInFlight via golang.org/x/sync/errgroup.
type Server struct {
	Store           *core.Store
	Log             *logrus.Logger
	MaxInFlight     int
	MaxPayloadBytes int
	ServerName      string
	ServerVersion   uint32
}

// ServeConn owns conn for its lifetime: it runs the handshake, then
// dispatches frames until the connection closes or ctx is canceled.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	connID := uuid.NewString()
	log := s.Log.WithFields(logrus.Fields{"conn_id": connID, "remote": conn.RemoteAddr().String()})
	defer conn.Close()

	var writeMu sync.Mutex
	writeFrame := func(f Frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return WriteFrame(conn, f)
	}

	_ = conn.SetReadDeadline(time.Now().Add(connReadDeadline))
	first, err := ReadFrame(conn, s.MaxPayloadBytes)
	if err != nil {
		log.WithError(err).Debug("connection closed before HELLO")
		return
	}
	if first.MsgType != MsgHello {
		_ = writeFrame(errorFrame(first.ReqID, core.NewStoreError(core.ErrMalformedRequest, "expected HELLO as first frame")))
		return
	}
	hello, err := DecodeHelloReq(first.Payload)
	if err != nil {
		_ = writeFrame(errorFrame(first.ReqID, core.NewStoreError(core.ErrMalformedRequest, "malformed HELLO payload", err.Error())))
		return
	}
	log.WithFields(logrus.Fields{"client_name": hello.ClientName, "client_version": hello.ClientVersion, "state": stateHelloReceived}).Info("client hello")
	resp := HelloResp{ServerVersion: s.ServerVersion, ServerName: s.ServerName}
	if err := writeFrame(Frame{MsgType: MsgHello, ReqID: first.ReqID, Payload: resp.Encode()}); err != nil {
		return
	}
	log.WithField("state", stateReady).Debug("connection ready")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.MaxInFlight)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(connReadDeadline))
		frame, err := ReadFrame(conn, s.MaxPayloadBytes)
		if err != nil {
			if err != io.EOF {
				log.WithError(err).Debug("connection read error")
			}
			break
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			resp, handleErr := s.dispatch(gctx, frame)
			if handleErr != nil {
				return writeFrame(errorFrame(frame.ReqID, handleErr))
			}
			return writeFrame(resp)
		})
	}
	_ = g.Wait()
	log.WithField("state", "closed").Debug("connection closed")
}

func errorFrame(reqID uint64, err error) Frame {
	se, ok := core.AsStoreError(err)
	if !ok {
		se = core.NewStoreError(core.ErrDecodeError, err.Error())
	}
	payload := ErrorPayload{Code: string(se.Code), Message: se.Message, Details: se.Details}
	return Frame{MsgType: MsgError, ReqID: reqID, Payload: payload.Encode()}
}

func (s *Server) dispatch(ctx context.Context, frame Frame) (Frame, error) {
	switch frame.MsgType {
	case MsgCtxCreate:
		return s.handleCtxCreate(frame, 0)
	case MsgCtxFork:
		req, err := DecodeCtxCreateReq(frame.Payload)
		if err != nil {
			return Frame{}, core.NewStoreError(core.ErrMalformedRequest, "malformed CTX_FORK payload", err.Error())
		}
		return s.handleCtxCreate(frame, core.TurnID(req.Base))
	case MsgGetHead:
		return s.handleGetHead(frame)
	case MsgAppendTurn:
		return s.handleAppendTurn(frame)
	case MsgGetLast:
		return s.handleGetLast(frame)
	case MsgGetBlob:
		return s.handleGetBlob(frame)
	case MsgPutBlob:
		return s.handlePutBlob(frame)
	case MsgAttachFS:
		return s.handleAttachFS(frame)
	default:
		return Frame{}, core.NewStoreError(core.ErrMalformedRequest, "unknown message type")
	}
}

func (s *Server) handleCtxCreate(frame Frame, base core.TurnID) (Frame, error) {
	var newCtxID core.ContextID
	if base == 0 {
		req, err := DecodeCtxCreateReq(frame.Payload)
		if err != nil {
			return Frame{}, core.NewStoreError(core.ErrMalformedRequest, "malformed CTX_CREATE payload", err.Error())
		}
		base = core.TurnID(req.Base)
	}
	newCtxID = core.ContextID(s.Store.Turns.AllocateContextID())
	head, err := s.Store.Turns.CreateContext(newCtxID, base)
	if err != nil {
		return Frame{}, err
	}
	resp := CtxCreateResp{ContextID: uint64(newCtxID), HeadTurnID: uint64(head.TurnID), HeadDepth: headDepthOf(s.Store, head)}
	return Frame{MsgType: frame.MsgType, ReqID: frame.ReqID, Payload: resp.Encode()}, nil
}

func headDepthOf(store *core.Store, head core.ContextHead) uint32 {
	if head.TurnID == 0 {
		return 0
	}
	t, ok := store.Turns.GetTurn(head.TurnID)
	if !ok {
		return 0
	}
	return t.Depth
}

func (s *Server) handleGetHead(frame Frame) (Frame, error) {
	req, err := DecodeGetHeadReq(frame.Payload)
	if err != nil {
		return Frame{}, core.NewStoreError(core.ErrMalformedRequest, "malformed GET_HEAD payload", err.Error())
	}
	head, ok := s.Store.Turns.Head(core.ContextID(req.ContextID))
	if !ok {
		return Frame{}, core.NewStoreError(core.ErrNotFound, "unknown context")
	}
	resp := GetHeadResp{ContextID: req.ContextID, HeadTurnID: uint64(head.TurnID), HeadDepth: headDepthOf(s.Store, head)}
	return Frame{MsgType: frame.MsgType, ReqID: frame.ReqID, Payload: resp.Encode()}, nil
}

func (s *Server) handleAppendTurn(frame Frame) (Frame, error) {
	req, err := DecodeAppendTurnReq(frame.Payload, frame.Flags&AppendTurnHasFSRoot != 0)
	if err != nil {
		return Frame{}, core.NewStoreError(core.ErrMalformedRequest, "malformed APPEND_TURN payload", err.Error())
	}

	payload := req.PayloadBytes
	if core.Codec(req.Compression) != core.CodecNone {
		payload, err = core.DecompressStored(req.PayloadBytes, core.Codec(req.Compression), req.UncompressedLen)
		if err != nil {
			return Frame{}, err
		}
	}
	if uint32(len(payload)) != req.UncompressedLen {
		return Frame{}, core.NewStoreError(core.ErrDecodeError, "uncompressed_len mismatch")
	}
	if core.HashBytes(payload) != core.BlobHash(req.ContentHashB3_256) {
		return Frame{}, core.NewStoreError(core.ErrDecodeError, "content_hash_b3_256 mismatch")
	}

	hash, _, err := s.Store.Blobs.InsertIfAbsent(payload)
	if err != nil {
		return Frame{}, err
	}

	turn, _, err := s.Store.Turns.AppendTurn(core.AppendParams{
		ContextID:       core.ContextID(req.ContextID),
		ParentTurnID:    core.TurnID(req.ParentTurnID),
		PayloadHash:     hash,
		TypeTag:         core.DeriveTypeTag(core.TypeID(req.TypeID)),
		Codec:           core.Codec(req.Compression),
		DeclaredTypeID:  core.TypeID(req.TypeID),
		TypeVersion:     core.TypeVersion(req.TypeVersion),
		Encoding:        req.Encoding,
		Compression:     core.Codec(req.Compression),
		UncompressedLen: req.UncompressedLen,
		IdempotencyKey:  req.IdempotencyKey,
		FSRootHash:      core.BlobHash(req.FSRootHash),
		HasFSRoot:       req.HasFSRoot,
		CreatedAtUnixMS: core.NowUnixMS(),
	})
	if err != nil {
		return Frame{}, err
	}

	resp := AppendTurnResp{NewTurnID: uint64(turn.TurnID), NewDepth: turn.Depth}
	return Frame{MsgType: frame.MsgType, ReqID: frame.ReqID, Payload: resp.Encode()}, nil
}

func (s *Server) handleGetLast(frame Frame) (Frame, error) {
	req, err := DecodeGetLastReq(frame.Payload)
	if err != nil {
		return Frame{}, core.NewStoreError(core.ErrMalformedRequest, "malformed GET_LAST payload", err.Error())
	}

	var turns []core.Turn
	if req.Limit == 0 {
		turns = nil
	} else if req.BeforeTurnID == 0 {
		head, ok := s.Store.Turns.Head(core.ContextID(req.ContextID))
		if !ok {
			return Frame{}, core.NewStoreError(core.ErrNotFound, "unknown context")
		}
		turns = s.Store.Turns.WalkBack(head.TurnID, int(req.Limit))
	} else {
		turns = s.Store.Turns.WalkBeforeHead(core.ContextID(req.ContextID), core.TurnID(req.BeforeTurnID), int(req.Limit))
	}

	resp := GetLastResp{Turns: make([]TurnWire, 0, len(turns))}
	for _, t := range turns {
		tw := TurnWire{
			TurnID:          uint64(t.TurnID),
			ParentTurnID:    uint64(t.ParentTurnID),
			Depth:           t.Depth,
			Codec:           uint16(t.Codec),
			TypeTag:         t.TypeTag,
			PayloadHash:     t.PayloadHash,
			Flags:           uint32(t.Flags),
			CreatedAtUnixMS: uint64(t.CreatedAtUnixMS),
		}
		if req.IncludePayload {
			raw, err := s.Store.Blobs.GetRaw(t.PayloadHash)
			if err != nil {
				return Frame{}, err
			}
			tw.PayloadBytes = raw
		}
		resp.Turns = append(resp.Turns, tw)
	}
	return Frame{MsgType: frame.MsgType, ReqID: frame.ReqID, Payload: resp.Encode()}, nil
}

func (s *Server) handleGetBlob(frame Frame) (Frame, error) {
	req, err := DecodeGetBlobReq(frame.Payload)
	if err != nil {
		return Frame{}, core.NewStoreError(core.ErrMalformedRequest, "malformed GET_BLOB payload", err.Error())
	}
	raw, err := s.Store.Blobs.GetRaw(core.BlobHash(req.Hash))
	if err != nil {
		return Frame{}, err
	}
	resp := GetBlobResp{RawBytes: raw}
	return Frame{MsgType: frame.MsgType, ReqID: frame.ReqID, Payload: resp.Encode()}, nil
}

func (s *Server) handlePutBlob(frame Frame) (Frame, error) {
	req, err := DecodePutBlobReq(frame.Payload)
	if err != nil {
		return Frame{}, core.NewStoreError(core.ErrMalformedRequest, "malformed PUT_BLOB payload", err.Error())
	}
	if core.HashBytes(req.RawBytes) != core.BlobHash(req.Hash) {
		return Frame{}, core.NewStoreError(core.ErrDecodeError, "supplied hash does not match BLAKE3(raw_bytes)")
	}
	hash, wasNew, err := s.Store.Blobs.InsertIfAbsent(req.RawBytes)
	if err != nil {
		return Frame{}, err
	}
	resp := PutBlobResp{Hash: hash, WasNew: wasNew}
	return Frame{MsgType: frame.MsgType, ReqID: frame.ReqID, Payload: resp.Encode()}, nil
}

func (s *Server) handleAttachFS(frame Frame) (Frame, error) {
	req, err := DecodeAttachFSReq(frame.Payload)
	if err != nil {
		return Frame{}, core.NewStoreError(core.ErrMalformedRequest, "malformed ATTACH_FS payload", err.Error())
	}
	if err := s.Store.Turns.AttachFSRoot(core.TurnID(req.TurnID), core.BlobHash(req.FSRootHash)); err != nil {
		return Frame{}, err
	}
	resp := AttachFSResp{OK: true}
	return Frame{MsgType: frame.MsgType, ReqID: frame.ReqID, Payload: resp.Encode()}, nil
}

// connReadDeadline bounds how long a read may block waiting on the next
// frame header, so a silently-dead client doesn't pin a goroutine forever.
const connReadDeadline = 10 * time.Minute
