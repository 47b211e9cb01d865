package wire

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Client is a minimal synchronous client over the binary protocol, intended
// for cxdbctl and for in-process test harnesses. One request is in flight
// per call; concurrent callers are serialized behind mu the same way
// ServeConn serializes writes on the server side.
type Client struct {
	conn   net.Conn
	nextID atomic.Uint64
	mu     sync.Mutex

	MaxPayloadBytes int
}

// Dial opens a TCP connection and performs the HELLO handshake.
func Dial(addr, clientName string, clientVersion uint32) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, err
	}
	c := &Client{conn: conn, MaxPayloadBytes: MaxFrameLen}
	hello := HelloReq{ClientVersion: clientVersion, ClientName: clientName}
	resp, err := c.call(MsgHello, 0, hello.Encode())
	if err != nil {
		conn.Close()
		return nil, err
	}
	if resp.MsgType == MsgError {
		conn.Close()
		ep, _ := DecodeErrorPayload(resp.Payload)
		return nil, fmt.Errorf("hello rejected: %s: %s", ep.Code, ep.Message)
	}
	return c, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// call sends one frame and blocks for the matching reply. The protocol is
// strictly request/response per connection in this client (no pipelining),
// so there is no req_id-based demultiplexing to do on read.
func (c *Client) call(msgType MsgType, flags uint16, payload []byte) (Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqID := c.nextID.Add(1)
	if err := WriteFrame(c.conn, Frame{MsgType: msgType, Flags: flags, ReqID: reqID, Payload: payload}); err != nil {
		return Frame{}, err
	}
	return ReadFrame(c.conn, c.MaxPayloadBytes)
}

func asError(f Frame) error {
	if f.MsgType != MsgError {
		return nil
	}
	ep, err := DecodeErrorPayload(f.Payload)
	if err != nil {
		return fmt.Errorf("server returned an undecodable error frame")
	}
	return fmt.Errorf("%s: %s", ep.Code, ep.Message)
}

func (c *Client) CtxCreate(base uint64) (CtxCreateResp, error) {
	req := CtxCreateReq{Base: base}
	msgType := MsgCtxCreate
	if base != 0 {
		msgType = MsgCtxFork
	}
	f, err := c.call(msgType, 0, req.Encode())
	if err != nil {
		return CtxCreateResp{}, err
	}
	if err := asError(f); err != nil {
		return CtxCreateResp{}, err
	}
	return DecodeCtxCreateResp(f.Payload)
}

func (c *Client) GetHead(contextID uint64) (GetHeadResp, error) {
	req := GetHeadReq{ContextID: contextID}
	f, err := c.call(MsgGetHead, 0, req.Encode())
	if err != nil {
		return GetHeadResp{}, err
	}
	if err := asError(f); err != nil {
		return GetHeadResp{}, err
	}
	return DecodeCtxCreateResp(f.Payload)
}

func (c *Client) AppendTurn(req AppendTurnReq) (AppendTurnResp, error) {
	var flags uint16
	if req.HasFSRoot {
		flags |= AppendTurnHasFSRoot
	}
	f, err := c.call(MsgAppendTurn, flags, req.Encode())
	if err != nil {
		return AppendTurnResp{}, err
	}
	if err := asError(f); err != nil {
		return AppendTurnResp{}, err
	}
	return DecodeAppendTurnResp(f.Payload)
}

func (c *Client) GetLast(req GetLastReq) (GetLastResp, error) {
	f, err := c.call(MsgGetLast, 0, req.Encode())
	if err != nil {
		return GetLastResp{}, err
	}
	if err := asError(f); err != nil {
		return GetLastResp{}, err
	}
	return DecodeGetLastResp(f.Payload)
}

func (c *Client) GetBlob(hash [32]byte) (GetBlobResp, error) {
	req := GetBlobReq{Hash: hash}
	f, err := c.call(MsgGetBlob, 0, req.Encode())
	if err != nil {
		return GetBlobResp{}, err
	}
	if err := asError(f); err != nil {
		return GetBlobResp{}, err
	}
	return DecodeGetBlobResp(f.Payload)
}

func (c *Client) PutBlob(hash [32]byte, raw []byte) (PutBlobResp, error) {
	req := PutBlobReq{Hash: hash, RawBytes: raw}
	f, err := c.call(MsgPutBlob, 0, req.Encode())
	if err != nil {
		return PutBlobResp{}, err
	}
	if err := asError(f); err != nil {
		return PutBlobResp{}, err
	}
	return DecodePutBlobResp(f.Payload)
}

func (c *Client) AttachFS(turnID uint64, fsRootHash [32]byte) (AttachFSResp, error) {
	req := AttachFSReq{TurnID: turnID, FSRootHash: fsRootHash}
	f, err := c.call(MsgAttachFS, 0, req.Encode())
	if err != nil {
		return AttachFSResp{}, err
	}
	if err := asError(f); err != nil {
		return AttachFSResp{}, err
	}
	return DecodeAttachFSResp(f.Payload)
}
