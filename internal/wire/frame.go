// Package wire implements the cxdbd binary protocol: the length-prefixed
// frame codec, the message type table, and the per-connection request
// dispatch on top of it. Field order within a message is documented on
// each message struct's encode/decode pair.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MsgType identifies the kind of payload carried by a frame.
type MsgType uint16

const (
	MsgHello      MsgType = 1
	MsgCtxCreate  MsgType = 2
	MsgCtxFork    MsgType = 3
	MsgGetHead    MsgType = 4
	MsgAppendTurn MsgType = 5
	MsgGetLast    MsgType = 6
	MsgGetBlob    MsgType = 9
	MsgAttachFS   MsgType = 10
	MsgPutBlob    MsgType = 11
	MsgError      MsgType = 255
)

func (t MsgType) String() string {
	switch t {
	case MsgHello:
		return "HELLO"
	case MsgCtxCreate:
		return "CTX_CREATE"
	case MsgCtxFork:
		return "CTX_FORK"
	case MsgGetHead:
		return "GET_HEAD"
	case MsgAppendTurn:
		return "APPEND_TURN"
	case MsgGetLast:
		return "GET_LAST"
	case MsgGetBlob:
		return "GET_BLOB"
	case MsgAttachFS:
		return "ATTACH_FS"
	case MsgPutBlob:
		return "PUT_BLOB"
	case MsgError:
		return "ERROR"
	default:
		return fmt.Sprintf("MsgType(%d)", uint16(t))
	}
}

// FrameHeaderSize is the fixed width of a frame header: len u32, msg_type
// u16, flags u16, req_id u64.
const FrameHeaderSize = 4 + 2 + 2 + 8

// MaxFrameLen is the hard ceiling on a frame's payload length, independent
// of the configured MaxPayloadBytes, to keep a malformed length prefix from
// driving an unbounded allocation.
const MaxFrameLen = 64 << 20

// AppendTurnHasFSRoot is flags bit 0 on an APPEND_TURN frame: an
// fs_root_hash follows the idempotency key in the payload.
const AppendTurnHasFSRoot uint16 = 1 << 0

// Frame is one decoded length-prefixed message.
type Frame struct {
	MsgType MsgType
	Flags   uint16
	ReqID   uint64
	Payload []byte
}

// ReadFrame reads one frame from r. It enforces maxPayload (the
// configured per-request payload ceiling) in addition to MaxFrameLen.
func ReadFrame(r io.Reader, maxPayload int) (Frame, error) {
	header := make([]byte, FrameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}
	length := binary.LittleEndian.Uint32(header[0:4])
	if length > MaxFrameLen || int(length) > maxPayload {
		return Frame{}, fmt.Errorf("frame length %d exceeds limit", length)
	}
	f := Frame{
		MsgType: MsgType(binary.LittleEndian.Uint16(header[4:6])),
		Flags:   binary.LittleEndian.Uint16(header[6:8]),
		ReqID:   binary.LittleEndian.Uint64(header[8:16]),
	}
	f.Payload = make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, err
		}
	}
	return f, nil
}

// WriteFrame serializes f to w. Callers must serialize writes per
// connection themselves; WriteFrame performs exactly one Write call so a
// caller holding a connection-level write mutex sees no interleaving.
func WriteFrame(w io.Writer, f Frame) error {
	buf := make([]byte, FrameHeaderSize+len(f.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(f.Payload)))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(f.MsgType))
	binary.LittleEndian.PutUint16(buf[6:8], f.Flags)
	binary.LittleEndian.PutUint64(buf[8:16], f.ReqID)
	copy(buf[16:], f.Payload)
	_, err := w.Write(buf)
	return err
}
