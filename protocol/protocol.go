// Package protocol implements the binary frame exchanged with coordinators.
//
// TCP is a byte stream, so every message is framed by a fixed 13-byte header
// carrying the body length. The receiver reads the header first, then exactly
// that many body bytes.
//
// Frame format:
//
//	0     2  3  4  5         9        13
//	┌─────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic│v │ct│fk│   seq   │ bodyLen │    body ...    │
//	│ dada│01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└─────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	MagicByte1 byte = 0xda
	MagicByte2 byte = 0xda
	Version    byte = 0x01
	HeaderSize int  = 13 // 2 (magic) + 1 (version) + 1 (codec) + 1 (kind) + 4 (seq) + 4 (bodyLen)

	// MaxBodyLen caps a single frame body. Anything larger is treated as a
	// corrupted stream.
	MaxBodyLen uint32 = 8 << 20
)

// ErrInvalidFrame is wrapped by every header validation failure.
var ErrInvalidFrame = errors.New("protocol: invalid frame")

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // client → coordinator
	MsgTypeResponse  MsgType = 1 // coordinator → client
	MsgTypeHeartbeat MsgType = 2 // keepalive probe, echoed back with the same seq
)

// Codec type constants, mirrored from the codec package to avoid an import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

type Header struct {
	CodecType byte
	MsgType   MsgType
	Seq       uint32 // matches a response to its request on a shared channel
	BodyLen   uint32
}

// Encode writes a complete frame (header + body) to w. h.BodyLen is taken
// from body. Callers sharing w between goroutines must serialise calls.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint64(len(body)) > uint64(MaxBodyLen) {
		return fmt.Errorf("%w: body of %d bytes exceeds %d", ErrInvalidFrame, len(body), MaxBodyLen)
	}
	h.BodyLen = uint32(len(body))

	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	buf[0] = MagicByte1
	buf[1] = MagicByte2
	buf[2] = Version
	buf[3] = h.CodecType
	buf[4] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[5:9], h.Seq)
	binary.BigEndian.PutUint32(buf[9:13], h.BodyLen)

	// one Write per frame keeps header and body together on the wire
	_, err := w.Write(append(buf, body...))
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates magic, version, codec type, message type and body length.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicByte1 || headerBuf[1] != MagicByte2 {
		return nil, nil, fmt.Errorf("%w: magic %x", ErrInvalidFrame, headerBuf[0:2])
	}
	if headerBuf[2] != Version {
		return nil, nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidFrame, headerBuf[2])
	}
	if headerBuf[3] != CodecTypeJSON && headerBuf[3] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("%w: unsupported codec type %d", ErrInvalidFrame, headerBuf[3])
	}
	msgType := MsgType(headerBuf[4])
	if msgType != MsgTypeRequest && msgType != MsgTypeResponse && msgType != MsgTypeHeartbeat {
		return nil, nil, fmt.Errorf("%w: unsupported message type %d", ErrInvalidFrame, msgType)
	}

	seq := binary.BigEndian.Uint32(headerBuf[5:9])
	bodyLen := binary.BigEndian.Uint32(headerBuf[9:13])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("%w: body length %d exceeds %d", ErrInvalidFrame, bodyLen, MaxBodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[3],
		MsgType:   msgType,
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}
