package codec

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/hein-hp/incubator-seata/message"
)

var (
	errNotMessage  = errors.New("codec: BinaryCodec: v must be *message.RpcMessage")
	errShortBuffer = errors.New("codec: BinaryCodec: short buffer")
	errFieldTooBig = errors.New("codec: BinaryCodec: field too long")
)

// BinaryCodec lays an RpcMessage out as length-prefixed fields, big-endian:
//
//	type(2) | xidLen(2) xid | resLen(2) resourceId | payloadLen(4) payload | errLen(2) error
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RpcMessage)
	if !ok {
		return nil, errNotMessage
	}
	for _, s := range []string{msg.XID, msg.ResourceID, msg.Error} {
		if len(s) > math.MaxUint16 {
			return nil, errFieldTooBig
		}
	}
	if uint64(len(msg.Payload)) > math.MaxUint32 {
		return nil, errFieldTooBig
	}

	total := 2 + 2 + len(msg.XID) + 2 + len(msg.ResourceID) + 4 + len(msg.Payload) + 2 + len(msg.Error)
	buf := make([]byte, 0, total)
	buf = binary.BigEndian.AppendUint16(buf, uint16(msg.Type))
	buf = appendString16(buf, msg.XID)
	buf = appendString16(buf, msg.ResourceID)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)
	buf = appendString16(buf, msg.Error)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RpcMessage)
	if !ok {
		return errNotMessage
	}
	r := reader{buf: data}

	msg.Type = message.MessageType(r.uint16())
	msg.XID = r.string16()
	msg.ResourceID = r.string16()
	if n := r.uint32(); n > 0 {
		msg.Payload = append([]byte(nil), r.next(int(n))...)
	} else {
		msg.Payload = nil
	}
	msg.Error = r.string16()
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func appendString16(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// reader walks a buffer and records the first short read.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = errShortBuffer
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) uint16() uint16 {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) string16() string {
	return string(r.next(int(r.uint16())))
}
