package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"simple-rpc/message"
)

// ErrTruncated is returned when a binary body ends before all declared fields were read.
var ErrTruncated = errors.New("BinaryCodec: truncated body")

// BinaryCodec writes envelopes as length-prefixed fields in big-endian order.
//
//	Request:  id(8) | iface(2+n) | method(2+n) | nParams(2) {param(2+n)} | nArgs(2) {arg(4+n)}
//	Response: id(8) | payload(4+n) | error(2+n)
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	switch msg := v.(type) {
	case *message.Request:
		return encodeRequest(msg)
	case *message.Response:
		return encodeResponse(msg)
	default:
		return nil, fmt.Errorf("BinaryCodec: unsupported type %T", v)
	}
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	r := &reader{data: data}
	switch msg := v.(type) {
	case *message.Request:
		msg.RequestID = int64(r.uint64())
		msg.Interface = r.string16()
		msg.Method = r.string16()
		n := int(r.uint16())
		msg.ParamTypes = make([]string, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			msg.ParamTypes = append(msg.ParamTypes, r.string16())
		}
		n = int(r.uint16())
		msg.Args = make([]json.RawMessage, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			msg.Args = append(msg.Args, json.RawMessage(r.bytes32()))
		}
	case *message.Response:
		msg.RequestID = int64(r.uint64())
		msg.Payload = r.bytes32()
		msg.Error = r.string16()
	default:
		return fmt.Errorf("BinaryCodec: unsupported type %T", v)
	}
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func encodeRequest(msg *message.Request) ([]byte, error) {
	if len(msg.ParamTypes) > math.MaxUint16 || len(msg.Args) > math.MaxUint16 {
		return nil, errors.New("BinaryCodec: too many params")
	}
	buf := make([]byte, 0, 64)
	buf = binary.BigEndian.AppendUint64(buf, uint64(msg.RequestID))

	var err error
	if buf, err = appendString16(buf, msg.Interface); err != nil {
		return nil, err
	}
	if buf, err = appendString16(buf, msg.Method); err != nil {
		return nil, err
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.ParamTypes)))
	for _, p := range msg.ParamTypes {
		if buf, err = appendString16(buf, p); err != nil {
			return nil, err
		}
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Args)))
	for _, a := range msg.Args {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(a)))
		buf = append(buf, a...)
	}
	return buf, nil
}

func encodeResponse(msg *message.Response) ([]byte, error) {
	buf := make([]byte, 0, 8+4+len(msg.Payload)+2+len(msg.Error))
	buf = binary.BigEndian.AppendUint64(buf, uint64(msg.RequestID))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)
	return appendString16(buf, msg.Error)
}

func appendString16(buf []byte, s string) ([]byte, error) {
	if len(s) > math.MaxUint16 {
		return nil, fmt.Errorf("BinaryCodec: string field of %d bytes exceeds 65535", len(s))
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...), nil
}

// reader walks a body; the first short read sets err and every later read returns zero values.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = ErrTruncated
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) uint16() uint16 {
	if b := r.next(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) uint32() uint32 {
	if b := r.next(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) uint64() uint64 {
	if b := r.next(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) string16() string {
	return string(r.next(int(r.uint16())))
}

func (r *reader) bytes32() []byte {
	n := r.uint32()
	if r.err != nil {
		return nil
	}
	b := r.next(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
