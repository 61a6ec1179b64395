package meridian

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Tuple is an ordered sequence of key elements. Packed tuples compare
// bytewise in the same order as their elements compare element-wise,
// which is what keeps record scans and index scans in key order.
//
// Supported element types: nil, int64 (plus int/uint32/... widened),
// string and []byte.
type Tuple []any

const (
	tagNil    = 0x01
	tagBytes  = 0x02
	tagString = 0x03
	tagIntZero = 0x14 // 0x14-n .. 0x14+n for n-byte negative/positive ints
)

var ErrBadTuple = errors.New("meridian: malformed tuple encoding")

// Append appends the order-preserving encoding of t to buf.
func (t Tuple) Append(buf []byte) []byte {
	for _, el := range t {
		switch v := el.(type) {
		case nil:
			buf = append(buf, tagNil)
		case []byte:
			buf = appendEscaped(append(buf, tagBytes), v)
		case string:
			buf = appendEscaped(append(buf, tagString), []byte(v))
		case int64:
			buf = appendInt(buf, v)
		case int:
			buf = appendInt(buf, int64(v))
		case int32:
			buf = appendInt(buf, int64(v))
		case uint32:
			buf = appendInt(buf, int64(v))
		default:
			panic(fmt.Sprintf("meridian: unsupported tuple element %T", el))
		}
	}
	return buf
}

func (t Tuple) Pack() []byte {
	return t.Append(nil)
}

// Byte strings are 0x00-terminated; embedded zero bytes are escaped as
// 0x00 0xFF so that prefixes order before their extensions.
func appendEscaped(buf, v []byte) []byte {
	for _, b := range v {
		if b == 0x00 {
			buf = append(buf, 0x00, 0xFF)
		} else {
			buf = append(buf, b)
		}
	}
	return append(buf, 0x00)
}

func appendInt(buf []byte, v int64) []byte {
	if v == 0 {
		return append(buf, tagIntZero)
	}
	if v > 0 {
		n := intBytes(uint64(v))
		buf = append(buf, byte(tagIntZero+n))
		var scratch [8]byte
		binary.BigEndian.PutUint64(scratch[:], uint64(v))
		return append(buf, scratch[8-n:]...)
	}
	// Negatives are stored offset by 2^(8n)-1 so larger values sort later.
	n := intBytes(uint64(-v))
	buf = append(buf, byte(tagIntZero-n))
	bias := uint64(1)<<(8*n) - 1
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], bias-uint64(-v))
	return append(buf, scratch[8-n:]...)
}

func intBytes(u uint64) int {
	n := 1
	for u >= 1<<8 {
		u >>= 8
		n++
	}
	return n
}

// Unpack decodes a packed tuple. Every byte of the input is decoded as
// a further element; an element that does not decode is an error.
func Unpack(b []byte) (Tuple, error) {
	var t Tuple
	for len(b) > 0 {
		tag := b[0]
		b = b[1:]
		switch {
		case tag == tagNil:
			t = append(t, nil)
		case tag == tagBytes || tag == tagString:
			raw, rest, err := readEscaped(b)
			if err != nil {
				return nil, err
			}
			if tag == tagBytes {
				if raw == nil {
					raw = []byte{}
				}
				t = append(t, raw)
			} else {
				t = append(t, string(raw))
			}
			b = rest
		case tag == tagIntZero:
			t = append(t, int64(0))
		case tag > tagIntZero && tag <= tagIntZero+8:
			n := int(tag - tagIntZero)
			if len(b) < n {
				return nil, ErrBadTuple
			}
			var scratch [8]byte
			copy(scratch[8-n:], b[:n])
			u := binary.BigEndian.Uint64(scratch[:])
			if u > math.MaxInt64 {
				return nil, ErrBadTuple
			}
			t = append(t, int64(u))
			b = b[n:]
		case tag >= tagIntZero-8 && tag < tagIntZero:
			n := int(tagIntZero - tag)
			if len(b) < n {
				return nil, ErrBadTuple
			}
			var scratch [8]byte
			copy(scratch[8-n:], b[:n])
			u := binary.BigEndian.Uint64(scratch[:])
			bias := uint64(1)<<(8*n) - 1
			t = append(t, -int64(bias-u))
			b = b[n:]
		default:
			return nil, ErrBadTuple
		}
	}
	return t, nil
}

func readEscaped(b []byte) (raw, rest []byte, err error) {
	for i := 0; i < len(b); i++ {
		if b[i] != 0x00 {
			raw = append(raw, b[i])
			continue
		}
		if i+1 < len(b) && b[i+1] == 0xFF {
			raw = append(raw, 0x00)
			i++
			continue
		}
		return raw, b[i+1:], nil
	}
	return nil, nil, ErrBadTuple
}

// KeySuccessor returns the immediate successor of key in bytewise order.
func KeySuccessor(key []byte) []byte {
	out := make([]byte, len(key)+1)
	copy(out, key)
	return out
}
