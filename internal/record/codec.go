package record

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tinydb-engine/tinydb/internal/bx"
)

// Value type tags on disk.
const (
	tagInteger   uint8 = 0x01
	tagText      uint8 = 0x02
	tagReal      uint8 = 0x03
	tagBoolean   uint8 = 0x04
	tagTimestamp uint8 = 0x05
	tagBlob      uint8 = 0x06
	tagDecimal   uint8 = 0x07
	tagNull      uint8 = 0xFF
)

var (
	ErrBadBuffer  = errors.New("record: buffer underflow")
	ErrBadTag     = errors.New("record: unknown value tag")
	ErrArity      = errors.New("record: value count does not match schema")
	ErrVarTooLong = errors.New("record: variable length exceeds u32")
)

// Row encoding:
// [u16 column count] then per column [u8 tag][payload].
// INTEGER/TIMESTAMP: 8B LE. REAL: 8B IEEE-754 LE. BOOLEAN: 1B.
// TEXT/BLOB/DECIMAL: u32 length + bytes. NULL: tag only.

// Encode serializes values, which must already be coerced to canonical
// representations (see Coerce).
func Encode(values []any) ([]byte, error) {
	if len(values) > math.MaxUint16 {
		return nil, ErrArity
	}
	out := make([]byte, 2, 64)
	bx.PutU16(out, uint16(len(values)))

	for _, v := range values {
		switch x := v.(type) {
		case nil:
			out = append(out, tagNull)
		case int64:
			out = appendFixed64(out, tagInteger, uint64(x))
		case float64:
			out = appendFixed64(out, tagReal, math.Float64bits(x))
		case bool:
			if x {
				out = append(out, tagBoolean, 1)
			} else {
				out = append(out, tagBoolean, 0)
			}
		case time.Time:
			out = appendFixed64(out, tagTimestamp, uint64(x.UnixMicro()))
		case string:
			var err error
			out, err = appendVar(out, tagText, []byte(x))
			if err != nil {
				return nil, err
			}
		case []byte:
			var err error
			out, err = appendVar(out, tagBlob, x)
			if err != nil {
				return nil, err
			}
		case Decimal:
			var err error
			out, err = appendVar(out, tagDecimal, []byte(x))
			if err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: %T", ErrTypeMismatch, v)
		}
	}
	return out, nil
}

func appendFixed64(out []byte, tag uint8, v uint64) []byte {
	var b [8]byte
	bx.PutU64(b[:], v)
	out = append(out, tag)
	return append(out, b[:]...)
}

func appendVar(out []byte, tag uint8, data []byte) ([]byte, error) {
	if len(data) > math.MaxUint32 {
		return nil, ErrVarTooLong
	}
	var l [4]byte
	bx.PutU32(l[:], uint32(len(data)))
	out = append(out, tag)
	out = append(out, l[:]...)
	return append(out, data...), nil
}

// Decode deserializes a row. The encoding is self-describing; schema
// validation happens at a higher layer.
func Decode(buf []byte) ([]any, error) {
	if len(buf) < 2 {
		return nil, ErrBadBuffer
	}
	n := int(bx.U16(buf))
	i := 2

	out := make([]any, 0, n)
	for range n {
		if i >= len(buf) {
			return nil, ErrBadBuffer
		}
		tag := buf[i]
		i++
		switch tag {
		case tagNull:
			out = append(out, nil)
		case tagInteger:
			v, rest, err := take8(buf, i)
			if err != nil {
				return nil, err
			}
			out = append(out, int64(v))
			i = rest
		case tagReal:
			v, rest, err := take8(buf, i)
			if err != nil {
				return nil, err
			}
			out = append(out, math.Float64frombits(v))
			i = rest
		case tagBoolean:
			if i+1 > len(buf) {
				return nil, ErrBadBuffer
			}
			out = append(out, buf[i] != 0)
			i++
		case tagTimestamp:
			v, rest, err := take8(buf, i)
			if err != nil {
				return nil, err
			}
			out = append(out, time.UnixMicro(int64(v)).UTC())
			i = rest
		case tagText:
			data, rest, err := takeVar(buf, i)
			if err != nil {
				return nil, err
			}
			out = append(out, string(data))
			i = rest
		case tagBlob:
			data, rest, err := takeVar(buf, i)
			if err != nil {
				return nil, err
			}
			cp := make([]byte, len(data))
			copy(cp, data)
			out = append(out, cp)
			i = rest
		case tagDecimal:
			data, rest, err := takeVar(buf, i)
			if err != nil {
				return nil, err
			}
			out = append(out, Decimal(data))
			i = rest
		default:
			return nil, fmt.Errorf("%w: 0x%02x", ErrBadTag, tag)
		}
	}
	return out, nil
}

func take8(buf []byte, i int) (uint64, int, error) {
	if i+8 > len(buf) {
		return 0, 0, ErrBadBuffer
	}
	return bx.U64(buf[i:]), i + 8, nil
}

func takeVar(buf []byte, i int) ([]byte, int, error) {
	if i+4 > len(buf) {
		return nil, 0, ErrBadBuffer
	}
	l := int(bx.U32(buf[i:]))
	i += 4
	if i+l > len(buf) {
		return nil, 0, ErrBadBuffer
	}
	return buf[i : i+l], i + l, nil
}

// TagFor reports the on-disk tag a column type encodes with.
func TagFor(t ColumnType) uint8 {
	switch t {
	case ColInteger:
		return tagInteger
	case ColText:
		return tagText
	case ColReal:
		return tagReal
	case ColBoolean:
		return tagBoolean
	case ColTimestamp:
		return tagTimestamp
	case ColBlob:
		return tagBlob
	case ColDecimal:
		return tagDecimal
	default:
		return 0
	}
}

// Matches reports whether a decoded value is valid for the column type
// (NULL always matches; NOT NULL is enforced elsewhere).
func Matches(t ColumnType, v any) bool {
	if v == nil {
		return true
	}
	switch t {
	case ColInteger:
		_, ok := v.(int64)
		return ok
	case ColText:
		_, ok := v.(string)
		return ok
	case ColReal:
		_, ok := v.(float64)
		return ok
	case ColBoolean:
		_, ok := v.(bool)
		return ok
	case ColTimestamp:
		_, ok := v.(time.Time)
		return ok
	case ColBlob:
		_, ok := v.([]byte)
		return ok
	case ColDecimal:
		_, ok := v.(Decimal)
		return ok
	default:
		return false
	}
}
