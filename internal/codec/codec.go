// Package codec implements arbor's row codec: Pack/Unpack between a typed
// Value slice and a length-prefixed byte layout, the only row
// representation the storage engine stores.
//
// Layout per column, in declared order:
//
//	tag byte: 0=null, 1=bool, 2=smallint, 3=integer, 4=bigint, 5=real,
//	          6=doubleprecision, 7=char/varchar
//	payload: big-endian fixed width for bool/int/float; a 4-byte
//	         big-endian length prefix followed by that many bytes for
//	         char/varchar.
//
// Integer payloads are encoded big-endian two's complement at their
// declared width. Byte-order comparison of packed keys therefore matches
// numeric comparison only among non-negative values of one width; a
// negative value sorts after every non-negative one.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/arbor-db/arbor/internal/pgerror"
	"github.com/arbor-db/arbor/internal/types"
)

type tag byte

const (
	tagNull            tag = 0
	tagBool            tag = 1
	tagSmallInt        tag = 2
	tagInteger         tag = 3
	tagBigInt          tag = 4
	tagReal            tag = 5
	tagDoublePrecision tag = 6
	tagString          tag = 7
)

func tagFor(t types.SqlType) tag {
	switch t.Kind {
	case types.KindBool:
		return tagBool
	case types.KindSmallInt:
		return tagSmallInt
	case types.KindInteger:
		return tagInteger
	case types.KindBigInt:
		return tagBigInt
	case types.KindReal:
		return tagReal
	case types.KindDoublePrecision:
		return tagDoublePrecision
	case types.KindChar, types.KindVarChar:
		return tagString
	default:
		return tagNull
	}
}

// Pack concatenates the per-column encoding of vs, in order. len(vs) must
// equal len(colTypes); callers (the executor) guarantee this after
// type-checking.
func Pack(vs []types.Value, colTypes []types.SqlType) ([]byte, error) {
	var buf []byte
	for i, v := range vs {
		b, err := packOne(v, colTypes[i])
		if err != nil {
			return nil, err
		}
		buf = append(buf, b...)
	}
	return buf, nil
}

func packOne(v types.Value, t types.SqlType) ([]byte, error) {
	if v.IsNull() {
		return []byte{byte(tagNull)}, nil
	}
	switch t.Kind {
	case types.KindBool:
		b, ok := v.Bool()
		if !ok {
			return nil, pgerror.New(pgerror.SystemError, "codec: expected bool value for %s", t)
		}
		out := []byte{byte(tagBool), 0}
		if b {
			out[1] = 1
		}
		return out, nil
	case types.KindSmallInt:
		i, _, ok := v.Int()
		if !ok {
			return nil, pgerror.New(pgerror.SystemError, "codec: expected int value for %s", t)
		}
		out := make([]byte, 3)
		out[0] = byte(tagSmallInt)
		binary.BigEndian.PutUint16(out[1:], uint16(int16(i)))
		return out, nil
	case types.KindInteger:
		i, _, ok := v.Int()
		if !ok {
			return nil, pgerror.New(pgerror.SystemError, "codec: expected int value for %s", t)
		}
		out := make([]byte, 5)
		out[0] = byte(tagInteger)
		binary.BigEndian.PutUint32(out[1:], uint32(int32(i)))
		return out, nil
	case types.KindBigInt:
		i, _, ok := v.Int()
		if !ok {
			return nil, pgerror.New(pgerror.SystemError, "codec: expected int value for %s", t)
		}
		out := make([]byte, 9)
		out[0] = byte(tagBigInt)
		binary.BigEndian.PutUint64(out[1:], uint64(i))
		return out, nil
	case types.KindReal:
		f, _, ok := v.Float()
		if !ok {
			return nil, pgerror.New(pgerror.SystemError, "codec: expected float value for %s", t)
		}
		out := make([]byte, 5)
		out[0] = byte(tagReal)
		binary.BigEndian.PutUint32(out[1:], math.Float32bits(float32(f)))
		return out, nil
	case types.KindDoublePrecision:
		f, _, ok := v.Float()
		if !ok {
			return nil, pgerror.New(pgerror.SystemError, "codec: expected float value for %s", t)
		}
		out := make([]byte, 9)
		out[0] = byte(tagDoublePrecision)
		binary.BigEndian.PutUint64(out[1:], math.Float64bits(f))
		return out, nil
	case types.KindChar, types.KindVarChar:
		s, ok := v.Str()
		if !ok {
			return nil, pgerror.New(pgerror.SystemError, "codec: expected string value for %s", t)
		}
		raw := []byte(s)
		if len(raw) > t.Len {
			return nil, pgerror.NewStringDataRightTruncation(t.String())
		}
		if t.Kind == types.KindChar {
			// Fixed-width blank-padding, trimmed again on unpack.
			padded := make([]byte, t.Len)
			copy(padded, raw)
			for i := len(raw); i < t.Len; i++ {
				padded[i] = ' '
			}
			raw = padded
		}
		out := make([]byte, 1+4+len(raw))
		out[0] = byte(tagString)
		binary.BigEndian.PutUint32(out[1:5], uint32(len(raw)))
		copy(out[5:], raw)
		return out, nil
	default:
		return nil, pgerror.New(pgerror.SystemError, "codec: unsupported type %s", t)
	}
}

// Unpack walks buf's tags against colTypes, returning CorruptRow
// (surfaced as 58000 at the wire boundary) if a tag disagrees with the
// expected type.
func Unpack(buf []byte, colTypes []types.SqlType) ([]types.Value, error) {
	out := make([]types.Value, len(colTypes))
	pos := 0
	for i, t := range colTypes {
		if pos >= len(buf) {
			return nil, ErrCorruptRow(fmt.Sprintf("truncated row at column %d", i))
		}
		got := tag(buf[pos])
		pos++
		if got == tagNull {
			out[i] = types.Null()
			continue
		}
		want := tagFor(t)
		if got != want {
			return nil, ErrCorruptRow(fmt.Sprintf("column %d: tag %d does not match declared type %s", i, got, t))
		}
		switch t.Kind {
		case types.KindBool:
			if pos+1 > len(buf) {
				return nil, ErrCorruptRow("truncated bool")
			}
			out[i] = types.BoolValue(buf[pos] != 0)
			pos++
		case types.KindSmallInt:
			if pos+2 > len(buf) {
				return nil, ErrCorruptRow("truncated smallint")
			}
			v := int16(binary.BigEndian.Uint16(buf[pos:]))
			out[i] = types.IntValue(int64(v), 2)
			pos += 2
		case types.KindInteger:
			if pos+4 > len(buf) {
				return nil, ErrCorruptRow("truncated integer")
			}
			v := int32(binary.BigEndian.Uint32(buf[pos:]))
			out[i] = types.IntValue(int64(v), 4)
			pos += 4
		case types.KindBigInt:
			if pos+8 > len(buf) {
				return nil, ErrCorruptRow("truncated bigint")
			}
			v := int64(binary.BigEndian.Uint64(buf[pos:]))
			out[i] = types.IntValue(v, 8)
			pos += 8
		case types.KindReal:
			if pos+4 > len(buf) {
				return nil, ErrCorruptRow("truncated real")
			}
			v := math.Float32frombits(binary.BigEndian.Uint32(buf[pos:]))
			out[i] = types.FloatValue(float64(v), 4)
			pos += 4
		case types.KindDoublePrecision:
			if pos+8 > len(buf) {
				return nil, ErrCorruptRow("truncated double precision")
			}
			v := math.Float64frombits(binary.BigEndian.Uint64(buf[pos:]))
			out[i] = types.FloatValue(v, 8)
			pos += 8
		case types.KindChar, types.KindVarChar:
			if pos+4 > len(buf) {
				return nil, ErrCorruptRow("truncated string length prefix")
			}
			n := int(binary.BigEndian.Uint32(buf[pos:]))
			pos += 4
			if pos+n > len(buf) {
				return nil, ErrCorruptRow("truncated string payload")
			}
			s := string(buf[pos : pos+n])
			pos += n
			if t.Kind == types.KindChar {
				s = strings.TrimRight(s, " ")
			}
			out[i] = types.StringValue(s)
		}
	}
	return out, nil
}

// CorruptRow is returned by Unpack when a stored row disagrees with the
// table's current column types. Surfaced at the wire boundary as 58000.
type CorruptRow struct {
	msg string
}

func ErrCorruptRow(msg string) *CorruptRow { return &CorruptRow{msg: msg} }

func (e *CorruptRow) Error() string { return fmt.Sprintf("corrupt row: %s", e.msg) }

func (e *CorruptRow) SQLState() pgerror.Code { return pgerror.SystemError }
