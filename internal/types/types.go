// Package types defines the closed SQL type system shared by every later
// layer of the query pipeline: the pipeline, analyzer, typecheck, planner,
// and executor all operate on the same SqlType/Family/Value vocabulary.
package types

import (
	"fmt"

	"github.com/lib/pq/oid"
)

// Family is the coarse type category used during inference before widths
// are chosen.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyBool
	FamilyString
	FamilyInteger
	FamilyFloat
)

func (f Family) String() string {
	switch f {
	case FamilyBool:
		return "bool"
	case FamilyString:
		return "string"
	case FamilyInteger:
		return "integer"
	case FamilyFloat:
		return "float"
	default:
		return "unknown"
	}
}

// Kind enumerates the closed set of SQL types arbor supports.
type Kind int

const (
	KindUnknown Kind = iota
	KindBool
	KindChar
	KindVarChar
	KindSmallInt
	KindInteger
	KindBigInt
	KindReal
	KindDoublePrecision
)

// SqlType is a fully-resolved column/expression type: a Kind plus, for the
// character types, a declared length.
type SqlType struct {
	Kind Kind
	// Len is the declared length for Char/VarChar (n >= 1). Zero for every
	// other kind.
	Len int
}

func Bool() SqlType            { return SqlType{Kind: KindBool} }
func SmallInt() SqlType        { return SqlType{Kind: KindSmallInt} }
func Integer() SqlType         { return SqlType{Kind: KindInteger} }
func BigInt() SqlType          { return SqlType{Kind: KindBigInt} }
func Real() SqlType            { return SqlType{Kind: KindReal} }
func DoublePrecision() SqlType { return SqlType{Kind: KindDoublePrecision} }
func Char(n int) SqlType       { return SqlType{Kind: KindChar, Len: n} }
func VarChar(n int) SqlType    { return SqlType{Kind: KindVarChar, Len: n} }

// Family classifies a SqlType into its inference family.
func (t SqlType) Family() Family {
	switch t.Kind {
	case KindBool:
		return FamilyBool
	case KindChar, KindVarChar:
		return FamilyString
	case KindSmallInt, KindInteger, KindBigInt:
		return FamilyInteger
	case KindReal, KindDoublePrecision:
		return FamilyFloat
	default:
		return FamilyUnknown
	}
}

// Width returns the integer/float bit width in bytes, or 0 for non-numeric
// types. Used to tag runtime Values with their payload width.
func (t SqlType) Width() int {
	switch t.Kind {
	case KindSmallInt:
		return 2
	case KindInteger, KindReal:
		return 4
	case KindBigInt, KindDoublePrecision:
		return 8
	default:
		return 0
	}
}

// Equal reports whether t and o are the same resolved type.
func (t SqlType) Equal(o SqlType) bool {
	return t.Kind == o.Kind && t.Len == o.Len
}

func (t SqlType) String() string {
	switch t.Kind {
	case KindBool:
		return "boolean"
	case KindChar:
		return fmt.Sprintf("character(%d)", t.Len)
	case KindVarChar:
		return fmt.Sprintf("character varying(%d)", t.Len)
	case KindSmallInt:
		return "smallint"
	case KindInteger:
		return "integer"
	case KindBigInt:
		return "bigint"
	case KindReal:
		return "real"
	case KindDoublePrecision:
		return "double precision"
	default:
		return "unknown"
	}
}

// OID returns the PostgreSQL wire type OID for t.
func (t SqlType) OID() oid.Oid {
	switch t.Kind {
	case KindBool:
		return oid.T_bool
	case KindChar:
		return oid.T_char
	case KindVarChar:
		return oid.T_varchar
	case KindSmallInt:
		return oid.T_int2
	case KindInteger:
		return oid.T_int4
	case KindBigInt:
		return oid.T_int8
	case KindReal:
		return oid.T_float4
	case KindDoublePrecision:
		return oid.T_float8
	default:
		return 0
	}
}

// ResolveOID maps a PostgreSQL wire type OID back to a SqlType, for
// decoding a Parse message's declared parameter types.
// VarChar/Char carry no length on the wire, so a resolved
// character type always comes back unbounded; callers coerce to a
// column's declared length during typecheck, not here.
func ResolveOID(o oid.Oid) (SqlType, bool) {
	switch o {
	case oid.T_bool:
		return Bool(), true
	case oid.T_char:
		return Char(1 << 20), true
	case oid.T_varchar, oid.T_text:
		return VarChar(1 << 20), true
	case oid.T_int2:
		return SmallInt(), true
	case oid.T_int4:
		return Integer(), true
	case oid.T_int8:
		return BigInt(), true
	case oid.T_float4:
		return Real(), true
	case oid.T_float8:
		return DoublePrecision(), true
	default:
		return SqlType{}, false
	}
}

// WireSize is the fixed wire byte length for t's RowDescription field, or
// -1 for variable-length types.
func (t SqlType) WireSize() int16 {
	switch t.Kind {
	case KindBool, KindChar:
		return 1
	case KindSmallInt:
		return 2
	case KindInteger, KindReal:
		return 4
	case KindBigInt, KindDoublePrecision:
		return 8
	default:
		return -1
	}
}

// Value is the tagged-union runtime value every expression evaluates to.
type Value struct {
	tag   valueTag
	b     bool
	i     int64
	width int // byte width of the integer/float payload, 0 for non-numeric
	f     float64
	s     string
}

type valueTag int

const (
	tagNull valueTag = iota
	tagBool
	tagInt
	tagFloat
	tagString
)

func Null() Value            { return Value{tag: tagNull} }
func BoolValue(b bool) Value { return Value{tag: tagBool, b: b} }
func IntValue(i int64, width int) Value {
	return Value{tag: tagInt, i: i, width: width}
}
func FloatValue(f float64, width int) Value {
	return Value{tag: tagFloat, f: f, width: width}
}
func StringValue(s string) Value { return Value{tag: tagString, s: s} }

func (v Value) IsNull() bool { return v.tag == tagNull }

func (v Value) Bool() (b, ok bool) {
	if v.tag != tagBool {
		return false, false
	}
	return v.b, true
}

func (v Value) Int() (i int64, width int, ok bool) {
	if v.tag != tagInt {
		return 0, 0, false
	}
	return v.i, v.width, true
}

func (v Value) Float() (f float64, width int, ok bool) {
	if v.tag != tagFloat {
		return 0, 0, false
	}
	return v.f, v.width, true
}

func (v Value) Str() (s string, ok bool) {
	if v.tag != tagString {
		return "", false
	}
	return v.s, true
}

func (v Value) Family() Family {
	switch v.tag {
	case tagBool:
		return FamilyBool
	case tagInt:
		return FamilyInteger
	case tagFloat:
		return FamilyFloat
	case tagString:
		return FamilyString
	default:
		return FamilyUnknown
	}
}

func (v Value) Equal(o Value) bool {
	if v.tag != o.tag {
		return false
	}
	switch v.tag {
	case tagNull:
		return true
	case tagBool:
		return v.b == o.b
	case tagInt:
		return v.i == o.i && v.width == o.width
	case tagFloat:
		return v.f == o.f && v.width == o.width
	case tagString:
		return v.s == o.s
	default:
		return false
	}
}

func (v Value) String() string {
	switch v.tag {
	case tagNull:
		return "NULL"
	case tagBool:
		if v.b {
			return "t"
		}
		return "f"
	case tagInt:
		return fmt.Sprintf("%d", v.i)
	case tagFloat:
		return fmt.Sprintf("%g", v.f)
	case tagString:
		return v.s
	default:
		return "?"
	}
}
