package wire

import (
	"encoding/binary"
	"math"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/arbor-db/arbor/internal/analyzer"
	"github.com/arbor-db/arbor/internal/ast"
	"github.com/arbor-db/arbor/internal/executor"
	"github.com/arbor-db/arbor/internal/pgerror"
	"github.com/arbor-db/arbor/internal/planner"
	"github.com/arbor-db/arbor/internal/typecheck"
	"github.com/arbor-db/arbor/internal/types"
)

// rowDescription builds a RowDescription from a planned projection:
// table_oid and column_attr are always zero (arbor never reports a
// source table/column for a projection slot), type_modifier is always
// -1, and format is always 0 (text).
func rowDescription(fields []planner.Field) *pgproto3.RowDescription {
	out := make([]pgproto3.FieldDescription, len(fields))
	for i, f := range fields {
		out[i] = pgproto3.FieldDescription{
			Name:                 []byte(f.Name),
			TableOID:             0,
			TableAttributeNumber: 0,
			DataTypeOID:          uint32(f.Type.OID()),
			DataTypeSize:         f.Type.WireSize(),
			TypeModifier:         -1,
			Format:               0,
		}
	}
	return &pgproto3.RowDescription{Fields: out}
}

// dataRow renders a row in text format — arbor always answers in text
// regardless of what the client's Bind/Describe requested, since every
// value type arbor supports round-trips losslessly through its
// text representation (types.Value.String()).
func dataRow(row []types.Value) *pgproto3.DataRow {
	values := make([][]byte, len(row))
	for i, v := range row {
		if v.IsNull() {
			continue
		}
		values[i] = []byte(v.String())
	}
	return &pgproto3.DataRow{Values: values}
}

func errorResponse(err error) *pgproto3.ErrorResponse {
	code, msg := pgerror.As(err)
	return &pgproto3.ErrorResponse{
		Severity: "ERROR",
		Code:     string(code),
		Message:  msg,
	}
}

func pgerrUnsupportedStartup() *pgerror.Error {
	return pgerror.NewFeatureNotSupported("request")
}

func pgerrUnsupportedOID(o uint32) *pgerror.Error {
	return pgerror.New(pgerror.FeatureNotSupported, "unsupported parameter type oid %d", o)
}

// decodeParam turns one Bind parameter's raw wire bytes into a typed
// Value. raw == nil means the parameter is SQL NULL, per the protocol.
// formatCode 0 is text, 1 is binary.
func decodeParam(raw []byte, formatCode int16, t types.SqlType) (types.Value, error) {
	if raw == nil {
		return types.Null(), nil
	}
	if formatCode == 0 {
		return decodeText(string(raw), t)
	}
	return decodeBinary(raw, t)
}

// decodeText reuses the same literal-coercion path typecheck already
// applies to a quoted SQL string constant, so Bind's text-format
// parameters get exactly the same parsing rules (and errors) as a
// literal written directly into SQL.
func decodeText(s string, t types.SqlType) (types.Value, error) {
	node, err := typecheck.Check(&analyzer.Const{Lit: ast.Literal{Kind: ast.LitString, Text: s}}, &t, nil)
	if err != nil {
		return types.Value{}, err
	}
	return executor.Eval(node, nil, nil)
}

func decodeBinary(raw []byte, t types.SqlType) (types.Value, error) {
	switch t.Family() {
	case types.FamilyBool:
		if len(raw) != 1 {
			return types.Value{}, pgerror.NewInvalidInputSyntax("boolean", "<binary>")
		}
		return types.BoolValue(raw[0] != 0), nil
	case types.FamilyInteger:
		return decodeBinaryInt(raw, t)
	case types.FamilyFloat:
		return decodeBinaryFloat(raw, t)
	case types.FamilyString:
		return types.StringValue(string(raw)), nil
	default:
		return types.Value{}, pgerror.NewFeatureNotSupported("binary parameter of unknown type")
	}
}

func decodeBinaryInt(raw []byte, t types.SqlType) (types.Value, error) {
	switch len(raw) {
	case 2:
		return types.IntValue(int64(int16(binary.BigEndian.Uint16(raw))), t.Width()), nil
	case 4:
		return types.IntValue(int64(int32(binary.BigEndian.Uint32(raw))), t.Width()), nil
	case 8:
		return types.IntValue(int64(binary.BigEndian.Uint64(raw)), t.Width()), nil
	default:
		return types.Value{}, pgerror.NewInvalidInputSyntax(t.String(), "<binary>")
	}
}

func decodeBinaryFloat(raw []byte, t types.SqlType) (types.Value, error) {
	switch len(raw) {
	case 4:
		return types.FloatValue(float64(math.Float32frombits(binary.BigEndian.Uint32(raw))), t.Width()), nil
	case 8:
		return types.FloatValue(math.Float64frombits(binary.BigEndian.Uint64(raw)), t.Width()), nil
	default:
		return types.Value{}, pgerror.NewInvalidInputSyntax(t.String(), "<binary>")
	}
}
