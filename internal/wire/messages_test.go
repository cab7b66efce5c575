package wire

import (
	"reflect"
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/arbor-db/arbor/internal/pgerror"
	"github.com/arbor-db/arbor/internal/planner"
	"github.com/arbor-db/arbor/internal/types"
)

func TestRowDescriptionFieldTuple(t *testing.T) {
	cases := []struct {
		typ  types.SqlType
		oid  uint32
		size int16
	}{
		{types.Bool(), 16, 1},
		{types.Char(1), 18, 1},
		{types.BigInt(), 20, 8},
		{types.SmallInt(), 21, 2},
		{types.Integer(), 23, 4},
		{types.Real(), 700, 4},
		{types.DoublePrecision(), 701, 8},
		{types.VarChar(10), 1043, -1},
	}
	for _, tc := range cases {
		t.Run(tc.typ.String(), func(t *testing.T) {
			rd := rowDescription([]planner.Field{{Name: "a", Type: tc.typ}})
			if len(rd.Fields) != 1 {
				t.Fatalf("got %d fields, want 1", len(rd.Fields))
			}
			f := rd.Fields[0]
			if string(f.Name) != "a" {
				t.Fatalf("name = %q, want a", f.Name)
			}
			if f.DataTypeOID != tc.oid {
				t.Fatalf("oid = %d, want %d", f.DataTypeOID, tc.oid)
			}
			if f.DataTypeSize != tc.size {
				t.Fatalf("size = %d, want %d", f.DataTypeSize, tc.size)
			}
			if f.TableOID != 0 || f.TableAttributeNumber != 0 || f.TypeModifier != -1 || f.Format != 0 {
				t.Fatalf("fixed fields = %+v, want table_oid=0 attr=0 mod=-1 format=0", f)
			}
		})
	}
}

func TestDataRowRendersTextAndNull(t *testing.T) {
	dr := dataRow([]types.Value{
		types.IntValue(42, 4),
		types.Null(),
		types.BoolValue(true),
		types.StringValue("x"),
	})
	if got := string(dr.Values[0]); got != "42" {
		t.Fatalf("col 0 = %q, want 42", got)
	}
	if dr.Values[1] != nil {
		t.Fatalf("col 1 = %q, want nil (SQL NULL)", dr.Values[1])
	}
	if got := string(dr.Values[2]); got != "t" {
		t.Fatalf("col 2 = %q, want t", got)
	}
	if got := string(dr.Values[3]); got != "x" {
		t.Fatalf("col 3 = %q, want x", got)
	}
}

func TestErrorResponseCarriesSQLState(t *testing.T) {
	er := errorResponse(pgerror.NewTableDoesNotExist("s.t"))
	if er.Severity != "ERROR" {
		t.Fatalf("severity = %q, want ERROR", er.Severity)
	}
	if er.Code != "42P01" {
		t.Fatalf("code = %q, want 42P01", er.Code)
	}
	if er.Message == "" {
		t.Fatal("message must not be empty")
	}

	er = errorResponse(&plainError{})
	if er.Code != string(pgerror.SystemError) {
		t.Fatalf("an error outside the taxonomy must map to 58000, got %q", er.Code)
	}
}

type plainError struct{}

func (*plainError) Error() string { return "boom" }

func TestDecodeParam(t *testing.T) {
	v, err := decodeParam(nil, 0, types.Integer())
	if err != nil || !v.IsNull() {
		t.Fatalf("nil raw = (%v, %v), want NULL", v, err)
	}

	v, err = decodeParam([]byte("123"), 0, types.Integer())
	if err != nil {
		t.Fatalf("text integer: %v", err)
	}
	if i, _, _ := v.Int(); i != 123 {
		t.Fatalf("text integer = %v, want 123", v)
	}

	v, err = decodeParam([]byte(" yes "), 0, types.Bool())
	if err != nil {
		t.Fatalf("text bool: %v", err)
	}
	if b, _ := v.Bool(); !b {
		t.Fatalf("text bool = %v, want true", v)
	}

	if _, err := decodeParam([]byte("abc"), 0, types.Integer()); err == nil {
		t.Fatal("expected 22P02 for non-numeric text")
	}

	v, err = decodeParam([]byte{0x00, 0x2A}, 1, types.SmallInt())
	if err != nil {
		t.Fatalf("binary smallint: %v", err)
	}
	if i, _, _ := v.Int(); i != 42 {
		t.Fatalf("binary smallint = %v, want 42", v)
	}

	v, err = decodeParam([]byte{0x01}, 1, types.Bool())
	if err != nil {
		t.Fatalf("binary bool: %v", err)
	}
	if b, _ := v.Bool(); !b {
		t.Fatalf("binary bool = %v, want true", v)
	}

	if _, err := decodeParam([]byte{0x01, 0x02, 0x03}, 1, types.Integer()); err == nil {
		t.Fatal("expected an error for a malformed binary integer")
	}
}

// Every backend message type arbor emits must survive an encode/decode
// round trip through its own framing.
func TestBackendMessageRoundTrip(t *testing.T) {
	rd := rowDescription([]planner.Field{
		{Name: "a", Type: types.SmallInt()},
		{Name: "b", Type: types.VarChar(10)},
	})
	msgs := []pgproto3.BackendMessage{
		rd,
		dataRow([]types.Value{types.IntValue(1, 2), types.Null()}),
		&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
		&pgproto3.ParameterStatus{Name: "server_version", Value: ServerVersion},
		&pgproto3.BackendKeyData{ProcessID: 7, SecretKey: 1234},
		&pgproto3.ParseComplete{},
		&pgproto3.BindComplete{},
		&pgproto3.NoData{},
		&pgproto3.PortalSuspended{},
		&pgproto3.EmptyQueryResponse{},
		errorResponse(pgerror.NewColumnDoesNotExist("x")),
	}
	for _, msg := range msgs {
		t.Run(reflect.TypeOf(msg).Elem().Name(), func(t *testing.T) {
			buf, err := msg.Encode(nil)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if len(buf) < 5 {
				t.Fatalf("frame too short: %d bytes", len(buf))
			}
			fresh := reflect.New(reflect.TypeOf(msg).Elem()).Interface().(pgproto3.BackendMessage)
			if err := fresh.Decode(buf[5:]); err != nil {
				t.Fatalf("Decode: %v", err)
			}
			round, err := fresh.Encode(nil)
			if err != nil {
				t.Fatalf("re-Encode: %v", err)
			}
			if !reflect.DeepEqual(buf, round) {
				t.Fatalf("round trip changed the frame:\n got %v\nwant %v", round, buf)
			}
		})
	}
}
