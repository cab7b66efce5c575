package codec

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/arbor-db/arbor/internal/pgerror"
	"github.com/arbor-db/arbor/internal/testutil"
	"github.com/arbor-db/arbor/internal/types"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	colTypes := []types.SqlType{
		types.Bool(),
		types.SmallInt(),
		types.Integer(),
		types.BigInt(),
		types.Real(),
		types.DoublePrecision(),
		types.Char(16),
		types.VarChar(40),
	}

	testutil.SeedFaker(42)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		row, err := testutil.RandomRow(rng, colTypes)
		if err != nil {
			t.Fatalf("RandomRow: %v", err)
		}
		buf, err := Pack(row, colTypes)
		if err != nil {
			t.Fatalf("Pack(%v): %v", row, err)
		}
		got, err := Unpack(buf, colTypes)
		if err != nil {
			t.Fatalf("Unpack(Pack(%v)): %v", row, err)
		}
		if len(got) != len(row) {
			t.Fatalf("round %d: got %d values, want %d", i, len(got), len(row))
		}
		for j := range row {
			if !got[j].Equal(row[j]) {
				t.Fatalf("round %d, column %d: got %v, want %v", i, j, got[j], row[j])
			}
		}
	}
}

// Packed non-negative integers of the same width must compare in byte
// order the same way they compare numerically, since index trees order
// entries by packed key.
func TestPackPreservesIntegerOrder(t *testing.T) {
	colTypes := []types.SqlType{types.Integer()}
	inputs := []int64{0, 1, 2, 9, 10, 255, 256, 65535, 65536, 2147483647}
	var prev []byte
	for i, n := range inputs {
		buf, err := Pack([]types.Value{types.IntValue(n, 4)}, colTypes)
		if err != nil {
			t.Fatalf("Pack(%d): %v", n, err)
		}
		if prev != nil && bytes.Compare(prev, buf) >= 0 {
			t.Fatalf("packed(%d) >= packed(%d): byte order must follow numeric order", inputs[i-1], n)
		}
		prev = buf
	}
}

func TestPackRejectsOverlongString(t *testing.T) {
	_, err := Pack([]types.Value{types.StringValue("toolong")}, []types.SqlType{types.Char(5)})
	if err == nil {
		t.Fatal("expected StringDataRightTruncation")
	}
	code, _ := pgerror.As(err)
	if code != pgerror.StringDataRightTruncation {
		t.Fatalf("code = %s, want %s", code, pgerror.StringDataRightTruncation)
	}
}

func TestCharBlankPaddingIsTrimmedOnUnpack(t *testing.T) {
	colTypes := []types.SqlType{types.Char(5)}
	buf, err := Pack([]types.Value{types.StringValue("ab")}, colTypes)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	got, err := Unpack(buf, colTypes)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if s, _ := got[0].Str(); s != "ab" {
		t.Fatalf("got %q, want %q", s, "ab")
	}
}

func TestUnpackTagMismatchIsCorruptRow(t *testing.T) {
	buf, err := Pack([]types.Value{types.IntValue(7, 4)}, []types.SqlType{types.Integer()})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	_, err = Unpack(buf, []types.SqlType{types.BigInt()})
	if err == nil {
		t.Fatal("expected CorruptRow for a tag that disagrees with the declared type")
	}
	code, _ := pgerror.As(err)
	if code != pgerror.SystemError {
		t.Fatalf("code = %s, want %s", code, pgerror.SystemError)
	}
}

func TestUnpackTruncatedBuffer(t *testing.T) {
	buf, err := Pack([]types.Value{types.IntValue(7, 8)}, []types.SqlType{types.BigInt()})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if _, err := Unpack(buf[:len(buf)-1], []types.SqlType{types.BigInt()}); err == nil {
		t.Fatal("expected CorruptRow for a truncated payload")
	}
}
