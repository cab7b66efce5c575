package session

import (
	"testing"

	"github.com/arbor-db/arbor/internal/catalog"
	"github.com/arbor-db/arbor/internal/pgerror"
	"github.com/arbor-db/arbor/internal/storage"
	"github.com/arbor-db/arbor/internal/types"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	cat := catalog.New(storage.NewEngine())
	if err := cat.CreateSchema("public", false); err != nil {
		t.Fatalf("CreateSchema: %v", err)
	}
	s := New(cat)
	if _, err := s.SimpleQuery("CREATE TABLE t (n integer, label varchar(10))"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := s.SimpleQuery("INSERT INTO t VALUES (1, 'a'), (2, 'b'), (3, 'c')"); err != nil {
		t.Fatalf("seed insert: %v", err)
	}
	return s
}

func TestExtendedProtocolHappyPath(t *testing.T) {
	s := newTestSession(t)

	if err := s.Parse("", "SELECT n, label FROM t WHERE n > $1", []types.SqlType{types.Integer()}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	paramTypes, rowDesc, err := s.DescribeStatement("")
	if err != nil {
		t.Fatalf("DescribeStatement: %v", err)
	}
	if len(paramTypes) != 1 || paramTypes[0].Kind != types.KindInteger {
		t.Fatalf("paramTypes = %+v, want one integer", paramTypes)
	}
	if len(rowDesc) != 2 || rowDesc[0].Name != "n" || rowDesc[1].Name != "label" {
		t.Fatalf("rowDesc = %+v", rowDesc)
	}

	if err := s.Bind("", "", []types.Value{types.IntValue(1, 4)}); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	portalDesc, err := s.DescribePortal("")
	if err != nil {
		t.Fatalf("DescribePortal: %v", err)
	}
	if len(portalDesc) != 2 {
		t.Fatalf("portal rowDesc = %+v", portalDesc)
	}

	qr, err := s.Execute("", 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if qr.Suspended {
		t.Fatal("unlimited Execute must not suspend")
	}
	if len(qr.Rows) != 2 {
		t.Fatalf("got %d rows, want 2 (n=2 and n=3)", len(qr.Rows))
	}

	s.ClearPortals()
	if _, err := s.DescribePortal(""); err == nil {
		t.Fatal("expected error describing a portal cleared at Sync")
	}
}

func TestBindOnUnknownPreparedStatement(t *testing.T) {
	s := newTestSession(t)
	err := s.Parse("", "SELECT * FROM t WHERE n = $1", []types.SqlType{types.Integer()})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	err = s.Bind("p1", "does-not-exist", []types.Value{types.IntValue(1, 4)})
	if err == nil {
		t.Fatal("expected PreparedStatementDoesNotExist")
	}
	code, _ := pgerror.As(err)
	if code != pgerror.PreparedStatementDoesNotExist {
		t.Fatalf("code = %s, want %s", code, pgerror.PreparedStatementDoesNotExist)
	}
}

func TestPortalSuspensionAndResume(t *testing.T) {
	s := newTestSession(t)
	if err := s.Parse("", "SELECT n FROM t", nil); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := s.Bind("", "", nil); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	first, err := s.Execute("", 2)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !first.Suspended {
		t.Fatal("expected PortalSuspended after a 2-row cap on a 3-row result")
	}
	if len(first.Rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(first.Rows))
	}

	second, err := s.Execute("", 2)
	if err != nil {
		t.Fatalf("Execute (resume): %v", err)
	}
	if second.Suspended {
		t.Fatal("resumed Execute must not suspend once exhausted")
	}
	if len(second.Rows) != 1 {
		t.Fatalf("got %d rows, want 1 (the remaining row)", len(second.Rows))
	}
}

func TestSimpleQueryStopsAtFirstError(t *testing.T) {
	s := newTestSession(t)
	results, err := s.SimpleQuery("SELECT * FROM t; SELECT * FROM missing; SELECT * FROM t")
	if err == nil {
		t.Fatal("expected TableDoesNotExist from the second statement")
	}
	if len(results) != 1 {
		t.Fatalf("got %d completed results, want 1 (only the first statement)", len(results))
	}
}

func TestPrepareExecuteDeallocateOverSQLText(t *testing.T) {
	s := newTestSession(t)
	if _, err := s.SimpleQuery("PREPARE byid (integer) AS SELECT label FROM t WHERE n = $1"); err != nil {
		t.Fatalf("PREPARE: %v", err)
	}
	results, err := s.SimpleQuery("EXECUTE byid (2)")
	if err != nil {
		t.Fatalf("EXECUTE: %v", err)
	}
	if len(results) != 1 || len(results[0].Rows) != 1 {
		t.Fatalf("results = %+v", results)
	}
	if s, _ := results[0].Rows[0][0].Str(); s != "b" {
		t.Fatalf("label = %q, want b", s)
	}

	if _, err := s.SimpleQuery("DEALLOCATE byid"); err != nil {
		t.Fatalf("DEALLOCATE: %v", err)
	}
	if _, err := s.SimpleQuery("EXECUTE byid (2)"); err == nil {
		t.Fatal("expected PreparedStatementDoesNotExist after DEALLOCATE")
	}
}

func TestParseRejectsNestedControlStatements(t *testing.T) {
	s := newTestSession(t)
	err := s.Parse("", "PREPARE nested AS SELECT n FROM t", nil)
	if err == nil {
		t.Fatal("expected FeatureNotSupported for PREPARE inside the extended protocol")
	}
	code, _ := pgerror.As(err)
	if code != pgerror.FeatureNotSupported {
		t.Fatalf("code = %s, want %s", code, pgerror.FeatureNotSupported)
	}
}
