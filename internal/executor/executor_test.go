package executor

import (
	"testing"

	"github.com/arbor-db/arbor/internal/analyzer"
	"github.com/arbor-db/arbor/internal/ast"
	"github.com/arbor-db/arbor/internal/catalog"
	"github.com/arbor-db/arbor/internal/parser"
	"github.com/arbor-db/arbor/internal/pgerror"
	"github.com/arbor-db/arbor/internal/planner"
	"github.com/arbor-db/arbor/internal/storage"
	"github.com/arbor-db/arbor/internal/typecheck"
	"github.com/arbor-db/arbor/internal/types"
)

func newTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat := catalog.New(storage.NewEngine())
	if err := cat.CreateSchema("public", false); err != nil {
		t.Fatalf("CreateSchema: %v", err)
	}
	return cat
}

// run parses, analyzes, plans, and executes sql against cat with no bound
// parameters — the same pipeline internal/session's simple-query path
// runs, kept inline here so executor tests don't depend on that package.
func run(t *testing.T, cat *catalog.Catalog, sql string) (*Result, error) {
	t.Helper()
	stmt, err := parser.ParseOne(sql)
	if err != nil {
		t.Fatalf("parse %q: %v", sql, err)
	}
	q, err := analyzer.Analyze(stmt, cat)
	if err != nil {
		return nil, err
	}
	plan, err := planner.Build(q, nil)
	if err != nil {
		return nil, err
	}
	return Execute(plan, nil, cat, nil)
}

// buildPlan builds an executable plan without running it, for tests that
// drive Execute with a cancel token.
func buildPlan(t *testing.T, cat *catalog.Catalog, sql string) *planner.Plan {
	t.Helper()
	stmt, err := parser.ParseOne(sql)
	if err != nil {
		t.Fatalf("parse %q: %v", sql, err)
	}
	q, err := analyzer.Analyze(stmt, cat)
	if err != nil {
		t.Fatalf("analyze %q: %v", sql, err)
	}
	p, err := planner.Build(q, nil)
	if err != nil {
		t.Fatalf("plan %q: %v", sql, err)
	}
	return p
}

func mustRun(t *testing.T, cat *catalog.Catalog, sql string) *Result {
	t.Helper()
	res, err := run(t, cat, sql)
	if err != nil {
		t.Fatalf("%q: %v", sql, err)
	}
	return res
}

func TestCreateTableAndInsertSelect(t *testing.T) {
	cat := newTestCatalog(t)
	mustRun(t, cat, "CREATE TABLE widgets (id integer, name varchar(20), price real)")

	res := mustRun(t, cat, "INSERT INTO widgets VALUES (1, 'bolt', 1.5), (2, 'nut', 0.25)")
	if res.Tag != "INSERT 0 2" {
		t.Fatalf("tag = %q, want INSERT 0 2", res.Tag)
	}

	sel := mustRun(t, cat, "SELECT * FROM widgets")
	if sel.Tag != "SELECT 2" {
		t.Fatalf("tag = %q, want SELECT 2", sel.Tag)
	}
	if len(sel.Rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(sel.Rows))
	}
	if s, _ := sel.Rows[0][1].Str(); s != "bolt" {
		t.Fatalf("row 0 name = %q, want bolt", s)
	}
}

func TestSelectRecordIDOrder(t *testing.T) {
	cat := newTestCatalog(t)
	mustRun(t, cat, "CREATE TABLE t (n integer)")
	mustRun(t, cat, "INSERT INTO t VALUES (30)")
	mustRun(t, cat, "INSERT INTO t VALUES (10)")
	mustRun(t, cat, "INSERT INTO t VALUES (20)")

	sel := mustRun(t, cat, "SELECT * FROM t")
	want := []int64{30, 10, 20}
	if len(sel.Rows) != len(want) {
		t.Fatalf("got %d rows, want %d", len(sel.Rows), len(want))
	}
	for i, w := range want {
		got, _, _ := sel.Rows[i][0].Int()
		if got != w {
			t.Fatalf("row %d = %d, want %d (record-id order)", i, got, w)
		}
	}
}

func TestWhereExcludesNullAndFalse(t *testing.T) {
	cat := newTestCatalog(t)
	mustRun(t, cat, "CREATE TABLE t (n integer)")
	mustRun(t, cat, "INSERT INTO t VALUES (1), (2), (3)")
	mustRun(t, cat, "UPDATE t SET n = NULL WHERE n = 2")

	sel := mustRun(t, cat, "SELECT n FROM t WHERE n > 1")
	if len(sel.Rows) != 1 {
		t.Fatalf("got %d rows, want 1 (NULL and n=1 both excluded)", len(sel.Rows))
	}
	got, _, _ := sel.Rows[0][0].Int()
	if got != 3 {
		t.Fatalf("row = %d, want 3", got)
	}
}

func TestInsertAllOrNothing(t *testing.T) {
	cat := newTestCatalog(t)
	mustRun(t, cat, "CREATE TABLE t (n smallint)")

	_, err := run(t, cat, "INSERT INTO t VALUES (1), (999999)")
	if err == nil {
		t.Fatal("expected NumericValueOutOfRange error")
	}
	code, _ := pgerror.As(err)
	if code != pgerror.NumericValueOutOfRange {
		t.Fatalf("code = %s, want %s", code, pgerror.NumericValueOutOfRange)
	}

	sel := mustRun(t, cat, "SELECT * FROM t")
	if len(sel.Rows) != 0 {
		t.Fatalf("got %d rows, want 0 (failed insert must leave no side effect)", len(sel.Rows))
	}
}

func TestCreateIndexBackfillsAndWriteThrough(t *testing.T) {
	cat := newTestCatalog(t)
	mustRun(t, cat, "CREATE TABLE t (n integer, label varchar(10))")
	mustRun(t, cat, "INSERT INTO t VALUES (1, 'a'), (2, 'b')")
	mustRun(t, cat, "CREATE INDEX t_n_idx ON t (n)")

	idx, ok := cat.LookupIndex("public", "t_n_idx")
	if !ok {
		t.Fatal("index not registered")
	}
	rows, err := cat.Engine().Read(catalog.NamespaceUserData, idx.Tree)
	if err != nil {
		t.Fatalf("Read index tree: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("index has %d entries after backfill, want 2", len(rows))
	}

	mustRun(t, cat, "INSERT INTO t VALUES (3, 'c')")
	rows, err = cat.Engine().Read(catalog.NamespaceUserData, idx.Tree)
	if err != nil {
		t.Fatalf("Read index tree: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("index has %d entries after a later insert, want 3 (write-through)", len(rows))
	}
}

func TestDeleteRemovesIndexEntries(t *testing.T) {
	cat := newTestCatalog(t)
	mustRun(t, cat, "CREATE TABLE t (n integer)")
	mustRun(t, cat, "INSERT INTO t VALUES (1), (2)")
	mustRun(t, cat, "CREATE INDEX t_n_idx ON t (n)")
	mustRun(t, cat, "DELETE FROM t WHERE n = 1")

	idx, _ := cat.LookupIndex("public", "t_n_idx")
	rows, err := cat.Engine().Read(catalog.NamespaceUserData, idx.Tree)
	if err != nil {
		t.Fatalf("Read index tree: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("index has %d entries after delete, want 1", len(rows))
	}
}

func TestMixedFamilyComparisonIsLexicographic(t *testing.T) {
	cat := newTestCatalog(t)
	mustRun(t, cat, "CREATE TABLE t (n integer)")
	mustRun(t, cat, "INSERT INTO t VALUES (9), (10)")

	// n's Integer family and '9a''s String family force the mixed-family
	// widen-to-string comparison path: as text, both "9" and "10" sort
	// before "9a".
	sel := mustRun(t, cat, "SELECT n FROM t WHERE n < '9a'")
	if len(sel.Rows) != 2 {
		t.Fatalf("got %d rows, want 2 (both \"9\" and \"10\" sort before \"9a\" lexicographically)", len(sel.Rows))
	}
}

// stubCancel is a CancelToken whose flag is armed by the test.
type stubCancel struct{ fire bool }

func (s *stubCancel) Canceled() bool {
	if s.fire {
		s.fire = false
		return true
	}
	return false
}

func TestCancelAbortsScanAtRowBoundary(t *testing.T) {
	cat := newTestCatalog(t)
	mustRun(t, cat, "CREATE TABLE t (n integer)")
	mustRun(t, cat, "INSERT INTO t VALUES (1), (2), (3)")

	tok := &stubCancel{fire: true}
	_, err := Execute(buildPlan(t, cat, "SELECT * FROM t"), nil, cat, tok)
	if err == nil {
		t.Fatal("expected QueryCanceled")
	}
	code, _ := pgerror.As(err)
	if code != pgerror.QueryCanceled {
		t.Fatalf("code = %s, want %s", code, pgerror.QueryCanceled)
	}

	// The cancellation is consumed; the same statement re-runs cleanly.
	res, err := Execute(buildPlan(t, cat, "SELECT * FROM t"), nil, cat, tok)
	if err != nil {
		t.Fatalf("re-run after cancel: %v", err)
	}
	if len(res.Rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(res.Rows))
	}
}

func TestCancelAbortsDMLWithoutSideEffect(t *testing.T) {
	cat := newTestCatalog(t)
	mustRun(t, cat, "CREATE TABLE t (n integer)")

	_, err := Execute(buildPlan(t, cat, "INSERT INTO t VALUES (1), (2)"), nil, cat, &stubCancel{fire: true})
	if err == nil {
		t.Fatal("expected QueryCanceled")
	}
	sel := mustRun(t, cat, "SELECT * FROM t")
	if len(sel.Rows) != 0 {
		t.Fatalf("got %d rows, want 0 (canceled insert must leave no side effect)", len(sel.Rows))
	}
}

func TestCancelAbortsPendingDDLWithoutSideEffect(t *testing.T) {
	cat := newTestCatalog(t)

	_, err := Execute(buildPlan(t, cat, "CREATE SCHEMA pending"), nil, cat, &stubCancel{fire: true})
	if err == nil {
		t.Fatal("expected QueryCanceled")
	}
	code, _ := pgerror.As(err)
	if code != pgerror.QueryCanceled {
		t.Fatalf("code = %s, want %s", code, pgerror.QueryCanceled)
	}
	if _, ok := cat.LookupSchema("pending"); ok {
		t.Fatal("canceled DDL must not apply")
	}
}

func TestEvalArithmeticNullPropagation(t *testing.T) {
	left := &typecheck.Const{Value: types.Null(), Typ: types.Integer()}
	right := &typecheck.Const{Value: types.IntValue(1, 4), Typ: types.Integer()}
	sum := &typecheck.BinOp{Op: ast.OpAdd, Left: left, Right: right, Typ: types.Integer()}

	v, err := Eval(sum, nil, nil)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !v.IsNull() {
		t.Fatal("expected NULL, arithmetic must propagate it")
	}
}
