package catalog

import (
	"testing"

	"github.com/arbor-db/arbor/internal/pgerror"
	"github.com/arbor-db/arbor/internal/storage"
	"github.com/arbor-db/arbor/internal/types"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	return New(storage.NewEngine())
}

func smallintColumns(names ...string) []Column {
	cols := make([]Column, len(names))
	for i, n := range names {
		cols[i] = Column{Name: n, Type: types.SmallInt(), Ordinal: i}
	}
	return cols
}

func codeOf(t *testing.T, err error) pgerror.Code {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	code, _ := pgerror.As(err)
	return code
}

func TestLookupIsCaseInsensitive(t *testing.T) {
	cat := newTestCatalog(t)
	if err := cat.CreateSchema("MySchema", false); err != nil {
		t.Fatalf("CreateSchema: %v", err)
	}
	if err := cat.CreateTable("MYSCHEMA", "MyTable", smallintColumns("a"), false); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	for _, pair := range [][2]string{
		{"myschema", "mytable"},
		{"MySchema", "MyTable"},
		{"MYSCHEMA", "MYTABLE"},
	} {
		if _, ok := cat.LookupTable(pair[0], pair[1]); !ok {
			t.Fatalf("LookupTable(%q, %q) failed; lookup must be case-insensitive", pair[0], pair[1])
		}
	}
	if _, ok := cat.LookupSchema("mYsChEmA"); !ok {
		t.Fatal("LookupSchema must be case-insensitive")
	}
}

func TestCreateSchemaIfNotExists(t *testing.T) {
	cat := newTestCatalog(t)
	if err := cat.CreateSchema("s", false); err != nil {
		t.Fatalf("CreateSchema: %v", err)
	}
	if got := codeOf(t, cat.CreateSchema("s", false)); got != pgerror.SchemaAlreadyExists {
		t.Fatalf("code = %s, want %s", got, pgerror.SchemaAlreadyExists)
	}
	if err := cat.CreateSchema("s", true); err != nil {
		t.Fatalf("CreateSchema if_not_exists: %v", err)
	}
}

func TestCreateTableErrors(t *testing.T) {
	cat := newTestCatalog(t)
	if got := codeOf(t, cat.CreateTable("nope", "t", smallintColumns("a"), false)); got != pgerror.SchemaDoesNotExist {
		t.Fatalf("code = %s, want %s", got, pgerror.SchemaDoesNotExist)
	}

	if err := cat.CreateSchema("s", false); err != nil {
		t.Fatalf("CreateSchema: %v", err)
	}
	if err := cat.CreateTable("s", "t", smallintColumns("a"), false); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if got := codeOf(t, cat.CreateTable("s", "t", smallintColumns("a"), false)); got != pgerror.TableAlreadyExists {
		t.Fatalf("code = %s, want %s", got, pgerror.TableAlreadyExists)
	}
	if err := cat.CreateTable("s", "t", smallintColumns("a"), true); err != nil {
		t.Fatalf("CreateTable if_not_exists: %v", err)
	}
}

// CreateIndex checks the schema before the table, and the table before
// any column name.
func TestCreateIndexErrorPrecedence(t *testing.T) {
	cat := newTestCatalog(t)
	if got := codeOf(t, cat.CreateIndex("ix", "nope", "t", []string{"a"}, nil)); got != pgerror.SchemaDoesNotExist {
		t.Fatalf("missing schema: code = %s, want %s", got, pgerror.SchemaDoesNotExist)
	}

	if err := cat.CreateSchema("s", false); err != nil {
		t.Fatalf("CreateSchema: %v", err)
	}
	if got := codeOf(t, cat.CreateIndex("ix", "s", "nope", []string{"a"}, nil)); got != pgerror.TableDoesNotExist {
		t.Fatalf("missing table: code = %s, want %s", got, pgerror.TableDoesNotExist)
	}

	if err := cat.CreateTable("s", "t", smallintColumns("a", "b"), false); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if got := codeOf(t, cat.CreateIndex("ix", "s", "t", []string{"a", "missing"}, nil)); got != pgerror.ColumnDoesNotExist {
		t.Fatalf("missing column: code = %s, want %s", got, pgerror.ColumnDoesNotExist)
	}

	if err := cat.CreateIndex("ix", "s", "t", []string{"b"}, nil); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	idx, ok := cat.LookupIndex("s", "ix")
	if !ok {
		t.Fatal("index not registered")
	}
	if len(idx.Columns) != 1 || idx.Columns[0] != 1 {
		t.Fatalf("idx.Columns = %v, want [1]", idx.Columns)
	}
	got := cat.IndexesOf("s", "t")
	if len(got) != 1 || got[0].Name != "ix" {
		t.Fatalf("IndexesOf = %+v, want the one index", got)
	}
}

// A failed backfill must leave the catalog and the storage engine
// exactly as they were: no index entry, no orphaned tree.
func TestCreateIndexBackfillFailureRollsBack(t *testing.T) {
	cat := newTestCatalog(t)
	if err := cat.CreateSchema("s", false); err != nil {
		t.Fatalf("CreateSchema: %v", err)
	}
	if err := cat.CreateTable("s", "t", smallintColumns("a"), false); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	var tree string
	err := cat.CreateIndex("ix", "s", "t", []string{"a"}, func(idx *Index, _ *Table) error {
		tree = idx.Tree
		return pgerror.New(pgerror.SystemError, "backfill failed")
	})
	if err == nil {
		t.Fatal("expected the backfill error to propagate")
	}
	if _, ok := cat.LookupIndex("s", "ix"); ok {
		t.Fatal("index must not survive a failed backfill")
	}
	if got := cat.IndexesOf("s", "t"); len(got) != 0 {
		t.Fatalf("table still lists %d indexes after rollback", len(got))
	}
	if _, err := cat.Engine().Read(NamespaceUserData, tree); err == nil {
		t.Fatal("a failed CreateIndex must drop the tree it allocated")
	}

	if err := cat.CreateIndex("ix", "s", "t", []string{"a"}, nil); err != nil {
		t.Fatalf("re-creating the index after rollback: %v", err)
	}
}

func TestDropSchemasRestrictAndCascade(t *testing.T) {
	cat := newTestCatalog(t)
	if err := cat.CreateSchema("s", false); err != nil {
		t.Fatalf("CreateSchema: %v", err)
	}
	if err := cat.CreateTable("s", "t", smallintColumns("a"), false); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	if got := codeOf(t, cat.DropSchemas([]string{"s"}, false, false)); got != pgerror.DependentObjectsStillExist {
		t.Fatalf("restrict drop: code = %s, want %s", got, pgerror.DependentObjectsStillExist)
	}
	if _, ok := cat.LookupTable("s", "t"); !ok {
		t.Fatal("failed restrict drop must leave the table in place")
	}

	if err := cat.DropSchemas([]string{"s"}, true, false); err != nil {
		t.Fatalf("cascade drop: %v", err)
	}
	if _, ok := cat.LookupSchema("s"); ok {
		t.Fatal("schema still present after cascade drop")
	}
	if _, ok := cat.LookupTable("s", "t"); ok {
		t.Fatal("table still present after cascade drop")
	}
}

func TestDropSchemasIfExists(t *testing.T) {
	cat := newTestCatalog(t)
	if got := codeOf(t, cat.DropSchemas([]string{"nope"}, false, false)); got != pgerror.SchemaDoesNotExist {
		t.Fatalf("code = %s, want %s", got, pgerror.SchemaDoesNotExist)
	}
	if err := cat.DropSchemas([]string{"nope"}, false, true); err != nil {
		t.Fatalf("if_exists drop: %v", err)
	}
}

func TestDropTablesRemovesIndexes(t *testing.T) {
	cat := newTestCatalog(t)
	if err := cat.CreateSchema("s", false); err != nil {
		t.Fatalf("CreateSchema: %v", err)
	}
	if err := cat.CreateTable("s", "t", smallintColumns("a"), false); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := cat.CreateIndex("ix", "s", "t", []string{"a"}, nil); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	if err := cat.DropTables([][2]string{{"s", "t"}}, false, false); err != nil {
		t.Fatalf("DropTables: %v", err)
	}
	if _, ok := cat.LookupIndex("s", "ix"); ok {
		t.Fatal("index must be dropped with its table")
	}
	if got := codeOf(t, cat.DropTables([][2]string{{"s", "t"}}, false, false)); got != pgerror.TableDoesNotExist {
		t.Fatalf("code = %s, want %s", got, pgerror.TableDoesNotExist)
	}
}

func TestNextRecordIDIsMonotone(t *testing.T) {
	cat := newTestCatalog(t)
	if err := cat.CreateSchema("s", false); err != nil {
		t.Fatalf("CreateSchema: %v", err)
	}
	if err := cat.CreateTable("s", "t", smallintColumns("a"), false); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	var prev uint64
	for i := 0; i < 5; i++ {
		id, err := cat.NextRecordID("s", "t")
		if err != nil {
			t.Fatalf("NextRecordID: %v", err)
		}
		if id <= prev {
			t.Fatalf("id %d not greater than previous %d", id, prev)
		}
		prev = id
	}
}
