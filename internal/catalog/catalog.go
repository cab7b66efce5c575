// Package catalog is arbor's registry of schemas, tables, columns, and
// indexes. Unlike a client-side catalog that introspects a live
// Postgres, this catalog IS the pg_catalog, backed by internal/storage's
// bootstrap trees.
package catalog

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/arbor-db/arbor/internal/pgerror"
	"github.com/arbor-db/arbor/internal/storage"
	"github.com/arbor-db/arbor/internal/types"
)

// Bootstrap tree names. Every
// CreateSchema/CreateTable/CreateIndex call journals a row here (and every
// drop removes it) even though the in-memory maps in Catalog remain the
// authoritative, queried state — so a future durable backend can rebuild
// those maps from these trees on startup without any catalog-side change.
const (
	NamespaceCatalog = "__catalog__"
	TreeSchemas      = "__catalog_schemas__"
	TreeTables       = "__catalog_tables__"
	TreeColumns      = "__catalog_columns__"
	TreeIndexes      = "__catalog_indexes__"

	// NamespaceUserData is where every table/index tree lives; the
	// executor reads and writes table/index trees directly, so this name
	// is exported rather than kept catalog-private.
	NamespaceUserData = "data"
)

// Column is a resolved column definition.
type Column struct {
	Name    string
	Type    types.SqlType
	Ordinal int
}

// Index is a dependent index on a table: a non-empty ordered list of
// column ordinals into that table, backed by its own storage tree.
type Index struct {
	Schema  string
	Table   string
	Name    string
	Columns []int // ordinals into the owning table's Columns
	Tree    string
}

// Table is a fully-qualified (schema, name) unique across the catalog.
type Table struct {
	Schema  string
	Name    string
	Columns []Column
	Indexes []string // fully-qualified index names owned by this table
	Tree    string
	nextID  uint64
}

// ColumnByName looks up a column case-insensitively; names are already
// lower-cased at parse time so this is a plain map-free linear scan (table
// arities are small).
func (t *Table) ColumnByName(name string) (Column, bool) {
	name = strings.ToLower(name)
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

func (t *Table) ColumnTypes() []types.SqlType {
	out := make([]types.SqlType, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Type
	}
	return out
}

// nextRecordID allocates the next monotone 8-byte record id for t.
func (t *Table) nextRecordID() uint64 {
	t.nextID++
	return t.nextID
}

// Schema owns an ordered set of tables and indexes.
type Schema struct {
	Name   string
	Tables []string // fully-qualified table names
}

// FQName formats a fully-qualified name the way error messages and tree
// names use it.
func FQName(schema, name string) string { return schema + "." + name }

// Catalog is the authoritative registry. All mutation goes through a
// single mutex: a schema change applies atomically with respect to other
// catalog observers, and the catalog mutation path is serialized
// process-wide.
type Catalog struct {
	mu      sync.RWMutex
	engine  *storage.Engine
	schemas map[string]*Schema
	tables  map[string]*Table // fq name -> table
	indexes map[string]*Index // fq name -> index
	treeSeq uint64
}

// New creates a catalog backed by engine, bootstrapping the namespace that
// owns every table/index tree it will ever allocate, plus the catalog's own
// namespace and bootstrap trees that every CreateSchema/CreateTable/
// CreateIndex call journals a row into.
func New(engine *storage.Engine) *Catalog {
	_ = engine.CreateNamespace(NamespaceUserData)
	_ = engine.CreateNamespace(NamespaceCatalog)
	for _, tree := range []string{TreeSchemas, TreeTables, TreeColumns, TreeIndexes} {
		_ = engine.CreateTree(NamespaceCatalog, tree)
	}
	return &Catalog{
		engine:  engine,
		schemas: make(map[string]*Schema),
		tables:  make(map[string]*Table),
		indexes: make(map[string]*Index),
	}
}

// columnMeta/tableMeta/indexMeta are the journaled wire shapes written into
// the catalog's own bootstrap trees — a durable backend could rebuild the
// in-memory schemas/tables/indexes maps from these rows alone, though the
// current in-memory engine never restarts from them.
type columnMeta struct {
	Name    string     `json:"name"`
	Kind    types.Kind `json:"kind"`
	Len     int        `json:"len"`
	Ordinal int        `json:"ordinal"`
}

type tableMeta struct {
	Tree    string `json:"tree"`
	NumCols int    `json:"num_cols"`
}

type indexMeta struct {
	Schema  string `json:"schema"`
	Table   string `json:"table"`
	Columns []int  `json:"columns"`
	Tree    string `json:"tree"`
}

func columnKey(fq string, ordinal int) []byte {
	return []byte(fq + "." + strconv.Itoa(ordinal))
}

// persistTable journals t's own row plus one row per column. Failures are
// not propagated: the in-memory maps above are the catalog's authoritative
// state, and these trees are a best-effort journal a durable backend would
// read back from, matching how dropTableLocked below already ignores
// DropTree errors for the same reason.
func (c *Catalog) persistTable(fq string, t *Table) {
	tm, err := json.Marshal(tableMeta{Tree: t.Tree, NumCols: len(t.Columns)})
	if err != nil {
		return
	}
	_, _ = c.engine.Write(NamespaceCatalog, TreeTables, []storage.Row{{Key: []byte(fq), Value: tm}})

	rows := make([]storage.Row, 0, len(t.Columns))
	for _, col := range t.Columns {
		cm, err := json.Marshal(columnMeta{Name: col.Name, Kind: col.Type.Kind, Len: col.Type.Len, Ordinal: col.Ordinal})
		if err != nil {
			continue
		}
		rows = append(rows, storage.Row{Key: columnKey(fq, col.Ordinal), Value: cm})
	}
	_, _ = c.engine.Write(NamespaceCatalog, TreeColumns, rows)
}

func (c *Catalog) persistIndex(fq string, idx *Index) {
	im, err := json.Marshal(indexMeta{Schema: idx.Schema, Table: idx.Table, Columns: idx.Columns, Tree: idx.Tree})
	if err != nil {
		return
	}
	_, _ = c.engine.Write(NamespaceCatalog, TreeIndexes, []storage.Row{{Key: []byte(fq), Value: im}})
}

func (c *Catalog) unpersistTable(fq string, numCols int) {
	_, _ = c.engine.Delete(NamespaceCatalog, TreeTables, [][]byte{[]byte(fq)})
	keys := make([][]byte, numCols)
	for i := 0; i < numCols; i++ {
		keys[i] = columnKey(fq, i)
	}
	_, _ = c.engine.Delete(NamespaceCatalog, TreeColumns, keys)
}

// Engine exposes the underlying storage engine to the executor, which
// needs to read/write table and index trees directly.
func (c *Catalog) Engine() *storage.Engine { return c.engine }

func (c *Catalog) nextTreeName(prefix string) string {
	c.treeSeq++
	return fmt.Sprintf("%s_%d", prefix, c.treeSeq)
}

// CreateSchema registers a new schema. if_not_exists=true downgrades a
// name collision to a no-op success.
func (c *Catalog) CreateSchema(name string, ifNotExists bool) error {
	name = strings.ToLower(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.schemas[name]; ok {
		if ifNotExists {
			return nil
		}
		return pgerror.NewSchemaAlreadyExists(name)
	}
	c.schemas[name] = &Schema{Name: name}
	_, _ = c.engine.Write(NamespaceCatalog, TreeSchemas, []storage.Row{{Key: []byte(name), Value: []byte(name)}})
	return nil
}

// LookupSchema returns the schema by case-insensitive name.
func (c *Catalog) LookupSchema(name string) (*Schema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.schemas[strings.ToLower(name)]
	return s, ok
}

// LookupTable resolves a fully-qualified table name case-insensitively.
func (c *Catalog) LookupTable(schema, name string) (*Table, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[FQName(strings.ToLower(schema), strings.ToLower(name))]
	return t, ok
}

// CreateTable registers a new table and allocates its storage tree.
func (c *Catalog) CreateTable(schemaName, tableName string, cols []Column, ifNotExists bool) error {
	schemaName = strings.ToLower(schemaName)
	tableName = strings.ToLower(tableName)
	c.mu.Lock()
	defer c.mu.Unlock()

	sch, ok := c.schemas[schemaName]
	if !ok {
		return pgerror.NewSchemaDoesNotExist(schemaName)
	}
	fq := FQName(schemaName, tableName)
	if _, ok := c.tables[fq]; ok {
		if ifNotExists {
			return nil
		}
		return pgerror.NewTableAlreadyExists(fq)
	}

	tree := c.nextTreeName("table")
	if err := c.engine.CreateTree(NamespaceUserData, tree); err != nil {
		return pgerror.NewSystemError(err)
	}

	t := &Table{Schema: schemaName, Name: tableName, Columns: cols, Tree: tree}
	c.tables[fq] = t
	sch.Tables = append(sch.Tables, fq)
	c.persistTable(fq, t)
	return nil
}

// CreateIndex registers a new index, back-filling it from every current
// row in the table before returning, so any insert that lands after the
// statement completes sees the index in the table's dependent list.
// backfill runs under the catalog's write lock and receives the freshly
// registered index directly — it must not call back into the catalog's
// locked lookups. A backfill failure rolls the whole registration back,
// index tree included, leaving storage exactly as it was.
func (c *Catalog) CreateIndex(indexName, schemaName, tableName string, columnNames []string, backfill func(idx *Index, t *Table) error) error {
	schemaName = strings.ToLower(schemaName)
	tableName = strings.ToLower(tableName)
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.schemas[schemaName]; !ok {
		return pgerror.NewSchemaDoesNotExist(schemaName)
	}
	fq := FQName(schemaName, tableName)
	t, ok := c.tables[fq]
	if !ok {
		return pgerror.NewTableDoesNotExist(fq)
	}

	ordinals := make([]int, 0, len(columnNames))
	for _, cn := range columnNames {
		col, ok := t.ColumnByName(cn)
		if !ok {
			return pgerror.NewColumnDoesNotExist(cn)
		}
		ordinals = append(ordinals, col.Ordinal)
	}

	idxFQ := FQName(schemaName, indexName)
	if _, ok := c.indexes[idxFQ]; ok {
		return pgerror.New(pgerror.TableAlreadyExists, "index %q already exists", idxFQ)
	}

	tree := c.nextTreeName("index")
	if err := c.engine.CreateTree(NamespaceUserData, tree); err != nil {
		return pgerror.NewSystemError(err)
	}

	idx := &Index{Schema: schemaName, Table: tableName, Name: indexName, Columns: ordinals, Tree: tree}
	c.indexes[idxFQ] = idx
	t.Indexes = append(t.Indexes, idxFQ)
	c.persistIndex(idxFQ, idx)

	if backfill != nil {
		if err := backfill(idx, t); err != nil {
			delete(c.indexes, idxFQ)
			t.Indexes = t.Indexes[:len(t.Indexes)-1]
			_ = c.engine.DropTree(NamespaceUserData, tree)
			_, _ = c.engine.Delete(NamespaceCatalog, TreeIndexes, [][]byte{[]byte(idxFQ)})
			return err
		}
	}
	return nil
}

// LookupIndex resolves a fully-qualified index name.
func (c *Catalog) LookupIndex(schema, name string) (*Index, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.indexes[FQName(strings.ToLower(schema), strings.ToLower(name))]
	return idx, ok
}

// IndexesOf returns every index owned by (schema, table).
func (c *Catalog) IndexesOf(schema, table string) []*Index {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[FQName(strings.ToLower(schema), strings.ToLower(table))]
	if !ok {
		return nil
	}
	out := make([]*Index, 0, len(t.Indexes))
	for _, fq := range t.Indexes {
		if idx, ok := c.indexes[fq]; ok {
			out = append(out, idx)
		}
	}
	return out
}

// NextRecordID allocates the next record id for a table, under the
// catalog's write lock.
func (c *Catalog) NextRecordID(schema, table string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[FQName(strings.ToLower(schema), strings.ToLower(table))]
	if !ok {
		return 0, pgerror.NewTableDoesNotExist(FQName(schema, table))
	}
	return t.nextRecordID(), nil
}

// DropSchemas removes the named schemas. cascade=false fails with
// SchemaHasObjects if any of them still owns a table.
func (c *Catalog) DropSchemas(names []string, cascade, ifExists bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, raw := range names {
		name := strings.ToLower(raw)
		sch, ok := c.schemas[name]
		if !ok {
			if ifExists {
				continue
			}
			return pgerror.NewSchemaDoesNotExist(name)
		}
		if !cascade && len(sch.Tables) > 0 {
			return pgerror.NewSchemaHasObjects(name)
		}
		for _, fq := range sch.Tables {
			c.dropTableLocked(fq)
		}
		delete(c.schemas, name)
		_, _ = c.engine.Delete(NamespaceCatalog, TreeSchemas, [][]byte{[]byte(name)})
	}
	return nil
}

// DropTables removes the named tables (and, if cascade, their indexes —
// indexes are always dropped with their table regardless of the cascade
// flag, since an orphan index makes no sense).
func (c *Catalog) DropTables(fqNames [][2]string, cascade, ifExists bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, pair := range fqNames {
		schemaName, tableName := strings.ToLower(pair[0]), strings.ToLower(pair[1])
		fq := FQName(schemaName, tableName)
		if _, ok := c.tables[fq]; !ok {
			if ifExists {
				continue
			}
			return pgerror.NewTableDoesNotExist(fq)
		}
		c.dropTableLocked(fq)
	}
	return nil
}

func (c *Catalog) dropTableLocked(fq string) {
	t, ok := c.tables[fq]
	if !ok {
		return
	}
	for _, idxFQ := range t.Indexes {
		if idx, ok := c.indexes[idxFQ]; ok {
			_ = c.engine.DropTree(NamespaceUserData, idx.Tree)
			delete(c.indexes, idxFQ)
			_, _ = c.engine.Delete(NamespaceCatalog, TreeIndexes, [][]byte{[]byte(idxFQ)})
		}
	}
	_ = c.engine.DropTree(NamespaceUserData, t.Tree)
	c.unpersistTable(fq, len(t.Columns))
	delete(c.tables, fq)

	if sch, ok := c.schemas[t.Schema]; ok {
		for i, name := range sch.Tables {
			if name == fq {
				sch.Tables = append(sch.Tables[:i], sch.Tables[i+1:]...)
				break
			}
		}
	}
}
