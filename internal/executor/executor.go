// Package executor carries out a planner.Plan against the catalog and
// storage engine. Insert evaluates every row before writing any of them,
// so a single bad row leaves the table untouched; Select streams the
// table's current snapshot through the filter and projection in
// record-id order; Update and Delete scan-then-mutate and keep every
// dependent index in lockstep.
package executor

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/arbor-db/arbor/internal/analyzer"
	"github.com/arbor-db/arbor/internal/ast"
	"github.com/arbor-db/arbor/internal/catalog"
	"github.com/arbor-db/arbor/internal/codec"
	"github.com/arbor-db/arbor/internal/pgerror"
	"github.com/arbor-db/arbor/internal/planner"
	"github.com/arbor-db/arbor/internal/storage"
	"github.com/arbor-db/arbor/internal/typecheck"
	"github.com/arbor-db/arbor/internal/types"
)

// Result is what a single executed plan produces: a CommandComplete tag
// plus, for a Select, the rows and their already-computed
// RowDescription.
type Result struct {
	Tag     string
	Rows    [][]types.Value
	RowDesc []planner.Field
}

// CancelToken reports whether the statement in flight should abort.
// The executor polls it at every row boundary; a pending DDL checks it
// once before applying anything. A nil token never cancels.
// supervisor.Conn satisfies this interface.
type CancelToken interface {
	Canceled() bool
}

func canceled(c CancelToken) bool { return c != nil && c.Canceled() }

// Eval evaluates a single typed expression node outside of any plan —
// the session layer uses this to resolve a textual EXECUTE statement's
// literal arguments, which never go through Execute's row/plan machinery.
func Eval(n typecheck.Node, row, params []types.Value) (types.Value, error) {
	return eval(n, row, params)
}

// Execute carries out p against cat, evaluating any parameter/literal
// expressions with params bound. cancel may be nil.
func Execute(p *planner.Plan, params []types.Value, cat *catalog.Catalog, cancel CancelToken) (*Result, error) {
	switch {
	case p.Passthrough != nil:
		return execPassthrough(cat, p.Passthrough, cancel)
	case p.Insert != nil:
		return execInsert(cat, p.Insert, params, cancel)
	case p.Select != nil:
		return execSelect(cat, p.Select, params, cancel)
	case p.Update != nil:
		return execUpdate(cat, p.Update, params, cancel)
	case p.Delete != nil:
		return execDelete(cat, p.Delete, params, cancel)
	default:
		return nil, pgerror.New(pgerror.SystemError, "empty plan")
	}
}

func defaultSchema(s string) string {
	if s == "" {
		return "public"
	}
	return s
}

func recordKey(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func projectColumns(vs []types.Value, ordinals []int) []types.Value {
	out := make([]types.Value, len(ordinals))
	for i, ord := range ordinals {
		out[i] = vs[ord]
	}
	return out
}

func indexColTypes(t *catalog.Table, idx *catalog.Index) []types.SqlType {
	out := make([]types.SqlType, len(idx.Columns))
	for i, ord := range idx.Columns {
		out[i] = t.Columns[ord].Type
	}
	return out
}

func valuesEqual(a, b []types.Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// execPassthrough dispatches the DDL and transaction-control statements
// that need no typechecking.
// Prepare/Execute/Deallocate are session-state operations: the session
// layer intercepts them before a Query ever reaches planning, so seeing
// one here is a programming error.
func execPassthrough(cat *catalog.Catalog, stmt ast.Statement, cancel CancelToken) (*Result, error) {
	// A pending DDL aborts immediately, before any side effect.
	if canceled(cancel) {
		return nil, pgerror.NewQueryCanceled()
	}
	switch s := stmt.(type) {
	case *ast.CreateSchema:
		if err := cat.CreateSchema(s.Name, s.IfNotExists); err != nil {
			return nil, err
		}
		return &Result{Tag: "CREATE SCHEMA"}, nil

	case *ast.CreateTable:
		return execCreateTable(cat, s)

	case *ast.CreateIndex:
		return execCreateIndex(cat, s)

	case *ast.DropSchemas:
		if err := cat.DropSchemas(s.Names, s.Cascade, s.IfExists); err != nil {
			return nil, err
		}
		return &Result{Tag: "DROP SCHEMA"}, nil

	case *ast.DropTables:
		pairs := make([][2]string, len(s.Tables))
		for i, n := range s.Tables {
			pairs[i] = [2]string{defaultSchema(n.Schema), n.Table}
		}
		if err := cat.DropTables(pairs, s.Cascade, s.IfExists); err != nil {
			return nil, err
		}
		return &Result{Tag: "DROP TABLE"}, nil

	case *ast.Begin:
		return &Result{Tag: "BEGIN"}, nil
	case *ast.Commit:
		return &Result{Tag: "COMMIT"}, nil

	default:
		return nil, pgerror.New(pgerror.SystemError, "statement must be dispatched by the session layer")
	}
}

func execCreateTable(cat *catalog.Catalog, s *ast.CreateTable) (*Result, error) {
	schema := defaultSchema(s.Table.Schema)
	cols := make([]catalog.Column, len(s.Columns))
	for i, cd := range s.Columns {
		t, err := analyzer.ResolveDataType(cd.Type)
		if err != nil {
			return nil, err
		}
		cols[i] = catalog.Column{Name: strings.ToLower(cd.Name), Type: t, Ordinal: i}
	}
	if err := cat.CreateTable(schema, s.Table.Table, cols, s.IfNotExists); err != nil {
		return nil, err
	}
	return &Result{Tag: "CREATE TABLE"}, nil
}

// execCreateIndex builds the back-fill closure CreateIndex runs against
// every current row before the statement returns. The closure runs
// under the catalog's write lock, so it works off the *Index it is
// handed rather than calling back into catalog lookups.
func execCreateIndex(cat *catalog.Catalog, s *ast.CreateIndex) (*Result, error) {
	schema := defaultSchema(s.Table.Schema)

	backfill := func(idx *catalog.Index, t *catalog.Table) error {
		rows, err := cat.Engine().Read(catalog.NamespaceUserData, t.Tree)
		if err != nil {
			return pgerror.NewSystemError(err)
		}
		if len(rows) == 0 {
			return nil
		}
		colTypes := t.ColumnTypes()
		idxColTypes := indexColTypes(t, idx)
		idxRows := make([]storage.Row, 0, len(rows))
		for _, r := range rows {
			vs, err := codec.Unpack(r.Value, colTypes)
			if err != nil {
				return err
			}
			key, err := codec.Pack(projectColumns(vs, idx.Columns), idxColTypes)
			if err != nil {
				return err
			}
			idxRows = append(idxRows, storage.Row{Key: key, Value: r.Key})
		}
		if _, err := cat.Engine().Write(catalog.NamespaceUserData, idx.Tree, idxRows); err != nil {
			return pgerror.NewSystemError(err)
		}
		return nil
	}

	if err := cat.CreateIndex(s.Name, schema, s.Table.Table, s.Columns, backfill); err != nil {
		return nil, err
	}
	return &Result{Tag: "CREATE INDEX"}, nil
}

// execInsert evaluates every row's expressions before writing any of
// them, so a NumericValueOutOfRange or StringDataRightTruncation partway
// through leaves the table (and its indexes) exactly as they were.
func execInsert(cat *catalog.Catalog, p *planner.InsertPlan, params []types.Value, cancel CancelToken) (*Result, error) {
	colTypes := p.Table.ColumnTypes()
	values := make([][]types.Value, len(p.Rows))
	for i, row := range p.Rows {
		if canceled(cancel) {
			return nil, pgerror.NewQueryCanceled()
		}
		vs := make([]types.Value, len(row))
		for j, n := range row {
			v, err := eval(n, nil, params)
			if err != nil {
				return nil, err
			}
			vs[j] = v
		}
		values[i] = vs
	}

	rows := make([]storage.Row, len(values))
	ids := make([]uint64, len(values))
	for i, vs := range values {
		id, err := cat.NextRecordID(p.Table.Schema, p.Table.Name)
		if err != nil {
			return nil, err
		}
		buf, err := codec.Pack(vs, colTypes)
		if err != nil {
			return nil, err
		}
		ids[i] = id
		rows[i] = storage.Row{Key: recordKey(id), Value: buf}
	}
	if _, err := cat.Engine().Write(catalog.NamespaceUserData, p.Table.Tree, rows); err != nil {
		return nil, pgerror.NewSystemError(err)
	}

	for _, idx := range cat.IndexesOf(p.Table.Schema, p.Table.Name) {
		idxColTypes := indexColTypes(p.Table, idx)
		idxRows := make([]storage.Row, len(values))
		for i, vs := range values {
			key, err := codec.Pack(projectColumns(vs, idx.Columns), idxColTypes)
			if err != nil {
				return nil, err
			}
			idxRows[i] = storage.Row{Key: key, Value: recordKey(ids[i])}
		}
		if _, err := cat.Engine().Write(catalog.NamespaceUserData, idx.Tree, idxRows); err != nil {
			return nil, pgerror.NewSystemError(err)
		}
	}

	return &Result{Tag: fmt.Sprintf("INSERT 0 %d", len(values))}, nil
}

// matchesFilter evaluates filter against row; NULL and false both
// exclude the row.
func matchesFilter(filter typecheck.Node, row, params []types.Value) (bool, error) {
	if filter == nil {
		return true, nil
	}
	v, err := eval(filter, row, params)
	if err != nil {
		return false, err
	}
	b, ok := v.Bool()
	return ok && b, nil
}

func execSelect(cat *catalog.Catalog, p *planner.SelectPlan, params []types.Value, cancel CancelToken) (*Result, error) {
	colTypes := p.Table.ColumnTypes()
	rows, err := cat.Engine().Read(catalog.NamespaceUserData, p.Table.Tree)
	if err != nil {
		return nil, pgerror.NewSystemError(err)
	}
	out := make([][]types.Value, 0, len(rows))
	for _, r := range rows {
		if canceled(cancel) {
			return nil, pgerror.NewQueryCanceled()
		}
		vs, err := codec.Unpack(r.Value, colTypes)
		if err != nil {
			return nil, err
		}
		ok, err := matchesFilter(p.Filter, vs, params)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		proj := make([]types.Value, len(p.Projection))
		for i, n := range p.Projection {
			v, err := eval(n, vs, params)
			if err != nil {
				return nil, err
			}
			proj[i] = v
		}
		out = append(out, proj)
	}
	return &Result{Tag: fmt.Sprintf("SELECT %d", len(out)), Rows: out, RowDesc: p.RowDesc}, nil
}

func execUpdate(cat *catalog.Catalog, p *planner.UpdatePlan, params []types.Value, cancel CancelToken) (*Result, error) {
	colTypes := p.Table.ColumnTypes()
	rows, err := cat.Engine().Read(catalog.NamespaceUserData, p.Table.Tree)
	if err != nil {
		return nil, pgerror.NewSystemError(err)
	}
	indexes := cat.IndexesOf(p.Table.Schema, p.Table.Name)

	var tableWrites []storage.Row
	idxDeletes := make(map[string][][]byte, len(indexes))
	idxWrites := make(map[string][]storage.Row, len(indexes))
	n := 0

	for _, r := range rows {
		if canceled(cancel) {
			return nil, pgerror.NewQueryCanceled()
		}
		old, err := codec.Unpack(r.Value, colTypes)
		if err != nil {
			return nil, err
		}
		ok, err := matchesFilter(p.Filter, old, params)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		updated := make([]types.Value, len(old))
		copy(updated, old)
		for i, node := range p.Assignments {
			if node == nil {
				continue
			}
			v, err := eval(node, old, params)
			if err != nil {
				return nil, err
			}
			updated[i] = v
		}

		buf, err := codec.Pack(updated, colTypes)
		if err != nil {
			return nil, err
		}
		tableWrites = append(tableWrites, storage.Row{Key: r.Key, Value: buf})
		n++

		for _, idx := range indexes {
			idxColTypes := indexColTypes(p.Table, idx)
			oldProj := projectColumns(old, idx.Columns)
			newProj := projectColumns(updated, idx.Columns)
			if valuesEqual(oldProj, newProj) {
				continue
			}
			oldKey, err := codec.Pack(oldProj, idxColTypes)
			if err != nil {
				return nil, err
			}
			newKey, err := codec.Pack(newProj, idxColTypes)
			if err != nil {
				return nil, err
			}
			idxDeletes[idx.Name] = append(idxDeletes[idx.Name], oldKey)
			idxWrites[idx.Name] = append(idxWrites[idx.Name], storage.Row{Key: newKey, Value: r.Key})
		}
	}

	if len(tableWrites) > 0 {
		if _, err := cat.Engine().Write(catalog.NamespaceUserData, p.Table.Tree, tableWrites); err != nil {
			return nil, pgerror.NewSystemError(err)
		}
	}
	for _, idx := range indexes {
		if keys := idxDeletes[idx.Name]; len(keys) > 0 {
			if _, err := cat.Engine().Delete(catalog.NamespaceUserData, idx.Tree, keys); err != nil {
				return nil, pgerror.NewSystemError(err)
			}
		}
		if w := idxWrites[idx.Name]; len(w) > 0 {
			if _, err := cat.Engine().Write(catalog.NamespaceUserData, idx.Tree, w); err != nil {
				return nil, pgerror.NewSystemError(err)
			}
		}
	}

	return &Result{Tag: fmt.Sprintf("UPDATE %d", n)}, nil
}

func execDelete(cat *catalog.Catalog, p *planner.DeletePlan, params []types.Value, cancel CancelToken) (*Result, error) {
	colTypes := p.Table.ColumnTypes()
	rows, err := cat.Engine().Read(catalog.NamespaceUserData, p.Table.Tree)
	if err != nil {
		return nil, pgerror.NewSystemError(err)
	}
	indexes := cat.IndexesOf(p.Table.Schema, p.Table.Name)

	var tableDeletes [][]byte
	idxDeletes := make(map[string][][]byte, len(indexes))
	n := 0

	for _, r := range rows {
		if canceled(cancel) {
			return nil, pgerror.NewQueryCanceled()
		}
		vs, err := codec.Unpack(r.Value, colTypes)
		if err != nil {
			return nil, err
		}
		ok, err := matchesFilter(p.Filter, vs, params)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		tableDeletes = append(tableDeletes, r.Key)
		n++
		for _, idx := range indexes {
			key, err := codec.Pack(projectColumns(vs, idx.Columns), indexColTypes(p.Table, idx))
			if err != nil {
				return nil, err
			}
			idxDeletes[idx.Name] = append(idxDeletes[idx.Name], key)
		}
	}

	if len(tableDeletes) > 0 {
		if _, err := cat.Engine().Delete(catalog.NamespaceUserData, p.Table.Tree, tableDeletes); err != nil {
			return nil, pgerror.NewSystemError(err)
		}
	}
	for _, idx := range indexes {
		if keys := idxDeletes[idx.Name]; len(keys) > 0 {
			if _, err := cat.Engine().Delete(catalog.NamespaceUserData, idx.Tree, keys); err != nil {
				return nil, pgerror.NewSystemError(err)
			}
		}
	}

	return &Result{Tag: fmt.Sprintf("DELETE %d", n)}, nil
}
