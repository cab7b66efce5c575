// Package analyzer lowers an ast.Statement into an untyped query tree by
// resolving every name against the catalog. Its leaves are Const (an
// unevaluated literal, still carrying its source text), Column (resolved
// against the catalog, so it already carries a concrete SqlType), and
// Param (an ordinal, resolved to a concrete type only once typecheck
// sees how it's used).
package analyzer

import (
	"strings"

	"github.com/arbor-db/arbor/internal/ast"
	"github.com/arbor-db/arbor/internal/catalog"
	"github.com/arbor-db/arbor/internal/pgerror"
	"github.com/arbor-db/arbor/internal/types"
)

// Expr is the untyped expression tree.
type Expr interface{ expr() }

type Const struct {
	Lit ast.Literal
}

type Column struct {
	Name  string
	Index int
	Type  types.SqlType
}

type Param struct {
	Ordinal int
}

type BinOp struct {
	Op    ast.BinOp
	Left  Expr
	Right Expr
}

type UnOp struct {
	Op    ast.UnOp
	Child Expr
}

// Cast is carried through untyped: the target type is already resolved
// (it's syntactic, from CAST(expr AS type)), but the child isn't typed
// yet.
type Cast struct {
	Child Expr
	Type  types.SqlType
}

func (*Const) expr()  {}
func (*Column) expr() {}
func (*Param) expr()  {}
func (*BinOp) expr()  {}
func (*UnOp) expr()   {}
func (*Cast) expr()   {}

// Query is the analyzed form of a statement. DDL and session-control
// statements need no name resolution beyond what the catalog itself does
// on execution, so they pass through unchanged; only the four DML kinds
// get a resolved shape here.
type Query struct {
	Passthrough ast.Statement // non-nil for DDL/Prepare/Execute/Deallocate/Begin/Commit
	Insert      *Insert
	Select      *Select
	Update      *Update
	Delete      *Delete
}

type Insert struct {
	Table *catalog.Table
	// Rows is table-arity-wide per row; an unlisted column's slot holds a
	// Const(Null).
	Rows [][]Expr
}

type Select struct {
	Table      *catalog.Table
	Projection []Expr // resolved, '*' already expanded, duplicates preserved
	Filter     Expr   // nil means no WHERE
}

type Update struct {
	Table *catalog.Table
	// Assignments is table-arity-wide; a nil entry means "not assigned".
	Assignments []Expr
	Filter      Expr // nil means no WHERE
}

type Delete struct {
	Table  *catalog.Table
	Filter Expr
}

// Analyze resolves stmt against cat.
func Analyze(stmt ast.Statement, cat *catalog.Catalog) (*Query, error) {
	switch s := stmt.(type) {
	case *ast.Insert:
		return analyzeInsert(s, cat)
	case *ast.Select:
		return analyzeSelect(s, cat)
	case *ast.Update:
		return analyzeUpdate(s, cat)
	case *ast.Delete:
		return analyzeDelete(s, cat)
	default:
		return &Query{Passthrough: stmt}, nil
	}
}

func resolveTable(n ast.Name, cat *catalog.Catalog) (*catalog.Table, error) {
	schema := n.Schema
	if schema == "" {
		schema = "public"
	}
	t, ok := cat.LookupTable(schema, n.Table)
	if !ok {
		return nil, pgerror.NewTableDoesNotExist(catalog.FQName(schema, n.Table))
	}
	return t, nil
}

func analyzeInsert(s *ast.Insert, cat *catalog.Catalog) (*Query, error) {
	t, err := resolveTable(s.Table, cat)
	if err != nil {
		return nil, err
	}

	// ordinal -> column index in table order that this value list position
	// targets.
	targets := make([]int, len(t.Columns))
	for i := range targets {
		targets[i] = i
	}
	if len(s.Columns) > 0 {
		targets = make([]int, len(s.Columns))
		for i, cn := range s.Columns {
			col, ok := t.ColumnByName(cn)
			if !ok {
				return nil, pgerror.NewColumnDoesNotExist(cn)
			}
			targets[i] = col.Ordinal
		}
	}

	rows := make([][]Expr, 0, len(s.Rows))
	for _, row := range s.Rows {
		if len(row) != len(targets) {
			return nil, pgerror.New(pgerror.SyntaxError, "INSERT has %d expressions but %d target columns", len(row), len(targets))
		}
		slots := make([]Expr, len(t.Columns))
		for i := range slots {
			slots[i] = &Const{Lit: ast.Literal{Kind: ast.LitNull}}
		}
		for i, e := range row {
			if containsColumnRef(e) {
				return nil, pgerror.NewColumnCannotBeReferenced(describeExpr(e))
			}
			re, err := resolveExpr(e, nil)
			if err != nil {
				return nil, err
			}
			slots[targets[i]] = re
		}
		rows = append(rows, slots)
	}
	return &Query{Insert: &Insert{Table: t, Rows: rows}}, nil
}

func containsColumnRef(e ast.Expr) bool {
	switch v := e.(type) {
	case *ast.ColumnRef:
		return true
	case *ast.BinaryExpr:
		return containsColumnRef(v.Left) || containsColumnRef(v.Right)
	case *ast.UnaryExpr:
		return containsColumnRef(v.Child)
	case *ast.Cast:
		return containsColumnRef(v.Child)
	default:
		return false
	}
}

func describeExpr(e ast.Expr) string {
	if cr, ok := e.(*ast.ColumnRef); ok {
		return cr.Name
	}
	return "<expression>"
}

func analyzeSelect(s *ast.Select, cat *catalog.Catalog) (*Query, error) {
	t, err := resolveTable(s.Table, cat)
	if err != nil {
		return nil, err
	}
	var proj []Expr
	for _, item := range s.Projection {
		if item.Star {
			for _, c := range t.Columns {
				proj = append(proj, &Column{Name: c.Name, Index: c.Ordinal, Type: c.Type})
			}
			continue
		}
		re, err := resolveExpr(item.Expr, t)
		if err != nil {
			return nil, err
		}
		proj = append(proj, re)
	}
	var filter Expr
	if s.Filter != nil {
		filter, err = resolveExpr(s.Filter, t)
		if err != nil {
			return nil, err
		}
	}
	return &Query{Select: &Select{Table: t, Projection: proj, Filter: filter}}, nil
}

func analyzeUpdate(s *ast.Update, cat *catalog.Catalog) (*Query, error) {
	t, err := resolveTable(s.Table, cat)
	if err != nil {
		return nil, err
	}
	assigns := make([]Expr, len(t.Columns))
	for _, a := range s.Assignments {
		col, ok := t.ColumnByName(a.Column)
		if !ok {
			return nil, pgerror.NewColumnDoesNotExist(a.Column)
		}
		re, err := resolveExpr(a.Value, t)
		if err != nil {
			return nil, err
		}
		assigns[col.Ordinal] = re
	}
	var filter Expr
	if s.Filter != nil {
		filter, err = resolveExpr(s.Filter, t)
		if err != nil {
			return nil, err
		}
	}
	return &Query{Update: &Update{Table: t, Assignments: assigns, Filter: filter}}, nil
}

func analyzeDelete(s *ast.Delete, cat *catalog.Catalog) (*Query, error) {
	t, err := resolveTable(s.Table, cat)
	if err != nil {
		return nil, err
	}
	var filter Expr
	var err2 error
	if s.Filter != nil {
		filter, err2 = resolveExpr(s.Filter, t)
		if err2 != nil {
			return nil, err2
		}
	}
	return &Query{Delete: &Delete{Table: t, Filter: filter}}, nil
}

// resolveExpr lowers an ast.Expr to an analyzer.Expr, resolving any
// ColumnRef against t (nil t means "no columns are in scope", the INSERT
// VALUES case where containsColumnRef already rejected any column use
// before this is reached).
func resolveExpr(e ast.Expr, t *catalog.Table) (Expr, error) {
	switch v := e.(type) {
	case *ast.Literal:
		if v.Kind == ast.LitBool {
			text := "f"
			if v.Bool {
				text = "t"
			}
			return &Cast{
				Child: &Const{Lit: ast.Literal{Kind: ast.LitString, Text: text}},
				Type:  types.Bool(),
			}, nil
		}
		return &Const{Lit: *v}, nil
	case *ast.ColumnRef:
		if t == nil {
			return nil, pgerror.NewColumnDoesNotExist(v.Name)
		}
		col, ok := t.ColumnByName(v.Name)
		if !ok {
			return nil, pgerror.NewColumnDoesNotExist(v.Name)
		}
		return &Column{Name: col.Name, Index: col.Ordinal, Type: col.Type}, nil
	case *ast.Param:
		return &Param{Ordinal: v.Ordinal}, nil
	case *ast.BinaryExpr:
		l, err := resolveExpr(v.Left, t)
		if err != nil {
			return nil, err
		}
		r, err := resolveExpr(v.Right, t)
		if err != nil {
			return nil, err
		}
		return &BinOp{Op: v.Op, Left: l, Right: r}, nil
	case *ast.UnaryExpr:
		c, err := resolveExpr(v.Child, t)
		if err != nil {
			return nil, err
		}
		return &UnOp{Op: v.Op, Child: c}, nil
	case *ast.Cast:
		c, err := resolveExpr(v.Child, t)
		if err != nil {
			return nil, err
		}
		st, err := ResolveDataType(v.Type)
		if err != nil {
			return nil, err
		}
		return &Cast{Child: c, Type: st}, nil
	case *ast.Unsupported:
		return nil, pgerror.NewFeatureNotSupported(v.Kind)
	default:
		return nil, pgerror.New(pgerror.SyntaxError, "unrecognized expression")
	}
}

// ResolveDataType maps a syntactic ast.DataType to a concrete
// types.SqlType, validating the length constraint on Char/VarChar.
func ResolveDataType(dt ast.DataType) (types.SqlType, error) {
	switch strings.ToLower(dt.Name) {
	case "boolean":
		return types.Bool(), nil
	case "char":
		if dt.Len < 1 {
			return types.SqlType{}, pgerror.New(pgerror.SyntaxError, "length for type char must be at least 1")
		}
		return types.Char(dt.Len), nil
	case "varchar":
		if dt.Len < 1 {
			return types.SqlType{}, pgerror.New(pgerror.SyntaxError, "length for type varchar must be at least 1")
		}
		return types.VarChar(dt.Len), nil
	case "smallint":
		return types.SmallInt(), nil
	case "integer":
		return types.Integer(), nil
	case "bigint":
		return types.BigInt(), nil
	case "real":
		return types.Real(), nil
	case "double precision":
		return types.DoublePrecision(), nil
	default:
		return types.SqlType{}, pgerror.NewFeatureNotSupported("type " + dt.Name)
	}
}
