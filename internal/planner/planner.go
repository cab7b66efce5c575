// Package planner turns an analyzer.Query (with its expressions
// typechecked) into a tagged Plan. A Plan is re-entrant:
// internal/executor.Execute may be called repeatedly for the same Plan,
// which is what makes prepared-statement reuse possible — Plan itself
// carries only typecheck.Node trees, no bound values.
package planner

import (
	"github.com/arbor-db/arbor/internal/analyzer"
	"github.com/arbor-db/arbor/internal/ast"
	"github.com/arbor-db/arbor/internal/catalog"
	"github.com/arbor-db/arbor/internal/typecheck"
	"github.com/arbor-db/arbor/internal/types"
)

// Field is one entry of a RowDescription, computed at plan time so the
// wire layer can emit it before any row.
type Field struct {
	Name string
	Type types.SqlType
}

// Plan is the closed tagged union of plan kinds.
type Plan struct {
	// DDL/control statements forward directly to the catalog/session; the
	// executor switches on Passthrough when it's non-nil.
	Passthrough ast.Statement

	Insert *InsertPlan
	Select *SelectPlan
	Update *UpdatePlan
	Delete *DeletePlan
}

type InsertPlan struct {
	Table *catalog.Table
	Rows  [][]typecheck.Node // table-arity-wide per row
}

type SelectPlan struct {
	Table      *catalog.Table
	Projection []typecheck.Node
	Filter     typecheck.Node // nil means no WHERE
	RowDesc    []Field
}

type UpdatePlan struct {
	Table       *catalog.Table
	Assignments []typecheck.Node // table-arity-wide, nil entry = unassigned
	Filter      typecheck.Node
}

type DeletePlan struct {
	Table  *catalog.Table
	Filter typecheck.Node
}

// Build typechecks every expression in q and assembles the tagged plan.
// ctx carries parameter type information resolved at Parse/Describe time.
func Build(q *analyzer.Query, ctx *typecheck.Context) (*Plan, error) {
	switch {
	case q.Passthrough != nil:
		return &Plan{Passthrough: q.Passthrough}, nil
	case q.Insert != nil:
		return planInsert(q.Insert, ctx)
	case q.Select != nil:
		return planSelect(q.Select, ctx)
	case q.Update != nil:
		return planUpdate(q.Update, ctx)
	case q.Delete != nil:
		return planDelete(q.Delete, ctx)
	default:
		return nil, nil
	}
}

func planInsert(ins *analyzer.Insert, ctx *typecheck.Context) (*Plan, error) {
	colTypes := ins.Table.ColumnTypes()
	rows := make([][]typecheck.Node, 0, len(ins.Rows))
	for _, row := range ins.Rows {
		typed := make([]typecheck.Node, len(row))
		for i, e := range row {
			t := colTypes[i]
			n, err := typecheck.Check(e, &t, ctx)
			if err != nil {
				return nil, err
			}
			typed[i] = n
		}
		rows = append(rows, typed)
	}
	return &Plan{Insert: &InsertPlan{Table: ins.Table, Rows: rows}}, nil
}

func planSelect(sel *analyzer.Select, ctx *typecheck.Context) (*Plan, error) {
	proj := make([]typecheck.Node, len(sel.Projection))
	rowDesc := make([]Field, len(sel.Projection))
	for i, e := range sel.Projection {
		n, err := typecheck.Check(e, nil, ctx)
		if err != nil {
			return nil, err
		}
		proj[i] = n
		rowDesc[i] = Field{Name: projectionName(sel, i), Type: n.Type()}
	}
	var filter typecheck.Node
	if sel.Filter != nil {
		b := types.Bool()
		f, err := typecheck.Check(sel.Filter, &b, ctx)
		if err != nil {
			return nil, err
		}
		filter = f
	}
	return &Plan{Select: &SelectPlan{Table: sel.Table, Projection: proj, Filter: filter, RowDesc: rowDesc}}, nil
}

// projectionName recovers the display name for projection slot i:
// the owning column's name for a bare column reference (including
// star-expansion, which analyzer already materialized as Column nodes),
// or a generic "?column?" label for a computed expression, matching
// PostgreSQL's own behavior for an unaliased expression projection.
func projectionName(sel *analyzer.Select, i int) string {
	if col, ok := sel.Projection[i].(*analyzer.Column); ok {
		return col.Name
	}
	return "?column?"
}

func planUpdate(upd *analyzer.Update, ctx *typecheck.Context) (*Plan, error) {
	colTypes := upd.Table.ColumnTypes()
	assigns := make([]typecheck.Node, len(upd.Assignments))
	for i, e := range upd.Assignments {
		if e == nil {
			continue
		}
		t := colTypes[i]
		n, err := typecheck.Check(e, &t, ctx)
		if err != nil {
			return nil, err
		}
		assigns[i] = n
	}
	var filter typecheck.Node
	if upd.Filter != nil {
		b := types.Bool()
		f, err := typecheck.Check(upd.Filter, &b, ctx)
		if err != nil {
			return nil, err
		}
		filter = f
	}
	return &Plan{Update: &UpdatePlan{Table: upd.Table, Assignments: assigns, Filter: filter}}, nil
}

// ParamTypes walks every expression tree in p and returns the resolved
// SqlType for every $N ordinal it finds, for a client that declared no
// parameter types at Parse time. The wire layer uses this to decode a
// Bind message's raw parameter bytes.
func ParamTypes(p *Plan) map[int]types.SqlType {
	out := make(map[int]types.SqlType)
	collect := func(n typecheck.Node) { collectParamTypes(n, out) }
	switch {
	case p.Insert != nil:
		for _, row := range p.Insert.Rows {
			for _, n := range row {
				collect(n)
			}
		}
	case p.Select != nil:
		for _, n := range p.Select.Projection {
			collect(n)
		}
		collect(p.Select.Filter)
	case p.Update != nil:
		for _, n := range p.Update.Assignments {
			collect(n)
		}
		collect(p.Update.Filter)
	case p.Delete != nil:
		collect(p.Delete.Filter)
	}
	return out
}

func collectParamTypes(n typecheck.Node, out map[int]types.SqlType) {
	switch v := n.(type) {
	case nil:
	case *typecheck.Param:
		out[v.Ordinal] = v.Typ
	case *typecheck.UnOp:
		collectParamTypes(v.Child, out)
	case *typecheck.Cast:
		collectParamTypes(v.Child, out)
	case *typecheck.BinOp:
		collectParamTypes(v.Left, out)
		collectParamTypes(v.Right, out)
	}
}

func planDelete(del *analyzer.Delete, ctx *typecheck.Context) (*Plan, error) {
	var filter typecheck.Node
	if del.Filter != nil {
		b := types.Bool()
		f, err := typecheck.Check(del.Filter, &b, ctx)
		if err != nil {
			return nil, err
		}
		filter = f
	}
	return &Plan{Delete: &DeletePlan{Table: del.Table, Filter: filter}}, nil
}
