// Package session implements the extended-query state machine:
// a prepared-statement cache and a portal table, both
// keyed by name within a single connection. It is deliberately
// protocol-agnostic — it speaks in planner.Plan, types.Value and
// executor.Result, not in pgproto3 messages — so internal/wire can stay a
// thin translation layer over it and the FSM itself is unit-testable
// without a socket.
package session

import (
	"github.com/arbor-db/arbor/internal/analyzer"
	"github.com/arbor-db/arbor/internal/ast"
	"github.com/arbor-db/arbor/internal/catalog"
	"github.com/arbor-db/arbor/internal/executor"
	"github.com/arbor-db/arbor/internal/parser"
	"github.com/arbor-db/arbor/internal/pgerror"
	"github.com/arbor-db/arbor/internal/planner"
	"github.com/arbor-db/arbor/internal/typecheck"
	"github.com/arbor-db/arbor/internal/types"
)

// PreparedStatement is the cached result of a Parse message (or a
// PREPARE statement arriving over the simple-query path): a re-entrant
// Plan plus the resolved type of every parameter ordinal it references,
// whether the client declared it or typecheck inferred it from context.
type PreparedStatement struct {
	Plan       *planner.Plan
	ParamTypes map[int]types.SqlType
	NumParams  int
	// RowDesc is non-nil only for a statement that produces rows.
	RowDesc []planner.Field
}

// Portal is a bound, not-yet-exhausted instance of a PreparedStatement,
// keyed by its own name (the empty string is the unnamed portal).
type Portal struct {
	Stmt   *PreparedStatement
	Params []types.Value

	// ran is set once Execute has actually run the underlying plan. A
	// Select portal may then be re-Executed with a row cap (MaxRows),
	// resuming from cursor; a DML portal's single CommandComplete is
	// cached so a repeated Execute (after PortalSuspended can't happen
	// for DML, but clients may still re-Describe) doesn't double-apply.
	ran    bool
	rows   [][]types.Value
	cursor int
	tag    string
}

// QueryResult is what a completed (or completed-for-this-batch)
// statement execution hands back to the wire layer.
type QueryResult struct {
	Tag     string
	RowDesc []planner.Field
	Rows    [][]types.Value
	// Suspended is true when a Select portal still has unread rows after
	// a row-capped Execute (the PortalSuspended case).
	Suspended bool
}

// Session holds everything scoped to one client connection.
type Session struct {
	cat      *catalog.Catalog
	cancel   executor.CancelToken
	prepared map[string]*PreparedStatement
	portals  map[string]*Portal
}

func New(cat *catalog.Catalog) *Session {
	return &Session{
		cat:      cat,
		prepared: make(map[string]*PreparedStatement),
		portals:  make(map[string]*Portal),
	}
}

// SetCancel installs the token the executor polls at each row boundary.
// The wire layer binds the connection's supervisor entry here once the
// handshake has registered it; until then statements run uncancelable.
func (s *Session) SetCancel(c executor.CancelToken) { s.cancel = c }

// SimpleQuery runs every statement in sql (the simple Query message may
// carry more than one, semicolon-separated) and returns one QueryResult
// per statement that completed before the first error. The failing
// statement has no entry in results; err is that first error.
func (s *Session) SimpleQuery(sql string) (results []*QueryResult, err error) {
	stmts, err := parser.Parse(sql)
	if err != nil {
		return nil, err
	}
	out := make([]*QueryResult, 0, len(stmts))
	for _, stmt := range stmts {
		qr, err := s.execStatement(stmt)
		if err != nil {
			return out, err
		}
		out = append(out, qr)
	}
	return out, nil
}

// execStatement runs one already-parsed statement to completion with no
// bound parameters — the path every simple-query statement takes,
// including the SQL-text forms of PREPARE/EXECUTE/DEALLOCATE, which
// mutate session state rather than the catalog and so never reach
// planner.Plan/executor.Execute directly.
func (s *Session) execStatement(stmt ast.Statement) (*QueryResult, error) {
	switch v := stmt.(type) {
	case *ast.Prepare:
		return s.execPrepare(v)
	case *ast.Execute:
		return s.execExecute(v)
	case *ast.Deallocate:
		return s.execDeallocate(v)
	default:
		q, err := analyzer.Analyze(stmt, s.cat)
		if err != nil {
			return nil, err
		}
		plan, err := planner.Build(q, nil)
		if err != nil {
			return nil, err
		}
		res, err := executor.Execute(plan, nil, s.cat, s.cancel)
		if err != nil {
			return nil, err
		}
		var rowDesc []planner.Field
		if plan.Select != nil {
			rowDesc = plan.Select.RowDesc
		}
		return &QueryResult{Tag: res.Tag, RowDesc: rowDesc, Rows: res.Rows}, nil
	}
}

func (s *Session) execPrepare(v *ast.Prepare) (*QueryResult, error) {
	declared := make([]types.SqlType, len(v.ParamTypes))
	for i, pt := range v.ParamTypes {
		if !pt.Known {
			continue
		}
		t, err := analyzer.ResolveDataType(pt.Type)
		if err != nil {
			return nil, err
		}
		declared[i] = t
	}

	q, err := analyzer.Analyze(v.Stmt, s.cat)
	if err != nil {
		return nil, err
	}
	plan, err := planner.Build(q, &typecheck.Context{ParamTypes: declared})
	if err != nil {
		return nil, err
	}

	paramTypes := planner.ParamTypes(plan)
	numParams := len(declared)
	for ord := range paramTypes {
		if ord > numParams {
			numParams = ord
		}
	}

	var rowDesc []planner.Field
	if plan.Select != nil {
		rowDesc = plan.Select.RowDesc
	}
	s.prepared[v.Name] = &PreparedStatement{
		Plan:       plan,
		ParamTypes: paramTypes,
		NumParams:  numParams,
		RowDesc:    rowDesc,
	}
	return &QueryResult{Tag: "PREPARE"}, nil
}

func (s *Session) execExecute(v *ast.Execute) (*QueryResult, error) {
	stmt, ok := s.prepared[v.Name]
	if !ok {
		return nil, pgerror.NewPreparedStatementDoesNotExist(v.Name)
	}
	if len(v.Params) != stmt.NumParams {
		return nil, pgerror.New(pgerror.SyntaxError, "EXECUTE %s: expected %d parameters, got %d", v.Name, stmt.NumParams, len(v.Params))
	}
	params := make([]types.Value, len(v.Params))
	for i, e := range v.Params {
		expect, ok := stmt.ParamTypes[i+1]
		if !ok {
			expect = types.VarChar(1 << 20)
		}
		val, err := evalExecuteArg(e, expect)
		if err != nil {
			return nil, err
		}
		params[i] = val
	}

	res, err := executor.Execute(stmt.Plan, params, s.cat, s.cancel)
	if err != nil {
		return nil, err
	}
	return &QueryResult{Tag: res.Tag, RowDesc: stmt.RowDesc, Rows: res.Rows}, nil
}

// evalExecuteArg resolves a single EXECUTE argument into a typed runtime
// value. Only a literal constant is accepted; any other expression is
// rejected with FeatureNotSupported.
func evalExecuteArg(e ast.Expr, expect types.SqlType) (types.Value, error) {
	lit, ok := e.(*ast.Literal)
	if !ok {
		return types.Value{}, pgerror.NewFeatureNotSupported("non-literal EXECUTE argument")
	}
	node, err := typecheck.Check(&analyzer.Const{Lit: *lit}, &expect, nil)
	if err != nil {
		return types.Value{}, err
	}
	return executor.Eval(node, nil, nil)
}

func (s *Session) execDeallocate(v *ast.Deallocate) (*QueryResult, error) {
	if v.All {
		s.prepared = make(map[string]*PreparedStatement)
		s.portals = make(map[string]*Portal)
		return &QueryResult{Tag: "DEALLOCATE"}, nil
	}
	if _, ok := s.prepared[v.Name]; !ok {
		return nil, pgerror.NewPreparedStatementDoesNotExist(v.Name)
	}
	delete(s.prepared, v.Name)
	return &QueryResult{Tag: "DEALLOCATE"}, nil
}

// Parse handles the extended-query Parse message: name may be empty (the
// unnamed prepared statement, which a later Parse silently replaces).
// paramTypes holds a resolved SqlType per declared ordinal, or the zero
// SqlType for one the client left for arbor to infer.
func (s *Session) Parse(name, sql string, paramTypes []types.SqlType) error {
	stmt, err := parser.ParseOne(sql)
	if err != nil {
		return err
	}
	switch stmt.(type) {
	case *ast.Prepare, *ast.Execute, *ast.Deallocate:
		return pgerror.New(pgerror.FeatureNotSupported, "PREPARE/EXECUTE/DEALLOCATE are not supported inside the extended query protocol")
	}

	q, err := analyzer.Analyze(stmt, s.cat)
	if err != nil {
		return err
	}
	plan, err := planner.Build(q, &typecheck.Context{ParamTypes: paramTypes})
	if err != nil {
		return err
	}

	resolved := planner.ParamTypes(plan)
	numParams := len(paramTypes)
	for ord := range resolved {
		if ord > numParams {
			numParams = ord
		}
	}

	var rowDesc []planner.Field
	if plan.Select != nil {
		rowDesc = plan.Select.RowDesc
	}
	s.prepared[name] = &PreparedStatement{
		Plan:       plan,
		ParamTypes: resolved,
		NumParams:  numParams,
		RowDesc:    rowDesc,
	}
	return nil
}

// Bind handles the extended-query Bind message: params is already
// decoded into typed values by the wire layer (which needs
// StatementParamTypes to know how to decode each ordinal's raw bytes).
func (s *Session) Bind(portalName, stmtName string, params []types.Value) error {
	stmt, ok := s.prepared[stmtName]
	if !ok {
		return pgerror.NewPreparedStatementDoesNotExist(stmtName)
	}
	s.portals[portalName] = &Portal{Stmt: stmt, Params: params}
	return nil
}

// StatementParamTypes reports the resolved type of every ordinal name's
// Parse declared or inferred, and how many ordinals it has in total, so
// the wire layer can decode Bind's raw parameter bytes and answer a
// ParameterDescription.
func (s *Session) StatementParamTypes(name string) ([]types.SqlType, error) {
	stmt, ok := s.prepared[name]
	if !ok {
		return nil, pgerror.NewPreparedStatementDoesNotExist(name)
	}
	out := make([]types.SqlType, stmt.NumParams)
	for ord, t := range stmt.ParamTypes {
		if ord >= 1 && ord <= stmt.NumParams {
			out[ord-1] = t
		}
	}
	return out, nil
}

// DescribeStatement answers a Describe('S', name): the parameter types
// (for ParameterDescription) and the result RowDesc (for RowDescription,
// nil meaning NoData).
func (s *Session) DescribeStatement(name string) (paramTypes []types.SqlType, rowDesc []planner.Field, err error) {
	paramTypes, err = s.StatementParamTypes(name)
	if err != nil {
		return nil, nil, err
	}
	stmt := s.prepared[name]
	return paramTypes, stmt.RowDesc, nil
}

// DescribePortal answers a Describe('P', name): the result RowDesc only.
func (s *Session) DescribePortal(name string) ([]planner.Field, error) {
	p, ok := s.portals[name]
	if !ok {
		return nil, pgerror.New(pgerror.SystemError, "portal %q does not exist", name)
	}
	return p.Stmt.RowDesc, nil
}

// Execute runs (or resumes) the named portal. maxRows <= 0 means "no
// limit" per the wire protocol's Execute message.
func (s *Session) Execute(portalName string, maxRows int) (*QueryResult, error) {
	p, ok := s.portals[portalName]
	if !ok {
		return nil, pgerror.New(pgerror.SystemError, "portal %q does not exist", portalName)
	}

	if !p.ran {
		res, err := executor.Execute(p.Stmt.Plan, p.Params, s.cat, s.cancel)
		if err != nil {
			return nil, err
		}
		p.ran = true
		p.tag = res.Tag
		p.rows = res.Rows
	}

	if p.Stmt.Plan.Select == nil {
		// DML: CommandComplete was already fully determined by the single
		// Execute above; a repeat Execute on the same bound portal (which
		// a client has no real reason to issue, but Close/Sync timing can
		// still route here) just repeats the cached tag with no rows.
		return &QueryResult{Tag: p.tag}, nil
	}

	rows := p.rows[p.cursor:]
	suspended := false
	if maxRows > 0 && len(rows) > maxRows {
		rows = rows[:maxRows]
		suspended = true
	}
	p.cursor += len(rows)

	return &QueryResult{Tag: p.tag, RowDesc: p.Stmt.RowDesc, Rows: rows, Suspended: suspended}, nil
}

// CloseStatement deallocates a prepared statement by name (the
// extended-query Close message, object type 'S').
func (s *Session) CloseStatement(name string) {
	delete(s.prepared, name)
}

// ClosePortal deallocates a portal by name (Close message, object type
// 'P').
func (s *Session) ClosePortal(name string) {
	delete(s.portals, name)
}

// ClearPortals drops every portal, called at Sync so a statement's
// portals don't outlive the Sync that ends their statement — arbor has
// no cursors that survive a Sync.
func (s *Session) ClearPortals() {
	s.portals = make(map[string]*Portal)
}
