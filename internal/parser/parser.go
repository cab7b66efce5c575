// Package parser lowers SQL text into arbor's own internal/ast tree. It
// delegates all tokenizing and grammar to github.com/pganalyze/pg_query_go
// (a Go binding over the real PostgreSQL grammar, libpg_query) and walks
// the returned tree: pg_query_go owns tokenizing and grammar, this
// package owns lowering and validation.
package parser

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/arbor-db/arbor/internal/ast"
	"github.com/arbor-db/arbor/internal/pgerror"
)

// Parse lowers sql (which may hold several ';'-separated statements) into
// a slice of ast.Statement, one per source statement, in source order.
func Parse(sql string) ([]ast.Statement, error) {
	raw, err := pg_query.ParseToJSON(sql)
	if err != nil {
		return nil, pgerror.NewSyntaxError(err.Error())
	}
	var tree map[string]any
	if err := json.Unmarshal([]byte(raw), &tree); err != nil {
		return nil, pgerror.NewSyntaxError("invalid parse tree: " + err.Error())
	}

	rawStmts, _ := tree["stmts"].([]any)
	out := make([]ast.Statement, 0, len(rawStmts))
	for _, rs := range rawStmts {
		node, ok := asMap(rs)["stmt"]
		if !ok {
			continue
		}
		s, err := lowerStatement(asMap(node))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// ParseOne lowers sql, requiring exactly one statement — the shape the
// extended-query Parse message and PREPARE both need.
func ParseOne(sql string) (ast.Statement, error) {
	stmts, err := Parse(sql)
	if err != nil {
		return nil, err
	}
	if len(stmts) != 1 {
		return nil, pgerror.NewSyntaxError(fmt.Sprintf("expected exactly one statement, got %d", len(stmts)))
	}
	return stmts[0], nil
}

func lowerStatement(m map[string]any) (ast.Statement, error) {
	for tag, body := range m {
		bm := asMap(body)
		switch tag {
		case "CreateSchemaStmt":
			return lowerCreateSchema(bm)
		case "CreateStmt":
			return lowerCreateTable(bm)
		case "IndexStmt":
			return lowerCreateIndex(bm)
		case "DropStmt":
			return lowerDrop(bm)
		case "InsertStmt":
			return lowerInsert(bm)
		case "SelectStmt":
			return lowerSelect(bm)
		case "UpdateStmt":
			return lowerUpdate(bm)
		case "DeleteStmt":
			return lowerDelete(bm)
		case "PrepareStmt":
			return lowerPrepare(bm)
		case "ExecuteStmt":
			return lowerExecute(bm)
		case "DeallocateStmt":
			return lowerDeallocate(bm)
		case "TransactionStmt":
			return lowerTransaction(bm)
		default:
			return nil, pgerror.NewFeatureNotSupported(tag)
		}
	}
	return nil, pgerror.NewSyntaxError("empty statement")
}

// ---- DDL ----

func lowerCreateSchema(m map[string]any) (ast.Statement, error) {
	name, _ := strField(m, "schemaname")
	return &ast.CreateSchema{
		Name:        strings.ToLower(name),
		IfNotExists: boolField(m, "if_not_exists"),
	}, nil
}

func lowerCreateTable(m map[string]any) (ast.Statement, error) {
	rel, err := lowerRangeVar(asMap(m["relation"]))
	if err != nil {
		return nil, err
	}
	var cols []ast.ColumnDef
	for _, raw := range sliceField(m, "tableElts") {
		cd, ok := asMap(raw)["ColumnDef"]
		if !ok {
			continue
		}
		cdm := asMap(cd)
		name, _ := strField(cdm, "colname")
		dt, err := lowerTypeName(asMap(cdm["typeName"]))
		if err != nil {
			return nil, err
		}
		cols = append(cols, ast.ColumnDef{Name: strings.ToLower(name), Type: dt})
	}
	return &ast.CreateTable{
		Table:       rel,
		Columns:     cols,
		IfNotExists: boolField(m, "if_not_exists"),
	}, nil
}

func lowerCreateIndex(m map[string]any) (ast.Statement, error) {
	rel, err := lowerRangeVar(asMap(m["relation"]))
	if err != nil {
		return nil, err
	}
	name, _ := strField(m, "idxname")
	var cols []string
	for _, raw := range sliceField(m, "indexParams") {
		ip, ok := asMap(raw)["IndexElem"]
		if !ok {
			continue
		}
		if cn, ok := strField(asMap(ip), "name"); ok {
			cols = append(cols, strings.ToLower(cn))
		}
	}
	return &ast.CreateIndex{
		Name:    strings.ToLower(name),
		Table:   rel,
		Columns: cols,
	}, nil
}

func lowerDrop(m map[string]any) (ast.Statement, error) {
	removeType, _ := strField(m, "removeType")
	cascade := strings.EqualFold(fmt.Sprint(m["behavior"]), "DROP_CASCADE") ||
		strings.Contains(fmt.Sprint(m["behavior"]), "CASCADE")
	ifExists := boolField(m, "missing_ok")

	switch removeType {
	case "OBJECT_SCHEMA":
		var names []string
		for _, raw := range sliceField(m, "objects") {
			if s, ok := stringNode(raw); ok {
				names = append(names, strings.ToLower(s))
			}
		}
		return &ast.DropSchemas{Names: names, Cascade: cascade, IfExists: ifExists}, nil
	case "OBJECT_TABLE":
		var tables []ast.Name
		for _, raw := range sliceField(m, "objects") {
			// each object is a List of String nodes: (schema, table) or just (table)
			parts := listOfStrings(raw)
			tables = append(tables, nameFromParts(parts))
		}
		return &ast.DropTables{Tables: tables, Cascade: cascade, IfExists: ifExists}, nil
	default:
		return nil, pgerror.NewFeatureNotSupported("DROP " + removeType)
	}
}

// ---- DML ----

func lowerInsert(m map[string]any) (ast.Statement, error) {
	rel, err := lowerRangeVar(asMap(m["relation"]))
	if err != nil {
		return nil, err
	}
	var cols []string
	for _, raw := range sliceField(m, "cols") {
		rt, ok := asMap(raw)["ResTarget"]
		if !ok {
			continue
		}
		if n, ok := strField(asMap(rt), "name"); ok {
			cols = append(cols, strings.ToLower(n))
		}
	}

	selectStmt := asMap(m["selectStmt"])
	valuesLists := sliceField(asMap(selectStmt["SelectStmt"]), "valuesLists")
	rows := make([][]ast.Expr, 0, len(valuesLists))
	for _, vl := range valuesLists {
		var row []ast.Expr
		for _, raw := range listItems(vl) {
			e, err := lowerExpr(asMap(raw))
			if err != nil {
				return nil, err
			}
			row = append(row, e)
		}
		rows = append(rows, row)
	}
	return &ast.Insert{Table: rel, Columns: cols, Rows: rows}, nil
}

func lowerSelect(m map[string]any) (ast.Statement, error) {
	fromClause := sliceField(m, "fromClause")
	if len(fromClause) != 1 {
		return nil, pgerror.NewFeatureNotSupported("joins/subqueries/multi-table FROM")
	}
	rel, err := lowerRangeVar(asMap(asMap(fromClause[0])["RangeVar"]))
	if err != nil {
		return nil, err
	}

	var proj []ast.SelectItem
	for _, raw := range sliceField(m, "targetList") {
		rt, ok := asMap(raw)["ResTarget"]
		if !ok {
			continue
		}
		val := asMap(asMap(rt)["val"])
		if _, ok := val["A_Star"]; ok {
			proj = append(proj, ast.SelectItem{Star: true})
			continue
		}
		if cr, ok := val["ColumnRef"]; ok {
			if isStarColumnRef(asMap(cr)) {
				proj = append(proj, ast.SelectItem{Star: true})
				continue
			}
		}
		e, err := lowerExpr(val)
		if err != nil {
			return nil, err
		}
		proj = append(proj, ast.SelectItem{Expr: e})
	}

	var filter ast.Expr
	if wc, ok := m["whereClause"]; ok {
		filter, err = lowerExpr(asMap(wc))
		if err != nil {
			return nil, err
		}
	}

	if len(sliceField(m, "groupClause")) > 0 || len(sliceField(m, "sortClause")) > 0 {
		return nil, pgerror.NewFeatureNotSupported("GROUP BY/ORDER BY")
	}

	return &ast.Select{Table: rel, Projection: proj, Filter: filter}, nil
}

func isStarColumnRef(cr map[string]any) bool {
	for _, f := range sliceField(cr, "fields") {
		if _, ok := asMap(f)["A_Star"]; ok {
			return true
		}
	}
	return false
}

func lowerUpdate(m map[string]any) (ast.Statement, error) {
	rel, err := lowerRangeVar(asMap(m["relation"]))
	if err != nil {
		return nil, err
	}
	var assigns []ast.Assignment
	for _, raw := range sliceField(m, "targetList") {
		rt, ok := asMap(raw)["ResTarget"]
		if !ok {
			continue
		}
		rtm := asMap(rt)
		name, _ := strField(rtm, "name")
		e, err := lowerExpr(asMap(rtm["val"]))
		if err != nil {
			return nil, err
		}
		assigns = append(assigns, ast.Assignment{Column: strings.ToLower(name), Value: e})
	}
	var filter ast.Expr
	if wc, ok := m["whereClause"]; ok {
		filter, err = lowerExpr(asMap(wc))
		if err != nil {
			return nil, err
		}
	}
	return &ast.Update{Table: rel, Assignments: assigns, Filter: filter}, nil
}

func lowerDelete(m map[string]any) (ast.Statement, error) {
	rel, err := lowerRangeVar(asMap(m["relation"]))
	if err != nil {
		return nil, err
	}
	var filter ast.Expr
	if wc, ok := m["whereClause"]; ok {
		filter, err = lowerExpr(asMap(wc))
		if err != nil {
			return nil, err
		}
	}
	return &ast.Delete{Table: rel, Filter: filter}, nil
}

// ---- Prepared statements ----

func lowerPrepare(m map[string]any) (ast.Statement, error) {
	name, _ := strField(m, "name")
	var paramTypes []ast.ParamType
	for _, raw := range sliceField(m, "argtypes") {
		tn := asMap(raw)
		if inner, ok := tn["TypeName"]; ok {
			tn = asMap(inner)
		}
		dt, err := lowerTypeName(tn)
		if err != nil {
			return nil, err
		}
		paramTypes = append(paramTypes, ast.ParamType{Type: dt, Known: true})
	}
	inner, err := lowerStatement(asMap(m["query"]))
	if err != nil {
		return nil, err
	}
	return &ast.Prepare{Name: name, ParamTypes: paramTypes, Stmt: inner}, nil
}

func lowerExecute(m map[string]any) (ast.Statement, error) {
	name, _ := strField(m, "name")
	var params []ast.Expr
	for _, raw := range sliceField(m, "params") {
		e, err := lowerExpr(asMap(raw))
		if err != nil {
			return nil, err
		}
		params = append(params, e)
	}
	return &ast.Execute{Name: name, Params: params}, nil
}

func lowerDeallocate(m map[string]any) (ast.Statement, error) {
	name, ok := strField(m, "name")
	return &ast.Deallocate{Name: name, All: !ok || name == ""}, nil
}

func lowerTransaction(m map[string]any) (ast.Statement, error) {
	kind, _ := strField(m, "kind")
	switch {
	case strings.Contains(kind, "BEGIN"):
		return &ast.Begin{}, nil
	case strings.Contains(kind, "COMMIT"):
		return &ast.Commit{}, nil
	default:
		return nil, pgerror.NewFeatureNotSupported("transaction statement " + kind)
	}
}

// ---- Expressions ----

func lowerExpr(m map[string]any) (ast.Expr, error) {
	for tag, body := range m {
		bm := asMap(body)
		switch tag {
		case "A_Const":
			return lowerConst(bm)
		case "ColumnRef":
			return lowerColumnRef(bm)
		case "ParamRef":
			n := intField(bm, "number")
			return &ast.Param{Ordinal: n}, nil
		case "A_Expr":
			return lowerAExpr(bm)
		case "BoolExpr":
			return lowerBoolExpr(bm)
		case "TypeCast":
			return lowerTypeCast(bm)
		case "NullTest":
			// IS [NOT] NULL lowers to a comparison against a Null literal
			// so typecheck's ordinary comparison rule handles it.
			arg, err := lowerExpr(asMap(bm["arg"]))
			if err != nil {
				return nil, err
			}
			op := ast.OpEq
			if s, _ := strField(bm, "nulltesttype"); s == "IS_NOT_NULL" {
				op = ast.OpNotEq
			}
			return &ast.BinaryExpr{Op: op, Left: arg, Right: &ast.Literal{Kind: ast.LitNull}}, nil
		default:
			return nil, pgerror.NewFeatureNotSupported("expression form " + tag)
		}
	}
	return nil, pgerror.NewSyntaxError("empty expression")
}

// lowerConst handles the flattened A_Const value oneof: one of ival,
// fval, sval, boolval, bsval, or an isnull flag. The older wrapped form
// ({"val": {"Integer": ...}}) emitted by earlier grammar vintages is
// accepted too, same as stringNode.
func lowerConst(m map[string]any) (ast.Expr, error) {
	if b, ok := m["isnull"].(bool); ok && b {
		return &ast.Literal{Kind: ast.LitNull}, nil
	}
	val := m
	if wrapped, ok := m["val"]; ok {
		val = asMap(wrapped)
	}
	for tag, body := range val {
		bm := asMap(body)
		switch tag {
		case "ival", "Integer":
			return &ast.Literal{Kind: ast.LitInteger, Text: fmt.Sprint(numField(bm, "ival"))}, nil
		case "fval", "Float":
			s, ok := strField(bm, "fval")
			if !ok {
				s, _ = strField(bm, "str")
			}
			return &ast.Literal{Kind: ast.LitNumeric, Text: s}, nil
		case "sval", "String":
			s, ok := strField(bm, "sval")
			if !ok {
				s, _ = strField(bm, "str")
			}
			return &ast.Literal{Kind: ast.LitString, Text: s}, nil
		case "boolval", "Boolean":
			return &ast.Literal{Kind: ast.LitBool, Bool: boolField(bm, "boolval")}, nil
		case "bsval", "BitString":
			return &ast.Unsupported{Kind: "hex/bit string literal"}, nil
		case "Null":
			return &ast.Literal{Kind: ast.LitNull}, nil
		case "location":
			continue
		default:
			return &ast.Unsupported{Kind: "literal form " + tag}, nil
		}
	}
	return &ast.Literal{Kind: ast.LitNull}, nil
}

func lowerColumnRef(m map[string]any) (ast.Expr, error) {
	fields := sliceField(m, "fields")
	if len(fields) == 0 {
		return nil, pgerror.NewSyntaxError("empty column reference")
	}
	// Only the last field is the column name; the analyzer resolves
	// unqualified single-table column names, so a leading table/alias
	// qualifier is simply dropped here.
	name, _ := stringNode(fields[len(fields)-1])
	return &ast.ColumnRef{Name: strings.ToLower(name)}, nil
}

var arithOps = map[string]ast.BinOp{
	"+": ast.OpAdd, "-": ast.OpSub, "*": ast.OpMul, "/": ast.OpDiv, "%": ast.OpMod,
	"||": ast.OpConcat,
	"=": ast.OpEq, "<>": ast.OpNotEq, "!=": ast.OpNotEq,
	"<": ast.OpLt, "<=": ast.OpLtEq, ">": ast.OpGt, ">=": ast.OpGtEq,
	"&": ast.OpBitAnd, "|": ast.OpBitOr, "#": ast.OpBitXor,
	"<<": ast.OpShiftLeft, ">>": ast.OpShiftRight,
}

func lowerAExpr(m map[string]any) (ast.Expr, error) {
	kind, _ := strField(m, "kind")
	opName := firstNameOp(m)

	left, err := lowerExpr(asMap(m["lexpr"]))
	if err != nil {
		return nil, err
	}
	right, err := lowerExpr(asMap(m["rexpr"]))
	if err != nil {
		return nil, err
	}

	// LIKE and NOT LIKE share one A_Expr kind; the operator name ("~~" vs
	// "!~~") tells them apart.
	if kind == "AEXPR_LIKE" {
		op := ast.OpLike
		if opName == "!~~" {
			op = ast.OpNotLike
		}
		return &ast.BinaryExpr{Op: op, Left: left, Right: right}, nil
	}
	op, ok := arithOps[opName]
	if !ok {
		return nil, pgerror.NewFeatureNotSupported("operator " + opName)
	}
	return &ast.BinaryExpr{Op: op, Left: left, Right: right}, nil
}

func firstNameOp(m map[string]any) string {
	for _, raw := range sliceField(m, "name") {
		if s, ok := stringNode(raw); ok {
			return s
		}
	}
	return ""
}

func lowerBoolExpr(m map[string]any) (ast.Expr, error) {
	kind, _ := strField(m, "boolop")
	args := sliceField(m, "args")
	exprs := make([]ast.Expr, 0, len(args))
	for _, a := range args {
		e, err := lowerExpr(asMap(a))
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, e)
	}
	switch kind {
	case "NOT_EXPR":
		return &ast.UnaryExpr{Op: ast.OpNot, Child: exprs[0]}, nil
	case "AND_EXPR":
		return foldBool(ast.OpAnd, exprs), nil
	case "OR_EXPR":
		return foldBool(ast.OpOr, exprs), nil
	default:
		return nil, pgerror.NewFeatureNotSupported("boolean expression " + kind)
	}
}

func foldBool(op ast.BinOp, exprs []ast.Expr) ast.Expr {
	acc := exprs[0]
	for _, e := range exprs[1:] {
		acc = &ast.BinaryExpr{Op: op, Left: acc, Right: e}
	}
	return acc
}

func lowerTypeCast(m map[string]any) (ast.Expr, error) {
	arg, err := lowerExpr(asMap(m["arg"]))
	if err != nil {
		return nil, err
	}
	dt, err := lowerTypeName(asMap(m["typeName"]))
	if err != nil {
		// A cast to a type arbor lacks (an INTERVAL literal, say) is a
		// value form the analyzer rejects.
		if code, _ := pgerror.As(err); code == pgerror.FeatureNotSupported {
			return &ast.Unsupported{Kind: "cast to an unsupported type"}, nil
		}
		return nil, err
	}
	return &ast.Cast{Child: arg, Type: dt}, nil
}

// ---- Shared helpers ----

func lowerRangeVar(m map[string]any) (ast.Name, error) {
	schema, _ := strField(m, "schemaname")
	table, ok := strField(m, "relname")
	if !ok {
		return ast.Name{}, pgerror.NewSyntaxError("missing relation name")
	}
	return ast.Name{Schema: strings.ToLower(schema), Table: strings.ToLower(table)}, nil
}

func nameFromParts(parts []string) ast.Name {
	switch len(parts) {
	case 1:
		return ast.Name{Table: strings.ToLower(parts[0])}
	case 2:
		return ast.Name{Schema: strings.ToLower(parts[0]), Table: strings.ToLower(parts[1])}
	default:
		return ast.Name{}
	}
}

var knownTypeNames = map[string]string{
	"bool": "boolean", "boolean": "boolean",
	"bpchar": "char", "char": "char", "varchar": "varchar",
	"int2": "smallint", "smallint": "smallint",
	"int4": "integer", "int": "integer", "integer": "integer",
	"int8": "bigint", "bigint": "bigint",
	"float4": "real", "real": "real",
	"float8": "double precision", "double precision": "double precision",
}

func lowerTypeName(m map[string]any) (ast.DataType, error) {
	var parts []string
	for _, raw := range sliceField(m, "names") {
		if s, ok := stringNode(raw); ok {
			parts = append(parts, s)
		}
	}
	raw := strings.ToLower(strings.Join(parts, "."))
	raw = strings.TrimPrefix(raw, "pg_catalog.")

	length := 0
	for _, mod := range sliceField(m, "typmods") {
		if n, ok := constInt(asMap(mod)); ok {
			length = n
			break
		}
	}

	canon, ok := knownTypeNames[raw]
	if !ok {
		switch {
		case strings.Contains(raw, "interval"):
			return ast.DataType{}, pgerror.NewFeatureNotSupported("INTERVAL type")
		default:
			return ast.DataType{}, pgerror.NewFeatureNotSupported("type " + raw)
		}
	}
	return ast.DataType{Name: canon, Len: length}, nil
}

func constInt(m map[string]any) (int, bool) {
	ac, ok := m["A_Const"]
	if !ok {
		return 0, false
	}
	acm := asMap(ac)
	if iv, ok := acm["ival"]; ok {
		return numField(asMap(iv), "ival"), true
	}
	if iv, ok := asMap(acm["val"])["Integer"]; ok {
		return numField(asMap(iv), "ival"), true
	}
	return 0, false
}

// ---- json plumbing ----

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func asSlice(v any) []any {
	if s, ok := v.([]any); ok {
		return s
	}
	return nil
}

func sliceField(m map[string]any, key string) []any { return asSlice(m[key]) }

func strField(m map[string]any, key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

func boolField(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func intField(m map[string]any, key string) int {
	return numField(m, key)
}

func numField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}

// stringNode extracts the text of a libpg_query "String" node, which is
// {"String": {"sval": "..."}} on current grammar versions and
// {"String": {"str": "..."}} on older ones emitted by some pg_query_go
// builds — both are tried so lowering is resilient to the exact grammar
// vintage vendored in.
func stringNode(v any) (string, bool) {
	m := asMap(v)
	sm, ok := m["String"]
	if !ok {
		return "", false
	}
	smm := asMap(sm)
	if s, ok := strField(smm, "sval"); ok {
		return s, true
	}
	if s, ok := strField(smm, "str"); ok {
		return s, true
	}
	return "", false
}

// listItems unwraps a libpg_query "List" node into its items; a value
// that is already a plain slice passes through.
func listItems(v any) []any {
	if m := asMap(v); len(m) > 0 {
		if l, ok := m["List"]; ok {
			return sliceField(asMap(l), "items")
		}
	}
	return asSlice(v)
}

func listOfStrings(v any) []string {
	var out []string
	for _, item := range listItems(v) {
		if s, ok := stringNode(item); ok {
			out = append(out, s)
		}
	}
	return out
}
