// Package typecheck runs three passes over an
// analyzer.Expr tree: Infer assigns a Family to every node bottom-up,
// Check validates that every binary operator's operand families are in
// that operator's supported set, and Coerce inserts explicit Cast nodes
// (evaluating literal constants immediately) so the resulting tree has a
// fully determined SqlType on every node — the single input the planner
// accepts.
package typecheck

import (
	"strconv"
	"strings"

	"github.com/arbor-db/arbor/internal/analyzer"
	"github.com/arbor-db/arbor/internal/ast"
	"github.com/arbor-db/arbor/internal/pgerror"
	"github.com/arbor-db/arbor/internal/types"
)

// Node is the typed tree: every node carries a fully resolved SqlType.
type Node interface {
	node()
	Type() types.SqlType
}

type Const struct {
	Value types.Value
	Typ   types.SqlType
}

func (c *Const) node() {}
func (c *Const) Type() types.SqlType { return c.Typ }

type Column struct {
	Index int
	Typ   types.SqlType
}

func (c *Column) node() {}
func (c *Column) Type() types.SqlType { return c.Typ }

type Param struct {
	Ordinal int
	Typ     types.SqlType
}

func (p *Param) node() {}
func (p *Param) Type() types.SqlType { return p.Typ }

type BinOp struct {
	Op          ast.BinOp
	Left, Right Node
	Typ         types.SqlType
}

func (b *BinOp) node() {}
func (b *BinOp) Type() types.SqlType { return b.Typ }

type UnOp struct {
	Op    ast.UnOp
	Child Node
	Typ   types.SqlType
}

func (u *UnOp) node() {}
func (u *UnOp) Type() types.SqlType { return u.Typ }

type Cast struct {
	Child Node
	Typ   types.SqlType
}

func (c *Cast) node() {}
func (c *Cast) Type() types.SqlType { return c.Typ }

// Context carries the information the pipeline needs beyond the
// expression tree itself: the declared parameter type vector. The
// expected type imposed by the surrounding context (an insertion column,
// a comparison operand) is passed to Check separately as expect.
type Context struct {
	// ParamTypes holds a type per $N ordinal (1-based index 0), or the
	// zero SqlType (Kind Unknown) when undeclared.
	ParamTypes []types.SqlType
}

func (c *Context) paramType(ordinal int) (types.SqlType, bool) {
	if c == nil || ordinal < 1 || ordinal > len(c.ParamTypes) {
		return types.SqlType{}, false
	}
	t := c.ParamTypes[ordinal-1]
	return t, t.Kind != types.KindUnknown
}

// Check type-checks e, coercing it toward expect when expect is non-nil.
// This is the single entrypoint the planner calls; internally it runs
// the three passes (infer, check, coerce) on the subtree rooted at e.
func Check(e analyzer.Expr, expect *types.SqlType, ctx *Context) (Node, error) {
	_ = inferFamily(e, expect, ctx)
	if err := checkFamily(e, ctx); err != nil {
		return nil, err
	}
	return coerce(e, expect, ctx)
}

// inferFamily assigns a Family to e bottom-up without building any node.
func inferFamily(e analyzer.Expr, expect *types.SqlType, ctx *Context) types.Family {
	switch v := e.(type) {
	case *analyzer.Const:
		return literalFamily(v.Lit)
	case *analyzer.Column:
		return v.Type.Family()
	case *analyzer.Param:
		if t, ok := ctx.paramType(v.Ordinal); ok {
			return t.Family()
		}
		if expect != nil {
			return expect.Family()
		}
		return types.FamilyUnknown
	case *analyzer.BinOp:
		lf := inferFamily(v.Left, nil, ctx)
		rf := inferFamily(v.Right, nil, ctx)
		return resultFamily(v.Op, lf, rf)
	case *analyzer.UnOp:
		return inferFamily(v.Child, nil, ctx)
	case *analyzer.Cast:
		return v.Type.Family()
	default:
		return types.FamilyUnknown
	}
}

func literalFamily(lit ast.Literal) types.Family {
	switch lit.Kind {
	case ast.LitInteger:
		return types.FamilyInteger
	case ast.LitNumeric:
		return types.FamilyFloat
	case ast.LitString:
		return types.FamilyString
	case ast.LitBool:
		return types.FamilyBool
	default:
		return types.FamilyUnknown
	}
}

// result family per operator.
func resultFamily(op ast.BinOp, l, r types.Family) types.Family {
	switch op {
	case ast.OpAdd, ast.OpSub, ast.OpMul, ast.OpDiv, ast.OpMod,
		ast.OpBitAnd, ast.OpBitOr, ast.OpBitXor, ast.OpShiftLeft, ast.OpShiftRight:
		if l == types.FamilyFloat || r == types.FamilyFloat {
			return types.FamilyFloat
		}
		return types.FamilyInteger
	case ast.OpConcat:
		return types.FamilyString
	case ast.OpEq, ast.OpNotEq, ast.OpLt, ast.OpLtEq, ast.OpGt, ast.OpGtEq, ast.OpLike, ast.OpNotLike:
		return types.FamilyBool
	case ast.OpAnd, ast.OpOr:
		return types.FamilyBool
	default:
		return types.FamilyUnknown
	}
}

// checkFamily validates operator operand families. It walks the same
// shape inferFamily did, but now raises UndefinedFunction for any
// operator/family combination outside the fixed supported set.
func checkFamily(e analyzer.Expr, ctx *Context) error {
	switch v := e.(type) {
	case *analyzer.BinOp:
		if err := checkFamily(v.Left, ctx); err != nil {
			return err
		}
		if err := checkFamily(v.Right, ctx); err != nil {
			return err
		}
		lf := inferFamily(v.Left, nil, ctx)
		rf := inferFamily(v.Right, nil, ctx)
		return checkOperator(v.Op, lf, rf)
	case *analyzer.UnOp:
		if err := checkFamily(v.Child, ctx); err != nil {
			return err
		}
		if v.Op == ast.OpNot {
			cf := inferFamily(v.Child, nil, ctx)
			if cf != types.FamilyBool && cf != types.FamilyUnknown {
				return pgerror.NewUndefinedFunction("NOT", "", cf.String())
			}
		}
		return nil
	case *analyzer.Cast:
		return checkFamily(v.Child, ctx)
	default:
		return nil
	}
}

func checkOperator(op ast.BinOp, l, r types.Family) error {
	unknown := l == types.FamilyUnknown || r == types.FamilyUnknown
	switch op {
	case ast.OpAdd, ast.OpSub, ast.OpMul, ast.OpDiv, ast.OpMod,
		ast.OpBitAnd, ast.OpBitOr, ast.OpBitXor, ast.OpShiftLeft, ast.OpShiftRight:
		if unknown {
			return nil
		}
		if !isNumeric(l) || !isNumeric(r) {
			return pgerror.NewUndefinedFunction(l.String(), op.String(), r.String())
		}
	case ast.OpConcat:
		if unknown {
			return nil
		}
		if l != types.FamilyString || r != types.FamilyString {
			return pgerror.NewUndefinedFunction(l.String(), op.String(), r.String())
		}
	case ast.OpEq, ast.OpNotEq, ast.OpLt, ast.OpLtEq, ast.OpGt, ast.OpGtEq, ast.OpLike, ast.OpNotLike:
		if unknown {
			return nil
		}
		// Mixed-family comparison widens to String and compares
		// lexicographically, so any family combination is legal here:
		// Bool/String/Integer/Float all render to text.
		return nil
	case ast.OpAnd, ast.OpOr:
		if unknown {
			return nil
		}
		if l != types.FamilyBool || r != types.FamilyBool {
			return pgerror.NewUndefinedFunction(l.String(), op.String(), r.String())
		}
	}
	return nil
}

func isNumeric(f types.Family) bool { return f == types.FamilyInteger || f == types.FamilyFloat }

// coerce builds the typed Node tree,
// inserting explicit Cast nodes wherever a node's family matches the
// surrounding context but its width/length differs, and evaluating
// literal constants immediately.
func coerce(e analyzer.Expr, expect *types.SqlType, ctx *Context) (Node, error) {
	switch v := e.(type) {
	case *analyzer.Const:
		return coerceConst(v.Lit, expect)
	case *analyzer.Column:
		col := &Column{Index: v.Index, Typ: v.Type}
		return applyExpect(col, expect)
	case *analyzer.Param:
		t, ok := ctx.paramType(v.Ordinal)
		if !ok {
			if expect == nil {
				return nil, pgerror.NewIndeterminateParameterType(v.Ordinal)
			}
			t = *expect
		}
		return &Param{Ordinal: v.Ordinal, Typ: t}, nil
	case *analyzer.UnOp:
		child, err := coerce(v.Child, nil, ctx)
		if err != nil {
			return nil, err
		}
		return &UnOp{Op: v.Op, Child: child, Typ: types.Bool()}, nil
	case *analyzer.Cast:
		child, err := coerce(v.Child, nil, ctx)
		if err != nil {
			return nil, err
		}
		return castNode(child, v.Type)
	case *analyzer.BinOp:
		return coerceBinOp(v, ctx)
	default:
		return nil, pgerror.New(pgerror.SyntaxError, "unrecognized expression in type checking")
	}
}

func applyExpect(n Node, expect *types.SqlType) (Node, error) {
	if expect == nil {
		return n, nil
	}
	if n.Type().Equal(*expect) {
		return n, nil
	}
	if n.Type().Family() != expect.Family() {
		return nil, pgerror.NewDatatypeMismatch("<expr>", n.Type().Family().String())
	}
	return &Cast{Child: n, Typ: *expect}, nil
}

func coerceBinOp(v *analyzer.BinOp, ctx *Context) (Node, error) {
	lf := inferFamily(v.Left, nil, ctx)
	rf := inferFamily(v.Right, nil, ctx)

	switch v.Op {
	case ast.OpAdd, ast.OpSub, ast.OpMul, ast.OpDiv, ast.OpMod,
		ast.OpBitAnd, ast.OpBitOr, ast.OpBitXor, ast.OpShiftLeft, ast.OpShiftRight:
		widened := widenNumeric(lf, rf)
		left, err := coerce(v.Left, &widened, ctx)
		if err != nil {
			return nil, err
		}
		right, err := coerce(v.Right, &widened, ctx)
		if err != nil {
			return nil, err
		}
		return &BinOp{Op: v.Op, Left: left, Right: right, Typ: widened}, nil

	case ast.OpConcat:
		s := types.VarChar(1 << 20)
		left, err := coerce(v.Left, &s, ctx)
		if err != nil {
			return nil, err
		}
		right, err := coerce(v.Right, &s, ctx)
		if err != nil {
			return nil, err
		}
		return &BinOp{Op: v.Op, Left: left, Right: right, Typ: s}, nil

	case ast.OpAnd, ast.OpOr:
		b := types.Bool()
		left, err := coerce(v.Left, &b, ctx)
		if err != nil {
			return nil, err
		}
		right, err := coerce(v.Right, &b, ctx)
		if err != nil {
			return nil, err
		}
		return &BinOp{Op: v.Op, Left: left, Right: right, Typ: b}, nil

	default: // comparison / pattern
		var common *types.SqlType
		if lf == rf {
			w := widenNumeric(lf, rf)
			common = &w
		} else {
			// Widen to String for mixed-family comparison.
			s := types.VarChar(1 << 20)
			common = &s
		}
		mixed := lf != rf && lf != types.FamilyUnknown && rf != types.FamilyUnknown
		operand := func(e analyzer.Expr) (Node, error) {
			// A non-String column in a mixed-family comparison is rendered
			// as text through an explicit Cast.
			if col, ok := e.(*analyzer.Column); ok && mixed && col.Type.Family() != types.FamilyString {
				return &Cast{Child: &Column{Index: col.Index, Typ: col.Type}, Typ: *common}, nil
			}
			return coerce(e, common, ctx)
		}
		left, err := operand(v.Left)
		if err != nil {
			return nil, err
		}
		right, err := operand(v.Right)
		if err != nil {
			return nil, err
		}
		return &BinOp{Op: v.Op, Left: left, Right: right, Typ: types.Bool()}, nil
	}
}

func widenNumeric(l, r types.Family) types.SqlType {
	if l == types.FamilyFloat || r == types.FamilyFloat {
		return types.DoublePrecision()
	}
	if l == types.FamilyBool || r == types.FamilyBool {
		return types.Bool()
	}
	if l == types.FamilyString || r == types.FamilyString {
		return types.VarChar(1 << 20)
	}
	return types.BigInt()
}

// coerceConst evaluates a literal immediately against expect (or its own
// natural type if expect is nil).
func coerceConst(lit ast.Literal, expect *types.SqlType) (Node, error) {
	target := expect
	if target == nil {
		natural := naturalType(lit)
		target = &natural
	}
	v, err := evalLiteral(lit, *target)
	if err != nil {
		return nil, err
	}
	return &Const{Value: v, Typ: *target}, nil
}

func naturalType(lit ast.Literal) types.SqlType {
	switch lit.Kind {
	case ast.LitInteger:
		return types.Integer()
	case ast.LitNumeric:
		return types.DoublePrecision()
	case ast.LitString:
		return types.VarChar(maxInt(1, len(lit.Text)))
	case ast.LitBool:
		return types.Bool()
	default:
		return types.SqlType{}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// evalLiteral parses lit's source text into target's representation,
// producing the appropriate coercion-failure code on error.
func evalLiteral(lit ast.Literal, target types.SqlType) (types.Value, error) {
	if lit.Kind == ast.LitNull {
		return types.Null(), nil
	}
	switch target.Kind {
	case types.KindBool:
		return evalBool(lit)
	case types.KindSmallInt, types.KindInteger, types.KindBigInt:
		return evalInt(lit, target)
	case types.KindReal, types.KindDoublePrecision:
		return evalFloat(lit, target)
	case types.KindChar, types.KindVarChar:
		return evalString(lit, target)
	default:
		return types.Value{}, pgerror.NewDatatypeMismatch("<const>", literalFamily(lit).String())
	}
}

func litText(lit ast.Literal) string {
	if lit.Kind == ast.LitBool {
		if lit.Bool {
			return "true"
		}
		return "false"
	}
	return lit.Text
}

// truthy maps the accepted boolean spellings, case-insensitive, with
// surrounding whitespace ignored.
func truthy(s string) (bool, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "t", "true", "y", "yes", "on", "1":
		return true, true
	case "f", "false", "n", "no", "off", "0":
		return false, true
	default:
		return false, false
	}
}

func evalBool(lit ast.Literal) (types.Value, error) {
	if lit.Kind == ast.LitBool {
		return types.BoolValue(lit.Bool), nil
	}
	b, ok := truthy(litText(lit))
	if !ok {
		return types.Value{}, pgerror.NewInvalidInputSyntax("boolean", litText(lit))
	}
	return types.BoolValue(b), nil
}

func evalInt(lit ast.Literal, target types.SqlType) (types.Value, error) {
	text := litText(lit)
	i, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
	if err != nil {
		return types.Value{}, pgerror.NewInvalidInputSyntax(target.String(), text)
	}
	if !fitsWidth(i, target) {
		return types.Value{}, pgerror.NewNumericValueOutOfRange(target.String())
	}
	return types.IntValue(i, target.Width()), nil
}

func fitsWidth(i int64, t types.SqlType) bool {
	switch t.Kind {
	case types.KindSmallInt:
		return i >= -32768 && i <= 32767
	case types.KindInteger:
		return i >= -2147483648 && i <= 2147483647
	default:
		return true
	}
}

func evalFloat(lit ast.Literal, target types.SqlType) (types.Value, error) {
	text := litText(lit)
	f, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil {
		return types.Value{}, pgerror.NewInvalidInputSyntax(target.String(), text)
	}
	return types.FloatValue(f, target.Width()), nil
}

func evalString(lit ast.Literal, target types.SqlType) (types.Value, error) {
	text := litText(lit)
	if len(text) > target.Len {
		return types.Value{}, pgerror.NewStringDataRightTruncation(target.String())
	}
	return types.StringValue(text), nil
}

// castNode applies an explicit CAST to an already-typed node, re-running
// the literal evaluator when the child is itself a constant so CAST of a
// literal is a compile-time value rather than a runtime op.
func castNode(child Node, target types.SqlType) (Node, error) {
	if c, ok := child.(*Const); ok {
		v, err := recastValue(c.Value, c.Typ, target)
		if err != nil {
			return nil, err
		}
		return &Const{Value: v, Typ: target}, nil
	}
	if child.Type().Family() != target.Family() {
		return nil, pgerror.NewDatatypeMismatch("<cast>", child.Type().Family().String())
	}
	return &Cast{Child: child, Typ: target}, nil
}

func recastValue(v types.Value, from, to types.SqlType) (types.Value, error) {
	if v.IsNull() {
		return types.Null(), nil
	}
	return evalLiteral(ast.Literal{Kind: litKindFor(from), Text: v.String(), Bool: boolOf(v)}, to)
}

func litKindFor(t types.SqlType) ast.LiteralKind {
	switch t.Family() {
	case types.FamilyInteger:
		return ast.LitInteger
	case types.FamilyFloat:
		return ast.LitNumeric
	case types.FamilyBool:
		return ast.LitBool
	default:
		return ast.LitString
	}
}

func boolOf(v types.Value) bool {
	b, _ := v.Bool()
	return b
}
