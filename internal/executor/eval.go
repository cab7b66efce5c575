package executor

import (
	"strings"

	"github.com/arbor-db/arbor/internal/ast"
	"github.com/arbor-db/arbor/internal/pgerror"
	"github.com/arbor-db/arbor/internal/typecheck"
	"github.com/arbor-db/arbor/internal/types"
)

// eval walks a typecheck.Node tree to a runtime Value. row is the current
// row's decoded column values (nil when no row is in scope, e.g. an
// INSERT value expression); params is the bound parameter vector.
//
// Three-valued logic: arithmetic and comparison propagate NULL; AND/OR
// short-circuit on a definite result before consulting the other
// operand.
func eval(n typecheck.Node, row, params []types.Value) (types.Value, error) {
	switch v := n.(type) {
	case *typecheck.Const:
		return v.Value, nil
	case *typecheck.Column:
		return row[v.Index], nil
	case *typecheck.Param:
		if v.Ordinal < 1 || v.Ordinal > len(params) {
			return types.Value{}, pgerror.New(pgerror.SystemError, "parameter $%d not bound", v.Ordinal)
		}
		return params[v.Ordinal-1], nil
	case *typecheck.UnOp:
		return evalUnOp(v, row, params)
	case *typecheck.Cast:
		child, err := eval(v.Child, row, params)
		if err != nil {
			return types.Value{}, err
		}
		return castValue(child, v.Typ)
	case *typecheck.BinOp:
		return evalBinOp(v, row, params)
	default:
		return types.Value{}, pgerror.New(pgerror.SystemError, "unrecognized typed expression")
	}
}

func evalUnOp(v *typecheck.UnOp, row, params []types.Value) (types.Value, error) {
	c, err := eval(v.Child, row, params)
	if err != nil {
		return types.Value{}, err
	}
	if v.Op == ast.OpNot {
		if c.IsNull() {
			return types.Null(), nil
		}
		b, _ := c.Bool()
		return types.BoolValue(!b), nil
	}
	return types.Value{}, pgerror.New(pgerror.SystemError, "unrecognized unary operator")
}

func evalBinOp(v *typecheck.BinOp, row, params []types.Value) (types.Value, error) {
	// AND/OR short-circuit on a definite result without evaluating the
	// other side once one is known.
	if v.Op == ast.OpAnd || v.Op == ast.OpOr {
		left, err := eval(v.Left, row, params)
		if err != nil {
			return types.Value{}, err
		}
		if !left.IsNull() {
			lb, _ := left.Bool()
			if v.Op == ast.OpAnd && !lb {
				return types.BoolValue(false), nil
			}
			if v.Op == ast.OpOr && lb {
				return types.BoolValue(true), nil
			}
		}
		right, err := eval(v.Right, row, params)
		if err != nil {
			return types.Value{}, err
		}
		if right.IsNull() || left.IsNull() {
			if left.IsNull() && right.IsNull() {
				return types.Null(), nil
			}
			// one side is definite but didn't short-circuit and the other
			// is NULL: AND(true,NULL)=NULL, OR(false,NULL)=NULL.
			if !left.IsNull() {
				return types.Null(), nil
			}
			rb, _ := right.Bool()
			if v.Op == ast.OpAnd && !rb {
				return types.BoolValue(false), nil
			}
			if v.Op == ast.OpOr && rb {
				return types.BoolValue(true), nil
			}
			return types.Null(), nil
		}
		lb, _ := left.Bool()
		rb, _ := right.Bool()
		if v.Op == ast.OpAnd {
			return types.BoolValue(lb && rb), nil
		}
		return types.BoolValue(lb || rb), nil
	}

	left, err := eval(v.Left, row, params)
	if err != nil {
		return types.Value{}, err
	}
	right, err := eval(v.Right, row, params)
	if err != nil {
		return types.Value{}, err
	}
	// Every remaining operator propagates NULL.
	if left.IsNull() || right.IsNull() {
		return types.Null(), nil
	}

	switch v.Op {
	case ast.OpAdd, ast.OpSub, ast.OpMul, ast.OpDiv, ast.OpMod:
		return evalArith(v.Op, left, right, v.Typ)
	case ast.OpBitAnd, ast.OpBitOr, ast.OpBitXor, ast.OpShiftLeft, ast.OpShiftRight:
		return evalBitwise(v.Op, left, right, v.Typ)
	case ast.OpConcat:
		ls, _ := left.Str()
		rs, _ := right.Str()
		return types.StringValue(ls + rs), nil
	case ast.OpEq, ast.OpNotEq, ast.OpLt, ast.OpLtEq, ast.OpGt, ast.OpGtEq:
		return evalCompare(v.Op, left, right)
	case ast.OpLike, ast.OpNotLike:
		return evalLike(v.Op, left, right)
	default:
		return types.Value{}, pgerror.New(pgerror.SystemError, "unrecognized binary operator")
	}
}

func evalArith(op ast.BinOp, l, r types.Value, typ types.SqlType) (types.Value, error) {
	if typ.Family() == types.FamilyFloat {
		lf := asFloat(l)
		rf := asFloat(r)
		var res float64
		switch op {
		case ast.OpAdd:
			res = lf + rf
		case ast.OpSub:
			res = lf - rf
		case ast.OpMul:
			res = lf * rf
		case ast.OpDiv:
			if rf == 0 {
				return types.Value{}, pgerror.NewNumericValueOutOfRange(typ.String())
			}
			res = lf / rf
		case ast.OpMod:
			if rf == 0 {
				return types.Value{}, pgerror.NewNumericValueOutOfRange(typ.String())
			}
			res = float64(int64(lf) % int64(rf))
		}
		return types.FloatValue(res, typ.Width()), nil
	}

	li := asInt(l)
	ri := asInt(r)
	var res int64
	switch op {
	case ast.OpAdd:
		res = li + ri
	case ast.OpSub:
		res = li - ri
	case ast.OpMul:
		res = li * ri
	case ast.OpDiv:
		if ri == 0 {
			return types.Value{}, pgerror.NewNumericValueOutOfRange(typ.String())
		}
		res = li / ri
	case ast.OpMod:
		if ri == 0 {
			return types.Value{}, pgerror.NewNumericValueOutOfRange(typ.String())
		}
		res = li % ri
	}
	if !fitsIntWidth(res, typ) {
		return types.Value{}, pgerror.NewNumericValueOutOfRange(typ.String())
	}
	return types.IntValue(res, typ.Width()), nil
}

func evalBitwise(op ast.BinOp, l, r types.Value, typ types.SqlType) (types.Value, error) {
	li := asInt(l)
	ri := asInt(r)
	var res int64
	switch op {
	case ast.OpBitAnd:
		res = li & ri
	case ast.OpBitOr:
		res = li | ri
	case ast.OpBitXor:
		res = li ^ ri
	case ast.OpShiftLeft:
		res = li << uint(ri)
	case ast.OpShiftRight:
		res = li >> uint(ri)
	}
	if !fitsIntWidth(res, typ) {
		return types.Value{}, pgerror.NewNumericValueOutOfRange(typ.String())
	}
	return types.IntValue(res, typ.Width()), nil
}

func fitsIntWidth(i int64, t types.SqlType) bool {
	switch t.Kind {
	case types.KindSmallInt:
		return i >= -32768 && i <= 32767
	case types.KindInteger:
		return i >= -2147483648 && i <= 2147483647
	default:
		return true
	}
}

func asInt(v types.Value) int64 {
	i, _, _ := v.Int()
	return i
}

func asFloat(v types.Value) float64 {
	if f, _, ok := v.Float(); ok {
		return f
	}
	i, _, _ := v.Int()
	return float64(i)
}

// evalCompare: same-family comparison compares natively; mixed-family
// comparison widens to String and compares lexicographically.
func evalCompare(op ast.BinOp, l, r types.Value) (types.Value, error) {
	var cmp int
	if l.Family() == r.Family() {
		switch l.Family() {
		case types.FamilyInteger:
			li, ri := asInt(l), asInt(r)
			cmp = compareInt64(li, ri)
		case types.FamilyFloat:
			lf, rf := asFloat(l), asFloat(r)
			cmp = compareFloat64(lf, rf)
		case types.FamilyBool:
			lb, _ := l.Bool()
			rb, _ := r.Bool()
			cmp = compareBool(lb, rb)
		default:
			ls, _ := l.Str()
			rs, _ := r.Str()
			cmp = strings.Compare(ls, rs)
		}
	} else {
		cmp = strings.Compare(l.String(), r.String())
	}

	switch op {
	case ast.OpEq:
		return types.BoolValue(cmp == 0), nil
	case ast.OpNotEq:
		return types.BoolValue(cmp != 0), nil
	case ast.OpLt:
		return types.BoolValue(cmp < 0), nil
	case ast.OpLtEq:
		return types.BoolValue(cmp <= 0), nil
	case ast.OpGt:
		return types.BoolValue(cmp > 0), nil
	case ast.OpGtEq:
		return types.BoolValue(cmp >= 0), nil
	default:
		return types.Value{}, pgerror.New(pgerror.SystemError, "unrecognized comparison operator")
	}
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a && b:
		return -1
	default:
		return 1
	}
}

func evalLike(op ast.BinOp, l, r types.Value) (types.Value, error) {
	ls, _ := l.Str()
	rs, _ := r.Str()
	matched := likeMatch(ls, rs)
	if op == ast.OpNotLike {
		matched = !matched
	}
	return types.BoolValue(matched), nil
}

// likeMatch implements the SQL LIKE wildcards: '%' matches any run of
// characters, '_' matches exactly one.
func likeMatch(s, pattern string) bool {
	return likeMatchRunes([]rune(s), []rune(pattern))
}

func likeMatchRunes(s, p []rune) bool {
	if len(p) == 0 {
		return len(s) == 0
	}
	switch p[0] {
	case '%':
		for i := 0; i <= len(s); i++ {
			if likeMatchRunes(s[i:], p[1:]) {
				return true
			}
		}
		return false
	case '_':
		if len(s) == 0 {
			return false
		}
		return likeMatchRunes(s[1:], p[1:])
	default:
		if len(s) == 0 || s[0] != p[0] {
			return false
		}
		return likeMatchRunes(s[1:], p[1:])
	}
}

// castValue performs a runtime CAST on an already-evaluated Value
// (distinct from typecheck's compile-time literal cast, which handles
// constants during planning).
func castValue(v types.Value, target types.SqlType) (types.Value, error) {
	if v.IsNull() {
		return types.Null(), nil
	}
	switch target.Family() {
	case types.FamilyString:
		s := v.String()
		if len(s) > target.Len {
			return types.Value{}, pgerror.NewStringDataRightTruncation(target.String())
		}
		return types.StringValue(s), nil
	case types.FamilyBool:
		if b, ok := v.Bool(); ok {
			return types.BoolValue(b), nil
		}
		s, _ := v.Str()
		low := strings.ToLower(strings.TrimSpace(s))
		switch low {
		case "t", "true", "y", "yes", "on", "1":
			return types.BoolValue(true), nil
		case "f", "false", "n", "no", "off", "0":
			return types.BoolValue(false), nil
		default:
			return types.Value{}, pgerror.NewInvalidInputSyntax("boolean", s)
		}
	case types.FamilyInteger:
		if i, _, ok := v.Int(); ok {
			if !fitsIntWidth(i, target) {
				return types.Value{}, pgerror.NewNumericValueOutOfRange(target.String())
			}
			return types.IntValue(i, target.Width()), nil
		}
		if f, _, ok := v.Float(); ok {
			return types.IntValue(int64(f), target.Width()), nil
		}
		return types.Value{}, pgerror.NewInvalidInputSyntax(target.String(), v.String())
	case types.FamilyFloat:
		return types.FloatValue(asFloat(v), target.Width()), nil
	default:
		return types.Value{}, pgerror.New(pgerror.SystemError, "unsupported cast target %s", target)
	}
}
