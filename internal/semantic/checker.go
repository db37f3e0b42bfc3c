package semantic

import (
	"fmt"
	"strings"

	"meshval/internal/diag"
	"meshval/internal/expr"
)

// checker applies the typing rules to a resolved tree. Recursion is bounded
// by the context's MaxDepth: the first node past the bound yields a logic
// diagnostic and its subtree is not visited.
type checker struct {
	ctx      *Context
	bind     map[expr.Node]Binding
	index    map[expr.Node]int
	out      []finding
	depth    int
	exceeded bool
}

func newChecker(ctx *Context, root expr.Node, bind map[expr.Node]Binding) *checker {
	idx := map[expr.Node]int{}
	for i, n := range expr.Preorder(root) {
		idx[n] = i
	}
	return &checker{ctx: ctx, bind: bind, index: idx}
}

func (c *checker) report(n expr.Node, d diag.Diagnostic) {
	c.out = append(c.out, finding{node: c.index[n], d: d})
}

func (c *checker) typeError(n expr.Node, code, expected string, actual any, format string, args ...any) {
	c.report(n, diag.New(diag.Type, diag.Error, code, "", format, args...).WithExpected(expected).WithActual(actual))
}

func (c *checker) visit(n expr.Node) Type {
	c.depth++
	defer func() { c.depth-- }()
	if c.depth > c.ctx.MaxDepth {
		if !c.exceeded {
			c.exceeded = true
			c.report(n, diag.New(diag.Logic, diag.Error, diag.CodeDepthExceeded, "",
				"expression depth exceeded: nesting is limited to %d levels", c.ctx.MaxDepth).
				WithExpected(c.ctx.MaxDepth).WithActual(c.depth))
		}
		return Unknown
	}
	switch v := n.(type) {
	case *expr.Literal:
		return literalType(v)
	case *expr.Field, *expr.Input:
		return c.bind[n].Type
	case *expr.Binary:
		return c.binary(v)
	case *expr.Unary:
		return c.unary(v)
	case *expr.Call:
		return c.call(v)
	case *expr.Case:
		return c.conditional(v)
	case *expr.Assign:
		return c.assign(v)
	}
	return Unknown
}

func literalType(l *expr.Literal) Type {
	switch l.Type {
	case expr.LitInt:
		return Int
	case expr.LitFloat:
		return Float
	case expr.LitString:
		return String
	case expr.LitBool:
		return Bool
	}
	return Null
}

func (c *checker) binary(b *expr.Binary) Type {
	l := c.visit(b.Left)
	r := c.visit(b.Right)
	pair := fmt.Sprintf("%s %s %s", l, b.Op, r)
	switch {
	case expr.IsArithmetic(b.Op):
		if l.IsUnknown() || r.IsUnknown() {
			if (!l.IsUnknown() && !l.IsNumeric()) || (!r.IsUnknown() && !r.IsNumeric()) {
				c.typeError(b, diag.CodeArithmetic, "number", pair, "operator %s needs numeric operands, got %s", b.Op, pair)
			}
			return Unknown
		}
		if !l.IsNumeric() || !r.IsNumeric() {
			c.typeError(b, diag.CodeArithmetic, "number", pair, "operator %s needs numeric operands, got %s", b.Op, pair)
			return Unknown
		}
		if b.Op == expr.OpDiv {
			return Float
		}
		return widen(l, r)
	case expr.IsComparison(b.Op):
		ok := Comparable(l, r)
		if b.Op != expr.OpEq && b.Op != expr.OpNe {
			ok = Ordered(l, r) && !l.IsNull() && !r.IsNull()
		}
		if !ok {
			c.typeError(b, diag.CodeComparison, l.String(), r.String(), "cannot compare %s with %s using %s", l, r, b.Op)
			return Bool
		}
		c.enumLiteral(l, b.Right)
		c.enumLiteral(r, b.Left)
		return Bool
	case expr.IsLogical(b.Op):
		for _, side := range []struct {
			n expr.Node
			t Type
		}{{b.Left, l}, {b.Right, r}} {
			if !side.t.IsUnknown() && !side.t.IsBool() {
				c.typeError(side.n, diag.CodeLogical, "bool", side.t.String(), "operator %s needs boolean operands, got %s", b.Op, side.t)
			}
		}
		return Bool
	}
	return Unknown
}

// enumLiteral checks a string literal compared with or assigned to an enum.
func (c *checker) enumLiteral(t Type, n expr.Node) {
	lit, ok := n.(*expr.Literal)
	if !ok || t.Name != "enum" || lit.Type != expr.LitString {
		return
	}
	val := lit.Value.(string)
	for _, v := range t.Values {
		if v == val {
			return
		}
	}
	d := diag.New(diag.Type, diag.Error, diag.CodeEnumMismatch, "",
		"%q is not a value of %s", val, t).WithExpected(t.Values).WithActual(val).WithOptions(t.Values)
	f := finding{node: c.index[n], d: d}
	for _, v := range t.Values {
		if strings.EqualFold(v, val) {
			f.fix = &fix{kind: "literal", from: val, to: v, value: v}
			break
		}
	}
	c.out = append(c.out, f)
}

func (c *checker) unary(u *expr.Unary) Type {
	t := c.visit(u.Operand)
	switch u.Op {
	case expr.OpNot:
		if !t.IsUnknown() && !t.IsBool() {
			c.typeError(u, diag.CodeLogical, "bool", t.String(), "not needs a boolean operand, got %s", t)
		}
		return Bool
	case expr.OpNeg:
		if t.IsUnknown() {
			return Unknown
		}
		if !t.IsNumeric() {
			c.typeError(u, diag.CodeArithmetic, "number", t.String(), "unary minus needs a numeric operand, got %s", t)
			return Unknown
		}
		return t
	case expr.OpIsNull, expr.OpIsNotNull:
		return Bool
	}
	return Unknown
}

func (c *checker) call(call *expr.Call) Type {
	args := make([]Type, 0, len(call.Args))
	for _, a := range call.Args {
		args = append(args, c.visit(a))
	}
	if call.Where != nil {
		if w := c.visit(call.Where); !w.IsUnknown() && !w.IsBool() {
			c.typeError(call.Where, diag.CodeNotBoolean, "bool", w.String(), "%s filter must be boolean, got %s", call.Func, w)
		}
	}
	b := c.bind[call]
	sig, ok := builtins[call.Func]
	if !ok {
		if b.Derived != "" && len(call.Args) > 0 {
			c.typeError(call, diag.CodeCallSignature, call.Func+"()", len(call.Args),
				"derived value %s takes no arguments, got %d", call.Func, len(call.Args))
		}
		return b.Type
	}
	want := call.Func + "(" + strings.Join(sig.params, ", ") + ")"
	if len(args) < sig.minArgs || len(args) > len(sig.params) {
		c.typeError(call, diag.CodeCallSignature, want, len(args),
			"%s expects %s, got %d argument(s)", call.Func, arity(sig), len(args))
		return sig.result(nil)
	}
	if sig.aggregate && call.Target == "" {
		c.typeError(call, diag.CodeCallSignature, call.Func+"(<Entity> where ...)", "no target",
			"%s needs a target entity to range over", call.Func)
	}
	if !sig.aggregate && call.Where != nil {
		c.typeError(call, diag.CodeCallSignature, want, "where", "%s does not take a filter", call.Func)
	}
	for i, t := range args {
		if !accepts(sig.params[i], t) {
			c.typeError(call.Args[i], diag.CodeCallSignature, sig.params[i], t.String(),
				"argument %d of %s must be %s, got %s", i+1, call.Func, sig.params[i], t)
		}
	}
	return sig.result(args)
}

func arity(s signature) string {
	if s.minArgs == len(s.params) {
		return fmt.Sprintf("%d argument(s)", s.minArgs)
	}
	return fmt.Sprintf("%d to %d argument(s)", s.minArgs, len(s.params))
}

func (c *checker) conditional(cs *expr.Case) Type {
	result := Unknown
	clash := false
	merge := func(n expr.Node, t Type) {
		u, ok := unify(result, t)
		if !ok && !clash {
			clash = true
			c.typeError(n, diag.CodeValueType, result.String(), t.String(),
				"conditional branches disagree: %s vs %s", result, t)
			return
		}
		result = u
	}
	for _, br := range cs.Branches {
		if w := c.visit(br.When); !w.IsUnknown() && !w.IsBool() {
			c.typeError(br.When, diag.CodeNotBoolean, "bool", w.String(), "case condition must be boolean, got %s", w)
		}
		merge(br.Then, c.visit(br.Then))
	}
	if cs.Else != nil {
		merge(cs.Else, c.visit(cs.Else))
	}
	if clash {
		return Unknown
	}
	return result
}

func (c *checker) assign(a *expr.Assign) Type {
	to := c.visit(a.Target)
	from := c.visit(a.Value)
	if !Assignable(to, from) {
		c.typeError(a, diag.CodeValueType, to.String(), from.String(),
			"cannot assign %s to %s (%s)", from, a.Target.Text(), to)
		return to
	}
	c.enumLiteral(to, a.Value)
	return to
}
