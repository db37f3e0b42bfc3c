package expr

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Encode renders a tree as canonical JSON. Structurally equal trees encode
// to identical bytes, which makes the encoding usable as an identity key.
// Float literals are rendered as text, so non-finite values encode too.
func Encode(n Node) []byte {
	b, err := json.Marshal(canonical(n))
	if err != nil {
		return nil
	}
	return b
}

// Key is Encode as a string.
func Key(n Node) string {
	return string(Encode(n))
}

func canonical(n Node) any {
	switch v := n.(type) {
	case nil:
		return nil
	case *Literal:
		val := v.Value
		if f, ok := val.(float64); ok {
			val = strconv.FormatFloat(f, 'g', -1, 64)
		}
		return map[string]any{"k": "lit", "t": string(v.Type), "v": val}
	case *Field:
		return map[string]any{"k": "field", "root": v.Root, "path": v.Path}
	case *Input:
		return map[string]any{"k": "input", "name": v.Name}
	case *Binary:
		return map[string]any{"k": "bin", "op": v.Op, "l": canonical(v.Left), "r": canonical(v.Right)}
	case *Unary:
		return map[string]any{"k": "un", "op": v.Op, "x": canonical(v.Operand)}
	case *Call:
		args := make([]any, 0, len(v.Args))
		for _, a := range v.Args {
			args = append(args, canonical(a))
		}
		return map[string]any{"k": "call", "fn": v.Func, "target": v.Target, "args": args, "where": canonical(v.Where)}
	case *Case:
		branches := make([]any, 0, len(v.Branches))
		for _, b := range v.Branches {
			branches = append(branches, []any{canonical(b.When), canonical(b.Then)})
		}
		return map[string]any{"k": "case", "b": branches, "else": canonical(v.Else)}
	case *Assign:
		return map[string]any{"k": "assign", "target": canonical(v.Target), "v": canonical(v.Value)}
	}
	return nil
}

var precedence = map[string]int{
	OpOr: 1, OpAnd: 2,
	OpEq: 4, OpNe: 4, OpLt: 4, OpLe: 4, OpGt: 4, OpGe: 4,
	OpAdd: 5, OpSub: 5, OpMul: 6, OpDiv: 6, OpMod: 6,
}

// Format renders a tree in the string mini-language, for messages.
func Format(n Node) string {
	var b strings.Builder
	format(&b, n, 0)
	return b.String()
}

func format(b *strings.Builder, n Node, parent int) {
	switch v := n.(type) {
	case *Literal:
		switch v.Type {
		case LitNull:
			b.WriteString("null")
		case LitString:
			b.WriteString(strconv.Quote(v.Value.(string)))
		case LitBool:
			b.WriteString(strconv.FormatBool(v.Value.(bool)))
		case LitInt:
			b.WriteString(strconv.FormatInt(v.Value.(int64), 10))
		case LitFloat:
			s := strconv.FormatFloat(v.Value.(float64), 'g', -1, 64)
			if !strings.ContainsAny(s, ".eE") {
				s += ".0"
			}
			b.WriteString(s)
		}
	case *Field:
		b.WriteString(v.Text())
	case *Input:
		b.WriteString(v.Text())
	case *Binary:
		prec := precedence[v.Op]
		if prec <= parent {
			b.WriteByte('(')
		}
		format(b, v.Left, prec-1)
		b.WriteString(" " + v.Op + " ")
		format(b, v.Right, prec)
		if prec <= parent {
			b.WriteByte(')')
		}
	case *Unary:
		switch v.Op {
		case OpNot:
			if parent >= 3 {
				b.WriteByte('(')
			}
			b.WriteString("not ")
			format(b, v.Operand, 2)
			if parent >= 3 {
				b.WriteByte(')')
			}
		case OpNeg:
			b.WriteString("-")
			format(b, v.Operand, 7)
		case OpIsNull, OpIsNotNull:
			b.WriteByte('(')
			format(b, v.Operand, 4)
			if v.Op == OpIsNull {
				b.WriteString(" is null)")
			} else {
				b.WriteString(" is not null)")
			}
		}
	case *Call:
		b.WriteString(v.Func + "(")
		if v.Target != "" && !targetImplied(v) {
			b.WriteString(v.Target)
		}
		for i, a := range v.Args {
			if i > 0 {
				b.WriteString(", ")
			}
			format(b, a, 0)
		}
		if v.Where != nil {
			b.WriteString(" where ")
			format(b, v.Where, 0)
		}
		b.WriteByte(')')
	case *Case:
		b.WriteString("case")
		for _, br := range v.Branches {
			b.WriteString(" when ")
			format(b, br.When, 0)
			b.WriteString(" then ")
			format(b, br.Then, 0)
		}
		if v.Else != nil {
			b.WriteString(" else ")
			format(b, v.Else, 0)
		}
		b.WriteString(" end")
	case *Assign:
		b.WriteString(v.Target.Text() + " = ")
		format(b, v.Value, 0)
	}
}

// targetImplied reports whether an aggregation's Target is recoverable from
// its first argument, so Format can omit it.
func targetImplied(c *Call) bool {
	if len(c.Args) == 0 {
		return false
	}
	f, ok := c.Args[0].(*Field)
	return ok && f.Root == c.Target
}
