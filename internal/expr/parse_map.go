package expr

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

var binaryOpNames = map[string]string{
	"add": OpAdd, "sub": OpSub, "mul": OpMul, "div": OpDiv, "mod": OpMod,
	"eq": OpEq, "ne": OpNe, "lt": OpLt, "le": OpLe, "gt": OpGt, "ge": OpGe,
	"and": OpAnd, "or": OpOr,
	OpAdd: OpAdd, OpSub: OpSub, OpMul: OpMul, OpDiv: OpDiv, OpMod: OpMod,
	OpEq: OpEq, OpNe: OpNe, OpLt: OpLt, OpLe: OpLe, OpGt: OpGt, OpGe: OpGe,
}

var unaryOpNames = map[string]string{
	"not": OpNot, "neg": OpNeg, "-": OpNeg,
	"is_null": OpIsNull, "is_not_null": OpIsNotNull,
}

var dateOpNames = map[string]string{
	"diff": "date_diff", "add": "add_days", "add_days": "add_days",
	"now": "now", "today": "today", "overlaps": "overlaps",
}

type mapParser struct {
	origins map[Node]Origin
	depth   int
	max     int
}

// ParseMap parses the structured nested-map form, where every node is a
// mapping tagged by its "type" key.
func ParseMap(m map[string]any, opts Options) (*Expr, error) {
	p := &mapParser{origins: map[Node]Origin{}, max: opts.maxNesting()}
	root, err := p.parse(m, "")
	if err != nil {
		return nil, err
	}
	if _, ok := root.(*Assign); ok && !opts.AllowAssign {
		return nil, &ParseError{Msg: "assignment is only allowed in post actions"}
	}
	return &Expr{Root: root, Source: m, origins: p.origins}, nil
}

func (p *mapParser) fail(path, frag, format string, args ...any) error {
	return &ParseError{Path: path, Fragment: frag, Msg: fmt.Sprintf(format, args...)}
}

func (p *mapParser) record(n Node, path, leaf string) Node {
	p.origins[n] = Origin{Path: path, Leaf: leaf}
	return n
}

func (p *mapParser) child(m map[string]any, key, path string) (Node, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil, p.fail(joinRel(path, key), key, "missing %q", key)
	}
	return p.parse(raw, joinRel(path, key))
}

func (p *mapParser) optional(m map[string]any, key, path string) (Node, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil, nil
	}
	return p.parse(raw, joinRel(path, key))
}

func stringKey(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func (p *mapParser) parse(raw any, path string) (Node, error) {
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > p.max {
		return nil, p.fail(path, "", "expression nesting exceeds %d levels", p.max)
	}
	m, ok := raw.(map[string]any)
	if !ok {
		// Nested strings inside the map form are string-form sub-expressions.
		if s, isStr := raw.(string); isStr {
			sub, err := ParseString(s, Options{MaxNesting: p.max - p.depth + 1})
			if err != nil {
				if pe, ok := err.(*ParseError); ok {
					pe.Path = path
				}
				return nil, err
			}
			for _, n := range Preorder(sub.Root) {
				p.origins[n] = Origin{Path: path}
			}
			return sub.Root, nil
		}
		lit, err := literalOf(raw)
		if err != nil {
			return nil, p.fail(path, fmt.Sprint(raw), "%s", err.Error())
		}
		return p.record(lit, path, ""), nil
	}
	typ := stringKey(m, "type")
	switch typ {
	case "":
		return nil, p.fail(path, describe(m), "expression mapping needs a \"type\"")
	case "literal":
		lit, err := literalOf(m["value"])
		if err != nil {
			return nil, p.fail(joinRel(path, "value"), fmt.Sprint(m["value"]), "%s", err.Error())
		}
		return p.record(lit, path, "value"), nil
	case "ref":
		ref := stringKey(m, "path")
		if ref == "" {
			return nil, p.fail(path, describe(m), "ref needs a \"path\"")
		}
		parts := splitPath(ref)
		n, err := accessNode(parts[0], parts[1:], ref)
		if err != nil {
			err.(*ParseError).Path = joinRel(path, "path")
			return nil, err
		}
		return p.record(n, path, "path"), nil
	case "self":
		field := stringKey(m, "field")
		if field == "" {
			return nil, p.fail(path, describe(m), "self needs a \"field\"")
		}
		n, err := accessNode(SelfRoot, splitPath(field), field)
		if err != nil {
			err.(*ParseError).Path = joinRel(path, "field")
			return nil, err
		}
		return p.record(n, path, "field"), nil
	case "input":
		name := stringKey(m, "name")
		if name == "" || strings.Contains(name, ".") {
			return nil, p.fail(path, describe(m), "input needs a single \"name\"")
		}
		return p.record(&Input{Name: name}, path, "name"), nil
	case "binary":
		op, ok := binaryOpNames[stringKey(m, "op")]
		if !ok {
			return nil, p.fail(joinRel(path, "op"), stringKey(m, "op"), "malformed operator")
		}
		left, err := p.child(m, "left", path)
		if err != nil {
			return nil, err
		}
		right, err := p.child(m, "right", path)
		if err != nil {
			return nil, err
		}
		return p.record(&Binary{Op: op, Left: left, Right: right}, path, ""), nil
	case "unary":
		op, ok := unaryOpNames[stringKey(m, "op")]
		if !ok {
			return nil, p.fail(joinRel(path, "op"), stringKey(m, "op"), "malformed operator")
		}
		key := "expr"
		if _, has := m[key]; !has {
			key = "operand"
		}
		operand, err := p.child(m, key, path)
		if err != nil {
			return nil, err
		}
		var n Node = &Unary{Op: op, Operand: operand}
		if op == OpNeg {
			n = negate(operand)
		}
		return p.record(n, path, ""), nil
	case "call":
		name := stringKey(m, "name")
		if name == "" {
			return nil, p.fail(path, describe(m), "call needs a \"name\"")
		}
		args, err := p.list(m, "args", path)
		if err != nil {
			return nil, err
		}
		if IsAggregation(name) {
			where, err := p.optional(m, "where", path)
			if err != nil {
				return nil, err
			}
			return p.record(newAggregate(name, stringKey(m, "from"), args, where), path, ""), nil
		}
		return p.record(&Call{Func: name, Args: args}, path, "name"), nil
	case "agg":
		op := stringKey(m, "op")
		if !IsAggregation(op) {
			return nil, p.fail(joinRel(path, "op"), op, "unknown aggregation")
		}
		var args []Node
		arg, err := p.optional(m, "expr", path)
		if err != nil {
			return nil, err
		}
		if arg != nil {
			args = append(args, arg)
		}
		where, err := p.optional(m, "where", path)
		if err != nil {
			return nil, err
		}
		return p.record(newAggregate(op, stringKey(m, "from"), args, where), path, ""), nil
	case "date":
		fn, ok := dateOpNames[stringKey(m, "op")]
		if !ok {
			return nil, p.fail(joinRel(path, "op"), stringKey(m, "op"), "unknown date operation")
		}
		args, err := p.list(m, "args", path)
		if err != nil {
			return nil, err
		}
		return p.record(&Call{Func: fn, Args: args}, path, ""), nil
	case "case":
		rawBranches, ok := m["branches"].([]any)
		if !ok || len(rawBranches) == 0 {
			return nil, p.fail(joinRel(path, "branches"), describe(m), "case needs a non-empty \"branches\" list")
		}
		c := &Case{}
		for i, rb := range rawBranches {
			bpath := indexRel(joinRel(path, "branches"), i)
			bm, ok := rb.(map[string]any)
			if !ok {
				return nil, p.fail(bpath, fmt.Sprint(rb), "branch must be a mapping with when/then")
			}
			when, err := p.child(bm, "when", bpath)
			if err != nil {
				return nil, err
			}
			then, err := p.child(bm, "then", bpath)
			if err != nil {
				return nil, err
			}
			c.Branches = append(c.Branches, Branch{When: when, Then: then})
		}
		alt, err := p.optional(m, "else", path)
		if err != nil {
			return nil, err
		}
		c.Else = alt
		return p.record(c, path, ""), nil
	case "if":
		cond, err := p.child(m, "cond", path)
		if err != nil {
			return nil, err
		}
		then, err := p.child(m, "then", path)
		if err != nil {
			return nil, err
		}
		alt, err := p.optional(m, "else", path)
		if err != nil {
			return nil, err
		}
		return p.record(&Case{Branches: []Branch{{When: cond, Then: then}}, Else: alt}, path, ""), nil
	case "assign":
		if p.depth != 1 {
			return nil, p.fail(path, "assign", "assignment must be the whole expression")
		}
		target := stringKey(m, "target")
		parts := splitPath(target)
		tn, err := accessNode(parts[0], parts[1:], target)
		if err != nil {
			err.(*ParseError).Path = joinRel(path, "target")
			return nil, err
		}
		f, ok := tn.(*Field)
		if !ok {
			return nil, p.fail(joinRel(path, "target"), target, "assignment target must be a field")
		}
		p.record(f, joinRel(path, "target"), "")
		val, err := p.child(m, "value", path)
		if err != nil {
			return nil, err
		}
		return p.record(&Assign{Target: f, Value: val}, path, ""), nil
	}
	return nil, p.fail(joinRel(path, "type"), typ, "unknown expression type")
}

func (p *mapParser) list(m map[string]any, key, path string) ([]Node, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, p.fail(joinRel(path, key), fmt.Sprint(raw), "%q must be a list", key)
	}
	var out []Node
	for i, it := range items {
		n, err := p.parse(it, indexRel(joinRel(path, key), i))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// literalOf converts a decoded scalar into a Literal. Integral Go numbers
// become int, floating ones float; json.Number keeps its spelling.
func literalOf(v any) (*Literal, error) {
	switch x := v.(type) {
	case nil:
		return &Literal{Type: LitNull}, nil
	case bool:
		return &Literal{Type: LitBool, Value: x}, nil
	case string:
		return &Literal{Type: LitString, Value: x}, nil
	case int:
		return &Literal{Type: LitInt, Value: int64(x)}, nil
	case int8:
		return &Literal{Type: LitInt, Value: int64(x)}, nil
	case int16:
		return &Literal{Type: LitInt, Value: int64(x)}, nil
	case int32:
		return &Literal{Type: LitInt, Value: int64(x)}, nil
	case int64:
		return &Literal{Type: LitInt, Value: x}, nil
	case uint:
		return &Literal{Type: LitInt, Value: int64(x)}, nil
	case uint8:
		return &Literal{Type: LitInt, Value: int64(x)}, nil
	case uint16:
		return &Literal{Type: LitInt, Value: int64(x)}, nil
	case uint32:
		return &Literal{Type: LitInt, Value: int64(x)}, nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("integer literal out of range")
		}
		return &Literal{Type: LitInt, Value: int64(x)}, nil
	case float32:
		return &Literal{Type: LitFloat, Value: float64(x)}, nil
	case float64:
		return &Literal{Type: LitFloat, Value: x}, nil
	case json.Number:
		n, err := numberLiteral(x.String())
		if err != nil {
			return nil, err
		}
		return n.(*Literal), nil
	}
	return nil, fmt.Errorf("unsupported literal of type %T", v)
}

// describe renders a mapping's keys for error fragments.
func describe(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return "{" + strings.Join(keys, ", ") + "}"
}
