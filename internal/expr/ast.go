// Package expr holds the expression AST shared by every validation phase and
// the parsers for both accepted surface forms: the string mini-language and
// the structured nested-map form. Equivalent inputs in either form produce
// structurally equal trees.
package expr

// Kind tags a Node variant.
type Kind string

const (
	KindLiteral Kind = "literal"
	KindField   Kind = "field"
	KindInput   Kind = "input"
	KindBinary  Kind = "binary"
	KindUnary   Kind = "unary"
	KindCall    Kind = "call"
	KindCase    Kind = "case"
	KindAssign  Kind = "assign"
)

// Node is the closed set of expression variants. Only types in this
// package implement it.
type Node interface {
	Kind() Kind
	node()
}

// LitType is the runtime type of a literal value.
type LitType string

const (
	LitInt    LitType = "int"
	LitFloat  LitType = "float"
	LitString LitType = "string"
	LitBool   LitType = "bool"
	LitNull   LitType = "null"
)

// Literal values are int64, float64, string, bool, or nil.
type Literal struct {
	Type  LitType
	Value any
}

// Field is `self.f`, `Entity.f`, or a relation chain `Entity.rel.f`.
type Field struct {
	Root string
	Path []string
}

// SelfRoot is the Root of an access to the enclosing subject entity.
const SelfRoot = "self"

// Input is `input.name`.
type Input struct {
	Name string
}

type Binary struct {
	Op    string
	Left  Node
	Right Node
}

// Unary ops: not, neg, is_null, is_not_null.
type Unary struct {
	Op      string
	Operand Node
}

// Call is a function call. Aggregations carry the Target entity they range
// over and an optional Where filter; other calls leave both empty.
type Call struct {
	Func   string
	Target string
	Args   []Node
	Where  Node
}

type Branch struct {
	When Node
	Then Node
}

// Case is `case when c then v ... else v end`. `if c then a else b` is the
// single-branch form. Else may be nil.
type Case struct {
	Branches []Branch
	Else     Node
}

// Assign is `target = value`, valid only in post actions.
type Assign struct {
	Target *Field
	Value  Node
}

func (*Literal) Kind() Kind { return KindLiteral }
func (*Field) Kind() Kind   { return KindField }
func (*Input) Kind() Kind   { return KindInput }
func (*Binary) Kind() Kind  { return KindBinary }
func (*Unary) Kind() Kind   { return KindUnary }
func (*Call) Kind() Kind    { return KindCall }
func (*Case) Kind() Kind    { return KindCase }
func (*Assign) Kind() Kind  { return KindAssign }

func (*Literal) node() {}
func (*Field) node()   {}
func (*Input) node()   {}
func (*Binary) node()  {}
func (*Unary) node()   {}
func (*Call) node()    {}
func (*Case) node()    {}
func (*Assign) node()  {}

// Operators.
const (
	OpAdd = "+"
	OpSub = "-"
	OpMul = "*"
	OpDiv = "/"
	OpMod = "%"
	OpEq  = "=="
	OpNe  = "!="
	OpLt  = "<"
	OpLe  = "<="
	OpGt  = ">"
	OpGe  = ">="
	OpAnd = "and"
	OpOr  = "or"

	OpNot       = "not"
	OpNeg       = "neg"
	OpIsNull    = "is_null"
	OpIsNotNull = "is_not_null"
)

// IsArithmetic reports whether op is + - * / %.
func IsArithmetic(op string) bool {
	switch op {
	case OpAdd, OpSub, OpMul, OpDiv, OpMod:
		return true
	}
	return false
}

// IsComparison reports whether op is one of == != < <= > >=.
func IsComparison(op string) bool {
	switch op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		return true
	}
	return false
}

func IsLogical(op string) bool {
	return op == OpAnd || op == OpOr
}

// Aggregations range over a Target entity.
var aggregations = map[string]bool{
	"sum": true, "count": true, "exists": true, "avg": true, "min": true, "max": true,
}

// IsAggregation reports whether name is an aggregation function.
func IsAggregation(name string) bool {
	return aggregations[name]
}

// Text renders an access path the way it is written in the string form.
func (f *Field) Text() string {
	s := f.Root
	for _, p := range f.Path {
		s += "." + p
	}
	return s
}

func (i *Input) Text() string {
	return "input." + i.Name
}

// newAggregate derives an omitted Target from the root of a field argument,
// so `sum(Item.price)` and `{agg: sum, expr: Item.price}` agree.
func newAggregate(fn, target string, args []Node, where Node) *Call {
	if target == "" && len(args) > 0 {
		if f, ok := args[0].(*Field); ok && f.Root != SelfRoot {
			target = f.Root
		}
	}
	if len(args) == 0 {
		args = nil
	}
	return &Call{Func: fn, Target: target, Args: args, Where: where}
}

// negate folds a minus sign into numeric literals so `-5` and a literal -5
// produce the same tree.
func negate(n Node) Node {
	if lit, ok := n.(*Literal); ok {
		switch v := lit.Value.(type) {
		case int64:
			return &Literal{Type: LitInt, Value: -v}
		case float64:
			return &Literal{Type: LitFloat, Value: -v}
		}
	}
	return &Unary{Op: OpNeg, Operand: n}
}
