package expr

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSurfaceFormsAgree(t *testing.T) {
	cases := []struct {
		name string
		str  string
		m    map[string]any
	}{
		{
			name: "comparison",
			str:  "self.total > 100",
			m: map[string]any{"type": "binary", "op": "gt",
				"left":  map[string]any{"type": "self", "field": "total"},
				"right": map[string]any{"type": "literal", "value": 100}},
		},
		{
			name: "arithmetic precedence",
			str:  "input.qty * 2 + 1",
			m: map[string]any{"type": "binary", "op": "add",
				"left": map[string]any{"type": "binary", "op": "mul",
					"left":  map[string]any{"type": "input", "name": "qty"},
					"right": map[string]any{"type": "literal", "value": 2}},
				"right": map[string]any{"type": "literal", "value": 1}},
		},
		{
			name: "negated equality",
			str:  "not (Order.status == 'paid')",
			m: map[string]any{"type": "unary", "op": "not",
				"expr": map[string]any{"type": "binary", "op": "==",
					"left":  map[string]any{"type": "ref", "path": "Order.status"},
					"right": map[string]any{"type": "literal", "value": "paid"}}},
		},
		{
			name: "sum with filter",
			str:  "sum(OrderItem.price where OrderItem.qty > 0)",
			m: map[string]any{"type": "agg", "op": "sum", "from": "OrderItem",
				"expr": map[string]any{"type": "ref", "path": "OrderItem.price"},
				"where": map[string]any{"type": "binary", "op": "gt",
					"left":  map[string]any{"type": "ref", "path": "OrderItem.qty"},
					"right": map[string]any{"type": "literal", "value": 0}}},
		},
		{
			name: "count target",
			str:  "count(OrderItem)",
			m:    map[string]any{"type": "agg", "op": "count", "from": "OrderItem"},
		},
		{
			name: "if sugar",
			str:  "if self.vip then 0.1 else 0.0",
			m: map[string]any{"type": "case",
				"branches": []any{map[string]any{
					"when": map[string]any{"type": "self", "field": "vip"},
					"then": map[string]any{"type": "literal", "value": 0.1}}},
				"else": map[string]any{"type": "literal", "value": 0.0}},
		},
		{
			name: "date helpers",
			str:  "date_diff(self.ends_at, today())",
			m: map[string]any{"type": "date", "op": "diff", "args": []any{
				map[string]any{"type": "self", "field": "ends_at"},
				map[string]any{"type": "date", "op": "today"}}},
		},
		{
			name: "negative literal",
			str:  "-5",
			m:    map[string]any{"type": "literal", "value": -5},
		},
		{
			name: "is null",
			str:  "self.deleted_at is null",
			m: map[string]any{"type": "unary", "op": "is_null",
				"expr": map[string]any{"type": "self", "field": "deleted_at"}},
		},
		{
			name: "relation chain",
			str:  "Order.customer.tier == 'gold'",
			m: map[string]any{"type": "binary", "op": "eq",
				"left":  map[string]any{"type": "ref", "path": "Order.customer.tier"},
				"right": map[string]any{"type": "literal", "value": "gold"}},
		},
		{
			name: "assignment",
			str:  "self.status = 'paid'",
			m: map[string]any{"type": "assign", "target": "self.status",
				"value": map[string]any{"type": "literal", "value": "paid"}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := ParseString(tc.str, Options{AllowAssign: true})
			require.NoError(t, err)
			m, err := ParseMap(tc.m, Options{AllowAssign: true})
			require.NoError(t, err)
			assert.Equal(t, s.Root, m.Root)
			assert.Equal(t, Encode(s.Root), Encode(m.Root))
		})
	}
}

func TestParseStringShapes(t *testing.T) {
	n := MustParse("self.a + 2 * 3 > 4 and not self.b or self.c")
	or, ok := n.(*Binary)
	require.True(t, ok)
	assert.Equal(t, OpOr, or.Op)
	and, ok := or.Left.(*Binary)
	require.True(t, ok)
	assert.Equal(t, OpAnd, and.Op)
	cmp := and.Left.(*Binary)
	assert.Equal(t, OpGt, cmp.Op)
	add := cmp.Left.(*Binary)
	assert.Equal(t, OpAdd, add.Op)
	assert.Equal(t, OpMul, add.Right.(*Binary).Op)
	assert.Equal(t, &Unary{Op: OpNot, Operand: &Field{Root: SelfRoot, Path: []string{"b"}}}, and.Right)

	c := MustParse("case when self.n > 10 then 'big' when self.n > 1 then 'some' else 'none' end").(*Case)
	assert.Len(t, c.Branches, 2)
	assert.Equal(t, &Literal{Type: LitString, Value: "none"}, c.Else)

	call := MustParse("exists(Payment where Payment.amount >= 1.5)").(*Call)
	assert.Equal(t, "Payment", call.Target)
	assert.Nil(t, call.Args)
	assert.NotNil(t, call.Where)
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		src  string
		frag string
	}{
		{"self.total >> 3", ">>"},
		{"(self.total > 1", ""},
		{"self.total > 1)", ")"},
		{"total > 1", "total"},
		{"self.total = 1", "="},
		{"self.a & self.b", "&"},
		{"self.a +", ""},
		{"'open", "'open"},
		{"input.a.b", "input.a.b"},
		{"", ""},
	}
	for _, tc := range cases {
		t.Run(tc.src, func(t *testing.T) {
			_, err := ParseString(tc.src, Options{})
			require.Error(t, err)
			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			if tc.frag != "" {
				assert.Equal(t, tc.frag, pe.Fragment)
			}
		})
	}
}

func TestParseMapErrors(t *testing.T) {
	_, err := ParseMap(map[string]any{"type": "bogus"}, Options{})
	require.Error(t, err)
	assert.Equal(t, ".type", err.(*ParseError).Path)

	_, err = ParseMap(map[string]any{"op": "add"}, Options{})
	require.Error(t, err)

	_, err = ParseMap(map[string]any{"type": "binary", "op": "add",
		"left": map[string]any{"type": "literal", "value": 1}}, Options{})
	require.Error(t, err)
	assert.Equal(t, ".right", err.(*ParseError).Path)

	_, err = ParseMap(map[string]any{"type": "binary", "op": "xor",
		"left": 1, "right": 2}, Options{})
	require.Error(t, err)
	assert.Equal(t, "xor", err.(*ParseError).Fragment)
}

func TestMapOrigins(t *testing.T) {
	e, err := ParseMap(map[string]any{"type": "binary", "op": "and",
		"left":  map[string]any{"type": "ref", "path": "Order.total"},
		"right": "self.open"}, Options{})
	require.NoError(t, err)
	b := e.Root.(*Binary)
	assert.Equal(t, Origin{Path: ".left", Leaf: "path"}, e.Origin(b.Left))
	assert.Equal(t, Origin{Path: ".right"}, e.Origin(b.Right))
	assert.False(t, e.IsString())
}

func TestDepth(t *testing.T) {
	assert.Equal(t, 1, Depth(MustParse("true")))
	assert.Equal(t, 3, Depth(MustParse("not not true")))
	assert.Equal(t, 3, Depth(MustParse("self.a + self.b * 2")))
}

func TestNestingCap(t *testing.T) {
	src := strings.Repeat("(", 30) + "1" + strings.Repeat(")", 30)
	_, err := ParseString(src, Options{MaxNesting: 10})
	require.Error(t, err)
	_, err = ParseString(src, Options{MaxNesting: 100})
	require.NoError(t, err)

	chain := "1" + strings.Repeat(" + 1", 50)
	_, err = ParseString(chain, Options{MaxNesting: 20})
	require.Error(t, err)
}

func TestFormat(t *testing.T) {
	for _, src := range []string{
		"self.a + 2 * 3 > 4",
		"sum(Item.price where Item.qty > 0)",
		"count(Item)",
		"case when self.n > 1 then \"a\" else \"b\" end",
	} {
		n := MustParse(src)
		assert.Equal(t, n, MustParse(Format(n)), src)
	}
}

func TestKeyDistinguishesNonFiniteFloats(t *testing.T) {
	keys := map[string]bool{}
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), 1.5} {
		n := MustParse(map[string]any{"type": "binary", "op": "==",
			"left":  map[string]any{"type": "self", "field": "x"},
			"right": map[string]any{"type": "literal", "value": v}})
		k := Key(n)
		require.NotEmpty(t, k, "%v", v)
		keys[k] = true
	}
	assert.Len(t, keys, 4)
	assert.Equal(t, Key(MustParse(math.NaN())), Key(MustParse(math.NaN())))
}
