package semantic

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshval/internal/diag"
	"meshval/internal/expr"
	"meshval/internal/spec"
)

func fixture() map[string]any {
	return map[string]any{
		"entities": map[string]any{
			"Order": map[string]any{"fields": map[string]any{
				"total":     map[string]any{"type": "float", "required": true},
				"qty":       map[string]any{"type": "int"},
				"status":    map[string]any{"type": "enum", "values": []any{"PENDING", "PAID"}},
				"customer":  map[string]any{"type": "ref", "ref": "Customer"},
				"placed_at": map[string]any{"type": "datetime"},
			}},
			"Customer":  map[string]any{"fields": map[string]any{"tier": map[string]any{"type": "string"}}},
			"OrderItem": map[string]any{"fields": map[string]any{"price": map[string]any{"type": "float"}, "qty": map[string]any{"type": "int"}}},
		},
		"commands": map[string]any{
			"Pay": map[string]any{"entity": "Order", "input": map[string]any{"amount": map[string]any{"type": "float"}}},
		},
		"derived": map[string]any{
			"order_total": map[string]any{"entity": "Order", "type": "float", "formula": "sum(OrderItem.price)"},
		},
	}
}

const base = "commands.Pay.pre[0]"

func newContext(t *testing.T, doc map[string]any) *Context {
	t.Helper()
	s, rep := spec.Decode(doc)
	return NewContext(s, rep, nil, 0)
}

func payScope(ctx *Context) Scope {
	return CommandScope(ctx.Spec.Command("Pay"))
}

func analyze(t *testing.T, ctx *Context, src any) (*Analysis, []diag.Diagnostic) {
	t.Helper()
	e, err := expr.Parse(src, ctx.ParseOptions(true))
	require.NoError(t, err)
	a := ctx.Analyze(e, payScope(ctx))
	return a, a.Diagnostics(e, base)
}

func TestResolveAccesses(t *testing.T) {
	ctx := newContext(t, fixture())

	a, ds := analyze(t, ctx, "self.total")
	require.Empty(t, ds)
	assert.Equal(t, Float, a.Type)
	assert.Equal(t, []FieldRef{{"Order", "total"}}, a.Reads)

	a, ds = analyze(t, ctx, "Order.customer.tier")
	require.Empty(t, ds)
	assert.Equal(t, String, a.Type)
	assert.Equal(t, []FieldRef{{"Order", "customer"}, {"Customer", "tier"}}, a.Reads)

	a, ds = analyze(t, ctx, "input.amount")
	require.Empty(t, ds)
	assert.Equal(t, Float, a.Type)

	a, ds = analyze(t, ctx, "self.order_total")
	require.Empty(t, ds)
	assert.Equal(t, []string{"order_total"}, a.Derived)
}

func TestUnknownFieldSuggestsRename(t *testing.T) {
	ctx := newContext(t, fixture())

	_, ds := analyze(t, ctx, "self.totl > 0")
	require.Len(t, ds, 1)
	d := ds[0]
	assert.Equal(t, diag.CodeUnknownField, d.Code)
	assert.Equal(t, diag.Reference, d.Category)
	assert.Equal(t, base, d.Path)
	assert.Contains(t, d.ValidOptions, "total")
	require.True(t, d.AutoFixable)
	assert.Equal(t, diag.Patch{Op: diag.OpReplace, Path: "/commands/Pay/pre/0", Value: "self.total > 0"}, *d.FixPatch)

	_, ds = analyze(t, ctx, map[string]any{"type": "binary", "op": "gt",
		"left":  map[string]any{"type": "ref", "path": "Order.totl"},
		"right": map[string]any{"type": "literal", "value": 0}})
	require.Len(t, ds, 1)
	assert.Equal(t, base+".left", ds[0].Path)
	assert.Equal(t, diag.Patch{Op: diag.OpReplace, Path: "/commands/Pay/pre/0/left/path", Value: "Order.total"}, *ds[0].FixPatch)

	_, ds = analyze(t, ctx, "input.amout")
	require.Len(t, ds, 1)
	assert.Equal(t, diag.CodeUnknownInput, ds[0].Code)
	assert.Equal(t, "input.amount", ds[0].FixPatch.Value)

	_, ds = analyze(t, ctx, "Ordr.total")
	require.Len(t, ds, 1)
	assert.Equal(t, diag.CodeUnknownEntity, ds[0].Code)
}

func TestTypeRules(t *testing.T) {
	cases := []struct {
		src  string
		code string
		typ  Type
	}{
		{"self.qty + 1.5", "", Float},
		{"self.qty * 2", "", Int},
		{"self.qty / 2", "", Float},
		{"self.status + 1", diag.CodeArithmetic, Unknown},
		{"self.placed_at > 5", diag.CodeComparison, Bool},
		{"self.total == null", "", Bool},
		{"self.placed_at is null", "", Bool},
		{"self.total > 1 and self.total", diag.CodeLogical, Bool},
		{"not self.qty", diag.CodeLogical, Bool},
		{"date_diff(self.placed_at)", diag.CodeCallSignature, Int},
		{"date_diff(self.placed_at, today()) > 3", "", Bool},
		{"add_days(self.placed_at, 1.5)", diag.CodeCallSignature, Datetime},
		{"overlaps(self.placed_at, now(), self.placed_at, now())", "", Bool},
		{"sum(OrderItem.price where OrderItem.qty > 0)", "", Float},
		{"count(OrderItem where OrderItem.qty)", diag.CodeNotBoolean, Int},
		{"exists(OrderItem)", "", Bool},
		{"case when self.qty > 1 then 1 else 2.5 end", "", Float},
		{"case when self.qty then 1 end", diag.CodeNotBoolean, Int},
		{"if self.qty > 1 then 'a' else 2", diag.CodeValueType, Unknown},
		{"totl()", diag.CodeUnknownFunction, Unknown},
		{"order_total() * 2", "", Float},
		{"self.total = self.qty", "", Float},
		{"self.qty = self.total", diag.CodeValueType, Int},
	}
	for _, tc := range cases {
		t.Run(tc.src, func(t *testing.T) {
			ctx := newContext(t, fixture())
			e, err := expr.Parse(tc.src, ctx.ParseOptions(true))
			require.NoError(t, err)
			a := ctx.Analyze(e, payScope(ctx))
			ds := a.Diagnostics(e, base)
			if tc.code == "" {
				assert.Empty(t, ds)
			} else {
				require.NotEmpty(t, ds)
				assert.Equal(t, tc.code, ds[0].Code)
			}
			assert.Equal(t, tc.typ, a.Type)
		})
	}
}

func TestEnumLiteralFix(t *testing.T) {
	ctx := newContext(t, fixture())
	_, ds := analyze(t, ctx, "self.status == 'paid'")
	require.Len(t, ds, 1)
	assert.Equal(t, diag.CodeEnumMismatch, ds[0].Code)
	assert.Equal(t, "self.status == 'PAID'", ds[0].FixPatch.Value)

	_, ds = analyze(t, ctx, map[string]any{"type": "binary", "op": "eq",
		"left":  map[string]any{"type": "self", "field": "status"},
		"right": map[string]any{"type": "literal", "value": "paid"}})
	require.Len(t, ds, 1)
	assert.Equal(t, "/commands/Pay/pre/0/right/value", ds[0].FixPatch.Path)
	assert.Equal(t, "PAID", ds[0].FixPatch.Value)

	_, ds = analyze(t, ctx, "self.status == 'SHIPPED'")
	require.Len(t, ds, 1)
	assert.False(t, ds[0].AutoFixable)
}

func TestDepthBoundary(t *testing.T) {
	ctx := newContext(t, fixture())
	atLimit := strings.Repeat("not ", DefaultMaxDepth-1) + "true"
	e, err := expr.Parse(atLimit, ctx.ParseOptions(false))
	require.NoError(t, err)
	require.Equal(t, DefaultMaxDepth, expr.Depth(e.Root))
	a := ctx.Analyze(e, payScope(ctx))
	assert.Empty(t, a.Diagnostics(e, base))
	assert.Equal(t, Bool, a.Type)

	over := strings.Repeat("not ", DefaultMaxDepth) + "true"
	e, err = expr.Parse(over, ctx.ParseOptions(false))
	require.NoError(t, err)
	ds := ctx.Analyze(e, payScope(ctx)).Diagnostics(e, base)
	require.Len(t, ds, 1)
	assert.Equal(t, diag.CodeDepthExceeded, ds[0].Code)
	assert.Equal(t, diag.Logic, ds[0].Category)
}

func TestCacheSharesAcrossForms(t *testing.T) {
	ctx := newContext(t, fixture())
	_, _ = analyze(t, ctx, "self.total > 0")
	before := ctx.Cache.Stats()
	_, _ = analyze(t, ctx, map[string]any{"type": "binary", "op": ">",
		"left":  map[string]any{"type": "self", "field": "total"},
		"right": map[string]any{"type": "literal", "value": 0}})
	after := ctx.Cache.Stats()
	assert.Equal(t, before.Hits+1, after.Hits)
	assert.Equal(t, before.Expressions, after.Expressions)

	ctx.Cache.Begin("other", ctx.MaxDepth)
	assert.Zero(t, ctx.Cache.Stats().Expressions)
}

func TestScopeRules(t *testing.T) {
	ctx := newContext(t, fixture())
	e, err := expr.Parse("self.total > input.amount", ctx.ParseOptions(false))
	require.NoError(t, err)
	ds := ctx.Analyze(e, Scope{ID: "policy:P"}).Diagnostics(e, "policies.P.rule")
	assert.Equal(t, []string{diag.CodeSelfOutOfScope, diag.CodeUnknownInput}, diag.Codes(ds))
}

func TestDisqualifiedEntitiesSuppressReferences(t *testing.T) {
	doc := fixture()
	doc["entities"] = []any{"not", "a", "mapping"}
	ctx := newContext(t, doc)
	require.True(t, ctx.Report.Disqualified[spec.SecEntities])
	e, err := expr.Parse("self.whatever > Order.nothing", ctx.ParseOptions(false))
	require.NoError(t, err)
	assert.Empty(t, ctx.Analyze(e, Scope{ID: "x", Subject: "Order"}).Diagnostics(e, base))
}
