package depgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshval/internal/diag"
	"meshval/internal/semantic"
	"meshval/internal/spec"
)

func decode(t *testing.T, derived map[string]any) *spec.Spec {
	t.Helper()
	doc := map[string]any{
		"entities": map[string]any{
			"Account": map[string]any{"fields": map[string]any{
				"a":       map[string]any{"type": "float"},
				"b":       map[string]any{"type": "float"},
				"balance": map[string]any{"type": "float"},
			}},
		},
		"commands": map[string]any{
			"F":    map[string]any{"entity": "Account"},
			"Open": map[string]any{"entity": "Account"},
		},
		"derived": derived,
	}
	s, rep := spec.Decode(doc)
	require.Empty(t, rep.Diagnostics)
	return s
}

func ids(ns []*Node) []string {
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = n.ID
	}
	return out
}

func fieldRef(f string) semantic.FieldRef { return semantic.FieldRef{Entity: "Account", Field: f} }

func TestImpactedByOrder(t *testing.T) {
	s := decode(t, map[string]any{
		"D1": map[string]any{"entity": "Account", "formula": "self.a * 2"},
		"D0": map[string]any{"entity": "Account", "formula": "D1() + self.b"},
	})
	g := Build(s, Uses{
		Derived: map[string]Usage{
			"D1": {Reads: []semantic.FieldRef{fieldRef("a")}},
			"D0": {Reads: []semantic.FieldRef{fieldRef("b")}, Derived: []string{"D1"}},
		},
		Functions: map[string]Usage{
			"F":    {Derived: []string{"D1"}, Writes: []semantic.FieldRef{fieldRef("balance")}},
			"Open": {Entities: []string{"Account"}},
		},
	})

	got, err := g.ImpactedBy("Account.a")
	require.NoError(t, err)
	// D0 is declared before D1 but depends on it.
	assert.Equal(t, []string{"derived:D1", "derived:D0", "function:F"}, ids(got))

	got, err = g.ImpactedBy("field:Account.b")
	require.NoError(t, err)
	assert.Equal(t, []string{"derived:D0"}, ids(got))

	got, err = g.ImpactedBy("Account.balance")
	require.NoError(t, err)
	assert.Empty(t, got, "writes do not propagate impact")
}

func TestImpactedByLayersByDepth(t *testing.T) {
	s := decode(t, map[string]any{
		"D0": map[string]any{"entity": "Account", "formula": "D1() * 2"},
		"D1": map[string]any{"entity": "Account", "formula": "self.a"},
	})
	g := Build(s, Uses{
		Derived: map[string]Usage{
			"D0": {Derived: []string{"D1"}},
			"D1": {Reads: []semantic.FieldRef{fieldRef("a")}},
		},
		Functions: map[string]Usage{"F": {Reads: []semantic.FieldRef{fieldRef("a")}}},
	})
	got, err := g.ImpactedBy("Account.a")
	require.NoError(t, err)
	// F reads the field directly; D0 sits one level further out.
	assert.Equal(t, []string{"derived:D1", "function:F", "derived:D0"}, ids(got))
}

func TestImpactedByMinimal(t *testing.T) {
	s := decode(t, map[string]any{"D1": map[string]any{"entity": "Account", "formula": "self.a"}})
	g := Build(s, Uses{
		Derived:   map[string]Usage{"D1": {Reads: []semantic.FieldRef{fieldRef("a")}}},
		Functions: map[string]Usage{"F": {Derived: []string{"D1"}}},
	})
	got, err := g.ImpactedBy("Account.a")
	require.NoError(t, err)
	assert.Equal(t, []string{"derived:D1", "function:F"}, ids(got))

	for i := 0; i < 5; i++ {
		again, err := g.ImpactedBy("Account.a")
		require.NoError(t, err)
		assert.Equal(t, ids(got), ids(again))
	}
}

func TestDependenciesAndWriters(t *testing.T) {
	s := decode(t, map[string]any{"D1": map[string]any{"entity": "Account", "formula": "self.a"}})
	g := Build(s, Uses{
		Derived: map[string]Usage{"D1": {Reads: []semantic.FieldRef{fieldRef("a")}}},
		Functions: map[string]Usage{
			"F":    {Derived: []string{"D1"}, Writes: []semantic.FieldRef{fieldRef("balance")}},
			"Open": {Entities: []string{"Account"}, Writes: []semantic.FieldRef{fieldRef("balance")}},
		},
	})

	deps, err := g.DependenciesOf("F")
	require.NoError(t, err)
	assert.Equal(t, []string{"field:Account.a", "derived:D1"}, ids(deps))

	w, err := g.Writers("Account.balance")
	require.NoError(t, err)
	assert.Equal(t, []string{"function:F", "function:Open"}, ids(w))

	w, err = g.Writers("Account")
	require.NoError(t, err)
	assert.Equal(t, []string{"function:Open"}, ids(w))

	_, err = g.ImpactedBy("Nope.x")
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestDerivedCycle(t *testing.T) {
	s := decode(t, map[string]any{
		"D1": map[string]any{"entity": "Account", "formula": "D2() + 1"},
		"D2": map[string]any{"entity": "Account", "formula": "D1() + 1"},
		"D3": map[string]any{"entity": "Account", "formula": "D3()"},
		"D4": map[string]any{"entity": "Account", "formula": "D1()"},
	})
	g := Build(s, Uses{Derived: map[string]Usage{
		"D1": {Derived: []string{"D2"}},
		"D2": {Derived: []string{"D1"}},
		"D3": {Derived: []string{"D3"}},
		"D4": {Derived: []string{"D1"}},
	}})

	cycles := g.Cycles()
	require.Len(t, cycles, 2)
	assert.Equal(t, []string{"derived:D1", "derived:D2"}, ids(cycles[0]))
	assert.Equal(t, []string{"derived:D3"}, ids(cycles[1]))

	ds := g.CycleDiagnostics()
	require.Len(t, ds, 2)
	assert.Equal(t, diag.CodeDerivedCycle, ds[0].Code)
	assert.Equal(t, diag.Critical, ds[0].Severity)
	assert.Equal(t, diag.Constraint, ds[0].Category)
	assert.Equal(t, "derived.D1.formula", ds[0].Path)
	assert.Equal(t, []string{"D1", "D2"}, ds[0].Actual)
	assert.Contains(t, ds[0].Message, "D1 -> D2 -> D1")

	got, err := g.ImpactedBy("D4")
	require.NoError(t, err)
	assert.Empty(t, got)
	got, err = g.ImpactedBy("D1")
	require.NoError(t, err)
	assert.Equal(t, []string{"derived:D2", "derived:D4"}, ids(got))
}

func TestLongChainTerminates(t *testing.T) {
	derived := map[string]any{}
	uses := map[string]Usage{}
	names := make([]string, 500)
	for i := range names {
		names[i] = "d" + string(rune('a'+i%26)) + string(rune('a'+i/26))
	}
	for i, n := range names {
		derived[n] = map[string]any{"entity": "Account", "formula": "self.a"}
		uses[n] = Usage{Derived: []string{names[(i+1)%len(names)]}}
	}
	g := Build(decode(t, derived), Uses{Derived: uses})
	cycles := g.Cycles()
	require.Len(t, cycles, 1)
	assert.Len(t, cycles[0], len(names))
}
