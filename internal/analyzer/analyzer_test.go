package analyzer

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshval/internal/depgraph"
	"meshval/internal/diag"
	"meshval/internal/semantic"
)

func minimal() map[string]any {
	return map[string]any{
		"entities": map[string]any{
			"Task": map[string]any{"fields": map[string]any{
				"title": map[string]any{"type": "string", "required": true},
			}},
		},
		"commands": map[string]any{
			"Rename": map[string]any{
				"entity": "Task",
				"input":  map[string]any{"title": map[string]any{"type": "string"}},
				"pre":    []any{"self.title != input.title"},
				"post":   []any{map[string]any{"update": "Task", "set": map[string]any{"title": "input.title"}}},
			},
		},
		"scenarios": map[string]any{
			"renames": map[string]any{
				"when": map[string]any{"call": "Rename", "input": map[string]any{"title": "new"}},
				"then": map[string]any{"success": true, "assert": []any{"self.title == input.title"}},
			},
		},
	}
}

func codes(ds []diag.Diagnostic) []string { return diag.Codes(ds) }

func withCode(ds []diag.Diagnostic, code string) []diag.Diagnostic {
	var out []diag.Diagnostic
	for _, d := range ds {
		if d.Code == code {
			out = append(out, d)
		}
	}
	return out
}

func TestMinimalSpecIsValid(t *testing.T) {
	res, err := Analyzer{}.Validate(minimal())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.Warnings)
	assert.NotNil(t, res.FixPatches)
}

func TestMissingSectionDoesNotCascade(t *testing.T) {
	doc := minimal()
	delete(doc, "commands")
	doc["requirements"] = map[string]any{"R": map[string]any{"commands": []any{"Rename"}}}

	res, err := Analyzer{}.Validate(doc)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, diag.CodeMissingSection, res.Errors[0].Code)
	assert.Equal(t, "commands", res.Errors[0].Path)
	assert.Equal(t, diag.Schema, res.Errors[0].Category)
	assert.Contains(t, res.Errors[0].Message, "commands")
}

func TestNotMapping(t *testing.T) {
	_, err := Analyzer{}.Validate([]any{"entities"})
	assert.ErrorIs(t, err, ErrNotMapping)
}

func messy() map[string]any {
	doc := minimal()
	cmds := doc["commands"].(map[string]any)
	cmds["Close"] = map[string]any{
		"entity": "Task",
		"pre":    []any{"self.titel == 'x'", "self.title + 1 > 2", "self.title and"},
		"errors": []any{map[string]any{"code": "GONE", "when": "self.title"}},
	}
	doc["sagas"] = map[string]any{
		"Flow": map[string]any{
			"onFailure": "retry",
			"steps": []any{
				map[string]any{"name": "a", "forward": "Rename", "dependsOn": []any{"b"}},
				map[string]any{"name": "b", "forward": "Close"},
			},
		},
	}
	return doc
}

func TestDeterministicAndCached(t *testing.T) {
	cache := semantic.NewCache()
	an := Analyzer{Cache: cache}

	first, err := an.Validate(messy())
	require.NoError(t, err)
	second, err := an.Validate(messy())
	require.NoError(t, err)

	a, err := json.Marshal(first.Result)
	require.NoError(t, err)
	b, err := json.Marshal(second.Result)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, first.Fingerprint, second.Fingerprint)

	assert.Positive(t, second.Stats.Hits)
	assert.Zero(t, second.Stats.Misses)
}

func TestResolutionFindings(t *testing.T) {
	res, err := Analyzer{}.Validate(messy())
	require.NoError(t, err)
	assert.False(t, res.Valid)

	field := withCode(res.Errors, diag.CodeUnknownField)
	require.Len(t, field, 1)
	assert.Equal(t, "commands.Close.pre[0]", field[0].Path)
	require.NotNil(t, field[0].FixPatch)
	assert.Equal(t, "self.title == 'x'", field[0].FixPatch.Value)
	assert.Contains(t, res.FixPatches, *field[0].FixPatch)

	assert.Len(t, withCode(res.Errors, diag.CodeArithmetic), 1)

	parse := withCode(res.Errors, diag.CodeParse)
	require.Len(t, parse, 1)
	assert.Equal(t, "commands.Close.pre[2]", parse[0].Path)

	notBool := withCode(res.Errors, diag.CodeNotBoolean)
	require.Len(t, notBool, 1)
	assert.Equal(t, "commands.Close.errors[0].when", notBool[0].Path)
}

func TestSagaFindings(t *testing.T) {
	res, err := Analyzer{}.Validate(messy())
	require.NoError(t, err)

	deps := withCode(res.Errors, diag.CodeSagaDependsOn)
	require.Len(t, deps, 1)
	assert.Equal(t, "sagas.Flow.steps[0].dependsOn", deps[0].Path)
	assert.Equal(t, diag.Reference, deps[0].Category)

	var constraint []diag.Diagnostic
	for _, d := range res.Errors {
		if d.Category == diag.Constraint && strings.HasPrefix(d.Code, "SAGA") {
			constraint = append(constraint, d)
		}
	}
	require.Len(t, constraint, 1)
	assert.Equal(t, diag.CodeSagaOnFailure, constraint[0].Code)
	assert.Equal(t, []string{"compensate_all", "compensate_completed", "fail_fast", "continue"}, constraint[0].ValidOptions)

	// Rename has side effects and no compensation.
	assert.Equal(t, []string{diag.CodeSagaNoCompensation}, codes(res.Warnings))
}

func impactDoc() map[string]any {
	return map[string]any{
		"entities": map[string]any{
			"Account": map[string]any{"fields": map[string]any{
				"A":   map[string]any{"type": "float"},
				"fee": map[string]any{"type": "float"},
			}},
		},
		"derived": map[string]any{
			"D1": map[string]any{"entity": "Account", "type": "float", "formula": "self.A * 2"},
		},
		"commands": map[string]any{
			"F": map[string]any{
				"entity": "Account",
				"pre":    []any{"D1() > 0"},
				"post":   []any{map[string]any{"update": "Account", "set": map[string]any{"fee": "self.A / 10"}}},
			},
		},
	}
}

func TestImpactOrder(t *testing.T) {
	res, err := Analyzer{}.Validate(impactDoc())
	require.NoError(t, err)
	require.True(t, res.Valid, "%v", res.Errors)

	got, err := res.Graph.ImpactedBy("Account.A")
	require.NoError(t, err)
	var names []string
	for _, n := range got {
		names = append(names, n.Name)
	}
	assert.Equal(t, []string{"D1", "F"}, names)

	w, err := res.Graph.Writers("Account.fee")
	require.NoError(t, err)
	require.Len(t, w, 1)
	assert.Equal(t, depgraph.FunctionID("F"), w[0].ID)
}

func TestDerivedCycle(t *testing.T) {
	doc := impactDoc()
	doc["derived"] = map[string]any{
		"D1": map[string]any{"entity": "Account", "type": "float", "formula": "D2() + 1"},
		"D2": map[string]any{"entity": "Account", "type": "float", "formula": map[string]any{
			"type": "binary", "op": "+",
			"left":  map[string]any{"type": "call", "name": "D1"},
			"right": map[string]any{"type": "literal", "value": 1},
		}},
	}
	res, err := Analyzer{}.Validate(doc)
	require.NoError(t, err)
	assert.False(t, res.Valid)

	cyc := withCode(res.Errors, diag.CodeDerivedCycle)
	require.Len(t, cyc, 1)
	assert.Equal(t, diag.Critical, cyc[0].Severity)
	assert.Equal(t, diag.Constraint, cyc[0].Category)
	assert.Contains(t, cyc[0].Message, "D1")
	assert.Contains(t, cyc[0].Message, "D2")
}

func TestDepthBoundary(t *testing.T) {
	doc := impactDoc()
	pre := doc["commands"].(map[string]any)["F"].(map[string]any)
	pre["pre"] = []any{strings.Repeat("not ", semantic.DefaultMaxDepth-1) + "true"}
	res, err := Analyzer{}.Validate(doc)
	require.NoError(t, err)
	assert.True(t, res.Valid, "%v", res.Errors)

	pre["pre"] = []any{strings.Repeat("not ", semantic.DefaultMaxDepth) + "true"}
	res, err = Analyzer{}.Validate(doc)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, diag.CodeDepthExceeded, res.Errors[0].Code)
	assert.Equal(t, diag.Logic, res.Errors[0].Category)

	res, err = Analyzer{MaxDepth: 60}.Validate(doc)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestStrictAndPresets(t *testing.T) {
	doc := minimal()
	doc["extras"] = map[string]any{}
	doc["entities"].(map[string]any)["Task"].(map[string]any)["fields"].(map[string]any)["iban"] =
		map[string]any{"type": "string", "preset": "iban"}

	res, err := Analyzer{}.Validate(doc)
	require.NoError(t, err)
	assert.Equal(t, []string{diag.CodeUnknownPreset}, codes(res.Errors))
	assert.Equal(t, []string{diag.CodeUnknownSection}, codes(res.Warnings))

	res, err = Analyzer{Presets: []string{"iban"}}.Validate(doc)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	res, err = Analyzer{Presets: []string{"iban"}, Strict: true}.Validate(doc)
	require.NoError(t, err)
	assert.False(t, res.Valid)
}

func TestNonFiniteLiteralsKeepReferenceFindings(t *testing.T) {
	compare := func(field string, v float64) map[string]any {
		return map[string]any{"type": "binary", "op": "==",
			"left":  map[string]any{"type": "self", "field": field},
			"right": map[string]any{"type": "literal", "value": v}}
	}
	doc := impactDoc()
	doc["commands"].(map[string]any)["F"].(map[string]any)["pre"] = []any{
		compare("A", math.NaN()),
		compare("nope", math.Inf(1)),
	}
	res, err := Analyzer{}.Validate(doc)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	unknown := withCode(res.Errors, diag.CodeUnknownField)
	require.Len(t, unknown, 1)
	assert.True(t, strings.HasPrefix(unknown[0].Path, "commands.F.pre[1]"), unknown[0].Path)
}

func TestSharedCacheHonorsDepthBound(t *testing.T) {
	doc := impactDoc()
	doc["commands"].(map[string]any)["F"].(map[string]any)["pre"] = []any{strings.Repeat("not ", 29) + "true"}
	cache := semantic.NewCache()

	res, err := Analyzer{MaxDepth: 50, Cache: cache}.Validate(doc)
	require.NoError(t, err)
	require.True(t, res.Valid, "%v", res.Errors)

	res, err = Analyzer{MaxDepth: 10, Cache: cache}.Validate(doc)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, []string{diag.CodeDepthExceeded}, codes(res.Errors))
}

func TestImpactReachesMachinesSagasAndScenarios(t *testing.T) {
	doc := minimal()
	doc["entities"].(map[string]any)["Task"].(map[string]any)["fields"].(map[string]any)["status"] =
		map[string]any{"type": "enum", "values": []any{"OPEN", "DONE"}}
	doc["commands"].(map[string]any)["Finish"] = map[string]any{
		"entity": "Task",
		"post":   []any{map[string]any{"update": "Task", "set": map[string]any{"status": "'DONE'"}}},
	}
	doc["stateMachines"] = map[string]any{
		"Lifecycle": map[string]any{
			"entity":  "Task",
			"field":   "status",
			"initial": "OPEN",
			"states":  map[string]any{"OPEN": nil, "DONE": map[string]any{"final": true}},
			"transitions": []any{
				map[string]any{"from": "OPEN", "to": "DONE", "trigger": "Finish"},
			},
		},
	}
	doc["sagas"] = map[string]any{
		"Flow": map[string]any{
			"steps": []any{map[string]any{"name": "a", "forward": "Rename", "compensate": "Rename"}},
		},
	}
	res, err := Analyzer{}.Validate(doc)
	require.NoError(t, err)

	got, err := res.Graph.ImpactedBy("Task.title")
	require.NoError(t, err)
	var ids []string
	for _, n := range got {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"function:Rename", "saga:Flow", "scenario:renames"}, ids)
	assert.Equal(t, map[depgraph.Kind][]string{
		depgraph.KindFunction: {"Rename"},
		depgraph.KindSaga:     {"Flow"},
		depgraph.KindScenario: {"renames"},
	}, depgraph.GroupByKind(got))

	got, err = res.Graph.ImpactedBy("Finish")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, depgraph.MachineID("Lifecycle"), got[0].ID)

	n, err := res.Graph.Lookup("Lifecycle")
	require.NoError(t, err)
	assert.Equal(t, depgraph.KindStateMachine, n.Kind)
}
