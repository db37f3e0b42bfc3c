package validators

import (
	"math"
	"regexp"
	"sort"

	"meshval/internal/diag"
	"meshval/internal/semantic"
	"meshval/internal/spec"
)

// Presets are the format tags a field may declare.
var Presets = []string{"email", "money", "percentage", "phone", "postal_code", "slug", "url", "uuid"}

// Misc covers cross-cutting checks no other validator owns: field
// constraints, dangling declarations, scenarios, requirements and names
// reused across namespaces.
type Misc struct {
	// ExtraPresets extends Presets.
	ExtraPresets []string
}

func (Misc) Name() string { return "misc" }

func (m Misc) Validate(s *spec.Spec, ctx *semantic.Context) []diag.Diagnostic {
	var out diag.Collector
	presets := append(append([]string(nil), Presets...), m.ExtraPresets...)
	sort.Strings(presets)
	if ctx.Report.Usable(spec.SecEntities) {
		for _, e := range s.Entities {
			for _, f := range e.Fields {
				checkField(s, ctx, f, presets, &out)
			}
		}
	}
	if ctx.Report.Usable(spec.SecCommands) {
		for _, c := range s.Commands {
			checkCommand(s, ctx, c, presets, &out)
		}
	}
	if ctx.Report.Usable(spec.SecDerived) {
		for _, d := range s.Derived {
			if dg, bad := unknownEntity(s, ctx, d.Entity, diag.Join(d.Path, "entity")); bad {
				out.Add(dg)
			}
		}
	}
	if ctx.Report.Usable(spec.SecScenarios) {
		for _, sc := range s.Scenarios {
			checkScenario(s, ctx, sc, &out)
		}
	}
	if ctx.Report.Usable(spec.SecRequirements) {
		for _, r := range s.Requirements {
			checkRequirement(s, ctx, r, &out)
		}
	}
	crossNamespace(s, ctx, &out)
	return out.Items()
}

func checkField(s *spec.Spec, ctx *semantic.Context, f *spec.Field, presets []string, out *diag.Collector) {
	stringy := f.Type == spec.TypeString || f.Type == spec.TypeText || f.Type == spec.TypeEnum
	if stringy && (f.Min != nil || f.Max != nil) {
		out.Add(diag.New(diag.Constraint, diag.Error, diag.CodeMinMaxOnString, f.Path,
			"field %s is %s; use minLength/maxLength instead of min/max", f.Name, f.Type).
			WithExpected("minLength/maxLength").WithActual("min/max"))
	}
	if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
		out.Add(diag.New(diag.Constraint, diag.Error, diag.CodeMinMax, f.Path,
			"field %s has min %v greater than max %v", f.Name, *f.Min, *f.Max).
			WithExpected("min <= max").WithActual([]float64{*f.Min, *f.Max}))
	}
	if f.MinLength != nil && f.MaxLength != nil && *f.MinLength > *f.MaxLength {
		out.Add(diag.New(diag.Constraint, diag.Error, diag.CodeLengthBounds, f.Path,
			"field %s has minLength %d greater than maxLength %d", f.Name, *f.MinLength, *f.MaxLength).
			WithExpected("minLength <= maxLength").WithActual([]int{*f.MinLength, *f.MaxLength}))
	}
	if f.Pattern != "" {
		if _, err := regexp.Compile(f.Pattern); err != nil {
			out.Add(diag.New(diag.Constraint, diag.Error, diag.CodeBadPattern, diag.Join(f.Path, "pattern"),
				"field %s has an invalid pattern: %v", f.Name, err).WithActual(f.Pattern))
		}
	}
	if f.Preset != "" && !contains(presets, f.Preset) {
		path := diag.Join(f.Path, "preset")
		d := diag.New(diag.Constraint, diag.Error, diag.CodeUnknownPreset, path,
			"field %s uses unknown preset %q", f.Name, f.Preset).WithActual(f.Preset).WithOptions(presets)
		if best, ok := diag.Best(f.Preset, presets); ok {
			d = d.WithFix(diag.Patch{Op: diag.OpReplace, Path: diag.Pointer(path), Value: best})
		}
		out.Add(d)
	}
	if f.Type == spec.TypeRef {
		if d, bad := unknownEntity(s, ctx, f.Ref, diag.Join(f.Path, "ref")); bad {
			out.Add(d)
		}
	}
	if f.HasDefault && f.Default != nil && !defaultFits(f) {
		out.Add(diag.New(diag.Type, diag.Error, diag.CodeValueType, diag.Join(f.Path, "default"),
			"default for %s does not match its type %s", f.Name, f.Type).
			WithExpected(string(f.Type)).WithActual(f.Default))
	}
}

func defaultFits(f *spec.Field) bool {
	switch f.Type {
	case spec.TypeInt:
		n, ok := number(f.Default)
		return ok && n == math.Trunc(n)
	case spec.TypeFloat:
		_, ok := number(f.Default)
		return ok
	case spec.TypeBool:
		_, ok := f.Default.(bool)
		return ok
	case spec.TypeString, spec.TypeText, spec.TypeDatetime:
		_, ok := f.Default.(string)
		return ok
	case spec.TypeEnum:
		v, ok := f.Default.(string)
		return ok && contains(f.Values, v)
	}
	return true
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case interface{ Float64() (float64, error) }:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

func checkCommand(s *spec.Spec, ctx *semantic.Context, c *spec.Command, presets []string, out *diag.Collector) {
	if d, bad := unknownEntity(s, ctx, c.Entity, diag.Join(c.Path, "entity")); bad {
		out.Add(d)
	}
	for _, in := range c.Inputs {
		checkField(s, ctx, in, presets, out)
	}
	codes := map[string]bool{}
	for _, ec := range c.Errors {
		if codes[ec.Code] {
			out.Add(diag.New(diag.Constraint, diag.Error, diag.CodeDuplicateName, diag.Join(ec.Path, "code"),
				"command %s declares error %q twice", c.Name, ec.Code).WithActual(ec.Code))
		}
		codes[ec.Code] = true
	}
	for _, pa := range c.Post {
		if pa.Kind == spec.ActionAssign {
			continue
		}
		if d, bad := unknownEntity(s, ctx, pa.Entity, pa.EntityPath); bad {
			out.Add(d)
			continue
		}
		e := s.Entity(pa.Entity)
		if e == nil {
			continue
		}
		set := map[string]bool{}
		for _, a := range pa.Set {
			set[a.Field] = true
			if e.Field(a.Field) == nil {
				out.Add(diag.New(diag.Reference, diag.Error, diag.CodeUnknownField, a.Value.Path,
					"%s has no field %q", e.Name, a.Field).WithActual(a.Field).WithOptions(diag.Nearest(a.Field, e.FieldNames())))
			}
		}
		if pa.Kind != spec.ActionCreate {
			continue
		}
		for _, f := range e.Fields {
			if !f.Required || f.HasDefault || set[f.Name] {
				continue
			}
			d := diag.New(diag.Constraint, diag.Error, diag.CodeMissingRequired, pa.Path,
				"create %s does not set required field %s", e.Name, f.Name).
				WithExpected(f.Name).WithActual(nil)
			if v, ok := placeholder(f); ok {
				if pa.HasSet {
					d = d.WithFix(diag.Patch{Op: diag.OpAdd, Path: diag.Pointer(diag.Join(pa.SetPath, f.Name)), Value: v})
				} else {
					d = d.WithFix(diag.Patch{Op: diag.OpAdd, Path: diag.Pointer(pa.SetPath), Value: map[string]any{f.Name: v}})
				}
			}
			out.Add(d)
		}
	}
}

// placeholder is the value inserted for a missing required field. Strings
// are written as expressions, so text gets quoted.
func placeholder(f *spec.Field) (any, bool) {
	switch f.Type {
	case spec.TypeInt:
		return 0, true
	case spec.TypeFloat:
		return 0.0, true
	case spec.TypeBool:
		return false, true
	case spec.TypeString, spec.TypeText:
		return "''", true
	case spec.TypeDatetime:
		return "now()", true
	case spec.TypeEnum:
		if len(f.Values) > 0 {
			return "'" + f.Values[0] + "'", true
		}
	}
	return nil, false
}

func checkScenario(s *spec.Spec, ctx *semantic.Context, sc *spec.Scenario, out *diag.Collector) {
	callPath := diag.Join(sc.Path, "when.call")
	if d, bad := unknownCommand(s, ctx, diag.CodeScenarioTarget, sc.Call, callPath); bad {
		out.Add(d)
	}
	if c := s.Command(sc.Call); c != nil {
		for _, k := range sc.Input {
			if c.Input(k) == nil {
				out.Add(diag.New(diag.Reference, diag.Error, diag.CodeScenarioInput, diag.Join(sc.Path, "when.input."+k),
					"scenario %s passes %q, which %s does not declare", sc.Name, k, c.Name).
					WithActual(k).WithOptions(diag.Nearest(k, c.InputNames())))
			}
		}
		if sc.Error != "" {
			var codes []string
			for _, ec := range c.Errors {
				codes = append(codes, ec.Code)
			}
			if !contains(codes, sc.Error) {
				path := diag.Join(sc.Path, "then.error")
				out.Add(renameFix(diag.New(diag.Reference, diag.Error, diag.CodeScenarioError, path,
					"scenario %s expects error %q, which %s does not declare", sc.Name, sc.Error, c.Name).
					WithActual(sc.Error), path, sc.Error, codes))
			}
		}
		// Assertions are only meaningful against a known command.
		scope := semantic.ScenarioScope(s, sc)
		for i := range sc.Assert {
			if d, bad := booleanSite(ctx, &sc.Assert[i], scope, diag.CodeNotBoolean, "scenario assertion"); bad {
				out.Add(d)
			}
		}
	}
}

func checkRequirement(s *spec.Spec, ctx *semantic.Context, r *spec.Requirement, out *diag.Collector) {
	for i, name := range r.Commands {
		path := diag.Index(diag.Join(r.Path, "commands"), i)
		if d, bad := unknownCommand(s, ctx, diag.CodeUnknownCommand, name, path); bad {
			out.Add(d)
		}
	}
	if !ctx.Report.Usable(spec.SecScenarios) && ctx.Report.Present[spec.SecScenarios] {
		return
	}
	for i, name := range r.Scenarios {
		if s.Scenario(name) != nil {
			continue
		}
		path := diag.Index(diag.Join(r.Path, "scenarios"), i)
		out.Add(renameFix(diag.New(diag.Reference, diag.Error, diag.CodeUnknownScenario, path,
			"requirement %s covers unknown scenario %q", r.Name, name).WithActual(name), path, name, s.ScenarioNames()))
	}
}

// crossNamespace flags a command or derived value reusing a name declared
// in an earlier namespace; such names make call resolution ambiguous.
func crossNamespace(s *spec.Spec, ctx *semantic.Context, out *diag.Collector) {
	type item struct{ name, path string }
	spaces := []struct {
		sec   spec.Section
		items []item
	}{
		{spec.SecEntities, nil}, {spec.SecCommands, nil}, {spec.SecDerived, nil},
	}
	for _, e := range s.Entities {
		spaces[0].items = append(spaces[0].items, item{e.Name, e.Path})
	}
	for _, c := range s.Commands {
		spaces[1].items = append(spaces[1].items, item{c.Name, c.Path})
	}
	for _, d := range s.Derived {
		spaces[2].items = append(spaces[2].items, item{d.Name, d.Path})
	}
	owner := map[string]spec.Section{}
	for _, sp := range spaces {
		if !ctx.Report.Usable(sp.sec) {
			continue
		}
		for _, it := range sp.items {
			if first, ok := owner[it.name]; ok && first != sp.sec {
				out.Add(diag.New(diag.Constraint, diag.Error, diag.CodeCrossNamespace, it.path,
					"%q is declared in both %s and %s", it.name, first, sp.sec).WithActual(it.name))
				continue
			}
			owner[it.name] = sp.sec
		}
	}
}
