package spec

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"meshval/internal/diag"
)

// Report is the outcome of the structural phase.
type Report struct {
	Diagnostics  []diag.Diagnostic
	Present      map[Section]bool
	Disqualified map[Section]bool
}

// Usable reports whether a section exists and passed the structural phase.
func (r Report) Usable(s Section) bool {
	return r.Present[s] && !r.Disqualified[s]
}

type decoder struct {
	out diag.Collector
	bad bool
}

// Decode runs the structural phase over a raw document. Sections that fail
// their shape check are disqualified and left empty in the returned Spec.
func Decode(raw map[string]any) (*Spec, Report) {
	s := &Spec{Raw: raw}
	rep := Report{Present: map[Section]bool{}, Disqualified: map[Section]bool{}}
	var all diag.Collector

	known := make([]string, 0, len(Sections))
	for _, sec := range Sections {
		known = append(known, string(sec))
	}
	for _, key := range sortedKeys(raw) {
		if isKnown(key) {
			continue
		}
		all.Add(diag.New(diag.Schema, diag.Warning, diag.CodeUnknownSection, key,
			"unknown top-level section %q", key).WithActual(key).WithOptions(diag.Nearest(key, known)))
	}

	for _, sec := range Sections {
		body, ok := raw[string(sec)]
		if !ok || body == nil {
			if Required[sec] {
				all.Add(diag.New(diag.Schema, diag.Critical, diag.CodeMissingSection, string(sec),
					"required section %q is missing", sec).WithExpected(string(sec)))
				rep.Disqualified[sec] = true
			}
			continue
		}
		rep.Present[sec] = true
		m, ok := body.(map[string]any)
		if !ok {
			all.Add(diag.New(diag.Schema, diag.Critical, diag.CodeSectionShape, string(sec),
				"section %q must be a mapping", sec).WithExpected("mapping").WithActual(kindOf(body)))
			rep.Disqualified[sec] = true
			continue
		}
		d := &decoder{}
		d.section(s, sec, m)
		all.Add(d.out.Items()...)
		if d.bad {
			rep.Disqualified[sec] = true
			clearSection(s, sec)
		}
	}
	rep.Diagnostics = all.Items()
	return s, rep
}

func isKnown(key string) bool {
	for _, sec := range Sections {
		if string(sec) == key {
			return true
		}
	}
	return false
}

func clearSection(s *Spec, sec Section) {
	switch sec {
	case SecMeta:
		s.Meta = nil
	case SecEntities:
		s.Entities = nil
	case SecCommands:
		s.Commands = nil
	case SecDerived:
		s.Derived = nil
	case SecStateMachines:
		s.StateMachines = nil
	case SecSagas:
		s.Sagas = nil
	case SecRoles:
		s.Roles = nil
	case SecPolicies:
		s.Policies = nil
	case SecScenarios:
		s.Scenarios = nil
	case SecRequirements:
		s.Requirements = nil
	}
}

func (d *decoder) section(s *Spec, sec Section, m map[string]any) {
	base := string(sec)
	if sec == SecMeta {
		s.Meta = m
		return
	}
	for _, name := range sortedKeys(m) {
		path := diag.Join(base, name)
		body, ok := d.mapping(m[name], path)
		if !ok {
			continue
		}
		switch sec {
		case SecEntities:
			s.Entities = append(s.Entities, d.entity(name, body, path))
		case SecCommands:
			s.Commands = append(s.Commands, d.command(name, body, path))
		case SecDerived:
			s.Derived = append(s.Derived, d.derived(name, body, path))
		case SecStateMachines:
			s.StateMachines = append(s.StateMachines, d.stateMachine(name, body, path))
		case SecSagas:
			s.Sagas = append(s.Sagas, d.saga(name, body, path))
		case SecRoles:
			s.Roles = append(s.Roles, d.role(name, body, path))
		case SecPolicies:
			s.Policies = append(s.Policies, d.policy(name, body, path))
		case SecScenarios:
			s.Scenarios = append(s.Scenarios, d.scenario(name, body, path))
		case SecRequirements:
			s.Requirements = append(s.Requirements, d.requirement(name, body, path))
		}
	}
}

func (d *decoder) fail(path, format string, args ...any) {
	d.bad = true
	d.out.Add(diag.New(diag.Schema, diag.Critical, diag.CodeElementShape, path, format, args...))
}

func (d *decoder) mapping(v any, path string) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		d.out.Add(diag.New(diag.Schema, diag.Critical, diag.CodeElementShape, path,
			"expected a mapping").WithExpected("mapping").WithActual(kindOf(v)))
		d.bad = true
	}
	return m, ok
}

func (d *decoder) str(m map[string]any, key, path string, required bool) string {
	v, ok := m[key]
	if !ok || v == nil {
		if required {
			d.fail(diag.Join(path, key), "missing required key %q", key)
		}
		return ""
	}
	s, ok := v.(string)
	if !ok {
		d.fail(diag.Join(path, key), "%q must be a string, got %s", key, kindOf(v))
		return ""
	}
	return strings.TrimSpace(s)
}

func (d *decoder) boolean(m map[string]any, key, path string) bool {
	v, ok := m[key]
	if !ok || v == nil {
		return false
	}
	b, ok := v.(bool)
	if !ok {
		d.fail(diag.Join(path, key), "%q must be a boolean, got %s", key, kindOf(v))
	}
	return b
}

// strList accepts a single string or a list of strings.
func (d *decoder) strList(m map[string]any, key, path string) []string {
	v, ok := m[key]
	if !ok || v == nil {
		return nil
	}
	if s, ok := v.(string); ok {
		return []string{strings.TrimSpace(s)}
	}
	items, ok := v.([]any)
	if !ok {
		d.fail(diag.Join(path, key), "%q must be a list of names", key)
		return nil
	}
	out := make([]string, 0, len(items))
	for i, it := range items {
		s, ok := it.(string)
		if !ok {
			d.fail(diag.Index(diag.Join(path, key), i), "expected a name, got %s", kindOf(it))
			continue
		}
		out = append(out, strings.TrimSpace(s))
	}
	return out
}

func (d *decoder) number(m map[string]any, key, path string) *float64 {
	v, ok := m[key]
	if !ok || v == nil {
		return nil
	}
	f, ok := toFloat(v)
	if !ok {
		d.fail(diag.Join(path, key), "%q must be a number, got %s", key, kindOf(v))
		return nil
	}
	return &f
}

func (d *decoder) integer(m map[string]any, key, path string) *int {
	f := d.number(m, key, path)
	if f == nil {
		return nil
	}
	if *f != math.Trunc(*f) {
		d.fail(diag.Join(path, key), "%q must be an integer", key)
		return nil
	}
	n := int(*f)
	return &n
}

// expression accepts string and mapping forms plus bare scalars.
func (d *decoder) expression(v any, path string) Expression {
	switch v.(type) {
	case []any:
		d.fail(path, "expected an expression, got a list")
	}
	return Expression{Raw: v, Path: path}
}

func (d *decoder) optionalExpression(m map[string]any, key, path string) *Expression {
	v, ok := m[key]
	if !ok || v == nil {
		return nil
	}
	e := d.expression(v, diag.Join(path, key))
	return &e
}

func (d *decoder) fields(v any, path string) []*Field {
	var out []*Field
	seen := map[string]bool{}
	add := func(name string, raw any, p string) {
		body, ok := d.mapping(raw, p)
		if !ok {
			return
		}
		if seen[name] {
			d.out.Add(diag.New(diag.Constraint, diag.Error, diag.CodeDuplicateName, p,
				"duplicate field %q", name).WithActual(name))
			return
		}
		seen[name] = true
		out = append(out, d.field(name, body, p))
	}
	switch x := v.(type) {
	case nil:
	case map[string]any:
		for _, name := range sortedKeys(x) {
			add(name, x[name], diag.Join(path, name))
		}
	case []any:
		for i, it := range x {
			p := diag.Index(path, i)
			body, ok := d.mapping(it, p)
			if !ok {
				continue
			}
			name := d.str(body, "name", p, true)
			if name == "" {
				continue
			}
			add(name, body, p)
		}
	default:
		d.fail(path, "fields must be a mapping or a list")
	}
	return out
}

func (d *decoder) field(name string, m map[string]any, path string) *Field {
	f := &Field{Name: name, Path: path}
	typ := d.str(m, "type", path, true)
	f.Type = FieldType(typ)
	if typ != "" && !validType(typ) {
		dg := diag.New(diag.Schema, diag.Error, diag.CodeUnknownType, diag.Join(path, "type"),
			"unknown field type %q", typ).WithActual(typ).WithOptions(fieldTypes)
		if best, ok := diag.Best(typ, fieldTypes); ok {
			dg = dg.WithFix(diag.Patch{Op: diag.OpReplace, Path: diag.Pointer(diag.Join(path, "type")), Value: best})
		}
		d.out.Add(dg)
	}
	f.Required = d.boolean(m, "required", path)
	f.Unique = d.boolean(m, "unique", path)
	if v, ok := m["default"]; ok {
		f.Default = v
		f.HasDefault = true
	}
	f.Min = d.number(m, "min", path)
	f.Max = d.number(m, "max", path)
	f.MinLength = d.integer(m, "minLength", path)
	f.MaxLength = d.integer(m, "maxLength", path)
	f.Precision = d.integer(m, "precision", path)
	f.Pattern = d.str(m, "pattern", path, false)
	f.Preset = d.str(m, "preset", path, false)
	if f.Preset == "" {
		f.Preset = d.str(m, "format", path, false)
	}
	switch f.Type {
	case TypeRef:
		f.Ref = d.str(m, "ref", path, true)
	case TypeEnum:
		f.Values = d.strList(m, "values", path)
		if len(f.Values) == 0 {
			d.fail(diag.Join(path, "values"), "enum field %q needs values", name)
		}
	}
	return f
}

func validType(t string) bool {
	i := sort.SearchStrings(fieldTypes, t)
	return i < len(fieldTypes) && fieldTypes[i] == t
}

func (d *decoder) entity(name string, m map[string]any, path string) *Entity {
	e := &Entity{Name: name, Path: path}
	e.Description = d.str(m, "description", path, false)
	e.Fields = d.fields(m["fields"], diag.Join(path, "fields"))
	return e
}

func (d *decoder) command(name string, m map[string]any, path string) *Command {
	c := &Command{Name: name, Path: path}
	c.Entity = d.str(m, "entity", path, false)
	c.Inputs = d.fields(m["input"], diag.Join(path, "input"))
	for i, raw := range d.list(m, "pre", path) {
		p := diag.Index(diag.Join(path, "pre"), i)
		if w, ok := raw.(map[string]any); ok && w["type"] == nil && w["expr"] != nil {
			c.Pre = append(c.Pre, d.expression(w["expr"], diag.Join(p, "expr")))
			continue
		}
		c.Pre = append(c.Pre, d.expression(raw, p))
	}
	for i, raw := range d.list(m, "post", path) {
		p := diag.Index(diag.Join(path, "post"), i)
		body, ok := d.mapping(raw, p)
		if !ok {
			continue
		}
		c.Post = append(c.Post, d.postAction(body, p))
	}
	for i, raw := range d.list(m, "errors", path) {
		p := diag.Index(diag.Join(path, "errors"), i)
		body, ok := d.mapping(raw, p)
		if !ok {
			continue
		}
		c.Errors = append(c.Errors, ErrorCase{
			Code: d.str(body, "code", p, true),
			When: d.optionalExpression(body, "when", p),
			Path: p,
		})
	}
	if v, ok := m["returns"]; ok && v != nil {
		rm, ok := d.mapping(v, diag.Join(path, "returns"))
		if ok {
			c.Returns = map[string]string{}
			for _, k := range sortedKeys(rm) {
				c.Returns[k] = fmt.Sprint(rm[k])
			}
		}
	}
	return c
}

func (d *decoder) list(m map[string]any, key, path string) []any {
	v, ok := m[key]
	if !ok || v == nil {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		d.fail(diag.Join(path, key), "%q must be a list", key)
		return nil
	}
	return items
}

func (d *decoder) postAction(m map[string]any, path string) PostAction {
	pa := PostAction{Path: path}
	pa.When = d.optionalExpression(m, "when", path)
	if raw, ok := m["assign"]; ok {
		pa.Kind = ActionAssign
		e := d.expression(raw, diag.Join(path, "assign"))
		pa.Assign = &e
		return pa
	}
	body := m
	bodyPath := path
	if raw, ok := m["action"]; ok {
		bodyPath = diag.Join(path, "action")
		am, ok := d.mapping(raw, bodyPath)
		if !ok {
			return pa
		}
		body = am
	}
	for _, kind := range []string{ActionCreate, ActionUpdate, ActionDelete} {
		if _, ok := body[kind]; !ok {
			continue
		}
		if pa.Kind != "" {
			d.fail(bodyPath, "post action declares both %q and %q", pa.Kind, kind)
			return pa
		}
		pa.Kind = kind
		pa.Entity = d.str(body, kind, bodyPath, true)
		pa.EntityPath = diag.Join(bodyPath, kind)
	}
	if pa.Kind == "" {
		d.fail(bodyPath, "post action needs one of create, update, delete or assign")
		return pa
	}
	pa.SetPath = diag.Join(bodyPath, "with")
	for _, key := range []string{"set", "with"} {
		raw, ok := body[key]
		if !ok || raw == nil {
			continue
		}
		setPath := diag.Join(bodyPath, key)
		pa.SetPath, pa.HasSet = setPath, true
		sm, ok := d.mapping(raw, setPath)
		if !ok {
			continue
		}
		for _, f := range sortedKeys(sm) {
			pa.Set = append(pa.Set, Assignment{Field: f, Value: d.expression(sm[f], diag.Join(setPath, f))})
		}
	}
	return pa
}

func (d *decoder) derived(name string, m map[string]any, path string) *Derived {
	dv := &Derived{Name: name, Path: path}
	dv.Entity = d.str(m, "entity", path, false)
	if t := d.str(m, "type", path, false); t != "" {
		dv.Type = FieldType(t)
		if !validType(t) {
			d.out.Add(diag.New(diag.Schema, diag.Error, diag.CodeUnknownType, diag.Join(path, "type"),
				"unknown derived type %q", t).WithActual(t).WithOptions(fieldTypes))
		}
	}
	raw, ok := m["formula"]
	if !ok || raw == nil {
		d.fail(diag.Join(path, "formula"), "derived value %q needs a formula", name)
		return dv
	}
	dv.Formula = d.expression(raw, diag.Join(path, "formula"))
	return dv
}

func (d *decoder) stateMachine(name string, m map[string]any, path string) *StateMachine {
	sm := &StateMachine{Name: name, Path: path}
	sm.Entity = d.str(m, "entity", path, false)
	sm.Field = d.str(m, "field", path, false)
	sm.Initial = d.str(m, "initial", path, true)
	statesPath := diag.Join(path, "states")
	switch x := m["states"].(type) {
	case map[string]any:
		for _, sn := range sortedKeys(x) {
			p := diag.Join(statesPath, sn)
			st := &State{Name: sn, Path: p}
			if x[sn] != nil {
				body, ok := d.mapping(x[sn], p)
				if ok {
					st.Final = d.boolean(body, "final", p) || d.boolean(body, "terminal", p)
					st.Reenterable = d.boolean(body, "reenterable", p)
				}
			}
			sm.States = append(sm.States, st)
		}
	case []any:
		for i, it := range x {
			p := diag.Index(statesPath, i)
			s, ok := it.(string)
			if !ok {
				d.fail(p, "state must be a name")
				continue
			}
			sm.States = append(sm.States, &State{Name: s, Path: p})
		}
	default:
		d.fail(statesPath, "state machine %q needs states", name)
	}
	for i, raw := range d.list(m, "transitions", path) {
		p := diag.Index(diag.Join(path, "transitions"), i)
		body, ok := d.mapping(raw, p)
		if !ok {
			continue
		}
		tr := &Transition{Path: p}
		tr.From = d.str(body, "from", p, true)
		tr.To = d.str(body, "to", p, true)
		tr.Trigger = d.str(body, "trigger", p, false)
		tr.Action = d.str(body, "action", p, false)
		tr.Guard = d.optionalExpression(body, "guard", p)
		sm.Transitions = append(sm.Transitions, tr)
	}
	return sm
}

func (d *decoder) saga(name string, m map[string]any, path string) *Saga {
	sg := &Saga{Name: name, Path: path}
	sg.OnFailure = d.str(m, "onFailure", path, false)
	stepsPath := diag.Join(path, "steps")
	items := d.list(m, "steps", path)
	if items == nil {
		d.fail(stepsPath, "saga %q needs steps", name)
	}
	for i, raw := range items {
		p := diag.Index(stepsPath, i)
		body, ok := d.mapping(raw, p)
		if !ok {
			continue
		}
		sg.Steps = append(sg.Steps, &SagaStep{
			Name:       d.str(body, "name", p, true),
			Forward:    d.str(body, "forward", p, true),
			Compensate: d.str(body, "compensate", p, false),
			DependsOn:  d.strList(body, "dependsOn", p),
			Path:       p,
		})
	}
	return sg
}

func (d *decoder) role(name string, m map[string]any, path string) *Role {
	r := &Role{Name: name, Path: path}
	r.Inherits = d.strList(m, "inherits", path)
	for i, raw := range d.list(m, "permissions", path) {
		p := diag.Index(diag.Join(path, "permissions"), i)
		body, ok := d.mapping(raw, p)
		if !ok {
			continue
		}
		perm := &Permission{Path: p}
		perm.Entity = d.str(body, "entity", p, true)
		perm.Operations = d.strList(body, "operations", p)
		if _, ok := body["fields"]; ok {
			perm.Fields = d.strList(body, "fields", p)
			if perm.Fields == nil {
				perm.Fields = []string{}
			}
		}
		r.Permissions = append(r.Permissions, perm)
	}
	return r
}

func (d *decoder) policy(name string, m map[string]any, path string) *Policy {
	p := &Policy{Name: name, Path: path}
	p.Actor = d.str(m, "actor", path, true)
	p.Entity = d.str(m, "entity", path, false)
	p.Effect = d.str(m, "effect", path, false)
	p.Rule = d.optionalExpression(m, "rule", path)
	if p.Rule == nil {
		d.fail(diag.Join(path, "rule"), "policy %q needs a rule", name)
	}
	return p
}

func (d *decoder) scenario(name string, m map[string]any, path string) *Scenario {
	sc := &Scenario{Name: name, Path: path, Given: m["given"]}
	switch sc.Given.(type) {
	case nil, map[string]any, []any:
	default:
		d.fail(diag.Join(path, "given"), "given must be a mapping or a list")
	}
	whenPath := diag.Join(path, "when")
	when, ok := d.mapping(m["when"], whenPath)
	if ok {
		sc.Call = d.str(when, "call", whenPath, true)
		if raw, ok := when["input"]; ok && raw != nil {
			if in, ok := d.mapping(raw, diag.Join(whenPath, "input")); ok {
				sc.Input = sortedKeys(in)
			}
		}
	}
	thenPath := diag.Join(path, "then")
	then, ok := d.mapping(m["then"], thenPath)
	if ok {
		if _, has := then["success"]; has {
			b := d.boolean(then, "success", thenPath)
			sc.Success = &b
		}
		sc.Error = d.str(then, "error", thenPath, false)
		for i, raw := range d.list(then, "assert", thenPath) {
			sc.Assert = append(sc.Assert, d.expression(raw, diag.Index(diag.Join(thenPath, "assert"), i)))
		}
	}
	return sc
}

func (d *decoder) requirement(name string, m map[string]any, path string) *Requirement {
	return &Requirement{
		Name:        name,
		Description: d.str(m, "description", path, false),
		Commands:    d.strList(m, "commands", path),
		Scenarios:   d.strList(m, "scenarios", path),
		Path:        path,
	}
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case interface{ Float64() (float64, error) }:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "mapping"
	case []any:
		return "list"
	case string:
		return "string"
	case bool:
		return "boolean"
	}
	if _, ok := toFloat(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}
