package analyzer

import (
	"errors"

	"meshval/internal/depgraph"
	"meshval/internal/diag"
	"meshval/internal/expr"
	"meshval/internal/semantic"
	"meshval/internal/spec"
)

// pass walks every expression of the usable sections once, reporting parse
// and analysis findings and collecting what each declaration touches.
type pass struct {
	ctx  *semantic.Context
	spec *spec.Spec
	out  *diag.Collector
}

func (p *pass) resolve() depgraph.Uses {
	uses := depgraph.Uses{
		Derived:   map[string]depgraph.Usage{},
		Functions: map[string]depgraph.Usage{},
		Machines:  map[string]depgraph.Usage{},
		Scenarios: map[string]depgraph.Usage{},
	}
	rep := p.ctx.Report
	if rep.Usable(spec.SecCommands) {
		for _, c := range p.spec.Commands {
			uses.Functions[c.Name] = p.command(c)
		}
	}
	if rep.Usable(spec.SecDerived) {
		for _, d := range p.spec.Derived {
			scope := semantic.DerivedScope(d)
			var u depgraph.Usage
			if site, ok := p.site(d.Formula, scope, false); ok {
				merge(&u, site.Analysis)
				if d.Type != "" {
					p.expect(d.Formula, site, semantic.FromDeclared(d.Type, "", nil), "formula of "+d.Name)
				}
			}
			uses.Derived[d.Name] = u
		}
	}
	if rep.Usable(spec.SecStateMachines) {
		for _, m := range p.spec.StateMachines {
			scope := semantic.MachineScope(m)
			var u depgraph.Usage
			for _, tr := range m.Transitions {
				if tr.Guard == nil {
					continue
				}
				if site, ok := p.site(*tr.Guard, scope, false); ok {
					merge(&u, site.Analysis)
				}
			}
			uses.Machines[m.Name] = u
		}
	}
	if rep.Usable(spec.SecPolicies) {
		for _, pol := range p.spec.Policies {
			if pol.Rule != nil {
				p.site(*pol.Rule, semantic.PolicyScope(pol), false)
			}
		}
	}
	if rep.Usable(spec.SecScenarios) {
		for _, sc := range p.spec.Scenarios {
			if p.spec.Command(sc.Call) == nil {
				continue
			}
			scope := semantic.ScenarioScope(p.spec, sc)
			var u depgraph.Usage
			for _, x := range sc.Assert {
				if site, ok := p.site(x, scope, false); ok {
					merge(&u, site.Analysis)
				}
			}
			uses.Scenarios[sc.Name] = u
		}
	}
	return uses
}

func (p *pass) command(c *spec.Command) depgraph.Usage {
	scope := semantic.CommandScope(c)
	var u depgraph.Usage
	condition := func(x spec.Expression, what string) {
		if site, ok := p.site(x, scope, false); ok {
			merge(&u, site.Analysis)
			p.expect(x, site, semantic.Bool, what)
		}
	}
	for _, x := range c.Pre {
		condition(x, "precondition")
	}
	for _, ec := range c.Errors {
		if ec.When != nil {
			condition(*ec.When, "error condition "+ec.Code)
		}
	}
	for _, pa := range c.Post {
		if pa.When != nil {
			condition(*pa.When, "post action condition")
		}
		if pa.Kind == spec.ActionAssign {
			if pa.Assign != nil {
				if site, ok := p.site(*pa.Assign, scope, true); ok {
					merge(&u, site.Analysis)
				}
			}
			continue
		}
		if pa.Kind == spec.ActionCreate || pa.Kind == spec.ActionDelete {
			u.Entities = append(u.Entities, pa.Entity)
		}
		var ent *spec.Entity
		if p.ctx.Report.Usable(spec.SecEntities) {
			ent = p.spec.Entity(pa.Entity)
		}
		for _, a := range pa.Set {
			u.Writes = append(u.Writes, semantic.FieldRef{Entity: pa.Entity, Field: a.Field})
			site, ok := p.site(a.Value, scope, false)
			if !ok {
				continue
			}
			merge(&u, site.Analysis)
			if ent == nil {
				continue
			}
			if f := ent.Field(a.Field); f != nil {
				p.expect(a.Value, site, semantic.FromField(f), ent.Name+"."+f.Name)
			}
		}
	}
	return u
}

// site analyzes x and reports its findings. ok is false when x failed to
// parse.
func (p *pass) site(x spec.Expression, scope semantic.Scope, assign bool) (semantic.Site, bool) {
	site := p.ctx.Expression(x, scope, assign)
	if !site.OK() {
		p.out.Add(parseDiagnostic(x, site.Err))
		return site, false
	}
	p.out.Add(site.Analysis.Diagnostics(site.Expr, x.Path)...)
	return site, true
}

// expect checks the result type of an expression that analyzed cleanly.
func (p *pass) expect(x spec.Expression, site semantic.Site, want semantic.Type, what string) {
	if site.Analysis.Failed() {
		return
	}
	got := site.Analysis.Type
	if want.IsBool() {
		if !got.IsUnknown() && !got.IsBool() {
			p.out.Add(diag.New(diag.Type, diag.Error, diag.CodeNotBoolean, x.Path,
				"%s must be boolean, got %s", what, got).WithExpected("bool").WithActual(got.String()))
		}
		return
	}
	if !semantic.Assignable(want, got) {
		p.out.Add(diag.New(diag.Type, diag.Error, diag.CodeValueType, x.Path,
			"%s expects %s, got %s", what, want, got).WithExpected(want.String()).WithActual(got.String()))
	}
}

func parseDiagnostic(x spec.Expression, err error) diag.Diagnostic {
	path := x.Path
	var pe *expr.ParseError
	if errors.As(err, &pe) {
		path += pe.Path
		return diag.New(diag.Schema, diag.Error, diag.CodeParse, path, "cannot parse expression: %s", pe.Msg).
			WithActual(pe.Fragment)
	}
	return diag.New(diag.Schema, diag.Error, diag.CodeParse, path, "cannot parse expression: %v", err)
}

func merge(u *depgraph.Usage, a *semantic.Analysis) {
	u.Reads = append(u.Reads, a.Reads...)
	u.Writes = append(u.Writes, a.Writes...)
	u.Derived = append(u.Derived, a.Derived...)
}
