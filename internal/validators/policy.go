package validators

import (
	"sort"
	"strings"

	"meshval/internal/diag"
	"meshval/internal/semantic"
	"meshval/internal/spec"
)

// Operations a role permission may grant.
var Operations = []string{"create", "read", "update", "delete"}

// Policies checks role declarations and that each policy rule is boolean
// and reads only fields its actor may see.
type Policies struct{}

func (Policies) Name() string { return "policies" }

func (Policies) Validate(s *spec.Spec, ctx *semantic.Context) []diag.Diagnostic {
	var out diag.Collector
	if ctx.Report.Usable(spec.SecRoles) {
		validateRoles(s, ctx, &out)
	}
	if !ctx.Report.Usable(spec.SecPolicies) {
		return out.Items()
	}
	rolesKnown := !ctx.Report.Disqualified[spec.SecRoles]
	for _, p := range s.Policies {
		if d, bad := unknownEntity(s, ctx, p.Entity, diag.Join(p.Path, "entity")); bad {
			out.Add(d)
		}
		role := s.Role(p.Actor)
		if role == nil && rolesKnown {
			path := diag.Join(p.Path, "actor")
			out.Add(renameFix(diag.New(diag.Reference, diag.Error, diag.CodeUnknownRole, path,
				"policy %s names undeclared actor %q", p.Name, p.Actor).WithActual(p.Actor), path, p.Actor, s.RoleNames()))
		}
		scope := semantic.PolicyScope(p)
		if d, bad := booleanSite(ctx, p.Rule, scope, diag.CodePolicyType, "policy rule"); bad {
			out.Add(d)
		}
		if role == nil || p.Rule == nil {
			continue
		}
		site := ctx.Expression(*p.Rule, scope, false)
		if !site.OK() {
			continue
		}
		vis := visibleFields(s, role)
		for _, ref := range site.Analysis.Reads {
			fields, ok := vis[ref.Entity]
			if ok && (fields == nil || fields[ref.Field]) {
				continue
			}
			out.Add(diag.New(diag.Reference, diag.Error, diag.CodePolicyVisibility, p.Rule.Path,
				"policy %s reads %s, which actor %s cannot see", p.Name, ref, p.Actor).
				WithActual(ref.String()).WithOptions(visibleList(s, ref.Entity, fields, ok)))
		}
	}
	return out.Items()
}

// visibleFields maps entity -> readable field set for a role and everything
// it inherits. A nil set means every field of the entity is readable.
func visibleFields(s *spec.Spec, role *spec.Role) map[string]map[string]bool {
	out := map[string]map[string]bool{}
	seen := map[string]bool{}
	stack := []*spec.Role{role}
	for len(stack) > 0 {
		r := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[r.Name] {
			continue
		}
		seen[r.Name] = true
		for _, p := range r.Permissions {
			if !grantsRead(p) {
				continue
			}
			cur, had := out[p.Entity]
			switch {
			case p.Fields == nil:
				out[p.Entity] = nil
			case had && cur == nil:
			default:
				if cur == nil {
					cur = map[string]bool{}
				}
				for _, f := range p.Fields {
					cur[f] = true
				}
				out[p.Entity] = cur
			}
		}
		for _, parent := range r.Inherits {
			if pr := s.Role(parent); pr != nil {
				stack = append(stack, pr)
			}
		}
	}
	return out
}

func grantsRead(p *spec.Permission) bool {
	if len(p.Operations) == 0 {
		return true
	}
	for _, op := range p.Operations {
		if op == "read" {
			return true
		}
	}
	return false
}

func visibleList(s *spec.Spec, entity string, fields map[string]bool, granted bool) []string {
	if !granted {
		return nil
	}
	if fields == nil {
		if e := s.Entity(entity); e != nil {
			return e.FieldNames()
		}
		return nil
	}
	out := make([]string, 0, len(fields))
	for f := range fields {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func validateRoles(s *spec.Spec, ctx *semantic.Context, out *diag.Collector) {
	for _, r := range s.Roles {
		for i, parent := range r.Inherits {
			if s.Role(parent) == nil {
				path := diag.Index(diag.Join(r.Path, "inherits"), i)
				out.Add(renameFix(diag.New(diag.Reference, diag.Error, diag.CodeUnknownRole, path,
					"role %s inherits undeclared role %q", r.Name, parent).WithActual(parent), path, parent, s.RoleNames()))
			}
		}
		for _, p := range r.Permissions {
			if d, bad := unknownEntity(s, ctx, p.Entity, diag.Join(p.Path, "entity")); bad {
				out.Add(d)
				continue
			}
			for j, op := range p.Operations {
				if contains(Operations, op) {
					continue
				}
				path := diag.Index(diag.Join(p.Path, "operations"), j)
				d := diag.New(diag.Constraint, diag.Error, diag.CodeBadOperation, path,
					"unknown operation %q; expected one of %s", op, strings.Join(Operations, ", ")).
					WithExpected(Operations).WithActual(op)
				d.ValidOptions = append([]string(nil), Operations...)
				out.Add(d)
			}
			e := s.Entity(p.Entity)
			if e == nil {
				continue
			}
			for j, f := range p.Fields {
				if e.Field(f) == nil {
					path := diag.Index(diag.Join(p.Path, "fields"), j)
					out.Add(renameFix(diag.New(diag.Reference, diag.Error, diag.CodeUnknownField, path,
						"%s has no field %q", e.Name, f).WithActual(f), path, f, e.FieldNames()))
				}
			}
		}
	}
	for _, cycle := range roleCycles(s) {
		first := s.Role(cycle[0])
		out.Add(diag.New(diag.Logic, diag.Error, diag.CodeRoleCycle, diag.Join(first.Path, "inherits"),
			"role inheritance cycle: %s", strings.Join(append(cycle, cycle[0]), " -> ")).WithActual(cycle))
	}
}

// roleCycles finds inheritance cycles with an iterative three-color walk.
// Each cycle is reported once, rotated to start at its smallest name.
func roleCycles(s *spec.Spec) [][]string {
	const (
		white = iota
		grey
		black
	)
	color := map[string]int{}
	var cycles [][]string
	seen := map[string]bool{}
	for _, start := range s.Roles {
		if color[start.Name] != white {
			continue
		}
		type frame struct {
			name string
			next int
		}
		path := []string{}
		stack := []frame{{name: start.Name}}
		color[start.Name] = grey
		path = append(path, start.Name)
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			r := s.Role(top.name)
			if r == nil || top.next >= len(r.Inherits) {
				color[top.name] = black
				stack = stack[:len(stack)-1]
				path = path[:len(path)-1]
				continue
			}
			parent := r.Inherits[top.next]
			top.next++
			if s.Role(parent) == nil {
				continue
			}
			switch color[parent] {
			case white:
				color[parent] = grey
				stack = append(stack, frame{name: parent})
				path = append(path, parent)
			case grey:
				idx := indexOf(path, parent)
				cyc := rotate(append([]string(nil), path[idx:]...))
				k := strings.Join(cyc, "\x00")
				if !seen[k] {
					seen[k] = true
					cycles = append(cycles, cyc)
				}
			}
		}
	}
	return cycles
}

func rotate(c []string) []string {
	lo := 0
	for i := range c {
		if c[i] < c[lo] {
			lo = i
		}
	}
	out := make([]string, 0, len(c))
	out = append(out, c[lo:]...)
	return append(out, c[:lo]...)
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func contains(list []string, s string) bool {
	return indexOf(list, s) >= 0
}
