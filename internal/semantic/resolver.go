package semantic

import (
	"strings"

	"meshval/internal/diag"
	"meshval/internal/expr"
	"meshval/internal/spec"
)

// FieldRef names one entity field.
type FieldRef struct {
	Entity string
	Field  string
}

func (f FieldRef) String() string {
	return f.Entity + "." + f.Field
}

// Binding is what an access or call node resolved to.
type Binding struct {
	Type    Type
	Reads   []FieldRef
	Derived string
	Builtin bool
}

type refResult struct {
	binding Binding
	fail    *finding
}

// finding is a diagnostic template tied to a node by preorder index, so a
// cached analysis can be replayed against either surface form.
type finding struct {
	node int
	d    diag.Diagnostic
	fix  *fix
}

// fix describes a mechanical rename. kind is "access", "call" or "literal".
type fix struct {
	kind  string
	from  string
	to    string
	value any
}

// Resolver binds field, input and call nodes to declared schema elements.
type Resolver struct {
	ctx *Context
}

// Resolve binds every access and call in root. Nodes that fail to resolve
// are bound to Unknown and reported once.
func (r *Resolver) Resolve(root expr.Node, scope Scope) (map[expr.Node]Binding, []finding) {
	bindings := map[expr.Node]Binding{}
	var out []finding
	for i, n := range expr.Preorder(root) {
		var res refResult
		switch v := n.(type) {
		case *expr.Field:
			res = r.cached(scope, v.Text(), func() refResult { return r.field(scope, v) })
		case *expr.Input:
			res = r.cached(scope, v.Text(), func() refResult { return r.input(scope, v) })
		case *expr.Call:
			res = r.cached(scope, "call:"+v.Func+"/"+v.Target, func() refResult { return r.call(v) })
		default:
			continue
		}
		bindings[n] = res.binding
		if res.fail != nil {
			f := *res.fail
			f.node = i
			out = append(out, f)
		}
	}
	return bindings, out
}

func (r *Resolver) cached(scope Scope, path string, compute func() refResult) refResult {
	k := refKey{scope: scope.ID, path: path}
	if res, ok := r.ctx.Cache.reference(k); ok {
		return res
	}
	res := compute()
	r.ctx.Cache.storeReference(k, res)
	return res
}

func (r *Resolver) entitiesUsable() bool {
	return r.ctx.Report.Usable(spec.SecEntities)
}

func unresolved(d diag.Diagnostic, fx *fix) refResult {
	return refResult{binding: Binding{Type: Unknown}, fail: &finding{d: d, fix: fx}}
}

func (r *Resolver) field(scope Scope, f *expr.Field) refResult {
	text := f.Text()
	if !r.entitiesUsable() {
		return refResult{binding: Binding{Type: Unknown}}
	}
	root := f.Root
	if root == expr.SelfRoot {
		if scope.Subject == "" {
			return unresolved(diag.New(diag.Reference, diag.Error, diag.CodeSelfOutOfScope, "",
				"%s: self has no subject entity here", text).WithActual(text), nil)
		}
		root = scope.Subject
	}
	ent := r.ctx.Spec.Entity(root)
	if ent == nil {
		if f.Root == expr.SelfRoot {
			// The subject itself is undeclared; reported where it is declared.
			return refResult{binding: Binding{Type: Unknown}}
		}
		names := r.ctx.Spec.EntityNames()
		d := diag.New(diag.Reference, diag.Error, diag.CodeUnknownEntity, "",
			"unknown entity %q in %s", f.Root, text).WithActual(f.Root).WithOptions(diag.Nearest(f.Root, names))
		var fx *fix
		if best, ok := diag.Best(f.Root, names); ok {
			fx = &fix{kind: "access", from: text, to: best + strings.TrimPrefix(text, f.Root)}
		}
		return unresolved(d, fx)
	}
	var b Binding
	for i, seg := range f.Path {
		last := i == len(f.Path)-1
		fd := ent.Field(seg)
		if fd == nil {
			if dv := r.derivedOn(ent.Name, seg); dv != nil && last {
				b.Type = FromDeclared(dv.Type, "", nil)
				b.Derived = dv.Name
				return refResult{binding: b}
			}
			options := append(ent.FieldNames(), r.derivedNamesOn(ent.Name)...)
			d := diag.New(diag.Reference, diag.Error, diag.CodeUnknownField, "",
				"%s has no field %q (in %s)", ent.Name, seg, text).
				WithExpected("field of " + ent.Name).WithActual(text).WithOptions(diag.Nearest(seg, options))
			if len(d.ValidOptions) == 0 {
				d = d.WithOptions(options)
			}
			var fx *fix
			if best, ok := diag.Best(seg, options); ok {
				parts := append([]string{f.Root}, f.Path...)
				parts[i+1] = best
				fx = &fix{kind: "access", from: text, to: strings.Join(parts, ".")}
			}
			return unresolved(d, fx)
		}
		b.Reads = append(b.Reads, FieldRef{Entity: ent.Name, Field: fd.Name})
		if last {
			b.Type = FromField(fd)
			return refResult{binding: b}
		}
		if fd.Type != spec.TypeRef {
			return unresolved(diag.New(diag.Reference, diag.Error, diag.CodeUnknownField, "",
				"%s.%s is not a relation, cannot follow %s", ent.Name, fd.Name, text).
				WithExpected("ref field").WithActual(string(fd.Type)), nil)
		}
		next := r.ctx.Spec.Entity(fd.Ref)
		if next == nil {
			return refResult{binding: Binding{Type: Unknown, Reads: b.Reads}}
		}
		ent = next
	}
	return refResult{binding: b}
}

func (r *Resolver) derivedOn(entity, name string) *spec.Derived {
	dv := r.ctx.Spec.DerivedValue(name)
	if dv != nil && dv.Entity == entity {
		return dv
	}
	return nil
}

func (r *Resolver) derivedNamesOn(entity string) []string {
	var out []string
	for _, d := range r.ctx.Spec.Derived {
		if d.Entity == entity {
			out = append(out, d.Name)
		}
	}
	return out
}

func (r *Resolver) input(scope Scope, in *expr.Input) refResult {
	text := in.Text()
	if scope.Command == nil {
		return unresolved(diag.New(diag.Reference, diag.Error, diag.CodeUnknownInput, "",
			"%s: inputs are only available inside a command", text).WithActual(text), nil)
	}
	p := scope.Command.Input(in.Name)
	if p == nil {
		names := scope.Command.InputNames()
		d := diag.New(diag.Reference, diag.Error, diag.CodeUnknownInput, "",
			"command %s has no input %q", scope.Command.Name, in.Name).
			WithExpected("input of " + scope.Command.Name).WithActual(text).WithOptions(names)
		var fx *fix
		if best, ok := diag.Best(in.Name, names); ok {
			fx = &fix{kind: "access", from: text, to: "input." + best}
		}
		return unresolved(d, fx)
	}
	return refResult{binding: Binding{Type: FromField(p)}}
}

func (r *Resolver) call(c *expr.Call) refResult {
	if _, ok := builtins[c.Func]; ok {
		b := Binding{Type: Unknown, Builtin: true}
		if c.Target != "" && r.entitiesUsable() && r.ctx.Spec.Entity(c.Target) == nil {
			names := r.ctx.Spec.EntityNames()
			return unresolved(diag.New(diag.Reference, diag.Error, diag.CodeUnknownEntity, "",
				"%s ranges over unknown entity %q", c.Func, c.Target).
				WithActual(c.Target).WithOptions(diag.Nearest(c.Target, names)), nil)
		}
		return refResult{binding: b}
	}
	if dv := r.ctx.Spec.DerivedValue(c.Func); dv != nil {
		return refResult{binding: Binding{Type: FromDeclared(dv.Type, "", nil), Derived: dv.Name}}
	}
	if r.ctx.Report.Disqualified[spec.SecDerived] {
		return refResult{binding: Binding{Type: Unknown}}
	}
	names := append(builtinNames(), r.ctx.Spec.DerivedNames()...)
	d := diag.New(diag.Reference, diag.Error, diag.CodeUnknownFunction, "",
		"unknown function or derived value %q", c.Func).WithActual(c.Func).WithOptions(diag.Nearest(c.Func, names))
	var fx *fix
	if best, ok := diag.Best(c.Func, names); ok {
		fx = &fix{kind: "call", from: c.Func, to: best}
	}
	return unresolved(d, fx)
}
