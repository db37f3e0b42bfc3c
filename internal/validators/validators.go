// Package validators holds the domain rule sets run after expressions are
// resolved. Each Validator is independent: it reads the decoded spec and
// the run context and returns its own diagnostics.
package validators

import (
	"meshval/internal/diag"
	"meshval/internal/semantic"
	"meshval/internal/spec"
)

// Validator is one domain rule set.
type Validator interface {
	Name() string
	Validate(s *spec.Spec, ctx *semantic.Context) []diag.Diagnostic
}

// Default returns the standard validators in the order they run.
func Default() []Validator {
	return []Validator{StateMachines{}, Sagas{}, Policies{}, Misc{}}
}

// renameFix attaches a replace patch when name has one unambiguous
// nearest candidate.
func renameFix(d diag.Diagnostic, path, name string, candidates []string) diag.Diagnostic {
	d = d.WithOptions(diag.Nearest(name, candidates))
	if best, ok := diag.Best(name, candidates); ok {
		d = d.WithFix(diag.Patch{Op: diag.OpReplace, Path: diag.Pointer(path), Value: best})
	}
	return d
}

// unknownEntity reports a dangling entity name unless entities are unusable.
func unknownEntity(s *spec.Spec, ctx *semantic.Context, name, path string) (diag.Diagnostic, bool) {
	if name == "" || !ctx.Report.Usable(spec.SecEntities) || s.Entity(name) != nil {
		return diag.Diagnostic{}, false
	}
	d := diag.New(diag.Reference, diag.Error, diag.CodeUnknownEntity, path, "unknown entity %q", name).WithActual(name)
	return renameFix(d, path, name, s.EntityNames()), true
}

// unknownCommand reports a dangling command name unless commands are unusable.
func unknownCommand(s *spec.Spec, ctx *semantic.Context, code, name, path string) (diag.Diagnostic, bool) {
	if name == "" || !ctx.Report.Usable(spec.SecCommands) || s.Command(name) != nil {
		return diag.Diagnostic{}, false
	}
	d := diag.New(diag.Reference, diag.Error, code, path, "unknown command %q", name).WithActual(name)
	return renameFix(d, path, name, s.CommandNames()), true
}

// booleanSite checks that an expression analyzed to bool. Parse and
// resolution problems were already reported in the resolution phase.
func booleanSite(ctx *semantic.Context, x *spec.Expression, scope semantic.Scope, code, what string) (diag.Diagnostic, bool) {
	if x == nil {
		return diag.Diagnostic{}, false
	}
	site := ctx.Expression(*x, scope, false)
	if !site.OK() {
		return diag.Diagnostic{}, false
	}
	t := site.Analysis.Type
	if t.IsUnknown() || t.IsBool() {
		return diag.Diagnostic{}, false
	}
	return diag.New(diag.Type, diag.Error, code, x.Path, "%s must be boolean, got %s", what, t).
		WithExpected("bool").WithActual(t.String()), true
}
