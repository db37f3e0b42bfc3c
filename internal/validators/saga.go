package validators

import (
	"strings"

	"meshval/internal/diag"
	"meshval/internal/semantic"
	"meshval/internal/spec"
)

// OnFailure policies a saga may declare.
var OnFailurePolicies = []string{"compensate_all", "compensate_completed", "fail_fast", "continue"}

// Sagas checks step naming, command references, step ordering and the
// failure policy.
type Sagas struct{}

func (Sagas) Name() string { return "sagas" }

func (Sagas) Validate(s *spec.Spec, ctx *semantic.Context) []diag.Diagnostic {
	if !ctx.Report.Usable(spec.SecSagas) {
		return nil
	}
	var out diag.Collector
	for _, sg := range s.Sagas {
		validateSaga(s, ctx, sg, &out)
	}
	return out.Items()
}

func validateSaga(s *spec.Spec, ctx *semantic.Context, sg *spec.Saga, out *diag.Collector) {
	earlier := map[string]int{}
	var earlierNames []string
	declared := map[string]bool{}
	for _, st := range sg.Steps {
		declared[st.Name] = true
	}
	for i, st := range sg.Steps {
		if _, dup := earlier[st.Name]; dup {
			out.Add(diag.New(diag.Constraint, diag.Error, diag.CodeSagaDuplicateStep, diag.Join(st.Path, "name"),
				"saga %s declares step %q more than once", sg.Name, st.Name).WithActual(st.Name))
		}
		if d, bad := unknownCommand(s, ctx, diag.CodeSagaForward, st.Forward, diag.Join(st.Path, "forward")); bad {
			out.Add(d)
		}
		if d, bad := unknownCommand(s, ctx, diag.CodeSagaCompensate, st.Compensate, diag.Join(st.Path, "compensate")); bad {
			out.Add(d)
		}
		depPath := diag.Join(st.Path, "dependsOn")
		for _, dep := range st.DependsOn {
			if _, ok := earlier[dep]; ok {
				continue
			}
			var msg string
			switch {
			case dep == st.Name:
				msg = "step %q of saga %s depends on itself"
			case declared[dep]:
				msg = "step %q of saga %s depends on %q, which is not declared before it"
			default:
				msg = "step %q of saga %s depends on unknown step %q"
			}
			args := []any{st.Name, sg.Name}
			if dep != st.Name {
				args = append(args, dep)
			}
			out.Add(diag.New(diag.Reference, diag.Error, diag.CodeSagaDependsOn, depPath, msg, args...).
				WithExpected("a step declared before step "+st.Name).WithActual(dep).WithOptions(earlierNames))
		}
		if c := s.Command(st.Forward); c != nil && st.Compensate == "" && c.HasSideEffects() {
			out.Add(diag.New(diag.Constraint, diag.Warning, diag.CodeSagaNoCompensation, st.Path,
				"step %q runs %s, which has side effects, without a compensate command", st.Name, st.Forward).
				WithExpected("compensate").WithActual(nil))
		}
		if _, seen := earlier[st.Name]; !seen {
			earlier[st.Name] = i
			earlierNames = append(earlierNames, st.Name)
		}
	}

	if sg.OnFailure == "" {
		return
	}
	for _, p := range OnFailurePolicies {
		if sg.OnFailure == p {
			return
		}
	}
	path := diag.Join(sg.Path, "onFailure")
	d := diag.New(diag.Constraint, diag.Error, diag.CodeSagaOnFailure, path,
		"onFailure %q is not one of %s", sg.OnFailure, strings.Join(OnFailurePolicies, ", ")).
		WithExpected(OnFailurePolicies).WithActual(sg.OnFailure)
	d.ValidOptions = append([]string(nil), OnFailurePolicies...)
	if best, ok := diag.Best(sg.OnFailure, OnFailurePolicies); ok {
		d = d.WithFix(diag.Patch{Op: diag.OpReplace, Path: diag.Pointer(path), Value: best})
	}
	out.Add(d)
}
