package validators

import (
	"meshval/internal/diag"
	"meshval/internal/semantic"
	"meshval/internal/spec"
)

// StateMachines checks states, transitions, guards and reachability.
type StateMachines struct{}

func (StateMachines) Name() string { return "state machines" }

func (StateMachines) Validate(s *spec.Spec, ctx *semantic.Context) []diag.Diagnostic {
	if !ctx.Report.Usable(spec.SecStateMachines) {
		return nil
	}
	var out diag.Collector
	for _, m := range s.StateMachines {
		validateMachine(s, ctx, m, &out)
	}
	return out.Items()
}

func validateMachine(s *spec.Spec, ctx *semantic.Context, m *spec.StateMachine, out *diag.Collector) {
	if d, bad := unknownEntity(s, ctx, m.Entity, diag.Join(m.Path, "entity")); bad {
		out.Add(d)
	} else if m.Field != "" && m.Entity != "" {
		if e := s.Entity(m.Entity); e != nil && e.Field(m.Field) == nil {
			p := diag.Join(m.Path, "field")
			out.Add(renameFix(diag.New(diag.Reference, diag.Error, diag.CodeUnknownField, p,
				"%s has no field %q", m.Entity, m.Field).WithActual(m.Field), p, m.Field, e.FieldNames()))
		}
	}

	names := m.StateNames()
	seen := map[string]bool{}
	for _, st := range m.States {
		if seen[st.Name] {
			out.Add(diag.New(diag.Constraint, diag.Error, diag.CodeDuplicateName, st.Path,
				"state %q declared twice", st.Name).WithActual(st.Name))
		}
		seen[st.Name] = true
	}
	unknownState := func(name, path string) bool {
		if m.State(name) != nil {
			return false
		}
		out.Add(renameFix(diag.New(diag.Reference, diag.Error, diag.CodeFSMUnknownState, path,
			"state machine %s has no state %q", m.Name, name).WithActual(name), path, name, names))
		return true
	}
	initialOK := !unknownState(m.Initial, diag.Join(m.Path, "initial"))

	scope := semantic.MachineScope(m)
	adj := map[string][]string{}
	outgoing := map[string]int{}
	type key struct{ from, trigger string }
	groups := map[key][]*spec.Transition{}
	for _, tr := range m.Transitions {
		fromOK := !unknownState(tr.From, diag.Join(tr.Path, "from"))
		toOK := !unknownState(tr.To, diag.Join(tr.Path, "to"))
		if d, bad := unknownCommand(s, ctx, diag.CodeFSMUnknownTrigger, tr.Trigger, diag.Join(tr.Path, "trigger")); bad {
			out.Add(d)
		}
		if d, bad := unknownCommand(s, ctx, diag.CodeFSMUnknownTrigger, tr.Action, diag.Join(tr.Path, "action")); bad {
			out.Add(d)
		}
		if d, bad := booleanSite(ctx, tr.Guard, scope, diag.CodeFSMGuardType, "transition guard"); bad {
			out.Add(d)
		}
		if fromOK {
			outgoing[tr.From]++
			if st := m.State(tr.From); st.Final && !st.Reenterable {
				out.Add(diag.New(diag.Logic, diag.Error, diag.CodeFSMTerminalOut, tr.Path,
					"terminal state %q has an outgoing transition to %q", tr.From, tr.To).
					WithActual(tr.From).WithExpected("no transitions out of a terminal state unless reenterable"))
			}
		}
		if fromOK && toOK {
			adj[tr.From] = append(adj[tr.From], tr.To)
		}
		if tr.Trigger != "" {
			k := key{tr.From, tr.Trigger}
			groups[k] = append(groups[k], tr)
		}
	}

	for _, tr := range m.Transitions {
		if tr.Trigger == "" {
			continue
		}
		g := groups[key{tr.From, tr.Trigger}]
		if len(g) < 2 || g[0] != tr {
			continue
		}
		for _, other := range g {
			if other.Guard == nil {
				out.Add(diag.New(diag.Logic, diag.Error, diag.CodeFSMConflict, other.Path,
					"%d transitions leave %q on %s and at least one is unguarded", len(g), tr.From, tr.Trigger).
					WithActual(tr.Trigger))
				break
			}
		}
	}

	if !initialOK {
		return
	}
	reached := map[string]bool{m.Initial: true}
	queue := []string{m.Initial}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, nx := range adj[cur] {
			if !reached[nx] {
				reached[nx] = true
				queue = append(queue, nx)
			}
		}
	}
	for _, st := range m.States {
		if !reached[st.Name] {
			out.Add(diag.New(diag.Logic, diag.Error, diag.CodeFSMUnreachable, st.Path,
				"state %q is unreachable from initial state %q", st.Name, m.Initial).WithActual(st.Name))
			continue
		}
		if !st.Final && outgoing[st.Name] == 0 {
			out.Add(diag.New(diag.Logic, diag.Warning, diag.CodeFSMDeadEnd, st.Path,
				"state %q has no outgoing transitions and is not final", st.Name).WithActual(st.Name))
		}
	}
}
