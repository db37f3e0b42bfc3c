package semantic

import (
	"strings"
	"unicode"

	"meshval/internal/diag"
	"meshval/internal/expr"
)

// Analysis is the cached outcome of resolving and type checking one
// expression in one scope.
type Analysis struct {
	Type    Type
	Reads   []FieldRef
	Writes  []FieldRef
	Derived []string

	findings []finding
}

// Failed reports whether analysis produced any diagnostics.
func (a *Analysis) Failed() bool {
	return len(a.findings) > 0
}

// Analyze resolves and type checks e within scope, consulting the cache
// first. Equal trees in the same scope share one Analysis regardless of
// surface form.
func (c *Context) Analyze(e *expr.Expr, scope Scope) *Analysis {
	id := expr.Key(e.Root)
	key := scope.ID + "\x00" + id
	if id != "" {
		if a, ok := c.Cache.expression(key); ok {
			return a
		}
	}
	bind, found := c.resolver.Resolve(e.Root, scope)
	ch := newChecker(c, e.Root, bind)
	t := ch.visit(e.Root)
	a := &Analysis{Type: t, findings: append(found, ch.out...)}
	collect(a, e.Root, bind)
	if id != "" {
		c.Cache.storeExpression(key, a)
	}
	return a
}

func collect(a *Analysis, root expr.Node, bind map[expr.Node]Binding) {
	seenR := map[FieldRef]bool{}
	seenD := map[string]bool{}
	var target expr.Node
	if as, ok := root.(*expr.Assign); ok {
		target = as.Target
	}
	for _, n := range expr.Preorder(root) {
		b, ok := bind[n]
		if !ok {
			continue
		}
		reads := b.Reads
		if n == target && len(reads) > 0 {
			a.Writes = append(a.Writes, reads[len(reads)-1])
			reads = reads[:len(reads)-1]
		}
		for _, r := range reads {
			if !seenR[r] {
				seenR[r] = true
				a.Reads = append(a.Reads, r)
			}
		}
		if b.Derived != "" && !seenD[b.Derived] {
			seenD[b.Derived] = true
			a.Derived = append(a.Derived, b.Derived)
		}
	}
}

// Diagnostics instantiates the analysis findings for one occurrence of the
// expression at base. Nodes of string-form expressions report at base;
// map-form nodes report at their own key path.
func (a *Analysis) Diagnostics(e *expr.Expr, base string) []diag.Diagnostic {
	if len(a.findings) == 0 {
		return nil
	}
	nodes := expr.Preorder(e.Root)
	out := make([]diag.Diagnostic, 0, len(a.findings))
	for _, f := range a.findings {
		var origin expr.Origin
		if f.node < len(nodes) {
			origin = e.Origin(nodes[f.node])
		}
		d := f.d
		d.Path = base
		if !e.IsString() {
			d.Path = base + origin.Path
		}
		if f.fix != nil {
			if p, ok := patchFor(e, base, origin, f.fix); ok {
				d = d.WithFix(p)
			}
		}
		out = append(out, d)
	}
	return out
}

func patchFor(e *expr.Expr, base string, origin expr.Origin, fx *fix) (diag.Patch, bool) {
	if src, ok := e.Source.(string); ok {
		out := substitute(src, fx)
		if out == src {
			return diag.Patch{}, false
		}
		return diag.Patch{Op: diag.OpReplace, Path: diag.Pointer(base), Value: out}, true
	}
	ptr := diag.Pointer(base + origin.Path)
	switch {
	case fx.kind == "literal" && origin.Leaf == "value":
		return diag.Patch{Op: diag.OpReplace, Path: ptr + "/value", Value: fx.value}, true
	case fx.kind == "call" && origin.Leaf == "name":
		return diag.Patch{Op: diag.OpReplace, Path: ptr + "/name", Value: fx.to}, true
	case fx.kind == "access":
		switch origin.Leaf {
		case "path":
			return diag.Patch{Op: diag.OpReplace, Path: ptr + "/path", Value: fx.to}, true
		case "field":
			return diag.Patch{Op: diag.OpReplace, Path: ptr + "/field", Value: strings.TrimPrefix(fx.to, expr.SelfRoot+".")}, true
		case "name":
			return diag.Patch{Op: diag.OpReplace, Path: ptr + "/name", Value: strings.TrimPrefix(fx.to, "input.")}, true
		}
	}
	return diag.Patch{}, false
}

// substitute rewrites every whole-token occurrence of fx.from in src.
func substitute(src string, fx *fix) string {
	var b strings.Builder
	i := 0
	for {
		j := strings.Index(src[i:], fx.from)
		if j < 0 {
			b.WriteString(src[i:])
			return b.String()
		}
		start := i + j
		end := start + len(fx.from)
		if tokenAt(src, start, end, fx.kind) {
			b.WriteString(src[i:start])
			b.WriteString(fx.to)
		} else {
			b.WriteString(src[i:end])
		}
		i = end
	}
}

func tokenAt(src string, start, end int, kind string) bool {
	before := byte(' ')
	if start > 0 {
		before = src[start-1]
	}
	after := byte(' ')
	if end < len(src) {
		after = src[end]
	}
	switch kind {
	case "literal":
		return (before == '\'' || before == '"') && after == before
	case "call":
		rest := strings.TrimLeftFunc(src[end:], unicode.IsSpace)
		return !isWordByte(before) && before != '.' && strings.HasPrefix(rest, "(")
	}
	return !isWordByte(before) && before != '.' && !isWordByte(after) && after != '.' && after != '('
}

func isWordByte(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= 0x80
}
