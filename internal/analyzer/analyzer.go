// Package analyzer sequences one validation pass: structure, expression
// resolution, domain rules, then the dependency graph.
package analyzer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"meshval/internal/depgraph"
	"meshval/internal/diag"
	"meshval/internal/semantic"
	"meshval/internal/spec"
	"meshval/internal/validators"
)

// ErrNotMapping is returned when the document root is not a mapping. It is
// a caller error, not a validation outcome.
var ErrNotMapping = errors.New("spec root must be a mapping")

// Result is the aggregated outcome of one pass.
type Result struct {
	diag.Result
	Fingerprint string          `json:"fingerprint"`
	Stats       semantic.Stats  `json:"stats"`
	Graph       *depgraph.Graph `json:"-"`
	Spec        *spec.Spec      `json:"-"`
}

// Analyzer holds per-caller settings. The zero value validates with the
// default depth bound, the default validators and a fresh cache per call.
type Analyzer struct {
	// MaxDepth bounds expression nesting; zero means semantic.DefaultMaxDepth.
	MaxDepth int
	// Strict makes warnings block validity.
	Strict bool
	// Presets extends the built-in field preset names.
	Presets []string
	// Validators replaces the default domain validators when set.
	Validators []validators.Validator
	// Cache is reused across calls when set. One call may use it at a time.
	Cache *semantic.Cache
}

// Validate runs every phase over doc and returns all findings.
func (a Analyzer) Validate(doc any) (*Result, error) {
	raw, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrNotMapping, doc)
	}
	fp := Fingerprint(raw)
	cache := a.Cache
	if cache == nil {
		cache = semantic.NewCache()
	}
	s, rep := spec.Decode(raw)
	ctx := semantic.NewContext(s, rep, cache, a.MaxDepth)
	cache.Begin(fp, ctx.MaxDepth)

	var all diag.Collector
	all.Add(rep.Diagnostics...)

	p := &pass{ctx: ctx, spec: s, out: &all}
	uses := p.resolve()

	for _, v := range a.validators() {
		all.Add(v.Validate(s, ctx)...)
	}

	g := depgraph.Build(s, uses)
	if rep.Usable(spec.SecDerived) {
		all.Add(g.CycleDiagnostics()...)
	}

	res := &Result{
		Result:      diag.Summarize(all.Items()),
		Fingerprint: fp,
		Stats:       cache.Stats(),
		Graph:       g,
		Spec:        s,
	}
	if a.Strict && len(res.Warnings) > 0 {
		res.Valid = false
	}
	return res, nil
}

func (a Analyzer) validators() []validators.Validator {
	if a.Validators != nil {
		return a.Validators
	}
	vs := validators.Default()
	for i, v := range vs {
		if _, ok := v.(validators.Misc); ok {
			vs[i] = validators.Misc{ExtraPresets: a.Presets}
		}
	}
	return vs
}

// Fingerprint identifies a document's content. Mapping keys marshal in
// sorted order, so equal documents share a fingerprint.
func Fingerprint(doc map[string]any) string {
	b, err := json.Marshal(doc)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
