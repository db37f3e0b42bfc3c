package diag

// Result is the aggregated outcome of one validation run.
type Result struct {
	Valid      bool         `json:"valid"`
	Errors     []Diagnostic `json:"errors"`
	Warnings   []Diagnostic `json:"warnings"`
	FixPatches []Patch      `json:"fix_patches"`
}

// Summarize splits diagnostics by severity, preserving emission order.
// Valid is false iff any diagnostic is critical or error.
func Summarize(ds []Diagnostic) Result {
	res := Result{Valid: true, Errors: []Diagnostic{}, Warnings: []Diagnostic{}, FixPatches: []Patch{}}
	for _, d := range ds {
		if d.Severity.Blocking() {
			res.Valid = false
			res.Errors = append(res.Errors, d)
		} else {
			res.Warnings = append(res.Warnings, d)
		}
		if d.AutoFixable && d.FixPatch != nil {
			res.FixPatches = append(res.FixPatches, *d.FixPatch)
		}
	}
	return res
}

// Codes lists the codes of ds in order; handy for assertions and logs.
func Codes(ds []Diagnostic) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Code)
	}
	return out
}

// Collector accumulates diagnostics for one phase or validator.
type Collector struct {
	items []Diagnostic
}

func (c *Collector) Add(d ...Diagnostic) {
	c.items = append(c.items, d...)
}

func (c *Collector) Items() []Diagnostic {
	return c.items
}
