package diag

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Category classifies what kind of rule a diagnostic violates.
type Category string

const (
	Schema     Category = "schema"
	Reference  Category = "reference"
	Type       Category = "type"
	Logic      Category = "logic"
	Constraint Category = "constraint"
)

// Severity decides whether a diagnostic blocks validity.
// Critical additionally disqualifies the containing section from later phases.
type Severity string

const (
	Critical Severity = "critical"
	Error    Severity = "error"
	Warning  Severity = "warning"
)

// Blocking reports whether the severity makes a spec invalid.
func (s Severity) Blocking() bool {
	return s == Critical || s == Error
}

// Patch is a targeted structural edit addressed by JSON pointer.
type Patch struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// MarshalJSON omits value for removals only; zero values are meaningful
// for add and replace.
func (p Patch) MarshalJSON() ([]byte, error) {
	if p.Op == OpRemove {
		return json.Marshal(struct {
			Op   string `json:"op"`
			Path string `json:"path"`
		}{p.Op, p.Path})
	}
	type plain Patch
	return json.Marshal(plain(p))
}

const (
	OpAdd     = "add"
	OpReplace = "replace"
	OpRemove  = "remove"
)

// Diagnostic is one machine-actionable finding. Values are built once and
// never mutated; the With* helpers return modified copies.
type Diagnostic struct {
	Path         string   `json:"path"`
	Code         string   `json:"code"`
	Category     Category `json:"category"`
	Severity     Severity `json:"severity"`
	Message      string   `json:"message"`
	Expected     any      `json:"expected"`
	Actual       any      `json:"actual"`
	ValidOptions []string `json:"valid_options"`
	AutoFixable  bool     `json:"auto_fixable"`
	FixPatch     *Patch   `json:"fix_patch"`
}

// New builds a diagnostic without expected/actual context.
func New(cat Category, sev Severity, code, path, format string, args ...any) Diagnostic {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return Diagnostic{Path: path, Code: code, Category: cat, Severity: sev, Message: msg}
}

func (d Diagnostic) WithExpected(v any) Diagnostic {
	d.Expected = v
	return d
}

func (d Diagnostic) WithActual(v any) Diagnostic {
	d.Actual = v
	return d
}

func (d Diagnostic) WithOptions(opts []string) Diagnostic {
	if len(opts) == 0 {
		return d
	}
	d.ValidOptions = append([]string(nil), opts...)
	return d
}

// WithFix attaches a patch and marks the diagnostic auto-fixable.
func (d Diagnostic) WithFix(p Patch) Diagnostic {
	d.FixPatch = &p
	d.AutoFixable = true
	return d
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s %s [%s/%s] %s", d.Path, d.Code, d.Category, d.Severity, d.Message)
}

// Join appends a mapping key to a dotted path.
func Join(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

// Index appends a sequence index to a dotted path.
func Index(base string, i int) string {
	return base + "[" + strconv.Itoa(i) + "]"
}

// Pointer converts a dotted path like `sagas.S.steps[1].dependsOn` into the
// JSON pointer `/sagas/S/steps/1/dependsOn`.
func Pointer(path string) string {
	if path == "" {
		return ""
	}
	var b strings.Builder
	seg := strings.Builder{}
	flush := func() {
		b.WriteByte('/')
		s := strings.ReplaceAll(seg.String(), "~", "~0")
		b.WriteString(strings.ReplaceAll(s, "/", "~1"))
		seg.Reset()
	}
	for i := 0; i < len(path); i++ {
		switch c := path[i]; c {
		case '.':
			flush()
		case '[':
			flush()
		case ']':
		default:
			seg.WriteByte(c)
		}
	}
	flush()
	return b.String()
}
