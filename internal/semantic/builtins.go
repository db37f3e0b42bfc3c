package semantic

import "sort"

// signature is an entry of the fixed function table. Parameter classes are
// "number", "datetime", "string", "int" and "any".
type signature struct {
	params    []string
	minArgs   int
	aggregate bool
	result    func(args []Type) Type
}

func fixed(t Type) func([]Type) Type {
	return func([]Type) Type { return t }
}

func firstArg(args []Type) Type {
	if len(args) == 0 {
		return Unknown
	}
	return args[0]
}

var builtins = map[string]signature{
	"sum":       {params: []string{"number"}, minArgs: 1, aggregate: true, result: firstArg},
	"avg":       {params: []string{"number"}, minArgs: 1, aggregate: true, result: fixed(Float)},
	"min":       {params: []string{"number"}, minArgs: 1, aggregate: true, result: firstArg},
	"max":       {params: []string{"number"}, minArgs: 1, aggregate: true, result: firstArg},
	"count":     {params: []string{"any"}, minArgs: 0, aggregate: true, result: fixed(Int)},
	"exists":    {params: []string{"any"}, minArgs: 0, aggregate: true, result: fixed(Bool)},
	"date_diff": {params: []string{"datetime", "datetime"}, minArgs: 2, result: fixed(Int)},
	"today":     {result: fixed(Datetime)},
	"now":       {result: fixed(Datetime)},
	"overlaps":  {params: []string{"datetime", "datetime", "datetime", "datetime"}, minArgs: 4, result: fixed(Bool)},
	"add_days":  {params: []string{"datetime", "int"}, minArgs: 2, result: fixed(Datetime)},
	"len":       {params: []string{"string"}, minArgs: 1, result: fixed(Int)},
	"coalesce":  {params: []string{"any", "any"}, minArgs: 2, result: coalesceResult},
}

func coalesceResult(args []Type) Type {
	t := Unknown
	for _, a := range args {
		u, ok := unify(t, a)
		if !ok {
			return Unknown
		}
		t = u
	}
	return t
}

func builtinNames() []string {
	out := make([]string, 0, len(builtins))
	for name := range builtins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// accepts reports whether an argument type fits a parameter class.
func accepts(class string, t Type) bool {
	if t.IsUnknown() || t.IsNull() {
		return true
	}
	switch class {
	case "number":
		return t.IsNumeric()
	case "int":
		return t.Name == "int"
	case "datetime":
		return t.Name == "datetime"
	case "string":
		return t.IsStringy()
	}
	return true
}
