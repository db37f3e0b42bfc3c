package semantic

import (
	"strings"

	"meshval/internal/spec"
)

// Type is the static type of an expression. Unknown suppresses further
// checks so one unresolved reference does not cascade.
type Type struct {
	Name   string
	Entity string
	Values []string
}

var (
	Unknown  = Type{Name: "unknown"}
	Null     = Type{Name: "null"}
	Int      = Type{Name: "int"}
	Float    = Type{Name: "float"}
	String   = Type{Name: "string"}
	Text     = Type{Name: "text"}
	Bool     = Type{Name: "bool"}
	Datetime = Type{Name: "datetime"}
)

func (t Type) String() string {
	switch t.Name {
	case "ref":
		return "ref(" + t.Entity + ")"
	case "enum":
		return "enum(" + strings.Join(t.Values, "|") + ")"
	}
	return t.Name
}

func (t Type) IsUnknown() bool { return t.Name == "unknown" || t.Name == "" }
func (t Type) IsNull() bool    { return t.Name == "null" }
func (t Type) IsNumeric() bool { return t.Name == "int" || t.Name == "float" }
func (t Type) IsBool() bool    { return t.Name == "bool" }

// IsStringy covers string, text and enum values.
func (t Type) IsStringy() bool {
	return t.Name == "string" || t.Name == "text" || t.Name == "enum"
}

func (t Type) class() string {
	switch {
	case t.IsNumeric():
		return "number"
	case t.IsStringy():
		return "string"
	case t.Name == "ref":
		return "ref:" + t.Entity
	}
	return t.Name
}

// FromField maps a declared field to its static type.
func FromField(f *spec.Field) Type {
	return FromDeclared(f.Type, f.Ref, f.Values)
}

// FromDeclared maps a declared type name to a static type.
func FromDeclared(t spec.FieldType, ref string, values []string) Type {
	switch t {
	case spec.TypeInt:
		return Int
	case spec.TypeFloat:
		return Float
	case spec.TypeString:
		return String
	case spec.TypeText:
		return Text
	case spec.TypeBool:
		return Bool
	case spec.TypeDatetime:
		return Datetime
	case spec.TypeEnum:
		return Type{Name: "enum", Values: values}
	case spec.TypeRef:
		return Type{Name: "ref", Entity: ref}
	}
	return Unknown
}

// Comparable reports whether two types may meet in == or !=.
func Comparable(a, b Type) bool {
	if a.IsUnknown() || b.IsUnknown() || a.IsNull() || b.IsNull() {
		return true
	}
	return a.class() == b.class()
}

// Ordered reports whether two types may meet in < <= > >=.
func Ordered(a, b Type) bool {
	if a.IsUnknown() || b.IsUnknown() {
		return true
	}
	if a.class() != b.class() {
		return false
	}
	return a.IsNumeric() || a.IsStringy() || a.Name == "datetime"
}

// Assignable reports whether a value of type from fits a slot of type to.
// int widens to float; null fits anything.
func Assignable(to, from Type) bool {
	switch {
	case to.IsUnknown() || from.IsUnknown() || from.IsNull():
		return true
	case to.Name == "float" && from.Name == "int":
		return true
	case to.IsStringy() && from.IsStringy():
		return true
	case to.Name == "ref":
		return from.Name == "ref" && from.Entity == to.Entity
	}
	return to.Name == from.Name
}

// widen joins two numeric types: int only when both are int.
func widen(a, b Type) Type {
	if a.Name == "int" && b.Name == "int" {
		return Int
	}
	return Float
}

// unify joins branch types of a conditional. ok is false when they clash.
func unify(a, b Type) (Type, bool) {
	switch {
	case a.IsUnknown():
		return b, true
	case b.IsUnknown():
		return a, true
	case a.IsNull():
		return b, true
	case b.IsNull():
		return a, true
	case a.IsNumeric() && b.IsNumeric():
		return widen(a, b), true
	case a.class() == b.class():
		if a.Name == b.Name {
			return a, true
		}
		return String, true
	}
	return Unknown, false
}
