// Package spec is the typed view of a canonical specification document.
// Decode performs the structural phase: it checks the top-level shape,
// converts every section it can read, and disqualifies the rest.
package spec

import "sort"

// Section names a top-level key of the document.
type Section string

const (
	SecMeta          Section = "meta"
	SecEntities      Section = "entities"
	SecCommands      Section = "commands"
	SecDerived       Section = "derived"
	SecStateMachines Section = "stateMachines"
	SecSagas         Section = "sagas"
	SecRoles         Section = "roles"
	SecPolicies      Section = "policies"
	SecScenarios     Section = "scenarios"
	SecRequirements  Section = "requirements"
)

// Sections lists every known section in processing order.
var Sections = []Section{
	SecMeta, SecEntities, SecCommands, SecDerived, SecStateMachines,
	SecSagas, SecRoles, SecPolicies, SecScenarios, SecRequirements,
}

// Required sections must be present for a spec to be meaningful.
var Required = map[Section]bool{SecEntities: true, SecCommands: true}

// FieldType is the declared type of an entity field or command input.
type FieldType string

const (
	TypeString   FieldType = "string"
	TypeInt      FieldType = "int"
	TypeFloat    FieldType = "float"
	TypeBool     FieldType = "bool"
	TypeDatetime FieldType = "datetime"
	TypeText     FieldType = "text"
	TypeEnum     FieldType = "enum"
	TypeRef      FieldType = "ref"
)

var fieldTypes = []string{"bool", "datetime", "enum", "float", "int", "ref", "string", "text"}

// Expression is an unparsed expression and where it sits in the document.
type Expression struct {
	Raw  any
	Path string
}

type Field struct {
	Name       string
	Type       FieldType
	Required   bool
	Unique     bool
	Default    any
	HasDefault bool
	Min        *float64
	Max        *float64
	MinLength  *int
	MaxLength  *int
	Pattern    string
	Precision  *int
	Preset     string
	Ref        string
	Values     []string
	Path       string
}

type Entity struct {
	Name        string
	Description string
	Fields      []*Field
	Path        string
}

// Field returns the named field or nil.
func (e *Entity) Field(name string) *Field {
	for _, f := range e.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// FieldNames lists field names in declaration order.
func (e *Entity) FieldNames() []string {
	out := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		out = append(out, f.Name)
	}
	return out
}

// Action kinds for post actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionAssign = "assign"
)

type Assignment struct {
	Field string
	Value Expression
}

type PostAction struct {
	Kind       string
	Entity     string
	EntityPath string
	Set        []Assignment
	// SetPath locates the set/with mapping; HasSet is false when absent.
	SetPath string
	HasSet  bool
	Assign  *Expression
	When    *Expression
	Path    string
}

type ErrorCase struct {
	Code string
	When *Expression
	Path string
}

type Command struct {
	Name    string
	Entity  string
	Inputs  []*Field
	Pre     []Expression
	Post    []PostAction
	Errors  []ErrorCase
	Returns map[string]string
	Path    string
}

// Input returns the named input parameter or nil.
func (c *Command) Input(name string) *Field {
	for _, f := range c.Inputs {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func (c *Command) InputNames() []string {
	out := make([]string, 0, len(c.Inputs))
	for _, f := range c.Inputs {
		out = append(out, f.Name)
	}
	return out
}

// HasSideEffects reports whether the command declares any post action.
func (c *Command) HasSideEffects() bool {
	return len(c.Post) > 0
}

type Derived struct {
	Name    string
	Entity  string
	Type    FieldType
	Formula Expression
	Path    string
}

type State struct {
	Name        string
	Final       bool
	Reenterable bool
	Path        string
}

type Transition struct {
	From    string
	To      string
	Trigger string
	Action  string
	Guard   *Expression
	Path    string
}

type StateMachine struct {
	Name        string
	Entity      string
	Field       string
	Initial     string
	States      []*State
	Transitions []*Transition
	Path        string
}

// State returns the named state or nil.
func (m *StateMachine) State(name string) *State {
	for _, s := range m.States {
		if s.Name == name {
			return s
		}
	}
	return nil
}

func (m *StateMachine) StateNames() []string {
	out := make([]string, 0, len(m.States))
	for _, s := range m.States {
		out = append(out, s.Name)
	}
	return out
}

type SagaStep struct {
	Name       string
	Forward    string
	Compensate string
	DependsOn  []string
	Path       string
}

type Saga struct {
	Name      string
	Steps     []*SagaStep
	OnFailure string
	Path      string
}

type Permission struct {
	Entity     string
	Operations []string
	Fields     []string
	Path       string
}

type Role struct {
	Name        string
	Inherits    []string
	Permissions []*Permission
	Path        string
}

type Policy struct {
	Name   string
	Actor  string
	Entity string
	Effect string
	Rule   *Expression
	Path   string
}

type Scenario struct {
	Name    string
	Given   any
	Call    string
	Input   []string
	Success *bool
	Error   string
	Assert  []Expression
	Path    string
}

type Requirement struct {
	Name        string
	Description string
	Commands    []string
	Scenarios   []string
	Path        string
}

// Spec is the decoded document. Slices are sorted by name.
type Spec struct {
	Raw           map[string]any
	Meta          map[string]any
	Entities      []*Entity
	Commands      []*Command
	Derived       []*Derived
	StateMachines []*StateMachine
	Sagas         []*Saga
	Roles         []*Role
	Policies      []*Policy
	Scenarios     []*Scenario
	Requirements  []*Requirement
}

func (s *Spec) Entity(name string) *Entity {
	for _, e := range s.Entities {
		if e.Name == name {
			return e
		}
	}
	return nil
}

func (s *Spec) Command(name string) *Command {
	for _, c := range s.Commands {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func (s *Spec) DerivedValue(name string) *Derived {
	for _, d := range s.Derived {
		if d.Name == name {
			return d
		}
	}
	return nil
}

func (s *Spec) Role(name string) *Role {
	for _, r := range s.Roles {
		if r.Name == name {
			return r
		}
	}
	return nil
}

func (s *Spec) Scenario(name string) *Scenario {
	for _, sc := range s.Scenarios {
		if sc.Name == name {
			return sc
		}
	}
	return nil
}

func (s *Spec) EntityNames() []string {
	out := make([]string, 0, len(s.Entities))
	for _, e := range s.Entities {
		out = append(out, e.Name)
	}
	return out
}

func (s *Spec) CommandNames() []string {
	out := make([]string, 0, len(s.Commands))
	for _, c := range s.Commands {
		out = append(out, c.Name)
	}
	return out
}

func (s *Spec) DerivedNames() []string {
	out := make([]string, 0, len(s.Derived))
	for _, d := range s.Derived {
		out = append(out, d.Name)
	}
	return out
}

func (s *Spec) RoleNames() []string {
	out := make([]string, 0, len(s.Roles))
	for _, r := range s.Roles {
		out = append(out, r.Name)
	}
	return out
}

func (s *Spec) ScenarioNames() []string {
	out := make([]string, 0, len(s.Scenarios))
	for _, sc := range s.Scenarios {
		out = append(out, sc.Name)
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
