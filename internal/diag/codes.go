package diag

// Diagnostic codes. External tooling keys off these, so existing values
// must not be renumbered.
const (
	CodeMissingSection  = "SCH-001"
	CodeSectionShape    = "SCH-002"
	CodeElementShape    = "SCH-003"
	CodeParse           = "SCH-004"
	CodeUnknownType     = "SCH-005"
	CodeUnknownSection  = "SCH-007"
	CodeUnknownEntity   = "REF-001"
	CodeUnknownField    = "REF-002"
	CodeUnknownCommand  = "REF-003"
	CodeUnknownInput    = "REF-004"
	CodeSelfOutOfScope  = "REF-005"
	CodeUnknownFunction = "REF-006"
	CodeUnknownRole     = "REF-007"
	CodeUnknownScenario = "REF-008"

	CodeEnumMismatch    = "TYP-001"
	CodeArithmetic      = "TYP-002"
	CodeComparison      = "TYP-003"
	CodeLogical         = "TYP-004"
	CodeCallSignature   = "TYP-005"
	CodeNotBoolean      = "TYP-006"
	CodeValueType       = "TYP-007"
	CodeDepthExceeded   = "LGC-001"
	CodeMinMax          = "CNS-001"
	CodeMinMaxOnString  = "CNS-002"
	CodeBadPattern      = "CNS-003"
	CodeLengthBounds    = "CNS-004"
	CodeUnknownPreset   = "CNS-005"
	CodeDuplicateName   = "CNS-006"
	CodeDerivedCycle    = "CNS-007"
	CodeMissingRequired = "CNS-008"
	CodeBadOperation    = "CNS-009"

	CodeFSMUnknownState    = "FSM-001"
	CodeFSMUnreachable     = "FSM-002"
	CodeFSMTerminalOut     = "FSM-003"
	CodeFSMGuardType       = "FSM-004"
	CodeFSMDeadEnd         = "FSM-005"
	CodeFSMConflict        = "FSM-006"
	CodeFSMUnknownTrigger  = "FSM-007"
	CodeSagaDuplicateStep  = "SAGA-001"
	CodeSagaForward        = "SAGA-002"
	CodeSagaCompensate     = "SAGA-003"
	CodeSagaDependsOn      = "SAGA-004"
	CodeSagaOnFailure      = "SAGA-005"
	CodeSagaNoCompensation = "SAGA-006"
	CodePolicyType         = "POL-001"
	CodePolicyVisibility   = "POL-002"
	CodeRoleCycle          = "POL-003"
	CodeScenarioTarget     = "SCN-001"
	CodeScenarioInput      = "SCN-002"
	CodeScenarioError      = "SCN-003"
	CodeCrossNamespace     = "DUP-001"
)
