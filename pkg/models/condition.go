package models

// ConditionType tags the variant of a Condition.
type ConditionType string

const (
	CondAlways ConditionType = "always"
	CondNever  ConditionType = "never"
	CondField  ConditionType = "field"
	CondResult ConditionType = "result"
	CondCustom ConditionType = "custom"
)

// Operator names the comparison applied by field and result predicates.
type Operator string

const (
	OpEq        Operator = "eq"
	OpNe        Operator = "ne"
	OpGt        Operator = "gt"
	OpLt        Operator = "lt"
	OpContains  Operator = "contains"
	OpMatches   Operator = "matches"
	OpExists    Operator = "exists"
	OpNotExists Operator = "not-exists"
)

// KnownOperator reports whether op is one of the supported operators.
func KnownOperator(op Operator) bool {
	switch op {
	case OpEq, OpNe, OpGt, OpLt, OpContains, OpMatches, OpExists, OpNotExists:
		return true
	}
	return false
}

// Condition is a serializable skip/execute predicate attached to a stage or
// task. It is data, never code: custom predicates are referenced by name and
// resolved against a registry when the definition is loaded.
type Condition struct {
	Type ConditionType `yaml:"type" json:"type"`

	// Field predicate: dotted Path resolved against the run context fields.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// Result predicate: Field resolved against the named task's result.
	TaskID string `yaml:"taskId,omitempty" json:"taskId,omitempty"`
	Field  string `yaml:"field,omitempty" json:"field,omitempty"`

	Operator Operator    `yaml:"operator,omitempty" json:"operator,omitempty"`
	Value    interface{} `yaml:"value,omitempty" json:"value,omitempty"`

	// Custom predicate name, resolved at definition-load time.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
}
