// Package validate compiles PGV and protovalidate constraint annotations
// into an intermediate representation and evaluates it against decoded
// messages.
package validate

// Kind classifies a field constraint.
type Kind string

const (
	KindString   Kind = "string"
	KindNumber   Kind = "number"
	KindRepeated Kind = "repeated"
	KindEnum     Kind = "enum"
	KindPresence Kind = "presence"
	KindCEL      Kind = "cel"
)

// Source names the annotation family a constraint came from.
type Source string

const (
	SourcePGV           Source = "pgv"
	SourceProtovalidate Source = "protovalidate"
)

// CELRule is one CEL expression constraint.
type CELRule struct {
	ID         string
	Expression string
	Message    string
}

// FieldConstraint is the compiled constraint for one field. Ops hold the
// recognized operations for the field's kind; element rules for repeated
// fields live under the "items" op as a nested op map.
type FieldConstraint struct {
	Field  string
	Kind   Kind
	Source Source
	Ops    map[string]any
	CEL    []CELRule
}

// MessageIR is the compiled constraint set for one message type. Fields
// appear in declaration order; MessageCEL holds message-level expressions.
type MessageIR struct {
	Type       string
	Fields     []*FieldConstraint
	MessageCEL []CELRule
}

// IR maps message FQN to compiled constraints. Messages without
// constraints are absent.
type IR map[string]*MessageIR

// Coverage reports how many registry types carry constraints.
type Coverage struct {
	TotalTypes     int `json:"total_types"`
	ValidatedTypes int `json:"validated_types"`
}
