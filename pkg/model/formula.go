package model

// FormulaKind selects the reduction a KPI formula performs.
type FormulaKind string

const (
	FormulaSum        FormulaKind = "sum"
	FormulaAverage    FormulaKind = "average"
	FormulaPercentage FormulaKind = "percentage"
	FormulaRatio      FormulaKind = "ratio"
	FormulaCount      FormulaKind = "count"
)

// Formula is a tagged formula definition. Which fields are meaningful
// depends on Kind:
//
//	sum, average       Field (+ optional Filter)
//	count              Filter
//	percentage, ratio  Numerator, Denominator (nil denominator = all records)
type Formula struct {
	Kind        FormulaKind `json:"kind" yaml:"kind"`
	EntityType  string      `json:"entity_type" yaml:"entity_type"`
	Field       string      `json:"field,omitempty" yaml:"field,omitempty"`
	Filter      *Predicate  `json:"filter,omitempty" yaml:"filter,omitempty"`
	Numerator   *Operand    `json:"numerator,omitempty" yaml:"numerator,omitempty"`
	Denominator *Operand    `json:"denominator,omitempty" yaml:"denominator,omitempty"`
}

// Operand is one side of a percentage or ratio. Without Field it counts the
// records matching Where; with Field it sums that field over them.
type Operand struct {
	Field string     `json:"field,omitempty" yaml:"field,omitempty"`
	Where *Predicate `json:"where,omitempty" yaml:"where,omitempty"`
}

// PredicateOp is a comparison applied to a single record field.
type PredicateOp string

const (
	OpEq     PredicateOp = "eq"
	OpNe     PredicateOp = "ne"
	OpGt     PredicateOp = "gt"
	OpGte    PredicateOp = "gte"
	OpLt     PredicateOp = "lt"
	OpLte    PredicateOp = "lte"
	OpIn     PredicateOp = "in"
	OpExists PredicateOp = "exists"
)

// Predicate matches records either by a field comparison or by a CEL
// expression over the `record` map. Exactly one form must be set.
type Predicate struct {
	Field  string      `json:"field,omitempty" yaml:"field,omitempty"`
	Op     PredicateOp `json:"op,omitempty" yaml:"op,omitempty"`
	Value  any         `json:"value,omitempty" yaml:"value,omitempty"`
	Values []any       `json:"values,omitempty" yaml:"values,omitempty"`
	Expr   string      `json:"expr,omitempty" yaml:"expr,omitempty"`
}
