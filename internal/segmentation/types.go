// Package segmentation evaluates audience condition trees over user
// attributes: structural validation, an in-memory matcher, a SQL compiler,
// and the Engine that counts, previews and resolves segments.
package segmentation

// ==========================================
// OPERATORS
// ==========================================

// Operator represents a comparison operator
type Operator string

const (
	// String operators
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpIn          Operator = "in"
	OpIsEmpty     Operator = "is_empty"
	OpIsNotEmpty  Operator = "is_not_empty"

	// Numeric operators
	OpGt      Operator = "gt"
	OpGte     Operator = "gte"
	OpLt      Operator = "lt"
	OpLte     Operator = "lte"
	OpBetween Operator = "between"

	// Date operators
	OpDateBefore      Operator = "date_before"
	OpDateAfter       Operator = "date_after"
	OpInLastDays      Operator = "in_last_days"
	OpMoreThanDaysAgo Operator = "more_than_days_ago"

	// Tag operators
	OpContainsAny    Operator = "contains_any"
	OpContainsAll    Operator = "contains_all"
	OpNotContainsAny Operator = "not_contains_any"

	// Boolean operators
	OpIsTrue  Operator = "is_true"
	OpIsFalse Operator = "is_false"

	// NULL checks
	OpIsNull    Operator = "is_null"
	OpIsNotNull Operator = "is_not_null"
)

// ==========================================
// FIELD TYPES
// ==========================================

// FieldType represents the data type of an attribute
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldDate    FieldType = "date"
	FieldTags    FieldType = "tags"
)

// ValueShape describes what a comparison needs on the right-hand side.
type ValueShape int

const (
	ValueNone   ValueShape = iota // no operand
	ValueSingle                   // Value
	ValuePair                     // Values with exactly two items
	ValueList                     // Values with at least one item
	ValueDays                     // Value holding a positive whole number of days
)

// OperatorMetadata contains info about an operator
type OperatorMetadata struct {
	Operator        Operator    `json:"operator"`
	Label           string      `json:"label"`
	ApplicableTypes []FieldType `json:"applicable_types"`
	Shape           ValueShape  `json:"shape"`
}

var anyScalar = []FieldType{FieldString, FieldNumber, FieldBoolean, FieldDate}

var operatorTable = []OperatorMetadata{
	{OpEquals, "Equals", []FieldType{FieldString, FieldNumber}, ValueSingle},
	{OpNotEquals, "Does not equal", []FieldType{FieldString, FieldNumber}, ValueSingle},
	{OpContains, "Contains", []FieldType{FieldString}, ValueSingle},
	{OpNotContains, "Does not contain", []FieldType{FieldString}, ValueSingle},
	{OpStartsWith, "Starts with", []FieldType{FieldString}, ValueSingle},
	{OpEndsWith, "Ends with", []FieldType{FieldString}, ValueSingle},
	{OpIn, "Is one of", []FieldType{FieldString}, ValueList},
	{OpIsEmpty, "Is empty", []FieldType{FieldString}, ValueNone},
	{OpIsNotEmpty, "Is not empty", []FieldType{FieldString}, ValueNone},

	{OpGt, "Greater than", []FieldType{FieldNumber}, ValueSingle},
	{OpGte, "Greater than or equal", []FieldType{FieldNumber}, ValueSingle},
	{OpLt, "Less than", []FieldType{FieldNumber}, ValueSingle},
	{OpLte, "Less than or equal", []FieldType{FieldNumber}, ValueSingle},
	{OpBetween, "Between", []FieldType{FieldNumber}, ValuePair},

	{OpDateBefore, "Before date", []FieldType{FieldDate}, ValueSingle},
	{OpDateAfter, "After date", []FieldType{FieldDate}, ValueSingle},
	{OpInLastDays, "In the last X days", []FieldType{FieldDate}, ValueDays},
	{OpMoreThanDaysAgo, "More than X days ago", []FieldType{FieldDate}, ValueDays},

	{OpContainsAny, "Contains any of", []FieldType{FieldTags}, ValueList},
	{OpContainsAll, "Contains all of", []FieldType{FieldTags}, ValueList},
	{OpNotContainsAny, "Contains none of", []FieldType{FieldTags}, ValueList},

	{OpIsTrue, "Is true", []FieldType{FieldBoolean}, ValueNone},
	{OpIsFalse, "Is false", []FieldType{FieldBoolean}, ValueNone},

	{OpIsNull, "Is missing", anyScalar, ValueNone},
	{OpIsNotNull, "Is present", anyScalar, ValueNone},
}

var operatorIndex = func() map[Operator]OperatorMetadata {
	m := make(map[Operator]OperatorMetadata, len(operatorTable))
	for _, md := range operatorTable {
		m[md.Operator] = md
	}
	return m
}()

// GetOperatorMetadata returns metadata for all operators
func GetOperatorMetadata() []OperatorMetadata {
	out := make([]OperatorMetadata, len(operatorTable))
	copy(out, operatorTable)
	return out
}

// LookupOperator returns the metadata for op.
func LookupOperator(op Operator) (OperatorMetadata, bool) {
	md, ok := operatorIndex[op]
	return md, ok
}

// AppliesTo reports whether the operator is defined for the field type.
func (m OperatorMetadata) AppliesTo(t FieldType) bool {
	for _, ft := range m.ApplicableTypes {
		if ft == t {
			return true
		}
	}
	return false
}
