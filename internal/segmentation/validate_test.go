package segmentation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTreeTaggedUnion(t *testing.T) {
	node, err := ParseTree([]byte(`{
		"type": "and",
		"children": [
			{"type": "compare", "field": "age", "operator": "gte", "value": 25},
			{"type": "not", "child": {"type": "compare", "field": "country", "operator": "equals", "value": "FR"}},
			{"type": "or", "children": [
				{"type": "compare", "field": "is_premium", "operator": "is_true"},
				{"type": "compare", "field": "interests", "operator": "contains_any", "values": ["hiking", "jazz"]}
			]}
		]
	}`))
	require.NoError(t, err)

	and, ok := node.(*And)
	require.True(t, ok)
	require.Len(t, and.Children, 3)
	cmp := and.Children[0].(*Compare)
	assert.Equal(t, "age", cmp.Field)
	assert.Equal(t, 25.0, cmp.Value)
	assert.IsType(t, &Not{}, and.Children[1])
	assert.Empty(t, Validate(node))

	// Round trip keeps the hash stable.
	data, err := MarshalTree(node)
	require.NoError(t, err)
	again, err := ParseTree(data)
	require.NoError(t, err)
	assert.Equal(t, HashQuery(node), HashQuery(again))
}

func TestParseTreeReportsShapeProblems(t *testing.T) {
	_, err := ParseTree([]byte(`{
		"type": "or",
		"children": [
			{"type": "xor"},
			{"type": "not", "children": []},
			{}
		]
	}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConditions))

	problems := Problems(err)
	require.Len(t, problems, 3)
	assert.Equal(t, "conditions.children[0]", problems[0].Path)
	assert.Contains(t, problems[0].Message, `unknown condition type "xor"`)
	assert.Contains(t, problems[1].Message, "exactly one child")
	assert.Contains(t, problems[2].Message, "type is required")
}

func TestValidateReturnsEveryProblem(t *testing.T) {
	tree := &And{Children: []Node{
		&Compare{Field: "shoe_size", Operator: OpEquals, Value: "42"},
		&Compare{Field: "age", Operator: OpContains, Value: "3"},
		&Compare{Field: "country", Operator: OpEquals},
		&Compare{Field: "age", Operator: OpBetween, Values: []any{40.0}},
		&Or{},
		&Not{},
		&Compare{Field: "last_login_at", Operator: OpInLastDays, Value: -3.0},
		&Compare{Field: "signup_date", Operator: OpDateAfter, Value: "yesterday"},
	}}

	errs := Validate(tree)
	require.Len(t, errs, 8)
	assert.Contains(t, errs[0].Message, `unknown attribute "shoe_size"`)
	assert.Contains(t, errs[1].Message, "cannot be applied to number")
	assert.Contains(t, errs[2].Message, "value is required")
	assert.Contains(t, errs[3].Message, "exactly two values")
	assert.Contains(t, errs[4].Message, "at least one condition")
	assert.Equal(t, "conditions.children[4]", errs[4].Path)
	assert.Contains(t, errs[5].Message, "exactly one child")
	assert.Contains(t, errs[6].Message, "whole number of days")
	assert.Contains(t, errs[7].Message, "not a date")

	err := errs.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConditions)
	assert.Contains(t, err.Error(), "8 condition problem(s)")
	assert.Len(t, Problems(err), 8)
}

func TestValidateDepthLimit(t *testing.T) {
	var node Node = &Compare{Field: "age", Operator: OpGt, Value: 18.0}
	for i := 0; i < MaxDepth; i++ {
		node = &Not{Child: node}
	}
	errs := Validate(node)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "deeper than")
}

func TestValidateNilTree(t *testing.T) {
	errs := Validate(nil)
	require.Len(t, errs, 1)
	assert.Equal(t, "conditions", errs[0].Path)
}
