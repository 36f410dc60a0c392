package mailing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateEngine_Render(t *testing.T) {
	te := NewTemplateEngine()

	out, err := te.Render("Hi {{ first_name | capitalize }}, you have {{ count | number_with_delimiter }} likes",
		map[string]interface{}{"first_name": "aNNA", "count": 12345})
	require.NoError(t, err)
	assert.Equal(t, "Hi Anna, you have 12,345 likes", out)
}

func TestTemplateEngine_StrictMissingField(t *testing.T) {
	te := NewTemplateEngine()

	_, err := te.Render("Hi {{ first_name }} from {{ city }}", map[string]interface{}{"first_name": "Ana"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingMergeField))

	var mf *MissingFieldsError
	require.ErrorAs(t, err, &mf)
	assert.Equal(t, []string{"city"}, mf.Fields)
}

func TestTemplateEngine_DefaultFilterAllowsAbsentField(t *testing.T) {
	te := NewTemplateEngine()

	out, err := te.Render(`Hi {{ first_name | default: "there" }}`, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "Hi there", out)

	out, err = te.Render(`Hi {{ first_name | default: "there" }}`, map[string]interface{}{"first_name": ""})
	require.NoError(t, err)
	assert.Equal(t, "Hi there", out)
}

func TestTemplateEngine_LocallyBoundNames(t *testing.T) {
	te := NewTemplateEngine()

	content := `{% assign greeting = "Hello" %}{{ greeting }}{% for i in interests %} {{ i }}{% endfor %}`
	out, err := te.Render(content, map[string]interface{}{"interests": []string{"hiking", "jazz"}})
	require.NoError(t, err)
	assert.Equal(t, "Hello hiking jazz", out)
}

func TestTemplateEngine_NestedFields(t *testing.T) {
	te := NewTemplateEngine()
	fields := map[string]interface{}{"profile": map[string]interface{}{"city": "Lisbon"}}

	out, err := te.Render("{{ profile.city }}", fields)
	require.NoError(t, err)
	assert.Equal(t, "Lisbon", out)

	_, err = te.Render("{{ profile.country }}", fields)
	assert.ErrorIs(t, err, ErrMissingMergeField)
}

func TestTemplateEngine_Deterministic(t *testing.T) {
	te := NewTemplateEngine()
	fields := map[string]interface{}{"name": "Bo"}

	a, err := te.Render("Hey {{ name }}", fields)
	require.NoError(t, err)
	b, err := te.Render("Hey {{ name }}", fields)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestTemplateEngine_ParseError(t *testing.T) {
	te := NewTemplateEngine()
	assert.Error(t, te.Parse("{% if x %}unterminated"))
	assert.NoError(t, te.Parse("{{ name }}"))
}

func TestMissingFields(t *testing.T) {
	got := MissingFields("{{ b }} {{ a }} {{ a }} {{ forloop.index }} {{ c | default: 1 }}", map[string]interface{}{})
	assert.Equal(t, []string{"a", "b"}, got)
}
