package schemaval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const personSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"age": {"type": "integer", "minimum": 0}
	},
	"required": ["name"]
}`

func TestCompileRejectsInvalidSchema(t *testing.T) {
	_, err := Compile([]byte(`{"type": 42}`))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	v, err := Compile([]byte(personSchema))
	require.NoError(t, err)

	t.Run("valid document", func(t *testing.T) {
		errs, err := v.Validate([]byte(`{"name": "Alice", "age": 30}`))
		require.NoError(t, err)
		assert.Empty(t, errs)
	})

	t.Run("missing required field", func(t *testing.T) {
		errs, err := v.Validate([]byte(`{"age": 30}`))
		require.NoError(t, err)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0], "name")
	})

	t.Run("multiple violations", func(t *testing.T) {
		errs, err := v.Validate([]byte(`{"name": 1, "age": -5}`))
		require.NoError(t, err)
		assert.Len(t, errs, 2)
	})
}

func TestCacheReusesCompiledValidator(t *testing.T) {
	cache := NewCache()

	first, err := cache.Get([]byte(personSchema))
	require.NoError(t, err)
	second, err := cache.Get([]byte(personSchema))
	require.NoError(t, err)

	assert.Same(t, first, second)

	other, err := cache.Get([]byte(`{"type": "array"}`))
	require.NoError(t, err)
	assert.NotSame(t, first, other)
}
