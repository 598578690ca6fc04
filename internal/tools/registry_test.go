package tools

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry_CompilesEverySchema(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)

	for _, name := range []string{CreateDataset, GetSchema, SampleRows, RunQuery, Plot, ResolveFields} {
		assert.True(t, reg.Known(name), name)
	}
	assert.False(t, reg.Known("delete_everything"))
}

func TestRegistry_Declarations(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	decls := reg.Declarations()
	assert.Len(t, decls, len(schemas))
	for _, d := range decls {
		assert.NotEmpty(t, d.Description)
		assert.NotEmpty(t, d.Schema)
	}
}

func TestRegistry_ValidateRejectsMissingRequired(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)

	args, _ := json.Marshal(map[string]string{})
	err = reg.Validate(GetSchema, args)
	assert.Error(t, err)

	args, _ = json.Marshal(map[string]string{"dataset_id": "abc"})
	assert.NoError(t, reg.Validate(GetSchema, args))
}

func TestRegistry_ValidateRejectsOutOfRangeSample(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)

	args, _ := json.Marshal(map[string]any{"dataset_id": "abc", "n": 500})
	assert.Error(t, reg.Validate(SampleRows, args))
}

func TestRegistry_ValidateUnknownTool(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	err = reg.Validate("not_a_tool", json.RawMessage(`{}`))
	assert.Error(t, err)
}
