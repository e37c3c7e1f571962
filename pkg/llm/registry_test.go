package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testModels() []ModelInfo {
	return []ModelInfo{
		{ID: "claude-sonnet", Provider: "claude-cli"},
		{ID: "gpt-4o", Provider: "openai"},
	}
}

// TestRegistry_DefaultsToFirstModel tests initial selection.
func TestRegistry_DefaultsToFirstModel(t *testing.T) {
	r, err := NewRegistry(testModels(), "")

	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet", r.Current().ID)
	assert.Len(t, r.List(), 2)
}

// TestRegistry_ExplicitDefault tests the default override.
func TestRegistry_ExplicitDefault(t *testing.T) {
	r, err := NewRegistry(testModels(), "gpt-4o")

	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", r.Current().ID)
}

// TestRegistry_UnknownDefault tests rejection of a bad default.
func TestRegistry_UnknownDefault(t *testing.T) {
	_, err := NewRegistry(testModels(), "nope")

	assert.ErrorIs(t, err, ErrUnknownModel)
}

// TestRegistry_Set tests selection changes and rejection.
func TestRegistry_Set(t *testing.T) {
	r, err := NewRegistry(testModels(), "")
	require.NoError(t, err)

	require.NoError(t, r.Set("gpt-4o"))
	assert.Equal(t, "gpt-4o", r.Current().ID)

	err = r.Set("missing")
	assert.ErrorIs(t, err, ErrUnknownModel)
	// Selection unchanged after a failed set.
	assert.Equal(t, "gpt-4o", r.Current().ID)
}

// TestRegistry_Empty tests that an empty registry is rejected.
func TestRegistry_Empty(t *testing.T) {
	_, err := NewRegistry(nil, "")

	assert.Error(t, err)
}
