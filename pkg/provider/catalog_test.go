package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryProviderHasOneDefaultModel(t *testing.T) {
	for _, id := range IDs() {
		models := Catalog(id)
		require.NotEmpty(t, models, id)

		defaults := 0
		for _, m := range models {
			if m.Default {
				defaults++
			}
			assert.Positive(t, m.ContextWindow, "%s/%s", id, m.ID)
			assert.Positive(t, m.MaxOutputTokens, "%s/%s", id, m.ID)
		}
		assert.Equal(t, 1, defaults, id)
	}
}

func TestCatalogReturnsCopy(t *testing.T) {
	models := Catalog(Claude)
	models[0].ID = "mutated"
	assert.NotEqual(t, "mutated", Catalog(Claude)[0].ID)
}

func TestFindModel(t *testing.T) {
	m, err := FindModel(Claude, "CLAUDE-OPUS-4-1")
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4-1", m.ID)

	_, err = FindModel(Claude, "gpt-5")
	assert.ErrorIs(t, err, ErrUnsupportedModel)

	_, err = FindModel("aider", "gpt-5")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestResolveModel(t *testing.T) {
	m, err := ResolveModel(Gemini, "")
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-pro", m.ID)

	m, err = ResolveModel(OpenCode, "ollama/deepseek-r1")
	require.NoError(t, err)
	assert.False(t, m.SupportsTools)

	_, err = ResolveModel(Cursor, "o4-mini")
	assert.ErrorIs(t, err, ErrUnsupportedModel)
}

func TestParseID(t *testing.T) {
	id, err := ParseID("  Codex ")
	require.NoError(t, err)
	assert.Equal(t, Codex, id)

	_, err = ParseID("aider")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}
