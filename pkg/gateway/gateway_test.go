package gateway

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/features"
)

func setupProject(t *testing.T, content string) (*Gateway, string, features.Paths) {
	t.Helper()
	project := t.TempDir()
	store := features.NewStore(features.Options{AutoRestoreEmpty: true})
	paths, err := store.Paths(project)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(paths.Primary), 0o755))
	require.NoError(t, os.WriteFile(paths.Primary, []byte(content), 0o644))
	return New(store, nil), project, paths
}

func TestBoundToolExec(t *testing.T) {
	gw, project, _ := setupProject(t, `[{"featureId":"f1","status":"backlog"},{"featureId":"f2","status":"backlog"}]`)
	tool := gw.Bind(project)
	assert.Equal(t, ToolUpdateFeatureStatus, tool.Name())

	res, err := tool.Exec(context.Background(), map[string]any{
		"featureId": "f2",
		"status":    "verified",
		"summary":   "shipped",
	})
	require.NoError(t, err)
	require.False(t, res.IsError, res.Content)

	var out UpdateOutput
	require.NoError(t, json.Unmarshal([]byte(res.Content), &out))
	assert.True(t, out.Success)
	assert.Equal(t, "f2", out.FeatureID)
	assert.Equal(t, "verified", out.Status)
	assert.Equal(t, "shipped", out.Summary)
	assert.Equal(t, 2, out.Count)

	list, err := gw.ListFeatures(context.Background(), project)
	require.NoError(t, err)
	assert.Equal(t, features.StatusVerified, list[1].Status)
}

func TestBoundToolExecValidation(t *testing.T) {
	content := `[{"featureId":"f1","status":"backlog"}]`
	gw, project, paths := setupProject(t, content)
	tool := gw.Bind(project)

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing id", map[string]any{"status": "verified"}},
		{"empty id", map[string]any{"featureId": "", "status": "verified"}},
		{"missing status", map[string]any{"featureId": "f1"}},
		{"bad status", map[string]any{"featureId": "f1", "status": "done"}},
		{"numeric summary", map[string]any{"featureId": "f1", "status": "verified", "summary": 3.0}},
		{"unknown feature", map[string]any{"featureId": "f9", "status": "verified"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tool.Exec(context.Background(), tt.args)
			require.NoError(t, err)
			assert.True(t, res.IsError)
			data, err := os.ReadFile(paths.Primary)
			require.NoError(t, err)
			assert.Equal(t, content, string(data))
		})
	}
}

func TestBoundToolRejectsOtherTools(t *testing.T) {
	gw, project, _ := setupProject(t, `[{"featureId":"f1","status":"backlog"}]`)
	tool := gw.Bind(project)

	for _, name := range []string{"replace_feature_list", "write_file", "clear_features", ""} {
		_, err := tool.Call(context.Background(), name, map[string]any{"features": []any{}})
		require.ErrorIs(t, err, ErrToolNotAllowed, name)
	}

	res, err := tool.Call(context.Background(), ToolUpdateFeatureStatus, map[string]any{"featureId": "f1", "status": "in_progress"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
}

func TestDefinition(t *testing.T) {
	def := Definition()
	assert.Equal(t, ToolUpdateFeatureStatus, def.Name)
	assert.ElementsMatch(t, []string{"featureId", "status"}, def.InputSchema.Required)
	assert.Equal(t, []string{"backlog", "in_progress", "verified"}, def.InputSchema.Properties["status"].Enum)
	_, hasSummary := def.InputSchema.Properties["summary"]
	assert.True(t, hasSummary)
}
