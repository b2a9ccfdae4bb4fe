package provider

import (
	"fmt"
	"strings"
)

// catalogs is the static model list per provider. The first entry marked
// Default is used when a session names no model.
var catalogs = map[ID][]ModelDefinition{
	Claude: {
		{ID: "claude-sonnet-4-5", DisplayName: "Claude Sonnet 4.5", ContextWindow: 200000, MaxOutputTokens: 64000, SupportsVision: true, SupportsTools: true, Default: true},
		{ID: "claude-opus-4-1", DisplayName: "Claude Opus 4.1", ContextWindow: 200000, MaxOutputTokens: 32000, SupportsVision: true, SupportsTools: true},
		{ID: "claude-haiku-4-5", DisplayName: "Claude Haiku 4.5", ContextWindow: 200000, MaxOutputTokens: 64000, SupportsVision: true, SupportsTools: true},
	},
	Codex: {
		{ID: "gpt-5-codex", DisplayName: "GPT-5 Codex", ContextWindow: 400000, MaxOutputTokens: 128000, SupportsVision: true, SupportsTools: true, Default: true},
		{ID: "gpt-5", DisplayName: "GPT-5", ContextWindow: 400000, MaxOutputTokens: 128000, SupportsVision: true, SupportsTools: true},
		{ID: "o4-mini", DisplayName: "o4-mini", ContextWindow: 200000, MaxOutputTokens: 100000, SupportsVision: true, SupportsTools: true},
	},
	Cursor: {
		{ID: "auto", DisplayName: "Auto", ContextWindow: 200000, MaxOutputTokens: 32000, SupportsVision: false, SupportsTools: true, Default: true},
		{ID: "sonnet-4.5", DisplayName: "Claude Sonnet 4.5", ContextWindow: 200000, MaxOutputTokens: 64000, SupportsVision: false, SupportsTools: true},
		{ID: "gpt-5", DisplayName: "GPT-5", ContextWindow: 272000, MaxOutputTokens: 128000, SupportsVision: false, SupportsTools: true},
	},
	OpenCode: {
		{ID: "anthropic/claude-sonnet-4-5", DisplayName: "Claude Sonnet 4.5", ContextWindow: 200000, MaxOutputTokens: 64000, SupportsVision: true, SupportsTools: true, Default: true},
		{ID: "openai/gpt-5", DisplayName: "GPT-5", ContextWindow: 400000, MaxOutputTokens: 128000, SupportsVision: true, SupportsTools: true},
		{ID: "ollama/qwen2.5-coder", DisplayName: "Qwen 2.5 Coder (local)", ContextWindow: 32768, MaxOutputTokens: 8192, SupportsVision: false, SupportsTools: true},
		{ID: "ollama/deepseek-r1", DisplayName: "DeepSeek R1 (local)", ContextWindow: 131072, MaxOutputTokens: 8192, SupportsVision: false, SupportsTools: false},
	},
	Gemini: {
		{ID: "gemini-2.5-pro", DisplayName: "Gemini 2.5 Pro", ContextWindow: 1048576, MaxOutputTokens: 65536, SupportsVision: true, SupportsTools: true, Default: true},
		{ID: "gemini-2.5-flash", DisplayName: "Gemini 2.5 Flash", ContextWindow: 1048576, MaxOutputTokens: 65536, SupportsVision: true, SupportsTools: true},
	},
}

// Catalog returns a copy of the models of id.
func Catalog(id ID) []ModelDefinition {
	models := catalogs[id]
	out := make([]ModelDefinition, len(models))
	copy(out, models)
	return out
}

// FindModel looks up model in the catalog of id. Matching ignores case.
func FindModel(id ID, model string) (ModelDefinition, error) {
	if _, ok := catalogs[id]; !ok {
		return ModelDefinition{}, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	for _, m := range catalogs[id] {
		if strings.EqualFold(m.ID, model) {
			return m, nil
		}
	}
	return ModelDefinition{}, fmt.Errorf("%w: %q is not offered by %s", ErrUnsupportedModel, model, id)
}

// DefaultModel returns the default catalog entry of id.
func DefaultModel(id ID) (ModelDefinition, error) {
	models, ok := catalogs[id]
	if !ok || len(models) == 0 {
		return ModelDefinition{}, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	for _, m := range models {
		if m.Default {
			return m, nil
		}
	}
	return models[0], nil
}

// ResolveModel returns the catalog entry for model, or the default when model is empty.
func ResolveModel(id ID, model string) (ModelDefinition, error) {
	if model == "" {
		return DefaultModel(id)
	}
	return FindModel(id, model)
}
