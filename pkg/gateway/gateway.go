// Package gateway is the only sanctioned write path into a project's feature list.
//
// Agents reach it as a single tool, update_feature_status, either natively (API
// backends) or through the MCP stdio server started with `conductor mcp`.
// Every other attempt to change the list is rejected here or by the Guard.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"conductor/pkg/features"
	"conductor/pkg/logx"
	"conductor/pkg/utils"
)

// ToolUpdateFeatureStatus is the name of the one exposed tool.
const ToolUpdateFeatureStatus = "update_feature_status"

// ErrToolNotAllowed is returned for any tool call other than update_feature_status.
var ErrToolNotAllowed = errors.New("tool is not exposed by the feature gateway")

// Property is one JSON schema property of a tool input.
type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// InputSchema is the JSON schema of a tool input object.
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// ToolDefinition describes a tool to a model.
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"input_schema"`
}

// ExecResult is the textual outcome of a tool call handed back to the model.
type ExecResult struct {
	Content string
	IsError bool
}

// Definition returns the update_feature_status tool definition.
func Definition() ToolDefinition {
	statuses := make([]string, 0, 3)
	for _, s := range features.Statuses() {
		statuses = append(statuses, string(s))
	}
	return ToolDefinition{
		Name: ToolUpdateFeatureStatus,
		Description: "Update the status of one feature in the project's feature list. " +
			"This is the only way to change feature progress; never edit the feature list file directly.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"featureId": {
					Type:        "string",
					Description: "Id of an existing feature",
				},
				"status": {
					Type:        "string",
					Description: "New status",
					Enum:        statuses,
				},
				"summary": {
					Type:        "string",
					Description: "Optional short summary of the work done",
				},
			},
			Required: []string{"featureId", "status"},
		},
	}
}

// Gateway applies feature status updates through the protected store.
type Gateway struct {
	store  *features.Store
	logger *logx.Logger
}

// New creates a Gateway over store.
func New(store *features.Store, logger *logx.Logger) *Gateway {
	if logger == nil {
		logger = logx.NewLogger("gateway")
	}
	return &Gateway{store: store, logger: logger}
}

// UpdateFeatureStatus changes one feature's status and optionally its summary.
func (g *Gateway) UpdateFeatureStatus(ctx context.Context, projectPath, featureID string, status features.Status, summary *string) (*features.UpdateResult, error) {
	res, err := g.store.UpdateStatus(ctx, projectPath, features.Update{
		FeatureID: featureID,
		Status:    status,
		Summary:   summary,
	})
	if err != nil {
		g.logger.Warn("update_feature_status %s -> %s rejected: %v", featureID, status, err)
		return nil, err
	}
	if res.Restored {
		g.logger.Warn("Feature list for %s was empty and has been restored from backup", projectPath)
	}
	return res, nil
}

// ListFeatures returns the project's current feature list.
func (g *Gateway) ListFeatures(ctx context.Context, projectPath string) ([]features.Feature, error) {
	return g.store.List(ctx, projectPath)
}

// Bind returns the tool with its project fixed, so callers cannot redirect writes.
func (g *Gateway) Bind(projectPath string) *BoundTool {
	return &BoundTool{gateway: g, projectPath: projectPath}
}

// BoundTool is update_feature_status bound to one project.
type BoundTool struct {
	gateway     *Gateway
	projectPath string
}

// Name returns the tool identifier.
func (t *BoundTool) Name() string {
	return ToolUpdateFeatureStatus
}

// Definition returns the tool definition for LLM.
func (t *BoundTool) Definition() ToolDefinition {
	return Definition()
}

// ProjectPath returns the project every call writes to.
func (t *BoundTool) ProjectPath() string {
	return t.projectPath
}

// Call dispatches a named tool call. Only update_feature_status is accepted.
func (t *BoundTool) Call(ctx context.Context, name string, args map[string]any) (*ExecResult, error) {
	if name != ToolUpdateFeatureStatus {
		return nil, fmt.Errorf("%w: %s", ErrToolNotAllowed, name)
	}
	return t.Exec(ctx, args)
}

// Exec runs the tool. Validation and store failures are returned as error results
// so the model can correct itself; the error return is reserved for cancellation.
func (t *BoundTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	featureID, err := utils.GetMapField[string](args, "featureId")
	if err != nil || featureID == "" {
		return errorResult("featureId is required and must be a non-empty string"), nil
	}
	status, err := utils.GetMapField[string](args, "status")
	if err != nil {
		return errorResult("status is required and must be one of backlog, in_progress, verified"), nil
	}
	summary, err := utils.OptionalString(args, "summary")
	if err != nil {
		return errorResult(err.Error()), nil
	}

	res, err := t.gateway.UpdateFeatureStatus(ctx, t.projectPath, featureID, features.Status(status), summary)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return errorResult(err.Error()), nil
	}

	content, err := json.Marshal(Result(res))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &ExecResult{Content: string(content)}, nil
}

// UpdateOutput is the structured result of an accepted update.
type UpdateOutput struct {
	Success   bool   `json:"success"`
	FeatureID string `json:"featureId"`
	Status    string `json:"status"`
	Summary   string `json:"summary,omitempty"`
	Count     int    `json:"count"`
	Restored  bool   `json:"restored"`
}

// Result converts a store result to the tool output shape.
func Result(res *features.UpdateResult) UpdateOutput {
	return UpdateOutput{
		Success:   true,
		FeatureID: res.Feature.ID,
		Status:    string(res.Feature.Status),
		Summary:   res.Feature.Summary,
		Count:     res.Count,
		Restored:  res.Restored,
	}
}

func errorResult(msg string) *ExecResult {
	content, _ := json.Marshal(map[string]any{"success": false, "error": msg})
	return &ExecResult{Content: string(content), IsError: true}
}
