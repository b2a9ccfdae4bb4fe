package gateway

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"conductor/pkg/features"
)

// MCPServerName is the key agents see the gateway under in their MCP configuration.
const MCPServerName = "conductor"

// UpdateFeatureStatusInput is the MCP tool input.
type UpdateFeatureStatusInput struct {
	FeatureID string  `json:"featureId" jsonschema:"id of an existing feature"`
	Status    string  `json:"status" jsonschema:"new status: backlog or in_progress or verified"`
	Summary   *string `json:"summary,omitempty" jsonschema:"optional short summary of the work done"`
}

// NewMCPServer builds an MCP server exposing only update_feature_status for projectPath.
// The project is fixed here; tool callers cannot choose which list they write.
func NewMCPServer(gw *Gateway, projectPath, version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    MCPServerName,
		Version: version,
	}, nil)

	def := Definition()
	mcp.AddTool(server, &mcp.Tool{
		Name:        def.Name,
		Description: def.Description,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in UpdateFeatureStatusInput) (*mcp.CallToolResult, UpdateOutput, error) {
		status := features.Status(in.Status)
		if !status.Valid() {
			return nil, UpdateOutput{}, fmt.Errorf("%w: %q (want backlog, in_progress or verified)", features.ErrInvalidStatus, in.Status)
		}
		res, err := gw.UpdateFeatureStatus(ctx, projectPath, in.FeatureID, status, in.Summary)
		if err != nil {
			return nil, UpdateOutput{}, err
		}
		out := Result(res)
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{
				Text: fmt.Sprintf("Feature %s is now %s (%d features).", out.FeatureID, out.Status, out.Count),
			}},
		}, out, nil
	})
	return server
}

// ServeStdio runs the gateway MCP server on stdin/stdout until ctx is done or the client disconnects.
func ServeStdio(ctx context.Context, gw *Gateway, projectPath, version string) error {
	gw.logger.Info("Serving %s over stdio for %s", ToolUpdateFeatureStatus, projectPath)
	return NewMCPServer(gw, projectPath, version).Run(ctx, &mcp.StdioTransport{})
}
