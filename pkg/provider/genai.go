package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"

	"conductor/pkg/gateway"
)

// genAIChat is the Gemini backend used when only GEMINI_API_KEY is available.
type genAIChat struct {
	client *genai.Client
}

func newGenAIChat(ctx context.Context, apiKey string) (chatModel, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &genAIChat{client: client}, nil
}

func (g *genAIChat) complete(ctx context.Context, req chatRequest) (*chatReply, error) {
	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(min(req.maxTokens, apiMaxOutputTokens)), //nolint:gosec // capped above
	}
	if req.system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.system}}}
	}
	if len(req.tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.tools))
		for _, t := range req.tools {
			decls = append(decls, geminiDeclaration(t))
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	result, err := g.client.Models.GenerateContent(ctx, req.model, geminiContents(req.messages), config)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("empty response from Gemini API")
	}

	reply := &chatReply{text: result.Text()}
	for _, fc := range result.FunctionCalls() {
		args, err := json.Marshal(fc.Args)
		if err != nil {
			return nil, fmt.Errorf("failed to encode function call arguments: %w", err)
		}
		id := fc.ID
		if id == "" {
			id = fc.Name
		}
		reply.toolCalls = append(reply.toolCalls, toolCall{id: id, name: fc.Name, args: args})
	}
	return reply, nil
}

func (g *genAIChat) verify(ctx context.Context) error {
	model, err := DefaultModel(Gemini)
	if err != nil {
		return err
	}
	_, err = g.client.Models.Get(ctx, model.ID, nil)
	return err
}

// geminiContents converts history. Gemini calls the assistant "model" and takes
// function responses in user turns.
func geminiContents(msgs []chatMessage) []*genai.Content {
	var out []*genai.Content
	for _, m := range msgs {
		switch m.role {
		case chatUser:
			out = append(out, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.text}}})
		case chatAssistant:
			var parts []*genai.Part
			if m.text != "" {
				parts = append(parts, &genai.Part{Text: m.text})
			}
			for _, tc := range m.toolCalls {
				args := map[string]any{}
				_ = json.Unmarshal(tc.args, &args)
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.id, Name: tc.name, Args: args}})
			}
			if len(parts) > 0 {
				out = append(out, &genai.Content{Role: "model", Parts: parts})
			}
		case chatTool:
			out = append(out, &genai.Content{Role: "user", Parts: []*genai.Part{{
				FunctionResponse: &genai.FunctionResponse{
					Name:     m.toolName,
					Response: map[string]any{"content": m.text, "is_error": m.isError},
				},
			}}})
		}
	}
	return out
}

func geminiDeclaration(t gateway.ToolDefinition) *genai.FunctionDeclaration {
	props := make(map[string]*genai.Schema, len(t.InputSchema.Properties))
	for name, p := range t.InputSchema.Properties {
		props[name] = &genai.Schema{
			Type:        geminiType(p.Type),
			Description: p.Description,
			Enum:        p.Enum,
		}
	}
	return &genai.FunctionDeclaration{
		Name:        t.Name,
		Description: t.Description,
		Parameters: &genai.Schema{
			Type:       genai.TypeObject,
			Properties: props,
			Required:   t.InputSchema.Required,
		},
	}
}

func geminiType(t string) genai.Type {
	switch t {
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}
