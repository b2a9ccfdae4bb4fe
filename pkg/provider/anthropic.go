package provider

import (
	"context"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// anthropicChat is the Claude backend used when only ANTHROPIC_API_KEY is available.
type anthropicChat struct {
	client anthropic.Client
}

func newAnthropicChat(_ context.Context, apiKey string) (chatModel, error) {
	return &anthropicChat{client: anthropic.NewClient(option.WithAPIKey(apiKey))}, nil
}

func (a *anthropicChat) complete(ctx context.Context, req chatRequest) (*chatReply, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.model),
		MaxTokens: int64(req.maxTokens),
		Messages:  anthropicMessages(req.messages),
	}
	if req.system != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.system}}
	}
	for _, t := range req.tools {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schemaProperties(t.InputSchema),
					Required:   t.InputSchema.Required,
				},
			},
		})
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}

	reply := &chatReply{}
	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			reply.text += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			reply.toolCalls = append(reply.toolCalls, toolCall{id: tu.ID, name: tu.Name, args: tu.Input})
		}
	}
	return reply, nil
}

func (a *anthropicChat) verify(ctx context.Context) error {
	_, err := a.client.Models.List(ctx, anthropic.ModelListParams{})
	return err
}

// anthropicMessages converts history; consecutive tool results share one user message.
func anthropicMessages(msgs []chatMessage) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	var results []anthropic.ContentBlockParamUnion
	flush := func() {
		if len(results) > 0 {
			out = append(out, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for _, m := range msgs {
		switch m.role {
		case chatTool:
			results = append(results, anthropic.NewToolResultBlock(m.toolCallID, m.text, m.isError))
		case chatUser:
			flush()
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.text)))
		case chatAssistant:
			flush()
			var blocks []anthropic.ContentBlockParamUnion
			if m.text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.text))
			}
			for _, tc := range m.toolCalls {
				var input any
				if len(tc.args) > 0 {
					_ = json.Unmarshal(tc.args, &input)
				}
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.id, input, tc.name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		}
	}
	flush()
	return out
}
