package provider

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// openAIChat is the Codex backend used when only OPENAI_API_KEY is available.
type openAIChat struct {
	client openai.Client
}

func newOpenAIChat(_ context.Context, apiKey string) (chatModel, error) {
	return &openAIChat{client: openai.NewClient(option.WithAPIKey(apiKey))}, nil
}

func (o *openAIChat) complete(ctx context.Context, req chatRequest) (*chatReply, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.model),
		Messages: openAIMessages(req.system, req.messages),
	}
	if req.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.maxTokens))
	}
	for _, t := range req.tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters: shared.FunctionParameters{
					"type":       "object",
					"properties": schemaProperties(t.InputSchema),
					"required":   t.InputSchema.Required,
				},
			},
		})
	}

	completion, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("empty completion")
	}

	msg := completion.Choices[0].Message
	reply := &chatReply{text: msg.Content}
	for _, tc := range msg.ToolCalls {
		reply.toolCalls = append(reply.toolCalls, toolCall{
			id:   tc.ID,
			name: tc.Function.Name,
			args: json.RawMessage(tc.Function.Arguments),
		})
	}
	return reply, nil
}

func (o *openAIChat) verify(ctx context.Context) error {
	_, err := o.client.Models.List(ctx)
	return err
}

func openAIMessages(system string, msgs []chatMessage) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, m := range msgs {
		switch m.role {
		case chatUser:
			out = append(out, openai.UserMessage(m.text))
		case chatTool:
			out = append(out, openai.ToolMessage(m.text, m.toolCallID))
		case chatAssistant:
			var calls []openai.ChatCompletionMessageToolCallParam
			for _, tc := range m.toolCalls {
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID:   tc.id,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.name,
						Arguments: string(tc.args),
					},
				})
			}
			assistant := openai.ChatCompletionAssistantMessageParam{
				Content:   openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(m.text)},
				ToolCalls: calls,
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		}
	}
	return out
}
