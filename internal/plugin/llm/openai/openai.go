// Package openai implements the LLM provider seam over the OpenAI
// chat-completions API with JSON-schema constrained decoding.
package openai

import (
	"context"
	"encoding/json"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/recallhq/recall/internal/config"
	registryllm "github.com/recallhq/recall/internal/registry/llm"
)

func init() {
	registryllm.Register(registryllm.Plugin{
		Name:   "openai",
		Loader: load,
	})
}

func load(ctx context.Context) (registryllm.Provider, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.OpenAIAPIKey == "" {
		return nil, &config.Error{Field: "openai-key", Message: "OPENAI_API_KEY is required"}
	}
	clientCfg := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.OpenAIBaseURL, "/")
	}
	return &Provider{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.ChatModel,
	}, nil
}

// Provider calls the OpenAI chat-completions API.
type Provider struct {
	client *openai.Client
	model  string
}

func (p *Provider) ModelName() string { return p.model }

// rawSchema adapts a JSON Schema object to the json.Marshaler the client
// expects for constrained decoding.
type rawSchema map[string]any

func (s rawSchema) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any(s))
}

func (p *Provider) Complete(ctx context.Context, req registryllm.CompletionRequest) (json.RawMessage, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   req.SchemaName,
				Schema: rawSchema(req.Schema),
				Strict: true,
			},
		},
	})
	if err != nil {
		return nil, &registryllm.Error{Provider: "openai", Err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &registryllm.Error{Provider: "openai", Err: errEmptyResponse}
	}
	content := resp.Choices[0].Message.Content
	if !json.Valid([]byte(content)) {
		return nil, &registryllm.Error{Provider: "openai", Err: errNonJSON}
	}
	return json.RawMessage(content), nil
}

func (p *Provider) Chat(ctx context.Context, req registryllm.ChatRequest) (*registryllm.ChatResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		messages = append(messages, msg)
	}

	tools := make([]openai.Tool, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: messages,
		Tools:    tools,
	})
	if err != nil {
		return nil, &registryllm.Error{Provider: "openai", Err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &registryllm.Error{Provider: "openai", Err: errEmptyResponse}
	}

	choice := resp.Choices[0].Message
	out := &registryllm.ChatResponse{Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, registryllm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

var (
	errEmptyResponse = errString("empty completion response")
	errNonJSON       = errString("completion content is not valid JSON")
)

type errString string

func (e errString) Error() string { return string(e) }

var _ registryllm.Provider = (*Provider)(nil)
