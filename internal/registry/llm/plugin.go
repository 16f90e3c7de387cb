package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// Message roles mirror the chat-completions wire format.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single chat turn.
type Message struct {
	Role    string
	Content string
	// ToolCallID links a RoleTool message to the call it answers.
	ToolCallID string
	// ToolCalls is set on assistant messages that request tool execution.
	ToolCalls []ToolCall
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Tool describes a callable tool. Parameters is a JSON Schema object.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// CompletionRequest asks for a single structured-output completion.
// Schema is a JSON Schema object the response must conform to; providers use
// native constrained decoding where available.
type CompletionRequest struct {
	System     string
	User       string
	SchemaName string
	Schema     map[string]any
}

// ChatRequest is one step of a tool-calling conversation.
type ChatRequest struct {
	Messages []Message
	Tools    []Tool
}

// ChatResponse is the model's reply to a ChatRequest. When ToolCalls is
// non-empty the caller executes them and continues the loop.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
}

// Provider is the pluggable LLM seam: structured-output completion plus
// tool-loop chat.
type Provider interface {
	// Complete returns the raw JSON of a schema-constrained completion.
	Complete(ctx context.Context, req CompletionRequest) (json.RawMessage, error)
	// Chat runs one tool-calling step.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// ModelName returns the model identifier.
	ModelName() string
}

// Error wraps an upstream LLM failure (HTTP, timeout, non-JSON output).
type Error struct {
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm %s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Loader creates a Provider from config.
type Loader func(ctx context.Context) (Provider, error)

// Plugin represents an LLM provider plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds an LLM provider plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered provider plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named provider plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown llm provider %q; valid: %v", name, Names())
}
