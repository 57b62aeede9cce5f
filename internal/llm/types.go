// Package llm is the model transport used by planning and review agents.
//
// Client is the single contract; AnthropicClient and OpenAIClient implement
// it, and Router picks one by provider name.
package llm

import (
	"context"
	"errors"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one transcript entry. Assistant messages may carry tool calls;
// user messages may carry the results of the preceding calls.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// Tool describes a callable tool. Parameters is the JSON Schema "properties" object.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
	Required    []string               `json:"required,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// ToolResult answers a ToolCall.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Usage counts tokens for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Response is one model turn.
type Response struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason string     `json:"stop_reason"`
	Model      string     `json:"model"`
	Usage      Usage      `json:"usage"`
}

// Client sends a transcript with an optional tool menu and returns the next turn.
type Client interface {
	SendMessage(ctx context.Context, messages []Message, tools []Tool) (*Response, error)
}

// ErrUnknownProvider is returned by Router for unregistered providers.
var ErrUnknownProvider = errors.New("unknown model provider")

// UserText builds a plain user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: text}
}
