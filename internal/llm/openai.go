package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

// OpenAIConfig configures OpenAIClient.
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// OpenAIClient talks to OpenAI-compatible endpoints through langchaingo.
// It is text-only: tool menus are not forwarded, so a tool loop driven by
// this client ends after the first turn.
type OpenAIClient struct {
	llm       llms.Model
	model     string
	maxTokens int
}

// NewOpenAIClient creates a client.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &OpenAIClient{llm: model, model: cfg.Model, maxTokens: cfg.MaxTokens}, nil
}

// SendMessage implements Client.
func (c *OpenAIClient) SendMessage(ctx context.Context, messages []Message, _ []Tool) (*Response, error) {
	content := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		role := schema.ChatMessageTypeHuman
		if m.Role == RoleAssistant {
			role = schema.ChatMessageTypeAI
		}
		if text := flatten(m); text != "" {
			content = append(content, llms.TextParts(role, text))
		}
	}

	out, err := c.llm.GenerateContent(ctx, content, llms.WithMaxTokens(c.maxTokens))
	if err != nil {
		return nil, fmt.Errorf("openai generate: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("openai generate: empty response")
	}
	choice := out.Choices[0]
	return &Response{
		Content:    choice.Content,
		StopReason: choice.StopReason,
		Model:      c.model,
	}, nil
}

// flatten renders tool traffic as text for a text-only model.
func flatten(m Message) string {
	var b strings.Builder
	for _, r := range m.ToolResults {
		fmt.Fprintf(&b, "[tool result %s]\n%s\n", r.CallID, r.Content)
	}
	for _, c := range m.ToolCalls {
		fmt.Fprintf(&b, "[tool call %s %s]\n", c.Name, c.ID)
	}
	b.WriteString(m.Content)
	return strings.TrimSpace(b.String())
}
