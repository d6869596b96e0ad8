package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

// AnthropicConfig configures AnthropicChat.
type AnthropicConfig struct {
	// Model is the Claude model to use.
	// Default: claude-sonnet-4-20250514
	Model string

	// MaxTokens is the maximum reply tokens.
	// Default: 4096
	MaxTokens int64

	// Retry overrides DefaultRetryPolicy when MaxAttempts > 0.
	Retry RetryPolicy
}

// AnthropicChat implements ChatClient with the Anthropic Messages API.
// The client should be built with option.WithMaxRetries(0); retries are
// handled here so every backend follows the same policy.
type AnthropicChat struct {
	client  *anthropic.Client
	cfg     AnthropicConfig
	breaker *Breaker
}

// NewAnthropicChat creates a chat client around an existing SDK client.
func NewAnthropicChat(client *anthropic.Client, cfg AnthropicConfig) *AnthropicChat {
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy
	}
	return &AnthropicChat{
		client:  client,
		cfg:     cfg,
		breaker: NewBreaker(BreakerConfig{Name: "anthropic-chat"}),
	}
}

// Chat sends the transcript. System messages are joined into the system prompt.
func (c *AnthropicChat) Chat(ctx context.Context, messages []Message, temperature float64) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.cfg.Model),
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: anthropic.Float(temperature),
	}

	var system []string
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	if len(params.Messages) == 0 {
		return "", fmt.Errorf("anthropic chat: no user or assistant messages")
	}

	var text string
	err := call(ctx, c.breaker, c.cfg.Retry, func(ctx context.Context) error {
		resp, err := c.client.Messages.New(ctx, params)
		if err != nil {
			return err
		}
		var sb strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				sb.WriteString(block.Text)
			}
		}
		text = sb.String()
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("anthropic chat: %w", err)
	}
	return text, nil
}

var _ ChatClient = (*AnthropicChat)(nil)
