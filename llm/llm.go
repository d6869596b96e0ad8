// Package llm provides the chat and embedding backends used by the turn
// pipeline, the retry and circuit-breaker policy wrapped around them, and the
// parser for the sectioned reply grammar (STATE, REFLECTION, KEYWORDS,
// RESPONSE, QUESTIONS).
//
// Backends:
//   - AnthropicChat: Claude via anthropic-sdk-go
//   - OpenAIChat / OpenAIEmbedder: any OpenAI-compatible server (LM Studio, Ollama, OpenAI)
package llm

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of an ordered chat transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatClient sends an ordered transcript and returns the reply text.
// Implementations retry transient failures themselves; any error returned
// is final for the call.
type ChatClient interface {
	Chat(ctx context.Context, messages []Message, temperature float64) (string, error)
}

// ChatFunc adapts a function to ChatClient.
type ChatFunc func(ctx context.Context, messages []Message, temperature float64) (string, error)

// Chat calls f.
func (f ChatFunc) Chat(ctx context.Context, messages []Message, temperature float64) (string, error) {
	return f(ctx, messages, temperature)
}
