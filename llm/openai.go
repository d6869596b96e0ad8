package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIConfig configures the OpenAI-compatible chat and embedding clients.
type OpenAIConfig struct {
	APIKey     string
	Model      string        // chat default: google/gemma-3n-e4b, embedding default: text-embedding-nomic-embed-text-v1.5
	BaseURL    string        // default: http://localhost:1234
	Timeout    time.Duration // default: 90s chat, 60s embeddings
	Dimensions int           // embeddings only; default: 768
	Retry      RetryPolicy   // default: DefaultRetryPolicy
}

func (cfg *OpenAIConfig) applyDefaults(model string, timeout time.Duration) {
	if cfg.Model == "" {
		cfg.Model = model
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:1234"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = timeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy
	}
}

// OpenAIChat implements ChatClient against POST /v1/chat/completions.
type OpenAIChat struct {
	cfg     OpenAIConfig
	client  *http.Client
	breaker *Breaker
}

// NewOpenAIChat creates a chat client.
func NewOpenAIChat(cfg OpenAIConfig) *OpenAIChat {
	cfg.applyDefaults("google/gemma-3n-e4b", 90*time.Second)
	return &OpenAIChat{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: NewBreaker(BreakerConfig{Name: "openai-chat"}),
	}
}

type openAIChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Chat sends the transcript and returns the first choice, unwrapping
// JSON-wrapped message bodies.
func (c *OpenAIChat) Chat(ctx context.Context, messages []Message, temperature float64) (string, error) {
	body := openAIChatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: temperature,
	}

	var text string
	err := call(ctx, c.breaker, c.cfg.Retry, func(ctx context.Context) error {
		var resp openAIChatResponse
		if err := postJSON(ctx, c.client, c.cfg, "/v1/chat/completions", body, &resp); err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("no choices in response")
		}
		text = UnwrapReply(resp.Choices[0].Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}
	return text, nil
}

// OpenAIEmbedder implements memory.Embedder against POST /v1/embeddings.
type OpenAIEmbedder struct {
	cfg     OpenAIConfig
	client  *http.Client
	breaker *Breaker
}

// NewOpenAIEmbedder creates an embedding client.
func NewOpenAIEmbedder(cfg OpenAIConfig) *OpenAIEmbedder {
	cfg.applyDefaults("text-embedding-nomic-embed-text-v1.5", 60*time.Second)
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 768
	}
	return &OpenAIEmbedder{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: NewBreaker(BreakerConfig{Name: "openai-embed"}),
	}
}

type openAIEmbeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding of text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body := openAIEmbeddingRequest{Model: e.cfg.Model, Input: text}

	var vec []float32
	err := call(ctx, e.breaker, e.cfg.Retry, func(ctx context.Context) error {
		var resp openAIEmbeddingResponse
		if err := postJSON(ctx, e.client, e.cfg, "/v1/embeddings", body, &resp); err != nil {
			return err
		}
		if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
			return fmt.Errorf("empty embedding in response")
		}
		raw := resp.Data[0].Embedding
		vec = make([]float32, len(raw))
		for i, v := range raw {
			vec[i] = float32(v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	return vec, nil
}

// Dimensions returns the configured embedding size.
func (e *OpenAIEmbedder) Dimensions() int {
	return e.cfg.Dimensions
}

func postJSON(ctx context.Context, client *http.Client, cfg OpenAIConfig, path string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var _ ChatClient = (*OpenAIChat)(nil)
