package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultAPIBase    = "https://openrouter.ai/api/v1"
	defaultChatModel  = "openai/gpt-5.2"
	defaultEmbedModel = "openai/text-embedding-3-small"
)

// Config configures the capability client. An empty APIBase or APIKey
// selects the local chargram embedder and disables text generation, which
// the memory pipelines degrade around.
type Config struct {
	APIKey     string
	APIBase    string
	ChatModel  string
	EmbedModel string
	Proxy      string
	MaxRetries int
}

// Client is an OpenAI-compatible backend for generation, structured
// extraction, and embeddings. It satisfies memory.LanguageModel.
type Client struct {
	cfg        Config
	httpClient *http.Client
	local      *chargramEmbedder
}

func NewClient(cfg Config) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if cfg.ChatModel == "" {
		cfg.ChatModel = defaultChatModel
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = defaultEmbedModel
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	client := &http.Client{Timeout: 120 * time.Second}
	if cfg.Proxy != "" {
		if proxyURL, err := url.Parse(cfg.Proxy); err == nil {
			client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
	}

	return &Client{
		cfg:        cfg,
		httpClient: client,
		local:      newChargramEmbedder(384),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generate produces free text for a prompt via the chat completions API.
func (c *Client) Generate(ctx context.Context, prompt, system string, maxTokens int, temperature float64) (string, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return "", fmt.Errorf("generation requires an API key")
	}

	messages := []chatMessage{}
	if strings.TrimSpace(system) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	requestBody := map[string]any{
		"model":    c.cfg.ChatModel,
		"messages": messages,
	}
	if maxTokens > 0 {
		requestBody["max_tokens"] = maxTokens
	}
	requestBody["temperature"] = temperature

	body, err := c.post(ctx, "/chat/completions", requestBody)
	if err != nil {
		return "", err
	}

	var apiResponse struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(apiResponse.Choices) == 0 {
		return "", nil
	}
	return apiResponse.Choices[0].Message.Content, nil
}

// Embed returns one vector per input text, order preserved. Without API
// credentials it falls back to the deterministic local chargram embedder so
// the engine stays usable offline.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		out := make([][]float32, len(texts))
		for i, t := range texts {
			out[i] = c.local.Embed(t)
		}
		return out, nil
	}

	body, err := c.post(ctx, "/embeddings", map[string]any{
		"model": c.cfg.EmbedModel,
		"input": texts,
	})
	if err != nil {
		return nil, err
	}

	var apiResponse struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embeddings: %w", err)
	}
	if len(apiResponse.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(apiResponse.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, row := range apiResponse.Data {
		if row.Index < 0 || row.Index >= len(texts) {
			return nil, fmt.Errorf("embedding index %d out of range", row.Index)
		}
		out[row.Index] = row.Embedding
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, requestBody map[string]any) ([]byte, error) {
	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIBase+path, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API request failed:\n  Status: %d\n  Body:   %s", resp.StatusCode, string(body))
	}
	return body, nil
}
