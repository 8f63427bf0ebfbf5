package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

var defaultBaseURLs = map[ProviderType]string{
	ProviderGroq:       "https://api.groq.com/openai/v1",
	ProviderOpenRouter: "https://openrouter.ai/api/v1",
}

var defaultChatModels = map[ProviderType]string{
	ProviderGroq:       "llama-3.3-70b-versatile",
	ProviderOpenRouter: "meta-llama/llama-3.2-3b-instruct:free",
}

// ChatClient talks to an OpenAI compatible chat completions API such as Groq
// or OpenRouter
type ChatClient struct {
	provider   ProviderType
	apiKey     string
	baseURL    string
	modelName  string
	httpClient *http.Client
	logger     *zap.Logger
	maxRetries int
	retryDelay time.Duration
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewChatClient creates a client for cfg.Type
func NewChatClient(cfg ProviderConfig, logger *zap.Logger) (*ChatClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s API key is required", cfg.Type)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURLs[cfg.Type]
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%s needs a base_url", cfg.Type)
	}
	if cfg.ModelName == "" {
		cfg.ModelName = defaultChatModels[cfg.Type]
	}

	logger.Info("Chat client initialized",
		zap.String("provider", string(cfg.Type)),
		zap.String("model", cfg.ModelName),
		zap.Int("max_retries", cfg.MaxRetries))

	return &ChatClient{
		provider:   cfg.Type,
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		modelName:  cfg.ModelName,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

func (c *ChatClient) Name() string { return string(c.provider) }

func (c *ChatClient) Model() string { return c.modelName }

func (c *ChatClient) Close() error { return nil }

// Suggest picks one of labels for text
func (c *ChatClient) Suggest(ctx context.Context, text string, labels []string) (*Suggestion, error) {
	payload, err := json.Marshal(chatRequest{
		Model: c.modelName,
		Messages: []chatMessage{
			{Role: "system", Content: SystemInstruction},
			{Role: "user", Content: BuildPrompt(text, labels)},
		},
		Temperature: 0.2,
		MaxTokens:   300,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	return retry(ctx, c.logger, c.Name(), c.maxRetries, c.retryDelay, func() (*Suggestion, error) {
		content, err := c.complete(ctx, payload)
		if err != nil {
			return nil, err
		}
		s, err := parseSuggestion(content, labels)
		if err != nil {
			return nil, err
		}
		s.Provider, s.Model = c.Name(), c.modelName
		return s, nil
	})
}

func (c *ChatClient) complete(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s API error: %w", c.provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s API returned status %d: %s", c.provider, resp.StatusCode, string(body))
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("%s API error: %s", c.provider, out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("empty response from %s", c.provider)
	}
	return out.Choices[0].Message.Content, nil
}
