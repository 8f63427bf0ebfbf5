package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// GeminiClient asks Gemini for label suggestions
type GeminiClient struct {
	client     *genai.Client
	model      *genai.GenerativeModel
	logger     *zap.Logger
	modelName  string
	maxRetries int
	retryDelay time.Duration
}

// NewGeminiClient creates a new Gemini client
func NewGeminiClient(cfg ProviderConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if cfg.ModelName == "" {
		cfg.ModelName = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	model := client.GenerativeModel(cfg.ModelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(SystemInstruction)},
	}
	model.ResponseMIMEType = "application/json"
	model.GenerationConfig = genai.GenerationConfig{
		Temperature:     genai.Ptr[float32](0.2),
		TopP:            genai.Ptr[float32](0.9),
		MaxOutputTokens: genai.Ptr[int32](300),
	}

	logger.Info("Gemini client initialized",
		zap.String("model", cfg.ModelName),
		zap.Int("max_retries", cfg.MaxRetries))

	return &GeminiClient{
		client:     client,
		model:      model,
		logger:     logger,
		modelName:  cfg.ModelName,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

func (c *GeminiClient) Name() string { return string(ProviderGemini) }

func (c *GeminiClient) Model() string { return c.modelName }

func (c *GeminiClient) Close() error {
	return c.client.Close()
}

// Suggest picks one of labels for text
func (c *GeminiClient) Suggest(ctx context.Context, text string, labels []string) (*Suggestion, error) {
	prompt := BuildPrompt(text, labels)

	return retry(ctx, c.logger, "gemini", c.maxRetries, c.retryDelay, func() (*Suggestion, error) {
		resp, err := c.model.GenerateContent(ctx, genai.Text(prompt))
		if err != nil {
			return nil, fmt.Errorf("gemini API error: %w", err)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
			return nil, fmt.Errorf("empty response from gemini")
		}
		part, ok := resp.Candidates[0].Content.Parts[0].(genai.Text)
		if !ok {
			return nil, fmt.Errorf("unexpected response type from gemini")
		}
		s, err := parseSuggestion(string(part), labels)
		if err != nil {
			return nil, err
		}
		s.Provider, s.Model = c.Name(), c.modelName
		return s, nil
	})
}

// retry calls fn up to attempts times, sleeping delay between calls
func retry(ctx context.Context, logger *zap.Logger, provider string, attempts int, delay time.Duration, fn func() (*Suggestion, error)) (*Suggestion, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			logger.Warn("Retrying provider request",
				zap.String("provider", provider),
				zap.Int("attempt", attempt+1),
				zap.Int("max_retries", attempts))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		s, err := fn()
		if err == nil {
			return s, nil
		}
		lastErr = err
		logger.Error("Provider request failed",
			zap.String("provider", provider),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}
