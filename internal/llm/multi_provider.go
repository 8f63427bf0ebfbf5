// Package llm proposes labels for a text with large language models. Several
// providers can be configured; requests fall back to the next provider when
// one keeps failing.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"active-tagger/internal/apperr"
)

// ProviderType represents the type of LLM provider
type ProviderType string

const (
	ProviderGemini     ProviderType = "gemini"
	ProviderGroq       ProviderType = "groq"
	ProviderOpenRouter ProviderType = "openrouter"
	ProviderOpenAI     ProviderType = "openai"
)

// ProviderConfig holds configuration for a single provider instance
type ProviderConfig struct {
	Type       ProviderType  `yaml:"type"`
	APIKey     string        `yaml:"api_key"`
	ModelName  string        `yaml:"model_name"`
	BaseURL    string        `yaml:"base_url"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	// Rate limiting per provider
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// Provider is any LLM able to pick a label
type Provider interface {
	Suggest(ctx context.Context, text string, labels []string) (*Suggestion, error)
	Name() string
	Model() string
	Close() error
}

// RateLimitedProvider wraps a provider with a token bucket
type RateLimitedProvider struct {
	Provider
	limiter *rate.Limiter
}

// NewRateLimitedProvider allows requestsPerMinute calls per minute with a
// burst of the same size
func NewRateLimitedProvider(provider Provider, requestsPerMinute int) *RateLimitedProvider {
	return &RateLimitedProvider{
		Provider: provider,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), requestsPerMinute),
	}
}

func (p *RateLimitedProvider) Suggest(ctx context.Context, text string, labels []string) (*Suggestion, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait cancelled: %w", err)
	}
	return p.Provider.Suggest(ctx, text, labels)
}

// MultiProviderClient manages multiple LLM providers with fallback
type MultiProviderClient struct {
	providers    []*RateLimitedProvider
	currentIndex int
	mu           sync.RWMutex
	logger       *zap.Logger
	failureCount map[int]int
	maxFailures  int
}

// MultiProviderConfig holds configuration for multiple providers
type MultiProviderConfig struct {
	Providers   []ProviderConfig
	MaxFailures int // consecutive failures before switching provider
}

// NewProvider builds the client for cfg.Type
func NewProvider(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	switch cfg.Type {
	case ProviderGemini:
		return NewGeminiClient(cfg, logger)
	case ProviderGroq, ProviderOpenRouter, ProviderOpenAI:
		return NewChatClient(cfg, logger)
	}
	return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
}

// NewMultiProviderClient creates the configured providers. Providers that
// cannot be created are skipped.
func NewMultiProviderClient(cfg MultiProviderConfig, logger *zap.Logger) (*MultiProviderClient, error) {
	providers := make([]Provider, 0, len(cfg.Providers))
	limits := make([]int, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		provider, err := NewProvider(pc, logger)
		if err != nil {
			logger.Warn("Skipping suggestion provider",
				zap.String("provider", string(pc.Type)),
				zap.String("model", pc.ModelName),
				zap.Error(err))
			continue
		}
		providers = append(providers, provider)
		limits = append(limits, pc.RequestsPerMinute)
	}
	return NewMultiProviderClientFrom(providers, limits, cfg.MaxFailures, logger)
}

const defaultRequestsPerMinute = 8

// NewMultiProviderClientFrom wraps already built providers; limits holds the
// requests per minute of each, 0 for the default.
func NewMultiProviderClientFrom(providers []Provider, limits []int, maxFailures int, logger *zap.Logger) (*MultiProviderClient, error) {
	if len(providers) == 0 {
		return nil, apperr.Unavailable.New("no LLM provider configured")
	}
	if maxFailures <= 0 {
		maxFailures = 3
	}
	wrapped := make([]*RateLimitedProvider, len(providers))
	for i, p := range providers {
		limit := 0
		if i < len(limits) {
			limit = limits[i]
		}
		if limit <= 0 {
			limit = defaultRequestsPerMinute
		}
		wrapped[i] = NewRateLimitedProvider(p, limit)
		logger.Info("Suggestion provider ready",
			zap.String("provider", p.Name()),
			zap.String("model", p.Model()),
			zap.Int("requests_per_minute", limit))
	}
	return &MultiProviderClient{
		providers:    wrapped,
		logger:       logger,
		failureCount: make(map[int]int),
		maxFailures:  maxFailures,
	}, nil
}

func (c *MultiProviderClient) current() (*RateLimitedProvider, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.providers[c.currentIndex], c.currentIndex
}

// advance moves past the provider at index unless another caller already did
func (c *MultiProviderClient) advance(index int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.currentIndex != index {
		return
	}
	c.currentIndex = (index + 1) % len(c.providers)
	next := c.providers[c.currentIndex]
	c.logger.Info("Falling back to next suggestion provider",
		zap.String("from", c.providers[index].Name()),
		zap.String("to", next.Name()),
		zap.String("model", next.Model()),
		zap.String("reason", reason))
}

// recordFailure reports whether the provider at index reached the
// consecutive failure limit
func (c *MultiProviderClient) recordFailure(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failureCount[index]++
	if c.failureCount[index] >= c.maxFailures {
		c.failureCount[index] = 0
		return true
	}
	return false
}

func (c *MultiProviderClient) resetFailureCount(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount[index] = 0
}

// Suggest asks the current provider and falls back to the next ones on
// failure
func (c *MultiProviderClient) Suggest(ctx context.Context, text string, labels []string) (*Suggestion, error) {
	if len(labels) == 0 {
		return nil, apperr.InvalidInput.New("scheme has no labels")
	}
	var errs []error
	for attempt := 0; attempt < len(c.providers); attempt++ {
		provider, index := c.current()
		s, err := provider.Suggest(ctx, text, labels)
		if err == nil {
			c.resetFailureCount(index)
			return s, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs = append(errs, fmt.Errorf("%s: %w", provider.Name(), err))
		c.logger.Warn("Suggestion failed",
			zap.String("provider", provider.Name()),
			zap.Int("labels", len(labels)),
			zap.Error(err))

		switch {
		case isRateLimitError(err):
			c.advance(index, "rate limited")
		case c.recordFailure(index):
			c.advance(index, fmt.Sprintf("%d consecutive failures", c.maxFailures))
		}
	}
	return nil, apperr.Unavailable.Wrap(fmt.Errorf("all providers failed: %w", errors.Join(errs...)))
}

func isRateLimitError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "rate limit")
}

// Close closes all providers
func (c *MultiProviderClient) Close() error {
	var errs []error
	for _, p := range c.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// ProviderInfo describes one configured provider
type ProviderInfo struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	IsCurrent    bool   `json:"is_current"`
	FailureCount int    `json:"failure_count"`
}

// Providers returns information about all providers
func (c *MultiProviderClient) Providers() []ProviderInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ProviderInfo, len(c.providers))
	for i, p := range c.providers {
		out[i] = ProviderInfo{
			Provider:     p.Name(),
			Model:        p.Model(),
			IsCurrent:    i == c.currentIndex,
			FailureCount: c.failureCount[i],
		}
	}
	return out
}
