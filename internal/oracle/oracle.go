// Package oracle talks to the text-generation providers that evolve narrative
// states: OpenRouter, a local Ollama server, or Gemini. Every provider is
// reduced to a single prompt -> response call and wrapped with retries for
// transient failures.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Provider names accepted by the oracle.provider setting.
const (
	ProviderOpenRouter = "openrouter"
	ProviderOllama     = "ollama"
	ProviderGemini     = "gemini"
	ProviderNone       = "none"
)

// Generator is the single call every provider implements.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// TransientError marks a failure that may succeed on retry (rate limits,
// provider 5xx, network errors).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Config selects and tunes a provider.
type Config struct {
	Provider     string
	Model        string
	BaseURL      string
	APIKey       string
	Temperature  float64
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// Client is a configured provider wrapped with retries.
type Client struct {
	provider    string
	gen         Generator
	modelConfig map[string]string
	close       func() error
}

// New builds the client for cfg.Provider. It returns nil and no error for
// ProviderNone.
func New(ctx context.Context, cfg Config) (*Client, error) {
	var (
		gen    Generator
		closer = func() error { return nil }
	)
	switch cfg.Provider {
	case ProviderNone:
		return nil, nil
	case ProviderOpenRouter, "":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openrouter provider requires an API key")
		}
		c := NewOpenRouterClient(cfg.APIKey, cfg.Model, cfg.Temperature)
		if cfg.BaseURL != "" {
			c.baseURL = strings.TrimRight(cfg.BaseURL, "/")
		}
		if cfg.Timeout > 0 {
			c.httpClient.Timeout = cfg.Timeout
		}
		gen = c
	case ProviderOllama:
		c := NewOllamaClient(cfg.BaseURL, cfg.Model, cfg.Temperature)
		if cfg.Timeout > 0 {
			c.httpClient.Timeout = cfg.Timeout
		}
		gen = c
	case ProviderGemini:
		c, err := NewGeminiClient(ctx, cfg.APIKey, cfg.Model, cfg.Temperature)
		if err != nil {
			return nil, err
		}
		gen, closer = c, c.Close
	default:
		return nil, fmt.Errorf("unknown oracle provider %q", cfg.Provider)
	}

	provider := cfg.Provider
	if provider == "" {
		provider = ProviderOpenRouter
	}
	return &Client{
		provider: provider,
		gen:      WithRetry(gen, cfg.MaxRetries, cfg.RetryBackoff),
		modelConfig: map[string]string{
			"provider":    provider,
			"model":       cfg.Model,
			"base_url":    cfg.BaseURL,
			"temperature": strconv.FormatFloat(cfg.Temperature, 'f', -1, 64),
		},
		close: closer,
	}, nil
}

// Generate sends prompt to the provider, retrying transient failures.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	return c.gen.Generate(ctx, prompt)
}

// Provider returns the configured provider name.
func (c *Client) Provider() string { return c.provider }

// ModelConfig identifies the provider configuration for cache keys.
func (c *Client) ModelConfig() map[string]string {
	out := make(map[string]string, len(c.modelConfig))
	for k, v := range c.modelConfig {
		out[k] = v
	}
	return out
}

// Close releases provider resources.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	return c.close()
}
