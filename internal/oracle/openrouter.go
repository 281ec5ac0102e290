package oracle

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

const (
	defaultOpenRouterURL   = "https://openrouter.ai/api/v1"
	DefaultOpenRouterModel = "google/gemini-2.0-flash-001"
	defaultTimeout         = 60 * time.Second
)

// OpenRouterClient calls the OpenRouter chat completions API.
type OpenRouterClient struct {
	apiKey      string
	model       string
	temperature float64
	baseURL     string
	httpClient  *http.Client
	referer     string
	title       string
}

// NewOpenRouterClient creates a client for model authenticated with apiKey.
func NewOpenRouterClient(apiKey, model string, temperature float64) *OpenRouterClient {
	if model == "" {
		model = DefaultOpenRouterModel
	}
	return &OpenRouterClient{
		apiKey:      apiKey,
		model:       model,
		temperature: temperature,
		baseURL:     defaultOpenRouterURL,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		referer:     "https://github.com/Neo-101/story-trace",
		title:       "storytrace",
	}
}

// NewOpenRouterClientWithBaseURL points the client at a custom base URL (for testing).
func NewOpenRouterClientWithBaseURL(apiKey, model, baseURL string) *OpenRouterClient {
	c := NewOpenRouterClient(apiKey, model, 0)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type completionRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error,omitempty"`
}

// Generate sends prompt as a single user message and returns the reply text.
func (c *OpenRouterClient) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(completionRequest{
		Model:          c.model,
		Messages:       []chatMessage{{Role: "user", Content: prompt}},
		Temperature:    c.temperature,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", Transient(fmt.Errorf("executing request: %w", err))
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return "", err
	}

	var cr completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if cr.Error != nil {
		return "", Transient(fmt.Errorf("provider error: %s", cr.Error.Message))
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("response has no choices")
	}
	return cr.Choices[0].Message.Content, nil
}

func (c *OpenRouterClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", c.referer)
	req.Header.Set("X-Title", c.title)
}

// statusError maps non-200 responses to errors; 429 and 5xx are transient.
func statusError(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return Transient(err)
	}
	return err
}
