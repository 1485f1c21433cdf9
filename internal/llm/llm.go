package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// ErrNotConfigured is returned when a provider has no credential.
var ErrNotConfigured = errors.New("inference credential not configured")

// Provider is the interface for LLM providers.
type Provider interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
	IsConfigured() bool
	Name() string
}

// Options selects and configures a provider.
type Options struct {
	Provider      string
	Model         string
	APIKey        string
	OpenAIModel   string
	OpenAIBaseURL string
	// BaseURL overrides the Gemini endpoint, for tests and proxies.
	BaseURL string
}

// GeminiProvider calls the Gemini API through the genai SDK. The client
// is created on first use so a missing key only fails the request that
// needs it.
type GeminiProvider struct {
	Model   string
	apiKey  string
	baseURL string

	mu     sync.Mutex
	client *genai.Client
}

func NewGeminiProvider(model, apiKey, baseURL string) *GeminiProvider {
	return &GeminiProvider{Model: model, apiKey: apiKey, baseURL: baseURL}
}

func (g *GeminiProvider) Name() string { return "gemini/" + g.Model }

// IsConfigured checks if the API key is set.
func (g *GeminiProvider) IsConfigured() bool {
	return g.apiKey != ""
}

func (g *GeminiProvider) getClient(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	cfg := &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if g.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: g.baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	g.client = client
	return client, nil
}

// Generate sends a prompt to Gemini and returns the text of the response.
func (g *GeminiProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if g.apiKey == "" {
		return "", ErrNotConfigured
	}
	client, err := g.getClient(ctx)
	if err != nil {
		return "", err
	}

	cfg := &genai.GenerateContentConfig{Temperature: genai.Ptr[float32](0.3)}
	if maxTokens > 0 {
		cfg.MaxOutputTokens = int32(maxTokens)
	}
	resp, err := client.Models.GenerateContent(ctx, g.Model, genai.Text(prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("gemini API error: %w", err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", errors.New("empty response from gemini")
	}
	return text, nil
}

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	Model   string
	APIKey  string
	BaseURL string
	client  *http.Client
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(model, apiKey, baseURL string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		Model:   model,
		APIKey:  apiKey,
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (o *OpenAIProvider) Name() string { return "openai/" + o.Model }

// IsConfigured checks if the API key is set.
func (o *OpenAIProvider) IsConfigured() bool {
	return o.APIKey != ""
}

// Generate sends a prompt to OpenAI and returns the response.
func (o *OpenAIProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if o.APIKey == "" {
		return "", ErrNotConfigured
	}

	body := map[string]any{
		"model": o.Model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"max_tokens":  maxTokens,
		"temperature": 0.3,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.APIKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("OpenAI API error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("OpenAI API returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices in OpenAI response")
	}

	return result.Choices[0].Message.Content, nil
}

// CreateProvider builds the configured provider. A provider without a key
// is still returned; callers check IsConfigured per request.
func CreateProvider(opts Options, logger *zap.Logger) Provider {
	var p Provider
	switch strings.ToLower(opts.Provider) {
	case "openai":
		p = NewOpenAIProvider(opts.OpenAIModel, opts.APIKey, opts.OpenAIBaseURL)
	default:
		p = NewGeminiProvider(opts.Model, opts.APIKey, opts.BaseURL)
	}
	if p.IsConfigured() {
		logger.Info("inference provider ready", zap.String("provider", p.Name()))
	} else {
		logger.Warn("inference provider has no credential; report generation will fail", zap.String("provider", p.Name()))
	}
	return p
}
