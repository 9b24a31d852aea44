// Package gemini provides a refine.Backend backed by the Gemini
// generateContent REST API.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noahbclarkson/gemini-structured-output/pkg/refine"
)

// Config holds the connection settings for one Gemini model endpoint.
type Config struct {
	APIKey          string
	BaseURL         string
	Model           string
	Timeout         time.Duration
	MaxOutputTokens int
	// MinRequestInterval spaces consecutive requests from this client to stay
	// under per-minute rate limits.
	MinRequestInterval time.Duration
}

// DefaultConfig returns sensible defaults for the given API key.
func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:             apiKey,
		BaseURL:            "https://generativelanguage.googleapis.com/v1beta",
		Model:              "gemini-2.5-flash",
		Timeout:            10 * time.Minute,
		MaxOutputTokens:    65536,
		MinRequestInterval: 100 * time.Millisecond,
	}
}

// Client is a refine.Backend talking to one Gemini model. Safe for concurrent
// use; request spacing is serialized through an internal mutex.
type Client struct {
	apiKey          string
	baseURL         string
	model           string
	maxOutputTokens int
	minInterval     time.Duration
	httpClient      *http.Client
	logger          *zap.Logger

	mu          sync.Mutex
	lastRequest time.Time
}

// New creates a client for model using default settings.
func New(apiKey, model string) *Client {
	cfg := DefaultConfig(apiKey)
	if model != "" {
		cfg.Model = model
	}
	return NewWithConfig(cfg)
}

// NewWithConfig creates a client with custom settings.
func NewWithConfig(cfg Config) *Client {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-2.5-flash"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Client{
		apiKey:          cfg.APIKey,
		baseURL:         baseURL,
		model:           model,
		maxOutputTokens: cfg.MaxOutputTokens,
		minInterval:     cfg.MinRequestInterval,
		httpClient:      &http.Client{Timeout: timeout},
		logger:          zap.NewNop(),
	}
}

// WithLogger returns a copy of the client logging through l.
func (c *Client) WithLogger(l *zap.Logger) *Client {
	c.mu.Lock()
	last := c.lastRequest
	c.mu.Unlock()
	return &Client{
		apiKey:          c.apiKey,
		baseURL:         c.baseURL,
		model:           c.model,
		maxOutputTokens: c.maxOutputTokens,
		minInterval:     c.minInterval,
		httpClient:      c.httpClient,
		logger:          l,
		lastRequest:     last,
	}
}

// Name returns the model identifier for logs.
func (c *Client) Name() string {
	return c.model
}

// GenerateText implements refine.Backend. It performs exactly one request;
// transient-failure retry is the caller's responsibility. HTTP-level failures
// are returned as *refine.BackendError so the caller can classify them.
func (c *Client) GenerateText(ctx context.Context, req refine.GenerateRequest) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	if c.apiKey == "" {
		return "", fmt.Errorf("API key not configured")
	}

	startTime := time.Now()
	c.logger.Debug("sending generateContent request",
		zap.String("model", c.model),
		zap.Int("messages", len(req.Messages)),
		zap.Int("system_len", len(req.System)))

	c.throttle()

	body := c.buildRequestBody(req)
	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &refine.BackendError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("API error: %s", parsed.Error.Message)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no completion returned")
	}

	var result strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		result.WriteString(part.Text)
	}
	text := strings.TrimSpace(result.String())
	if text == "" {
		return "", fmt.Errorf("no completion returned")
	}

	c.logger.Debug("generateContent completed",
		zap.Duration("elapsed", time.Since(startTime)),
		zap.Int("response_len", len(text)))
	return text, nil
}

// throttle enforces the minimum spacing between consecutive requests.
func (c *Client) throttle() {
	if c.minInterval <= 0 {
		return
	}
	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < c.minInterval {
		time.Sleep(c.minInterval - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()
}

func (c *Client) buildRequestBody(req refine.GenerateRequest) geminiRequest {
	contents := make([]geminiContent, 0, len(req.Messages))
	for _, msg := range req.Messages {
		parts := make([]geminiPart, 0, 1+len(msg.Documents))
		if msg.Text != "" {
			parts = append(parts, geminiPart{Text: msg.Text})
		}
		for _, doc := range msg.Documents {
			parts = append(parts, geminiPart{InlineData: &geminiInlineData{
				MIMEType: doc.MIMEType,
				Data:     base64.StdEncoding.EncodeToString(doc.Data),
			}})
		}
		contents = append(contents, geminiContent{Role: msg.Role, Parts: parts})
	}

	body := geminiRequest{
		Contents: contents,
		GenerationConfig: geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: c.maxOutputTokens,
		},
	}
	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	if req.ResponseMIMEType != "" {
		body.GenerationConfig.ResponseMimeType = req.ResponseMIMEType
	}
	if len(req.ResponseJSONSchema) > 0 {
		body.GenerationConfig.ResponseJSONSchema = json.RawMessage(req.ResponseJSONSchema)
	}
	return body
}
