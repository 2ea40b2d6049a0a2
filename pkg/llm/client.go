package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrEmptyResponse is returned when the provider answers without content.
var ErrEmptyResponse = errors.New("llm: empty response")

// Client defines the interface for interacting with an LLM.
// This abstraction allows for easy mocking in tests.
type Client interface {
	// Chat sends a prompt to the LLM and returns the text response.
	// systemPrompt: Instructions for the AI behavior (e.g., "You are a helpful assistant").
	// userQuery: The actual input from the user.
	Chat(ctx context.Context, systemPrompt, userQuery string) (string, error)

	// Name identifies the provider in logs and metrics.
	Name() string
}

// StatusError is a non-200 answer from the provider.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm api error (status %d): %s", e.Code, e.Body)
}

// IsTransient reports whether err is worth retrying: timeouts, network
// failures, rate limiting and server-side errors. Cancellation is not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code == http.StatusRequestTimeout || se.Code >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}

// OpenAIClient implements the Client interface for OpenAI-compatible APIs.
// It works with OpenAI, Ollama, LocalAI, vLLM, etc.
type OpenAIClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient initializes a new LLM client.
func NewClient(cfg Config) *OpenAIClient {
	// Robustness: ensure BaseURL does not end with a slash
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Name == "" {
		cfg.Name = cfg.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	return &OpenAIClient{
		cfg: cfg,
		// The per-call deadline comes from the context; this only caps
		// connections that hang without one.
		httpClient: &http.Client{Timeout: 2 * cfg.Timeout},
	}
}

// Name returns the configured provider label.
func (c *OpenAIClient) Name() string { return c.cfg.Name }

// Chat performs a completion request.
func (c *OpenAIClient) Chat(ctx context.Context, systemPrompt, userQuery string) (string, error) {
	messages := []Message{}
	if systemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, Message{Role: "user", Content: userQuery})

	reqBody := ChatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		Stream:      false,
	}
	if c.cfg.MaxTokens > 0 {
		reqBody.MaxTokens = c.cfg.MaxTokens
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	return c.sendRequest(ctx, reqBody)
}

func (c *OpenAIClient) sendRequest(ctx context.Context, payload any) (string, error) {
	jsonBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/chat/completions", c.cfg.BaseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create http request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("llm request after %s: %w", time.Since(start).Round(time.Millisecond), ctxErr)
		}
		return "", fmt.Errorf("llm connection failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Code: resp.StatusCode, Body: string(bodyBytes)}
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(bodyBytes, &chatResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	if chatResp.Error != nil {
		return "", fmt.Errorf("provider error: %s", chatResp.Error.Message)
	}

	if len(chatResp.Choices) == 0 || strings.TrimSpace(chatResp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}

	return chatResp.Choices[0].Message.Content, nil
}
