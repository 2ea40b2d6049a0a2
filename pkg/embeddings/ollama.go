package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// OllamaEmbedder implements Embedder using a remote Ollama instance.
type OllamaEmbedder struct {
	URL         string
	ModelName   string
	Client      *http.Client
	Concurrency int

	dims atomic.Int32
}

func NewOllamaEmbedder(url, model string, timeout time.Duration) *OllamaEmbedder {
	if url == "" {
		url = "http://localhost:11434/api/embeddings"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OllamaEmbedder{
		URL:         url,
		ModelName:   model,
		Client:      &http.Client{Timeout: timeout},
		Concurrency: 4,
	}
}

func (e *OllamaEmbedder) Model() string   { return "ollama/" + e.ModelName }
func (e *OllamaEmbedder) Dimensions() int { return int(e.dims.Load()) }

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := checkText("ollama", text); err != nil {
		return nil, err
	}
	jsonData, err := json.Marshal(map[string]any{
		"model":  e.ModelName,
		"prompt": text,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, classify("ollama", fmt.Errorf("ollama request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, unavailable("ollama", statusReason(resp.StatusCode), fmt.Errorf("ollama returned status: %s", resp.Status))
	}

	var ollamaResp struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ollamaResp); err != nil {
		return nil, unavailable("ollama", ReasonBadResponse, fmt.Errorf("failed to decode ollama response: %w", err))
	}
	if err := checkVector("ollama", ollamaResp.Embedding); err != nil {
		return nil, err
	}
	e.dims.Store(int32(len(ollamaResp.Embedding)))
	return ollamaResp.Embedding, nil
}

// EmbedMany issues one request per text, a few at a time.
func (e *OllamaEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	return EmbedConcurrently(ctx, e, texts, e.Concurrency)
}

func statusReason(code int) string {
	if code == http.StatusTooManyRequests {
		return ReasonRateLimited
	}
	return ReasonProvider
}
