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

// OpenAIEmbedder talks to any OpenAI-compatible /embeddings endpoint.
type OpenAIEmbedder struct {
	URL       string
	ModelName string
	APIKey    string
	Client    *http.Client

	dims atomic.Int32
}

func NewOpenAIEmbedder(url, model, apiKey string, timeout time.Duration) *OpenAIEmbedder {
	if url == "" {
		url = "https://api.openai.com/v1/embeddings"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIEmbedder{
		URL:       url,
		ModelName: model,
		APIKey:    apiKey,
		Client:    &http.Client{Timeout: timeout},
	}
}

func (e *OpenAIEmbedder) Model() string   { return "openai/" + e.ModelName }
func (e *OpenAIEmbedder) Dimensions() int { return int(e.dims.Load()) }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedMany sends all texts in a single request.
func (e *OpenAIEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	for _, t := range texts {
		if err := checkText("openai", t); err != nil {
			return nil, err
		}
	}
	jsonData, err := json.Marshal(map[string]any{
		"input": texts,
		"model": e.ModelName,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.APIKey)
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, classify("openai", fmt.Errorf("openai request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, unavailable("openai", statusReason(resp.StatusCode), fmt.Errorf("openai returned status: %s", resp.Status))
	}

	// { "data": [ { "index": 0, "embedding": [...] } ] }
	var openAIResp struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&openAIResp); err != nil {
		return nil, unavailable("openai", ReasonBadResponse, fmt.Errorf("failed to decode openai response: %w", err))
	}
	if len(openAIResp.Data) != len(texts) {
		return nil, unavailable("openai", ReasonBadResponse, fmt.Errorf("openai returned %d embeddings for %d inputs", len(openAIResp.Data), len(texts)))
	}

	out := make([][]float32, len(texts))
	for i, d := range openAIResp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(out) || out[idx] != nil {
			idx = i
		}
		if err := checkVector("openai", d.Embedding); err != nil {
			return nil, err
		}
		out[idx] = d.Embedding
	}
	e.dims.Store(int32(len(out[0])))
	return out, nil
}
