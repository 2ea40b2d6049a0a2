package embeddings

import (
	"fmt"
	"time"
)

// Config selects and tunes an embedding provider.
type Config struct {
	// Provider is one of "hash", "ollama" or "openai".
	Provider   string        `yaml:"provider" json:"provider" validate:"required,oneof=hash ollama openai"`
	Model      string        `yaml:"model" json:"model"`
	URL        string        `yaml:"url" json:"url"`
	APIKey     string        `yaml:"api_key" json:"-"`
	Dimensions int           `yaml:"dimensions" json:"dimensions" validate:"gte=0"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`

	// Language enables stemming for the hash provider.
	Language string `yaml:"language" json:"language" validate:"omitempty,oneof=english italian"`

	// CacheSize bounds the in-memory vector cache; 0 disables it.
	CacheSize int `yaml:"cache_size" json:"cache_size" validate:"gte=0"`
	// RateLimit is requests per second towards the provider; 0 disables it.
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit" validate:"gte=0"`
	Burst     int     `yaml:"burst" json:"burst" validate:"gte=0"`
}

// DefaultConfig embeds locally so the engine runs without external services.
func DefaultConfig() Config {
	return Config{
		Provider:   "hash",
		Dimensions: 256,
		Timeout:    10 * time.Second,
		CacheSize:  10000,
	}
}

// NewFromConfig builds the configured embedder, wrapped with rate limiting
// and caching when enabled.
func NewFromConfig(cfg Config) (Embedder, error) {
	var e Embedder
	switch cfg.Provider {
	case "", "hash":
		if cfg.Language == "" {
			e = NewHashEmbedder(cfg.Dimensions)
			break
		}
		h, err := NewStemmingHashEmbedder(cfg.Dimensions, cfg.Language)
		if err != nil {
			return nil, err
		}
		e = h
	case "ollama":
		if cfg.Model == "" {
			return nil, fmt.Errorf("ollama embedder requires a model")
		}
		e = NewOllamaEmbedder(cfg.URL, cfg.Model, cfg.Timeout)
	case "openai":
		if cfg.Model == "" {
			return nil, fmt.Errorf("openai embedder requires a model (e.g. 'text-embedding-3-small')")
		}
		e = NewOpenAIEmbedder(cfg.URL, cfg.Model, cfg.APIKey, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unknown embedder provider '%s' - must be 'hash', 'ollama' or 'openai'", cfg.Provider)
	}
	if cfg.RateLimit > 0 {
		e = NewRateLimitedEmbedder(e, cfg.RateLimit, cfg.Burst)
	}
	if cfg.CacheSize > 0 {
		e = NewCachedEmbedder(e, cfg.CacheSize)
	}
	return e, nil
}
