// Package config loads the kektorbrain YAML configuration.
//
// Values are resolved in three layers: built-in defaults, the YAML file
// (with ${VAR} references expanded from the environment), and finally
// KEKTORBRAIN_* environment variables for the settings most often changed
// per deployment.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/sanonone/kektorbrain/pkg/embeddings"
	"github.com/sanonone/kektorbrain/pkg/engine"
	"github.com/sanonone/kektorbrain/pkg/graph"
	"github.com/sanonone/kektorbrain/pkg/llm"
	"github.com/sanonone/kektorbrain/pkg/rag"
	"github.com/sanonone/kektorbrain/pkg/refine"
	"github.com/sanonone/kektorbrain/pkg/retrieval"
	"github.com/sanonone/kektorbrain/pkg/vectorindex"
)

// Config is the top-level structure of the configuration file.
type Config struct {
	Data      DataConfig         `yaml:"data"`
	Embedder  embeddings.Config  `yaml:"embedder"`
	LLM       LLMConfig          `yaml:"llm"`
	Index     vectorindex.Config `yaml:"index"`
	Links     graph.LinkPolicy   `yaml:"links"`
	Refiner   refine.Config      `yaml:"refiner"`
	Retrieval retrieval.Config   `yaml:"retrieval"`
	RAG       rag.Config         `yaml:"rag"`
	Server    ServerConfig       `yaml:"server"`
	Log       LogConfig          `yaml:"log"`
}

// DataConfig controls persistence and background maintenance.
type DataConfig struct {
	Dir                 string        `yaml:"dir" validate:"required"`
	SnapshotFile        string        `yaml:"snapshot_file"`
	AutoSaveInterval    time.Duration `yaml:"autosave_interval" validate:"gte=0"`
	AutoSaveThreshold   int64         `yaml:"autosave_threshold" validate:"gte=0"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval" validate:"gte=0"`
	EmbedWorkers        int           `yaml:"embed_workers" validate:"gte=1,lte=64"`
}

// LLMConfig lists the language model providers. Fallback is optional.
type LLMConfig struct {
	Primary  llm.Config        `yaml:"primary"`
	Fallback *llm.Config       `yaml:"fallback"`
	Retry    llm.RetryPolicy   `yaml:"retry"`
	Breaker  llm.BreakerConfig `yaml:"breaker"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr         string        `yaml:"addr" validate:"required"`
	AuthToken    string        `yaml:"auth_token"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// RequestTimeout bounds every API call except streaming endpoints.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns a configuration that runs fully offline: hash embeddings
// and a local Ollama endpoint for answers.
func Default() *Config {
	opts := engine.DefaultOptions("./kektorbrain_data")
	return &Config{
		Data: DataConfig{
			Dir:                 opts.DataDir,
			SnapshotFile:        opts.SnapshotFilename,
			AutoSaveInterval:    opts.AutoSaveInterval,
			AutoSaveThreshold:   opts.AutoSaveThreshold,
			MaintenanceInterval: opts.MaintenanceInterval,
			EmbedWorkers:        opts.EmbedWorkers,
		},
		Embedder: embeddings.DefaultConfig(),
		LLM: LLMConfig{
			Primary: llm.DefaultConfig(),
			Retry:   llm.DefaultRetryPolicy(),
			Breaker: llm.DefaultBreakerConfig(),
		},
		Index:     opts.Index,
		Links:     opts.Link,
		Refiner:   opts.Refiner,
		Retrieval: opts.Retrieval,
		RAG:       opts.RAG,
		Server: ServerConfig{
			Addr:           ":9091",
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   3 * time.Minute,
			RequestTimeout: 150 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the file at path on top of the defaults. An empty path or a
// missing file yields the defaults. Unknown keys are rejected so typos do
// not pass silently.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			slog.Warn("config: file not found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("could not read configuration file '%s': %w", path, err)
		default:
			decoder := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
			decoder.KnownFields(true)
			if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("YAML syntax error in '%s': %w", path, err)
			}
		}
	}
	if err := cfg.ApplyEnvironmentOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvironmentOverrides applies the following variables when set:
//   - KEKTORBRAIN_DATA_DIR
//   - KEKTORBRAIN_HTTP_ADDR
//   - KEKTORBRAIN_AUTH_TOKEN
//   - KEKTORBRAIN_LOG_LEVEL
//   - KEKTORBRAIN_EMBEDDER_PROVIDER, KEKTORBRAIN_EMBEDDER_URL, KEKTORBRAIN_EMBEDDER_MODEL,
//     KEKTORBRAIN_EMBEDDER_LANGUAGE
//   - KEKTORBRAIN_LLM_URL, KEKTORBRAIN_LLM_MODEL
//   - KEKTORBRAIN_REFINER_ALPHA
//   - OPENAI_API_KEY, used for providers that have no key configured
func (c *Config) ApplyEnvironmentOverrides() error {
	set := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	set("KEKTORBRAIN_DATA_DIR", &c.Data.Dir)
	set("KEKTORBRAIN_HTTP_ADDR", &c.Server.Addr)
	set("KEKTORBRAIN_AUTH_TOKEN", &c.Server.AuthToken)
	set("KEKTORBRAIN_LOG_LEVEL", &c.Log.Level)
	set("KEKTORBRAIN_EMBEDDER_PROVIDER", &c.Embedder.Provider)
	set("KEKTORBRAIN_EMBEDDER_URL", &c.Embedder.URL)
	set("KEKTORBRAIN_EMBEDDER_MODEL", &c.Embedder.Model)
	set("KEKTORBRAIN_EMBEDDER_LANGUAGE", &c.Embedder.Language)
	set("KEKTORBRAIN_LLM_URL", &c.LLM.Primary.BaseURL)
	set("KEKTORBRAIN_LLM_MODEL", &c.LLM.Primary.Model)

	if v := os.Getenv("KEKTORBRAIN_REFINER_ALPHA"); v != "" {
		alpha, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("KEKTORBRAIN_REFINER_ALPHA: %w", err)
		}
		c.Refiner.Alpha = alpha
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if c.Embedder.Provider == "openai" && c.Embedder.APIKey == "" {
			c.Embedder.APIKey = key
		}
		if c.LLM.Primary.APIKey == "" {
			c.LLM.Primary.APIKey = key
		}
		if c.LLM.Fallback != nil && c.LLM.Fallback.APIKey == "" {
			c.LLM.Fallback.APIKey = key
		}
	}
	return nil
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New()
	err := v.Struct(c)
	if err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validation error: %w", err)
		}
		msgs := make([]string, 0, len(verrs))
		for _, e := range verrs {
			msgs = append(msgs, formatValidationError(e))
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
	}

	if c.RAG.UserTemplate != "" && (!strings.Contains(c.RAG.UserTemplate, "{{context}}") || !strings.Contains(c.RAG.UserTemplate, "{{query}}")) {
		return fmt.Errorf("configuration validation failed:\n  - rag.user_template must contain {{context}} and {{query}}")
	}
	if c.LLM.Fallback != nil && !c.LLM.Fallback.Enabled() {
		return fmt.Errorf("configuration validation failed:\n  - llm.fallback needs base_url and model")
	}
	return nil
}

func formatValidationError(e validator.FieldError) string {
	field := strings.ToLower(strings.TrimPrefix(e.Namespace(), "Config."))
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s] (got: %v)", field, e.Param(), e.Value())
	case "gte", "gt", "lte", "lt":
		return fmt.Sprintf("%s must be %s %s (got: %v)", field, e.Tag(), e.Param(), e.Value())
	default:
		return fmt.Sprintf("%s failed '%s' validation (got: %v)", field, e.Tag(), e.Value())
	}
}

// EngineOptions maps the configuration onto engine.Options.
func (c *Config) EngineOptions() engine.Options {
	opts := engine.DefaultOptions(c.Data.Dir)
	if c.Data.SnapshotFile != "" {
		opts.SnapshotFilename = c.Data.SnapshotFile
	}
	opts.AutoSaveInterval = c.Data.AutoSaveInterval
	opts.AutoSaveThreshold = c.Data.AutoSaveThreshold
	opts.MaintenanceInterval = c.Data.MaintenanceInterval
	opts.EmbedWorkers = c.Data.EmbedWorkers
	if c.Embedder.Timeout > 0 {
		opts.EmbedTimeout = c.Embedder.Timeout
	}
	opts.Link = c.Links
	opts.Index = c.Index
	opts.Refiner = c.Refiner
	opts.Retrieval = c.Retrieval
	opts.RAG = c.RAG
	return opts
}

// NewGenerator builds the answer generator, or nil when no primary provider
// is configured.
func (c *Config) NewGenerator(logger *slog.Logger) *llm.Generator {
	if !c.LLM.Primary.Enabled() {
		return nil
	}
	var fallback llm.Client
	if c.LLM.Fallback != nil {
		fallback = llm.NewClient(*c.LLM.Fallback)
	}
	return llm.NewGenerator(llm.NewClient(c.LLM.Primary), fallback, c.LLM.Retry, c.LLM.Breaker, logger)
}

// NewLogger builds the slog logger described by Log.
func (c *Config) NewLogger() *slog.Logger {
	var level slog.Level
	switch c.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, hopts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, hopts))
}
