package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"github.com/sanonone/kektorbrain/pkg/metrics"
)

// ErrGenerationFailed is returned once every provider has been exhausted.
var ErrGenerationFailed = errors.New("llm: generation failed")

// RetryPolicy is a bounded exponential backoff.
type RetryPolicy struct {
	Attempts  int           `yaml:"attempts" json:"attempts" validate:"gte=1,lte=10"`
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay" json:"max_delay"`
	Factor    float64       `yaml:"factor" json:"factor" validate:"gte=1"`
}

// DefaultRetryPolicy returns 3 attempts, 200ms base, factor 2, capped at 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second, Factor: 2}
}

// backOff returns a fresh jitter-free schedule for one provider.
func (p RetryPolicy) backOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          p.Factor,
		MaxInterval:         p.MaxDelay,
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = backoff.DefaultMaxInterval
	}
	b.Reset()
	return b
}

// BreakerConfig configures the per-provider circuit breaker.
type BreakerConfig struct {
	MaxRequests      uint32        `yaml:"max_requests" json:"max_requests"`
	Interval         time.Duration `yaml:"interval" json:"interval"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
	FailureThreshold float64       `yaml:"failure_threshold" json:"failure_threshold" validate:"gte=0,lte=1"`
	MinRequests      uint32        `yaml:"min_requests" json:"min_requests"`
}

// DefaultBreakerConfig trips after 5 calls with 80% failures and probes
// again after a minute.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      1,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// Attempt records one provider call.
type Attempt struct {
	Provider string        `json:"provider"`
	Number   int           `json:"number"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Generation is the outcome of Generate.
type Generation struct {
	Text     string    `json:"text"`
	Provider string    `json:"provider"`
	Attempts []Attempt `json:"attempts"`
}

type provider struct {
	client Client
	cb     *gobreaker.CircuitBreaker
}

// Generator calls a primary provider with retries and falls back to a
// secondary one. Attempts are strictly sequential.
type Generator struct {
	providers []provider
	policy    RetryPolicy
	logger    *slog.Logger
	onRetry   func(provider string, attempt int, delay time.Duration, err error)
}

// NewGenerator builds a Generator. fallback may be nil.
func NewGenerator(primary, fallback Client, policy RetryPolicy, breaker BreakerConfig, logger *slog.Logger) *Generator {
	if policy.Attempts < 1 {
		policy = DefaultRetryPolicy()
	}
	if policy.Factor < 1 {
		policy.Factor = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Generator{policy: policy, logger: logger}
	g.onRetry = func(provider string, attempt int, delay time.Duration, err error) {
		logger.Debug("llm: retrying", "provider", provider, "attempt", attempt, "delay", delay, "error", err)
	}
	for _, c := range []Client{primary, fallback} {
		if c == nil {
			continue
		}
		g.providers = append(g.providers, provider{client: c, cb: newBreaker(c.Name(), breaker, logger)})
	}
	return g
}

func newBreaker(name string, cfg BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm:" + name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("llm: circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		// A caller giving up says nothing about the provider's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

// Providers returns the provider names in call order.
func (g *Generator) Providers() []string {
	names := make([]string, len(g.providers))
	for i, p := range g.providers {
		names[i] = p.client.Name()
	}
	return names
}

// Generate returns the first successful completion. Transient errors are
// retried with backoff; a non-transient error or an open breaker moves on
// to the next provider. Context cancellation stops immediately.
func (g *Generator) Generate(ctx context.Context, systemPrompt, userQuery string) (Generation, error) {
	var out Generation
	if len(g.providers) == 0 {
		return out, fmt.Errorf("%w: no provider configured", ErrGenerationFailed)
	}

	var lastErr error
	for _, p := range g.providers {
		text, err := g.call(ctx, p, systemPrompt, userQuery, &out)
		if err == nil {
			out.Text = text
			out.Provider = p.client.Name()
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}
		lastErr = err
	}
	return out, fmt.Errorf("%w: %w", ErrGenerationFailed, lastErr)
}

// call runs one provider until it answers, fails permanently or uses up
// the policy's attempts. Attempts are appended to out.
func (g *Generator) call(ctx context.Context, p provider, systemPrompt, userQuery string, out *Generation) (string, error) {
	name := p.client.Name()
	n := 0
	op := func() (string, error) {
		if err := ctx.Err(); err != nil {
			return "", backoff.Permanent(err)
		}
		n++
		start := time.Now()
		res, err := p.cb.Execute(func() (interface{}, error) {
			return p.client.Chat(ctx, systemPrompt, userQuery)
		})
		att := Attempt{Provider: name, Number: n, Duration: time.Since(start)}
		if err == nil {
			metrics.LLMAttempts.WithLabelValues(name, "ok").Inc()
			out.Attempts = append(out.Attempts, att)
			return res.(string), nil
		}
		att.Error = err.Error()
		out.Attempts = append(out.Attempts, att)

		switch {
		case ctx.Err() != nil:
			metrics.LLMAttempts.WithLabelValues(name, "cancelled").Inc()
			return "", backoff.Permanent(err)
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			metrics.LLMAttempts.WithLabelValues(name, "rejected").Inc()
			g.logger.Warn("llm: provider short-circuited", "provider", name)
			return "", backoff.Permanent(err)
		}
		metrics.LLMAttempts.WithLabelValues(name, "error").Inc()
		if !IsTransient(err) {
			g.logger.Warn("llm: permanent provider error", "provider", name, "error", err)
			return "", backoff.Permanent(err)
		}
		return "", err
	}

	text, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(g.policy.backOff()),
		backoff.WithMaxTries(uint(g.policy.Attempts)),
		backoff.WithNotify(func(err error, delay time.Duration) {
			g.onRetry(name, n, delay, err)
		}),
	)
	if err != nil && n == g.policy.Attempts && IsTransient(err) {
		g.logger.Warn("llm: retries exhausted", "provider", name, "attempts", n, "error", err)
	}
	return text, err
}
