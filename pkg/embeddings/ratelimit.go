package embeddings

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedEmbedder caps the request rate towards a provider. Waiting
// honours ctx, so a caller's timeout also bounds the time spent queued.
type RateLimitedEmbedder struct {
	next    Embedder
	limiter *rate.Limiter
}

// NewRateLimitedEmbedder allows perSecond requests per second with the given
// burst. burst <= 0 defaults to 1.
func NewRateLimitedEmbedder(next Embedder, perSecond float64, burst int) *RateLimitedEmbedder {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedEmbedder{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *RateLimitedEmbedder) Model() string   { return r.next.Model() }
func (r *RateLimitedEmbedder) Dimensions() int { return r.next.Dimensions() }

func (r *RateLimitedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, unavailable(r.next.Model(), ReasonRateLimited, err)
	}
	return r.next.Embed(ctx, text)
}

func (r *RateLimitedEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, unavailable(r.next.Model(), ReasonRateLimited, err)
	}
	return r.next.EmbedMany(ctx, texts)
}
