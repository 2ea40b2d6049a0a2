// Package embeddings adapts text-embedding providers to a single interface.
//
// Every implementation is deterministic for a fixed model id and fails with
// an error matching ErrEmbeddingUnavailable rather than returning an empty
// or zero vector.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Embedder converts text into vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
	// Model identifies the model; vectors from different models are never
	// compared.
	Model() string
	// Dimensions returns the vector size, or 0 if unknown until first use.
	Dimensions() int
}

// ErrEmbeddingUnavailable matches every embedding failure.
var ErrEmbeddingUnavailable = errors.New("embedding unavailable")

// Failure reasons carried by UnavailableError.
const (
	ReasonEmptyText   = "empty_text"
	ReasonTimeout     = "timeout"
	ReasonProvider    = "provider_error"
	ReasonBadResponse = "bad_response"
	ReasonRateLimited = "rate_limited"
	ReasonCanceled    = "canceled"
)

// UnavailableError describes why no embedding could be produced.
type UnavailableError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("embedding unavailable (%s, %s): %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("embedding unavailable (%s, %s)", e.Provider, e.Reason)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrEmbeddingUnavailable) hold.
func (e *UnavailableError) Is(target error) bool { return target == ErrEmbeddingUnavailable }

func unavailable(provider, reason string, err error) error {
	return &UnavailableError{Provider: provider, Reason: reason, Err: err}
}

// classify wraps a transport error with the matching reason.
func classify(provider string, err error) error {
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return err
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return unavailable(provider, ReasonTimeout, err)
	case errors.Is(err, context.Canceled):
		return unavailable(provider, ReasonCanceled, err)
	default:
		return unavailable(provider, ReasonProvider, err)
	}
}

// checkText rejects input that would embed to nothing.
func checkText(provider, text string) error {
	if strings.TrimSpace(text) == "" {
		return unavailable(provider, ReasonEmptyText, nil)
	}
	return nil
}

// checkVector rejects empty and all-zero responses.
func checkVector(provider string, v []float32) error {
	if len(v) == 0 {
		return unavailable(provider, ReasonBadResponse, errors.New("empty vector"))
	}
	for _, x := range v {
		if x != 0 {
			return nil
		}
	}
	return unavailable(provider, ReasonBadResponse, errors.New("zero vector"))
}

// EmbedConcurrently embeds texts one by one with at most limit requests in
// flight. It fails on the first error.
func EmbedConcurrently(ctx context.Context, e Embedder, texts []string, limit int) ([][]float32, error) {
	if limit <= 0 {
		limit = 4
	}
	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, t := range texts {
		g.Go(func() error {
			v, err := e.Embed(gctx, t)
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
