// Package summary turns a window of pull request activity into a short
// plain-text digest using a language model. The Model interface decouples the
// summarizer from the provider SDKs; adapters live in the anthropic, openai
// and bedrock subpackages.
package summary

import (
	"context"
	"errors"
)

var (
	// ErrRateLimited reports that the model provider rejected the request
	// because of rate limiting. Callers may retry after a backoff.
	ErrRateLimited = errors.New("model rate limited")

	// ErrUnavailable reports a transient provider-side failure.
	ErrUnavailable = errors.New("model unavailable")
)

type (
	// Request is a single completion request.
	Request struct {
		// Model identifies the provider model to use. Empty selects the
		// adapter default.
		Model string
		// MaxTokens caps the completion length. Zero selects the adapter
		// default.
		MaxTokens int
		// Temperature steers sampling. Zero keeps the provider default.
		Temperature float32
		// Text is the full prompt.
		Text string
	}

	// Response carries the completion result.
	Response struct {
		// Text is the concatenated text output of the model.
		Text string
	}

	// Model generates a completion for a prompt. Implementations classify
	// provider failures with ErrRateLimited and ErrUnavailable so callers
	// can decide whether to retry.
	Model interface {
		Complete(ctx context.Context, req Request) (Response, error)
	}
)

// IsRetryable reports whether a completion failure is transient.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}
