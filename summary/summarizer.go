package summary

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/pulldigest/pulldigest/digest"
)

const (
	// defaultMaxTokens caps the completion length when the caller does not
	// set one.
	defaultMaxTokens = 1024
	// defaultMinInterval spaces out successive model calls so bursts of due
	// entries do not trip provider rate limits.
	defaultMinInterval = 2 * time.Second
	// defaultMaxAttempts bounds completion attempts per bundle.
	defaultMaxAttempts = 3
	// defaultTimeout bounds a single completion call.
	defaultTimeout = 60 * time.Second
	// maxJitter is the upper bound of the random delay added to each
	// backoff so synchronized retries fan out.
	maxJitter = 5 * time.Second
)

type (
	// Options configures a Summarizer.
	Options struct {
		// Model generates the completions. Required.
		Model Model
		// ModelID names the provider model used for every request. Empty
		// falls through to the adapter default.
		ModelID string
		// MaxTokens caps each completion. Defaults to 1024.
		MaxTokens int
		// Temperature steers sampling. Zero keeps the provider default.
		Temperature float32
		// MinInterval is the minimum spacing between model calls.
		// Defaults to 2s.
		MinInterval time.Duration
		// MaxAttempts bounds completion attempts per bundle. Defaults to 3.
		MaxAttempts int
		// Timeout bounds a single completion call. Defaults to 60s.
		Timeout time.Duration
	}

	// Summarizer produces digest bodies from activity bundles. It paces
	// model calls, retries transient failures with exponential backoff and
	// reports permanent failures to the caller.
	Summarizer struct {
		model       Model
		modelID     string
		maxTokens   int
		temperature float32
		limiter     *rate.Limiter
		maxAttempts int
		timeout     time.Duration

		// jitter and sleep are swapped out in tests.
		jitter func() time.Duration
		sleep  func(ctx context.Context, d time.Duration) error
	}
)

// New validates opts and builds a Summarizer.
func New(opts Options) (*Summarizer, error) {
	if opts.Model == nil {
		return nil, errors.New("model is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	interval := opts.MinInterval
	if interval <= 0 {
		interval = defaultMinInterval
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Summarizer{
		model:       opts.Model,
		modelID:     opts.ModelID,
		maxTokens:   maxTokens,
		temperature: opts.Temperature,
		limiter:     rate.NewLimiter(rate.Every(interval), 1),
		maxAttempts: attempts,
		timeout:     timeout,
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(maxJitter))) //nolint:gosec // backoff jitter doesn't need crypto rand
		},
		sleep: sleepContext,
	}, nil
}

// Summarize generates a digest body for the bundle. A bundle without
// activity yields (nil, nil): nothing happened, nothing to say. Transient
// provider failures are retried with exponential backoff; the last error is
// returned once attempts are exhausted.
func (s *Summarizer) Summarize(ctx context.Context, bundle digest.Bundle, instruction string) (*string, error) {
	if !bundle.HasActivity {
		return nil, nil
	}
	req := Request{
		Model:       s.modelID,
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
		Text:        BuildPrompt(bundle, instruction),
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		resp, err := s.complete(ctx, req)
		if err == nil {
			text := strings.TrimSpace(resp.Text)
			if text == "" {
				return nil, errors.New("model returned an empty summary")
			}
			return &text, nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == s.maxAttempts {
			break
		}
		delay := time.Duration(1<<attempt) * 15 * time.Second
		if s.jitter != nil {
			delay += s.jitter()
		}
		if serr := s.sleep(ctx, delay); serr != nil {
			return nil, serr
		}
	}
	return nil, lastErr
}

func (s *Summarizer) complete(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.model.Complete(ctx, req)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
