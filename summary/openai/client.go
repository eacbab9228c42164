// Package openai adapts the OpenAI Chat Completions API to the summary.Model
// interface using github.com/sashabaranov/go-openai.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pulldigest/pulldigest/summary"
)

type (
	// ChatClient captures the subset of the go-openai client used by the
	// adapter.
	ChatClient interface {
		CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
			openai.ChatCompletionResponse, error)
	}

	// Options configures the adapter.
	Options struct {
		// Client issues the chat completion calls. Required.
		Client ChatClient
		// DefaultModel is the model identifier used when a request does not
		// name one.
		DefaultModel string
	}

	// Client implements summary.Model via the OpenAI Chat Completions API.
	Client struct {
		chat  ChatClient
		model string
	}
)

var _ summary.Model = (*Client)(nil)

// New builds an OpenAI-backed model from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(Options{Client: openai.NewClient(apiKey), DefaultModel: defaultModel})
}

// Complete renders a chat completion and returns the first choice's content.
func (c *Client) Complete(ctx context.Context, req summary.Request) (summary.Response, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	request := openai.ChatCompletionRequest{
		Model: modelID,
		Messages: []openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleUser,
			Content: req.Text,
		}},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	resp, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return summary.Response{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return summary.Response{}, errors.New("openai: response has no choices")
	}
	return summary.Response{Text: resp.Choices[0].Message.Content}, nil
}

// classify maps go-openai failures onto the summary sentinels so the retry
// loop can tell transient conditions from permanent ones.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %w", summary.ErrRateLimited, err)
		case apiErr.HTTPStatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %w", summary.ErrUnavailable, err)
		}
	}
	return fmt.Errorf("openai chat completion: %w", err)
}
