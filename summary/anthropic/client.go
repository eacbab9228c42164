// Package anthropic adapts the Anthropic Messages API to the summary.Model
// interface.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/pulldigest/pulldigest/summary"
)

type (
	// MessagesClient captures the slice of the Anthropic SDK used by the
	// adapter. It is satisfied by *sdk.MessageService so tests can swap in
	// a stub.
	MessagesClient interface {
		New(ctx context.Context, params sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the adapter.
	Options struct {
		// DefaultModel is the Claude model identifier used when a request
		// does not name one.
		DefaultModel string
		// MaxTokens is the completion cap used when a request does not set
		// one. Defaults to 1024.
		MaxTokens int
	}

	// Client implements summary.Model on top of Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTokens    int
	}
)

var _ summary.Model = (*Client)(nil)

// New builds an Anthropic-backed model from the provided Messages client and
// configuration options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTokens:    maxTokens,
	}, nil
}

// NewFromAPIKey constructs a Client backed by the official SDK with
// sdk.DefaultClientOptions.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a Messages request and returns the concatenated text
// blocks of the response.
func (c *Client) Complete(ctx context.Context, req summary.Request) (summary.Response, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Text))},
		Model:     sdk.Model(modelID),
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return summary.Response{}, classify(err)
	}
	if msg == nil {
		return summary.Response{}, errors.New("anthropic: response message is nil")
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return summary.Response{Text: b.String()}, nil
}

// classify maps SDK failures onto the summary sentinels so the retry loop
// can tell transient conditions from permanent ones.
func classify(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %w", summary.ErrRateLimited, err)
		case apiErr.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %w", summary.ErrUnavailable, err)
		}
	}
	return fmt.Errorf("anthropic messages.new: %w", err)
}
