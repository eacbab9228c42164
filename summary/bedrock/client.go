// Package bedrock adapts the AWS Bedrock Converse API to the summary.Model
// interface.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/pulldigest/pulldigest/summary"
)

type (
	// RuntimeClient mirrors the subset of the AWS Bedrock runtime client
	// required by the adapter. It matches *bedrockruntime.Client so callers
	// can pass either the real client or a mock in tests.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures the adapter.
	Options struct {
		// DefaultModel is the Bedrock model identifier used when a request
		// does not name one.
		DefaultModel string
		// MaxTokens sets the default completion cap when a request does not
		// specify one. When zero or negative, the adapter omits MaxTokens so
		// Bedrock uses its own default.
		MaxTokens int
	}

	// Client implements summary.Model on top of Bedrock Converse.
	Client struct {
		runtime      RuntimeClient
		defaultModel string
		maxTokens    int
	}
)

var _ summary.Model = (*Client)(nil)

// New builds a Bedrock-backed model from the provided runtime client and
// configuration options.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		runtime:      runtime,
		defaultModel: opts.DefaultModel,
		maxTokens:    opts.MaxTokens,
	}, nil
}

// Complete issues a Converse request and returns the concatenated text blocks
// of the response message.
func (c *Client) Complete(ctx context.Context, req summary.Request) (summary.Response, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(modelID),
		Messages: []brtypes.Message{{
			Role:    brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: req.Text}},
		}},
	}
	if cfg := c.inferenceConfig(req.MaxTokens, req.Temperature); cfg != nil {
		input.InferenceConfig = cfg
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return summary.Response{}, classify(err)
	}
	if output == nil {
		return summary.Response{}, errors.New("bedrock: response is nil")
	}
	msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return summary.Response{}, fmt.Errorf("bedrock: unexpected output type %T", output.Output)
	}
	var b strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
			b.WriteString(text.Value)
		}
	}
	return summary.Response{Text: b.String()}, nil
}

func (c *Client) inferenceConfig(maxTokens int, temp float32) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	tokens := maxTokens
	if tokens <= 0 {
		tokens = c.maxTokens
	}
	if tokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(tokens)) //nolint:gosec // AWS SDK requires int32
	}
	if temp > 0 {
		cfg.Temperature = aws.Float32(temp)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

// classify maps Bedrock failures onto the summary sentinels. Throttling shows
// up either as a typed modeled exception, a smithy error code or a raw HTTP
// 429 depending on the call path, so all three are checked.
func classify(err error) error {
	var throttled *brtypes.ThrottlingException
	if errors.As(err, &throttled) {
		return fmt.Errorf("%w: %w", summary.ErrRateLimited, err)
	}
	var (
		internal *brtypes.InternalServerException
		timeout  *brtypes.ModelTimeoutException
		notReady *brtypes.ModelNotReadyException
	)
	if errors.As(err, &internal) || errors.As(err, &timeout) || errors.As(err, &notReady) {
		return fmt.Errorf("%w: %w", summary.ErrUnavailable, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return fmt.Errorf("%w: %w", summary.ErrRateLimited, err)
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.HTTPStatusCode() == 429:
			return fmt.Errorf("%w: %w", summary.ErrRateLimited, err)
		case respErr.HTTPStatusCode() >= 500:
			return fmt.Errorf("%w: %w", summary.ErrUnavailable, err)
		}
	}
	return fmt.Errorf("bedrock converse: %w", err)
}
