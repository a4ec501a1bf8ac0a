// Package anthropic provides a model.Provider for Anthropic's Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/flowrun/flow/model"
)

// DefaultModel is used when a request does not name one.
const DefaultModel = "claude-sonnet-4-20250514"

// DefaultMaxTokens applies when a request does not bound the completion;
// the Messages API requires an explicit limit.
const DefaultMaxTokens = 1024

// Provider implements model.Provider over the official Anthropic SDK.
type Provider struct {
	apiKey string
	client anthropicClient
}

// anthropicClient is the SDK seam; tests substitute a fake.
type anthropicClient interface {
	createMessage(ctx context.Context, req model.GenerateRequest) (model.GenerateResult, error)
}

// New creates an Anthropic provider bound to an API key.
func New(apiKey string) *Provider {
	return &Provider{
		apiKey: apiKey,
		client: &sdkClient{apiKey: apiKey},
	}
}

// Name returns "anthropic".
func (p *Provider) Name() string { return "anthropic" }

// Generate runs one message completion against the Anthropic API.
func (p *Provider) Generate(ctx context.Context, req model.GenerateRequest) (model.GenerateResult, error) {
	if p.apiKey == "" {
		return model.GenerateResult{}, errors.New("anthropic API key is required")
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	started := time.Now()
	out, err := p.client.createMessage(ctx, req)
	if err != nil {
		return model.GenerateResult{}, fmt.Errorf("anthropic: %w", err)
	}
	out.Provider = p.Name()
	out.DurationMS = time.Since(started).Milliseconds()
	return out, nil
}

// sdkClient wraps the official Anthropic SDK.
type sdkClient struct {
	apiKey string
}

func (c *sdkClient) createMessage(ctx context.Context, req model.GenerateRequest) (model.GenerateResult, error) {
	client := sdk.NewClient(option.WithAPIKey(c.apiKey))

	modelName := req.Model
	if modelName == "" {
		modelName = DefaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelName),
		MaxTokens: int64(maxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		return model.GenerateResult{}, err
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	in := int(msg.Usage.InputTokens)
	out := int(msg.Usage.OutputTokens)
	return model.GenerateResult{
		Content: sb.String(),
		Model:   string(msg.Model),
		Usage: model.Usage{
			PromptTokens:     in,
			CompletionTokens: out,
			TotalTokens:      in + out,
		},
	}, nil
}
