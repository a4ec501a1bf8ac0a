// Package groq provides a model.Provider for Groq's OpenAI-compatible API.
package groq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/dshills/flowrun/flow/model"
)

// BaseURL is Groq's OpenAI-compatible endpoint.
const BaseURL = "https://api.groq.com/openai/v1"

// DefaultModel is used when a request does not name one.
const DefaultModel = "llama-3.3-70b-versatile"

// Provider implements model.Provider against Groq through the OpenAI SDK.
type Provider struct {
	apiKey string
	client groqClient
}

// groqClient is the SDK seam; tests substitute a fake.
type groqClient interface {
	createChatCompletion(ctx context.Context, req model.GenerateRequest) (model.GenerateResult, error)
}

// New creates a Groq provider bound to an API key.
func New(apiKey string) *Provider {
	return &Provider{
		apiKey: apiKey,
		client: &sdkClient{apiKey: apiKey},
	}
}

// Name returns "groq".
func (p *Provider) Name() string { return "groq" }

// Generate runs one chat completion against Groq.
func (p *Provider) Generate(ctx context.Context, req model.GenerateRequest) (model.GenerateResult, error) {
	if p.apiKey == "" {
		return model.GenerateResult{}, errors.New("groq API key is required")
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	started := time.Now()
	out, err := p.client.createChatCompletion(ctx, req)
	if err != nil {
		return model.GenerateResult{}, fmt.Errorf("groq: %w", err)
	}
	out.Provider = p.Name()
	out.DurationMS = time.Since(started).Milliseconds()
	return out, nil
}

// sdkClient wraps the OpenAI SDK pointed at Groq's endpoint.
type sdkClient struct {
	apiKey string
}

func (c *sdkClient) createChatCompletion(ctx context.Context, req model.GenerateRequest) (model.GenerateResult, error) {
	client := openai.NewClient(
		option.WithAPIKey(c.apiKey),
		option.WithBaseURL(BaseURL),
	)

	modelName := req.Model
	if modelName == "" {
		modelName = DefaultModel
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(modelName),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.GenerateResult{}, err
	}
	if len(resp.Choices) == 0 {
		return model.GenerateResult{}, errors.New("empty response")
	}

	return model.GenerateResult{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage: model.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}
