// Package gemini provides a model.Provider for Google's Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dshills/flowrun/flow/model"
)

// DefaultModel is used when a request does not name one.
const DefaultModel = "gemini-2.5-flash"

// Provider implements model.Provider over the official Gemini SDK.
type Provider struct {
	apiKey string
	client geminiClient
}

// geminiClient is the SDK seam; tests substitute a fake.
type geminiClient interface {
	generateContent(ctx context.Context, req model.GenerateRequest) (model.GenerateResult, error)
}

// New creates a Gemini provider bound to an API key.
func New(apiKey string) *Provider {
	return &Provider{
		apiKey: apiKey,
		client: &sdkClient{apiKey: apiKey},
	}
}

// Name returns "gemini".
func (p *Provider) Name() string { return "gemini" }

// Generate runs one completion against the Gemini API.
func (p *Provider) Generate(ctx context.Context, req model.GenerateRequest) (model.GenerateResult, error) {
	if p.apiKey == "" {
		return model.GenerateResult{}, errors.New("gemini API key is required")
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	started := time.Now()
	out, err := p.client.generateContent(ctx, req)
	if err != nil {
		return model.GenerateResult{}, fmt.Errorf("gemini: %w", err)
	}
	out.Provider = p.Name()
	out.DurationMS = time.Since(started).Milliseconds()
	return out, nil
}

// sdkClient wraps the official Gemini SDK.
type sdkClient struct {
	apiKey string
}

func (c *sdkClient) generateContent(ctx context.Context, req model.GenerateRequest) (model.GenerateResult, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return model.GenerateResult{}, fmt.Errorf("create client: %w", err)
	}
	defer func() { _ = client.Close() }()

	modelName := req.Model
	if modelName == "" {
		modelName = DefaultModel
	}
	gm := client.GenerativeModel(modelName)
	if req.MaxTokens > 0 {
		gm.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.Temperature > 0 {
		gm.SetTemperature(float32(req.Temperature))
	}
	if req.SystemPrompt != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.SystemPrompt)}}
	}

	resp, err := gm.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return model.GenerateResult{}, err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return model.GenerateResult{}, errors.New("empty response")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}

	result := model.GenerateResult{Content: sb.String(), Model: modelName}
	if resp.UsageMetadata != nil {
		result.Usage = model.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return result, nil
}
