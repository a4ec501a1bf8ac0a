// Package model provides LLM provider adapters for the llm node.
//
// Providers abstract the differences between hosted LLM APIs (Gemini, Groq,
// Anthropic) behind a single Generate call. Implementations must:
//   - handle provider-specific authentication
//   - respect context cancellation and the per-request timeout
//   - return an error on any non-success response (the node runner's retry
//     policy decides what happens next)
package model

import (
	"context"
	"time"
)

// Usage is the token accounting reported by a provider.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// GenerateRequest is one prompt completion request.
type GenerateRequest struct {
	Prompt       string
	SystemPrompt string
	Model        string
	MaxTokens    int
	Temperature  float64
	Timeout      time.Duration
}

// GenerateResult is the provider's response.
type GenerateResult struct {
	Content    string `json:"content"`
	Usage      Usage  `json:"usage"`
	Model      string `json:"model"`
	Provider   string `json:"provider"`
	DurationMS int64  `json:"durationMs"`
}

// Provider generates text completions.
type Provider interface {
	// Name returns the provider identifier (e.g. "gemini", "groq").
	Name() string

	// Generate runs one completion. Must return an error on timeout or any
	// non-2xx provider response.
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
}

// Factory builds a provider bound to a user's API key.
type Factory func(apiKey string) Provider

// withTimeout derives the request context, applying the per-request timeout
// when one is set.
func withTimeout(ctx context.Context, req GenerateRequest) (context.Context, context.CancelFunc) {
	if req.Timeout > 0 {
		return context.WithTimeout(ctx, req.Timeout)
	}
	return context.WithCancel(ctx)
}
