package node

import (
	"context"
	"time"

	"github.com/dshills/flowrun/flow"
	"github.com/dshills/flowrun/flow/model"
)

// LLMNode runs a prompt through a configured provider. The prompt (or
// promptTemplate) is interpolated against the input data; the API key is
// resolved per user through the engine's key capability.
type LLMNode struct {
	Providers map[string]model.Factory
}

// Type returns "llm".
func (n *LLMNode) Type() string { return TypeLLM }

// Validate requires a known provider and a prompt source.
func (n *LLMNode) Validate(config map[string]any) flow.ValidationResult {
	provider := configString(config, "provider")
	if provider == "" {
		return flow.Invalid("llm requires a provider")
	}
	if n.Providers != nil {
		if _, ok := n.Providers[provider]; !ok {
			return flow.Invalid("unknown llm provider: " + provider)
		}
	}
	if configString(config, "prompt") == "" && configString(config, "promptTemplate") == "" {
		return flow.Invalid("llm requires prompt or promptTemplate")
	}
	return flow.ValidOK()
}

// Execute resolves the API key, interpolates the prompt and calls the
// provider. Provider errors surface to the runner's retry policy.
func (n *LLMNode) Execute(ctx context.Context, input flow.NodeInput, rc *flow.RunContext) (flow.NodeOutput, error) {
	config := input.Metadata.NodeConfig
	providerName := configString(config, "provider")
	factory, ok := n.Providers[providerName]
	if !ok {
		return flow.NodeOutput{}, execErr(rc, "unknown llm provider: %s", providerName)
	}
	if rc.Caps.GetAPIKey == nil {
		return flow.NodeOutput{}, flow.ErrCapabilityMissing
	}
	apiKey, err := rc.Caps.GetAPIKey(ctx, rc.UserID, providerName)
	if err != nil {
		return flow.NodeOutput{}, execErrCause(rc, err, "resolve api key")
	}

	prompt := configString(config, "prompt")
	if tmpl := configString(config, "promptTemplate"); tmpl != "" {
		prompt = tmpl
	}
	prompt = flow.Interpolate(prompt, input.Data)

	req := model.GenerateRequest{
		Prompt:       prompt,
		SystemPrompt: configString(config, "systemPrompt"),
		Model:        configString(config, "model"),
		MaxTokens:    configInt(config, "maxTokens", 0),
		Temperature:  configFloat(config, "temperature", 0),
	}
	if timeoutMS := configInt(config, "timeoutMs", 0); timeoutMS > 0 {
		req.Timeout = time.Duration(timeoutMS) * time.Millisecond
	}

	provider := factory(apiKey)
	result, err := provider.Generate(ctx, req)
	if err != nil {
		return flow.NodeOutput{}, execErrCause(rc, err, "llm generate")
	}

	return flow.NodeOutput{Data: map[string]any{
		"content": result.Content,
		"usage": map[string]any{
			"promptTokens":     result.Usage.PromptTokens,
			"completionTokens": result.Usage.CompletionTokens,
			"totalTokens":      result.Usage.TotalTokens,
		},
		"model":    result.Model,
		"provider": result.Provider,
	}, Metadata: map[string]any{"durationMs": result.DurationMS}}, nil
}
