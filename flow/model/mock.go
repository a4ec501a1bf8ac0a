package model

import (
	"context"
	"sync"
)

// MockProvider is a configurable in-memory Provider for tests.
type MockProvider struct {
	mu sync.Mutex

	// ProviderName reported by Name. Defaults to "mock".
	ProviderName string

	// Response returned by Generate when GenerateFunc is nil.
	Response GenerateResult

	// Err returned by Generate when non-nil.
	Err error

	// GenerateFunc overrides the canned response entirely.
	GenerateFunc func(ctx context.Context, req GenerateRequest) (GenerateResult, error)

	// Requests records every request received, in order.
	Requests []GenerateRequest
}

// Name returns the configured provider name.
func (m *MockProvider) Name() string {
	if m.ProviderName == "" {
		return "mock"
	}
	return m.ProviderName
}

// Generate records the request and returns the configured response.
func (m *MockProvider) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	m.mu.Unlock()

	tctx, cancel := withTimeout(ctx, req)
	defer cancel()
	if err := tctx.Err(); err != nil {
		return GenerateResult{}, err
	}

	if m.GenerateFunc != nil {
		return m.GenerateFunc(tctx, req)
	}
	if m.Err != nil {
		return GenerateResult{}, m.Err
	}
	out := m.Response
	if out.Provider == "" {
		out.Provider = m.Name()
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	return out, nil
}
