// Package generator defines the generative-text provider consumed by the
// quota-gated endpoint, with an echo implementation for local runs and a
// mock for tests.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Generator produces text for a prompt.
//
// A failure of the provider itself is reported as a *ProviderError. The
// caller refunds the use it charged for such failures.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ProviderError represents a failure of the generative provider.
type ProviderError struct {
	// Provider is the name of the provider that failed
	Provider string

	// Message is the error message
	Message string

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("provider %q error: %s: %v", e.Provider, e.Message, e.Cause)
	}
	return fmt.Sprintf("provider %q error: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error for error chain support.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// IsProviderError reports whether err is or wraps a *ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// Echo returns the prompt back, prefixed.
type Echo struct{}

// NewEcho creates an echo generator.
func NewEcho() *Echo {
	return &Echo{}
}

// Generate implements Generator.
func (Echo) Generate(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &ProviderError{Provider: "echo", Message: "request cancelled", Cause: err}
	}
	return "echo: " + strings.TrimSpace(prompt), nil
}

// Mock is a Generator for tests. It records prompts and fails while
// healthy is false.
type Mock struct {
	mu       sync.Mutex
	healthy  bool
	response string
	prompts  []string
}

// NewMock creates a healthy mock that answers with response.
func NewMock(response string) *Mock {
	return &Mock{healthy: true, response: response}
}

// SetHealthy sets whether Generate succeeds.
func (m *Mock) SetHealthy(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
}

// Generate implements Generator.
func (m *Mock) Generate(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.prompts = append(m.prompts, prompt)
	if !m.healthy {
		return "", &ProviderError{Provider: "mock", Message: "provider is unhealthy"}
	}
	return m.response, nil
}

// Calls returns the number of Generate calls.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}
