// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package llm defines the two model capabilities the pipeline consumes,
// text generation and text embedding, together with the provider adapters
// that implement them (OpenAI-compatible, Anthropic, Gemini, Ollama), the
// task router, the transport retry layer and the query-embedding cache.
//
// The pipeline core only sees Generator and Embedder. Which provider serves
// which task is decided by configuration in Build.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/pdiddy/novelist/pkg/types"
)

// Request is one generation call.
type Request struct {
	// Task selects the provider profile through the Router.
	Task types.Task

	// System is an optional system instruction.
	System string

	// Prompt is the user prompt.
	Prompt string

	// MaxOutputTokens caps the response length. Zero leaves the provider default.
	MaxOutputTokens int

	// Temperature is the sampling temperature.
	Temperature float64
}

// Generator produces text from a prompt. Implementations return a
// *ProviderError for provider failures.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Embedder maps text to a vector. Implementations return a *ProviderError
// for provider failures.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req Request) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// EmbedderFunc adapts a function to the Embedder interface.
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

// Embed calls f.
func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// ProviderError is a classified provider failure. Transient errors
// (timeouts, rate limits, 5xx, dropped connections) are retried with
// backoff; permanent ones are not.
type ProviderError struct {
	Provider   string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s error (status %d): %v", e.Provider, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Provider, kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient provider failure.
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Transient
}

// TransientStatus reports whether an HTTP status code is worth retrying.
func TransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

// classify wraps err as a ProviderError. A non-zero status decides
// transience by TransientStatus; without one, timeouts and network errors
// are transient. Caller cancellation passes through unwrapped.
func classify(provider string, status int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if status != 0 {
		return &ProviderError{Provider: provider, StatusCode: status, Transient: TransientStatus(status), Err: err}
	}
	var netErr net.Error
	transient := errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr)
	return &ProviderError{Provider: provider, Transient: transient, Err: err}
}

// noEmbedding is returned when a provider answers without a vector.
// Empty generations are not errors: they are returned as "" and handled by
// the caller's content-shape retry.
func noEmbedding(provider string) error {
	return &ProviderError{Provider: provider, Err: errors.New("no embedding returned")}
}
