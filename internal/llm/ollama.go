// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/pdiddy/novelist/internal/httputil"
	"github.com/pdiddy/novelist/pkg/types"
)

const (
	providerOllama = "ollama"

	defaultOllamaEndpoint = "http://localhost:11434"
	defaultOllamaTimeout  = 10 * time.Minute
)

// Ollama implements Generator and Embedder against a local Ollama server.
type Ollama struct {
	endpoint  string
	model     string
	maxTokens int
	client    *http.Client
}

// NewOllama returns an adapter for the given profile.
func NewOllama(cfg types.ProviderConfig) *Ollama {
	endpoint := strings.TrimRight(cfg.BaseURL, "/")
	if endpoint == "" {
		endpoint = defaultOllamaEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultOllamaTimeout
	}
	return &Ollama{
		endpoint:  endpoint,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		client:    &http.Client{Timeout: timeout},
	}
}

type ollamaGenerateRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Generate calls /api/generate without streaming.
func (p *Ollama) Generate(ctx context.Context, req Request) (string, error) {
	in := ollamaGenerateRequest{
		Model:  p.model,
		Prompt: req.Prompt,
		System: req.System,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  capTokens(req.MaxOutputTokens, p.maxTokens),
		},
	}
	var out ollamaGenerateResponse
	if err := httputil.PostJSON(ctx, p.client, p.endpoint+"/api/generate", in, &out); err != nil {
		return "", classifyOllama(err)
	}
	return out.Response, nil
}

// Embed calls /api/embeddings.
func (p *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	var out ollamaEmbedResponse
	err := httputil.PostJSON(ctx, p.client, p.endpoint+"/api/embeddings", ollamaEmbedRequest{Model: p.model, Prompt: text}, &out)
	if err != nil {
		return nil, classifyOllama(err)
	}
	if len(out.Embedding) == 0 {
		return nil, noEmbedding(providerOllama)
	}
	return out.Embedding, nil
}

func classifyOllama(err error) error {
	var se *httputil.StatusError
	if errors.As(err, &se) {
		return classify(providerOllama, se.Code, err)
	}
	return classify(providerOllama, 0, err)
}
