// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"

	"github.com/pdiddy/novelist/pkg/types"
)

const (
	providerGemini = "gemini"

	// geminiEmbedTask is the embedding task type for stored chunks and
	// queries alike, so both land in the same vector space.
	geminiEmbedTask = "SEMANTIC_SIMILARITY"
)

// Gemini implements Generator and Embedder with the Google GenAI SDK.
type Gemini struct {
	client    *genai.Client
	model     string
	maxTokens int
}

// NewGemini returns an adapter for the given profile.
func NewGemini(ctx context.Context, cfg types.ProviderConfig, apiKey string) (*Gemini, error) {
	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Timeout > 0 {
		cc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating GenAI client: %w", err)
	}
	return &Gemini{client: client, model: cfg.Model, maxTokens: cfg.MaxTokens}, nil
}

// Generate sends one GenerateContent request.
func (p *Gemini) Generate(ctx context.Context, req Request) (string, error) {
	gc := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if n := capTokens(req.MaxOutputTokens, p.maxTokens); n > 0 {
		gc.MaxOutputTokens = int32(n)
	}
	if req.System != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(req.Prompt), gc)
	if err != nil {
		return "", classifyGemini(err)
	}
	return resp.Text(), nil
}

// Embed returns the embedding of text.
func (p *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	result, err := p.client.Models.EmbedContent(ctx, p.model, contents, &genai.EmbedContentConfig{
		TaskType: geminiEmbedTask,
	})
	if err != nil {
		return nil, classifyGemini(err)
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0 {
		return nil, noEmbedding(providerGemini)
	}
	return result.Embeddings[0].Values, nil
}

func classifyGemini(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classify(providerGemini, apiErr.Code, err)
	}
	return classify(providerGemini, 0, err)
}
