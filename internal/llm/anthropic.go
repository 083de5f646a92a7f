// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/pdiddy/novelist/pkg/types"
)

const (
	providerAnthropic = "anthropic"

	// anthropicDefaultMaxTokens is used when neither the request nor the
	// profile sets a limit; the Messages API requires one.
	anthropicDefaultMaxTokens = 8192
)

// messageCreator is the part of the Anthropic SDK the adapter uses.
type messageCreator interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Anthropic implements Generator with the Claude Messages API.
type Anthropic struct {
	messages  messageCreator
	model     string
	maxTokens int
}

// NewAnthropic returns an adapter for the given profile.
func NewAnthropic(cfg types.ProviderConfig, apiKey string) *Anthropic {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}
	client := anthropic.NewClient(opts...)
	return &Anthropic{
		messages:  &client.Messages,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
}

// Generate sends one Messages request and concatenates the text blocks of
// the reply.
func (p *Anthropic) Generate(ctx context.Context, req Request) (string, error) {
	maxTokens := capTokens(req.MaxOutputTokens, p.maxTokens)
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(p.model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(req.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := p.messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", classify(providerAnthropic, apiErr.StatusCode, err)
		}
		return "", classify(providerAnthropic, 0, err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}
