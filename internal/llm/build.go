// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package llm

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/pdiddy/novelist/internal/errs"
	"github.com/pdiddy/novelist/pkg/types"
)

type generatorFactory func(ctx context.Context, cfg types.ProviderConfig, apiKey string) (Generator, error)

type embedderFactory func(ctx context.Context, cfg types.ProviderConfig, apiKey string) (Embedder, error)

// generatorFactories maps ProviderConfig.Kind to a constructor. "local" is
// an alias for an OpenAI-compatible server that needs no key.
var generatorFactories = map[string]generatorFactory{
	"openai": func(_ context.Context, cfg types.ProviderConfig, key string) (Generator, error) {
		return NewOpenAI(cfg, key), nil
	},
	"local": func(_ context.Context, cfg types.ProviderConfig, key string) (Generator, error) {
		return NewOpenAI(cfg, key), nil
	},
	"anthropic": func(_ context.Context, cfg types.ProviderConfig, key string) (Generator, error) {
		return NewAnthropic(cfg, key), nil
	},
	"gemini": func(ctx context.Context, cfg types.ProviderConfig, key string) (Generator, error) {
		return NewGemini(ctx, cfg, key)
	},
	"ollama": func(_ context.Context, cfg types.ProviderConfig, _ string) (Generator, error) {
		return NewOllama(cfg), nil
	},
}

var embedderFactories = map[string]embedderFactory{
	"openai": func(_ context.Context, cfg types.ProviderConfig, key string) (Embedder, error) {
		return NewOpenAI(cfg, key), nil
	},
	"local": func(_ context.Context, cfg types.ProviderConfig, key string) (Embedder, error) {
		return NewOpenAI(cfg, key), nil
	},
	"gemini": func(ctx context.Context, cfg types.ProviderConfig, key string) (Embedder, error) {
		return NewGemini(ctx, cfg, key)
	},
	"ollama": func(_ context.Context, cfg types.ProviderConfig, _ string) (Embedder, error) {
		return NewOllama(cfg), nil
	},
}

// keyless kinds run without credentials.
var keyless = map[string]bool{"ollama": true, "local": true}

// Build constructs the task router and the cached, retrying embedder
// described by cfg. Keys are taken from ProviderConfig.APIKey or from the
// secret it names.
func Build(ctx context.Context, cfg types.Config, secrets map[string]string, logger *zap.Logger) (*Router, Embedder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	profiles := make(map[string]Generator, len(names))
	for _, name := range names {
		pc := cfg.Providers[name]
		factory, ok := generatorFactories[pc.Kind]
		if !ok {
			return nil, nil, errs.Errorf(errs.Configuration, "build providers", "provider %q: unknown kind %q", name, pc.Kind)
		}
		key, err := resolveKey(name, pc, secrets)
		if err != nil {
			return nil, nil, err
		}
		g, err := factory(ctx, pc, key)
		if err != nil {
			return nil, nil, errs.New(errs.Configuration, "build provider "+name, err)
		}
		profiles[name] = NewRetrying(name, g, cfg.Retry, logger)
	}

	route := func(name string) (Generator, error) {
		g, ok := profiles[name]
		if !ok {
			return nil, errs.Errorf(errs.Configuration, "build router", "unknown provider %q", name)
		}
		return g, nil
	}

	var fallback Generator
	if name := cfg.Tasks[string(types.TaskDefault)]; name != "" {
		g, err := route(name)
		if err != nil {
			return nil, nil, err
		}
		fallback = g
	}
	router := NewRouter(fallback)
	for _, task := range types.AllTasks {
		name := cfg.Tasks[string(task)]
		if name == "" {
			continue
		}
		g, err := route(name)
		if err != nil {
			return nil, nil, err
		}
		router.Route(task, g)
	}

	ec := cfg.Embedding
	factory, ok := embedderFactories[ec.Kind]
	if !ok {
		return nil, nil, errs.Errorf(errs.Configuration, "build embedder", "unsupported embedding kind %q", ec.Kind)
	}
	key, err := resolveKey("embedding", ec.ProviderConfig, secrets)
	if err != nil {
		return nil, nil, err
	}
	emb, err := factory(ctx, ec.ProviderConfig, key)
	if err != nil {
		return nil, nil, errs.New(errs.Configuration, "build embedder", err)
	}
	cached, err := NewCachedEmbedder(NewRetryingEmbedder("embedding", emb, cfg.Retry, logger), ec.CacheSize)
	if err != nil {
		return nil, nil, errs.New(errs.Configuration, "build embedder", err)
	}

	logger.Debug("providers ready",
		zap.Strings("profiles", names),
		zap.String("embedding", ec.Kind+":"+ec.Model),
	)
	return router, cached, nil
}

func resolveKey(name string, pc types.ProviderConfig, secrets map[string]string) (string, error) {
	if pc.APIKey != "" {
		return pc.APIKey, nil
	}
	if pc.APIKeySecret != "" {
		if v := secrets[pc.APIKeySecret]; v != "" {
			return v, nil
		}
	}
	if keyless[pc.Kind] || (pc.Kind == "openai" && pc.BaseURL != "") {
		return "", nil
	}
	return "", errs.New(errs.Configuration, "resolve key",
		fmt.Errorf("provider %q: no api_key and secret %q not found", name, pc.APIKeySecret))
}
