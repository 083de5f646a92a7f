// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/pdiddy/novelist/internal/errs"
	"github.com/pdiddy/novelist/pkg/types"
)

var tracer = otel.Tracer("novelist/llm")

// Retrying wraps a Generator and an optional Embedder with bounded
// exponential backoff with jitter on transient provider errors. Its attempt
// counter covers transport faults only; content-shape retries are counted
// by the stages that ask again.
type Retrying struct {
	gen    Generator
	emb    Embedder
	name   string
	policy types.RetryConfig
	logger *zap.Logger
}

// NewRetrying wraps gen. name labels log entries and spans.
func NewRetrying(name string, gen Generator, policy types.RetryConfig, logger *zap.Logger) *Retrying {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{gen: gen, name: name, policy: policy, logger: logger}
}

// NewRetryingEmbedder wraps emb.
func NewRetryingEmbedder(name string, emb Embedder, policy types.RetryConfig, logger *zap.Logger) *Retrying {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{emb: emb, name: name, policy: policy, logger: logger}
}

// Generate calls the wrapped generator, retrying transient failures.
// Exhausted or permanent failures are returned as *errs.Error of kind
// Transport (or Configuration for rejected credentials and unknown models).
func (r *Retrying) Generate(ctx context.Context, req Request) (string, error) {
	ctx, span := tracer.Start(ctx, "llm.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", r.name),
		attribute.String("task", string(req.Task)),
		attribute.Int("prompt_tokens_est", len(req.Prompt)/4),
	)

	out, attempts, err := retry(ctx, r, "generate "+string(req.Task), func(ctx context.Context) (string, error) {
		return r.gen.Generate(ctx, req)
	})
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

// Embed calls the wrapped embedder, retrying transient failures.
func (r *Retrying) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "llm.embed")
	defer span.End()
	span.SetAttributes(attribute.String("provider", r.name))

	out, attempts, err := retry(ctx, r, "embed", func(ctx context.Context) ([]float32, error) {
		return r.emb.Embed(ctx, text)
	})
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func retry[T any](ctx context.Context, r *Retrying, op string, call func(context.Context) (T, error)) (T, int, error) {
	p := r.policy
	maxTries := p.MaxAttempts
	if maxTries < 1 {
		maxTries = 1
	}

	attempts := 0
	operation := func() (T, error) {
		attempts++
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, p.CallTimeout)
		}
		defer cancel()

		v, err := call(callCtx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return v, backoff.Permanent(ctx.Err())
		}
		if !IsTransient(err) && !errors.Is(err, context.DeadlineExceeded) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	eb := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
	}
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = backoff.DefaultInitialInterval
	}
	if eb.Multiplier < 1 {
		eb.Multiplier = backoff.DefaultMultiplier
	}
	if eb.MaxInterval <= 0 {
		eb.MaxInterval = backoff.DefaultMaxInterval
	}

	v, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(maxTries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("transient provider error, retrying",
				zap.String("provider", r.name),
				zap.String("op", op),
				zap.Int("attempt", attempts),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}),
	)
	if err == nil {
		return v, attempts, nil
	}
	if ctx.Err() != nil {
		return v, attempts, ctx.Err()
	}

	var pe *ProviderError
	if errors.As(err, &pe) && !pe.Transient {
		switch pe.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return v, attempts, errs.New(errs.Configuration, op, err)
		}
	}
	return v, attempts, errs.New(errs.Transport, op, fmt.Errorf("after %d attempts: %w", attempts, err))
}
