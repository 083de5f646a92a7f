// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package llm

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/novelist/internal/errs"
	"github.com/pdiddy/novelist/pkg/types"
)

// fastPolicy keeps backoff sleeps in the millisecond range.
func fastPolicy(attempts int) types.RetryConfig {
	return types.RetryConfig{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
		Jitter:          0.5,
	}
}

// failNTimes fails the first n calls with err, then returns "ok".
func failNTimes(n int, err error, calls *int) GeneratorFunc {
	return func(context.Context, Request) (string, error) {
		*calls++
		if *calls <= n {
			return "", err
		}
		return "ok", nil
	}
}

func transientErr() error {
	return &ProviderError{Provider: "test", StatusCode: http.StatusTooManyRequests, Transient: true, Err: errors.New("rate limited")}
}

func TestRetrying_TransientThenSuccess(t *testing.T) {
	var calls int
	r := NewRetrying("test", failNTimes(3, transientErr(), &calls), fastPolicy(5), nil)

	out, err := r.Generate(context.Background(), Request{Task: types.TaskDraft, Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 4, calls)
}

func TestRetrying_ExhaustedIsTransport(t *testing.T) {
	var calls int
	r := NewRetrying("test", failNTimes(10, transientErr(), &calls), fastPolicy(3), nil)

	_, err := r.Generate(context.Background(), Request{Task: types.TaskDraft})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, errs.Is(err, errs.Transport))
	assert.True(t, IsTransient(err), "cause stays inspectable")
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestRetrying_PermanentNotRetried(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantKind errs.Kind
	}{
		{"bad request", http.StatusBadRequest, errs.Transport},
		{"unauthorized", http.StatusUnauthorized, errs.Configuration},
		{"unknown model", http.StatusNotFound, errs.Configuration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			perm := &ProviderError{Provider: "test", StatusCode: tt.status, Err: errors.New("nope")}
			r := NewRetrying("test", failNTimes(10, perm, &calls), fastPolicy(5), nil)

			_, err := r.Generate(context.Background(), Request{})
			require.Error(t, err)
			assert.Equal(t, 1, calls)
			assert.Equal(t, tt.wantKind, errs.KindOf(err))
		})
	}
}

func TestRetrying_CallTimeoutIsTransient(t *testing.T) {
	var calls int
	slow := GeneratorFunc(func(ctx context.Context, _ Request) (string, error) {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "late ok", nil
	})
	policy := fastPolicy(3)
	policy.CallTimeout = 20 * time.Millisecond
	r := NewRetrying("test", slow, policy, nil)

	out, err := r.Generate(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "late ok", out)
	assert.Equal(t, 2, calls)
}

func TestRetrying_ContextCancelled(t *testing.T) {
	policy := fastPolicy(10)
	policy.InitialInterval = time.Second
	policy.MaxInterval = time.Second

	var calls int
	r := NewRetrying("test", failNTimes(100, transientErr(), &calls), policy, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := r.Generate(ctx, Request{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, errs.Is(err, errs.Transport), "cancellation is not a transport failure")
	assert.Equal(t, 1, calls)
}

func TestRetryingEmbedder(t *testing.T) {
	var calls int
	emb := EmbedderFunc(func(context.Context, string) ([]float32, error) {
		calls++
		if calls < 2 {
			return nil, transientErr()
		}
		return []float32{1, 2}, nil
	})
	r := NewRetryingEmbedder("test", emb, fastPolicy(3), nil)

	v, err := r.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, v)
	assert.Equal(t, 2, calls)
}
