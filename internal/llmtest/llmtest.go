// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package llmtest provides scripted llm.Generator and llm.Embedder fakes
// for stage and pipeline tests.
package llmtest

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/pdiddy/novelist/internal/llm"
	"github.com/pdiddy/novelist/pkg/types"
)

// Reply is one scripted generator answer.
type Reply struct {
	Text string
	Err  error
}

// Text returns a successful Reply.
func Text(s string) Reply { return Reply{Text: s} }

// Fail returns a failing Reply.
func Fail(err error) Reply { return Reply{Err: err} }

// Generator answers by task. Each task has a queue of replies consumed in
// order; the last reply repeats once the queue is drained. A handler
// registered with OnFunc takes precedence over the queue.
type Generator struct {
	mu       sync.Mutex
	queues   map[types.Task][]Reply
	handlers map[types.Task]func(llm.Request) (string, error)
	calls    []llm.Request
}

// NewGenerator returns an empty script. Unscripted tasks fail.
func NewGenerator() *Generator {
	return &Generator{
		queues:   make(map[types.Task][]Reply),
		handlers: make(map[types.Task]func(llm.Request) (string, error)),
	}
}

// On appends replies to the queue for task.
func (g *Generator) On(task types.Task, replies ...Reply) *Generator {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queues[task] = append(g.queues[task], replies...)
	return g
}

// OnFunc answers task with fn.
func (g *Generator) OnFunc(task types.Task, fn func(llm.Request) (string, error)) *Generator {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[task] = fn
	return g
}

// Generate implements llm.Generator.
func (g *Generator) Generate(ctx context.Context, req llm.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	g.mu.Lock()
	g.calls = append(g.calls, req)
	fn := g.handlers[req.Task]
	var reply Reply
	q, ok := g.queues[req.Task]
	if ok && len(q) > 0 {
		reply = q[0]
		if len(q) > 1 {
			g.queues[req.Task] = q[1:]
		}
	}
	g.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	if !ok {
		return "", fmt.Errorf("llmtest: no reply scripted for task %q", req.Task)
	}
	return reply.Text, reply.Err
}

// Calls returns the requests seen for task, or all requests when task is "".
func (g *Generator) Calls(task types.Task) []llm.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []llm.Request
	for _, c := range g.calls {
		if task == "" || c.Task == task {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the number of calls for task.
func (g *Generator) Count(task types.Task) int {
	return len(g.Calls(task))
}

// Dims is the dimensionality of Embedder vectors.
const Dims = 64

// Embedder is a deterministic bag-of-words embedder: each lowercase word is
// hashed into one of Dims buckets and the vector is L2-normalized. Texts
// sharing words have positive cosine similarity.
type Embedder struct {
	mu    sync.Mutex
	err   error
	calls int
}

// NewEmbedder returns a working embedder.
func NewEmbedder() *Embedder { return &Embedder{} }

// FailWith makes every subsequent call return err. A nil err restores
// normal operation.
func (e *Embedder) FailWith(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

// Calls returns the number of Embed calls.
func (e *Embedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Embed implements llm.Embedder.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.calls++
	err := e.err
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return Vector(text), nil
}

// Vector returns the embedding Embedder produces for text.
func Vector(text string) []float32 {
	v := make([]float32, Dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%Dims]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}
