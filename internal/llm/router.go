// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package llm

import (
	"context"

	"github.com/pdiddy/novelist/internal/errs"
	"github.com/pdiddy/novelist/pkg/types"
)

// Router dispatches a Request to the generator registered for its Task,
// falling back to the default route.
type Router struct {
	routes   map[types.Task]Generator
	fallback Generator
}

// NewRouter returns a Router whose unrouted tasks go to fallback. fallback
// may be nil when every task is routed explicitly.
func NewRouter(fallback Generator) *Router {
	return &Router{routes: make(map[types.Task]Generator), fallback: fallback}
}

// Route registers g for task.
func (r *Router) Route(task types.Task, g Generator) {
	r.routes[task] = g
}

// Generate implements Generator.
func (r *Router) Generate(ctx context.Context, req Request) (string, error) {
	g, ok := r.routes[req.Task]
	if !ok {
		g = r.fallback
	}
	if g == nil {
		return "", errs.Errorf(errs.Configuration, "route "+string(req.Task), "no provider configured for task %q", req.Task)
	}
	return g.Generate(ctx, req)
}
