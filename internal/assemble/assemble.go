// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package assemble builds the bounded context bundle handed to the drafting
// model: a recency window of finalized chapter text, the rolling global
// summary, and knowledge chunks similar to the chapter's blueprint.
//
// The bundle never exceeds its total token budget. When the three parts
// together are too large, the recency window shrinks first, then retrieval
// results are dropped, and the summary is truncated last.
package assemble

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pdiddy/novelist/internal/llm"
	"github.com/pdiddy/novelist/internal/textutil"
	"github.com/pdiddy/novelist/pkg/types"
)

var tracer = otel.Tracer("novelist/assemble")

// candidateFactor widens the knowledge query so filtering by chapter and
// deduplication still leave enough results.
const candidateFactor = 3

// Budget holds the token budgets of one assembly.
type Budget struct {
	Total          int
	Recency        int
	Summary        int
	Retrieval      int
	RetrievalCount int
	RecentChapters int
}

// BudgetFrom converts the configured budgets.
func BudgetFrom(cfg types.BudgetConfig) Budget {
	return Budget{
		Total:          cfg.ContextTokens,
		Recency:        cfg.RecencyTokens,
		Summary:        cfg.SummaryTokens,
		Retrieval:      cfg.RetrievalTokens,
		RetrievalCount: cfg.RetrievalCount,
		RecentChapters: cfg.RecentChapters,
	}
}

// StateReader is the part of the state store the assembler reads.
type StateReader interface {
	RecentChapters(ctx context.Context, projectID string, before, limit int) ([]types.ChapterDraft, error)
	SummaryAsOf(ctx context.Context, projectID string, chapter int) (types.GlobalSummary, error)
}

// Retriever answers similarity queries against one knowledge namespace.
type Retriever interface {
	Query(ctx context.Context, vec []float32, topK int) ([]types.ScoredChunk, error)
}

// Recent is one recency-window entry. Text may be the tail of the chapter
// when the window had to be cut.
type Recent struct {
	Chapter   int
	Text      string
	Tokens    int
	Truncated bool
}

// Bundle is the assembled context for one chapter.
type Bundle struct {
	Chapter int

	// Recent holds finalized chapters, newest first.
	Recent []Recent

	Summary       string
	SummaryTokens int

	// Retrieved holds knowledge chunks, best match first, at most one per
	// source chapter.
	Retrieved       []types.ScoredChunk
	RetrievedTokens int

	// Degraded is set when retrieval was skipped because the embedder or
	// the knowledge store failed.
	Degraded bool
}

// Tokens returns the estimated size of the bundle.
func (b Bundle) Tokens() int {
	n := b.SummaryTokens + b.RetrievedTokens
	for _, r := range b.Recent {
		n += r.Tokens
	}
	return n
}

// RetrievedText returns the text of the retrieved chunks.
func (b Bundle) RetrievedText() []string {
	out := make([]string, len(b.Retrieved))
	for i, c := range b.Retrieved {
		out[i] = c.Text
	}
	return out
}

// Assembler builds context bundles for one project.
type Assembler struct {
	state     StateReader
	knowledge Retriever
	embedder  llm.Embedder
	logger    *zap.Logger
}

// New returns an Assembler. knowledge and embedder may be nil, in which
// case bundles carry no retrieval results.
func New(state StateReader, knowledge Retriever, embedder llm.Embedder, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{state: state, knowledge: knowledge, embedder: embedder, logger: logger}
}

// Assemble builds the bundle for bp.Chapter. State store failures are
// returned; knowledge failures degrade retrieval to empty.
func (a *Assembler) Assemble(ctx context.Context, projectID string, bp types.ChapterBlueprint, budget Budget) (Bundle, error) {
	ctx, span := tracer.Start(ctx, "assemble")
	defer span.End()
	span.SetAttributes(attribute.Int("chapter", bp.Chapter))

	b := Bundle{Chapter: bp.Chapter}
	log := a.logger.With(zap.String("project", projectID), zap.Int("chapter", bp.Chapter))

	chapters, err := a.state.RecentChapters(ctx, projectID, bp.Chapter, budget.RecentChapters)
	if err != nil {
		return b, err
	}
	b.Recent = recencyWindow(chapters, budget.Recency)

	sum, err := a.state.SummaryAsOf(ctx, projectID, bp.Chapter-1)
	if err != nil {
		return b, err
	}
	b.Summary = textutil.TruncateTokensTail(sum.Text, budget.Summary)
	b.SummaryTokens = textutil.EstimateTokens(b.Summary)

	chunks, err := a.retrieve(ctx, bp, budget)
	if err != nil {
		if ctx.Err() != nil {
			return b, ctx.Err()
		}
		b.Degraded = true
		log.Warn("retrieval unavailable, drafting without reference notes",
			zap.Bool("degraded", true), zap.Error(err))
	}
	b.Retrieved, b.RetrievedTokens = selectChunks(chunks, bp.Chapter, b.Recent, budget)

	fitTotal(&b, budget.Total)
	span.SetAttributes(attribute.Int("tokens", b.Tokens()), attribute.Bool("degraded", b.Degraded))
	log.Debug("context assembled",
		zap.Int("recent", len(b.Recent)),
		zap.Int("retrieved", len(b.Retrieved)),
		zap.Int("tokens", b.Tokens()))
	return b, nil
}

func (a *Assembler) retrieve(ctx context.Context, bp types.ChapterBlueprint, budget Budget) ([]types.ScoredChunk, error) {
	if a.knowledge == nil || a.embedder == nil || budget.RetrievalCount <= 0 || budget.Retrieval <= 0 {
		return nil, nil
	}
	query := QueryText(bp)
	if query == "" {
		return nil, nil
	}
	vec, err := a.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return a.knowledge.Query(ctx, vec, budget.RetrievalCount*candidateFactor)
}

// QueryText is the text embedded to find reference notes for a chapter:
// its goal followed by its key events.
func QueryText(bp types.ChapterBlueprint) string {
	parts := make([]string, 0, len(bp.KeyEvents)+1)
	if g := strings.TrimSpace(bp.Goal); g != "" {
		parts = append(parts, g)
	}
	for _, ev := range bp.KeyEvents {
		if ev = strings.TrimSpace(ev); ev != "" {
			parts = append(parts, ev)
		}
	}
	return strings.Join(parts, "\n")
}

// recencyWindow takes chapters newest first until the budget is spent. The
// chapter that crosses the budget keeps only its tail.
func recencyWindow(chapters []types.ChapterDraft, budget int) []Recent {
	var out []Recent
	remaining := budget
	for _, ch := range chapters {
		if remaining <= 0 {
			break
		}
		text := strings.TrimSpace(ch.Text)
		if text == "" {
			continue
		}
		tokens := textutil.EstimateTokens(text)
		if tokens <= remaining {
			out = append(out, Recent{Chapter: ch.Chapter, Text: text, Tokens: tokens})
			remaining -= tokens
			continue
		}
		tail := textutil.TruncateTokensTail(text, remaining)
		if tail != "" {
			out = append(out, Recent{Chapter: ch.Chapter, Text: tail, Tokens: textutil.EstimateTokens(tail), Truncated: true})
		}
		break
	}
	return out
}

// selectChunks drops future and already-present chapters, keeps the best
// chunk per source chapter, and takes up to RetrievalCount chunks that fit
// the retrieval budget whole.
func selectChunks(chunks []types.ScoredChunk, chapter int, recent []Recent, budget Budget) ([]types.ScoredChunk, int) {
	inWindow := make(map[int]bool, len(recent))
	for _, r := range recent {
		inWindow[r.Chapter] = true
	}
	type key struct {
		source  types.ChunkSource
		chapter int
	}
	seen := make(map[key]bool)

	var out []types.ScoredChunk
	used := 0
	for _, c := range chunks {
		if len(out) >= budget.RetrievalCount {
			break
		}
		if c.Chapter >= chapter || inWindow[c.Chapter] {
			continue
		}
		k := key{c.Source, c.Chapter}
		if seen[k] {
			continue
		}
		tokens := textutil.EstimateTokens(c.Text)
		if used+tokens > budget.Retrieval {
			continue
		}
		seen[k] = true
		out = append(out, c)
		used += tokens
	}
	return out, used
}

// fitTotal shrinks the bundle until it fits total: recency first (oldest
// entries, then the tail of the newest), then retrieval results from the
// worst match up, then the summary.
func fitTotal(b *Bundle, total int) {
	if total < 0 {
		total = 0
	}
	excess := b.Tokens() - total
	for excess > 0 && len(b.Recent) > 1 {
		last := b.Recent[len(b.Recent)-1]
		b.Recent = b.Recent[:len(b.Recent)-1]
		excess -= last.Tokens
	}
	if excess > 0 && len(b.Recent) == 1 {
		r := b.Recent[0]
		tail := textutil.TruncateTokensTail(r.Text, r.Tokens-excess)
		if tail == "" {
			b.Recent = nil
		} else {
			b.Recent[0] = Recent{Chapter: r.Chapter, Text: tail, Tokens: textutil.EstimateTokens(tail), Truncated: true}
		}
		excess = b.Tokens() - total
	}
	for excess > 0 && len(b.Retrieved) > 0 {
		last := b.Retrieved[len(b.Retrieved)-1]
		b.Retrieved = b.Retrieved[:len(b.Retrieved)-1]
		tokens := textutil.EstimateTokens(last.Text)
		b.RetrievedTokens -= tokens
		excess -= tokens
	}
	if excess > 0 {
		b.Summary = textutil.TruncateTokensTail(b.Summary, b.SummaryTokens-excess)
		b.SummaryTokens = textutil.EstimateTokens(b.Summary)
	}
}
