// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package finalize commits an accepted chapter: it extracts the
// end-of-chapter character state, merges the chapter into the rolling
// global summary, embeds the chapter into knowledge chunks, and writes
// the character versions, the summary version and the finalized chapter
// in one state transaction.
//
// Every model call happens in Prepare, before anything is written, so a
// failure leaves the chapter in its previous state. The chapter's knowledge
// chunks are replaced before the state commit: deterministic chunk IDs make
// a repeated Apply idempotent, and chunks left by a longer discarded draft
// are deleted.
package finalize

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pdiddy/novelist/internal/errs"
	"github.com/pdiddy/novelist/internal/llm"
	"github.com/pdiddy/novelist/internal/prompts"
	"github.com/pdiddy/novelist/internal/state"
	"github.com/pdiddy/novelist/internal/textutil"
	"github.com/pdiddy/novelist/pkg/types"
)

var tracer = otel.Tracer("novelist/finalize")

// Indexer stores knowledge chunks.
type Indexer interface {
	ReplaceChapter(ctx context.Context, source types.ChunkSource, chapter int, chunks ...types.KnowledgeChunk) error
}

// Input is the accepted chapter and the state it was written against.
type Input struct {
	Project   types.Project
	Blueprint types.ChapterBlueprint
	Draft     types.ChapterDraft

	// Characters and Summary are the versions as of the previous chapter.
	Characters []types.CharacterState
	Summary    types.GlobalSummary
}

// Commit is everything Apply writes for one chapter.
type Commit struct {
	ProjectID  string
	Draft      types.ChapterDraft
	Characters []types.CharacterState
	Summary    types.GlobalSummary
	Chunks     []types.KnowledgeChunk
}

// Finalizer prepares and applies chapter commits.
type Finalizer struct {
	gen      llm.Generator
	embedder llm.Embedder
	prompts  *prompts.Set
	policy   types.PolicyConfig
	budget   types.BudgetConfig
	logger   *zap.Logger
}

// New returns a Finalizer.
func New(gen llm.Generator, embedder llm.Embedder, set *prompts.Set, policy types.PolicyConfig, budget types.BudgetConfig, logger *zap.Logger) *Finalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Finalizer{gen: gen, embedder: embedder, prompts: set, policy: policy, budget: budget, logger: logger}
}

// Prepare runs the state-delta, summary and embedding calls and returns
// the commit. It writes nothing.
func (f *Finalizer) Prepare(ctx context.Context, in Input) (Commit, error) {
	ctx, span := tracer.Start(ctx, "finalize.prepare")
	defer span.End()
	chapter := in.Draft.Chapter
	span.SetAttributes(attribute.Int("chapter", chapter))
	log := f.logger.With(zap.String("project", in.Project.ID), zap.Int("chapter", chapter))

	draft := in.Draft
	draft.Status = types.StatusFinalized

	chars, note, err := f.characters(ctx, in, log)
	if err != nil {
		return Commit{}, err
	}
	if note != nil {
		draft.Issues = append(draft.Issues, *note)
	}

	summary, err := f.summary(ctx, in, log)
	if err != nil {
		return Commit{}, err
	}

	chunks, err := f.chunks(ctx, in.Project.ID, chapter, draft.Text)
	if err != nil {
		return Commit{}, err
	}

	span.SetAttributes(
		attribute.Int("characters", len(chars)),
		attribute.Int("summary_tokens", summary.Tokens),
		attribute.Int("chunks", len(chunks)))
	return Commit{ProjectID: in.Project.ID, Draft: draft, Characters: chars, Summary: summary, Chunks: chunks}, nil
}

// Apply replaces the chapter's chunks, then writes the finalized chapter, the
// character versions and the summary version in one transaction. extra,
// if set, runs inside the same transaction.
func (f *Finalizer) Apply(ctx context.Context, store *state.Store, idx Indexer, c Commit, extra func(*state.Tx) error) error {
	if err := idx.ReplaceChapter(ctx, types.SourceChapter, c.Draft.Chapter, c.Chunks...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.New(errs.Storage, "index chapter", err)
	}
	return store.Update(ctx, c.ProjectID, func(tx *state.Tx) error {
		for _, ch := range c.Characters {
			if err := tx.PutCharacter(ch); err != nil {
				return err
			}
		}
		if err := tx.PutSummary(c.Summary); err != nil {
			return err
		}
		if err := tx.PutChapter(c.Draft); err != nil {
			return err
		}
		if extra != nil {
			return extra(tx)
		}
		return nil
	})
}

type deltaList struct {
	Characters []Delta `json:"characters"`
}

// Delta is one character change reported by the model.
type Delta struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Location      string            `json:"location"`
	Status        []string          `json:"status"`
	Relationships map[string]string `json:"relationships"`
	Traits        []string          `json:"traits"`
}

// characters extracts the state delta and returns the versions to write
// at this chapter: every changed or new character plus every character
// the blueprint references. An unusable answer carries the previous state
// forward and yields an advisory note.
func (f *Finalizer) characters(ctx context.Context, in Input, log *zap.Logger) ([]types.CharacterState, *types.Issue, error) {
	chapter := in.Draft.Chapter
	prompt, err := f.prompts.Render(types.TaskStateDelta, prompts.StateDeltaData{
		Chapter:    chapter,
		Characters: in.Characters,
		Text:       in.Draft.Text,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("rendering state delta prompt: %w", err)
	}

	var (
		deltas  []Delta
		lastErr error
		parsed  bool
	)
	for attempt := 0; attempt <= f.policy.ContentRetries; attempt++ {
		out, err := f.gen.Generate(ctx, llm.Request{
			Task:        types.TaskStateDelta,
			Prompt:      prompt,
			Temperature: f.policy.AnalyticTemperature,
		})
		if err != nil {
			return nil, nil, err
		}
		if deltas, lastErr = ParseDelta(out); lastErr == nil {
			parsed = true
			break
		}
		log.Warn("unparseable state delta", zap.Int("attempt", attempt+1), zap.Error(lastErr))
	}

	var note *types.Issue
	if !parsed {
		deltas = nil
		note = &types.Issue{
			Severity:    types.SeverityAdvisory,
			Kind:        types.IssueOther,
			Description: fmt.Sprintf("character state carried forward unchanged: %v", lastErr),
		}
	}
	return Merge(in.Characters, deltas, in.Blueprint.Characters, chapter), note, nil
}

// ParseDelta reads the model's character changes.
func ParseDelta(out string) ([]Delta, error) {
	raw := textutil.ExtractJSON(out)
	if raw == "" {
		return nil, fmt.Errorf("no JSON in answer")
	}
	var list deltaList
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &list.Characters); err != nil {
			return nil, fmt.Errorf("invalid JSON: %v", err)
		}
		return list.Characters, nil
	}
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("invalid JSON: %v", err)
	}
	return list.Characters, nil
}

// Merge applies deltas to prev and returns the versions to write at
// chapter, ordered by ID. Characters listed in referenced are written even
// when unchanged.
func Merge(prev []types.CharacterState, deltas []Delta, referenced []string, chapter int) []types.CharacterState {
	byID := make(map[string]types.CharacterState, len(prev))
	byName := make(map[string]string, len(prev))
	for _, c := range prev {
		byID[c.ID] = c
		byName[textutil.Slug(c.Name)] = c.ID
	}

	out := make(map[string]types.CharacterState)
	for _, d := range deltas {
		id := textutil.Slug(d.ID)
		if _, ok := byID[id]; !ok {
			if known, ok := byName[textutil.Slug(d.Name)]; ok {
				id = known
			} else if id == "" {
				id = textutil.Slug(d.Name)
			}
		}
		if id == "" {
			continue
		}
		base, ok := out[id]
		if !ok {
			if p, known := byID[id]; known {
				base = p.Clone()
			} else {
				base = types.CharacterState{ID: id, Status: []string{types.FlagAlive}}
			}
		}
		out[id] = apply(base, d)
	}
	for _, id := range referenced {
		if _, done := out[id]; done {
			continue
		}
		if p, ok := byID[id]; ok {
			out[id] = p.Clone()
		}
	}

	ids := slices.Collect(maps.Keys(out))
	sort.Strings(ids)
	result := make([]types.CharacterState, 0, len(ids))
	for _, id := range ids {
		c := out[id]
		c.Chapter = chapter
		if c.Name == "" {
			c.Name = id
		}
		result = append(result, c)
	}
	return result
}

func apply(c types.CharacterState, d Delta) types.CharacterState {
	if n := strings.TrimSpace(d.Name); n != "" {
		c.Name = n
	}
	if l := strings.TrimSpace(d.Location); l != "" {
		c.Location = l
	}
	if len(d.Status) > 0 {
		var flags []string
		for _, s := range d.Status {
			if s = strings.ToLower(strings.TrimSpace(s)); s != "" && !slices.Contains(flags, s) {
				flags = append(flags, s)
			}
		}
		if len(flags) > 0 {
			c.Status = flags
		}
	}
	for other, rel := range d.Relationships {
		if c.Relationships == nil {
			c.Relationships = make(map[string]string)
		}
		c.Relationships[textutil.Slug(other)] = rel
	}
	for _, tr := range d.Traits {
		if tr = strings.TrimSpace(tr); tr != "" && !slices.Contains(c.Traits, tr) {
			c.Traits = append(c.Traits, tr)
		}
	}
	return c
}

// summary merges the chapter into the previous summary and compresses the
// result until it fits the configured budget. When compression passes do
// not bring it under budget, the tail is kept.
func (f *Finalizer) summary(ctx context.Context, in Input, log *zap.Logger) (types.GlobalSummary, error) {
	chapter := in.Draft.Chapter
	budget := f.budget.GlobalSummaryTokens
	data := prompts.SummaryData{
		Chapter:      chapter,
		Previous:     in.Summary.Text,
		ChapterText:  textutil.TruncateTokensHead(in.Draft.Text, f.budget.ContextTokens),
		Goal:         in.Blueprint.Goal,
		BudgetTokens: budget,
	}

	text, err := f.summarize(ctx, data)
	if err != nil {
		return types.GlobalSummary{}, err
	}
	if text == "" {
		log.Warn("summary merge returned nothing, appending the chapter goal")
		text = strings.TrimSpace(in.Summary.Text + "\n" + fmt.Sprintf("Chapter %d: %s", chapter, in.Blueprint.Goal))
	}

	for pass := 0; textutil.EstimateTokens(text) > budget && pass < f.policy.SummaryCompressions; pass++ {
		shorter, err := f.summarize(ctx, prompts.SummaryData{Chapter: chapter, Previous: text, BudgetTokens: budget, Compress: true})
		if err != nil {
			return types.GlobalSummary{}, err
		}
		log.Info("summary compressed",
			zap.Int("pass", pass+1),
			zap.Int("before", textutil.EstimateTokens(text)),
			zap.Int("after", textutil.EstimateTokens(shorter)))
		if shorter != "" && textutil.EstimateTokens(shorter) < textutil.EstimateTokens(text) {
			text = shorter
		}
	}
	if textutil.EstimateTokens(text) > budget {
		text = textutil.TruncateTokensTail(text, budget)
		log.Warn("summary truncated to budget", zap.Int("budget", budget))
	}
	return types.GlobalSummary{Chapter: chapter, Text: text, Tokens: textutil.EstimateTokens(text)}, nil
}

// summarize runs one summary call, retrying empty answers.
func (f *Finalizer) summarize(ctx context.Context, data prompts.SummaryData) (string, error) {
	prompt, err := f.prompts.Render(types.TaskSummary, data)
	if err != nil {
		return "", fmt.Errorf("rendering summary prompt: %w", err)
	}
	for attempt := 0; attempt <= f.policy.ContentRetries; attempt++ {
		out, err := f.gen.Generate(ctx, llm.Request{
			Task:        types.TaskSummary,
			Prompt:      prompt,
			Temperature: f.policy.AnalyticTemperature,
		})
		if err != nil {
			return "", err
		}
		if text := textutil.StripMetaCommentary(out); text != "" {
			return text, nil
		}
	}
	return "", nil
}

// chunks splits the chapter and embeds every piece.
func (f *Finalizer) chunks(ctx context.Context, projectID string, chapter int, text string) ([]types.KnowledgeChunk, error) {
	pieces := textutil.ChunkText(text, f.budget.ChunkTokens)
	out := make([]types.KnowledgeChunk, 0, len(pieces))
	for i, p := range pieces {
		vec, err := f.embedder.Embed(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("embedding chunk %d of chapter %d: %w", i, chapter, err)
		}
		out = append(out, types.KnowledgeChunk{
			ProjectID: projectID,
			Source:    types.SourceChapter,
			Chapter:   chapter,
			Seq:       i,
			Text:      p,
			Vector:    vec,
		})
	}
	return out, nil
}
