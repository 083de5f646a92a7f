// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package blueprint generates the structured outline of one chapter from
// the architecture, the previous chapter's outline, and the character and
// summary state committed by the previous chapter's finalization.
package blueprint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/pdiddy/novelist/internal/errs"
	"github.com/pdiddy/novelist/internal/llm"
	"github.com/pdiddy/novelist/internal/prompts"
	"github.com/pdiddy/novelist/internal/textutil"
	"github.com/pdiddy/novelist/pkg/types"
)

// StateReader is the part of the state store the generator reads.
type StateReader interface {
	Architecture(ctx context.Context, projectID string) (types.ArchitectureDocument, bool, error)
	Blueprint(ctx context.Context, projectID string, chapter int) (types.ChapterBlueprint, bool, error)
	CharactersAsOf(ctx context.Context, projectID string, chapter int) ([]types.CharacterState, error)
	SummaryAsOf(ctx context.Context, projectID string, chapter int) (types.GlobalSummary, error)
}

// Generator produces chapter blueprints.
type Generator struct {
	state   StateReader
	gen     llm.Generator
	prompts *prompts.Set
	policy  types.PolicyConfig
	logger  *zap.Logger
}

// New returns a Generator.
func New(st StateReader, gen llm.Generator, set *prompts.Set, policy types.PolicyConfig, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{state: st, gen: gen, prompts: set, policy: policy, logger: logger}
}

// Generate produces the blueprint for chapter. It does not persist it.
func (g *Generator) Generate(ctx context.Context, p types.Project, chapter int) (types.ChapterBlueprint, error) {
	const op = "generate blueprint"
	if chapter < 1 || chapter > p.ChapterCount {
		return types.ChapterBlueprint{}, errs.Errorf(errs.Configuration, op, "chapter %d outside 1..%d", chapter, p.ChapterCount)
	}
	doc, ok, err := g.state.Architecture(ctx, p.ID)
	if err != nil {
		return types.ChapterBlueprint{}, err
	}
	if !ok {
		return types.ChapterBlueprint{}, errs.Errorf(errs.Configuration, op, "project %s has no architecture", p.ID)
	}

	data := prompts.BlueprintData{Project: p, Chapter: chapter, Architecture: doc.Content}
	if chapter == 1 {
		data.Opening = openingSection(doc.Content)
	} else {
		prev, ok, err := g.state.Blueprint(ctx, p.ID, chapter-1)
		if err != nil {
			return types.ChapterBlueprint{}, err
		}
		if ok {
			data.Previous = &prev
		} else {
			data.Opening = openingSection(doc.Content)
		}
	}
	if data.Characters, err = g.state.CharactersAsOf(ctx, p.ID, chapter-1); err != nil {
		return types.ChapterBlueprint{}, err
	}
	sum, err := g.state.SummaryAsOf(ctx, p.ID, chapter-1)
	if err != nil {
		return types.ChapterBlueprint{}, err
	}
	data.Summary = sum.Text

	log := g.logger.With(zap.String("project", p.ID), zap.Int("chapter", chapter))
	var lastErr error
	for attempt := 0; attempt <= g.policy.ContentRetries; attempt++ {
		prompt, err := g.prompts.Render(types.TaskBlueprint, data)
		if err != nil {
			return types.ChapterBlueprint{}, errs.New(errs.Configuration, "render blueprint prompt", err)
		}
		out, err := g.gen.Generate(ctx, llm.Request{
			Task:        types.TaskBlueprint,
			Prompt:      prompt,
			Temperature: g.policy.CreativeTemperature,
		})
		if err != nil {
			return types.ChapterBlueprint{}, err
		}
		bp, err := Parse(out)
		if err == nil {
			bp.Chapter = chapter
			bp.Characters = resolveCharacters(bp.Characters, data.Characters)
			return bp, nil
		}
		lastErr = err
		log.Warn("blueprint rejected, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
		data.Correction = err.Error() + ". Respond with the JSON object only."
	}
	return types.ChapterBlueprint{}, errs.New(errs.ContentShape, op,
		fmt.Errorf("after %d attempts: %w", g.policy.ContentRetries+1, lastErr))
}

// Parse extracts a blueprint from model output. The goal and at least one
// key event are required.
func Parse(out string) (types.ChapterBlueprint, error) {
	var bp types.ChapterBlueprint
	raw := textutil.ExtractJSON(out)
	if raw == "" {
		return bp, errors.New("no JSON object in the answer")
	}
	if err := json.Unmarshal([]byte(raw), &bp); err != nil {
		return bp, fmt.Errorf("invalid JSON: %v", err)
	}
	bp.Goal = strings.TrimSpace(bp.Goal)
	bp.Title = strings.TrimSpace(bp.Title)
	bp.KeyEvents = compact(bp.KeyEvents)
	bp.Characters = compact(bp.Characters)
	bp.KeyItems = compact(bp.KeyItems)
	if bp.Goal == "" {
		return bp, errors.New(`"goal" is empty`)
	}
	if len(bp.KeyEvents) == 0 {
		return bp, errors.New(`"key_events" is empty`)
	}
	return bp, nil
}

// openingSection is the architecture's opening, or its premise when the
// document has no opening section.
func openingSection(content string) string {
	if s := textutil.FindSection(content, types.SectionOpening); s != "" {
		return s
	}
	if s := textutil.FindSection(content, types.SectionPremise); s != "" {
		return s
	}
	return textutil.TruncateTokensHead(content, 500)
}

// resolveCharacters maps names the model used back to known character IDs
// and slugs unknown ones.
func resolveCharacters(refs []string, known []types.CharacterState) []string {
	byKey := make(map[string]string, 3*len(known))
	firstNames := make(map[string][]string)
	for _, c := range known {
		byKey[c.ID] = c.ID
		byKey[textutil.Slug(c.Name)] = c.ID
		if f := strings.Fields(c.Name); len(f) > 1 {
			first := textutil.Slug(f[0])
			firstNames[first] = append(firstNames[first], c.ID)
		}
	}
	// A bare first name resolves only when it is unambiguous.
	for first, ids := range firstNames {
		if _, taken := byKey[first]; !taken && len(ids) == 1 {
			byKey[first] = ids[0]
		}
	}
	seen := make(map[string]bool, len(refs))
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		id := textutil.Slug(r)
		if known, ok := byKey[id]; ok {
			id = known
		}
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func compact(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
