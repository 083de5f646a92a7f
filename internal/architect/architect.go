// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package architect generates a project's architecture document, persists
// it together with the initial character roster, and seeds the knowledge
// store with it.
package architect

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/pdiddy/novelist/internal/errs"
	"github.com/pdiddy/novelist/internal/llm"
	"github.com/pdiddy/novelist/internal/prompts"
	"github.com/pdiddy/novelist/internal/state"
	"github.com/pdiddy/novelist/internal/textutil"
	"github.com/pdiddy/novelist/pkg/types"
)

// augmentation is appended to the prompt when the previous answer was too
// short.
const augmentation = "Your previous answer was too short. Include more world detail: geography, history, factions, and a fuller cast."

// Indexer embeds and stores knowledge chunks.
type Indexer interface {
	Upsert(ctx context.Context, chunks ...types.KnowledgeChunk) error
}

// Generator produces and persists architecture documents.
type Generator struct {
	gen      llm.Generator
	embedder llm.Embedder
	prompts  *prompts.Set
	policy   types.PolicyConfig
	chunkTok int
	logger   *zap.Logger
}

// New returns a Generator. chunkTokens bounds the size of the knowledge
// chunks the document is split into.
func New(gen llm.Generator, embedder llm.Embedder, set *prompts.Set, policy types.PolicyConfig, chunkTokens int, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{gen: gen, embedder: embedder, prompts: set, policy: policy, chunkTok: chunkTokens, logger: logger}
}

// Generate asks the model for an architecture document, stripping any
// commentary around it. Output shorter than the configured minimum is
// retried with an augmented prompt; exhausting the retries is a
// configuration error because the project parameters evidently do not
// give the model enough to work with.
func (g *Generator) Generate(ctx context.Context, p types.Project) (types.ArchitectureDocument, error) {
	log := g.logger.With(zap.String("project", p.ID))
	data := prompts.ArchitectureData{Project: p}

	var last string
	for attempt := 0; attempt <= g.policy.ArchitectureRetries; attempt++ {
		prompt, err := g.prompts.Render(types.TaskArchitecture, data)
		if err != nil {
			return types.ArchitectureDocument{}, errs.New(errs.Configuration, "render architecture prompt", err)
		}
		out, err := g.gen.Generate(ctx, llm.Request{
			Task:        types.TaskArchitecture,
			Prompt:      prompt,
			Temperature: g.policy.CreativeTemperature,
		})
		if err != nil {
			return types.ArchitectureDocument{}, err
		}
		last = textutil.StripMetaCommentary(out)
		if utf8.RuneCountInString(last) >= g.policy.MinArchitectureChars {
			return types.ArchitectureDocument{
				ProjectID: p.ID,
				Content:   last,
				CreatedAt: time.Now().UTC(),
			}, nil
		}
		log.Warn("architecture too short, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("chars", utf8.RuneCountInString(last)),
			zap.Int("min_chars", g.policy.MinArchitectureChars))
		data.Augment = augmentation
	}
	return types.ArchitectureDocument{}, errs.Errorf(errs.Configuration, "generate architecture",
		"output shorter than %d characters after %d attempts (last was %d)",
		g.policy.MinArchitectureChars, g.policy.ArchitectureRetries+1, utf8.RuneCountInString(last))
}

// Ensure makes sure the project has a persisted and seeded architecture.
// It generates one when none exists and finishes seeding when an earlier
// run stopped after persisting it.
func (g *Generator) Ensure(ctx context.Context, store *state.Store, idx Indexer, p types.Project) (types.ArchitectureDocument, error) {
	doc, ok, err := store.Architecture(ctx, p.ID)
	if err != nil {
		return doc, err
	}
	if !ok {
		if doc, err = g.Generate(ctx, p); err != nil {
			return doc, err
		}
		roster := Characters(doc.Content)
		err = store.Update(ctx, p.ID, func(tx *state.Tx) error {
			if err := tx.PutArchitecture(doc); err != nil {
				return err
			}
			for _, c := range roster {
				if err := tx.PutCharacter(c); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return doc, err
		}
		g.logger.Info("architecture generated",
			zap.String("project", p.ID),
			zap.Int("chars", utf8.RuneCountInString(doc.Content)),
			zap.Int("characters", len(roster)))
	}
	if doc.Seeded {
		return doc, nil
	}

	n, err := g.Seed(ctx, idx, doc)
	if err != nil {
		return doc, err
	}
	doc.Seeded = true
	if err := store.Update(ctx, p.ID, func(tx *state.Tx) error { return tx.PutArchitecture(doc) }); err != nil {
		return doc, err
	}
	g.logger.Info("knowledge store seeded", zap.String("project", p.ID), zap.Int("chunks", n))
	return doc, nil
}

// Seed embeds the document into architecture chunks of chapter 0 and
// upserts them. It returns the number of chunks written.
func (g *Generator) Seed(ctx context.Context, idx Indexer, doc types.ArchitectureDocument) (int, error) {
	pieces := seedPieces(doc.Content, g.chunkTok)
	chunks := make([]types.KnowledgeChunk, 0, len(pieces))
	for i, text := range pieces {
		vec, err := g.embedder.Embed(ctx, text)
		if err != nil {
			return 0, fmt.Errorf("embedding architecture chunk %d: %w", i, err)
		}
		chunks = append(chunks, types.KnowledgeChunk{
			ProjectID: doc.ProjectID,
			Source:    types.SourceArchitecture,
			Chapter:   0,
			Seq:       i,
			Text:      text,
			Vector:    vec,
		})
	}
	if err := idx.Upsert(ctx, chunks...); err != nil {
		return 0, errs.New(errs.Storage, "seed knowledge", err)
	}
	return len(chunks), nil
}

// seedPieces splits the document by section, prefixing each chunk with its
// heading so retrieved chunks stay self-describing.
func seedPieces(content string, maxTokens int) []string {
	var out []string
	for _, sec := range textutil.SplitSections(content) {
		if sec.Body == "" {
			continue
		}
		for _, piece := range textutil.ChunkText(sec.Body, maxTokens) {
			if sec.Heading != "" {
				piece = sec.Heading + "\n" + piece
			}
			out = append(out, piece)
		}
	}
	if len(out) == 0 && strings.TrimSpace(content) != "" {
		out = textutil.ChunkText(content, maxTokens)
	}
	return out
}

var (
	rosterLine = regexp.MustCompile(`^\s*[-*]\s+(?:\*\*)?([^:*]+?)(?:\*\*)?\s*[:：]\s*(.*)$`)
	flagTag    = regexp.MustCompile(`\[(dead|missing|injured)\]\s*$`)
)

// Characters parses the roster lines of the Characters section into
// version-0 character states. Lines look like
// "- Name: description [dead]".
func Characters(content string) []types.CharacterState {
	section := textutil.FindSection(content, types.SectionCharacters)
	var out []types.CharacterState
	seen := make(map[string]bool)
	for _, line := range strings.Split(section, "\n") {
		m := rosterLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := strings.TrimSpace(m[1])
		id := textutil.Slug(name)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		desc := strings.TrimSpace(m[2])
		status := []string{types.FlagAlive}
		if f := flagTag.FindStringSubmatch(desc); f != nil {
			status = []string{f[1]}
			desc = strings.TrimSpace(flagTag.ReplaceAllString(desc, ""))
		}
		var traits []string
		if desc != "" {
			traits = []string{desc}
		}
		out = append(out, types.CharacterState{
			ID:      id,
			Name:    name,
			Traits:  traits,
			Status:  status,
			Chapter: 0,
		})
	}
	return out
}
