// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package draft writes chapter prose from a blueprint and an assembled
// context bundle.
//
// Length is a soft constraint. A draft outside the tolerance band is
// retried with an expand or contract instruction; once the length retries
// are spent, the draft closest to the target is accepted and flagged. An
// empty draft is a content-shape failure with its own retry budget.
package draft

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/pdiddy/novelist/internal/assemble"
	"github.com/pdiddy/novelist/internal/errs"
	"github.com/pdiddy/novelist/internal/llm"
	"github.com/pdiddy/novelist/internal/prompts"
	"github.com/pdiddy/novelist/internal/textutil"
	"github.com/pdiddy/novelist/pkg/types"
)

// Input is everything one drafting call needs.
type Input struct {
	Project   types.Project
	Blueprint types.ChapterBlueprint
	Bundle    assemble.Bundle

	// Characters is the character state as of the previous chapter.
	Characters []types.CharacterState

	// Corrections are blocking issues from a consistency check that the
	// re-draft must fix. Previous is the rejected text.
	Corrections []types.Issue
	Previous    string
}

// Engine drafts chapters.
type Engine struct {
	gen     llm.Generator
	prompts *prompts.Set
	policy  types.PolicyConfig
	logger  *zap.Logger
}

// New returns an Engine.
func New(gen llm.Generator, set *prompts.Set, policy types.PolicyConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{gen: gen, prompts: set, policy: policy, logger: logger}
}

// Band returns the accepted word-count range for target.
func Band(target int, tolerance float64) (lo, hi int) {
	return int(math.Round(float64(target) * (1 - tolerance))), int(math.Round(float64(target) * (1 + tolerance)))
}

// Draft writes the chapter. The returned draft has status drafted; it is
// not persisted.
func (e *Engine) Draft(ctx context.Context, in Input) (types.ChapterDraft, error) {
	const op = "draft chapter"
	chapter := in.Blueprint.Chapter
	target := in.Project.WordsPerChapter
	lo, hi := Band(target, e.policy.LengthTolerance)
	log := e.logger.With(zap.String("project", in.Project.ID), zap.Int("chapter", chapter))

	data := prompts.DraftData{
		Project:     in.Project,
		Blueprint:   in.Blueprint,
		Summary:     in.Bundle.Summary,
		Recent:      chronological(in.Bundle.Recent),
		Retrieved:   in.Bundle.RetrievedText(),
		Characters:  in.Characters,
		Corrections: in.Corrections,
		Previous:    in.Previous,
	}

	var (
		best       string
		bestWords  int
		emptyTries int
		lenTries   int
	)
	for {
		prompt, err := e.prompts.Render(types.TaskDraft, data)
		if err != nil {
			return types.ChapterDraft{}, errs.New(errs.Configuration, "render draft prompt", err)
		}
		out, err := e.gen.Generate(ctx, llm.Request{
			Task:            types.TaskDraft,
			Prompt:          prompt,
			MaxOutputTokens: maxOutputTokens(target),
			Temperature:     e.policy.CreativeTemperature,
		})
		if err != nil {
			return types.ChapterDraft{}, err
		}

		text := textutil.StripMetaCommentary(out)
		if text == "" {
			emptyTries++
			if emptyTries > e.policy.ContentRetries {
				if best != "" {
					break
				}
				return types.ChapterDraft{}, errs.Errorf(errs.ContentShape, op,
					"chapter %d: empty output after %d attempts", chapter, emptyTries)
			}
			log.Warn("empty draft, retrying", zap.Int("attempt", emptyTries))
			data.LengthInstruction = "Your previous answer was empty. Write the complete chapter now."
			continue
		}

		words := textutil.CountWords(text)
		if best == "" || distance(words, target) < distance(bestWords, target) {
			best, bestWords = text, words
		}
		if words >= lo && words <= hi {
			break
		}
		if lenTries >= e.policy.LengthRetries {
			break
		}
		lenTries++
		log.Info("draft outside length band, retrying",
			zap.Int("words", words), zap.Int("min", lo), zap.Int("max", hi), zap.Int("attempt", lenTries))
		data.LengthInstruction = lengthInstruction(words, target)
		data.Previous = text
	}

	d := types.ChapterDraft{
		Chapter:   chapter,
		Text:      best,
		WordCount: bestWords,
		Status:    types.StatusDrafted,
		Degraded:  in.Bundle.Degraded,
	}
	switch {
	case bestWords < lo:
		d.LengthFlag = types.LengthShort
	case bestWords > hi:
		d.LengthFlag = types.LengthLong
	}
	if d.LengthFlag != types.LengthOK {
		d.Issues = append(d.Issues, types.Issue{
			Severity:    types.SeverityAdvisory,
			Kind:        types.IssueLength,
			Description: fmt.Sprintf("chapter is %d words, target %d (accepted range %d-%d)", bestWords, target, lo, hi),
		})
		log.Warn("accepted draft outside length band",
			zap.Int("words", bestWords), zap.String("flag", string(d.LengthFlag)))
	}
	return d, nil
}

func lengthInstruction(words, target int) string {
	if words < target {
		return fmt.Sprintf("The previous draft was %d words, too short. Expand it to about %d words by deepening scenes, not by adding events outside the outline.", words, target)
	}
	return fmt.Sprintf("The previous draft was %d words, too long. Contract it to about %d words, keeping every key event.", words, target)
}

// maxOutputTokens leaves room for a draft well above target in any script.
func maxOutputTokens(target int) int {
	return 2*target + 512
}

func distance(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}

// chronological converts the newest-first recency window into prompt
// order, oldest first.
func chronological(recent []assemble.Recent) []prompts.RecentChapter {
	out := make([]prompts.RecentChapter, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		out = append(out, prompts.RecentChapter{Chapter: recent[i].Chapter, Text: recent[i].Text})
	}
	return out
}
