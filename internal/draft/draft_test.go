// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package draft

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/novelist/internal/assemble"
	"github.com/pdiddy/novelist/internal/errs"
	"github.com/pdiddy/novelist/internal/llmtest"
	"github.com/pdiddy/novelist/internal/prompts"
	"github.com/pdiddy/novelist/pkg/types"
)

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("sand ", n))
}

func input() Input {
	return Input{
		Project:   types.Project{ID: "p1", Genre: "fantasy", WordsPerChapter: 100},
		Blueprint: types.ChapterBlueprint{Chapter: 2, Title: "Flats", Goal: "cross", KeyEvents: []string{"storm"}},
	}
}

func engine(gen *llmtest.Generator) *Engine {
	return New(gen, prompts.Default(), types.DefaultConfig().Policy, nil)
}

func TestBand(t *testing.T) {
	lo, hi := Band(3000, 0.2)
	assert.Equal(t, 2400, lo)
	assert.Equal(t, 3600, hi)
}

func TestDraftWithinTolerance(t *testing.T) {
	gen := llmtest.NewGenerator().On(types.TaskDraft, llmtest.Text("Here is the chapter:\n\n"+words(95)))
	d, err := engine(gen).Draft(context.Background(), input())
	require.NoError(t, err)
	assert.Equal(t, types.StatusDrafted, d.Status)
	assert.Equal(t, 95, d.WordCount)
	assert.Equal(t, types.LengthOK, d.LengthFlag)
	assert.Empty(t, d.Issues)
	assert.Equal(t, 1, gen.Count(types.TaskDraft))
	assert.Equal(t, 2*100+512, gen.Calls(types.TaskDraft)[0].MaxOutputTokens)
}

func TestDraftExpandsShortOutput(t *testing.T) {
	gen := llmtest.NewGenerator().On(types.TaskDraft, llmtest.Text(words(40)), llmtest.Text(words(110)))
	d, err := engine(gen).Draft(context.Background(), input())
	require.NoError(t, err)
	assert.Equal(t, 110, d.WordCount)
	assert.Equal(t, types.LengthOK, d.LengthFlag)

	calls := gen.Calls(types.TaskDraft)
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].Prompt, "too short. Expand it")
	assert.Contains(t, calls[1].Prompt, "Previous draft to revise")
}

func TestDraftAcceptsOutOfToleranceAndFlags(t *testing.T) {
	gen := llmtest.NewGenerator().On(types.TaskDraft,
		llmtest.Text(words(300)), llmtest.Text(words(200)), llmtest.Text(words(250)))
	d, err := engine(gen).Draft(context.Background(), input())
	require.NoError(t, err)

	assert.Equal(t, 3, gen.Count(types.TaskDraft), "one draft plus two length retries")
	assert.Equal(t, 200, d.WordCount, "closest draft wins")
	assert.Equal(t, types.LengthLong, d.LengthFlag)
	require.Len(t, d.Issues, 1)
	assert.Equal(t, types.SeverityAdvisory, d.Issues[0].Severity)
	assert.Equal(t, types.IssueLength, d.Issues[0].Kind)
	assert.Contains(t, gen.Calls(types.TaskDraft)[1].Prompt, "too long. Contract it")
}

func TestDraftEmptyOutput(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		gen := llmtest.NewGenerator().On(types.TaskDraft, llmtest.Text("   "), llmtest.Text(words(100)))
		d, err := engine(gen).Draft(context.Background(), input())
		require.NoError(t, err)
		assert.Equal(t, 100, d.WordCount)
		assert.Contains(t, gen.Calls(types.TaskDraft)[1].Prompt, "previous answer was empty")
	})

	t.Run("exhausted", func(t *testing.T) {
		gen := llmtest.NewGenerator().On(types.TaskDraft, llmtest.Text("```\n```"))
		_, err := engine(gen).Draft(context.Background(), input())
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.ContentShape))
		assert.Equal(t, 3, gen.Count(types.TaskDraft))
	})
}

func TestDraftPassesTransportErrors(t *testing.T) {
	boom := errs.New(errs.Transport, "generate", errors.New("after 5 attempts"))
	gen := llmtest.NewGenerator().On(types.TaskDraft, llmtest.Fail(boom))
	_, err := engine(gen).Draft(context.Background(), input())
	assert.ErrorIs(t, err, boom)
}

func TestDraftPromptCarriesContext(t *testing.T) {
	in := input()
	in.Bundle = assemble.Bundle{
		Recent: []assemble.Recent{
			{Chapter: 1, Text: "NEWEST"},
			{Chapter: 0, Text: "OLDEST"},
		},
		Summary: "So far, the caravan set out.",
		Retrieved: []types.ScoredChunk{
			{KnowledgeChunk: types.KnowledgeChunk{Text: "Wells are a day apart."}},
		},
		Degraded: true,
	}
	in.Characters = []types.CharacterState{{ID: "mira", Name: "Mira", Status: []string{"alive"}, Chapter: 1}}
	in.Corrections = []types.Issue{{Severity: types.SeverityBlocking, Description: "Mira is dead", Suggestion: "remove Mira"}}
	in.Previous = "rejected text"

	gen := llmtest.NewGenerator().On(types.TaskDraft, llmtest.Text(words(100)))
	d, err := engine(gen).Draft(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, d.Degraded)

	prompt := gen.Calls(types.TaskDraft)[0].Prompt
	assert.Less(t, strings.Index(prompt, "OLDEST"), strings.Index(prompt, "NEWEST"), "recent chapters in reading order")
	assert.Contains(t, prompt, "So far, the caravan set out.")
	assert.Contains(t, prompt, "Wells are a day apart.")
	assert.Contains(t, prompt, "Mira is dead (fix: remove Mira)")
	assert.Contains(t, prompt, "rejected text")
	assert.Contains(t, prompt, "id: mira; name: Mira")
}

func TestDraftCountsCJK(t *testing.T) {
	in := input()
	in.Project.WordsPerChapter = 10
	gen := llmtest.NewGenerator().On(types.TaskDraft, llmtest.Text("沙海之上，信使启程。"))
	d, err := engine(gen).Draft(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 8, d.WordCount)
	assert.Equal(t, types.LengthOK, d.LengthFlag)
}
