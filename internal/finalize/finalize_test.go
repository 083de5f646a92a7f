// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package finalize

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/novelist/internal/errs"
	"github.com/pdiddy/novelist/internal/knowledge"
	"github.com/pdiddy/novelist/internal/llmtest"
	"github.com/pdiddy/novelist/internal/prompts"
	"github.com/pdiddy/novelist/internal/state"
	"github.com/pdiddy/novelist/internal/textutil"
	"github.com/pdiddy/novelist/pkg/types"
)

var (
	mira = types.CharacterState{ID: "mira-vale", Name: "Mira Vale", Status: []string{types.FlagAlive}, Location: "port", Chapter: 1}
	oren = types.CharacterState{ID: "oren-vale", Name: "Oren Vale", Status: []string{types.FlagAlive}, Location: "port", Chapter: 0,
		Relationships: map[string]string{"mira-vale": "brother"}}
)

const delta = `{"characters": [{"id": "mira-vale", "location": "the salt flats", "status": ["alive", "Injured"]}]}`

func input() Input {
	return Input{
		Project:    types.Project{ID: "p1", ChapterCount: 3, WordsPerChapter: 100},
		Blueprint:  types.ChapterBlueprint{Chapter: 2, Goal: "cross the flats", KeyEvents: []string{"storm"}, Characters: []string{"mira-vale", "oren-vale"}},
		Draft:      types.ChapterDraft{Chapter: 2, Text: "Mira crossed the flats while the storm rose. Oren kept the map.", Status: types.StatusChecked, WordCount: 12},
		Characters: []types.CharacterState{mira, oren},
		Summary:    types.GlobalSummary{Chapter: 1, Text: "Mira left port.", Tokens: 4},
	}
}

func finalizer(gen *llmtest.Generator, emb *llmtest.Embedder) *Finalizer {
	cfg := types.DefaultConfig()
	return New(gen, emb, prompts.Default(), cfg.Policy, cfg.Budget, nil)
}

func TestMerge(t *testing.T) {
	prev := []types.CharacterState{mira, oren}
	deltas := []Delta{
		{ID: "mira-vale", Location: "dunes", Relationships: map[string]string{"Captain Reyes": "rival"}},
		{Name: "Captain Reyes", Traits: []string{"scarred"}},
		{Name: "Oren Vale", Status: []string{" Missing "}},
		{},
	}
	got := Merge(prev, deltas, []string{"mira-vale"}, 2)

	require.Len(t, got, 3)
	assert.Equal(t, "captain-reyes", got[0].ID)
	assert.Equal(t, "Captain Reyes", got[0].Name)
	assert.Equal(t, []string{types.FlagAlive}, got[0].Status, "new characters start alive")
	assert.Equal(t, []string{"scarred"}, got[0].Traits)

	assert.Equal(t, "dunes", got[1].Location)
	assert.Equal(t, "rival", got[1].Relationships["captain-reyes"])
	assert.Equal(t, []string{types.FlagMissing}, got[2].Status, "matched by name")
	assert.Equal(t, "brother", got[2].Relationships["mira-vale"])
	for _, c := range got {
		assert.Equal(t, 2, c.Chapter)
	}

	assert.Equal(t, "port", mira.Location, "previous versions are not mutated")
	assert.Nil(t, mira.Relationships)
}

func TestMergeWritesReferencedCharacters(t *testing.T) {
	got := Merge([]types.CharacterState{mira, oren}, nil, []string{"oren-vale", "stranger"}, 3)
	require.Len(t, got, 1)
	assert.Equal(t, "oren-vale", got[0].ID)
	assert.Equal(t, 3, got[0].Chapter)
}

func TestParseDelta(t *testing.T) {
	got, err := ParseDelta("```json\n" + delta + "\n```")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "the salt flats", got[0].Location)

	got, err = ParseDelta(`[{"name": "Ana"}]`)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = ParseDelta("nobody changed")
	assert.Error(t, err)
}

func TestPrepare(t *testing.T) {
	gen := llmtest.NewGenerator().
		On(types.TaskStateDelta, llmtest.Text(delta)).
		On(types.TaskSummary, llmtest.Text("Mira left port and crossed the flats in a storm."))
	emb := llmtest.NewEmbedder()

	c, err := finalizer(gen, emb).Prepare(context.Background(), input())
	require.NoError(t, err)

	assert.Equal(t, "p1", c.ProjectID)
	assert.Equal(t, types.StatusFinalized, c.Draft.Status)
	require.Len(t, c.Characters, 2)
	assert.Equal(t, "the salt flats", c.Characters[0].Location)
	assert.Equal(t, []string{"alive", "injured"}, c.Characters[0].Status)
	assert.Equal(t, 2, c.Characters[1].Chapter)

	assert.Equal(t, 2, c.Summary.Chapter)
	assert.Equal(t, textutil.EstimateTokens(c.Summary.Text), c.Summary.Tokens)

	require.NotEmpty(t, c.Chunks)
	assert.Equal(t, len(c.Chunks), emb.Calls())
	for i, ch := range c.Chunks {
		assert.Equal(t, types.SourceChapter, ch.Source)
		assert.Equal(t, 2, ch.Chapter)
		assert.Equal(t, i, ch.Seq)
	}

	sum := gen.Calls(types.TaskSummary)[0]
	assert.Contains(t, sum.Prompt, "Mira left port.")
	assert.Contains(t, sum.Prompt, "Mira crossed the flats")
}

func TestPrepareBoundsSummary(t *testing.T) {
	long := strings.Repeat("The caravan argued about water at every well. ", 40)

	t.Run("compression", func(t *testing.T) {
		gen := llmtest.NewGenerator().
			On(types.TaskStateDelta, llmtest.Text(delta)).
			On(types.TaskSummary, llmtest.Text(long), llmtest.Text("The caravan crossed."))
		f := finalizer(gen, llmtest.NewEmbedder())
		f.budget.GlobalSummaryTokens = 50

		c, err := f.Prepare(context.Background(), input())
		require.NoError(t, err)
		assert.Equal(t, "The caravan crossed.", c.Summary.Text)
		calls := gen.Calls(types.TaskSummary)
		require.Len(t, calls, 2)
		assert.Contains(t, calls[1].Prompt, "Shorten the plot summary")
	})

	t.Run("truncation", func(t *testing.T) {
		gen := llmtest.NewGenerator().
			On(types.TaskStateDelta, llmtest.Text(delta)).
			On(types.TaskSummary, llmtest.Text(long))
		f := finalizer(gen, llmtest.NewEmbedder())
		f.budget.GlobalSummaryTokens = 50

		c, err := f.Prepare(context.Background(), input())
		require.NoError(t, err)
		assert.LessOrEqual(t, c.Summary.Tokens, 50)
		assert.Equal(t, 1+f.policy.SummaryCompressions, gen.Count(types.TaskSummary))
	})
}

func TestPrepareEmptySummaryFallsBack(t *testing.T) {
	gen := llmtest.NewGenerator().
		On(types.TaskStateDelta, llmtest.Text(delta)).
		On(types.TaskSummary, llmtest.Text("  "))
	c, err := finalizer(gen, llmtest.NewEmbedder()).Prepare(context.Background(), input())
	require.NoError(t, err)
	assert.Equal(t, "Mira left port.\nChapter 2: cross the flats", c.Summary.Text)
	assert.Equal(t, 3, gen.Count(types.TaskSummary))
}

func TestPrepareCarriesStateForward(t *testing.T) {
	gen := llmtest.NewGenerator().
		On(types.TaskStateDelta, llmtest.Text("everyone is fine")).
		On(types.TaskSummary, llmtest.Text("summary"))
	c, err := finalizer(gen, llmtest.NewEmbedder()).Prepare(context.Background(), input())
	require.NoError(t, err)

	assert.Equal(t, 3, gen.Count(types.TaskStateDelta))
	require.Len(t, c.Characters, 2)
	assert.Equal(t, "port", c.Characters[0].Location)
	require.Len(t, c.Draft.Issues, 1)
	assert.Equal(t, types.SeverityAdvisory, c.Draft.Issues[0].Severity)
	assert.Contains(t, c.Draft.Issues[0].Description, "carried forward")
}

func TestPrepareFailures(t *testing.T) {
	boom := errs.New(errs.Transport, "generate", errors.New("after 5 attempts"))

	t.Run("transport", func(t *testing.T) {
		gen := llmtest.NewGenerator().On(types.TaskStateDelta, llmtest.Fail(boom))
		_, err := finalizer(gen, llmtest.NewEmbedder()).Prepare(context.Background(), input())
		assert.ErrorIs(t, err, boom)
	})

	t.Run("embedding", func(t *testing.T) {
		gen := llmtest.NewGenerator().
			On(types.TaskStateDelta, llmtest.Text(delta)).
			On(types.TaskSummary, llmtest.Text("summary"))
		emb := llmtest.NewEmbedder()
		emb.FailWith(boom)
		_, err := finalizer(gen, emb).Prepare(context.Background(), input())
		assert.ErrorIs(t, err, boom)
	})
}

func stores(t *testing.T) (*state.Store, *knowledge.Namespace) {
	t.Helper()
	dir := t.TempDir()
	st, err := state.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ks, err := knowledge.NewStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { ks.Close() })

	in := input()
	err = st.Update(context.Background(), "p1", func(tx *state.Tx) error {
		if err := tx.CreateProject(in.Project); err != nil {
			return err
		}
		for _, c := range in.Characters {
			if err := tx.PutCharacter(c); err != nil {
				return err
			}
		}
		if err := tx.PutSummary(in.Summary); err != nil {
			return err
		}
		return tx.PutChapter(in.Draft)
	})
	require.NoError(t, err)
	return st, ks.Namespace("p1")
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	st, ns := stores(t)
	gen := llmtest.NewGenerator().
		On(types.TaskStateDelta, llmtest.Text(delta)).
		On(types.TaskSummary, llmtest.Text("Mira crossed the flats."))
	f := finalizer(gen, llmtest.NewEmbedder())

	c, err := f.Prepare(ctx, input())
	require.NoError(t, err)
	ev := types.ProgressEvent{ProjectID: "p1", Chapter: 2, From: types.StatusChecked, To: types.StatusFinalized}
	record := func(tx *state.Tx) error { return tx.RecordTransition(ev) }
	require.NoError(t, f.Apply(ctx, st, ns, c, record))

	d, err := st.Chapter(ctx, "p1", 2)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFinalized, d.Status)

	now, err := st.CharactersAsOf(ctx, "p1", 2)
	require.NoError(t, err)
	assert.Equal(t, "the salt flats", now[0].Location)
	before, err := st.CharactersAsOf(ctx, "p1", 1)
	require.NoError(t, err)
	assert.Equal(t, "port", before[0].Location, "earlier versions stay readable")

	sum, err := st.SummaryAsOf(ctx, "p1", 2)
	require.NoError(t, err)
	assert.Equal(t, "Mira crossed the flats.", sum.Text)

	n, err := ns.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(c.Chunks), n)

	require.NoError(t, f.Apply(ctx, st, ns, c, nil), "repeating a commit is idempotent")
	n, err = ns.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(c.Chunks), n)

	trs, err := st.Transitions(ctx, "p1", 2)
	require.NoError(t, err)
	assert.Len(t, trs, 1)
}

func TestApplyDropsChunksOfLongerDraft(t *testing.T) {
	ctx := context.Background()
	st, ns := stores(t)
	gen := llmtest.NewGenerator().
		On(types.TaskStateDelta, llmtest.Text(delta)).
		On(types.TaskSummary, llmtest.Text("Mira crossed the flats."))
	f := finalizer(gen, llmtest.NewEmbedder())

	c, err := f.Prepare(ctx, input())
	require.NoError(t, err)
	stale := types.KnowledgeChunk{Source: types.SourceChapter, Chapter: 2, Seq: len(c.Chunks) + 3,
		Text: "Mira drowned in the first draft.", Vector: []float32{1, 0}}
	other := types.KnowledgeChunk{Source: types.SourceChapter, Chapter: 1, Seq: 40,
		Text: "Chapter one stays.", Vector: []float32{1, 0}}
	require.NoError(t, ns.Upsert(ctx, stale, other))

	require.NoError(t, f.Apply(ctx, st, ns, c, nil))

	all, err := ns.Chunks(ctx)
	require.NoError(t, err)
	assert.Len(t, all, len(c.Chunks)+1)
	for _, ch := range all {
		assert.NotEqual(t, stale.Text, ch.Text)
	}
}

func TestApplyIsAtomic(t *testing.T) {
	ctx := context.Background()
	st, ns := stores(t)
	gen := llmtest.NewGenerator().
		On(types.TaskStateDelta, llmtest.Text(delta)).
		On(types.TaskSummary, llmtest.Text("Mira crossed the flats."))
	f := finalizer(gen, llmtest.NewEmbedder())

	c, err := f.Prepare(ctx, input())
	require.NoError(t, err)
	err = f.Apply(ctx, st, ns, c, func(*state.Tx) error { return errors.New("disk full") })
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Storage))

	d, err := st.Chapter(ctx, "p1", 2)
	require.NoError(t, err)
	assert.Equal(t, types.StatusChecked, d.Status)
	now, err := st.CharactersAsOf(ctx, "p1", 2)
	require.NoError(t, err)
	assert.Equal(t, "port", now[0].Location)
	sum, err := st.SummaryAsOf(ctx, "p1", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Chapter)
}
