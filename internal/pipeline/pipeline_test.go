// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pdiddy/novelist/internal/errs"
	"github.com/pdiddy/novelist/internal/knowledge"
	"github.com/pdiddy/novelist/internal/llm"
	"github.com/pdiddy/novelist/internal/llmtest"
	"github.com/pdiddy/novelist/internal/state"
	"github.com/pdiddy/novelist/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const architecture = `## Premise
A courier must carry a sealed letter across a dried-up sea before the salt storms return.

## World
The Salt Flats were an ocean two centuries ago. Caravans travel by night between wells.

## Characters
- Mira Vale: courier, stubborn, starts in Port Hollow
- Oren Vale: Mira's brother, a scholar who reads old maps

## Opening
Mira is handed the letter at dawn as the harbor bells ring.`

// harness is a project with scripted model answers. Every task answers
// sensibly by default; tests replace single tasks with OnFunc.
type harness struct {
	t       *testing.T
	store   *state.Store
	index   *knowledge.Namespace
	gen     *llmtest.Generator
	emb     *llmtest.Embedder
	cfg     types.Config
	sink    *ChannelSink
	project types.Project

	blueprints, drafts, deltas, summaries int
}

func newHarness(t *testing.T, chapters int) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := state.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ks, err := knowledge.NewStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { ks.Close() })

	cfg := types.DefaultConfig()
	cfg.Policy.MinArchitectureChars = 100
	cfg.Budget.GlobalSummaryTokens = 60

	h := &harness{
		t:     t,
		store: st,
		index: ks.Namespace("salt"),
		emb:   llmtest.NewEmbedder(),
		cfg:   cfg,
		sink:  NewChannelSink(256),
		project: types.Project{
			ID: "salt", Title: "The Salt Road", Topic: "a courier crosses a dead sea",
			Genre: "fantasy", ChapterCount: chapters, WordsPerChapter: 20,
		},
	}
	require.NoError(t, st.Update(context.Background(), "salt", func(tx *state.Tx) error {
		return tx.CreateProject(h.project)
	}))

	h.gen = llmtest.NewGenerator().
		On(types.TaskArchitecture, llmtest.Text(architecture)).
		On(types.TaskConsistency, llmtest.Text(`{"issues": []}`)).
		OnFunc(types.TaskBlueprint, func(llm.Request) (string, error) {
			h.blueprints++
			n := h.blueprints
			return fmt.Sprintf(`{"title": "Part %d", "goal": "Mira travels onward %d", "key_events": ["Mira reaches waypoint %d"], "characters": ["Mira Vale"]}`, n, n, n), nil
		}).
		OnFunc(types.TaskDraft, func(llm.Request) (string, error) {
			h.drafts++
			return chapterText(h.drafts), nil
		}).
		OnFunc(types.TaskStateDelta, func(llm.Request) (string, error) {
			h.deltas++
			return fmt.Sprintf(`{"characters": [{"id": "mira-vale", "location": "LOCATION-%d"}]}`, h.deltas), nil
		}).
		OnFunc(types.TaskSummary, func(llm.Request) (string, error) {
			h.summaries++
			return fmt.Sprintf("SUMMARY-AFTER-%d: Mira keeps travelling.", h.summaries), nil
		})
	return h
}

// chapterText is a 21-word chapter.
func chapterText(n int) string {
	return fmt.Sprintf("Mira walked toward waypoint %d under a pale sky while Oren studied the old maps and counted wells along the route.", n)
}

func (h *harness) controller(mod ...func(*Deps)) *Controller {
	d := Deps{
		Store:     h.store,
		Knowledge: h.index,
		Generator: h.gen,
		Embedder:  h.emb,
		Config:    h.cfg,
		Sink:      h.sink,
		RunID:     "run-1",
	}
	for _, m := range mod {
		m(&d)
	}
	return New(d)
}

func (h *harness) chapter(i int) types.ChapterDraft {
	h.t.Helper()
	d, err := h.store.Chapter(context.Background(), "salt", i)
	require.NoError(h.t, err)
	return d
}

func drain(s *ChannelSink) []types.ProgressEvent {
	var out []types.ProgressEvent
	for {
		select {
		case ev := <-s.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestRunFinalizesEveryChapter(t *testing.T) {
	h := newHarness(t, 3)
	require.NoError(t, h.controller().Run(context.Background(), h.project))

	for i := 1; i <= 3; i++ {
		d := h.chapter(i)
		assert.Equal(t, types.StatusFinalized, d.Status, "chapter %d", i)
		assert.Equal(t, chapterText(i), d.Text)
	}

	events := drain(h.sink)
	require.Len(t, events, 12)
	want := []types.ChapterStatus{types.StatusBlueprinted, types.StatusDrafted, types.StatusChecked, types.StatusFinalized}
	for i, ev := range events[:4] {
		assert.Equal(t, 1, ev.Chapter)
		assert.Equal(t, want[i], ev.To)
		assert.Equal(t, "run-1", ev.RunID)
	}

	trs, err := h.store.Transitions(context.Background(), "salt", 0)
	require.NoError(t, err)
	assert.Len(t, trs, 12)

	n, err := h.index.Count(context.Background())
	require.NoError(t, err)
	assert.Greater(t, n, 4, "architecture sections plus chapter chunks")
}

func TestCheckSeesArchitectureAndPriorSummary(t *testing.T) {
	h := newHarness(t, 2)
	require.NoError(t, h.controller().Run(context.Background(), h.project))

	calls := h.gen.Calls(types.TaskConsistency)
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0].Prompt, "Salt Flats")
	assert.NotContains(t, calls[0].Prompt, "SUMMARY-AFTER")

	second := calls[1].Prompt
	assert.Contains(t, second, "Salt Flats")
	assert.Contains(t, second, "SUMMARY-AFTER-1")
	assert.NotContains(t, second, "SUMMARY-AFTER-2")
	assert.Contains(t, second, "Oren Vale")
}

func TestRunSkipsFinishedWork(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	require.NoError(t, h.controller().Run(ctx, h.project))
	calls := len(h.gen.Calls(""))

	require.NoError(t, h.controller().Run(ctx, h.project))
	assert.Len(t, h.gen.Calls(""), calls, "a finished project makes no model calls")
}

func TestNoForwardLeakage(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	require.NoError(t, h.controller().Run(ctx, h.project))

	bps := h.gen.Calls(types.TaskBlueprint)
	drafts := h.gen.Calls(types.TaskDraft)
	require.Len(t, bps, 3)
	require.Len(t, drafts, 3)

	for i := 1; i <= 3; i++ {
		for _, prompt := range []string{bps[i-1].Prompt, drafts[i-1].Prompt} {
			if i > 1 {
				assert.Contains(t, prompt, fmt.Sprintf("LOCATION-%d", i-1))
				assert.Contains(t, prompt, fmt.Sprintf("SUMMARY-AFTER-%d", i-1))
			}
			for j := i; j <= 3; j++ {
				assert.NotContains(t, prompt, fmt.Sprintf("LOCATION-%d", j), "chapter %d sees chapter %d state", i, j)
				assert.NotContains(t, prompt, fmt.Sprintf("SUMMARY-AFTER-%d", j), "chapter %d sees chapter %d summary", i, j)
			}
		}
	}

	for i := 1; i <= 3; i++ {
		sum, err := h.store.SummaryAsOf(ctx, "salt", i)
		require.NoError(t, err)
		assert.LessOrEqual(t, sum.Tokens, h.cfg.Budget.GlobalSummaryTokens)
	}
}

func TestRegenerateBlueprint(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	c := h.controller()
	require.NoError(t, c.EnsureArchitecture(ctx, h.project))

	st, err := c.Step(ctx, h.project, 1)
	require.NoError(t, err)
	require.Equal(t, types.StatusBlueprinted, st)

	bp, err := c.RegenerateBlueprint(ctx, h.project, 1)
	require.NoError(t, err)
	assert.Equal(t, "Part 2", bp.Title)

	st, err = c.Step(ctx, h.project, 1)
	require.NoError(t, err)
	require.Equal(t, types.StatusDrafted, st)

	_, err = c.RegenerateBlueprint(ctx, h.project, 1)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Configuration))
	assert.Equal(t, 2, h.gen.Count(types.TaskBlueprint), "rejected before any model call")
	stored, ok, err := h.store.Blueprint(ctx, "salt", 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Part 2", stored.Title)
	assert.Equal(t, types.StatusDrafted, h.chapter(1).Status)

	require.NoError(t, c.Invalidate(ctx, h.project, 1))
	assert.Equal(t, types.StatusPending, h.chapter(1).Status)
	bp, err = c.RegenerateBlueprint(ctx, h.project, 1)
	require.NoError(t, err)
	assert.Equal(t, "Part 3", bp.Title)
}

func TestStepRequiresFinalizedPredecessor(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	c := h.controller()
	require.NoError(t, c.EnsureArchitecture(ctx, h.project))

	_, err := c.Step(ctx, h.project, 2)
	var ce *ChapterError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 2, ce.Chapter)
	assert.True(t, ce.Resumable)
	assert.True(t, errs.Is(err, errs.Configuration))
	assert.Zero(t, h.gen.Count(types.TaskBlueprint))
}

const mourning = "Oren mourned Mira at the harbor while the gulls circled above the old salt flats near waypoint two."

func TestConsistencyViolationTriggersRedraft(t *testing.T) {
	h := newHarness(t, 3)
	h.gen.OnFunc(types.TaskDraft, func(llm.Request) (string, error) {
		h.drafts++
		if h.drafts == 2 {
			return mourning, nil
		}
		return chapterText(h.drafts), nil
	})
	ctx := context.Background()
	require.NoError(t, h.controller().Run(ctx, h.project))

	drafts := h.gen.Calls(types.TaskDraft)
	require.Len(t, drafts, 4, "one re-draft for chapter 2")
	assert.Equal(t, 4, h.gen.Count(types.TaskConsistency))
	assert.Contains(t, drafts[2].Prompt, "treats them as dead")
	assert.Contains(t, drafts[2].Prompt, mourning)

	d := h.chapter(2)
	assert.Equal(t, types.StatusFinalized, d.Status)
	assert.Equal(t, 1, d.Redrafts)
	assert.NotContains(t, d.Text, "mourned")
	assert.False(t, types.Blocking(d.Issues))

	trs, err := h.store.Transitions(ctx, "salt", 2)
	require.NoError(t, err)
	var redraft *types.ProgressEvent
	for i := range trs {
		if trs[i].From == types.StatusDrafted && trs[i].To == types.StatusDrafted {
			redraft = &trs[i]
		}
	}
	require.NotNil(t, redraft)
	require.NotEmpty(t, redraft.Issues)
	assert.Equal(t, types.SeverityBlocking, redraft.Issues[0].Severity)
	assert.Equal(t, "mira-vale", redraft.Issues[0].Character)
}

func TestExhaustedRedraftsAcceptWithAnnotation(t *testing.T) {
	h := newHarness(t, 2)
	h.cfg.Policy.ConsistencyRedrafts = 0
	h.gen.OnFunc(types.TaskDraft, func(llm.Request) (string, error) {
		h.drafts++
		if h.drafts == 2 {
			return mourning, nil
		}
		return chapterText(h.drafts), nil
	})
	require.NoError(t, h.controller().Run(context.Background(), h.project))

	assert.Equal(t, 2, h.gen.Count(types.TaskDraft))
	d := h.chapter(2)
	assert.Equal(t, types.StatusFinalized, d.Status)
	assert.Equal(t, mourning, d.Text)
	require.NotEmpty(t, d.Issues)
	assert.False(t, types.Blocking(d.Issues))
	assert.Equal(t, types.IssueStatus, d.Issues[0].Kind)
}

// flakyRetriever fails the query numbered failOn (1-based).
type flakyRetriever struct {
	next   *knowledge.Namespace
	calls  int
	failOn int
}

func (r *flakyRetriever) Query(ctx context.Context, vec []float32, topK int) ([]types.ScoredChunk, error) {
	r.calls++
	if r.calls == r.failOn {
		return nil, errors.New("knowledge store unreachable")
	}
	return r.next.Query(ctx, vec, topK)
}

func TestKnowledgeOutageDegrades(t *testing.T) {
	h := newHarness(t, 3)
	core, logs := observer.New(zapcore.WarnLevel)
	retriever := &flakyRetriever{next: h.index, failOn: 2}
	c := h.controller(func(d *Deps) {
		d.Retriever = retriever
		d.Logger = zap.New(core)
	})

	require.NoError(t, c.Run(context.Background(), h.project))
	for i := 1; i <= 3; i++ {
		assert.Equal(t, types.StatusFinalized, h.chapter(i).Status)
	}
	assert.False(t, h.chapter(1).Degraded)
	assert.True(t, h.chapter(2).Degraded)
	assert.False(t, h.chapter(3).Degraded)

	degraded := logs.FilterField(zap.Bool("degraded", true)).All()
	require.Len(t, degraded, 1)
	assert.Equal(t, int64(2), degraded[0].ContextMap()["chapter"])
}

func fastRetry() types.RetryConfig {
	return types.RetryConfig{MaxAttempts: 5, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2, Jitter: 0.1}
}

var unavailable = &llm.ProviderError{Provider: "test", StatusCode: 503, Transient: true, Err: errors.New("service unavailable")}

func TestTransportErrorsRetriedWithinBudget(t *testing.T) {
	h := newHarness(t, 5)
	failures := 0
	h.gen.OnFunc(types.TaskDraft, func(llm.Request) (string, error) {
		if h.drafts == 4 && failures < 3 {
			failures++
			return "", unavailable
		}
		h.drafts++
		return chapterText(h.drafts), nil
	})
	c := h.controller(func(d *Deps) {
		d.Generator = llm.NewRetrying("test", h.gen, fastRetry(), nil)
	})

	require.NoError(t, c.Run(context.Background(), h.project))
	assert.Equal(t, types.StatusFinalized, h.chapter(5).Status)
	assert.Equal(t, 3, failures)
	assert.Equal(t, 8, h.gen.Count(types.TaskDraft), "five drafts plus three failed attempts")
}

func TestExhaustedTransportFailsChapter(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	down := true
	h.gen.OnFunc(types.TaskDraft, func(llm.Request) (string, error) {
		if down {
			return "", unavailable
		}
		h.drafts++
		return chapterText(h.drafts), nil
	})
	c := h.controller(func(d *Deps) {
		d.Generator = llm.NewRetrying("test", h.gen, fastRetry(), nil)
	})

	err := c.Run(ctx, h.project)
	var ce *ChapterError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, ce.Chapter)
	assert.Equal(t, types.StatusBlueprinted, ce.State)
	assert.False(t, ce.Resumable)
	assert.True(t, errs.Is(err, errs.Transport))
	assert.Contains(t, ce.Error(), "chapter 1 failed in state blueprinted (not resumable)")
	assert.Equal(t, 5, h.gen.Count(types.TaskDraft))

	d := h.chapter(1)
	assert.Equal(t, types.StatusFailed, d.Status)
	assert.Equal(t, types.StatusBlueprinted, d.FailedState)
	assert.Contains(t, d.Error, "after 5 attempts")

	down = false
	require.Error(t, c.Run(ctx, h.project), "failed chapters stay failed")
	assert.Equal(t, 5, h.gen.Count(types.TaskDraft))

	require.NoError(t, c.Invalidate(ctx, h.project, 1))
	require.NoError(t, c.Run(ctx, h.project))
	assert.Equal(t, types.StatusFinalized, h.chapter(2).Status)
}

func TestCancelWhileDraftedResumesAtCheck(t *testing.T) {
	h := newHarness(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checks := 0
	h.gen.OnFunc(types.TaskConsistency, func(llm.Request) (string, error) {
		checks++
		if checks == 4 {
			cancel()
			return "", context.Canceled
		}
		return `{"issues": []}`, nil
	})

	err := h.controller().Run(ctx, h.project)
	var ce *ChapterError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 4, ce.Chapter)
	assert.Equal(t, types.StatusDrafted, ce.State)
	assert.True(t, ce.Resumable)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, types.StatusDrafted, h.chapter(4).Status)

	require.NoError(t, h.controller().Run(context.Background(), h.project))
	assert.Equal(t, types.StatusFinalized, h.chapter(4).Status)
	assert.Equal(t, 4, h.gen.Count(types.TaskBlueprint), "blueprinting is not repeated")
	assert.Equal(t, 4, h.gen.Count(types.TaskDraft), "drafting is not repeated")
	assert.Equal(t, 5, h.gen.Count(types.TaskConsistency))
}

func TestChannelSinkDropsWhenFull(t *testing.T) {
	s := NewChannelSink(1)
	for range 3 {
		s.Emit(types.ProgressEvent{Chapter: 1})
	}
	assert.Len(t, drain(s), 1)
	assert.Equal(t, int64(2), s.Dropped())
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	Sinks{LogSink{Logger: zap.New(core)}, nil}.Emit(types.ProgressEvent{
		ProjectID: "salt", Chapter: 2, From: types.StatusDrafted, To: types.StatusFailed, Message: "boom",
	})
	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "boom", entries[0].ContextMap()["message"])
}

func TestChapterErrorMessage(t *testing.T) {
	err := &ChapterError{ProjectID: "salt", Chapter: 4, State: types.StatusDrafted, Resumable: true, Err: errors.New("boom")}
	assert.Equal(t, "project salt: chapter 4 failed in state drafted (resumable): boom", err.Error())
	assert.True(t, strings.HasPrefix((&ChapterError{ProjectID: "salt", Err: errors.New("x")}).Error(), "project salt: architecture"))
}
