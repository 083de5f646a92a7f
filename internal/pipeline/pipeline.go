// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package pipeline drives each chapter of a project through its state
// machine: pending, blueprinted, drafted, checked, finalized. Chapters run
// strictly in order; chapter i+1 starts only after chapter i is finalized.
//
// Every transition is one committed state transaction, so a cancelled or
// interrupted run resumes at the first incomplete step. Transport and
// content-shape failures that survive their retry budgets move the chapter
// to failed. Storage failures and cancellation leave it where it was.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pdiddy/novelist/internal/architect"
	"github.com/pdiddy/novelist/internal/assemble"
	"github.com/pdiddy/novelist/internal/blueprint"
	"github.com/pdiddy/novelist/internal/consistency"
	"github.com/pdiddy/novelist/internal/draft"
	"github.com/pdiddy/novelist/internal/errs"
	"github.com/pdiddy/novelist/internal/finalize"
	"github.com/pdiddy/novelist/internal/knowledge"
	"github.com/pdiddy/novelist/internal/llm"
	"github.com/pdiddy/novelist/internal/prompts"
	"github.com/pdiddy/novelist/internal/state"
	"github.com/pdiddy/novelist/internal/textutil"
	"github.com/pdiddy/novelist/pkg/types"
)

var tracer = otel.Tracer("novelist/pipeline")

// Deps are the collaborators of one project's controller.
type Deps struct {
	Store     *state.Store
	Knowledge *knowledge.Namespace

	// Retriever replaces Knowledge for context retrieval when set.
	Retriever assemble.Retriever

	Generator llm.Generator
	Embedder  llm.Embedder
	Prompts   *prompts.Set
	Config    types.Config
	Logger    *zap.Logger
	Sink      EventSink

	// RunID labels emitted events. A random one is used when empty.
	RunID string
}

// Controller runs the pipeline for one project. All writes to the
// project's state go through it.
type Controller struct {
	store *state.Store
	index *knowledge.Namespace

	architect  *architect.Generator
	blueprints *blueprint.Generator
	assembler  *assemble.Assembler
	drafts     *draft.Engine
	checker    *consistency.Checker
	finalizer  *finalize.Finalizer

	budget assemble.Budget
	policy types.PolicyConfig
	sink   EventSink
	runID  string
	logger *zap.Logger
}

// New wires a controller.
func New(d Deps) *Controller {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	set := d.Prompts
	if set == nil {
		set = prompts.Default()
	}
	sink := d.Sink
	if sink == nil {
		sink = Sinks{}
	}
	runID := d.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	var retriever assemble.Retriever = d.Knowledge
	if d.Retriever != nil {
		retriever = d.Retriever
	}

	cfg := d.Config
	policy := cfg.Policy
	policy.ConsistencyRedrafts = min(max(policy.ConsistencyRedrafts, 0), 2)

	return &Controller{
		store:      d.Store,
		index:      d.Knowledge,
		architect:  architect.New(d.Generator, d.Embedder, set, policy, cfg.Budget.ChunkTokens, logger),
		blueprints: blueprint.New(d.Store, d.Generator, set, policy, logger),
		assembler:  assemble.New(d.Store, retriever, d.Embedder, logger),
		drafts:     draft.New(d.Generator, set, policy, logger),
		checker:    consistency.New(d.Generator, set, policy, logger),
		finalizer:  finalize.New(d.Generator, d.Embedder, set, policy, cfg.Budget, logger),
		budget:     assemble.BudgetFrom(cfg.Budget),
		policy:     policy,
		sink:       sink,
		runID:      runID,
		logger:     logger.With(zap.String("run", runID)),
	}
}

// RunID returns the identifier attached to this controller's events.
func (c *Controller) RunID() string { return c.runID }

// Run makes sure the architecture exists and then advances every chapter
// until all are finalized. It stops at the first chapter that fails or
// cannot continue; the returned error is a *ChapterError.
func (c *Controller) Run(ctx context.Context, p types.Project) error {
	ctx, span := tracer.Start(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(attribute.String("project", p.ID), attribute.Int("chapters", p.ChapterCount))
	start := time.Now()

	if err := c.EnsureArchitecture(ctx, p); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	for i := 1; i <= p.ChapterCount; i++ {
		for {
			st, err := c.Step(ctx, p, i)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return err
			}
			if st == types.StatusFinalized {
				break
			}
		}
	}
	c.logger.Info("project complete",
		zap.String("project", p.ID),
		zap.Int("chapters", p.ChapterCount),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// EnsureArchitecture generates and seeds the project architecture unless
// an earlier run already did.
func (c *Controller) EnsureArchitecture(ctx context.Context, p types.Project) error {
	if _, err := c.architect.Ensure(ctx, c.store, c.index, p); err != nil {
		return &ChapterError{ProjectID: p.ID, State: types.StatusPending, Resumable: true, Err: err}
	}
	return nil
}

// Step performs the next transition of chapter and returns its new state.
// A finalized chapter is left alone.
func (c *Controller) Step(ctx context.Context, p types.Project, chapter int) (types.ChapterStatus, error) {
	d, err := c.ready(ctx, p, chapter)
	if err != nil {
		return d.Status, err
	}
	switch d.Status {
	case types.StatusFinalized:
		return d.Status, nil
	case types.StatusFailed:
		return d.Status, &ChapterError{
			ProjectID: p.ID, Chapter: chapter, State: d.FailedState,
			Err: fmt.Errorf("chapter previously failed: %s", d.Error),
		}
	}

	ctx, span := tracer.Start(ctx, "pipeline.step", trace.WithAttributes(
		attribute.String("project", p.ID),
		attribute.Int("chapter", chapter),
		attribute.String("state", string(d.Status))))
	defer span.End()

	var next types.ChapterStatus
	switch d.Status {
	case types.StatusPending:
		next, err = c.blueprint(ctx, p, d)
	case types.StatusBlueprinted:
		next, err = c.draft(ctx, p, d)
	case types.StatusDrafted:
		next, err = c.check(ctx, p, d)
	case types.StatusChecked:
		next, err = c.finalize(ctx, p, d)
	default:
		err = errs.Errorf(errs.Storage, "step", "chapter %d has unknown status %q", chapter, d.Status)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return c.fail(ctx, p, d, err)
	}
	return next, nil
}

// RegenerateBlueprint replaces the blueprint of a chapter that has not
// been drafted yet. Drafted and later chapters are rejected; they must be
// invalidated first.
func (c *Controller) RegenerateBlueprint(ctx context.Context, p types.Project, chapter int) (types.ChapterBlueprint, error) {
	const op = "regenerate blueprint"
	d, err := c.ready(ctx, p, chapter)
	if err != nil {
		return types.ChapterBlueprint{}, err
	}
	if d.Status == types.StatusFailed || d.Status.AtLeast(types.StatusDrafted) {
		return types.ChapterBlueprint{}, errs.Errorf(errs.Configuration, op,
			"chapter %d is %s; invalidate it before regenerating its blueprint", chapter, d.Status)
	}
	bp, err := c.blueprints.Generate(ctx, p, chapter)
	if err != nil {
		return bp, err
	}
	next := d
	next.Status = types.StatusBlueprinted
	ev := c.event(p.ID, chapter, d.Status, next.Status, nil, "blueprint regenerated")
	err = c.commit(ctx, p.ID, next, ev, func(tx *state.Tx) error { return tx.PutBlueprint(bp) })
	return bp, err
}

// Invalidate returns a chapter that is not finalized to pending and drops
// any state versions at or after it. It is the way out of failed.
func (c *Controller) Invalidate(ctx context.Context, p types.Project, chapter int) error {
	const op = "invalidate chapter"
	if chapter < 1 || chapter > p.ChapterCount {
		return errs.Errorf(errs.Configuration, op, "chapter %d outside 1..%d", chapter, p.ChapterCount)
	}
	d, err := c.store.Chapter(ctx, p.ID, chapter)
	if err != nil {
		return err
	}
	switch d.Status {
	case types.StatusPending:
		return nil
	case types.StatusFinalized:
		return errs.Errorf(errs.Configuration, op, "chapter %d is finalized", chapter)
	}
	next := types.ChapterDraft{Chapter: chapter, Status: types.StatusPending}
	ev := c.event(p.ID, chapter, d.Status, next.Status, nil, "invalidated")
	return c.commit(ctx, p.ID, next, ev, func(tx *state.Tx) error { return tx.DropVersionsFrom(chapter) })
}

// ready loads chapter and checks that its predecessor is finalized.
func (c *Controller) ready(ctx context.Context, p types.Project, chapter int) (types.ChapterDraft, error) {
	if chapter < 1 || chapter > p.ChapterCount {
		return types.ChapterDraft{}, &ChapterError{ProjectID: p.ID, Chapter: chapter, State: types.StatusPending, Resumable: true,
			Err: errs.Errorf(errs.Configuration, "step", "chapter %d outside 1..%d", chapter, p.ChapterCount)}
	}
	d, err := c.store.Chapter(ctx, p.ID, chapter)
	if err != nil {
		return d, &ChapterError{ProjectID: p.ID, Chapter: chapter, State: types.StatusPending, Resumable: true, Err: err}
	}
	if chapter == 1 || d.Status.Terminal() {
		return d, nil
	}
	prev, err := c.store.Chapter(ctx, p.ID, chapter-1)
	if err != nil {
		return d, &ChapterError{ProjectID: p.ID, Chapter: chapter, State: d.Status, Resumable: true, Err: err}
	}
	if prev.Status != types.StatusFinalized {
		return d, &ChapterError{ProjectID: p.ID, Chapter: chapter, State: d.Status, Resumable: true,
			Err: errs.Errorf(errs.Configuration, "step", "chapter %d is %s, not finalized", chapter-1, prev.Status)}
	}
	return d, nil
}

func (c *Controller) blueprint(ctx context.Context, p types.Project, d types.ChapterDraft) (types.ChapterStatus, error) {
	bp, err := c.blueprints.Generate(ctx, p, d.Chapter)
	if err != nil {
		return "", err
	}
	next := d
	next.Status = types.StatusBlueprinted
	ev := c.event(p.ID, d.Chapter, d.Status, next.Status, nil, bp.Title)
	return next.Status, c.commit(ctx, p.ID, next, ev, func(tx *state.Tx) error { return tx.PutBlueprint(bp) })
}

func (c *Controller) draft(ctx context.Context, p types.Project, d types.ChapterDraft) (types.ChapterStatus, error) {
	bp, err := c.outline(ctx, p.ID, d.Chapter)
	if err != nil {
		return "", err
	}
	next, err := c.write(ctx, p, bp, nil, "")
	if err != nil {
		return "", err
	}
	msg := fmt.Sprintf("%d words", next.WordCount)
	if next.Degraded {
		msg += ", drafted without retrieved context"
	}
	ev := c.event(p.ID, d.Chapter, d.Status, next.Status, next.Issues, msg)
	return next.Status, c.commit(ctx, p.ID, next, ev, nil)
}

// write assembles context and drafts the chapter. corrections and
// previous are set on consistency re-drafts.
func (c *Controller) write(ctx context.Context, p types.Project, bp types.ChapterBlueprint, corrections []types.Issue, previous string) (types.ChapterDraft, error) {
	bundle, err := c.assembler.Assemble(ctx, p.ID, bp, c.budget)
	if err != nil {
		return types.ChapterDraft{}, err
	}
	chars, err := c.store.CharactersAsOf(ctx, p.ID, bp.Chapter-1)
	if err != nil {
		return types.ChapterDraft{}, err
	}
	return c.drafts.Draft(ctx, draft.Input{
		Project:     p,
		Blueprint:   bp,
		Bundle:      bundle,
		Characters:  chars,
		Corrections: corrections,
		Previous:    previous,
	})
}

// check runs the consistency checker. Blocking issues trigger a re-draft
// while the re-draft budget lasts; the chapter stays drafted and the next
// step checks the new text. Once the budget is spent, remaining issues are
// downgraded to advisory and the chapter moves on.
func (c *Controller) check(ctx context.Context, p types.Project, d types.ChapterDraft) (types.ChapterStatus, error) {
	log := c.logger.With(zap.String("project", p.ID), zap.Int("chapter", d.Chapter))
	bp, err := c.outline(ctx, p.ID, d.Chapter)
	if err != nil {
		return "", err
	}
	chars, err := c.store.CharactersAsOf(ctx, p.ID, d.Chapter-1)
	if err != nil {
		return "", err
	}
	all, err := c.store.Blueprints(ctx, p.ID)
	if err != nil {
		return "", err
	}
	var outline []types.ChapterBlueprint
	for _, b := range all {
		if b.Chapter <= d.Chapter {
			outline = append(outline, b)
		}
	}
	doc, _, err := c.store.Architecture(ctx, p.ID)
	if err != nil {
		return "", err
	}
	sum, err := c.store.SummaryAsOf(ctx, p.ID, d.Chapter-1)
	if err != nil {
		return "", err
	}

	rep, err := c.checker.Check(ctx, consistency.Input{
		Project:      p,
		Blueprint:    bp,
		Draft:        d,
		Characters:   chars,
		Outline:      outline,
		Architecture: textutil.TruncateTokensHead(doc.Content, c.budget.Retrieval),
		Summary:      textutil.TruncateTokensTail(sum.Text, c.budget.Summary),
		Known:        consistency.KnownNames(doc.Content),
	})
	if err != nil {
		return "", err
	}

	if rep.Blocking() && d.Redrafts < c.policy.ConsistencyRedrafts {
		var blocking []types.Issue
		for _, is := range rep.Issues {
			if is.Severity == types.SeverityBlocking {
				blocking = append(blocking, is)
			}
		}
		log.Info("blocking consistency issues, re-drafting",
			zap.Int("blocking", len(blocking)),
			zap.Int("redraft", d.Redrafts+1),
			zap.Int("budget", c.policy.ConsistencyRedrafts))
		next, err := c.write(ctx, p, bp, blocking, d.Text)
		if err != nil {
			return "", err
		}
		next.Redrafts = d.Redrafts + 1
		ev := c.event(p.ID, d.Chapter, d.Status, next.Status, rep.Issues,
			fmt.Sprintf("re-draft %d of %d", next.Redrafts, c.policy.ConsistencyRedrafts))
		return next.Status, c.commit(ctx, p.ID, next, ev, nil)
	}

	issues := rep.Issues
	msg := ""
	if rep.Blocking() {
		v := errs.Errorf(errs.Consistency, "check chapter", "blocking issues remain after %d re-drafts", d.Redrafts)
		log.Warn("accepting chapter with consistency issues", zap.Error(v))
		issues = types.Downgrade(issues)
		msg = v.Error()
	}
	next := d
	next.Status = types.StatusChecked
	next.Issues = append(append([]types.Issue(nil), d.Issues...), issues...)
	ev := c.event(p.ID, d.Chapter, d.Status, next.Status, issues, msg)
	return next.Status, c.commit(ctx, p.ID, next, ev, nil)
}

func (c *Controller) finalize(ctx context.Context, p types.Project, d types.ChapterDraft) (types.ChapterStatus, error) {
	bp, err := c.outline(ctx, p.ID, d.Chapter)
	if err != nil {
		return "", err
	}
	chars, err := c.store.CharactersAsOf(ctx, p.ID, d.Chapter-1)
	if err != nil {
		return "", err
	}
	summary, err := c.store.SummaryAsOf(ctx, p.ID, d.Chapter-1)
	if err != nil {
		return "", err
	}

	commit, err := c.finalizer.Prepare(ctx, finalize.Input{
		Project:    p,
		Blueprint:  bp,
		Draft:      d,
		Characters: chars,
		Summary:    summary,
	})
	if err != nil {
		return "", err
	}
	commit.Draft.UpdatedAt = time.Time{}
	ev := c.event(p.ID, d.Chapter, d.Status, types.StatusFinalized, nil,
		fmt.Sprintf("summary %d tokens, %d chunks", commit.Summary.Tokens, len(commit.Chunks)))
	err = c.finalizer.Apply(ctx, c.store, c.index, commit, func(tx *state.Tx) error {
		return tx.RecordTransition(ev)
	})
	if err != nil {
		return "", err
	}
	c.sink.Emit(ev)
	return types.StatusFinalized, nil
}

func (c *Controller) outline(ctx context.Context, projectID string, chapter int) (types.ChapterBlueprint, error) {
	bp, ok, err := c.store.Blueprint(ctx, projectID, chapter)
	if err != nil {
		return bp, err
	}
	if !ok {
		return bp, errs.Errorf(errs.Storage, "load blueprint", "chapter %d has no blueprint", chapter)
	}
	return bp, nil
}

// fail classifies err at the controller boundary. Cancellation, storage
// and configuration errors leave the chapter where it is. Exhausted
// transport and content-shape failures move it to failed.
func (c *Controller) fail(ctx context.Context, p types.Project, d types.ChapterDraft, err error) (types.ChapterStatus, error) {
	log := c.logger.With(zap.String("project", p.ID), zap.Int("chapter", d.Chapter), zap.String("state", string(d.Status)))
	halt := &ChapterError{ProjectID: p.ID, Chapter: d.Chapter, State: d.Status, Resumable: true, Err: err}

	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		log.Info("chapter interrupted", zap.Error(err))
		return d.Status, halt
	}
	if !errs.KindOf(err).FailsChapter() {
		log.Error("pipeline halted", zap.Error(err))
		return d.Status, halt
	}

	failed := d
	failed.Status = types.StatusFailed
	failed.FailedState = d.Status
	failed.Error = err.Error()
	ev := c.event(p.ID, d.Chapter, d.Status, failed.Status, nil, err.Error())
	if werr := c.commit(context.WithoutCancel(ctx), p.ID, failed, ev, nil); werr != nil {
		halt.Err = errors.Join(err, werr)
		log.Error("recording chapter failure", zap.Error(werr))
		return d.Status, halt
	}
	log.Error("chapter failed", zap.Error(err))
	return failed.Status, &ChapterError{ProjectID: p.ID, Chapter: d.Chapter, State: d.Status, Err: err}
}

func (c *Controller) event(projectID string, chapter int, from, to types.ChapterStatus, issues []types.Issue, msg string) types.ProgressEvent {
	return types.ProgressEvent{
		RunID:     c.runID,
		ProjectID: projectID,
		Chapter:   chapter,
		From:      from,
		To:        to,
		Issues:    issues,
		Message:   msg,
		Time:      time.Now().UTC(),
	}
}

// commit writes d and its transition in one transaction and then emits the
// event. extra runs first inside the same transaction.
func (c *Controller) commit(ctx context.Context, projectID string, d types.ChapterDraft, ev types.ProgressEvent, extra func(*state.Tx) error) error {
	d.UpdatedAt = time.Time{}
	err := c.store.Update(ctx, projectID, func(tx *state.Tx) error {
		if extra != nil {
			if err := extra(tx); err != nil {
				return err
			}
		}
		if err := tx.PutChapter(d); err != nil {
			return err
		}
		return tx.RecordTransition(ev)
	})
	if err != nil {
		return err
	}
	c.sink.Emit(ev)
	return nil
}
