// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pdiddy/novelist/internal/errs"
	"github.com/pdiddy/novelist/internal/knowledge"
	"github.com/pdiddy/novelist/internal/llm"
	"github.com/pdiddy/novelist/internal/pipeline"
	"github.com/pdiddy/novelist/internal/prompts"
	"github.com/pdiddy/novelist/internal/secrets"
	"github.com/pdiddy/novelist/internal/state"
	"github.com/pdiddy/novelist/pkg/types"
)

// Project directory layout.
const (
	projectFile = "novelist.yaml"
	stateDir    = "state"
	outputDir   = "output"
	secretsDir  = ".secrets"
)

// workspace is an opened project directory.
type workspace struct {
	dir     string
	cfg     types.Config
	project types.Project
	store   *state.Store
	kstore  *knowledge.Store
	index   *knowledge.Namespace
}

// loadConfig layers the project's novelist.yaml over the global config.
func loadConfig(dir string) (types.Config, error) {
	const op = "load config"
	cfg := types.DefaultConfig()
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, errs.New(errs.Configuration, op, err)
	}

	pv := viper.New()
	pv.SetConfigFile(filepath.Join(dir, projectFile))
	if err := pv.ReadInConfig(); err != nil {
		return cfg, errs.New(errs.Configuration, op, fmt.Errorf("reading %s: %w", filepath.Join(dir, projectFile), err))
	}
	if err := pv.Unmarshal(&cfg); err != nil {
		return cfg, errs.New(errs.Configuration, op, err)
	}
	if cfg.PromptsFile != "" && !filepath.IsAbs(cfg.PromptsFile) {
		cfg.PromptsFile = filepath.Join(dir, cfg.PromptsFile)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errs.New(errs.Configuration, op, err)
	}
	return cfg, nil
}

// projectFrom converts the project section of the configuration.
func projectFrom(pc types.ProjectConfig) types.Project {
	return types.Project{
		ID:              pc.ID,
		Title:           pc.Title,
		Topic:           pc.Topic,
		Genre:           pc.Genre,
		ChapterCount:    pc.ChapterCount,
		WordsPerChapter: pc.WordsPerChapter,
		Guidance:        pc.Guidance,
	}
}

// openWorkspace loads the configuration and opens both stores. The
// project record is created from the configuration when missing.
func openWorkspace(ctx context.Context, dir string) (*workspace, error) {
	cfg, err := loadConfig(dir)
	if err != nil {
		return nil, err
	}
	store, err := state.Open(filepath.Join(dir, stateDir))
	if err != nil {
		return nil, err
	}
	kstore, err := knowledge.NewStore(dir)
	if err != nil {
		store.Close()
		return nil, errs.New(errs.Storage, "open knowledge store", err)
	}
	w := &workspace{dir: dir, cfg: cfg, store: store, kstore: kstore, index: kstore.Namespace(cfg.Project.ID)}

	p, err := store.Project(ctx, cfg.Project.ID)
	if errors.Is(err, state.ErrNotFound) {
		p = projectFrom(cfg.Project)
		err = store.Update(ctx, p.ID, func(tx *state.Tx) error { return tx.CreateProject(p) })
		if err == nil {
			p, err = store.Project(ctx, p.ID)
		}
	}
	if err != nil {
		w.Close()
		return nil, err
	}
	w.project = p
	return w, nil
}

func (w *workspace) Close() {
	w.kstore.Close()
	w.store.Close()
}

// providers builds the generator and embedder for the project. Keys in
// the project's own .secrets/ directory win over the global ones.
func (w *workspace) providers(ctx context.Context) (*llm.Router, llm.Embedder, error) {
	keys := maps.Clone(loadedSecrets)
	if keys == nil {
		keys = make(map[string]string)
	}
	local, err := secrets.Load(filepath.Join(w.dir, secretsDir), logger)
	if err != nil {
		return nil, nil, err
	}
	maps.Copy(keys, local)
	return llm.Build(ctx, w.cfg, keys, logger)
}

// controller wires a pipeline controller for the project.
func (w *workspace) controller(ctx context.Context, sink pipeline.EventSink) (*pipeline.Controller, error) {
	set, err := prompts.Load(w.cfg.PromptsFile)
	if err != nil {
		return nil, errs.New(errs.Configuration, "load prompts", err)
	}
	gen, emb, err := w.providers(ctx)
	if err != nil {
		return nil, err
	}
	return pipeline.New(pipeline.Deps{
		Store:     w.store,
		Knowledge: w.index,
		Generator: gen,
		Embedder:  emb,
		Prompts:   set,
		Config:    w.cfg,
		Logger:    logger.With(zap.String("dir", w.dir)),
		Sink:      sink,
	}), nil
}

// offline wires a controller without providers, for operations that only
// touch stored state.
func (w *workspace) offline(sink pipeline.EventSink) *pipeline.Controller {
	return pipeline.New(pipeline.Deps{
		Store:     w.store,
		Knowledge: w.index,
		Config:    w.cfg,
		Logger:    logger.With(zap.String("dir", w.dir)),
		Sink:      sink,
	})
}

// printSink writes one line per transition.
type printSink struct {
	mu    sync.Mutex
	w     io.Writer
	label string
}

func (s *printSink) Emit(ev types.ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	line := fmt.Sprintf("[%s] chapter %d: %s -> %s", s.label, ev.Chapter, ev.From, ev.To)
	if n := len(ev.Issues); n > 0 {
		line += fmt.Sprintf(" (%d issues)", n)
	}
	if ev.Message != "" {
		line += ": " + ev.Message
	}
	fmt.Fprintln(s.w, line)
}

// chapterFlag reads --chapter and checks it against the project.
func chapterFlag(chapter int, p types.Project) error {
	if chapter < 1 || chapter > p.ChapterCount {
		return fmt.Errorf("--chapter must be within 1..%d, got %d", p.ChapterCount, chapter)
	}
	return nil
}

// displayTitle falls back to the topic for untitled projects.
func displayTitle(p types.Project) string {
	if t := strings.TrimSpace(p.Title); t != "" {
		return t
	}
	return p.Topic
}

var stdout io.Writer = os.Stdout
