// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pdiddy/novelist/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run DIR [DIR...]",
	Short: "Generate the remaining chapters of one or more projects",
	Long: `Run generates the architecture if needed and then advances every
chapter through blueprint, draft, consistency check and finalization.
Chapters within a project run strictly in order; separate projects run in
parallel, up to --parallel at a time.

Interrupting a run (Ctrl-C) leaves each chapter in its last completed
state. Running again resumes from there. A chapter that failed stays failed
until it is invalidated.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	parallel, _ := cmd.Flags().GetInt("parallel")
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		g        errgroup.Group
		mu       sync.Mutex
		failures []error
	)
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for _, dir := range args {
		g.Go(func() error {
			if err := runProject(ctx, dir); err != nil {
				mu.Lock()
				failures = append(failures, fmt.Errorf("%s: %w", dir, err))
				mu.Unlock()
				logger.Error("project stopped", zap.String("dir", dir), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(failures) > 0 {
		for _, err := range failures {
			fmt.Fprintln(os.Stderr, err)
		}
		return errors.Join(failures...)
	}
	return nil
}

func runProject(ctx context.Context, dir string) error {
	w, err := openWorkspace(ctx, dir)
	if err != nil {
		return err
	}
	defer w.Close()

	sink := pipeline.Sinks{
		pipeline.LogSink{Logger: logger.Named("events")},
		&printSink{w: stdout, label: filepath.Base(dir)},
	}
	c, err := w.controller(ctx, sink)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "[%s] %s: %d chapters (run %s)\n", filepath.Base(dir), displayTitle(w.project), w.project.ChapterCount, c.RunID())
	if err := c.Run(ctx, w.project); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "[%s] all %d chapters finalized\n", filepath.Base(dir), w.project.ChapterCount)
	return nil
}

func init() {
	runCmd.Flags().Int("parallel", 4, "maximum number of projects generated at once (0 = unlimited)")

	rootCmd.AddCommand(runCmd)
}
