// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset DIR",
	Short: "Delete all generated state and the knowledge index",
	Long: `Reset removes the project's architecture, blueprints, chapters,
character states, summaries, transitions and knowledge chunks. The
project configuration in novelist.yaml is kept, so the next run starts
from scratch.`,
	Args: cobra.ExactArgs(1),
	RunE: runReset,
}

func runReset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		return fmt.Errorf("reset deletes every generated chapter; pass --yes to confirm")
	}

	w, err := openWorkspace(ctx, args[0])
	if err != nil {
		return err
	}
	defer w.Close()

	chapters, err := w.store.Chapters(ctx, w.project.ID)
	if err != nil {
		return err
	}
	chunks, err := w.index.Reset(ctx)
	if err != nil {
		return err
	}
	if err := w.store.DeleteProject(ctx, w.project.ID); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Reset %s: removed %d chapter records and %d knowledge chunks\n",
		displayTitle(w.project), len(chapters), chunks)
	return nil
}

func init() {
	resetCmd.Flags().Bool("yes", false, "confirm deletion")

	rootCmd.AddCommand(resetCmd)
}
