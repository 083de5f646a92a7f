// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var invalidateCmd = &cobra.Command{
	Use:   "invalidate DIR",
	Short: "Return a chapter to pending so it is generated again",
	Long: `Invalidate discards a chapter's blueprint, draft and any state it
produced, returning it to pending. This is the only way to retry a failed
chapter. Finalized chapters cannot be invalidated.`,
	Args: cobra.ExactArgs(1),
	RunE: runInvalidate,
}

func runInvalidate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	chapter, _ := cmd.Flags().GetInt("chapter")

	w, err := openWorkspace(ctx, args[0])
	if err != nil {
		return err
	}
	defer w.Close()
	if err := chapterFlag(chapter, w.project); err != nil {
		return err
	}

	before, err := w.store.Chapter(ctx, w.project.ID, chapter)
	if err != nil {
		return err
	}
	if err := w.offline(nil).Invalidate(ctx, w.project, chapter); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Chapter %d: %s -> pending\n", chapter, before.Status)
	return nil
}

func init() {
	invalidateCmd.Flags().Int("chapter", 0, "chapter to invalidate (required)")
	invalidateCmd.MarkFlagRequired("chapter")

	rootCmd.AddCommand(invalidateCmd)
}
