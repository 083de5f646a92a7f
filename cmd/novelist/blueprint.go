// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var blueprintCmd = &cobra.Command{
	Use:   "blueprint DIR",
	Short: "Regenerate the blueprint of one chapter",
	Long: `Blueprint regenerates the plan of a chapter that has not been drafted
yet. Earlier chapters must be finalized. Drafted chapters must be
invalidated first.`,
	Args: cobra.ExactArgs(1),
	RunE: runBlueprint,
}

func runBlueprint(cmd *cobra.Command, args []string) error {
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

	c, err := w.controller(ctx, nil)
	if err != nil {
		return err
	}
	if err := c.EnsureArchitecture(ctx, w.project); err != nil {
		return err
	}
	bp, err := c.RegenerateBlueprint(ctx, w.project, chapter)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Chapter %d: %s\n", bp.Chapter, bp.Title)
	fmt.Fprintf(stdout, "Goal: %s\n", bp.Goal)
	if len(bp.Characters) > 0 {
		fmt.Fprintf(stdout, "Characters: %s\n", strings.Join(bp.Characters, ", "))
	}
	if bp.SceneLocation != "" {
		fmt.Fprintf(stdout, "Location: %s\n", bp.SceneLocation)
	}
	for i, e := range bp.KeyEvents {
		fmt.Fprintf(stdout, "  %d. %s\n", i+1, e)
	}
	return nil
}

func init() {
	blueprintCmd.Flags().Int("chapter", 0, "chapter to regenerate (required)")
	blueprintCmd.MarkFlagRequired("chapter")

	rootCmd.AddCommand(blueprintCmd)
}
