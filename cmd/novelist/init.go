// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/novelist/pkg/types"
)

var initCmd = &cobra.Command{
	Use:   "init DIR",
	Short: "Create a project directory for a new novel",
	Long: `Init creates DIR with a novelist.yaml describing the novel (topic,
genre, chapter count, words per chapter), the state and output directories,
and an empty .secrets/ directory for provider keys. The project ID is
generated once and never changes.

Budgets, retry policy and provider profiles can be added to novelist.yaml
afterwards; anything left out takes the global or built-in default.`,
	Args: cobra.ExactArgs(1),
	RunE: runInit,
}

// projectDirs lists the directories created inside a project.
var projectDirs = []string{stateDir, outputDir, secretsDir}

func runInit(cmd *cobra.Command, args []string) error {
	dir := args[0]
	path := filepath.Join(dir, projectFile)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	pc := types.ProjectConfig{ID: uuid.NewString()}
	pc.Title, _ = cmd.Flags().GetString("title")
	pc.Topic, _ = cmd.Flags().GetString("topic")
	pc.Genre, _ = cmd.Flags().GetString("genre")
	pc.ChapterCount, _ = cmd.Flags().GetInt("chapters")
	pc.WordsPerChapter, _ = cmd.Flags().GetInt("words")
	pc.Guidance, _ = cmd.Flags().GetString("guidance")
	if pc.Topic == "" || pc.Genre == "" {
		return fmt.Errorf("--topic and --genre are required")
	}
	if pc.ChapterCount < 1 || pc.WordsPerChapter < 1 {
		return fmt.Errorf("--chapters and --words must be positive")
	}

	for _, d := range projectDirs {
		if err := os.MkdirAll(filepath.Join(dir, d), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", d, err)
		}
	}
	data, err := yaml.Marshal(struct {
		Project types.ProjectConfig `yaml:"project"`
	}{pc})
	if err != nil {
		return fmt.Errorf("encoding %s: %w", projectFile, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	w, err := openWorkspace(cmd.Context(), dir)
	if err != nil {
		return err
	}
	defer w.Close()

	fmt.Fprintf(stdout, "Initialized %q in %s\n", displayTitle(w.project), dir)
	fmt.Fprintf(stdout, "  project:  %s\n", w.project.ID)
	fmt.Fprintf(stdout, "  chapters: %d x %d words\n", w.project.ChapterCount, w.project.WordsPerChapter)
	return nil
}

func init() {
	initCmd.Flags().String("title", "", "working title")
	initCmd.Flags().String("topic", "", "premise of the novel (required)")
	initCmd.Flags().String("genre", "", "genre label (required)")
	initCmd.Flags().Int("chapters", 10, "number of chapters")
	initCmd.Flags().Int("words", 3000, "target words per chapter")
	initCmd.Flags().String("guidance", "", "optional author direction passed to every prompt")

	rootCmd.AddCommand(initCmd)
}
