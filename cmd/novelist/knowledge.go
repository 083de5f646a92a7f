// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Inspect a project's knowledge index",
}

var knowledgeQueryCmd = &cobra.Command{
	Use:   "query DIR TEXT",
	Short: "Show the chunks most similar to TEXT",
	Long: `Query embeds TEXT with the project's embedding provider and prints the
most similar chunks of the architecture and finalized chapters, with their
cosine similarity.`,
	Args: cobra.ExactArgs(2),
	RunE: runKnowledgeQuery,
}

var knowledgeExportCmd = &cobra.Command{
	Use:   "export DIR",
	Short: "Print the knowledge index as YAML or JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runKnowledgeExport,
}

func runKnowledgeQuery(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	topK, _ := cmd.Flags().GetInt("top")

	w, err := openWorkspace(ctx, args[0])
	if err != nil {
		return err
	}
	defer w.Close()

	count, err := w.index.Count(ctx)
	if err != nil {
		return err
	}
	if count == 0 {
		fmt.Fprintln(stdout, "Knowledge index is empty.")
		return nil
	}

	_, emb, err := w.providers(ctx)
	if err != nil {
		return err
	}
	vec, err := emb.Embed(ctx, args[1])
	if err != nil {
		return err
	}
	results, err := w.index.Query(ctx, vec, topK)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "%d of %d chunks\n\n", len(results), count)
	for i, r := range results {
		fmt.Fprintf(stdout, "%d. [%.3f] %s chapter %d #%d\n", i+1, r.Score, r.Source, r.Chapter, r.Seq)
		text := strings.Join(strings.Fields(r.Text), " ")
		if r := []rune(text); len(r) > 200 {
			text = string(r[:200]) + "..."
		}
		fmt.Fprintf(stdout, "   %s\n", text)
	}
	return nil
}

func runKnowledgeExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	format, _ := cmd.Flags().GetString("format")

	w, err := openWorkspace(ctx, args[0])
	if err != nil {
		return err
	}
	defer w.Close()

	var data string
	switch format {
	case "yaml":
		data, err = w.index.ExportYAML(ctx)
	case "json":
		data, err = w.index.ExportJSON(ctx)
	default:
		return fmt.Errorf("--format must be yaml or json, got %q", format)
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(stdout, data)
	return err
}

func init() {
	knowledgeQueryCmd.Flags().Int("top", 5, "number of chunks to show")
	knowledgeExportCmd.Flags().String("format", "yaml", "output format (yaml or json)")

	knowledgeCmd.AddCommand(knowledgeQueryCmd)
	knowledgeCmd.AddCommand(knowledgeExportCmd)
	rootCmd.AddCommand(knowledgeCmd)
}
