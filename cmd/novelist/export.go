// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pdiddy/novelist/internal/errs"
)

var exportCmd = &cobra.Command{
	Use:   "export DIR",
	Short: "Write the manuscript and a project snapshot to output/",
	Long: `Export writes output/manuscript.md with every finalized chapter in
order and output/project.yaml with the full project state. With
--knowledge, it also dumps the knowledge index as output/knowledge.yaml
or output/knowledge.json (vectors omitted).`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	w, err := openWorkspace(ctx, args[0])
	if err != nil {
		return err
	}
	defer w.Close()

	out := filepath.Join(w.dir, outputDir)
	if err := os.MkdirAll(out, 0o755); err != nil {
		return errs.New(errs.Storage, "export", err)
	}

	manuscript := filepath.Join(out, "manuscript.md")
	n, err := writeFile(manuscript, func(f *os.File) (int, error) {
		return w.store.WriteManuscript(ctx, w.project.ID, f)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Wrote %s (%d of %d chapters)\n", manuscript, n, w.project.ChapterCount)

	snapshot := filepath.Join(out, "project.yaml")
	if _, err := writeFile(snapshot, func(f *os.File) (int, error) {
		return 0, w.store.WriteYAML(ctx, w.project.ID, f)
	}); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Wrote %s\n", snapshot)

	format, _ := cmd.Flags().GetString("knowledge")
	if format == "" {
		return nil
	}
	var data string
	switch format {
	case "yaml":
		data, err = w.index.ExportYAML(ctx)
	case "json":
		data, err = w.index.ExportJSON(ctx)
	default:
		return fmt.Errorf("--knowledge must be yaml or json, got %q", format)
	}
	if err != nil {
		return err
	}
	path := filepath.Join(out, "knowledge."+format)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return errs.New(errs.Storage, "export", err)
	}
	fmt.Fprintf(stdout, "Wrote %s\n", path)
	return nil
}

// writeFile creates path and hands it to write.
func writeFile(path string, write func(*os.File) (int, error)) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, errs.New(errs.Storage, "export", err)
	}
	n, err := write(f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = errs.New(errs.Storage, "export", cerr)
	}
	return n, err
}

func init() {
	exportCmd.Flags().String("knowledge", "", "also export the knowledge index (yaml or json)")

	rootCmd.AddCommand(exportCmd)
}
