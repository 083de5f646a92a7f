// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pdiddy/novelist/pkg/types"
)

var statusCmd = &cobra.Command{
	Use:   "status DIR",
	Short: "Show the state of every chapter",
	Long: `Status prints one row per chapter: its pipeline state, word count,
length flag, consistency re-drafts, the number of recorded issues, and
whether it was drafted without retrieved context. Failed chapters show the
state they failed in and the error.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

// chapterRow is one line of status output.
type chapterRow struct {
	Chapter  int                 `json:"chapter"`
	Title    string              `json:"title,omitempty"`
	Status   types.ChapterStatus `json:"status"`
	Words    int                 `json:"words"`
	Length   types.LengthFlag    `json:"length,omitempty"`
	Redrafts int                 `json:"redrafts"`
	Issues   int                 `json:"issues"`
	Degraded bool                `json:"degraded"`
	Failed   string              `json:"failed,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	w, err := openWorkspace(ctx, args[0])
	if err != nil {
		return err
	}
	defer w.Close()

	chapters, err := w.store.Chapters(ctx, w.project.ID)
	if err != nil {
		return err
	}
	blueprints, err := w.store.Blueprints(ctx, w.project.ID)
	if err != nil {
		return err
	}
	_, hasArch, err := w.store.Architecture(ctx, w.project.ID)
	if err != nil {
		return err
	}

	rows := make([]chapterRow, w.project.ChapterCount)
	for i := range rows {
		rows[i] = chapterRow{Chapter: i + 1, Status: types.StatusPending}
	}
	for _, bp := range blueprints {
		if bp.Chapter >= 1 && bp.Chapter <= len(rows) {
			rows[bp.Chapter-1].Title = bp.Title
		}
	}
	done := 0
	for _, d := range chapters {
		if d.Chapter < 1 || d.Chapter > len(rows) {
			continue
		}
		r := &rows[d.Chapter-1]
		r.Status, r.Words, r.Length, r.Redrafts = d.Status, d.WordCount, d.LengthFlag, d.Redrafts
		r.Issues, r.Degraded = len(d.Issues), d.Degraded
		if d.Status == types.StatusFailed {
			r.Failed = fmt.Sprintf("in %s: %s", d.FailedState, d.Error)
		}
		if d.Status == types.StatusFinalized {
			done++
		}
	}

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	fmt.Fprintf(stdout, "%s (%s)\n", displayTitle(w.project), w.project.ID)
	arch := "missing"
	if hasArch {
		arch = "ready"
	}
	fmt.Fprintf(stdout, "Architecture: %s    Finalized: %d/%d\n\n", arch, done, w.project.ChapterCount)
	fmt.Fprintf(stdout, "%-4s  %-12s  %-6s  %-6s  %-8s  %-6s  %-8s  %s\n",
		"Ch", "Status", "Words", "Length", "Redrafts", "Issues", "Degraded", "Title")
	fmt.Fprintln(stdout, strings.Repeat("-", 80))
	for _, r := range rows {
		length := string(r.Length)
		if length == "" {
			length = "-"
		}
		degraded := ""
		if r.Degraded {
			degraded = "yes"
		}
		title := r.Title
		if len(title) > 30 {
			title = title[:27] + "..."
		}
		fmt.Fprintf(stdout, "%-4d  %-12s  %-6d  %-6s  %-8d  %-6d  %-8s  %s\n",
			r.Chapter, r.Status, r.Words, length, r.Redrafts, r.Issues, degraded, title)
		if r.Failed != "" {
			fmt.Fprintf(stdout, "      failed %s\n", r.Failed)
		}
	}
	return nil
}

func init() {
	statusCmd.Flags().Bool("json", false, "output rows as JSON")

	rootCmd.AddCommand(statusCmd)
}
