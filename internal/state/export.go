// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package state

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/novelist/pkg/types"
)

// Snapshot is the full exported state of a project.
type Snapshot struct {
	Project      types.Project            `yaml:"project"`
	Architecture string                   `yaml:"architecture,omitempty"`
	Blueprints   []types.ChapterBlueprint `yaml:"blueprints,omitempty"`
	Chapters     []types.ChapterDraft     `yaml:"chapters,omitempty"`
	Characters   []types.CharacterState   `yaml:"characters,omitempty"`
	Summary      types.GlobalSummary      `yaml:"summary"`
	Transitions  []types.ProgressEvent    `yaml:"transitions,omitempty"`
}

// Snapshot collects the current state of the project: the latest version
// of every character and the latest summary.
func (s *Store) Snapshot(ctx context.Context, projectID string) (Snapshot, error) {
	var snap Snapshot
	var err error
	if snap.Project, err = s.Project(ctx, projectID); err != nil {
		return snap, err
	}
	doc, _, err := s.Architecture(ctx, projectID)
	if err != nil {
		return snap, err
	}
	snap.Architecture = doc.Content
	if snap.Blueprints, err = s.Blueprints(ctx, projectID); err != nil {
		return snap, err
	}
	if snap.Chapters, err = s.Chapters(ctx, projectID); err != nil {
		return snap, err
	}
	latest := snap.Project.ChapterCount
	if snap.Characters, err = s.CharactersAsOf(ctx, projectID, latest); err != nil {
		return snap, err
	}
	if snap.Summary, err = s.SummaryAsOf(ctx, projectID, latest); err != nil {
		return snap, err
	}
	if snap.Transitions, err = s.Transitions(ctx, projectID, 0); err != nil {
		return snap, err
	}
	return snap, nil
}

// WriteYAML writes the project snapshot as YAML.
func (s *Store) WriteYAML(ctx context.Context, projectID string, w io.Writer) error {
	snap, err := s.Snapshot(ctx, projectID)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	return enc.Close()
}

// WriteManuscript writes the finalized chapters as one Markdown document.
// Chapters that are not finalized are omitted; the returned count is the
// number written.
func (s *Store) WriteManuscript(ctx context.Context, projectID string, w io.Writer) (int, error) {
	p, err := s.Project(ctx, projectID)
	if err != nil {
		return 0, err
	}
	chapters, err := s.Chapters(ctx, projectID)
	if err != nil {
		return 0, err
	}
	title := p.Title
	if title == "" {
		title = p.Topic
	}
	fmt.Fprintf(w, "# %s\n", title)

	written := 0
	for _, ch := range chapters {
		if ch.Status != types.StatusFinalized {
			continue
		}
		heading := fmt.Sprintf("Chapter %d", ch.Chapter)
		bp, ok, err := s.Blueprint(ctx, projectID, ch.Chapter)
		if err != nil {
			return written, err
		}
		if ok && bp.Title != "" {
			heading += ": " + bp.Title
		}
		fmt.Fprintf(w, "\n## %s\n\n%s\n", heading, strings.TrimSpace(ch.Text))
		written++
	}
	return written, nil
}
