// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pdiddy/novelist/pkg/types"
)

// Tx is a write transaction scoped to one project. It is only valid inside
// the Update callback that received it.
type Tx struct {
	ctx     context.Context
	tx      *sql.Tx
	project string
}

// CreateProject inserts the project record. The project ID must match the
// transaction's project.
func (t *Tx) CreateProject(p types.Project) error {
	if p.ID != t.project {
		return fmt.Errorf("project %q does not match transaction project %q", p.ID, t.project)
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO projects (id, title, topic, genre, chapter_count, words_per_chapter, guidance, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Title, p.Topic, p.Genre, p.ChapterCount, p.WordsPerChapter, p.Guidance, timestamp(created))
	if err != nil {
		return fmt.Errorf("inserting project %s: %w", p.ID, err)
	}
	return nil
}

// PutArchitecture writes the architecture document, replacing any
// existing one.
func (t *Tx) PutArchitecture(doc types.ArchitectureDocument) error {
	created := doc.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO architectures (project_id, content, seeded, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(project_id) DO UPDATE SET content=excluded.content, seeded=excluded.seeded`,
		t.project, doc.Content, doc.Seeded, timestamp(created))
	if err != nil {
		return fmt.Errorf("writing architecture: %w", err)
	}
	return nil
}

// PutBlueprint writes the blueprint for bp.Chapter.
func (t *Tx) PutBlueprint(bp types.ChapterBlueprint) error {
	data, err := json.Marshal(bp)
	if err != nil {
		return fmt.Errorf("marshaling blueprint: %w", err)
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO blueprints (project_id, chapter, data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(project_id, chapter) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		t.project, bp.Chapter, string(data), timestamp(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("writing blueprint %d: %w", bp.Chapter, err)
	}
	return nil
}

// Chapter reads the chapter record inside the transaction. A chapter with
// no record is pending.
func (t *Tx) Chapter(chapter int) (types.ChapterDraft, error) {
	row := t.tx.QueryRowContext(t.ctx, chapterSelect+` WHERE project_id = ? AND chapter = ?`, t.project, chapter)
	d, err := scanChapter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ChapterDraft{Chapter: chapter, Status: types.StatusPending}, nil
	}
	return d, err
}

// PutChapter writes the chapter record, replacing the previous one. Text
// is last-write-wins.
func (t *Tx) PutChapter(d types.ChapterDraft) error {
	if !d.Status.Valid() {
		return fmt.Errorf("chapter %d: invalid status %q", d.Chapter, d.Status)
	}
	issues, err := json.Marshal(nonNilIssues(d.Issues))
	if err != nil {
		return fmt.Errorf("marshaling issues: %w", err)
	}
	updated := d.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO chapters (project_id, chapter, status, failed_state, error, text, word_count,
			length_flag, redrafts, issues, degraded, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project_id, chapter) DO UPDATE SET
			status=excluded.status, failed_state=excluded.failed_state, error=excluded.error,
			text=excluded.text, word_count=excluded.word_count, length_flag=excluded.length_flag,
			redrafts=excluded.redrafts, issues=excluded.issues, degraded=excluded.degraded,
			updated_at=excluded.updated_at`,
		t.project, d.Chapter, string(d.Status), string(d.FailedState), d.Error, d.Text, d.WordCount,
		string(d.LengthFlag), d.Redrafts, string(issues), d.Degraded, timestamp(updated))
	if err != nil {
		return fmt.Errorf("writing chapter %d: %w", d.Chapter, err)
	}
	return nil
}

// PutCharacter writes the version of c at c.Chapter.
func (t *Tx) PutCharacter(c types.CharacterState) error {
	if c.ID == "" {
		return errors.New("character without id")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling character %s: %w", c.ID, err)
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO characters (project_id, character_id, chapter, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT(project_id, character_id, chapter) DO UPDATE SET data=excluded.data`,
		t.project, c.ID, c.Chapter, string(data))
	if err != nil {
		return fmt.Errorf("writing character %s@%d: %w", c.ID, c.Chapter, err)
	}
	return nil
}

// PutSummary writes summary version s.Chapter.
func (t *Tx) PutSummary(s types.GlobalSummary) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO summaries (project_id, chapter, text, tokens) VALUES (?, ?, ?, ?)
		 ON CONFLICT(project_id, chapter) DO UPDATE SET text=excluded.text, tokens=excluded.tokens`,
		t.project, s.Chapter, s.Text, s.Tokens)
	if err != nil {
		return fmt.Errorf("writing summary %d: %w", s.Chapter, err)
	}
	return nil
}

// DropVersionsFrom removes character and summary versions written by
// chapter and later, used when a chapter is invalidated.
func (t *Tx) DropVersionsFrom(chapter int) error {
	if _, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM characters WHERE project_id = ? AND chapter >= ?`, t.project, chapter); err != nil {
		return fmt.Errorf("dropping character versions: %w", err)
	}
	if _, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM summaries WHERE project_id = ? AND chapter >= ?`, t.project, chapter); err != nil {
		return fmt.Errorf("dropping summary versions: %w", err)
	}
	return nil
}

// RecordTransition appends an entry to the transition audit log.
func (t *Tx) RecordTransition(ev types.ProgressEvent) error {
	issues, err := json.Marshal(nonNilIssues(ev.Issues))
	if err != nil {
		return fmt.Errorf("marshaling issues: %w", err)
	}
	at := ev.Time
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO transitions (project_id, chapter, from_status, to_status, issues, message, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.project, ev.Chapter, string(ev.From), string(ev.To), string(issues), ev.Message, timestamp(at))
	if err != nil {
		return fmt.Errorf("recording transition: %w", err)
	}
	return nil
}

func nonNilIssues(issues []types.Issue) []types.Issue {
	if issues == nil {
		return []types.Issue{}
	}
	return issues
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
