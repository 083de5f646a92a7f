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

const chapterSelect = `SELECT chapter, status, failed_state, error, text, word_count,
	length_flag, redrafts, issues, degraded, updated_at FROM chapters`

type scanner interface {
	Scan(dest ...any) error
}

func scanChapter(row scanner) (types.ChapterDraft, error) {
	var (
		d                           types.ChapterDraft
		status, failed, flag, issue string
		updated                     string
	)
	err := row.Scan(&d.Chapter, &status, &failed, &d.Error, &d.Text, &d.WordCount,
		&flag, &d.Redrafts, &issue, &d.Degraded, &updated)
	if err != nil {
		return d, err
	}
	d.Status = types.ChapterStatus(status)
	d.FailedState = types.ChapterStatus(failed)
	d.LengthFlag = types.LengthFlag(flag)
	d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	if err := json.Unmarshal([]byte(issue), &d.Issues); err != nil {
		return d, fmt.Errorf("decoding issues of chapter %d: %w", d.Chapter, err)
	}
	if len(d.Issues) == 0 {
		d.Issues = nil
	}
	return d, nil
}

// Project returns the project record, or ErrNotFound.
func (s *Store) Project(ctx context.Context, id string) (types.Project, error) {
	var (
		p       types.Project
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, topic, genre, chapter_count, words_per_chapter, guidance, created_at
		 FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Title, &p.Topic, &p.Genre, &p.ChapterCount, &p.WordsPerChapter, &p.Guidance, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return p, storageErr("read project", err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return p, nil
}

// Projects lists every project ID in the store.
func (s *Store) Projects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM projects ORDER BY id`)
	if err != nil {
		return nil, storageErr("list projects", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("list projects", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Architecture returns the project's architecture document. The boolean
// is false when none has been generated yet.
func (s *Store) Architecture(ctx context.Context, projectID string) (types.ArchitectureDocument, bool, error) {
	doc := types.ArchitectureDocument{ProjectID: projectID}
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT content, seeded, created_at FROM architectures WHERE project_id = ?`, projectID,
	).Scan(&doc.Content, &doc.Seeded, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return doc, false, nil
	}
	if err != nil {
		return doc, false, storageErr("read architecture", err)
	}
	doc.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return doc, true, nil
}

// Blueprint returns the blueprint for chapter. The boolean is false when
// none exists.
func (s *Store) Blueprint(ctx context.Context, projectID string, chapter int) (types.ChapterBlueprint, bool, error) {
	var (
		bp   types.ChapterBlueprint
		data string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM blueprints WHERE project_id = ? AND chapter = ?`, projectID, chapter,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return bp, false, nil
	}
	if err != nil {
		return bp, false, storageErr("read blueprint", err)
	}
	if err := json.Unmarshal([]byte(data), &bp); err != nil {
		return bp, false, storageErr("read blueprint", fmt.Errorf("decoding chapter %d: %w", chapter, err))
	}
	return bp, true, nil
}

// Blueprints returns every blueprint of the project ordered by chapter.
func (s *Store) Blueprints(ctx context.Context, projectID string) ([]types.ChapterBlueprint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM blueprints WHERE project_id = ? ORDER BY chapter`, projectID)
	if err != nil {
		return nil, storageErr("list blueprints", err)
	}
	defer rows.Close()
	var out []types.ChapterBlueprint
	for rows.Next() {
		var (
			data string
			bp   types.ChapterBlueprint
		)
		if err := rows.Scan(&data); err != nil {
			return nil, storageErr("list blueprints", err)
		}
		if err := json.Unmarshal([]byte(data), &bp); err != nil {
			return nil, storageErr("list blueprints", err)
		}
		out = append(out, bp)
	}
	return out, rows.Err()
}

// Chapter returns the chapter record. A chapter with no record is pending.
func (s *Store) Chapter(ctx context.Context, projectID string, chapter int) (types.ChapterDraft, error) {
	row := s.db.QueryRowContext(ctx, chapterSelect+` WHERE project_id = ? AND chapter = ?`, projectID, chapter)
	d, err := scanChapter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ChapterDraft{Chapter: chapter, Status: types.StatusPending}, nil
	}
	if err != nil {
		return d, storageErr("read chapter", err)
	}
	return d, nil
}

// Chapters returns every stored chapter record ordered by chapter.
func (s *Store) Chapters(ctx context.Context, projectID string) ([]types.ChapterDraft, error) {
	return s.queryChapters(ctx, chapterSelect+` WHERE project_id = ? ORDER BY chapter`, projectID)
}

// RecentChapters returns up to limit finalized chapters before chapter
// before, newest first.
func (s *Store) RecentChapters(ctx context.Context, projectID string, before, limit int) ([]types.ChapterDraft, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryChapters(ctx,
		chapterSelect+` WHERE project_id = ? AND chapter < ? AND status = ? ORDER BY chapter DESC LIMIT ?`,
		projectID, before, string(types.StatusFinalized), limit)
}

func (s *Store) queryChapters(ctx context.Context, query string, args ...any) ([]types.ChapterDraft, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list chapters", err)
	}
	defer rows.Close()
	var out []types.ChapterDraft
	for rows.Next() {
		d, err := scanChapter(rows)
		if err != nil {
			return nil, storageErr("list chapters", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list chapters", err)
	}
	return out, nil
}

// CharactersAsOf returns, for each character, the latest version written
// at or before chapter, ordered by character ID.
func (s *Store) CharactersAsOf(ctx context.Context, projectID string, chapter int) ([]types.CharacterState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.data FROM characters c
		 JOIN (SELECT character_id, MAX(chapter) AS chapter FROM characters
		       WHERE project_id = ? AND chapter <= ? GROUP BY character_id) latest
		   ON c.character_id = latest.character_id AND c.chapter = latest.chapter
		 WHERE c.project_id = ?
		 ORDER BY c.character_id`,
		projectID, chapter, projectID)
	if err != nil {
		return nil, storageErr("read characters", err)
	}
	defer rows.Close()
	var out []types.CharacterState
	for rows.Next() {
		var (
			data string
			c    types.CharacterState
		)
		if err := rows.Scan(&data); err != nil {
			return nil, storageErr("read characters", err)
		}
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, storageErr("read characters", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("read characters", err)
	}
	return out, nil
}

// SummaryAsOf returns the latest summary version at or before chapter. The
// zero summary is returned when none exists.
func (s *Store) SummaryAsOf(ctx context.Context, projectID string, chapter int) (types.GlobalSummary, error) {
	var sum types.GlobalSummary
	err := s.db.QueryRowContext(ctx,
		`SELECT chapter, text, tokens FROM summaries
		 WHERE project_id = ? AND chapter <= ? ORDER BY chapter DESC LIMIT 1`, projectID, chapter,
	).Scan(&sum.Chapter, &sum.Text, &sum.Tokens)
	if errors.Is(err, sql.ErrNoRows) {
		return types.GlobalSummary{}, nil
	}
	if err != nil {
		return sum, storageErr("read summary", err)
	}
	return sum, nil
}

// Transitions returns the audit log for chapter in commit order. Chapter 0
// returns the log of every chapter.
func (s *Store) Transitions(ctx context.Context, projectID string, chapter int) ([]types.ProgressEvent, error) {
	query := `SELECT chapter, from_status, to_status, issues, message, at FROM transitions WHERE project_id = ?`
	args := []any{projectID}
	if chapter > 0 {
		query += ` AND chapter = ?`
		args = append(args, chapter)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, storageErr("read transitions", err)
	}
	defer rows.Close()
	var out []types.ProgressEvent
	for rows.Next() {
		var (
			ev                     = types.ProgressEvent{ProjectID: projectID}
			from, to, issues, at string
		)
		if err := rows.Scan(&ev.Chapter, &from, &to, &issues, &ev.Message, &at); err != nil {
			return nil, storageErr("read transitions", err)
		}
		ev.From = types.ChapterStatus(from)
		ev.To = types.ChapterStatus(to)
		ev.Time, _ = time.Parse(time.RFC3339Nano, at)
		if err := json.Unmarshal([]byte(issues), &ev.Issues); err != nil {
			return nil, storageErr("read transitions", err)
		}
		if len(ev.Issues) == 0 {
			ev.Issues = nil
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// DeleteProject removes the project and everything it owns.
func (s *Store) DeleteProject(ctx context.Context, projectID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, projectID)
	if err != nil {
		return storageErr("delete project", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	return nil
}
