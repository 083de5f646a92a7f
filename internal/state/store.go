// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package state is the durable record of per-project generation state:
// the project, its architecture, chapter blueprints and drafts, versioned
// character states and global summaries, and the transition audit log.
//
// Character states and summaries are versioned by chapter. Reads are
// snapshot reads "as of" a chapter, so a stage working on chapter i sees
// exactly what the finalizer of chapter i-1 committed. All writes go
// through Update, which commits atomically.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pdiddy/novelist/internal/errs"
)

const dbFile = "novel.db"

// ErrNotFound is returned when a requested project does not exist.
var ErrNotFound = errors.New("not found")

// Store manages the state SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the state database at dir/novel.db.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storageErr("open state store", fmt.Errorf("creating state directory: %w", err))
	}
	dsn := filepath.Join(dir, dbFile) + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, storageErr("open state store", err)
	}
	s := &Store{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, storageErr("open state store", fmt.Errorf("creating schema: %w", err))
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			topic TEXT NOT NULL,
			genre TEXT NOT NULL,
			chapter_count INTEGER NOT NULL,
			words_per_chapter INTEGER NOT NULL,
			guidance TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS architectures (
			project_id TEXT PRIMARY KEY REFERENCES projects(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			seeded INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS blueprints (
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			chapter INTEGER NOT NULL,
			data TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (project_id, chapter)
		)`,
		`CREATE TABLE IF NOT EXISTS chapters (
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			chapter INTEGER NOT NULL,
			status TEXT NOT NULL,
			failed_state TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL DEFAULT '',
			word_count INTEGER NOT NULL DEFAULT 0,
			length_flag TEXT NOT NULL DEFAULT '',
			redrafts INTEGER NOT NULL DEFAULT 0,
			issues TEXT NOT NULL DEFAULT '[]',
			degraded INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (project_id, chapter)
		)`,
		`CREATE TABLE IF NOT EXISTS characters (
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			character_id TEXT NOT NULL,
			chapter INTEGER NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (project_id, character_id, chapter)
		)`,
		`CREATE TABLE IF NOT EXISTS summaries (
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			chapter INTEGER NOT NULL,
			text TEXT NOT NULL,
			tokens INTEGER NOT NULL,
			PRIMARY KEY (project_id, chapter)
		)`,
		`CREATE TABLE IF NOT EXISTS transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			chapter INTEGER NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			issues TEXT NOT NULL DEFAULT '[]',
			message TEXT NOT NULL DEFAULT '',
			at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_chapter ON transitions(project_id, chapter)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

// Update runs fn inside one transaction scoped to projectID. The
// transaction commits only if fn returns nil.
func (s *Store) Update(ctx context.Context, projectID string, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&Tx{ctx: ctx, tx: tx, project: projectID}); err != nil {
		if errs.KindOf(err) == "" {
			return storageErr("update state", err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit state", err)
	}
	return nil
}

func storageErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errs.New(errs.Storage, op, err)
}
