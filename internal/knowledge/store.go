// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package knowledge persists embedded reference chunks (architecture notes
// and finalized chapter excerpts) and answers nearest-neighbour queries
// over them. Chunks are partitioned by project namespace; a namespace is
// only cleared by an explicit project reset.
package knowledge

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pdiddy/novelist/pkg/types"
)

const (
	indexDir = "index"
	dbFile   = "knowledge.db"
)

// Store manages the knowledge SQLite database.
type Store struct {
	db  *sql.DB
	dir string
}

// NewStore opens or creates the knowledge database at
// knowledgeDir/index/knowledge.db and creates the schema if needed.
func NewStore(knowledgeDir string) (*Store, error) {
	dbDir := filepath.Join(knowledgeDir, indexDir)
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	dbPath := filepath.Join(dbDir, dbFile)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{db: db, dir: knowledgeDir}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			source TEXT NOT NULL,
			chapter INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			text TEXT NOT NULL,
			vector BLOB NOT NULL,
			norm REAL NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_project ON chunks(project_id, chapter)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

// Namespace returns the view of the store scoped to one project.
func (s *Store) Namespace(projectID string) *Namespace {
	return &Namespace{store: s, project: projectID}
}

// Namespace is a project-scoped view. Writes and queries never cross
// namespace boundaries.
type Namespace struct {
	store   *Store
	project string
}

// ChunkID returns the deterministic identifier of a chunk, so re-embedding
// a chapter after an interrupted finalization replaces its earlier chunks
// instead of duplicating them.
func ChunkID(projectID string, source types.ChunkSource, chapter, seq int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%d", projectID, source, chapter, seq)
	return fmt.Sprintf("%x", h.Sum(nil))[:16]
}

// Upsert writes chunks in one transaction. Missing IDs are derived with
// ChunkID; ProjectID is forced to the namespace.
func (n *Namespace) Upsert(ctx context.Context, chunks ...types.KnowledgeChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := n.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := n.upsert(ctx, tx, chunks); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceChapter makes chunks the complete set for one source and chapter.
// The chunks are upserted and any earlier chunk of that chapter with a Seq
// at or beyond len(chunks) is deleted, in one transaction. Every chunk
// must belong to source and chapter.
func (n *Namespace) ReplaceChapter(ctx context.Context, source types.ChunkSource, chapter int, chunks ...types.KnowledgeChunk) error {
	for _, c := range chunks {
		if c.Source != source || c.Chapter != chapter {
			return fmt.Errorf("chunk %s %d/%d does not belong to %s %d", c.Source, c.Chapter, c.Seq, source, chapter)
		}
	}
	tx, err := n.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := n.upsert(ctx, tx, chunks); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE project_id = ? AND source = ? AND chapter = ? AND seq >= ?`,
		n.project, string(source), chapter, len(chunks))
	if err != nil {
		return fmt.Errorf("deleting stale chunks of %s %d: %w", source, chapter, err)
	}
	return tx.Commit()
}

func (n *Namespace) upsert(ctx context.Context, tx *sql.Tx, chunks []types.KnowledgeChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (id, project_id, source, chapter, seq, text, vector, norm, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			text=excluded.text, vector=excluded.vector, norm=excluded.norm, created_at=excluded.created_at`)
	if err != nil {
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if len(c.Vector) == 0 {
			return fmt.Errorf("chunk %d/%d of %s: empty vector", c.Chapter, c.Seq, c.Source)
		}
		id := c.ID
		if id == "" {
			id = ChunkID(n.project, c.Source, c.Chapter, c.Seq)
		}
		created := c.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		_, err := stmt.ExecContext(ctx,
			id, n.project, string(c.Source), c.Chapter, c.Seq, c.Text,
			encodeVector(c.Vector), norm(c.Vector), created.Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("upserting chunk %s: %w", id, err)
		}
	}
	return nil
}

// Count returns the number of chunks in the namespace.
func (n *Namespace) Count(ctx context.Context) (int, error) {
	var count int
	err := n.store.db.QueryRowContext(ctx,
		`SELECT count(*) FROM chunks WHERE project_id = ?`, n.project,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting chunks: %w", err)
	}
	return count, nil
}

// Reset deletes every chunk in the namespace and returns how many were
// removed.
func (n *Namespace) Reset(ctx context.Context) (int64, error) {
	res, err := n.store.db.ExecContext(ctx, `DELETE FROM chunks WHERE project_id = ?`, n.project)
	if err != nil {
		return 0, fmt.Errorf("deleting chunks: %w", err)
	}
	return res.RowsAffected()
}

// Chunks returns every chunk in the namespace ordered by chapter and
// sequence, without vectors.
func (n *Namespace) Chunks(ctx context.Context) ([]types.KnowledgeChunk, error) {
	rows, err := n.store.db.QueryContext(ctx,
		`SELECT id, source, chapter, seq, text, created_at FROM chunks
		 WHERE project_id = ? ORDER BY chapter, source, seq`, n.project)
	if err != nil {
		return nil, fmt.Errorf("listing chunks: %w", err)
	}
	defer rows.Close()

	var out []types.KnowledgeChunk
	for rows.Next() {
		c := types.KnowledgeChunk{ProjectID: n.project}
		var source, created string
		if err := rows.Scan(&c.ID, &source, &c.Chapter, &c.Seq, &c.Text, &created); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		c.Source = types.ChunkSource(source)
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, c)
	}
	return out, rows.Err()
}
