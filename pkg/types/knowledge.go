// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// ChunkSource records where a knowledge chunk came from.
type ChunkSource string

const (
	SourceArchitecture ChunkSource = "architecture"
	SourceChapter      ChunkSource = "chapter"
)

// KnowledgeChunk is an embedded unit of reference text. Chunks are
// immutable once embedded and are only deleted by a project reset.
type KnowledgeChunk struct {
	// ID is deterministic for (project, source, chapter, seq) so that
	// re-embedding the same chapter replaces rather than duplicates.
	ID string `json:"id" yaml:"id"`

	// ProjectID is the namespace the chunk belongs to.
	ProjectID string `json:"project_id" yaml:"project_id"`

	// Source is architecture or chapter.
	Source ChunkSource `json:"source" yaml:"source"`

	// Chapter is the origin chapter index; 0 for the architecture.
	Chapter int `json:"chapter" yaml:"chapter"`

	// Seq orders chunks from the same source.
	Seq int `json:"seq" yaml:"seq"`

	// Text is the chunk content.
	Text string `json:"text" yaml:"text"`

	// Vector is the embedding of Text.
	Vector []float32 `json:"-" yaml:"-"`

	// CreatedAt is when the chunk was embedded.
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// ScoredChunk is a query result with its similarity score.
type ScoredChunk struct {
	KnowledgeChunk
	Score float64 `json:"score" yaml:"score"`
}
