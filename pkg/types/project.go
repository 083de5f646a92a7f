// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// Project is the root aggregate. It owns the architecture, blueprints,
// drafts, character states and summaries of one novel.
type Project struct {
	// ID is a stable identifier (UUID) used to partition the state store
	// and to namespace the knowledge store.
	ID string `json:"id" yaml:"id"`

	// Title is the working title.
	Title string `json:"title" yaml:"title"`

	// Topic is the premise the architecture is generated from.
	Topic string `json:"topic" yaml:"topic"`

	// Genre is the genre label (e.g. "xianxia", "hard science fiction").
	Genre string `json:"genre" yaml:"genre"`

	// ChapterCount is the target number of chapters.
	ChapterCount int `json:"chapter_count" yaml:"chapter_count"`

	// WordsPerChapter is the target length of each chapter.
	WordsPerChapter int `json:"words_per_chapter" yaml:"words_per_chapter"`

	// Guidance is optional free-form direction from the author, passed to
	// the architecture and draft prompts.
	Guidance string `json:"guidance,omitempty" yaml:"guidance,omitempty"`

	// CreatedAt is when the project record was created.
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// ArchitectureDocument describes the world, premise and principal
// characters. It is generated once per project and read-only afterwards.
type ArchitectureDocument struct {
	// ProjectID identifies the owning project.
	ProjectID string `json:"project_id" yaml:"project_id"`

	// Content is the Markdown document with "## " section headings.
	Content string `json:"content" yaml:"content"`

	// Seeded records whether the document has been embedded into the
	// knowledge store.
	Seeded bool `json:"seeded" yaml:"seeded"`

	// CreatedAt is when the document was generated.
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// Architecture section headings the generator asks for. Parsing is lenient:
// a missing section yields an empty string.
const (
	SectionPremise    = "Premise"
	SectionWorld      = "World"
	SectionCharacters = "Characters"
	SectionOpening    = "Opening"
)

// GlobalSummary is one committed version of the rolling plot summary.
// Version N is written by the finalizer of chapter N.
type GlobalSummary struct {
	// Chapter is the chapter whose finalization produced this version.
	Chapter int `json:"chapter" yaml:"chapter"`

	// Text is the compressed cumulative summary.
	Text string `json:"text" yaml:"text"`

	// Tokens is the estimated token count of Text.
	Tokens int `json:"tokens" yaml:"tokens"`
}
