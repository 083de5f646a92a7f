// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// ChapterStatus is a chapter's position in the pipeline state machine.
// Transitions are strictly forward: pending, blueprinted, drafted,
// checked, finalized. Failed is reachable from any non-terminal state.
type ChapterStatus string

const (
	StatusPending     ChapterStatus = "pending"
	StatusBlueprinted ChapterStatus = "blueprinted"
	StatusDrafted     ChapterStatus = "drafted"
	StatusChecked     ChapterStatus = "checked"
	StatusFinalized   ChapterStatus = "finalized"
	StatusFailed      ChapterStatus = "failed"
)

var statusOrder = []ChapterStatus{
	StatusPending,
	StatusBlueprinted,
	StatusDrafted,
	StatusChecked,
	StatusFinalized,
}

// Rank returns the position of s in the forward sequence, or -1 for
// failed and unknown values.
func (s ChapterStatus) Rank() int {
	for i, st := range statusOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the successor of s, or "" when s is terminal.
func (s ChapterStatus) Next() ChapterStatus {
	r := s.Rank()
	if r < 0 || r >= len(statusOrder)-1 {
		return ""
	}
	return statusOrder[r+1]
}

// Terminal reports whether s is finalized or failed.
func (s ChapterStatus) Terminal() bool {
	return s == StatusFinalized || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s ChapterStatus) Valid() bool {
	return s == StatusFailed || s.Rank() >= 0
}

// AtLeast reports whether s has progressed to other or beyond. Failed is
// never at least anything.
func (s ChapterStatus) AtLeast(other ChapterStatus) bool {
	r := s.Rank()
	return r >= 0 && r >= other.Rank()
}

// ChapterBlueprint is the structured outline for one chapter.
type ChapterBlueprint struct {
	// Chapter is the 1-based chapter index.
	Chapter int `json:"chapter" yaml:"chapter"`

	// Title is the chapter title.
	Title string `json:"title" yaml:"title"`

	// Goal states what the chapter must accomplish for the plot.
	Goal string `json:"goal" yaml:"goal"`

	// KeyEvents lists the chapter's events in order.
	KeyEvents []string `json:"key_events" yaml:"key_events"`

	// Characters lists the identifiers of characters involved.
	Characters []string `json:"characters" yaml:"characters"`

	// SceneLocation is the primary setting, if the outline fixes one.
	SceneLocation string `json:"scene_location,omitempty" yaml:"scene_location,omitempty"`

	// TimeConstraint is any time pressure or in-world timing note.
	TimeConstraint string `json:"time_constraint,omitempty" yaml:"time_constraint,omitempty"`

	// KeyItems lists objects that matter in the chapter.
	KeyItems []string `json:"key_items,omitempty" yaml:"key_items,omitempty"`
}

// LengthFlag marks a draft accepted outside its word-count tolerance band.
type LengthFlag string

const (
	LengthOK    LengthFlag = ""
	LengthShort LengthFlag = "short"
	LengthLong  LengthFlag = "long"
)

// ChapterDraft is the working record of a chapter. Text is last-write-wins;
// earlier texts are not retained.
type ChapterDraft struct {
	// Chapter is the 1-based chapter index.
	Chapter int `json:"chapter" yaml:"chapter"`

	// Text is the chapter prose.
	Text string `json:"text,omitempty" yaml:"text,omitempty"`

	// WordCount is the counted length of Text.
	WordCount int `json:"word_count" yaml:"word_count"`

	// Status is the chapter's pipeline state.
	Status ChapterStatus `json:"status" yaml:"status"`

	// LengthFlag is set when the draft was accepted out of tolerance.
	LengthFlag LengthFlag `json:"length_flag,omitempty" yaml:"length_flag,omitempty"`

	// Redrafts counts consistency re-drafts spent on this chapter.
	Redrafts int `json:"redrafts" yaml:"redrafts"`

	// Issues holds advisory issues attached at acceptance.
	Issues []Issue `json:"issues,omitempty" yaml:"issues,omitempty"`

	// Degraded is set when the draft was written without retrieval context.
	Degraded bool `json:"degraded,omitempty" yaml:"degraded,omitempty"`

	// FailedState is the state the chapter was in when it failed.
	FailedState ChapterStatus `json:"failed_state,omitempty" yaml:"failed_state,omitempty"`

	// Error is the collected error chain of a failed chapter.
	Error string `json:"error,omitempty" yaml:"error,omitempty"`

	// UpdatedAt is the time of the last write.
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Severity separates issues that force a re-draft from those that are
// only recorded.
type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityAdvisory Severity = "advisory"
)

// IssueKind classifies a consistency issue.
type IssueKind string

const (
	IssueStatus        IssueKind = "status"
	IssueLocation      IssueKind = "location"
	IssueUnknownEntity IssueKind = "unknown_entity"
	IssueLength        IssueKind = "length"
	IssueOther         IssueKind = "other"
)

// Issue is one flagged contradiction or quality note.
type Issue struct {
	Severity    Severity  `json:"severity" yaml:"severity"`
	Kind        IssueKind `json:"kind" yaml:"kind"`
	Character   string    `json:"character,omitempty" yaml:"character,omitempty"`
	Description string    `json:"description" yaml:"description"`
	Suggestion  string    `json:"suggestion,omitempty" yaml:"suggestion,omitempty"`
}

// Blocking reports whether any issue in the list is blocking.
func Blocking(issues []Issue) bool {
	for _, is := range issues {
		if is.Severity == SeverityBlocking {
			return true
		}
	}
	return false
}

// Downgrade returns a copy of issues with every severity set to advisory.
func Downgrade(issues []Issue) []Issue {
	out := make([]Issue, len(issues))
	for i, is := range issues {
		is.Severity = SeverityAdvisory
		out[i] = is
	}
	return out
}
