// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package pipeline

import (
	"fmt"

	"github.com/pdiddy/novelist/pkg/types"
)

// ChapterError is a pipeline failure as the caller sees it: the chapter,
// the state it failed in, and whether running again can continue.
type ChapterError struct {
	ProjectID string
	Chapter   int
	State     types.ChapterStatus

	// Resumable is false only for chapters that reached failed; those
	// need an explicit invalidation first.
	Resumable bool
	Err       error
}

func (e *ChapterError) Error() string {
	resume := "resumable"
	if !e.Resumable {
		resume = "not resumable"
	}
	if e.Chapter == 0 {
		return fmt.Sprintf("project %s: architecture (%s): %v", e.ProjectID, resume, e.Err)
	}
	return fmt.Sprintf("project %s: chapter %d failed in state %s (%s): %v", e.ProjectID, e.Chapter, e.State, resume, e.Err)
}

func (e *ChapterError) Unwrap() error { return e.Err }
