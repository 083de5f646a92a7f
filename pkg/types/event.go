// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// ProgressEvent is a one-way state-transition notification for
// presentation layers. The pipeline never waits on its consumers.
type ProgressEvent struct {
	RunID     string        `json:"run_id" yaml:"run_id"`
	ProjectID string        `json:"project_id" yaml:"project_id"`
	Chapter   int           `json:"chapter" yaml:"chapter"`
	From      ChapterStatus `json:"from" yaml:"from"`
	To        ChapterStatus `json:"to" yaml:"to"`
	Issues    []Issue       `json:"issues,omitempty" yaml:"issues,omitempty"`
	Message   string        `json:"message,omitempty" yaml:"message,omitempty"`
	Time      time.Time     `json:"time" yaml:"time"`
}
