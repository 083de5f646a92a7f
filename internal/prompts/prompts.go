// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package prompts holds the text/template prompts for every generation
// task. Prompt wording is a tunable parameter: any template can be
// replaced from a YAML file mapping task names to template text.
package prompts

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/novelist/pkg/types"
)

// Set is a parsed collection of prompt templates, one per task.
type Set struct {
	tmpls map[types.Task]*template.Template
}

var funcs = template.FuncMap{
	"join": strings.Join,
	"add":  func(a, b int) int { return a + b },
}

// Default returns the built-in templates.
func Default() *Set {
	s := &Set{tmpls: make(map[types.Task]*template.Template, len(defaults))}
	for task, text := range defaults {
		s.tmpls[task] = template.Must(template.New(string(task)).Funcs(funcs).Parse(text))
	}
	return s
}

// Load returns the built-in templates overridden by the YAML file at path.
// An empty path returns Default().
func Load(path string) (*Set, error) {
	s := Default()
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading prompts file: %w", err)
	}
	var overrides map[string]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parsing prompts file %s: %w", path, err)
	}
	for name, text := range overrides {
		task := types.Task(name)
		if _, ok := defaults[task]; !ok {
			return nil, fmt.Errorf("prompts file %s: unknown task %q", path, name)
		}
		t, err := template.New(name).Funcs(funcs).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("prompts file %s: task %q: %w", path, name, err)
		}
		s.tmpls[task] = t
	}
	return s, nil
}

// Render executes the template for task with data.
func (s *Set) Render(task types.Task, data any) (string, error) {
	t, ok := s.tmpls[task]
	if !ok {
		return "", fmt.Errorf("no prompt template for task %q", task)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering %s prompt: %w", task, err)
	}
	return buf.String(), nil
}

// ArchitectureData feeds the architecture template.
type ArchitectureData struct {
	Project types.Project

	// Augment is an extra instruction added on retries.
	Augment string
}

// BlueprintData feeds the blueprint template.
type BlueprintData struct {
	Project      types.Project
	Chapter      int
	Architecture string

	// Previous is the blueprint of chapter-1, nil for chapter 1.
	Previous *types.ChapterBlueprint

	// Opening is the architecture's opening section, used for chapter 1.
	Opening string

	Summary    string
	Characters []types.CharacterState

	// Correction describes why the previous answer was rejected.
	Correction string
}

// DraftData feeds the draft template.
type DraftData struct {
	Project    types.Project
	Blueprint  types.ChapterBlueprint
	Summary    string
	Recent     []RecentChapter
	Retrieved  []string
	Characters []types.CharacterState

	// LengthInstruction asks to expand or contract on a length retry.
	LengthInstruction string

	// Corrections are consistency issues the re-draft must fix.
	Corrections []types.Issue

	// Previous is the rejected draft text on a retry.
	Previous string
}

// RecentChapter is one recency-window entry.
type RecentChapter struct {
	Chapter int
	Text    string
}

// ConsistencyData feeds the consistency template.
type ConsistencyData struct {
	Blueprint    types.ChapterBlueprint
	Characters   []types.CharacterState
	Architecture string
	Summary      string
	Known        []string
	Text         string
}

// StateDeltaData feeds the state-delta template.
type StateDeltaData struct {
	Chapter    int
	Characters []types.CharacterState
	Text       string
}

// SummaryData feeds the summary template.
type SummaryData struct {
	Chapter      int
	Previous     string
	ChapterText  string
	Goal         string
	BudgetTokens int

	// Compress is set on passes that must shorten an over-budget summary.
	Compress bool
}
