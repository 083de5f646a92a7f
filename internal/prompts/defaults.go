// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package prompts

import "github.com/pdiddy/novelist/pkg/types"

const characterDigest = `{{define "characters"}}{{range .}}- id: {{.ID}}; name: {{.Name}}{{if .Location}}; location: {{.Location}}{{end}}{{if .Status}}; status: {{join .Status ", "}}{{end}}{{if .Traits}}; traits: {{join .Traits ", "}}{{end}}{{range $other, $rel := .Relationships}}; {{$other}}: {{$rel}}{{end}} (as of chapter {{.Chapter}})
{{end}}{{end}}`

var defaults = map[types.Task]string{
	types.TaskArchitecture: `You are a novelist designing the foundation of a {{.Project.Genre}} novel.

Topic: {{.Project.Topic}}
Planned length: {{.Project.ChapterCount}} chapters of about {{.Project.WordsPerChapter}} words each.
{{- if .Project.Guidance}}
Author guidance: {{.Project.Guidance}}
{{- end}}

Write the novel's architecture in Markdown with exactly these sections:

## Premise
The central conflict, stakes and themes.

## World
Setting, rules of the world, factions, history that matters to the plot.

## Characters
One line per principal character, formatted as
- Name: role, personality traits, starting location, relationships
Add "[dead]" or "[missing]" at the end of a line only if the character starts in that state.

## Opening
The situation on the first page and the inciting incident of chapter 1.

Output only the document, with no commentary before or after it.
{{- if .Augment}}

{{.Augment}}
{{- end}}
`,

	types.TaskBlueprint: characterDigest + `You are outlining chapter {{.Chapter}} of {{.Project.ChapterCount}} of a {{.Project.Genre}} novel.

# Architecture
{{.Architecture}}
{{if .Previous}}
# Previous chapter ({{.Previous.Chapter}}: {{.Previous.Title}})
Goal: {{.Previous.Goal}}
Key events already used (do not repeat them):
{{range .Previous.KeyEvents}}- {{.}}
{{end}}
{{- else}}
# Opening premise
{{.Opening}}
{{end}}
{{- if .Summary}}
# Story so far
{{.Summary}}
{{end}}
{{- if .Characters}}
# Character state
{{template "characters" .Characters}}
{{- end}}
Advance the plot beyond the previous chapter. Respond with one JSON object and nothing else:
{"title": "...", "goal": "...", "key_events": ["...", "..."], "characters": ["character-id", "..."], "scene_location": "...", "time_constraint": "...", "key_items": ["..."]}
Use character ids from the character state where they exist.
{{- if .Correction}}

Your previous answer was rejected: {{.Correction}}
{{- end}}
`,

	types.TaskDraft: characterDigest + `You are writing chapter {{.Blueprint.Chapter}} of a {{.Project.Genre}} novel.
{{- if .Project.Guidance}}
Author guidance: {{.Project.Guidance}}
{{- end}}

# Chapter outline
Title: {{.Blueprint.Title}}
Goal: {{.Blueprint.Goal}}
Key events, in order:
{{range .Blueprint.KeyEvents}}- {{.}}
{{end}}
{{- if .Blueprint.SceneLocation}}Scene location: {{.Blueprint.SceneLocation}}
{{end}}
{{- if .Blueprint.TimeConstraint}}Time constraint: {{.Blueprint.TimeConstraint}}
{{end}}
{{- if .Blueprint.KeyItems}}Key items: {{join .Blueprint.KeyItems ", "}}
{{end}}
{{- if .Characters}}
# Characters at the start of this chapter
{{template "characters" .Characters}}
{{- end}}
{{- if .Summary}}
# Story so far
{{.Summary}}
{{end}}
{{- range .Recent}}
# Text of chapter {{.Chapter}}
{{.Text}}
{{end}}
{{- if .Retrieved}}
# Reference notes
{{range .Retrieved}}---
{{.}}
{{end}}
{{- end}}
Write the full chapter prose, about {{.Project.WordsPerChapter}} words. Stay consistent with the character state and the story so far. Output only the chapter text.
{{- if .LengthInstruction}}

{{.LengthInstruction}}
{{- end}}
{{- if .Corrections}}

The previous draft contradicted established facts. Fix every problem below:
{{range .Corrections}}- {{.Description}}{{if .Suggestion}} (fix: {{.Suggestion}}){{end}}
{{end}}
{{- end}}
{{- if .Previous}}

Previous draft to revise:
{{.Previous}}
{{- end}}
`,

	types.TaskConsistency: characterDigest + `You are a continuity editor. Compare the chapter below with the established facts.
{{if .Architecture}}
# Architecture
{{.Architecture}}
{{end}}
{{- if .Summary}}
# Story so far
{{.Summary}}
{{end}}
# Chapter outline
Goal: {{.Blueprint.Goal}}
Key events:
{{range .Blueprint.KeyEvents}}- {{.}}
{{end}}
# Established character state (end of the previous chapter)
{{template "characters" .Characters}}
{{- if .Known}}
# Known names
{{join .Known ", "}}
{{end}}
# Chapter text
{{.Text}}

Flag contradictions: a dead or missing character acting without an event in the outline explaining it, a character appearing somewhere they could not be, named people or places that were never introduced and are not explained. Mark an issue "blocking" only when it breaks continuity; otherwise "advisory".
Respond with one JSON object and nothing else:
{"issues": [{"severity": "blocking|advisory", "kind": "status|location|unknown_entity|other", "character": "character-id or empty", "description": "...", "suggestion": "..."}]}
Return {"issues": []} when the chapter is consistent.
`,

	types.TaskStateDelta: characterDigest + `Update the character records to reflect the end of chapter {{.Chapter}}.

# Records at the start of the chapter
{{template "characters" .Characters}}
# Chapter text
{{.Text}}

For every character whose location, status or relationships changed, and for every new named character, respond with one JSON object and nothing else:
{"characters": [{"id": "character-id", "name": "...", "location": "...", "status": ["alive"], "relationships": {"other-id": "relation"}, "traits": ["..."]}]}
Omit characters that did not change. Status flags are lowercase words such as alive, injured, dead, missing.
`,

	types.TaskSummary: `{{if .Compress}}Shorten the plot summary below to fit within about {{.BudgetTokens}} tokens. Keep every fact later chapters depend on: who is alive, where people are, unresolved threads. Drop scene detail first.

{{.Previous}}
{{- else}}Merge chapter {{.Chapter}} into the running plot summary. Keep it under about {{.BudgetTokens}} tokens, favoring facts later chapters depend on.

# Summary so far
{{if .Previous}}{{.Previous}}{{else}}(none){{end}}

# Chapter {{.Chapter}} (goal: {{.Goal}})
{{.ChapterText}}
{{- end}}

Output only the summary text.
`,
}
