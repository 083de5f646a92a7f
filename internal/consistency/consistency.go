// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package consistency checks a drafted chapter against the character state
// committed by the previous chapter and reports contradictions as blocking
// or advisory issues.
//
// Two passes contribute issues. A deterministic pass flags characters whose
// recorded status contradicts the chapter: a dead or missing character who
// takes part in it, or a living one the text treats as dead. A recorded
// status is only overridden by an outline event after the chapter that set
// it: a death event for a living character, a return for a dead or missing
// one. An LLM pass compares the text with a digest of the character state,
// the architecture and the story so far, and reports location breaks,
// unknown entities and anything else it finds.
package consistency

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/pdiddy/novelist/internal/llm"
	"github.com/pdiddy/novelist/internal/prompts"
	"github.com/pdiddy/novelist/internal/textutil"
	"github.com/pdiddy/novelist/pkg/types"
)

// Input is what one check needs.
type Input struct {
	Project   types.Project
	Blueprint types.ChapterBlueprint
	Draft     types.ChapterDraft

	// Characters is the character state as of the previous chapter.
	Characters []types.CharacterState

	// Outline holds the blueprints of chapters 1 through the checked one.
	Outline []types.ChapterBlueprint

	// Architecture is the world document and Summary the global summary
	// as of the previous chapter.
	Architecture string
	Summary      string

	// Known lists additional names established by the architecture.
	Known []string
}

// Report is the outcome of a check.
type Report struct {
	Issues []types.Issue

	// Unavailable is set when the model's answer could not be parsed and
	// only the deterministic pass contributed.
	Unavailable bool
}

// Blocking reports whether any issue is blocking.
func (r Report) Blocking() bool { return types.Blocking(r.Issues) }

// Checker runs consistency checks.
type Checker struct {
	gen     llm.Generator
	prompts *prompts.Set
	policy  types.PolicyConfig
	logger  *zap.Logger
}

// New returns a Checker.
func New(gen llm.Generator, set *prompts.Set, policy types.PolicyConfig, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{gen: gen, prompts: set, policy: policy, logger: logger}
}

// Check returns the issues found in in.Draft. Only provider failures are
// returned as errors; an unusable answer degrades to an advisory note.
func (c *Checker) Check(ctx context.Context, in Input) (Report, error) {
	log := c.logger.With(zap.String("project", in.Project.ID), zap.Int("chapter", in.Blueprint.Chapter))
	rule := StatusIssues(in.Draft.Text, in.Blueprint, in.Characters, in.Outline)

	data := prompts.ConsistencyData{
		Blueprint:    in.Blueprint,
		Characters:   relevant(in.Draft.Text, in.Blueprint, in.Characters),
		Architecture: strings.TrimSpace(in.Architecture),
		Summary:      strings.TrimSpace(in.Summary),
		Known:        knownNames(in.Characters, in.Known),
		Text:         in.Draft.Text,
	}
	prompt, err := c.prompts.Render(types.TaskConsistency, data)
	if err != nil {
		return Report{}, fmt.Errorf("rendering consistency prompt: %w", err)
	}

	var (
		model   []types.Issue
		parsed  bool
		lastErr error
	)
	for attempt := 0; attempt <= c.policy.ContentRetries; attempt++ {
		out, err := c.gen.Generate(ctx, llm.Request{
			Task:        types.TaskConsistency,
			Prompt:      prompt,
			Temperature: c.policy.AnalyticTemperature,
		})
		if err != nil {
			return Report{}, err
		}
		if model, lastErr = ParseIssues(out); lastErr == nil {
			parsed = true
			break
		}
		log.Warn("unparseable consistency answer", zap.Int("attempt", attempt+1), zap.Error(lastErr))
	}

	r := Report{Issues: merge(rule, model)}
	if !parsed {
		r.Unavailable = true
		r.Issues = append(r.Issues, types.Issue{
			Severity:    types.SeverityAdvisory,
			Kind:        types.IssueOther,
			Description: fmt.Sprintf("model consistency check unavailable: %v", lastErr),
		})
	}
	log.Info("consistency checked",
		zap.Int("issues", len(r.Issues)),
		zap.Bool("blocking", r.Blocking()),
		zap.Bool("unavailable", r.Unavailable))
	return r, nil
}

type issueList struct {
	Issues []types.Issue `json:"issues"`
}

// ParseIssues reads the model's issue list. Unknown severities become
// advisory and unknown kinds become other.
func ParseIssues(out string) ([]types.Issue, error) {
	raw := textutil.ExtractJSON(out)
	if raw == "" {
		return nil, fmt.Errorf("no JSON in answer")
	}
	var list issueList
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &list.Issues); err != nil {
			return nil, fmt.Errorf("invalid JSON: %v", err)
		}
	} else if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("invalid JSON: %v", err)
	}

	issues := make([]types.Issue, 0, len(list.Issues))
	for _, is := range list.Issues {
		is.Description = strings.TrimSpace(is.Description)
		if is.Description == "" {
			continue
		}
		if types.Severity(strings.ToLower(string(is.Severity))) == types.SeverityBlocking {
			is.Severity = types.SeverityBlocking
		} else {
			is.Severity = types.SeverityAdvisory
		}
		switch kind := types.IssueKind(strings.ToLower(string(is.Kind))); kind {
		case types.IssueStatus, types.IssueLocation, types.IssueUnknownEntity:
			is.Kind = kind
		default:
			is.Kind = types.IssueOther
		}
		is.Character = textutil.Slug(is.Character)
		issues = append(issues, is)
	}
	return issues, nil
}

var (
	// deathEvent and returnEvent mark outline events that kill a
	// character or bring one back.
	deathEvent  = regexp.MustCompile(`(?i)\b(die[sd]?|dying|death|dead|killed|slain|murdered|executed|perish(es|ed)?)\b`)
	returnEvent = regexp.MustCompile(`(?i)\b(return(s|ed|ing)?|revive[sd]?|resurrect(s|ed)?|reappear(s|ed)?|rescued|alive|comes back|came back)\b`)
)

// deadPattern matches phrases that treat one of names as dead.
func deadPattern(names []string) *regexp.Regexp {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = regexp.QuoteMeta(n)
	}
	alt := "(?:" + strings.Join(quoted, "|") + ")"
	return regexp.MustCompile(`(?i)\b(?:` +
		`(?:the late|late|dead|deceased|corpse of|body of|grave of|tomb of|death of|funeral of|mourned|mourning|buried)\s+` + alt + `\b` +
		`|` + alt + `(?:'s)?\s+(?:was|is|lay|lies|had been)?\s*(?:dead|deceased|corpse|grave|tomb|funeral|body lay)\b)`)
}

// StatusIssues is the deterministic pass. A character flagged dead or
// missing whom the blueprint lists as taking part is a blocking status
// issue; one merely named in the text is advisory. A living character the
// text describes as dead is blocking. Only events in bp or in outline
// chapters after the character's recorded version waive an issue: a return
// waives the dead or missing checks, a death waives the living one.
func StatusIssues(text string, bp types.ChapterBlueprint, chars []types.CharacterState, outline []types.ChapterBlueprint) []types.Issue {
	var issues []types.Issue
	for _, c := range chars {
		if c.HasFlag(types.FlagDead) || c.HasFlag(types.FlagMissing) {
			if outlineEvent(c, bp, outline, returnEvent) {
				continue
			}
			flag := types.FlagDead
			if !c.HasFlag(types.FlagDead) {
				flag = types.FlagMissing
			}
			switch {
			case slices.Contains(bp.Characters, c.ID):
				issues = append(issues, types.Issue{
					Severity:    types.SeverityBlocking,
					Kind:        types.IssueStatus,
					Character:   c.ID,
					Description: fmt.Sprintf("%s is %s as of chapter %d but the outline has them take part", c.Name, flag, c.Chapter),
					Suggestion:  fmt.Sprintf("remove %s from the scene or only refer to them in memory", c.Name),
				})
			case mentioned(text, c, chars):
				issues = append(issues, types.Issue{
					Severity:    types.SeverityAdvisory,
					Kind:        types.IssueStatus,
					Character:   c.ID,
					Description: fmt.Sprintf("%s is %s as of chapter %d and is named in the text; check they only appear in memory", c.Name, flag, c.Chapter),
				})
			}
			continue
		}
		if treatedAsDead(text, c, chars) && !outlineEvent(c, bp, outline, deathEvent) {
			issues = append(issues, types.Issue{
				Severity:    types.SeverityBlocking,
				Kind:        types.IssueStatus,
				Character:   c.ID,
				Description: fmt.Sprintf("%s is alive as of chapter %d but the text treats them as dead", c.Name, c.Chapter),
				Suggestion:  fmt.Sprintf("keep %s alive; no outline event kills them", c.Name),
			})
		}
	}
	return issues
}

// outlineEvent reports whether an event matching kind names c in a chapter
// after c.Chapter, up to and including bp.
func outlineEvent(c types.CharacterState, bp types.ChapterBlueprint, outline []types.ChapterBlueprint, kind *regexp.Regexp) bool {
	for _, b := range slices.Concat(outline, []types.ChapterBlueprint{bp}) {
		if b.Chapter <= c.Chapter || b.Chapter > bp.Chapter {
			continue
		}
		for _, ev := range b.KeyEvents {
			if kind.MatchString(ev) && nameIn(ev, c) {
				return true
			}
		}
	}
	return false
}

// names returns the strings the text may use for c: the full name, and
// the first name when no other character shares it.
func names(c types.CharacterState, all []types.CharacterState) []string {
	out := []string{c.Name}
	fields := strings.Fields(c.Name)
	if len(fields) < 2 {
		return out
	}
	first := fields[0]
	for _, o := range all {
		if o.ID != c.ID && strings.HasPrefix(o.Name, first) {
			return out
		}
	}
	return append(out, first)
}

// nameIn reports whether s names c by full or first name, ignoring case.
func nameIn(s string, c types.CharacterState) bool {
	s = strings.ToLower(s)
	if containsName(s, strings.ToLower(c.Name)) {
		return true
	}
	f := strings.Fields(c.Name)
	return len(f) > 1 && containsName(s, strings.ToLower(f[0]))
}

func mentioned(text string, c types.CharacterState, all []types.CharacterState) bool {
	for _, n := range names(c, all) {
		if containsName(text, n) {
			return true
		}
	}
	return false
}

func treatedAsDead(text string, c types.CharacterState, all []types.CharacterState) bool {
	if c.Name == "" {
		return false
	}
	return deadPattern(names(c, all)).MatchString(text)
}

// containsName reports whether name occurs in s as a whole word. Names in
// scripts without word spacing match as substrings.
func containsName(s, name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(s); {
		j := strings.Index(s[i:], name)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(name)
		if boundary(s, start, end) {
			return true
		}
		i = start + 1
	}
	return false
}

func boundary(s string, start, end int) bool {
	before := start == 0 || !isWordByte(s[start-1])
	after := end == len(s) || !isWordByte(s[end])
	return before && after
}

func isWordByte(b byte) bool {
	return b < 0x80 && (unicode.IsLetter(rune(b)) || unicode.IsDigit(rune(b)) || b == '_')
}

// relevant returns the characters the blueprint references or the text
// names, or everyone when none match.
func relevant(text string, bp types.ChapterBlueprint, chars []types.CharacterState) []types.CharacterState {
	var out []types.CharacterState
	for _, c := range chars {
		if slices.Contains(bp.Characters, c.ID) || mentioned(text, c, chars) {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return chars
	}
	return out
}

var listTerm = regexp.MustCompile(`^\s*[-*]\s+(?:\*\*)?([^:*]+?)(?:\*\*)?\s*[:：]`)

// KnownNames lists the names an architecture document establishes: its
// headings other than the standard sections, and the terms of its
// "- Term: description" lines.
func KnownNames(architecture string) []string {
	standard := []string{types.SectionPremise, types.SectionWorld, types.SectionCharacters, types.SectionOpening}
	seen := make(map[string]bool)
	var out []string
	add := func(n string) {
		n = strings.TrimSpace(n)
		if n == "" || seen[strings.ToLower(n)] {
			return
		}
		seen[strings.ToLower(n)] = true
		out = append(out, n)
	}
	for _, s := range textutil.SplitSections(architecture) {
		if s.Heading != "" && !slices.ContainsFunc(standard, func(h string) bool { return strings.EqualFold(h, s.Heading) }) {
			add(s.Heading)
		}
		for _, line := range strings.Split(s.Body, "\n") {
			if m := listTerm.FindStringSubmatch(line); m != nil {
				add(m[1])
			}
		}
	}
	return out
}

func knownNames(chars []types.CharacterState, extra []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range extra {
		if n = strings.TrimSpace(n); n != "" && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	for _, c := range chars {
		if !seen[c.Name] {
			seen[c.Name] = true
			out = append(out, c.Name)
		}
	}
	return out
}

// merge combines deterministic and model issues, dropping a model status
// issue about a character the deterministic pass already flagged.
func merge(rule, model []types.Issue) []types.Issue {
	flagged := make(map[string]bool, len(rule))
	for _, is := range rule {
		flagged[is.Character] = true
	}
	out := append([]types.Issue(nil), rule...)
	for _, is := range model {
		if is.Kind == types.IssueStatus && is.Character != "" && flagged[is.Character] {
			continue
		}
		out = append(out, is)
	}
	return out
}
