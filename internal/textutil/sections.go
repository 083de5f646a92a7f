// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package textutil

import (
	"regexp"
	"strings"
	"unicode"
)

// Section is a chunk of Markdown under one heading.
type Section struct {
	Heading string
	Body    string
}

// SplitSections splits Markdown on "#", "##" and "###" headings. Text before
// the first heading becomes a section with an empty heading.
func SplitSections(content string) []Section {
	var sections []Section
	heading := ""
	var body []string

	flush := func() {
		b := strings.TrimSpace(strings.Join(body, "\n"))
		if heading != "" || b != "" {
			sections = append(sections, Section{Heading: heading, Body: b})
		}
		body = nil
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if isHeading(trimmed) {
			flush()
			heading = strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			continue
		}
		body = append(body, line)
	}
	flush()
	return sections
}

func isHeading(line string) bool {
	return strings.HasPrefix(line, "# ") || strings.HasPrefix(line, "## ") || strings.HasPrefix(line, "### ")
}

// FindSection returns the body of the first section whose heading contains
// name (case-insensitive), or "".
func FindSection(content, name string) string {
	want := strings.ToLower(name)
	for _, s := range SplitSections(content) {
		if strings.Contains(strings.ToLower(s.Heading), want) {
			return s.Body
		}
	}
	return ""
}

// ChunkText splits text into chunks of roughly maxTokens each, breaking on
// paragraph boundaries. A single paragraph longer than maxTokens is split
// on rune boundaries.
func ChunkText(text string, maxTokens int) []string {
	if maxTokens <= 0 {
		maxTokens = 400
	}
	var chunks []string
	var cur strings.Builder
	curTokens := 0

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
		curTokens = 0
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		t := EstimateTokens(para)
		if curTokens > 0 && curTokens+t > maxTokens {
			flush()
		}
		for t > maxTokens {
			head := TruncateTokensHead(para, maxTokens)
			if head == "" {
				break
			}
			chunks = append(chunks, strings.TrimSpace(head))
			para = strings.TrimSpace(para[len(head):])
			t = EstimateTokens(para)
		}
		if para == "" {
			continue
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
		curTokens += t
	}
	flush()
	return chunks
}

var slugSep = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// Slug lowercases s and joins its letter and digit runs with hyphens.
func Slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Trim(slugSep.ReplaceAllString(s, "-"), "-")
}

// metaPrefixes are lines models put around the requested content.
var metaPrefixes = []string{
	"here is", "here's", "sure,", "sure!", "certainly", "of course",
	"below is", "i hope", "let me know", "feel free", "note:",
}

// StripMetaCommentary removes code fences and leading or trailing chatter
// lines such as "Here is the chapter:" from model output.
func StripMetaCommentary(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")

	isMeta := func(line string) bool {
		l := strings.ToLower(strings.TrimSpace(line))
		if strings.HasPrefix(l, "```") || l == "---" {
			return true
		}
		for _, p := range metaPrefixes {
			if strings.HasPrefix(l, p) {
				return true
			}
		}
		return false
	}

	start, end := 0, len(lines)
	for start < end && (strings.TrimSpace(lines[start]) == "" || isMeta(lines[start])) {
		start++
	}
	for end > start && (strings.TrimSpace(lines[end-1]) == "" || isMeta(lines[end-1])) {
		end--
	}
	return strings.TrimFunc(strings.Join(lines[start:end], "\n"), unicode.IsSpace)
}

var fencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n(.*?)```")

// ExtractJSON returns the JSON payload in model output: the contents of a
// fenced block if present, otherwise the span from the first opening
// brace or bracket to the matching last closer. It returns "" when no
// candidate is found.
func ExtractJSON(s string) string {
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= start {
		return ""
	}
	return s[start : end+1]
}
