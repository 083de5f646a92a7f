// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package textutil holds the text measurement and shaping helpers shared by
// the pipeline stages: word and token estimation, tail truncation,
// Markdown section splitting, paragraph chunking and lenient JSON
// extraction from model output.
package textutil

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// charsPerToken is the estimate for non-CJK text.
const charsPerToken = 4

// isCJK reports whether r is a Han, Hiragana, Katakana or Hangul rune.
// Each such rune counts as one word and one token.
func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

// CountWords counts CJK runes individually and whitespace-delimited runs
// of other text as one word each.
func CountWords(s string) int {
	n := 0
	inWord := false
	for _, r := range s {
		switch {
		case isCJK(r):
			n++
			inWord = false
		case unicode.IsSpace(r) || unicode.IsPunct(r) && !inWord:
			inWord = false
		default:
			if !inWord {
				n++
				inWord = true
			}
		}
	}
	return n
}

// EstimateTokens approximates the token count of s: one token per CJK
// rune, and one per four characters of other text, rounded up.
func EstimateTokens(s string) int {
	cjk, other := 0, 0
	for _, r := range s {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	return cjk + (other+charsPerToken-1)/charsPerToken
}

// TruncateTokensTail returns the longest suffix of s whose estimated token
// count is at most limit. The cut is moved forward to the next line or word
// boundary when one is close.
func TruncateTokensTail(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if EstimateTokens(s) <= limit {
		return s
	}

	// Walk backwards accumulating the cost of each rune.
	cjk, other := 0, 0
	cut := len(s)
	for cut > 0 {
		r, size := utf8.DecodeLastRuneInString(s[:cut])
		nc, no := cjk, other
		if isCJK(r) {
			nc++
		} else {
			no++
		}
		if nc+(no+charsPerToken-1)/charsPerToken > limit {
			break
		}
		cjk, other = nc, no
		cut -= size
	}

	tail := s[cut:]
	if i := strings.IndexByte(tail, '\n'); i >= 0 && i < len(tail)/4 {
		return strings.TrimLeft(tail[i+1:], "\n")
	}
	if i := strings.IndexFunc(tail, unicode.IsSpace); i >= 0 && i < 32 {
		return strings.TrimLeftFunc(tail[i:], unicode.IsSpace)
	}
	return tail
}

// TruncateTokensHead returns the longest prefix of s within limit tokens.
func TruncateTokensHead(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if EstimateTokens(s) <= limit {
		return s
	}
	cjk, other := 0, 0
	end := 0
	for i, r := range s {
		nc, no := cjk, other
		if isCJK(r) {
			nc++
		} else {
			no++
		}
		if nc+(no+charsPerToken-1)/charsPerToken > limit {
			break
		}
		cjk, other = nc, no
		end = i + utf8.RuneLen(r)
	}
	return s[:end]
}
