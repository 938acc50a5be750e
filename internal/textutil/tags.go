// Package textutil implements the tag conventions recognised in stored text.
//
// Two XML-like wrappers appear in prompts and tool payloads: the context
// block injected by the worker itself (canonical and legacy spellings) and
// the <private> wrapper users put around text that must never be persisted.
// Both are stripped on ingest and when rendering.
package textutil

import (
	"regexp"
	"strings"
)

// maxTagsPerPayload bounds how many wrapper tags are stripped from a single
// payload. Pathological inputs with thousands of nested tags would otherwise
// make the regex passes arbitrarily expensive.
const maxTagsPerPayload = 32

var (
	contextBlockRe = regexp.MustCompile(`(?s)<codemem-context>.*?</codemem-context>`)
	legacyBlockRe  = regexp.MustCompile(`(?s)<memworker-context>.*?</memworker-context>`)
	privateRe      = regexp.MustCompile(`(?s)<private>.*?</private>`)
	privateOnlyRe  = regexp.MustCompile(`(?s)^\s*<private>.*</private>\s*$`)
)

// StripContextBlocks removes canonical and legacy context-block wrappers,
// preserving surrounding text. Stripping is idempotent.
func StripContextBlocks(text string) string {
	text = replaceBounded(contextBlockRe, text)
	text = replaceBounded(legacyBlockRe, text)
	return text
}

// StripPrivate removes <private>…</private> spans, preserving surrounding text.
func StripPrivate(text string) string {
	return replaceBounded(privateRe, text)
}

// Clean applies both context-block and private stripping and trims the result.
func Clean(text string) string {
	return strings.TrimSpace(StripPrivate(StripContextBlocks(text)))
}

// IsFullyPrivate reports whether the text consists solely of a <private>
// wrapper (or is empty after stripping). Such prompts are accepted by the
// ingest API but never persisted.
func IsFullyPrivate(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	if privateOnlyRe.MatchString(text) {
		return true
	}
	return strings.TrimSpace(StripPrivate(text)) == ""
}

func replaceBounded(re *regexp.Regexp, text string) string {
	n := 0
	return re.ReplaceAllStringFunc(text, func(match string) string {
		n++
		if n > maxTagsPerPayload {
			return match
		}
		return ""
	})
}
