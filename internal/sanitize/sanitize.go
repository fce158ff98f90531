// Package sanitize strips reasoning and identity noise that some worker
// models leak into their final output. Every pass is a heuristic: literal
// underscores or markdown in legitimate text can be misclassified, so the
// transform is best-effort cleanup, never a correctness guarantee.
package sanitize

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// "Reasoning: _internal thoughts_" at the very start of the response.
	leadingItalicReasoning = regexp.MustCompile(`(?is)^\s*reasoning:\s*[_*][^_*]+[_*]\s*`)

	// Same block appearing mid-text.
	midItalicReasoning = regexp.MustCompile(`(?is)reasoning:\s*[_*][^_*]+[_*]\s*`)

	// Plain-text reasoning paragraph at the start, terminated by a blank line.
	leadingPlainReasoning = regexp.MustCompile(`(?is)^\s*reasoning:.*?\n\s*\n`)

	// Standalone metadata lines the worker sometimes prints about itself.
	metadataLine = regexp.MustCompile(`(?i)^\s*(identity|status|agent|model|mode|persona)\s*:\s*\S.*$`)

	// "reasoning: on" / "reasoning: off" toggle echoes.
	toggleLine = regexp.MustCompile(`(?i)^\s*reasoning:\s*(on|off)\s*$`)

	excessBlankLines = regexp.MustCompile(`\n{3,}`)
)

// minTailLength is the shortest trailing segment the recovery heuristic will
// accept as the true answer.
const minTailLength = 20

// Clean applies the ordered sanitization passes and returns the result.
func Clean(text string) string {
	if text == "" {
		return ""
	}

	out := leadingItalicReasoning.ReplaceAllString(text, "")
	out = midItalicReasoning.ReplaceAllString(out, "")
	out = leadingPlainReasoning.ReplaceAllString(out, "")
	out = stripMetadataLines(out)
	out = recoverTail(out)
	out = excessBlankLines.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

func stripMetadataLines(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if toggleLine.MatchString(line) || metadataLine.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// recoverTail scans backward for the last italic-closing marker followed by an
// uppercase or markup character. If a long enough tail exists and the earlier
// text still carries italic markers, the tail is treated as the true answer.
func recoverTail(text string) string {
	for i := len(text) - 1; i > 0; i-- {
		c := text[i]
		if c != '_' && c != '*' {
			continue
		}

		rest := strings.TrimLeft(text[i+1:], " \t\n")
		if rest == "" {
			continue
		}
		first := rune(rest[0])
		if !unicode.IsUpper(first) && !strings.ContainsRune("#>*-`", first) {
			continue
		}
		if len(rest) < minTailLength {
			continue
		}
		if !strings.ContainsAny(text[:i], "_*") {
			continue
		}
		return rest
	}
	return text
}
