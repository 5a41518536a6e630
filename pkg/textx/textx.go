// Package textx provides small text utilities used across the project.
package textx

import (
	"strings"
	"unicode"
)

// SanitizeText removes control characters except tab/newline/CR and trims spaces.
func SanitizeText(s string) string {
	// strip control chars outside tab/newline/carriage return
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// StripZeroWidth removes zero-width code points (ZWSP, ZWNJ, ZWJ, BOM).
func StripZeroWidth(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\ufeff':
			return -1
		}
		return r
	}, s)
}

// NormalizeNewlines converts CRLF and lone CR to LF.
func NormalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// CollapseSpaces reduces runs of horizontal whitespace to a single space and
// trims trailing spaces per line. Newlines are preserved.
func CollapseSpaces(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		var b strings.Builder
		inRun := false
		for _, r := range line {
			if r == ' ' || r == '\t' || unicode.Is(unicode.Zs, r) {
				inRun = true
				continue
			}
			if inRun && b.Len() > 0 {
				b.WriteByte(' ')
			}
			inRun = false
			b.WriteRune(r)
		}
		lines[i] = b.String()
	}
	return strings.Join(lines, "\n")
}

// LimitBlankLines caps consecutive blank lines at max.
func LimitBlankLines(s string, max int) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blanks := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			blanks++
			if blanks > max {
				continue
			}
			out = append(out, "")
			continue
		}
		blanks = 0
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// CollapseWhitespace folds every whitespace run (including newlines) into a
// single space and trims the result. Used for content fingerprinting.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
