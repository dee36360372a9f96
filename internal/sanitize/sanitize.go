package sanitize

import (
	"regexp"
	"strings"
	"unicode"
)

// CSI and OSC terminal escape sequences
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)

// StripANSI removes terminal escape sequences.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// StripControlChars removes non-printable control characters except newline,
// carriage return and tab.
func StripControlChars(s string) string {
	var builder strings.Builder
	builder.Grow(len(s))

	for _, r := range s {
		if r == '\n' || r == '\t' || r == '\r' {
			builder.WriteRune(r)
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		builder.WriteRune(r)
	}

	return builder.String()
}

// Input cleans a line typed at the console. Escape sequences, control
// characters and one trailing line terminator are dropped. Other whitespace
// is kept, so a line of spaces is not empty.
func Input(s string) string {
	s = strings.TrimSuffix(strings.TrimSuffix(s, "\n"), "\r")
	return StripControlChars(StripANSI(s))
}

// Output cleans model text before it is printed to a terminal.
func Output(s string) string {
	return StripControlChars(StripANSI(s))
}

// Preview collapses s to a single line of at most max runes.
func Preview(s string, max int) string {
	s = strings.Join(strings.Fields(StripControlChars(s)), " ")
	runes := []rune(s)
	if max <= 0 || len(runes) <= max {
		return s
	}
	if max == 1 {
		return "…"
	}
	return string(runes[:max-1]) + "…"
}
