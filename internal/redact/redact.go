package redact

import (
	"net/http"
	"regexp"
	"strings"
)

var (
	// OpenAI style keys, including project and OpenRouter prefixes.
	apiKeyPattern = regexp.MustCompile(`\b(sk-(?:or-v1-|proj-)?)([A-Za-z0-9]{4})[A-Za-z0-9_-]{8,}`)

	bearerPattern = regexp.MustCompile(`\bBearer\s+[A-Za-z0-9_\-\.=]+`)

	// key=value and "key": "value" pairs with secret-looking names
	pairPattern = regexp.MustCompile(`(?i)\b(api[_-]?key|token|secret|password)(["']?\s*[:=]\s*["']?)([^\s"'&,]+)`)

	hexPattern = regexp.MustCompile(`\b[a-fA-F0-9]{32,}\b`)
)

// Redact masks credentials in s so it can be logged.
func Redact(s string) string {
	if s == "" {
		return s
	}
	// Hex runs first so a hex value keeps its prefix even behind a secret name.
	s = hexPattern.ReplaceAllStringFunc(s, func(match string) string {
		return match[:6] + masked
	})
	s = pairPattern.ReplaceAllStringFunc(s, func(match string) string {
		m := pairPattern.FindStringSubmatch(match)
		if strings.HasSuffix(m[3], masked) {
			return match
		}
		return m[1] + m[2] + masked
	})
	s = apiKeyPattern.ReplaceAllString(s, "$1$2"+masked)
	s = bearerPattern.ReplaceAllString(s, "Bearer "+masked)
	return s
}

const masked = "***"

// Key masks a configured credential for display, keeping a short prefix
// so keys can still be told apart.
func Key(key string) string {
	switch {
	case key == "":
		return "(not set)"
	case len(key) <= 8:
		return "***"
	default:
		return key[:6] + "***"
	}
}

var sensitiveHeaders = []string{"Authorization", "X-Api-Key", "Cookie"}

// Header returns a copy of h with credential headers masked.
func Header(h http.Header) http.Header {
	out := h.Clone()
	for _, name := range sensitiveHeaders {
		if out.Get(name) != "" {
			out.Set(name, "***")
		}
	}
	return out
}
