package telemetry

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|password)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{8,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	regexp.MustCompile(`(?i)(mongodb(?:\+srv)?://[^:/@\s]+:)([^@\s]+)(@)`),
}

var sensitiveKeys = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}

// Redact masks secret-bearing substrings. Log lines reach every connected
// browser, so nothing credential-shaped may pass.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, pat := range secretPatterns {
		s = pat.ReplaceAllStringFunc(s, func(match string) string {
			sub := pat.FindStringSubmatch(match)
			switch len(sub) {
			case 4:
				return sub[1] + redacted + sub[3]
			case 3:
				return sub[1] + redacted
			}
			return redacted
		})
	}
	return s
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range sensitiveKeys {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func redactAttr(a slog.Attr) slog.Attr {
	if shouldRedactKey(a.Key) {
		return slog.String(a.Key, redacted)
	}
	a.Value = a.Value.Resolve()
	var v string
	switch a.Value.Kind() {
	case slog.KindString:
		v = a.Value.String()
	case slog.KindAny:
		// Errors and Stringers render as text in every sink, so they are
		// masked the same way.
		switch x := a.Value.Any().(type) {
		case error:
			v = x.Error()
		case fmt.Stringer:
			v = x.String()
		default:
			return a
		}
		return slog.String(a.Key, Redact(v))
	default:
		return a
	}
	if r := Redact(v); r != v {
		return slog.String(a.Key, r)
	}
	return a
}
