package util

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	// MaxLogValueLength caps untrusted values written to logs
	MaxLogValueLength = 256
	// MaxRedactLength is the longest input RedactSecrets scans
	MaxRedactLength = 64 * 1024
)

var htmlTagPattern = regexp.MustCompile(`(?s)<[^>]*>`)

var secretPatterns = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`(?i)(password|passwd|pwd|secret|token|api[_-]?key)([\s:=]+)[^\s,;]+`), "${1}${2}REDACTED"},
	{regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`), "bearer REDACTED"},
	{regexp.MustCompile(`eyJ[a-zA-Z0-9_\-]+\.eyJ[a-zA-Z0-9_\-]+\.[a-zA-Z0-9_\-]+`), "REDACTED_JWT"},
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "REDACTED_AWS_KEY"},
	{regexp.MustCompile(`(?i)(mongodb(\+srv)?|redis|nats)://[^\s]+`), "$1://REDACTED"},
}

// SanitizeLogValue strips control characters (including CR and LF) and caps
// the length so an untrusted value cannot forge or flood log lines.
func SanitizeLogValue(s string) string {
	if len(s) > MaxLogValueLength {
		s = s[:MaxLogValueLength] + "...[truncated]"
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// RedactSecrets removes credentials and connection strings from error text
// before it is logged.
func RedactSecrets(s string) string {
	if len(s) > MaxRedactLength {
		s = s[:MaxRedactLength] + "...[truncated]"
	}
	for _, p := range secretPatterns {
		s = p.pattern.ReplaceAllString(s, p.replacement)
	}
	return s
}

// StripHTML removes markup tags, keeping the text between them.
func StripHTML(s string) string {
	if !strings.ContainsRune(s, '<') {
		return s
	}
	return htmlTagPattern.ReplaceAllString(s, "")
}

// HasDisallowedControl reports whether s contains a control character other
// than tab, newline or carriage return.
func HasDisallowedControl(s string) bool {
	for _, r := range s {
		if r == '\t' || r == '\n' || r == '\r' {
			continue
		}
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}
