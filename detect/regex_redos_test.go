package detect

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReDoSProtection_CatastrophicBacktracking(t *testing.T) {
	maliciousPatterns := []struct {
		name    string
		pattern string
		input   string
	}{
		{"Nested quantifiers (a+)+", "^(a+)+$", strings.Repeat("a", 30) + "X"},
		{"Nested quantifiers (a*)*", "^(a*)*$", strings.Repeat("a", 30) + "X"},
		{"Exponential backtracking (a+)+b", "(a+)+b", strings.Repeat("a", 30) + "X"},
		{"Alternation overlap (a|a)+", "^(a|a)+$", strings.Repeat("a", 30) + "X"},
		{"Complex nested (.*)+", "(.*)+", strings.Repeat("a", 50)},
	}

	timeout := 50 * time.Millisecond
	rc, err := NewRegexCache(16, timeout)
	require.NoError(t, err)

	for _, tt := range maliciousPatterns {
		t.Run(tt.name, func(t *testing.T) {
			re, err := rc.Compile(tt.pattern)
			require.NoError(t, err)

			start := time.Now()
			_, err = matchRegex(re, tt.input)
			elapsed := time.Since(start)

			if err != nil && !errors.Is(err, ErrRegexTimeout) {
				t.Fatalf("unexpected error: %v", err)
			}
			// regexp2 checks its deadline periodically, allow generous slack
			assert.Less(t, elapsed, 20*timeout, "pattern %q ran for %v", tt.pattern, elapsed)
		})
	}
}

func TestReDoSProtection_LegitimatePatterns(t *testing.T) {
	rc, err := NewRegexCache(16, 100*time.Millisecond)
	require.NoError(t, err)

	tests := []struct {
		pattern string
		input   string
		want    bool
	}{
		{`^[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}$`, "analyst@example.com", true},
		{`(?i)powershell.*-enc`, "PowerShell.exe -NoP -Enc SQBFAFgA", true},
		{`^\d{1,3}(\.\d{1,3}){3}$`, "10.20.30.40", true},
		{`^\d{1,3}(\.\d{1,3}){3}$`, "10.20.30", false},
	}
	for _, tt := range tests {
		re, err := rc.Compile(tt.pattern)
		require.NoError(t, err)
		got, err := matchRegex(re, tt.input)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "pattern %q input %q", tt.pattern, tt.input)
	}
}

func BenchmarkRegexMatch(b *testing.B) {
	rc, err := NewRegexCache(16, 100*time.Millisecond)
	if err != nil {
		b.Fatal(err)
	}
	re, err := rc.Compile(`(?i)(mimikatz|sekurlsa|lsadump)`)
	if err != nil {
		b.Fatal(err)
	}
	input := strings.Repeat("benign command line ", 20) + "sekurlsa::logonpasswords"
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = matchRegex(re, input)
	}
}
