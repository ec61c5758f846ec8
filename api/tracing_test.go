package api

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeRequestID(t *testing.T) {
	tests := []struct {
		name  string
		input string
		ok    bool
	}{
		{"valid UUID", "550e8400-e29b-41d4-a716-446655440000", true},
		{"alphanumeric only", "abc123XYZ", true},
		{"underscore", "req_42", true},
		{"empty", "", false},
		{"too long", strings.Repeat("a", maxRequestIDLength+1), false},
		{"max length", strings.Repeat("a", maxRequestIDLength), true},
		{"newline injection", "abc\nfake=entry", false},
		{"space", "abc def", false},
		{"unicode", "abcé", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := sanitizeRequestID(tt.input)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.input, got)
			} else {
				assert.Empty(t, got)
			}
		})
	}
}

func TestResolveTraceID(t *testing.T) {
	assert.Equal(t, "caller-id", resolveTraceID("caller-id"))

	generated := resolveTraceID("bad id")
	_, err := uuid.Parse(generated)
	assert.NoError(t, err)
	assert.NotEqual(t, generated, resolveTraceID(""))
}
