package api

import (
	"github.com/google/uuid"
)

// DefaultTraceHeader is used when no trace header is configured.
const DefaultTraceHeader = "X-Request-ID"

// maxRequestIDLength bounds caller-supplied trace ids.
const maxRequestIDLength = 64

// sanitizeRequestID accepts a caller-supplied id only if it is 1-64 characters
// of letters, digits, '-' and '_'. Anything else could inject into logs.
func sanitizeRequestID(id string) (string, bool) {
	if id == "" || len(id) > maxRequestIDLength {
		return "", false
	}
	for _, c := range id {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_') {
			return "", false
		}
	}
	return id, true
}

// resolveTraceID reuses a valid caller-supplied id or generates a UUIDv4.
func resolveTraceID(supplied string) string {
	if id, ok := sanitizeRequestID(supplied); ok {
		return id
	}
	return uuid.New().String()
}
