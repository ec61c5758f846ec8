package api

import (
	"math"
	"net/http"
	"strconv"

	"sentinel/core"
)

// Stable external error codes. Clients may branch on these; messages may change.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeUnauthenticated    = "UNAUTHENTICATED"
	CodeForbidden          = "FORBIDDEN"
	CodeRateLimited        = "RATE_LIMITED"
	CodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	CodeNotFound           = "NOT_FOUND"
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	CodeStorageError       = "STORAGE_ERROR"
	CodeInternal           = "INTERNAL_SERVER_ERROR"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error      string            `json:"error"`
	Message    string            `json:"message"`
	RequestID  string            `json:"request_id"`
	RetryAfter *float64          `json:"retry_after,omitempty"`
	Errors     []core.FieldError `json:"errors,omitempty"`
}

// translateError maps any error to a status and a body that is safe to send.
// Only the Message of a *core.Error reaches the caller; wrapped causes never do.
func translateError(err error, requestID string) (int, ErrorResponse) {
	resp := ErrorResponse{RequestID: requestID}
	e, ok := core.AsError(err)
	if !ok {
		resp.Error = CodeInternal
		resp.Message = "internal server error"
		return http.StatusInternalServerError, resp
	}

	resp.Message = e.Message
	switch e.Kind {
	case core.KindValidation:
		resp.Error = CodeValidation
		resp.Errors = e.Fields
		return http.StatusUnprocessableEntity, resp
	case core.KindUnauthenticated:
		resp.Error = CodeUnauthenticated
		resp.Message = "authentication required"
		return http.StatusUnauthorized, resp
	case core.KindForbidden:
		resp.Error = CodeForbidden
		return http.StatusForbidden, resp
	case core.KindRateLimited:
		resp.Error = CodeRateLimited
		secs := e.RetryAfter.Seconds()
		resp.RetryAfter = &secs
		return http.StatusTooManyRequests, resp
	case core.KindPayloadTooLarge:
		resp.Error = CodePayloadTooLarge
		return http.StatusRequestEntityTooLarge, resp
	case core.KindNotFound:
		resp.Error = CodeNotFound
		return http.StatusNotFound, resp
	case core.KindTransientStorage:
		resp.Error = CodeStorageUnavailable
		return http.StatusServiceUnavailable, resp
	case core.KindPermanentStorage:
		resp.Error = CodeStorageError
		return http.StatusInternalServerError, resp
	}
	resp.Error = CodeInternal
	resp.Message = "internal server error"
	return http.StatusInternalServerError, resp
}

// retryAfterHeader renders a Retry-After value in whole seconds, rounded up
// and never below one.
func retryAfterHeader(seconds float64) string {
	s := int(math.Ceil(seconds))
	if s < 1 {
		s = 1
	}
	return strconv.Itoa(s)
}
