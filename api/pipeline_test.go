package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"sentinel/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestOversizedBodyRejectedBeforeAuthentication(t *testing.T) {
	env := newTestEnv(t, withMaxBody(128))

	body := loginEventBody(strings.Repeat("x", 100), 9)
	body = append(body[:len(body)-1], []byte(`,"padding":"`+strings.Repeat("a", 200)+`"}`)...)
	rec := env.do(call{method: http.MethodPost, path: "/api/v1/events", body: body, token: "not-a-token"})

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, CodePayloadTooLarge, resp.Error)
	assert.NotEmpty(t, resp.RequestID)

	records := env.completedRecords()
	require.Len(t, records, 1)
	assert.Equal(t, StageSizeGuard, records[0]["terminated_at"])
	assert.Equal(t, OutcomeRejected, records[0]["outcome"])
	assert.Equal(t, "anonymous", records[0]["subject"])
}

func TestMalformedBodyRejectedBeforeAuthentication(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(call{method: http.MethodPost, path: "/api/v1/events", body: []byte(`{"source":`)})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, CodeValidation, decodeError(t, rec).Error)
	assert.Equal(t, StageSanitize, env.completedRecords()[0]["terminated_at"])
}

func TestMissingCredential(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(call{method: http.MethodPost, path: "/api/v1/events", body: loginEventBody("e1", 1)})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, CodeUnauthenticated, resp.Error)
	assert.Equal(t, "authentication required", resp.Message)
	assert.Equal(t, StageAuthenticate, env.completedRecords()[0]["terminated_at"])
}

func TestExpiredCredentialCarriesNoDetail(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "svc-A")
	env.clock.Advance(2 * time.Hour)

	rec := env.do(call{method: http.MethodGet, path: "/api/v1/rules", token: tok})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotContains(t, rec.Body.String(), "expired")
}

func TestForbiddenWithoutRole(t *testing.T) {
	env := newTestEnv(t)
	body, _ := json.Marshal(map[string]interface{}{
		"name": "n", "severity": "high", "action": "alert",
		"conditions": []map[string]interface{}{{"field": "type", "operator": "equals", "value": "x"}},
	})
	rec := env.do(call{method: http.MethodPut, path: "/api/v1/rules/r1", body: body, token: env.token(t, "svc-A")})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, CodeForbidden, decodeError(t, rec).Error)
}

func TestRateLimitScenario(t *testing.T) {
	env := newTestEnv(t,
		withPolicy(ClassIngest, ClassPolicy{Capacity: 2, RefillRate: 1, Cost: 1}),
		withRules(bruteForceRule()))
	tok := env.token(t, "svc-A")

	first := env.do(call{method: http.MethodPost, path: "/api/v1/events", body: loginEventBody("e1", 9), token: tok})
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	second := env.do(call{method: http.MethodPost, path: "/api/v1/events", body: loginEventBody("e2", 1), token: tok})
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())

	third := env.do(call{method: http.MethodPost, path: "/api/v1/events", body: loginEventBody("e3", 9), token: tok})
	assert.Equal(t, http.StatusTooManyRequests, third.Code)
	assert.Equal(t, "1", third.Header().Get("Retry-After"))
	resp := decodeError(t, third)
	assert.Equal(t, CodeRateLimited, resp.Error)
	require.NotNil(t, resp.RetryAfter)
	assert.InDelta(t, 1.0, *resp.RetryAfter, 0.01)

	alerts, err := env.store.ListAlerts(context.Background(), storageQueryAll())
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, core.SeverityHigh, alerts[0].Severity)
	assert.Equal(t, "e1", alerts[0].EventID)

	// another caller has its own bucket
	other := env.do(call{method: http.MethodPost, path: "/api/v1/events", body: loginEventBody("e4", 1), token: env.token(t, "svc-B")})
	assert.Equal(t, http.StatusOK, other.Code)

	env.clock.Advance(time.Second)
	again := env.do(call{method: http.MethodPost, path: "/api/v1/events", body: loginEventBody("e5", 1), token: tok})
	assert.Equal(t, http.StatusOK, again.Code)
}

func TestPublicRouteSkipsAuthAndRateLimit(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		rec := env.do(call{method: http.MethodGet, path: "/health"})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	body := decodeBodyMap(t, env.do(call{method: http.MethodGet, path: "/health"}))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["storage"])
}

func TestHealthReportsStorageOutage(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.Close())

	rec := env.do(call{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable", decodeBodyMap(t, rec)["storage"])
}

func TestTraceIDPropagation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(call{method: http.MethodGet, path: "/health", headers: map[string]string{DefaultTraceHeader: "abc_123-XYZ"}})
	assert.Equal(t, "abc_123-XYZ", rec.Header().Get(DefaultTraceHeader))

	rec = env.do(call{method: http.MethodGet, path: "/health", headers: map[string]string{DefaultTraceHeader: "bad id\r\nInjected: yes"}})
	generated := rec.Header().Get(DefaultTraceHeader)
	assert.Len(t, generated, 36)

	// a request rejected before the trace stage still gets an id
	rec = env.do(call{method: http.MethodGet, path: "/api/v1/rules"})
	resp := decodeError(t, rec)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, resp.RequestID, rec.Header().Get(DefaultTraceHeader))

	records := env.completedRecords()
	require.Len(t, records, 3)
	assert.Equal(t, "abc_123-XYZ", records[0]["trace_id"])
	assert.Equal(t, resp.RequestID, records[2]["trace_id"])
}

func TestSecurityHeadersOnEveryResponse(t *testing.T) {
	env := newTestEnv(t)
	for _, rec := range []interface{ Header() http.Header }{
		env.do(call{method: http.MethodGet, path: "/health"}),
		env.do(call{method: http.MethodGet, path: "/api/v1/rules"}),
		env.do(call{method: http.MethodPost, path: "/api/v1/events", body: []byte("{")}),
	} {
		h := rec.Header()
		assert.Equal(t, "nosniff", h.Get("X-Content-Type-Options"))
		assert.Equal(t, "DENY", h.Get("X-Frame-Options"))
		assert.Equal(t, "strict-origin-when-cross-origin", h.Get("Referrer-Policy"))
		assert.Equal(t, "default-src 'self'", h.Get("Content-Security-Policy"))
	}
}

func TestSanitizeStripsMarkupAndRejectsControlCharacters(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "svc-A")

	body := []byte(`{"id":"e1","source":"idp","type":"login_failure","fields":{"note":"<b>hi</b> there"}}`)
	rec := env.do(call{method: http.MethodPost, path: "/api/v1/events", body: body, token: tok})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	events, err := env.store.LoadEvents(context.Background(), eventQueryAll())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "hi there", events[0].Fields["note"])

	body = []byte(`{"source":"idp","type":"login_failure","fields":{"list":["ok","bad\u0007"]}}`)
	rec = env.do(call{method: http.MethodPost, path: "/api/v1/events", body: body, token: tok})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeError(t, rec)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "fields.list[1]", resp.Errors[0].Field)
}

func TestSchemaViolationListsFields(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(call{method: http.MethodPost, path: "/api/v1/events", body: []byte(`{"source":"idp","extra":1}`), token: env.token(t, "svc-A")})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, CodeValidation, resp.Error)
	assert.GreaterOrEqual(t, len(resp.Errors), 2)
}

func TestHostAllowList(t *testing.T) {
	env := newTestEnv(t, withAllowedHosts("gateway.example.com"))
	rec := env.do(call{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "host", decodeError(t, rec).Errors[0].Field)
}

func TestPathVariablesAreChecked(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(call{method: http.MethodGet, path: "/api/v1/rules/%3Cscript%3E", token: env.token(t, "svc-A")})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestMsgpackIngest(t *testing.T) {
	env := newTestEnv(t, withRules(bruteForceRule()))
	body, err := msgpack.Marshal(map[string]interface{}{
		"id":     "mp-1",
		"source": "idp",
		"type":   "login_failure",
		"fields": map[string]interface{}{"count": 12},
	})
	require.NoError(t, err)

	rec := env.do(call{method: http.MethodPost, path: "/api/v1/events", body: body, contentType: "application/msgpack", token: env.token(t, "svc-A")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBodyMap(t, rec)
	assert.Equal(t, "mp-1", resp["event_id"])
	assert.Len(t, resp["alerts"], 1)
}

func TestUnsupportedContentType(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(call{method: http.MethodPost, path: "/api/v1/events", body: []byte("a=b"), contentType: "application/x-www-form-urlencoded", token: env.token(t, "svc-A")})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandlerPanicIsContained(t *testing.T) {
	env := newTestEnv(t)
	h := env.pipeline.Handle(&Route{Name: "boom", Method: http.MethodGet, Path: "/boom", Public: true,
		Handler: func(ctx context.Context, req *HandlerRequest) (*Response, error) {
			panic("secret internal state")
		}})

	rec := newRecorder()
	h(rec, newRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, CodeInternal, resp.Error)
	assert.NotContains(t, rec.Body.String(), "secret")
	assert.Equal(t, OutcomeError, env.completedRecords()[0]["outcome"])
}

func TestStorageErrorsKeepDetailOut(t *testing.T) {
	env := newTestEnv(t)
	h := env.pipeline.Handle(&Route{Name: "store", Method: http.MethodGet, Path: "/store", Public: true,
		Handler: func(ctx context.Context, req *HandlerRequest) (*Response, error) {
			return nil, core.NewTransientStorageError("load", assert.AnError)
		}})

	rec := newRecorder()
	h(rec, newRequest(http.MethodGet, "/store", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, CodeStorageUnavailable, decodeError(t, rec).Error)
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
}

func TestNilResponseIsNoContent(t *testing.T) {
	env := newTestEnv(t)
	h := env.pipeline.Handle(&Route{Name: "empty", Method: http.MethodPost, Path: "/empty", Public: true,
		Handler: func(ctx context.Context, req *HandlerRequest) (*Response, error) { return nil, nil }})

	rec := newRecorder()
	h(rec, newRequest(http.MethodPost, "/empty", bytes.NewReader(nil)))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}

func TestNewPipelineValidatesConfig(t *testing.T) {
	env := newTestEnv(t)
	_, err := NewPipeline(PipelineConfig{}, env.pipeline.tokens, env.pipeline.limiter, nil)
	assert.Error(t, err)
	_, err = NewPipeline(PipelineConfig{MaxBodyBytes: 1}, nil, env.pipeline.limiter, nil)
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"BEARER  abc ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := bearerToken(tt.header)
		assert.Equal(t, tt.ok, ok, tt.header)
		assert.Equal(t, tt.want, got, tt.header)
	}
}
