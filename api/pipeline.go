package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"runtime/debug"
	"strings"
	"time"

	"sentinel/core"
	"sentinel/metrics"
	"sentinel/util"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// Stage names, as reported in the terminated_at log field.
const (
	StageSizeGuard    = "size_guard"
	StageSanitize     = "sanitize"
	StageAuthenticate = "authenticate"
	StageRateLimit    = "rate_limit"
	StageTrace        = "trace"
	StageHandler      = "handler"
)

// Request outcomes for logs and metrics.
const (
	OutcomeOK       = "ok"
	OutcomeDegraded = "degraded"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// HandlerFunc is the route-specific logic run after every stage passed.
type HandlerFunc func(ctx context.Context, req *HandlerRequest) (*Response, error)

// HandlerRequest is what a handler receives: never the raw body.
type HandlerRequest struct {
	Identity *core.Identity
	TraceID  string
	Payload  interface{}
	Vars     map[string]string
	Query    map[string][]string
	Logger   *zap.SugaredLogger
}

// Response is a successful handler result. Degraded marks a verdict returned
// without its side effects being durable.
type Response struct {
	Status   int
	Body     interface{}
	Degraded bool
}

// Route describes one endpoint. The pipeline reads it; it cannot change the
// stage order.
type Route struct {
	Name   string
	Method string
	Path   string
	// Public routes skip authentication and are rate limited by caller IP
	Public bool
	// RateClass selects the bucket policy; empty disables rate limiting
	RateClass    string
	RequiredRole core.Role
	// Schema and NewPayload are nil for routes without a body
	Schema       *gojsonschema.Schema
	NewPayload   func() interface{}
	AllowMsgpack bool
	Handler      HandlerFunc
}

func (r *Route) hasBody() bool {
	return r.NewPayload != nil
}

// Stage inspects or enriches the request context. A non-nil error terminates
// the request.
type Stage func(rc *RequestContext) error

type namedStage struct {
	name string
	run  Stage
}

// RequestContext carries one request through the stages.
type RequestContext struct {
	Request      *http.Request
	Route        *Route
	Body         []byte
	Payload      interface{}
	Identity     *core.Identity
	RateKey      core.RateKey
	RateDecision *Decision
	TraceID      string
	Start        time.Time
	TerminatedAt string
	Logger       *zap.SugaredLogger
}

// CredentialValidator turns a bearer credential into an identity.
type CredentialValidator interface {
	Validate(credential string) (*core.Identity, error)
}

// PipelineConfig is the externally supplied policy of the pipeline.
type PipelineConfig struct {
	MaxBodyBytes    int64
	TraceHeader     string
	AllowedHosts    []string
	TrustProxy      bool
	TrustedNetworks []*net.IPNet
}

// Pipeline runs the fixed stage chain around every route handler.
type Pipeline struct {
	cfg      PipelineConfig
	tokens   CredentialValidator
	limiter  Limiter
	validate *validator.Validate
	logger   *zap.SugaredLogger
	now      func() time.Time
	stages   []namedStage
}

// NewPipeline builds the stage chain: size guard, sanitize, authenticate,
// rate limit, trace assignment.
func NewPipeline(cfg PipelineConfig, tokens CredentialValidator, limiter Limiter, logger *zap.SugaredLogger) (*Pipeline, error) {
	if cfg.MaxBodyBytes <= 0 {
		return nil, fmt.Errorf("max body bytes must be positive")
	}
	if tokens == nil || limiter == nil {
		return nil, fmt.Errorf("token validator and limiter are required")
	}
	if cfg.TraceHeader == "" {
		cfg.TraceHeader = DefaultTraceHeader
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	p := &Pipeline{
		cfg:      cfg,
		tokens:   tokens,
		limiter:  limiter,
		validate: v,
		logger:   logger,
		now:      time.Now,
	}
	p.stages = []namedStage{
		{StageSizeGuard, p.sizeGuard},
		{StageSanitize, p.sanitize},
		{StageAuthenticate, p.authenticate},
		{StageRateLimit, p.rateLimit},
		{StageTrace, p.assignTrace},
	}
	return p, nil
}

// TraceHeader is the header carrying the request id in both directions.
func (p *Pipeline) TraceHeader() string {
	return p.cfg.TraceHeader
}

// Handle wraps route in the pipeline. Every request, however it ends, gets
// security headers, a trace id and exactly one log record.
func (p *Pipeline) Handle(route *Route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc := &RequestContext{Request: r, Route: route, Start: p.now(), Logger: p.logger}

		resp, err := p.run(rc)
		if rc.TraceID == "" {
			rc.TraceID = resolveTraceID(r.Header.Get(p.cfg.TraceHeader))
			rc.Logger = p.logger.With("trace_id", rc.TraceID)
		}

		h := w.Header()
		setSecurityHeaders(h)
		h.Set(p.cfg.TraceHeader, rc.TraceID)

		var status int
		var code, outcome string
		if err != nil {
			var body ErrorResponse
			status, body = translateError(err, rc.TraceID)
			code = body.Error
			if body.RetryAfter != nil {
				h.Set("Retry-After", retryAfterHeader(*body.RetryAfter))
			}
			outcome = OutcomeError
			if rc.TerminatedAt != StageHandler {
				outcome = OutcomeRejected
				metrics.PipelineRejections.WithLabelValues(rc.TerminatedAt).Inc()
			}
			if status >= http.StatusInternalServerError {
				rc.Logger.Errorw("Request failed", "route", route.Name, "error", util.RedactSecrets(err.Error()))
			} else {
				rc.Logger.Debugw("Request rejected", "route", route.Name, "stage", rc.TerminatedAt, "reason", util.SanitizeLogValue(err.Error()))
			}
			writeJSON(w, status, body, rc.Logger)
		} else {
			status = resp.Status
			if status == 0 {
				status = http.StatusOK
				if resp.Degraded {
					status = http.StatusAccepted
				}
			}
			outcome = OutcomeOK
			if resp.Degraded {
				outcome = OutcomeDegraded
			}
			writeJSON(w, status, resp.Body, rc.Logger)
		}

		p.emit(rc, status, code, outcome)
	}
}

func (p *Pipeline) run(rc *RequestContext) (*Response, error) {
	for _, s := range p.stages {
		if err := s.run(rc); err != nil {
			rc.TerminatedAt = s.name
			return nil, err
		}
	}
	resp, err := p.dispatch(rc)
	if err != nil {
		rc.TerminatedAt = StageHandler
		return nil, err
	}
	if resp == nil {
		resp = &Response{Status: http.StatusNoContent}
	}
	return resp, nil
}

// dispatch calls the handler, converting a panic into an internal error.
func (p *Pipeline) dispatch(rc *RequestContext) (resp *Response, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			rc.Logger.Errorw("Handler panic recovered",
				"route", rc.Route.Name,
				"panic", fmt.Sprintf("%v", rec),
				"stack", string(debug.Stack()))
			resp, err = nil, core.NewInternalError(fmt.Errorf("handler panic: %v", rec))
		}
	}()

	ctx := WithRequestID(rc.Request.Context(), rc.TraceID)
	if rc.Identity != nil {
		ctx = WithIdentity(ctx, rc.Identity)
	}
	req := &HandlerRequest{
		Identity: rc.Identity,
		TraceID:  rc.TraceID,
		Payload:  rc.Payload,
		Vars:     mux.Vars(rc.Request),
		Query:    rc.Request.URL.Query(),
		Logger:   rc.Logger,
	}
	return rc.Route.Handler(ctx, req)
}

// emit writes the single structured record for the request.
func (p *Pipeline) emit(rc *RequestContext, status int, code, outcome string) {
	latency := p.now().Sub(rc.Start)
	fields := []interface{}{
		"trace_id", rc.TraceID,
		"subject", util.SanitizeLogValue(rc.Identity.SubjectOrAnonymous()),
		"route", rc.Route.Name,
		"method", rc.Request.Method,
		"status", status,
		"outcome", outcome,
		"latency_ms", float64(latency.Microseconds()) / 1000,
	}
	if code != "" {
		fields = append(fields, "code", code)
	}
	if rc.TerminatedAt != "" {
		fields = append(fields, "terminated_at", rc.TerminatedAt)
	}
	p.logger.Infow("request_completed", fields...)

	label := code
	if label == "" {
		label = "OK"
	}
	metrics.HTTPRequests.WithLabelValues(rc.Route.Name, outcome, label).Inc()
	metrics.HTTPRequestDuration.WithLabelValues(rc.Route.Name).Observe(latency.Seconds())
}
