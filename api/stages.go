package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"sentinel/core"
	"sentinel/util"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/xeipuuv/gojsonschema"
)

// sizeGuard rejects bodies above the configured limit before anything else
// looks at the request. A declared Content-Length is trusted for early
// rejection; the read itself is bounded either way.
func (p *Pipeline) sizeGuard(rc *RequestContext) error {
	r := rc.Request
	limit := p.cfg.MaxBodyBytes
	if r.ContentLength > limit {
		return core.NewPayloadTooLarge(limit)
	}
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return core.NewValidationError("request body could not be read")
	}
	if int64(len(body)) > limit {
		return core.NewPayloadTooLarge(limit)
	}
	rc.Body = body
	return nil
}

// selfValidating payloads add checks struct tags cannot express.
type selfValidating interface {
	Validate() error
}

// sanitize checks the host, path and query values, then decodes the body,
// rejects control characters, strips markup from every string, validates
// against the route schema and finally decodes into the typed payload.
func (p *Pipeline) sanitize(rc *RequestContext) error {
	r := rc.Request
	if !hostAllowed(r.Host, p.cfg.AllowedHosts) {
		return core.NewValidationError("host not allowed",
			core.FieldError{Field: "host", Message: "is not an allowed host"})
	}
	if err := checkParams(mux.Vars(r), r.URL.Query()); err != nil {
		return err
	}
	if !rc.Route.hasBody() {
		return nil
	}

	raw, err := decodeBody(rc.Body, r.Header.Get("Content-Type"), rc.Route.AllowMsgpack)
	if err != nil {
		return err
	}

	var bad []core.FieldError
	cleaned := cleanValue(raw, "", &bad)
	if len(bad) > 0 {
		return core.NewValidationError("request contains disallowed characters", bad...)
	}

	if rc.Route.Schema != nil {
		if err := validateSchema(rc.Route.Schema, cleaned); err != nil {
			return err
		}
	}

	payload := rc.Route.NewPayload()
	data, err := json.Marshal(cleaned)
	if err != nil {
		return core.NewValidationError("request body could not be decoded")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(payload); err != nil {
		return core.NewValidationError("request body does not match the expected shape")
	}
	if err := p.validate.Struct(payload); err != nil {
		return structValidationError(err)
	}
	if sv, ok := payload.(selfValidating); ok {
		if err := sv.Validate(); err != nil {
			if e, ok := core.AsError(err); ok && e.Kind == core.KindValidation {
				return e
			}
			return core.NewValidationError(err.Error())
		}
	}
	rc.Payload = payload
	return nil
}

// authenticate verifies the bearer credential unless the route is public and
// enforces the route's role.
func (p *Pipeline) authenticate(rc *RequestContext) error {
	if rc.Route.Public {
		return nil
	}
	credential, ok := bearerToken(rc.Request.Header.Get("Authorization"))
	if !ok {
		return core.NewUnauthenticated(errMissingCredential)
	}
	id, err := p.tokens.Validate(credential)
	if err != nil {
		return err
	}
	if role := rc.Route.RequiredRole; role != "" && !id.HasRole(role) && !id.HasRole(core.RoleAdmin) {
		return core.NewForbidden("insufficient role")
	}
	rc.Identity = id
	return nil
}

// rateLimit admits the request against the bucket of (subject, class). The
// subject is the caller IP when there is no identity.
func (p *Pipeline) rateLimit(rc *RequestContext) error {
	class := rc.Route.RateClass
	if class == "" {
		return nil
	}
	subject := ""
	if rc.Identity != nil {
		subject = rc.Identity.Subject
	} else {
		subject = core.IPSubject(getRealIP(rc.Request, p.cfg.TrustProxy, p.cfg.TrustedNetworks))
	}
	cost := 1
	if policy, ok := p.limiter.Policy(class); ok && policy.Cost > 0 {
		cost = policy.Cost
	}

	rc.RateKey = core.RateKey{Subject: subject, Class: class}
	d, err := p.limiter.Admit(rc.Request.Context(), rc.RateKey, cost)
	if err != nil {
		return core.NewInternalError(fmt.Errorf("rate limiter: %w", err))
	}
	rc.RateDecision = &d
	if !d.Allowed {
		return core.NewRateLimited(d.RetryAfter)
	}
	return nil
}

// assignTrace fixes the request id and binds it to the request logger.
func (p *Pipeline) assignTrace(rc *RequestContext) error {
	rc.TraceID = resolveTraceID(rc.Request.Header.Get(p.cfg.TraceHeader))
	rc.Logger = p.logger.With("trace_id", rc.TraceID)
	return nil
}

func bearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

func checkParams(vars map[string]string, query map[string][]string) error {
	var bad []core.FieldError
	for k, v := range vars {
		if util.HasDisallowedControl(v) || strings.ContainsAny(v, "<>") {
			bad = append(bad, core.FieldError{Field: k, Message: "contains disallowed characters"})
		}
	}
	for k, values := range query {
		for _, v := range values {
			if util.HasDisallowedControl(k) || util.HasDisallowedControl(v) {
				bad = append(bad, core.FieldError{Field: util.SanitizeLogValue(k), Message: "contains disallowed characters"})
				break
			}
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Slice(bad, func(i, j int) bool { return bad[i].Field < bad[j].Field })
	return core.NewValidationError("request contains disallowed characters", bad...)
}

func decodeBody(body []byte, contentType string, allowMsgpack bool) (interface{}, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, core.NewValidationError("request body is required")
	}
	mediaType := "application/json"
	if contentType != "" {
		mt, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return nil, core.NewValidationError("invalid content type")
		}
		mediaType = mt
	}

	var v interface{}
	switch mediaType {
	case "application/json":
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return nil, core.NewValidationError("request body is not valid JSON")
		}
		if _, err := dec.Token(); err != io.EOF {
			return nil, core.NewValidationError("request body is not valid JSON")
		}
	case "application/msgpack", "application/x-msgpack":
		if !allowMsgpack {
			return nil, core.NewValidationError("unsupported content type")
		}
		if err := msgpack.Unmarshal(body, &v); err != nil {
			return nil, core.NewValidationError("request body is not valid msgpack")
		}
		v = normalizeMsgpack(v)
	default:
		return nil, core.NewValidationError("unsupported content type")
	}
	return v, nil
}

// normalizeMsgpack turns maps with non-string keys into JSON-shaped maps.
func normalizeMsgpack(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalizeMsgpack(val)
		}
		return t
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalizeMsgpack(val)
		}
		return m
	case []interface{}:
		for i := range t {
			t[i] = normalizeMsgpack(t[i])
		}
		return t
	}
	return v
}

// cleanValue returns a copy of v with markup stripped from every string.
// Strings or keys holding disallowed control characters are reported in bad.
func cleanValue(v interface{}, path string, bad *[]core.FieldError) interface{} {
	switch t := v.(type) {
	case string:
		if util.HasDisallowedControl(t) {
			*bad = append(*bad, core.FieldError{Field: fieldOrRoot(path), Message: "contains disallowed control characters"})
			return t
		}
		return util.StripHTML(t)
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]interface{}, len(t))
		for _, k := range keys {
			child := joinPath(path, k)
			if util.HasDisallowedControl(k) {
				*bad = append(*bad, core.FieldError{Field: util.SanitizeLogValue(child), Message: "key contains disallowed control characters"})
				continue
			}
			out[k] = cleanValue(t[k], child, bad)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = cleanValue(item, path+"["+strconv.Itoa(i)+"]", bad)
		}
		return out
	}
	return v
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func fieldOrRoot(path string) string {
	if path == "" {
		return "(root)"
	}
	return path
}

func validateSchema(schema *gojsonschema.Schema, doc interface{}) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return core.NewValidationError("request body could not be validated")
	}
	if result.Valid() {
		return nil
	}
	fields := make([]core.FieldError, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		fields = append(fields, core.FieldError{Field: e.Field(), Message: e.Description()})
	}
	return core.NewValidationError("request body failed schema validation", fields...)
}

func structValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return core.NewValidationError("invalid request")
	}
	fields := make([]core.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		name := fe.Namespace()
		if i := strings.Index(name, "."); i >= 0 {
			name = name[i+1:]
		}
		msg := "failed " + fe.Tag() + " validation"
		if fe.Param() != "" {
			msg += " (" + fe.Param() + ")"
		}
		fields = append(fields, core.FieldError{Field: name, Message: msg})
	}
	return core.NewValidationError("invalid request", fields...)
}
