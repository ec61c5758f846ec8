package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"sentinel/core"
	"sentinel/service"
	"sentinel/storage"
)

// healthTimeout bounds the storage ping of the health route.
const healthTimeout = 2 * time.Second

// HealthResponse is the body of the health route.
type HealthResponse struct {
	Status         string `json:"status"`
	Storage        string `json:"storage"`
	RuleSetVersion uint64 `json:"rule_set_version"`
	ActiveRules    int    `json:"active_rules"`
	Timestamp      string `json:"timestamp"`
}

type ingestResponse struct {
	*service.IngestResult
	Degraded bool `json:"degraded"`
}

type rulesResponse struct {
	Rules          []core.Rule `json:"rules"`
	Count          int         `json:"count"`
	RuleSetVersion uint64      `json:"rule_set_version"`
}

type reloadResponse struct {
	RuleSetVersion uint64 `json:"rule_set_version"`
	Rules          int    `json:"rules"`
	ActiveRules    int    `json:"active_rules"`
}

type simulationResponse struct {
	*core.SimulationReport
	Degraded bool `json:"degraded"`
}

type alertsResponse struct {
	Alerts []*core.Alert `json:"alerts"`
	Count  int           `json:"count"`
}

func (a *API) health(ctx context.Context, req *HandlerRequest) (*Response, error) {
	rs := a.engine.Snapshot()
	body := HealthResponse{
		Status:         "ok",
		Storage:        "ok",
		RuleSetVersion: rs.Version(),
		ActiveRules:    rs.ActiveCount(),
		Timestamp:      a.now().UTC().Format(time.RFC3339),
	}
	if a.pinger != nil {
		pingCtx, cancel := context.WithTimeout(ctx, healthTimeout)
		defer cancel()
		if err := a.pinger.Ping(pingCtx); err != nil {
			req.Logger.Warnw("Health check storage ping failed", "error", err)
			body.Status = "unavailable"
			body.Storage = "unavailable"
			return &Response{Status: http.StatusServiceUnavailable, Body: body}, nil
		}
	}
	return &Response{Body: body}, nil
}

func (a *API) ingestEvent(ctx context.Context, req *HandlerRequest) (*Response, error) {
	payload := req.Payload.(*EventPayload)
	res, err := a.events.Ingest(ctx, payload.toEvent(a.now()), req.TraceID)
	if err != nil {
		return nil, err
	}
	return &Response{
		Body:     ingestResponse{IngestResult: res, Degraded: res.Degraded()},
		Degraded: res.Degraded(),
	}, nil
}

func (a *API) listRules(ctx context.Context, req *HandlerRequest) (*Response, error) {
	rules, version := a.rules.List()
	return &Response{Body: rulesResponse{Rules: rules, Count: len(rules), RuleSetVersion: version}}, nil
}

func (a *API) getRule(ctx context.Context, req *HandlerRequest) (*Response, error) {
	rule, err := a.rules.Get(ctx, req.Vars["id"])
	if err != nil {
		return nil, err
	}
	return &Response{Body: rule}, nil
}

func (a *API) putRule(ctx context.Context, req *HandlerRequest) (*Response, error) {
	id := req.Vars["id"]
	payload := req.Payload.(*RulePayload)
	if payload.ID != "" && payload.ID != id {
		return nil, core.NewValidationError("invalid rule",
			core.FieldError{Field: "id", Message: "must match the id in the path"})
	}
	stored, err := a.rules.Save(ctx, payload.toRule(id))
	if err != nil {
		return nil, err
	}
	req.Logger.Infow("Rule updated", "rule_id", stored.ID, "version", stored.Version, "subject", req.Identity.SubjectOrAnonymous())
	return &Response{Body: stored}, nil
}

func (a *API) reloadRules(ctx context.Context, req *HandlerRequest) (*Response, error) {
	rs, err := a.rules.Reload(ctx)
	if err != nil {
		return nil, err
	}
	return &Response{Body: reloadResponse{
		RuleSetVersion: rs.Version(),
		Rules:          len(rs.Rules()),
		ActiveRules:    rs.ActiveCount(),
	}}, nil
}

func (a *API) runSimulation(ctx context.Context, req *HandlerRequest) (*Response, error) {
	payload := req.Payload.(*service.SimulationRequest)
	report, err := a.simulations.Run(ctx, payload)
	if err != nil {
		return nil, err
	}
	return &Response{
		Body:     simulationResponse{SimulationReport: report, Degraded: report.Cancelled},
		Degraded: report.Cancelled,
	}, nil
}

func (a *API) listAlerts(ctx context.Context, req *HandlerRequest) (*Response, error) {
	q := storage.AlertQuery{
		Status: core.AlertStatus(first(req.Query, "status")),
		RuleID: first(req.Query, "rule_id"),
	}
	if raw := first(req.Query, "limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 || limit > storage.MaxQueryLimit {
			return nil, core.NewValidationError("invalid alert query",
				core.FieldError{Field: "limit", Message: "must be an integer between 0 and " + strconv.Itoa(storage.MaxQueryLimit)})
		}
		q.Limit = limit
	}
	alerts, err := a.alerts.List(ctx, q)
	if err != nil {
		return nil, err
	}
	return &Response{Body: alertsResponse{Alerts: alerts, Count: len(alerts)}}, nil
}

func (a *API) getAlert(ctx context.Context, req *HandlerRequest) (*Response, error) {
	alert, err := a.alerts.Get(ctx, req.Vars["id"])
	if err != nil {
		return nil, err
	}
	return &Response{Body: alert}, nil
}

func (a *API) acknowledgeAlert(ctx context.Context, req *HandlerRequest) (*Response, error) {
	alert, err := a.alerts.Acknowledge(ctx, req.Vars["id"], req.Identity.SubjectOrAnonymous())
	if err != nil {
		return nil, err
	}
	return &Response{Body: alert}, nil
}

func (a *API) closeAlert(ctx context.Context, req *HandlerRequest) (*Response, error) {
	alert, err := a.alerts.Close(ctx, req.Vars["id"], req.Identity.SubjectOrAnonymous())
	if err != nil {
		return nil, err
	}
	return &Response{Body: alert}, nil
}

func first(values map[string][]string, key string) string {
	if v := values[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}
