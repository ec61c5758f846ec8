// Package api is the HTTP surface of the gateway. Every route runs through
// the same request pipeline: size guard, sanitize, authenticate, rate limit,
// trace, then the route handler.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"sentinel/core"
	"sentinel/detect"
	"sentinel/service"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Rate classes used by the route table.
const (
	ClassIngest     = "ingest"
	ClassRead       = "read"
	ClassAdmin      = "admin"
	ClassSimulation = "simulation"
)

// Pinger reports storage reachability for the health route.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services are the collaborators the handlers call.
type Services struct {
	Engine      *detect.Engine
	Events      *service.EventService
	Rules       *service.RuleService
	Alerts      *service.AlertService
	Simulations *service.SimulationService
	Storage     Pinger
}

// Config holds the HTTP settings outside the pipeline.
type Config struct {
	Prefix            string
	AllowedOrigins    []string
	MetricsEnabled    bool
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

// API holds the API server
type API struct {
	router   *mux.Router
	handler  http.Handler
	server   *http.Server
	serverMu sync.Mutex
	pipeline *Pipeline
	cfg      Config
	routes   []*Route
	logger   *zap.SugaredLogger
	now      func() time.Time

	engine      *detect.Engine
	events      *service.EventService
	rules       *service.RuleService
	alerts      *service.AlertService
	simulations *service.SimulationService
	pinger      Pinger
}

// NewAPI builds the route table and router.
func NewAPI(cfg Config, pipeline *Pipeline, svc Services, logger *zap.SugaredLogger) (*API, error) {
	if pipeline == nil {
		return nil, errors.New("pipeline is required")
	}
	if svc.Engine == nil || svc.Events == nil || svc.Rules == nil || svc.Alerts == nil || svc.Simulations == nil {
		return nil, errors.New("engine, event, rule, alert and simulation services are required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/api/v1"
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}

	a := &API{
		router:      mux.NewRouter(),
		pipeline:    pipeline,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
		engine:      svc.Engine,
		events:      svc.Events,
		rules:       svc.Rules,
		alerts:      svc.Alerts,
		simulations: svc.Simulations,
		pinger:      svc.Storage,
	}
	a.routes = a.routeTable(schemas)
	a.setupRoutes()
	return a, nil
}

func (a *API) routeTable(s *routeSchemas) []*Route {
	p := a.cfg.Prefix
	return []*Route{
		{Name: "health", Method: http.MethodGet, Path: "/health", Public: true, Handler: a.health},
		{
			Name: "ingest_event", Method: http.MethodPost, Path: p + "/events", RateClass: ClassIngest,
			Schema: s.event, NewPayload: func() interface{} { return &EventPayload{} }, AllowMsgpack: true,
			Handler: a.ingestEvent,
		},
		{Name: "list_rules", Method: http.MethodGet, Path: p + "/rules", RateClass: ClassRead, Handler: a.listRules},
		{
			Name: "reload_rules", Method: http.MethodPost, Path: p + "/rules/reload", RateClass: ClassAdmin,
			RequiredRole: core.RoleAdmin, Handler: a.reloadRules,
		},
		{Name: "get_rule", Method: http.MethodGet, Path: p + "/rules/{id}", RateClass: ClassRead, Handler: a.getRule},
		{
			Name: "put_rule", Method: http.MethodPut, Path: p + "/rules/{id}", RateClass: ClassAdmin,
			RequiredRole: core.RoleAdmin, Schema: s.rule, NewPayload: func() interface{} { return &RulePayload{} },
			Handler: a.putRule,
		},
		{
			Name: "run_simulation", Method: http.MethodPost, Path: p + "/simulations", RateClass: ClassSimulation,
			Schema: s.simulation, NewPayload: func() interface{} { return &service.SimulationRequest{} },
			Handler: a.runSimulation,
		},
		{Name: "list_alerts", Method: http.MethodGet, Path: p + "/alerts", RateClass: ClassRead, Handler: a.listAlerts},
		{Name: "get_alert", Method: http.MethodGet, Path: p + "/alerts/{id}", RateClass: ClassRead, Handler: a.getAlert},
		{
			Name: "acknowledge_alert", Method: http.MethodPost, Path: p + "/alerts/{id}/acknowledge", RateClass: ClassAdmin,
			RequiredRole: core.RoleAdmin, Handler: a.acknowledgeAlert,
		},
		{
			Name: "close_alert", Method: http.MethodPost, Path: p + "/alerts/{id}/close", RateClass: ClassAdmin,
			RequiredRole: core.RoleAdmin, Handler: a.closeAlert,
		},
	}
}

// setupRoutes sets up the API routes
func (a *API) setupRoutes() {
	for _, route := range a.routes {
		a.router.HandleFunc(route.Path, a.pipeline.Handle(route)).Methods(route.Method).Name(route.Name)
	}
	if a.cfg.MetricsEnabled {
		a.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
	a.router.NotFoundHandler = a.pipeline.Handle(&Route{Name: "not_found", Public: true, Handler: notFound})
	a.router.MethodNotAllowedHandler = a.pipeline.Handle(&Route{Name: "method_not_allowed", Public: true, Handler: notFound})

	// outside the router so preflight requests reach it for any method
	a.handler = corsMiddleware(a.cfg.AllowedOrigins, a.pipeline.TraceHeader())(a.router)
}

func notFound(ctx context.Context, req *HandlerRequest) (*Response, error) {
	return nil, core.NewNotFound("route")
}

// Routes returns the route table.
func (a *API) Routes() []*Route {
	return a.routes
}

// Handler returns the root HTTP handler.
func (a *API) Handler() http.Handler {
	return a.handler
}

func (a *API) setServer(addr string) *http.Server {
	a.serverMu.Lock()
	defer a.serverMu.Unlock()
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadTimeout:       a.cfg.ReadTimeout,
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
	}
	return a.server
}

// Start starts the API server. It returns nil after a graceful Stop.
func (a *API) Start(addr string) error {
	srv := a.setServer(addr)
	a.logger.Infow("API server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// StartTLS starts the API server with TLS
func (a *API) StartTLS(addr, certFile, keyFile string) error {
	srv := a.setServer(addr)
	a.logger.Infow("API server listening with TLS", "addr", addr)
	if err := srv.ListenAndServeTLS(certFile, keyFile); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Stop stops the API server
func (a *API) Stop(ctx context.Context) error {
	a.serverMu.Lock()
	srv := a.server
	a.serverMu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}
