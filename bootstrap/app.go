package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sentinel/api"
	"sentinel/config"
	"sentinel/core"
	"sentinel/detect"
	"sentinel/service"
	"sentinel/storage"
	"sentinel/util/goroutine"

	"go.uber.org/zap"
)

// janitor settings for idle rate limit buckets
const (
	bucketSweepInterval = time.Minute
	bucketIdleTimeout   = 10 * time.Minute
)

// App represents the gateway with all its components.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Store     storage.Store
	Engine    *detect.Engine
	Limiter   *RateLimiterComponents
	Notifiers *NotifierComponents
	Pool      *core.WorkerPool
	Rules     *service.RuleService
	APIServer *api.API

	cancel  context.CancelFunc
	errCh   chan error
	stopped bool
}

// NewApp builds every component from cfg. Nothing listens until Start.
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	sugar := logger.Sugar()
	ctx, cancel := context.WithCancel(ctx)
	a := &App{
		Config: cfg,
		Logger: logger,
		Sugar:  sugar,
		cancel: cancel,
		errCh:  make(chan error, 1),
	}
	defer func() {
		if err != nil {
			a.closeResources()
			cancel()
		}
	}()

	sugar.Info("sentinel starting...")

	if a.Store, err = InitStorage(ctx, cfg, sugar); err != nil {
		return nil, err
	}
	if a.Engine, err = InitEngine(cfg, sugar); err != nil {
		return nil, err
	}
	a.Rules = service.NewRuleService(a.Engine, a.Store, sugar)
	if err = SeedRules(ctx, cfg, a.Rules, sugar); err != nil {
		return nil, err
	}
	if a.Limiter, err = InitRateLimiter(ctx, cfg, sugar); err != nil {
		return nil, err
	}
	if a.Notifiers, err = InitNotifier(cfg, sugar); err != nil {
		return nil, err
	}
	tokens, err := InitTokenValidator(cfg, sugar)
	if err != nil {
		return nil, err
	}

	trusted, err := api.ParseCIDRs(cfg.API.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}
	pipeline, err := api.NewPipeline(api.PipelineConfig{
		MaxBodyBytes:    cfg.API.MaxBodyBytes,
		TraceHeader:     cfg.API.TraceHeader,
		AllowedHosts:    cfg.API.AllowedHosts,
		TrustProxy:      cfg.API.TrustProxy,
		TrustedNetworks: trusted,
	}, tokens, a.Limiter.Limiter, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to create request pipeline: %w", err)
	}

	a.Pool = core.NewWorkerPool(ctx, "alert-persist", cfg.Alerts.Workers, cfg.Alerts.QueueSize, sugar)
	dispatcher := service.NewAlertDispatcher(a.Store, a.Notifiers.Notifier, a.Pool, service.PersistPolicy{
		MaxAttempts:     cfg.Alerts.Persist.MaxAttempts,
		InitialInterval: cfg.Alerts.Persist.InitialInterval,
		MaxInterval:     cfg.Alerts.Persist.MaxInterval,
		Wait:            cfg.Alerts.Persist.Wait,
	}, sugar)

	a.APIServer, err = api.NewAPI(api.Config{
		Prefix:         cfg.API.Prefix,
		AllowedOrigins: cfg.API.AllowedOrigins,
		MetricsEnabled: cfg.Metrics.Enabled,
		ReadTimeout:    cfg.API.ReadTimeout,
		// header reads share the read budget
		ReadHeaderTimeout: cfg.API.ReadTimeout,
		WriteTimeout:      cfg.API.WriteTimeout,
		IdleTimeout:       cfg.API.IdleTimeout,
	}, pipeline, api.Services{
		Engine: a.Engine,
		Events: service.NewEventService(a.Engine, a.Store, dispatcher, sugar),
		Rules:  a.Rules,
		Alerts: service.NewAlertService(a.Store, sugar),
		Simulations: service.NewSimulationService(a.Engine, a.Store, service.SimulationLimits{
			MaxEvents:    cfg.Simulation.MaxEvents,
			MaxGenerated: cfg.Simulation.MaxGenerated,
			Timeout:      cfg.Simulation.Timeout,
		}, sugar),
		Storage: a.Store,
	}, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to create API: %w", err)
	}
	return a, nil
}

// Start launches background work and the API server. Server failures are
// reported by Wait.
func (a *App) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	prev := a.cancel
	a.cancel = func() { cancel(); prev() }

	a.Pool.Start()
	a.Limiter.Arena.StartJanitor(ctx, bucketSweepInterval, bucketIdleTimeout)
	if interval := a.Config.Engine.ReloadInterval; interval > 0 {
		a.Engine.StartAutoReload(ctx, a.Store, interval)
		a.Sugar.Infow("Periodic rule reload enabled", "interval", interval)
	}

	addr := a.Config.Addr()
	go func() {
		defer goroutine.Recover("api-server", a.Sugar)
		var err error
		if a.Config.API.TLS.Enabled {
			err = a.APIServer.StartTLS(addr, a.Config.API.TLS.CertFile, a.Config.API.TLS.KeyFile)
		} else {
			err = a.APIServer.Start(addr)
		}
		if err != nil {
			a.errCh <- err
		}
	}()
}

// Wait blocks until a shutdown signal, ctx cancellation or a server failure.
func (a *App) Wait(ctx context.Context) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case s := <-sig:
		a.Sugar.Infow("Shutdown signal received", "signal", s.String())
		return nil
	case <-ctx.Done():
		return nil
	case err := <-a.errCh:
		return err
	}
}

// Shutdown stops accepting requests, stops the persistence workers and
// closes every connection. It is safe to call more than once.
func (a *App) Shutdown() {
	if a.stopped {
		return
	}
	a.stopped = true
	a.Sugar.Info("Shutting down...")

	timeout := a.Config.API.ShutdownTimeout
	if a.APIServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := a.APIServer.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.Sugar.Errorw("Failed to stop API server", "error", err)
		}
		cancel()
	}

	// workers exit before the store closes under them
	if a.Pool != nil {
		a.Pool.Stop(timeout)
	}
	a.cancel()
	a.closeResources()

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}

func (a *App) closeResources() {
	if a.Notifiers != nil && a.Notifiers.NATS != nil {
		if err := a.Notifiers.NATS.Close(); err != nil {
			a.Sugar.Warnw("Failed to close NATS connection", "error", err)
		}
	}
	if a.Limiter != nil && a.Limiter.Redis != nil {
		if err := a.Limiter.Redis.Close(); err != nil {
			a.Sugar.Warnw("Failed to close Redis connection", "error", err)
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Sugar.Errorw("Failed to close storage", "error", err)
		}
	}
}
