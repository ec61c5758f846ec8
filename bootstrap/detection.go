package bootstrap

import (
	"context"
	"fmt"
	"os"

	"sentinel/api"
	"sentinel/config"
	"sentinel/core"
	"sentinel/detect"
	"sentinel/notify"
	"sentinel/service"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// InitEngine creates the rule engine with its regex cache. The engine starts
// with an empty rule set; SeedRules and Reload fill it.
func InitEngine(cfg *config.Config, sugar *zap.SugaredLogger) (*detect.Engine, error) {
	regex, err := detect.NewRegexCache(cfg.Engine.RegexCacheSize, cfg.Engine.RegexTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create regex cache: %w", err)
	}
	return detect.NewEngine(regex, sugar), nil
}

// SeedRules stores the rules of the configured rule file that the store does
// not hold yet, then activates the stored rule set. Rules already in the store
// win: edits made over the API survive a restart.
func SeedRules(ctx context.Context, cfg *config.Config, rules *service.RuleService, sugar *zap.SugaredLogger) error {
	if cfg.Engine.RulesFile != "" {
		fileRules, err := detect.LoadRulesFile(cfg.Engine.RulesFile, sugar)
		if err != nil {
			return fmt.Errorf("failed to load rules file: %w", err)
		}
		seeded, err := rules.Seed(ctx, fileRules)
		if err != nil {
			return fmt.Errorf("failed to seed rules: %w", err)
		}
		sugar.Infow("Rules seeded from file", "file", cfg.Engine.RulesFile, "in_file", len(fileRules), "stored", seeded)
	}

	rs, err := rules.Reload(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	sugar.Infow("Rule set active", "version", rs.Version(), "rules", len(rs.Rules()), "active", rs.ActiveCount())
	return nil
}

// NotifierComponents is the outbound fan-out plus channels to close.
type NotifierComponents struct {
	Notifier notify.Notifier
	NATS     *notify.NATSNotifier
}

// InitNotifier registers the enabled channels. Notifier is nil when no
// channel is enabled.
func InitNotifier(cfg *config.Config, sugar *zap.SugaredLogger) (*NotifierComponents, error) {
	nc := &NotifierComponents{}
	fanout, err := notify.NewFanout(core.CircuitBreakerConfig{
		MaxFailures:         cfg.Notify.CircuitBreaker.MaxFailures,
		Timeout:             cfg.Notify.CircuitBreaker.Timeout,
		MaxHalfOpenRequests: cfg.Notify.CircuitBreaker.MaxHalfOpenRequests,
	}, notify.DefaultRetryPolicy(), sugar)
	if err != nil {
		return nil, fmt.Errorf("invalid notification circuit breaker: %w", err)
	}

	if cfg.Notify.NATS.Enabled {
		n, err := notify.NewNATSNotifier(cfg.Notify.NATS.URL, cfg.Notify.NATS.Subject, sugar)
		if err != nil {
			sugar.Error(ClassifyConnectionError("NATS", err, cfg.Notify.NATS.URL))
			return nil, err
		}
		nc.NATS = n
		if err := fanout.Register("nats", n); err != nil {
			return nil, err
		}
	}
	if cfg.Notify.Webhook.Enabled {
		w, err := notify.NewWebhookNotifier(cfg.Notify.Webhook.URL, cfg.Notify.Webhook.Headers, cfg.Notify.Webhook.Timeout, sugar)
		if err != nil {
			return nil, err
		}
		if err := fanout.Register("webhook", w); err != nil {
			return nil, err
		}
	}

	if len(fanout.Channels()) > 0 {
		nc.Notifier = fanout
	} else {
		sugar.Info("No notification channels enabled")
	}
	return nc, nil
}

// InitTokenValidator resolves key material and builds the bearer validator.
func InitTokenValidator(cfg *config.Config, sugar *zap.SugaredLogger) (*api.TokenValidator, error) {
	vcfg := api.TokenValidatorConfig{
		Algorithm: cfg.Auth.Algorithm,
		Issuer:    cfg.Auth.Issuer,
		ClockSkew: cfg.Auth.ClockSkew,
	}
	switch cfg.Auth.Algorithm {
	case "RS256":
		pem, err := os.ReadFile(cfg.Auth.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read public key: %w", err)
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		vcfg.PublicKey = key
	default:
		manager, err := config.NewSecretManager(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create secret manager: %w", err)
		}
		if err := config.ResolveJWTSecret(cfg, manager); err != nil {
			return nil, err
		}
		vcfg.Secret = []byte(cfg.Auth.JWTSecret)
	}
	sugar.Infow("Token validator ready", "algorithm", vcfg.Algorithm, "issuer", vcfg.Issuer, "clock_skew", vcfg.ClockSkew)
	return api.NewTokenValidator(vcfg)
}
