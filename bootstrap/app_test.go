package bootstrap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sentinel/api"
	"sentinel/config"
	"sentinel/core"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testJWTSecret = "3b9f1c7e2d8a4f6b0c5e9d1a7f3b2c8e"

const testRules = `
rules:
  - id: auth-brute-force
    version: 1
    name: Repeated login failures
    enabled: true
    severity: high
    action: alert
    conditions:
      - field: type
        operator: equals
        value: login_failure
      - field: count
        operator: numeric
        compare: gte
        value: 5
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	rulesPath := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(rulesPath, []byte(testRules), 0o600))

	t.Setenv("SENTINEL_AUTH_JWT_SECRET", testJWTSecret)
	t.Setenv("SENTINEL_ENGINE_RULES_FILE", rulesPath)
	cfg, _, err := config.LoadConfig("")
	require.NoError(t, err)
	return cfg
}

func TestInitLogger(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		logger, sugar, err := InitLogger("debug", format)
		require.NoError(t, err)
		require.NotNil(t, logger)
		sugar.Debugw("logger ready", "format", format)
	}
	_, _, err := InitLogger("loud", "json")
	assert.Error(t, err)
}

func TestNewAppServesRequests(t *testing.T) {
	cfg := testConfig(t)
	app, err := NewApp(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	app.Pool.Start()
	defer app.Shutdown()

	assert.Equal(t, 1, app.Engine.Snapshot().ActiveCount())

	srv := httptest.NewServer(app.APIServer.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	tok, err := api.SignToken([]byte(testJWTSecret), "svc-A", []core.Role{core.RoleReader}, time.Now(), time.Hour, "")
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/events",
		strings.NewReader(`{"source":"idp","type":"login_failure","fields":{"count":7}}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Matches     []core.MatchResult `json:"matches"`
		Persistence string             `json:"persistence"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.Matches, 1)
	assert.Equal(t, "ok", body.Persistence)
}

func TestNewAppRejectsWeakSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "too-short"
	var (
		app *App
		err error
	)
	require.NotPanics(t, func() {
		app, err = NewApp(context.Background(), cfg, zaptest.NewLogger(t))
	})
	assert.Error(t, err)
	assert.Nil(t, app)
}

func TestNewAppFailureAfterStoreOpens(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "sqlite"
	cfg.Storage.SQLite.Path = filepath.Join(t.TempDir(), "sentinel.db")
	cfg.API.TrustedProxies = []string{"not-a-cidr"}

	var err error
	require.NotPanics(t, func() {
		_, err = NewApp(context.Background(), cfg, zaptest.NewLogger(t))
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid trusted proxies")
	assert.FileExists(t, cfg.Storage.SQLite.Path)
}

func TestCloseResourcesToleratesPartialApp(t *testing.T) {
	a := &App{Sugar: zaptest.NewLogger(t).Sugar()}
	assert.NotPanics(t, a.closeResources)
}

func TestNewAppRejectsBadRulesFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.RulesFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := NewApp(context.Background(), cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestStartAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.Host = "127.0.0.1"
	cfg.API.Port = 18089
	cfg.API.ShutdownTimeout = time.Second
	cfg.Engine.ReloadInterval = 10 * time.Millisecond

	app, err := NewApp(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	app.Start(ctx)
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:18089/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	cancel()
	assert.NoError(t, app.Wait(ctx))

	app.Shutdown()
	app.Shutdown()
}

func TestInitStorageSQLite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "sqlite"
	cfg.Storage.SQLite.Path = filepath.Join(t.TempDir(), "db", "sentinel.db")

	store, err := InitStorage(context.Background(), cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer store.Close()
	assert.NoError(t, store.Ping(context.Background()))
	assert.FileExists(t, cfg.Storage.SQLite.Path)
}

func TestInitRateLimiter(t *testing.T) {
	cfg := testConfig(t)
	sugar := zaptest.NewLogger(t).Sugar()

	rl, err := InitRateLimiter(context.Background(), cfg, sugar)
	require.NoError(t, err)
	assert.Same(t, rl.Arena, rl.Limiter)
	assert.Nil(t, rl.Redis)

	mr := miniredis.RunT(t)
	cfg.RateLimit.Redis.Enabled = true
	cfg.RateLimit.Redis.Addr = mr.Addr()
	rl, err = InitRateLimiter(context.Background(), cfg, sugar)
	require.NoError(t, err)
	require.NotNil(t, rl.Redis)
	defer rl.Redis.Close()
	assert.IsType(t, &api.RedisLimiter{}, rl.Limiter)

	d, err := rl.Limiter.Admit(context.Background(), core.RateKey{Subject: "svc-A", Class: "ingest"}, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// unreachable redis degrades to the arena
	mr.Close()
	rl, err = InitRateLimiter(context.Background(), cfg, sugar)
	require.NoError(t, err)
	assert.Nil(t, rl.Redis)
	assert.Same(t, rl.Arena, rl.Limiter)
}

func TestInitNotifier(t *testing.T) {
	cfg := testConfig(t)
	sugar := zaptest.NewLogger(t).Sugar()

	nc, err := InitNotifier(cfg, sugar)
	require.NoError(t, err)
	assert.Nil(t, nc.Notifier)

	cfg.Notify.Webhook.Enabled = true
	cfg.Notify.Webhook.URL = "https://hooks.example.com/alerts"
	nc, err = InitNotifier(cfg, sugar)
	require.NoError(t, err)
	assert.NotNil(t, nc.Notifier)
	assert.Nil(t, nc.NATS)
}
