package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/regcreds/internal/config"
)

func TestDialAddr(t *testing.T) {
	tests := []struct {
		listen string
		want   string
	}{
		{listen: "", want: "127.0.0.1:8080"},
		{listen: "garbage", want: "127.0.0.1:8080"},
		{listen: "0.0.0.0:9090", want: "127.0.0.1:9090"},
		{listen: ":7000", want: "127.0.0.1:7000"},
		{listen: "10.1.2.3:8080", want: "10.1.2.3:8080"},
	}

	for _, tt := range tests {
		t.Run(tt.listen, func(t *testing.T) {
			assert.Equal(t, tt.want, dialAddr(tt.listen))
		})
	}
}

func TestCheckHealth(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "healthy", status: http.StatusOK, body: `{"status":"ok","time":"2026-01-01T00:00:00Z"}`},
		{name: "bad status code", status: http.StatusServiceUnavailable, body: `{}`, wantErr: "returned 503"},
		{name: "unhealthy body", status: http.StatusOK, body: `{"status":"degraded"}`, wantErr: `health status "degraded"`},
		{name: "not json", status: http.StatusOK, body: `ok`, wantErr: "decode health response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/v1/health", r.URL.Path)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			err := checkHealth(context.Background(), srv.Client(), strings.TrimPrefix(srv.URL, "http://"))

			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger("debug", "json")
	require.NoError(t, err)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	logger, err = newLogger("warn", "text")
	require.NoError(t, err)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))

	_, err = newLogger("loud", "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REGCREDS_LOG_LEVEL")
}

func TestMigrateDatabase_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "regcreds.db")

	require.NoError(t, migrateDatabase(context.Background(), path))
	require.NoError(t, migrateDatabase(context.Background(), path))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	registries := `
registries:
  - id: quay
    variant: robot-account
    url: quay.io
    api_url: https://quay.example
    org_name: hyperfleet
    emit_alias: true
    auth:
      token_env: REGCREDS_TEST_APP_TOKEN
`
	regPath := filepath.Join(dir, "registries.yaml")
	require.NoError(t, os.WriteFile(regPath, []byte(registries), 0o600))
	t.Setenv("REGCREDS_TEST_APP_TOKEN", "token")

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	return &config.Config{
		DBPath:              filepath.Join(dir, "regcreds.db"),
		SecretKey:           key,
		RegistriesFile:      regPath,
		AliasHostname:       "mirror.example.com",
		LockBackend:         config.LockBackendSQLite,
		LockWait:            time.Second,
		LockTTL:             30 * time.Second,
		AdapterTimeout:      time.Second,
		AdapterMaxAttempts:  1,
		RotationInterval:    time.Minute,
		RotationGracePeriod: time.Hour,
		RotationMaxAttempts: 3,
		PoolLowWater:        1,
		PoolHighWater:       2,
		PoolBatchSize:       1,
		PoolInterval:        time.Minute,
	}
}

func TestNewApp_Wiring(t *testing.T) {
	cfg := testConfig(t)
	cfg.RotationSchedule = "0 3 * * 0"

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.close()

	assert.NotNil(t, a.tokens)
	assert.NotNil(t, a.rotation)
	assert.NotNil(t, a.schedule)
	assert.False(t, a.pool.Enabled(), "robot registries cannot rename, so they never pool")

	stats, err := a.pool.PoolStatus(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stats)

	_, err = a.tokens.GetCurrentPullSecret(context.Background(), "unknown")
	require.Error(t, err)
}

func TestNewApp_BadSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.RotationSchedule = "every tuesday"

	_, err := newApp(context.Background(), cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "REGCREDS_ROTATION_SCHEDULE")
}

func TestNewApp_MissingRegistriesFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.RegistriesFile = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := newApp(context.Background(), cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "read registries file")
}

func TestNewApp_PostgresLockNeedsSharedStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.LockBackend = config.LockBackendPostgres
	cfg.PostgresDSN = "postgres://127.0.0.1:1/regcreds"

	_, err := newApp(context.Background(), cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "REGCREDS_SHARED_STORE")
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCommand()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "migrate", "reconcile", "healthcheck"})
}
