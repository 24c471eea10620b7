// Package config loads application configuration from environment variables
// and the registry definitions file.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Lock backends selectable with REGCREDS_LOCK_BACKEND.
const (
	LockBackendSQLite   = "sqlite"
	LockBackendPostgres = "postgres"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	ListenAddr     string
	DBPath         string
	SecretKey      []byte // 32-byte AES-256 key for tokens at rest.
	RegistriesFile string
	AliasHostname  string

	LogLevel  string
	LogFormat string

	LockBackend string
	PostgresDSN string
	SharedStore bool // Every replica opens the same DBPath.
	LockWait    time.Duration
	LockTTL     time.Duration

	AdapterTimeout     time.Duration
	AdapterMaxAttempts int

	RotationInterval    time.Duration
	RotationGracePeriod time.Duration
	RotationMaxAttempts int
	RotationSchedule    string

	PoolLowWater  int
	PoolHighWater int
	PoolBatchSize int
	PoolInterval  time.Duration
}

// Load reads configuration from environment variables and returns a validated Config.
// REGCREDS_SECRET_KEY (64 hex chars) is required. Everything else has a default:
// REGCREDS_LISTEN_ADDR (127.0.0.1:8080), REGCREDS_DB_PATH (regcreds.db),
// REGCREDS_REGISTRIES_FILE (registries.yaml), REGCREDS_LOCK_BACKEND (sqlite),
// REGCREDS_ROTATION_GRACE_PERIOD (168h), REGCREDS_POOL_LOW_WATER (25) and so on.
// The postgres lock backend only guards data every replica can see, so it
// also needs REGCREDS_SHARED_STORE=true.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:          "127.0.0.1:8080",
		DBPath:              "regcreds.db",
		RegistriesFile:      "registries.yaml",
		LogLevel:            "info",
		LogFormat:           "text",
		LockBackend:         LockBackendSQLite,
		LockWait:            10 * time.Second,
		LockTTL:             30 * time.Second,
		AdapterTimeout:      5 * time.Second,
		AdapterMaxAttempts:  3,
		RotationInterval:    time.Minute,
		RotationGracePeriod: 168 * time.Hour,
		RotationMaxAttempts: 5,
		PoolLowWater:        25,
		PoolHighWater:       100,
		PoolBatchSize:       10,
		PoolInterval:        5 * time.Minute,
	}

	keyHex, ok := os.LookupEnv("REGCREDS_SECRET_KEY")
	if !ok || keyHex == "" {
		return nil, fmt.Errorf("REGCREDS_SECRET_KEY is required")
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("REGCREDS_SECRET_KEY is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("REGCREDS_SECRET_KEY must decode to 32 bytes, got %d", len(key))
	}
	cfg.SecretKey = key

	stringEnv("REGCREDS_LISTEN_ADDR", &cfg.ListenAddr)
	stringEnv("REGCREDS_DB_PATH", &cfg.DBPath)
	stringEnv("REGCREDS_REGISTRIES_FILE", &cfg.RegistriesFile)
	stringEnv("REGCREDS_ALIAS_HOSTNAME", &cfg.AliasHostname)
	stringEnv("REGCREDS_LOG_LEVEL", &cfg.LogLevel)
	stringEnv("REGCREDS_LOG_FORMAT", &cfg.LogFormat)
	stringEnv("REGCREDS_LOCK_BACKEND", &cfg.LockBackend)
	stringEnv("REGCREDS_POSTGRES_DSN", &cfg.PostgresDSN)
	stringEnv("REGCREDS_ROTATION_SCHEDULE", &cfg.RotationSchedule)
	if err := boolEnv("REGCREDS_SHARED_STORE", &cfg.SharedStore); err != nil {
		return nil, err
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"REGCREDS_LOCK_WAIT", &cfg.LockWait},
		{"REGCREDS_LOCK_TTL", &cfg.LockTTL},
		{"REGCREDS_ADAPTER_TIMEOUT", &cfg.AdapterTimeout},
		{"REGCREDS_ROTATION_INTERVAL", &cfg.RotationInterval},
		{"REGCREDS_ROTATION_GRACE_PERIOD", &cfg.RotationGracePeriod},
		{"REGCREDS_POOL_INTERVAL", &cfg.PoolInterval},
	}
	for _, d := range durations {
		if err := durationEnv(d.key, d.dst); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"REGCREDS_ADAPTER_MAX_ATTEMPTS", &cfg.AdapterMaxAttempts},
		{"REGCREDS_ROTATION_MAX_ATTEMPTS", &cfg.RotationMaxAttempts},
		{"REGCREDS_POOL_LOW_WATER", &cfg.PoolLowWater},
		{"REGCREDS_POOL_HIGH_WATER", &cfg.PoolHighWater},
		{"REGCREDS_POOL_BATCH_SIZE", &cfg.PoolBatchSize},
	}
	for _, i := range ints {
		if err := intEnv(i.key, i.dst); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LockBackend {
	case LockBackendSQLite:
	case LockBackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("REGCREDS_POSTGRES_DSN is required when REGCREDS_LOCK_BACKEND is %q", LockBackendPostgres)
		}
		if !c.SharedStore {
			return fmt.Errorf("REGCREDS_LOCK_BACKEND %q requires REGCREDS_SHARED_STORE=true: replicas must share REGCREDS_DB_PATH for the lock to protect it", LockBackendPostgres)
		}
	default:
		return fmt.Errorf("REGCREDS_LOCK_BACKEND has invalid value %q (want %s or %s)", c.LockBackend, LockBackendSQLite, LockBackendPostgres)
	}

	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("REGCREDS_LOG_FORMAT has invalid value %q (want text or json)", c.LogFormat)
	}

	if c.LockTTL <= 0 {
		return fmt.Errorf("REGCREDS_LOCK_TTL must be positive, got %s", c.LockTTL)
	}
	if c.AdapterMaxAttempts < 1 {
		return fmt.Errorf("REGCREDS_ADAPTER_MAX_ATTEMPTS must be at least 1, got %d", c.AdapterMaxAttempts)
	}
	if c.RotationMaxAttempts < 1 {
		return fmt.Errorf("REGCREDS_ROTATION_MAX_ATTEMPTS must be at least 1, got %d", c.RotationMaxAttempts)
	}
	if c.PoolLowWater < 0 || c.PoolHighWater < c.PoolLowWater {
		return fmt.Errorf("pool watermarks invalid: low %d, high %d", c.PoolLowWater, c.PoolHighWater)
	}
	if c.PoolBatchSize < 1 {
		return fmt.Errorf("REGCREDS_POOL_BATCH_SIZE must be at least 1, got %d", c.PoolBatchSize)
	}
	return nil
}

func stringEnv(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func boolEnv(key string, dst *bool) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s has invalid boolean %q: %w", key, v, err)
	}
	*dst = parsed
	return nil
}

func durationEnv(key string, dst *time.Duration) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s has invalid duration %q: %w", key, v, err)
	}
	*dst = parsed
	return nil
}

func intEnv(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s has invalid integer %q: %w", key, v, err)
	}
	*dst = parsed
	return nil
}
