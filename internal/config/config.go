// Package config loads process configuration from environment variables
// (and an optional .env file): environment wins, sensible defaults fill
// the rest, and a handful of values are mandatory for the process to boot
// at all.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config is everything the orchestrator needs to boot.
type Config struct {
	// Port is the HTTP route layer's listen port; the core itself does not
	// bind a socket, but boots early enough that the route layer can use it.
	Port int

	// LogLevel and Pretty configure pkg/logger.
	LogLevel string
	Pretty   bool

	// DataDir is the root directory for the SQLite file and backups.
	DataDir      string
	DatabasePath string
	MaxOpenConns int

	// MasterPassword derives the vault's encryption key at boot; it
	// is read once and never persisted. VaultSaltPath points at a small
	// file holding the random salt paired with it (generated on first
	// boot if absent, since the salt itself is not a secret).
	MasterPassword string
	VaultSaltPath  string

	// BrokerAPIKey is the Zerodha Kite api_key; the api_secret lives
	// encrypted in the database via the credential store, not here.
	BrokerAPIKey string

	// SessionSweepCron is the schedule for the hourly expired-session
	// sweeper; overridable for tests.
	SessionSweepCron string
}

// defaultDataDir is the fallback when DATA_DIR is unset.
const defaultDataDir = "./data"

// Load reads configuration from a .env file (if present) layered under the
// process environment, applying defaults for everything that has one.
// MasterPassword and BrokerAPIKey have no default; their absence is not
// fatal here; orchestrator.New refuses to boot the vault without a
// MasterPassword.
func Load() (*Config, error) {
	_ = godotenv.Load() // best-effort; absence of .env is not an error

	dataDir := getEnv("DATA_DIR", defaultDataDir)

	cfg := &Config{
		Port:             getEnvInt("PORT", 8080),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		Pretty:           getEnvBool("LOG_PRETTY", true),
		DataDir:          dataDir,
		DatabasePath:     getEnv("DATABASE_PATH", filepath.Join(dataDir, "sentinel.db")),
		MaxOpenConns:     getEnvInt("DB_MAX_OPEN_CONNS", 5),
		MasterPassword:   os.Getenv("MASTER_PASSWORD"),
		VaultSaltPath:    getEnv("VAULT_SALT_PATH", filepath.Join(dataDir, "vault.salt")),
		BrokerAPIKey:     os.Getenv("BROKER_API_KEY"),
		SessionSweepCron: getEnv("SESSION_SWEEP_CRON", "@hourly"),
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %q: %w", cfg.DataDir, err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
