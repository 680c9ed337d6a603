// Package config loads and validates application configuration from
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/aos-labs/contextd/internal/fsio"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Run storage.
	RunsRoot       string
	TokenBudget    int
	PinnedMax      int
	LedgerLockMode fsio.LockMode

	// Memory backend: "memory", "sqlite", or "qdrant".
	MemoryBackend    string
	MemorySQLitePath string
	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string
	QdrantDims       int

	// TestMode enables the outside-milestone commit bypass. Never set in
	// production.
	TestMode bool

	// MCP surface.
	MCPEnabled bool

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:             envInt("CONTEXTD_PORT", 8080),
		ReadTimeout:      envDuration("CONTEXTD_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:     envDuration("CONTEXTD_WRITE_TIMEOUT", 30*time.Second),
		RunsRoot:         envStr("CONTEXTD_RUNS_ROOT", "./runs"),
		TokenBudget:      envInt("CONTEXTD_TOKEN_BUDGET", 8192),
		PinnedMax:        envInt("CONTEXTD_PINNED_MAX", 32),
		LedgerLockMode:   fsio.LockMode(envStr("CONTEXTD_LEDGER_LOCK_MODE", "advisory")),
		MemoryBackend:    envStr("CONTEXTD_MEMORY_BACKEND", "sqlite"),
		MemorySQLitePath: envStr("CONTEXTD_MEMORY_SQLITE_PATH", ""),
		QdrantURL:        envStr("CONTEXTD_QDRANT_URL", "http://localhost:6333"),
		QdrantAPIKey:     envStr("CONTEXTD_QDRANT_API_KEY", ""),
		QdrantCollection: envStr("CONTEXTD_QDRANT_COLLECTION", "contextd_memory"),
		QdrantDims:       envInt("CONTEXTD_QDRANT_DIMS", 1024),
		TestMode:         envBool("CONTEXTD_TEST_MODE", false),
		MCPEnabled:       envBool("CONTEXTD_MCP_ENABLED", false),
		OTELEndpoint:     envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:      envStr("OTEL_SERVICE_NAME", "contextd"),
		LogLevel:         envStr("CONTEXTD_LOG_LEVEL", "info"),
	}
	if cfg.MemorySQLitePath == "" {
		cfg.MemorySQLitePath = cfg.RunsRoot + "/memory.db"
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is coherent.
func (c Config) Validate() error {
	if c.RunsRoot == "" {
		return fmt.Errorf("config: CONTEXTD_RUNS_ROOT is required")
	}
	if c.TokenBudget <= 0 {
		return fmt.Errorf("config: CONTEXTD_TOKEN_BUDGET must be positive")
	}
	if c.PinnedMax <= 0 {
		return fmt.Errorf("config: CONTEXTD_PINNED_MAX must be positive")
	}
	switch c.LedgerLockMode {
	case fsio.LockAdvisory, fsio.LockNone:
	default:
		return fmt.Errorf("config: CONTEXTD_LEDGER_LOCK_MODE must be advisory or none")
	}
	switch c.MemoryBackend {
	case "memory", "sqlite", "qdrant":
	default:
		return fmt.Errorf("config: CONTEXTD_MEMORY_BACKEND must be memory, sqlite, or qdrant")
	}
	if c.MemoryBackend == "qdrant" && c.QdrantDims <= 0 {
		return fmt.Errorf("config: CONTEXTD_QDRANT_DIMS must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
