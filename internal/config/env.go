// Package config handles environment-based configuration loading and runtime config models.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings for the edge sync agent.
type EnvConfig struct {
	// Local store
	LocalDBHost     string
	LocalDBPort     int
	LocalDBName     string
	LocalDBUser     string
	LocalDBPassword string
	StateDir        string

	// Remote DB (pull-sync, read-only)
	RemoteDBHost     string
	RemoteDBPort     int
	RemoteDBName     string
	RemoteDBUser     string
	RemoteDBPassword string
	RemoteDBSSLMode  string

	// Remote API (push-sync)
	ClientAPIURL   string
	ClientAPIKey   string
	APITimeout     time.Duration
	MaxRetries     int
	BatchSize      int

	// Scheduling
	CollectionIntervalSeconds int
	UploadCron                string
	PullSyncIntervalMinutes   int
	ReadingRetentionDays      int
	LogRetentionDays          int

	// BACnet
	BACnetInterface        string
	BACnetPort             int
	BACnetReadTimeoutMS    int
	BACnetConnectTimeoutMS int

	// Modbus
	ModbusMapFile string

	// Auto-start flags
	CollectorAutoStart bool
	UploadAutoStart    bool
	PullSyncAutoStart  bool
	CleanupAutoStart   bool

	// Control API
	ControlAPIPort       int
	ControlAPIListenAddr string

	// Optional local YAML config overlay applied on top of env vars.
	ConfigFile string
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Local store ---
	// The local store is an embedded modernc.org/sqlite file under StateDir;
	// LOCAL_DB_HOST/PORT/USER/PASSWORD are accepted for contract parity with
	// REMOTE_DB_* but are not meaningful for a file-backed store and are not
	// validated. LOCAL_DB_NAME names the sqlite file.
	cfg.LocalDBHost = envStr("LOCAL_DB_HOST", "")
	cfg.LocalDBPort = envInt("LOCAL_DB_PORT", 0, &errs)
	cfg.LocalDBName = envStr("LOCAL_DB_NAME", "edge_agent.db")
	cfg.LocalDBUser = envStr("LOCAL_DB_USER", "")
	cfg.LocalDBPassword = envStr("LOCAL_DB_PASSWORD", "")
	cfg.StateDir = envStr("STATE_DIR", "/var/lib/edge-sync-agent")

	// --- Remote DB (pull) ---
	cfg.RemoteDBHost = envStr("REMOTE_DB_HOST", "")
	cfg.RemoteDBPort = envInt("REMOTE_DB_PORT", 5432, &errs)
	cfg.RemoteDBName = envStr("REMOTE_DB_NAME", "")
	cfg.RemoteDBUser = envStr("REMOTE_DB_USER", "")
	cfg.RemoteDBPassword = envStr("REMOTE_DB_PASSWORD", "")
	cfg.RemoteDBSSLMode = envStr("REMOTE_DB_SSLMODE", "require")

	// --- Remote API (push) ---
	cfg.ClientAPIURL = strings.TrimSpace(envStr("CLIENT_API_URL", ""))
	cfg.ClientAPIKey = envStr("CLIENT_API_KEY", "")
	cfg.APITimeout = envDuration("API_TIMEOUT_MS", 30*time.Second, &errs, true)
	cfg.MaxRetries = envInt("MAX_RETRIES", 3, &errs)
	cfg.BatchSize = envInt("BATCH_SIZE", 1000, &errs)

	// --- Scheduling ---
	cfg.CollectionIntervalSeconds = envInt("COLLECTION_INTERVAL_SECONDS", 60, &errs)
	cfg.UploadCron = envStr("UPLOAD_CRON", "*/5 * * * *")
	cfg.PullSyncIntervalMinutes = envInt("PULL_SYNC_INTERVAL_MINUTES", 60, &errs)
	cfg.ReadingRetentionDays = envInt("READING_RETENTION_DAYS", 60, &errs)
	cfg.LogRetentionDays = envInt("LOG_RETENTION_DAYS", 30, &errs)

	// --- BACnet ---
	cfg.BACnetInterface = envStr("BACNET_INTERFACE", "")
	cfg.BACnetPort = envInt("BACNET_PORT", 47808, &errs)
	cfg.BACnetConnectTimeoutMS = envInt("BACNET_CONNECT_TIMEOUT_MS", 5000, &errs)
	cfg.BACnetReadTimeoutMS = envInt("BACNET_READ_TIMEOUT_MS", 5000, &errs)

	// --- Modbus ---
	cfg.ModbusMapFile = envStr("MODBUS_MAP_FILE", "")

	// --- Auto-start flags ---
	cfg.CollectorAutoStart = envBool("COLLECTOR_AUTO_START", true, &errs)
	cfg.UploadAutoStart = envBool("UPLOAD_AUTO_START", true, &errs)
	cfg.PullSyncAutoStart = envBool("PULL_SYNC_AUTO_START", true, &errs)
	cfg.CleanupAutoStart = envBool("CLEANUP_AUTO_START", true, &errs)

	// --- Control API ---
	cfg.ControlAPIListenAddr = envStr("CONTROL_API_LISTEN_ADDRESS", "127.0.0.1")
	cfg.ControlAPIPort = envInt("CONTROL_API_PORT", 3099, &errs)

	// --- Optional overlay file ---
	cfg.ConfigFile = envStr("AGENT_CONFIG_FILE", "")

	// --- Validation ---
	if cfg.ClientAPIURL == "" {
		errs = append(errs, "CLIENT_API_URL must not be empty")
	}
	if cfg.ClientAPIKey == "" {
		errs = append(errs, "CLIENT_API_KEY must not be empty")
	}
	if cfg.StateDir == "" {
		errs = append(errs, "STATE_DIR must not be empty")
	}

	validatePort("REMOTE_DB_PORT", cfg.RemoteDBPort, &errs)
	validatePort("BACNET_PORT", cfg.BACnetPort, &errs)
	validatePort("CONTROL_API_PORT", cfg.ControlAPIPort, &errs)

	validatePositive("MAX_RETRIES", cfg.MaxRetries, &errs)
	validatePositive("BATCH_SIZE", cfg.BatchSize, &errs)
	validatePositive("COLLECTION_INTERVAL_SECONDS", cfg.CollectionIntervalSeconds, &errs)
	validatePositive("PULL_SYNC_INTERVAL_MINUTES", cfg.PullSyncIntervalMinutes, &errs)
	validatePositive("READING_RETENTION_DAYS", cfg.ReadingRetentionDays, &errs)
	validatePositive("LOG_RETENTION_DAYS", cfg.LogRetentionDays, &errs)
	validatePositive("BACNET_CONNECT_TIMEOUT_MS", cfg.BACnetConnectTimeoutMS, &errs)
	validatePositive("BACNET_READ_TIMEOUT_MS", cfg.BACnetReadTimeoutMS, &errs)

	if cfg.APITimeout <= 0 {
		errs = append(errs, "API_TIMEOUT_MS must be positive")
	}

	if _, err := cron.ParseStandard(cfg.UploadCron); err != nil {
		errs = append(errs, fmt.Sprintf("UPLOAD_CRON: invalid cron expression %q: %v", cfg.UploadCron, err))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

// envDuration reads a duration env var. When asMillis is true the value is
// parsed as a plain integer count of milliseconds (matching the
// *_TIMEOUT_MS contract); otherwise it is parsed via time.ParseDuration.
func envDuration(key string, defaultVal time.Duration, errs *[]string, asMillis bool) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if asMillis {
		n, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Sprintf("%s: invalid integer milliseconds %q", key, v))
			return defaultVal
		}
		return time.Duration(n) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
