package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds every env-var-driven setting for the control plane.
// Grounded on the teacher's config.go: getEnv*/Validate helper shape,
// env var prefix renamed TOKENHUB_ -> DEPLOYCTL_.
type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN string

	JWTSecret string // DEPLOYCTL_JWT_SECRET; if unset, a key is generated at startup

	// SecretsEnabled turns on the in-memory encrypted secrets vault, which
	// holds a generated JWT signing key. SecretsPassphrase unlocks it at
	// startup; without it the vault stays locked and, unless JWTSecret is
	// set, a transient key is used.
	SecretsEnabled    bool
	SecretsPassphrase string

	// Security & hardening.
	AdminToken     string   // required for /__api access in production
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int      // requests per second per IP
	RateLimitBurst int      // burst capacity per IP

	// OpenTelemetry tracing (opt-in).
	OTelEnabled     bool
	OTelEndpoint    string
	OTelServiceName string

	// Temporal workflow engine (opt-in); when disabled, the watchdog
	// runs via the in-process ticker loop and deploys stay synchronous.
	TemporalEnabled   bool
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string

	WatchdogIntervalSecs int

	ShutdownDrainSecs int
}

// LoadConfig reads every DEPLOYCTL_* environment variable into a Config
// and validates it.
func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("DEPLOYCTL_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("DEPLOYCTL_LOG_LEVEL", "info"),
		DBDSN:      getEnv("DEPLOYCTL_DB_DSN", "file:/data/deployctl.sqlite"),

		JWTSecret: getEnv("DEPLOYCTL_JWT_SECRET", ""),

		SecretsEnabled:    getEnvBool("DEPLOYCTL_SECRETS_ENABLED", false),
		SecretsPassphrase: getEnv("DEPLOYCTL_SECRETS_PASSPHRASE", ""),

		AdminToken:     getEnv("DEPLOYCTL_ADMIN_TOKEN", ""),
		CORSOrigins:    getEnvStringSlice("DEPLOYCTL_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("DEPLOYCTL_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("DEPLOYCTL_RATE_LIMIT_BURST", 120),

		OTelEnabled:     getEnvBool("DEPLOYCTL_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("DEPLOYCTL_OTEL_ENDPOINT", "localhost:4318"),
		OTelServiceName: getEnv("DEPLOYCTL_OTEL_SERVICE_NAME", "deployctl"),

		TemporalEnabled:   getEnvBool("DEPLOYCTL_TEMPORAL_ENABLED", false),
		TemporalHostPort:  getEnv("DEPLOYCTL_TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: getEnv("DEPLOYCTL_TEMPORAL_NAMESPACE", "deployctl"),
		TemporalTaskQueue: getEnv("DEPLOYCTL_TEMPORAL_TASK_QUEUE", "deployctl-tasks"),

		WatchdogIntervalSecs: getEnvInt("DEPLOYCTL_WATCHDOG_INTERVAL_SECS", 60),
		ShutdownDrainSecs:    getEnvInt("DEPLOYCTL_SHUTDOWN_DRAIN_SECS", 30),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("DEPLOYCTL_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("DEPLOYCTL_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.WatchdogIntervalSecs <= 0 {
		return fmt.Errorf("DEPLOYCTL_WATCHDOG_INTERVAL_SECS must be > 0, got %d", c.WatchdogIntervalSecs)
	}
	if c.ShutdownDrainSecs <= 0 {
		return fmt.Errorf("DEPLOYCTL_SHUTDOWN_DRAIN_SECS must be > 0, got %d", c.ShutdownDrainSecs)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
